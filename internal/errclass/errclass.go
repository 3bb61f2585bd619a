// Package errclass maps every failure the kernel can see onto the four-way
// taxonomy that drives retry policy: transient, retriable, permanent, fatal.
// Classification is the only place failure semantics live; callers switch on
// the category, never on raw errors.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/zeebo/blake3"

	"github.com/EffortlessMetrics/docket/internal/budget"
	"github.com/EffortlessMetrics/docket/internal/ledger"
)

// Category orders failures by severity. Higher values dominate when
// aggregating, so the zero-indexed order is load-bearing.
type Category int

const (
	Transient Category = iota
	Retriable
	Permanent
	Fatal
)

func (c Category) String() string {
	switch c {
	case Transient:
		return "transient"
	case Retriable:
		return "retriable"
	case Permanent:
		return "permanent"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Classified is the normalized verdict for one failure.
type Classified struct {
	Category   Category
	Reason     string
	Signature  string
	Target     string
	HTTPStatus int
	RetryAfter time.Duration
}

// Input carries whatever the caller knows about the failure. Zero values
// mean unknown.
type Input struct {
	Err        error
	Target     string
	Message    string
	HTTPStatus int
	ExitCode   int
	HasExit    bool
}

// Optional interfaces backend and skill errors may implement. Sniffing
// keeps this package free of dependencies on the error producers.
type statusCoder interface{ HTTPStatus() int }

type retryAfterCarrier interface{ RetryAfter() time.Duration }

type categoryHinter interface{ ClassHint() string }

// Classify produces the category, reason, and stable signature for a
// failure. Unknown failures classify transient so the caller retries rather
// than giving up on infrastructure noise.
func Classify(in Input) Classified {
	out := Classified{Category: Transient, Reason: "unknown", Target: in.Target}
	msg := in.Message
	if msg == "" && in.Err != nil {
		msg = in.Err.Error()
	}

	status := in.HTTPStatus
	if status == 0 && in.Err != nil {
		var sc statusCoder
		if errors.As(in.Err, &sc) {
			status = sc.HTTPStatus()
		}
	}
	out.HTTPStatus = status
	if in.Err != nil {
		var rc retryAfterCarrier
		if errors.As(in.Err, &rc) {
			out.RetryAfter = rc.RetryAfter()
		}
	}

	switch {
	case in.Err != nil && errors.Is(in.Err, budget.ErrBudgetExhausted):
		out.Category, out.Reason = Fatal, "budget_exhausted"
	case in.Err != nil && hintsCategory(in.Err, &out):
		// Producer hint applied.
	case in.Err != nil && isQuarantine(in.Err):
		out.Category, out.Reason = Fatal, "ledger_corruption"
	case status != 0:
		out.Category, out.Reason = byStatus(status, msg)
	case in.Err != nil && isTimeout(in.Err):
		out.Category, out.Reason = Transient, "timeout"
	case in.Err != nil && errors.Is(in.Err, context.Canceled):
		out.Category, out.Reason = Transient, "cancelled"
	case in.Err != nil && isNetwork(in.Err):
		out.Category, out.Reason = Transient, "network"
	case in.HasExit && in.ExitCode != 0:
		out.Category, out.Reason = byExitCode(in.ExitCode)
	case msg != "":
		out.Category, out.Reason = byMessage(msg)
	}

	if out.Reason == "unknown" && msg != "" {
		if cat, reason := byMessage(msg); reason != "unknown" {
			out.Category, out.Reason = cat, reason
		}
	}
	out.Signature = Signature(out.Reason, in.Target, msg)
	return out
}

func hintsCategory(err error, out *Classified) bool {
	var h categoryHinter
	if !errors.As(err, &h) {
		return false
	}
	switch h.ClassHint() {
	case "transient":
		out.Category = Transient
	case "retriable":
		out.Category = Retriable
	case "permanent":
		out.Category = Permanent
	case "fatal":
		out.Category = Fatal
	default:
		return false
	}
	out.Reason = reasonFromMessage(err.Error())
	return true
}

func isQuarantine(err error) bool {
	var qe *ledger.QuarantineError
	return errors.As(err, &qe)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isNetwork(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// byStatus follows HTTP semantics: 4xx is the caller's fault and permanent,
// except the specific codes that mean "try later" or "ask differently".
func byStatus(status int, msg string) (Category, string) {
	switch {
	case status == 401:
		return Fatal, "auth"
	case status == 403:
		return Fatal, "access_denied"
	case status == 404:
		return Permanent, "not_found"
	case status == 408:
		return Transient, "timeout"
	case status == 429:
		return Transient, "rate_limited"
	case status >= 500:
		return Transient, "server_error"
	case status == 400 || status == 422:
		if cat, reason := byMessage(msg); reason != "unknown" {
			return cat, reason
		}
		return Permanent, "invalid_request"
	case status >= 400:
		return Permanent, fmt.Sprintf("http_%d", status)
	}
	return Transient, "unknown"
}

// byExitCode interprets skill process exits. 124 is the conventional
// timeout exit; signals land at 128+n.
func byExitCode(code int) (Category, string) {
	switch {
	case code == 124:
		return Transient, "skill_timeout"
	case code >= 128:
		return Transient, fmt.Sprintf("signal_%d", code-128)
	default:
		return Permanent, fmt.Sprintf("exit_%d", code)
	}
}

var messageHints = []struct {
	substr   string
	category Category
	reason   string
}{
	{"context length", Permanent, "context_overflow"},
	{"context_length", Permanent, "context_overflow"},
	{"maximum context", Permanent, "context_overflow"},
	{"too many tokens", Permanent, "context_overflow"},
	{"rate limit", Transient, "rate_limited"},
	{"overloaded", Transient, "server_error"},
	{"timeout", Transient, "timeout"},
	{"timed out", Transient, "timeout"},
	{"connection refused", Transient, "network"},
	{"connection reset", Transient, "network"},
	{"temporarily unavailable", Transient, "server_error"},
	{"invalid api key", Fatal, "auth"},
	{"unauthorized", Fatal, "auth"},
	{"authentication", Fatal, "auth"},
	{"billing", Fatal, "budget_exhausted"},
	{"schema validation", Retriable, "malformed_output"},
	{"failed to parse", Retriable, "malformed_output"},
	{"invalid json", Retriable, "malformed_output"},
	{"empty response", Retriable, "empty_response"},
	{"unsupported", Permanent, "unsupported"},
}

// byMessage refines classification from provider text when codes are
// missing or ambiguous.
func byMessage(msg string) (Category, string) {
	lower := strings.ToLower(msg)
	for _, h := range messageHints {
		if strings.Contains(lower, h.substr) {
			return h.category, h.reason
		}
	}
	return Transient, "unknown"
}

func reasonFromMessage(msg string) string {
	if _, reason := byMessage(msg); reason != "unknown" {
		return reason
	}
	return "unknown"
}

var (
	digitRun = regexp.MustCompile(`[0-9]+`)
	spaceRun = regexp.MustCompile(`\s+`)
)

// Signature builds the stable failure identity used for repeat detection
// and detour catalog matching: "reason|target|normalized-head#hash". The
// readable prefix is what catalogs match on; the hash disambiguates long
// messages that share a head.
func Signature(reason, target, msg string) string {
	head := strings.ToLower(msg)
	head = digitRun.ReplaceAllString(head, "#")
	head = spaceRun.ReplaceAllString(head, " ")
	head = strings.TrimSpace(head)
	if len(head) > 48 {
		head = head[:48]
	}
	base := reason + "|" + target + "|" + head
	sum := blake3.Sum256([]byte(base))
	return fmt.Sprintf("%s#%x", base, sum[:6])
}

// SignaturePrefix strips the hash suffix for catalog prefix matching.
func SignaturePrefix(sig string) string {
	if i := strings.LastIndex(sig, "#"); i >= 0 {
		return sig[:i]
	}
	return sig
}

// Aggregate folds multiple classifications into one verdict. The highest
// category wins; the reason comes from the first failure at that category,
// and the longest RetryAfter at the winning category is kept.
func Aggregate(items []Classified) Classified {
	if len(items) == 0 {
		return Classified{Category: Transient, Reason: "unknown"}
	}
	winner := items[0]
	for _, item := range items[1:] {
		if item.Category > winner.Category {
			winner = item
		}
	}
	for _, item := range items {
		if item.Category == winner.Category && item.RetryAfter > winner.RetryAfter {
			winner.RetryAfter = item.RetryAfter
		}
	}
	return winner
}

// ParseRetryAfter reads a Retry-After value: integer seconds or HTTP date.
func ParseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := time.Parse(time.RFC1123, v); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
