// Package redact scrubs credential material from strings before they are
// persisted or transmitted. The pattern set is closed: governance reviews
// additions here rather than per-call-site heuristics.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Marker replaces matched secret material. The pattern name is preserved so
// forensics can tell what kind of credential was caught without retaining it.
const markerFormat = "[REDACTED:%s]"

// Pattern is one recognizer in the closed set.
type Pattern struct {
	Name string
	re   *regexp.Regexp
}

// patterns is ordered: more specific prefixes before generic ones so the
// finding name identifies the real credential family.
var patterns = []Pattern{
	{"anthropic_api_key", regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{8,}`)},
	{"openai_api_key", regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`)},
	{"aws_access_key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"github_token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`)},
	{"private_key_pem", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"url_credentials", regexp.MustCompile(`://[^/\s:@]{1,64}:[^/\s@]{1,128}@`)},
	{"bearer_token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{16,}`)},
	{"assignment_secret", regexp.MustCompile(`(?i)\b(api[_-]?key|secret|token|password|credential)s?["']?\s*[:=]\s*["']?[^\s"',;]{8,}`)},
}

// Finding reports a matched pattern without carrying the matched text.
type Finding struct {
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
}

// String returns s with every recognized credential replaced by a marker.
func String(s string) string {
	out, _ := Apply(s)
	return out
}

// Bytes is String for raw JSON or log payloads.
func Bytes(b []byte) []byte {
	return []byte(String(string(b)))
}

// Apply redacts s and reports which patterns fired. Findings never include
// the secret itself.
func Apply(s string) (string, []Finding) {
	var findings []Finding
	for _, p := range patterns {
		n := 0
		s = p.re.ReplaceAllStringFunc(s, func(m string) string {
			if strings.Contains(m, "[REDACTED:") {
				return m
			}
			n++
			if p.Name == "url_credentials" {
				// Keep the URL shape readable.
				return "://" + fmt.Sprintf(markerFormat, p.Name) + "@"
			}
			return fmt.Sprintf(markerFormat, p.Name)
		})
		if n > 0 {
			findings = append(findings, Finding{Pattern: p.Name, Count: n})
		}
	}
	return s, findings
}

// Scan reports findings without rewriting. Used by the boundary gate, which
// must block rather than scrub.
func Scan(s string) []Finding {
	_, findings := Apply(s)
	return findings
}

// Clean reports whether s contains no recognized credential material.
// Already-redacted markers do not count.
func Clean(s string) bool {
	return len(Scan(s)) == 0
}

// PatternNames lists the closed set, for selftest and documentation surfaces.
func PatternNames() []string {
	names := make([]string, 0, len(patterns))
	for _, p := range patterns {
		names = append(names, p.Name)
	}
	return names
}

// Describe renders findings as "name xN" pairs for log lines.
func Describe(findings []Finding) string {
	if len(findings) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(findings))
	for _, f := range findings {
		parts = append(parts, fmt.Sprintf("%s x%d", f.Pattern, f.Count))
	}
	return strings.Join(parts, ", ")
}
