package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/EffortlessMetrics/docket/internal/errclass"
	"github.com/EffortlessMetrics/docket/internal/ledger"
	"github.com/EffortlessMetrics/docket/internal/redact"
)

// SDK talks JSON-over-HTTP to a model provider. One request per Execute;
// the provider's usage block feeds token counts, the pricer turns them into
// cost. The API key comes from the environment, never from configuration.
type SDK struct {
	BaseURL   string
	Model     string
	APIKeyEnv string
	Client    *http.Client
	Pricer    *Pricer
}

// NewSDK builds an SDK backend against the given endpoint and model.
func NewSDK(baseURL, model, apiKeyEnv string, pricer *Pricer) *SDK {
	return &SDK{
		BaseURL:   baseURL,
		Model:     model,
		APIKeyEnv: apiKeyEnv,
		Client:    &http.Client{},
		Pricer:    pricer,
	}
}

func (s *SDK) Name() string { return "sdk" }

// The SDK path gets structured output and streaming from the provider;
// hot context still needs the wrapper's summary injection.
func (s *SDK) Capabilities() CapabilitySet {
	return CapabilitySet{CapStructuredOutput: true, CapStreaming: true}
}

type sdkRequest struct {
	Model     string       `json:"model"`
	System    string       `json:"system,omitempty"`
	Messages  []sdkMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens,omitempty"`
	// Deterministic settings: routing and finalize calls must not wander.
	Temperature float64 `json:"temperature"`
}

type sdkMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type sdkResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *SDK) Execute(ctx context.Context, spec StepSpec, pack PromptPack) (*StepResult, error) {
	key := os.Getenv(s.APIKeyEnv)
	if key == "" {
		return nil, &CallError{Engine: s.Name(), Message: fmt.Sprintf("%s not set", s.APIKeyEnv), Hint: "fatal"}
	}

	prompt := pack.Prompt
	if pack.SchemaHint != "" {
		prompt += "\n\n" + pack.SchemaHint
	}
	body, err := json.Marshal(sdkRequest{
		Model:     s.Model,
		System:    pack.System,
		Messages:  []sdkMessage{{Role: "user", Content: prompt}},
		MaxTokens: pack.MaxOutputTokens,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	started := time.Now()
	resp, err := s.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &CallError{Engine: s.Name(), Message: err.Error(), Hint: "transient"}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &CallError{Engine: s.Name(), Message: fmt.Sprintf("read response: %v", err), Hint: "transient"}
	}

	if resp.StatusCode != http.StatusOK {
		var decoded sdkResponse
		msg := string(payload)
		if json.Unmarshal(payload, &decoded) == nil && decoded.Error != nil {
			msg = decoded.Error.Message
		}
		callErr := &CallError{Engine: s.Name(), Status: resp.StatusCode, Message: firstLine(msg)}
		if after, ok := errclass.ParseRetryAfter(resp.Header.Get("Retry-After")); ok {
			callErr.RetryDelay = after
		}
		return nil, callErr
	}

	var decoded sdkResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, &CallError{Engine: s.Name(), Message: "invalid json in provider response", Hint: "retriable"}
	}
	var text string
	for _, block := range decoded.Content {
		if block.Type == "" || block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, &CallError{Engine: s.Name(), Message: "empty response", Hint: "retriable"}
	}

	outPath := ""
	if spec.OutDir != "" {
		if err := os.MkdirAll(spec.OutDir, 0o755); err != nil {
			return nil, err
		}
		outPath = filepath.Join(spec.OutDir, "output.txt")
		if err := os.WriteFile(outPath, redact.Bytes([]byte(text)), 0o644); err != nil {
			return nil, err
		}
	}

	tokens := ledger.TokenCount{
		Prompt:     decoded.Usage.InputTokens,
		Completion: decoded.Usage.OutputTokens,
	}
	tokens.Total = tokens.Prompt + tokens.Completion
	cost := 0.0
	if s.Pricer != nil {
		cost = s.Pricer.Cost(s.Model, tokens)
	}

	return &StepResult{
		Status:         ledger.StepSucceeded,
		Engine:         s.Name(),
		OutputTextPath: outPath,
		Tokens:         tokens,
		CostUSD:        cost,
		Transcript: []map[string]any{{
			"model":       s.Model,
			"duration_ms": time.Since(started).Milliseconds(),
			"tokens":      tokens,
		}},
	}, nil
}
