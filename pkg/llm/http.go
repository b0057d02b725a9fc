package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/atelier-run/atelier/pkg/errdefs"
)

// HTTPProvider speaks the chat-completions JSON dialect most hosted
// model endpoints expose. Wire errors are mapped into the error
// taxonomy so the gateway's retry and fallback logic can act on them.
type HTTPProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider creates a provider for one upstream endpoint
func NewHTTPProvider(name, baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

// Name implements Provider
func (p *HTTPProvider) Name() string {
	return p.name
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete implements Provider
func (p *HTTPProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := make([]wireMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, wireMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, wireMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(wireRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, "failed to encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errdefs.Wrap(errdefs.KindCancelled, "request cancelled", err)
		}
		return nil, errdefs.Wrap(errdefs.KindTransientProvider, "provider unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransientProvider, "failed to read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e := errdefs.Newf(errdefs.KindRateLimited, "%s rate limited", p.name)
		if retry, perr := time.ParseDuration(resp.Header.Get("Retry-After") + "s"); perr == nil {
			e = e.WithRetryAfter(retry)
		}
		return nil, e
	case resp.StatusCode >= 500:
		return nil, errdefs.Newf(errdefs.KindTransientProvider, "%s returned %d", p.name, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, errdefs.Newf(errdefs.KindValidation, "%s rejected request with %d: %s", p.name, resp.StatusCode, truncate(data, 200))
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransientProvider, "malformed provider response", err)
	}
	if wire.Error != nil {
		return nil, errdefs.Newf(errdefs.KindTransientProvider, "%s: %s", p.name, wire.Error.Message)
	}
	if len(wire.Choices) == 0 {
		return nil, errdefs.Newf(errdefs.KindTransientProvider, "%s returned no choices", p.name)
	}

	return &Response{
		Content:      wire.Choices[0].Message.Content,
		InputTokens:  wire.Usage.PromptTokens,
		OutputTokens: wire.Usage.CompletionTokens,
		StopReason:   wire.Choices[0].FinishReason,
		Latency:      time.Since(start),
	}, nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return fmt.Sprintf("%s...", data[:n])
}
