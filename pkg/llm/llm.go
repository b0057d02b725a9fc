package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Message is one chat message
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`
}

// Tool describes a callable tool offered to the model
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"input_schema"`
}

// ToolCall is a tool invocation requested by the model
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Request is a provider-agnostic completion request
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Tools       []Tool
	ToolChoice  string
}

// Response is a provider-agnostic completion result
type Response struct {
	Content      string
	InputTokens  int
	OutputTokens int
	ToolCalls    []ToolCall
	StopReason   string
	Latency      time.Duration
}

// Provider is a single LLM backend. Implementations convert their wire
// errors into the errdefs taxonomy.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// StreamingProvider is implemented by providers that can stream content
// chunks; fn is called once per chunk in order.
type StreamingProvider interface {
	Provider
	CompleteStream(ctx context.Context, req Request, fn func(chunk string) error) (*Response, error)
}
