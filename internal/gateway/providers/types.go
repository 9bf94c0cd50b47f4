package providers

import (
	"context"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
)

// Source says where a resolved descriptor came from.
type Source string

const (
	SourceTenant   Source = "tenant"   // admin-configured Azure deployment
	SourceFallback Source = "fallback" // process-level global credential
)

// Descriptor is a fully-formed upstream deployment: endpoint, credential and
// generation overrides. Built fresh on every resolve; never cached with the
// decrypted key outside process memory.
type Descriptor struct {
	Source       Source
	ConfigID     *uuid.UUID
	Name         string
	Endpoint     string // empty for direct OpenAI
	Deployment   string // model name (direct) or deployment name (Azure)
	APIVersion   string
	APIKey       string
	MaxTokens    *int
	Temperature  *float32
	RateLimitRPM *int
}

// ChatRequest is one upstream chat-completion call.
type ChatRequest struct {
	Messages    []openai.ChatCompletionMessage
	Temperature *float32
	MaxTokens   *int
	Stream      bool
}

// ChatResponse is a completed non-streaming call.
type ChatResponse struct {
	Content      string
	Model        string
	Usage        openai.Usage
	FinishReason string
}

// StreamChunk is one delta from a streaming call. Usage is present only on
// providers that report per-stream usage.
type StreamChunk struct {
	DeltaContent string
	Usage        *openai.Usage
	FinishReason string
}

// Stream yields chunks in provider emission order and returns io.EOF when the
// provider finishes.
type Stream interface {
	Recv() (StreamChunk, error)
	Close() error
}

// Client is the upstream surface the gateway depends on.
type Client interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatCompletionStream(ctx context.Context, req ChatRequest) (Stream, error)
}

// Apply merges tenant generation policy into a caller request. Tenant
// overrides win over caller preferences when the descriptor is
// tenant-configured.
func (d *Descriptor) Apply(req ChatRequest) ChatRequest {
	if d.Source != SourceTenant {
		return req
	}
	if d.Temperature != nil {
		req.Temperature = d.Temperature
	}
	if d.MaxTokens != nil {
		req.MaxTokens = d.MaxTokens
	}
	return req
}
