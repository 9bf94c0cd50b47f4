package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient speaks to one resolved deployment, direct or Azure-hosted.
type OpenAIClient struct {
	client     *openai.Client
	descriptor *Descriptor
}

// NewOpenAIClient builds a client for a descriptor.
func NewOpenAIClient(d *Descriptor) *OpenAIClient {
	var cfg openai.ClientConfig
	if d.Source == SourceTenant {
		// Azure OpenAI uses a different base URL scheme and auth header.
		cfg = openai.DefaultAzureConfig(d.APIKey, d.Endpoint)
		if d.APIVersion != "" {
			cfg.APIVersion = d.APIVersion
		}
		deployment := d.Deployment
		cfg.AzureModelMapperFunc = func(string) string { return deployment }
	} else {
		cfg = openai.DefaultConfig(d.APIKey)
	}

	return &OpenAIClient{
		client:     openai.NewClientWithConfig(cfg),
		descriptor: d,
	}
}

func (c *OpenAIClient) buildRequest(req ChatRequest) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:    c.descriptor.Deployment,
		Messages: req.Messages,
		Stream:   req.Stream,
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	return out
}

// ChatCompletion makes a non-streaming chat completion call.
func (c *OpenAIClient) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("upstream chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("upstream returned no choices")
	}

	choice := resp.Choices[0]
	return &ChatResponse{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		Usage:        resp.Usage,
		FinishReason: string(choice.FinishReason),
	}, nil
}

// ChatCompletionStream opens a streaming chat completion call.
func (c *OpenAIClient) ChatCompletionStream(ctx context.Context, req ChatRequest) (Stream, error) {
	req.Stream = true
	stream, err := c.client.CreateChatCompletionStream(ctx, c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("upstream chat stream: %w", err)
	}
	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (StreamChunk, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		return StreamChunk{}, err
	}

	var chunk StreamChunk
	if len(resp.Choices) > 0 {
		chunk.DeltaContent = resp.Choices[0].Delta.Content
		chunk.FinishReason = string(resp.Choices[0].FinishReason)
	}
	if resp.Usage != nil {
		chunk.Usage = resp.Usage
	}
	return chunk, nil
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}

// ClientFactory pools clients keyed by descriptor fingerprint so repeated
// requests against the same deployment reuse one HTTP client instead of
// constructing a fresh one per call.
type ClientFactory struct {
	mu      sync.Mutex
	clients map[string]*OpenAIClient
}

func NewClientFactory() *ClientFactory {
	return &ClientFactory{clients: make(map[string]*OpenAIClient)}
}

func fingerprint(d *Descriptor) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s",
		d.Source, d.Endpoint, d.Deployment, d.APIVersion, d.APIKey)))
	return hex.EncodeToString(h[:])
}

// ClientFor returns a pooled client for the descriptor.
func (f *ClientFactory) ClientFor(d *Descriptor) Client {
	key := fingerprint(d)

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c
	}
	c := NewOpenAIClient(d)
	f.clients[key] = c
	return c
}

// Probe sends a minimal one-token request to validate a descriptor's
// credentials. Used by the admin test operation.
func (f *ClientFactory) Probe(ctx context.Context, d *Descriptor) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	one := 1
	_, err := f.ClientFor(d).ChatCompletion(ctx, ChatRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "ping"},
		},
		MaxTokens: &one,
	})
	return err
}
