package proxy

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// funcProvider is a configurable stub adapter for router tests.
type funcProvider struct {
	name      string
	priority  int
	available bool
	models    []string
	embedding bool

	chatCalls   atomic.Int64
	embedCalls  atomic.Int64
	streamCalls atomic.Int64

	chatFn   func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error)
	embedFn  func(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error)
	streamFn func(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error)
}

func (f *funcProvider) Name() string    { return f.name }
func (f *funcProvider) Available() bool { return f.available }
func (f *funcProvider) Priority() int   { return f.priority }

func (f *funcProvider) HealthCheck(context.Context) bool { return f.available }

func (f *funcProvider) SupportsModel(model string) bool {
	if model == "" {
		return true
	}
	for _, m := range f.models {
		if m == model {
			return true
		}
	}
	return len(f.models) == 0
}

func (f *funcProvider) SupportsEmbedding() bool { return f.embedding }

func (f *funcProvider) AdvertisedModels() []string { return f.models }

func (f *funcProvider) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	f.chatCalls.Add(1)
	if f.chatFn != nil {
		return f.chatFn(ctx, req)
	}
	return okResponse(f.name, req), nil
}

func (f *funcProvider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	f.embedCalls.Add(1)
	if f.embedFn != nil {
		return f.embedFn(ctx, req)
	}
	return &providers.EmbeddingResponse{
		Object: "list",
		Model:  req.Model,
		Data:   []providers.EmbeddingData{{Object: "embedding", Index: 0, Embedding: []float64{0.1}}},
		Gateway: &providers.GatewayMetadata{
			Provider:  f.name,
			RequestID: req.RequestID,
		},
	}, nil
}

func (f *funcProvider) ChatStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	f.streamCalls.Add(1)
	if f.streamFn != nil {
		return f.streamFn(ctx, req)
	}
	ch := make(chan providers.StreamChunk, 4)
	ch <- providers.StreamChunk{Content: "Hello"}
	ch <- providers.StreamChunk{Content: " world"}
	ch <- providers.StreamChunk{FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func okResponse(name string, req *providers.ChatRequest) *providers.ChatResponse {
	return &providers.ChatResponse{
		ID:      "resp-" + name,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []providers.Choice{
			{
				Index:        0,
				Message:      &providers.Message{Role: "assistant", Content: "hello from " + name},
				FinishReason: "stop",
			},
		},
		Usage: &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Gateway: &providers.GatewayMetadata{
			Provider:      name,
			OriginalModel: req.Model,
			RequestID:     req.RequestID,
		},
	}
}

func okProvider(name string, priority int) *funcProvider {
	return &funcProvider{name: name, priority: priority, available: true, embedding: true}
}

func failingProvider(name string, priority int, err error) *funcProvider {
	p := okProvider(name, priority)
	p.chatFn = func(context.Context, *providers.ChatRequest) (*providers.ChatResponse, error) {
		return nil, err
	}
	return p
}

func testGateway(provs []providers.Provider, opts GatewayOptions) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Routing.RetryDelay == 0 {
		opts.Routing.RetryDelay = time.Millisecond
	}
	return NewGateway(context.Background(), provs, nil, opts)
}
