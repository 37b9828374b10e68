// Package openai implements the passthrough adapter for OpenAI-shaped
// upstreams. The canonical request maps almost one-to-one onto the wire
// format, so the adapter mostly forwards fields and deserializes directly.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const providerName = "openai"

// defaultModels drive SupportsModel when the configuration lists none.
var defaultModels = []string{
	"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-4", "gpt-3.5-turbo",
	"text-embedding-3-small", "text-embedding-3-large", "text-embedding-ada-002",
}

// Provider implements providers.Provider for the OpenAI API.
type Provider struct {
	settings providers.Settings
	client   openaiSDK.Client
}

// New creates an OpenAI Provider. An adapter without an API key is still
// constructed — it just reports Available() == false forever.
func New(settings providers.Settings) *Provider {
	p := &Provider{settings: settings}
	if len(p.settings.Models) == 0 {
		p.settings.Models = defaultModels
	}

	opts := []option.RequestOption{
		option.WithAPIKey(p.settings.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: p.settings.RequestTimeout()}),
	}
	if p.settings.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.settings.BaseURL))
	}
	p.client = openaiSDK.NewClient(opts...)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Available() bool {
	return p.settings.Enabled && p.settings.APIKey != ""
}

func (p *Provider) Priority() int { return p.settings.EffectivePriority() }

func (p *Provider) SupportsModel(model string) bool { return p.settings.MatchesModel(model) }

// SupportsEmbedding implements providers.EmbeddingCapable.
func (p *Provider) SupportsEmbedding() bool { return true }

// AdvertisedModels implements providers.ModelAdvertiser.
func (p *Provider) AdvertisedModels() []string { return p.settings.Models }

func (p *Provider) HealthCheck(ctx context.Context) bool {
	if !p.Available() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, providers.HealthProbeTimeout)
	defer cancel()
	_, err := p.client.Models.List(ctx)
	return err == nil
}

func (p *Provider) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	if !p.Available() {
		return nil, providers.ErrUnavailable(providerName)
	}

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, toGatewayError(err)
	}

	out := &providers.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Usage: &providers.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, providers.Choice{
			Index:        int(c.Index),
			Message:      &providers.Message{Role: "assistant", Content: c.Message.Content},
			FinishReason: c.FinishReason,
		})
	}

	cost := p.settings.Pricing.Cost(out.Usage)
	out.Gateway = &providers.GatewayMetadata{
		Provider:      providerName,
		OriginalModel: req.Model,
		LatencyMs:     time.Since(start).Milliseconds(),
		Cached:        false,
		RetryCount:    0,
		RequestID:     req.RequestID,
		EstimatedCost: &cost,
	}

	return out, nil
}

func (p *Provider) ChatStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	if !p.Available() {
		return nil, providers.ErrUnavailable(providerName)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(req))
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content != "" || c.FinishReason != "" {
				select {
				case ch <- providers.StreamChunk{Content: c.Delta.Content, FinishReason: c.FinishReason}:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			ch <- providers.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
		}
	}()

	return ch, nil
}

func (p *Provider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	if !p.Available() {
		return nil, providers.ErrUnavailable(providerName)
	}

	model := req.Model
	if model == "" {
		model = p.settings.DefaultModel
	}

	start := time.Now()
	resp, err := p.client.Embeddings.New(ctx, openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	})
	if err != nil {
		return nil, toGatewayError(err)
	}

	data := make([]providers.EmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float64, len(d.Embedding))
		copy(vec, d.Embedding)
		data[i] = providers.EmbeddingData{
			Object:    "embedding",
			Index:     int(d.Index),
			Embedding: vec,
		}
	}

	promptTokens := int(resp.Usage.PromptTokens)
	cost := p.settings.Pricing.Cost(&providers.Usage{PromptTokens: promptTokens})

	return &providers.EmbeddingResponse{
		Object: "list",
		Data:   data,
		Model:  resp.Model,
		Usage: &providers.EmbeddingUsage{
			PromptTokens: promptTokens,
			TotalTokens:  promptTokens,
		},
		Gateway: &providers.GatewayMetadata{
			Provider:      providerName,
			OriginalModel: req.Model,
			LatencyMs:     time.Since(start).Milliseconds(),
			Cached:        false,
			RequestID:     req.RequestID,
			EstimatedCost: &cost,
		},
	}, nil
}

func (p *Provider) buildParams(req *providers.ChatRequest) openaiSDK.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = p.settings.DefaultModel
	}

	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
	}

	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = openaiSDK.Float(*req.FrequencyPenalty)
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = openaiSDK.Float(*req.PresencePenalty)
	}
	if len(req.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if req.User != "" {
		params.User = openaiSDK.String(req.User)
	}
	return params
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch role {
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

func toGatewayError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return providers.FromUpstream(providerName, apiErr.StatusCode, err)
	}
	return providers.FromUpstream(providerName, 0, err)
}
