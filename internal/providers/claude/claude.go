// Package claude implements the adapter for Claude-shaped upstreams.
//
// The upstream takes a top-level system field separate from messages and
// only accepts user/assistant roles: the adapter lifts the first system
// message into that field and discards any further system messages. The
// upstream requires max_tokens on every request (4096 when the caller did
// not specify) and authenticates with an x-api-key header plus an API
// version header, both handled by the SDK transport. There is no embedding
// endpoint and no cheap probe — Embed fails with capability_unsupported
// and the health check is static.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const (
	providerName     = "claude"
	defaultMaxTokens = 4096
)

var defaultModels = []string{
	"claude-3-5-sonnet", "claude-3-5-haiku", "claude-3-opus",
	"claude-3-sonnet", "claude-3-haiku",
}

// Provider implements providers.Provider for the Claude API.
type Provider struct {
	settings providers.Settings
	client   anthropic.Client
}

// New creates a Claude Provider.
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
	p.client = anthropic.NewClient(opts...)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Available() bool {
	return p.settings.Enabled && p.settings.APIKey != ""
}

func (p *Provider) Priority() int { return p.settings.EffectivePriority() }

func (p *Provider) SupportsModel(model string) bool { return p.settings.MatchesModel(model) }

// SupportsEmbedding implements providers.EmbeddingCapable — always false.
func (p *Provider) SupportsEmbedding() bool { return false }

// AdvertisedModels implements providers.ModelAdvertiser.
func (p *Provider) AdvertisedModels() []string { return p.settings.Models }

// HealthCheck has no cheap upstream probe to call, so a configured adapter
// is reported healthy.
func (p *Provider) HealthCheck(_ context.Context) bool {
	return p.Available()
}

func (p *Provider) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	if !p.Available() {
		return nil, providers.ErrUnavailable(providerName)
	}

	model := req.Model
	if model == "" {
		model = p.settings.DefaultModel
	}

	start := time.Now()
	msg, err := p.client.Messages.New(ctx, p.buildParams(req, model))
	if err != nil {
		return nil, toGatewayError(err)
	}

	content := ""
	for _, b := range msg.Content {
		if tb, ok := b.AsAny().(anthropic.TextBlock); ok {
			content += tb.Text
		}
	}

	out := &providers.ChatResponse{
		ID:      msg.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []providers.Choice{
			{
				Index:        0,
				Message:      &providers.Message{Role: "assistant", Content: content},
				FinishReason: mapStopReason(string(msg.StopReason)),
			},
		},
		Usage: &providers.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
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

	model := req.Model
	if model == "" {
		model = p.settings.DefaultModel
	}

	stream := p.client.Messages.NewStreaming(ctx, p.buildParams(req, model))
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()

			switch event := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := event.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					select {
					case ch <- providers.StreamChunk{Content: delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				if event.Delta.StopReason != "" {
					select {
					case ch <- providers.StreamChunk{FinishReason: mapStopReason(string(event.Delta.StopReason))}:
					case <-ctx.Done():
						return
					}
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

// Embed always fails: the upstream has no embedding endpoint.
func (p *Provider) Embed(_ context.Context, _ *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	return nil, providers.ErrCapabilityUnsupported(providerName, "embedding")
}

// buildParams lifts the first system message into the top-level system
// field. Any further system messages are dropped, not merged.
func (p *Provider) buildParams(req *providers.ChatRequest, model string) anthropic.MessageNewParams {
	var system string
	haveSystem := false
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		if m.Role == "system" {
			if !haveSystem {
				system = m.Content
				haveSystem = true
			}
			continue
		}
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if haveSystem {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	r := anthropic.MessageParamRoleUser
	if role == "assistant" {
		r = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{
		Role: r,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

// mapStopReason translates upstream stop reasons into the canonical
// finish_reason vocabulary. Unknown reasons pass through verbatim.
func mapStopReason(reason string) string {
	switch reason {
	case "", "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

func toGatewayError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return providers.FromUpstream(providerName, apiErr.StatusCode, err)
	}
	return providers.FromUpstream(providerName, 0, err)
}
