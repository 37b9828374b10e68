// Package gemini implements the adapter for Gemini-shaped upstreams.
//
// The upstream has no native system role: the adapter concatenates all
// leading system messages (blank-line separated) and prepends the result
// to the first subsequent user message. A conversation that consists only
// of system messages becomes a single synthetic user turn. Sampling
// parameters travel in generationConfig, and the credential is a URL query
// parameter rather than a header — both handled by the GenAI SDK wire layer.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const (
	providerName          = "gemini"
	defaultEmbeddingModel = "text-embedding-004"
)

var defaultModels = []string{
	"gemini-2.5-flash", "gemini-2.5-pro",
	"gemini-2.0-flash", "gemini-2.0-pro",
	"gemini-1.5-flash", "gemini-1.5-pro",
	"text-embedding-004", "embedding-001",
}

// Provider implements providers.Provider for the Gemini API.
type Provider struct {
	settings providers.Settings
	client   *genai.Client
}

// New creates a Gemini Provider. The adapter is constructed even without a
// key; it simply never becomes available.
func New(ctx context.Context, settings providers.Settings) *Provider {
	p := &Provider{settings: settings}
	if len(p.settings.Models) == 0 {
		p.settings.Models = defaultModels
	}

	if p.settings.APIKey == "" {
		return p
	}

	base, ver := splitBaseURLAndVersion(p.settings.BaseURL)
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.settings.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: p.settings.RequestTimeout()},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return p
	}
	p.client = client

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Available() bool {
	return p.settings.Enabled && p.settings.APIKey != "" && p.client != nil
}

func (p *Provider) Priority() int { return p.settings.EffectivePriority() }

func (p *Provider) SupportsModel(model string) bool { return p.settings.MatchesModel(model) }

// SupportsEmbedding implements providers.EmbeddingCapable.
func (p *Provider) SupportsEmbedding() bool { return true }

// AdvertisedModels implements providers.ModelAdvertiser.
func (p *Provider) AdvertisedModels() []string { return p.settings.Models }

// HealthCheck lists models with the query key — the cheapest authenticated
// call the upstream offers.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	if !p.Available() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, providers.HealthProbeTimeout)
	defer cancel()
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	return err == nil
}

func (p *Provider) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	if !p.Available() {
		return nil, providers.ErrUnavailable(providerName)
	}

	model := req.Model
	if model == "" {
		model = p.settings.DefaultModel
	}
	contents, cfg := buildContentsAndConfig(req)

	start := time.Now()
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, toGatewayError(err)
	}

	out := &providers.ChatResponse{
		ID:      "gemini-" + uuid.New().String()[:8],
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []providers.Choice{
			{
				Index:        0,
				Message:      &providers.Message{Role: "assistant", Content: firstCandidateText(resp)},
				FinishReason: "stop",
			},
		},
	}

	if resp != nil && resp.UsageMetadata != nil {
		out.Usage = &providers.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
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
	contents, cfg := buildContentsAndConfig(req)

	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)

		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				if ctx.Err() == nil {
					ch <- providers.StreamChunk{
						Content:      fmt.Sprintf("[stream error] %v", err),
						FinishReason: "error",
					}
				}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			text := candidateText(c)
			finish := ""
			if c.FinishReason != "" {
				finish = "stop"
			}
			if text == "" && finish == "" {
				continue
			}
			select {
			case ch <- providers.StreamChunk{Content: text, FinishReason: finish}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// Embed sends all inputs in a single embedContent batch; the response
// vectors keep input order.
func (p *Provider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	if !p.Available() {
		return nil, providers.ErrUnavailable(providerName)
	}

	model := req.Model
	if model == "" || !p.settings.MatchesModel(model) {
		model = defaultEmbeddingModel
	}

	contents := make([]*genai.Content, len(req.Input))
	for i, text := range req.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	start := time.Now()
	resp, err := p.client.Models.EmbedContent(ctx, model, contents, nil)
	if err != nil {
		return nil, toGatewayError(err)
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, providers.Errf(providers.CodeUpstreamServer, 0, providerName, "empty embedding response")
	}

	data := make([]providers.EmbeddingData, 0, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		vec := make([]float64, len(emb.Values))
		for j, v := range emb.Values {
			vec[j] = float64(v)
		}
		data = append(data, providers.EmbeddingData{
			Object:    "embedding",
			Index:     i,
			Embedding: vec,
		})
	}

	cost := 0.0
	return &providers.EmbeddingResponse{
		Object: "list",
		Data:   data,
		Model:  model,
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

// buildContentsAndConfig restructures the canonical conversation into the
// upstream contents list. System text accumulated before the first user
// turn is prepended to that turn; system messages appearing after the last
// user turn are dropped, matching upstream role constraints.
func buildContentsAndConfig(req *providers.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var pending strings.Builder
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			pending.WriteString(m.Content)
			pending.WriteString("\n\n")

		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))

		default: // user
			text := m.Content
			if pending.Len() > 0 {
				text = pending.String() + text
				pending.Reset()
			}
			contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
		}
	}

	// Conversation was system-only: emit a single synthetic user turn.
	if len(contents) == 0 && pending.Len() > 0 {
		contents = append(contents, genai.NewContentFromText(pending.String(), genai.RoleUser))
	}

	cfg := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr[float32](float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr[float32](float32(*req.TopP))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
	}

	return contents, cfg
}

func firstCandidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	return candidateText(resp.Candidates[0])
}

// candidateText concatenates every text part of a candidate.
func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// splitBaseURLAndVersion separates a trailing API version segment (e.g.
// "/v1beta") from a configured base URL, since the SDK wants them apart.
func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	if raw == "" {
		return "", ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]
	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

// looksLikeAPIVersion matches segments like "v1" or "v1beta".
func looksLikeAPIVersion(s string) bool {
	return len(s) >= 2 && s[0] == 'v' && s[1] >= '0' && s[1] <= '9'
}

func toGatewayError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return providers.FromUpstream(providerName, apiErr.Code, err)
	}
	return providers.FromUpstream(providerName, 0, err)
}
