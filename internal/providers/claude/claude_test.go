package claude

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// --- wire DTOs for asserting captured upstream payloads ---

type messagesRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    []systemBlock `json:"system,omitempty"`
	Messages  []wireMessage `json:"messages"`
}

type systemBlock struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// --- helpers ---

func testSettings(baseURL string) providers.Settings {
	return providers.Settings{
		Enabled:      true,
		APIKey:       "mock-api-key",
		BaseURL:      baseURL,
		DefaultModel: "claude-3-5-sonnet-20241022",
		Timeout:      5 * time.Second,
		Priority:     3,
		Pricing:      providers.Pricing{InputPerToken: 0.000003, OutputPerToken: 0.000015},
	}
}

func baseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:     "claude-3-5-sonnet",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func messageBody(stopReason string) map[string]any {
	return map[string]any{
		"id":          "msg_123",
		"type":        "message",
		"role":        "assistant",
		"model":       "claude-3-5-sonnet-20241022",
		"content":     []any{map[string]any{"type": "text", "text": "Hello there"}},
		"stop_reason": stopReason,
		"usage":       map[string]any{"input_tokens": 10, "output_tokens": 5},
	}
}

func isMessagesPath(p string) bool { return strings.HasSuffix(p, "/messages") }

func captureServer(t *testing.T, captured *messagesRequest, stopReason string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMessagesPath(r.URL.Path) {
			t.Errorf("expected path ending with /messages, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(messageBody(stopReason))
	}))
}

// --- tests ---

func TestProvider_Name(t *testing.T) {
	p := New(testSettings(""))
	if p.Name() != "claude" {
		t.Fatalf("expected 'claude', got %q", p.Name())
	}
}

func TestProvider_Available(t *testing.T) {
	if !New(testSettings("")).Available() {
		t.Error("expected available with key")
	}

	s := testSettings("")
	s.APIKey = ""
	if New(s).Available() {
		t.Error("expected unavailable without key")
	}
}

func TestProvider_HealthCheck_StaticWhenConfigured(t *testing.T) {
	if !New(testSettings("")).HealthCheck(context.Background()) {
		t.Error("configured adapter must report healthy")
	}

	s := testSettings("")
	s.APIKey = ""
	if New(s).HealthCheck(context.Background()) {
		t.Error("unconfigured adapter must report unhealthy")
	}
}

func TestProvider_Chat_AuthHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "mock-api-key" {
			t.Errorf("missing or wrong x-api-key header: %q", r.Header.Get("X-Api-Key"))
		}
		if r.Header.Get("Anthropic-Version") == "" {
			t.Error("missing anthropic-version header")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(messageBody("end_turn"))
	}))
	defer srv.Close()

	p := New(testSettings(srv.URL))
	if _, err := p.Chat(context.Background(), baseRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProvider_Chat_FirstSystemLifted_RestDropped(t *testing.T) {
	var captured messagesRequest
	srv := captureServer(t, &captured, "end_turn")
	defer srv.Close()

	p := New(testSettings(srv.URL))
	_, err := p.Chat(context.Background(), &providers.ChatRequest{
		Model: "claude-3-5-sonnet",
		Messages: []providers.Message{
			{Role: "system", Content: "first instructions"},
			{Role: "system", Content: "second instructions"},
			{Role: "user", Content: "Q"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(captured.System) != 1 || captured.System[0].Text != "first instructions" {
		t.Errorf("expected only the first system message lifted, got %+v", captured.System)
	}
	if len(captured.Messages) != 1 || captured.Messages[0].Role != "user" {
		t.Errorf("expected system turns removed from messages, got %+v", captured.Messages)
	}
}

func TestProvider_Chat_MaxTokensDefaulted(t *testing.T) {
	var captured messagesRequest
	srv := captureServer(t, &captured, "end_turn")
	defer srv.Close()

	p := New(testSettings(srv.URL))
	if _, err := p.Chat(context.Background(), baseRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if captured.MaxTokens != 4096 {
		t.Errorf("expected max_tokens defaulted to 4096, got %d", captured.MaxTokens)
	}

	req := baseRequest()
	req.MaxTokens = 100
	if _, err := p.Chat(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if captured.MaxTokens != 100 {
		t.Errorf("expected max_tokens 100, got %d", captured.MaxTokens)
	}
}

func TestProvider_Chat_StopReasonMapping(t *testing.T) {
	cases := []struct {
		upstream string
		want     string
	}{
		{"end_turn", "stop"},
		{"stop_sequence", "stop"},
		{"max_tokens", "length"},
		{"refusal", "refusal"},
	}

	for _, tc := range cases {
		var captured messagesRequest
		srv := captureServer(t, &captured, tc.upstream)

		p := New(testSettings(srv.URL))
		resp, err := p.Chat(context.Background(), baseRequest())
		srv.Close()
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.upstream, err)
		}
		if resp.Choices[0].FinishReason != tc.want {
			t.Errorf("stop_reason %q: expected finish_reason %q, got %q",
				tc.upstream, tc.want, resp.Choices[0].FinishReason)
		}
	}
}

func TestProvider_Chat_UsageAndCost(t *testing.T) {
	var captured messagesRequest
	srv := captureServer(t, &captured, "end_turn")
	defer srv.Close()

	p := New(testSettings(srv.URL))
	resp, err := p.Chat(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Usage.PromptTokens != 10 || resp.Usage.CompletionTokens != 5 || resp.Usage.TotalTokens != 15 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	// 10 * 3e-6 + 5 * 1.5e-5 = 1.05e-4
	if resp.Gateway.EstimatedCost == nil || *resp.Gateway.EstimatedCost != 0.000105 {
		t.Errorf("unexpected estimated cost: %v", resp.Gateway.EstimatedCost)
	}
}

func TestProvider_Embed_CapabilityUnsupported(t *testing.T) {
	p := New(testSettings(""))
	_, err := p.Embed(context.Background(), &providers.EmbeddingRequest{
		Input: []string{"text"},
	})
	if err == nil {
		t.Fatal("expected error")
	}

	ge, ok := err.(*providers.GatewayError)
	if !ok {
		t.Fatalf("expected GatewayError, got %T", err)
	}
	if ge.Code != providers.CodeCapabilityUnsupported {
		t.Errorf("expected %s, got %s", providers.CodeCapabilityUnsupported, ge.Code)
	}
	if ge.Retryable() {
		t.Error("capability errors must not be retryable")
	}
}

func TestProvider_SupportsEmbedding_False(t *testing.T) {
	var p providers.Provider = New(testSettings(""))
	ec, ok := p.(providers.EmbeddingCapable)
	if !ok {
		t.Fatal("expected EmbeddingCapable implementation")
	}
	if ec.SupportsEmbedding() {
		t.Error("claude must not report embedding support")
	}
}
