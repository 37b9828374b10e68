package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/ratelimit"
)

// --- helpers ----------------------------------------------------------------

// stubCache is a simple in-memory cache double.
type stubCache struct {
	store map[string][]byte
}

func newStubCache() *stubCache {
	return &stubCache{store: make(map[string][]byte)}
}

func (c *stubCache) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := c.store[key]
	return v, ok
}

func (c *stubCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.store[key] = value
	return nil
}

func (c *stubCache) Delete(_ context.Context, key string) error {
	delete(c.store, key)
	return nil
}

func (c *stubCache) DeletePattern(_ context.Context, _ string) (int64, error) {
	n := int64(len(c.store))
	c.store = make(map[string][]byte)
	return n, nil
}

// serveGateway starts the full middleware + route pipeline on an in-memory
// listener and returns a client that talks to it.
func serveGateway(t *testing.T, gw *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, gw.buildHandler(nil))
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return client, func() { ln.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, "http://gateway"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func chatBody(model, text string) []byte {
	b, _ := json.Marshal(map[string]any{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": text}},
	})
	return b
}

// --- tests ------------------------------------------------------------------

func TestDispatchChat_HappyPath(t *testing.T) {
	gw := testGateway([]providers.Provider{
		okProvider("openai", 10),
		okProvider("claude", 20),
	}, GatewayOptions{
		Routing:     RoutingOptions{FallbackEnabled: true},
		RateLimiter: ratelimit.New(true, 60),
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doJSON(t, client, "POST", "/v1/chat/completions", chatBody("gpt-4o-mini", "Hi"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}

	if got := resp.Header.Get("X-RateLimit-Limit"); got != "60" {
		t.Errorf("expected X-RateLimit-Limit 60, got %q", got)
	}
	if got := resp.Header.Get("X-RateLimit-Remaining"); got != "59" {
		t.Errorf("expected X-RateLimit-Remaining 59, got %q", got)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("expected X-Request-Id header")
	}

	var out providers.ChatResponse
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if out.Gateway == nil {
		t.Fatal("expected gateway metadata")
	}
	if out.Gateway.Provider != "openai" {
		t.Errorf("expected openai, got %q", out.Gateway.Provider)
	}
	if out.Gateway.Cached {
		t.Error("expected cached=false")
	}
	if out.Gateway.RetryCount != 0 {
		t.Errorf("expected retryCount 0, got %d", out.Gateway.RetryCount)
	}
}

func TestDispatchChat_CacheRoundTrip(t *testing.T) {
	c := newStubCache()
	gw := testGateway([]providers.Provider{okProvider("openai", 10)},
		GatewayOptions{Routing: RoutingOptions{FallbackEnabled: true}})
	gw.cache = c

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	first := doJSON(t, client, "POST", "/v1/chat/completions", chatBody("gpt-4o-mini", "Hi"))
	var firstOut providers.ChatResponse
	if err := json.Unmarshal(readBody(t, first), &firstOut); err != nil {
		t.Fatal(err)
	}
	if firstOut.Gateway.Cached {
		t.Fatal("first response must be a miss")
	}
	if len(c.store) != 1 {
		t.Fatalf("expected 1 cached entry, got %d", len(c.store))
	}

	second := doJSON(t, client, "POST", "/v1/chat/completions", chatBody("gpt-4o-mini", "Hi"))
	var secondOut providers.ChatResponse
	if err := json.Unmarshal(readBody(t, second), &secondOut); err != nil {
		t.Fatal(err)
	}

	if !secondOut.Gateway.Cached {
		t.Error("second response must be served from cache")
	}
	a, _ := json.Marshal(firstOut.Choices)
	b, _ := json.Marshal(secondOut.Choices)
	if !bytes.Equal(a, b) {
		t.Errorf("choices must be identical: %s vs %s", a, b)
	}
}

func TestDispatchChat_EquivalentRequestsShareCacheEntry(t *testing.T) {
	c := newStubCache()
	gw := testGateway([]providers.Provider{okProvider("openai", 10)},
		GatewayOptions{Routing: RoutingOptions{FallbackEnabled: true}})
	gw.cache = c

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	body1, _ := json.Marshal(map[string]any{
		"model":    "gpt-4o-mini",
		"messages": []map[string]string{{"role": "user", "content": "Hi"}},
		"top_p":    0.9,
	})
	body2, _ := json.Marshal(map[string]any{
		"model":      "gpt-4o-mini",
		"messages":   []map[string]string{{"role": "user", "content": "Hi"}},
		"max_tokens": 512,
		"user":       "someone",
	})

	readBody(t, doJSON(t, client, "POST", "/v1/chat/completions", body1))

	resp := doJSON(t, client, "POST", "/v1/chat/completions", body2)
	var out providers.ChatResponse
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if !out.Gateway.Cached {
		t.Error("requests differing only in non-hashed fields must share a cache entry")
	}
}

func TestDispatchChat_RateLimitRejection(t *testing.T) {
	gw := testGateway([]providers.Provider{okProvider("openai", 10)},
		GatewayOptions{
			Routing:     RoutingOptions{FallbackEnabled: true},
			RateLimiter: ratelimit.New(true, 2),
		})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	for i := 0; i < 2; i++ {
		resp := doJSON(t, client, "POST", "/v1/chat/completions", chatBody("gpt-4o-mini", "Hi"))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.StatusCode)
		}
		readBody(t, resp)
	}

	resp := doJSON(t, client, "POST", "/v1/chat/completions", chatBody("gpt-4o-mini", "Hi"))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", got)
	}

	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(readBody(t, resp), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != providers.CodeRateLimitExceeded {
		t.Errorf("expected rate_limit_exceeded, got %q", envelope.Error.Code)
	}
}

func TestDispatchChat_StreamRefusedOnNonStreamEndpoint(t *testing.T) {
	gw := testGateway([]providers.Provider{okProvider("openai", 10)},
		GatewayOptions{Routing: RoutingOptions{FallbackEnabled: true}})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	body, _ := json.Marshal(map[string]any{
		"model":    "gpt-4o-mini",
		"messages": []map[string]string{{"role": "user", "content": "Hi"}},
		"stream":   true,
	})
	resp := doJSON(t, client, "POST", "/v1/chat/completions", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(readBody(t, resp)), "/v1/chat/completions/stream") {
		t.Error("expected a hint at the streaming endpoint")
	}
}

func TestDispatchChat_Validation(t *testing.T) {
	gw := testGateway([]providers.Provider{okProvider("openai", 10)},
		GatewayOptions{Routing: RoutingOptions{FallbackEnabled: true}})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	cases := []struct {
		name string
		body string
	}{
		{"empty messages", `{"model":"gpt-4o","messages":[]}`},
		{"missing messages", `{"model":"gpt-4o"}`},
		{"bad role", `{"model":"gpt-4o","messages":[{"role":"tool","content":"x"}]}`},
		{"invalid json", `{not json`},
	}

	for _, tc := range cases {
		resp := doJSON(t, client, "POST", "/v1/chat/completions", []byte(tc.body))
		body := readBody(t, resp)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d (%s)", tc.name, resp.StatusCode, body)
		}
		if !strings.Contains(string(body), providers.CodeInvalidRequest) {
			t.Errorf("%s: expected invalid_request_error code, got %s", tc.name, body)
		}
	}
}

func TestDispatchChat_NoProvidersIs503(t *testing.T) {
	down := okProvider("openai", 10)
	down.available = false

	gw := testGateway([]providers.Provider{down},
		GatewayOptions{Routing: RoutingOptions{FallbackEnabled: true}})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doJSON(t, client, "POST", "/v1/chat/completions", chatBody("gpt-4o-mini", "Hi"))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(readBody(t, resp)), providers.CodeNoProviders) {
		t.Error("expected no_providers_available in body")
	}
}

func TestDispatchChatStream_SSE(t *testing.T) {
	gw := testGateway([]providers.Provider{okProvider("openai", 10)},
		GatewayOptions{Routing: RoutingOptions{FallbackEnabled: true}})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doJSON(t, client, "POST", "/v1/chat/completions/stream", chatBody("gpt-4o-mini", "Hi"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("expected SSE content type, got %q", ct)
	}

	body := string(readBody(t, resp))
	if !strings.Contains(body, `"chat.completion.chunk"`) {
		t.Errorf("expected chunk objects, got %s", body)
	}
	if !strings.Contains(body, "Hello") || !strings.Contains(body, " world") {
		t.Errorf("expected streamed content in order, got %s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Errorf("expected [DONE] terminator, got %s", body)
	}
	if strings.Index(body, "Hello") > strings.Index(body, " world") {
		t.Error("chunks must be delivered in upstream order")
	}
}

func TestDispatchEmbeddings_HappyPath(t *testing.T) {
	gw := testGateway([]providers.Provider{okProvider("openai", 10)},
		GatewayOptions{
			Routing:     RoutingOptions{FallbackEnabled: true},
			RateLimiter: ratelimit.New(true, 60),
		})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	body, _ := json.Marshal(map[string]any{
		"model": "text-embedding-3-small",
		"input": "embed me",
	})
	resp := doJSON(t, client, "POST", "/v1/embeddings", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	if resp.Header.Get("X-RateLimit-Remaining") != "59" {
		t.Errorf("expected X-RateLimit-Remaining 59, got %q", resp.Header.Get("X-RateLimit-Remaining"))
	}

	var out providers.EmbeddingResponse
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Data) != 1 {
		t.Fatalf("expected 1 vector, got %d", len(out.Data))
	}
	if out.Gateway == nil || out.Gateway.Provider != "openai" {
		t.Errorf("unexpected gateway metadata: %+v", out.Gateway)
	}
}

func TestDispatchEmbeddings_EmptyInput(t *testing.T) {
	gw := testGateway([]providers.Provider{okProvider("openai", 10)},
		GatewayOptions{Routing: RoutingOptions{FallbackEnabled: true}})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	for _, body := range []string{
		`{"model":"text-embedding-3-small"}`,
		`{"model":"text-embedding-3-small","input":""}`,
		`{"model":"text-embedding-3-small","input":[]}`,
	} {
		resp := doJSON(t, client, "POST", "/v1/embeddings", []byte(body))
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %s: expected 400, got %d", body, resp.StatusCode)
		}
		readBody(t, resp)
	}
}

func TestHandleModels_OnlyAvailableProviders(t *testing.T) {
	openai := okProvider("openai", 10)
	openai.models = []string{"gpt-4o", "gpt-4o-mini"}
	down := okProvider("claude", 20)
	down.models = []string{"claude-3-5-sonnet"}
	down.available = false

	gw := testGateway([]providers.Provider{openai, down},
		GatewayOptions{Routing: RoutingOptions{FallbackEnabled: true}})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doJSON(t, client, "GET", "/v1/models", nil)
	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID       string `json:"id"`
			Provider string `json:"provider"`
		} `json:"data"`
	}
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}

	if out.Object != "list" {
		t.Errorf("expected object 'list', got %q", out.Object)
	}
	if len(out.Data) != 2 {
		t.Fatalf("expected 2 models, got %d: %+v", len(out.Data), out.Data)
	}
	for _, m := range out.Data {
		if m.Provider != "openai" {
			t.Errorf("unavailable provider's models must be hidden, got %+v", m)
		}
	}
}

func TestHandleHealth(t *testing.T) {
	gw := testGateway([]providers.Provider{okProvider("openai", 10)},
		GatewayOptions{Routing: RoutingOptions{FallbackEnabled: true}})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doJSON(t, client, "GET", "/health", nil)
	var out map[string]any
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "healthy" || out["service"] != "ai-gateway" {
		t.Errorf("unexpected health body: %v", out)
	}
	if out["timestamp"] == nil {
		t.Error("expected timestamp")
	}
}

func TestHandleHealthDetailed(t *testing.T) {
	gw := testGateway([]providers.Provider{okProvider("openai", 10)},
		GatewayOptions{Routing: RoutingOptions{FallbackEnabled: true}})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doJSON(t, client, "GET", "/health/detailed", nil)
	var out struct {
		Providers map[string]struct {
			Configured bool `json:"configured"`
			Healthy    bool `json:"healthy"`
			Priority   int  `json:"priority"`
		} `json:"providers"`
	}
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}

	p, ok := out.Providers["openai"]
	if !ok {
		t.Fatalf("expected openai entry, got %v", out.Providers)
	}
	if !p.Configured || !p.Healthy || p.Priority != 10 {
		t.Errorf("unexpected provider status: %+v", p)
	}
}

func TestAdminCacheInvalidate(t *testing.T) {
	c := newStubCache()
	c.store["ai:cache:abc"] = []byte("{}")
	c.store["ai:cache:def"] = []byte("{}")

	gw := testGateway([]providers.Provider{okProvider("openai", 10)},
		GatewayOptions{Routing: RoutingOptions{FallbackEnabled: true}})
	gw.cache = c

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doJSON(t, client, "DELETE", "/admin/cache?pattern=*", nil)
	var out struct {
		Status  string `json:"status"`
		Cleared int64  `json:"cleared"`
	}
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "success" || out.Cleared != 2 {
		t.Errorf("unexpected response: %+v", out)
	}
}

func TestAdminRateLimit(t *testing.T) {
	limiter := ratelimit.New(true, 5)
	gw := testGateway([]providers.Provider{okProvider("openai", 10)},
		GatewayOptions{
			Routing:     RoutingOptions{FallbackEnabled: true},
			RateLimiter: limiter,
		})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	limiter.Consume("caller-1")
	limiter.Consume("caller-1")

	resp := doJSON(t, client, "GET", "/admin/ratelimit/caller-1", nil)
	var out struct {
		Identifier   string `json:"identifier"`
		Limit        int    `json:"limit"`
		Remaining    int    `json:"remaining"`
		ResetSeconds int    `json:"resetSeconds"`
	}
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if out.Identifier != "caller-1" || out.Limit != 5 || out.Remaining != 3 {
		t.Errorf("unexpected info: %+v", out)
	}

	readBody(t, doJSON(t, client, "DELETE", "/admin/ratelimit/caller-1", nil))

	resp = doJSON(t, client, "GET", "/admin/ratelimit/caller-1", nil)
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if out.Remaining != 5 {
		t.Errorf("expected full bucket after reset, got %d", out.Remaining)
	}
}

func TestIdentifierExtraction(t *testing.T) {
	limiter := ratelimit.New(true, 60)
	gw := testGateway([]providers.Provider{okProvider("openai", 10)},
		GatewayOptions{
			Routing:     RoutingOptions{FallbackEnabled: true},
			RateLimiter: limiter,
		})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	// X-Api-Key wins over Authorization.
	req, _ := http.NewRequest("POST", "http://gateway/v1/chat/completions",
		bytes.NewReader(chatBody("gpt-4o-mini", "Hi")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", "key-abc")
	req.Header.Set("Authorization", "Bearer token-xyz")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)

	if got := limiter.Info("key-abc").Remaining; got != 59 {
		t.Errorf("expected X-Api-Key bucket consumed, remaining %d", got)
	}
	if got := limiter.Info("token-xyz").Remaining; got != 60 {
		t.Errorf("bearer bucket must be untouched, remaining %d", got)
	}

	// Bearer token when no X-Api-Key.
	req, _ = http.NewRequest("POST", "http://gateway/v1/chat/completions",
		bytes.NewReader(chatBody("gpt-4o-mini", "Hi")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer token-xyz")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)

	if got := limiter.Info("token-xyz").Remaining; got != 59 {
		t.Errorf("expected bearer bucket consumed, remaining %d", got)
	}

	// Anonymous otherwise.
	resp = doJSON(t, client, "POST", "/v1/chat/completions", chatBody("gpt-4o-mini", "Hi"))
	readBody(t, resp)
	if got := limiter.Info("anonymous").Remaining; got != 59 {
		t.Errorf("expected anonymous bucket consumed, remaining %d", got)
	}
}
