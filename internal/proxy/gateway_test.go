package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/ai-gateway/internal/canon"
	"github.com/nulpointcorp/ai-gateway/internal/pipeline"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

// --- helpers ----------------------------------------------------------------

// stubAdapter answers every request with fn and records the args it saw.
type stubAdapter struct {
	name string
	fn   func(ctx context.Context, args *providers.ExecuteArgs) (*providers.Result, error)

	mu    sync.Mutex
	calls []*providers.ExecuteArgs
}

func (a *stubAdapter) Name() string                         { return a.name }
func (a *stubAdapter) Supports(canon.Endpoint, string) bool { return true }

func (a *stubAdapter) Execute(ctx context.Context, args *providers.ExecuteArgs) (*providers.Result, error) {
	a.mu.Lock()
	a.calls = append(a.calls, args)
	a.mu.Unlock()
	return a.fn(ctx, args)
}

func (a *stubAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func okAdapter(name string) *stubAdapter {
	return &stubAdapter{
		name: name,
		fn: func(_ context.Context, args *providers.ExecuteArgs) (*providers.Result, error) {
			body, _ := json.Marshal(map[string]any{
				"id":       "resp-" + args.Meta.RequestID,
				"model":    args.ModelSlug,
				"provider": name,
			})
			return &providers.Result{
				Status: fasthttp.StatusOK,
				Body:   body,
				Usage:  &providers.Usage{InputTokens: 10, OutputTokens: 5},
			}, nil
		},
	}
}

func failAdapter(name string, status int, code string) *stubAdapter {
	return &stubAdapter{
		name: name,
		fn: func(context.Context, *providers.ExecuteArgs) (*providers.Result, error) {
			return nil, &providers.AdapterError{
				Provider: name,
				Status:   status,
				Code:     code,
				Message:  "upstream rejected the request",
			}
		},
	}
}

func testGateway(t *testing.T, adapters map[string]providers.Adapter, opts GatewayOptions) *Gateway {
	t.Helper()
	specs := make([]providers.ProviderSpec, 0, len(adapters))
	for name := range adapters {
		specs = append(specs, providers.ProviderSpec{
			Name:      name,
			Endpoints: canon.Endpoints,
			Models: []providers.ModelSpec{
				{Canonical: "test-model", Slug: name + "/test-model"},
			},
		})
	}
	orch := pipeline.NewOrchestrator(pipeline.Options{
		Adapters:       adapters,
		Index:          providers.NewStaticIndex(specs),
		Logger:         slog.New(slog.DiscardHandler),
		AttemptTimeout: time.Second,
	})
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return NewGateway(orch, opts)
}

// serveGateway starts the full router + middleware chain on an in-memory
// listener. Returns an HTTP client routed to it and a cleanup function.
func serveGateway(t *testing.T, gw *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, gw.Handler())
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

func doPost(t *testing.T, client *http.Client, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://test"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
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

func decodeError(t *testing.T, resp *http.Response) apierr.Payload {
	t.Helper()
	var p apierr.Payload
	if err := json.Unmarshal(readBody(t, resp), &p); err != nil {
		t.Fatalf("error payload is not valid JSON: %v", err)
	}
	return p
}

const chatBody = `{"model":"test-model","messages":[{"role":"user","content":"hi"}]}`

// --- dispatch ---------------------------------------------------------------

func TestDispatch_Success(t *testing.T) {
	alpha := okAdapter("alpha")
	gw := testGateway(t, map[string]providers.Adapter{"alpha": alpha}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions", []byte(chatBody), nil)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get("X-Gateway-Provider"); got != "alpha" {
		t.Errorf("expected provider header alpha, got %q", got)
	}
	if gen := resp.Header.Get("X-Generation-Id"); len(gen) < 5 || gen[:4] != "gen_" {
		t.Errorf("expected gen_ prefixed generation id, got %q", gen)
	}
	if alpha.callCount() != 1 {
		t.Errorf("expected 1 upstream call, got %d", alpha.callCount())
	}
}

func TestDispatch_ValidationError(t *testing.T) {
	alpha := okAdapter("alpha")
	gw := testGateway(t, map[string]providers.Adapter{"alpha": alpha}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"test-model"}`), nil) // messages missing

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(apierr.AttributionHeader); got != "user" {
		t.Errorf("expected user attribution, got %q", got)
	}
	p := decodeError(t, resp)
	if p.Error != "validation_error" {
		t.Errorf("expected validation_error code, got %q", p.Error)
	}
	if p.ErrorType != "user" {
		t.Errorf("expected user error_type, got %q", p.ErrorType)
	}
	if len(p.Details) == 0 {
		t.Error("expected structured details on validation failure")
	}
	if p.GenerationID == "" {
		t.Error("expected generation_id on failure payload")
	}
	if alpha.callCount() != 0 {
		t.Errorf("no provider should be contacted on validation failure, got %d calls", alpha.callCount())
	}
}

func TestDispatch_UpstreamFailure(t *testing.T) {
	alpha := failAdapter("alpha", fasthttp.StatusInternalServerError, "server_error")
	gw := testGateway(t, map[string]providers.Adapter{"alpha": alpha}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions", []byte(chatBody), nil)

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(apierr.AttributionHeader); got != "upstream" {
		t.Errorf("expected upstream attribution, got %q", got)
	}
	p := decodeError(t, resp)
	if p.ErrorType != "system" {
		t.Errorf("expected system error_type for a 500, got %q", p.ErrorType)
	}
	if len(p.Details) != 0 {
		t.Errorf("details must only appear on validation errors, got %v", p.Details)
	}
	if p.Debug != nil {
		t.Error("debug payload must be absent without the allow flag")
	}
}

func TestDispatch_DebugPayloadGating(t *testing.T) {
	adapters := func() map[string]providers.Adapter {
		return map[string]providers.Adapter{
			"alpha": failAdapter("alpha", fasthttp.StatusBadGateway, "server_error"),
		}
	}

	t.Run("header plus allow flag", func(t *testing.T) {
		gw := testGateway(t, adapters(), GatewayOptions{DebugErrorsAllowed: true})
		client, cleanup := serveGateway(t, gw)
		defer cleanup()

		resp := doPost(t, client, "/v1/chat/completions", []byte(chatBody),
			map[string]string{"X-Gateway-Debug": "1"})
		p := decodeError(t, resp)
		if p.Debug == nil {
			t.Fatal("expected debug payload")
		}
		if _, ok := p.Debug["attempts"]; !ok {
			t.Error("expected attempt history in debug payload")
		}
	})

	t.Run("header without allow flag", func(t *testing.T) {
		gw := testGateway(t, adapters(), GatewayOptions{})
		client, cleanup := serveGateway(t, gw)
		defer cleanup()

		resp := doPost(t, client, "/v1/chat/completions", []byte(chatBody),
			map[string]string{"X-Gateway-Debug": "1"})
		if p := decodeError(t, resp); p.Debug != nil {
			t.Error("operator flag off: debug payload must be suppressed")
		}
	})

	t.Run("allow flag without request", func(t *testing.T) {
		gw := testGateway(t, adapters(), GatewayOptions{DebugErrorsAllowed: true})
		client, cleanup := serveGateway(t, gw)
		defer cleanup()

		resp := doPost(t, client, "/v1/chat/completions", []byte(chatBody), nil)
		if p := decodeError(t, resp); p.Debug != nil {
			t.Error("caller did not opt in: debug payload must be suppressed")
		}
	})
}

func TestDispatch_ProviderKeyHeaders(t *testing.T) {
	alpha := okAdapter("alpha")
	gw := testGateway(t, map[string]providers.Adapter{"alpha": alpha},
		GatewayOptions{AllowProviderKeys: true})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions", []byte(chatBody),
		map[string]string{"X-Provider-Key-Alpha": "sk-caller-key"})
	readBody(t, resp)

	alpha.mu.Lock()
	defer alpha.mu.Unlock()
	if len(alpha.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(alpha.calls))
	}
	if alpha.calls[0].ByokKey != "sk-caller-key" {
		t.Errorf("expected caller key forwarded, got %q", alpha.calls[0].ByokKey)
	}
}

func TestDispatch_ProviderKeyHeadersIgnoredWhenDisabled(t *testing.T) {
	alpha := okAdapter("alpha")
	gw := testGateway(t, map[string]providers.Adapter{"alpha": alpha}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions", []byte(chatBody),
		map[string]string{"X-Provider-Key-Alpha": "sk-caller-key"})
	readBody(t, resp)

	alpha.mu.Lock()
	defer alpha.mu.Unlock()
	if alpha.calls[0].ByokKey != "" {
		t.Errorf("caller key must be dropped when the feature is off, got %q", alpha.calls[0].ByokKey)
	}
}

// --- caching ----------------------------------------------------------------

type stubCache struct {
	mu    sync.Mutex
	store map[string][]byte
}

func newStubCache() *stubCache { return &stubCache{store: make(map[string][]byte)} }

func (c *stubCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.store[key]
	return v, ok
}

func (c *stubCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key] = value
	return nil
}

func (c *stubCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
	return nil
}

func TestDispatch_CacheRoundTrip(t *testing.T) {
	alpha := okAdapter("alpha")
	gw := testGateway(t, map[string]providers.Adapter{"alpha": alpha},
		GatewayOptions{Cache: newStubCache()})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	first := doPost(t, client, "/v1/chat/completions", []byte(chatBody), nil)
	firstBody := readBody(t, first)
	if first.Header.Get("X-Cache") != "MISS" {
		t.Errorf("first request should be a MISS, got %q", first.Header.Get("X-Cache"))
	}

	second := doPost(t, client, "/v1/chat/completions", []byte(chatBody), nil)
	secondBody := readBody(t, second)
	if second.Header.Get("X-Cache") != "HIT" {
		t.Errorf("identical request should be a HIT, got %q", second.Header.Get("X-Cache"))
	}
	if !bytes.Equal(firstBody, secondBody) {
		t.Error("cached body must match the original response")
	}
	if alpha.callCount() != 1 {
		t.Errorf("cache hit must not reach the provider, got %d calls", alpha.callCount())
	}
}

func TestDispatch_StreamNeverCached(t *testing.T) {
	alpha := &stubAdapter{name: "alpha", fn: streamResult("data: one\n\n", "data: two\n\n")}
	gw := testGateway(t, map[string]providers.Adapter{"alpha": alpha},
		GatewayOptions{Cache: newStubCache()})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	body := `{"model":"test-model","messages":[{"role":"user","content":"hi"}],"stream":true}`
	for i := 0; i < 2; i++ {
		resp := doPost(t, client, "/v1/chat/completions", []byte(body), nil)
		readBody(t, resp)
	}
	if alpha.callCount() != 2 {
		t.Errorf("streaming requests must bypass the cache, got %d calls", alpha.callCount())
	}
}

func TestCanonicalCacheKey_Deterministic(t *testing.T) {
	req := &canon.CanonicalRequest{
		Endpoint: canon.EndpointChatCompletions,
		Model:    "test-model",
		Payload:  map[string]any{"b": 2.0, "a": 1.0},
	}
	other := &canon.CanonicalRequest{
		Endpoint: canon.EndpointChatCompletions,
		Model:    "test-model",
		Payload:  map[string]any{"a": 1.0, "b": 2.0},
	}
	if canonicalCacheKey(req) != canonicalCacheKey(other) {
		t.Error("key must not depend on map insertion order")
	}

	other.Model = "other-model"
	if canonicalCacheKey(req) == canonicalCacheKey(other) {
		t.Error("different models must produce different keys")
	}
}

// --- streaming --------------------------------------------------------------

func streamResult(frames ...string) func(context.Context, *providers.ExecuteArgs) (*providers.Result, error) {
	return func(context.Context, *providers.ExecuteArgs) (*providers.Result, error) {
		ch := make(chan providers.StreamChunk, len(frames))
		for _, f := range frames {
			ch <- providers.StreamChunk{Data: []byte(f)}
		}
		close(ch)
		return &providers.Result{
			Status:      fasthttp.StatusOK,
			ContentType: "text/event-stream",
			Stream:      ch,
		}, nil
	}
}

func TestDispatch_StreamingRelay(t *testing.T) {
	alpha := &stubAdapter{name: "alpha", fn: streamResult("data: hello\n\n", "data: world\n\n")}
	gw := testGateway(t, map[string]providers.Adapter{"alpha": alpha}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	body := `{"model":"test-model","messages":[{"role":"user","content":"hi"}],"stream":true}`
	resp := doPost(t, client, "/v1/chat/completions", []byte(body), nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", ct)
	}

	var dataLines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > 6 && line[:6] == "data: " {
			dataLines = append(dataLines, line[6:])
		}
	}
	if len(dataLines) != 2 || dataLines[0] != "hello" || dataLines[1] != "world" {
		t.Errorf("expected relayed frames [hello world], got %v", dataLines)
	}
}

func TestDispatch_StreamingMidStreamFailure(t *testing.T) {
	alpha := &stubAdapter{
		name: "alpha",
		fn: func(context.Context, *providers.ExecuteArgs) (*providers.Result, error) {
			ch := make(chan providers.StreamChunk, 2)
			ch <- providers.StreamChunk{Data: []byte("data: partial\n\n")}
			ch <- providers.StreamChunk{Err: io.ErrUnexpectedEOF}
			close(ch)
			return &providers.Result{Status: fasthttp.StatusOK, ContentType: "text/event-stream", Stream: ch}, nil
		},
	}
	gw := testGateway(t, map[string]providers.Adapter{"alpha": alpha}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	body := `{"model":"test-model","messages":[{"role":"user","content":"hi"}],"stream":true}`
	resp := doPost(t, client, "/v1/chat/completions", []byte(body), nil)

	// Status was committed before the failure.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected committed 200, got %d", resp.StatusCode)
	}
	out := string(readBody(t, resp))
	if !containsStr(out, "data: partial") {
		t.Errorf("expected the delivered frame in output, got %q", out)
	}
	if !containsStr(out, "upstream_stream_interrupted") {
		t.Errorf("expected in-band interruption event, got %q", out)
	}
}

// --- fallback through the HTTP surface --------------------------------------

func TestDispatch_FallbackAcrossProviders(t *testing.T) {
	alpha := failAdapter("alpha", fasthttp.StatusInternalServerError, "server_error")
	beta := okAdapter("beta")
	gw := testGateway(t, map[string]providers.Adapter{"alpha": alpha, "beta": beta}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	// Pin the attempt order so the failing provider goes first.
	body := `{"model":"test-model","messages":[{"role":"user","content":"hi"}],` +
		`"provider":{"order":["alpha","beta"]}}`
	resp := doPost(t, client, "/v1/chat/completions", []byte(body), nil)
	readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected fallback success, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Gateway-Provider"); got != "beta" {
		t.Errorf("expected beta to serve after alpha failed, got %q", got)
	}
	if alpha.callCount() != 1 || beta.callCount() != 1 {
		t.Errorf("expected one call each, got alpha=%d beta=%d", alpha.callCount(), beta.callCount())
	}
}

// --- operational endpoints --------------------------------------------------

func TestHealthAndReadiness(t *testing.T) {
	gw := testGateway(t, map[string]providers.Adapter{"alpha": okAdapter("alpha")},
		GatewayOptions{Version: "test"})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp, err := client.Get("http://test/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: expected 200, got %d", resp.StatusCode)
	}
	var health map[string]any
	if err := json.Unmarshal(readBody(t, resp), &health); err != nil {
		t.Fatalf("health body: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("expected ok status, got %v", health["status"])
	}

	resp, err = client.Get("http://test/readiness")
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readiness: expected 200, got %d", resp.StatusCode)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	gw := testGateway(t, map[string]providers.Adapter{"alpha": okAdapter("alpha")}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/does/not/exist", []byte(`{}`), nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
