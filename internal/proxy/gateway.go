// Package proxy is the gateway's HTTP surface.
//
// Every model endpoint funnels into a single dispatch path: extract edge
// metadata and caller credentials, apply rate limiting, consult the response
// cache, hand the raw body to the pipeline orchestrator, and render whatever
// terminal state comes back — a JSON body, an SSE relay, or a classified
// error payload. An audit record is emitted for every request regardless of
// outcome.
//
// Key design constraints:
//   - Gateway overhead stays off the hot path: no blocking I/O before the
//     upstream call other than the O(1) cache and rate-limit lookups.
//   - Cache, rate limiter, audit emitter, and metrics are optional and
//     nil-safe.
//   - Streaming responses are relayed chunk-by-chunk and never cached.
package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/audit"
	"github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/canon"
	"github.com/nulpointcorp/ai-gateway/internal/edge"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/pipeline"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/ratelimit"
	"github.com/nulpointcorp/ai-gateway/internal/schema"
	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	// providerKeyHeaderPrefix marks caller-supplied upstream credentials:
	// X-Provider-Key-Openai, X-Provider-Key-Anthropic, and so on. The suffix
	// is the provider name, matched case-insensitively.
	providerKeyHeaderPrefix = "X-Provider-Key-"

	// debugHeader lets a caller request the diagnostic error payload without
	// touching the request body. Honored only when the operator allow-flag
	// is on.
	debugHeader = "X-Gateway-Debug"

	generationIDHeader = "X-Generation-Id"
	providerHeader     = "X-Gateway-Provider"
)

// defaultCacheTTL bounds how long a non-streaming response may be replayed.
const defaultCacheTTL = time.Hour

// cacheableEndpoints are the surfaces whose responses are deterministic
// enough to replay. Streaming requests are excluded at lookup time.
var cacheableEndpoints = map[canon.Endpoint]bool{
	canon.EndpointChatCompletions: true,
	canon.EndpointEmbeddings:      true,
	canon.EndpointModerations:     true,
}

// GatewayOptions holds the optional collaborators of a Gateway. Every field
// may be left zero; the gateway degrades gracefully without them.
type GatewayOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry

	// Cache stores non-streaming responses keyed on the canonical payload
	// hash. CacheExclusions names models that must never be cached.
	Cache           cache.Cache
	CacheTTL        time.Duration
	CacheExclusions *cache.ExclusionList

	// RPMLimiter rejects requests above the per-minute budget before any
	// validation work is done.
	RPMLimiter *ratelimit.RPMLimiter

	// Emitter receives one audit record per request. Nil disables auditing.
	Emitter *audit.Emitter

	// Health backs GET /health.
	Health *providers.HealthStore

	// ReadinessProbe is called by GET /readiness; a non-nil error reports
	// 503. Typically wired to the cache backend's ping.
	ReadinessProbe func() error

	// AllowProviderKeys enables the X-Provider-Key-* BYOK headers. When
	// false caller credentials are ignored and only gateway keys are used.
	AllowProviderKeys bool

	// DebugErrorsAllowed is the operator-side gate for diagnostic error
	// payloads. Both this flag and the caller's debug directive must be set.
	DebugErrorsAllowed bool

	CORSOrigins []string
	Version     string
}

// Gateway is the HTTP front of the pipeline. All dependencies are injected
// so unit tests can swap in doubles.
type Gateway struct {
	orch    *pipeline.Orchestrator
	log     *slog.Logger
	metrics *metrics.Registry

	respCache       cache.Cache
	cacheTTL        time.Duration
	cacheExclusions *cache.ExclusionList

	rpmLimiter *ratelimit.RPMLimiter
	emitter    *audit.Emitter
	health     *providers.HealthStore
	readiness  func() error

	allowProviderKeys bool
	debugAllowed      bool
	corsOrigins       []string
	version           string
}

// NewGateway wires a Gateway around an orchestrator.
func NewGateway(orch *pipeline.Orchestrator, opts GatewayOptions) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Gateway{
		orch:              orch,
		log:               log,
		metrics:           opts.Metrics,
		respCache:         opts.Cache,
		cacheTTL:          ttl,
		cacheExclusions:   opts.CacheExclusions,
		rpmLimiter:        opts.RPMLimiter,
		emitter:           opts.Emitter,
		health:            opts.Health,
		readiness:         opts.ReadinessProbe,
		allowProviderKeys: opts.AllowProviderKeys,
		debugAllowed:      opts.DebugErrorsAllowed,
		corsOrigins:       opts.CORSOrigins,
		version:           version,
	}
}

// dispatch is the shared handler behind every model endpoint.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, endpoint canon.Endpoint) {
	start := time.Now()
	route := string(endpoint)
	reqBytes := len(ctx.PostBody())
	servedProvider := "none"
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming is finalised by the relay
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.ObserveRequest(route, servedProvider, status, dur)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	em := edge.FromRequestCtx(ctx)
	meta := providers.RequestMeta{
		RequestID: reqID,
		TeamID:    string(ctx.Request.Header.Peek("X-Team-Id")),
		AppID:     string(ctx.Request.Header.Peek("X-App-Id")),
	}

	// Rate limit before spending any cycles on the body.
	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.AllowTeam(ctx, meta.TeamID)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("endpoint", route),
			)
			apierr.WriteRateLimit(ctx, reqID)
			return
		}
		if g.metrics != nil {
			if err != nil {
				g.metrics.RecordRateLimit("error")
			} else {
				g.metrics.RecordRateLimit("allowed")
			}
		}
	}

	body := append([]byte(nil), ctx.PostBody()...)

	// Cache lookup needs the canonical shape, so eligible endpoints validate
	// here. A miss re-validates inside the pipeline; the normalization pass
	// is pure map work and far cheaper than any upstream call.
	cacheKey := ""
	if g.respCache != nil && cacheableEndpoints[endpoint] {
		if canonical, verr := schema.Validate(endpoint, body); verr == nil &&
			!canonical.Stream &&
			(g.cacheExclusions == nil || !g.cacheExclusions.Matches(canonical.Model)) {
			cacheKey = canonicalCacheKey(canonical)
			if cached, ok := g.respCache.Get(ctx, cacheKey); ok {
				if g.metrics != nil {
					g.metrics.CacheGetHit()
				}
				g.log.DebugContext(ctx, "cache_hit",
					slog.String("request_id", reqID),
					slog.String("endpoint", route),
					slog.String("model", canonical.Model),
				)
				ctx.Response.Header.Set("X-Cache", xCacheHIT)
				ctx.SetContentType("application/json")
				ctx.SetStatusCode(fasthttp.StatusOK)
				ctx.SetBody(cached)
				respBytes = len(cached)
				return
			}
			if g.metrics != nil {
				g.metrics.CacheGetMiss()
			}
		}
	} else if g.metrics != nil {
		g.metrics.CacheGetBypass()
	}

	res := g.orch.Run(ctx, &pipeline.Request{
		Endpoint: endpoint,
		RawBody:  body,
		ByokKeys: g.providerKeys(ctx),
		Meta:     meta,
	})
	if res.Provider != "" {
		servedProvider = res.Provider
	}

	if !res.Succeeded() {
		status := g.renderFailure(ctx, endpoint, res)
		g.audit(res, status, meta, em)
		return
	}

	ctx.Response.Header.Set(generationIDHeader, res.GenerationID)
	ctx.Response.Header.Set(providerHeader, res.Provider)

	// Streaming success: hand the connection to the relay. The deferred
	// metrics block above is skipped; the relay finalises once the upstream
	// stream drains.
	if res.Response.Stream != nil {
		streaming = true
		g.relayStream(ctx, res, func(written int) {
			dur := time.Since(start)
			if g.metrics != nil {
				g.metrics.ObserveHTTP(route, fasthttp.StatusOK, dur, reqBytes, written)
				g.metrics.ObserveRequest(route, res.Provider, fasthttp.StatusOK, dur)
				g.metrics.DecInFlight()
			}
			g.audit(res, fasthttp.StatusOK, meta, em)
		})
		return
	}

	status := res.Response.Status
	if status == 0 {
		status = fasthttp.StatusOK
	}
	contentType := res.Response.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	if cacheKey != "" && status == fasthttp.StatusOK {
		if err := g.respCache.Set(ctx, cacheKey, res.Response.Body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}

	if g.metrics != nil && res.Response.Usage != nil {
		g.metrics.AddTokens(res.Provider, route,
			res.Response.Usage.InputTokens, res.Response.Usage.OutputTokens)
	}

	g.log.DebugContext(ctx, "request_ok",
		slog.String("request_id", reqID),
		slog.String("generation_id", res.GenerationID),
		slog.String("endpoint", route),
		slog.String("provider", res.Provider),
		slog.String("model_slug", res.ModelSlug),
		slog.Int("attempts", len(res.Attempts)),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(status)
	ctx.SetContentType(contentType)
	ctx.SetBody(res.Response.Body)
	respBytes = len(res.Response.Body)
	g.audit(res, status, meta, em)
}

// renderFailure maps a terminal failure state onto the stable error payload
// and returns the HTTP status it wrote.
func (g *Gateway) renderFailure(ctx *fasthttp.RequestCtx, endpoint canon.Endpoint, res *pipeline.RunResult) int {
	sig := res.Signal
	if sig == nil {
		// Every failure state carries a signal; this is a bug guard.
		apierr.WriteInternal(ctx, res.GenerationID)
		return fasthttp.StatusInternalServerError
	}

	status := sig.Status
	if status <= 0 {
		status = fasthttp.StatusInternalServerError
	}

	if g.metrics != nil {
		g.metrics.RecordClassifiedError(string(sig.Stage), string(sig.Ownership), string(sig.Attribution))
	}
	g.log.WarnContext(ctx, "request_failed",
		slog.String("generation_id", res.GenerationID),
		slog.String("endpoint", string(endpoint)),
		slog.String("state", string(res.State)),
		slog.String("code", sig.Code),
		slog.Int("status", status),
		slog.String("ownership", string(sig.Ownership)),
		slog.Int("attempts", len(res.Attempts)),
	)

	ctx.Response.Header.Set(generationIDHeader, res.GenerationID)
	apierr.Write(ctx, status, string(sig.Attribution), apierr.Payload{
		GenerationID: res.GenerationID,
		Error:        sig.Code,
		ErrorType:    string(sig.Ownership),
		Description:  sig.Description,
		Details:      res.ValidationDetails,
		Debug:        g.debugPayload(ctx, res),
	})
	return status
}

// debugPayload builds the diagnostic block attached to error responses.
// Requires both the caller's opt-in (body directive or X-Gateway-Debug
// header) and the operator allow-flag. Attempt details are redacted before
// leaving the process.
func (g *Gateway) debugPayload(ctx *fasthttp.RequestCtx, res *pipeline.RunResult) map[string]any {
	if !g.debugAllowed {
		return nil
	}
	requested := len(ctx.Request.Header.Peek(debugHeader)) > 0
	if !requested && res.Canonical != nil {
		requested = res.Canonical.Directives.Debug.Enabled
	}
	if !requested {
		return nil
	}

	attempts := make([]map[string]any, 0, len(res.Attempts))
	for _, a := range res.Attempts {
		attempts = append(attempts, map[string]any{
			"number":      a.Number,
			"provider":    a.Provider,
			"model_slug":  a.ModelSlug,
			"outcome":     string(a.Outcome),
			"status":      a.Status,
			"code":        a.UpstreamCode,
			"message":     audit.RedactText(a.UpstreamMessage),
			"reason":      a.InternalReason,
			"byok":        a.Byok,
			"duration_ms": a.DurationMs(),
		})
	}
	return map[string]any{
		"state":      string(res.State),
		"attempts":   attempts,
		"before_ms":  res.BeforeMs,
		"execute_ms": res.ExecuteMs,
		"adapter_ms": res.AdapterMs,
	}
}

// audit emits the per-request record. Fire-and-forget; never blocks.
func (g *Gateway) audit(res *pipeline.RunResult, status int, meta providers.RequestMeta, em edge.Meta) {
	if g.emitter == nil {
		return
	}
	g.emitter.Emit(audit.FromRunResult(res, status, meta, em))
}

// providerKeys collects BYOK credentials from X-Provider-Key-* headers.
// Returns nil when the feature is disabled or no credential was supplied.
func (g *Gateway) providerKeys(ctx *fasthttp.RequestCtx) map[string]string {
	if !g.allowProviderKeys {
		return nil
	}
	var keys map[string]string
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		name := string(k)
		if len(name) <= len(providerKeyHeaderPrefix) ||
			!strings.EqualFold(name[:len(providerKeyHeaderPrefix)], providerKeyHeaderPrefix) {
			return
		}
		val := strings.TrimSpace(string(v))
		if val == "" {
			return
		}
		if keys == nil {
			keys = make(map[string]string)
		}
		keys[strings.ToLower(name[len(providerKeyHeaderPrefix):])] = val
	})
	return keys
}

// canonicalCacheKey hashes the normalized request. Map keys marshal in
// sorted order, so equal canonical requests always produce equal keys.
func canonicalCacheKey(req *canon.CanonicalRequest) string {
	data, _ := json.Marshal(struct {
		E string         `json:"e"`
		M string         `json:"m"`
		P map[string]any `json:"p"`
		X map[string]any `json:"x,omitempty"`
	}{string(req.Endpoint), req.Model, req.Payload, req.Extra})
	h := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(h[:])
}
