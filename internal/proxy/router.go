package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/canon"
)

// endpointRoutes maps every public model route to the endpoint it serves.
// Route order mirrors canon.Endpoints.
var endpointRoutes = []struct {
	Path     string
	Endpoint canon.Endpoint
}{
	{"/v1/chat/completions", canon.EndpointChatCompletions},
	{"/v1/responses", canon.EndpointResponses},
	{"/v1/messages", canon.EndpointMessages},
	{"/v1/embeddings", canon.EndpointEmbeddings},
	{"/v1/images/generations", canon.EndpointImagesGenerations},
	{"/v1/images/edits", canon.EndpointImagesEdits},
	{"/v1/audio/speech", canon.EndpointAudioSpeech},
	{"/v1/audio/transcriptions", canon.EndpointAudioTranscription},
	{"/v1/audio/translations", canon.EndpointAudioTranslations},
	{"/v1/moderations", canon.EndpointModerations},
	{"/v1/video/generations", canon.EndpointVideoGeneration},
	{"/v1/ocr", canon.EndpointOCR},
	{"/v1/music/generations", canon.EndpointMusicGenerate},
	{"/v1/batches", canon.EndpointBatch},
}

// Handler builds the full request handler: all model routes plus the
// operational endpoints, wrapped in the middleware chain. Exposed separately
// from Start so tests can drive it without a listener.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	for _, route := range endpointRoutes {
		ep := route.Endpoint
		r.POST(route.Path, func(ctx *fasthttp.RequestCtx) {
			g.dispatch(ctx, ep)
		})
	}

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start runs the HTTP server on addr (e.g. ":8080") until it fails.
func (g *Gateway) Start(addr string) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": g.version})
		return
	}
	writeJSON(ctx, map[string]any{
		"status":    "ok",
		"version":   g.version,
		"providers": g.health.Snapshot(),
	})
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.readiness == nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	if err := g.readiness(); err != nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
