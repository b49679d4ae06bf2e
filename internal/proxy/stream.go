package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/pipeline"
)

// relayStream forwards upstream stream chunks to the client as they arrive.
// The response is committed: by the time this runs the pipeline has already
// consumed the first upstream chunk and re-queued it, so the 200 status and
// headers are final and a mid-stream failure can only be reported in-band.
// onComplete fires exactly once after the stream drains, with the number of
// body bytes written.
func (g *Gateway) relayStream(ctx *fasthttp.RequestCtx, res *pipeline.RunResult, onComplete func(written int)) {
	contentType := res.Response.ContentType
	if contentType == "" {
		contentType = "text/event-stream"
	}
	ctx.SetContentType(contentType)
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	stream := res.Response.Stream
	generationID := res.GenerationID
	log := g.log

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // client disconnects surface as write panics

		// On any exit, including client disconnect, cancel the upstream
		// attempt and drain what it already queued so the pipeline's relay
		// goroutines can finish.
		defer func() {
			if res.CancelStream != nil {
				res.CancelStream()
			}
			for range stream {
			}
		}()

		written := 0
		for chunk := range stream {
			if chunk.Err != nil {
				// Terminal in-band error event; the relay never fabricates
				// further data after an upstream failure.
				log.Warn("stream_interrupted",
					slog.String("generation_id", generationID),
					slog.String("error", chunk.Err.Error()),
				)
				written += writeStreamError(w, generationID)
				break
			}
			n, err := w.Write(chunk.Data)
			written += n
			if err != nil {
				break
			}
			w.Flush() //nolint:errcheck
		}
		w.Flush() //nolint:errcheck

		if onComplete != nil {
			onComplete(written)
		}
	})
}

// writeStreamError emits the interruption event and returns the bytes written.
func writeStreamError(w *bufio.Writer, generationID string) int {
	payload, _ := json.Marshal(map[string]any{
		"generation_id": generationID,
		"error":         "upstream_stream_interrupted",
		"error_type":    "system",
		"description":   "The upstream provider stopped streaming before completion.",
	})
	n, _ := fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	return n
}
