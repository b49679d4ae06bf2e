// Package apierr renders the gateway's stable client-facing error payload
// and the attribution response header.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// AttributionHeader carries the user/upstream attribution classification
// independently of the response body.
const AttributionHeader = "X-Gateway-Error-Attribution"

// Payload is the JSON body every classified failure returns. Details is
// present only for validation errors that carried structured details;
// Debug is attached only when the caller opted in and the operator allows
// it.
type Payload struct {
	GenerationID string           `json:"generation_id"`
	StatusCode   int              `json:"status_code"`
	Error        string           `json:"error"`
	ErrorType    string           `json:"error_type"`
	Description  string           `json:"description"`
	Details      []map[string]any `json:"details,omitempty"`
	Debug        map[string]any   `json:"debug,omitempty"`
}

// Write renders the payload with the given HTTP status and attribution
// header value ("user" or "upstream").
func Write(ctx *fasthttp.RequestCtx, status int, attribution string, p Payload) {
	p.StatusCode = status
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	if attribution != "" {
		ctx.Response.Header.Set(AttributionHeader, attribution)
	}
	if status == fasthttp.StatusTooManyRequests {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	body, _ := json.Marshal(p)
	ctx.SetBody(body)
}

// WriteRateLimit writes the standard 429 rejection for the gateway's own
// rate limiter.
func WriteRateLimit(ctx *fasthttp.RequestCtx, generationID string) {
	Write(ctx, fasthttp.StatusTooManyRequests, "user", Payload{
		GenerationID: generationID,
		Error:        "rate_limit_exceeded",
		ErrorType:    "user",
		Description:  "rate limit exceeded, retry after the indicated delay",
	})
}

// WriteInternal writes an opaque 500 for unclassified panics and bugs.
func WriteInternal(ctx *fasthttp.RequestCtx, generationID string) {
	Write(ctx, fasthttp.StatusInternalServerError, "upstream", Payload{
		GenerationID: generationID,
		Error:        "internal_error",
		ErrorType:    "system",
		Description:  "An error occurred while processing the request.",
	})
}
