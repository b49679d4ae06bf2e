// Package providers defines the adapter contract every upstream AI provider
// implementation satisfies, plus the capability index and health feed the
// routing layer consumes.
//
// Each provider lives in its own sub-package and implements the Adapter
// interface. The core pipeline never builds provider-native payloads itself;
// translation from the canonical shape is entirely an adapter concern.
package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/canon"
)

type (
	// StreamChunk is one server-sent event (or raw byte frame) of a
	// streaming upstream response, relayed as received.
	StreamChunk struct {
		Data []byte
		// Err terminates the stream when non-nil. Chunks delivered
		// before Err are already with the client and cannot be unsent.
		Err error
	}

	// Usage — token usage stats, normalized across providers.
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	// RequestMeta carries gateway-side identity through an adapter call.
	RequestMeta struct {
		RequestID string
		TeamID    string
		AppID     string
	}

	// ExecuteArgs is one attempt's input: the canonical payload plus the
	// provider-native model slug resolved by the capability index.
	ExecuteArgs struct {
		Endpoint  canon.Endpoint
		ModelSlug string
		Payload   map[string]any
		Stream    bool
		// ByokKey is a caller-supplied credential for this provider.
		// Empty means the gateway-owned key is used.
		ByokKey string
		Meta    RequestMeta
	}

	// Result is one attempt's successful outcome. For streams, Body is nil
	// and Stream delivers chunks until closed; for completed responses,
	// Stream is nil.
	Result struct {
		Status      int
		Body        []byte
		ContentType string
		ResponseID  string
		Usage       *Usage
		Stream      <-chan StreamChunk
	}

	// Capability is one provider's declared support for an endpoint+model,
	// as served by the capability index.
	Capability struct {
		Provider  string
		ModelSlug string
		// BaseWeight is the static routing weight before health scaling.
		BaseWeight   float64
		Experimental bool
		// SupportedParams lists canonical parameter paths the provider
		// accepts; nil means no declaration (assume all). Declared sets
		// scale the candidate score by how much of the request they cover.
		SupportedParams map[string]bool
	}

	// Health is one provider's live signal, refreshed out-of-band and read
	// as an immutable snapshot during a request.
	Health struct {
		LatencyEWMA time.Duration
		Throughput  float64
		UptimePct   float64
		CurrentLoad float64
		LastUpdated time.Time
	}

	// HealthSnapshot maps provider name to its health at one instant.
	HealthSnapshot map[string]Health
)

// Adapter — upstream provider interface.
type Adapter interface {
	Name() string
	Supports(endpoint canon.Endpoint, modelSlug string) bool
	Execute(ctx context.Context, args *ExecuteArgs) (*Result, error)
}

// HealthChecker is an optional interface for adapters that support an
// active liveness probe. Check with a type assertion before calling.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CapabilityIndex answers which providers can serve an endpoint+model.
type CapabilityIndex interface {
	ListProvidersFor(endpoint canon.Endpoint, model string) []Capability
}

// HealthFeed exposes the current health snapshot.
type HealthFeed interface {
	Snapshot() HealthSnapshot
}

// Default per-attempt execution constants.
const (
	AttemptTimeout = 30 * time.Second
	MaxAttempts    = 3
)

type StatusCoder interface {
	HTTPStatus() int
}

// AdapterError is a structured upstream failure. Body is the verbatim
// upstream response, kept for classification and later redacted for audit.
type AdapterError struct {
	Provider string
	Status   int
	Code     string
	Message  string
	Body     []byte
}

func (e *AdapterError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (%d)", e.Provider, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: upstream error (%d)", e.Provider, e.Status)
}

func (e *AdapterError) HTTPStatus() int { return e.Status }
