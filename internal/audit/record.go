// Package audit assembles one structured record per request and emits it to
// durable storage and a streaming analytics sink without ever blocking the
// client response path.
package audit

import (
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/edge"
	"github.com/nulpointcorp/ai-gateway/internal/pipeline"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// Record is the audit view of one request: written exactly once at the end
// of the pipeline, never updated afterward.
type Record struct {
	GenerationID string `json:"generation_id"`
	RequestID    string `json:"request_id,omitempty"`
	TeamID       string `json:"team_id,omitempty"`
	AppID        string `json:"app_id,omitempty"`

	Endpoint  string `json:"endpoint"`
	Model     string `json:"model,omitempty"`
	Provider  string `json:"provider,omitempty"`
	ModelSlug string `json:"model_slug,omitempty"`

	Stream          bool `json:"stream"`
	StreamCommitted bool `json:"stream_committed,omitempty"`
	Byok            bool `json:"byok"`

	Status  int  `json:"status"`
	Success bool `json:"success"`

	ErrorCode        string `json:"error_code,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	ErrorOwnership   string `json:"error_ownership,omitempty"`
	ErrorAttribution string `json:"error_attribution,omitempty"`
	ErrorStage       string `json:"error_stage,omitempty"`
	UnsupportedParam string `json:"unsupported_param,omitempty"`

	BeforeMs  int64 `json:"before_ms"`
	ExecuteMs int64 `json:"execute_ms"`
	AdapterMs int64 `json:"adapter_ms"`
	TotalMs   int64 `json:"total_ms"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
	TotalTokens  int `json:"total_tokens,omitempty"`

	// Attempts preserves the strict per-request ordering of the attempt
	// history; upstream messages are redacted before the record is built.
	Attempts []pipeline.AttemptRecord `json:"attempts,omitempty"`

	Edge edge.Meta `json:"edge,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// FromRunResult builds the audit record for one terminal pipeline outcome.
// Tolerates partial context: a nil canonical request (validation failed
// before one existed) still produces a usable record.
func FromRunResult(res *pipeline.RunResult, status int, meta providers.RequestMeta, em edge.Meta) *Record {
	rec := &Record{
		GenerationID:    res.GenerationID,
		RequestID:       meta.RequestID,
		TeamID:          meta.TeamID,
		AppID:           meta.AppID,
		Provider:        res.Provider,
		ModelSlug:       res.ModelSlug,
		StreamCommitted: res.StreamCommitted,
		Byok:            res.Byok,
		Status:          status,
		Success:         res.Succeeded(),
		BeforeMs:        res.BeforeMs,
		ExecuteMs:       res.ExecuteMs,
		AdapterMs:       res.AdapterMs,
		TotalMs:         res.BeforeMs + res.ExecuteMs,
		Edge:            em,
		CreatedAt:       time.Now().UTC(),
	}

	if res.Canonical != nil {
		rec.Endpoint = string(res.Canonical.Endpoint)
		rec.Model = res.Canonical.Model
		rec.Stream = res.Canonical.Stream
	}

	if sig := res.Signal; sig != nil {
		rec.ErrorCode = sig.Code
		rec.ErrorMessage = RedactText(sig.Description)
		rec.ErrorOwnership = string(sig.Ownership)
		rec.ErrorAttribution = string(sig.Attribution)
		rec.ErrorStage = string(sig.Stage)
		if sig.Unsupported != nil {
			rec.UnsupportedParam = sig.Unsupported.Param
		}
	}

	if res.Succeeded() && res.Response != nil && res.Response.Usage != nil {
		rec.InputTokens = res.Response.Usage.InputTokens
		rec.OutputTokens = res.Response.Usage.OutputTokens
		rec.TotalTokens = res.Response.Usage.TotalTokens
	}

	rec.Attempts = redactAttempts(res.Attempts)
	return rec
}

// EndpointOrPath falls back to the transport path when validation failed
// before an endpoint was resolved.
func (r *Record) EndpointOrPath() string {
	if r.Endpoint != "" {
		return r.Endpoint
	}
	return r.Edge.Path
}
