package audit

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

const defaultAnalyticsSubject = "gateway.audit"

// NATSAnalytics mirrors each audit record's key fields onto a NATS subject
// for real-time dashboards. Publishes are fire-and-forget; a slow or absent
// consumer never affects the response path.
type NATSAnalytics struct {
	nc      *nats.Conn
	subject string
}

func NewNATSAnalytics(nc *nats.Conn, subject string) *NATSAnalytics {
	if subject == "" {
		subject = defaultAnalyticsSubject
	}
	return &NATSAnalytics{nc: nc, subject: subject}
}

// analyticsEvent is the trimmed dashboard view of a record.
type analyticsEvent struct {
	GenerationID string `json:"generation_id"`
	Endpoint     string `json:"endpoint"`
	Model        string `json:"model,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Status       int    `json:"status"`
	Success      bool   `json:"success"`
	Stream       bool   `json:"stream"`
	Byok         bool   `json:"byok"`
	ErrorCode    string `json:"error_code,omitempty"`
	Ownership    string `json:"ownership,omitempty"`
	Attribution  string `json:"attribution,omitempty"`
	Attempts     int    `json:"attempts"`
	TotalMs      int64  `json:"total_ms"`
	TotalTokens  int    `json:"total_tokens,omitempty"`
	Country      string `json:"country,omitempty"`
	CreatedAt    int64  `json:"created_at_unix_ms"`
}

func (a *NATSAnalytics) Publish(rec *Record) error {
	event := analyticsEvent{
		GenerationID: rec.GenerationID,
		Endpoint:     rec.Endpoint,
		Model:        rec.Model,
		Provider:     rec.Provider,
		Status:       rec.Status,
		Success:      rec.Success,
		Stream:       rec.Stream,
		Byok:         rec.Byok,
		ErrorCode:    rec.ErrorCode,
		Ownership:    rec.ErrorOwnership,
		Attribution:  rec.ErrorAttribution,
		Attempts:     len(rec.Attempts),
		TotalMs:      rec.TotalMs,
		TotalTokens:  rec.TotalTokens,
		Country:      rec.Edge.Country,
		CreatedAt:    rec.CreatedAt.UnixMilli(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("analytics: marshal: %w", err)
	}
	subject := a.subject + "." + subjectToken(rec.Endpoint)
	return a.nc.Publish(subject, data)
}

// subjectToken makes an endpoint name safe as a NATS subject token.
func subjectToken(endpoint string) string {
	if endpoint == "" {
		return "unknown"
	}
	out := make([]byte, 0, len(endpoint))
	for i := 0; i < len(endpoint); i++ {
		c := endpoint[i]
		if c == '.' || c == ' ' || c == '*' || c == '>' {
			out = append(out, '_')
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
