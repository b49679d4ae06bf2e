package audit

import (
	"regexp"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/ai-gateway/internal/pipeline"
)

const maxRedactedMessage = 256

var (
	apiKeyRe = regexp.MustCompile(`\b(sk-[A-Za-z0-9_-]{8,}|AKIA[A-Z0-9]{16}|AIza[A-Za-z0-9_-]{20,})\b`)
	bearerRe = regexp.MustCompile(`(?i)\bbearer\s+\S+`)
)

// sensitivePaths are JSON fields never persisted from echoed bodies.
var sensitivePaths = []string{
	"api_key",
	"authorization",
	"headers.Authorization",
	"headers.authorization",
	"headers.X-Api-Key",
	"headers.x-api-key",
}

// RedactText masks credentials in free text and truncates it for storage.
func RedactText(s string) string {
	if s == "" {
		return ""
	}
	s = apiKeyRe.ReplaceAllString(s, "[redacted]")
	s = bearerRe.ReplaceAllString(s, "bearer [redacted]")
	if len(s) > maxRedactedMessage {
		s = s[:maxRedactedMessage]
	}
	return s
}

// RedactBody strips credential fields from a JSON body (echoed upstream
// requests in debug payloads, raw error bodies). Non-JSON input is passed
// through the text redactor instead.
func RedactBody(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	if !gjson.ValidBytes(body) {
		return []byte(RedactText(string(body)))
	}
	out := body
	for _, path := range sensitivePaths {
		if gjson.GetBytes(out, path).Exists() {
			out, _ = sjson.SetBytes(out, path, "[redacted]")
		}
	}
	return out
}

// redactAttempts copies the attempt history with upstream text redacted,
// preserving order and leaving the originals untouched.
func redactAttempts(attempts []pipeline.AttemptRecord) []pipeline.AttemptRecord {
	if len(attempts) == 0 {
		return nil
	}
	out := make([]pipeline.AttemptRecord, len(attempts))
	copy(out, attempts)
	for i := range out {
		out[i].UpstreamMessage = RedactText(out[i].UpstreamMessage)
		out[i].UpstreamCode = RedactText(out[i].UpstreamCode)
	}
	return out
}
