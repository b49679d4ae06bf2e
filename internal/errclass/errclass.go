// Package errclass maps failures — local validation errors and raw upstream
// error bodies alike — to stable internal signals.
//
// Everything in this package is a pure function of its inputs: no I/O, no
// clocks, no globals. Upstream bodies arrive in whatever shape the provider
// chose, so extraction is tolerant by construction — a missing field is a
// fallback trigger, never an error.
package errclass

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Stage identifies which half of the pipeline produced a failure.
type Stage string

const (
	StageBefore  Stage = "before"
	StageExecute Stage = "execute"
)

// Ownership is the ops-triage classification: who should act on the failure.
type Ownership string

const (
	OwnershipUser   Ownership = "user"
	OwnershipSystem Ownership = "system"
)

// Attribution is the header/telemetry classification: which side of the
// gateway the failure is billed/reported against. Distinct from Ownership.
type Attribution string

const (
	AttributionUser     Attribution = "user"
	AttributionUpstream Attribution = "upstream"
)

// Provenance records how an unsupported-param signal was derived. Routing
// weights heuristic signals lower than structured ones.
type Provenance string

const (
	ProvenanceStructured Provenance = "structured"
	ProvenanceHeuristic  Provenance = "heuristic"
)

// Internal codes for unsupported-parameter signals.
const (
	CodeUnsupportedParam      = "UPSTREAM_UNSUPPORTED_PARAM"
	CodeUnsupportedParamCombo = "UPSTREAM_UNSUPPORTED_PARAM_COMBO"
)

// UnsupportedParamSignal indicates an upstream provider rejected a specific
// request field it does not support. Consumed by the candidate builder (to
// skip providers lacking the capability on retry) and by the audit emitter.
type UnsupportedParamSignal struct {
	InternalCode string     `json:"internal_code"`
	Param        string     `json:"param,omitempty"`
	Path         string     `json:"path,omitempty"`
	Keyword      string     `json:"keyword,omitempty"`
	Provenance   Provenance `json:"provenance"`
}

// Signal is the stable classification of one failure.
type Signal struct {
	Stage       Stage
	Status      int
	Code        string
	Description string
	Ownership   Ownership
	Attribution Attribution
	Unsupported *UnsupportedParamSignal
}

// Classify runs the full classification for a failure: code and description
// extraction, attribution, ownership, and the unsupported-param scan.
// body may be nil or malformed JSON.
func Classify(stage Stage, status int, code string, body []byte) Signal {
	if code == "" {
		fallback := "upstream_error"
		if stage == StageBefore {
			fallback = "before_error"
		}
		code = ExtractErrorCode(body, fallback)
	}
	desc := ExtractErrorDescription(body)
	if desc == "" {
		desc = "An error occurred while processing the request."
	}

	sig := Signal{
		Stage:       stage,
		Status:      status,
		Code:        code,
		Description: desc,
		Attribution: ClassifyAttribution(stage, status, code, body),
		Ownership:   ClassifyErrorType(stage, status, code),
		Unsupported: ExtractUnsupportedParamSignal(stage, body),
	}

	// An unsupported-param rejection is a gateway capability-mapping gap,
	// not caller misuse — force it to the upstream/system side.
	if sig.Unsupported != nil {
		sig.Attribution = AttributionUpstream
		sig.Ownership = OwnershipSystem
	}
	return sig
}

// ClassifyAttribution decides the "user" vs "upstream" telemetry attribution.
//
// Before-stage errors follow a different policy: gateway-side fault markers
// (5xx, timeout, routing, executor codes) lean upstream even below 500,
// because they represent gateway defects rather than request defects.
func ClassifyAttribution(stage Stage, status int, code string, body []byte) Attribution {
	lower := strings.ToLower(code)

	if stage == StageBefore {
		if status >= 500 ||
			strings.Contains(lower, "gateway") ||
			strings.Contains(lower, "upstream") ||
			strings.Contains(lower, "internal") ||
			strings.Contains(lower, "timeout") ||
			strings.Contains(lower, "routing") ||
			strings.Contains(lower, "executor") {
			return AttributionUpstream
		}
		if status >= 400 {
			return AttributionUser
		}
		return AttributionUpstream
	}

	switch {
	case status >= 500:
		return AttributionUpstream
	case status == 408 || status == 429:
		return AttributionUpstream
	case status >= 400:
		return AttributionUser
	}

	if strings.Contains(lower, "timeout") || strings.Contains(lower, "overload") || strings.Contains(lower, "rate") {
		return AttributionUpstream
	}
	if strings.Contains(lower, "invalid") || strings.Contains(lower, "validation") ||
		strings.Contains(lower, "unauth") || strings.Contains(lower, "forbidden") ||
		strings.Contains(lower, "quota") || strings.Contains(lower, "insufficient") {
		return AttributionUser
	}

	msg := strings.ToLower(gjson.GetBytes(body, "message").String() + " " + stringValue(gjson.GetBytes(body, "error")))
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "overload") || strings.Contains(msg, "rate limit") {
		return AttributionUpstream
	}
	if strings.Contains(msg, "invalid") || strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") || strings.Contains(msg, "bad request") {
		return AttributionUser
	}
	return AttributionUpstream
}

var userFaultKeywords = []string{
	"invalid_json",
	"validation",
	"unsupported_param",
	"unsupported_model_or_endpoint",
	"unsupported_modalities",
	"bad_request",
	"missing_required",
}

var systemFaultKeywords = []string{
	"gateway",
	"no_key",
	"missing_api_key",
	"provider_key",
	"unauthorized",
	"forbidden",
	"timeout",
	"overload",
	"rate_limit",
	"upstream",
	"internal",
	"executor",
	"routing",
	"breaker",
}

// ClassifyErrorType decides "system" vs "user" ownership for ops triage.
// Explicit "user:" / "upstream:" code prefixes win, then keyword matching,
// then status-code fallback.
func ClassifyErrorType(stage Stage, status int, code string) Ownership {
	lower := strings.ToLower(code)

	if strings.HasPrefix(lower, "user:") {
		return OwnershipUser
	}
	if strings.HasPrefix(lower, "upstream:") {
		return OwnershipSystem
	}

	for _, kw := range userFaultKeywords {
		if strings.Contains(lower, kw) {
			return OwnershipUser
		}
	}
	// Auth/key/rate/upstream failures are system issues per gateway ops policy.
	for _, kw := range systemFaultKeywords {
		if strings.Contains(lower, kw) {
			return OwnershipSystem
		}
	}

	switch {
	case status >= 500:
		return OwnershipSystem
	case status == 429 || status == 408 || status == 401 || status == 403:
		return OwnershipSystem
	case status >= 400:
		return OwnershipUser
	}
	return OwnershipSystem
}

// detailPaths are the nesting locations providers are known to put their
// structured error detail arrays.
var detailPaths = []string{"details", "error.details", "error.errors"}

// ExtractUnsupportedParamSignal scans an upstream error body for a structured
// or heuristic indication that a request parameter is unsupported.
//
// Tier 1 walks structured detail arrays and matches on the detail keyword.
// Tier 2 falls back to the top-level error code/message with text heuristics.
// Returns nil when nothing matches — the common case, not an error.
// Before-stage failures never produce a signal.
func ExtractUnsupportedParamSignal(stage Stage, body []byte) *UnsupportedParamSignal {
	if stage != StageExecute || len(body) == 0 {
		return nil
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return nil
	}

	for _, loc := range detailPaths {
		details := parsed.Get(loc)
		if !details.IsArray() {
			continue
		}
		var found *UnsupportedParamSignal
		details.ForEach(func(_, detail gjson.Result) bool {
			if !detail.IsObject() {
				return true
			}
			keyword := strings.ToLower(detail.Get("keyword").String())
			message := detail.Get("message").String()
			path := joinPath(detail.Get("path"))
			param := firstNonEmpty(
				strings.TrimSpace(detail.Get("params.param").String()),
				path,
				paramFromMessage(message),
			)

			if keyword == "unsupported_param_combo" {
				found = &UnsupportedParamSignal{
					InternalCode: CodeUnsupportedParamCombo,
					Param:        param,
					Path:         path,
					Keyword:      keyword,
					Provenance:   ProvenanceStructured,
				}
				return false
			}
			if keyword == "unsupported_param" || keyword == "unsupported_parameter" {
				found = &UnsupportedParamSignal{
					InternalCode: CodeUnsupportedParam,
					Param:        param,
					Path:         path,
					Keyword:      keyword,
					Provenance:   ProvenanceStructured,
				}
				return false
			}
			if LooksLikeUnsupportedParamMessage(message) {
				found = &UnsupportedParamSignal{
					InternalCode: CodeUnsupportedParam,
					Param:        param,
					Path:         path,
					Keyword:      keyword,
					Provenance:   ProvenanceHeuristic,
				}
				return false
			}
			return true
		})
		if found != nil {
			return found
		}
	}

	// Tier 2: top-level code/message heuristics.
	topCode := strings.ToLower(firstNonEmpty(
		parsed.Get("error.code").String(),
		parsed.Get("code").String(),
		parsed.Get("error_code").String(),
	))
	topMessage := firstNonEmpty(
		parsed.Get("error.message").String(),
		parsed.Get("message").String(),
		parsed.Get("description").String(),
	)
	if strings.Contains(topCode, "unsupported_param") ||
		strings.Contains(topCode, "unsupported_parameter") ||
		LooksLikeUnsupportedParamMessage(topMessage) {
		internal := CodeUnsupportedParam
		if strings.Contains(topCode, "combo") {
			internal = CodeUnsupportedParamCombo
		}
		return &UnsupportedParamSignal{
			InternalCode: internal,
			Param:        paramFromMessage(topMessage),
			Provenance:   ProvenanceHeuristic,
		}
	}
	return nil
}

// LooksLikeUnsupportedParamMessage is the known-imprecise English-only text
// heuristic behind tier 2. Do not widen its authority without a structured
// signal source.
func LooksLikeUnsupportedParamMessage(message string) bool {
	m := strings.ToLower(message)
	if m == "" {
		return false
	}
	if strings.Contains(m, "unsupported") &&
		(strings.Contains(m, "parameter") || strings.Contains(m, "field")) {
		return true
	}
	return strings.Contains(m, "does not support") ||
		strings.Contains(m, "not supported") ||
		strings.Contains(m, "unknown parameter") ||
		strings.Contains(m, "unknown field")
}

const codeTruncateLimit = 120

// ExtractErrorCode pulls a short code string out of an arbitrary upstream
// body. Precedence: error/code/error_code/type fields (string or object
// forms) before a truncated top-level message, then fallback.
func ExtractErrorCode(body []byte, fallback string) string {
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return fallback
	}

	for _, key := range []string{"error", "code", "error_code", "type"} {
		v := parsed.Get(key)
		switch v.Type {
		case gjson.String:
			return v.String()
		case gjson.Number:
			return v.Raw
		case gjson.JSON:
			if !v.IsObject() {
				continue
			}
			if s := v.Get("code").String(); s != "" {
				return s
			}
			if s := v.Get("type").String(); s != "" {
				return s
			}
			if s := v.Get("error").String(); s != "" {
				return s
			}
			if s := v.Get("message").String(); s != "" {
				return truncate(s, codeTruncateLimit)
			}
		}
	}
	if s := parsed.Get("message").String(); s != "" {
		return truncate(s, codeTruncateLimit)
	}
	return fallback
}

// ExtractErrorDescription pulls a human-readable description out of an
// arbitrary upstream body. Returns "" when nothing usable is present.
func ExtractErrorDescription(body []byte) string {
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return ""
	}

	for _, key := range []string{"description", "message", "reason"} {
		if s := parsed.Get(key).String(); s != "" && parsed.Get(key).Type == gjson.String {
			return s
		}
	}

	if details := parsed.Get("details"); details.IsArray() {
		arr := details.Array()
		if len(arr) > 0 {
			first := arr[0]
			msg := first.Get("message").String()
			path := joinPath(first.Get("path"))
			if msg != "" && path != "" {
				return msg + " at " + path
			}
			if msg != "" {
				return msg
			}
		}
	}

	e := parsed.Get("error")
	if e.IsObject() {
		for _, key := range []string{"description", "message", "error_description"} {
			if s := e.Get(key).String(); s != "" {
				return s
			}
		}
	}
	if s := parsed.Get("error_description").String(); s != "" {
		return s
	}
	if e.Type == gjson.String {
		return e.String()
	}

	if errs := parsed.Get("errors"); errs.IsArray() {
		parts := make([]string, 0, 4)
		errs.ForEach(func(_, v gjson.Result) bool {
			if v.Type == gjson.String {
				parts = append(parts, v.String())
			} else {
				parts = append(parts, v.Raw)
			}
			return true
		})
		if len(parts) > 0 {
			return truncate(strings.Join(parts, ", "), 200)
		}
	}
	return ""
}

var (
	quotedTokenRe = regexp.MustCompile(`["']([a-zA-Z0-9_.-]+)["']`)
	namedParamRe  = regexp.MustCompile(`(?i)\bparameter[:\s]+([a-zA-Z0-9_.-]+)`)
	namedFieldRe  = regexp.MustCompile(`(?i)\bfield[:\s]+([a-zA-Z0-9_.-]+)`)
)

// paramFromMessage extracts a parameter name from free text: first quoted
// token, else text following "parameter:", else text following "field:".
func paramFromMessage(message string) string {
	if m := quotedTokenRe.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	if m := namedParamRe.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	if m := namedFieldRe.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	return ""
}

// joinPath renders a structured detail path (array of segments or a plain
// string) as a dotted path.
func joinPath(v gjson.Result) string {
	if v.IsArray() {
		parts := make([]string, 0, 4)
		v.ForEach(func(_, seg gjson.Result) bool {
			s := strings.TrimSpace(seg.String())
			if s != "" {
				parts = append(parts, s)
			}
			return true
		})
		return strings.Join(parts, ".")
	}
	if v.Type == gjson.String {
		return strings.TrimSpace(v.String())
	}
	return ""
}

func stringValue(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
