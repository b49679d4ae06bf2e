// Package canon defines the gateway's canonical request model: the typed,
// validated, endpoint-tagged representation every downstream stage consumes.
//
// A CanonicalRequest is built exactly once per inbound call (by the schema
// registry) and is read-only afterwards. Downstream stages — candidate
// building, execution, audit — never mutate it.
package canon

// Endpoint identifies one of the unified API surfaces the gateway exposes.
type Endpoint string

const (
	EndpointChatCompletions    Endpoint = "chat.completions"
	EndpointResponses          Endpoint = "responses"
	EndpointMessages           Endpoint = "messages"
	EndpointEmbeddings         Endpoint = "embeddings"
	EndpointImagesGenerations  Endpoint = "images.generations"
	EndpointImagesEdits        Endpoint = "images.edits"
	EndpointAudioSpeech        Endpoint = "audio.speech"
	EndpointAudioTranscription Endpoint = "audio.transcription"
	EndpointAudioTranslations  Endpoint = "audio.translations"
	EndpointModerations        Endpoint = "moderations"
	EndpointVideoGeneration    Endpoint = "video.generation"
	EndpointOCR                Endpoint = "ocr"
	EndpointMusicGenerate      Endpoint = "music.generate"
	EndpointBatch              Endpoint = "batch"
)

// Endpoints lists every endpoint the gateway serves, in route order.
var Endpoints = []Endpoint{
	EndpointChatCompletions,
	EndpointResponses,
	EndpointMessages,
	EndpointEmbeddings,
	EndpointImagesGenerations,
	EndpointImagesEdits,
	EndpointAudioSpeech,
	EndpointAudioTranscription,
	EndpointAudioTranslations,
	EndpointModerations,
	EndpointVideoGeneration,
	EndpointOCR,
	EndpointMusicGenerate,
	EndpointBatch,
}

// Valid reports whether e is a known endpoint.
func (e Endpoint) Valid() bool {
	for _, known := range Endpoints {
		if e == known {
			return true
		}
	}
	return false
}

func (e Endpoint) String() string { return string(e) }

// RoutingPreferences are caller-supplied provider routing hints, parsed from
// the request body's "provider" block.
//
// The three lists are independent filters applied in fixed precedence:
// Only intersects the candidate pool first, Ignore subtracts from it second,
// and Order is used last — as a strict ordering prefix over the survivors.
type RoutingPreferences struct {
	// Order lists providers to attempt first, in the given order.
	Order []string
	// Only restricts the pool to exactly these providers.
	Only []string
	// Ignore removes these providers from the pool.
	Ignore []string
	// IncludeExperimental admits providers outside the default tier.
	IncludeExperimental bool
}

// Empty reports whether no routing hint was supplied.
func (p *RoutingPreferences) Empty() bool {
	return p == nil ||
		(len(p.Order) == 0 && len(p.Only) == 0 && len(p.Ignore) == 0 && !p.IncludeExperimental)
}

// DebugOptions are caller-supplied debug directives. They only take effect
// when the operator-side allow flag is enabled (see config.DebugErrorsAllowed).
type DebugOptions struct {
	Enabled                bool
	ReturnUpstreamRequest  bool
	ReturnUpstreamResponse bool
}

// Directives are gateway-only request flags stripped from the payload before
// anything is forwarded upstream.
type Directives struct {
	Debug        DebugOptions
	EchoUpstream bool
	ReturnMeta   bool
}

// CanonicalRequest is the validated, normalized internal form of a client
// request. Immutable once built: the Payload and Extra maps must not be
// written after construction.
type CanonicalRequest struct {
	Endpoint Endpoint
	Model    string
	Stream   bool

	// Payload holds the normalized endpoint-specific fields. Keys are the
	// canonical names; alternates and aliases have already been folded in.
	// Fields the canonical shape requires but the caller omitted are present
	// with an explicit nil value, so consumers can rely on key presence.
	Payload map[string]any

	// Extra holds unrecognized passthrough keys preserved for forward
	// compatibility. Read-only after construction; never threaded through
	// typed code paths.
	Extra map[string]any

	Routing    *RoutingPreferences
	Directives Directives
}

// Clone returns a shallow copy with independent top-level maps. Used by tests
// and by the cache key builder; the pipeline itself never needs it because
// the request is read-only.
func (r *CanonicalRequest) Clone() *CanonicalRequest {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Payload = cloneMap(r.Payload)
	cp.Extra = cloneMap(r.Extra)
	if r.Routing != nil {
		routing := *r.Routing
		cp.Routing = &routing
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
