// Package schema validates and normalizes raw client payloads into canonical
// requests, one declarative rule set per endpoint. Everything here is a pure
// function of the payload bytes; no I/O and no shared mutable state, so the
// registry is safe under arbitrary request concurrency.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/ai-gateway/internal/canon"
)

// Gateway-only payload keys, stripped before endpoint validation and never
// forwarded upstream.
const (
	keyProvider     = "provider"
	keyDebug        = "debug"
	keyEchoUpstream = "echo_upstream_request"
	keyMeta         = "meta"
)

// oneOfRule requires exactly one of a canonical/alternate field pair and
// folds the alternate into the canonical name.
type oneOfRule struct {
	canonical string
	alternate string
	required  bool
}

// endpointSchema is the declarative rule set for one endpoint.
type endpointSchema struct {
	// fields maps every known payload key to its validator. Keys outside
	// this map are moved to the canonical request's extra side-map.
	fields   map[string]fieldCheck
	required []string
	// aliases are folded into their canonical key and removed. The
	// canonical value wins when both are present.
	aliases      map[string]string
	oneOf        []oneOfRule
	nullDefaults []string
	modelOptional bool
	rejectN       bool
	// exclusiveStreamTools rejects stream=true combined with tool
	// definitions; hasTools allows endpoint-specific tool detection.
	exclusiveStreamTools bool
	hasTools             func(payload map[string]any) bool
	normalize            func(payload map[string]any) *ValidationError
}

// Validate turns a raw payload for the given endpoint into a canonical
// request, or fails with a structured, path-qualified validation error.
// Normalization is a fixed point: validating an already-canonical payload
// returns it unchanged.
func Validate(endpoint canon.Endpoint, raw []byte) (*canon.CanonicalRequest, *ValidationError) {
	if !endpoint.Valid() {
		return nil, errAt("", "unsupported_model_or_endpoint", "unknown endpoint %q", endpoint)
	}
	es, ok := registry[endpoint]
	if !ok {
		return nil, errAt("", "unsupported_model_or_endpoint", "unknown endpoint %q", endpoint)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errAt("", "invalid_json", "request body must be a JSON object")
	}
	if payload == nil {
		return nil, errAt("", "invalid_json", "request body must be a JSON object")
	}

	routing, directives, verr := stripGatewayKeys(payload)
	if verr != nil {
		return nil, verr
	}

	if es.rejectN {
		if _, present := payload["n"]; present {
			return nil, errAt("n", "unsupported_param", "the n parameter is not supported")
		}
	}

	for alias, canonical := range es.aliases {
		v, present := payload[alias]
		if !present {
			continue
		}
		if _, has := payload[canonical]; !has {
			payload[canonical] = v
		}
		delete(payload, alias)
	}

	for _, rule := range es.oneOf {
		_, hasCanonical := payload[rule.canonical]
		alt, hasAlternate := payload[rule.alternate]
		switch {
		case hasCanonical && hasAlternate:
			return nil, errAt(rule.alternate, "one_of",
				"provide either %s or %s, not both", rule.canonical, rule.alternate)
		case hasAlternate:
			payload[rule.canonical] = alt
			delete(payload, rule.alternate)
		case !hasCanonical && rule.required:
			return nil, errAt(rule.canonical, "missing_required",
				"either %s or %s is required", rule.canonical, rule.alternate)
		}
	}

	model, verr := extractModel(payload, es.modelOptional)
	if verr != nil {
		return nil, verr
	}

	for _, req := range es.required {
		if v, present := payload[req]; !present || v == nil {
			return nil, errAt(req, "missing_required", "%s is required", req)
		}
	}

	extra := map[string]any{}
	for key, v := range payload {
		check, known := es.fields[key]
		if !known {
			extra[key] = v
			delete(payload, key)
			continue
		}
		if v == nil || check == nil {
			continue
		}
		if verr := check(key, v); verr != nil {
			return nil, verr
		}
	}

	// Keys the canonical shape requires are materialized as explicit
	// nulls so downstream consumers can rely on presence.
	for _, key := range es.nullDefaults {
		if _, present := payload[key]; !present {
			payload[key] = nil
		}
	}

	if es.exclusiveStreamTools && boolField(payload, "stream") {
		detect := es.hasTools
		if detect == nil {
			detect = defaultHasTools
		}
		if detect(payload) {
			return nil, errAt("stream", "unsupported_param_combo",
				"streaming cannot be combined with tool definitions")
		}
	}

	if es.normalize != nil {
		if verr := es.normalize(payload); verr != nil {
			return nil, verr
		}
	}

	req := &canon.CanonicalRequest{
		Endpoint:   endpoint,
		Model:      model,
		Stream:     boolField(payload, "stream"),
		Payload:    payload,
		Extra:      extra,
		Routing:    routing,
		Directives: directives,
	}
	return req, nil
}

func extractModel(payload map[string]any, optional bool) (string, *ValidationError) {
	v, present := payload["model"]
	if !present || v == nil {
		if optional {
			return "", nil
		}
		return "", errAt("model", "missing_required", "model is required")
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", errAt("model", "type", "must be a non-empty string")
	}
	return s, nil
}

// stripGatewayKeys removes gateway-only directives from the payload and
// parses them into typed routing preferences and debug options.
func stripGatewayKeys(payload map[string]any) (*canon.RoutingPreferences, canon.Directives, *ValidationError) {
	var directives canon.Directives
	var routing *canon.RoutingPreferences

	if v, present := payload[keyProvider]; present {
		delete(payload, keyProvider)
		if v != nil {
			prefs, verr := parseRoutingPreferences(v)
			if verr != nil {
				return nil, directives, verr
			}
			if !prefs.Empty() {
				routing = prefs
			}
		}
	}

	if v, present := payload[keyDebug]; present {
		delete(payload, keyDebug)
		opts, verr := parseDebugOptions(v)
		if verr != nil {
			return nil, directives, verr
		}
		directives.Debug = opts
	}

	if v, present := payload[keyEchoUpstream]; present {
		delete(payload, keyEchoUpstream)
		b, ok := v.(bool)
		if !ok && v != nil {
			return nil, directives, errAt(keyEchoUpstream, "type", "must be a boolean")
		}
		directives.EchoUpstream = b
	}

	if v, present := payload[keyMeta]; present {
		delete(payload, keyMeta)
		b, ok := v.(bool)
		if !ok && v != nil {
			return nil, directives, errAt(keyMeta, "type", "must be a boolean")
		}
		directives.ReturnMeta = b
	}

	return routing, directives, nil
}

func parseRoutingPreferences(v any) (*canon.RoutingPreferences, *ValidationError) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errAt(keyProvider, "type", "must be an object")
	}
	prefs := &canon.RoutingPreferences{}
	for key, field := range map[string]*[]string{
		"order":  &prefs.Order,
		"only":   &prefs.Only,
		"ignore": &prefs.Ignore,
	} {
		raw, present := obj[key]
		if !present || raw == nil {
			continue
		}
		list, verr := stringList(keyProvider+"."+key, raw)
		if verr != nil {
			return nil, verr
		}
		*field = list
	}
	if raw, present := obj["include_experimental"]; present && raw != nil {
		b, ok := raw.(bool)
		if !ok {
			return nil, errAt(keyProvider+".include_experimental", "type", "must be a boolean")
		}
		prefs.IncludeExperimental = b
	}
	return prefs, nil
}

func parseDebugOptions(v any) (canon.DebugOptions, *ValidationError) {
	switch t := v.(type) {
	case nil:
		return canon.DebugOptions{}, nil
	case bool:
		return canon.DebugOptions{Enabled: t, ReturnUpstreamRequest: t, ReturnUpstreamResponse: t}, nil
	case map[string]any:
		opts := canon.DebugOptions{Enabled: true}
		if b, ok := t["enabled"].(bool); ok {
			opts.Enabled = b
		}
		if b, ok := t["return_upstream_request"].(bool); ok {
			opts.ReturnUpstreamRequest = b
		}
		if b, ok := t["return_upstream_response"].(bool); ok {
			opts.ReturnUpstreamResponse = b
		}
		return opts, nil
	default:
		return canon.DebugOptions{}, errAt(keyDebug, "type", "must be a boolean or an object")
	}
}

func stringList(path string, v any) ([]string, *ValidationError) {
	arr, ok := v.([]any)
	if !ok {
		return nil, errAt(path, "type", "must be an array of strings")
	}
	out := make([]string, 0, len(arr))
	for i, item := range arr {
		s, ok := item.(string)
		if !ok {
			return nil, errAt(fmt.Sprintf("%s.%d", path, i), "type", "must be a string")
		}
		out = append(out, s)
	}
	return out, nil
}

func boolField(payload map[string]any, key string) bool {
	b, _ := payload[key].(bool)
	return b
}

func defaultHasTools(payload map[string]any) bool {
	tools, ok := payload["tools"].([]any)
	return ok && len(tools) > 0
}
