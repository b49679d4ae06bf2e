package providers

import (
	"strings"

	"github.com/nulpointcorp/ai-gateway/internal/canon"
)

type (
	// ModelSpec declares one model a provider serves: the canonical id
	// clients use, the provider-native slug, and any accepted aliases.
	ModelSpec struct {
		Canonical string
		Slug      string
		Aliases   []string
	}

	// ProviderSpec is one provider's declared capability set, fed to the
	// index from configuration or the external catalog collaborator.
	ProviderSpec struct {
		Name            string
		Endpoints       []canon.Endpoint
		Models          []ModelSpec
		BaseWeight      float64
		Experimental    bool
		SupportedParams []string
	}
)

// StaticIndex is an immutable CapabilityIndex built once from provider
// specs. Safe for concurrent reads without locking.
type StaticIndex struct {
	// byEndpoint: endpoint → lowercased model id/alias → capabilities.
	byEndpoint map[canon.Endpoint]map[string][]Capability
}

func NewStaticIndex(specs []ProviderSpec) *StaticIndex {
	idx := &StaticIndex{byEndpoint: make(map[canon.Endpoint]map[string][]Capability)}
	for _, spec := range specs {
		weight := spec.BaseWeight
		if weight <= 0 {
			weight = 1
		}
		var params map[string]bool
		if len(spec.SupportedParams) > 0 {
			params = make(map[string]bool, len(spec.SupportedParams))
			for _, p := range spec.SupportedParams {
				params[p] = true
			}
		}
		for _, endpoint := range spec.Endpoints {
			models := idx.byEndpoint[endpoint]
			if models == nil {
				models = make(map[string][]Capability)
				idx.byEndpoint[endpoint] = models
			}
			for _, m := range spec.Models {
				slug := m.Slug
				if slug == "" {
					slug = m.Canonical
				}
				c := Capability{
					Provider:        spec.Name,
					ModelSlug:       slug,
					BaseWeight:      weight,
					Experimental:    spec.Experimental,
					SupportedParams: params,
				}
				for _, id := range append([]string{m.Canonical}, m.Aliases...) {
					key := strings.ToLower(id)
					models[key] = append(models[key], c)
				}
			}
		}
	}
	return idx
}

// ListProvidersFor returns every capability matching the endpoint and model
// (by canonical id or alias, case-insensitive). Nil when none match.
func (idx *StaticIndex) ListProvidersFor(endpoint canon.Endpoint, model string) []Capability {
	models, ok := idx.byEndpoint[endpoint]
	if !ok {
		return nil
	}
	caps := models[strings.ToLower(model)]
	if len(caps) == 0 {
		return nil
	}
	out := make([]Capability, len(caps))
	copy(out, caps)
	return out
}

var textEndpoints = []canon.Endpoint{
	canon.EndpointChatCompletions,
	canon.EndpointResponses,
	canon.EndpointMessages,
}

// DefaultCatalog is the built-in capability set used when no external
// catalog feed is configured. Model coverage here is deliberately small;
// production deployments replace it via configuration.
var DefaultCatalog = []ProviderSpec{
	{
		Name:       "openai",
		Endpoints:  append([]canon.Endpoint{canon.EndpointEmbeddings, canon.EndpointImagesGenerations, canon.EndpointImagesEdits, canon.EndpointAudioSpeech, canon.EndpointAudioTranscription, canon.EndpointAudioTranslations, canon.EndpointModerations, canon.EndpointBatch}, textEndpoints...),
		BaseWeight: 1.0,
		Models: []ModelSpec{
			{Canonical: "gpt-4o"},
			{Canonical: "gpt-4o-mini"},
			{Canonical: "gpt-4.1", Aliases: []string{"gpt-4.1-2025-04-14"}},
			{Canonical: "gpt-4.1-mini"},
			{Canonical: "o3"},
			{Canonical: "o4-mini"},
			{Canonical: "text-embedding-3-small"},
			{Canonical: "text-embedding-3-large"},
			{Canonical: "gpt-image-1"},
			{Canonical: "tts-1"},
			{Canonical: "whisper-1"},
			{Canonical: "omni-moderation-latest"},
		},
	},
	{
		Name:       "anthropic",
		Endpoints:  textEndpoints,
		BaseWeight: 1.0,
		Models: []ModelSpec{
			{Canonical: "claude-opus-4", Slug: "claude-opus-4-20250514"},
			{Canonical: "claude-sonnet-4", Slug: "claude-sonnet-4-20250514"},
			{Canonical: "claude-3-5-haiku", Slug: "claude-3-5-haiku-20241022"},
		},
	},
	{
		Name:       "gemini",
		Endpoints:  append([]canon.Endpoint{canon.EndpointEmbeddings, canon.EndpointVideoGeneration}, textEndpoints...),
		BaseWeight: 0.9,
		Models: []ModelSpec{
			{Canonical: "gemini-2.5-pro"},
			{Canonical: "gemini-2.5-flash"},
			{Canonical: "gemini-2.0-flash"},
			{Canonical: "text-embedding-004"},
			{Canonical: "veo-2", Slug: "veo-2.0-generate-001"},
		},
	},
}
