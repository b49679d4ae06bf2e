package pipeline

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/canon"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// ErrNoEligibleProviders is returned when capability and routing filters
// leave zero candidates. Always surfaced as an explicit outcome, never an
// empty list.
var ErrNoEligibleProviders = errors.New("no eligible providers for request")

// KeySource records which credential a candidate will use.
type KeySource string

const (
	KeyGateway KeySource = "gateway"
	KeyByok    KeySource = "byok"
)

// Candidate is one provider+model combination eligible to attempt a
// request, with its resolved credential source and priority score.
type Candidate struct {
	Provider        string
	ModelSlug       string
	KeySource       KeySource
	ByokKey         string
	BaseWeight      float64
	Score           float64
	SupportedParams map[string]bool
}

// SkipSet tracks providers ruled out mid-request by unsupported-parameter
// rejections, keyed by provider name.
type SkipSet map[string]bool

// Latency scoring constants: a logistic curve centered on latencyMidpoint
// so that sub-midpoint providers keep most of their weight and slow ones
// decay smoothly instead of falling off a cliff.
const (
	latencyMidpoint  = 800 * time.Millisecond
	latencySteepness = 400.0
)

// BuildCandidates filters the capability index against the request and
// routing preferences and returns candidates in attempt order.
//
// Filter precedence: endpoint+model support, then "only" intersection,
// then "ignore" subtraction, then the mid-request skip set. The "order"
// list is a strict prefix: listed providers come first in list position,
// everything else follows sorted by score.
func BuildCandidates(
	req *canon.CanonicalRequest,
	index providers.CapabilityIndex,
	health providers.HealthSnapshot,
	byokKeys map[string]string,
	skips SkipSet,
) ([]Candidate, error) {
	caps := index.ListProvidersFor(req.Endpoint, req.Model)
	if len(caps) == 0 {
		return nil, ErrNoEligibleProviders
	}

	var routing canon.RoutingPreferences
	if req.Routing != nil {
		routing = *req.Routing
	}

	only := toSet(routing.Only)
	ignore := toSet(routing.Ignore)

	candidates := make([]Candidate, 0, len(caps))
	for _, c := range caps {
		if c.Experimental && !routing.IncludeExperimental {
			continue
		}
		if len(only) > 0 && !only[c.Provider] {
			continue
		}
		if ignore[c.Provider] {
			continue
		}
		if skips[c.Provider] {
			continue
		}

		cand := Candidate{
			Provider:        c.Provider,
			ModelSlug:       c.ModelSlug,
			KeySource:       KeyGateway,
			BaseWeight:      c.BaseWeight,
			SupportedParams: c.SupportedParams,
		}
		if key := byokKeys[c.Provider]; key != "" {
			cand.KeySource = KeyByok
			cand.ByokKey = key
		}
		cand.Score = c.BaseWeight * paramMatchFactor(req.Payload, c.SupportedParams) * healthFactor(health[c.Provider])
		candidates = append(candidates, cand)
	}
	if len(candidates) == 0 {
		return nil, ErrNoEligibleProviders
	}

	orderPos := make(map[string]int, len(routing.Order))
	for i, name := range routing.Order {
		orderPos[name] = i
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, iOrdered := orderPos[candidates[i].Provider]
		pj, jOrdered := orderPos[candidates[j].Provider]
		switch {
		case iOrdered && jOrdered:
			return pi < pj
		case iOrdered:
			return true
		case jOrdered:
			return false
		default:
			return candidates[i].Score > candidates[j].Score
		}
	})
	return candidates, nil
}

// coreParams are carried by every request on their endpoint and say nothing
// about a provider's feature coverage, so they are left out of the match.
var coreParams = map[string]bool{
	"model":    true,
	"stream":   true,
	"messages": true,
	"input":    true,
	"inputs":   true,
	"prompt":   true,
	"file":     true,
	"image":    true,
	"voice":    true,
}

// paramMatchFactor scores how much of the request's tuning surface a
// candidate declares support for, as a multiplier in (0,1]. Providers that
// declare nothing are assumed to take everything. Add-one smoothing keeps
// a zero-match candidate routable, just deprioritized.
func paramMatchFactor(payload map[string]any, declared map[string]bool) float64 {
	if len(declared) == 0 {
		return 1
	}
	total, matched := 0, 0
	for key := range payload {
		if coreParams[key] {
			continue
		}
		total++
		if declared[key] {
			matched++
		}
	}
	return float64(1+matched) / float64(1+total)
}

// healthFactor folds a provider's live signal into a multiplier in (0,1]:
// success rate × logistic latency decay × inverse load. A provider with no
// recorded health scores near 1 so new providers stay routable.
func healthFactor(h providers.Health) float64 {
	success := h.UptimePct / 100
	if h.LastUpdated.IsZero() {
		success = 1
	}
	if success < 0.01 {
		success = 0.01
	}
	if success > 1 {
		success = 1
	}

	latencyMs := float64(h.LatencyEWMA.Milliseconds())
	midpointMs := float64(latencyMidpoint.Milliseconds())
	latency := 1 / (1 + math.Exp((latencyMs-midpointMs)/latencySteepness))
	// Rescale so zero latency maps to 1 rather than the curve's raw value.
	latency /= 1 / (1 + math.Exp(-midpointMs/latencySteepness))
	if latency > 1 {
		latency = 1
	}

	load := 1 / (1 + h.CurrentLoad)

	f := success * latency * load
	if f <= 0 {
		f = 0.01
	}
	if f > 1 {
		f = 1
	}
	return f
}

func toSet(list []string) map[string]bool {
	if len(list) == 0 {
		return nil
	}
	set := make(map[string]bool, len(list))
	for _, item := range list {
		set[item] = true
	}
	return set
}
