package providers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second

	// latencyAlpha is the EWMA smoothing factor for attempt latency.
	latencyAlpha = 0.2
	// uptimeAlpha smooths the success-rate estimate.
	uptimeAlpha = 0.1
)

// HealthStore accumulates live provider signals and publishes them as
// immutable snapshots. Writers (attempt outcomes, probes) go through a
// mutex; the request hot path only loads the published snapshot, so a
// request never observes a provider's health changing mid-flight.
type HealthStore struct {
	mu       sync.Mutex
	state    map[string]*providerHealth
	snapshot atomic.Value // HealthSnapshot
}

type providerHealth struct {
	latencyEWMA time.Duration
	uptimePct   float64
	throughput  float64
	inflight    int64
	updated     time.Time
}

func NewHealthStore() *HealthStore {
	s := &HealthStore{state: make(map[string]*providerHealth)}
	s.snapshot.Store(HealthSnapshot{})
	return s
}

// Snapshot returns the last published snapshot. The returned map must be
// treated as read-only.
func (s *HealthStore) Snapshot() HealthSnapshot {
	return s.snapshot.Load().(HealthSnapshot)
}

// AttemptStarted bumps the provider's inflight load. The returned func
// records the outcome and must be called exactly once.
func (s *HealthStore) AttemptStarted(provider string) func(latency time.Duration, success bool) {
	s.mu.Lock()
	h := s.health(provider)
	h.inflight++
	s.publishLocked()
	s.mu.Unlock()

	var once sync.Once
	return func(latency time.Duration, success bool) {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			h := s.health(provider)
			h.inflight--
			if h.inflight < 0 {
				h.inflight = 0
			}
			if latency > 0 {
				if h.latencyEWMA == 0 {
					h.latencyEWMA = latency
				} else {
					h.latencyEWMA = time.Duration(
						latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(h.latencyEWMA))
				}
			}
			outcome := 0.0
			if success {
				outcome = 100.0
			}
			h.uptimePct = uptimeAlpha*outcome + (1-uptimeAlpha)*h.uptimePct
			h.updated = time.Now()
			s.publishLocked()
		})
	}
}

// RecordProbe folds an active health probe result into the store.
func (s *HealthStore) RecordProbe(provider string, latency time.Duration, success bool) {
	done := s.AttemptStarted(provider)
	done(latency, success)
}

func (s *HealthStore) health(provider string) *providerHealth {
	h, ok := s.state[provider]
	if !ok {
		// New providers start optimistic so they are routable before
		// the first probe completes.
		h = &providerHealth{uptimePct: 100}
		s.state[provider] = h
	}
	return h
}

func (s *HealthStore) publishLocked() {
	snap := make(HealthSnapshot, len(s.state))
	for name, h := range s.state {
		snap[name] = Health{
			LatencyEWMA: h.latencyEWMA,
			Throughput:  h.throughput,
			UptimePct:   h.uptimePct,
			CurrentLoad: float64(h.inflight),
			LastUpdated: h.updated,
		}
	}
	s.snapshot.Store(snap)
}

// Prober runs background liveness probes against adapters that support them
// and feeds results into a HealthStore.
type Prober struct {
	adapters map[string]Adapter
	store    *HealthStore
	baseCtx  context.Context

	done chan struct{}
	wg   sync.WaitGroup
}

// NewProber creates a Prober and immediately starts background probes.
func NewProber(ctx context.Context, adapters map[string]Adapter, store *HealthStore) *Prober {
	if ctx == nil {
		panic("prober: context must not be nil")
	}
	p := &Prober{
		adapters: adapters,
		store:    store,
		baseCtx:  ctx,
		done:     make(chan struct{}),
	}

	// First probe runs synchronously so routing has signal immediately.
	p.probe()

	p.wg.Add(1)
	go p.run()
	return p
}

// Close stops the background probe goroutine.
func (p *Prober) Close() {
	close(p.done)
	p.wg.Wait()
}

func (p *Prober) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.probe()
		case <-p.done:
			return
		}
	}
}

func (p *Prober) probe() {
	ctx, cancel := context.WithTimeout(p.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for name, adapter := range p.adapters {
		hc, ok := adapter.(HealthChecker)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, hc HealthChecker) {
			defer wg.Done()
			start := time.Now()
			err := hc.HealthCheck(ctx)
			p.store.RecordProbe(name, time.Since(start), err == nil)
		}(name, hc)
	}
	wg.Wait()
}
