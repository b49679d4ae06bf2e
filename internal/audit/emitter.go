package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/metrics"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	writeTimeout  = 5 * time.Second
)

// Sink receives audit record batches for durable storage.
type Sink interface {
	Name() string
	WriteBatch(ctx context.Context, records []*Record) error
}

// Analytics receives individual records for real-time dashboards.
// Best-effort: failures are counted, never propagated.
type Analytics interface {
	Publish(record *Record) error
}

// Emitter is a non-blocking, batched audit writer. Records go onto an
// internal buffered channel and are flushed in batches by a background
// goroutine, so emission never blocks the response path. When the channel
// fills, new records are dropped and counted.
type Emitter struct {
	ch        chan *Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	sinks     []Sink
	analytics Analytics
	metrics   *metrics.Registry
	baseCtx   context.Context
	log       *slog.Logger
}

// EmitterOptions configures an Emitter. Sinks may be empty (slog fallback
// only); Analytics and Metrics may be nil.
type EmitterOptions struct {
	Sinks     []Sink
	Analytics Analytics
	Metrics   *metrics.Registry
	Logger    *slog.Logger
}

func NewEmitter(ctx context.Context, opts EmitterOptions) (*Emitter, error) {
	if ctx == nil {
		return nil, fmt.Errorf("audit: context must not be nil")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	sinks := opts.Sinks
	if len(sinks) == 0 {
		sinks = []Sink{NewSlogSink(opts.Logger)}
	}

	e := &Emitter{
		ch:        make(chan *Record, channelBuffer),
		done:      make(chan struct{}),
		sinks:     sinks,
		analytics: opts.Analytics,
		metrics:   opts.Metrics,
		baseCtx:   ctx,
		log:       opts.Logger,
	}

	e.wg.Add(1)
	go e.run()

	return e, nil
}

// Emit enqueues one record. Never blocks; drops when the buffer is full.
func (e *Emitter) Emit(rec *Record) {
	select {
	case e.ch <- rec:
	default:
		atomic.AddInt64(&e.dropped, 1)
		if e.metrics != nil {
			e.metrics.RecordAuditEmit("buffer", "dropped")
		}
	}
}

// Dropped returns the number of records lost to backpressure.
func (e *Emitter) Dropped() int64 {
	return atomic.LoadInt64(&e.dropped)
}

// Close drains the buffer and stops the background goroutine.
func (e *Emitter) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	e.wg.Wait()
	return nil
}

func (e *Emitter) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(e.baseCtx, writeTimeout)
		for _, sink := range e.sinks {
			if err := sink.WriteBatch(ctx, batch); err != nil {
				e.log.Error("audit sink write failed",
					"sink", sink.Name(), "records", len(batch), "error", err)
				if e.metrics != nil {
					e.metrics.RecordAuditEmit(sink.Name(), "error")
				}
				continue
			}
			if e.metrics != nil {
				e.metrics.RecordAuditEmit(sink.Name(), "ok")
			}
		}
		cancel()
		batch = batch[:0]
	}

	publish := func(rec *Record) {
		if e.analytics == nil {
			return
		}
		if err := e.analytics.Publish(rec); err != nil {
			// Analytics loss is invisible to the caller by design.
			if e.metrics != nil {
				e.metrics.RecordAuditEmit("analytics", "error")
			}
		}
	}

	for {
		select {
		case rec := <-e.ch:
			publish(rec)
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-e.done:
			for {
				select {
				case rec := <-e.ch:
					publish(rec)
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// SlogSink writes audit records as structured log lines. Used as the
// fallback when no durable sink is configured, and in development.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	return &SlogSink{log: log}
}

func (s *SlogSink) Name() string { return "slog" }

func (s *SlogSink) WriteBatch(ctx context.Context, records []*Record) error {
	for _, r := range records {
		s.log.InfoContext(ctx, "audit",
			slog.String("generation_id", r.GenerationID),
			slog.String("endpoint", r.Endpoint),
			slog.String("model", r.Model),
			slog.String("provider", r.Provider),
			slog.Int("status", r.Status),
			slog.Bool("success", r.Success),
			slog.Bool("stream", r.Stream),
			slog.Bool("byok", r.Byok),
			slog.String("error_code", r.ErrorCode),
			slog.String("ownership", r.ErrorOwnership),
			slog.Int64("before_ms", r.BeforeMs),
			slog.Int64("execute_ms", r.ExecuteMs),
			slog.Int("attempts", len(r.Attempts)),
			slog.Time("created_at", r.CreatedAt),
		)
	}
	return nil
}
