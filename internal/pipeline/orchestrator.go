package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nulpointcorp/ai-gateway/internal/canon"
	"github.com/nulpointcorp/ai-gateway/internal/errclass"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/schema"
)

// State is the orchestrator's position in the request lifecycle.
type State string

const (
	StateValidating      State = "validating"
	StateCandidatesBuilt State = "candidates_built"
	StateAttempting      State = "attempting"
	StateSucceeded       State = "succeeded"
	StateExhausted       State = "exhausted"
	// StateFailedBefore is the terminal state for failures that occur
	// before any provider is contacted.
	StateFailedBefore State = "failed_before"
)

// Internal reason codes assigned by the orchestrator itself.
const (
	reasonValidation   = "validation_error"
	reasonNoCandidates = "routing_no_eligible_providers"
	reasonExhausted    = "executor_candidates_exhausted"
	reasonTimeout      = "executor_attempt_timeout"
	reasonCanceled     = "client_canceled"
	reasonUpstream     = "upstream_error"
)

// Request is one inbound call to the pipeline.
type Request struct {
	Endpoint canon.Endpoint
	RawBody  []byte
	// ByokKeys maps provider name to a caller-supplied credential.
	ByokKeys map[string]string
	Meta     providers.RequestMeta
}

// RunResult is the single terminal outcome of a pipeline run. Exactly one
// of Response or Signal is meaningful: Response on StateSucceeded, Signal
// on every failure state.
type RunResult struct {
	State        State
	GenerationID string
	Canonical    *canon.CanonicalRequest
	Response     *providers.Result
	Provider     string
	ModelSlug    string
	Byok         bool
	Signal       *errclass.Signal
	// ValidationDetails is the structured details array passed through to
	// the client only for validation failures.
	ValidationDetails []map[string]any
	Attempts          []AttemptRecord
	StreamCommitted   bool
	// CancelStream aborts the committed upstream attempt. The HTTP layer
	// calls it when the client goes away mid-stream. Nil unless
	// StreamCommitted.
	CancelStream context.CancelFunc

	BeforeMs  int64
	ExecuteMs int64
	AdapterMs int64
}

// Succeeded reports whether the run reached a terminal success.
func (r *RunResult) Succeeded() bool { return r.State == StateSucceeded }

// Orchestrator drives the two-stage pipeline. One instance serves all
// requests; all per-request state lives in the RunResult.
type Orchestrator struct {
	adapters       map[string]providers.Adapter
	index          providers.CapabilityIndex
	health         *providers.HealthStore
	metrics        *metrics.Registry
	log            *slog.Logger
	attemptTimeout time.Duration
	maxAttempts    int
	entropy        *ulid.MonotonicEntropy
}

// Options configures an Orchestrator. Zero values fall back to defaults;
// Health and Metrics may be nil.
type Options struct {
	Adapters       map[string]providers.Adapter
	Index          providers.CapabilityIndex
	Health         *providers.HealthStore
	Metrics        *metrics.Registry
	Logger         *slog.Logger
	AttemptTimeout time.Duration
	MaxAttempts    int
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = providers.AttemptTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = providers.MaxAttempts
	}
	return &Orchestrator{
		adapters:       opts.Adapters,
		index:          opts.Index,
		health:         opts.Health,
		metrics:        opts.Metrics,
		log:            opts.Logger,
		attemptTimeout: opts.AttemptTimeout,
		maxAttempts:    opts.MaxAttempts,
		entropy:        ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Run executes the full pipeline for one request and always returns a
// terminal RunResult; it never returns an error.
func (o *Orchestrator) Run(ctx context.Context, req *Request) *RunResult {
	res := &RunResult{
		State:        StateValidating,
		GenerationID: o.newGenerationID(),
	}
	beforeStart := time.Now()

	canonical, verr := schema.Validate(req.Endpoint, req.RawBody)
	if verr != nil {
		res.BeforeMs = time.Since(beforeStart).Milliseconds()
		if o.metrics != nil {
			o.metrics.RecordValidationFailure(string(req.Endpoint), verr.Keyword)
		}
		return o.failBefore(res, 400, reasonValidation, verr)
	}
	res.Canonical = canonical

	candidates, err := BuildCandidates(canonical, o.index, o.healthSnapshot(), req.ByokKeys, nil)
	res.BeforeMs = time.Since(beforeStart).Milliseconds()
	if err != nil {
		o.log.Warn("no eligible providers",
			"generation_id", res.GenerationID,
			"endpoint", string(canonical.Endpoint),
			"model", canonical.Model)
		// Zero candidates is terminal exhaustion: no adapter is ever
		// invoked and the failure is system-owned.
		res.State = StateExhausted
		sig := errclass.Classify(errclass.StageBefore, 404, reasonNoCandidates, nil)
		sig.Description = "no provider can serve model " + canonical.Model + " on " + string(canonical.Endpoint)
		res.Signal = &sig
		if o.metrics != nil {
			o.metrics.RecordExhausted(string(canonical.Endpoint))
		}
		return res
	}
	res.State = StateCandidatesBuilt

	o.execute(ctx, req, res, candidates)
	return res
}

// execute runs the attempt loop: strictly sequential, append-only history,
// fallback until success, exhaustion, commitment, or cancellation.
func (o *Orchestrator) execute(ctx context.Context, req *Request, res *RunResult, candidates []Candidate) {
	executeStart := time.Now()
	defer func() { res.ExecuteMs = time.Since(executeStart).Milliseconds() }()

	skips := SkipSet{}
	var lastSignal *errclass.Signal

	for i := 0; i < len(candidates); i++ {
		if len(res.Attempts) >= o.maxAttempts {
			break
		}
		cand := candidates[i]
		if skips[cand.Provider] {
			continue
		}
		if ctx.Err() != nil {
			o.appendCanceled(res, cand)
			res.State = StateExhausted
			res.Signal = canceledSignal()
			return
		}

		adapter, ok := o.adapters[cand.Provider]
		if !ok {
			// Catalog lists a provider with no wired adapter; skip it.
			o.log.Error("no adapter for provider", "provider", cand.Provider)
			continue
		}

		res.State = StateAttempting
		record, result, attemptErr := o.attempt(ctx, req, res, cand, adapter)
		res.Attempts = append(res.Attempts, record)

		if attemptErr == nil {
			res.State = StateSucceeded
			res.Provider = cand.Provider
			res.ModelSlug = cand.ModelSlug
			res.Byok = cand.KeySource == KeyByok
			res.Response = result
			return
		}

		if errors.Is(attemptErr, ctx.Err()) && ctx.Err() != nil {
			res.State = StateExhausted
			res.Signal = canceledSignal()
			return
		}
		if res.StreamCommitted {
			// Bytes already reached the client; surface a terminated
			// stream instead of a new attempt.
			res.State = StateExhausted
			sig := signalFor(record, attemptErr)
			res.Signal = &sig
			res.Provider = cand.Provider
			res.ModelSlug = cand.ModelSlug
			return
		}

		sig := signalFor(record, attemptErr)
		lastSignal = &sig
		if sig.Unsupported != nil {
			// The same rejection would recur for every model this
			// provider serves; drop it for the rest of the request.
			skips[cand.Provider] = true
			if o.metrics != nil {
				o.metrics.RecordUnsupportedParam(cand.Provider, string(sig.Unsupported.Provenance))
			}
		}

		// A BYOK credential failure falls back to the gateway key on the
		// same provider before moving down the candidate list.
		if cand.KeySource == KeyByok && shouldFallbackFromByok(record.Status) {
			retry := cand
			retry.KeySource = KeyGateway
			retry.ByokKey = ""
			candidates = append(candidates[:i+1], append([]Candidate{retry}, candidates[i+1:]...)...)
		}
	}

	res.State = StateExhausted
	if o.metrics != nil && res.Canonical != nil {
		o.metrics.RecordExhausted(string(res.Canonical.Endpoint))
	}
	if lastSignal != nil {
		// The last attempt carries the most informative upstream signal.
		res.Signal = lastSignal
		res.Signal.Code = reasonExhausted + ":" + res.Signal.Code
	} else {
		sig := errclass.Classify(errclass.StageExecute, 502, reasonExhausted, nil)
		res.Signal = &sig
	}
}

// attempt invokes one adapter under the per-attempt timeout and returns the
// record, the successful result, or the failure.
func (o *Orchestrator) attempt(
	ctx context.Context,
	req *Request,
	res *RunResult,
	cand Candidate,
	adapter providers.Adapter,
) (AttemptRecord, *providers.Result, error) {
	record := AttemptRecord{
		Number:    len(res.Attempts) + 1,
		Provider:  cand.Provider,
		ModelSlug: cand.ModelSlug,
		Byok:      cand.KeySource == KeyByok,
		StartedAt: time.Now(),
	}

	var done func(time.Duration, bool)
	if o.health != nil {
		done = o.health.AttemptStarted(cand.Provider)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, o.attemptTimeout)
	result, err := adapter.Execute(attemptCtx, &providers.ExecuteArgs{
		Endpoint:  res.Canonical.Endpoint,
		ModelSlug: cand.ModelSlug,
		Payload:   res.Canonical.Payload,
		Stream:    res.Canonical.Stream,
		ByokKey:   cand.ByokKey,
		Meta:      req.Meta,
	})

	finish := func(outcome Outcome) {
		record.FinishedAt = time.Now()
		record.Outcome = outcome
		latency := record.FinishedAt.Sub(record.StartedAt)
		res.AdapterMs += latency.Milliseconds()
		if done != nil {
			done(latency, outcome == OutcomeSuccess)
		}
		if o.metrics != nil {
			o.metrics.ObserveAttempt(cand.Provider, string(outcome), latency)
		}
	}

	if err != nil {
		cancel()
		fillFailure(&record, err, attemptCtx)
		finish(record.Outcome)
		return record, nil, err
	}

	if result.Stream != nil {
		// Hold the attempt open until the first chunk decides between
		// commitment and fallback.
		first, ok := <-result.Stream
		if ok && first.Err != nil && len(first.Data) == 0 {
			cancel()
			err := first.Err
			fillFailure(&record, err, attemptCtx)
			finish(record.Outcome)
			return record, nil, err
		}
		if !ok {
			cancel()
			err := errors.New("upstream closed stream before first chunk")
			record.Status = 502
			record.InternalReason = reasonUpstream
			finish(OutcomeTransient)
			return record, nil, err
		}
		res.StreamCommitted = true
		if o.metrics != nil {
			o.metrics.RecordStreamCommit(cand.Provider)
		}
		res.CancelStream = cancel
		result.Stream = prependChunk(attemptCtx, first, result.Stream, cancel)
		record.Status = statusOrDefault(result.Status, 200)
		finish(OutcomeSuccess)
		return record, result, nil
	}

	cancel()
	record.Status = statusOrDefault(result.Status, 200)
	finish(OutcomeSuccess)
	return record, result, nil
}

func (o *Orchestrator) failBefore(res *RunResult, status int, code string, verr *schema.ValidationError) *RunResult {
	res.State = StateFailedBefore
	var sig errclass.Signal
	if verr != nil {
		sig = errclass.Classify(errclass.StageBefore, status, code, nil)
		sig.Description = verr.Error()
		res.ValidationDetails = []map[string]any{verr.Detail()}
	} else {
		sig = errclass.Classify(errclass.StageBefore, status, code, nil)
	}
	sig.Status = status
	res.Signal = &sig
	return res
}

func (o *Orchestrator) healthSnapshot() providers.HealthSnapshot {
	if o.health == nil {
		return nil
	}
	return o.health.Snapshot()
}

func (o *Orchestrator) newGenerationID() string {
	return "gen_" + ulid.MustNew(ulid.Timestamp(time.Now()), o.entropy).String()
}

func (o *Orchestrator) appendCanceled(res *RunResult, cand Candidate) {
	now := time.Now()
	res.Attempts = append(res.Attempts, AttemptRecord{
		Number:         len(res.Attempts) + 1,
		Provider:       cand.Provider,
		ModelSlug:      cand.ModelSlug,
		Outcome:        OutcomeCanceled,
		InternalReason: reasonCanceled,
		StartedAt:      now,
		FinishedAt:     now,
	})
}

// fillFailure populates an attempt record from an adapter failure.
func fillFailure(record *AttemptRecord, err error, attemptCtx context.Context) {
	var aerr *providers.AdapterError
	switch {
	case errors.As(err, &aerr):
		record.Status = aerr.Status
		record.UpstreamCode = aerr.Code
		record.UpstreamMessage = aerr.Message
		record.InternalReason = reasonUpstream
		if aerr.Status >= 500 || aerr.Status == 429 || aerr.Status == 408 {
			record.Outcome = OutcomeTransient
		} else {
			record.Outcome = OutcomeRejected
		}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		record.Status = 408
		record.InternalReason = reasonTimeout
		record.Outcome = OutcomeTransient
	case errors.Is(err, context.Canceled):
		record.InternalReason = reasonCanceled
		record.Outcome = OutcomeCanceled
	default:
		record.Status = 502
		record.UpstreamMessage = err.Error()
		record.InternalReason = reasonUpstream
		record.Outcome = OutcomeTransient
	}
}

// signalFor classifies one failed attempt.
func signalFor(record AttemptRecord, err error) errclass.Signal {
	var body []byte
	var aerr *providers.AdapterError
	if errors.As(err, &aerr) {
		body = aerr.Body
	}
	code := record.UpstreamCode
	if code == "" {
		code = record.InternalReason
	}
	return errclass.Classify(errclass.StageExecute, record.Status, code, body)
}

func canceledSignal() *errclass.Signal {
	sig := errclass.Classify(errclass.StageExecute, 499, reasonCanceled, nil)
	sig.Description = "client disconnected before the request completed"
	return &sig
}

// shouldFallbackFromByok reports whether a failure with a caller-supplied
// key warrants retrying the same provider with the gateway's own key.
func shouldFallbackFromByok(status int) bool {
	switch {
	case status == 401, status == 403, status == 408, status == 429:
		return true
	case status >= 500:
		return true
	}
	return false
}

func statusOrDefault(status, fallback int) int {
	if status > 0 {
		return status
	}
	return fallback
}

// prependChunk re-chains a consumed first chunk ahead of the remaining
// stream. The attempt context's cancel fires once the stream drains or the
// consumer goes away; rest is always drained afterwards so the upstream
// reader can finish sending and close.
func prependChunk(ctx context.Context, first providers.StreamChunk, rest <-chan providers.StreamChunk, cancel context.CancelFunc) <-chan providers.StreamChunk {
	out := make(chan providers.StreamChunk)
	go func() {
		defer close(out)
		defer func() {
			cancel()
			for range rest {
			}
		}()
		select {
		case out <- first:
		case <-ctx.Done():
			return
		}
		for chunk := range rest {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
