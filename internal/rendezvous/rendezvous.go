// Package rendezvous decouples a long answer pipeline run from its triggering
// webhook turn.
//
// The signaling protocol is synchronous and must answer within a few seconds
// per turn, while knowledge retrieval and answer generation take longer. The
// engine therefore launches the pipeline as a background task keyed by call
// id, and the caller's next turn performs a bounded-wait handshake here: poll
// for the pending result, consume it exactly once, or fall back
// deterministically when the ceiling is reached.
package rendezvous

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// Bounded-wait parameters for Await. The ceiling keeps the synchronous turn
// inside the signaling protocol's response budget.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultWaitCeiling  = 10 * time.Second
)

// Exchange holds pending pipeline results and in-flight run markers, both
// keyed by call id.
type Exchange struct {
	mu       sync.Mutex
	pending  map[string]*models.PendingResult
	inflight map[string]bool

	interval time.Duration
	ceiling  time.Duration
}

// Option configures an Exchange.
type Option func(*Exchange)

// WithPollInterval overrides the Await poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(e *Exchange) { e.interval = d }
}

// WithWaitCeiling overrides the Await ceiling.
func WithWaitCeiling(d time.Duration) Option {
	return func(e *Exchange) { e.ceiling = d }
}

// NewExchange creates an empty rendezvous exchange.
func NewExchange(opts ...Option) *Exchange {
	e := &Exchange{
		pending:  make(map[string]*models.PendingResult),
		inflight: make(map[string]bool),
		interval: DefaultPollInterval,
		ceiling:  DefaultWaitCeiling,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Launch marks a pipeline run in flight for the call. A duplicate launch
// while one is in flight (or while its result is still unconsumed) is
// rejected, so two interleaved turns can never both start a run and both
// deliver a result.
func (e *Exchange) Launch(callID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inflight[callID] {
		slog.Warn("Exchange rejected duplicate pipeline launch", "callID", callID)
		return false
	}
	if _, has := e.pending[callID]; has {
		slog.Warn("Exchange rejected launch with unconsumed result", "callID", callID)
		return false
	}
	e.inflight[callID] = true
	slog.Debug("Exchange marked pipeline run in flight", "callID", callID)
	return true
}

// Complete stores the result of a pipeline run. The write happens once; a
// completion for a run that was abandoned (call ended, Launch cleared) is
// discarded so a late result is safe to ignore.
func (e *Exchange) Complete(callID string, res *models.PendingResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.inflight[callID] {
		slog.Debug("Exchange discarding result of abandoned run", "callID", callID)
		return
	}
	delete(e.inflight, callID)
	e.pending[callID] = res
	slog.Info("Exchange stored pipeline result", "callID", callID, "answer_found", res.AnswerFound)
}

// Consume removes and returns the pending result for the call. A second read
// for the same run sees absent.
func (e *Exchange) Consume(callID string) (*models.PendingResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, ok := e.pending[callID]
	if !ok {
		return nil, false
	}
	delete(e.pending, callID)
	slog.Debug("Exchange consumed pipeline result", "callID", callID)
	return res, true
}

// Await polls for the call's pending result every poll interval until the
// ceiling. On success the result is consumed. Reaching the ceiling is not an
// error: ok=false tells the engine to take its deterministic fallback branch.
// The background run is not cancelled; its late result is discarded by
// Abandon when the call ends.
func (e *Exchange) Await(ctx context.Context, callID string) (*models.PendingResult, bool) {
	deadline := time.NewTimer(e.ceiling)
	defer deadline.Stop()
	tick := time.NewTicker(e.interval)
	defer tick.Stop()

	slog.Debug("Exchange awaiting pipeline result", "callID", callID, "ceiling", e.ceiling)
	for {
		if res, ok := e.Consume(callID); ok {
			return res, true
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			slog.Warn("Exchange wait ceiling reached", "callID", callID, "ceiling", e.ceiling)
			return nil, false
		case <-ctx.Done():
			slog.Warn("Exchange wait cancelled", "callID", callID, "error", ctx.Err())
			return nil, false
		}
	}
}

// Abandon clears both the in-flight marker and any unconsumed result for the
// call. Called on call end; a pipeline run completing afterwards finds its
// marker gone and discards its result.
func (e *Exchange) Abandon(callID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inflight[callID] {
		slog.Debug("Exchange abandoning in-flight run", "callID", callID)
	}
	delete(e.inflight, callID)
	delete(e.pending, callID)
}

// InFlight reports whether a pipeline run is currently marked in flight.
func (e *Exchange) InFlight(callID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[callID]
}
