// Package relay bridges continuous streaming transcription into the
// turn-based call flow.
//
// Each active call owns one bounded FIFO queue. The audio bridge pushes
// finalized utterances as they arrive; the next synchronous turn handler pops
// with a short timeout. Delivery order matches finalization order, entries are
// never duplicated, and queues are never shared between call ids.
package relay

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultQueueCapacity bounds each per-call transcript queue. A caller cannot
// produce finalized utterances faster than they can speak, so a small bound
// suffices; overflow drops the oldest entry to keep the stream moving.
const DefaultQueueCapacity = 32

// Relay manages the per-call transcript queues.
type Relay struct {
	mu     sync.Mutex
	queues map[string]chan string
	cap    int
}

// New creates a Relay with the default per-call queue capacity.
func New() *Relay {
	return NewWithCapacity(DefaultQueueCapacity)
}

// NewWithCapacity creates a Relay whose per-call queues hold up to capacity
// finalized utterances.
func NewWithCapacity(capacity int) *Relay {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Relay{queues: make(map[string]chan string), cap: capacity}
}

// queueFor returns the call's queue, creating it on first use.
func (r *Relay) queueFor(callID string) chan string {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.queues[callID]
	if !ok {
		q = make(chan string, r.cap)
		r.queues[callID] = q
		slog.Debug("Relay created transcript queue", "callID", callID, "capacity", r.cap)
	}
	return q
}

// Push appends a finalized utterance to the call's queue. When the queue is
// full the oldest entry is dropped so the newest speech wins; the drop is
// logged and never blocks the audio path.
func (r *Relay) Push(callID, text string) {
	q := r.queueFor(callID)
	for {
		select {
		case q <- text:
			slog.Debug("Relay queued finalized transcript", "callID", callID, "len", len(text))
			return
		default:
		}
		select {
		case dropped := <-q:
			slog.Warn("Relay queue full, dropping oldest transcript", "callID", callID, "dropped_len", len(dropped))
		default:
		}
	}
}

// Pop waits up to timeout for the next finalized utterance of the call.
// ok=false means no utterance arrived within the timeout.
func (r *Relay) Pop(callID string, timeout time.Duration) (string, bool) {
	q := r.queueFor(callID)
	select {
	case text := <-q:
		slog.Debug("Relay delivered finalized transcript", "callID", callID, "len", len(text))
		return text, true
	case <-time.After(timeout):
		slog.Debug("Relay Pop timed out", "callID", callID, "timeout", timeout)
		return "", false
	}
}

// TryPop returns the next finalized utterance without waiting.
func (r *Relay) TryPop(callID string) (string, bool) {
	q := r.queueFor(callID)
	select {
	case text := <-q:
		return text, true
	default:
		return "", false
	}
}

// Release destroys the call's queue and discards anything still buffered.
// Safe to call for ids that never had a queue.
func (r *Relay) Release(callID string) {
	r.mu.Lock()
	q, ok := r.queues[callID]
	delete(r.queues, callID)
	r.mu.Unlock()

	if !ok {
		return
	}
	discarded := 0
	for {
		select {
		case <-q:
			discarded++
		default:
			if discarded > 0 {
				slog.Debug("Relay released queue with buffered transcripts", "callID", callID, "discarded", discarded)
			} else {
				slog.Debug("Relay released transcript queue", "callID", callID)
			}
			return
		}
	}
}

// Active returns the number of live queues, for diagnostics.
//
// Queues are created lazily, so a Release racing a Push can resurrect an
// empty queue for an ended call. The engine always releases after the audio
// bridge closes, so nothing pushes afterwards; a stale empty queue is simply
// reused if the id ever reappears.
func (r *Relay) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}
