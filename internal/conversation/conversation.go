// Package conversation implements the per-call state machine for CallPipe.
//
// It owns the registry of active conversations keyed by call id, the
// allowed-edge transition table, and the append-only transcript. Conversations
// are created on the first inbound event and destroyed on call end; per-call
// resources held by other modules are released through registered releasers.
package conversation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// allowedEdges is the transition table. Transitions are one-directional except
// the recovery edges back to COLLECTING_EMAIL / COLLECTING_ISSUE.
var allowedEdges = map[models.CallState][]models.CallState{
	models.StateInit:            {models.StateCollectingEmail, models.StateCollectingIssue, models.StateError},
	models.StateCollectingEmail: {models.StateCollectingIssue, models.StateProcessing, models.StateCompleted, models.StateError},
	models.StateCollectingIssue: {models.StateCollectingEmail, models.StateProcessing, models.StateCompleted, models.StateError},
	models.StateProcessing:      {models.StateResponding, models.StateCollectingEmail, models.StateCompleted, models.StateError},
	models.StateResponding:      {models.StateCollectingEmail, models.StateCollectingIssue, models.StateProcessing, models.StateCompleted, models.StateError},
	models.StateCompleted:       {},
	models.StateError:           {},
}

// canTransition reports whether from -> to is in the allowed-edge table.
func canTransition(from, to models.CallState) bool {
	for _, next := range allowedEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Releaser frees per-call resources held by another module (audio session,
// transcript queue, pending result). Releasers must tolerate ids they have
// never seen.
type Releaser func(callID string)

// Registry manages all active conversations. All access goes through the
// registry; there is no package-level mutable state.
type Registry struct {
	mu        sync.Mutex
	calls     map[string]*models.Conversation
	releasers []Releaser
}

// NewRegistry creates an empty conversation registry.
func NewRegistry() *Registry {
	slog.Debug("Creating conversation registry")
	return &Registry{calls: make(map[string]*models.Conversation)}
}

// OnEnd registers a releaser invoked with the call id when a conversation
// ends. Registration is not safe after calls start; wire releasers at startup.
func (r *Registry) OnEnd(rel Releaser) {
	r.releasers = append(r.releasers, rel)
}

// Start creates the conversation for a new call. It fails with ErrCallExists
// if a conversation for that id is already registered.
func (r *Registry) Start(callID string) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[callID]; exists {
		slog.Warn("Registry Start rejected duplicate call", "callID", callID)
		return nil, fmt.Errorf("start %s: %w", callID, models.ErrCallExists)
	}

	conv := &models.Conversation{
		CallID:    callID,
		State:     models.StateInit,
		StartedAt: time.Now(),
	}
	r.calls[callID] = conv
	slog.Info("Registry started conversation", "callID", callID)
	return r.snapshotLocked(conv), nil
}

// Record appends a (speaker, text) entry to the call transcript. The
// transcript is monotonically append-only.
func (r *Registry) Record(callID, speaker, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.calls[callID]
	if !ok {
		return fmt.Errorf("record %s: %w", callID, models.ErrCallNotFound)
	}
	conv.Transcript = append(conv.Transcript, models.TranscriptEntry{Speaker: speaker, Text: text})
	slog.Debug("Registry recorded transcript entry", "callID", callID, "speaker", speaker)
	return nil
}

// SetEmail records the caller's email address. The email is set once; later
// attempts for a call that already has one are ignored.
func (r *Registry) SetEmail(callID, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.calls[callID]
	if !ok {
		return fmt.Errorf("set email %s: %w", callID, models.ErrCallNotFound)
	}
	if conv.Email != "" {
		slog.Debug("Registry SetEmail ignored, email already set", "callID", callID)
		return nil
	}
	conv.Email = email
	slog.Info("Registry set caller email", "callID", callID)
	return nil
}

// Transition moves the conversation to newState after validating the edge
// against the allowed-edge table. Illegal edges fail with ErrInvalidTransition.
func (r *Registry) Transition(callID string, newState models.CallState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.calls[callID]
	if !ok {
		return fmt.Errorf("transition %s: %w", callID, models.ErrCallNotFound)
	}
	if !canTransition(conv.State, newState) {
		slog.Error("Registry rejected transition", "callID", callID, "from", conv.State, "to", newState)
		return fmt.Errorf("transition %s from %s to %s: %w", callID, conv.State, newState, models.ErrInvalidTransition)
	}
	slog.Info("Registry transitioned conversation", "callID", callID, "from", conv.State, "to", newState)
	conv.State = newState
	return nil
}

// End moves the conversation to the given terminal state, removes it from the
// registry, and releases all per-call resources held by other modules. It
// returns the final conversation snapshot. Ending an unknown call returns
// ErrCallNotFound but still runs the releasers, so End is safe to use during
// failure cleanup.
func (r *Registry) End(callID string, final models.CallState) (*models.Conversation, error) {
	if !final.IsTerminal() {
		return nil, fmt.Errorf("end %s with non-terminal state %s: %w", callID, final, models.ErrInvalidTransition)
	}

	r.mu.Lock()
	conv, ok := r.calls[callID]
	var snap *models.Conversation
	if ok {
		conv.State = final
		snap = r.snapshotLocked(conv)
		delete(r.calls, callID)
	}
	releasers := r.releasers
	r.mu.Unlock()

	for _, rel := range releasers {
		rel(callID)
	}

	if !ok {
		slog.Warn("Registry End for unknown call", "callID", callID)
		return nil, fmt.Errorf("end %s: %w", callID, models.ErrCallNotFound)
	}
	slog.Info("Registry ended conversation", "callID", callID, "final", final, "transcript_len", len(snap.Transcript))
	return snap, nil
}

// Get returns a snapshot of the conversation, or ErrCallNotFound.
func (r *Registry) Get(callID string) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.calls[callID]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", callID, models.ErrCallNotFound)
	}
	return r.snapshotLocked(conv), nil
}

// Active returns the number of registered conversations.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// snapshotLocked copies a conversation so callers never share the registry's
// transcript slice across a collaborator call. Caller holds r.mu.
func (r *Registry) snapshotLocked(conv *models.Conversation) *models.Conversation {
	cp := *conv
	cp.Transcript = make([]models.TranscriptEntry, len(conv.Transcript))
	copy(cp.Transcript, conv.Transcript)
	return &cp
}
