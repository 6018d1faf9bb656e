// Package models defines the core data structures for CallPipe.
//
// It includes the per-call conversation model, the pipeline result types, and
// the action envelope handed back to the telephony signaling layer. These are
// shared across modules.
package models

import (
	"errors"
	"time"
)

// CallState identifies where a conversation is in the call flow.
type CallState string

const (
	// StateInit is the state of a conversation before the greeting is played.
	StateInit CallState = "INIT"
	// StateCollectingEmail means the caller is being asked for their email address.
	StateCollectingEmail CallState = "COLLECTING_EMAIL"
	// StateCollectingIssue means the caller is being asked to describe their issue.
	StateCollectingIssue CallState = "COLLECTING_ISSUE"
	// StateProcessing means a background answer pipeline run is in flight.
	StateProcessing CallState = "PROCESSING"
	// StateResponding means an answer is being spoken to the caller.
	StateResponding CallState = "RESPONDING"
	// StateCompleted is the terminal state of a normally ended call.
	StateCompleted CallState = "COMPLETED"
	// StateError is the terminal state of a call torn down after a failure.
	StateError CallState = "ERROR"
)

// IsTerminal reports whether the state admits no further transitions.
func (s CallState) IsTerminal() bool {
	return s == StateCompleted || s == StateError
}

// IsValidCallState checks if the given call state is one of the known states.
func IsValidCallState(s CallState) bool {
	switch s {
	case StateInit, StateCollectingEmail, StateCollectingIssue,
		StateProcessing, StateResponding, StateCompleted, StateError:
		return true
	default:
		return false
	}
}

// Speaker labels for transcript entries.
const (
	SpeakerAI       = "AI"
	SpeakerCustomer = "Customer"
)

// Error variables for better error handling and testability
var (
	ErrCallExists        = errors.New("conversation already exists for call")
	ErrCallNotFound      = errors.New("conversation not found for call")
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrCallEnded         = errors.New("conversation has ended")
	ErrSessionExists     = errors.New("audio session already exists for call")
	ErrSessionNotFound   = errors.New("audio session not found for call")
	ErrRunInFlight       = errors.New("answer pipeline run already in flight for call")
	ErrQueueClosed       = errors.New("transcript queue released")
	ErrServiceStopped    = errors.New("service has been stopped")
)

// TranscriptEntry is one (speaker, text) pair of the call transcript.
type TranscriptEntry struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Conversation holds the per-call state owned exclusively by the engine.
// It is created on the first inbound event and destroyed on call end.
type Conversation struct {
	CallID     string            `json:"call_id"`
	Email      string            `json:"email,omitempty"`
	State      CallState         `json:"state"`
	Transcript []TranscriptEntry `json:"transcript"`
	StartedAt  time.Time         `json:"started_at"`
}

// PendingResult is the transient output of one answer pipeline run, keyed by
// call id. It is written once by the background task, consumed exactly once by
// the next synchronous turn, then deleted.
type PendingResult struct {
	ResponseText string `json:"response_text"`
	AnswerFound  bool   `json:"answer_found"`
	HasEmail     bool   `json:"has_email"`
	// AudioURL points at synthesized speech for the response, when available.
	// Empty means the signaling layer's built-in speech is used instead.
	AudioURL string `json:"audio_url,omitempty"`
}

// KnowledgeArticle is one article of the queried knowledge corpus. Articles
// may arrive summary-only; ContentID references the full body, which needs a
// second fetch.
type KnowledgeArticle struct {
	ID        int64    `json:"id"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Keywords  []string `json:"keywords,omitempty"`
	ContentID int64    `json:"content_id,omitempty"`
}

// CallRecord is the durable outcome of a completed call. Only outcomes are
// persisted; conversation transcripts are not.
type CallRecord struct {
	CallID      string    `json:"call_id"`
	Email       string    `json:"email,omitempty"`
	FinalState  CallState `json:"final_state"`
	AnswerFound bool      `json:"answer_found"`
	TicketID    string    `json:"ticket_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

// Step names route a caller's next turn to the right handler.
const (
	StepCollectEmail = "collect_email"
	StepCollectIssue = "collect_issue"
	StepFetchResult  = "fetch_result"
	StepFollowup     = "followup"
)

// Action tells the signaling layer what to speak/play and whether to keep
// listening (and via which next step) or to hang up. Every hangup carries a
// spoken sentence; a silent hangup is a defect.
type Action struct {
	// Speak is the sentence spoken to the caller before anything else.
	Speak string `json:"speak"`
	// AudioURL optionally replaces Speak with pre-synthesized speech.
	AudioURL string `json:"audio_url,omitempty"`
	// Gather keeps the call listening for the caller's next utterance.
	Gather bool `json:"gather"`
	// NextStep is the step the next utterance is routed to when gathering,
	// or the step redirected to immediately when Redirect is set.
	NextStep string `json:"next_step,omitempty"`
	// Redirect routes the call to NextStep without gathering new speech
	// (the fetch-result turn).
	Redirect bool `json:"redirect,omitempty"`
	// Hangup terminates the call after Speak.
	Hangup bool `json:"hangup,omitempty"`
}

// Validate performs basic sanity checks on an Action before rendering.
func (a Action) Validate() error {
	if a.Speak == "" && a.AudioURL == "" {
		return errors.New("action must carry a spoken sentence")
	}
	if a.Gather && a.NextStep == "" {
		return errors.New("gather action requires a next step")
	}
	if a.Redirect && a.NextStep == "" {
		return errors.New("redirect action requires a next step")
	}
	if a.Hangup && (a.Gather || a.Redirect) {
		return errors.New("hangup action cannot also gather or redirect")
	}
	return nil
}
