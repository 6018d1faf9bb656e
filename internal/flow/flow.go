// Package flow implements the conversation orchestration engine for CallPipe.
//
// The engine is the synchronous face of the system: the signaling layer hands
// it one event per turn (call start, utterance, audio frame, call end) and
// expects an action back within a few seconds. Long-running knowledge lookups
// are pushed into the background answer pipeline and collected on the next
// turn through the rendezvous exchange.
package flow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CallPipe/internal/conversation"
	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/BTreeMap/CallPipe/internal/relay"
	"github.com/BTreeMap/CallPipe/internal/rendezvous"
)

// Spoken lines. Every terminal action carries one of these; a silent hangup
// is a defect.
const (
	greetingAskEmail = "Thank you for calling support. Please say your email address."
	greetingAskIssue = "Thank you for calling support. How can I help you today?"
	askIssue         = "Thank you. How can I assist you today?"
	askEmailAfter    = "Thank you. Before we finish, please say your email address so we can follow up if needed."
	lookupAck        = "Thank you. Give me a moment while I look that up for you."
	stillWorking     = "I'm still looking into that. Please say your email address so a support agent can follow up with you."
	anythingElse     = " Is there anything else I can help you with?"
	ticketConfirmed  = "I've created a support ticket and a member of our team will follow up with you by email shortly. Thank you for calling."
	goodbye          = "Thanks for calling. Goodbye."
	unknownCallLine  = "I'm sorry, but there was an error with your call. Please try again."
	failureLine      = "I'm sorry, but something went wrong on our end. A member of our team will look into it. Please call back later."
)

// utteranceWaitTimeout is the default wait on the transcript relay when the
// signaling layer delivered no speech of its own for a turn.
const utteranceWaitTimeout = 2 * time.Second

// ticketTags mark escalation tickets created by the voice assistant.
var ticketTags = []string{"voice-assistant", "follow-up"}

// AudioBridge is the audio surface the engine drives. *audio.Bridge
// satisfies it.
type AudioBridge interface {
	Open(ctx context.Context, callID string) error
	Feed(callID string, frame []byte) error
	Synthesize(ctx context.Context, text string) (string, error)
	Close(callID string)
}

// Launcher starts background answer pipeline runs. *pipeline.Pipeline
// satisfies it.
type Launcher interface {
	Launch(callID, utterance string, history []models.TranscriptEntry, hasEmail bool) bool
}

// Ticketing escalates unanswered calls. *kayako.Client satisfies it.
type Ticketing interface {
	CreateTicket(ctx context.Context, email, subject, content string, tags []string) (string, error)
}

// TicketSummarizer condenses a transcript for escalation. *genai.Client
// satisfies it.
type TicketSummarizer interface {
	CreateTicketSummary(ctx context.Context, history []models.TranscriptEntry) (subject, body string, err error)
}

// RecordStore persists call outcomes. Any store.Store satisfies it.
type RecordStore interface {
	AddCallRecord(record models.CallRecord) error
}

// outcome accumulates the per-call facts that end up in the call record.
type outcome struct {
	answerFound bool
	ticketID    string
}

// Opts holds configuration options for the engine.
type Opts struct {
	IssueFirst    bool
	UtteranceWait time.Duration
}

// Option defines a configuration option for the engine.
type Option func(*Opts)

// WithIssueFirst collects the caller's issue before their email address.
// The default is email first.
func WithIssueFirst() Option {
	return func(o *Opts) { o.IssueFirst = true }
}

// WithUtteranceWait sets how long a silent turn waits on the transcript relay.
func WithUtteranceWait(d time.Duration) Option {
	return func(o *Opts) { o.UtteranceWait = d }
}

// Engine orchestrates one conversation per call.
type Engine struct {
	registry *conversation.Registry
	relay    *relay.Relay
	exchange *rendezvous.Exchange
	bridge   AudioBridge
	launcher Launcher
	tickets  Ticketing
	summary  TicketSummarizer
	store    RecordStore

	issueFirst    bool
	utteranceWait time.Duration

	mu       sync.Mutex
	outcomes map[string]*outcome
}

// NewEngine wires the orchestration engine together.
func NewEngine(reg *conversation.Registry, rl *relay.Relay, ex *rendezvous.Exchange, bridge AudioBridge, launcher Launcher, tickets Ticketing, summary TicketSummarizer, store RecordStore, opts ...Option) *Engine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.UtteranceWait <= 0 {
		cfg.UtteranceWait = utteranceWaitTimeout
	}
	return &Engine{
		registry:      reg,
		relay:         rl,
		exchange:      ex,
		bridge:        bridge,
		launcher:      launcher,
		tickets:       tickets,
		summary:       summary,
		store:         store,
		issueFirst:    cfg.IssueFirst,
		utteranceWait: cfg.UtteranceWait,
		outcomes:      make(map[string]*outcome),
	}
}

// outcomeFor returns the call's outcome accumulator, creating it on first use.
func (e *Engine) outcomeFor(callID string) *outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.outcomes[callID]
	if !ok {
		o = &outcome{}
		e.outcomes[callID] = o
	}
	return o
}

// takeOutcome removes and returns the call's outcome accumulator.
func (e *Engine) takeOutcome(callID string) outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.outcomes[callID]
	delete(e.outcomes, callID)
	if !ok {
		return outcome{}
	}
	return *o
}

// OnCallStart creates the conversation for a new call, opens the audio
// session, and greets the caller.
func (e *Engine) OnCallStart(ctx context.Context, callID string) models.Action {
	slog.Info("Engine call started", "callID", callID)

	if _, err := e.registry.Start(callID); err != nil {
		if errors.Is(err, models.ErrCallExists) {
			slog.Warn("Engine ignoring duplicate call start", "callID", callID)
			return models.Action{Speak: unknownCallLine, Hangup: true}
		}
		return e.fail(callID, err)
	}

	// The audio session is best effort here: the turn flow still works on the
	// signaling layer's own speech recognition if live transcription is down.
	if err := e.bridge.Open(ctx, callID); err != nil {
		slog.Warn("Engine could not open audio session", "callID", callID, "error", err)
	}

	greeting, next, first := greetingAskEmail, models.StepCollectEmail, models.StateCollectingEmail
	if e.issueFirst {
		greeting, next, first = greetingAskIssue, models.StepCollectIssue, models.StateCollectingIssue
	}
	if err := e.registry.Transition(callID, first); err != nil {
		return e.fail(callID, err)
	}
	if err := e.registry.Record(callID, models.SpeakerAI, greeting); err != nil {
		return e.fail(callID, err)
	}
	return models.Action{Speak: greeting, Gather: true, NextStep: next}
}

// OnUtterance routes one caller turn. An unknown call id yields an apology
// and hangup without any state mutation; collaborator failures never escape.
func (e *Engine) OnUtterance(ctx context.Context, callID, step, text string) models.Action {
	if _, err := e.registry.Get(callID); err != nil {
		slog.Error("Engine utterance for unknown call", "callID", callID, "step", step)
		return models.Action{Speak: unknownCallLine, Hangup: true}
	}

	// Prefer the live transcription queue when the signaling layer delivered
	// no speech of its own for this turn.
	if text == "" && step != models.StepFetchResult {
		if queued, ok := e.relay.Pop(callID, e.utteranceWait); ok {
			text = queued
		}
	}

	slog.Debug("Engine handling utterance", "callID", callID, "step", step, "text_len", len(text))
	switch step {
	case models.StepCollectEmail:
		return e.handleCollectEmail(ctx, callID, text)
	case models.StepCollectIssue:
		return e.handleCollectIssue(ctx, callID, text)
	case models.StepFetchResult:
		return e.handleFetchResult(ctx, callID)
	case models.StepFollowup:
		return e.handleFollowup(ctx, callID, text)
	default:
		slog.Error("Engine unknown step", "callID", callID, "step", step)
		return e.fail(callID, errors.New("unknown step "+step))
	}
}

// OnAudioFrame forwards one raw media frame to the audio bridge.
func (e *Engine) OnAudioFrame(callID string, frame []byte) {
	if err := e.bridge.Feed(callID, frame); err != nil {
		slog.Debug("Engine dropped audio frame", "callID", callID, "error", err)
	}
}

// OnCallEnd tears the call down when the signaling layer reports completion.
// Safe for ids the engine never saw or already ended.
func (e *Engine) OnCallEnd(ctx context.Context, callID string) {
	slog.Info("Engine call ended by signaling layer", "callID", callID)
	e.finish(callID, models.StateCompleted)
}

// handleCollectEmail stores the caller's spoken email and either continues to
// issue collection or, when the issue was already captured (the post-lookup
// fallback path), escalates to a ticket.
func (e *Engine) handleCollectEmail(ctx context.Context, callID, text string) models.Action {
	email := normalizeEmail(text)
	if email == "" {
		if text != "" {
			if err := e.registry.Record(callID, models.SpeakerCustomer, text); err != nil {
				return e.fail(callID, err)
			}
		}
		return models.Action{Speak: greetingAskEmail, Gather: true, NextStep: models.StepCollectEmail}
	}

	conv, err := e.registry.Get(callID)
	if err != nil {
		return models.Action{Speak: unknownCallLine, Hangup: true}
	}
	hadIssue := hasCustomerEntry(conv)

	if err := e.registry.Record(callID, models.SpeakerCustomer, email); err != nil {
		return e.fail(callID, err)
	}
	if err := e.registry.SetEmail(callID, email); err != nil {
		return e.fail(callID, err)
	}

	if hadIssue {
		// Fallback path: the lookup came up empty or timed out earlier and we
		// only needed the email to open a ticket.
		return e.escalate(ctx, callID)
	}

	if err := e.registry.Transition(callID, models.StateCollectingIssue); err != nil {
		return e.fail(callID, err)
	}
	if err := e.registry.Record(callID, models.SpeakerAI, askIssue); err != nil {
		return e.fail(callID, err)
	}
	return models.Action{Speak: askIssue, Gather: true, NextStep: models.StepCollectIssue}
}

// handleCollectIssue records the caller's issue, acknowledges immediately,
// launches the background answer pipeline, and routes the next turn to the
// fetch-result rendezvous.
func (e *Engine) handleCollectIssue(ctx context.Context, callID, text string) models.Action {
	if strings.TrimSpace(text) == "" {
		return models.Action{Speak: greetingAskIssue, Gather: true, NextStep: models.StepCollectIssue}
	}

	conv, err := e.registry.Get(callID)
	if err != nil {
		return models.Action{Speak: unknownCallLine, Hangup: true}
	}
	if conv.State == models.StateProcessing {
		// Retried turn while a run is already in flight; the earlier run's
		// result stands.
		slog.Warn("Engine ignoring repeated lookup turn", "callID", callID)
		return models.Action{Speak: lookupAck, Redirect: true, NextStep: models.StepFetchResult}
	}

	if err := e.registry.Record(callID, models.SpeakerCustomer, text); err != nil {
		return e.fail(callID, err)
	}
	if err := e.registry.Transition(callID, models.StateProcessing); err != nil {
		return e.fail(callID, err)
	}

	conv, err = e.registry.Get(callID)
	if err != nil {
		return models.Action{Speak: unknownCallLine, Hangup: true}
	}
	if !e.launcher.Launch(callID, text, conv.Transcript, conv.Email != "") {
		// An unconsumed earlier result still holds the slot; it stands.
		slog.Warn("Engine skipped duplicate pipeline launch", "callID", callID)
	}

	if err := e.registry.Record(callID, models.SpeakerAI, lookupAck); err != nil {
		return e.fail(callID, err)
	}
	return models.Action{Speak: lookupAck, Redirect: true, NextStep: models.StepFetchResult}
}

// handleFetchResult performs the bounded-wait rendezvous with the background
// pipeline run and picks the next branch: speak the answer, escalate, or
// fall back to collecting the caller's email.
func (e *Engine) handleFetchResult(ctx context.Context, callID string) models.Action {
	res, ok := e.exchange.Await(ctx, callID)
	if !ok {
		// Ceiling reached. Deterministic fallback: collect the caller's email
		// for follow-up rather than leaving them in silence. The background
		// run keeps going; its late result is discarded on call end.
		slog.Warn("Engine rendezvous ceiling reached, collecting email", "callID", callID)
		return e.fallbackToEmail(callID, stillWorking)
	}

	if !res.AnswerFound {
		e.outcomeFor(callID).answerFound = false
		if res.HasEmail {
			if err := e.registry.Record(callID, models.SpeakerAI, res.ResponseText); err != nil {
				return e.fail(callID, err)
			}
			return e.escalate(ctx, callID)
		}
		return e.fallbackToEmail(callID, res.ResponseText)
	}

	e.outcomeFor(callID).answerFound = true
	if err := e.registry.Transition(callID, models.StateResponding); err != nil {
		return e.fail(callID, err)
	}
	spoken := res.ResponseText + anythingElse
	if err := e.registry.Record(callID, models.SpeakerAI, spoken); err != nil {
		return e.fail(callID, err)
	}

	// Synthesis is a soft dependency; the action falls back to the signaling
	// layer's built-in speech when it fails.
	audioURL := ""
	if handle, err := e.bridge.Synthesize(ctx, spoken); err == nil {
		audioURL = handle
	}

	// The call may have ended while we were synthesizing.
	if _, err := e.registry.Get(callID); err != nil {
		return models.Action{Speak: goodbye, Hangup: true}
	}
	return models.Action{Speak: spoken, AudioURL: audioURL, Gather: true, NextStep: models.StepFollowup}
}

// handleFollowup handles the turn after an answer was delivered: silence or a
// closing phrase ends the call, anything else is treated as a fresh issue.
func (e *Engine) handleFollowup(ctx context.Context, callID, text string) models.Action {
	if isClosing(text) {
		if text != "" {
			if err := e.registry.Record(callID, models.SpeakerCustomer, text); err != nil {
				return e.fail(callID, err)
			}
		}
		e.finish(callID, models.StateCompleted)
		return models.Action{Speak: goodbye, Hangup: true}
	}
	return e.handleCollectIssue(ctx, callID, text)
}

// fallbackToEmail recovers the conversation into email collection, speaking
// line first.
func (e *Engine) fallbackToEmail(callID, line string) models.Action {
	conv, err := e.registry.Get(callID)
	if err != nil {
		return models.Action{Speak: unknownCallLine, Hangup: true}
	}
	if conv.Email != "" {
		// Email already known; nothing more to collect, go straight to the
		// ticket.
		if err := e.registry.Record(callID, models.SpeakerAI, line); err != nil {
			return e.fail(callID, err)
		}
		return e.escalate(context.Background(), callID)
	}
	if err := e.registry.Transition(callID, models.StateCollectingEmail); err != nil {
		return e.fail(callID, err)
	}
	if err := e.registry.Record(callID, models.SpeakerAI, line); err != nil {
		return e.fail(callID, err)
	}
	return models.Action{Speak: line, Gather: true, NextStep: models.StepCollectEmail}
}

// escalate summarizes the conversation, opens a ticket for the caller's
// email, confirms it out loud, and completes the call.
func (e *Engine) escalate(ctx context.Context, callID string) models.Action {
	conv, err := e.registry.Get(callID)
	if err != nil {
		return models.Action{Speak: unknownCallLine, Hangup: true}
	}
	if conv.Email == "" {
		return e.fallbackToEmail(callID, askEmailAfter)
	}

	// Summary generation degrades to fixed subject/body on failure, so the
	// error only matters for logging.
	subject, body, err := e.summary.CreateTicketSummary(ctx, conv.Transcript)
	if err != nil {
		slog.Warn("Engine ticket summary degraded to fallback", "callID", callID, "error", err)
	}

	ticketID, err := e.tickets.CreateTicket(ctx, conv.Email, subject, body, ticketTags)
	if err != nil {
		slog.Error("Engine ticket creation failed", "callID", callID, "error", err)
		return e.fail(callID, err)
	}
	e.outcomeFor(callID).ticketID = ticketID

	if err := e.registry.Record(callID, models.SpeakerAI, ticketConfirmed); err != nil {
		return e.fail(callID, err)
	}
	e.finish(callID, models.StateCompleted)
	return models.Action{Speak: ticketConfirmed, Hangup: true}
}

// finish ends the conversation in the given terminal state, releases all
// per-call resources through the registry, and persists the call record.
func (e *Engine) finish(callID string, final models.CallState) {
	out := e.takeOutcome(callID)
	conv, err := e.registry.End(callID, final)
	if err != nil {
		slog.Debug("Engine finish for unknown call", "callID", callID, "error", err)
		return
	}

	record := models.CallRecord{
		CallID:      conv.CallID,
		Email:       conv.Email,
		FinalState:  final,
		AnswerFound: out.answerFound,
		TicketID:    out.ticketID,
		StartedAt:   conv.StartedAt,
		EndedAt:     time.Now(),
	}
	if e.store != nil {
		if err := e.store.AddCallRecord(record); err != nil {
			slog.Error("Engine failed to persist call record", "callID", callID, "error", err)
		}
	}
	slog.Info("Engine call finished", "callID", callID, "final", final, "answer_found", out.answerFound, "ticket_id", out.ticketID)
}

// fail drives the call to ERROR: a synthetic apology is appended to the
// transcript, resources are released, and the caller still hears a sentence
// before the hangup.
func (e *Engine) fail(callID string, err error) models.Action {
	slog.Error("Engine failing call", "callID", callID, "error", err)
	_ = e.registry.Record(callID, models.SpeakerAI, failureLine)
	e.finish(callID, models.StateError)
	return models.Action{Speak: failureLine, Hangup: true}
}

// hasCustomerEntry reports whether the caller has said anything yet.
func hasCustomerEntry(conv *models.Conversation) bool {
	for _, entry := range conv.Transcript {
		if entry.Speaker == models.SpeakerCustomer {
			return true
		}
	}
	return false
}

// normalizeEmail cleans up a spoken email address: lowercased, spelled-out
// "at"/"dot" rewritten, spaces dropped. An utterance with no "@" after
// normalization is not an email.
func normalizeEmail(text string) string {
	email := strings.ToLower(strings.TrimSpace(text))
	email = strings.TrimSuffix(email, ".")
	email = strings.ReplaceAll(email, " at ", "@")
	email = strings.ReplaceAll(email, " dot ", ".")
	email = strings.ReplaceAll(email, " ", "")
	if !strings.Contains(email, "@") {
		return ""
	}
	return email
}

// closingPhrases end the call when heard on the follow-up turn.
var closingPhrases = []string{"no", "nope", "no thanks", "no thank you", "that's all", "that is all", "nothing else", "goodbye", "bye"}

// isClosing reports whether the follow-up utterance means the caller is done.
func isClosing(text string) bool {
	t := strings.ToLower(strings.TrimSpace(strings.Trim(strings.TrimSpace(text), ".!")))
	if t == "" {
		return true
	}
	for _, phrase := range closingPhrases {
		if t == phrase {
			return true
		}
	}
	return false
}
