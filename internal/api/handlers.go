// Package api provides HTTP handlers for CallPipe endpoints.
package api

import (
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// webhookHandler handles POST /webhook, the signaling layer's inbound call
// notification. It creates the conversation and answers with the greeting.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.webhookHandler: processing inbound call", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.webhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	callID := r.PostFormValue("CallSid")
	if callID == "" {
		slog.Warn("Server.webhookHandler: missing CallSid")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing CallSid"))
		return
	}

	action := s.engine.OnCallStart(r.Context(), callID)
	doc, err := s.renderer.RenderStart(action, callID)
	if err != nil {
		slog.Error("Server.webhookHandler: failed to render TwiML", "error", err, "callID", callID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to render response"))
		return
	}
	slog.Info("Server.webhookHandler: call answered", "callID", callID)
	writeTwiMLResponse(w, doc)
}

// turnHandler handles POST /turn?step=<step>, one caller turn. The utterance
// text arrives in SpeechResult; an absent or empty value is a silent turn.
func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.turnHandler: processing turn", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.turnHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	callID := r.PostFormValue("CallSid")
	if callID == "" {
		slog.Warn("Server.turnHandler: missing CallSid")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing CallSid"))
		return
	}
	step := r.URL.Query().Get("step")
	if step == "" {
		slog.Warn("Server.turnHandler: missing step", "callID", callID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing step"))
		return
	}
	speech := r.PostFormValue("SpeechResult")

	action := s.engine.OnUtterance(r.Context(), callID, step, speech)
	doc, err := s.renderer.Render(action)
	if err != nil {
		slog.Error("Server.turnHandler: failed to render TwiML", "error", err, "callID", callID, "step", step)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to render response"))
		return
	}
	writeTwiMLResponse(w, doc)
}

// hangupHandler handles POST /hangup, the signaling layer's call status
// callback. Completed or failed calls are torn down.
func (s *Server) hangupHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.hangupHandler: processing status callback", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.hangupHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	callID := r.PostFormValue("CallSid")
	if callID == "" {
		slog.Warn("Server.hangupHandler: missing CallSid")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing CallSid"))
		return
	}
	status := r.PostFormValue("CallStatus")

	switch status {
	case "completed", "busy", "failed", "no-answer", "canceled":
		s.engine.OnCallEnd(r.Context(), callID)
		slog.Info("Server.hangupHandler: call torn down", "callID", callID, "status", status)
	default:
		slog.Debug("Server.hangupHandler: ignoring status", "callID", callID, "status", status)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}

// callsHandler handles GET /calls: active call ids plus persisted outcomes.
func (s *Server) callsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	records, err := s.st.GetCallRecords()
	if err != nil {
		slog.Error("Server.callsHandler: failed to load call records", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load call records"))
		return
	}
	payload := map[string]interface{}{
		"active":  s.registry.Active(),
		"records": records,
	}
	writeJSONResponse(w, http.StatusOK, models.Success(payload))
}
