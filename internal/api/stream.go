// Package api provides the media stream websocket endpoint for CallPipe.
package api

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The signaling provider connects server-to-server; there is no browser
	// origin to check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamMessage is one inbound media stream frame from the signaling layer.
type streamMessage struct {
	Event string `json:"event"`
	Start struct {
		CallSid string `json:"callSid"`
	} `json:"start"`
	Media struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// audioHandler handles GET /audio: the per-call media stream websocket. Raw
// audio frames are forwarded to the flow engine until the stream stops.
func (s *Server) audioHandler(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Server.audioHandler: websocket upgrade failed", "error", err, "callID", callID)
		return
	}
	defer conn.Close()
	slog.Info("Server.audioHandler: media stream connected", "callID", callID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Debug("Server.audioHandler: media stream closed", "callID", callID, "error", err)
			return
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Server.audioHandler: dropping malformed stream message", "callID", callID, "error", err)
			continue
		}

		switch msg.Event {
		case "start":
			// The start frame carries the authoritative call id.
			if msg.Start.CallSid != "" {
				callID = msg.Start.CallSid
			}
			slog.Debug("Server.audioHandler: media stream started", "callID", callID)
		case "media":
			frame, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				slog.Warn("Server.audioHandler: dropping undecodable frame", "callID", callID, "error", err)
				continue
			}
			s.engine.OnAudioFrame(callID, frame)
		case "stop":
			slog.Info("Server.audioHandler: media stream stopped", "callID", callID)
			return
		}
	}
}
