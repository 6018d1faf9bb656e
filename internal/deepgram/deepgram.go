// Package deepgram wraps the Deepgram speech APIs for CallPipe.
//
// Live transcription runs over a websocket per call session; text-to-speech
// uses the REST speak endpoint. Both surfaces are intentionally small so the
// audio bridge can be tested against fakes.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Default Deepgram endpoints and models.
const (
	DefaultListenURL = "wss://api.deepgram.com/v1/listen"
	DefaultSpeakURL  = "https://api.deepgram.com/v1/speak"
	DefaultSTTModel  = "nova-2"
	DefaultTTSModel  = "aura-asteria-en"

	dialTimeout = 10 * time.Second
)

// TranscriptEvent is one transcription message from a live session. Interim
// events are diagnostics only; IsFinal marks confirmed text.
type TranscriptEvent struct {
	Text    string
	IsFinal bool
}

// Stream is a live transcription connection for one call.
type Stream interface {
	// Send forwards one raw audio frame to the transcription backend.
	Send(frame []byte) error
	// Close shuts the connection down. Safe to call more than once.
	Close() error
}

// Opts holds configuration options for the Deepgram client.
type Opts struct {
	APIKey    string
	STTModel  string
	TTSModel  string
	ListenURL string
	SpeakURL  string
	HTTP      *http.Client
}

// Option defines a configuration option for the Deepgram client.
type Option func(*Opts)

// WithAPIKey sets the Deepgram API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithSTTModel sets the live transcription model.
func WithSTTModel(model string) Option {
	return func(o *Opts) { o.STTModel = model }
}

// WithTTSModel sets the speech synthesis model.
func WithTTSModel(model string) Option {
	return func(o *Opts) { o.TTSModel = model }
}

// WithListenURL overrides the live transcription endpoint (used in tests).
func WithListenURL(url string) Option {
	return func(o *Opts) { o.ListenURL = url }
}

// WithSpeakURL overrides the synthesis endpoint (used in tests).
func WithSpeakURL(url string) Option {
	return func(o *Opts) { o.SpeakURL = url }
}

// WithHTTPClient overrides the HTTP client used for synthesis.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTP = c }
}

// Client talks to the Deepgram speech APIs.
type Client struct {
	cfg Opts
}

// NewClient creates a Deepgram client. The API key falls back to the
// DEEPGRAM_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("DEEPGRAM_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("deepgram API key must be provided")
	}
	if cfg.STTModel == "" {
		cfg.STTModel = DefaultSTTModel
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = DefaultTTSModel
	}
	if cfg.ListenURL == "" {
		cfg.ListenURL = DefaultListenURL
	}
	if cfg.SpeakURL == "" {
		cfg.SpeakURL = DefaultSpeakURL
	}
	if cfg.HTTP == nil {
		cfg.HTTP = http.DefaultClient
	}
	slog.Debug("Deepgram client configured", "stt_model", cfg.STTModel, "tts_model", cfg.TTSModel)
	return &Client{cfg: cfg}, nil
}

// listenPayload mirrors the subset of the live transcription message we need.
type listenPayload struct {
	IsFinal bool `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// sttStream is a live websocket transcription session.
type sttStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  sync.Once
	done    chan struct{}
}

// Send forwards one raw audio frame. Concurrent writers are serialized; the
// websocket package forbids concurrent WriteMessage calls.
func (s *sttStream) Send(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Close shuts the connection down. Idempotent.
func (s *sttStream) Close() error {
	var err error
	s.closed.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// OpenStream dials a live transcription session and starts a reader goroutine
// that delivers every transcript event (interim and final) to onEvent. The
// reader exits when the connection closes from either side.
func (c *Client) OpenStream(ctx context.Context, callID string, onEvent func(TranscriptEvent)) (Stream, error) {
	url := fmt.Sprintf("%s?model=%s&punctuate=true&interim_results=true", c.cfg.ListenURL, c.cfg.STTModel)
	header := http.Header{"Authorization": {"Token " + c.cfg.APIKey}}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	slog.Info("Deepgram opening live transcription", "callID", callID, "model", c.cfg.STTModel)
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		slog.Error("Deepgram live connection failed", "callID", callID, "status", status, "error", err)
		return nil, fmt.Errorf("deepgram listen dial: %w", err)
	}

	s := &sttStream{conn: conn, done: make(chan struct{})}
	go c.readLoop(s, callID, onEvent)
	return s, nil
}

// readLoop decodes transcription messages until the connection dies.
func (c *Client) readLoop(s *sttStream, callID string, onEvent func(TranscriptEvent)) {
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				slog.Debug("Deepgram live transcription closed", "callID", callID)
			default:
				slog.Warn("Deepgram live transcription read failed", "callID", callID, "error", err)
			}
			return
		}

		var payload listenPayload
		if err := json.Unmarshal(message, &payload); err != nil {
			slog.Warn("Deepgram dropped undecodable transcription message", "callID", callID, "error", err)
			continue
		}
		if len(payload.Channel.Alternatives) == 0 {
			continue
		}
		text := payload.Channel.Alternatives[0].Transcript
		if text == "" {
			continue
		}
		onEvent(TranscriptEvent{Text: text, IsFinal: payload.IsFinal})
	}
}

// speakRequest is the synthesis request body; only text is required.
type speakRequest struct {
	Text string `json:"text"`
}

// Synthesize converts text to speech and returns the audio bytes.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(speakRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("deepgram speak marshal: %w", err)
	}

	url := fmt.Sprintf("%s?model=%s", c.cfg.SpeakURL, c.cfg.TTSModel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("deepgram speak request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	slog.Debug("Deepgram synthesizing speech", "text_len", len(text), "model", c.cfg.TTSModel)
	resp, err := c.cfg.HTTP.Do(req)
	if err != nil {
		slog.Error("Deepgram speak request failed", "error", err)
		return nil, fmt.Errorf("deepgram speak: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Error("Deepgram speak returned non-OK status", "status", resp.StatusCode)
		return nil, fmt.Errorf("deepgram speak: unexpected status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("deepgram speak read: %w", err)
	}
	slog.Info("Deepgram synthesized speech", "bytes", len(audio))
	return audio, nil
}
