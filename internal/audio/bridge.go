// Package audio implements the per-call duplex audio bridge.
//
// The bridge owns one real-time transcription session per active call: it
// forwards inbound raw frames to the transcription backend, surfaces finalized
// text into the call's transcript queue, and synthesizes outbound speech.
// Interim transcripts are observed for diagnostics only.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BTreeMap/CallPipe/internal/deepgram"
	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/BTreeMap/CallPipe/internal/relay"
)

// Transcriber opens live transcription sessions. *deepgram.Client satisfies it.
type Transcriber interface {
	OpenStream(ctx context.Context, callID string, onEvent func(deepgram.TranscriptEvent)) (deepgram.Stream, error)
}

// Synthesizer converts text to speech. *deepgram.Client satisfies it.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// session is the per-call state held while audio is open.
type session struct {
	stream deepgram.Stream
	buffer []byte
}

// Opts holds configuration options for the audio bridge.
type Opts struct {
	MediaDir string
}

// Option defines a configuration option for the audio bridge.
type Option func(*Opts)

// WithMediaDir sets the directory where synthesized speech and flushed call
// audio are written.
func WithMediaDir(dir string) Option {
	return func(o *Opts) { o.MediaDir = dir }
}

// Bridge manages the active audio sessions, at most one per call.
type Bridge struct {
	mu       sync.Mutex
	sessions map[string]*session

	transcriber Transcriber
	synth       Synthesizer
	relay       *relay.Relay
	mediaDir    string
}

// NewBridge creates an audio bridge that pushes finalized transcripts into rl.
func NewBridge(tr Transcriber, synth Synthesizer, rl *relay.Relay, opts ...Option) *Bridge {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MediaDir == "" {
		cfg.MediaDir = os.TempDir()
	}
	return &Bridge{
		sessions:    make(map[string]*session),
		transcriber: tr,
		synth:       synth,
		relay:       rl,
		mediaDir:    cfg.MediaDir,
	}
}

// Open creates the transcription session for a call and registers it by call
// id. It fails with ErrSessionExists if a session for that id already exists.
func (b *Bridge) Open(ctx context.Context, callID string) error {
	b.mu.Lock()
	if _, exists := b.sessions[callID]; exists {
		b.mu.Unlock()
		slog.Warn("Bridge Open rejected, session exists", "callID", callID)
		return fmt.Errorf("open %s: %w", callID, models.ErrSessionExists)
	}
	// Reserve the slot before dialing so a concurrent Open for the same call
	// is rejected rather than racing the connection.
	b.sessions[callID] = &session{}
	b.mu.Unlock()

	stream, err := b.transcriber.OpenStream(ctx, callID, func(ev deepgram.TranscriptEvent) {
		b.onTranscript(callID, ev)
	})
	if err != nil {
		b.mu.Lock()
		delete(b.sessions, callID)
		b.mu.Unlock()
		slog.Error("Bridge failed to open transcription session", "callID", callID, "error", err)
		return fmt.Errorf("open %s: %w", callID, err)
	}

	b.mu.Lock()
	sess, ok := b.sessions[callID]
	if !ok {
		// Call ended while we were dialing; tear the stream back down.
		b.mu.Unlock()
		_ = stream.Close()
		slog.Warn("Bridge Open superseded by close", "callID", callID)
		return fmt.Errorf("open %s: %w", callID, models.ErrSessionNotFound)
	}
	sess.stream = stream
	b.mu.Unlock()

	slog.Info("Bridge opened audio session", "callID", callID)
	return nil
}

// onTranscript routes transcription events. Finalized utterances go to the
// call's transcript queue in finalization order; interim text is logged only.
func (b *Bridge) onTranscript(callID string, ev deepgram.TranscriptEvent) {
	if !ev.IsFinal {
		slog.Debug("Bridge interim transcript", "callID", callID, "text", ev.Text)
		return
	}
	slog.Info("Bridge finalized transcript", "callID", callID, "len", len(ev.Text))
	b.relay.Push(callID, ev.Text)
}

// Feed forwards one raw audio frame to transcription and appends it to the
// session buffer. A single bad frame's failure is logged and swallowed; it
// never tears down the session. Feeding an unknown call id returns
// ErrSessionNotFound.
func (b *Bridge) Feed(callID string, frame []byte) error {
	b.mu.Lock()
	sess, ok := b.sessions[callID]
	if !ok || sess.stream == nil {
		b.mu.Unlock()
		return fmt.Errorf("feed %s: %w", callID, models.ErrSessionNotFound)
	}
	sess.buffer = append(sess.buffer, frame...)
	stream := sess.stream
	b.mu.Unlock()

	if err := b.forward(stream, frame); err != nil {
		slog.Warn("Bridge dropped audio frame", "callID", callID, "frame_len", len(frame), "error", err)
	}
	return nil
}

// forward sends a frame, converting a panic from a concurrently closed
// connection into an error.
func (b *Bridge) forward(stream deepgram.Stream, frame []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send on closed stream: %v", r)
		}
	}()
	return stream.Send(frame)
}

// Synthesize converts text to speech and stores the audio under the media
// directory, returning the file name as a handle. Synthesis is a soft
// dependency: on failure the caller falls back to the signaling layer's
// built-in speech.
func (b *Bridge) Synthesize(ctx context.Context, text string) (string, error) {
	audio, err := b.synth.Synthesize(ctx, text)
	if err != nil {
		slog.Warn("Bridge synthesis failed, falling back to signaling speech", "error", err)
		return "", fmt.Errorf("synthesize: %w", err)
	}

	name := fmt.Sprintf("speech-%d.mp3", time.Now().UnixNano())
	path := filepath.Join(b.mediaDir, name)
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		slog.Warn("Bridge failed to store synthesized speech", "path", path, "error", err)
		return "", fmt.Errorf("synthesize store: %w", err)
	}
	slog.Debug("Bridge stored synthesized speech", "name", name, "bytes", len(audio))
	return name, nil
}

// Close closes the transcription connection, flushes any non-empty buffered
// audio, and removes the session. Safe to call on an already-closed or
// never-opened id.
func (b *Bridge) Close(callID string) {
	b.mu.Lock()
	sess, ok := b.sessions[callID]
	delete(b.sessions, callID)
	b.mu.Unlock()

	if !ok {
		slog.Debug("Bridge Close for unknown session", "callID", callID)
		return
	}

	if sess.stream != nil {
		if err := sess.stream.Close(); err != nil {
			slog.Warn("Bridge error closing transcription stream", "callID", callID, "error", err)
		}
	}

	if len(sess.buffer) > 0 {
		path := filepath.Join(b.mediaDir, fmt.Sprintf("call-%s.raw", callID))
		if err := os.WriteFile(path, sess.buffer, 0o644); err != nil {
			slog.Warn("Bridge failed to flush buffered audio", "callID", callID, "error", err)
		} else {
			slog.Info("Bridge flushed buffered audio", "callID", callID, "bytes", len(sess.buffer), "path", path)
		}
	}

	slog.Info("Bridge closed audio session", "callID", callID)
}

// Active returns the number of open sessions, for diagnostics.
func (b *Bridge) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// MediaDir returns the directory holding synthesized speech files.
func (b *Bridge) MediaDir() string {
	return b.mediaDir
}
