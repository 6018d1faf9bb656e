package audio

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/CallPipe/internal/deepgram"
	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/BTreeMap/CallPipe/internal/relay"
)

// fakeStream records frames and close calls.
type fakeStream struct {
	frames  [][]byte
	sendErr error
	closed  int
}

func (f *fakeStream) Send(frame []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeStream) Close() error {
	f.closed++
	return nil
}

// fakeTranscriber hands out one fake stream per call and keeps the event
// callback so tests can inject transcripts.
type fakeTranscriber struct {
	stream  *fakeStream
	openErr error
	onEvent func(deepgram.TranscriptEvent)
}

func (f *fakeTranscriber) OpenStream(ctx context.Context, callID string, onEvent func(deepgram.TranscriptEvent)) (deepgram.Stream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.onEvent = onEvent
	return f.stream, nil
}

type fakeSynth struct {
	audio []byte
	err   error
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return f.audio, f.err
}

func TestOpenRejectsDuplicateSession(t *testing.T) {
	tr := &fakeTranscriber{stream: &fakeStream{}}
	b := NewBridge(tr, &fakeSynth{}, relay.New(), WithMediaDir(t.TempDir()))

	if err := b.Open(context.Background(), "CA1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := b.Open(context.Background(), "CA1")
	if !errors.Is(err, models.ErrSessionExists) {
		t.Errorf("expected ErrSessionExists, got %v", err)
	}
	if b.Active() != 1 {
		t.Errorf("expected 1 session, got %d", b.Active())
	}
}

func TestOpenFailureLeavesNoSession(t *testing.T) {
	tr := &fakeTranscriber{openErr: errors.New("dial failed")}
	b := NewBridge(tr, &fakeSynth{}, relay.New(), WithMediaDir(t.TempDir()))

	if err := b.Open(context.Background(), "CA1"); err == nil {
		t.Fatal("expected open to fail")
	}
	if b.Active() != 0 {
		t.Errorf("failed open must not leave a session, got %d", b.Active())
	}
}

func TestFeedForwardsAndBuffers(t *testing.T) {
	stream := &fakeStream{}
	tr := &fakeTranscriber{stream: stream}
	dir := t.TempDir()
	b := NewBridge(tr, &fakeSynth{}, relay.New(), WithMediaDir(dir))

	if err := b.Open(context.Background(), "CA1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Feed("CA1", []byte{1, 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Feed("CA1", []byte{3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stream.frames) != 2 {
		t.Errorf("expected 2 forwarded frames, got %d", len(stream.frames))
	}

	// Close flushes the buffered audio.
	b.Close("CA1")
	flushed, err := os.ReadFile(filepath.Join(dir, "call-CA1.raw"))
	if err != nil {
		t.Fatalf("expected flushed audio file: %v", err)
	}
	if !bytes.Equal(flushed, []byte{1, 2, 3}) {
		t.Errorf("unexpected flushed audio %v", flushed)
	}
}

func TestFeedUnknownSession(t *testing.T) {
	b := NewBridge(&fakeTranscriber{stream: &fakeStream{}}, &fakeSynth{}, relay.New(), WithMediaDir(t.TempDir()))
	err := b.Feed("CA404", []byte{1})
	if !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestFeedSwallowsSendFailure(t *testing.T) {
	stream := &fakeStream{sendErr: errors.New("socket closed")}
	tr := &fakeTranscriber{stream: stream}
	b := NewBridge(tr, &fakeSynth{}, relay.New(), WithMediaDir(t.TempDir()))

	if err := b.Open(context.Background(), "CA1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Feed("CA1", []byte{1}); err != nil {
		t.Errorf("a bad frame must not surface an error, got %v", err)
	}
	if b.Active() != 1 {
		t.Error("a bad frame must not tear down the session")
	}
}

func TestFinalTranscriptsReachRelayInOrder(t *testing.T) {
	tr := &fakeTranscriber{stream: &fakeStream{}}
	rl := relay.New()
	b := NewBridge(tr, &fakeSynth{}, rl, WithMediaDir(t.TempDir()))

	if err := b.Open(context.Background(), "CA1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tr.onEvent(deepgram.TranscriptEvent{Text: "partial he", IsFinal: false})
	tr.onEvent(deepgram.TranscriptEvent{Text: "hello there", IsFinal: true})
	tr.onEvent(deepgram.TranscriptEvent{Text: "second utterance", IsFinal: true})

	got, ok := rl.Pop("CA1", 10*time.Millisecond)
	if !ok || got != "hello there" {
		t.Errorf("expected first finalized utterance, got %q ok=%v", got, ok)
	}
	got, ok = rl.Pop("CA1", 10*time.Millisecond)
	if !ok || got != "second utterance" {
		t.Errorf("expected second finalized utterance, got %q ok=%v", got, ok)
	}
	if _, ok := rl.TryPop("CA1"); ok {
		t.Error("interim transcript must not reach the relay")
	}
}

func TestSynthesizeWritesMediaFile(t *testing.T) {
	dir := t.TempDir()
	b := NewBridge(&fakeTranscriber{stream: &fakeStream{}}, &fakeSynth{audio: []byte("mp3 bytes")}, relay.New(), WithMediaDir(dir))

	name, err := b.Synthesize(context.Background(), "hello caller")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("expected media file %q: %v", name, err)
	}
	if string(data) != "mp3 bytes" {
		t.Errorf("unexpected media contents %q", data)
	}
}

func TestSynthesizeFailureIsSoft(t *testing.T) {
	b := NewBridge(&fakeTranscriber{stream: &fakeStream{}}, &fakeSynth{err: errors.New("tts down")}, relay.New(), WithMediaDir(t.TempDir()))
	if _, err := b.Synthesize(context.Background(), "hello"); err == nil {
		t.Error("expected synthesis error to surface")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	stream := &fakeStream{}
	tr := &fakeTranscriber{stream: stream}
	b := NewBridge(tr, &fakeSynth{}, relay.New(), WithMediaDir(t.TempDir()))

	if err := b.Open(context.Background(), "CA1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b.Close("CA1")
	b.Close("CA1")
	b.Close("CA404")
	if stream.closed != 1 {
		t.Errorf("expected 1 stream close, got %d", stream.closed)
	}
	if b.Active() != 0 {
		t.Errorf("expected 0 sessions, got %d", b.Active())
	}
}
