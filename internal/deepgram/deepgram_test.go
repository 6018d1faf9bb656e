package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without API key")
	}
	if _, err := NewClient(WithAPIKey("dg-key")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestOpenStreamDeliversTranscripts(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotAuth, gotQuery string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Interim then final, then an empty transcript that must be dropped.
		conn.WriteJSON(map[string]interface{}{
			"is_final": false,
			"channel":  map[string]interface{}{"alternatives": []map[string]string{{"transcript": "hel"}}},
		})
		conn.WriteJSON(map[string]interface{}{
			"is_final": true,
			"channel":  map[string]interface{}{"alternatives": []map[string]string{{"transcript": "hello there"}}},
		})
		conn.WriteJSON(map[string]interface{}{
			"is_final": true,
			"channel":  map[string]interface{}{"alternatives": []map[string]string{{"transcript": ""}}},
		})

		// Hold the read side open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, err := NewClient(
		WithAPIKey("dg-key"),
		WithListenURL("ws"+strings.TrimPrefix(srv.URL, "http")),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var mu sync.Mutex
	var events []TranscriptEvent
	stream, err := c.OpenStream(context.Background(), "CA1", func(ev TranscriptEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stream.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for events, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("expected 2 events (empty transcript dropped), got %d", len(events))
	}
	if events[0].IsFinal || events[0].Text != "hel" {
		t.Errorf("unexpected interim event %+v", events[0])
	}
	if !events[1].IsFinal || events[1].Text != "hello there" {
		t.Errorf("unexpected final event %+v", events[1])
	}
	if gotAuth != "Token dg-key" {
		t.Errorf("unexpected auth header %q", gotAuth)
	}
	if !strings.Contains(gotQuery, "model="+DefaultSTTModel) || !strings.Contains(gotQuery, "interim_results=true") {
		t.Errorf("unexpected query %q", gotQuery)
	}
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, _ := NewClient(WithAPIKey("dg-key"), WithListenURL("ws"+strings.TrimPrefix(srv.URL, "http")))
	stream, err := c.OpenStream(context.Background(), "CA1", func(TranscriptEvent) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}

func TestSynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token dg-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("model") != DefaultTTSModel {
			t.Errorf("unexpected model %q", r.URL.Query().Get("model"))
		}
		w.Write([]byte("mp3 bytes"))
	}))
	defer srv.Close()

	c, _ := NewClient(WithAPIKey("dg-key"), WithSpeakURL(srv.URL), WithHTTPClient(srv.Client()))
	audio, err := c.Synthesize(context.Background(), "hello caller")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(audio) != "mp3 bytes" {
		t.Errorf("unexpected audio %q", audio)
	}
}

func TestSynthesizeNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := NewClient(WithAPIKey("dg-key"), WithSpeakURL(srv.URL), WithHTTPClient(srv.Client()))
	if _, err := c.Synthesize(context.Background(), "hello"); err == nil {
		t.Error("expected error on non-OK status")
	}
}
