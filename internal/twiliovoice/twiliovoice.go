// Package twiliovoice renders engine actions into TwiML for the telephony
// signaling layer.
package twiliovoice

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go/twiml"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// Opts holds configuration options for the renderer.
type Opts struct {
	BaseURL   string
	StreamURL string
}

// Option defines a configuration option for the renderer.
type Option func(*Opts)

// WithBaseURL sets the public base URL turn callbacks are routed to.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithStreamURL sets the websocket URL the call's media stream is forked to.
// Empty disables media streaming.
func WithStreamURL(u string) Option {
	return func(o *Opts) { o.StreamURL = u }
}

// Renderer turns models.Action values into TwiML documents.
type Renderer struct {
	baseURL   string
	streamURL string
}

// NewRenderer creates a TwiML renderer.
func NewRenderer(opts ...Option) *Renderer {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Renderer{baseURL: cfg.BaseURL, streamURL: cfg.StreamURL}
}

// TurnURL is the callback URL a given step's utterance is posted to.
func (r *Renderer) TurnURL(step string) string {
	return fmt.Sprintf("%s/turn?step=%s", r.baseURL, url.QueryEscape(step))
}

// voicePart is the spoken element of an action: pre-synthesized audio when
// available, text-to-speech otherwise. A bare media file name is resolved
// against the base URL's media path.
func (r *Renderer) voicePart(action models.Action) twiml.Element {
	if action.AudioURL != "" {
		u := action.AudioURL
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			u = fmt.Sprintf("%s/media/%s", r.baseURL, u)
		}
		return &twiml.VoicePlay{Url: u}
	}
	return &twiml.VoiceSay{Message: action.Speak}
}

// turnElements builds the verb sequence for one action.
func (r *Renderer) turnElements(action models.Action) []twiml.Element {
	switch {
	case action.Gather:
		return []twiml.Element{
			&twiml.VoiceGather{
				Input:         "speech",
				Action:        r.TurnURL(action.NextStep),
				Method:        "POST",
				SpeechTimeout: "auto",
				InnerElements: []twiml.Element{r.voicePart(action)},
			},
			// Silence falls through the gather; redirect so the step handler
			// still sees the (empty) turn.
			&twiml.VoiceRedirect{
				Url:    r.TurnURL(action.NextStep),
				Method: "POST",
			},
		}
	case action.Redirect:
		return []twiml.Element{
			r.voicePart(action),
			&twiml.VoiceRedirect{
				Url:    r.TurnURL(action.NextStep),
				Method: "POST",
			},
		}
	default:
		return []twiml.Element{
			r.voicePart(action),
			&twiml.VoiceHangup{},
		}
	}
}

// Render produces the TwiML document for one turn action.
func (r *Renderer) Render(action models.Action) (string, error) {
	if err := action.Validate(); err != nil {
		return "", fmt.Errorf("invalid action: %w", err)
	}
	return twiml.Voice(r.turnElements(action))
}

// RenderStart produces the TwiML for the initial webhook response. When a
// stream URL is configured, the call's media is forked to it in parallel with
// the turn flow.
func (r *Renderer) RenderStart(action models.Action, callID string) (string, error) {
	if err := action.Validate(); err != nil {
		return "", fmt.Errorf("invalid action: %w", err)
	}
	elements := r.turnElements(action)
	if r.streamURL != "" {
		start := &twiml.VoiceStart{
			InnerElements: []twiml.Element{
				&twiml.VoiceStream{
					Url: fmt.Sprintf("%s?call=%s", r.streamURL, url.QueryEscape(callID)),
				},
			},
		}
		elements = append([]twiml.Element{start}, elements...)
	}
	return twiml.Voice(elements)
}
