package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// fakeCompleter scripts chat completion responses in order.
type fakeCompleter struct {
	responses []string
	errs      []error
	calls     []openai.ChatCompletionNewParams
}

func (f *fakeCompleter) New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	i := len(f.calls)
	f.calls = append(f.calls, body)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	text := ""
	if i < len(f.responses) {
		text = f.responses[i]
	}
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: text}},
		},
		Usage: openai.CompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func newTestClient(fake *fakeCompleter) *Client {
	return &Client{chat: fake, model: openai.ChatModelGPT4o, classifier: NewPhraseClassifier()}
}

func TestPhraseClassifier(t *testing.T) {
	c := NewPhraseClassifier()
	negatives := []string{
		"I'm sorry, but I couldn't find anything on that.",
		"The knowledge base doesn't contain information about this topic.",
		"A human agent will follow up with you shortly.",
		"I don't have the specific information you need.",
	}
	for _, text := range negatives {
		if c.AnswerFound(text) {
			t.Errorf("expected negative classification for %q", text)
		}
	}
	positives := []string{
		"To reset your password, open settings and choose reset.",
		"Your invoice is generated on the first of each month.",
	}
	for _, text := range positives {
		if !c.AnswerFound(text) {
			t.Errorf("expected positive classification for %q", text)
		}
	}
}

func TestPhraseClassifierCustomPhrases(t *testing.T) {
	c := NewPhraseClassifierWithPhrases([]string{"NO ANSWER"})
	if c.AnswerFound("sadly there is no answer here") {
		t.Error("custom phrase should match case-insensitively")
	}
	if !c.AnswerFound("here is the answer") {
		t.Error("text without the phrase should classify positive")
	}
}

func TestExtractSearchKeywords(t *testing.T) {
	fake := &fakeCompleter{responses: []string{"password reset, account settings"}}
	c := newTestClient(fake)
	got, err := c.ExtractSearchKeywords(context.Background(), "hi um I can't log in, I think I need to reset my password")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "password reset, account settings" {
		t.Errorf("unexpected keywords %q", got)
	}
}

func TestExtractSearchKeywordsFallsBackToRawSpeech(t *testing.T) {
	fake := &fakeCompleter{errs: []error{errors.New("backend down")}}
	c := newTestClient(fake)
	got, err := c.ExtractSearchKeywords(context.Background(), "raw caller speech")
	if err == nil {
		t.Error("expected the extraction error to surface")
	}
	if got != "raw caller speech" {
		t.Errorf("expected raw speech fallback, got %q", got)
	}
}

func TestGenerateResponsePositive(t *testing.T) {
	fake := &fakeCompleter{responses: []string{"To reset your password, open account settings."}}
	c := newTestClient(fake)
	res, err := c.GenerateResponse(context.Background(), "reset password",
		[]models.KnowledgeArticle{{Title: "Password reset", Body: "steps"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.AnswerFound {
		t.Error("expected answer found")
	}
	if len(fake.calls) != 1 {
		t.Errorf("positive generation should not retry, got %d calls", len(fake.calls))
	}
	if res.Usage.TotalTokens != 15 {
		t.Errorf("unexpected usage: %+v", res.Usage)
	}
}

func TestGenerateResponseRetriesNegativeWithRelevantTitles(t *testing.T) {
	fake := &fakeCompleter{responses: []string{
		"I'm sorry, I couldn't find that in the knowledge base.",
		"Actually, the article explains you can reset your password in settings.",
	}}
	c := newTestClient(fake)
	res, err := c.GenerateResponse(context.Background(), "reset password",
		[]models.KnowledgeArticle{{Title: "Password reset guide", Body: "steps"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.calls) != 2 {
		t.Fatalf("expected a single retry, got %d calls", len(fake.calls))
	}
	if !res.AnswerFound {
		t.Error("expected retry to flip the classification")
	}
	if !strings.Contains(res.Text, "reset your password in settings") {
		t.Errorf("expected retry text to win, got %q", res.Text)
	}
	if res.Usage.TotalTokens != 30 {
		t.Errorf("expected summed usage across attempts, got %+v", res.Usage)
	}
}

func TestGenerateResponseNegativeRetryStaysNegative(t *testing.T) {
	fake := &fakeCompleter{responses: []string{
		"I couldn't find information about that.",
		"I still couldn't find anything relevant.",
	}}
	c := newTestClient(fake)
	res, err := c.GenerateResponse(context.Background(), "reset password",
		[]models.KnowledgeArticle{{Title: "Password reset guide"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.AnswerFound {
		t.Error("negative retry must not flip the classification")
	}
	if res.Text != "I couldn't find information about that." {
		t.Errorf("the first response should stand when the retry stays negative, got %q", res.Text)
	}
}

func TestGenerateResponseNoRetryWithoutRelevantTitles(t *testing.T) {
	fake := &fakeCompleter{responses: []string{"I couldn't find information about that."}}
	c := newTestClient(fake)
	res, err := c.GenerateResponse(context.Background(), "quantum flux capacitor",
		[]models.KnowledgeArticle{{Title: "Billing overview"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.AnswerFound {
		t.Error("expected negative classification")
	}
	if len(fake.calls) != 1 {
		t.Errorf("no relevant titles means no retry, got %d calls", len(fake.calls))
	}
}

func TestCreateTicketSummary(t *testing.T) {
	fake := &fakeCompleter{responses: []string{"Subject: Printer offline\n\nCaller's office printer stopped responding after a firmware update."}}
	c := newTestClient(fake)
	subject, body, err := c.CreateTicketSummary(context.Background(), []models.TranscriptEntry{
		{Speaker: models.SpeakerCustomer, Text: "my printer is offline"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Printer offline" {
		t.Errorf("unexpected subject %q", subject)
	}
	if !strings.Contains(body, "firmware update") {
		t.Errorf("unexpected body %q", body)
	}
}

func TestCreateTicketSummaryFallsBack(t *testing.T) {
	fake := &fakeCompleter{errs: []error{errors.New("backend down")}}
	c := newTestClient(fake)
	subject, body, err := c.CreateTicketSummary(context.Background(), nil)
	if err == nil {
		t.Error("expected the summary error to surface")
	}
	if subject != FallbackTicketSubject || body != FallbackTicketBody {
		t.Errorf("expected fixed fallbacks, got %q / %q", subject, body)
	}
}

func TestSplitSummary(t *testing.T) {
	cases := []struct {
		in          string
		wantSubject string
		wantBody    string
	}{
		{"Subject: Login issue\n\nDetails here.", "Login issue", "Details here."},
		{"Just a body with no subject line", "Just a body with no subject line", "Just a body with no subject line"},
	}
	for _, tc := range cases {
		subject, body := splitSummary(tc.in)
		if subject != tc.wantSubject {
			t.Errorf("splitSummary(%q) subject = %q, want %q", tc.in, subject, tc.wantSubject)
		}
		if body != tc.wantBody {
			t.Errorf("splitSummary(%q) body = %q, want %q", tc.in, body, tc.wantBody)
		}
	}
}

func TestNewClientWiresChatService(t *testing.T) {
	c, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.chat == nil {
		t.Fatal("expected the chat completion service wired")
	}
	if c.classifier == nil {
		t.Fatal("expected the default classifier wired")
	}
}
