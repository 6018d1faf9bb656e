// Package genai provides the answer-generation collaborator for CallPipe,
// backed by the OpenAI API.
//
// It extracts knowledge-base search keywords from raw caller speech,
// generates spoken answers grounded in knowledge articles, and summarizes
// conversations for escalation tickets.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// Generation parameters. Answer generation stays conversational; the retry
// and keyword extraction run cooler for focus.
const (
	answerTemperature  = 0.7
	retryTemperature   = 0.5
	keywordTemperature = 0.3
	summaryTemperature = 0.5

	answerMaxTokens  = 500
	keywordMaxTokens = 100
	summaryMaxTokens = 300
)

// Fallbacks when generation itself is unavailable.
const (
	// FallbackTicketSubject is used when summary generation fails.
	FallbackTicketSubject = "Customer Support Request"
	// FallbackTicketBody is used when summary generation fails.
	FallbackTicketBody = "Customer had a support request. Please review the conversation history for details."
)

// TokenUsage mirrors the OpenAI usage accounting for one request.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// GenerationResult is the outcome of one answer generation.
type GenerationResult struct {
	Text        string     `json:"text"`
	AnswerFound bool       `json:"answer_found"`
	Usage       TokenUsage `json:"usage"`
}

// ClientInterface defines the generation operations the pipeline depends on.
type ClientInterface interface {
	ExtractSearchKeywords(ctx context.Context, speech string) (string, error)
	GenerateResponse(ctx context.Context, query string, articles []models.KnowledgeArticle, history []models.TranscriptEntry) (*GenerationResult, error)
	CreateTicketSummary(ctx context.Context, history []models.TranscriptEntry) (subject, body string, err error)
}

// completer is the slice of the OpenAI chat API we call, extracted for tests.
type completer interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat       completer
	model      openai.ChatModel
	classifier Classifier
}

// NewClient creates a GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable; the model defaults to gpt-4o.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4o
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client configured", "model", cfg.Model)
	return &Client{
		chat:       &cli.Chat.Completions,
		model:      openai.ChatModel(cfg.Model),
		classifier: NewPhraseClassifier(),
	}, nil
}

// SetClassifier swaps the answer-found classifier.
func (c *Client) SetClassifier(cl Classifier) {
	c.classifier = cl
}

const answerSystemPrompt = `You are an AI assistant for customer support. Your job is to help customers by providing accurate information from the knowledge base.

Follow these guidelines:
1. If the knowledge base articles contain information relevant to the query, provide a helpful, concise response based on that information.
2. If the articles don't contain relevant information, indicate that you don't have the answer and that a human agent will need to follow up.
3. Be conversational and friendly, but professional.
4. Keep responses concise and to the point.
5. Don't make up information that isn't in the knowledge base articles.
6. If you find relevant information in the articles, NEVER say you don't have the information or that a human agent needs to follow up.
7. Pay close attention to the specific question being asked and extract the most relevant information from the articles.

Respond in a natural, conversational way as if you're speaking to the customer on a phone call.`

const keywordSystemPrompt = `You are an AI assistant for customer support. Your job is to analyze customer queries and extract the most relevant search keywords for knowledge base searches.

Follow these guidelines:
1. Identify the core issue or question in the customer's speech.
2. Extract 2-5 specific keywords or phrases that would be most effective for searching a knowledge base.
3. Focus on technical terms, product names, error messages, and specific actions.
4. Ignore filler words, pleasantries, and irrelevant context.
5. Format the output as a comma-separated list of keywords.`

const summarySystemPrompt = `You are an AI assistant for customer support. Your job is to summarize customer conversations for support tickets.

Follow these guidelines:
1. Create a concise subject line that captures the main issue.
2. Summarize the key points of the conversation.
3. Highlight any specific questions or requests from the customer.
4. Be objective and factual.

Format your response as:
Subject: [Concise subject line]

[Summary of the conversation and key points]`

// formatArticles renders the knowledge articles for the generation prompt.
func formatArticles(articles []models.KnowledgeArticle) string {
	var sb strings.Builder
	for i, article := range articles {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "Article %d: %s\n%s", i+1, article.Title, article.Body)
	}
	return sb.String()
}

// formatHistory renders the conversation transcript for prompts.
func formatHistory(history []models.TranscriptEntry) string {
	lines := make([]string, len(history))
	for i, entry := range history {
		lines[i] = fmt.Sprintf("%s: %s", entry.Speaker, entry.Text)
	}
	return strings.Join(lines, "\n")
}

// complete issues one chat completion and returns its text and usage.
func (c *Client) complete(ctx context.Context, system, user string, temperature float64, maxTokens int64) (string, TokenUsage, error) {
	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(temperature),
		MaxTokens:   openai.Int(maxTokens),
	})
	if err != nil {
		return "", TokenUsage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", TokenUsage{}, fmt.Errorf("no choices returned")
	}
	usage := TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), usage, nil
}

// ExtractSearchKeywords derives knowledge-base search keywords from raw
// caller speech. Extraction is best effort: on failure the raw utterance is
// returned along with the error so callers can proceed with it.
func (c *Client) ExtractSearchKeywords(ctx context.Context, speech string) (string, error) {
	user := fmt.Sprintf("Customer's speech: %q\n\nExtract the most relevant search keywords from this customer query.", speech)

	slog.Debug("GenAI extracting search keywords", "speech_len", len(speech))
	keywords, _, err := c.complete(ctx, keywordSystemPrompt, user, keywordTemperature, keywordMaxTokens)
	if err != nil {
		slog.Warn("GenAI keyword extraction failed, using raw speech", "error", err)
		return speech, err
	}
	slog.Info("GenAI extracted keywords", "keywords", keywords)
	return keywords, nil
}

// relevantTitles returns the titles sharing at least one keyword with the
// query. Used to decide whether a negative generation deserves a retry.
func relevantTitles(query string, articles []models.KnowledgeArticle) []string {
	queryWords := strings.Fields(strings.ToLower(query))
	var titles []string
	for _, article := range articles {
		if article.Title == "" {
			continue
		}
		lowered := strings.ToLower(article.Title)
		for _, word := range queryWords {
			if strings.Contains(lowered, word) {
				titles = append(titles, article.Title)
				break
			}
		}
	}
	return titles
}

// GenerateResponse produces a spoken answer for the query grounded in the
// given articles and conversation history, classified as answer-found or not.
// A negative classification with at least one relevant article title triggers
// one retry with a more directive prompt before the negative is accepted.
func (c *Client) GenerateResponse(ctx context.Context, query string, articles []models.KnowledgeArticle, history []models.TranscriptEntry) (*GenerationResult, error) {
	articlesText := formatArticles(articles)
	user := fmt.Sprintf(`Customer Query: %s

Previous Conversation:
%s

Knowledge Base Articles:
%s

Based on the above information, please provide a response to the customer's query.
If the articles contain the information needed to answer the query, provide that information directly.
Only say you don't have the information if the articles truly don't contain relevant information.`, query, formatHistory(history), articlesText)

	slog.Info("GenAI generating response", "query", query, "articles", len(articles))
	text, usage, err := c.complete(ctx, answerSystemPrompt, user, answerTemperature, answerMaxTokens)
	if err != nil {
		slog.Error("GenAI response generation failed", "query", query, "error", err)
		return nil, fmt.Errorf("generate response: %w", err)
	}

	found := c.classifier.AnswerFound(text)
	if !found {
		if titles := relevantTitles(query, articles); len(titles) > 0 {
			slog.Info("GenAI retrying negative generation with directive prompt", "query", query, "relevant_titles", len(titles))
			retryUser := fmt.Sprintf(`Customer Query: %s

I found these relevant articles that might help: %s

Knowledge Base Articles:
%s

The customer is specifically asking about %s. Please carefully review the articles again and provide information that would help the customer.
Even if the articles don't have step-by-step instructions, provide any relevant information you can find.
Do NOT say you don't have information if there's anything at all in the articles that could help with this query.`,
				query, strings.Join(titles, ", "), articlesText, query)

			retryText, retryUsage, retryErr := c.complete(ctx, answerSystemPrompt, retryUser, retryTemperature, answerMaxTokens)
			if retryErr != nil {
				slog.Warn("GenAI retry generation failed, keeping first response", "error", retryErr)
			} else {
				usage.PromptTokens += retryUsage.PromptTokens
				usage.CompletionTokens += retryUsage.CompletionTokens
				usage.TotalTokens += retryUsage.TotalTokens
				if c.classifier.AnswerFound(retryText) {
					text = retryText
					found = true
				}
			}
		}
	}

	slog.Info("GenAI generated response", "query", query, "answer_found", found, "total_tokens", usage.TotalTokens)
	return &GenerationResult{Text: text, AnswerFound: found, Usage: usage}, nil
}

// CreateTicketSummary condenses the conversation into a ticket subject and
// body. On failure it returns fixed fallbacks along with the error.
func (c *Client) CreateTicketSummary(ctx context.Context, history []models.TranscriptEntry) (string, string, error) {
	user := fmt.Sprintf("Conversation Transcript:\n%s\n\nPlease summarize this conversation for a support ticket.", formatHistory(history))

	slog.Info("GenAI generating ticket summary")
	text, _, err := c.complete(ctx, summarySystemPrompt, user, summaryTemperature, summaryMaxTokens)
	if err != nil {
		slog.Error("GenAI ticket summary failed, using fallback", "error", err)
		return FallbackTicketSubject, FallbackTicketBody, err
	}

	subject, body := splitSummary(text)
	slog.Info("GenAI generated ticket summary", "subject", subject)
	return subject, body, nil
}

// splitSummary separates the "Subject:" line from the summary body.
func splitSummary(text string) (string, string) {
	parts := strings.SplitN(text, "\n\n", 2)
	subject := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(parts[0]), "Subject:"))
	body := text
	if len(parts) > 1 {
		body = strings.TrimSpace(parts[1])
	}
	if subject == "" {
		subject = FallbackTicketSubject
	}
	return subject, body
}
