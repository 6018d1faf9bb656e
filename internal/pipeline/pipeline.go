// Package pipeline runs the asynchronous answer pipeline for one caller
// utterance: keyword extraction, knowledge ranking, content fetch, answer
// generation, and found/not-found classification.
//
// A run executes as an independent background task keyed by call id and hands
// its result to the turn rendezvous; it never talks to the signaling layer
// directly.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/CallPipe/internal/genai"
	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/BTreeMap/CallPipe/internal/ranker"
	"github.com/BTreeMap/CallPipe/internal/rendezvous"
)

// NoKnowledgeApology is spoken when the corpus has nothing for the query.
const NoKnowledgeApology = "I'm sorry, but I couldn't find information about that in our knowledge base. Let me take down your contact details so a support agent can follow up with you."

// GenerationFailureApology is spoken when generation itself is unavailable.
const GenerationFailureApology = "I'm sorry, but I'm having trouble generating a response right now. Let me connect you with a human agent who can help."

// TopArticleCount bounds how many ranked articles feed answer generation.
const TopArticleCount = 3

// DefaultRunTimeout bounds one whole background run. It is deliberately wider
// than the rendezvous wait ceiling: a slow run completes late and its result
// is discarded rather than cancelled mid-flight.
const DefaultRunTimeout = 60 * time.Second

// Searcher queries the knowledge corpus. *kayako.Client satisfies it.
type Searcher interface {
	SearchArticles(ctx context.Context, query string, limit int) ([]models.KnowledgeArticle, error)
}

// Pipeline wires the collaborators of one answer run together.
type Pipeline struct {
	gen      genai.ClientInterface
	searcher Searcher
	ranker   *ranker.Ranker
	fetcher  ranker.ContentFetcher
	exchange *rendezvous.Exchange
	timeout  time.Duration
}

// Opts holds configuration options for the pipeline.
type Opts struct {
	RunTimeout time.Duration
}

// Option defines a configuration option for the pipeline.
type Option func(*Opts)

// WithRunTimeout overrides the background run timeout.
func WithRunTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RunTimeout = d }
}

// New creates an answer pipeline delivering results into exchange.
func New(gen genai.ClientInterface, searcher Searcher, rk *ranker.Ranker, fetcher ranker.ContentFetcher, exchange *rendezvous.Exchange, opts ...Option) *Pipeline {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	return &Pipeline{
		gen:      gen,
		searcher: searcher,
		ranker:   rk,
		fetcher:  fetcher,
		exchange: exchange,
		timeout:  cfg.RunTimeout,
	}
}

// Launch starts a background run for the call's utterance. It reports false
// when a run for the call is already in flight (the duplicate is rejected, so
// at most one result is ever observable per call per run).
func (p *Pipeline) Launch(callID, utterance string, history []models.TranscriptEntry, hasEmail bool) bool {
	if !p.exchange.Launch(callID) {
		return false
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		result := p.run(ctx, callID, utterance, history, hasEmail)
		p.exchange.Complete(callID, result)
	}()
	slog.Info("Pipeline launched background run", "callID", callID)
	return true
}

// run executes one answer pipeline pass. Collaborator failures degrade
// locally; the run always produces a result.
func (p *Pipeline) run(ctx context.Context, callID, utterance string, history []models.TranscriptEntry, hasEmail bool) *models.PendingResult {
	// Keyword extraction is best effort; the raw utterance is the fallback
	// query and extraction failure never blocks the run.
	query, err := p.gen.ExtractSearchKeywords(ctx, utterance)
	if err != nil || query == "" {
		query = utterance
	}

	articles, err := p.searcher.SearchArticles(ctx, query, 0)
	if err != nil {
		slog.Error("Pipeline knowledge search failed", "callID", callID, "query", query, "error", err)
		articles = nil
	}

	ranked := p.ranker.Rank(ctx, query, articles, TopArticleCount)
	if len(ranked) == 0 {
		slog.Info("Pipeline found no articles", "callID", callID, "query", query)
		return &models.PendingResult{
			ResponseText: NoKnowledgeApology,
			AnswerFound:  false,
			HasEmail:     hasEmail,
		}
	}

	p.fillBodies(ctx, callID, ranked)

	generated, err := p.gen.GenerateResponse(ctx, query, ranked, history)
	if err != nil {
		slog.Error("Pipeline generation failed", "callID", callID, "error", err)
		return &models.PendingResult{
			ResponseText: GenerationFailureApology,
			AnswerFound:  false,
			HasEmail:     hasEmail,
		}
	}

	slog.Info("Pipeline run complete", "callID", callID, "answer_found", generated.AnswerFound)
	return &models.PendingResult{
		ResponseText: generated.Text,
		AnswerFound:  generated.AnswerFound,
		HasEmail:     hasEmail,
	}
}

// fillBodies fetches full content for top articles that are still
// summary-only, degrading each article independently on failure.
func (p *Pipeline) fillBodies(ctx context.Context, callID string, articles []models.KnowledgeArticle) {
	if p.fetcher == nil {
		return
	}
	for i := range articles {
		if articles[i].Body != "" || articles[i].ContentID == 0 {
			continue
		}
		body, err := p.fetcher.GetArticleContent(ctx, articles[i].ContentID)
		if err != nil {
			slog.Warn("Pipeline content fetch failed, keeping summary",
				"callID", callID, "article_id", articles[i].ID, "error", err)
			continue
		}
		articles[i].Body = body
	}
}
