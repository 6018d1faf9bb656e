// Package ranker scores and ranks a queried knowledge article corpus.
//
// Scoring is lowercase word-set overlap between the query tokens and the
// article's title, body, and keyword token sets, combined with fixed weights.
// Articles that arrived summary-only may need a second fetch for the full
// body; fetches fan out concurrently and a single failure degrades only that
// article's score.
package ranker

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// Fixed scoring weights.
const (
	TitleWeight   = 2
	BodyWeight    = 3
	KeywordWeight = 2
)

// ContentFetcher retrieves the full body for a summary-only article.
// *kayako.Client satisfies it.
type ContentFetcher interface {
	GetArticleContent(ctx context.Context, contentID int64) (string, error)
}

// Ranker ranks article corpora for a query.
type Ranker struct {
	fetcher ContentFetcher
}

// New creates a Ranker. fetcher may be nil when the corpus always carries
// full bodies.
func New(fetcher ContentFetcher) *Ranker {
	return &Ranker{fetcher: fetcher}
}

// tokenize lowercases text and splits it into a word set.
func tokenize(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]")
		if word != "" {
			set[word] = struct{}{}
		}
	}
	return set
}

// overlap counts query tokens present in the candidate set.
func overlap(query, candidate map[string]struct{}) int {
	n := 0
	for word := range query {
		if _, ok := candidate[word]; ok {
			n++
		}
	}
	return n
}

// score computes the weighted overlap score of one article against the query
// token set.
func score(queryTokens map[string]struct{}, article models.KnowledgeArticle) int {
	titleScore := overlap(queryTokens, tokenize(article.Title)) * TitleWeight
	bodyScore := overlap(queryTokens, tokenize(article.Body)) * BodyWeight
	keywordScore := overlap(queryTokens, tokenize(strings.Join(article.Keywords, " "))) * KeywordWeight
	return titleScore + bodyScore + keywordScore
}

// Rank scores every article against the query concurrently and returns the
// top K in descending score order. Ties preserve corpus order. K<=0 or K
// larger than the corpus returns the full sorted corpus. An empty query
// disables ranking: all scores are zero and corpus order is preserved.
func (r *Ranker) Rank(ctx context.Context, query string, articles []models.KnowledgeArticle, topK int) []models.KnowledgeArticle {
	if len(articles) == 0 {
		return nil
	}

	queryTokens := tokenize(query)
	scored := make([]models.KnowledgeArticle, len(articles))
	scores := make([]int, len(articles))

	var wg sync.WaitGroup
	for i, article := range articles {
		wg.Add(1)
		go func(i int, article models.KnowledgeArticle) {
			defer wg.Done()
			// Summary-only articles get their body fetched before scoring;
			// a fetch failure degrades this article to summary scoring only.
			if article.Body == "" && article.ContentID != 0 && r.fetcher != nil {
				body, err := r.fetcher.GetArticleContent(ctx, article.ContentID)
				if err != nil {
					slog.Warn("Ranker content fetch failed, scoring summary only",
						"article_id", article.ID, "content_id", article.ContentID, "error", err)
				} else {
					article.Body = body
				}
			}
			scored[i] = article
			if len(queryTokens) > 0 {
				scores[i] = score(queryTokens, article)
			}
		}(i, article)
	}
	wg.Wait()

	order := make([]int, len(scored))
	for i := range order {
		order[i] = i
	}
	// Stable sort keeps corpus order for ties and for the empty-query case.
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	ranked := make([]models.KnowledgeArticle, len(order))
	for i, idx := range order {
		ranked[i] = scored[idx]
	}

	slog.Debug("Ranker ranked corpus", "query_tokens", len(queryTokens), "corpus", len(articles), "top_k", topK)
	if topK <= 0 || topK > len(ranked) {
		return ranked
	}
	return ranked[:topK]
}
