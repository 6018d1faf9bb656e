package ranker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/BTreeMap/CallPipe/internal/models"
)

type fakeFetcher struct {
	bodies map[int64]string
	err    error
	calls  int
}

func (f *fakeFetcher) GetArticleContent(ctx context.Context, contentID int64) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.bodies[contentID], nil
}

func corpus() []models.KnowledgeArticle {
	return []models.KnowledgeArticle{
		{ID: 1, Title: "Billing overview", Body: "How invoices are generated each month."},
		{ID: 2, Title: "How to reset your password", Body: "Open settings and choose reset password to continue.", Keywords: []string{"password", "reset"}},
		{ID: 3, Title: "Network troubleshooting", Body: "Check cables and restart the router."},
	}
}

func TestRankOrdersByWeightedOverlap(t *testing.T) {
	r := New(nil)
	ranked := r.Rank(context.Background(), "how do I reset my password", corpus(), 0)
	if len(ranked) != 3 {
		t.Fatalf("expected full corpus, got %d", len(ranked))
	}
	if ranked[0].ID != 2 {
		t.Errorf("expected password article first, got id %d", ranked[0].ID)
	}
}

func TestRankIsDeterministic(t *testing.T) {
	r := New(nil)
	first := r.Rank(context.Background(), "reset password", corpus(), 0)
	for i := 0; i < 10; i++ {
		again := r.Rank(context.Background(), "reset password", corpus(), 0)
		for j := range first {
			if again[j].ID != first[j].ID {
				t.Fatalf("run %d: order changed at %d: %d vs %d", i, j, again[j].ID, first[j].ID)
			}
		}
	}
}

func TestRankEmptyQueryPreservesOrder(t *testing.T) {
	r := New(nil)
	ranked := r.Rank(context.Background(), "", corpus(), 0)
	for i, article := range corpus() {
		if ranked[i].ID != article.ID {
			t.Errorf("position %d: expected id %d, got %d", i, article.ID, ranked[i].ID)
		}
	}
}

func TestRankTiesPreserveCorpusOrder(t *testing.T) {
	r := New(nil)
	articles := []models.KnowledgeArticle{
		{ID: 10, Title: "printer setup"},
		{ID: 11, Title: "printer setup"},
		{ID: 12, Title: "printer setup"},
	}
	ranked := r.Rank(context.Background(), "printer", articles, 0)
	for i, want := range []int64{10, 11, 12} {
		if ranked[i].ID != want {
			t.Errorf("position %d: expected id %d, got %d", i, want, ranked[i].ID)
		}
	}
}

func TestRankTopKBounds(t *testing.T) {
	r := New(nil)
	if got := len(r.Rank(context.Background(), "password", corpus(), 2)); got != 2 {
		t.Errorf("expected 2 articles, got %d", got)
	}
	if got := len(r.Rank(context.Background(), "password", corpus(), 0)); got != 3 {
		t.Errorf("K=0 should return full corpus, got %d", got)
	}
	if got := len(r.Rank(context.Background(), "password", corpus(), 50)); got != 3 {
		t.Errorf("K beyond corpus should return full corpus, got %d", got)
	}
	if got := r.Rank(context.Background(), "password", nil, 3); got != nil {
		t.Errorf("empty corpus should return nil, got %v", got)
	}
}

func TestRankFetchesSummaryOnlyBodies(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[int64]string{77: "reset password by opening account settings"}}
	r := New(fetcher)
	articles := []models.KnowledgeArticle{
		{ID: 1, Title: "Billing", Body: "invoices"},
		{ID: 2, Title: "Accounts", ContentID: 77},
	}
	ranked := r.Rank(context.Background(), "reset password", articles, 0)
	if fetcher.calls != 1 {
		t.Errorf("expected 1 fetch, got %d", fetcher.calls)
	}
	if ranked[0].ID != 2 {
		t.Errorf("expected fetched article to rank first, got id %d", ranked[0].ID)
	}
	if ranked[0].Body == "" {
		t.Error("fetched body should be carried on the ranked article")
	}
}

func TestRankFetchFailureDegradesOneArticle(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("backend down")}
	r := New(fetcher)
	articles := []models.KnowledgeArticle{
		{ID: 1, Title: "password reset", Body: "reset steps for your password"},
		{ID: 2, Title: "password policy", ContentID: 88},
	}
	ranked := r.Rank(context.Background(), "password reset", articles, 0)
	if len(ranked) != 2 {
		t.Fatalf("fetch failure must not drop articles, got %d", len(ranked))
	}
	// The degraded article still scores on its title.
	if ranked[0].ID != 1 {
		t.Errorf("expected full-body article first, got id %d", ranked[0].ID)
	}
}

func TestRankLargeCorpusStable(t *testing.T) {
	var articles []models.KnowledgeArticle
	for i := 0; i < 40; i++ {
		articles = append(articles, models.KnowledgeArticle{ID: int64(i), Title: fmt.Sprintf("article %d", i)})
	}
	r := New(nil)
	ranked := r.Rank(context.Background(), "article", articles, 5)
	if len(ranked) != 5 {
		t.Fatalf("expected top 5, got %d", len(ranked))
	}
	for i := range ranked {
		if ranked[i].ID != int64(i) {
			t.Errorf("position %d: expected id %d, got %d", i, i, ranked[i].ID)
		}
	}
}
