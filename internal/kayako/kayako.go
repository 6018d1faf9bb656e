// Package kayako wraps the Kayako helpdesk API for CallPipe.
//
// It covers the two collaborator roles the engine depends on: the knowledge
// base (article search with pagination, full-body fetches) and the ticketing
// system (case creation for escalations). The session token and article body
// cache are process-wide: the token is refreshed lazily on first use, and
// cache entries are write-once/read-many.
package kayako

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// Pagination and search limits.
const (
	// DefaultSearchLimit is the page size for article searches.
	DefaultSearchLimit = 5
	// MaxSearchPages is a hard ceiling on pagination so a misbehaving
	// collaborator cannot keep us following pages forever.
	MaxSearchPages = 10
)

// Opts holds configuration options for the Kayako client.
type Opts struct {
	BaseURL  string
	Email    string
	Password string
	HTTP     *http.Client
}

// Option defines a configuration option for the Kayako client.
type Option func(*Opts)

// WithBaseURL sets the Kayako instance URL.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithCredentials sets the Basic-auth credentials used to bootstrap a session.
func WithCredentials(email, password string) Option {
	return func(o *Opts) { o.Email = email; o.Password = password }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTP = c }
}

// Client talks to a Kayako instance.
type Client struct {
	cfg Opts

	sessionMu sync.Mutex
	sessionID string

	cacheMu      sync.Mutex
	contentCache map[int64]string
}

// NewClient creates a Kayako client. Configuration falls back to the
// KAYAKO_URL, KAYAKO_EMAIL and KAYAKO_PASSWORD environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv("KAYAKO_URL")
	}
	if cfg.Email == "" {
		cfg.Email = os.Getenv("KAYAKO_EMAIL")
	}
	if cfg.Password == "" {
		cfg.Password = os.Getenv("KAYAKO_PASSWORD")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kayako base URL must be provided")
	}
	if cfg.Email == "" || cfg.Password == "" {
		return nil, fmt.Errorf("kayako credentials must be provided")
	}
	if cfg.HTTP == nil {
		cfg.HTTP = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	slog.Debug("Kayako client configured", "base_url", cfg.BaseURL)
	return &Client{cfg: cfg, contentCache: make(map[int64]string)}, nil
}

// authenticate returns the cached session id, bootstrapping one with Basic
// auth on first use.
func (c *Client) authenticate(ctx context.Context) (string, error) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if c.sessionID != "" {
		return c.sessionID, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/v1/me.json", nil)
	if err != nil {
		return "", fmt.Errorf("kayako auth request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Email, c.cfg.Password)

	slog.Info("Kayako authenticating")
	resp, err := c.cfg.HTTP.Do(req)
	if err != nil {
		slog.Error("Kayako authentication request failed", "error", err)
		return "", fmt.Errorf("kayako auth: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Error("Kayako authentication failed", "status", resp.StatusCode)
		return "", fmt.Errorf("kayako auth: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("kayako auth decode: %w", err)
	}
	if payload.SessionID == "" {
		return "", fmt.Errorf("kayako auth: empty session id")
	}
	c.sessionID = payload.SessionID
	slog.Info("Kayako authenticated, session cached")
	return c.sessionID, nil
}

// wireLocaleRef is a locale-tagged reference in article payloads.
type wireLocaleRef struct {
	ID           int64  `json:"id"`
	ResourceType string `json:"resource_type"`
	Translation  string `json:"translation"`
	Locale       int64  `json:"locale"`
}

// wireArticle is the subset of the Kayako article payload we consume.
type wireArticle struct {
	ID       int64           `json:"id"`
	Title    string          `json:"title"`
	Titles   []wireLocaleRef `json:"titles"`
	Slugs    []wireLocaleRef `json:"slugs"`
	Contents []wireLocaleRef `json:"contents"`
	Keywords string          `json:"keywords"`
}

// toArticle converts a wire article into the engine's model. Bodies present
// inline are cleaned for speech; otherwise the content id is carried so the
// ranker can fetch the full body later.
func toArticle(w wireArticle) models.KnowledgeArticle {
	article := models.KnowledgeArticle{
		ID:    w.ID,
		Title: extractTitle(w),
	}
	if w.Keywords != "" {
		article.Keywords = strings.FieldsFunc(w.Keywords, func(r rune) bool { return r == ',' || r == ' ' })
	}
	for _, content := range w.Contents {
		if content.Translation != "" {
			article.Body = CleanContent(content.Translation)
			break
		}
		if content.ResourceType == "locale_field" && content.ID != 0 && article.ContentID == 0 {
			article.ContentID = content.ID
		}
	}
	return article
}

// SearchArticles queries the knowledge base and follows offset pagination
// until the corpus is exhausted or the page ceiling is reached.
func (c *Client) SearchArticles(ctx context.Context, query string, limit int) ([]models.KnowledgeArticle, error) {
	session, err := c.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	var articles []models.KnowledgeArticle
	for page := 0; page < MaxSearchPages; page++ {
		params := url.Values{}
		params.Set("query", query)
		params.Set("limit", fmt.Sprintf("%d", limit))
		params.Set("offset", fmt.Sprintf("%d", page*limit))
		params.Set("include", "contents")

		endpoint := c.cfg.BaseURL + "/api/v1/helpcenter/articles.json?" + params.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("kayako search request: %w", err)
		}
		req.Header.Set("X-Session-ID", session)

		slog.Debug("Kayako searching knowledge base", "query", query, "page", page)
		resp, err := c.cfg.HTTP.Do(req)
		if err != nil {
			slog.Error("Kayako search request failed", "query", query, "error", err)
			return nil, fmt.Errorf("kayako search: %w", err)
		}

		var payload struct {
			Data []wireArticle `json:"data"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&payload)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			slog.Error("Kayako search returned non-OK status", "query", query, "status", resp.StatusCode)
			return nil, fmt.Errorf("kayako search: unexpected status %d", resp.StatusCode)
		}
		if decodeErr != nil {
			return nil, fmt.Errorf("kayako search decode: %w", decodeErr)
		}

		for _, w := range payload.Data {
			articles = append(articles, toArticle(w))
		}
		if len(payload.Data) < limit {
			break
		}
	}

	slog.Info("Kayako search complete", "query", query, "articles", len(articles))
	return articles, nil
}

// GetArticleContent fetches the full body for a content id, serving repeats
// from the process-wide cache. Entries are write-once/read-many.
func (c *Client) GetArticleContent(ctx context.Context, contentID int64) (string, error) {
	c.cacheMu.Lock()
	if body, ok := c.contentCache[contentID]; ok {
		c.cacheMu.Unlock()
		slog.Debug("Kayako content served from cache", "content_id", contentID)
		return body, nil
	}
	c.cacheMu.Unlock()

	session, err := c.authenticate(ctx)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/api/v1/locale/fields/%d.json", c.cfg.BaseURL, contentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("kayako content request: %w", err)
	}
	req.Header.Set("X-Session-ID", session)

	slog.Debug("Kayako fetching article content", "content_id", contentID)
	resp, err := c.cfg.HTTP.Do(req)
	if err != nil {
		slog.Error("Kayako content fetch failed", "content_id", contentID, "error", err)
		return "", fmt.Errorf("kayako content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Error("Kayako content fetch returned non-OK status", "content_id", contentID, "status", resp.StatusCode)
		return "", fmt.Errorf("kayako content: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Data struct {
			Translation string `json:"translation"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("kayako content decode: %w", err)
	}

	body := CleanContent(payload.Data.Translation)
	c.cacheMu.Lock()
	if _, ok := c.contentCache[contentID]; !ok {
		c.contentCache[contentID] = body
	}
	c.cacheMu.Unlock()
	return body, nil
}

// CreateTicket opens a case for the requester and returns the ticket id.
func (c *Client) CreateTicket(ctx context.Context, email, subject, content string, tags []string) (string, error) {
	session, err := c.authenticate(ctx)
	if err != nil {
		return "", err
	}

	ticket := map[string]interface{}{
		"subject":     subject,
		"requester":   map[string]string{"email": email},
		"channel":     "phone",
		"status":      "new",
		"priority":    "normal",
		"description": content,
	}
	if len(tags) > 0 {
		ticket["tags"] = tags
	}
	body, err := json.Marshal(ticket)
	if err != nil {
		return "", fmt.Errorf("kayako ticket marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v1/cases.json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("kayako ticket request: %w", err)
	}
	req.Header.Set("X-Session-ID", session)
	req.Header.Set("Content-Type", "application/json")

	slog.Info("Kayako creating ticket", "email", email, "subject", subject)
	resp, err := c.cfg.HTTP.Do(req)
	if err != nil {
		slog.Error("Kayako ticket creation failed", "email", email, "error", err)
		return "", fmt.Errorf("kayako ticket: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		slog.Error("Kayako ticket creation returned non-OK status", "status", resp.StatusCode)
		return "", fmt.Errorf("kayako ticket: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		ID   int64 `json:"id"`
		Data struct {
			ID int64 `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("kayako ticket decode: %w", err)
	}
	id := payload.ID
	if id == 0 {
		id = payload.Data.ID
	}
	if id == 0 {
		return "", fmt.Errorf("kayako ticket: missing ticket id in response")
	}
	slog.Info("Kayako ticket created", "ticket_id", id)
	return fmt.Sprintf("%d", id), nil
}

var (
	htmlTagPattern    = regexp.MustCompile(`<[^>]+>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// entityReplacer rewrites the HTML entities that read badly when spoken.
var entityReplacer = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "and",
	"&lt;", "less than",
	"&gt;", "greater than",
)

// CleanContent strips HTML tags and entities from article bodies so the text
// can be spoken.
func CleanContent(html string) string {
	text := htmlTagPattern.ReplaceAllString(html, " ")
	text = entityReplacer.Replace(text)
	text = whitespacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
