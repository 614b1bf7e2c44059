package askbot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

var ErrSearchNotConfigured = errors.New("web search is not configured")

// SearchRequest is sent to the web search API
type SearchRequest struct {
	Query       string `json:"query"`
	ResultCount int    `json:"resultCount"`
	Mode        string `json:"mode"`
}

// SearchResult is the web search API's answer
type SearchResult struct {
	Content string   `json:"content"`
	URL     *string  `json:"url,omitempty"`
	URLs    []string `json:"urls,omitempty"`
}

// SearchClient answers a prompt from the web
type SearchClient interface {
	Search(ctx context.Context, req SearchRequest) (SearchResult, error)
}

// webSearch is a [SearchClient] for a JSON search API, which accepts
// a POSTed [SearchRequest] and responds with a [SearchResult]
type webSearch struct {
	url        string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

func newWebSearch(cfg *SearchConfig, httpClient *http.Client, logger *slog.Logger) *webSearch {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &webSearch{
		url:        cfg.URL,
		token:      cfg.Token,
		httpClient: httpClient,
		logger:     logger.With(loggerNameKey, "search"),
	}
}

func (w *webSearch) Search(ctx context.Context, sr SearchRequest) (SearchResult, error) {
	var result SearchResult
	if w.url == "" {
		return result, ErrSearchNotConfigured
	}

	body, err := json.Marshal(sr)
	if err != nil {
		return result, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return result, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	started := time.Now()
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return result, fmt.Errorf("making search request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	w.logger.InfoContext(
		ctx,
		"search request",
		"status", resp.StatusCode,
		"duration", time.Since(started),
		"result_count", sr.ResultCount,
		"mode", sr.Mode,
	)

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return result, fmt.Errorf(
			"search request failed with status %d: %s",
			resp.StatusCode,
			string(errBody),
		)
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return result, fmt.Errorf("decoding search response: %w", err)
	}
	return result, nil
}
