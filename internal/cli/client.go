package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hyperjump/fuda/internal/llm"
	"github.com/hyperjump/fuda/internal/models"
	"github.com/hyperjump/fuda/internal/tagging"
)

// Client calls a running fuda server so the CLI does not have to open the
// SQLite and Bleve files the server holds.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Status fetches GET /api/v1/status.
func (c *Client) Status(ctx context.Context) (*tagging.Status, error) {
	var st tagging.Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Suggest runs the hybrid tag search on the server.
func (c *Client) Suggest(ctx context.Context, q *models.SuggestQuery) (*models.SuggestResponse, error) {
	params := url.Values{}
	params.Set("q", q.Query)
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Category != "" {
		params.Set("category", q.Category)
	}
	switch {
	case q.KeywordEnabled && !q.SemanticEnabled:
		params.Set("mode", "keyword")
	case q.SemanticEnabled && !q.KeywordEnabled:
		params.Set("mode", "semantic")
	}
	var resp models.SuggestResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/tags/suggest?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resolve turns a text query into a tag expression on the server.
func (c *Client) Resolve(ctx context.Context, query string, opts llm.Options) (*tagging.Resolution, error) {
	body := map[string]string{
		"query":        query,
		"llm_endpoint": opts.Endpoint,
		"llm_model":    opts.Model,
		"llm_api_key":  opts.APIKey,
	}
	var res tagging.Resolution
	if err := c.do(ctx, http.MethodPost, "/api/v1/resolve", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
