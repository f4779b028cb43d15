package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the public Tavily API host.
	DefaultBaseURL = "https://api.tavily.com"

	maxResults = 5
)

// ErrEmptyQuery is returned when Search is called without a query.
var ErrEmptyQuery = errors.New("search: empty query")

// Client calls the Tavily search API directly over REST.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new Tavily client. An empty baseURL selects the public API.
func NewClient(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

type searchRequest struct {
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
	SearchDepth   string `json:"search_depth"`
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type searchResponse struct {
	Answer  string         `json:"answer"`
	Results []searchResult `json:"results"`
}

// Search runs query and returns a plain-text digest of the answer and the top
// results, suitable for handing back to a language model.
func (c *Client) Search(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}

	body, err := json.Marshal(searchRequest{
		Query:         query,
		MaxResults:    maxResults,
		IncludeAnswer: true,
		SearchDepth:   "basic",
	})
	if err != nil {
		return "", fmt.Errorf("search: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("search: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("search: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("search: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("search: tavily returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed searchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("search: decode response: %w", err)
	}
	return digest(parsed), nil
}

func digest(r searchResponse) string {
	var b strings.Builder
	if r.Answer != "" {
		b.WriteString("Answer: ")
		b.WriteString(r.Answer)
		b.WriteString("\n")
	}
	for i, res := range r.Results {
		if i == maxResults {
			break
		}
		fmt.Fprintf(&b, "\n%d. %s (%s)\n%s\n", i+1, res.Title, res.URL, strings.TrimSpace(res.Content))
	}
	if b.Len() == 0 {
		return "No results found."
	}
	return strings.TrimSpace(b.String())
}
