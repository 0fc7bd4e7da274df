package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatcore/internal/attachment"
	"chatcore/internal/capability"
	"chatcore/internal/intent"
)

const maxSnippets = 5

// Snippet is one search hit.
type Snippet struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type searchResponse struct {
	Results []Snippet `json:"results"`
}

// WebSearch queries a JSON search endpoint: GET {endpoint}?q=...
// returning {"results":[{"title","url","snippet"}]}. Snippet HTML is
// reduced to text.
func WebSearch(endpoint string, client *http.Client) *capability.Descriptor {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &capability.Descriptor{
		ID:          WebSearchID,
		Description: "Searches the web and returns result snippets",
		Kind:        capability.KindPlugin,
		Enabled:     true,
		Triggers:    []string{"search", "look up", "latest", "news", "current", "today"},
		Schema: capability.Schema{
			Required: []string{"query"},
			Properties: map[string]capability.Property{
				"query": {Type: "string", Description: "Search query"},
			},
		},
		Suggest: func(text string, _ intent.Result) capability.Params {
			q := strings.TrimSpace(text)
			if r := []rune(q); len(r) > 200 {
				q = string(r[:200])
			}
			return capability.Params{"query": q}
		},
		Handler: func(ctx context.Context, p capability.Params) (capability.Output, error) {
			snippets, err := search(ctx, client, endpoint, p.String("query"))
			if err != nil {
				return capability.Output{}, err
			}
			if len(snippets) == 0 {
				return capability.Output{Declined: true, Reason: "no results"}, nil
			}
			var b strings.Builder
			items := make([]any, 0, len(snippets))
			for i, s := range snippets {
				fmt.Fprintf(&b, "%d. %s (%s): %s\n", i+1, s.Title, s.URL, s.Snippet)
				items = append(items, map[string]any{"title": s.Title, "url": s.URL, "snippet": s.Snippet})
			}
			return capability.Output{
				Text: strings.TrimRight(b.String(), "\n"),
				Data: map[string]any{"snippets": items},
			}, nil
		},
	}
}

func search(ctx context.Context, client *http.Client, endpoint, query string) ([]Snippet, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query", capability.ErrMissingParam)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var sr searchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode search results: %w", err)
	}
	out := make([]Snippet, 0, min(len(sr.Results), maxSnippets))
	for _, r := range sr.Results {
		if len(out) == maxSnippets {
			break
		}
		r.Title = attachment.HTMLToText(r.Title)
		r.Snippet = attachment.HTMLToText(r.Snippet)
		out = append(out, r)
	}
	return out, nil
}
