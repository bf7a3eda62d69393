package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// duckDuckGoSearchProvider scrapes the HTML endpoint. No key required, so
// it is the fallback when Brave is not configured.
type duckDuckGoSearchProvider struct {
	client *http.Client
}

func newDuckDuckGoSearchProvider() *duckDuckGoSearchProvider {
	return &duckDuckGoSearchProvider{
		client: &http.Client{Timeout: time.Duration(searchTimeoutSeconds) * time.Second},
	}
}

func (p *duckDuckGoSearchProvider) Name() string { return "duckduckgo" }

func (p *duckDuckGoSearchProvider) Search(ctx context.Context, params searchParams) ([]searchResult, error) {
	endpoint := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(params.Query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", webSearchUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return extractDDGResults(string(body), params.Count)
}

var (
	ddgLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
)

func extractDDGResults(html string, count int) ([]searchResult, error) {
	links := ddgLinkRe.FindAllStringSubmatch(html, count+5)
	if len(links) == 0 {
		return nil, nil
	}
	snippets := ddgSnippetRe.FindAllStringSubmatch(html, count+5)

	var results []searchResult
	for i := 0; i < len(links) && i < count; i++ {
		r := searchResult{
			URL:   unwrapDDGRedirect(links[i][1]),
			Title: strings.TrimSpace(htmlTagRe.ReplaceAllString(links[i][2], "")),
		}
		if i < len(snippets) {
			r.Description = strings.TrimSpace(htmlTagRe.ReplaceAllString(snippets[i][1], ""))
		}
		results = append(results, r)
	}
	return results, nil
}

// unwrapDDGRedirect extracts the target URL from DDG's redirect wrapper
// (the uddg= query parameter).
func unwrapDDGRedirect(raw string) string {
	if !strings.Contains(raw, "uddg=") {
		return raw
	}
	u, err := url.QueryUnescape(raw)
	if err != nil {
		return raw
	}
	idx := strings.Index(u, "uddg=")
	if idx == -1 {
		return raw
	}
	target := u[idx+5:]
	if amp := strings.Index(target, "&"); amp != -1 {
		target = target[:amp]
	}
	return target
}
