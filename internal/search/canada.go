package search

import (
	"context"
	"fmt"
	"net/url"
)

// canadaSearch is the keyless default: it points the agent at the canada.ca
// search results page for the query instead of calling a search API.
type canadaSearch struct{}

func (canadaSearch) Discover(_ context.Context, q string, k int) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}
	return []Result{{
		Title:   fmt.Sprintf("Canada.ca search results for %q", q),
		URL:     "https://www.canada.ca/en/sr/srb.html?q=" + url.QueryEscape(q),
		Snippet: "Search results on Canada.ca",
	}}, nil
}
