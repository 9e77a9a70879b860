// Package search provides the web search tool the answering agent uses,
// with pluggable providers behind one interface.
package search

import (
	"context"
	"fmt"

	"github.com/govanswers/govanswers/config"
)

// Result is one search hit.
type Result struct {
	Title   string
	URL     string
	Snippet string
}

// Searcher runs one query and returns up to k results.
type Searcher interface {
	Discover(ctx context.Context, q string, k int) ([]Result, error)
}

// Provider enumerates the supported search backends.
type Provider string

const (
	GoogleProvider Provider = "google"
	BraveProvider  Provider = "brave"
	SerperProvider Provider = "serper"
)

// ParseProvider validates a provider name from config or a request.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case GoogleProvider, BraveProvider, SerperProvider:
		return Provider(s), nil
	case "":
		return GoogleProvider, nil
	default:
		return "", fmt.Errorf("unsupported search provider: %q", s)
	}
}

// NewSearcher builds the searcher for a provider. The google provider needs
// no API key; it resolves against the canada.ca search page.
func NewSearcher(provider Provider, cfg config.SearchConfig) (Searcher, error) {
	switch provider {
	case SerperProvider:
		if cfg.SerperAPIKey == "" {
			return nil, fmt.Errorf("serper search requires an api key")
		}
		return serperSearch{apiKey: cfg.SerperAPIKey, timeout: cfg.Timeout}, nil
	case BraveProvider:
		if cfg.BraveAPIKey == "" {
			return nil, fmt.Errorf("brave search requires an api key")
		}
		return braveSearch{apiKey: cfg.BraveAPIKey, timeout: cfg.Timeout}, nil
	case GoogleProvider:
		return canadaSearch{}, nil
	default:
		return nil, fmt.Errorf("unsupported search provider: %q", provider)
	}
}
