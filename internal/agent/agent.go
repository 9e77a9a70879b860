// Package agent wraps the language-model providers behind one invokable
// interface with a bounded search tool loop.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/govanswers/govanswers/config"
	"github.com/govanswers/govanswers/internal/search"
)

// Provider enumerates the supported model backends.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// ParseProvider validates a provider name. Unknown names are an explicit
// error, never a silent default.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderOpenAI, ProviderAnthropic:
		return Provider(s), nil
	default:
		return "", fmt.Errorf("unknown model provider: %q", s)
	}
}

// Message is one conversation entry passed to the model.
type Message struct {
	Role    string
	Content string
}

// Response is the model's final message plus metadata.
type Response struct {
	Content      string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Callbacks are the side channels an invocation reports progress through.
// Nil fields are skipped.
type Callbacks struct {
	OnLLMStart  func()
	OnToolStart func(id, name, input string)
	OnToolEnd   func(id, output string)
	OnToolError func(id, errMsg string)
}

// Agent runs one model invocation including any tool round-trips.
type Agent interface {
	Invoke(ctx context.Context, messages []Message, cb Callbacks) (Response, error)
}

// completer is the raw text-in/text-out surface of one model backend.
type completer interface {
	Complete(ctx context.Context, system string, messages []Message) (Response, error)
}

// Embedder creates embedding vectors for background processing.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

const (
	maxToolRounds  = 3
	searchToolName = "search"
)

// New builds an agent for the given providers. The overrides map is threaded
// into tool construction so admin prompt experiments reach the search
// instructions too.
func New(provider Provider, searchProvider search.Provider, cfg config.LLMConfig, searchCfg config.SearchConfig, overrides map[string]string) (Agent, error) {
	pc, ok := cfg.Providers[string(provider)]
	if !ok {
		return nil, fmt.Errorf("no configuration for model provider %q", provider)
	}

	var c completer
	switch provider {
	case ProviderOpenAI:
		c = newOpenAIClient(pc)
	case ProviderAnthropic:
		c = newAnthropicClient(pc)
	default:
		return nil, fmt.Errorf("unknown model provider: %q", provider)
	}

	searcher, err := search.NewSearcher(searchProvider, searchCfg)
	if err != nil {
		return nil, fmt.Errorf("build search tool: %w", err)
	}

	maxResults := searchCfg.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	return &toolLoopAgent{
		completer:    c,
		searcher:     searcher,
		maxResults:   maxResults,
		instructions: searchInstructions(overrides),
	}, nil
}

func searchInstructions(overrides map[string]string) string {
	if o, ok := overrides["search.md"]; ok && strings.TrimSpace(o) != "" {
		return o
	}
	return "To look something up before answering, reply with only <search>your query</search>. " +
		"Search results will be provided and you will be asked again."
}

// toolLoopAgent drives the model, resolving <search> requests through the
// search tool for a bounded number of rounds.
type toolLoopAgent struct {
	completer    completer
	searcher     search.Searcher
	maxResults   int
	instructions string
}

func (a *toolLoopAgent) Invoke(ctx context.Context, messages []Message, cb Callbacks) (Response, error) {
	system := ""
	conv := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		conv = append(conv, m)
	}
	system = strings.TrimSpace(system + "\n\n" + a.instructions)

	for round := 0; ; round++ {
		if cb.OnLLMStart != nil {
			cb.OnLLMStart()
		}
		resp, err := a.completer.Complete(ctx, system, conv)
		if err != nil {
			return Response{}, fmt.Errorf("model invocation: %w", err)
		}

		query, ok := extractSearchQuery(resp.Content)
		if !ok || round >= maxToolRounds {
			return resp, nil
		}

		invocationID := uuid.NewString()
		if cb.OnToolStart != nil {
			cb.OnToolStart(invocationID, searchToolName, query)
		}
		results, err := a.searcher.Discover(ctx, query, a.maxResults)
		if err != nil {
			if cb.OnToolError != nil {
				cb.OnToolError(invocationID, err.Error())
			}
			conv = append(conv,
				Message{Role: "assistant", Content: resp.Content},
				Message{Role: "user", Content: "The search failed. Answer from what you already know."})
			continue
		}
		rendered := renderResults(results)
		if cb.OnToolEnd != nil {
			cb.OnToolEnd(invocationID, rendered)
		}
		conv = append(conv,
			Message{Role: "assistant", Content: resp.Content},
			Message{Role: "user", Content: "Search results:\n" + rendered + "\nNow answer the original question."})
	}
}

func extractSearchQuery(content string) (string, bool) {
	start := strings.Index(content, "<search>")
	if start < 0 {
		return "", false
	}
	rest := content[start+len("<search>"):]
	end := strings.Index(rest, "</search>")
	if end < 0 {
		return "", false
	}
	q := strings.TrimSpace(rest[:end])
	if q == "" {
		return "", false
	}
	return q, true
}

func renderResults(results []search.Result) string {
	if len(results) == 0 {
		return "(no results)"
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return b.String()
}
