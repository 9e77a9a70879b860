package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/govanswers/govanswers/config"
)

const (
	openaiChatURL      = "https://api.openai.com/v1/chat/completions"
	openaiEmbeddingURL = "https://api.openai.com/v1/embeddings"
)

type openaiClient struct {
	apiKey         string
	baseURL        string
	model          string
	embeddingModel string
	temperature    float64
	maxTokens      int
	httpClient     *http.Client
}

func newOpenAIClient(cfg config.LLMProviderConfig) *openaiClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	base := cfg.BaseURL
	if base == "" {
		base = openaiChatURL
	}
	return &openaiClient{
		apiKey:         cfg.APIKey,
		baseURL:        base,
		model:          cfg.Model,
		embeddingModel: "text-embedding-3-small",
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		httpClient:     &http.Client{Timeout: timeout},
	}
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *openaiClient) Complete(ctx context.Context, system string, messages []Message) (Response, error) {
	reqMsgs := make([]openaiMessage, 0, len(messages)+1)
	if system != "" {
		reqMsgs = append(reqMsgs, openaiMessage{Role: "system", Content: system})
	}
	for _, m := range messages {
		reqMsgs = append(reqMsgs, openaiMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(openaiRequest{
		Model:       c.model,
		Messages:    reqMsgs,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewBuffer(body))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("API returned status: %d", resp.StatusCode)
	}

	var out openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(out.Choices) == 0 {
		return Response{}, fmt.Errorf("empty response from model")
	}
	model := out.Model
	if model == "" {
		model = c.model
	}
	return Response{
		Content:      out.Choices[0].Message.Content,
		Model:        model,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}

// Embed generates embedding vectors for the given texts.
func (c *openaiClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(map[string]interface{}{
		"model": c.embeddingModel,
		"input": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openaiEmbeddingURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status: %d", resp.StatusCode)
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

// NewEmbedder returns the embedding client for the routing's embedding
// provider. Only openai serves embeddings.
func NewEmbedder(cfg config.LLMConfig) (Embedder, error) {
	name := cfg.Routing.Embedding
	if name == "" {
		name = string(ProviderOpenAI)
	}
	pc, ok := cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("no configuration for embedding provider %q", name)
	}
	if Provider(name) != ProviderOpenAI {
		return nil, fmt.Errorf("embedding provider %q not supported", name)
	}
	return newOpenAIClient(pc), nil
}
