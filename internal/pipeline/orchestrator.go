package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/govanswers/govanswers/internal/agent"
	"github.com/govanswers/govanswers/internal/progress"
	"github.com/govanswers/govanswers/internal/prompts"
	"github.com/govanswers/govanswers/internal/search"
	"github.com/govanswers/govanswers/internal/store"
	"github.com/govanswers/govanswers/internal/telemetry"
	"github.com/govanswers/govanswers/internal/verify"
)

// storeAPI is the slice of the persistence layer the orchestrator needs.
type storeAPI interface {
	FindChatByKey(ctx context.Context, chatKey string) (store.Chat, bool, error)
	ListChatTurns(ctx context.Context, chatID string) ([]store.ChatTurn, error)
	PersistInteraction(ctx context.Context, rec store.TurnRecord, origin store.InteractionOrigin) (store.Interaction, error)
	SaveEmbedding(ctx context.Context, interactionID string, vector []float32) (string, error)
	AttachEmbedding(ctx context.Context, interactionID, embeddingID string) error
	SaveEvaluation(ctx context.Context, interactionID string, score float64, notes string) (string, error)
	AttachEvaluation(ctx context.Context, interactionID, evaluationID string) error
}

// OverrideResolver loads per-admin prompt overrides.
type OverrideResolver interface {
	Resolve(ctx context.Context, adminUserID string) map[string]string
}

// CitationVerifier checks citation URLs, degrading instead of failing.
type CitationVerifier interface {
	Verify(ctx context.Context, rawURL *string, language string) verify.Result
}

// AgentFactory builds an agent for one turn. Returning (nil, nil) is treated
// as a fatal creation failure.
type AgentFactory func(provider agent.Provider, searchProvider search.Provider, overrides map[string]string) (agent.Agent, error)

// Orchestrator composes history, prompts, the agent, parsing, verification
// and persistence into one user turn.
type Orchestrator struct {
	store    storeAPI
	agents   AgentFactory
	verifier CitationVerifier
	resolver OverrideResolver
	hub      *progress.Hub
	embedder agent.Embedder
	tel      *telemetry.Telemetry
	logger   *log.Logger
}

func NewOrchestrator(st storeAPI, agents AgentFactory, verifier CitationVerifier, resolver OverrideResolver, hub *progress.Hub, embedder agent.Embedder, tel *telemetry.Telemetry) *Orchestrator {
	return &Orchestrator{
		store:    st,
		agents:   agents,
		verifier: verifier,
		resolver: resolver,
		hub:      hub,
		embedder: embedder,
		tel:      tel,
		logger:   log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	}
}

// ProcessTurn runs one user turn. Fatal failures (agent creation, agent
// invocation, persistence) abort the turn and emit a terminal error event;
// everything else degrades.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	started := time.Now()
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	tracker := NewTracker()

	fail := func(err error) (TurnResult, error) {
		o.logger.Printf("turn %s failed: %v", requestID, err)
		o.hub.Publish(requestID, progress.Event{Type: progress.EventProcessingError, Message: err.Error()})
		o.tel.ObserveTurn("error", time.Since(started))
		return TurnResult{RequestID: requestID}, err
	}

	history := o.loadHistory(ctx, req)

	overrides := o.resolver.Resolve(ctx, req.OverrideUserID)

	modelProvider, err := agent.ParseProvider(req.ModelProvider)
	if err != nil {
		return fail(fmt.Errorf("agent creation: %w", err))
	}
	searchProvider, err := search.ParseProvider(req.SearchProvider)
	if err != nil {
		return fail(fmt.Errorf("agent creation: %w", err))
	}
	ag, err := o.agents(modelProvider, searchProvider, overrides)
	if err != nil {
		return fail(fmt.Errorf("agent creation: %w", err))
	}
	if ag == nil {
		return fail(fmt.Errorf("agent creation: no usable agent for provider %q", modelProvider))
	}

	messages := make([]agent.Message, 0, len(history)*2+2)
	messages = append(messages, agent.Message{Role: "system", Content: prompts.BuildSystemPrompt(req.Language, overrides)})
	for _, turn := range history {
		messages = append(messages,
			agent.Message{Role: "user", Content: turn.Question},
			agent.Message{Role: "assistant", Content: turn.Answer})
	}
	messages = append(messages, agent.Message{Role: "user", Content: req.UserMessage})

	resp, err := ag.Invoke(ctx, messages, o.callbacks(requestID, tracker))
	if err != nil {
		return fail(fmt.Errorf("agent invocation: %w", err))
	}

	parsed := ParseResponse(resp.Content)

	citation := store.CitationRecord{
		ProvidedURL: parsed.CitationURL,
		Heading:     parsed.CitationHeading,
	}
	if parsed.CitationURL != nil {
		vres := o.verifier.Verify(ctx, parsed.CitationURL, req.Language)
		citation.VerifiedURL = vres.URL
		citation.Confidence = vres.Confidence
		if o.tel != nil && vres.Confidence != nil {
			o.tel.VerifyOutcomes.WithLabelValues(*vres.Confidence).Inc()
		}
	}

	questionLang := parsed.QuestionLang
	if questionLang == "" {
		questionLang = req.Language
	}
	rec := store.TurnRecord{
		Question: store.QuestionRecord{
			Redacted:        req.UserMessage,
			Language:        questionLang,
			EnglishQuestion: parsed.EnglishQuestion,
		},
		Answer: store.AnswerRecord{
			Content:      parsed.Content,
			Sentences:    parsed.Sentences,
			AnswerType:   parsed.AnswerType,
			Model:        resp.Model,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
		},
		Citation: citation,
		Context: store.ContextRecord{
			Topic:          parsed.Topic,
			Department:     parsed.Department,
			DepartmentURL:  parsed.DepartmentURL,
			SearchProvider: string(searchProvider),
		},
		Tools:          tracker.Summary(),
		ResponseTimeMS: time.Since(started).Milliseconds(),
		ReferringURL:   req.ReferringURL,
	}

	origin := store.InteractionOrigin{ChatKey: req.ConversationID}
	if req.BatchItemID != "" {
		origin = store.InteractionOrigin{BatchItemID: req.BatchItemID}
	}
	interaction, err := o.store.PersistInteraction(ctx, rec, origin)
	if err != nil {
		return fail(fmt.Errorf("persistence: %w", err))
	}

	o.launchBackground(interaction)

	o.hub.Publish(requestID, progress.Event{Type: progress.EventProcessingComplete})
	o.tel.ObserveTurn("ok", time.Since(started))

	return TurnResult{
		RequestID:     requestID,
		InteractionID: interaction.ID,
		Answer:        parsed,
		Model:         resp.Model,
		InputTokens:   resp.InputTokens,
		OutputTokens:  resp.OutputTokens,
	}, nil
}

// loadHistory reconstructs prior (user, assistant) turns. A missing chat or a
// lookup failure yields empty history, never an error.
func (o *Orchestrator) loadHistory(ctx context.Context, req TurnRequest) []store.ChatTurn {
	chatID := req.BatchChatID
	if chatID == "" {
		if req.ConversationID == "" {
			return nil
		}
		chat, ok, err := o.store.FindChatByKey(ctx, req.ConversationID)
		if err != nil {
			o.logger.Printf("history lookup failed for conversation %s: %v", req.ConversationID, err)
			return nil
		}
		if !ok {
			return nil
		}
		chatID = chat.ID
	}
	turns, err := o.store.ListChatTurns(ctx, chatID)
	if err != nil {
		o.logger.Printf("history load failed for chat %s: %v", chatID, err)
		return nil
	}
	return turns
}

func (o *Orchestrator) callbacks(requestID string, tracker *Tracker) agent.Callbacks {
	return agent.Callbacks{
		OnLLMStart: func() {
			o.hub.Publish(requestID, progress.Event{Type: progress.EventLLMStart})
		},
		OnToolStart: func(id, name, input string) {
			tracker.Start(id, name, input)
			if o.tel != nil {
				o.tel.ToolCalls.WithLabelValues(name, store.ToolStatusStarted).Inc()
			}
			o.hub.Publish(requestID, progress.Event{Type: progress.EventToolStart, Tool: name})
		},
		OnToolEnd: func(id, output string) {
			tracker.End(id, output)
		},
		OnToolError: func(id, errMsg string) {
			tracker.Error(id, errMsg)
			o.hub.Publish(requestID, progress.Event{Type: progress.EventToolError, Message: errMsg})
		},
	}
}
