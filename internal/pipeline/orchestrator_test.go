package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/govanswers/govanswers/internal/agent"
	"github.com/govanswers/govanswers/internal/progress"
	"github.com/govanswers/govanswers/internal/search"
	"github.com/govanswers/govanswers/internal/store"
	"github.com/govanswers/govanswers/internal/verify"
)

type fakeStore struct {
	mu          sync.Mutex
	chats       map[string]store.Chat
	turns       map[string][]store.ChatTurn
	persisted   []store.TurnRecord
	origins     []store.InteractionOrigin
	persistErr  error
	findErr     error
	evalErr     error
	evaluations int
	evalDone    chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats:    map[string]store.Chat{},
		turns:    map[string][]store.ChatTurn{},
		evalDone: make(chan struct{}, 4),
	}
}

func (f *fakeStore) FindChatByKey(_ context.Context, key string) (store.Chat, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return store.Chat{}, false, f.findErr
	}
	c, ok := f.chats[key]
	return c, ok, nil
}

func (f *fakeStore) ListChatTurns(_ context.Context, chatID string) ([]store.ChatTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turns[chatID], nil
}

func (f *fakeStore) PersistInteraction(_ context.Context, rec store.TurnRecord, origin store.InteractionOrigin) (store.Interaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return store.Interaction{}, f.persistErr
	}
	f.persisted = append(f.persisted, rec)
	f.origins = append(f.origins, origin)
	return store.Interaction{
		ID:       "int-1",
		Question: rec.Question,
		Answer:   rec.Answer,
		Citation: rec.Citation,
		Context:  rec.Context,
	}, nil
}

func (f *fakeStore) SaveEmbedding(_ context.Context, _ string, _ []float32) (string, error) {
	return "emb-1", nil
}

func (f *fakeStore) AttachEmbedding(_ context.Context, _, _ string) error { return nil }

func (f *fakeStore) SaveEvaluation(_ context.Context, _ string, _ float64, _ string) (string, error) {
	f.mu.Lock()
	err := f.evalErr
	f.evaluations++
	f.mu.Unlock()
	f.evalDone <- struct{}{}
	if err != nil {
		return "", err
	}
	return "eval-1", nil
}

func (f *fakeStore) AttachEvaluation(_ context.Context, _, _ string) error { return nil }

type fakeAgent struct {
	resp    agent.Response
	err     error
	invoked int
	msgs    []agent.Message
}

func (f *fakeAgent) Invoke(_ context.Context, messages []agent.Message, cb agent.Callbacks) (agent.Response, error) {
	f.invoked++
	f.msgs = messages
	if cb.OnLLMStart != nil {
		cb.OnLLMStart()
	}
	return f.resp, f.err
}

type fakeVerifier struct {
	result verify.Result
	calls  int
}

func (f *fakeVerifier) Verify(_ context.Context, rawURL *string, _ string) verify.Result {
	f.calls++
	return f.result
}

type fakeResolver struct {
	overrides map[string]string
}

func (f *fakeResolver) Resolve(_ context.Context, id string) map[string]string {
	if id == "" || f.overrides == nil {
		return map[string]string{}
	}
	return f.overrides
}

func factoryFor(a agent.Agent, err error) AgentFactory {
	return func(_ agent.Provider, _ search.Provider, _ map[string]string) (agent.Agent, error) {
		return a, err
	}
}

func newTestOrchestrator(fs *fakeStore, a agent.Agent, v CitationVerifier) (*Orchestrator, *progress.Hub) {
	hub := progress.NewHub()
	o := NewOrchestrator(fs, factoryFor(a, nil), v, &fakeResolver{}, hub, nil, nil)
	return o, hub
}

func baseRequest() TurnRequest {
	return TurnRequest{
		ConversationID: "conv-1",
		UserMessage:    "how do I renew my passport",
		Language:       "en",
		ModelProvider:  "openai",
		SearchProvider: "google",
		RequestID:      "req-1",
	}
}

func TestProcessTurnHappyPath(t *testing.T) {
	fs := newFakeStore()
	verified := "https://www.canada.ca/en/services/passports.html"
	conf := "1.0"
	fa := &fakeAgent{resp: agent.Response{
		Content: "<answer><s-1>Renew online.</s-1></answer>" +
			"<citation-url>https://www.canada.ca/en/services/passports.html</citation-url>",
		Model:        "gpt-4o",
		InputTokens:  100,
		OutputTokens: 40,
	}}
	fv := &fakeVerifier{result: verify.Result{URL: &verified, Confidence: &conf}}
	o, hub := newTestOrchestrator(fs, fa, fv)

	events, cancel := hub.Subscribe("req-1")
	defer cancel()

	res, err := o.ProcessTurn(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.InteractionID != "int-1" || res.Answer.AnswerType != AnswerTypeNormal {
		t.Fatalf("unexpected result: %+v", res)
	}
	if fv.calls != 1 {
		t.Fatalf("verifier calls: %d", fv.calls)
	}

	fs.mu.Lock()
	rec := fs.persisted[0]
	origin := fs.origins[0]
	fs.mu.Unlock()
	if rec.Citation.VerifiedURL == nil || *rec.Citation.VerifiedURL != verified {
		t.Fatalf("verified url not persisted: %+v", rec.Citation)
	}
	if rec.Answer.Model != "gpt-4o" || rec.Answer.InputTokens != 100 {
		t.Fatalf("model metadata: %+v", rec.Answer)
	}
	if origin.ChatKey != "conv-1" || origin.BatchItemID != "" {
		t.Fatalf("origin: %+v", origin)
	}

	var sawComplete bool
	deadline := time.After(time.Second)
	for !sawComplete {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("stream closed before completion event")
			}
			if ev.Type == progress.EventProcessingComplete {
				sawComplete = true
			}
		case <-deadline:
			t.Fatalf("no completion event")
		}
	}
}

func TestProcessTurnNoCitationSkipsVerification(t *testing.T) {
	fs := newFakeStore()
	fa := &fakeAgent{resp: agent.Response{Content: "<s-1>General guidance.</s-1>"}}
	fv := &fakeVerifier{}
	o, _ := newTestOrchestrator(fs, fa, fv)

	if _, err := o.ProcessTurn(context.Background(), baseRequest()); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if fv.calls != 0 {
		t.Fatalf("verifier must not run without a citation, calls=%d", fv.calls)
	}
	fs.mu.Lock()
	cit := fs.persisted[0].Citation
	fs.mu.Unlock()
	if cit.ProvidedURL != nil || cit.VerifiedURL != nil || cit.Confidence != nil {
		t.Fatalf("citation fields must stay null: %+v", cit)
	}
}

func TestProcessTurnUnknownProviderFails(t *testing.T) {
	fs := newFakeStore()
	o, hub := newTestOrchestrator(fs, &fakeAgent{}, &fakeVerifier{})

	events, cancel := hub.Subscribe("req-1")
	defer cancel()

	req := baseRequest()
	req.ModelProvider = "mystery"
	if _, err := o.ProcessTurn(context.Background(), req); err == nil {
		t.Fatalf("expected error for unknown provider")
	}

	select {
	case ev := <-events:
		if ev.Type != progress.EventProcessingError {
			t.Fatalf("expected error event, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("no error event")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.persisted) != 0 {
		t.Fatalf("nothing must persist on creation failure")
	}
}

func TestProcessTurnNilAgentIsFatal(t *testing.T) {
	fs := newFakeStore()
	hub := progress.NewHub()
	o := NewOrchestrator(fs, factoryFor(nil, nil), &fakeVerifier{}, &fakeResolver{}, hub, nil, nil)

	if _, err := o.ProcessTurn(context.Background(), baseRequest()); err == nil {
		t.Fatalf("nil agent must be a fatal creation failure")
	}
}

func TestProcessTurnAgentInvocationFailure(t *testing.T) {
	fs := newFakeStore()
	fa := &fakeAgent{err: errors.New("model unavailable")}
	o, _ := newTestOrchestrator(fs, fa, &fakeVerifier{})

	_, err := o.ProcessTurn(context.Background(), baseRequest())
	if err == nil || !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected invocation error, got %v", err)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.persisted) != 0 {
		t.Fatalf("nothing must persist on invocation failure")
	}
}

func TestProcessTurnPersistenceFailureAborts(t *testing.T) {
	fs := newFakeStore()
	fs.persistErr = errors.New("disk full")
	fa := &fakeAgent{resp: agent.Response{Content: "<s-1>x</s-1>"}}
	o, hub := newTestOrchestrator(fs, fa, &fakeVerifier{})

	events, cancel := hub.Subscribe("req-1")
	defer cancel()

	if _, err := o.ProcessTurn(context.Background(), baseRequest()); err == nil {
		t.Fatalf("expected persistence error")
	}
	select {
	case ev := <-events:
		if ev.Type != progress.EventLLMStart && ev.Type != progress.EventProcessingError {
			t.Fatalf("unexpected event %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("no events")
	}
}

func TestProcessTurnIncludesHistory(t *testing.T) {
	fs := newFakeStore()
	fs.chats["conv-1"] = store.Chat{ID: "chat-1", ChatKey: "conv-1"}
	fs.turns["chat-1"] = []store.ChatTurn{{Question: "earlier question", Answer: "earlier answer"}}
	fa := &fakeAgent{resp: agent.Response{Content: "<s-1>x</s-1>"}}
	o, _ := newTestOrchestrator(fs, fa, &fakeVerifier{})

	if _, err := o.ProcessTurn(context.Background(), baseRequest()); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	// [system, prior user, prior assistant, current user]
	if len(fa.msgs) != 4 {
		t.Fatalf("messages: %d, %+v", len(fa.msgs), fa.msgs)
	}
	if fa.msgs[1].Content != "earlier question" || fa.msgs[2].Content != "earlier answer" {
		t.Fatalf("history not threaded: %+v", fa.msgs)
	}
}

func TestProcessTurnMissingChatIsEmptyHistory(t *testing.T) {
	fs := newFakeStore()
	fa := &fakeAgent{resp: agent.Response{Content: "<s-1>x</s-1>"}}
	o, _ := newTestOrchestrator(fs, fa, &fakeVerifier{})

	if _, err := o.ProcessTurn(context.Background(), baseRequest()); err != nil {
		t.Fatalf("missing chat must not fail the turn: %v", err)
	}
	if len(fa.msgs) != 2 {
		t.Fatalf("expected [system, user], got %d messages", len(fa.msgs))
	}
}

func TestBackgroundEvaluationFailureDoesNotSurface(t *testing.T) {
	fs := newFakeStore()
	fs.evalErr = errors.New("evaluation store down")
	fa := &fakeAgent{resp: agent.Response{Content: "<s-1>x</s-1>"}}
	o, _ := newTestOrchestrator(fs, fa, &fakeVerifier{})

	if _, err := o.ProcessTurn(context.Background(), baseRequest()); err != nil {
		t.Fatalf("background failure must not fail the turn: %v", err)
	}
	select {
	case <-fs.evalDone:
	case <-time.After(time.Second):
		t.Fatalf("evaluation task never ran")
	}
}

func TestProcessTurnBatchOrigin(t *testing.T) {
	fs := newFakeStore()
	fs.turns["chat-b"] = nil
	fa := &fakeAgent{resp: agent.Response{Content: "<s-1>x</s-1>"}}
	o, _ := newTestOrchestrator(fs, fa, &fakeVerifier{})

	req := baseRequest()
	req.ConversationID = ""
	req.BatchItemID = "item-1"
	req.BatchChatID = "chat-b"
	if _, err := o.ProcessTurn(context.Background(), req); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	fs.mu.Lock()
	origin := fs.origins[0]
	fs.mu.Unlock()
	if origin.BatchItemID != "item-1" || origin.ChatKey != "" {
		t.Fatalf("origin: %+v", origin)
	}
}
