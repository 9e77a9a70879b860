package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/govanswers/govanswers/config"
	"github.com/govanswers/govanswers/internal/pipeline"
	"github.com/govanswers/govanswers/internal/store"
)

type memStore struct {
	mu    sync.Mutex
	runs  map[string]store.BatchRun
	items map[string][]store.BatchItem
	chats map[string]store.Chat

	checkpoints []int
}

func newMemStore() *memStore {
	return &memStore{
		runs:  map[string]store.BatchRun{},
		items: map[string][]store.BatchItem{},
		chats: map[string]store.Chat{},
	}
}

func (m *memStore) FindBatchRunByID(_ context.Context, id string) (store.BatchRun, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	return run, ok, nil
}

func (m *memStore) ListBatchItems(_ context.Context, batchID string) ([]store.BatchItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[batchID], nil
}

func (m *memStore) FindChatByID(_ context.Context, id string) (store.Chat, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[id]
	return c, ok, nil
}

func (m *memStore) SetBatchStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	run.Status = status
	m.runs[id] = run
	return nil
}

func (m *memStore) UpdateBatchCheckpoint(_ context.Context, id string, idx, processed, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.runs[id]
	run.LastProcessedIndex = idx
	run.ProcessedItems = processed
	run.FailedItems = failed
	m.runs[id] = run
	m.checkpoints = append(m.checkpoints, idx)
	return nil
}

type fakeRunner struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]int // item id -> times to fail before succeeding
	onCall   func(itemID string)
}

func (f *fakeRunner) ProcessTurn(_ context.Context, req pipeline.TurnRequest) (pipeline.TurnResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.BatchItemID)
	remaining := f.failures[req.BatchItemID]
	if remaining > 0 {
		f.failures[req.BatchItemID] = remaining - 1
	}
	cb := f.onCall
	f.mu.Unlock()
	if cb != nil {
		cb(req.BatchItemID)
	}
	if remaining > 0 {
		return pipeline.TurnResult{}, errors.New("turn failed")
	}
	return pipeline.TurnResult{InteractionID: "int-" + req.BatchItemID}, nil
}

func (f *fakeRunner) callsFor(itemID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == itemID {
			n++
		}
	}
	return n
}

func seedBatch(ms *memStore, id string, n int, missingChats ...int) {
	missing := map[int]bool{}
	for _, i := range missingChats {
		missing[i] = true
	}
	run := store.BatchRun{ID: id, Status: store.BatchStatusQueued, TotalItems: n}
	ms.runs[id] = run
	for i := 0; i < n; i++ {
		chatID := "chat-" + string(rune('0'+i))
		item := store.BatchItem{
			ID:       "item-" + string(rune('0'+i)),
			BatchID:  id,
			Position: i,
			Question: "question",
			ChatID:   chatID,
		}
		ms.items[id] = append(ms.items[id], item)
		if !missing[i] {
			ms.chats[chatID] = store.Chat{ID: chatID}
		}
	}
}

func newTestScheduler(ms *memStore, r *fakeRunner) *Scheduler {
	s := NewScheduler(ms, r, config.BatchConfig{MaxRetries: 3, RetryBaseDelay: time.Millisecond}, "openai", "google", nil)
	s.sleep = func(context.Context, time.Duration) {}
	return s
}

func TestProcessForDurationCompletesBatch(t *testing.T) {
	ms := newMemStore()
	seedBatch(ms, "b1", 3)
	r := &fakeRunner{}
	s := newTestScheduler(ms, r)

	out, err := s.ProcessForDuration(context.Background(), "b1", time.Minute, ResumeFromCheckpoint)
	if err != nil {
		t.Fatalf("ProcessForDuration: %v", err)
	}
	if out.ProcessedCount != 3 || out.FailedCount != 0 {
		t.Fatalf("counts: %+v", out)
	}
	if !out.IsComplete || out.Status != store.BatchStatusCompleted {
		t.Fatalf("completion: %+v", out)
	}
	if ms.runs["b1"].Status != store.BatchStatusCompleted {
		t.Fatalf("persisted status: %s", ms.runs["b1"].Status)
	}
	// checkpoint persisted after every item
	if len(ms.checkpoints) != 3 || ms.checkpoints[2] != 3 {
		t.Fatalf("checkpoints: %v", ms.checkpoints)
	}
}

func TestMissingChatCountsFailedWithoutRetry(t *testing.T) {
	ms := newMemStore()
	seedBatch(ms, "b1", 3, 1) // item at index 1 has no chat
	r := &fakeRunner{}
	s := newTestScheduler(ms, r)

	out, err := s.ProcessForDuration(context.Background(), "b1", time.Minute, ResumeFromCheckpoint)
	if err != nil {
		t.Fatalf("ProcessForDuration: %v", err)
	}
	if out.ProcessedCount != 2 || out.FailedCount != 1 {
		t.Fatalf("counts: %+v", out)
	}
	if !out.IsComplete || out.Status != store.BatchStatusCompleted {
		t.Fatalf("completion: %+v", out)
	}
	if r.callsFor("item-1") != 0 {
		t.Fatalf("missing-chat item must not invoke the runner")
	}
}

func TestRetryThenSucceed(t *testing.T) {
	ms := newMemStore()
	seedBatch(ms, "b1", 1)
	r := &fakeRunner{failures: map[string]int{"item-0": 1}}
	s := newTestScheduler(ms, r)

	out, err := s.ProcessForDuration(context.Background(), "b1", time.Minute, ResumeFromCheckpoint)
	if err != nil {
		t.Fatalf("ProcessForDuration: %v", err)
	}
	if out.ProcessedCount != 1 || out.FailedCount != 0 {
		t.Fatalf("counts: %+v", out)
	}
	if got := r.callsFor("item-0"); got < 2 {
		t.Fatalf("expected at least two attempts, got %d", got)
	}
}

func TestRetriesExhaustedCountsFailed(t *testing.T) {
	ms := newMemStore()
	seedBatch(ms, "b1", 2)
	r := &fakeRunner{failures: map[string]int{"item-0": 99}}
	s := newTestScheduler(ms, r)

	out, err := s.ProcessForDuration(context.Background(), "b1", time.Minute, ResumeFromCheckpoint)
	if err != nil {
		t.Fatalf("ProcessForDuration: %v", err)
	}
	if out.ProcessedCount != 1 || out.FailedCount != 1 {
		t.Fatalf("counts: %+v", out)
	}
	if got := r.callsFor("item-0"); got != 3 {
		t.Fatalf("expected exactly maxRetries attempts, got %d", got)
	}
	if !out.IsComplete {
		t.Fatalf("a failed item must not block completion: %+v", out)
	}
}

func TestResumabilityNoDuplicatesNoSkips(t *testing.T) {
	ms := newMemStore()
	seedBatch(ms, "b1", 5)
	r := &fakeRunner{}
	s := newTestScheduler(ms, r)

	// first slice: stop the budget after two items by expiring the clock
	// through a zero duration after the second call
	stop := make(chan struct{})
	r.onCall = func(itemID string) {
		if itemID == "item-1" {
			close(stop)
		}
		select {
		case <-stop:
			time.Sleep(20 * time.Millisecond)
		default:
		}
	}
	out1, err := s.ProcessForDuration(context.Background(), "b1", 15*time.Millisecond, ResumeFromCheckpoint)
	if err != nil {
		t.Fatalf("first slice: %v", err)
	}
	if out1.IsComplete {
		t.Fatalf("first slice should not complete the batch: %+v", out1)
	}
	if out1.Status != store.BatchStatusProcessing {
		t.Fatalf("status after first slice: %s", out1.Status)
	}

	r.onCall = nil
	out2, err := s.ProcessForDuration(context.Background(), "b1", time.Minute, out1.LastProcessedIndex)
	if err != nil {
		t.Fatalf("second slice: %v", err)
	}
	if !out2.IsComplete || out2.ProcessedCount != 5 {
		t.Fatalf("second slice: %+v", out2)
	}

	// every item ran exactly once across both slices
	for i := 0; i < 5; i++ {
		id := "item-" + string(rune('0'+i))
		if got := r.callsFor(id); got != 1 {
			t.Fatalf("item %s ran %d times", id, got)
		}
	}
}

func TestCooperativeCancellation(t *testing.T) {
	ms := newMemStore()
	seedBatch(ms, "b1", 3)
	r := &fakeRunner{}
	s := newTestScheduler(ms, r)

	// cancel the batch externally after the first item
	r.onCall = func(itemID string) {
		if itemID == "item-0" {
			_ = ms.SetBatchStatus(context.Background(), "b1", store.BatchStatusCancelled)
		}
	}

	out, err := s.ProcessForDuration(context.Background(), "b1", time.Minute, ResumeFromCheckpoint)
	if err != nil {
		t.Fatalf("ProcessForDuration: %v", err)
	}
	if out.Status != store.BatchStatusCancelled {
		t.Fatalf("status: %s", out.Status)
	}
	if out.IsComplete {
		t.Fatalf("cancelled batch must not report complete")
	}
	if out.ProcessedCount != 1 {
		t.Fatalf("processed: %d", out.ProcessedCount)
	}
	if len(r.calls) != 1 {
		t.Fatalf("loop did not stop after cancellation: %v", r.calls)
	}
}

func TestContextCancellationStopsLoop(t *testing.T) {
	ms := newMemStore()
	seedBatch(ms, "b1", 3)
	r := &fakeRunner{}
	s := newTestScheduler(ms, r)

	ctx, cancel := context.WithCancel(context.Background())
	r.onCall = func(itemID string) {
		if itemID == "item-0" {
			cancel()
		}
	}

	out, err := s.ProcessForDuration(ctx, "b1", time.Minute, ResumeFromCheckpoint)
	if err != nil {
		t.Fatalf("ProcessForDuration: %v", err)
	}
	if out.IsComplete {
		t.Fatalf("interrupted batch must not complete")
	}
	if out.Status != store.BatchStatusProcessing {
		t.Fatalf("status: %s", out.Status)
	}
}

func TestUnknownBatchIsError(t *testing.T) {
	ms := newMemStore()
	s := newTestScheduler(ms, &fakeRunner{})
	if _, err := s.ProcessForDuration(context.Background(), "nope", time.Minute, ResumeFromCheckpoint); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTerminalBatchIsNoOp(t *testing.T) {
	ms := newMemStore()
	ms.runs["b1"] = store.BatchRun{
		ID: "b1", Status: store.BatchStatusCompleted,
		ProcessedItems: 4, FailedItems: 1, LastProcessedIndex: 5,
	}
	r := &fakeRunner{}
	s := newTestScheduler(ms, r)

	out, err := s.ProcessForDuration(context.Background(), "b1", time.Minute, ResumeFromCheckpoint)
	if err != nil {
		t.Fatalf("ProcessForDuration: %v", err)
	}
	if !out.IsComplete || out.ProcessedCount != 4 || out.FailedCount != 1 {
		t.Fatalf("outcome: %+v", out)
	}
	if len(r.calls) != 0 {
		t.Fatalf("terminal batch must not run items")
	}
}
