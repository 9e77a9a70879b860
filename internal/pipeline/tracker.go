package pipeline

import (
	"log"
	"sync"
	"time"

	"github.com/govanswers/govanswers/internal/store"
)

const summaryFieldLimit = 500

// Tracker records the tool invocations the agent makes during one turn,
// keyed by invocation id since the same tool may run more than once.
type Tracker struct {
	mu      sync.Mutex
	order   []string
	records map[string]*store.ToolUsageRecord
	logger  *log.Logger
}

func NewTracker() *Tracker {
	return &Tracker{
		records: map[string]*store.ToolUsageRecord{},
		logger:  log.New(log.Writer(), "[TOOLS] ", log.LstdFlags),
	}
}

// Start registers a new tool invocation.
func (t *Tracker) Start(id, name, input string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.records[id]; exists {
		t.logger.Printf("duplicate start for tool invocation %s (%s), keeping first", id, name)
		return
	}
	t.order = append(t.order, id)
	t.records[id] = &store.ToolUsageRecord{
		ID:        id,
		Name:      name,
		Input:     input,
		Status:    store.ToolStatusStarted,
		StartedAt: time.Now().UTC(),
	}
}

// End completes an invocation with its output. Unknown ids are logged and
// ignored.
func (t *Tracker) End(id, output string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		t.logger.Printf("end for unknown tool invocation %s", id)
		return
	}
	now := time.Now().UTC()
	rec.Output = output
	rec.EndedAt = &now
	rec.DurationMS = now.Sub(rec.StartedAt).Milliseconds()
	rec.Status = store.ToolStatusCompleted
}

// Error marks an invocation failed. Unknown ids are logged and ignored.
func (t *Tracker) Error(id, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		t.logger.Printf("error for unknown tool invocation %s", id)
		return
	}
	now := time.Now().UTC()
	rec.Error = truncate(errMsg, summaryFieldLimit)
	rec.EndedAt = &now
	rec.DurationMS = now.Sub(rec.StartedAt).Milliseconds()
	rec.Status = store.ToolStatusError
}

// Summary returns the invocation records in start order with long output and
// error fields truncated so persisted rows stay bounded.
func (t *Tracker) Summary() []store.ToolUsageRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]store.ToolUsageRecord, 0, len(t.order))
	for _, id := range t.order {
		rec := *t.records[id]
		rec.Input = truncate(rec.Input, summaryFieldLimit)
		rec.Output = truncate(rec.Output, summaryFieldLimit)
		rec.Error = truncate(rec.Error, summaryFieldLimit)
		out = append(out, rec)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
