// Package batch drives the turn pipeline over queued bulk items inside a
// fixed wall-clock budget, checkpointing progress for resumption.
package batch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/govanswers/govanswers/config"
	"github.com/govanswers/govanswers/internal/pipeline"
	"github.com/govanswers/govanswers/internal/store"
	"github.com/govanswers/govanswers/internal/telemetry"
)

// ResumeFromCheckpoint selects the batch's persisted index instead of an
// explicit one.
const ResumeFromCheckpoint = -1

// TurnRunner is the pipeline call one batch item maps to.
type TurnRunner interface {
	ProcessTurn(ctx context.Context, req pipeline.TurnRequest) (pipeline.TurnResult, error)
}

// storeAPI is the slice of the persistence layer the scheduler needs.
type storeAPI interface {
	FindBatchRunByID(ctx context.Context, id string) (store.BatchRun, bool, error)
	ListBatchItems(ctx context.Context, batchID string) ([]store.BatchItem, error)
	FindChatByID(ctx context.Context, id string) (store.Chat, bool, error)
	SetBatchStatus(ctx context.Context, id, status string) error
	UpdateBatchCheckpoint(ctx context.Context, id string, lastProcessedIndex, processed, failed int) error
}

// Outcome summarizes one processing slice.
type Outcome struct {
	ProcessedCount     int
	FailedCount        int
	Status             string
	IsComplete         bool
	LastProcessedIndex int
}

// Scheduler runs duration-bounded slices over a batch. The same batch id must
// not be processed by two overlapping calls; the checkpoint write is a single
// writer convention the caller upholds.
type Scheduler struct {
	store          storeAPI
	runner         TurnRunner
	maxRetries     int
	retryBaseDelay time.Duration
	modelProvider  string
	searchProvider string
	tel            *telemetry.Telemetry
	logger         *log.Logger

	// sleep is swapped out in tests to skip real backoff delays.
	sleep func(ctx context.Context, d time.Duration)
}

func NewScheduler(st storeAPI, runner TurnRunner, cfg config.BatchConfig, modelProvider, searchProvider string, tel *telemetry.Telemetry) *Scheduler {
	cfg = cfg.Normalize()
	return &Scheduler{
		store:          st,
		runner:         runner,
		maxRetries:     cfg.MaxRetries,
		retryBaseDelay: cfg.RetryBaseDelay,
		modelProvider:  modelProvider,
		searchProvider: searchProvider,
		tel:            tel,
		logger:         log.New(log.Writer(), "[BATCH] ", log.LstdFlags),
		sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ProcessForDuration processes items from the checkpoint (or resumeFrom when
// >= 0) until the duration budget elapses, the item list is exhausted, the
// context ends, or an external actor cancels the batch. The checkpoint is
// persisted after every item so a crash loses at most the in-flight item.
func (s *Scheduler) ProcessForDuration(ctx context.Context, batchID string, duration time.Duration, resumeFrom int) (Outcome, error) {
	started := time.Now()

	run, ok, err := s.store.FindBatchRunByID(ctx, batchID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load batch %s: %w", batchID, err)
	}
	if !ok {
		return Outcome{}, fmt.Errorf("batch %s: %w", batchID, store.ErrNotFound)
	}

	switch run.Status {
	case store.BatchStatusQueued:
		if err := s.store.SetBatchStatus(ctx, batchID, store.BatchStatusProcessing); err != nil {
			return Outcome{}, fmt.Errorf("mark batch processing: %w", err)
		}
	case store.BatchStatusProcessing:
	default:
		// terminal, nothing to do
		return Outcome{
			ProcessedCount:     run.ProcessedItems,
			FailedCount:        run.FailedItems,
			Status:             run.Status,
			IsComplete:         run.Status == store.BatchStatusCompleted,
			LastProcessedIndex: run.LastProcessedIndex,
		}, nil
	}

	items, err := s.store.ListBatchItems(ctx, batchID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load batch items: %w", err)
	}

	idx := run.LastProcessedIndex
	if resumeFrom >= 0 {
		idx = resumeFrom
	}
	processed := run.ProcessedItems
	failed := run.FailedItems
	status := store.BatchStatusProcessing

	for idx < len(items) {
		if time.Since(started) >= duration {
			break
		}
		if ctx.Err() != nil {
			break
		}

		// re-read status so external cancellation is observed between items
		current, ok, err := s.store.FindBatchRunByID(ctx, batchID)
		if err != nil {
			return Outcome{}, fmt.Errorf("re-load batch %s: %w", batchID, err)
		}
		if !ok {
			return Outcome{}, fmt.Errorf("batch %s disappeared: %w", batchID, store.ErrNotFound)
		}
		if current.Status != store.BatchStatusProcessing {
			status = current.Status
			break
		}

		item := items[idx]
		if s.processItem(ctx, item) {
			processed++
			s.countItem("processed")
		} else {
			failed++
			s.countItem("failed")
		}

		idx++
		if err := s.store.UpdateBatchCheckpoint(ctx, batchID, idx, processed, failed); err != nil {
			return Outcome{}, fmt.Errorf("persist checkpoint: %w", err)
		}
	}

	complete := false
	if idx >= len(items) && status == store.BatchStatusProcessing {
		if err := s.store.SetBatchStatus(ctx, batchID, store.BatchStatusCompleted); err != nil {
			return Outcome{}, fmt.Errorf("mark batch completed: %w", err)
		}
		status = store.BatchStatusCompleted
		complete = true
	}

	return Outcome{
		ProcessedCount:     processed,
		FailedCount:        failed,
		Status:             status,
		IsComplete:         complete,
		LastProcessedIndex: idx,
	}, nil
}

// processItem runs one item through the pipeline, retrying turn failures with
// exponential backoff. A missing chat fails immediately without retry.
func (s *Scheduler) processItem(ctx context.Context, item store.BatchItem) bool {
	chat, ok, err := s.store.FindChatByID(ctx, item.ChatID)
	if err != nil {
		s.logger.Printf("chat lookup for item %s failed: %v", item.ID, err)
		return false
	}
	if !ok {
		s.logger.Printf("item %s references missing chat %s, counting as failed", item.ID, item.ChatID)
		return false
	}

	req := pipeline.TurnRequest{
		UserMessage:    item.Question,
		Language:       item.Language,
		ModelProvider:  s.modelProvider,
		SearchProvider: s.searchProvider,
		BatchItemID:    item.ID,
		BatchChatID:    chat.ID,
	}

	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			s.sleep(ctx, s.retryBaseDelay<<(attempt-1))
			if ctx.Err() != nil {
				return false
			}
		}
		if _, err := s.runner.ProcessTurn(ctx, req); err != nil {
			lastErr = err
			continue
		}
		return true
	}
	s.logger.Printf("item %s failed after %d attempts: %v", item.ID, s.maxRetries, lastErr)
	return false
}

func (s *Scheduler) countItem(outcome string) {
	if s.tel != nil {
		s.tel.BatchItems.WithLabelValues(outcome).Inc()
	}
}
