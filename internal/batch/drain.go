package batch

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/govanswers/govanswers/internal/store"
)

// drainStore lists batches awaiting work.
type drainStore interface {
	ListBatchRunsByStatus(ctx context.Context, status string) ([]store.BatchRun, error)
}

// Drainer resumes unfinished batches on a cron cadence, running one duration
// slice per batch per tick. A Redis lock keeps two drainer instances off the
// same batch id, upholding the single-writer checkpoint invariant.
type Drainer struct {
	Store drainStore
	Sched *Scheduler
	Rdb   *redis.Client
	Cron  string
	Slice time.Duration
	Stop  chan struct{}

	logger *log.Logger
	last   *time.Time
}

func (d *Drainer) Start() {
	if d.logger == nil {
		d.logger = log.New(log.Writer(), "[DRAIN] ", log.LstdFlags)
	}
	ticker := time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-d.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				if d.isDue() {
					now := time.Now()
					d.last = &now
					d.tick()
				}
			}
		}
	}()
}

func (d *Drainer) isDue() bool {
	if d.Cron == "" {
		return true
	}
	expr, err := cronexpr.Parse(d.Cron)
	if err != nil {
		d.logger.Printf("invalid drain cron %q, running every tick", d.Cron)
		return true
	}
	if d.last == nil {
		return true
	}
	return !expr.Next(*d.last).After(time.Now())
}

func (d *Drainer) tick() {
	ctx := context.Background()

	var due []store.BatchRun
	for _, status := range []string{store.BatchStatusQueued, store.BatchStatusProcessing} {
		runs, err := d.Store.ListBatchRunsByStatus(ctx, status)
		if err != nil {
			d.logger.Printf("list %s batches: %v", status, err)
			continue
		}
		due = append(due, runs...)
	}

	for _, run := range due {
		d.drainOne(ctx, run.ID)
	}
}

func (d *Drainer) drainOne(ctx context.Context, batchID string) {
	if d.Rdb != nil {
		lockKey := "batch:lock:" + batchID
		ok, err := d.Rdb.SetNX(ctx, lockKey, "1", d.Slice+time.Minute).Result()
		if err != nil {
			d.logger.Printf("lock %s: %v", batchID, err)
			return
		}
		if !ok {
			return
		}
		defer d.Rdb.Del(ctx, lockKey)
	}

	out, err := d.Sched.ProcessForDuration(ctx, batchID, d.Slice, ResumeFromCheckpoint)
	if err != nil {
		d.logger.Printf("batch %s slice failed: %v", batchID, err)
		return
	}
	d.logger.Printf("batch %s: processed=%d failed=%d status=%s index=%d",
		batchID, out.ProcessedCount, out.FailedCount, out.Status, out.LastProcessedIndex)
}
