package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Gate is the Redis-backed boolean admission check run before a turn starts.
// Redis being unreachable fails open: answering beats throttling.
type Gate struct {
	rdb     *redis.Client
	perHour int
	logger  *log.Logger
}

func NewGate(rdb *redis.Client, perHour int) *Gate {
	return &Gate{
		rdb:     rdb,
		perHour: perHour,
		logger:  log.New(log.Writer(), "[GATE] ", log.LstdFlags),
	}
}

// Allow reports whether the caller identified by key may start a turn now.
func (g *Gate) Allow(ctx context.Context, key string) bool {
	if g == nil || g.rdb == nil || g.perHour <= 0 {
		return true
	}
	bucket := fmt.Sprintf("gate:%s:%s", key, time.Now().UTC().Format("2006010215"))
	count, err := g.rdb.Incr(ctx, bucket).Result()
	if err != nil {
		g.logger.Printf("admission check failed for %s: %v", key, err)
		return true
	}
	if count == 1 {
		g.rdb.Expire(ctx, bucket, time.Hour)
	}
	return count <= int64(g.perHour)
}
