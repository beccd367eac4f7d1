package svc

import (
	"context"
	"time"

	"pastelink/metrics"
	"pastelink/svc/cache"
	"pastelink/svc/db"
	"pastelink/svc/util"

	"github.com/pkg/errors"
)

// Sweeper deletes dead texts and drops them from the cache. It is safe to
// run alongside traffic: it only removes rows reads already treat as absent.
type Sweeper struct {
	store db.Store
	lru   *cache.LRU
}

func NewSweeper(store db.Store, lru *cache.LRU) *Sweeper {
	return &Sweeper{store: store, lru: lru}
}

func (sw *Sweeper) Sweep(ctx context.Context) (int, error) {
	deleted, codes, err := sw.store.SweepDead(ctx)
	if len(codes) > 0 {
		for _, code := range codes {
			sw.lru.Invalidate(code)
		}
	} else if deleted > 0 {
		sw.lru.Clear()
	}
	metrics.SweepCycles.Inc()
	metrics.SweepDeleted.Add(float64(deleted))
	if err != nil {
		return deleted, errors.Wrap(err, "sweep")
	}
	return deleted, nil
}

// StartSweeper runs Sweep every interval until ctx is cancelled. The
// returned channel is closed once the loop has exited.
func StartSweeper(ctx context.Context, sw *Sweeper, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		runSweeper(ctx, sw, interval)
	}()
	return done
}
func runSweeper(ctx context.Context, sw *Sweeper, interval time.Duration) {
	sweepRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, sweepRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", sweepRequestID).
		Dur("interval", interval).
		Msg("sweep worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", sweepRequestID).
				Msg("sweep worker shutting down")
			return
		case <-ticker.C:
			deleted, err := sw.Sweep(ctx)
			if err != nil {
				util.Error().
					Err(err).
					Int("deleted", deleted).
					Str("request_id", sweepRequestID).
					Msg("sweep failed")
			} else if deleted > 0 {
				util.Info().
					Int("deleted", deleted).
					Str("request_id", sweepRequestID).
					Msg("sweep completed")
			}
		}
	}
}
