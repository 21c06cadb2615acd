package syncworker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Kicko7/Klyno-sub001/internal/persistence"
	"github.com/Kicko7/Klyno-sub001/internal/session"
	"github.com/Kicko7/Klyno-sub001/pkg/config"
	"github.com/Kicko7/Klyno-sub001/pkg/logger"
	"github.com/Kicko7/Klyno-sub001/pkg/metrics"
)

// Worker periodically sweeps active sessions and flushes every room
// holding unsynced messages, however few. It is the safety net behind
// the threshold-gated proactive flush on the hot send path: without it
// a small backlog in an idle room would sit unsynced until the session
// TTL evicted it.
type Worker struct {
	store    *session.Store
	bridge   *persistence.Bridge
	interval time.Duration
	log      *logger.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a sync worker.
func New(store *session.Store, bridge *persistence.Bridge, cfg *config.Config, log *logger.Logger) *Worker {
	return &Worker{
		store:    store,
		bridge:   bridge,
		interval: cfg.Sync.Interval,
		log:      log,
	}
}

// Start launches the sweep loop. Subsequent calls are no-ops until
// Stop.
func (w *Worker) Start(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.log.Info("sync worker started", "interval", w.interval.String())
		for {
			select {
			case <-ctx.Done():
				w.log.Info("sync worker stopped")
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (w *Worker) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	w.cancel()
	w.wg.Wait()
}

// RunOnce performs a single sweep. Exported so shutdown can force a
// final pass.
func (w *Worker) RunOnce(ctx context.Context) {
	start := time.Now()
	metrics.SyncRuns.Inc()

	rooms, err := w.store.ActiveRooms(ctx)
	if err != nil {
		w.log.LogError(err, "sync sweep could not enumerate active rooms")
		return
	}

	flushed := 0
	for _, roomID := range rooms {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dirty, err := w.store.HasUnsynced(ctx, roomID)
		if err != nil {
			w.log.Warn("sync check failed", "room_id", roomID, "error", err.Error())
			continue
		}
		if !dirty {
			continue
		}

		if err := w.bridge.Flush(ctx, roomID); err != nil {
			// Flush already counted the failure; the next sweep retries.
			w.log.LogError(err, "background flush failed", "room_id", roomID)
			continue
		}
		flushed++
	}

	metrics.SyncDuration.Observe(time.Since(start).Seconds())
	metrics.LastSyncTimestamp.SetToCurrentTime()

	if flushed > 0 {
		w.log.Info("sync sweep complete",
			"rooms_scanned", len(rooms),
			"rooms_flushed", flushed,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
