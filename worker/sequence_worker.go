package worker

import (
	"context"
	"time"

	"outreachd/engine"

	"github.com/sirupsen/logrus"
)

// SequenceWorker is the dispatcher for the enrollment engine: it polls for
// due enrollments, executes their steps on a bounded pool, recovers stalled
// executions after a crash and resets the daily send counters at midnight.
// Restarting it loses nothing; all state is on the enrollment rows.
type SequenceWorker struct {
	engine *engine.Engine
	logger *logrus.Entry

	pollInterval time.Duration
	stallTimeout time.Duration
	claimBatch   int
	concurrency  int
}

func NewSequenceWorker(eng *engine.Engine, logger *logrus.Logger, pollInterval, stallTimeout time.Duration, concurrency int) *SequenceWorker {
	return &SequenceWorker{
		engine:       eng,
		logger:       logger.WithField("component", "sequence_worker"),
		pollInterval: pollInterval,
		stallTimeout: stallTimeout,
		claimBatch:   100,
		concurrency:  concurrency,
	}
}

// Start runs the dispatch loop until the context is cancelled.
func (w *SequenceWorker) Start(ctx context.Context) {
	w.logger.WithField("poll_interval", w.pollInterval).Info("starting sequence worker")

	// Startup recovery: anything claimed by a previous process is stalled by
	// definition.
	if _, err := w.engine.ReapStalled(w.stallTimeout); err != nil {
		w.logger.WithError(err).Error("failed to reap stalled enrollments")
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	reapTicker := time.NewTicker(w.stallTimeout)
	defer reapTicker.Stop()

	go w.resetCountersLoop(ctx)

	// Bounded fan-out: at most concurrency steps in flight at once.
	sem := make(chan struct{}, w.concurrency)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stopping sequence worker")
			return

		case id := <-w.engine.Wake():
			claimed, err := w.engine.Claim(id)
			if err != nil {
				w.logger.WithError(err).WithField("enrollment_id", id).Error("claim failed")
				continue
			}
			if claimed {
				w.dispatch(ctx, sem, id)
			}

		case <-ticker.C:
			ids, err := w.engine.ClaimDue(w.claimBatch)
			if err != nil {
				w.logger.WithError(err).Error("failed to claim due enrollments")
				continue
			}
			for _, id := range ids {
				w.dispatch(ctx, sem, id)
			}

		case <-reapTicker.C:
			if _, err := w.engine.ReapStalled(w.stallTimeout); err != nil {
				w.logger.WithError(err).Error("failed to reap stalled enrollments")
			}
		}
	}
}

func (w *SequenceWorker) dispatch(ctx context.Context, sem chan struct{}, enrollmentID uint) {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	go func() {
		defer func() { <-sem }()
		if err := w.engine.ExecuteStep(ctx, enrollmentID); err != nil {
			w.logger.WithError(err).WithField("enrollment_id", enrollmentID).
				Error("step execution failed")
		}
	}()
}

// resetCountersLoop zeroes the per-connection daily counters at each local
// midnight.
func (w *SequenceWorker) resetCountersLoop(ctx context.Context) {
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		if err := w.engine.ResetDailyCounters(); err != nil {
			w.logger.WithError(err).Error("failed to reset daily send counters")
		} else {
			w.logger.Info("daily send counters reset")
		}
	}
}
