package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// defaultPendingGrace is how long an index may stay pending before the
// worker assumes its assignment event was lost.
const defaultPendingGrace = time.Minute

// Worker periodically delivers pending tasks, re-queues tasks for stuck
// pending indices and rotates task partitions.
type Worker struct {
	Tasks      *TaskProcessor
	Partitions *PartitionManager
	Indexer    *NamespaceIndexer
	Interval   time.Duration
	// PendingGrace is the age after which a pending index is reconciled.
	PendingGrace time.Duration

	now func() time.Time
	log zerolog.Logger
}

// NewWorker builds a worker ticking every interval.
func NewWorker(tasks *TaskProcessor, partitions *PartitionManager, indexer *NamespaceIndexer, interval time.Duration, log zerolog.Logger) *Worker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Worker{
		Tasks:        tasks,
		Partitions:   partitions,
		Indexer:      indexer,
		Interval:     interval,
		PendingGrace: defaultPendingGrace,
		now:          time.Now,
		log:          log.With().Str("component", "worker").Logger(),
	}
}

// Run ticks until ctx is cancelled. The first pass runs immediately.
func (w *Worker) Run(ctx context.Context) {
	t := time.NewTicker(w.Interval)
	defer t.Stop()
	for {
		w.Tick(ctx)
		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker stopped")
			return
		case <-t.C:
		}
	}
}

// Tick reconciles stuck pending indices, then runs one delivery pass and
// one rotation pass. Errors are logged; the next tick retries.
func (w *Worker) Tick(ctx context.Context) {
	if w.Indexer != nil {
		if n, err := w.Indexer.ReconcilePending(ctx, w.now().Add(-w.PendingGrace)); err != nil {
			w.log.Error().Err(err).Int("reconciled", n).Msg("pending index reconcile failed")
		}
	}
	if w.Tasks != nil && ctx.Err() == nil {
		results, err := w.Tasks.ProcessAll(ctx)
		if err != nil {
			w.log.Error().Err(err).Msg("task processing failed")
		}
		for _, r := range results {
			if r.Done+r.Failed+r.Retrying == 0 && !r.Skipped {
				continue
			}
			w.log.Debug().
				Uint64("node_id", r.NodeID).
				Int("done", r.Done).
				Int("failed", r.Failed).
				Int("retrying", r.Retrying).
				Bool("skipped", r.Skipped).
				Msg("node tasks processed")
		}
	}
	if w.Partitions != nil && ctx.Err() == nil {
		if _, err := w.Partitions.Rotate(ctx); err != nil {
			w.log.Error().Err(err).Msg("partition rotation failed")
		}
	}
}
