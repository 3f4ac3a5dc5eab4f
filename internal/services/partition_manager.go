package services

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/zoekt-coordinator/internal/repo"
)

var partitionsDetached = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "zoekt_partitions_detached_total",
	Help: "Task partitions detached after their retention expired.",
})

func init() {
	prometheus.MustRegister(partitionsDetached)
}

// RotateResult summarizes one partition maintenance pass.
type RotateResult struct {
	Rolled   bool  `json:"rolled"`
	Orphaned int64 `json:"orphaned"`
	Detached int   `json:"detached"`
}

// PartitionManager opens new task partitions and detaches expired ones.
type PartitionManager struct {
	DB *gorm.DB
	// Period is how long a partition stays active before a new one opens.
	Period time.Duration
	// Retention is how long a non-active partition is kept.
	Retention time.Duration
	Now       func() time.Time

	log zerolog.Logger
}

// NewPartitionManager builds a manager.
func NewPartitionManager(db *gorm.DB, period, retention time.Duration, log zerolog.Logger) *PartitionManager {
	return &PartitionManager{
		DB:        db,
		Period:    period,
		Retention: retention,
		Now:       time.Now,
		log:       log.With().Str("component", "partition_manager").Logger(),
	}
}

// Rotate ensures an active partition exists, then orphans the pending
// tasks of every expired partition and detaches it. Partitions detached
// concurrently by another process are skipped.
func (m *PartitionManager) Rotate(ctx context.Context) (RotateResult, error) {
	var res RotateResult
	now := m.Now().UTC()

	p, rolled, err := repo.EnsureActivePartition(ctx, m.DB, now, m.Period)
	if err != nil {
		return res, err
	}
	res.Rolled = rolled
	if rolled {
		m.log.Info().Uint64("partition_id", p.ID).Msg("task partition opened")
	}

	expired, err := repo.DetachablePartitions(ctx, m.DB, now, m.Retention)
	if err != nil {
		return res, err
	}
	for _, part := range expired {
		n, err := repo.OrphanPendingTasks(ctx, m.DB, part.ID)
		if err != nil {
			return res, err
		}
		res.Orphaned += n
		if n > 0 {
			m.log.Warn().Uint64("partition_id", part.ID).Int64("tasks", n).Msg("pending tasks orphaned")
		}

		err = repo.DetachPartition(ctx, m.DB, part.ID, now)
		switch {
		case errors.Is(err, repo.ErrPartitionDetached), errors.Is(err, repo.ErrPartitionHasPending):
			m.log.Debug().Err(err).Uint64("partition_id", part.ID).Msg("partition skipped")
			continue
		case err != nil:
			return res, err
		}
		res.Detached++
		partitionsDetached.Inc()
		m.log.Info().Uint64("partition_id", part.ID).Msg("task partition detached")
	}
	return res, nil
}
