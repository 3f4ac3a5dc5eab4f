// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file contains small aggregate queries over the task
// queue used by the node listing endpoint and the queue gauges.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/zoekt-coordinator/internal/domain"
)

// NodeQueueStats returns the number of pending tasks addressed to nodeID and
// the creation time of the oldest one.
//
// Return values:
//   - pending:  pending tasks for nodeID
//   - oldestAt: pointer to the oldest pending CreatedAt, or nil if none
//   - err:      database error, if any
func NodeQueueStats(ctx context.Context, db *gorm.DB, nodeID uint64) (pending int64, oldestAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Task{}).Where("node_id = ? AND state = ?", nodeID, domain.TaskPending)

	// Count
	if err = q.Count(&pending).Error; err != nil {
		return 0, nil, err
	}
	if pending == 0 {
		return 0, nil, nil
	}

	// Get oldest created_at (avoid MIN() -> TEXT in SQLite)
	var row struct {
		CreatedAt time.Time
	}
	if err = q.Select("created_at").Order("created_at ASC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return pending, &row.CreatedAt, nil
}

// TaskStateCounts returns the number of tasks per state across all
// non-detached partitions.
func TaskStateCounts(ctx context.Context, db *gorm.DB) (map[domain.TaskState]int64, error) {
	var rows []struct {
		State domain.TaskState
		N     int64
	}
	err := db.WithContext(ctx).
		Model(&domain.Task{}).
		Select("state, COUNT(*) AS n").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.TaskState]int64, len(rows))
	for _, r := range rows {
		out[r.State] = r.N
	}
	return out, nil
}
