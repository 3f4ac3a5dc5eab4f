// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the node-addressed task queue and its
// daily partitions.
//
// Ordering: pending tasks of one node are returned in (partition_id,
// created_at, id) ascending order, which is FIFO within and across
// partitions.
//
// Partitions: the newest non-detached partition is the active one and
// receives every new task. Rolling over and detaching are the only
// operations that need exclusive coordination; DetachPartition takes a row
// lock (where the dialect has one) and finishes with a compare-and-set on
// detached_at so two concurrent callers can never both detach.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/zoekt-coordinator/internal/domain"
)

var (
	// ErrPartitionHasPending is returned when detaching a partition that
	// still holds pending tasks.
	ErrPartitionHasPending = errors.New("partition has pending tasks")

	// ErrPartitionDetached is returned when the partition was already
	// detached, possibly by a concurrent caller.
	ErrPartitionDetached = errors.New("partition already detached")

	// ErrActivePartition is returned when detaching the partition that
	// currently receives new tasks.
	ErrActivePartition = errors.New("partition is active")
)

// CreatePartition opens a new partition, which becomes the active one. Every
// partition still open is closed at now.
func CreatePartition(ctx context.Context, db *gorm.DB, now time.Time) (*domain.TaskPartition, error) {
	p := &domain.TaskPartition{CreatedAt: now.UTC()}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&domain.TaskPartition{}).
			Where("closed_at IS NULL AND detached_at IS NULL").
			UpdateColumn("closed_at", now.UTC()).Error
		if err != nil {
			return err
		}
		return tx.Create(p).Error
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ActivePartition returns the newest non-detached partition, or ErrNotFound.
func ActivePartition(ctx context.Context, db *gorm.DB) (*domain.TaskPartition, error) {
	var p domain.TaskPartition
	err := db.WithContext(ctx).
		Where("detached_at IS NULL").
		Order("id DESC").
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPartitions returns partitions ordered by id; detached ones only when
// includeDetached is set.
func ListPartitions(ctx context.Context, db *gorm.DB, includeDetached bool) ([]domain.TaskPartition, error) {
	q := db.WithContext(ctx).Order("id ASC")
	if !includeDetached {
		q = q.Where("detached_at IS NULL")
	}
	var out []domain.TaskPartition
	err := q.Find(&out).Error
	return out, err
}

// OldestTaskCreatedAt returns the creation time of the oldest task in a
// partition, or nil when it is empty.
func OldestTaskCreatedAt(ctx context.Context, db *gorm.DB, partitionID uint64) (*time.Time, error) {
	var rows []struct{ CreatedAt time.Time }
	// avoid MIN() -> TEXT in SQLite
	err := db.WithContext(ctx).
		Model(&domain.Task{}).
		Select("created_at").
		Where("partition_id = ?", partitionID).
		Order("created_at ASC").
		Limit(1).
		Scan(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0].CreatedAt, nil
}

// EnsureActivePartition returns the active partition, opening a new one
// when there is none or when the oldest task of the current one is older
// than period. rolled reports whether a partition was created.
func EnsureActivePartition(ctx context.Context, db *gorm.DB, now time.Time, period time.Duration) (p *domain.TaskPartition, rolled bool, err error) {
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := lockActivePartition(tx)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			p, err = CreatePartition(ctx, tx, now)
			rolled = err == nil
			return err
		}
		if err != nil {
			return err
		}
		oldest, err := OldestTaskCreatedAt(ctx, tx, cur.ID)
		if err != nil {
			return err
		}
		if oldest == nil || now.Sub(*oldest) <= period {
			p = cur
			return nil
		}
		p, err = CreatePartition(ctx, tx, now)
		rolled = err == nil
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return p, rolled, nil
}

func lockActivePartition(tx *gorm.DB) (*domain.TaskPartition, error) {
	q := tx.Where("detached_at IS NULL").Order("id DESC")
	if !IsSQLite(tx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var p domain.TaskPartition
	if err := q.First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// EnqueueTask inserts t as pending. Unless t.PartitionID is set, the task
// goes to the active partition, which is created if none exists.
func EnqueueTask(ctx context.Context, db *gorm.DB, t *domain.Task) error {
	if !t.Type.Valid() {
		return fmt.Errorf("enqueue task: unknown type %d", int8(t.Type))
	}
	if t.PartitionID == 0 {
		p, err := ActivePartition(ctx, db)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			p, err = CreatePartition(ctx, db, time.Now())
		}
		if err != nil {
			return err
		}
		t.PartitionID = p.ID
	}
	t.State = domain.TaskPending
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(t).Error
}

// GetTask fetches a task by id, or ErrNotFound.
func GetTask(ctx context.Context, db *gorm.DB, id uint64) (*domain.Task, error) {
	var t domain.Task
	if err := db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// PendingTasksForNode returns up to limit pending tasks of a node in FIFO
// order. limit <= 0 means no limit.
func PendingTasksForNode(ctx context.Context, db *gorm.DB, nodeID uint64, limit int) ([]domain.Task, error) {
	q := db.WithContext(ctx).
		Where("node_id = ? AND state = ?", nodeID, domain.TaskPending).
		Order("partition_id ASC").
		Order("created_at ASC").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.Task
	err := q.Find(&out).Error
	return out, err
}

// NodesWithPendingTasks returns the distinct ids of nodes that have work.
func NodesWithPendingTasks(ctx context.Context, db *gorm.DB) ([]uint64, error) {
	var ids []uint64
	err := db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("state = ?", domain.TaskPending).
		Distinct("node_id").
		Order("node_id ASC").
		Pluck("node_id", &ids).Error
	return ids, err
}

// CompleteTask moves a pending task to done.
func CompleteTask(ctx context.Context, db *gorm.DB, id uint64) error {
	return transitionTask(ctx, db, id, domain.TaskDone, map[string]any{"last_error": ""})
}

// FailTask records a failed attempt. The retry counter is incremented and
// the task becomes failed once it reaches maxRetries; otherwise it stays
// pending. The resulting state is returned.
func FailTask(ctx context.Context, db *gorm.DB, id uint64, cause string, maxRetries int) (domain.TaskState, error) {
	var state domain.TaskState
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := GetTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.State != domain.TaskPending {
			return fmt.Errorf("%w: task %d is %s", domain.ErrInvalidTransition, id, t.State)
		}
		retries := t.Retries + 1
		state = domain.TaskPending
		if retries >= maxRetries {
			state = domain.TaskFailed
		}
		res := tx.Model(&domain.Task{}).
			Where("id = ? AND state = ?", id, domain.TaskPending).
			UpdateColumns(map[string]any{
				"retries":    retries,
				"state":      state,
				"last_error": cause,
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: task %d changed concurrently", domain.ErrInvalidTransition, id)
		}
		return nil
	})
	return state, err
}

func transitionTask(ctx context.Context, db *gorm.DB, id uint64, next domain.TaskState, extra map[string]any) error {
	if !domain.TaskPending.CanTransitionTo(next) {
		return fmt.Errorf("%w: pending -> %s", domain.ErrInvalidTransition, next)
	}
	cols := map[string]any{"state": next, "updated_at": time.Now().UTC()}
	for k, v := range extra {
		cols[k] = v
	}
	res := db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ? AND state = ?", id, domain.TaskPending).
		UpdateColumns(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	t, err := GetTask(ctx, db, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: task %d is %s", domain.ErrInvalidTransition, id, t.State)
}

// DetachablePartitions returns the non-active, non-detached partitions that
// stopped receiving tasks before now-retention, oldest first. A partition
// without closed_at counts as closed when its successor was created.
func DetachablePartitions(ctx context.Context, db *gorm.DB, now time.Time, retention time.Duration) ([]domain.TaskPartition, error) {
	parts, err := ListPartitions(ctx, db, false)
	if err != nil || len(parts) < 2 {
		return nil, err
	}
	cutoff := now.Add(-retention).UTC()
	var out []domain.TaskPartition
	// The last element is the active partition.
	for i, p := range parts[:len(parts)-1] {
		closed := parts[i+1].CreatedAt
		if p.ClosedAt != nil {
			closed = *p.ClosedAt
		}
		if closed.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}

// OrphanPendingTasks marks every pending task of a partition orphaned and
// returns how many were changed.
func OrphanPendingTasks(ctx context.Context, db *gorm.DB, partitionID uint64) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("partition_id = ? AND state = ?", partitionID, domain.TaskPending).
		UpdateColumns(map[string]any{
			"state":      domain.TaskOrphaned,
			"last_error": "partition expired before delivery",
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

// CountPendingInPartition returns the number of pending tasks in a partition.
func CountPendingInPartition(ctx context.Context, db *gorm.DB, partitionID uint64) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("partition_id = ? AND state = ?", partitionID, domain.TaskPending).
		Count(&n).Error
	return n, err
}

// DetachPartition drops the tasks of a partition and marks it detached. It
// refuses the active partition and any partition with pending tasks.
func DetachPartition(ctx context.Context, db *gorm.DB, id uint64, now time.Time) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("id = ?", id)
		if !IsSQLite(tx) {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var p domain.TaskPartition
		if err := q.First(&p).Error; err != nil {
			return err
		}
		if p.Detached() {
			return ErrPartitionDetached
		}
		active, err := ActivePartition(ctx, tx)
		if err != nil {
			return err
		}
		if active.ID == p.ID {
			return ErrActivePartition
		}
		pending, err := CountPendingInPartition(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if pending > 0 {
			return fmt.Errorf("%w: partition %d has %d", ErrPartitionHasPending, p.ID, pending)
		}
		res := tx.Model(&domain.TaskPartition{}).
			Where("id = ? AND detached_at IS NULL", p.ID).
			UpdateColumn("detached_at", now.UTC())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrPartitionDetached
		}
		return tx.Where("partition_id = ?", p.ID).Delete(&domain.Task{}).Error
	})
}
