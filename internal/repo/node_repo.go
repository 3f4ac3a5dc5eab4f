// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Node model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
//
// Error semantics:
//   - When a node is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - Failure-counter updates are single-statement partial updates; concurrent
//     callers may race and last-writer-wins is acceptable.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/zoekt-coordinator/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// FindOrInitializeByHeartbeat creates the node identified by p.UUID or
// refreshes the existing one. last_seen_at is set to now on every call;
// the failure counter is never touched.
func FindOrInitializeByHeartbeat(ctx context.Context, db *gorm.DB, p domain.HeartbeatParams, now time.Time) (*domain.Node, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	meta := map[string]string{}
	if p.Name != "" {
		meta["name"] = p.Name
	}
	n := &domain.Node{
		UUID:          p.UUID,
		IndexBaseURL:  p.URL,
		SearchBaseURL: p.SearchBaseURL(),
		LastSeenAt:    now.UTC(),
		UsedBytes:     p.UsedBytes,
		TotalBytes:    p.TotalBytes,
		Metadata:      meta,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "uuid"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"index_base_url", "search_base_url", "last_seen_at",
			"used_bytes", "total_bytes", "metadata", "updated_at",
		}),
	}).Create(n).Error
	if err != nil {
		return nil, err
	}
	// Reload: the upsert does not report the existing id on every dialect.
	return GetNodeByUUID(ctx, db, p.UUID)
}

// GetNode fetches a node by id, or ErrNotFound.
func GetNode(ctx context.Context, db *gorm.DB, id uint64) (*domain.Node, error) {
	var n domain.Node
	if err := db.WithContext(ctx).Where("id = ?", id).First(&n).Error; err != nil {
		return nil, err
	}
	return &n, nil
}

// GetNodeByUUID fetches a node by its self-reported uuid, or ErrNotFound.
func GetNodeByUUID(ctx context.Context, db *gorm.DB, uuid string) (*domain.Node, error) {
	var n domain.Node
	if err := db.WithContext(ctx).Where("uuid = ?", uuid).First(&n).Error; err != nil {
		return nil, err
	}
	return &n, nil
}

// ListNodes returns every known node ordered by id.
func ListNodes(ctx context.Context, db *gorm.DB) ([]domain.Node, error) {
	var out []domain.Node
	err := db.WithContext(ctx).Order("id ASC").Find(&out).Error
	return out, err
}

// ListNodesByFreeCapacity returns nodes ordered by (total_bytes - used_bytes)
// descending, ties broken by id.
func ListNodesByFreeCapacity(ctx context.Context, db *gorm.DB) ([]domain.Node, error) {
	var out []domain.Node
	err := db.WithContext(ctx).
		Order("(total_bytes - used_bytes) DESC").
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// ListOnlineNodes is ListNodesByFreeCapacity restricted to nodes that
// heartbeated after since.
func ListOnlineNodes(ctx context.Context, db *gorm.DB, since time.Time) ([]domain.Node, error) {
	var out []domain.Node
	err := db.WithContext(ctx).
		Where("last_seen_at > ?", since.UTC()).
		Order("(total_bytes - used_bytes) DESC").
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// IncrementNodeFailures bumps the consecutive failure counter in SQL and
// stamps the failure time. It returns the counter value read back after the
// update, which may include concurrent increments.
func IncrementNodeFailures(ctx context.Context, db *gorm.DB, id uint64, at time.Time) (int, error) {
	res := db.WithContext(ctx).
		Model(&domain.Node{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
			"last_failure_at":      at.UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrNotFound
	}
	var count int
	err := db.WithContext(ctx).
		Model(&domain.Node{}).
		Where("id = ?", id).
		Select("consecutive_failures").
		Scan(&count).Error
	return count, err
}

// ResetNodeFailures clears the failure counter and failure timestamp.
// Resetting an already healthy or unknown node is a no-op.
func ResetNodeFailures(ctx context.Context, db *gorm.DB, id uint64) error {
	return db.WithContext(ctx).
		Model(&domain.Node{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			"consecutive_failures": 0,
			"last_failure_at":      nil,
		}).Error
}
