// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Index and
// Repository models.
//
// Index rows are validated by domain.Index.BeforeSave; state changes go
// through UpdateIndexState, which enforces forward-only progression and
// skips the save hooks.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/zoekt-coordinator/internal/domain"
)

// CreateIndex inserts a pending Index binding en to nodeID. NamespaceID is
// copied from the enabled namespace.
func CreateIndex(ctx context.Context, db *gorm.DB, en *domain.EnabledNamespace, nodeID uint64) (*domain.Index, error) {
	idx := &domain.Index{
		EnabledNamespaceID: en.ID,
		NodeID:             nodeID,
		NamespaceID:        en.RootNamespaceID,
		State:              domain.IndexPending,
	}
	if err := db.WithContext(ctx).Create(idx).Error; err != nil {
		return nil, asDuplicate(err)
	}
	return idx, nil
}

// GetIndex fetches an index by id, or ErrNotFound.
func GetIndex(ctx context.Context, db *gorm.DB, id uint64) (*domain.Index, error) {
	var idx domain.Index
	if err := db.WithContext(ctx).Where("id = ?", id).First(&idx).Error; err != nil {
		return nil, err
	}
	return &idx, nil
}

// DeleteIndex removes an index; its repositories cascade.
func DeleteIndex(ctx context.Context, db *gorm.DB, id uint64) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Index{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIndicesForNode returns the indices placed on a node.
func ListIndicesForNode(ctx context.Context, db *gorm.DB, nodeID uint64) ([]domain.Index, error) {
	var out []domain.Index
	err := db.WithContext(ctx).Where("node_id = ?", nodeID).Order("id ASC").Find(&out).Error
	return out, err
}

// ListIndicesForEnabledNamespace returns every index owned by en.
func ListIndicesForEnabledNamespace(ctx context.Context, db *gorm.DB, enabledNamespaceID uint64) ([]domain.Index, error) {
	var out []domain.Index
	err := db.WithContext(ctx).
		Where("enabled_namespace_id = ?", enabledNamespaceID).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// ListIndicesForRootNamespace returns the indices of a root namespace,
// optionally only those whose enabled namespace has search switched on.
func ListIndicesForRootNamespace(ctx context.Context, db *gorm.DB, rootNamespaceID uint64, searchEnabledOnly bool) ([]domain.Index, error) {
	q := db.WithContext(ctx).
		Joins("JOIN zoekt_enabled_namespaces ON zoekt_enabled_namespaces.id = zoekt_indices.enabled_namespace_id").
		Where("zoekt_indices.namespace_id = ?", rootNamespaceID)
	if searchEnabledOnly {
		q = q.Where("zoekt_enabled_namespaces.search_enabled = ?", true)
	}
	var out []domain.Index
	err := q.Order("zoekt_indices.id ASC").Find(&out).Error
	return out, err
}

// ListSearchableIndices returns the search-enabled indices of the given root
// namespaces, most advanced state first.
func ListSearchableIndices(ctx context.Context, db *gorm.DB, rootNamespaceIDs []uint64) ([]domain.Index, error) {
	var out []domain.Index
	if len(rootNamespaceIDs) == 0 {
		return out, nil
	}
	err := db.WithContext(ctx).
		Joins("JOIN zoekt_enabled_namespaces ON zoekt_enabled_namespaces.id = zoekt_indices.enabled_namespace_id").
		Where("zoekt_indices.namespace_id IN ? AND zoekt_enabled_namespaces.search_enabled = ?", rootNamespaceIDs, true).
		Order("zoekt_indices.state DESC").
		Order("zoekt_indices.id ASC").
		Find(&out).Error
	return out, err
}

// ListStalePendingIndices returns indices still pending that were created
// before the cutoff.
func ListStalePendingIndices(ctx context.Context, db *gorm.DB, before time.Time) ([]domain.Index, error) {
	var out []domain.Index
	err := db.WithContext(ctx).
		Where("state = ? AND created_at < ?", domain.IndexPending, before.UTC()).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// UpdateIndexState moves an index forward. Setting the current state again
// is a no-op; any backward or unknown step yields domain.ErrInvalidTransition.
func UpdateIndexState(ctx context.Context, db *gorm.DB, id uint64, next domain.IndexState) error {
	idx, err := GetIndex(ctx, db, id)
	if err != nil {
		return err
	}
	if idx.State == next {
		return nil
	}
	if !idx.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: index %d %s -> %s", domain.ErrInvalidTransition, id, idx.State, next)
	}
	// Guard on the observed state so a concurrent advance is not undone.
	res := db.WithContext(ctx).
		Model(&domain.Index{}).
		Where("id = ? AND state = ?", id, idx.State).
		UpdateColumns(map[string]any{"state": next, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return UpdateIndexState(ctx, db, id, next)
	}
	return nil
}

// FindOrCreateRepository returns the Repository for (indexID, projectID),
// creating a pending one if absent. created reports whether a row was
// inserted.
func FindOrCreateRepository(ctx context.Context, db *gorm.DB, indexID, projectID uint64) (r *domain.Repository, created bool, err error) {
	var existing domain.Repository
	err = db.WithContext(ctx).
		Where("index_id = ? AND project_id = ?", indexID, projectID).
		First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	r = &domain.Repository{
		IndexID:           indexID,
		ProjectID:         projectID,
		ProjectIdentifier: projectID,
		State:             domain.RepositoryPending,
	}
	// The nested transaction is a savepoint when db is already inside one,
	// so a unique violation does not abort the caller's transaction.
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error { return tx.Create(r).Error })
	if err != nil {
		if asDuplicate(err) != ErrDuplicate {
			return nil, false, err
		}
		// Lost a race with another creator; use its row.
		if err := db.WithContext(ctx).
			Where("index_id = ? AND project_id = ?", indexID, projectID).
			First(&existing).Error; err != nil {
			return nil, false, err
		}
		return &existing, false, nil
	}
	return r, true, nil
}

// GetRepository fetches a repository by id, or ErrNotFound.
func GetRepository(ctx context.Context, db *gorm.DB, id uint64) (*domain.Repository, error) {
	var r domain.Repository
	if err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRepositoriesForIndex returns an index's repositories ordered by id.
func ListRepositoriesForIndex(ctx context.Context, db *gorm.DB, indexID uint64) ([]domain.Repository, error) {
	var out []domain.Repository
	err := db.WithContext(ctx).Where("index_id = ?", indexID).Order("id ASC").Find(&out).Error
	return out, err
}

// ListRepositoriesForProject returns every index record of a project.
func ListRepositoriesForProject(ctx context.Context, db *gorm.DB, projectID uint64) ([]domain.Repository, error) {
	var out []domain.Repository
	err := db.WithContext(ctx).Where("project_id = ?", projectID).Order("id ASC").Find(&out).Error
	return out, err
}

// MarkRepositoryReady moves a repository to ready. Missing rows yield
// ErrNotFound.
func MarkRepositoryReady(ctx context.Context, db *gorm.DB, id uint64) error {
	res := db.WithContext(ctx).
		Model(&domain.Repository{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{"state": domain.RepositoryReady, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRepository removes a repository row. Deleting a missing row is not
// an error.
func DeleteRepository(ctx context.Context, db *gorm.DB, id uint64) error {
	return db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Repository{}).Error
}

// CountPendingRepositories returns how many repositories of an index are
// not ready yet.
func CountPendingRepositories(ctx context.Context, db *gorm.DB, indexID uint64) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Repository{}).
		Where("index_id = ? AND state = ?", indexID, domain.RepositoryPending).
		Count(&n).Error
	return n, err
}
