// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for namespaces,
// projects and the namespaces enabled for code search.
//
// Namespaces and projects are owned by the surrounding platform; the
// coordinator only reads them, so the create helpers exist for seeding.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/zoekt-coordinator/internal/domain"
)

// CreateNamespace inserts a namespace row. RootID defaults to the row's own
// id for root namespaces.
func CreateNamespace(ctx context.Context, db *gorm.DB, ns *domain.Namespace) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ns).Error; err != nil {
			return err
		}
		if ns.RootID == 0 && ns.IsRoot() {
			ns.RootID = ns.ID
			return tx.Model(ns).UpdateColumn("root_id", ns.ID).Error
		}
		return nil
	})
}

// GetNamespace fetches a namespace by id, or ErrNotFound.
func GetNamespace(ctx context.Context, db *gorm.DB, id uint64) (*domain.Namespace, error) {
	var ns domain.Namespace
	if err := db.WithContext(ctx).Where("id = ?", id).First(&ns).Error; err != nil {
		return nil, err
	}
	return &ns, nil
}

// CreateProject inserts a project row.
func CreateProject(ctx context.Context, db *gorm.DB, p *domain.Project) error {
	return db.WithContext(ctx).Create(p).Error
}

// GetProject fetches a project by id, or ErrNotFound.
func GetProject(ctx context.Context, db *gorm.DB, id uint64) (*domain.Project, error) {
	var p domain.Project
	if err := db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// ProjectsByIDs loads the given projects keyed by id. Missing ids are simply
// absent from the map.
func ProjectsByIDs(ctx context.Context, db *gorm.DB, ids []uint64) (map[uint64]domain.Project, error) {
	out := make(map[uint64]domain.Project, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []domain.Project
	if err := db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, p := range rows {
		out[p.ID] = p
	}
	return out, nil
}

// Resolver binds ProjectsByIDs to a handle for consumers that take an
// interface.
type Resolver struct {
	DB *gorm.DB
}

// ProjectsByIDs implements search.ProjectResolver.
func (r Resolver) ProjectsByIDs(ctx context.Context, ids []uint64) (map[uint64]domain.Project, error) {
	return ProjectsByIDs(ctx, r.DB, ids)
}

// ListIndexableProjects returns the projects under a root namespace that are
// not pending deletion, ordered by id.
func ListIndexableProjects(ctx context.Context, db *gorm.DB, rootNamespaceID uint64) ([]domain.Project, error) {
	var out []domain.Project
	err := db.WithContext(ctx).
		Where("root_namespace_id = ? AND pending_delete = ?", rootNamespaceID, false).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// CreateEnabledNamespace inserts the EnabledNamespace row for a root
// namespace. The unique index on root_namespace_id rejects duplicates.
func CreateEnabledNamespace(ctx context.Context, db *gorm.DB, rootNamespaceID uint64) (*domain.EnabledNamespace, error) {
	en := &domain.EnabledNamespace{RootNamespaceID: rootNamespaceID, SearchEnabled: true}
	if err := db.WithContext(ctx).Create(en).Error; err != nil {
		return nil, asDuplicate(err)
	}
	return en, nil
}

// GetEnabledNamespace fetches an EnabledNamespace by id, or ErrNotFound.
func GetEnabledNamespace(ctx context.Context, db *gorm.DB, id uint64) (*domain.EnabledNamespace, error) {
	var en domain.EnabledNamespace
	if err := db.WithContext(ctx).Where("id = ?", id).First(&en).Error; err != nil {
		return nil, err
	}
	return &en, nil
}

// GetEnabledNamespaceByRoot fetches the EnabledNamespace of a root
// namespace, or ErrNotFound.
func GetEnabledNamespaceByRoot(ctx context.Context, db *gorm.DB, rootNamespaceID uint64) (*domain.EnabledNamespace, error) {
	var en domain.EnabledNamespace
	if err := db.WithContext(ctx).Where("root_namespace_id = ?", rootNamespaceID).First(&en).Error; err != nil {
		return nil, err
	}
	return &en, nil
}

// SetSearchEnabled flips the search flag. Returns ErrNotFound if the
// namespace is not enabled.
func SetSearchEnabled(ctx context.Context, db *gorm.DB, id uint64, enabled bool) error {
	res := db.WithContext(ctx).
		Model(&domain.EnabledNamespace{}).
		Where("id = ?", id).
		Update("search_enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := db.WithContext(ctx).Model(&domain.EnabledNamespace{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// DeleteEnabledNamespace removes the row; indices and their repositories
// cascade.
func DeleteEnabledNamespace(ctx context.Context, db *gorm.DB, id uint64) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.EnabledNamespace{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
