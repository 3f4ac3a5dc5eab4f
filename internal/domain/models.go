// Package domain defines the persistence models for the code-search
// coordinator: search nodes, the namespaces opted into search, the indices
// that bind a namespace to a node, per-project indexing records, and the
// node-addressed task queue. These types are mapped with GORM and form the
// core data layer shared by the repository and service layers.
package domain

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrNamespaceMismatch is returned when an Index's denormalized namespace
	// id disagrees with its EnabledNamespace's root namespace id.
	ErrNamespaceMismatch = errors.New("index namespace does not match enabled namespace")

	// ErrProjectIdentifierMismatch is returned when a Repository's
	// denormalized project identifier disagrees with its project id.
	ErrProjectIdentifierMismatch = errors.New("repository project identifier does not match project id")

	// ErrInvalidTransition is returned for a state change the lifecycle
	// does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Namespace is a tenant group. Root namespaces have no parent and are the
// only ones that may be enabled for search.
//
// Fields:
//   - ParentID: nil for root namespaces.
//   - RootID: id of the top-level ancestor (own id for roots).
type Namespace struct {
	ID        uint64    `json:"id"        gorm:"primaryKey"`
	ParentID  *uint64   `json:"parent_id" gorm:"index"`
	RootID    uint64    `json:"root_id"   gorm:"not null;index"`
	Name      string    `json:"name"      gorm:"type:varchar(255);not null"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for Namespace.
func (Namespace) TableName() string { return "namespaces" }

// IsRoot reports whether the namespace is a top-level namespace.
func (n Namespace) IsRoot() bool { return n.ParentID == nil }

// Project is the source of an indexed repository. Only the attributes the
// indexer and the result merger need are kept.
type Project struct {
	ID                uint64    `json:"id"                 gorm:"primaryKey"`
	NamespaceID       uint64    `json:"namespace_id"       gorm:"not null;index"`
	RootNamespaceID   uint64    `json:"root_namespace_id"  gorm:"not null;index"`
	Name              string    `json:"name"               gorm:"type:varchar(255);not null"`
	DefaultBranch     string    `json:"default_branch"     gorm:"type:varchar(255);not null;default:'main'"`
	RepositoryStorage string    `json:"repository_storage" gorm:"type:varchar(255);not null;default:'default'"`
	RepositoryPath    string    `json:"repository_path"    gorm:"type:text;not null"`
	PendingDelete     bool      `json:"pending_delete"     gorm:"not null;default:false"`
	CreatedAt         time.Time `json:"created_at"`
}

// TableName returns the database table name for Project.
func (Project) TableName() string { return "projects" }

// Node is a search-index server. Nodes are created or refreshed by their own
// heartbeats and are never hard-deleted; stale nodes stop heartbeating.
//
// ConsecutiveFailures and LastFailureAt back the per-node circuit breaker
// (see package backoff).
type Node struct {
	ID                  uint64            `json:"id"                   gorm:"primaryKey"`
	UUID                string            `json:"uuid"                 gorm:"type:varchar(64);not null;uniqueIndex"`
	IndexBaseURL        string            `json:"index_base_url"       gorm:"type:text;not null"`
	SearchBaseURL       string            `json:"search_base_url"      gorm:"type:text;not null"`
	LastSeenAt          time.Time         `json:"last_seen_at"         gorm:"not null;index"`
	UsedBytes           int64             `json:"used_bytes"           gorm:"not null;default:0"`
	TotalBytes          int64             `json:"total_bytes"          gorm:"not null;default:0"`
	Metadata            map[string]string `json:"metadata"             gorm:"type:text;serializer:json"`
	ConsecutiveFailures int               `json:"consecutive_failures" gorm:"not null;default:0"`
	LastFailureAt       *time.Time        `json:"last_failure_at,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// TableName returns the database table name for Node.
func (Node) TableName() string { return "zoekt_nodes" }

// FreeBytes is the storage headroom reported by the node's last heartbeat.
func (n Node) FreeBytes() int64 { return n.TotalBytes - n.UsedBytes }

// EnabledNamespace marks a root namespace as opted into code search.
// Deleting it cascades to its indices.
type EnabledNamespace struct {
	ID              uint64    `json:"id"                gorm:"primaryKey"`
	RootNamespaceID uint64    `json:"root_namespace_id" gorm:"not null;uniqueIndex"`
	SearchEnabled   bool      `json:"search_enabled"    gorm:"not null;default:true"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	Namespace Namespace `json:"-" gorm:"foreignKey:RootNamespaceID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for EnabledNamespace.
func (EnabledNamespace) TableName() string { return "zoekt_enabled_namespaces" }

// Index is one copy of a namespace's searchable corpus placed on one node.
// NamespaceID duplicates EnabledNamespace.RootNamespaceID and must always
// agree with it; BeforeSave rejects rows where it does not.
type Index struct {
	ID                 uint64     `json:"id"                   gorm:"primaryKey"`
	EnabledNamespaceID uint64     `json:"enabled_namespace_id" gorm:"not null;uniqueIndex:ux_index_namespace_node,priority:1"`
	NodeID             uint64     `json:"node_id"              gorm:"not null;index;uniqueIndex:ux_index_namespace_node,priority:2"`
	NamespaceID        uint64     `json:"namespace_id"         gorm:"not null;index"`
	State              IndexState `json:"state"                gorm:"not null;default:0"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`

	EnabledNamespace EnabledNamespace `json:"-" gorm:"foreignKey:EnabledNamespaceID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Index.
func (Index) TableName() string { return "zoekt_indices" }

// Validate checks the denormalized namespace id against its owner.
func (i *Index) Validate(owner *EnabledNamespace) error {
	if owner == nil || i.NamespaceID != owner.RootNamespaceID {
		var root uint64
		if owner != nil {
			root = owner.RootNamespaceID
		}
		return fmt.Errorf("%w: index namespace %d, enabled namespace root %d", ErrNamespaceMismatch, i.NamespaceID, root)
	}
	if !i.State.Valid() {
		return fmt.Errorf("%w: unknown index state %d", ErrInvalidTransition, int8(i.State))
	}
	return nil
}

// BeforeSave implements the GORM hook that enforces the namespace invariant
// on every insert and full save.
func (i *Index) BeforeSave(tx *gorm.DB) error {
	var owner EnabledNamespace
	err := tx.Session(&gorm.Session{NewDB: true}).
		Where("id = ?", i.EnabledNamespaceID).
		First(&owner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return i.Validate(nil)
	}
	if err != nil {
		return err
	}
	return i.Validate(&owner)
}

// Repository is one project's indexed state inside an Index.
// (ProjectID, IndexID) is unique.
type Repository struct {
	ID                uint64          `json:"id"                 gorm:"primaryKey"`
	IndexID           uint64          `json:"index_id"           gorm:"not null;index;uniqueIndex:ux_repository_project_index,priority:2"`
	ProjectID         uint64          `json:"project_id"         gorm:"not null;uniqueIndex:ux_repository_project_index,priority:1"`
	ProjectIdentifier uint64          `json:"project_identifier" gorm:"not null"`
	State             RepositoryState `json:"state"              gorm:"not null;default:0"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`

	Index Index `json:"-" gorm:"foreignKey:IndexID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Repository.
func (Repository) TableName() string { return "zoekt_repositories" }

// BeforeSave fills the denormalized project identifier and rejects
// disagreement with the project id.
func (r *Repository) BeforeSave(tx *gorm.DB) error {
	if r.ProjectIdentifier == 0 {
		r.ProjectIdentifier = r.ProjectID
	}
	if r.ProjectIdentifier != r.ProjectID {
		return fmt.Errorf("%w: identifier %d, project %d", ErrProjectIdentifierMismatch, r.ProjectIdentifier, r.ProjectID)
	}
	return nil
}
