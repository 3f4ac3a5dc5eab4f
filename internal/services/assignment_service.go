package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/zoekt-coordinator/internal/domain"
	"github.com/tbourn/zoekt-coordinator/internal/events"
	"github.com/tbourn/zoekt-coordinator/internal/repo"
)

// Blocker reports whether dispatch to a node must fail fast.
type Blocker interface {
	Blocked(n *domain.Node) bool
}

// AssignmentService manages which root namespaces are searchable and on
// which nodes their indices live. Index creation and deletion publish
// events after the transaction commits.
type AssignmentService struct {
	DB      *gorm.DB
	Bus     *events.Bus
	Breaker Blocker

	// OnlineWindow bounds how old a node's last heartbeat may be for
	// auto-assignment to pick it.
	OnlineWindow time.Duration
	Now          func() time.Time

	log zerolog.Logger
}

// NewAssignmentService wires an AssignmentService.
func NewAssignmentService(db *gorm.DB, bus *events.Bus, b Blocker, onlineWindow time.Duration, log zerolog.Logger) *AssignmentService {
	return &AssignmentService{
		DB:           db,
		Bus:          bus,
		Breaker:      b,
		OnlineWindow: onlineWindow,
		Now:          time.Now,
		log:          log.With().Str("component", "assignment").Logger(),
	}
}

func (s *AssignmentService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *AssignmentService) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("services/AssignmentService").Start(ctx, name, trace.WithAttributes(attrs...))
}

// EnableNamespace opts a root namespace into code search.
func (s *AssignmentService) EnableNamespace(ctx context.Context, rootNamespaceID uint64) (*domain.EnabledNamespace, error) {
	ctx, span := s.span(ctx, "EnableNamespace", attribute.Int64("namespace.id", int64(rootNamespaceID)))
	defer span.End()

	ns, err := repo.GetNamespace(ctx, s.DB, rootNamespaceID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNamespaceNotFound
	}
	if err != nil {
		return nil, err
	}
	if !ns.IsRoot() {
		return nil, ErrNotRootNamespace
	}
	if _, err := repo.GetEnabledNamespaceByRoot(ctx, s.DB, ns.ID); err == nil {
		return nil, ErrAlreadyEnabled
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	en, err := repo.CreateEnabledNamespace(ctx, s.DB, ns.ID)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil, ErrAlreadyEnabled
	}
	if err != nil {
		return nil, err
	}
	s.log.Info().Uint64("namespace_id", ns.ID).Msg("namespace enabled for code search")
	return en, nil
}

// DisableNamespace removes a namespace from code search. Every index is
// unassigned in the same transaction; the repository rows cascade.
func (s *AssignmentService) DisableNamespace(ctx context.Context, rootNamespaceID uint64) error {
	ctx, span := s.span(ctx, "DisableNamespace", attribute.Int64("namespace.id", int64(rootNamespaceID)))
	defer span.End()

	err := s.Bus.Transaction(ctx, s.DB, func(tx *gorm.DB, batch *events.Batch) error {
		en, err := s.enabledByRoot(ctx, tx, rootNamespaceID)
		if err != nil {
			return err
		}
		indices, err := repo.ListIndicesForEnabledNamespace(ctx, tx, en.ID)
		if err != nil {
			return err
		}
		for i := range indices {
			ev, err := unassignedEvent(ctx, tx, &indices[i])
			if err != nil {
				return err
			}
			batch.Add(ev)
		}
		return repo.DeleteEnabledNamespace(ctx, tx, en.ID)
	})
	return s.afterCommit(err, "namespace disabled but delete tasks were not queued")
}

// SetSearchEnabled toggles whether searches may use the namespace's
// indices. Indexing continues either way.
func (s *AssignmentService) SetSearchEnabled(ctx context.Context, rootNamespaceID uint64, enabled bool) error {
	en, err := s.enabledByRoot(ctx, s.DB, rootNamespaceID)
	if err != nil {
		return err
	}
	return repo.SetSearchEnabled(ctx, s.DB, en.ID, enabled)
}

// EnabledNamespace returns the enabled record of a root namespace.
func (s *AssignmentService) EnabledNamespace(ctx context.Context, rootNamespaceID uint64) (*domain.EnabledNamespace, error) {
	return s.enabledByRoot(ctx, s.DB, rootNamespaceID)
}

func (s *AssignmentService) enabledByRoot(ctx context.Context, db *gorm.DB, rootNamespaceID uint64) (*domain.EnabledNamespace, error) {
	en, err := repo.GetEnabledNamespaceByRoot(ctx, db, rootNamespaceID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotEnabled
	}
	return en, err
}

// AssignToNode creates a pending Index of the enabled namespace on a node.
// IndexAssigned is published once the row has committed.
func (s *AssignmentService) AssignToNode(ctx context.Context, enabledNamespaceID, nodeID uint64) (*domain.Index, error) {
	ctx, span := s.span(ctx, "AssignToNode",
		attribute.Int64("enabled_namespace.id", int64(enabledNamespaceID)),
		attribute.Int64("zoekt.node_id", int64(nodeID)),
	)
	defer span.End()

	var idx *domain.Index
	err := s.Bus.Transaction(ctx, s.DB, func(tx *gorm.DB, batch *events.Batch) error {
		en, err := repo.GetEnabledNamespace(ctx, tx, enabledNamespaceID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotEnabled
		}
		if err != nil {
			return err
		}
		if _, err := repo.GetNode(ctx, tx, nodeID); errors.Is(err, repo.ErrNotFound) {
			return ErrNodeNotFound
		} else if err != nil {
			return err
		}
		existing, err := repo.ListIndicesForEnabledNamespace(ctx, tx, en.ID)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.NodeID == nodeID {
				return fmt.Errorf("%w: index %d", ErrAlreadyAssigned, e.ID)
			}
		}
		if idx, err = repo.CreateIndex(ctx, tx, en, nodeID); errors.Is(err, repo.ErrDuplicate) {
			return ErrAlreadyAssigned
		} else if err != nil {
			return err
		}
		batch.Add(events.IndexAssigned{IndexID: idx.ID, NodeID: nodeID, RootNamespaceID: en.RootNamespaceID})
		return nil
	})
	// A pending index whose tasks were not queued is picked up again by
	// NamespaceIndexer.ReconcilePending.
	if err := s.afterCommit(err, "index assigned but tasks were not queued"); err != nil {
		return nil, err
	}
	s.log.Info().Uint64("index_id", idx.ID).Uint64("node_id", nodeID).Msg("namespace assigned to node")
	return idx, nil
}

// AutoAssign places the namespace on the online, healthy node with the most
// free storage that does not already hold one of its indices.
func (s *AssignmentService) AutoAssign(ctx context.Context, enabledNamespaceID uint64) (*domain.Index, error) {
	en, err := repo.GetEnabledNamespace(ctx, s.DB, enabledNamespaceID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotEnabled
	}
	if err != nil {
		return nil, err
	}
	existing, err := repo.ListIndicesForEnabledNamespace(ctx, s.DB, en.ID)
	if err != nil {
		return nil, err
	}
	taken := make(map[uint64]bool, len(existing))
	for _, e := range existing {
		taken[e.NodeID] = true
	}

	nodes, err := repo.ListNodesByFreeCapacity(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-s.OnlineWindow)
	for i := range nodes {
		n := &nodes[i]
		if taken[n.ID] || !n.LastSeenAt.After(cutoff) {
			continue
		}
		if s.Breaker != nil && s.Breaker.Blocked(n) {
			continue
		}
		return s.AssignToNode(ctx, en.ID, n.ID)
	}
	return nil, ErrNoAvailableNode
}

// Unassign deletes an index. The node id and repositories are captured
// first so IndexUnassigned can address delete instructions after commit.
func (s *AssignmentService) Unassign(ctx context.Context, indexID uint64) error {
	ctx, span := s.span(ctx, "Unassign", attribute.Int64("index.id", int64(indexID)))
	defer span.End()

	err := s.Bus.Transaction(ctx, s.DB, func(tx *gorm.DB, batch *events.Batch) error {
		idx, err := repo.GetIndex(ctx, tx, indexID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrIndexNotFound
		}
		if err != nil {
			return err
		}
		ev, err := unassignedEvent(ctx, tx, idx)
		if err != nil {
			return err
		}
		if err := repo.DeleteIndex(ctx, tx, idx.ID); err != nil {
			return err
		}
		batch.Add(ev)
		return nil
	})
	return s.afterCommit(err, "index unassigned but delete tasks were not queued")
}

// afterCommit drops subscriber failures that followed a successful commit.
// They are logged; the database change is kept and reported as done.
func (s *AssignmentService) afterCommit(err error, msg string) error {
	var pe *events.PublishError
	if errors.As(err, &pe) {
		s.log.Error().Err(pe.Err).Msg(msg)
		return nil
	}
	return err
}

func unassignedEvent(ctx context.Context, tx *gorm.DB, idx *domain.Index) (events.IndexUnassigned, error) {
	repos, err := repo.ListRepositoriesForIndex(ctx, tx, idx.ID)
	if err != nil {
		return events.IndexUnassigned{}, err
	}
	ev := events.IndexUnassigned{IndexID: idx.ID, NodeID: idx.NodeID}
	for _, r := range repos {
		ev.Repositories = append(ev.Repositories, events.RemovedRepository{RepositoryID: r.ID, ProjectID: r.ProjectID})
	}
	return ev, nil
}

// IndicesForNode lists the indices placed on a node.
func (s *AssignmentService) IndicesForNode(ctx context.Context, nodeID uint64) ([]domain.Index, error) {
	return repo.ListIndicesForNode(ctx, s.DB, nodeID)
}

// IndicesForRootNamespace lists a root namespace's indices, optionally only
// the search-enabled ones.
func (s *AssignmentService) IndicesForRootNamespace(ctx context.Context, rootNamespaceID uint64, searchEnabledOnly bool) ([]domain.Index, error) {
	return repo.ListIndicesForRootNamespace(ctx, s.DB, rootNamespaceID, searchEnabledOnly)
}

// AdvanceIndex moves an index forward in its lifecycle.
func (s *AssignmentService) AdvanceIndex(ctx context.Context, indexID uint64, next domain.IndexState) error {
	err := repo.UpdateIndexState(ctx, s.DB, indexID, next)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrIndexNotFound
	}
	return err
}
