package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/zoekt-coordinator/internal/domain"
	"github.com/tbourn/zoekt-coordinator/internal/events"
	"github.com/tbourn/zoekt-coordinator/internal/repo"
)

// NamespaceIndexer turns committed assignment events into node tasks.
type NamespaceIndexer struct {
	DB  *gorm.DB
	log zerolog.Logger
}

// NewNamespaceIndexer builds an indexer.
func NewNamespaceIndexer(db *gorm.DB, log zerolog.Logger) *NamespaceIndexer {
	return &NamespaceIndexer{DB: db, log: log.With().Str("component", "namespace_indexer").Logger()}
}

// Register subscribes the indexer to assignment events.
func (x *NamespaceIndexer) Register(bus *events.Bus) {
	bus.Subscribe(events.IndexAssignedKind, x.handleAssigned)
	bus.Subscribe(events.IndexUnassignedKind, x.handleUnassigned)
}

func (x *NamespaceIndexer) handleAssigned(ctx context.Context, e events.Event) error {
	ev, ok := e.(events.IndexAssigned)
	if !ok {
		return fmt.Errorf("unexpected event %T", e)
	}
	return x.IndexAssigned(ctx, ev)
}

func (x *NamespaceIndexer) handleUnassigned(ctx context.Context, e events.Event) error {
	ev, ok := e.(events.IndexUnassigned)
	if !ok {
		return fmt.Errorf("unexpected event %T", e)
	}
	return x.IndexUnassigned(ctx, ev)
}

// IndexAssigned creates a pending Repository for every indexable project of
// the namespace, queues an index task for each on the index's node and
// moves the index to initializing. An empty namespace is ready at once.
// An index that already left pending is skipped.
func (x *NamespaceIndexer) IndexAssigned(ctx context.Context, ev events.IndexAssigned) error {
	projects, err := repo.ListIndexableProjects(ctx, x.DB, ev.RootNamespaceID)
	if err != nil {
		return err
	}
	queued := 0
	skipped := false
	err = x.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		idx, err := repo.GetIndex(ctx, tx, ev.IndexID)
		if err != nil {
			return err
		}
		if idx.State != domain.IndexPending {
			skipped = true
			return nil
		}
		for _, p := range projects {
			r, _, err := repo.FindOrCreateRepository(ctx, tx, ev.IndexID, p.ID)
			if err != nil {
				return err
			}
			if err := repo.EnqueueTask(ctx, tx, &domain.Task{
				NodeID:            ev.NodeID,
				RepositoryID:      r.ID,
				ProjectIdentifier: p.ID,
				Type:              domain.TaskIndexRepo,
			}); err != nil {
				return err
			}
			queued++
		}
		next := domain.IndexInitializing
		if len(projects) == 0 {
			next = domain.IndexReady
		}
		return repo.UpdateIndexState(ctx, tx, ev.IndexID, next)
	})
	if errors.Is(err, repo.ErrNotFound) {
		// Unassigned before the handler ran; the unassign event cleans up.
		x.log.Info().Uint64("index_id", ev.IndexID).Msg("assigned index vanished before indexing")
		return nil
	}
	if err != nil {
		return err
	}
	if skipped {
		x.log.Debug().Uint64("index_id", ev.IndexID).Msg("index already initialized")
		return nil
	}
	x.log.Info().
		Uint64("index_id", ev.IndexID).
		Uint64("node_id", ev.NodeID).
		Int("tasks", queued).
		Msg("index tasks queued")
	return nil
}

// ReconcilePending re-runs IndexAssigned for indices created before the
// cutoff that are still pending, which happens when the assignment
// committed but its subscriber failed. It returns how many were retried.
func (x *NamespaceIndexer) ReconcilePending(ctx context.Context, before time.Time) (int, error) {
	stale, err := repo.ListStalePendingIndices(ctx, x.DB, before)
	if err != nil {
		return 0, err
	}
	var errs []error
	retried := 0
	for _, idx := range stale {
		if ctx.Err() != nil {
			break
		}
		ev := events.IndexAssigned{IndexID: idx.ID, NodeID: idx.NodeID, RootNamespaceID: idx.NamespaceID}
		if err := x.IndexAssigned(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("index %d: %w", idx.ID, err))
			continue
		}
		retried++
		x.log.Warn().Uint64("index_id", idx.ID).Msg("re-queued tasks for stale pending index")
	}
	return retried, errors.Join(errs...)
}

// IndexUnassigned queues a delete task for every repository the removed
// index held, addressed to the node captured before the delete.
func (x *NamespaceIndexer) IndexUnassigned(ctx context.Context, ev events.IndexUnassigned) error {
	if len(ev.Repositories) == 0 {
		return nil
	}
	err := x.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range ev.Repositories {
			if err := repo.EnqueueTask(ctx, tx, &domain.Task{
				NodeID:            ev.NodeID,
				RepositoryID:      r.RepositoryID,
				ProjectIdentifier: r.ProjectID,
				Type:              domain.TaskDeleteRepo,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	x.log.Info().
		Uint64("index_id", ev.IndexID).
		Uint64("node_id", ev.NodeID).
		Int("tasks", len(ev.Repositories)).
		Msg("delete tasks queued")
	return nil
}

// IndexProject queues an (optionally forced) index task for the project on
// every node holding an index of its root namespace and returns how many
// tasks were queued.
func (x *NamespaceIndexer) IndexProject(ctx context.Context, projectID uint64, force bool) (int, error) {
	p, err := repo.GetProject(ctx, x.DB, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, ErrProjectNotFound
	}
	if err != nil {
		return 0, err
	}
	if p.PendingDelete {
		return 0, fmt.Errorf("%w: project %d is pending deletion", ErrProjectNotFound, p.ID)
	}
	indices, err := repo.ListIndicesForRootNamespace(ctx, x.DB, p.RootNamespaceID, false)
	if err != nil {
		return 0, err
	}
	typ := domain.TaskIndexRepo
	if force {
		typ = domain.TaskForceIndexRepo
	}
	err = x.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, idx := range indices {
			r, _, err := repo.FindOrCreateRepository(ctx, tx, idx.ID, p.ID)
			if err != nil {
				return err
			}
			if err := repo.EnqueueTask(ctx, tx, &domain.Task{
				NodeID:            idx.NodeID,
				RepositoryID:      r.ID,
				ProjectIdentifier: p.ID,
				Type:              typ,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(indices), nil
}
