// Package events carries domain events from the persistence layer to the
// subscribers that perform network side effects.
//
// Events produced inside a database transaction are collected in a Batch
// and only handed to the Bus once the transaction has committed. A rolled
// back transaction drops its batch, so no instruction is ever dispatched for
// a row that does not exist.
package events

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Kind names an event type.
type Kind string

const (
	// IndexAssignedKind is published after an Index row commits.
	IndexAssignedKind Kind = "zoekt.index_assigned"
	// IndexUnassignedKind is published after an Index row is deleted.
	IndexUnassignedKind Kind = "zoekt.index_unassigned"
)

// Event is a committed domain fact.
type Event interface {
	Kind() Kind
}

// IndexAssigned reports a new Index placing a namespace on a node.
type IndexAssigned struct {
	IndexID         uint64
	NodeID          uint64
	RootNamespaceID uint64
}

func (IndexAssigned) Kind() Kind { return IndexAssignedKind }

// RemovedRepository identifies an indexed project that must be deleted
// from a node.
type RemovedRepository struct {
	RepositoryID uint64
	ProjectID    uint64
}

// IndexUnassigned reports a deleted Index. NodeID and Repositories are
// captured before the delete since the rows are gone afterwards.
type IndexUnassigned struct {
	IndexID      uint64
	NodeID       uint64
	Repositories []RemovedRepository
}

func (IndexUnassigned) Kind() Kind { return IndexUnassignedKind }

// Handler reacts to one event.
type Handler func(ctx context.Context, e Event) error

// Bus is a synchronous in-process publish/subscribe hub.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	log      zerolog.Logger
}

// NewBus returns an empty bus logging handler failures to log.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{handlers: make(map[Kind][]Handler), log: log}
}

// Subscribe registers h for events of kind k.
func (b *Bus) Subscribe(k Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[k] = append(b.handlers[k], h)
}

// Publish delivers events in order to every subscriber. A failing handler
// does not stop delivery; all failures are returned joined.
func (b *Bus) Publish(ctx context.Context, evs ...Event) error {
	var errs []error
	for _, e := range evs {
		b.mu.RLock()
		hs := append([]Handler(nil), b.handlers[e.Kind()]...)
		b.mu.RUnlock()
		for _, h := range hs {
			if err := h(ctx, e); err != nil {
				b.log.Error().Err(err).Str("event", string(e.Kind())).Msg("event handler failed")
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Batch collects events raised during a transaction.
type Batch struct {
	events []Event
}

// Add queues e for publication after commit.
func (b *Batch) Add(e Event) { b.events = append(b.events, e) }

// Events returns the queued events.
func (b *Batch) Events() []Event { return b.events }

// PublishError reports subscriber failures for events whose transaction
// had already committed. The database changes stand.
type PublishError struct {
	Err error
}

func (e *PublishError) Error() string { return "publish committed events: " + e.Err.Error() }

func (e *PublishError) Unwrap() error { return e.Err }

// IsPublishError reports whether err came from subscribers after a
// successful commit.
func IsPublishError(err error) bool {
	var pe *PublishError
	return errors.As(err, &pe)
}

// Transaction runs fn inside a database transaction and publishes the
// events fn added to its batch once the transaction has committed. The
// returned error is fn's or the commit's; handler failures after commit
// come back wrapped in a *PublishError.
func (b *Bus) Transaction(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB, batch *Batch) error) error {
	batch := &Batch{}
	if err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(tx, batch)
	}); err != nil {
		return err
	}
	if err := b.Publish(ctx, batch.Events()...); err != nil {
		return &PublishError{Err: err}
	}
	return nil
}
