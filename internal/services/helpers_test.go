package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/zoekt-coordinator/internal/domain"
	"github.com/tbourn/zoekt-coordinator/internal/events"
	"github.com/tbourn/zoekt-coordinator/internal/repo"
)

func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "zoekt.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Logger = logger.Default.LogMode(logger.Silent)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// world is a seeded store: one root namespace with a subgroup, three
// projects (the last pending deletion) and two heartbeating nodes.
type world struct {
	db       *gorm.DB
	root     *domain.Namespace
	child    *domain.Namespace
	projects []*domain.Project
	nodes    []*domain.Node
}

func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()
	w := &world{db: newServiceDB(t), root: &domain.Namespace{Name: "gitlab-org"}}
	if err := repo.CreateNamespace(ctx, w.db, w.root); err != nil {
		t.Fatalf("root: %v", err)
	}
	w.child = &domain.Namespace{Name: "sub", ParentID: &w.root.ID, RootID: w.root.ID}
	if err := repo.CreateNamespace(ctx, w.db, w.child); err != nil {
		t.Fatalf("child: %v", err)
	}
	for i, name := range []string{"gitlab", "gitaly", "old"} {
		p := &domain.Project{
			NamespaceID:     w.child.ID,
			RootNamespaceID: w.root.ID,
			Name:            name,
			RepositoryPath:  "@hashed/" + name,
			PendingDelete:   i == 2,
		}
		if err := repo.CreateProject(ctx, w.db, p); err != nil {
			t.Fatalf("project: %v", err)
		}
		w.projects = append(w.projects, p)
	}
	now := time.Now()
	for _, hb := range []domain.HeartbeatParams{
		{UUID: "n1", URL: "http://n1", UsedBytes: 10, TotalBytes: 100},
		{UUID: "n2", URL: "http://n2", UsedBytes: 10, TotalBytes: 1000},
	} {
		n, err := repo.FindOrInitializeByHeartbeat(ctx, w.db, hb, now)
		if err != nil {
			t.Fatalf("node: %v", err)
		}
		w.nodes = append(w.nodes, n)
	}
	return w
}

// recordingBus returns a bus wired to a NamespaceIndexer plus a log of
// every published event.
func recordingBus(db *gorm.DB) (*events.Bus, *eventLog) {
	bus := events.NewBus(zerolog.Nop())
	NewNamespaceIndexer(db, zerolog.Nop()).Register(bus)
	log := &eventLog{}
	for _, k := range []events.Kind{events.IndexAssignedKind, events.IndexUnassignedKind} {
		bus.Subscribe(k, log.handle)
	}
	return bus, log
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) handle(_ context.Context, e events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) all() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.Event(nil), l.events...)
}

// blocker blocks the listed node ids.
type blocker map[uint64]bool

func (b blocker) Blocked(n *domain.Node) bool { return b[n.ID] }
