package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/zoekt-coordinator/internal/domain"
)

type fixture struct {
	db      *gorm.DB
	root    *domain.Namespace
	child   *domain.Namespace
	node    *domain.Node
	enabled *domain.EnabledNamespace
}

// newFixture seeds a root namespace with one child, one node and the root
// enabled for search.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{db: newTestDB(t, true), root: &domain.Namespace{Name: "gitlab-org"}}
	if err := CreateNamespace(ctx, f.db, f.root); err != nil {
		t.Fatalf("create root: %v", err)
	}
	f.child = &domain.Namespace{Name: "sub", ParentID: &f.root.ID, RootID: f.root.ID}
	if err := CreateNamespace(ctx, f.db, f.child); err != nil {
		t.Fatalf("create child: %v", err)
	}
	n, err := FindOrInitializeByHeartbeat(ctx, f.db, domain.HeartbeatParams{UUID: "n1", URL: "http://n1"}, time.Now())
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	f.node = n
	if f.enabled, err = CreateEnabledNamespace(ctx, f.db, f.root.ID); err != nil {
		t.Fatalf("enable: %v", err)
	}
	return f
}

func TestCreateNamespace_RootIDDefaultsToOwnID(t *testing.T) {
	f := newFixture(t)
	if f.root.RootID != f.root.ID || !f.root.IsRoot() {
		t.Fatalf("root namespace RootID = %d; want %d", f.root.RootID, f.root.ID)
	}
	got, err := GetNamespace(context.Background(), f.db, f.child.ID)
	if err != nil || got.RootID != f.root.ID || got.IsRoot() {
		t.Fatalf("child namespace unexpected: %+v err=%v", got, err)
	}
}

func TestEnabledNamespace_UniqueAndSearchFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := CreateEnabledNamespace(ctx, f.db, f.root.ID); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("enabling twice: err = %v, want ErrDuplicate", err)
	}
	if err := SetSearchEnabled(ctx, f.db, f.enabled.ID, false); err != nil {
		t.Fatalf("SetSearchEnabled: %v", err)
	}
	if err := SetSearchEnabled(ctx, f.db, f.enabled.ID, false); err != nil {
		t.Fatalf("SetSearchEnabled (no change): %v", err)
	}
	got, err := GetEnabledNamespaceByRoot(ctx, f.db, f.root.ID)
	if err != nil || got.SearchEnabled {
		t.Fatalf("search flag not persisted: %+v err=%v", got, err)
	}
	if err := SetSearchEnabled(ctx, f.db, 999, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateIndex_CopiesNamespace_AndLookups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	idx, err := CreateIndex(ctx, f.db, f.enabled, f.node.ID)
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if idx.NamespaceID != f.root.ID || idx.State != domain.IndexPending {
		t.Fatalf("unexpected index: %+v", idx)
	}
	if _, err := CreateIndex(ctx, f.db, f.enabled, f.node.ID); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second index on the same node: err = %v, want ErrDuplicate", err)
	}

	byNode, err := ListIndicesForNode(ctx, f.db, f.node.ID)
	if err != nil || len(byNode) != 1 {
		t.Fatalf("ListIndicesForNode = %v, %v", byNode, err)
	}

	all, err := ListIndicesForRootNamespace(ctx, f.db, f.root.ID, true)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListIndicesForRootNamespace(enabled only) = %v, %v", all, err)
	}
	if err := SetSearchEnabled(ctx, f.db, f.enabled.ID, false); err != nil {
		t.Fatalf("SetSearchEnabled: %v", err)
	}
	filtered, _ := ListIndicesForRootNamespace(ctx, f.db, f.root.ID, true)
	if len(filtered) != 0 {
		t.Fatalf("expected search-disabled indices filtered out, got %v", filtered)
	}
	unfiltered, _ := ListIndicesForRootNamespace(ctx, f.db, f.root.ID, false)
	if len(unfiltered) != 1 {
		t.Fatalf("expected index when not filtering, got %v", unfiltered)
	}
	searchable, _ := ListSearchableIndices(ctx, f.db, []uint64{f.root.ID})
	if len(searchable) != 0 {
		t.Fatalf("searchable indices should honour search flag, got %v", searchable)
	}
}

func TestCreateIndex_RejectsMismatchedNamespace(t *testing.T) {
	f := newFixture(t)
	bad := *f.enabled
	bad.RootNamespaceID = f.child.ID // disagrees with the stored row
	if _, err := CreateIndex(context.Background(), f.db, &bad, f.node.ID); !errors.Is(err, domain.ErrNamespaceMismatch) {
		t.Fatalf("expected ErrNamespaceMismatch, got %v", err)
	}
}

func TestUpdateIndexState_ForwardOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	idx, err := CreateIndex(ctx, f.db, f.enabled, f.node.ID)
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	if err := UpdateIndexState(ctx, f.db, idx.ID, domain.IndexInitializing); err != nil {
		t.Fatalf("pending -> initializing: %v", err)
	}
	if err := UpdateIndexState(ctx, f.db, idx.ID, domain.IndexInitializing); err != nil {
		t.Fatalf("same state should be a no-op: %v", err)
	}
	if err := UpdateIndexState(ctx, f.db, idx.ID, domain.IndexPending); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition going backwards, got %v", err)
	}
	if err := UpdateIndexState(ctx, f.db, idx.ID, domain.IndexReady); err != nil {
		t.Fatalf("initializing -> ready: %v", err)
	}
	got, _ := GetIndex(ctx, f.db, idx.ID)
	if got.State != domain.IndexReady {
		t.Fatalf("state = %s; want ready", got.State)
	}
}

func TestListStalePendingIndices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	idx, err := CreateIndex(ctx, f.db, f.enabled, f.node.ID)
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	if got, _ := ListStalePendingIndices(ctx, f.db, idx.CreatedAt.Add(-time.Minute)); len(got) != 0 {
		t.Fatalf("fresh index reported stale: %v", got)
	}
	got, err := ListStalePendingIndices(ctx, f.db, idx.CreatedAt.Add(time.Minute))
	if err != nil || len(got) != 1 || got[0].ID != idx.ID {
		t.Fatalf("ListStalePendingIndices = %v, %v", got, err)
	}

	if err := UpdateIndexState(ctx, f.db, idx.ID, domain.IndexInitializing); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got, _ := ListStalePendingIndices(ctx, f.db, idx.CreatedAt.Add(time.Minute)); len(got) != 0 {
		t.Fatalf("initializing index reported stale: %v", got)
	}
}

func TestRepositories_FindOrCreate_Ready_AndCascade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	idx, err := CreateIndex(ctx, f.db, f.enabled, f.node.ID)
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	r, created, err := FindOrCreateRepository(ctx, f.db, idx.ID, 42)
	if err != nil || !created || r.ProjectIdentifier != 42 {
		t.Fatalf("FindOrCreateRepository = %+v, %v, %v", r, created, err)
	}
	again, created, err := FindOrCreateRepository(ctx, f.db, idx.ID, 42)
	if err != nil || created || again.ID != r.ID {
		t.Fatalf("second FindOrCreateRepository should find the row: %+v, %v, %v", again, created, err)
	}

	if n, _ := CountPendingRepositories(ctx, f.db, idx.ID); n != 1 {
		t.Fatalf("pending repositories = %d; want 1", n)
	}
	if err := MarkRepositoryReady(ctx, f.db, r.ID); err != nil {
		t.Fatalf("MarkRepositoryReady: %v", err)
	}
	if n, _ := CountPendingRepositories(ctx, f.db, idx.ID); n != 0 {
		t.Fatalf("pending repositories = %d; want 0", n)
	}
	if err := MarkRepositoryReady(ctx, f.db, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := DeleteEnabledNamespace(ctx, f.db, f.enabled.ID); err != nil {
		t.Fatalf("DeleteEnabledNamespace: %v", err)
	}
	if _, err := GetIndex(ctx, f.db, idx.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("index should cascade-delete, got %v", err)
	}
	if repos, _ := ListRepositoriesForProject(ctx, f.db, 42); len(repos) != 0 {
		t.Fatalf("repositories should cascade-delete, got %v", repos)
	}
}

func TestProjects_ByIDsAndIndexable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, p := range []*domain.Project{
		{ID: 1, NamespaceID: f.root.ID, RootNamespaceID: f.root.ID, Name: "a", RepositoryPath: "@hashed/a.git"},
		{ID: 2, NamespaceID: f.child.ID, RootNamespaceID: f.root.ID, Name: "b", RepositoryPath: "@hashed/b.git"},
		{ID: 3, NamespaceID: f.root.ID, RootNamespaceID: f.root.ID, Name: "c", RepositoryPath: "@hashed/c.git", PendingDelete: true},
	} {
		if err := CreateProject(ctx, f.db, p); err != nil {
			t.Fatalf("CreateProject: %v", err)
		}
	}

	got, err := ListIndexableProjects(ctx, f.db, f.root.ID)
	if err != nil || len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 {
		t.Fatalf("ListIndexableProjects = %+v, %v", got, err)
	}
	if got[0].DefaultBranch != "main" {
		t.Fatalf("default branch default = %q", got[0].DefaultBranch)
	}

	m, err := ProjectsByIDs(ctx, f.db, []uint64{1, 3, 99})
	if err != nil || len(m) != 2 {
		t.Fatalf("ProjectsByIDs = %v, %v", m, err)
	}
	if _, ok := m[99]; ok {
		t.Fatalf("missing id should not be present")
	}
	if _, err := GetProject(ctx, f.db, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAsDuplicate(t *testing.T) {
	other := errors.New("disk I/O error")
	cases := []struct {
		in   error
		want error
	}{
		{nil, nil},
		{gorm.ErrDuplicatedKey, ErrDuplicate},
		{errors.New("constraint failed: UNIQUE constraint failed: zoekt_indices.node_id (2067)"), ErrDuplicate},
		{errors.New("Error 1062 (23000): Duplicate entry '1-2' for key 'idx'"), ErrDuplicate},
		{errors.New(`ERROR: duplicate key value violates unique constraint "idx" (SQLSTATE 23505)`), ErrDuplicate},
		{other, other},
	}
	for _, tc := range cases {
		if got := asDuplicate(tc.in); got != tc.want {
			t.Errorf("asDuplicate(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
