package repo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/zoekt-coordinator/internal/domain"
)

func TestEnqueueTask_OpensPartitionAndDefaultsPending(t *testing.T) {
	db := newTestDB(t, true)
	ctx := context.Background()

	task := &domain.Task{NodeID: 1, RepositoryID: 7, ProjectIdentifier: 7, Type: domain.TaskIndexRepo, State: domain.TaskDone}
	if err := EnqueueTask(ctx, db, task); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	if task.PartitionID == 0 || task.State != domain.TaskPending {
		t.Fatalf("unexpected task: %+v", task)
	}
	active, err := ActivePartition(ctx, db)
	if err != nil || active.ID != task.PartitionID {
		t.Fatalf("task not placed in active partition: %+v, %v", active, err)
	}

	if err := EnqueueTask(ctx, db, &domain.Task{NodeID: 1, Type: domain.TaskType(42)}); err == nil {
		t.Fatalf("expected error for unknown task type")
	}
}

func TestPendingTasksForNode_FIFOAcrossPartitions(t *testing.T) {
	db := newTestDB(t, true)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	p1, _ := CreatePartition(ctx, db, base)
	p2, _ := CreatePartition(ctx, db, base.Add(24*time.Hour))

	seed := []*domain.Task{
		{NodeID: 1, RepositoryID: 3, Type: domain.TaskDeleteRepo, PartitionID: p2.ID, CreatedAt: base.Add(25 * time.Hour)},
		{NodeID: 1, RepositoryID: 2, Type: domain.TaskIndexRepo, PartitionID: p1.ID, CreatedAt: base.Add(2 * time.Hour)},
		{NodeID: 2, RepositoryID: 9, Type: domain.TaskIndexRepo, PartitionID: p1.ID, CreatedAt: base},
		{NodeID: 1, RepositoryID: 1, Type: domain.TaskIndexRepo, PartitionID: p1.ID, CreatedAt: base.Add(time.Hour)},
	}
	for _, task := range seed {
		task.ProjectIdentifier = task.RepositoryID
		if err := EnqueueTask(ctx, db, task); err != nil {
			t.Fatalf("EnqueueTask: %v", err)
		}
	}

	got, err := PendingTasksForNode(ctx, db, 1, 0)
	if err != nil {
		t.Fatalf("PendingTasksForNode: %v", err)
	}
	var order []uint64
	for _, task := range got {
		order = append(order, task.RepositoryID)
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("FIFO order = %v; want [1 2 3]", order)
	}

	limited, _ := PendingTasksForNode(ctx, db, 1, 2)
	if len(limited) != 2 {
		t.Fatalf("limit ignored: %d", len(limited))
	}

	nodes, err := NodesWithPendingTasks(ctx, db)
	if err != nil || len(nodes) != 2 || nodes[0] != 1 || nodes[1] != 2 {
		t.Fatalf("NodesWithPendingTasks = %v, %v", nodes, err)
	}
}

func TestCompleteAndFailTask_Transitions(t *testing.T) {
	db := newTestDB(t, true)
	ctx := context.Background()

	a := &domain.Task{NodeID: 1, RepositoryID: 1, ProjectIdentifier: 1}
	b := &domain.Task{NodeID: 1, RepositoryID: 2, ProjectIdentifier: 2}
	for _, task := range []*domain.Task{a, b} {
		if err := EnqueueTask(ctx, db, task); err != nil {
			t.Fatalf("EnqueueTask: %v", err)
		}
	}

	if err := CompleteTask(ctx, db, a.ID); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if err := CompleteTask(ctx, db, a.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("done is terminal, got %v", err)
	}
	if _, err := FailTask(ctx, db, a.ID, "boom", 3); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("failing a done task must be rejected, got %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		state, err := FailTask(ctx, db, b.ID, "connection refused", 3)
		if err != nil {
			t.Fatalf("FailTask attempt %d: %v", attempt, err)
		}
		want := domain.TaskPending
		if attempt == 3 {
			want = domain.TaskFailed
		}
		if state != want {
			t.Fatalf("attempt %d state = %s; want %s", attempt, state, want)
		}
	}
	got, _ := GetTask(ctx, db, b.ID)
	if got.Retries != 3 || got.LastError != "connection refused" || got.State != domain.TaskFailed {
		t.Fatalf("unexpected failed task: %+v", got)
	}
	if err := CompleteTask(ctx, db, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnsureActivePartition_RollsOverAfterPeriod(t *testing.T) {
	db := newTestDB(t, true)
	ctx := context.Background()
	day := 24 * time.Hour
	t0 := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	p, rolled, err := EnsureActivePartition(ctx, db, t0, day)
	if err != nil || !rolled {
		t.Fatalf("first EnsureActivePartition = %+v, %v, %v", p, rolled, err)
	}

	// Empty partition never rolls.
	same, rolled, _ := EnsureActivePartition(ctx, db, t0.Add(3*day), day)
	if rolled || same.ID != p.ID {
		t.Fatalf("empty partition rolled over")
	}

	if err := EnqueueTask(ctx, db, &domain.Task{NodeID: 1, RepositoryID: 1, ProjectIdentifier: 1, CreatedAt: t0}); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	same, rolled, _ = EnsureActivePartition(ctx, db, t0.Add(day), day)
	if rolled || same.ID != p.ID {
		t.Fatalf("partition rolled before its oldest task exceeded the period")
	}
	next, rolled, _ := EnsureActivePartition(ctx, db, t0.Add(day+time.Second), day)
	if !rolled || next.ID == p.ID {
		t.Fatalf("expected a new partition, got %+v rolled=%v", next, rolled)
	}
}

func TestDetachPartition_SafetyRules(t *testing.T) {
	db := newTestDB(t, true)
	ctx := context.Background()
	t0 := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

	old, _ := CreatePartition(ctx, db, t0)
	task := &domain.Task{NodeID: 1, RepositoryID: 1, ProjectIdentifier: 1, PartitionID: old.ID, CreatedAt: t0}
	if err := EnqueueTask(ctx, db, task); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	// Only partition is the active one.
	if err := DetachPartition(ctx, db, old.ID, t0); !errors.Is(err, ErrActivePartition) {
		t.Fatalf("expected ErrActivePartition, got %v", err)
	}

	active, _ := CreatePartition(ctx, db, t0.Add(24*time.Hour))
	if err := DetachPartition(ctx, db, old.ID, t0); !errors.Is(err, ErrPartitionHasPending) {
		t.Fatalf("expected ErrPartitionHasPending, got %v", err)
	}

	detachable, err := DetachablePartitions(ctx, db, t0.Add(10*24*time.Hour), 7*24*time.Hour)
	if err != nil || len(detachable) != 1 || detachable[0].ID != old.ID {
		t.Fatalf("DetachablePartitions = %+v, %v", detachable, err)
	}
	for _, p := range detachable {
		if p.ID == active.ID {
			t.Fatalf("active partition must never be detachable")
		}
	}

	if err := CompleteTask(ctx, db, task.ID); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if err := DetachPartition(ctx, db, old.ID, t0); err != nil {
		t.Fatalf("DetachPartition: %v", err)
	}
	if _, err := GetTask(ctx, db, task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("detached partition rows should be dropped, got %v", err)
	}
	if err := DetachPartition(ctx, db, old.ID, t0); !errors.Is(err, ErrPartitionDetached) {
		t.Fatalf("expected ErrPartitionDetached, got %v", err)
	}
}

func TestDetachablePartitions_CountsFromClose(t *testing.T) {
	db := newTestDB(t, true)
	ctx := context.Background()
	day := 24 * time.Hour
	t0 := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

	first, _ := CreatePartition(ctx, db, t0)
	second, _ := CreatePartition(ctx, db, t0.Add(30*day))

	got, err := getPartition(db, first.ID)
	if err != nil || got.ClosedAt == nil || !got.ClosedAt.Equal(t0.Add(30*day)) {
		t.Fatalf("first partition should close when the second opens: %+v, %v", got, err)
	}
	if act, _ := ActivePartition(ctx, db); act.ID != second.ID || act.ClosedAt != nil {
		t.Fatalf("active partition = %+v", act)
	}

	// Created long ago, but closed only 5 days before now.
	if parts, err := DetachablePartitions(ctx, db, t0.Add(35*day), 7*day); err != nil || len(parts) != 0 {
		t.Fatalf("partition within retention of its close: %+v, %v", parts, err)
	}
	if parts, err := DetachablePartitions(ctx, db, t0.Add(38*day), 7*day); err != nil || len(parts) != 1 || parts[0].ID != first.ID {
		t.Fatalf("partition past retention of its close: %+v, %v", parts, err)
	}

	// Without closed_at the successor's creation marks the close.
	if err := db.Model(&domain.TaskPartition{}).Where("id = ?", first.ID).UpdateColumn("closed_at", nil).Error; err != nil {
		t.Fatalf("clear closed_at: %v", err)
	}
	if parts, _ := DetachablePartitions(ctx, db, t0.Add(35*day), 7*day); len(parts) != 0 {
		t.Fatalf("fallback close time ignored: %+v", parts)
	}
	if parts, _ := DetachablePartitions(ctx, db, t0.Add(38*day), 7*day); len(parts) != 1 {
		t.Fatalf("fallback close time: %+v", parts)
	}
}

func TestOrphanPendingTasks_UnblocksDetach(t *testing.T) {
	db := newTestDB(t, true)
	ctx := context.Background()
	t0 := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

	old, _ := CreatePartition(ctx, db, t0)
	stuck := &domain.Task{NodeID: 1, RepositoryID: 1, ProjectIdentifier: 1, PartitionID: old.ID}
	if err := EnqueueTask(ctx, db, stuck); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	_, _ = CreatePartition(ctx, db, t0.Add(24*time.Hour))

	n, err := OrphanPendingTasks(ctx, db, old.ID)
	if err != nil || n != 1 {
		t.Fatalf("OrphanPendingTasks = %d, %v", n, err)
	}
	got, _ := GetTask(ctx, db, stuck.ID)
	if got.State != domain.TaskOrphaned {
		t.Fatalf("state = %s; want orphaned", got.State)
	}
	if err := DetachPartition(ctx, db, old.ID, t0); err != nil {
		t.Fatalf("DetachPartition after orphaning: %v", err)
	}
}

func TestDetachPartition_ConcurrentCallersDetachOnce(t *testing.T) {
	db := newTestDB(t, true)
	ctx := context.Background()
	t0 := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)

	old, _ := CreatePartition(ctx, db, t0)
	_, _ = CreatePartition(ctx, db, t0.Add(24*time.Hour))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := DetachPartition(ctx, db, old.ID, t0); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes > 1 {
		t.Fatalf("partition detached %d times", successes)
	}
	if successes == 1 {
		if err := DetachPartition(ctx, db, old.ID, t0); !errors.Is(err, ErrPartitionDetached) {
			t.Fatalf("expected ErrPartitionDetached afterwards, got %v", err)
		}
	}
}

func getPartition(db *gorm.DB, id uint64) (*domain.TaskPartition, error) {
	var p domain.TaskPartition
	if err := db.Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}
