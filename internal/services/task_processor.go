package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/zoekt-coordinator/internal/domain"
	"github.com/tbourn/zoekt-coordinator/internal/repo"
	"github.com/tbourn/zoekt-coordinator/internal/zoekt"
)

var tasksProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "zoekt_tasks_processed_total",
		Help: "Tasks handled by the task processor by type and resulting state.",
	},
	[]string{"type", "state"},
)

func init() {
	prometheus.MustRegister(tasksProcessed)
}

// Dispatcher sends index and delete instructions to nodes.
type Dispatcher interface {
	Index(ctx context.Context, p *domain.Project, nodeID uint64, force bool) error
	Delete(ctx context.Context, nodeID, projectID uint64) error
}

// errProjectGone fails an index task at once; retrying cannot help.
var errProjectGone = errors.New("project no longer exists")

// ProcessResult summarizes one pass over a node's queue.
type ProcessResult struct {
	NodeID   uint64 `json:"node_id"`
	Done     int    `json:"done"`
	Failed   int    `json:"failed"`
	Retrying int    `json:"retrying"`
	// Halted is set when a failure stopped the pass before the batch end.
	Halted bool `json:"halted"`
	// Skipped is set when the node was backed off and nothing was sent.
	Skipped bool `json:"skipped"`
}

// TaskProcessor delivers pending tasks to nodes in FIFO order.
type TaskProcessor struct {
	DB         *gorm.DB
	Client     Dispatcher
	Breaker    Blocker
	Batch      int
	MaxRetries int

	log zerolog.Logger
}

// NewTaskProcessor builds a processor delivering up to batch tasks per node
// per pass.
func NewTaskProcessor(db *gorm.DB, c Dispatcher, b Blocker, batch, maxRetries int, log zerolog.Logger) *TaskProcessor {
	if batch <= 0 {
		batch = 50
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &TaskProcessor{
		DB:         db,
		Client:     c,
		Breaker:    b,
		Batch:      batch,
		MaxRetries: maxRetries,
		log:        log.With().Str("component", "task_processor").Logger(),
	}
}

// ProcessAll runs one pass for every node with pending work. A failing
// node does not stop the others.
func (p *TaskProcessor) ProcessAll(ctx context.Context) ([]ProcessResult, error) {
	ids, err := repo.NodesWithPendingTasks(ctx, p.DB)
	if err != nil {
		return nil, err
	}
	var (
		out  []ProcessResult
		errs []error
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		res, err := p.ProcessNode(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("node %d: %w", id, err))
			continue
		}
		out = append(out, res)
	}
	return out, errors.Join(errs...)
}

// ProcessNode delivers one batch of a node's pending tasks. The first
// failure halts the pass so later tasks never overtake an earlier one.
func (p *TaskProcessor) ProcessNode(ctx context.Context, nodeID uint64) (res ProcessResult, err error) {
	ctx, span := otel.Tracer("services/TaskProcessor").Start(ctx, "ProcessNode",
		trace.WithAttributes(attribute.Int64("zoekt.node_id", int64(nodeID))))
	defer span.End()

	res.NodeID = nodeID
	node, err := repo.GetNode(ctx, p.DB, nodeID)
	if errors.Is(err, repo.ErrNotFound) {
		return res, ErrNodeNotFound
	}
	if err != nil {
		return res, err
	}
	if p.Breaker != nil && p.Breaker.Blocked(node) {
		res.Skipped = true
		return res, nil
	}

	tasks, err := repo.PendingTasksForNode(ctx, p.DB, nodeID, p.Batch)
	if err != nil {
		return res, err
	}
	for i := range tasks {
		t := &tasks[i]
		derr := p.dispatch(ctx, t)
		if errors.Is(derr, zoekt.ErrBackoff) {
			// Nothing was sent; the task keeps its retry budget.
			res.Halted = true
			break
		}
		if derr == nil {
			if err := p.complete(ctx, t); err != nil {
				return res, err
			}
			res.Done++
			continue
		}

		maxRetries := p.MaxRetries
		if errors.Is(derr, errProjectGone) {
			maxRetries = 0
		}
		state, err := repo.FailTask(ctx, p.DB, t.ID, derr.Error(), maxRetries)
		if err != nil {
			return res, err
		}
		tasksProcessed.WithLabelValues(t.Type.String(), state.String()).Inc()
		p.log.Warn().Err(derr).
			Uint64("task_id", t.ID).
			Uint64("node_id", nodeID).
			Str("type", t.Type.String()).
			Str("state", state.String()).
			Msg("task dispatch failed")
		if state == domain.TaskFailed {
			res.Failed++
		} else {
			res.Retrying++
		}
		if errors.Is(derr, errProjectGone) {
			continue
		}
		res.Halted = true
		break
	}
	return res, nil
}

func (p *TaskProcessor) dispatch(ctx context.Context, t *domain.Task) error {
	switch t.Type {
	case domain.TaskIndexRepo, domain.TaskForceIndexRepo:
		proj, err := repo.GetProject(ctx, p.DB, t.ProjectIdentifier)
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %d", errProjectGone, t.ProjectIdentifier)
		}
		if err != nil {
			return err
		}
		return p.Client.Index(ctx, proj, t.NodeID, t.Type == domain.TaskForceIndexRepo)
	case domain.TaskDeleteRepo:
		return p.Client.Delete(ctx, t.NodeID, t.ProjectIdentifier)
	}
	return fmt.Errorf("unknown task type %d", int8(t.Type))
}

// complete marks the task done and applies its effect on the index
// records.
func (p *TaskProcessor) complete(ctx context.Context, t *domain.Task) error {
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.CompleteTask(ctx, tx, t.ID); err != nil {
			return err
		}
		switch t.Type {
		case domain.TaskIndexRepo, domain.TaskForceIndexRepo:
			return markIndexed(ctx, tx, t.RepositoryID)
		case domain.TaskDeleteRepo:
			return repo.DeleteRepository(ctx, tx, t.RepositoryID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	tasksProcessed.WithLabelValues(t.Type.String(), domain.TaskDone.String()).Inc()
	return nil
}

// markIndexed moves the repository to ready, and its index too once no
// repository is pending. A repository removed meanwhile is ignored.
func markIndexed(ctx context.Context, tx *gorm.DB, repositoryID uint64) error {
	r, err := repo.GetRepository(ctx, tx, repositoryID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := repo.MarkRepositoryReady(ctx, tx, r.ID); err != nil {
		return err
	}
	pending, err := repo.CountPendingRepositories(ctx, tx, r.IndexID)
	if err != nil || pending > 0 {
		return err
	}
	return repo.UpdateIndexState(ctx, tx, r.IndexID, domain.IndexReady)
}
