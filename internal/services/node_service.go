package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/zoekt-coordinator/internal/backoff"
	"github.com/tbourn/zoekt-coordinator/internal/domain"
)

// NodeRepo is the persistence contract of NodeService.
type NodeRepo interface {
	FindOrInitializeByHeartbeat(ctx context.Context, db *gorm.DB, p domain.HeartbeatParams, now time.Time) (*domain.Node, error)
	GetNode(ctx context.Context, db *gorm.DB, id uint64) (*domain.Node, error)
	ListNodes(ctx context.Context, db *gorm.DB) ([]domain.Node, error)
	NodeQueueStats(ctx context.Context, db *gorm.DB, nodeID uint64) (int64, *time.Time, error)
	PendingTasksForNode(ctx context.Context, db *gorm.DB, nodeID uint64, limit int) ([]domain.Task, error)
}

// BreakerState reports the derived backoff state of a node.
type BreakerState interface {
	State(n *domain.Node) backoff.State
}

// NodeStatus is a node with its health and queue summary.
type NodeStatus struct {
	domain.Node
	FreeBytes       int64         `json:"free_bytes"`
	Online          bool          `json:"online"`
	Backoff         backoff.State `json:"backoff"`
	PendingTasks    int64         `json:"pending_tasks"`
	OldestPendingAt *time.Time    `json:"oldest_pending_at,omitempty"`
}

// NodeService registers nodes from heartbeats and reports their status.
type NodeService struct {
	DB      *gorm.DB
	Repo    NodeRepo
	Breaker BreakerState

	// OnlineWindow is how recent a heartbeat must be for a node to count
	// as online.
	OnlineWindow time.Duration
	Now          func() time.Time
}

// NewNodeService builds a NodeService with a 1 minute online window.
func NewNodeService(db *gorm.DB, r NodeRepo, b BreakerState) *NodeService {
	return &NodeService{DB: db, Repo: r, Breaker: b, OnlineWindow: time.Minute, Now: time.Now}
}

func (s *NodeService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Heartbeat validates p and upserts the node it describes.
func (s *NodeService) Heartbeat(ctx context.Context, p domain.HeartbeatParams) (*domain.Node, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return s.Repo.FindOrInitializeByHeartbeat(ctx, s.DB, p, s.now())
}

// List returns the status of every node.
func (s *NodeService) List(ctx context.Context) ([]NodeStatus, error) {
	nodes, err := s.Repo.ListNodes(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	out := make([]NodeStatus, 0, len(nodes))
	for _, n := range nodes {
		st, err := s.status(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Get returns the status of one node.
func (s *NodeService) Get(ctx context.Context, id uint64) (*NodeStatus, error) {
	n, err := s.Repo.GetNode(ctx, s.DB, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	st, err := s.status(ctx, *n)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// PendingTasks lists up to limit pending tasks of a node in dispatch order.
func (s *NodeService) PendingTasks(ctx context.Context, id uint64, limit int) ([]domain.Task, error) {
	if _, err := s.Repo.GetNode(ctx, s.DB, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNodeNotFound
		}
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	return s.Repo.PendingTasksForNode(ctx, s.DB, id, limit)
}

func (s *NodeService) status(ctx context.Context, n domain.Node) (NodeStatus, error) {
	pending, oldest, err := s.Repo.NodeQueueStats(ctx, s.DB, n.ID)
	if err != nil {
		return NodeStatus{}, err
	}
	st := NodeStatus{
		Node:            n,
		FreeBytes:       n.FreeBytes(),
		Online:          n.LastSeenAt.After(s.now().Add(-s.OnlineWindow)),
		PendingTasks:    pending,
		OldestPendingAt: oldest,
	}
	if s.Breaker != nil {
		st.Backoff = s.Breaker.State(&n)
	}
	return st, nil
}
