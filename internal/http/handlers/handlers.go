// Handler wiring for the code-search coordination API.
//
// Handlers are transport-thin: they validate input, call application services,
// and translate service errors into the standard error envelope.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/zoekt-coordinator/internal/domain"
	"github.com/tbourn/zoekt-coordinator/internal/search"
	"github.com/tbourn/zoekt-coordinator/internal/services"
)

//
// Service contracts (context-aware)
//

// NodeService registers nodes and reports their health.
type NodeService interface {
	// Heartbeat creates or refreshes the node identified by p.UUID.
	Heartbeat(ctx context.Context, p domain.HeartbeatParams) (*domain.Node, error)
	// List returns every known node with its status.
	List(ctx context.Context) ([]services.NodeStatus, error)
	// Get returns one node with its status.
	Get(ctx context.Context, id uint64) (*services.NodeStatus, error)
	// PendingTasks returns up to limit queued tasks for the node, oldest first.
	PendingTasks(ctx context.Context, id uint64, limit int) ([]domain.Task, error)
}

// AssignmentService manages which namespaces are searchable and where
// their indices live.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type AssignmentService interface {
	EnableNamespace(ctx context.Context, rootNamespaceID uint64) (*domain.EnabledNamespace, error)
	DisableNamespace(ctx context.Context, rootNamespaceID uint64) error
	SetSearchEnabled(ctx context.Context, rootNamespaceID uint64, enabled bool) error
	EnabledNamespace(ctx context.Context, rootNamespaceID uint64) (*domain.EnabledNamespace, error)
	AssignToNode(ctx context.Context, enabledNamespaceID, nodeID uint64) (*domain.Index, error)
	AutoAssign(ctx context.Context, enabledNamespaceID uint64) (*domain.Index, error)
	Unassign(ctx context.Context, indexID uint64) error
	IndicesForRootNamespace(ctx context.Context, rootNamespaceID uint64, searchEnabledOnly bool) ([]domain.Index, error)
}

// ProjectIndexer queues a project for (re)indexing on every node that
// holds its namespace.
type ProjectIndexer interface {
	IndexProject(ctx context.Context, projectID uint64, force bool) (int, error)
}

// SearchService answers blob searches.
type SearchService interface {
	Blobs(ctx context.Context, p services.SearchParams) (*search.Page, error)
	// Ceiling is the largest exactly reported match count.
	Ceiling() int
}

// Truncater wipes every node's index data.
type Truncater interface {
	Truncate(ctx context.Context) error
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints of the coordinator.
type Handlers struct {
	nodes    NodeService
	assign   AssignmentService
	indexer  ProjectIndexer
	search   SearchService
	truncate Truncater
}

// New constructs and returns a Handlers instance bound to the given services.
func New(nodes NodeService, assign AssignmentService, indexer ProjectIndexer, search SearchService, truncate Truncater) *Handlers {
	return &Handlers{nodes: nodes, assign: assign, indexer: indexer, search: search, truncate: truncate}
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

// pathID parses a positive integer path parameter. On failure it writes a
// 400 and returns false.
func pathID(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}
