package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/zoekt-coordinator/internal/domain"
	"github.com/tbourn/zoekt-coordinator/internal/services"
	"github.com/tbourn/zoekt-coordinator/internal/utils"
)

// HeartbeatRequest is what a search node posts about itself. The dotted
// keys are the wire names nodes send.
type HeartbeatRequest struct {
	UUID       string `json:"uuid"             example:"5b5c9a0e-4bb6-4d2f-9f0a-3d1f3f1f2a11"`
	URL        string `json:"node.url"         example:"http://zoekt-0:6060"`
	SearchURL  string `json:"node.search_url"  example:"http://zoekt-0:6070"`
	Name       string `json:"node.name"        example:"zoekt-0"`
	UsedBytes  int64  `json:"disk.used"        example:"1073741824"`
	TotalBytes int64  `json:"disk.all"         example:"10737418240"`
}

// HeartbeatResponse returns the id assigned to the node.
type HeartbeatResponse struct {
	ID uint64 `json:"id" example:"3"`
}

// ListNodesResponse wraps all known nodes.
type ListNodesResponse struct {
	Nodes []services.NodeStatus `json:"nodes"`
}

// ListTasksResponse wraps a node's pending tasks.
type ListTasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

// Heartbeat godoc
// @ID          zoektHeartbeat
// @Summary     Register or refresh a search node
// @Description Called periodically by every search node. Creates the node on first contact.
// @Tags        Nodes
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.HeartbeatRequest  true  "Node report"
//
// @Success     200  {object}  handlers.HeartbeatResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /internal/zoekt/heartbeat [post]
func (h *Handlers) Heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	n, err := h.nodes.Heartbeat(c.Request.Context(), domain.HeartbeatParams{
		UUID:       req.UUID,
		URL:        req.URL,
		SearchURL:  req.SearchURL,
		Name:       req.Name,
		UsedBytes:  req.UsedBytes,
		TotalBytes: req.TotalBytes,
	})
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, HeartbeatResponse{ID: n.ID})
}

// ListNodes godoc
// @ID          listZoektNodes
// @Summary     List search nodes
// @Description Returns every node with its capacity, backoff state and queue depth.
// @Tags        Nodes
// @Produce     json
//
// @Success     200  {object}  handlers.ListNodesResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /zoekt/nodes [get]
func (h *Handlers) ListNodes(c *gin.Context) {
	nodes, err := h.nodes.List(c.Request.Context())
	if err != nil {
		failService(c, err)
		return
	}
	if nodes == nil {
		nodes = []services.NodeStatus{}
	}
	ok(c, http.StatusOK, ListNodesResponse{Nodes: nodes})
}

// GetNode godoc
// @ID          getZoektNode
// @Summary     Get a search node
// @Tags        Nodes
// @Produce     json
//
// @Param       id  path  int  true  "Node ID"  minimum(1)
//
// @Success     200  {object}  services.NodeStatus
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Node not found"
// @Router      /zoekt/nodes/{id} [get]
func (h *Handlers) GetNode(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	st, err := h.nodes.Get(c.Request.Context(), id)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// ListNodeTasks godoc
// @ID          listZoektNodeTasks
// @Summary     List a node's pending tasks
// @Description Returns the node's pending tasks in dispatch order.
// @Tags        Nodes
// @Produce     json
//
// @Param       id     path   int  true   "Node ID"          minimum(1)
// @Param       limit  query  int  false  "Maximum tasks"    minimum(1) maximum(500) default(100)
//
// @Success     200  {object}  handlers.ListTasksResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Node not found"
// @Router      /zoekt/nodes/{id}/tasks [get]
func (h *Handlers) ListNodeTasks(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	limit := utils.BoundedInt(c.Query("limit"), 100, 1, 500)
	tasks, err := h.nodes.PendingTasks(c.Request.Context(), id, limit)
	if err != nil {
		failService(c, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	ok(c, http.StatusOK, ListTasksResponse{Tasks: tasks})
}
