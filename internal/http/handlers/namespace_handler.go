package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/zoekt-coordinator/internal/domain"
)

// UpdateNamespaceRequest toggles search for an enabled namespace.
type UpdateNamespaceRequest struct {
	SearchEnabled *bool `json:"search_enabled" binding:"required" example:"false"`
}

// AssignIndexRequest places a namespace on a node. Without NodeID the node
// with the most free space is chosen.
type AssignIndexRequest struct {
	NodeID *uint64 `json:"node_id,omitempty" example:"3"`
}

// ListIndicesResponse wraps a namespace's indices.
type ListIndicesResponse struct {
	Indices []domain.Index `json:"indices"`
}

// EnableNamespace godoc
// @ID          enableZoektNamespace
// @Summary     Enable code search for a root namespace
// @Tags        Namespaces
// @Produce     json
//
// @Param       id  path  int  true  "Root namespace ID"  minimum(1)
//
// @Success     201  {object}  domain.EnabledNamespace
// @Failure     400  {object}  handlers.ErrorResponse  "Not a root namespace"
// @Failure     404  {object}  handlers.ErrorResponse  "Namespace not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Already enabled"
// @Router      /namespaces/{id}/zoekt [post]
func (h *Handlers) EnableNamespace(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	en, err := h.assign.EnableNamespace(c.Request.Context(), id)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusCreated, en)
}

// UpdateNamespace godoc
// @ID          updateZoektNamespace
// @Summary     Toggle search for an enabled namespace
// @Description Indices keep being maintained while search is off.
// @Tags        Namespaces
// @Accept      json
//
// @Param       id    path  int                              true  "Root namespace ID"  minimum(1)
// @Param       body  body  handlers.UpdateNamespaceRequest  true  "Search flag"
//
// @Success     204  {string}  string "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Not enabled"
// @Router      /namespaces/{id}/zoekt [patch]
func (h *Handlers) UpdateNamespace(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	var req UpdateNamespaceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SearchEnabled == nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "search_enabled is required")
		return
	}
	if err := h.assign.SetSearchEnabled(c.Request.Context(), id, *req.SearchEnabled); err != nil {
		failService(c, err)
		return
	}
	noContent(c)
}

// DisableNamespace godoc
// @ID          disableZoektNamespace
// @Summary     Disable code search for a root namespace
// @Description Removes every index of the namespace and queues deletion on its nodes.
// @Tags        Namespaces
//
// @Param       id  path  int  true  "Root namespace ID"  minimum(1)
//
// @Success     204  {string}  string "No Content"
// @Failure     404  {object}  handlers.ErrorResponse  "Not enabled"
// @Router      /namespaces/{id}/zoekt [delete]
func (h *Handlers) DisableNamespace(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	if err := h.assign.DisableNamespace(c.Request.Context(), id); err != nil {
		failService(c, err)
		return
	}
	noContent(c)
}

// ListIndices godoc
// @ID          listZoektIndices
// @Summary     List a namespace's indices
// @Tags        Indices
// @Produce     json
//
// @Param       id                   path   int   true   "Root namespace ID"  minimum(1)
// @Param       search_enabled_only  query  bool  false  "Only indices of search-enabled namespaces"
//
// @Success     200  {object}  handlers.ListIndicesResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Router      /namespaces/{id}/zoekt/indices [get]
func (h *Handlers) ListIndices(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	only, _ := strconv.ParseBool(c.DefaultQuery("search_enabled_only", "false"))
	indices, err := h.assign.IndicesForRootNamespace(c.Request.Context(), id, only)
	if err != nil {
		failService(c, err)
		return
	}
	if indices == nil {
		indices = []domain.Index{}
	}
	ok(c, http.StatusOK, ListIndicesResponse{Indices: indices})
}

// AssignIndex godoc
// @ID          assignZoektIndex
// @Summary     Place a namespace on a node
// @Description Creates a pending index and queues indexing of every project in the namespace.
// @Tags        Indices
// @Accept      json
// @Produce     json
//
// @Param       id    path  int                          true   "Root namespace ID"  minimum(1)
// @Param       body  body  handlers.AssignIndexRequest  false  "Target node; omit to auto-assign"
//
// @Success     201  {object}  domain.Index
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Namespace not enabled or node not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Already assigned"
// @Failure     503  {object}  handlers.ErrorResponse  "No available node"
// @Router      /namespaces/{id}/zoekt/indices [post]
func (h *Handlers) AssignIndex(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	var req AssignIndexRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}

	ctx := c.Request.Context()
	en, err := h.assign.EnabledNamespace(ctx, id)
	if err != nil {
		failService(c, err)
		return
	}
	var idx *domain.Index
	if req.NodeID != nil {
		idx, err = h.assign.AssignToNode(ctx, en.ID, *req.NodeID)
	} else {
		idx, err = h.assign.AutoAssign(ctx, en.ID)
	}
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusCreated, idx)
}

// DeleteIndex godoc
// @ID          deleteZoektIndex
// @Summary     Remove an index from its node
// @Tags        Indices
//
// @Param       id  path  int  true  "Index ID"  minimum(1)
//
// @Success     204  {string}  string "No Content"
// @Failure     404  {object}  handlers.ErrorResponse  "Index not found"
// @Router      /zoekt/indices/{id} [delete]
func (h *Handlers) DeleteIndex(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	if err := h.assign.Unassign(c.Request.Context(), id); err != nil {
		failService(c, err)
		return
	}
	noContent(c)
}
