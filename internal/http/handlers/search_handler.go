package handlers

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/zoekt-coordinator/internal/http/middleware"
	"github.com/tbourn/zoekt-coordinator/internal/search"
	"github.com/tbourn/zoekt-coordinator/internal/services"
	"github.com/tbourn/zoekt-coordinator/internal/utils"
	"github.com/tbourn/zoekt-coordinator/internal/zoekt"
)

// SearchPagination carries the page window of a search response.
type SearchPagination struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Offset  int `json:"offset"`
}

// SearchBlobsResponse is one page of blob search results. A non-empty
// Error means a node failed and the result is empty.
type SearchBlobsResponse struct {
	Blobs      []search.FoundBlob `json:"blobs"`
	TotalCount int                `json:"total_count"`
	CountLabel string             `json:"count_label" example:"5,000+"`
	Pagination SearchPagination   `json:"pagination"`
	Error      string             `json:"error,omitempty"`
}

// IndexProjectResponse reports how many indices the project was queued on.
type IndexProjectResponse struct {
	Queued int `json:"queued" example:"2"`
}

// clampPagination reads page (>= 1, default 1) and per_page (1..100,
// default 20).
func clampPagination(c *gin.Context) (page, perPage int) {
	page = utils.BoundedInt(c.Query("page"), 1, 1, math.MaxInt32)
	perPage = utils.BoundedInt(c.Query("per_page"), 20, 1, 100)
	return page, perPage
}

// SearchBlobs godoc
// @ID          searchBlobs
// @Summary     Search code in the given projects
// @Description Fans the query out to the nodes holding the projects and merges the results.
// @Description Counts at or above the ceiling are labelled with a trailing "+".
// @Tags        Search
// @Produce     json
//
// @Param       X-User-ID    header  string  false  "User ID (demo header)"           example(user123)
// @Param       q            query   string  true   "Search term"                      example(def main)
// @Param       project_ids  query   string  true   "Comma-separated project ids"      example(1,2,3)
// @Param       page         query   int     false  "Page number"                      minimum(1) default(1)
// @Param       per_page     query   int     false  "Results per page"                 minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.SearchBlobsResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     502  {object}  handlers.ErrorResponse  "Search failed"
// @Failure     503  {object}  handlers.ErrorResponse  "Node backed off"
// @Router      /search/blobs [get]
func (h *Handlers) SearchBlobs(c *gin.Context) {
	term := strings.TrimSpace(c.Query("q"))
	if term == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "q is required")
		return
	}
	ids, err := utils.ParseIDList(c.Query("project_ids"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "project_ids: "+err.Error())
		return
	}
	page, perPage := clampPagination(c)

	ctx, rec := zoekt.WithRecorder(c.Request.Context())
	res, err := h.search.Blobs(ctx, services.SearchParams{
		Term:       term,
		UserID:     userID(c),
		ProjectIDs: ids,
		Page:       page,
		PerPage:    perPage,
	})
	calls, took := rec.Total()
	lg := middleware.LoggerFrom(c)
	lg.Debug().
		Int("zoekt_calls", calls).
		Dur("zoekt_duration", took).
		Int("projects", len(ids)).
		Msg("zoekt search")
	if err != nil {
		if status, _ := statusFor(err); status == http.StatusInternalServerError {
			lg.Error().Err(err).Msg("zoekt search failed")
			fail(c, http.StatusBadGateway, ErrCodeSearchFailed, "search failed")
			return
		}
		failService(c, err)
		return
	}
	if res.Error != "" {
		lg.Warn().Str("error", res.Error).Msg("zoekt search degraded")
	}

	blobs := res.Blobs
	if blobs == nil {
		blobs = []search.FoundBlob{}
	}
	ok(c, http.StatusOK, SearchBlobsResponse{
		Blobs:      blobs,
		TotalCount: res.TotalCount,
		CountLabel: search.FormatCount(res.TotalCount, h.search.Ceiling()),
		Pagination: SearchPagination{Page: page, PerPage: perPage, Offset: res.Offset},
		Error:      res.Error,
	})
}

// IndexProject godoc
// @ID          indexZoektProject
// @Summary     Queue a project for indexing
// @Description Queues an index task on every node holding the project's namespace.
// @Tags        Projects
// @Produce     json
//
// @Param       id     path   int   true   "Project ID"                    minimum(1)
// @Param       force  query  bool  false  "Rebuild the index from scratch"
//
// @Success     202  {object}  handlers.IndexProjectResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Project not found"
// @Router      /projects/{id}/zoekt/index [post]
func (h *Handlers) IndexProject(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))
	n, err := h.indexer.IndexProject(c.Request.Context(), id, force)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusAccepted, IndexProjectResponse{Queued: n})
}

// Truncate godoc
// @ID          truncateZoekt
// @Summary     Wipe index data on every node
// @Description Sends a truncate request to each known node. Failures on one node do not stop the others.
// @Tags        Admin
//
// @Success     204  {string}  string "No Content"
// @Failure     502  {object}  handlers.ErrorResponse  "One or more nodes failed"
// @Router      /admin/zoekt/truncate [post]
func (h *Handlers) Truncate(c *gin.Context) {
	if err := h.truncate.Truncate(c.Request.Context()); err != nil {
		fail(c, http.StatusBadGateway, ErrCodeTruncateFailed, err.Error())
		return
	}
	noContent(c)
}
