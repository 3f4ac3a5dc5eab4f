package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/zoekt-coordinator/internal/domain"
	"github.com/tbourn/zoekt-coordinator/internal/http/middleware"
	"github.com/tbourn/zoekt-coordinator/internal/search"
	"github.com/tbourn/zoekt-coordinator/internal/services"
	"github.com/tbourn/zoekt-coordinator/internal/zoekt"
)

// Error codes returned in ErrorResponse.Code. Clients branch on these, so
// they never change once published.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeTimeout          = "timeout"

	// A namespace cannot be placed: no online, healthy node has room.
	ErrCodeNoAvailableNode = "no_available_node"
	// The target node is inside its backoff window.
	ErrCodeNodeBackoff    = "node_backoff"
	ErrCodeSearchFailed   = "search_failed"
	ErrCodeTruncateFailed = "truncate_failed"
)

// errorMapping pairs sentinel errors with a status and code. Order matters:
// the first match wins.
var errorMapping = []struct {
	targets []error
	status  int
	code    string
}{
	{
		targets: []error{
			services.ErrNamespaceNotFound, services.ErrNotEnabled, services.ErrNodeNotFound,
			services.ErrIndexNotFound, services.ErrProjectNotFound, zoekt.ErrNodeNotFound,
		},
		status: http.StatusNotFound, code: ErrCodeNotFound,
	},
	{
		targets: []error{services.ErrAlreadyEnabled, services.ErrAlreadyAssigned, domain.ErrInvalidTransition},
		status:  http.StatusConflict, code: ErrCodeConflict,
	},
	{
		targets: []error{
			services.ErrNotRootNamespace, domain.ErrInvalidHeartbeat, domain.ErrNamespaceMismatch,
			zoekt.ErrGlobalSearch, search.ErrInvalidPage,
		},
		status: http.StatusBadRequest, code: ErrCodeBadRequest,
	},
	{targets: []error{services.ErrNoAvailableNode}, status: http.StatusServiceUnavailable, code: ErrCodeNoAvailableNode},
	{targets: []error{zoekt.ErrBackoff}, status: http.StatusServiceUnavailable, code: ErrCodeNodeBackoff},
	{targets: []error{context.DeadlineExceeded}, status: http.StatusGatewayTimeout, code: ErrCodeTimeout},
}

// statusFor resolves err to its HTTP status and error code. Unknown errors
// are internal.
func statusFor(err error) (int, string) {
	for _, m := range errorMapping {
		for _, target := range m.targets {
			if errors.Is(err, target) {
				return m.status, m.code
			}
		}
	}
	return http.StatusInternalServerError, ErrCodeInternal
}

// failService writes the error envelope for a service error.
func failService(c *gin.Context, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// internal details stay in the logs
		middleware.LoggerFrom(c).Error().Err(err).Msg("unhandled service error")
		msg = "internal server error"
	}
	fail(c, status, code, msg)
}
