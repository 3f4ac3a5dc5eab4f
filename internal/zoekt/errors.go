package zoekt

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNodeNotFound is returned when the target node id is unknown.
	ErrNodeNotFound = errors.New("zoekt node not found")

	// ErrBackoff is matched by every *BackoffError.
	ErrBackoff = errors.New("zoekt node unavailable due to backoff")

	// ErrGlobalSearch rejects searches without an explicit project list.
	ErrGlobalSearch = errors.New("global search is not supported: project ids are required")

	// ErrIndexFailed wraps node-side indexing and deletion failures.
	ErrIndexFailed = errors.New("zoekt indexing request failed")
)

// BackoffError is returned without any network call when the target node
// is circuit-broken.
type BackoffError struct {
	NodeID    uint64
	ExpiresAt time.Time
}

func (e *BackoffError) Error() string {
	return fmt.Sprintf("zoekt node %d unavailable due to backoff until %s", e.NodeID, e.ExpiresAt.Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrBackoff) hold.
func (e *BackoffError) Is(target error) bool { return target == ErrBackoff }

// StatusError reports a non-success HTTP status or an Error field in the
// node's response body.
type StatusError struct {
	NodeID uint64
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("zoekt node %d %s: status %d: %s", e.NodeID, e.Path, e.Status, e.Body)
	}
	return fmt.Sprintf("zoekt node %d %s: status %d", e.NodeID, e.Path, e.Status)
}

func (e *StatusError) Unwrap() error { return ErrIndexFailed }
