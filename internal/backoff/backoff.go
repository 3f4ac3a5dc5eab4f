// Package backoff implements the per-node circuit breaker used to keep
// dispatch away from unhealthy search nodes.
//
// State is derived, not stored: a node is blocked while
// now < last_failure_at + window(consecutive_failures), where window(k) is
// the k-th interval of a non-randomized exponential schedule capped at Max.
// Failure bookkeeping is best effort. Concurrent reports may interleave and
// an approximate counter is good enough.
package backoff

import (
	"context"
	"time"

	cbackoff "github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/tbourn/zoekt-coordinator/internal/domain"
	"github.com/tbourn/zoekt-coordinator/internal/repo"
)

const (
	// DefaultInitial is the window after the first failure.
	DefaultInitial = time.Second
	// DefaultMax caps the window.
	DefaultMax = 30 * time.Minute
	// DefaultMultiplier grows the window per consecutive failure.
	DefaultMultiplier = 2.0
)

var backoffsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "zoekt_node_backoffs_total",
	Help: "Number of node failures recorded by the circuit breaker.",
})

func init() {
	prometheus.MustRegister(backoffsTotal)
}

// State is the derived breaker state of one node.
type State struct {
	// Enabled is true while requests to the node must be blocked.
	Enabled   bool      `json:"enabled"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Failures  int       `json:"failures"`
}

// Controller computes and records node backoff. A controller with
// Disabled set never blocks and never records failures.
type Controller struct {
	DB       *gorm.DB
	Disabled bool
	Initial  time.Duration
	Max      time.Duration
	Now      func() time.Time
}

// New builds an enabled or disabled controller with the default schedule
// and the given cap.
func New(db *gorm.DB, enabled bool, ceiling time.Duration) *Controller {
	if ceiling <= 0 {
		ceiling = DefaultMax
	}
	return &Controller{DB: db, Disabled: !enabled, Initial: DefaultInitial, Max: ceiling, Now: time.Now}
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// Window returns how long a node stays blocked after k consecutive
// failures. It is zero for k <= 0 and non-decreasing in k.
func (c *Controller) Window(k int) time.Duration {
	if k <= 0 {
		return 0
	}
	initial, ceiling := c.Initial, c.Max
	if initial <= 0 {
		initial = DefaultInitial
	}
	if ceiling <= 0 {
		ceiling = DefaultMax
	}
	if initial > ceiling {
		return ceiling
	}
	eb := &cbackoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          DefaultMultiplier,
		MaxInterval:         ceiling,
	}
	eb.Reset()
	var d time.Duration
	for i := 0; i < k; i++ {
		d = eb.NextBackOff()
		if d >= ceiling {
			return ceiling
		}
	}
	return d
}

// State derives the breaker state of n at the current time.
func (c *Controller) State(n *domain.Node) State {
	st := State{Failures: n.ConsecutiveFailures}
	if c.Disabled || n.ConsecutiveFailures <= 0 || n.LastFailureAt == nil {
		return st
	}
	st.ExpiresAt = n.LastFailureAt.UTC().Add(c.Window(n.ConsecutiveFailures))
	st.Enabled = c.now().Before(st.ExpiresAt)
	return st
}

// Blocked reports whether dispatch to n must fail fast.
func (c *Controller) Blocked(n *domain.Node) bool {
	return c.State(n).Enabled
}

// Backoff records one failure of n and returns the resulting state. n is
// updated in place with the counter read back from the store.
func (c *Controller) Backoff(ctx context.Context, n *domain.Node) (State, error) {
	if c.Disabled {
		return c.State(n), nil
	}
	at := c.now()
	count, err := repo.IncrementNodeFailures(ctx, c.DB, n.ID, at)
	if err != nil {
		return c.State(n), err
	}
	backoffsTotal.Inc()
	n.ConsecutiveFailures = count
	n.LastFailureAt = &at
	return c.State(n), nil
}

// Reset clears the failure counter of n. Healthy nodes are left untouched.
func (c *Controller) Reset(ctx context.Context, n *domain.Node) error {
	if c.Disabled || n.ConsecutiveFailures == 0 {
		return nil
	}
	if err := repo.ResetNodeFailures(ctx, c.DB, n.ID); err != nil {
		return err
	}
	n.ConsecutiveFailures = 0
	n.LastFailureAt = nil
	return nil
}
