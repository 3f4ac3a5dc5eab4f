package zoekt

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zoekt_requests_total",
			Help: "Requests sent to Zoekt nodes by method, API path and outcome.",
		},
		[]string{"method", "path", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zoekt_request_duration_seconds",
			Help:    "Duration of requests sent to Zoekt nodes.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 1800},
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration)
}

// Call is one recorded request to a node.
type Call struct {
	Method   string        `json:"method"`
	Path     string        `json:"path"`
	NodeID   uint64        `json:"node_id"`
	Duration time.Duration `json:"duration"`
	Payload  any           `json:"payload,omitempty"`
	Status   int           `json:"status,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Recorder collects the calls made while serving one request.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Total returns the number of calls and their summed duration.
func (r *Recorder) Total() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var d time.Duration
	for _, c := range r.calls {
		d += c.Duration
	}
	return len(r.calls), d
}

func (r *Recorder) add(c Call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

type recorderKey struct{}

// WithRecorder attaches a fresh recorder to ctx.
func WithRecorder(ctx context.Context) (context.Context, *Recorder) {
	r := &Recorder{}
	return context.WithValue(ctx, recorderKey{}, r), r
}

// RecorderFrom returns the recorder attached to ctx, or nil.
func RecorderFrom(ctx context.Context) *Recorder {
	r, _ := ctx.Value(recorderKey{}).(*Recorder)
	return r
}

// record stores c in the context recorder, if any, and updates metrics
// under the bounded path label.
func record(ctx context.Context, c Call, label, outcome string) {
	requestsTotal.WithLabelValues(c.Method, label, outcome).Inc()
	requestDuration.WithLabelValues(c.Method, label).Observe(c.Duration.Seconds())
	if r := RecorderFrom(ctx); r != nil {
		r.add(c)
	}
}
