// Package zoekt is the dispatch client for Zoekt search nodes. It sends
// search, index, delete and truncate requests to a node resolved by id,
// guarded by the node circuit breaker.
//
// Every targeted call resolves the node (ErrNodeNotFound), fails fast with
// a *BackoffError while the node is backed off, records a backoff on any
// transport or application failure, and resets the node's failure counter
// after a success. Search is the exception on non-success statuses: the
// failure is logged and the body is still parsed and returned.
//
// A Client is constructed explicitly and safe for concurrent use.
package zoekt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/zoekt-coordinator/internal/backoff"
	"github.com/tbourn/zoekt-coordinator/internal/config"
	"github.com/tbourn/zoekt-coordinator/internal/domain"
	"github.com/tbourn/zoekt-coordinator/internal/repo"
)

const (
	pathSearch   = "/api/search"
	pathIndex    = "/indexer/index"
	pathDelete   = "/indexer/index/:id"
	pathTruncate = "/indexer/truncate"

	// maxBody bounds how much of a node response is read.
	maxBody = 64 << 20
)

// NodeFinder resolves nodes for dispatch.
type NodeFinder interface {
	FindNode(ctx context.Context, id uint64) (*domain.Node, error)
	AllNodes(ctx context.Context) ([]domain.Node, error)
}

// Breaker is the circuit breaker consulted before and updated after every
// targeted call.
type Breaker interface {
	State(n *domain.Node) backoff.State
	Backoff(ctx context.Context, n *domain.Node) (backoff.State, error)
	Reset(ctx context.Context, n *domain.Node) error
}

// DBNodes resolves nodes from the database.
type DBNodes struct {
	DB *gorm.DB
}

// FindNode returns the node or an error matching ErrNodeNotFound.
func (d DBNodes) FindNode(ctx context.Context, id uint64) (*domain.Node, error) {
	n, err := repo.GetNode(ctx, d.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrNodeNotFound, id)
	}
	return n, err
}

// AllNodes lists every known node.
func (d DBNodes) AllNodes(ctx context.Context) ([]domain.Node, error) {
	return repo.ListNodes(ctx, d.DB)
}

// SearchRequest targets one node with a project-scoped query.
type SearchRequest struct {
	NodeID     uint64
	Query      string
	NumResults int
	ProjectIDs []uint64
}

// Client talks to Zoekt nodes.
type Client struct {
	cfg     config.ZoektConfig
	gitaly  config.GitalyConfig
	nodes   NodeFinder
	breaker Breaker
	log     zerolog.Logger

	// HTTP is the transport; per-call timeouts come from the context.
	HTTP *http.Client

	credOnce sync.Once
	username string
	password string
}

// New builds a client. breaker may be nil, which disables circuit breaking
// just like cfg.BackoffEnabled=false.
func New(cfg config.ZoektConfig, gitaly config.GitalyConfig, nodes NodeFinder, breaker Breaker, log zerolog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		gitaly:  gitaly,
		nodes:   nodes,
		breaker: breaker,
		log:     log.With().Str("component", "zoekt_client").Logger(),
		HTTP:    &http.Client{},
	}
}

func (c *Client) backoffEnabled() bool {
	return c.cfg.BackoffEnabled && c.breaker != nil
}

// credentials reads the basic-auth secret files once.
func (c *Client) credentials() (string, string) {
	c.credOnce.Do(func() {
		c.username = c.readSecret(c.cfg.UsernameFile)
		c.password = c.readSecret(c.cfg.PasswordFile)
	})
	return c.username, c.password
}

func (c *Client) readSecret(path string) string {
	if path == "" {
		return ""
	}
	b, err := os.ReadFile(path)
	if err != nil {
		c.log.Debug().Err(err).Str("file", path).Msg("zoekt credential file not readable, omitting")
		return ""
	}
	return strings.TrimSpace(string(b))
}

// resolve finds the node and applies the backoff guard.
func (c *Client) resolve(ctx context.Context, id uint64) (*domain.Node, error) {
	n, err := c.nodes.FindNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.backoffEnabled() {
		if st := c.breaker.State(n); st.Enabled {
			return nil, &BackoffError{NodeID: n.ID, ExpiresAt: st.ExpiresAt}
		}
	}
	return n, nil
}

func (c *Client) fail(ctx context.Context, n *domain.Node, cause error) {
	if !c.backoffEnabled() {
		return
	}
	st, err := c.breaker.Backoff(ctx, n)
	if err != nil {
		c.log.Warn().Err(err).Uint64("node_id", n.ID).Msg("record node backoff")
		return
	}
	c.log.Warn().Err(cause).
		Uint64("node_id", n.ID).
		Int("failures", st.Failures).
		Time("expires_at", st.ExpiresAt).
		Msg("zoekt node backed off")
}

func (c *Client) succeed(ctx context.Context, n *domain.Node) {
	if !c.backoffEnabled() || n.ConsecutiveFailures == 0 {
		return
	}
	if err := c.breaker.Reset(ctx, n); err != nil {
		c.log.Warn().Err(err).Uint64("node_id", n.ID).Msg("reset node backoff")
	}
}

type response struct {
	status int
	body   []byte
}

func (r *response) ok() bool { return r.status >= 200 && r.status < 300 }

// do performs one HTTP call and records it regardless of outcome. label is
// the bounded path used for metrics.
func (c *Client) do(ctx context.Context, n *domain.Node, method, base, path, label string, payload any, timeout time.Duration) (resp *response, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	call := Call{Method: method, Path: path, NodeID: n.ID, Payload: payload}
	defer func() {
		call.Duration = time.Since(start)
		outcome := "success"
		if resp != nil {
			call.Status = resp.status
			if !resp.ok() {
				outcome = "http_error"
			}
		}
		if err != nil {
			call.Error = err.Error()
			outcome = "error"
		}
		record(ctx, call, label, outcome)
	}()

	endpoint, err := url.JoinPath(base, path)
	if err != nil {
		return nil, fmt.Errorf("build url for node %d: %w", n.ID, err)
	}
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user, pass := c.credentials(); user != "" || pass != "" {
		req.SetBasicAuth(user, pass)
	}

	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, maxBody))
	if err != nil {
		return nil, err
	}
	return &response{status: res.StatusCode, body: b}, nil
}

func startSpan(ctx context.Context, name string, nodeID uint64) (context.Context, trace.Span) {
	return otel.Tracer("zoekt/Client").Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int64("zoekt.node_id", int64(nodeID))),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Search runs a project-scoped query on one node. NumResults is sent as the
// total match ceiling. Non-success statuses are logged and the body is
// still parsed; an unparsable body then yields a response carrying Error
// instead of a Go error.
func (c *Client) Search(ctx context.Context, req SearchRequest) (resp *SearchResponse, err error) {
	if len(req.ProjectIDs) == 0 {
		return nil, ErrGlobalSearch
	}
	ctx, span := startSpan(ctx, "Search", req.NodeID)
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("zoekt.projects", len(req.ProjectIDs)))

	n, err := c.resolve(ctx, req.NodeID)
	if err != nil {
		return nil, err
	}
	payload := searchPayload{
		Q:       req.Query,
		Opts:    searchOptions{TotalMaxMatchCount: req.NumResults, NumContextLines: c.cfg.ContextLines},
		RepoIDs: req.ProjectIDs,
	}
	raw, err := c.do(ctx, n, http.MethodPost, n.SearchBaseURL, pathSearch, pathSearch, payload, c.cfg.SearchTimeout)
	if err != nil {
		c.fail(ctx, n, err)
		return nil, err
	}

	var out SearchResponse
	decodeErr := json.Unmarshal(raw.body, &out)
	if !raw.ok() {
		c.log.Error().
			Uint64("node_id", n.ID).
			Int("status", raw.status).
			Str("body", truncate(raw.body, 512)).
			Msg("zoekt search failed")
		// A failed search never reads as a genuine zero-hit result.
		if decodeErr != nil || out.Error == "" {
			return &SearchResponse{Error: fmt.Sprintf("zoekt node %d returned status %d", n.ID, raw.status)}, nil
		}
		return &out, nil
	}
	if decodeErr != nil {
		err = fmt.Errorf("decode search response from node %d: %w", n.ID, decodeErr)
		c.fail(ctx, n, err)
		return nil, err
	}
	c.succeed(ctx, n)
	return &out, nil
}

// Index asks a node to (re)index one project's repository.
func (c *Client) Index(ctx context.Context, p *domain.Project, nodeID uint64, force bool) (err error) {
	ctx, span := startSpan(ctx, "Index", nodeID)
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int64("project.id", int64(p.ID)), attribute.Bool("zoekt.force", force))

	n, err := c.resolve(ctx, nodeID)
	if err != nil {
		return err
	}
	payload := indexPayload{
		GitalyConnectionInfo: gitalyConnectionInfo{
			Address: c.gitaly.Address,
			Token:   c.gitaly.Token,
			Storage: p.RepositoryStorage,
			Path:    repositoryPath(p.RepositoryPath),
		},
		RepoID:        p.ID,
		FileSizeLimit: c.cfg.FileSizeLimit,
		Timeout:       strconv.Itoa(int(c.cfg.IndexTimeout.Seconds())) + "s",
		Force:         force,
	}
	return c.indexerCall(ctx, n, http.MethodPost, pathIndex, pathIndex, payload, c.cfg.IndexTimeout)
}

// Delete removes one project's index data from a node.
func (c *Client) Delete(ctx context.Context, nodeID, projectID uint64) (err error) {
	ctx, span := startSpan(ctx, "Delete", nodeID)
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int64("project.id", int64(projectID)))

	n, err := c.resolve(ctx, nodeID)
	if err != nil {
		return err
	}
	path := pathIndex + "/" + strconv.FormatUint(projectID, 10)
	return c.indexerCall(ctx, n, http.MethodDelete, path, pathDelete, nil, c.cfg.DeleteTimeout)
}

func (c *Client) indexerCall(ctx context.Context, n *domain.Node, method, path, label string, payload any, timeout time.Duration) error {
	raw, err := c.do(ctx, n, method, n.IndexBaseURL, path, label, payload, timeout)
	if err == nil {
		err = indexerError(n.ID, path, raw)
	}
	if err != nil {
		c.fail(ctx, n, err)
		return err
	}
	c.succeed(ctx, n)
	return nil
}

// indexerError maps a non-success status or a body Error field to a
// *StatusError.
func indexerError(nodeID uint64, path string, raw *response) error {
	var body indexerResponse
	if len(bytes.TrimSpace(raw.body)) > 0 {
		if err := json.Unmarshal(raw.body, &body); err != nil && raw.ok() {
			return fmt.Errorf("decode indexer response from node %d: %w", nodeID, err)
		}
	}
	if !raw.ok() {
		msg := body.Error
		if msg == "" {
			msg = truncate(raw.body, 512)
		}
		return &StatusError{NodeID: nodeID, Path: path, Status: raw.status, Body: msg}
	}
	if body.Error != "" {
		return &StatusError{NodeID: nodeID, Path: path, Status: raw.status, Body: body.Error}
	}
	return nil
}

// Truncate asks every known node to drop its whole index. It continues past
// failing nodes and returns their errors joined. Backoff is neither
// consulted nor recorded.
func (c *Client) Truncate(ctx context.Context) (err error) {
	ctx, span := otel.Tracer("zoekt/Client").Start(ctx, "Truncate")
	defer func() { endSpan(span, err) }()

	nodes, err := c.nodes.AllNodes(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for i := range nodes {
		n := &nodes[i]
		raw, err := c.do(ctx, n, http.MethodPost, n.IndexBaseURL, pathTruncate, pathTruncate, nil, c.cfg.DeleteTimeout)
		if err == nil {
			err = indexerError(n.ID, pathTruncate, raw)
		}
		if err != nil {
			c.log.Error().Err(err).Uint64("node_id", n.ID).Msg("zoekt truncate failed")
			errs = append(errs, fmt.Errorf("truncate node %d: %w", n.ID, err))
		}
	}
	return errors.Join(errs...)
}

func repositoryPath(p string) string {
	if strings.HasSuffix(p, ".git") {
		return p
	}
	return p + ".git"
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
