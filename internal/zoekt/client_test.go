package zoekt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm/logger"

	"github.com/tbourn/zoekt-coordinator/internal/backoff"
	"github.com/tbourn/zoekt-coordinator/internal/config"
	"github.com/tbourn/zoekt-coordinator/internal/domain"
	"github.com/tbourn/zoekt-coordinator/internal/repo"
)

type fakeNodes struct {
	nodes map[uint64]*domain.Node
}

func (f *fakeNodes) FindNode(_ context.Context, id uint64) (*domain.Node, error) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNodeNotFound, id)
	}
	cp := *n
	return &cp, nil
}

func (f *fakeNodes) AllNodes(context.Context) ([]domain.Node, error) {
	out := []domain.Node{}
	for id := uint64(1); id <= uint64(len(f.nodes)); id++ {
		if n, ok := f.nodes[id]; ok {
			out = append(out, *n)
		}
	}
	return out, nil
}

type fakeBreaker struct {
	mu       sync.Mutex
	blocked  bool
	backoffs int
	resets   int
}

func (b *fakeBreaker) State(*domain.Node) backoff.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.blocked {
		return backoff.State{Enabled: true, ExpiresAt: time.Now().Add(time.Minute)}
	}
	return backoff.State{}
}

func (b *fakeBreaker) Backoff(context.Context, *domain.Node) (backoff.State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backoffs++
	return backoff.State{Enabled: true, Failures: b.backoffs}, nil
}

func (b *fakeBreaker) Reset(context.Context, *domain.Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets++
	return nil
}

type capturedRequest struct {
	method, path string
	body         []byte
	user, pass   string
	hasAuth      bool
}

// nodeServer records every request and answers with status/body.
type nodeServer struct {
	*httptest.Server
	hits atomic.Int32
	mu   sync.Mutex
	last capturedRequest
}

func newNodeServer(t *testing.T, status int, body string) *nodeServer {
	t.Helper()
	ns := &nodeServer{}
	ns.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ns.hits.Add(1)
		b, _ := io.ReadAll(r.Body)
		u, p, ok := r.BasicAuth()
		ns.mu.Lock()
		ns.last = capturedRequest{method: r.Method, path: r.URL.Path, body: b, user: u, pass: p, hasAuth: ok}
		ns.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(ns.Close)
	return ns
}

func (ns *nodeServer) req() capturedRequest {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.last
}

func testConfig() config.ZoektConfig {
	return config.ZoektConfig{
		SearchTimeout:  time.Second,
		IndexTimeout:   2 * time.Minute,
		DeleteTimeout:  time.Second,
		BackoffEnabled: true,
		FileSizeLimit:  1 << 20,
		ContextLines:   1,
	}
}

func newTestClient(cfg config.ZoektConfig, urls ...string) (*Client, *fakeBreaker) {
	nodes := &fakeNodes{nodes: map[uint64]*domain.Node{}}
	for i, u := range urls {
		id := uint64(i + 1)
		nodes.nodes[id] = &domain.Node{ID: id, UUID: fmt.Sprint("n", id), IndexBaseURL: u, SearchBaseURL: u, ConsecutiveFailures: 1}
	}
	br := &fakeBreaker{}
	return New(cfg, config.GitalyConfig{Address: "tcp://gitaly:8075", Token: "secret"}, nodes, br, zerolog.Nop()), br
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestSearch_EmptyProjectIDs_NoNetwork(t *testing.T) {
	srv := newNodeServer(t, http.StatusOK, `{}`)
	c, br := newTestClient(testConfig(), srv.URL)

	_, err := c.Search(context.Background(), SearchRequest{NodeID: 1, Query: "foo"})
	if !errors.Is(err, ErrGlobalSearch) {
		t.Fatalf("expected ErrGlobalSearch, got %v", err)
	}
	if srv.hits.Load() != 0 || br.backoffs != 0 {
		t.Fatalf("no request or backoff expected, hits=%d backoffs=%d", srv.hits.Load(), br.backoffs)
	}
}

func TestSearch_UnknownNode(t *testing.T) {
	c, _ := newTestClient(testConfig())
	_, err := c.Search(context.Background(), SearchRequest{NodeID: 9, Query: "foo", ProjectIDs: []uint64{1}})
	if !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestSearch_BackedOffNode_FailsFast(t *testing.T) {
	srv := newNodeServer(t, http.StatusOK, `{}`)
	c, br := newTestClient(testConfig(), srv.URL)
	br.blocked = true

	_, err := c.Search(context.Background(), SearchRequest{NodeID: 1, Query: "foo", ProjectIDs: []uint64{1}})
	var be *BackoffError
	if !errors.As(err, &be) || !errors.Is(err, ErrBackoff) || be.NodeID != 1 {
		t.Fatalf("expected *BackoffError for node 1, got %v", err)
	}
	if srv.hits.Load() != 0 {
		t.Fatalf("backed-off node must not be contacted, hits=%d", srv.hits.Load())
	}
}

func TestSearch_Success_PayloadAuthAndDecoding(t *testing.T) {
	body := fmt.Sprintf(`{"Result":{"MatchCount":2,"Files":[{"Repository":"7","FileName":"a/b.go","LineMatches":[{"LineNumber":3,"Line":%q,"Before":%q,"After":%q}]}]}}`,
		b64("func main() {\n"), b64("package main\n"), b64("}\n"))
	srv := newNodeServer(t, http.StatusOK, body)

	dir := t.TempDir()
	userFile := filepath.Join(dir, "user")
	passFile := filepath.Join(dir, "pass")
	_ = os.WriteFile(userFile, []byte("gitlab\n"), 0o600)
	_ = os.WriteFile(passFile, []byte("s3cret"), 0o600)
	cfg := testConfig()
	cfg.UsernameFile, cfg.PasswordFile = userFile, passFile
	c, br := newTestClient(cfg, srv.URL)

	ctx, rec := WithRecorder(context.Background())
	resp, err := c.Search(ctx, SearchRequest{NodeID: 1, Query: "main", NumResults: 5000, ProjectIDs: []uint64{7, 8}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Result.MatchCount != 2 || len(resp.Result.Files) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	lm := resp.Result.Files[0].LineMatches[0]
	if string(lm.Line) != "func main() {\n" || string(lm.Before) != "package main\n" {
		t.Fatalf("base64 not decoded: %q / %q", lm.Line, lm.Before)
	}

	last := srv.req()
	if last.method != http.MethodPost || last.path != "/api/search" {
		t.Fatalf("unexpected request %s %s", last.method, last.path)
	}
	if !last.hasAuth || last.user != "gitlab" || last.pass != "s3cret" {
		t.Fatalf("basic auth not sent correctly: %+v", last)
	}
	var sent map[string]any
	if err := json.Unmarshal(last.body, &sent); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	opts := sent["Opts"].(map[string]any)
	if sent["Q"] != "main" || opts["TotalMaxMatchCount"] != float64(5000) || opts["NumContextLines"] != float64(1) {
		t.Fatalf("unexpected payload: %s", last.body)
	}
	if ids := sent["RepoIDs"].([]any); len(ids) != 2 {
		t.Fatalf("RepoIDs not sent: %s", last.body)
	}

	calls := rec.Calls()
	if len(calls) != 1 || calls[0].Path != "/api/search" || calls[0].Status != http.StatusOK || calls[0].Payload == nil {
		t.Fatalf("instrumentation not recorded: %+v", calls)
	}
	if br.resets != 1 || br.backoffs != 0 {
		t.Fatalf("expected one reset and no backoff, got resets=%d backoffs=%d", br.resets, br.backoffs)
	}
}

func TestSearch_NonSuccessStatus_DegradesWithoutBackoff(t *testing.T) {
	srv := newNodeServer(t, http.StatusInternalServerError, `{"Error":"index corrupted"}`)
	c, br := newTestClient(testConfig(), srv.URL)

	ctx, rec := WithRecorder(context.Background())
	resp, err := c.Search(ctx, SearchRequest{NodeID: 1, Query: "x", ProjectIDs: []uint64{1}})
	if err != nil {
		t.Fatalf("search must degrade, got error %v", err)
	}
	if resp.Error != "index corrupted" {
		t.Fatalf("expected parsed error body, got %+v", resp)
	}
	if br.backoffs != 0 {
		t.Fatalf("non-success search must not back off")
	}
	if n, _ := rec.Total(); n != 1 {
		t.Fatalf("failed call must still be recorded")
	}

	garbage := newNodeServer(t, http.StatusBadGateway, `<html>bad gateway</html>`)
	c, _ = newTestClient(testConfig(), garbage.URL)
	resp, err = c.Search(context.Background(), SearchRequest{NodeID: 1, Query: "x", ProjectIDs: []uint64{1}})
	if err != nil || resp.Error == "" {
		t.Fatalf("unparsable error body should yield response with Error, got %+v, %v", resp, err)
	}

	// Valid JSON without an Error field must not look like zero hits.
	empty := newNodeServer(t, http.StatusServiceUnavailable, `{"Result":{"MatchCount":0,"FileCount":0}}`)
	c, _ = newTestClient(testConfig(), empty.URL)
	resp, err = c.Search(context.Background(), SearchRequest{NodeID: 1, Query: "x", ProjectIDs: []uint64{1}})
	if err != nil || resp.Error != "zoekt node 1 returned status 503" {
		t.Fatalf("non-success status must set Error, got %+v, %v", resp, err)
	}
}

func TestSearch_TransportError_BacksOff(t *testing.T) {
	srv := newNodeServer(t, http.StatusOK, `{}`)
	url := srv.URL
	srv.Close()
	c, br := newTestClient(testConfig(), url)

	ctx, rec := WithRecorder(context.Background())
	if _, err := c.Search(ctx, SearchRequest{NodeID: 1, Query: "x", ProjectIDs: []uint64{1}}); err == nil {
		t.Fatalf("expected transport error")
	}
	if br.backoffs != 1 {
		t.Fatalf("transport error must back off once, got %d", br.backoffs)
	}
	if calls := rec.Calls(); len(calls) != 1 || calls[0].Error == "" {
		t.Fatalf("failed call must be recorded with error: %+v", calls)
	}
}

func TestSearch_MalformedSuccessBody_BacksOff(t *testing.T) {
	srv := newNodeServer(t, http.StatusOK, `not json`)
	c, br := newTestClient(testConfig(), srv.URL)
	if _, err := c.Search(context.Background(), SearchRequest{NodeID: 1, Query: "x", ProjectIDs: []uint64{1}}); err == nil {
		t.Fatalf("expected decode error")
	}
	if br.backoffs != 1 {
		t.Fatalf("decode error must back off")
	}
}

func TestIndex_PayloadAndSuccess(t *testing.T) {
	srv := newNodeServer(t, http.StatusOK, `{"Success":true}`)
	c, br := newTestClient(testConfig(), srv.URL)

	p := &domain.Project{ID: 42, RepositoryStorage: "default", RepositoryPath: "@hashed/ab/cd/abcd"}
	if err := c.Index(context.Background(), p, 1, true); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if srv.req().method != http.MethodPost || srv.req().path != "/indexer/index" {
		t.Fatalf("unexpected request %s %s", srv.req().method, srv.req().path)
	}
	var sent indexPayload
	if err := json.Unmarshal(srv.req().body, &sent); err != nil {
		t.Fatalf("payload: %v", err)
	}
	want := indexPayload{
		GitalyConnectionInfo: gitalyConnectionInfo{Address: "tcp://gitaly:8075", Token: "secret", Storage: "default", Path: "@hashed/ab/cd/abcd.git"},
		RepoID:               42,
		FileSizeLimit:        1 << 20,
		Timeout:              "120s",
		Force:                true,
	}
	if sent != want {
		t.Fatalf("payload = %+v; want %+v", sent, want)
	}
	if srv.req().hasAuth {
		t.Fatalf("no credential files configured, auth header must be omitted")
	}
	if br.resets != 1 {
		t.Fatalf("success should reset failures")
	}
}

func TestIndex_ErrorFieldAndStatus_BackOff(t *testing.T) {
	p := &domain.Project{ID: 1, RepositoryPath: "x"}

	errBody := newNodeServer(t, http.StatusOK, `{"Error":"disk full"}`)
	c, br := newTestClient(testConfig(), errBody.URL)
	err := c.Index(context.Background(), p, 1, false)
	var se *StatusError
	if !errors.As(err, &se) || se.Body != "disk full" || !errors.Is(err, ErrIndexFailed) {
		t.Fatalf("expected StatusError with body error, got %v", err)
	}
	if br.backoffs != 1 {
		t.Fatalf("Error field must back off")
	}

	status := newNodeServer(t, http.StatusServiceUnavailable, ``)
	c, br = newTestClient(testConfig(), status.URL)
	err = c.Index(context.Background(), p, 1, false)
	if !errors.As(err, &se) || se.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected StatusError 503, got %v", err)
	}
	if br.backoffs != 1 {
		t.Fatalf("non-success status must back off")
	}
}

func TestDelete_PathAndMethod(t *testing.T) {
	srv := newNodeServer(t, http.StatusOK, ``)
	c, _ := newTestClient(testConfig(), srv.URL)
	if err := c.Delete(context.Background(), 1, 42); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if srv.req().method != http.MethodDelete || srv.req().path != "/indexer/index/42" {
		t.Fatalf("unexpected request %s %s", srv.req().method, srv.req().path)
	}

	c.breaker.(*fakeBreaker).blocked = true
	if err := c.Delete(context.Background(), 1, 42); !errors.Is(err, ErrBackoff) {
		t.Fatalf("expected backoff error, got %v", err)
	}
}

func TestTruncate_ContinuesOnError(t *testing.T) {
	bad := newNodeServer(t, http.StatusInternalServerError, `{"Error":"nope"}`)
	good := newNodeServer(t, http.StatusOK, ``)
	c, br := newTestClient(testConfig(), bad.URL, good.URL)
	br.blocked = true // truncate does not consult backoff

	err := c.Truncate(context.Background())
	if err == nil || !errors.Is(err, ErrIndexFailed) {
		t.Fatalf("expected joined error from failing node, got %v", err)
	}
	if bad.hits.Load() != 1 || good.hits.Load() != 1 {
		t.Fatalf("every node must be attempted, hits bad=%d good=%d", bad.hits.Load(), good.hits.Load())
	}
	if good.req().path != "/indexer/truncate" || good.req().method != http.MethodPost {
		t.Fatalf("unexpected truncate request %s %s", good.req().method, good.req().path)
	}
	if br.backoffs != 0 {
		t.Fatalf("truncate must not record backoff")
	}
}

func TestCredentials_MissingFileOmitsCredential(t *testing.T) {
	srv := newNodeServer(t, http.StatusOK, `{"Result":{}}`)
	dir := t.TempDir()
	userFile := filepath.Join(dir, "user")
	_ = os.WriteFile(userFile, []byte("only-user"), 0o600)
	cfg := testConfig()
	cfg.UsernameFile, cfg.PasswordFile = userFile, filepath.Join(dir, "missing")
	c, _ := newTestClient(cfg, srv.URL)

	if _, err := c.Search(context.Background(), SearchRequest{NodeID: 1, Query: "x", ProjectIDs: []uint64{1}}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !srv.req().hasAuth || srv.req().user != "only-user" || srv.req().pass != "" {
		t.Fatalf("expected user-only basic auth, got %+v", srv.req())
	}

	// Credentials are cached: changing the file has no effect.
	_ = os.WriteFile(userFile, []byte("changed"), 0o600)
	_, _ = c.Search(context.Background(), SearchRequest{NodeID: 1, Query: "x", ProjectIDs: []uint64{1}})
	if srv.req().user != "only-user" {
		t.Fatalf("credentials should be read once, got %q", srv.req().user)
	}
}

func TestSearch_BackoffDisabledByConfig(t *testing.T) {
	srv := newNodeServer(t, http.StatusOK, `{"Result":{}}`)
	cfg := testConfig()
	cfg.BackoffEnabled = false
	c, br := newTestClient(cfg, srv.URL)
	br.blocked = true

	if _, err := c.Search(context.Background(), SearchRequest{NodeID: 1, Query: "x", ProjectIDs: []uint64{1}}); err != nil {
		t.Fatalf("disabled backoff must not block: %v", err)
	}
	if srv.hits.Load() != 1 {
		t.Fatalf("expected request to be sent")
	}
}

func TestSearch_WithDatabaseBreaker_BlocksAfterFailures(t *testing.T) {
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "zoekt.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Logger = logger.Default.LogMode(logger.Silent)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	srv := newNodeServer(t, http.StatusOK, `{}`)
	n, err := repo.FindOrInitializeByHeartbeat(context.Background(), db, domain.HeartbeatParams{UUID: "n1", URL: srv.URL}, time.Now())
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := repo.IncrementNodeFailures(context.Background(), db, n.ID, time.Now()); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	br := backoff.New(db, true, time.Hour)
	c := New(testConfig(), config.GitalyConfig{}, DBNodes{DB: db}, br, zerolog.Nop())
	_, err = c.Search(context.Background(), SearchRequest{NodeID: n.ID, Query: "foo", ProjectIDs: []uint64{1}})
	if !errors.Is(err, ErrBackoff) {
		t.Fatalf("expected backoff error, got %v", err)
	}
	if srv.hits.Load() != 0 {
		t.Fatalf("no HTTP call expected, got %d", srv.hits.Load())
	}
	if _, err := (DBNodes{DB: db}).FindNode(context.Background(), 999); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}
