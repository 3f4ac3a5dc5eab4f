// Package search turns raw cross-node Zoekt responses into stable,
// paginated found blobs.
//
// A query is sent once to every target node with the full match ceiling,
// the flattened line matches are cut into zero-indexed pages, and every
// produced page is cached so later pages of the same query are read
// locally. Node errors degrade to an empty page carrying the error text.
package search

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/tbourn/zoekt-coordinator/internal/domain"
	"github.com/tbourn/zoekt-coordinator/internal/zoekt"
)

const (
	DefaultCeiling  = 5000
	DefaultMaxPages = 10
	DefaultTTL      = 5 * time.Minute
)

// ErrInvalidPage rejects non-positive page or per-page values.
var ErrInvalidPage = errors.New("page and per_page must be positive")

// Searcher is the part of the dispatch client the merger needs.
type Searcher interface {
	Search(ctx context.Context, req zoekt.SearchRequest) (*zoekt.SearchResponse, error)
}

// ProjectResolver loads the projects referenced by matches.
type ProjectResolver interface {
	ProjectsByIDs(ctx context.Context, ids []uint64) (map[uint64]domain.Project, error)
}

// Target is one node and the projects it is asked about.
type Target struct {
	NodeID     uint64
	ProjectIDs []uint64
}

// Query is one paginated search request. Page is 1-based.
type Query struct {
	Term    string
	UserID  string
	Page    int
	PerPage int
	Targets []Target
}

func (q Query) projectIDs() []uint64 {
	var ids []uint64
	for _, t := range q.Targets {
		ids = append(ids, t.ProjectIDs...)
	}
	return ids
}

// Match is one matched line, flattened out of its file.
type Match struct {
	ProjectID  uint64 `json:"project_id"`
	FileName   string `json:"file_name"`
	LineNumber int    `json:"line_number"`
	Line       []byte `json:"line"`
	Before     []byte `json:"before,omitempty"`
	After      []byte `json:"after,omitempty"`
}

// FoundBlob is a search hit ready for display.
type FoundBlob struct {
	Path          string          `json:"path"`
	Basename      string          `json:"basename"`
	Ref           string          `json:"ref"`
	StartLine     int             `json:"startline"`
	HighlightLine int             `json:"highlight_line"`
	Data          string          `json:"data"`
	ProjectID     uint64          `json:"project_id"`
	Project       *domain.Project `json:"-"`
}

// Page is one page of found blobs with pagination metadata.
type Page struct {
	Blobs      []FoundBlob `json:"blobs"`
	TotalCount int         `json:"total_count"`
	Limit      int         `json:"limit"`
	Offset     int         `json:"offset"`
	Error      string      `json:"error,omitempty"`
	Cached     bool        `json:"-"`
}

// Option configures Results.
type Option func(*Results)

// WithCeiling sets the total match ceiling sent to nodes.
func WithCeiling(n int) Option {
	return func(r *Results) {
		if n > 0 {
			r.ceiling = n
		}
	}
}

// WithMaxPages sets how many pages past the requested one are cached.
func WithMaxPages(n int) Option {
	return func(r *Results) {
		if n >= 0 {
			r.maxPages = n
		}
	}
}

// WithTTL sets the cache lifetime of produced pages.
func WithTTL(d time.Duration) Option {
	return func(r *Results) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithLogger sets the logger used for cache and node failures.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Results) { r.log = l }
}

// Results merges, pages and caches node responses.
type Results struct {
	searcher Searcher
	cache    Cache
	projects ProjectResolver
	ceiling  int
	maxPages int
	ttl      time.Duration
	log      zerolog.Logger
}

// NewResults builds a merger. cache may be nil to disable caching.
func NewResults(s Searcher, cache Cache, projects ProjectResolver, opts ...Option) *Results {
	r := &Results{
		searcher: s,
		cache:    cache,
		projects: projects,
		ceiling:  DefaultCeiling,
		maxPages: DefaultMaxPages,
		ttl:      DefaultTTL,
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Ceiling returns the configured match ceiling.
func (r *Results) Ceiling() int { return r.ceiling }

// Blobs returns one page of found blobs for q. Node failures are reported
// in Page.Error; only invalid input and store failures are returned as
// errors.
func (r *Results) Blobs(ctx context.Context, q Query) (*Page, error) {
	if q.Page < 1 || q.PerPage < 1 {
		return nil, ErrInvalidPage
	}
	ids := q.projectIDs()
	if len(ids) == 0 {
		return nil, zoekt.ErrGlobalSearch
	}
	ctx, span := otel.Tracer("search/Results").Start(ctx, "Blobs")
	defer span.End()
	span.SetAttributes(attribute.Int("search.page", q.Page), attribute.Int("search.targets", len(q.Targets)))

	out := &Page{Limit: q.PerPage, Offset: (q.Page - 1) * q.PerPage, Blobs: []FoundBlob{}}
	key := CacheKey{Query: q.Term, UserID: q.UserID, PerPage: q.PerPage, ProjectIDs: ids}
	index := q.Page - 1

	current, hit := r.lookup(ctx, key.Page(index))
	if hit {
		out.Cached = true
	} else {
		resp, err := r.searchAll(ctx, q)
		if err != nil {
			return nil, err
		}
		if resp.Error != "" {
			out.Error = resp.Error
			return out, nil
		}
		total := min(resp.Result.MatchCount, r.ceiling)
		pages := ExtractPages(resp, q.PerPage, index+r.maxPages)
		r.store(ctx, key, pages, total)
		current = &CachedPage{Total: total}
		if index < len(pages) {
			current.Matches = pages[index]
		}
	}

	out.TotalCount = current.Total
	blobs, dropped, err := r.resolve(ctx, current.Matches)
	if err != nil {
		return nil, err
	}
	out.Blobs = blobs
	out.TotalCount = max(out.TotalCount-dropped, 0)
	return out, nil
}

func (r *Results) lookup(ctx context.Context, key string) (*CachedPage, bool) {
	if r.cache == nil {
		return nil, false
	}
	p, ok, err := r.cache.Get(ctx, key)
	switch {
	case err != nil:
		cacheTotal.WithLabelValues("error").Inc()
		r.log.Warn().Err(err).Msg("search cache read failed")
		return nil, false
	case ok:
		cacheTotal.WithLabelValues("hit").Inc()
		return p, true
	}
	cacheTotal.WithLabelValues("miss").Inc()
	return nil, false
}

func (r *Results) store(ctx context.Context, key CacheKey, pages [][]Match, total int) {
	if r.cache == nil || len(pages) == 0 {
		return
	}
	entries := make(map[string]CachedPage, len(pages))
	for i, m := range pages {
		entries[key.Page(i)] = CachedPage{Total: total, Matches: m}
	}
	if err := r.cache.Set(ctx, entries, r.ttl); err != nil {
		cacheTotal.WithLabelValues("error").Inc()
		r.log.Warn().Err(err).Int("pages", len(pages)).Msg("search cache write failed")
	}
}

// searchAll queries every target with the full ceiling and concatenates
// the responses in target order. Any failing node degrades the whole
// result to an error response.
func (r *Results) searchAll(ctx context.Context, q Query) (*zoekt.SearchResponse, error) {
	merged := &zoekt.SearchResponse{}
	var (
		failures  []string
		attempted int
		backoffs  int
		backedOff error
	)
	for _, t := range q.Targets {
		if len(t.ProjectIDs) == 0 {
			continue
		}
		attempted++
		resp, err := r.searcher.Search(ctx, zoekt.SearchRequest{
			NodeID:     t.NodeID,
			Query:      q.Term,
			NumResults: r.ceiling,
			ProjectIDs: t.ProjectIDs,
		})
		if errors.Is(err, zoekt.ErrGlobalSearch) {
			return nil, err
		}
		if errors.Is(err, zoekt.ErrBackoff) {
			if backoffs++; backedOff == nil {
				backedOff = err
			}
			failures = append(failures, err.Error())
			continue
		}
		if err != nil {
			r.log.Warn().Err(err).Uint64("node_id", t.NodeID).Msg("zoekt search failed")
			failures = append(failures, err.Error())
			continue
		}
		if resp.Error != "" {
			failures = append(failures, resp.Error)
			continue
		}
		merged.Result.MatchCount += resp.Result.MatchCount
		merged.Result.FileCount += resp.Result.FileCount
		merged.Result.Files = append(merged.Result.Files, resp.Result.Files...)
	}
	// Nothing was searched when every target is backed off: that is the
	// caller's error, not an empty result.
	if attempted > 0 && backoffs == attempted {
		return nil, backedOff
	}
	if len(failures) > 0 {
		return &zoekt.SearchResponse{Error: strings.Join(failures, "; ")}, nil
	}
	return merged, nil
}

// ExtractPages flattens the line matches of resp into zero-indexed pages of
// perPage entries, stopping once page index pageLimit has been produced.
func ExtractPages(resp *zoekt.SearchResponse, perPage, pageLimit int) [][]Match {
	if resp == nil || perPage < 1 || pageLimit < 0 {
		return nil
	}
	var (
		pages   [][]Match
		current []Match
	)
	for _, f := range resp.Result.Files {
		projectID, err := strconv.ParseUint(f.Repository, 10, 64)
		if err != nil {
			continue
		}
		for _, lm := range f.LineMatches {
			current = append(current, Match{
				ProjectID:  projectID,
				FileName:   f.FileName,
				LineNumber: lm.LineNumber,
				Line:       lm.Line,
				Before:     lm.Before,
				After:      lm.After,
			})
			if len(current) == perPage {
				pages = append(pages, current)
				current = nil
				if len(pages) > pageLimit {
					return pages
				}
			}
		}
	}
	if len(current) > 0 {
		pages = append(pages, current)
	}
	return pages
}

// resolve converts matches to blobs, dropping those whose project is gone
// or pending deletion.
func (r *Results) resolve(ctx context.Context, matches []Match) ([]FoundBlob, int, error) {
	if len(matches) == 0 {
		return []FoundBlob{}, 0, nil
	}
	seen := map[uint64]struct{}{}
	var ids []uint64
	for _, m := range matches {
		if _, ok := seen[m.ProjectID]; !ok {
			seen[m.ProjectID] = struct{}{}
			ids = append(ids, m.ProjectID)
		}
	}
	projects, err := r.projects.ProjectsByIDs(ctx, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve projects: %w", err)
	}

	blobs := make([]FoundBlob, 0, len(matches))
	dropped := 0
	for _, m := range matches {
		p, ok := projects[m.ProjectID]
		if !ok || p.PendingDelete {
			dropped++
			continue
		}
		blobs = append(blobs, NewFoundBlob(m, &p))
	}
	return blobs, dropped, nil
}

// NewFoundBlob converts one match owned by p.
func NewFoundBlob(m Match, p *domain.Project) FoundBlob {
	return FoundBlob{
		Path:          m.FileName,
		Basename:      basename(m.FileName),
		Ref:           p.DefaultBranch,
		StartLine:     max(m.LineNumber-1, 0),
		HighlightLine: m.LineNumber,
		Data:          snippet(m),
		ProjectID:     p.ID,
		Project:       p,
	}
}

// basename strips the extension, keeping the directory. Dotfiles keep
// their name.
func basename(p string) string {
	ext := path.Ext(p)
	if ext == "" || ext == path.Base(p) {
		return p
	}
	return strings.TrimSuffix(p, ext)
}

func snippet(m Match) string {
	parts := make([]string, 0, 3)
	if len(m.Before) > 0 {
		parts = append(parts, strings.TrimSuffix(string(m.Before), "\n"))
	}
	parts = append(parts, strings.TrimSuffix(string(m.Line), "\n"))
	if len(m.After) > 0 {
		parts = append(parts, strings.TrimSuffix(string(m.After), "\n"))
	}
	return strings.Join(parts, "\n")
}

var countPrinter = message.NewPrinter(language.English)

// FormatCount renders a match count with thousands separators and a "+"
// suffix once the ceiling is reached.
func FormatCount(count, ceiling int) string {
	if ceiling > 0 && count >= ceiling {
		return countPrinter.Sprintf("%d+", ceiling)
	}
	return countPrinter.Sprintf("%d", count)
}
