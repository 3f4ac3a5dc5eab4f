package services

import (
	"context"
	"errors"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/tbourn/zoekt-coordinator/internal/domain"
	"github.com/tbourn/zoekt-coordinator/internal/repo"
	"github.com/tbourn/zoekt-coordinator/internal/search"
	"github.com/tbourn/zoekt-coordinator/internal/zoekt"
)

// SearchParams is a user's blob search.
type SearchParams struct {
	Term       string
	UserID     string
	ProjectIDs []uint64
	Page       int
	PerPage    int
}

// SearchService resolves which node answers for each project and hands
// the query to the result merger.
type SearchService struct {
	DB      *gorm.DB
	Results *search.Results
	Breaker Blocker
}

// NewSearchService wires a SearchService.
func NewSearchService(db *gorm.DB, r *search.Results, b Blocker) *SearchService {
	return &SearchService{DB: db, Results: r, Breaker: b}
}

// Ceiling is the largest match count a search reports exactly.
func (s *SearchService) Ceiling() int { return s.Results.Ceiling() }

// Blobs searches the given projects. Projects without a searchable index
// are left out of the query.
func (s *SearchService) Blobs(ctx context.Context, p SearchParams) (*search.Page, error) {
	if len(p.ProjectIDs) == 0 {
		return nil, zoekt.ErrGlobalSearch
	}
	ctx, span := otel.Tracer("services/SearchService").Start(ctx, "Blobs")
	defer span.End()

	targets, err := s.Targets(ctx, p.ProjectIDs)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("search.targets", len(targets)))
	if len(targets) == 0 {
		return &search.Page{Blobs: []search.FoundBlob{}, Limit: p.PerPage, Offset: max(p.Page-1, 0) * p.PerPage}, nil
	}
	return s.Results.Blobs(ctx, search.Query{
		Term:    p.Term,
		UserID:  p.UserID,
		Page:    p.Page,
		PerPage: p.PerPage,
		Targets: targets,
	})
}

// Targets groups the projects by the node that should answer for them.
// Per root namespace the most advanced search-enabled index whose node is
// not backed off wins; if every node is backed off the first index is used
// and the dispatch error surfaces in the result.
func (s *SearchService) Targets(ctx context.Context, projectIDs []uint64) ([]search.Target, error) {
	projects, err := repo.ProjectsByIDs(ctx, s.DB, projectIDs)
	if err != nil {
		return nil, err
	}
	byRoot := map[uint64][]uint64{}
	var roots []uint64
	for _, id := range projectIDs {
		p, ok := projects[id]
		if !ok {
			continue
		}
		if _, seen := byRoot[p.RootNamespaceID]; !seen {
			roots = append(roots, p.RootNamespaceID)
		}
		byRoot[p.RootNamespaceID] = append(byRoot[p.RootNamespaceID], id)
	}
	if len(roots) == 0 {
		return nil, nil
	}

	indices, err := repo.ListSearchableIndices(ctx, s.DB, roots)
	if err != nil {
		return nil, err
	}
	candidates := map[uint64][]domain.Index{}
	for _, idx := range indices {
		candidates[idx.NamespaceID] = append(candidates[idx.NamespaceID], idx)
	}

	nodes := map[uint64]*domain.Node{}
	perNode := map[uint64][]uint64{}
	for _, root := range roots {
		c := candidates[root]
		if len(c) == 0 {
			continue
		}
		chosen := c[0].NodeID
		for _, idx := range c {
			n, err := s.node(ctx, nodes, idx.NodeID)
			if err != nil {
				return nil, err
			}
			if n != nil && (s.Breaker == nil || !s.Breaker.Blocked(n)) {
				chosen = idx.NodeID
				break
			}
		}
		perNode[chosen] = append(perNode[chosen], byRoot[root]...)
	}

	out := make([]search.Target, 0, len(perNode))
	for nodeID, ids := range perNode {
		out = append(out, search.Target{NodeID: nodeID, ProjectIDs: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (s *SearchService) node(ctx context.Context, cache map[uint64]*domain.Node, id uint64) (*domain.Node, error) {
	if n, ok := cache[id]; ok {
		return n, nil
	}
	n, err := repo.GetNode(ctx, s.DB, id)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	cache[id] = n
	return n, nil
}
