// Package search implements the unified services listing (trámites, OPAs and
// FAQs merged into one filtered, ranked and paginated result set) and the
// optional Qdrant vector index used by the knowledge service.
package search

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/telemetry"
	"github.com/civica-gov/civica/internal/textnorm"
)

// Page size bounds for unified search.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Sort orders accepted by Query.Sort.
const (
	SortRelevance = "relevance"
	SortName      = "name"
	SortUpdated   = "updated"
)

// Scores assigned by the text matcher.
const (
	scoreExactCode  = 100
	scoreNameEquals = 80
	scoreNamePrefix = 60
	scoreAllInName  = 40
	scoreBase       = 10
)

// ErrInvalidQuery is returned when a query names an unknown type or sort.
var ErrInvalidQuery = errors.New("search: invalid query")

// Source loads every row of each catalog type projected onto ServiceItem.
// *storage.DB implements it.
type Source interface {
	ListAllTramitesForSearch(ctx context.Context) ([]model.ServiceItem, error)
	ListAllOPAsForSearch(ctx context.Context) ([]model.ServiceItem, error)
	ListAllFAQsForSearch(ctx context.Context) ([]model.ServiceItem, error)
}

// Query describes a unified search request.
type Query struct {
	Text             string
	Types            []model.ServiceType // empty means all
	DependenciaID    *uuid.UUID
	SubdependenciaID *uuid.UUID
	HasPayment       *bool
	IncludeInactive  bool
	Page             int
	PageSize         int
	Sort             string
}

// Normalize applies defaults and bounds, and rejects unknown types or sorts.
func (q *Query) Normalize() error {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	switch q.Sort {
	case "":
		q.Sort = SortRelevance
	case SortRelevance, SortName, SortUpdated:
	default:
		return fmt.Errorf("%w: unknown sort %q", ErrInvalidQuery, q.Sort)
	}
	for _, t := range q.Types {
		if !t.Valid() {
			return fmt.Errorf("%w: unknown type %q", ErrInvalidQuery, t)
		}
	}
	return nil
}

func (q Query) wants(t model.ServiceType) bool {
	return len(q.Types) == 0 || slices.Contains(q.Types, t)
}

// Page is one page of results.
type Page[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalPages int `json:"total_pages"`
}

// Service runs unified searches over a Source.
type Service struct {
	src      Source
	duration metric.Float64Histogram
}

// NewService creates a unified search service.
func NewService(src Source) *Service {
	h, _ := telemetry.Meter("civica/search").Float64Histogram("civica.search.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Unified search latency"),
	)
	return &Service{src: src, duration: h}
}

// Search loads, filters, ranks and paginates service items.
func (s *Service) Search(ctx context.Context, q Query) (Page[model.ServiceItem], error) {
	if err := q.Normalize(); err != nil {
		return Page[model.ServiceItem]{}, err
	}
	start := time.Now()
	defer func() {
		if s.duration != nil {
			s.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.Bool("text", q.Text != "")))
		}
	}()

	items, err := s.load(ctx, q.Types)
	if err != nil {
		return Page[model.ServiceItem]{}, err
	}
	matched := Match(items, q)
	SortItems(matched, q.Sort)
	return Paginate(matched, q.Page, q.PageSize), nil
}

// Counts returns per-type totals for the query's filters and text. The
// query's Types are ignored so the counts can drive a type facet.
func (s *Service) Counts(ctx context.Context, q Query) (model.ServiceCounts, error) {
	if err := q.Normalize(); err != nil {
		return model.ServiceCounts{}, err
	}
	q.Types = nil
	items, err := s.load(ctx, nil)
	if err != nil {
		return model.ServiceCounts{}, err
	}
	var c model.ServiceCounts
	for _, it := range Match(items, q) {
		switch it.Type {
		case model.ServiceTramite:
			c.Tramite++
		case model.ServiceOPA:
			c.OPA++
		case model.ServiceFAQ:
			c.FAQ++
		}
	}
	c.Total = c.Tramite + c.OPA + c.FAQ
	return c, nil
}

// load fetches the requested types concurrently. Unrequested types are not
// queried.
func (s *Service) load(ctx context.Context, types []model.ServiceType) ([]model.ServiceItem, error) {
	q := Query{Types: types}
	var tramites, opas, faqs []model.ServiceItem

	g, gctx := errgroup.WithContext(ctx)
	if q.wants(model.ServiceTramite) {
		g.Go(func() error {
			var err error
			tramites, err = s.src.ListAllTramitesForSearch(gctx)
			return err
		})
	}
	if q.wants(model.ServiceOPA) {
		g.Go(func() error {
			var err error
			opas, err = s.src.ListAllOPAsForSearch(gctx)
			return err
		})
	}
	if q.wants(model.ServiceFAQ) {
		g.Go(func() error {
			var err error
			faqs, err = s.src.ListAllFAQsForSearch(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("search: load services: %w", err)
	}

	out := make([]model.ServiceItem, 0, len(tramites)+len(opas)+len(faqs))
	out = append(out, tramites...)
	out = append(out, opas...)
	return append(out, faqs...), nil
}

// Match applies the structural filters and the text matcher, setting Score
// on every returned item. The input slice is not modified.
func Match(items []model.ServiceItem, q Query) []model.ServiceItem {
	text := textnorm.Fold(q.Text)
	tokens := textnorm.Tokens(q.Text)

	out := make([]model.ServiceItem, 0, len(items))
	for _, it := range items {
		if !q.wants(it.Type) || !passesFilters(it, q) {
			continue
		}
		if text == "" {
			it.Score = 0
			out = append(out, it)
			continue
		}
		score, ok := scoreItem(it, text, tokens)
		if !ok {
			continue
		}
		it.Score = score
		out = append(out, it)
	}
	return out
}

func passesFilters(it model.ServiceItem, q Query) bool {
	if !it.Active && !q.IncludeInactive {
		return false
	}
	if q.DependenciaID != nil && (it.DependenciaID == nil || *it.DependenciaID != *q.DependenciaID) {
		return false
	}
	if q.SubdependenciaID != nil && (it.SubdependenciaID == nil || *it.SubdependenciaID != *q.SubdependenciaID) {
		return false
	}
	if q.HasPayment != nil {
		// FAQs never carry a payment: they match has_payment=false only.
		if it.Type == model.ServiceFAQ {
			return !*q.HasPayment
		}
		if it.HasPayment != *q.HasPayment {
			return false
		}
	}
	return true
}

// scoreItem reports whether every token occurs in one of the item's fields
// and, if so, its relevance. A query made only of stop words matches on the
// whole folded phrase instead.
func scoreItem(it model.ServiceItem, text string, tokens []string) (float64, bool) {
	code := textnorm.Fold(it.Code)
	name := textnorm.Fold(it.Name)
	fields := []string{code, name, textnorm.Fold(it.Description)}
	for _, kw := range it.Keywords {
		fields = append(fields, textnorm.Fold(kw))
	}

	if len(tokens) == 0 {
		tokens = []string{text}
	}

	hits := 0
	for _, tok := range tokens {
		found := false
		for _, f := range fields {
			if strings.Contains(f, tok) {
				found = true
				hits++
			}
		}
		if !found {
			return 0, false
		}
	}

	switch {
	case code != "" && code == text:
		return scoreExactCode, true
	case name == text:
		return scoreNameEquals, true
	case strings.HasPrefix(name, text):
		return scoreNamePrefix, true
	case allIn(name, tokens):
		return scoreAllInName, true
	}
	return float64(scoreBase + hits), true
}

func allIn(s string, tokens []string) bool {
	for _, t := range tokens {
		if !strings.Contains(s, t) {
			return false
		}
	}
	return true
}

// SortItems orders items in place. Relevance sorts by score descending with
// folded name as the tie breaker; name sorts by folded name; updated puts the
// most recently changed first. ID breaks any remaining ties.
func SortItems(items []model.ServiceItem, order string) {
	names := make(map[uuid.UUID]string, len(items))
	for _, it := range items {
		names[it.ID] = textnorm.Fold(it.Name)
	}
	byName := func(a, b model.ServiceItem) int {
		return cmp.Or(strings.Compare(names[a.ID], names[b.ID]), strings.Compare(a.ID.String(), b.ID.String()))
	}
	switch order {
	case SortName:
		slices.SortStableFunc(items, byName)
	case SortUpdated:
		slices.SortStableFunc(items, func(a, b model.ServiceItem) int {
			return cmp.Or(b.UpdatedAt.Compare(a.UpdatedAt), byName(a, b))
		})
	default:
		slices.SortStableFunc(items, func(a, b model.ServiceItem) int {
			return cmp.Or(cmp.Compare(b.Score, a.Score), byName(a, b))
		})
	}
}

// Paginate slices items into the requested page. Pages past the end are
// empty but still report the full total.
func Paginate[T any](items []T, page, pageSize int) Page[T] {
	page = max(page, 1)
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	total := len(items)
	p := Page[T]{
		Items:    []T{},
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}
	p.TotalPages = total / pageSize
	if total%pageSize != 0 {
		p.TotalPages++
	}
	if page > p.TotalPages {
		return p
	}
	start := (page - 1) * pageSize
	end := min(start+pageSize, total)
	p.Items = items[start:end]
	return p
}
