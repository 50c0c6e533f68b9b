// Package query serves filtered, sorted and paginated reads over the
// current generation. Arguments are validated before any storage access.
package query

import (
	"context"
	"strconv"
	"strings"

	"github.com/hazyhaar/defectmirror/defect"
	"github.com/hazyhaar/defectmirror/index"
)

// Source hands out the current generation's index. release must be called
// once the caller is done with the store. Before the first sync Acquire
// returns defect.ErrNoData.
type Source interface {
	Acquire() (store *index.Store, release func(), err error)
}

// Config bounds pagination and names the status groups.
type Config struct {
	DefaultPageSize int
	MaxPageSize     int
	Terminal        []string
	Hidden          []string
}

// Request is a listing or search request. Zero Page and PageSize take
// defaults; negative values are rejected.
type Request struct {
	Status      []string `json:"status" validate:"dive,required"`
	Priority    []string `json:"priority" validate:"dive,required"`
	Owner       []string `json:"owner" validate:"dive,required"`
	Module      []string `json:"module" validate:"dive,required"`
	Workstream  []string `json:"workstream" validate:"dive,required"`
	DefectType  []string `json:"defect_type" validate:"dive,required"`
	Scenario    []string `json:"scenario" validate:"dive,required"`
	Integration []string `json:"integration" validate:"dive,required"`
	Blocks      []int    `json:"blocks" validate:"dive,min=1"`

	Query string `json:"q" validate:"max=500"`

	Sort     string `json:"sort" validate:"omitempty,sortfield"`
	Order    string `json:"order" validate:"omitempty,oneof=asc desc"`
	Page     int    `json:"page" validate:"min=1"`
	PageSize int    `json:"page_size" validate:"min=1"`
}

// Filter returns the index filter of the request.
func (r Request) Filter() index.Filter {
	return index.Filter{
		Status:      r.Status,
		Priority:    r.Priority,
		Owner:       r.Owner,
		Module:      r.Module,
		Workstream:  r.Workstream,
		DefectType:  r.DefectType,
		Scenario:    r.Scenario,
		Integration: r.Integration,
		Blocks:      r.Blocks,
	}
}

// Page is one page of results.
type Page struct {
	Defects  []defect.Defect `json:"defects"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	Pages    int             `json:"pages"`
}

// Facets are the distinct derived codes of the current generation.
type Facets struct {
	Scenarios    []string `json:"scenarios"`
	Blocks       []string `json:"blocks"`
	Integrations []string `json:"integrations"`
}

// Service runs queries against a Source.
type Service struct {
	src Source
	cfg Config
}

// New returns a Service. Non-positive page sizes in cfg fall back to 50 and
// 5000.
func New(src Source, cfg Config) *Service {
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 50
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 5000
	}
	if cfg.DefaultPageSize > cfg.MaxPageSize {
		cfg.DefaultPageSize = cfg.MaxPageSize
	}
	if cfg.Terminal == nil {
		cfg.Terminal = defect.DefaultTerminalStatuses
	}
	return &Service{src: src, cfg: cfg}
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

func (s *Service) normalize(req *Request) error {
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = s.cfg.DefaultPageSize
	}
	if err := check(req); err != nil {
		return err
	}
	if req.PageSize > s.cfg.MaxPageSize {
		return defect.Invalid("page_size", strconv.Itoa(req.PageSize),
			"page_size must be at most "+strconv.Itoa(s.cfg.MaxPageSize))
	}
	return nil
}

func (s *Service) groups() index.StatusGroups {
	return index.StatusGroups{Terminal: s.cfg.Terminal, Hidden: s.cfg.Hidden}
}

// Find lists defects matching the request's filters, sorted and paginated.
// The default order is priority, then creation time, then id.
func (s *Service) Find(ctx context.Context, req Request) (Page, error) {
	if err := s.normalize(&req); err != nil {
		return Page{}, err
	}
	store, release, err := s.src.Acquire()
	if err != nil {
		return Page{}, err
	}
	defer release()

	w := req.Filter().Compile(s.groups())
	total, err := store.Count(ctx, w)
	if err != nil {
		return Page{}, err
	}
	order := index.Order{Field: req.Sort, Desc: req.Order == "desc"}
	ds, err := store.Scan(ctx, w, order, req.PageSize, (req.Page-1)*req.PageSize)
	if err != nil {
		return Page{}, err
	}
	return page(ds, total, req), nil
}

// Get returns one defect, or defect.ErrNotFound.
func (s *Service) Get(ctx context.Context, id int) (defect.Defect, error) {
	if id < 1 {
		return defect.Defect{}, defect.Invalid("id", strconv.Itoa(id), "id must be a positive integer")
	}
	store, release, err := s.src.Acquire()
	if err != nil {
		return defect.Defect{}, err
	}
	defer release()
	return store.Get(ctx, id)
}

// Search runs a text search restricted by the request's filters. A query
// made only of digits is an id lookup and yields at most that record.
func (s *Service) Search(ctx context.Context, req Request) (Page, error) {
	if err := s.normalize(&req); err != nil {
		return Page{}, err
	}
	q := strings.TrimSpace(req.Query)
	if q == "" {
		return Page{}, defect.Invalid("q", "", "q is required")
	}
	match := ""
	id, isID, fits := numericID(q)
	if !isID {
		if match = index.MatchQuery(q); match == "" {
			return Page{}, defect.Invalid("q", req.Query, "q has no searchable words")
		}
	}

	store, release, err := s.src.Acquire()
	if err != nil {
		return Page{}, err
	}
	defer release()

	if isID && !fits {
		// No id can exceed int.
		return page([]defect.Defect{}, 0, req), nil
	}

	w := req.Filter().Compile(s.groups())
	offset := (req.Page - 1) * req.PageSize
	if isID {
		w.Clause = "(" + w.Clause + ") AND d.id = ?"
		w.Args = append(w.Args, id)
		total, err := store.Count(ctx, w)
		if err != nil {
			return Page{}, err
		}
		ds, err := store.Scan(ctx, w, index.Order{}, req.PageSize, offset)
		if err != nil {
			return Page{}, err
		}
		return page(ds, total, req), nil
	}

	total, err := store.SearchCount(ctx, match, w)
	if err != nil {
		return Page{}, err
	}
	ds, err := store.Search(ctx, match, w, req.PageSize, offset)
	if err != nil {
		return Page{}, err
	}
	return page(ds, total, req), nil
}

// Facets returns the distinct scenario, blocks and integration codes.
func (s *Service) Facets(ctx context.Context) (Facets, error) {
	store, release, err := s.src.Acquire()
	if err != nil {
		return Facets{}, err
	}
	defer release()

	var f Facets
	if f.Scenarios, err = store.Distinct(ctx, "scenarios"); err != nil {
		return Facets{}, err
	}
	if f.Blocks, err = store.Distinct(ctx, "blocks"); err != nil {
		return Facets{}, err
	}
	if f.Integrations, err = store.Distinct(ctx, "integrations"); err != nil {
		return Facets{}, err
	}
	return f, nil
}

// All returns every defect of the current generation in id order.
func (s *Service) All(ctx context.Context) ([]defect.Defect, error) {
	store, release, err := s.src.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return store.All(ctx)
}

// numericID reports whether q is a plain decimal id. fits is false when
// the digits overflow int.
func numericID(q string) (id int, numeric, fits bool) {
	for _, r := range q {
		if r < '0' || r > '9' {
			return 0, false, false
		}
	}
	id, err := strconv.Atoi(q)
	if err != nil {
		return 0, true, false
	}
	return id, true, true
}

func page(ds []defect.Defect, total int, req Request) Page {
	pages := 1
	if total > 0 {
		pages = (total + req.PageSize - 1) / req.PageSize
	}
	return Page{Defects: ds, Total: total, Page: req.Page, PageSize: req.PageSize, Pages: pages}
}
