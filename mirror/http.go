package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/hazyhaar/defectmirror/analytics"
	"github.com/hazyhaar/defectmirror/defect"
	"github.com/hazyhaar/defectmirror/generation"
	"github.com/hazyhaar/defectmirror/query"
)

// maxExportBytes bounds a POST /api/sync body.
const maxExportBytes = 256 << 20

// DefectView is a defect with its rich text prepared for display.
type DefectView struct {
	defect.Defect
	DescriptionRendered string `json:"description_rendered"`
	DevCommentsRendered string `json:"dev_comments_rendered"`
}

// NewDefectView renders the rich-text fields of d.
func NewDefectView(d defect.Defect) DefectView {
	return DefectView{
		Defect:              d,
		DescriptionRendered: defect.CleanHTML(firstNonEmpty(d.DescriptionHTML, d.Description)),
		DevCommentsRendered: defect.FormatDevComments(firstNonEmpty(d.DevCommentsHTML, d.DevComments)),
	}
}

// Handler returns the JSON API.
func (m *Mirror) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(kitContext)
	r.Use(requestLogger(m.logger))
	r.Use(headToGet)
	r.Use(apiHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: m.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/healthz", m.handleHealth)

		r.Get("/defects", m.handleDefects)
		r.Get("/defects/{id}", m.handleDefect)
		r.Get("/search", m.handleSearch)
		r.Get("/scenarios", serve(m.logger, m.Facets))

		r.Get("/stats", m.handleStats)
		r.Get("/burndown", serve(m.logger, m.Burndown))
		r.Get("/aging", serve(m.logger, m.Aging))
		r.Get("/velocity", serve(m.logger, m.Velocity))
		r.Get("/priority-trend", serve(m.logger, m.PriorityTrend))
		r.Get("/executive", serve(m.logger, m.Executive))
		r.Get("/kanban", m.handleKanban)

		r.Get("/generations", serve(m.logger, func(context.Context) ([]generation.Info, error) {
			return m.Generations()
		}))
		r.Get("/generations/{id}", m.handleGeneration)
		r.Get("/sync-runs", m.handleSyncRuns)
		r.Post("/sync", m.handleSync)
	})
	return r
}

func (m *Mirror) handleHealth(w http.ResponseWriter, _ *http.Request) {
	meta, err := m.Current()
	switch {
	case errors.Is(err, defect.ErrNoData):
		writeJSON(w, http.StatusOK, map[string]any{"status": "no_data"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "ok",
			"generation":   meta.Generation,
			"defect_count": meta.DefectCount,
			"last_sync":    meta.LastSync,
		})
	}
}

func (m *Mirror) handleDefects(w http.ResponseWriter, r *http.Request) {
	req, err := parseRequest(r)
	if err != nil {
		writeError(w, m.logger, err)
		return
	}
	var page query.Page
	if strings.TrimSpace(req.Query) != "" {
		page, err = m.Search(r.Context(), req)
	} else {
		page, err = m.Find(r.Context(), req)
	}
	reply(w, m.logger, page, err)
}

func (m *Mirror) handleSearch(w http.ResponseWriter, r *http.Request) {
	req, err := parseRequest(r)
	if err != nil {
		writeError(w, m.logger, err)
		return
	}
	page, err := m.Search(r.Context(), req)
	reply(w, m.logger, page, err)
}

func (m *Mirror) handleDefect(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, m.logger, defect.Invalid("id", raw, "id must be an integer"))
		return
	}
	d, err := m.Get(r.Context(), id)
	if err != nil {
		writeError(w, m.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, NewDefectView(d))
}

func (m *Mirror) handleStats(w http.ResponseWriter, r *http.Request) {
	var opts analytics.StatsOptions
	var err error
	if opts.IncludeClosed, err = queryBool(r, "include_closed"); err != nil {
		writeError(w, m.logger, err)
		return
	}
	if opts.TopN, err = queryInt(r, "top_n"); err != nil {
		writeError(w, m.logger, err)
		return
	}
	if opts.TopN < 0 {
		writeError(w, m.logger, defect.Invalid("top_n", strconv.Itoa(opts.TopN), "top_n must be positive"))
		return
	}
	summary, err := m.Stats(r.Context(), opts)
	reply(w, m.logger, summary, err)
}

func (m *Mirror) handleKanban(w http.ResponseWriter, r *http.Request) {
	lane := KanbanLane(r.URL.Query().Get("lane"))
	hidden, err := queryBool(r, "include_hidden")
	if err != nil {
		writeError(w, m.logger, err)
		return
	}
	board, err := m.Kanban(r.Context(), lane, hidden)
	reply(w, m.logger, board, err)
}

func (m *Mirror) handleGeneration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records, err := m.GenerationRecords(id)
	if err != nil {
		writeError(w, m.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"generation": id,
		"count":      len(records),
		"defects":    records,
	})
}

func (m *Mirror) handleSyncRuns(w http.ResponseWriter, r *http.Request) {
	n, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, m.logger, err)
		return
	}
	runs, err := m.SyncRuns(r.Context(), n)
	reply(w, m.logger, runs, err)
}

// handleSync publishes a tracker export posted as the request body.
func (m *Mirror) handleSync(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxExportBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}
	records, err := m.parseExport(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	meta, err := m.SyncDefects(r.Context(), records)
	if err != nil {
		writeError(w, m.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

// parseRequest reads listing arguments from the query string. List filters
// accept repeated parameters and comma-separated values; limit and blocking
// are accepted as aliases of page_size and blocks.
func parseRequest(r *http.Request) (query.Request, error) {
	q := r.URL.Query()
	var req query.Request
	lists := map[string]*[]string{
		"status":      &req.Status,
		"priority":    &req.Priority,
		"owner":       &req.Owner,
		"module":      &req.Module,
		"workstream":  &req.Workstream,
		"defect_type": &req.DefectType,
		"scenario":    &req.Scenario,
		"integration": &req.Integration,
	}
	for name, dst := range lists {
		*dst = splitValues(q[name])
	}

	for _, name := range []string{"blocks", "blocking"} {
		for _, v := range splitValues(q[name]) {
			n, err := strconv.Atoi(strings.TrimPrefix(v, "#"))
			if err != nil {
				return query.Request{}, defect.Invalid("blocks", v, "blocks must be defect ids")
			}
			req.Blocks = append(req.Blocks, n)
		}
	}

	req.Query = q.Get("q")
	req.Sort = q.Get("sort")
	req.Order = q.Get("order")

	var err error
	if req.Page, err = queryInt(r, "page"); err != nil {
		return query.Request{}, err
	}
	if req.PageSize, err = queryInt(r, "page_size"); err != nil {
		return query.Request{}, err
	}
	if req.PageSize == 0 {
		if req.PageSize, err = queryInt(r, "limit"); err != nil {
			return query.Request{}, err
		}
	}
	return req, nil
}

func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// queryInt returns 0 when key is absent.
func queryInt(r *http.Request, key string) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, defect.Invalid(key, s, key+" must be an integer")
	}
	return v, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, defect.Invalid(key, s, key+" must be a boolean")
	}
	return v, nil
}

// serve adapts a read operation to a GET handler.
func serve[T any](logger *slog.Logger, fn func(context.Context) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := fn(r.Context())
		reply(w, logger, v, err)
	}
}

// reply writes v, or err mapped to its status code.
func reply(w http.ResponseWriter, logger *slog.Logger, v any, err error) {
	if err != nil {
		writeError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy to HTTP statuses.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var ve *defect.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "field": ve.Field})
	case errors.Is(err, defect.ErrNoData):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error(), "code": "no_data"})
	case errors.Is(err, defect.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, defect.ErrSyncInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		logger.Error("mirror: request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
