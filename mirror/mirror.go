// Package mirror wires the defect store together: it ingests full snapshots
// into new generations, keeps the current one open for readers and exposes
// the query and analytics views over HTTP and MCP.
//
// Usage:
//
//	m, err := mirror.New(cfg, logger)
//	defer m.Close()
//	meta, err := m.Sync(ctx, entities)
//	page, err := m.Find(ctx, query.Request{Status: []string{"Open"}})
//	http.ListenAndServe(cfg.ListenAddr, m.Handler())
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/defectmirror/analytics"
	"github.com/hazyhaar/defectmirror/dbopen"
	"github.com/hazyhaar/defectmirror/defect"
	"github.com/hazyhaar/defectmirror/generation"
	"github.com/hazyhaar/defectmirror/idgen"
	"github.com/hazyhaar/defectmirror/index"
	"github.com/hazyhaar/defectmirror/observability"
	"github.com/hazyhaar/defectmirror/query"
	"github.com/hazyhaar/defectmirror/trace"
	"github.com/hazyhaar/defectmirror/watch"
)

// JournalFile is the sync journal database inside the data directory.
const JournalFile = "ops.db"

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("mirror: closed")

// handle is one open generation shared by concurrent readers. The mirror
// holds one reference while the handle is current; the index is closed when
// the last reference goes.
type handle struct {
	rh   *generation.ReadHandle
	meta generation.Meta
	refs atomic.Int64
}

func newHandle(rh *generation.ReadHandle, meta generation.Meta) *handle {
	h := &handle{rh: rh, meta: meta}
	h.refs.Store(1)
	return h
}

// retain fails once the handle has been fully released.
func (h *handle) retain() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (h *handle) release() {
	if h.refs.Add(-1) == 0 {
		h.rh.Close()
	}
}

// Mirror is the defect store of one data directory.
type Mirror struct {
	cfg     *Config
	logger  *slog.Logger
	writer  *generation.Writer
	history *generation.History
	journal *observability.SyncJournal // nil when disabled
	query   *query.Service
	engine  *analytics.Engine

	cur    atomic.Pointer[handle]
	loadMu sync.Mutex
	closed atomic.Bool

	now       func() time.Time
	newSyncID idgen.Generator
}

// New opens the data directory of cfg. No generation needs to exist yet:
// reads return defect.ErrNoData until the first sync.
func New(cfg *Config, logger *slog.Logger) (*Mirror, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("mirror: create data dir: %w", err)
	}

	var readOpts []dbopen.Option
	if cfg.TraceSQL {
		trace.SetLogger(logger)
		readOpts = append(readOpts, dbopen.WithDriver(trace.DriverName))
	}

	m := &Mirror{
		cfg:       cfg,
		logger:    logger,
		writer:    generation.NewWriter(cfg.DataDir, logger),
		history:   generation.NewHistory(cfg.DataDir, readOpts...),
		now:       time.Now,
		newSyncID: idgen.SyncID,
	}
	if !cfg.DisableJournal {
		j, err := observability.OpenJournal(filepath.Join(cfg.DataDir, JournalFile), logger)
		if err != nil {
			return nil, err
		}
		m.journal = j
	}
	m.query = query.New(m, cfg.queryConfig())
	m.engine = analytics.NewEngine(m.query, cfg.analyticsConfig())
	return m, nil
}

// Config returns the effective configuration.
func (m *Mirror) Config() Config { return *m.cfg }

// Close releases the current generation and the journal. Reads in flight
// finish against the generation they hold.
func (m *Mirror) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.drop()
	if m.journal != nil {
		return m.journal.Close()
	}
	return nil
}

// Acquire hands out the current generation's index. It opens the
// generation lazily on first use and returns defect.ErrNoData before the
// first sync.
func (m *Mirror) Acquire() (*index.Store, func(), error) {
	for {
		if m.closed.Load() {
			return nil, nil, ErrClosed
		}
		h := m.cur.Load()
		if h == nil {
			var err error
			if h, err = m.load(); err != nil {
				return nil, nil, err
			}
		}
		if h.retain() {
			var once sync.Once
			return h.rh.Store(), func() { once.Do(h.release) }, nil
		}
		// Swapped out and released between Load and retain.
	}
}

func (m *Mirror) load() (*handle, error) {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if h := m.cur.Load(); h != nil {
		return h, nil
	}
	rh, meta, err := m.history.OpenCurrent()
	if err != nil {
		return nil, err
	}
	h := newHandle(rh, meta)
	m.cur.Store(h)
	m.logger.Debug("mirror: generation opened", "generation", meta.Generation)
	return h, nil
}

// publish makes generation meta the one handed to new readers. It reports
// false when the open generation is already the same or newer.
func (m *Mirror) publish(meta generation.Meta) (bool, error) {
	rh, err := m.history.At(meta.Generation)
	if err != nil {
		return false, err
	}
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	if m.closed.Load() {
		rh.Close()
		return false, ErrClosed
	}
	// A concurrent sync may already have published something newer.
	if cur := m.cur.Load(); cur != nil && idgen.CompareGenerations(meta.Generation, cur.meta.Generation) <= 0 {
		rh.Close()
		return false, nil
	}
	if old := m.cur.Swap(newHandle(rh, meta)); old != nil {
		old.release()
	}
	return true, nil
}

// drop forgets the open generation so the next read reopens the current one.
func (m *Mirror) drop() {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	if h := m.cur.Swap(nil); h != nil {
		h.release()
	}
}

// Refresh re-reads the current pointer and switches readers to a
// generation published by another process. It reports whether it switched.
func (m *Mirror) Refresh(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	meta, err := m.history.Current()
	if err != nil {
		return false, err
	}
	if h := m.cur.Load(); h != nil && h.meta.Generation == meta.Generation {
		return false, nil
	}
	switched, err := m.publish(meta)
	if err != nil || !switched {
		return false, err
	}
	m.logger.Info("mirror: switched generation", "generation", meta.Generation, "records", meta.DefectCount)
	return true, nil
}

// CurrentGeneration returns the id the current pointer names, or "" when
// nothing has been published.
func (m *Mirror) CurrentGeneration(context.Context) (string, error) {
	meta, err := m.history.Current()
	if errors.Is(err, defect.ErrNoData) {
		return "", nil
	}
	return meta.Generation, err
}

// Watch polls the current pointer every interval and refreshes when another
// process publishes. It blocks until ctx is cancelled and returns the
// watcher's counters.
func (m *Mirror) Watch(ctx context.Context, interval time.Duration) watch.Stats {
	opts := watch.Options{Interval: interval, Logger: m.logger}
	if h := m.cur.Load(); h != nil {
		opts.Initial = h.meta.Generation
	}
	w := watch.New(m.CurrentGeneration, opts)
	w.OnChange(ctx, func(ctx context.Context) error {
		_, err := m.Refresh(ctx)
		return err
	})
	return w.Stats()
}

// Sync normalises a full snapshot of remote entities and publishes it.
func (m *Mirror) Sync(ctx context.Context, entities []defect.RawEntity) (generation.Meta, error) {
	return m.SyncDefects(ctx, defect.NormalizeAll(entities))
}

// SyncExport publishes the records of a raw tracker response
// ({"entities": [...], "TotalResults": n}).
func (m *Mirror) SyncExport(ctx context.Context, data []byte) (generation.Meta, error) {
	records, err := m.parseExport(data)
	if err != nil {
		return generation.Meta{}, err
	}
	return m.SyncDefects(ctx, records)
}

func (m *Mirror) parseExport(data []byte) ([]defect.Defect, error) {
	records, total, err := defect.ParseResponse(data)
	if err != nil {
		return nil, fmt.Errorf("mirror: parse export: %w", err)
	}
	if total > 0 && total != len(records) {
		m.logger.Warn("mirror: export is partial", "records", len(records), "total_results", total)
	}
	return records, nil
}

// SyncDefects publishes already normalised records as a new generation and
// switches readers to it. Every attempt is journaled.
func (m *Mirror) SyncDefects(ctx context.Context, records []defect.Defect) (generation.Meta, error) {
	if m.closed.Load() {
		return generation.Meta{}, ErrClosed
	}
	run := observability.SyncRun{
		SyncID:    m.newSyncID(),
		StartedAt: m.now(),
		Records:   len(records),
	}
	meta, err := m.writer.Write(ctx, records, run.StartedAt, run.SyncID)
	if err == nil {
		if _, perr := m.publish(meta); perr != nil {
			// The generation is current on disk; the next read opens it.
			m.logger.Warn("mirror: reopen after sync", "generation", meta.Generation, "error", perr)
			m.drop()
		}
	}
	run.Outcome, run.FailedStep = observability.Classify(err)
	run.Generation = meta.Generation
	if err != nil {
		run.Error = err.Error()
	}
	if m.journal != nil {
		m.journal.Record(ctx, run)
	}
	if err != nil {
		return generation.Meta{}, err
	}

	m.logger.Info("mirror: sync complete",
		"sync_id", run.SyncID, "generation", meta.Generation, "records", meta.DefectCount)
	if keep := m.cfg.Retention.Keep; keep > 0 {
		if removed, err := m.writer.Prune(keep); err != nil {
			m.logger.Warn("mirror: retention", "error", err)
		} else if len(removed) > 0 {
			m.logger.Info("mirror: retention", "removed", removed)
		}
	}
	return meta, nil
}

// Find lists defects of the current generation.
func (m *Mirror) Find(ctx context.Context, req query.Request) (query.Page, error) {
	return m.query.Find(ctx, req)
}

// Get returns one defect of the current generation.
func (m *Mirror) Get(ctx context.Context, id int) (defect.Defect, error) {
	return m.query.Get(ctx, id)
}

// Search runs a full-text or id search.
func (m *Mirror) Search(ctx context.Context, req query.Request) (query.Page, error) {
	return m.query.Search(ctx, req)
}

// Facets returns the distinct derived codes.
func (m *Mirror) Facets(ctx context.Context) (query.Facets, error) {
	return m.query.Facets(ctx)
}

func (m *Mirror) Stats(ctx context.Context, opts analytics.StatsOptions) (analytics.Summary, error) {
	return m.engine.Stats(ctx, opts)
}

func (m *Mirror) Burndown(ctx context.Context) (analytics.BurndownSeries, error) {
	return m.engine.Burndown(ctx)
}

func (m *Mirror) Velocity(ctx context.Context) (analytics.VelocityReport, error) {
	return m.engine.Velocity(ctx, m.now())
}

func (m *Mirror) Aging(ctx context.Context) (analytics.AgingReport, error) {
	return m.engine.Aging(ctx, m.now())
}

func (m *Mirror) PriorityTrend(ctx context.Context) (analytics.TrendReport, error) {
	return m.engine.PriorityTrend(ctx, m.now())
}

func (m *Mirror) Executive(ctx context.Context) (analytics.ExecutiveReport, error) {
	return m.engine.Executive(ctx, m.now())
}

func (m *Mirror) Kanban(ctx context.Context, lane string, includeHidden bool) (analytics.Board, error) {
	return m.engine.Kanban(ctx, lane, includeHidden)
}

// LaneNone requests a kanban board without swimlanes.
const LaneNone = "none"

// KanbanLane maps a user-facing lane argument to the engine's: empty means
// the default priority lanes, LaneNone means no lanes.
func KanbanLane(lane string) string {
	switch lane {
	case "":
		return "priority"
	case LaneNone:
		return ""
	}
	return lane
}

// Current returns the current pointer, or defect.ErrNoData.
func (m *Mirror) Current() (generation.Meta, error) {
	return m.history.Current()
}

// Generations lists published generations, newest first.
func (m *Mirror) Generations() ([]generation.Info, error) {
	return m.history.Generations()
}

// At opens a past generation. The caller closes the handle.
func (m *Mirror) At(id string) (*generation.ReadHandle, error) {
	return m.history.At(id)
}

// GenerationRecords returns the full record set of generation id, read
// from its canonical log.
func (m *Mirror) GenerationRecords(id string) ([]defect.Defect, error) {
	rh, err := m.history.At(id)
	if err != nil {
		return nil, err
	}
	defer rh.Close()
	return rh.Records()
}

// Prune keeps the newest keep generations and the current one.
func (m *Mirror) Prune(keep int) ([]string, error) {
	return m.writer.Prune(keep)
}

// SyncRuns returns the last n journaled sync attempts, newest first.
func (m *Mirror) SyncRuns(ctx context.Context, n int) ([]observability.SyncRun, error) {
	if m.journal == nil {
		return []observability.SyncRun{}, nil
	}
	return m.journal.Recent(ctx, n)
}
