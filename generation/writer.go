package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/defectmirror/defect"
	"github.com/hazyhaar/defectmirror/idgen"
	"github.com/hazyhaar/defectmirror/index"
)

// Write steps, in order. A *defect.PersistenceError names the step that
// failed.
const (
	StepPrepare  = "prepare"
	StepPurge    = "purge"
	StepWriteLog = "write-log"
	StepBuild    = "build-index"
	StepRename   = "rename"
	StepSyncDir  = "sync-dir"
	StepRepoint  = "repoint"
	StepMeta     = "meta"
)

// Steps lists the hookable write steps in execution order.
var Steps = []string{StepPurge, StepWriteLog, StepBuild, StepRename, StepSyncDir, StepRepoint, StepMeta}

// Writer publishes generations into one data directory. At most one Write
// or Prune runs at a time per directory, across processes.
type Writer struct {
	layout Layout
	logger *slog.Logger
	mu     sync.Mutex

	// beforeStep, when set, runs before each step; an error aborts the
	// write as if the step itself had failed.
	beforeStep func(step string) error
	// afterStep, when set, runs after a step's work succeeded; an error
	// aborts the write with that work already done.
	afterStep func(step string) error
}

// NewWriter returns a Writer for dir. A nil logger uses slog.Default().
func NewWriter(dir string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{layout: Layout{Dir: dir}, logger: logger}
}

// Layout returns the writer's directory layout.
func (w *Writer) Layout() Layout { return w.layout }

// Write stores records as a new generation synced at `at` and makes it
// current. On any error the previous current generation stays current and
// no part of the new one is visible. A concurrent call returns
// defect.ErrSyncInProgress.
func (w *Writer) Write(ctx context.Context, records []defect.Defect, at time.Time, syncID string) (Meta, error) {
	// A bad batch is rejected before anything on disk is touched.
	data, err := defect.EncodeLog(records)
	if err != nil {
		return Meta{}, err
	}

	unlock, err := w.lock()
	if err != nil {
		return Meta{}, err
	}
	defer unlock()

	start := time.Now()
	prev, err := ReadMeta(w.layout)
	hasPrev := err == nil
	if err != nil && !errors.Is(err, defect.ErrNoData) {
		return Meta{}, &defect.PersistenceError{Step: StepPrepare, Err: err}
	}

	if err := w.step(ctx, StepPurge, func() error { return w.purge(prev.Generation) }); err != nil {
		return Meta{}, err
	}

	// Generation ids must sort after the current one even if the clock
	// stepped back.
	if hasPrev {
		if pt, _, err := idgen.ParseGeneration(prev.Generation); err == nil && at.Before(pt) {
			at = pt
		}
	}
	id := idgen.Generation(at, func(id string) bool {
		return w.exists(id) || (hasPrev && idgen.CompareGenerations(id, prev.Generation) <= 0)
	})
	logPath, indexPath := w.layout.LogPath(id), w.layout.IndexPath(id)
	logTmp, indexTmp := logPath+tmpSuffix, indexPath+tmpSuffix

	fail := func(err error) (Meta, error) {
		removeQuiet(logTmp, indexTmp, indexTmp+journalSuffix)
		w.logger.Warn("generation: write aborted", "generation", id, "error", err)
		return Meta{}, err
	}

	if err := w.step(ctx, StepWriteLog, func() error { return writeFileSync(logTmp, data) }); err != nil {
		return fail(err)
	}

	var im index.Meta
	if err := w.step(ctx, StepBuild, func() error {
		var err error
		if im, err = index.Build(ctx, logTmp, indexTmp, id, at); err != nil {
			return err
		}
		return syncFile(indexTmp)
	}); err != nil {
		return fail(err)
	}

	if err := w.step(ctx, StepRename, func() error {
		if err := os.Rename(logTmp, logPath); err != nil {
			return err
		}
		return os.Rename(indexTmp, indexPath)
	}); err != nil {
		removeQuiet(indexPath, logPath)
		return fail(err)
	}

	// From here the pair is complete on disk but not current; failures
	// restore the previous meta and aliases, then remove the pair. The meta
	// may already name the new generation if its rename succeeded.
	unpublish := func(err error) (Meta, error) {
		if hasPrev {
			if rerr := writeMeta(w.layout, prev); rerr != nil {
				w.logger.Error("generation: restore meta", "generation", prev.Generation, "error", rerr)
			}
			if rerr := w.repoint(prev.Generation); rerr != nil {
				w.logger.Error("generation: restore aliases", "generation", prev.Generation, "error", rerr)
			}
		} else {
			if rerr := os.Remove(w.layout.MetaPath()); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				w.logger.Error("generation: remove meta", "error", rerr)
			}
			removeQuiet(w.layout.LogAlias(), w.layout.IndexAlias())
		}
		removeQuiet(indexPath, logPath)
		return fail(err)
	}

	if err := w.step(ctx, StepSyncDir, func() error { return syncDir(w.layout.History()) }); err != nil {
		return unpublish(err)
	}
	if err := w.step(ctx, StepRepoint, func() error { return w.repoint(id) }); err != nil {
		return unpublish(err)
	}

	meta := Meta{
		LastSync:    im.SyncedAt,
		DefectCount: im.RecordCount,
		Current:     relLog(id),
		Generation:  id,
		LogSHA256:   im.LogSHA256,
		SyncID:      syncID,
	}
	if err := w.step(ctx, StepMeta, func() error { return writeMeta(w.layout, meta) }); err != nil {
		return unpublish(err)
	}

	w.logger.Info("generation: published",
		"generation", id, "records", meta.DefectCount, "bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds())
	return meta, nil
}

// lock takes the in-process mutex then the directory flock.
func (w *Writer) lock() (func(), error) {
	if !w.mu.TryLock() {
		return nil, defect.ErrSyncInProgress
	}
	if err := os.MkdirAll(w.layout.History(), 0o755); err != nil {
		w.mu.Unlock()
		return nil, &defect.PersistenceError{Step: StepPrepare, Err: err}
	}
	l, err := acquireLock(w.layout.LockPath())
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}
	return func() {
		if err := l.release(); err != nil {
			w.logger.Warn("generation: release lock", "error", err)
		}
		w.mu.Unlock()
	}, nil
}

func (w *Writer) step(ctx context.Context, name string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return &defect.PersistenceError{Step: name, Err: err}
	}
	if w.beforeStep != nil {
		if err := w.beforeStep(name); err != nil {
			return &defect.PersistenceError{Step: name, Err: err}
		}
	}
	if err := fn(); err != nil {
		return &defect.PersistenceError{Step: name, Err: err}
	}
	if w.afterStep != nil {
		if err := w.afterStep(name); err != nil {
			return &defect.PersistenceError{Step: name, Err: err}
		}
	}
	return nil
}

func (w *Writer) exists(id string) bool {
	for _, p := range []string{w.layout.LogPath(id), w.layout.IndexPath(id)} {
		if _, err := os.Lstat(p); err == nil {
			return true
		}
	}
	return false
}

// purge removes what earlier interrupted writes left behind: temporary
// files, and generations that were renamed into history but never became
// current.
func (w *Writer) purge(current string) error {
	for _, dir := range []string{w.layout.Dir, w.layout.History()} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			name := e.Name()
			if strings.HasSuffix(name, tmpSuffix) || strings.HasSuffix(name, tmpSuffix+journalSuffix) {
				if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
					return err
				}
				w.logger.Info("generation: purged temporary file", "file", name)
			}
		}
	}

	entries, err := os.ReadDir(w.layout.History())
	if err != nil {
		return err
	}
	for _, e := range entries {
		id, ok := generationOf(e.Name())
		if !ok || (current != "" && idgen.CompareGenerations(id, current) <= 0) {
			continue
		}
		if err := os.Remove(filepath.Join(w.layout.History(), e.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
		w.logger.Warn("generation: removed unpublished generation file", "file", e.Name())
	}
	return nil
}

// generationOf extracts the id from a history file name.
func generationOf(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, filePrefix)
	if !ok {
		return "", false
	}
	for _, suf := range []string{logSuffix, indexSuffix, indexSuffix + journalSuffix} {
		if id, ok := strings.CutSuffix(rest, suf); ok {
			if _, _, err := idgen.ParseGeneration(id); err == nil {
				return id, true
			}
		}
	}
	return "", false
}

// repoint swaps both aliases to generation id, each with a symlink created
// under a temporary name and renamed over the old one.
func (w *Writer) repoint(id string) error {
	for _, a := range []struct{ alias, target string }{
		{w.layout.LogAlias(), relLog(id)},
		{w.layout.IndexAlias(), relIndex(id)},
	} {
		tmp := a.alias + tmpSuffix
		os.Remove(tmp)
		if err := os.Symlink(a.target, tmp); err != nil {
			return fmt.Errorf("symlink %s: %w", a.alias, err)
		}
		if err := os.Rename(tmp, a.alias); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("swap %s: %w", a.alias, err)
		}
	}
	return syncDir(w.layout.Dir)
}

func removeQuiet(paths ...string) {
	for _, p := range paths {
		os.Remove(p)
	}
}
