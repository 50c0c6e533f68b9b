package generation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/hazyhaar/defectmirror/dbopen"
	"github.com/hazyhaar/defectmirror/defect"
	"github.com/hazyhaar/defectmirror/idgen"
	"github.com/hazyhaar/defectmirror/index"
)

// Info describes one published generation.
type Info struct {
	ID        string    `json:"id"`
	SyncedAt  time.Time `json:"synced_at"`
	LogSize   int64     `json:"log_size"`
	IndexSize int64     `json:"index_size"`
	Current   bool      `json:"current"`
}

// History reads the generations of a data directory. It never writes.
type History struct {
	layout Layout
	opts   []dbopen.Option
}

// NewHistory returns a History over dir. opts are passed to every index
// it opens.
func NewHistory(dir string, opts ...dbopen.Option) *History {
	return &History{layout: Layout{Dir: dir}, opts: opts}
}

// Current returns the current pointer, or defect.ErrNoData.
func (h *History) Current() (Meta, error) {
	return ReadMeta(h.layout)
}

// Generations lists published generations, newest first. Files of a write
// still in progress or abandoned are not listed.
func (h *History) Generations() ([]Info, error) {
	cur, err := ReadMeta(h.layout)
	if err != nil {
		return nil, err
	}
	ids, err := h.layout.complete()
	if err != nil {
		return nil, fmt.Errorf("generation: list: %w", err)
	}

	var out []Info
	for id := range ids {
		t, _, err := idgen.ParseGeneration(id)
		if err != nil || idgen.CompareGenerations(id, cur.Generation) > 0 {
			continue
		}
		info := Info{ID: id, SyncedAt: t, Current: id == cur.Generation}
		if fi, err := os.Stat(h.layout.LogPath(id)); err == nil {
			info.LogSize = fi.Size()
		}
		if fi, err := os.Stat(h.layout.IndexPath(id)); err == nil {
			info.IndexSize = fi.Size()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return idgen.CompareGenerations(out[i].ID, out[j].ID) > 0 })
	return out, nil
}

// At opens generation id for reading. The handle must be closed.
func (h *History) At(id string) (*ReadHandle, error) {
	if _, _, err := idgen.ParseGeneration(id); err != nil {
		return nil, defect.Invalid("generation", id, "malformed generation id")
	}
	cur, err := ReadMeta(h.layout)
	if err != nil {
		return nil, err
	}
	ids, err := h.layout.complete()
	if err != nil {
		return nil, fmt.Errorf("generation: list: %w", err)
	}
	if !ids[id] || idgen.CompareGenerations(id, cur.Generation) > 0 {
		return nil, fmt.Errorf("generation %s: %w", id, defect.ErrNotFound)
	}
	return openHandle(h.layout, id, h.opts)
}

// OpenCurrent opens the current generation.
func (h *History) OpenCurrent() (*ReadHandle, Meta, error) {
	cur, err := ReadMeta(h.layout)
	if err != nil {
		return nil, Meta{}, err
	}
	rh, err := openHandle(h.layout, cur.Generation, h.opts)
	if err != nil {
		return nil, Meta{}, err
	}
	return rh, cur, nil
}

func openHandle(l Layout, id string, opts []dbopen.Option) (*ReadHandle, error) {
	s, err := index.Open(l.IndexPath(id), opts...)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("generation %s: %w", id, defect.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &ReadHandle{ID: id, logPath: l.LogPath(id), store: s}, nil
}

// ReadHandle gives access to one generation's log and index.
type ReadHandle struct {
	ID      string
	logPath string
	store   *index.Store
}

// Store returns the generation's index.
func (r *ReadHandle) Store() *index.Store { return r.store }

// Records reads the full record set from the generation's canonical log.
func (r *ReadHandle) Records() ([]defect.Defect, error) {
	data, err := os.ReadFile(r.logPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("generation %s log: %w", r.ID, defect.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("generation: read log: %w", err)
	}
	return defect.DecodeLog(data)
}

// Meta returns the metadata recorded in the generation's index.
func (r *ReadHandle) Meta(ctx context.Context) (index.Meta, error) {
	return r.store.Meta(ctx)
}

// Close releases the index.
func (r *ReadHandle) Close() error { return r.store.Close() }
