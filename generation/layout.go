// Package generation writes and reads the on-disk history of snapshots.
//
// Layout under the data directory:
//
//	history/defects-<id>.json   canonical log
//	history/defects-<id>.db     index built from that log
//	defects.json, defects.db    symlinks to the current generation
//	sync_meta.json              current pointer, replaced atomically
//	.sync.lock                  writer lock
//
// A generation is built under *.tmp names and renamed into place; only
// sync_meta.json decides which generation is current.
package generation

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	historyDir    = "history"
	logAlias      = "defects.json"
	indexAlias    = "defects.db"
	metaFile      = "sync_meta.json"
	lockFile      = ".sync.lock"
	filePrefix    = "defects-"
	logSuffix     = ".json"
	indexSuffix   = ".db"
	tmpSuffix     = ".tmp"
	journalSuffix = "-journal"
)

// Layout resolves paths inside a data directory.
type Layout struct {
	Dir string
}

func (l Layout) History() string           { return filepath.Join(l.Dir, historyDir) }
func (l Layout) LogPath(id string) string   { return filepath.Join(l.History(), filePrefix+id+logSuffix) }
func (l Layout) IndexPath(id string) string { return filepath.Join(l.History(), filePrefix+id+indexSuffix) }
func (l Layout) MetaPath() string           { return filepath.Join(l.Dir, metaFile) }
func (l Layout) LockPath() string           { return filepath.Join(l.Dir, lockFile) }
func (l Layout) LogAlias() string           { return filepath.Join(l.Dir, logAlias) }
func (l Layout) IndexAlias() string         { return filepath.Join(l.Dir, indexAlias) }

// relLog is the alias target, relative to Dir so the directory can move.
func relLog(id string) string   { return filepath.Join(historyDir, filePrefix+id+logSuffix) }
func relIndex(id string) string { return filepath.Join(historyDir, filePrefix+id+indexSuffix) }

// complete lists generation ids that have both a log and an index.
func (l Layout) complete() (map[string]bool, error) {
	entries, err := os.ReadDir(l.History())
	if os.IsNotExist(err) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, err
	}
	logs := map[string]bool{}
	indexes := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, filePrefix) || e.IsDir() {
			continue
		}
		rest := strings.TrimPrefix(name, filePrefix)
		switch {
		case strings.HasSuffix(rest, logSuffix):
			logs[strings.TrimSuffix(rest, logSuffix)] = true
		case strings.HasSuffix(rest, indexSuffix):
			indexes[strings.TrimSuffix(rest, indexSuffix)] = true
		}
	}
	out := map[string]bool{}
	for id := range logs {
		if indexes[id] {
			out[id] = true
		}
	}
	return out, nil
}
