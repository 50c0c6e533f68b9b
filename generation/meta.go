package generation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/defectmirror/defect"
)

// Meta is the content of sync_meta.json: the current pointer.
type Meta struct {
	LastSync    time.Time `json:"last_sync"`
	DefectCount int       `json:"defect_count"`
	Current     string    `json:"current"`
	Generation  string    `json:"generation"`
	LogSHA256   string    `json:"log_sha256"`
	SyncID      string    `json:"sync_id,omitempty"`
}

// ReadMeta loads the current pointer. It returns defect.ErrNoData when no
// sync has ever been published.
func ReadMeta(l Layout) (Meta, error) {
	data, err := os.ReadFile(l.MetaPath())
	if errors.Is(err, os.ErrNotExist) {
		return Meta{}, defect.ErrNoData
	}
	if err != nil {
		return Meta{}, fmt.Errorf("generation: read meta: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, fmt.Errorf("generation: parse meta: %w", err)
	}
	if m.Generation == "" {
		return Meta{}, fmt.Errorf("generation: meta has no generation")
	}
	return m, nil
}

func writeMeta(l Layout, m Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(l.MetaPath(), append(data, '\n'))
}

// writeFileAtomic writes path via a synced temporary file and a rename.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + tmpSuffix
	if err := writeFileSync(tmp, data); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return syncDir(filepath.Dir(path))
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
