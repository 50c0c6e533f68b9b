package generation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/defectmirror/defect"
)

var (
	day1 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC)
	day3 = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
)

func batch1() []defect.Defect {
	return []defect.Defect{
		defect.Derive(defect.Defect{ID: 1, Name: "Crash on save", Status: "Open", Priority: "P1-Critical", Created: "2024-05-01"}),
		defect.Derive(defect.Defect{ID: 2, Name: "Wrong total", Status: "Open", Priority: "P2-High", Created: "2024-05-02"}),
		defect.Derive(defect.Defect{ID: 3, Name: "Typo", Status: "Open", Priority: "P3-Medium", Created: "2024-05-03"}),
	}
}

func batch2() []defect.Defect {
	b := batch1()
	b[1].Status = "Closed"
	b[1].Closed = "2024-06-02"
	return append(b, defect.Derive(defect.Defect{ID: 4, Name: "New report", Status: "New", Priority: "P2-High", Created: "2024-06-02"}))
}

func mustWrite(t *testing.T, w *Writer, records []defect.Defect, at time.Time) Meta {
	t.Helper()
	m, err := w.Write(context.Background(), records, at, "sync-test")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	return m
}

func tmpFiles(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && strings.Contains(d.Name(), ".tmp") {
			out = append(out, path)
		}
		return nil
	})
	return out
}

func TestNoDataBeforeFirstSync(t *testing.T) {
	h := NewHistory(t.TempDir())
	if _, err := h.Current(); !errors.Is(err, defect.ErrNoData) {
		t.Errorf("Current: got %v, want ErrNoData", err)
	}
	if _, err := h.Generations(); !errors.Is(err, defect.ErrNoData) {
		t.Errorf("Generations: got %v, want ErrNoData", err)
	}
	if _, err := h.At("20240601-120000"); !errors.Is(err, defect.ErrNoData) {
		t.Errorf("At: got %v, want ErrNoData", err)
	}
}

func TestWritePublishes(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, nil)
	m := mustWrite(t, w, batch1(), day1)

	if m.Generation != "20240601-120000" || m.DefectCount != 3 || m.SyncID != "sync-test" {
		t.Errorf("meta: got %+v", m)
	}
	if m.Current != filepath.Join("history", "defects-20240601-120000.json") {
		t.Errorf("Current: got %q", m.Current)
	}

	h := NewHistory(dir)
	cur, err := h.Current()
	if err != nil || cur.Generation != m.Generation || !cur.LastSync.Equal(m.LastSync) || cur.LogSHA256 != m.LogSHA256 {
		t.Fatalf("Current: got %+v, %v", cur, err)
	}

	target, err := os.Readlink(filepath.Join(dir, "defects.db"))
	if err != nil || target != filepath.Join("history", "defects-20240601-120000.db") {
		t.Errorf("index alias: %q, %v", target, err)
	}
	// The aliases resolve to real files.
	if _, err := os.Stat(filepath.Join(dir, "defects.json")); err != nil {
		t.Errorf("log alias does not resolve: %v", err)
	}

	rh, cur2, err := h.OpenCurrent()
	if err != nil {
		t.Fatalf("OpenCurrent: %v", err)
	}
	defer rh.Close()
	if cur2.Generation != m.Generation {
		t.Errorf("OpenCurrent generation: %s", cur2.Generation)
	}
	im, err := rh.Meta(context.Background())
	if err != nil || im.LogSHA256 != m.LogSHA256 || im.RecordCount != 3 {
		t.Errorf("index meta: %+v, %v", im, err)
	}
	if tmp := tmpFiles(t, dir); len(tmp) != 0 {
		t.Errorf("temporary files left: %v", tmp)
	}
}

func TestSecondSyncKeepsHistory(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, nil)
	first := mustWrite(t, w, batch1(), day1)
	second := mustWrite(t, w, batch2(), day2)

	h := NewHistory(dir)
	gens, err := h.Generations()
	if err != nil {
		t.Fatalf("Generations: %v", err)
	}
	if len(gens) != 2 || gens[0].ID != second.Generation || gens[1].ID != first.Generation {
		t.Fatalf("Generations: got %+v", gens)
	}
	if !gens[0].Current || gens[1].Current {
		t.Errorf("current flag: %+v", gens)
	}

	rh, _, err := h.OpenCurrent()
	if err != nil {
		t.Fatal(err)
	}
	defer rh.Close()
	d, err := rh.Store().Get(context.Background(), 2)
	if err != nil || d.Status != "Closed" {
		t.Errorf("current record 2: %+v, %v", d, err)
	}
	if _, err := rh.Store().Get(context.Background(), 4); err != nil {
		t.Errorf("current record 4: %v", err)
	}

	old, err := h.At(first.Generation)
	if err != nil {
		t.Fatalf("At: %v", err)
	}
	defer old.Close()
	records, err := old.Records()
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 3 || records[1].ID != 2 || records[1].Status != "Open" {
		t.Errorf("first generation log: %+v", records)
	}
}

func TestInterruptedWriteAtEveryStep(t *testing.T) {
	for _, step := range Steps {
		t.Run(step, func(t *testing.T) {
			dir := t.TempDir()
			w := NewWriter(dir, nil)
			first := mustWrite(t, w, batch1(), day1)

			boom := errors.New("disk full")
			w.beforeStep = func(s string) error {
				if s == step {
					return boom
				}
				return nil
			}
			_, err := w.Write(context.Background(), batch2(), day2, "sync-fail")
			var pe *defect.PersistenceError
			if !errors.As(err, &pe) || pe.Step != step || !errors.Is(err, boom) {
				t.Fatalf("err = %v, want PersistenceError at %s", err, step)
			}
			if !errors.Is(err, defect.ErrPersistence) {
				t.Errorf("err does not match ErrPersistence")
			}

			h := NewHistory(dir)
			cur, err := h.Current()
			if err != nil || cur.Generation != first.Generation {
				t.Fatalf("current after failure: %+v, %v", cur, err)
			}
			gens, err := h.Generations()
			if err != nil || len(gens) != 1 {
				t.Fatalf("generations after failure: %+v, %v", gens, err)
			}
			target, _ := os.Readlink(filepath.Join(dir, "defects.json"))
			if target != first.Current {
				t.Errorf("log alias after failure: %q", target)
			}
			if tmp := tmpFiles(t, dir); len(tmp) != 0 {
				t.Errorf("temporary files left: %v", tmp)
			}

			w.beforeStep = nil
			next := mustWrite(t, w, batch2(), day2)
			gens, err = h.Generations()
			if err != nil || len(gens) != 2 || gens[0].ID != next.Generation {
				t.Fatalf("generations after recovery: %+v, %v", gens, err)
			}
		})
	}
}

// A step can fail after its work is done, e.g. the directory fsync after
// the meta rename. The previous generation must still be current.
func TestFailureAfterStepWorkKeepsPrevious(t *testing.T) {
	for _, step := range []string{StepRename, StepSyncDir, StepRepoint, StepMeta} {
		t.Run(step, func(t *testing.T) {
			dir := t.TempDir()
			w := NewWriter(dir, nil)
			first := mustWrite(t, w, batch1(), day1)

			boom := errors.New("fsync failed")
			w.afterStep = func(s string) error {
				if s == step {
					return boom
				}
				return nil
			}
			_, err := w.Write(context.Background(), batch2(), day2, "sync-fail")
			var pe *defect.PersistenceError
			if !errors.As(err, &pe) || pe.Step != step || !errors.Is(err, boom) {
				t.Fatalf("err = %v, want PersistenceError at %s", err, step)
			}

			h := NewHistory(dir)
			cur, err := h.Current()
			if err != nil || cur.Generation != first.Generation {
				t.Fatalf("current after failure: %+v, %v", cur, err)
			}
			rh, _, err := h.OpenCurrent()
			if err != nil {
				t.Fatalf("open current after failure: %v", err)
			}
			records, err := rh.Records()
			rh.Close()
			if err != nil || len(records) != len(batch1()) {
				t.Fatalf("records after failure: %d, %v", len(records), err)
			}
			target, _ := os.Readlink(filepath.Join(dir, "defects.json"))
			if target != first.Current {
				t.Errorf("log alias after failure: %q", target)
			}

			w.afterStep = nil
			mustWrite(t, w, batch2(), day2)
		})
	}
}

func TestFailureAfterFirstMetaLeavesNoData(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, nil)
	w.afterStep = func(s string) error {
		if s == StepMeta {
			return errors.New("fsync failed")
		}
		return nil
	}
	if _, err := w.Write(context.Background(), batch1(), day1, "sync-fail"); !errors.Is(err, defect.ErrPersistence) {
		t.Fatalf("err = %v", err)
	}
	if _, err := NewHistory(dir).Current(); !errors.Is(err, defect.ErrNoData) {
		t.Fatalf("current after failed first write: %v", err)
	}

	w.afterStep = nil
	if meta := mustWrite(t, w, batch1(), day1); meta.DefectCount != len(batch1()) {
		t.Errorf("meta after recovery: %+v", meta)
	}
}

func TestDuplicateIDsRejected(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, nil)
	first := mustWrite(t, w, batch1(), day1)

	// Two records without a parseable id both normalise to 0.
	dup := append(batch1(), defect.Defect{Name: "no id"}, defect.Defect{Name: "no id either"})
	_, err := w.Write(context.Background(), dup, day2, "sync-dup")
	var ve *defect.ValidationError
	if !errors.As(err, &ve) || ve.Field != "id" {
		t.Fatalf("err = %v, want ValidationError on id", err)
	}
	if errors.Is(err, defect.ErrPersistence) {
		t.Error("duplicate ids reported as a persistence failure")
	}
	cur, err := NewHistory(dir).Current()
	if err != nil || cur.Generation != first.Generation {
		t.Fatalf("current after rejected batch: %+v, %v", cur, err)
	}
	if tmp := tmpFiles(t, dir); len(tmp) != 0 {
		t.Errorf("temporary files left: %v", tmp)
	}
}

func TestRecoversFromCrashLeftovers(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, nil)
	first := mustWrite(t, w, batch1(), day1)

	// A crashed run: temporaries, and a renamed pair that never became current.
	hist := filepath.Join(dir, "history")
	leftovers := []string{
		filepath.Join(hist, "defects-20240601-130000.json.tmp"),
		filepath.Join(hist, "defects-20240601-130000.db.tmp"),
		filepath.Join(hist, "defects-20240601-130000.db.tmp-journal"),
		filepath.Join(dir, "sync_meta.json.tmp"),
		filepath.Join(dir, "defects.json.tmp"),
		filepath.Join(hist, "defects-20240601-140000.json"),
		filepath.Join(hist, "defects-20240601-140000.db"),
	}
	for _, p := range leftovers {
		if err := os.WriteFile(p, []byte("partial"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	h := NewHistory(dir)
	gens, _ := h.Generations()
	if len(gens) != 1 || gens[0].ID != first.Generation {
		t.Fatalf("unpublished pair must not be listed: %+v", gens)
	}
	if _, err := h.At("20240601-140000"); !errors.Is(err, defect.ErrNotFound) {
		t.Errorf("At unpublished: got %v, want ErrNotFound", err)
	}

	mustWrite(t, w, batch2(), day2)
	for _, p := range leftovers {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("leftover not purged: %s", p)
		}
	}
	gens, _ = h.Generations()
	if len(gens) != 2 {
		t.Errorf("generations: %+v", gens)
	}
}

func TestConcurrentWriteRejected(t *testing.T) {
	dir := t.TempDir()
	w1 := NewWriter(dir, nil)
	w2 := NewWriter(dir, nil)

	unlock, err := w1.lock()
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := w1.Write(context.Background(), batch1(), day1, ""); !errors.Is(err, defect.ErrSyncInProgress) {
		t.Errorf("same writer: got %v, want ErrSyncInProgress", err)
	}
	if _, err := w2.Write(context.Background(), batch1(), day1, ""); !errors.Is(err, defect.ErrSyncInProgress) {
		t.Errorf("other writer: got %v, want ErrSyncInProgress", err)
	}
	if _, err := w2.Prune(1); !errors.Is(err, defect.ErrSyncInProgress) {
		t.Errorf("prune: got %v, want ErrSyncInProgress", err)
	}
	unlock()

	mustWrite(t, w2, batch1(), day1)
}

func TestGenerationIDCollision(t *testing.T) {
	w := NewWriter(t.TempDir(), nil)
	a := mustWrite(t, w, batch1(), day1)
	b := mustWrite(t, w, batch2(), day1)
	// A clock that went backwards still yields a newer id.
	c := mustWrite(t, w, batch2(), day1.Add(-time.Hour))
	if a.Generation != "20240601-120000" || b.Generation != "20240601-120000-2" || c.Generation != "20240601-120000-3" {
		t.Errorf("ids: %s %s %s", a.Generation, b.Generation, c.Generation)
	}
}

func TestCancelledWrite(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Write(ctx, batch1(), day1, "")
	if !errors.Is(err, defect.ErrPersistence) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if _, err := NewHistory(dir).Current(); !errors.Is(err, defect.ErrNoData) {
		t.Errorf("Current after cancelled first sync: %v", err)
	}
}

func TestAtValidation(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, NewWriter(dir, nil), batch1(), day1)
	h := NewHistory(dir)
	if _, err := h.At("../../etc/passwd"); !errors.Is(err, defect.ErrValidation) {
		t.Errorf("malformed id: got %v", err)
	}
	if _, err := h.At("20200101-000000"); !errors.Is(err, defect.ErrNotFound) {
		t.Errorf("unknown id: got %v", err)
	}
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, nil)
	g1 := mustWrite(t, w, batch1(), day1)
	g2 := mustWrite(t, w, batch2(), day2)
	g3 := mustWrite(t, w, batch2(), day3)

	if _, err := w.Prune(0); !errors.Is(err, defect.ErrValidation) {
		t.Errorf("Prune(0): got %v", err)
	}
	removed, err := w.Prune(1)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(removed) != 2 || removed[0] != g1.Generation || removed[1] != g2.Generation {
		t.Errorf("removed: %v", removed)
	}
	gens, err := NewHistory(dir).Generations()
	if err != nil || len(gens) != 1 || gens[0].ID != g3.Generation {
		t.Errorf("after prune: %+v, %v", gens, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "history", "defects-"+g1.Generation+".json")); !errors.Is(err, os.ErrNotExist) {
		t.Error("pruned log still present")
	}
}
