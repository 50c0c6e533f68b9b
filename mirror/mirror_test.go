package mirror

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hazyhaar/defectmirror/analytics"
	"github.com/hazyhaar/defectmirror/defect"
	"github.com/hazyhaar/defectmirror/generation"
	"github.com/hazyhaar/defectmirror/query"
	"github.com/hazyhaar/defectmirror/trace"
)

var t0 = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

// testMirror opens a mirror on a fresh data directory. Its clock advances
// one minute per call so every sync gets its own generation id.
func testMirror(t *testing.T) *Mirror {
	t.Helper()
	cfg := &Config{DataDir: t.TempDir()}
	m, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	var mu sync.Mutex
	clock := t0
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Minute)
		return clock
	}
	return m
}

func raw(id int, name, status, priority, created string) defect.RawEntity {
	e := defect.RawEntity{Fields: []defect.RawField{
		defect.Field("id", strconv.Itoa(id)),
		defect.Field("name", name),
		defect.Field("creation-time", created),
		defect.Field("last-modified", created),
	}}
	if status != "" {
		e.Fields = append(e.Fields, defect.Field("status", status))
	}
	if priority != "" {
		e.Fields = append(e.Fields, defect.Field("priority", priority))
	}
	return e
}

func scenarioOne() []defect.RawEntity {
	return []defect.RawEntity{
		raw(1, "Crash on save", "Open", "P1-Critical", "2024-05-01"),
		raw(2, "Wrong total on invoice", "Open", "P2-High", "2024-05-02"),
		raw(3, "Typo in footer", "Open", "P3-Medium", "2024-05-03"),
	}
}

func mustSync(t *testing.T, m *Mirror, entities []defect.RawEntity) string {
	t.Helper()
	meta, err := m.Sync(context.Background(), entities)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	return meta.Generation
}

func ids(ds []defect.Defect) []int {
	out := make([]int, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}

func sameInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNoDataBeforeSync(t *testing.T) {
	m := testMirror(t)
	ctx := context.Background()

	if _, err := m.Find(ctx, query.Request{}); !errors.Is(err, defect.ErrNoData) {
		t.Errorf("Find: got %v, want ErrNoData", err)
	}
	if _, err := m.Stats(ctx, analytics.StatsOptions{}); !errors.Is(err, defect.ErrNoData) {
		t.Errorf("Stats: got %v, want ErrNoData", err)
	}
	if _, err := m.Generations(); !errors.Is(err, defect.ErrNoData) {
		t.Errorf("Generations: got %v, want ErrNoData", err)
	}
	// Validation still comes first.
	if _, err := m.Find(ctx, query.Request{Page: -1}); !errors.Is(err, defect.ErrValidation) {
		t.Errorf("Find(page=-1): got %v, want ErrValidation", err)
	}
}

func TestSyncFindAndStats(t *testing.T) {
	m := testMirror(t)
	ctx := context.Background()
	entities := scenarioOne()
	entities[1] = raw(2, "Wrong total on invoice", "Closed", "P2-High", "2024-05-02")
	mustSync(t, m, entities)

	page, err := m.Find(ctx, query.Request{Status: []string{"Open"}})
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(page.Defects); !sameInts(got, []int{1, 3}) {
		t.Fatalf("find(status=Open): got %v, want [1 3]", got)
	}

	s, err := m.Stats(ctx, analytics.StatsOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if s.OpenCount != 2 || s.ClosedCount != 1 || s.Total != 3 {
		t.Errorf("stats: open=%d closed=%d total=%d", s.OpenCount, s.ClosedCount, s.Total)
	}
}

func TestSecondSyncKeepsFirstGeneration(t *testing.T) {
	m := testMirror(t)
	ctx := context.Background()
	first := mustSync(t, m, scenarioOne())

	second := scenarioOne()
	second[1] = raw(2, "Wrong total on invoice", "Closed", "P2-High", "2024-05-02")
	second = append(second, raw(4, "New report", "New", "P2-High", "2024-06-10"))
	latest := mustSync(t, m, second)
	if latest == first {
		t.Fatalf("second sync reused generation %s", first)
	}

	gens, err := m.Generations()
	if err != nil {
		t.Fatal(err)
	}
	if len(gens) != 2 || gens[0].ID != latest || !gens[0].Current || gens[1].ID != first {
		t.Fatalf("generations: %+v", gens)
	}

	page, err := m.Find(ctx, query.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 4 {
		t.Fatalf("current total: got %d, want 4", page.Total)
	}
	d2, err := m.Get(ctx, 2)
	if err != nil || d2.Status != "Closed" {
		t.Fatalf("current record 2: %+v, %v", d2, err)
	}

	old, err := m.GenerationRecords(first)
	if err != nil {
		t.Fatal(err)
	}
	if len(old) != 3 {
		t.Fatalf("first generation: got %d records, want 3", len(old))
	}
	for _, d := range old {
		if d.ID == 2 && d.Status != "Open" {
			t.Errorf("first generation record 2: status %q, want Open", d.Status)
		}
		if d.ID == 4 {
			t.Error("first generation contains record 4")
		}
	}
}

func TestNumericSearch(t *testing.T) {
	m := testMirror(t)
	mustSync(t, m, []defect.RawEntity{
		raw(42, "Login button misaligned", "Open", "P3-Medium", "2024-05-01"),
		raw(7, "Report export fails", "Open", "P2-High", "2024-05-02"),
	})
	page, err := m.Search(context.Background(), query.Request{Query: "42"})
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(page.Defects); !sameInts(got, []int{42}) {
		t.Fatalf("search 42: got %v", got)
	}
}

func TestKanbanNoLane(t *testing.T) {
	m := testMirror(t)
	mustSync(t, m, []defect.RawEntity{
		raw(1, "A", "Open", "P1-Critical", "2024-05-01"),
		raw(2, "B", "Open", "P1-Critical", "2024-05-02"),
		raw(3, "C", "Open", "", "2024-05-03"),
	})
	board, err := m.Kanban(context.Background(), "priority", false)
	if err != nil {
		t.Fatal(err)
	}
	if board.Total != 3 {
		t.Fatalf("total: got %d", board.Total)
	}
	var p1, none []defect.Defect
	for _, l := range board.Lanes {
		for _, c := range l.Cell("Open") {
			d := defect.Defect{ID: c.ID}
			switch {
			case l.NoLane:
				none = append(none, d)
			case l.Value == "P1-Critical":
				p1 = append(p1, d)
			}
		}
	}
	if !sameInts(ids(p1), []int{1, 2}) || !sameInts(ids(none), []int{3}) {
		t.Fatalf("cells: P1=%v none=%v", ids(p1), ids(none))
	}
}

func TestReaderKeepsGenerationAcrossSwap(t *testing.T) {
	m := testMirror(t)
	ctx := context.Background()
	mustSync(t, m, scenarioOne())

	store, release, err := m.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	mustSync(t, m, append(scenarioOne(), raw(4, "New report", "New", "P2-High", "2024-06-10")))

	// The held store still reads its own generation.
	all, err := store.All(ctx)
	if err != nil {
		t.Fatalf("held store after swap: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("held store: got %d records, want 3", len(all))
	}
	page, err := m.Find(ctx, query.Request{})
	if err != nil || page.Total != 4 {
		t.Fatalf("new readers: total %d, %v", page.Total, err)
	}

	release()
	release() // idempotent
	if err := store.DB.PingContext(ctx); err == nil {
		t.Error("old generation still open after last release")
	}
}

func TestConcurrentReadsDuringSync(t *testing.T) {
	m := testMirror(t)
	ctx := context.Background()
	mustSync(t, m, scenarioOne())

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				page, err := m.Find(ctx, query.Request{})
				if err != nil {
					errs <- err
					return
				}
				if page.Total != 3 && page.Total != 4 {
					errs <- errors.New("mixed generation: total " + strconv.Itoa(page.Total))
					return
				}
			}
		}()
	}
	for range 3 {
		mustSync(t, m, append(scenarioOne(), raw(4, "New report", "New", "P2-High", "2024-06-10")))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSyncRunsJournaled(t *testing.T) {
	m := testMirror(t)
	ctx := context.Background()
	gen := mustSync(t, m, scenarioOne())

	if _, err := m.SyncExport(ctx, []byte(`{"entities": [`)); err == nil {
		t.Fatal("malformed export accepted")
	}

	runs, err := m.SyncRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs: got %d, want 1 (parse failures never reach the writer)", len(runs))
	}
	if runs[0].Outcome != "success" || runs[0].Generation != gen || runs[0].Records != 3 {
		t.Errorf("run: %+v", runs[0])
	}
}

func TestSyncRejectedWhileLocked(t *testing.T) {
	m := testMirror(t)
	ctx := context.Background()
	mustSync(t, m, scenarioOne())

	// Another process holding the directory lock.
	f, err := os.OpenFile(m.writer.Layout().LockPath(), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		t.Fatal(err)
	}
	_, err = m.Sync(ctx, scenarioOne())
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if !errors.Is(err, defect.ErrSyncInProgress) {
		t.Fatalf("Sync while locked: got %v, want ErrSyncInProgress", err)
	}
	runs, _ := m.SyncRuns(ctx, 1)
	if len(runs) != 1 || runs[0].Outcome != "rejected" {
		t.Fatalf("journal: %+v", runs)
	}
	// Readers still see the first generation.
	if page, err := m.Find(ctx, query.Request{}); err != nil || page.Total != 3 {
		t.Fatalf("after rejected sync: %d, %v", page.Total, err)
	}
}

func TestRefreshPicksUpOtherWriter(t *testing.T) {
	m := testMirror(t)
	ctx := context.Background()
	mustSync(t, m, scenarioOne())
	if _, err := m.Find(ctx, query.Request{}); err != nil {
		t.Fatal(err)
	}

	other, err := New(&Config{DataDir: m.cfg.DataDir, DisableJournal: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	other.now = func() time.Time { return t0.Add(time.Hour) }
	if _, err := other.Sync(ctx, append(scenarioOne(), raw(4, "New report", "New", "P2-High", "2024-06-10"))); err != nil {
		t.Fatal(err)
	}

	switched, err := m.Refresh(ctx)
	if err != nil || !switched {
		t.Fatalf("Refresh: switched=%v err=%v", switched, err)
	}
	if page, err := m.Find(ctx, query.Request{}); err != nil || page.Total != 4 {
		t.Fatalf("after refresh: %d, %v", page.Total, err)
	}
	if switched, _ := m.Refresh(ctx); switched {
		t.Error("second Refresh switched again")
	}
}

func TestWatchFollowsOtherWriter(t *testing.T) {
	m := testMirror(t)
	mustSync(t, m, scenarioOne())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Watch(ctx, 10*time.Millisecond)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	other, err := New(&Config{DataDir: m.cfg.DataDir, DisableJournal: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	other.now = func() time.Time { return t0.Add(time.Hour) }
	meta, err := other.Sync(context.Background(), scenarioOne()[:1])
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if h := m.cur.Load(); h != nil && h.meta.Generation == meta.Generation {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watch did not switch to the other writer's generation")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if page, err := m.Find(context.Background(), query.Request{}); err != nil || page.Total != 1 {
		t.Fatalf("after watch: %d, %v", page.Total, err)
	}
}

func TestTraceSQLReads(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m, err := New(&Config{DataDir: t.TempDir(), TraceSQL: true, DisableJournal: true}, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	t.Cleanup(func() { trace.SetLogger(nil) })
	mustSync(t, m, scenarioOne())

	if _, err := m.Get(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"component":"sql"`) {
		t.Errorf("no traced statements in log:\n%s", buf.String())
	}
}

func TestPublishNeverGoesBack(t *testing.T) {
	m := testMirror(t)
	first := mustSync(t, m, scenarioOne())
	second := mustSync(t, m, scenarioOne()[:1])

	if switched, err := m.publish(generation.Meta{Generation: first}); err != nil || switched {
		t.Fatalf("publish older generation: switched=%v err=%v", switched, err)
	}
	if h := m.cur.Load(); h == nil || h.meta.Generation != second {
		t.Fatalf("current handle went back to %s", first)
	}
	if page, err := m.Find(context.Background(), query.Request{}); err != nil || page.Total != 1 {
		t.Fatalf("after stale publish: %d, %v", page.Total, err)
	}
}

func TestRetentionKeep(t *testing.T) {
	dir := t.TempDir()
	m, err := New(&Config{DataDir: dir, Retention: RetentionConfig{Keep: 2}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	clock := t0
	m.now = func() time.Time { clock = clock.Add(time.Minute); return clock }

	for range 4 {
		mustSync(t, m, scenarioOne())
	}
	gens, err := m.Generations()
	if err != nil {
		t.Fatal(err)
	}
	if len(gens) != 2 {
		t.Fatalf("generations after retention: got %d, want 2", len(gens))
	}
	logs, _ := filepath.Glob(filepath.Join(dir, "history", "*.json"))
	if len(logs) != 2 {
		t.Errorf("logs on disk: %v", logs)
	}
}

func TestClosed(t *testing.T) {
	m := testMirror(t)
	mustSync(t, m, scenarioOne())
	m.Close()
	if _, err := m.Find(context.Background(), query.Request{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Find after Close: got %v", err)
	}
	if _, err := m.Sync(context.Background(), scenarioOne()); !errors.Is(err, ErrClosed) {
		t.Errorf("Sync after Close: got %v", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defectmirror.yaml")
	data := []byte(`data_dir: /srv/defects
listen_addr: ":9000"
page_size_max: 200
terminal_statuses: [closed, rejected]
kanban:
  columns: [New, Open, Closed]
executive:
  internal_owner_pattern: acme
  stale_days: 14
retention:
  keep: 5
refresh_interval: 30s
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/srv/defects" || cfg.ListenAddr != ":9000" || cfg.PageSizeMax != 200 {
		t.Errorf("top level: %+v", cfg)
	}
	if cfg.RefreshInterval != 30*time.Second || cfg.Retention.Keep != 5 {
		t.Errorf("refresh/retention: %v %d", cfg.RefreshInterval, cfg.Retention.Keep)
	}

	cfg.defaults()
	if cfg.PageSizeDefault != 50 || cfg.Executive.StaleDays != 14 || cfg.Executive.TopN != 10 {
		t.Errorf("defaults: %+v", cfg)
	}
	ac := cfg.analyticsConfig()
	if ac.InternalOwnerPattern != "acme" || len(ac.KanbanColumns) != 3 || len(ac.Terminal) != 2 {
		t.Errorf("analytics config: %+v", ac)
	}
	if qc := cfg.queryConfig(); qc.MaxPageSize != 200 || len(qc.Hidden) != 3 {
		t.Errorf("query config: %+v", qc)
	}
}

func TestDefaultDataDirFromEnv(t *testing.T) {
	t.Setenv(DataDirEnv, "/tmp/defects-env")
	var cfg Config
	cfg.defaults()
	if cfg.DataDir != "/tmp/defects-env" {
		t.Fatalf("data dir: got %q", cfg.DataDir)
	}
}
