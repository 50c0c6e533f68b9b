package analytics

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/hazyhaar/defectmirror/defect"
)

var now = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func ids(cards []Card) []int {
	out := make([]int, len(cards))
	for i, c := range cards {
		out[i] = c.ID
	}
	return out
}

func TestStatsOpenClosed(t *testing.T) {
	ds := []defect.Defect{
		{ID: 1, Name: "a", Status: "Open", Priority: "P1-Critical", Created: "2024-01-05"},
		{ID: 2, Name: "b", Status: "Closed", Priority: "P2-High", Created: "2024-01-01", Closed: "2024-01-03"},
		{ID: 3, Name: "c", Status: "Open", Priority: "P3-Medium", Created: "2024-01-02"},
	}
	s := Stats(ds, defect.DefaultTerminalStatuses, StatsOptions{})
	if s.Total != 3 || s.OpenCount != 2 || s.ClosedCount != 1 {
		t.Fatalf("counts: total=%d open=%d closed=%d", s.Total, s.OpenCount, s.ClosedCount)
	}
	if want := []Count{{"P1-Critical", 1}, {"P3-Medium", 1}}; !reflect.DeepEqual(s.ByPriority, want) {
		t.Errorf("ByPriority: got %v, want %v", s.ByPriority, want)
	}
	if s.OldestOpen == nil || s.OldestOpen.ID != 3 {
		t.Errorf("OldestOpen: got %+v", s.OldestOpen)
	}

	all := Stats(ds, defect.DefaultTerminalStatuses, StatsOptions{IncludeClosed: true})
	if len(all.ByPriority) != 3 {
		t.Errorf("IncludeClosed ByPriority: got %v", all.ByPriority)
	}
}

func TestStatsBreakdownsAndCloseTime(t *testing.T) {
	ds := []defect.Defect{
		{ID: 1, Status: "Closed", Created: "2024-01-01", Closed: "2024-01-02"},
		{ID: 2, Status: "Closed", Created: "2024-01-01", Closed: "2024-01-03"},
		{ID: 3, Status: "Closed", Created: "2024-01-01", Closed: "2024-01-04"},
		{ID: 4, Status: "Closed", Created: "2024-01-01", Closed: "2024-01-11"},
		{ID: 5, Status: "Closed", Created: "2024-01-05", Closed: "2024-01-01"},
		{ID: 6, Status: "Open", Module: "Finance", Scenarios: []string{"OTC-001", "OTC-002"}},
		{ID: 7, Status: "Open", Module: "Finance", Scenarios: []string{"OTC-001"}},
		{ID: 8, Status: "Open", Scenarios: []string{}},
	}
	s := Stats(ds, defect.DefaultTerminalStatuses, StatsOptions{TopN: 1})

	if s.CloseTime == nil {
		t.Fatal("CloseTime: nil")
	}
	if *s.CloseTime != (CloseTime{P50: 3, P75: 10, Avg: 4}) {
		t.Errorf("CloseTime: got %+v", *s.CloseTime)
	}
	if want := []Count{{"Finance", 2}}; !reflect.DeepEqual(s.ByModule, want) {
		t.Errorf("ByModule: got %v, want %v", s.ByModule, want)
	}
	if want := []Count{{"OTC-001", 2}}; !reflect.DeepEqual(s.ByScenario, want) {
		t.Errorf("ByScenario: got %v, want %v", s.ByScenario, want)
	}
	if s.OldestOpen != nil {
		t.Errorf("OldestOpen: undated defects cannot be oldest, got %+v", s.OldestOpen)
	}

	if got := Stats(nil, nil, StatsOptions{}); got.CloseTime != nil || got.Total != 0 {
		t.Errorf("empty: got %+v", got)
	}
}

func TestAgingBucketsMatchOpenCount(t *testing.T) {
	ds := []defect.Defect{
		{ID: 1, Status: "Open", Priority: "P1-Critical", Created: "2024-06-15"},
		{ID: 2, Status: "New", Priority: "P1-Critical", Created: "2024-06-01"},
		{ID: 3, Status: "Open", Priority: "P2-High", Created: "2024-04-01"},
		{ID: 4, Status: "Blocked", Created: "2023-01-01 08:00:00"},
		{ID: 5, Status: "Open", Modified: "2024-06-10"},
		{ID: 6, Status: "Open"},
		{ID: 7, Status: "Closed", Created: "2020-01-01"},
		{ID: 8, Created: "2020-01-01"},
	}
	r := Aging(ds, defect.DefaultTerminalStatuses, now)

	want := Buckets{Days0To7: 3, Days8To30: 1, Days31To90: 1, Over90: 1}
	if r.Buckets != want {
		t.Errorf("buckets: got %+v, want %+v", r.Buckets, want)
	}
	open := Stats(ds, defect.DefaultTerminalStatuses, StatsOptions{}).OpenCount
	if r.Buckets.Sum() != open {
		t.Errorf("bucket sum %d != open count %d", r.Buckets.Sum(), open)
	}

	var perPriority int
	for _, pb := range r.ByPriority {
		perPriority += pb.Sum()
	}
	if perPriority != open {
		t.Errorf("per-priority sum %d != open count %d", perPriority, open)
	}
	if r.ByPriority[0].Priority != "P1-Critical" || r.ByPriority[0].Days0To7 != 1 || r.ByPriority[0].Days8To30 != 1 {
		t.Errorf("ByPriority[0]: got %+v", r.ByPriority[0])
	}
	if r.Oldest[0].ID != 4 || r.Oldest[1].ID != 3 {
		t.Errorf("Oldest: got %+v", r.Oldest)
	}
}

func TestBurndownPrediction(t *testing.T) {
	var ds []defect.Defect
	for i := 1; i <= 10; i++ {
		d := defect.Defect{ID: i, Status: "Open", Created: "2024-03-01"}
		if i <= 5 {
			d.Status = "Closed"
			d.Closed = "2024-04-09"
		}
		ds = append(ds, d)
	}
	s := Burndown(ds, Config{})

	if len(s.Dates) != 40 || s.Dates[0] != "2024-03-01" || s.Dates[39] != "2024-04-09" {
		t.Fatalf("dates: %d from %v", len(s.Dates), s.Dates[:1])
	}
	if s.OpenCount[0] != 10 || s.OpenCount[39] != 5 || s.CumulativeClosed[39] != 5 {
		t.Errorf("series: open %d..%d closed %d", s.OpenCount[0], s.OpenCount[39], s.CumulativeClosed[39])
	}
	p := s.Prediction
	if p == nil {
		t.Fatal("prediction: nil")
	}
	if p.Dates[0] != "2024-04-09" || p.OpenCount[0] != 5 {
		t.Errorf("prediction anchor: %s=%v", p.Dates[0], p.OpenCount[0])
	}
	if p.DailyOpenRate != 0 || p.DailyCloseRate != 0.17 || p.NetBurnRate != 0.17 {
		t.Errorf("rates: %+v", p)
	}
	if last := p.OpenCount[len(p.OpenCount)-1]; last != 0 {
		t.Errorf("projection should stop at zero, ended at %v", last)
	}
	if n := len(p.Dates); n < 30 || n > 32 {
		t.Errorf("projection length %d", n)
	}
	if p.Dates[1] != "2024-04-10" {
		t.Errorf("first projected day: %s", p.Dates[1])
	}
}

func TestBurndownShortSeries(t *testing.T) {
	ds := []defect.Defect{
		{ID: 1, Status: "Open", Created: "2024-03-01"},
		{ID: 2, Status: "Rejected", Created: "2024-03-02", Modified: "2024-03-05"},
	}
	s := Burndown(ds, Config{})
	if len(s.Dates) != 5 || s.Prediction != nil {
		t.Fatalf("got %d dates, prediction %v", len(s.Dates), s.Prediction)
	}
	if want := []int{1, 2, 2, 2, 1}; !reflect.DeepEqual(s.OpenCount, want) {
		t.Errorf("open: got %v, want %v", s.OpenCount, want)
	}

	empty := Burndown(nil, Config{})
	if len(empty.Dates) != 0 || empty.Prediction != nil {
		t.Errorf("empty: %+v", empty)
	}
}

func TestVelocity(t *testing.T) {
	ds := []defect.Defect{
		{ID: 1, Status: "Open", Created: "2024-06-11"},
		{ID: 2, Status: "Open", Created: "2024-05-01"},
		{ID: 3, Status: "Closed", Created: "2024-05-01", Closed: "2024-05-21"},
		{ID: 4, Status: "Fixed", Created: "2024-05-01", Modified: "2024-05-22"},
	}
	r := Velocity(ds, defect.DefaultTerminalStatuses, now, 4)

	if len(r.Weeks) != 4 {
		t.Fatalf("weeks: %d", len(r.Weeks))
	}
	if r.Weeks[0].Start != "2024-05-20" || r.Weeks[3].Week != "2024-W24" {
		t.Errorf("labels: %+v / %+v", r.Weeks[0], r.Weeks[3])
	}
	if r.Weeks[3].Opened != 1 || r.Weeks[0].Resolved != 1 || r.Weeks[0].Net != 1 {
		t.Errorf("counts: %+v", r.Weeks)
	}
	if r.AvgNetPerWeek != 0 {
		t.Errorf("avg net: %v", r.AvgNetPerWeek)
	}
}

func TestPriorityTrend(t *testing.T) {
	ds := []defect.Defect{
		{ID: 1, Status: "Open", Priority: "P1-Critical", Created: "2024-06-01"},
		{ID: 2, Status: "Open", Priority: "P2-High", Created: "2024-06-12"},
		{ID: 3, Status: "Closed", Priority: "P3-Medium", Created: "2024-05-01", Closed: "2024-06-14"},
		{ID: 4, Status: "Open", Created: "2024-05-01"},
	}
	r := PriorityTrend(ds, defect.DefaultTerminalStatuses, now, 2)

	want := []TrendWeek{
		{Week: "2024-06-03", P1: 1, P3: 1, Total: 3},
		{Week: "2024-06-10", P1: 1, P2: 1, Total: 3},
	}
	if !reflect.DeepEqual(r.Weeks, want) {
		t.Errorf("trend: got %+v, want %+v", r.Weeks, want)
	}
}

func TestExecutive(t *testing.T) {
	ds := []defect.Defect{
		{ID: 1, Name: "a", Owner: "john.doe_convergint.com", Priority: "P1-Critical", Status: "New", Created: "2024-06-01", Modified: "2024-06-05"},
		{ID: 2, Name: "b", Owner: "vendor.guy", Priority: "P2-High", Status: "Blocked", Created: "2024-06-13", Modified: "2024-06-14"},
		{ID: 3, Name: "c", Priority: "P3-Medium", Status: "Open", Created: "2024-06-14"},
		{ID: 4, Name: "d", Owner: "JANE.ROE_Convergint.com", Priority: "P2-High", Status: "Open", Created: "2024-06-14", Modified: "2024-06-15"},
		{ID: 5, Name: "e", Owner: "john.doe_convergint.com", Priority: "P1-Critical", Status: "Closed", Created: "2024-01-01"},
	}
	r := Executive(ds, now, Config{})

	if got := r.Ownership[PartyInternal]; got != (Party{Active: 2, P1: 1, P2: 1}) {
		t.Errorf("internal: %+v", got)
	}
	if got := r.Ownership[PartyVendor]; got != (Party{Active: 2, P2: 1}) {
		t.Errorf("vendor: %+v", got)
	}
	if r.Pipeline[0] != (Stage{Status: "Open", Count: 2, AvgDaysStale: 0.5}) {
		t.Errorf("pipeline[0]: %+v", r.Pipeline[0])
	}
	if r.BlockedCount != 1 || r.Blocked[0].ID != 2 {
		t.Errorf("blocked: %+v", r.Blocked)
	}
	if len(r.InternalOwners) != 2 || r.InternalOwners[0].Owner != "Jane Roe" || r.InternalOwners[1].Owner != "John Doe" {
		t.Errorf("internal owners: %+v", r.InternalOwners)
	}
	if o := r.InternalOwners[1]; o.MaxDaysStale != 10 || o.AvgAge != 14 {
		t.Errorf("john.doe scorecard: %+v", o)
	}
	if len(r.StaleInternal) != 1 || r.StaleInternal[0].ID != 1 || r.StaleInternal[0].DaysStale != 10 {
		t.Errorf("stale internal: %+v", r.StaleInternal)
	}
	if len(r.HighPriorityUnworked) != 1 || r.HighPriorityUnworked[0].ID != 1 {
		t.Errorf("high priority unworked: %+v", r.HighPriorityUnworked)
	}
}

func TestFormatOwner(t *testing.T) {
	tests := map[string]string{
		"john.doe_convergint.com":     "John Doe",
		"mary.o.brien@Convergint.com": "Mary O Brien",
		"vendor_other.com":            "Vendor Other Com",
		"plain":                       "Plain",
	}
	for in, want := range tests {
		if got := FormatOwner(in, "convergint"); got != want {
			t.Errorf("FormatOwner(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKanbanLanes(t *testing.T) {
	ds := []defect.Defect{
		{ID: 2, Name: "b", Status: "Open", Priority: "P1-Critical"},
		{ID: 1, Name: "a", Status: "Open", Priority: "P1-Critical"},
		{ID: 3, Name: "c", Status: "Open"},
		{ID: 4, Name: "d", Status: "Duplicate", Priority: "P2-High"},
		{ID: 5, Name: "e", Status: "in progress", Priority: "P2-High"},
		{ID: 6, Name: "f", Status: "Triage", Priority: "P2-High"},
	}
	b, err := Kanban(ds, Config{}, "priority", false)
	if err != nil {
		t.Fatalf("kanban: %v", err)
	}
	if want := []string{"Open", "In Progress", "Triage"}; !reflect.DeepEqual(b.Columns, want) {
		t.Errorf("columns: got %v, want %v", b.Columns, want)
	}
	if b.Total != 5 || len(b.Lanes) != 3 {
		t.Fatalf("lanes: total %d, %d lanes", b.Total, len(b.Lanes))
	}
	p1 := b.Lanes[0]
	if p1.Value != "P1-Critical" || p1.NoLane {
		t.Errorf("first lane: %+v", p1)
	}
	if got := ids(p1.Cell("Open")); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Errorf("(Open, P1): got %v", got)
	}
	if got := ids(b.Lanes[1].Cell("In Progress")); !reflect.DeepEqual(got, []int{5}) {
		t.Errorf("(In Progress, P2): got %v", got)
	}
	none := b.Lanes[2]
	if !none.NoLane || !reflect.DeepEqual(ids(none.Cell("Open")), []int{3}) {
		t.Errorf("no-lane group: %+v", none)
	}

	b, err = Kanban(ds, Config{}, "", true)
	if err != nil {
		t.Fatalf("kanban hidden: %v", err)
	}
	if want := []string{"Open", "In Progress", "Duplicate", "Triage"}; !reflect.DeepEqual(b.Columns, want) {
		t.Errorf("columns with hidden: got %v, want %v", b.Columns, want)
	}
	if len(b.Lanes) != 1 || b.Total != 6 {
		t.Errorf("single lane: %d lanes, total %d", len(b.Lanes), b.Total)
	}

	if _, err := Kanban(ds, Config{}, "severity", false); !errors.Is(err, defect.ErrValidation) {
		t.Errorf("bad lane: got %v", err)
	}
}

type fakeSource struct {
	ds  []defect.Defect
	err error
}

func (f fakeSource) All(context.Context) ([]defect.Defect, error) { return f.ds, f.err }

func TestEngine(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(fakeSource{err: defect.ErrNoData}, Config{})
	if _, err := e.Stats(ctx, StatsOptions{}); !errors.Is(err, defect.ErrNoData) {
		t.Errorf("stats: got %v", err)
	}
	if _, err := e.Aging(ctx, now); !errors.Is(err, defect.ErrNoData) {
		t.Errorf("aging: got %v", err)
	}
	if _, err := e.Kanban(ctx, "bogus", false); !errors.Is(err, defect.ErrValidation) {
		t.Errorf("kanban lane checked before reading: got %v", err)
	}

	e = NewEngine(fakeSource{ds: []defect.Defect{{ID: 1, Status: "Open", Created: "2024-06-14"}}}, Config{StaleDays: 3})
	if e.Config().StaleDays != 3 || e.Config().TopN != 10 {
		t.Errorf("config defaults: %+v", e.Config())
	}
	a, err := e.Aging(ctx, now)
	if err != nil || a.Buckets.Days0To7 != 1 {
		t.Errorf("aging: %+v, %v", a, err)
	}
}
