package analytics

import (
	"sort"

	"github.com/hazyhaar/defectmirror/defect"
)

// StatsOptions selects what Stats breaks down.
type StatsOptions struct {
	// IncludeClosed widens the breakdowns from active defects to all of them.
	IncludeClosed bool
	// TopN caps every breakdown except priority. Zero means no cap.
	TopN int
}

// Count is one row of a breakdown.
type Count struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Oldest identifies the oldest active defect.
type Oldest struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Created string `json:"created"`
}

// CloseTime summarises days from creation to closing, rounded to a tenth.
type CloseTime struct {
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
	Avg float64 `json:"avg"`
}

// Summary is the stats view.
type Summary struct {
	Total        int        `json:"total"`
	OpenCount    int        `json:"open_count"`
	ClosedCount  int        `json:"closed_count"`
	ByPriority   []Count    `json:"by_priority"`
	ByModule     []Count    `json:"by_module"`
	ByOwner      []Count    `json:"by_owner"`
	ByType       []Count    `json:"by_type"`
	ByWorkstream []Count    `json:"by_workstream"`
	ByScenario   []Count    `json:"by_scenario"`
	OldestOpen   *Oldest    `json:"oldest_open"`
	CloseTime    *CloseTime `json:"close_time"`
}

// Stats computes totals and breakdowns. A defect is open while it is active;
// every other defect counts as closed.
func Stats(ds []defect.Defect, terminal []string, opts StatsOptions) Summary {
	open := active(ds, terminal)
	s := Summary{
		Total:       len(ds),
		OpenCount:   len(open),
		ClosedCount: len(ds) - len(open),
	}

	scope := open
	if opts.IncludeClosed {
		scope = ds
	}

	s.ByPriority = breakdown(scope, 0, func(d defect.Defect) []string { return []string{orNone(d.Priority)} })
	sort.SliceStable(s.ByPriority, func(i, j int) bool {
		ri, rj := defect.PriorityRank(s.ByPriority[i].Name), defect.PriorityRank(s.ByPriority[j].Name)
		if ri != rj {
			return ri < rj
		}
		return s.ByPriority[i].Name < s.ByPriority[j].Name
	})
	s.ByModule = breakdown(scope, opts.TopN, func(d defect.Defect) []string { return []string{orNone(d.Module)} })
	s.ByOwner = breakdown(scope, opts.TopN, func(d defect.Defect) []string { return []string{orNone(d.Owner)} })
	s.ByType = breakdown(scope, opts.TopN, func(d defect.Defect) []string { return []string{orNone(d.DefectType)} })
	s.ByWorkstream = breakdown(scope, opts.TopN, func(d defect.Defect) []string { return []string{orNone(d.Workstream)} })
	s.ByScenario = breakdown(scope, opts.TopN, func(d defect.Defect) []string { return d.Scenarios })

	for _, d := range open {
		t, ok := d.CreatedAt()
		if !ok {
			continue
		}
		if s.OldestOpen == nil {
			s.OldestOpen = &Oldest{ID: d.ID, Name: d.Name, Created: d.Created}
			continue
		}
		cur, _ := defect.ParseTime(s.OldestOpen.Created)
		if t.Before(cur) {
			s.OldestOpen = &Oldest{ID: d.ID, Name: d.Name, Created: d.Created}
		}
	}

	s.CloseTime = closeTime(ds)
	return s
}

// breakdown counts scope by key, largest first, ties by name.
func breakdown(scope []defect.Defect, topN int, key func(defect.Defect) []string) []Count {
	counts := map[string]int{}
	for _, d := range scope {
		for _, k := range key(d) {
			counts[k]++
		}
	}
	out := make([]Count, 0, len(counts))
	for k, n := range counts {
		out = append(out, Count{Name: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// closeTime takes every defect with both dates, closed after created.
func closeTime(ds []defect.Defect) *CloseTime {
	var days []float64
	for _, d := range ds {
		c, ok1 := d.CreatedAt()
		x, ok2 := d.ClosedAt()
		if !ok1 || !ok2 || x.Before(c) {
			continue
		}
		days = append(days, x.Sub(c).Hours()/24)
	}
	if len(days) == 0 {
		return nil
	}
	sort.Float64s(days)
	n := len(days)
	var sum float64
	for _, v := range days {
		sum += v
	}
	return &CloseTime{
		P50: round1(days[n/2]),
		P75: round1(days[min(int(float64(n)*0.75), n-1)]),
		Avg: round1(sum / float64(n)),
	}
}
