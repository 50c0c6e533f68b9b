package analytics

import (
	"sort"
	"time"

	"github.com/hazyhaar/defectmirror/defect"
)

// Buckets counts defects by age.
type Buckets struct {
	Days0To7   int `json:"0-7 days"`
	Days8To30  int `json:"8-30 days"`
	Days31To90 int `json:"31-90 days"`
	Over90     int `json:"90+ days"`
}

// Sum returns the total across buckets.
func (b Buckets) Sum() int { return b.Days0To7 + b.Days8To30 + b.Days31To90 + b.Over90 }

func (b *Buckets) add(age int) {
	switch {
	case age <= 7:
		b.Days0To7++
	case age <= 30:
		b.Days8To30++
	case age <= 90:
		b.Days31To90++
	default:
		b.Over90++
	}
}

// PriorityBuckets are the buckets of one priority.
type PriorityBuckets struct {
	Priority string `json:"priority"`
	Buckets
}

// AgedDefect is an entry of the oldest list.
type AgedDefect struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Created  string `json:"created"`
	Priority string `json:"priority"`
	AgeDays  int    `json:"age_days"`
}

// AgingReport is the aging view.
type AgingReport struct {
	Buckets    Buckets           `json:"buckets"`
	ByPriority []PriorityBuckets `json:"by_priority"`
	Oldest     []AgedDefect      `json:"oldest"`
}

const oldestLimit = 10

// Aging buckets every active defect by whole days of age at now. Every
// active defect lands in exactly one bucket, so the bucket total equals the
// open count.
func Aging(ds []defect.Defect, terminal []string, now time.Time) AgingReport {
	var r AgingReport
	byPrio := map[string]*PriorityBuckets{}
	var aged []AgedDefect

	for _, d := range active(ds, terminal) {
		age := ageDays(d, now)
		r.Buckets.add(age)

		p := orNone(d.Priority)
		pb, ok := byPrio[p]
		if !ok {
			pb = &PriorityBuckets{Priority: p}
			byPrio[p] = pb
		}
		pb.add(age)

		aged = append(aged, AgedDefect{ID: d.ID, Name: d.Name, Created: d.Created, Priority: d.Priority, AgeDays: age})
	}

	r.ByPriority = make([]PriorityBuckets, 0, len(byPrio))
	for _, pb := range byPrio {
		r.ByPriority = append(r.ByPriority, *pb)
	}
	sort.Slice(r.ByPriority, func(i, j int) bool {
		a, b := r.ByPriority[i].Priority, r.ByPriority[j].Priority
		if ra, rb := defect.PriorityRank(a), defect.PriorityRank(b); ra != rb {
			return ra < rb
		}
		return a < b
	})

	sort.SliceStable(aged, func(i, j int) bool { return aged[i].AgeDays > aged[j].AgeDays })
	if len(aged) > oldestLimit {
		aged = aged[:oldestLimit]
	}
	r.Oldest = aged
	if r.Oldest == nil {
		r.Oldest = []AgedDefect{}
	}
	return r
}
