package analytics

import (
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/hazyhaar/defectmirror/defect"
)

// Party is the active workload of one ownership party.
type Party struct {
	Active int `json:"active"`
	P1     int `json:"p1"`
	P2     int `json:"p2"`
}

// Stage is one status of the active pipeline.
type Stage struct {
	Status       string  `json:"status"`
	Count        int     `json:"count"`
	AvgDaysStale float64 `json:"avg_days_stale"`
}

// Flagged is a defect called out by the scorecard.
type Flagged struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Owner     string `json:"owner"`
	Priority  string `json:"priority"`
	Status    string `json:"status"`
	AgeDays   int    `json:"age_days"`
	DaysStale int    `json:"days_stale"`
}

// OwnerScore is the scorecard of one internal owner.
type OwnerScore struct {
	Owner        string  `json:"owner"`
	OwnerRaw     string  `json:"owner_raw"`
	Active       int     `json:"active"`
	HighPriority int     `json:"high_priority"`
	MaxDaysStale int     `json:"max_days_stale"`
	AvgAge       float64 `json:"avg_age"`
}

// Party names used as Ownership keys.
const (
	PartyInternal = "internal"
	PartyVendor   = "vendor"
)

// ExecutiveReport is the executive scorecard.
type ExecutiveReport struct {
	Ownership            map[string]Party `json:"ownership"`
	Pipeline             []Stage          `json:"pipeline"`
	Blocked              []Flagged        `json:"blocked"`
	BlockedCount         int              `json:"blocked_count"`
	InternalOwners       []OwnerScore     `json:"internal_owners"`
	StaleInternal        []Flagged        `json:"stale_internal"`
	HighPriorityUnworked []Flagged        `json:"high_priority_unworked"`
}

// Executive builds the scorecard over active defects. An owner is internal
// when it contains cfg.InternalOwnerPattern, ignoring case; unowned defects
// belong to the vendor party. Staleness is days since last modification.
func Executive(ds []defect.Defect, now time.Time, cfg Config) ExecutiveReport {
	cfg = cfg.withDefaults()
	r := ExecutiveReport{
		Ownership:            map[string]Party{PartyInternal: {}, PartyVendor: {}},
		Pipeline:             []Stage{},
		Blocked:              []Flagged{},
		InternalOwners:       []OwnerScore{},
		StaleInternal:        []Flagged{},
		HighPriorityUnworked: []Flagged{},
	}

	type stageAcc struct {
		count int
		stale int
	}
	stages := map[string]*stageAcc{}
	var stageOrder []string
	type ownerAcc struct {
		score OwnerScore
		age   int
	}
	owners := map[string]*ownerAcc{}

	for _, d := range active(ds, cfg.Terminal) {
		internal := isInternal(d.Owner, cfg.InternalOwnerPattern)
		rank := d.PriorityRank()
		age, stale := ageDays(d, now), staleDays(d, now)
		flag := Flagged{ID: d.ID, Name: d.Name, Owner: d.Owner, Priority: d.Priority, Status: d.Status, AgeDays: age, DaysStale: stale}

		party := PartyVendor
		if internal {
			party = PartyInternal
		}
		p := r.Ownership[party]
		p.Active++
		switch rank {
		case 1:
			p.P1++
		case 2:
			p.P2++
		}
		r.Ownership[party] = p

		st, ok := stages[d.Status]
		if !ok {
			st = &stageAcc{}
			stages[d.Status] = st
			stageOrder = append(stageOrder, d.Status)
		}
		st.count++
		st.stale += stale

		if strings.EqualFold(d.Status, "blocked") {
			r.Blocked = append(r.Blocked, flag)
		}

		highPriority := rank == 1 || rank == 2
		if internal {
			oa, ok := owners[d.Owner]
			if !ok {
				oa = &ownerAcc{score: OwnerScore{Owner: FormatOwner(d.Owner, cfg.InternalOwnerPattern), OwnerRaw: d.Owner}}
				owners[d.Owner] = oa
			}
			oa.score.Active++
			if highPriority {
				oa.score.HighPriority++
			}
			oa.score.MaxDaysStale = max(oa.score.MaxDaysStale, stale)
			oa.age += age

			if stale >= cfg.StaleDays {
				f := flag
				f.Owner = FormatOwner(d.Owner, cfg.InternalOwnerPattern)
				r.StaleInternal = append(r.StaleInternal, f)
			}
		}
		if highPriority && strings.EqualFold(d.Status, "new") && age >= cfg.NewUnworkedDays {
			r.HighPriorityUnworked = append(r.HighPriorityUnworked, flag)
		}
	}

	for _, s := range stageOrder {
		acc := stages[s]
		r.Pipeline = append(r.Pipeline, Stage{Status: s, Count: acc.count, AvgDaysStale: round1(float64(acc.stale) / float64(acc.count))})
	}
	sort.SliceStable(r.Pipeline, func(i, j int) bool {
		if r.Pipeline[i].Count != r.Pipeline[j].Count {
			return r.Pipeline[i].Count > r.Pipeline[j].Count
		}
		return r.Pipeline[i].Status < r.Pipeline[j].Status
	})

	r.BlockedCount = len(r.Blocked)
	sort.SliceStable(r.Blocked, func(i, j int) bool {
		a, b := r.Blocked[i], r.Blocked[j]
		if ra, rb := defect.PriorityRank(a.Priority), defect.PriorityRank(b.Priority); ra != rb {
			return ra < rb
		}
		return a.DaysStale > b.DaysStale
	})
	r.Blocked = limit(r.Blocked, cfg.TopN)

	for _, oa := range owners {
		oa.score.AvgAge = round1(float64(oa.age) / float64(oa.score.Active))
		r.InternalOwners = append(r.InternalOwners, oa.score)
	}
	sort.Slice(r.InternalOwners, func(i, j int) bool {
		a, b := r.InternalOwners[i], r.InternalOwners[j]
		if a.HighPriority != b.HighPriority {
			return a.HighPriority > b.HighPriority
		}
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		return a.OwnerRaw < b.OwnerRaw
	})

	sort.SliceStable(r.StaleInternal, func(i, j int) bool { return r.StaleInternal[i].DaysStale > r.StaleInternal[j].DaysStale })
	r.StaleInternal = limit(r.StaleInternal, cfg.TopN)

	sort.SliceStable(r.HighPriorityUnworked, func(i, j int) bool {
		a, b := r.HighPriorityUnworked[i], r.HighPriorityUnworked[j]
		if ra, rb := defect.PriorityRank(a.Priority), defect.PriorityRank(b.Priority); ra != rb {
			return ra < rb
		}
		return a.AgeDays > b.AgeDays
	})
	r.HighPriorityUnworked = limit(r.HighPriorityUnworked, cfg.TopN)
	return r
}

func isInternal(owner, pattern string) bool {
	return owner != "" && pattern != "" && strings.Contains(strings.ToLower(owner), strings.ToLower(pattern))
}

func limit[T any](s []T, n int) []T {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}

// FormatOwner turns an owner login such as "john.doe_acme.com" into a
// display name ("John Doe"). The domain part after '_' or '@' is dropped
// when it contains pattern.
func FormatOwner(raw, pattern string) string {
	name := raw
	if i := strings.IndexAny(name, "_@"); i > 0 && (pattern == "" || strings.Contains(strings.ToLower(name[i+1:]), strings.ToLower(pattern))) {
		name = name[:i]
	}
	name = strings.NewReplacer(".", " ", "_", " ").Replace(name)
	return cases.Title(language.English).String(strings.Join(strings.Fields(name), " "))
}
