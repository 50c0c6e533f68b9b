package analytics

import (
	"time"

	"github.com/hazyhaar/defectmirror/defect"
)

const dayLayout = "2006-01-02"

// Prediction projects the open count forward from the last observed day.
// Dates[0] is that day and OpenCount[0] its observed value.
type Prediction struct {
	Dates          []string  `json:"dates"`
	OpenCount      []float64 `json:"open_count"`
	DailyOpenRate  float64   `json:"daily_open_rate"`
	DailyCloseRate float64   `json:"daily_close_rate"`
	NetBurnRate    float64   `json:"net_burn_rate"`
}

// BurndownSeries is one point per day from the earliest to the latest
// opening or resolution.
type BurndownSeries struct {
	Dates            []string    `json:"dates"`
	CumulativeOpened []int       `json:"cumulative_opened"`
	CumulativeClosed []int       `json:"cumulative_closed"`
	OpenCount        []int       `json:"open_count"`
	Prediction       *Prediction `json:"prediction"`
}

// Burndown builds the daily series. Defects open on their creation day and
// close on their resolution day when their status is terminal. Once the
// series spans cfg.WindowDays the trailing window's rates are extrapolated
// for up to cfg.HorizonDays, stopping at zero when burning down or at twice
// the current open count when burning up.
func Burndown(ds []defect.Defect, cfg Config) BurndownSeries {
	cfg = cfg.withDefaults()
	opened := map[time.Time]int{}
	closed := map[time.Time]int{}
	var first, last time.Time
	see := func(t time.Time) {
		if first.IsZero() || t.Before(first) {
			first = t
		}
		if t.After(last) {
			last = t
		}
	}
	for _, d := range ds {
		if t, ok := d.CreatedAt(); ok {
			t = day(t)
			opened[t]++
			see(t)
		}
		if d.IsTerminal(cfg.Terminal) {
			if t, ok := d.ResolvedAt(); ok {
				t = day(t)
				closed[t]++
				see(t)
			}
		}
	}

	s := BurndownSeries{Dates: []string{}, CumulativeOpened: []int{}, CumulativeClosed: []int{}, OpenCount: []int{}}
	if first.IsZero() {
		return s
	}
	var totOpened, totClosed int
	for t := first; !t.After(last); t = t.AddDate(0, 0, 1) {
		totOpened += opened[t]
		totClosed += closed[t]
		s.Dates = append(s.Dates, t.Format(dayLayout))
		s.CumulativeOpened = append(s.CumulativeOpened, totOpened)
		s.CumulativeClosed = append(s.CumulativeClosed, totClosed)
		s.OpenCount = append(s.OpenCount, totOpened-totClosed)
	}

	n := len(s.Dates)
	w := cfg.WindowDays
	if n < w {
		return s
	}
	openRate := float64(s.CumulativeOpened[n-1]-s.CumulativeOpened[n-w]) / float64(w)
	closeRate := float64(s.CumulativeClosed[n-1]-s.CumulativeClosed[n-w]) / float64(w)
	net := closeRate - openRate
	current := float64(s.OpenCount[n-1])

	p := &Prediction{
		Dates:          []string{s.Dates[n-1]},
		OpenCount:      []float64{current},
		DailyOpenRate:  round2(openRate),
		DailyCloseRate: round2(closeRate),
		NetBurnRate:    round2(net),
	}
	projected := current
	t := last
	for i := 0; i < cfg.HorizonDays; i++ {
		t = t.AddDate(0, 0, 1)
		projected -= net
		if projected < 0 {
			projected = 0
		}
		p.Dates = append(p.Dates, t.Format(dayLayout))
		p.OpenCount = append(p.OpenCount, round1(projected))
		if net > 0 && projected <= 0 {
			break
		}
		if net < 0 && projected > current*2 {
			break
		}
	}
	s.Prediction = p
	return s
}

// Week is one week of throughput.
type Week struct {
	Week     string `json:"week"`
	Start    string `json:"start"`
	Opened   int    `json:"opened"`
	Resolved int    `json:"resolved"`
	Net      int    `json:"net"`
}

// VelocityReport is the velocity view. Averages are over every week in the
// window, including empty ones.
type VelocityReport struct {
	Weeks              []Week  `json:"weeks"`
	AvgOpenedPerWeek   float64 `json:"avg_opened_per_week"`
	AvgResolvedPerWeek float64 `json:"avg_resolved_per_week"`
	AvgNetPerWeek      float64 `json:"avg_net_per_week"`
}

// Velocity counts openings and resolutions per ISO week over the last weeks
// weeks, the current week included. Net is resolved minus opened.
func Velocity(ds []defect.Defect, terminal []string, now time.Time, weeks int) VelocityReport {
	if weeks <= 0 {
		weeks = DefaultConfig().VelocityWeeks
	}
	start := weekStart(now).AddDate(0, 0, -7*(weeks-1))
	r := VelocityReport{Weeks: make([]Week, weeks)}
	for i := range r.Weeks {
		ws := start.AddDate(0, 0, 7*i)
		r.Weeks[i] = Week{Week: weekLabel(ws), Start: ws.Format(dayLayout)}
	}
	slot := func(t time.Time) int {
		if t.Before(start) {
			return -1
		}
		i := int(weekStart(t).Sub(start).Hours() / (24 * 7))
		if i >= weeks {
			return -1
		}
		return i
	}

	for _, d := range ds {
		if t, ok := d.CreatedAt(); ok {
			if i := slot(t); i >= 0 {
				r.Weeks[i].Opened++
			}
		}
		if d.IsTerminal(terminal) {
			if t, ok := d.ResolvedAt(); ok {
				if i := slot(t); i >= 0 {
					r.Weeks[i].Resolved++
				}
			}
		}
	}

	var opened, resolved int
	for i := range r.Weeks {
		r.Weeks[i].Net = r.Weeks[i].Resolved - r.Weeks[i].Opened
		opened += r.Weeks[i].Opened
		resolved += r.Weeks[i].Resolved
	}
	r.AvgOpenedPerWeek = round1(float64(opened) / float64(weeks))
	r.AvgResolvedPerWeek = round1(float64(resolved) / float64(weeks))
	r.AvgNetPerWeek = round1(float64(resolved-opened) / float64(weeks))
	return r
}

// TrendWeek counts the defects open at the end of a week by priority band.
type TrendWeek struct {
	Week  string `json:"week"`
	P1    int    `json:"P1"`
	P2    int    `json:"P2"`
	P3    int    `json:"P3"`
	P4    int    `json:"P4"`
	Total int    `json:"total"`
}

// TrendReport is the priority trend view.
type TrendReport struct {
	Weeks []TrendWeek `json:"weeks"`
}

// PriorityTrend reconstructs, for each of the last weeks weeks, how many
// defects were open at the week's end. A defect was open if it had been
// created by then and is either still active or was resolved later.
// Defects outside the four bands count toward Total only.
func PriorityTrend(ds []defect.Defect, terminal []string, now time.Time, weeks int) TrendReport {
	if weeks <= 0 {
		weeks = DefaultConfig().TrendWeeks
	}
	start := weekStart(now).AddDate(0, 0, -7*(weeks-1))
	r := TrendReport{Weeks: make([]TrendWeek, weeks)}
	for i := range r.Weeks {
		ws := start.AddDate(0, 0, 7*i)
		end := ws.AddDate(0, 0, 7)
		tw := TrendWeek{Week: ws.Format(dayLayout)}
		for _, d := range ds {
			created, ok := d.CreatedAt()
			if !ok || !created.Before(end) {
				continue
			}
			if !openAt(d, terminal, end) {
				continue
			}
			switch d.PriorityRank() {
			case 1:
				tw.P1++
			case 2:
				tw.P2++
			case 3:
				tw.P3++
			case 4:
				tw.P4++
			}
			tw.Total++
		}
		r.Weeks[i] = tw
	}
	return r
}

func openAt(d defect.Defect, terminal []string, t time.Time) bool {
	if d.IsActive(terminal) {
		return true
	}
	if !d.IsTerminal(terminal) {
		return false
	}
	resolved, ok := d.ResolvedAt()
	return ok && !resolved.Before(t)
}
