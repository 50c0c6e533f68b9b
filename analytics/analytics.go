// Package analytics computes read-side views over a defect set: summary
// statistics, burndown, velocity, aging, priority trend, the executive
// scorecard and kanban grouping.
//
// Every view is a pure function of the records and an explicit "now".
// Engine binds them to a record source for callers that serve the current
// generation.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/hazyhaar/defectmirror/defect"
)

// Config holds the thresholds and orderings the views depend on.
type Config struct {
	Terminal []string

	KanbanColumns []string
	KanbanHidden  []string

	InternalOwnerPattern string
	StaleDays            int
	NewUnworkedDays      int
	TopN                 int

	WindowDays    int
	HorizonDays   int
	VelocityWeeks int
	TrendWeeks    int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Terminal:             defect.DefaultTerminalStatuses,
		KanbanColumns:        []string{"New", "Open", "In Progress", "Blocked", "Fixed", "Retest", "Reopened", "Closed"},
		KanbanHidden:         []string{"rejected", "duplicate", "deferred"},
		InternalOwnerPattern: "convergint",
		StaleDays:            7,
		NewUnworkedDays:      2,
		TopN:                 10,
		WindowDays:           30,
		HorizonDays:          60,
		VelocityWeeks:        12,
		TrendWeeks:           12,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Terminal == nil {
		c.Terminal = d.Terminal
	}
	if c.KanbanColumns == nil {
		c.KanbanColumns = d.KanbanColumns
	}
	if c.KanbanHidden == nil {
		c.KanbanHidden = d.KanbanHidden
	}
	if c.InternalOwnerPattern == "" {
		c.InternalOwnerPattern = d.InternalOwnerPattern
	}
	if c.StaleDays <= 0 {
		c.StaleDays = d.StaleDays
	}
	if c.NewUnworkedDays <= 0 {
		c.NewUnworkedDays = d.NewUnworkedDays
	}
	if c.TopN <= 0 {
		c.TopN = d.TopN
	}
	if c.WindowDays <= 0 {
		c.WindowDays = d.WindowDays
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = d.HorizonDays
	}
	if c.VelocityWeeks <= 0 {
		c.VelocityWeeks = d.VelocityWeeks
	}
	if c.TrendWeeks <= 0 {
		c.TrendWeeks = d.TrendWeeks
	}
	return c
}

// Source yields the full record set of the current generation.
type Source interface {
	All(ctx context.Context) ([]defect.Defect, error)
}

// Engine evaluates the views over a Source.
type Engine struct {
	src Source
	cfg Config
}

// NewEngine returns an Engine. Zero fields of cfg take their defaults.
func NewEngine(src Source, cfg Config) *Engine {
	return &Engine{src: src, cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Stats summarises the current generation.
func (e *Engine) Stats(ctx context.Context, opts StatsOptions) (Summary, error) {
	ds, err := e.src.All(ctx)
	if err != nil {
		return Summary{}, err
	}
	if opts.TopN <= 0 {
		opts.TopN = e.cfg.TopN
	}
	return Stats(ds, e.cfg.Terminal, opts), nil
}

// Burndown returns the burndown series with its projection.
func (e *Engine) Burndown(ctx context.Context) (BurndownSeries, error) {
	ds, err := e.src.All(ctx)
	if err != nil {
		return BurndownSeries{}, err
	}
	return Burndown(ds, e.cfg), nil
}

// Velocity returns weekly throughput up to now.
func (e *Engine) Velocity(ctx context.Context, now time.Time) (VelocityReport, error) {
	ds, err := e.src.All(ctx)
	if err != nil {
		return VelocityReport{}, err
	}
	return Velocity(ds, e.cfg.Terminal, now, e.cfg.VelocityWeeks), nil
}

// Aging buckets the active defects by age at now.
func (e *Engine) Aging(ctx context.Context, now time.Time) (AgingReport, error) {
	ds, err := e.src.All(ctx)
	if err != nil {
		return AgingReport{}, err
	}
	return Aging(ds, e.cfg.Terminal, now), nil
}

// PriorityTrend returns weekly active counts per priority band.
func (e *Engine) PriorityTrend(ctx context.Context, now time.Time) (TrendReport, error) {
	ds, err := e.src.All(ctx)
	if err != nil {
		return TrendReport{}, err
	}
	return PriorityTrend(ds, e.cfg.Terminal, now, e.cfg.TrendWeeks), nil
}

// Executive returns the executive scorecard at now.
func (e *Engine) Executive(ctx context.Context, now time.Time) (ExecutiveReport, error) {
	ds, err := e.src.All(ctx)
	if err != nil {
		return ExecutiveReport{}, err
	}
	return Executive(ds, now, e.cfg), nil
}

// Kanban groups the current generation into a board.
func (e *Engine) Kanban(ctx context.Context, lane string, includeHidden bool) (Board, error) {
	if err := checkLane(lane); err != nil {
		return Board{}, err
	}
	ds, err := e.src.All(ctx)
	if err != nil {
		return Board{}, err
	}
	return Kanban(ds, e.cfg, lane, includeHidden)
}

// daysBetween returns the whole days from t to now, never negative.
func daysBetween(t, now time.Time) int {
	d := int(now.Sub(t).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// ageDays is the age of d at now, from creation. Undated defects age from
// their last modification, or not at all.
func ageDays(d defect.Defect, now time.Time) int {
	if t, ok := d.CreatedAt(); ok {
		return daysBetween(t, now)
	}
	if t, ok := d.ModifiedAt(); ok {
		return daysBetween(t, now)
	}
	return 0
}

// staleDays is the time since d was last touched.
func staleDays(d defect.Defect, now time.Time) int {
	if t, ok := d.ModifiedAt(); ok {
		return daysBetween(t, now)
	}
	return ageDays(d, now)
}

func round1(f float64) float64 { return math.Round(f*10) / 10 }

func round2(f float64) float64 { return math.Round(f*100) / 100 }

func day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// weekStart returns the Monday starting t's ISO week.
func weekStart(t time.Time) time.Time {
	t = day(t.UTC())
	offset := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -offset)
}

func weekLabel(t time.Time) string {
	y, w := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}

// active returns the defects that still need work, in id order.
func active(ds []defect.Defect, terminal []string) []defect.Defect {
	var out []defect.Defect
	for _, d := range ds {
		if d.IsActive(terminal) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
