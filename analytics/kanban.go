package analytics

import (
	"sort"
	"strings"

	"github.com/hazyhaar/defectmirror/defect"
)

// Lane fields accepted by Kanban.
var LaneFields = []string{"priority", "owner", "module", "workstream"}

// NoStatusColumn holds defects without a status.
const NoStatusColumn = "(none)"

// Card is a defect as shown on the board.
type Card struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Priority   string `json:"priority"`
	Owner      string `json:"owner"`
	Module     string `json:"module"`
	Workstream string `json:"workstream"`
	Created    string `json:"created"`
	Modified   string `json:"modified"`
}

// Cell is the cards of one column within a lane.
type Cell struct {
	Column string `json:"column"`
	Cards  []Card `json:"cards"`
}

// Lane is one row of the board. A board without a lane field has a single
// lane with an empty Value. NoLane marks the lane of defects whose lane
// field is empty.
type Lane struct {
	Value  string `json:"value"`
	NoLane bool   `json:"no_lane"`
	Cells  []Cell `json:"cells"`
}

// Board is the kanban view.
type Board struct {
	Columns   []string `json:"columns"`
	LaneField string   `json:"lane_field"`
	Lanes     []Lane   `json:"lanes"`
	Total     int      `json:"total"`
}

func checkLane(lane string) error {
	if lane == "" {
		return nil
	}
	for _, f := range LaneFields {
		if lane == f {
			return nil
		}
	}
	return defect.Invalid("lane", lane, "lane must be one of: "+strings.Join(LaneFields, ", "))
}

func laneValue(d defect.Defect, field string) string {
	switch field {
	case "priority":
		return d.Priority
	case "owner":
		return d.Owner
	case "module":
		return d.Module
	case "workstream":
		return d.Workstream
	}
	return ""
}

// Kanban groups defects into status columns and, when lane is set, into
// lanes by that field. Columns follow cfg.KanbanColumns, matched ignoring
// case and limited to statuses present; other statuses follow in name
// order, then NoStatusColumn. Statuses in cfg.KanbanHidden are left out
// unless includeHidden. Defects with an empty lane value go to a final
// NoLane lane.
func Kanban(ds []defect.Defect, cfg Config, lane string, includeHidden bool) (Board, error) {
	if err := checkLane(lane); err != nil {
		return Board{}, err
	}
	cfg = cfg.withDefaults()

	var cards []defect.Defect
	for _, d := range ds {
		if !includeHidden && d.Status != "" && defect.ContainsFold(cfg.KanbanHidden, d.Status) {
			continue
		}
		cards = append(cards, d)
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].ID < cards[j].ID })

	// column name per lower-cased status
	present := map[string]string{}
	noStatus := false
	for _, d := range cards {
		if d.Status == "" {
			noStatus = true
			continue
		}
		k := strings.ToLower(d.Status)
		if prev, ok := present[k]; !ok || d.Status < prev {
			present[k] = d.Status
		}
	}
	b := Board{Columns: []string{}, LaneField: lane, Lanes: []Lane{}, Total: len(cards)}
	column := map[string]string{}
	for _, c := range cfg.KanbanColumns {
		k := strings.ToLower(c)
		if _, ok := present[k]; ok {
			if _, dup := column[k]; !dup {
				b.Columns = append(b.Columns, c)
				column[k] = c
			}
		}
	}
	var adhoc []string
	for k, s := range present {
		if _, ok := column[k]; !ok {
			adhoc = append(adhoc, s)
			column[k] = s
		}
	}
	sort.Strings(adhoc)
	b.Columns = append(b.Columns, adhoc...)
	if noStatus {
		b.Columns = append(b.Columns, NoStatusColumn)
	}

	colIdx := make(map[string]int, len(b.Columns))
	for i, c := range b.Columns {
		colIdx[c] = i
	}
	newLane := func(value string, noLane bool) *Lane {
		l := &Lane{Value: value, NoLane: noLane, Cells: make([]Cell, len(b.Columns))}
		for i, c := range b.Columns {
			l.Cells[i] = Cell{Column: c, Cards: []Card{}}
		}
		return l
	}

	lanes := map[string]*Lane{}
	var noLane *Lane
	for _, d := range cards {
		col := NoStatusColumn
		if d.Status != "" {
			col = column[strings.ToLower(d.Status)]
		}
		var l *Lane
		v := laneValue(d, lane)
		switch {
		case lane != "" && v == "":
			if noLane == nil {
				noLane = newLane("", true)
			}
			l = noLane
		default:
			if l = lanes[v]; l == nil {
				l = newLane(v, false)
				lanes[v] = l
			}
		}
		cell := &l.Cells[colIdx[col]]
		cell.Cards = append(cell.Cards, card(d))
	}

	values := make([]string, 0, len(lanes))
	for v := range lanes {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool {
		if lane == "priority" {
			if ri, rj := defect.PriorityRank(values[i]), defect.PriorityRank(values[j]); ri != rj {
				return ri < rj
			}
		}
		return values[i] < values[j]
	})
	for _, v := range values {
		b.Lanes = append(b.Lanes, *lanes[v])
	}
	if noLane != nil {
		b.Lanes = append(b.Lanes, *noLane)
	}
	return b, nil
}

func card(d defect.Defect) Card {
	return Card{
		ID:         d.ID,
		Name:       d.Name,
		Status:     d.Status,
		Priority:   d.Priority,
		Owner:      d.Owner,
		Module:     d.Module,
		Workstream: d.Workstream,
		Created:    d.Created,
		Modified:   d.Modified,
	}
}

// Cell returns the cards at column within the lane, or nil.
func (l Lane) Cell(column string) []Card {
	for _, c := range l.Cells {
		if strings.EqualFold(c.Column, column) {
			return c.Cards
		}
	}
	return nil
}
