package index

import (
	"fmt"
	"strconv"
	"strings"
)

// Filter selects defects. Fields are ANDed; values within a field are ORed.
// Status and priority match exactly, ignoring case. Owner, module,
// workstream and defect type match by case-insensitive substring.
//
// A status value prefixed with "!" negates: "!terminal" and "!hidden" name
// the status groups of the same name, any other "!x" excludes status x.
// Negated values are ANDed and never match a defect without status.
type Filter struct {
	Status      []string
	Priority    []string
	Owner       []string
	Module      []string
	Workstream  []string
	DefectType  []string
	Scenario    []string
	Integration []string
	Blocks      []int
}

// IsZero reports whether f selects every defect.
func (f Filter) IsZero() bool {
	return len(f.Status) == 0 && len(f.Priority) == 0 && len(f.Owner) == 0 &&
		len(f.Module) == 0 && len(f.Workstream) == 0 && len(f.DefectType) == 0 &&
		len(f.Scenario) == 0 && len(f.Integration) == 0 && len(f.Blocks) == 0
}

// StatusGroups resolves the named groups used by negation tokens.
type StatusGroups struct {
	Terminal []string
	Hidden   []string
}

// Where is a compiled SQL predicate over the defects table aliased "d".
type Where struct {
	Clause string
	Args   []any
}

// Compile turns f into a Where.
func (f Filter) Compile(groups StatusGroups) Where {
	var b whereBuilder

	if len(f.Status) > 0 {
		var in []string
		for _, v := range f.Status {
			neg, ok := strings.CutPrefix(v, "!")
			if !ok {
				in = append(in, v)
				continue
			}
			switch strings.ToLower(neg) {
			case "terminal":
				b.excludeStatuses(groups.Terminal)
			case "hidden":
				b.excludeStatuses(groups.Hidden)
			default:
				b.excludeStatuses([]string{neg})
			}
		}
		b.exact("d.status", in)
	}
	b.exact("d.priority", f.Priority)
	b.substring("d.owner", f.Owner)
	b.substring("d.module", f.Module)
	b.substring("d.workstream", f.Workstream)
	b.substring("d.defect_type", f.DefectType)
	b.member("d.scenarios", upper(f.Scenario))
	b.member("d.integrations", upper(f.Integration))
	if len(f.Blocks) > 0 {
		ids := make([]string, len(f.Blocks))
		for i, id := range f.Blocks {
			ids[i] = strconv.Itoa(id)
		}
		b.member("d.blocks", ids)
	}
	return b.where()
}

type whereBuilder struct {
	conds []string
	args  []any
}

func (b *whereBuilder) exact(col string, values []string) {
	if len(values) == 0 {
		return
	}
	ph := make([]string, len(values))
	for i, v := range values {
		ph[i] = "?"
		b.args = append(b.args, strings.ToLower(v))
	}
	b.conds = append(b.conds, fmt.Sprintf("lower(%s) IN (%s)", col, strings.Join(ph, ",")))
}

func (b *whereBuilder) excludeStatuses(values []string) {
	if len(values) == 0 {
		b.conds = append(b.conds, "d.status IS NOT NULL")
		return
	}
	ph := make([]string, len(values))
	for i, v := range values {
		ph[i] = "?"
		b.args = append(b.args, strings.ToLower(v))
	}
	b.conds = append(b.conds, fmt.Sprintf("(d.status IS NOT NULL AND lower(d.status) NOT IN (%s))", strings.Join(ph, ",")))
}

func (b *whereBuilder) substring(col string, values []string) {
	if len(values) == 0 {
		return
	}
	ors := make([]string, len(values))
	for i, v := range values {
		ors[i] = fmt.Sprintf("instr(lower(%s), ?) > 0", col)
		b.args = append(b.args, strings.ToLower(v))
	}
	b.conds = append(b.conds, "("+strings.Join(ors, " OR ")+")")
}

func (b *whereBuilder) member(col string, values []string) {
	if len(values) == 0 {
		return
	}
	ors := make([]string, len(values))
	for i, v := range values {
		ors[i] = fmt.Sprintf("instr(%s, ?) > 0", col)
		b.args = append(b.args, ","+v+",")
	}
	b.conds = append(b.conds, "("+strings.Join(ors, " OR ")+")")
}

func (b *whereBuilder) where() Where {
	if len(b.conds) == 0 {
		return Where{Clause: "1=1"}
	}
	return Where{Clause: strings.Join(b.conds, " AND "), Args: b.args}
}

func upper(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToUpper(strings.TrimSpace(v))
	}
	return out
}

// Order is a sort specification. The zero Order is the triage ordering:
// priority rank, then creation time (undated last), then id.
type Order struct {
	Field string
	Desc  bool
}

var sortColumns = map[string]string{
	"id":          "d.id",
	"name":        "d.name",
	"status":      "d.status",
	"priority":    "d.priority_rank",
	"severity":    "d.severity",
	"owner":       "d.owner",
	"detected_by": "d.detected_by",
	"module":      "d.module",
	"workstream":  "d.workstream",
	"defect_type": "d.defect_type",
	"application": "d.application",
	"created":     "d.created",
	"modified":    "d.modified",
	"closed":      "d.closed",
	"target_date": "d.target_date",
}

// SortFields lists the field names accepted by Order.
func SortFields() []string {
	return []string{"id", "name", "status", "priority", "severity", "owner", "detected_by",
		"module", "workstream", "defect_type", "application", "created", "modified", "closed", "target_date"}
}

// IsSortField reports whether name is a valid Order field.
func IsSortField(name string) bool {
	_, ok := sortColumns[name]
	return ok
}

// SQL renders the ORDER BY list. Nulls sort last in both directions and id
// breaks every tie, so the order is total.
func (o Order) SQL() (string, error) {
	if o.Field == "" {
		return "d.priority_rank ASC, d.created IS NULL, d.created ASC, d.id ASC", nil
	}
	col, ok := sortColumns[o.Field]
	if !ok {
		return "", fmt.Errorf("index: unknown sort field %q", o.Field)
	}
	dir := "ASC"
	if o.Desc {
		dir = "DESC"
	}
	if col == "d.id" {
		return "d.id " + dir, nil
	}
	if col == "d.priority_rank" {
		return fmt.Sprintf("d.priority_rank %s, d.id ASC", dir), nil
	}
	return fmt.Sprintf("%s IS NULL, %s %s, d.id ASC", col, col, dir), nil
}

// MatchQuery turns free text into an FTS5 query: each word becomes a quoted
// prefix term, all terms required. It returns "" when no words remain.
func MatchQuery(text string) string {
	words := strings.Fields(strings.ReplaceAll(text, `"`, " "))
	if len(words) == 0 {
		return ""
	}
	terms := make([]string, len(words))
	for i, w := range words {
		terms[i] = `"` + w + `"*`
	}
	return strings.Join(terms, " ")
}
