// Package defect holds the canonical defect record and the pure functions
// that turn a raw tracker entity into one.
package defect

import (
	"strconv"
	"strings"
	"time"
)

// Defect is the normalised record stored in every generation. Empty strings
// stand for absent values.
type Defect struct {
	ID              int    `json:"id"`
	Name            string `json:"name"`
	Status          string `json:"status,omitempty"`
	Priority        string `json:"priority,omitempty"`
	Severity        string `json:"severity,omitempty"`
	Owner           string `json:"owner,omitempty"`
	DetectedBy      string `json:"detected_by,omitempty"`
	Description     string `json:"description,omitempty"`
	DescriptionHTML string `json:"description_html,omitempty"`
	DevComments     string `json:"dev_comments,omitempty"`
	DevCommentsHTML string `json:"dev_comments_html,omitempty"`
	Created         string `json:"created,omitempty"`
	Modified        string `json:"modified,omitempty"`
	Closed          string `json:"closed,omitempty"`

	Reproducible   string `json:"reproducible,omitempty"`
	Attachment     string `json:"attachment,omitempty"`
	DetectedInRel  string `json:"detected_in_rel,omitempty"`
	DetectedInRcyc string `json:"detected_in_rcyc,omitempty"`
	ActualFixTime  *int   `json:"actual_fix_time,omitempty"`

	DefectType  string `json:"defect_type,omitempty"`
	Application string `json:"application,omitempty"`
	Workstream  string `json:"workstream,omitempty"`
	Module      string `json:"module,omitempty"`
	TargetDate  string `json:"target_date,omitempty"`

	// Derived from Name and Description by Derive.
	Scenarios    []string `json:"scenarios"`
	Blocks       []int    `json:"blocks"`
	Integrations []string `json:"integrations"`
	DisplayName  string   `json:"display_name"`
}

// DefaultTerminalStatuses are the statuses of defects that will see no more work.
var DefaultTerminalStatuses = []string{"closed", "rejected", "duplicate", "deferred"}

// UnrankedPriority sorts after every recognised priority band.
const UnrankedPriority = 999

// PriorityRank maps "P1-Critical" to 1, "p3" to 3 and anything else to
// UnrankedPriority.
func PriorityRank(priority string) int {
	p := strings.TrimSpace(priority)
	if len(p) < 2 || (p[0] != 'P' && p[0] != 'p') {
		return UnrankedPriority
	}
	end := 1
	for end < len(p) && p[end] >= '0' && p[end] <= '9' {
		end++
	}
	if end == 1 {
		return UnrankedPriority
	}
	n, err := strconv.Atoi(p[1:end])
	if err != nil {
		return UnrankedPriority
	}
	return n
}

// PriorityRank returns the triage rank of the defect's priority.
func (d Defect) PriorityRank() int { return PriorityRank(d.Priority) }

// IsActive reports whether the defect has a status outside terminal.
// Defects without a status are not active.
func (d Defect) IsActive(terminal []string) bool {
	if d.Status == "" {
		return false
	}
	return !ContainsFold(terminal, d.Status)
}

// IsTerminal reports whether the defect's status is one of terminal.
func (d Defect) IsTerminal(terminal []string) bool {
	return d.Status != "" && ContainsFold(terminal, d.Status)
}

// CreatedAt parses Created.
func (d Defect) CreatedAt() (time.Time, bool) { return ParseTime(d.Created) }

// ModifiedAt parses Modified.
func (d Defect) ModifiedAt() (time.Time, bool) { return ParseTime(d.Modified) }

// ClosedAt parses Closed.
func (d Defect) ClosedAt() (time.Time, bool) { return ParseTime(d.Closed) }

// ResolvedAt is the closing date, or the last modification for defects that
// reached a terminal status without one.
func (d Defect) ResolvedAt() (time.Time, bool) {
	if t, ok := d.ClosedAt(); ok {
		return t, true
	}
	return d.ModifiedAt()
}

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// ParseTime accepts the timestamp shapes the tracker emits. Times without a
// zone are read as UTC.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ContainsFold reports whether list contains s, ignoring case.
func ContainsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
