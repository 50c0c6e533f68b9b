// Package idgen produces the identifiers the mirror hands out: UUIDv7 sync
// run ids and second-resolution generation stamps.
package idgen

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 v7 UUIDs (time-sortable).
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every id of gen, e.g. "sync_".
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// SyncID is the generator used for sync run identifiers.
var SyncID Generator = Prefixed("sync_", UUIDv7())

// StampLayout is the time layout of a generation id.
const StampLayout = "20060102-150405"

var generationRe = regexp.MustCompile(`^(\d{8}-\d{6})(?:-(\d+))?$`)

// Generation returns the id for a generation synced at t. If exists reports
// the plain stamp as taken, "-2", "-3", ... are tried in order.
func Generation(t time.Time, exists func(id string) bool) string {
	stamp := t.UTC().Format(StampLayout)
	if exists == nil || !exists(stamp) {
		return stamp
	}
	for n := 2; ; n++ {
		id := stamp + "-" + strconv.Itoa(n)
		if !exists(id) {
			return id
		}
	}
}

// ParseGeneration validates a generation id and returns its sync time and
// collision counter (1 when there is no suffix).
func ParseGeneration(id string) (time.Time, int, error) {
	m := generationRe.FindStringSubmatch(id)
	if m == nil {
		return time.Time{}, 0, fmt.Errorf("idgen: malformed generation id %q", id)
	}
	t, err := time.Parse(StampLayout, m[1])
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("idgen: generation id %q: %w", id, err)
	}
	seq := 1
	if m[2] != "" {
		seq, _ = strconv.Atoi(m[2])
	}
	return t, seq, nil
}

// CompareGenerations orders generation ids chronologically, collisions by
// counter. It returns -1, 0 or +1; malformed ids sort first.
func CompareGenerations(a, b string) int {
	ta, sa, ea := ParseGeneration(a)
	tb, sb, eb := ParseGeneration(b)
	switch {
	case ea != nil || eb != nil:
		return compareStrings(a, b)
	case ta.Before(tb):
		return -1
	case ta.After(tb):
		return 1
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
