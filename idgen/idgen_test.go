package idgen

import (
	"strings"
	"testing"
	"time"
)

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	if len(id) != 36 || len(strings.Split(id, "-")) != 5 {
		t.Fatalf("UUIDv7: unexpected format %q", id)
	}
}

func TestSyncID(t *testing.T) {
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := SyncID()
		if !strings.HasPrefix(id, "sync_") {
			t.Fatalf("SyncID: missing prefix in %q", id)
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("SyncID: duplicate at iteration %d", i)
		}
		seen[id] = struct{}{}
	}
}

func TestGeneration(t *testing.T) {
	at := time.Date(2024, 3, 5, 14, 7, 9, 0, time.FixedZone("CET", 3600))
	if got := Generation(at, nil); got != "20240305-130709" {
		t.Fatalf("Generation: got %q", got)
	}

	taken := map[string]bool{"20240305-130709": true, "20240305-130709-2": true}
	got := Generation(at, func(id string) bool { return taken[id] })
	if got != "20240305-130709-3" {
		t.Fatalf("Generation with collisions: got %q", got)
	}
}

func TestParseGeneration(t *testing.T) {
	tm, seq, err := ParseGeneration("20240305-130709-3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if seq != 3 || !tm.Equal(time.Date(2024, 3, 5, 13, 7, 9, 0, time.UTC)) {
		t.Errorf("got %v seq %d", tm, seq)
	}
	for _, bad := range []string{"", "latest", "2024-03-05", "20240305-130709-x", "../20240305-130709"} {
		if _, _, err := ParseGeneration(bad); err == nil {
			t.Errorf("ParseGeneration(%q): want error", bad)
		}
	}
}

func TestCompareGenerations(t *testing.T) {
	if CompareGenerations("20240305-130709", "20240305-130710") != -1 {
		t.Error("earlier stamp should sort first")
	}
	if CompareGenerations("20240305-130709-10", "20240305-130709-2") != 1 {
		t.Error("counter should compare numerically")
	}
	if CompareGenerations("20240305-130709", "20240305-130709-2") != -1 {
		t.Error("plain stamp precedes its first collision")
	}
}
