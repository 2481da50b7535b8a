package connection

import (
	"path/filepath"
	"testing"
	"time"
)

func TestNextBackoffDoublesUntilCap(t *testing.T) {
	d := backoffInitial
	for i := 0; i < 10; i++ {
		d = nextBackoff(d)
	}
	if d != backoffMax {
		t.Fatalf("backoff = %v, want capped at %v", d, backoffMax)
	}
}

func TestNextBackoffNeverExceedsMax(t *testing.T) {
	if got := nextBackoff(backoffMax); got != backoffMax {
		t.Fatalf("nextBackoff(max) = %v, want %v", got, backoffMax)
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		got := jitter(base)
		lower := time.Duration(float64(base) * (1 - jitterFraction))
		upper := time.Duration(float64(base) * (1 + jitterFraction))
		if got < lower || got > upper {
			t.Fatalf("jitter(%v) = %v, want within [%v, %v]", base, got, lower, upper)
		}
	}
}

func TestSaveAndLoadStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := saveState(dir, agentState{AgentID: "agent-42"}); err != nil {
		t.Fatal(err)
	}
	got, err := loadState(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got.AgentID != "agent-42" {
		t.Fatalf("agent id = %q, want agent-42", got.AgentID)
	}
}

func TestLoadStateMissingFileReturnsZeroValue(t *testing.T) {
	dir := t.TempDir()
	got, err := loadState(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got.AgentID != "" {
		t.Fatalf("agent id = %q, want empty", got.AgentID)
	}
}

func TestSaveStateOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	if err := saveState(dir, agentState{AgentID: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := saveState(dir, agentState{AgentID: "second"}); err != nil {
		t.Fatal(err)
	}
	got, err := loadState(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got.AgentID != "second" {
		t.Fatalf("agent id = %q, want second", got.AgentID)
	}

	// No leftover temp files from the rename-based write.
	matches, err := filepath.Glob(filepath.Join(dir, "agent-state.*.tmp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Fatalf("leftover temp files: %v", matches)
	}
}
