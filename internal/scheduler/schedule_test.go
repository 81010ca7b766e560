package scheduler

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, expr string) Schedule {
	t.Helper()
	s, err := Parse(expr)
	if err != nil {
		t.Fatalf("Parse(%q): %v", expr, err)
	}
	return s
}

func TestParseRejectsInvalid(t *testing.T) {
	for _, expr := range []string{"", "25:00", "09:61", "@every -1h", "@every nonsense", "morning"} {
		if _, err := Parse(expr); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", expr)
		}
	}
}

func TestNextDaily(t *testing.T) {
	sched := mustParse(t, "09:00")
	ref := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)

	next := sched.Next(ref)
	want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next before fire time = %v, want %v", next, want)
	}

	// After (or exactly at) today's time, the next fire is tomorrow.
	next = sched.Next(want)
	wantTomorrow := want.AddDate(0, 0, 1)
	if !next.Equal(wantTomorrow) {
		t.Errorf("Next at fire time = %v, want %v", next, wantTomorrow)
	}
}

func TestNextEvery(t *testing.T) {
	sched := mustParse(t, "@every 6h")
	ref := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	next := sched.Next(ref)
	if want := ref.Add(6 * time.Hour); !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestNextStrictlyIncreases(t *testing.T) {
	for _, expr := range []string{"09:00", "00:00", "@every 1m"} {
		sched := mustParse(t, expr)
		now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
		for i := 0; i < 5; i++ {
			next := sched.Next(now)
			if !next.After(now) {
				t.Fatalf("%s: Next(%v) = %v, not strictly after", expr, now, next)
			}
			now = next
		}
	}
}
