package cueschedule

import (
	"testing"
	"time"
)

func TestCueNextRunOneShot(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := Cue{FireAt: now.Add(time.Hour)}

	next, ok := c.NextRun(now)
	if !ok {
		t.Fatal("expected a future run")
	}
	if !next.Equal(now.Add(time.Hour)) {
		t.Errorf("next = %v, want %v", next, now.Add(time.Hour))
	}

	_, ok = c.NextRun(now.Add(2 * time.Hour))
	if ok {
		t.Error("expected no future run once fire time has passed")
	}
}

func TestCueNextRunRecurring(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := Cue{
		Recurring: true,
		FireAt:    base,
		Interval:  Duration{10 * time.Minute},
	}

	next, ok := c.NextRun(base.Add(25 * time.Minute))
	if !ok {
		t.Fatal("expected a future run for recurring cue")
	}
	want := base.Add(30 * time.Minute)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestDurationJSONRoundTrip(t *testing.T) {
	d := Duration{90 * time.Second}
	b, err := d.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}

	var got Duration
	if err := got.UnmarshalJSON(b); err != nil {
		t.Fatal(err)
	}
	if got.Duration != d.Duration {
		t.Errorf("got %v, want %v", got.Duration, d.Duration)
	}
}
