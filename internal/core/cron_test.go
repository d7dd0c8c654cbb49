package core

import (
	"errors"
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	valid := []string{
		"* * * * *",
		"0 9 * * 1-5",
		"*/5 * * * *",
		"30 2 1 * *",
		"0 0 9 * * 1-5", // six fields, leading seconds
	}
	for _, expr := range valid {
		if _, err := ParseSchedule(expr); err != nil {
			t.Errorf("ParseSchedule(%q): unexpected error %v", expr, err)
		}
	}

	invalid := []string{
		"",
		"   ",
		"not a cron",
		"* * * *",       // too few fields
		"61 * * * *",    // minute out of range
		"@daily",        // descriptors rejected
		"* * * * * * *", // too many fields
	}
	for _, expr := range invalid {
		_, err := ParseSchedule(expr)
		if !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("ParseSchedule(%q): got %v, want ErrInvalidSchedule", expr, err)
		}
	}
}

func TestNextOccurrences(t *testing.T) {
	t.Parallel()
	schedule, err := ParseSchedule("0 9 * * *")
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	times := NextOccurrences(schedule, base, 3)
	if len(times) != 3 {
		t.Fatalf("got %d times, want 3", len(times))
	}
	want := []time.Time{
		time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC),
	}
	for i := range want {
		if !times[i].Equal(want[i]) {
			t.Errorf("occurrence %d: got %v, want %v", i, times[i], want[i])
		}
	}
}
