package accounting

import (
	"testing"
	"time"

	"cloud.google.com/go/civil"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", name, err)
	}
	return loc
}

func TestDate_Cutoff(t *testing.T) {
	ny := mustLoad(t, "America/New_York")

	tests := []struct {
		name    string
		instant time.Time
		want    string
	}{
		{"just after midnight", time.Date(2025, 8, 25, 1, 0, 0, 0, ny), "2025-08-24"},
		{"one second before cutoff", time.Date(2025, 8, 25, 3, 59, 59, 0, ny), "2025-08-24"},
		{"exactly at cutoff", time.Date(2025, 8, 25, 4, 0, 0, 0, ny), "2025-08-25"},
		{"late evening", time.Date(2025, 8, 25, 23, 30, 0, 0, ny), "2025-08-25"},
		{"first of month rolls back", time.Date(2025, 9, 1, 2, 0, 0, 0, ny), "2025-08-31"},
		{"new year rolls back", time.Date(2026, 1, 1, 0, 30, 0, 0, ny), "2025-12-31"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Date(tt.instant, ny).String(); got != tt.want {
				t.Errorf("Date(%v) = %s, want %s", tt.instant, got, tt.want)
			}
		})
	}
}

func TestDate_UsesGivenZone(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	la := mustLoad(t, "America/Los_Angeles")

	// 07:00 UTC is 03:00 in New York and 00:00 in Los Angeles.
	instant := time.Date(2025, 8, 25, 7, 0, 0, 0, time.UTC)

	if got := Date(instant, ny).String(); got != "2025-08-24" {
		t.Errorf("New York: got %s", got)
	}
	if got := Date(instant, la).String(); got != "2025-08-24" {
		t.Errorf("Los Angeles: got %s", got)
	}
	if got := Date(instant, time.UTC).String(); got != "2025-08-25" {
		t.Errorf("UTC: got %s", got)
	}
}

func TestInstant_RoundTrips(t *testing.T) {
	for _, name := range []string{"America/New_York", "America/Los_Angeles", "Asia/Tokyo", "UTC"} {
		loc := mustLoad(t, name)
		d := civil.Date{Year: 2025, Month: time.March, Day: 1}
		for i := 0; i < 400; i++ {
			if got := Date(Instant(d, loc), loc); got != d {
				t.Fatalf("%s: Date(Instant(%s)) = %s", name, d, got)
			}
			d = d.AddDays(1)
		}
	}
}

func TestResolve(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	now := time.Date(2025, 8, 26, 2, 15, 0, 0, ny)

	date, instant := Resolve(nil, now, ny)
	if date.String() != "2025-08-25" {
		t.Errorf("Resolve(nil) date = %s, want 2025-08-25", date)
	}
	if !instant.Equal(now) {
		t.Errorf("Resolve(nil) instant = %v, want %v", instant, now)
	}

	explicit := civil.Date{Year: 2025, Month: time.August, Day: 25}
	date, instant = Resolve(&explicit, now, ny)
	if date != explicit {
		t.Errorf("Resolve(explicit) date = %s, want %s", date, explicit)
	}
	want := time.Date(2025, 8, 25, 2, 15, 0, 0, ny)
	if !instant.Equal(want) {
		t.Errorf("Resolve(explicit) instant = %v, want %v", instant, want)
	}
}

func TestParse(t *testing.T) {
	d, err := Parse("2025-08-25")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.String() != "2025-08-25" {
		t.Errorf("got %s", d)
	}

	for _, bad := range []string{"", "2025/08/25", "25-08-2025", "2025-13-01"} {
		if _, err := Parse(bad); err == nil {
			t.Errorf("Parse(%q): expected error", bad)
		}
	}
}
