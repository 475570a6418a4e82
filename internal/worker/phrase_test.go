package worker

import (
	"testing"
	"time"
)

func TestRelativePhrase(t *testing.T) {
	// Monday 2026-03-02 10:00 local.
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{
			name: "later today",
			at:   time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
			want: "today at 3:00 PM",
		},
		{
			name: "tomorrow",
			at:   time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC),
			want: "tomorrow at 3:00 PM",
		},
		{
			name: "tomorrow early morning crosses midnight only once",
			at:   time.Date(2026, 3, 3, 0, 30, 0, 0, time.UTC),
			want: "tomorrow at 12:30 AM",
		},
		{
			name: "within the week uses weekday",
			at:   time.Date(2026, 3, 6, 9, 15, 0, 0, time.UTC),
			want: "Friday at 9:15 AM",
		},
		{
			name: "a week out uses the date",
			at:   time.Date(2026, 3, 9, 15, 0, 0, 0, time.UTC),
			want: "March 9 at 3:00 PM",
		},
		{
			name: "far future uses the date",
			at:   time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC),
			want: "June 1 at 8:00 AM",
		},
		{
			name: "past dates fall through to the date form",
			at:   time.Date(2026, 2, 20, 15, 0, 0, 0, time.UTC),
			want: "February 20 at 3:00 PM",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := relativePhrase(tt.at, now); got != tt.want {
				t.Errorf("relativePhrase(%v) = %q, want %q", tt.at, got, tt.want)
			}
		})
	}
}

func TestResolveLocation(t *testing.T) {
	name := "America/New_York"
	bogus := "Not/AZone"
	offset := -300

	tests := []struct {
		name     string
		tz       *string
		offset   *int
		wantName string
	}{
		{"named zone wins", &name, &offset, "America/New_York"},
		{"bad name falls back to offset", &bogus, &offset, "tenant"},
		{"offset only", nil, &offset, "tenant"},
		{"nothing set means UTC", nil, nil, "UTC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc := resolveLocation(tt.tz, tt.offset)
			if loc.String() != tt.wantName {
				t.Errorf("resolveLocation = %q, want %q", loc.String(), tt.wantName)
			}
		})
	}
}

func TestResolveLocation_OffsetApplies(t *testing.T) {
	offset := -300 // UTC-5
	loc := resolveLocation(nil, &offset)

	utc := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	if got := utc.In(loc).Hour(); got != 15 {
		t.Errorf("expected 15:00 local at UTC-5, got hour %d", got)
	}
}
