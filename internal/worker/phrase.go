package worker

import (
	"time"
)

// resolveLocation picks the timezone for rendering appointment times:
// the tenant's named zone, then a fixed UTC offset, then UTC.
func resolveLocation(name *string, offsetMinutes *int) *time.Location {
	if name != nil && *name != "" {
		if loc, err := time.LoadLocation(*name); err == nil {
			return loc
		}
	}
	if offsetMinutes != nil {
		return time.FixedZone("tenant", *offsetMinutes*60)
	}
	return time.UTC
}

// relativePhrase renders a timestamp the way a person would say it relative
// to now: "today at 3:00 PM", "tomorrow at 3:00 PM", a weekday name within
// the coming week, or a month-day date beyond that. Both times are rendered
// in their own locations; now is expected to share t's location.
func relativePhrase(t, now time.Time) string {
	clock := t.Format("3:04 PM")

	days := daysBetween(now, t)
	switch {
	case days == 0:
		return "today at " + clock
	case days == 1:
		return "tomorrow at " + clock
	case days > 1 && days < 7:
		return t.Weekday().String() + " at " + clock
	default:
		return t.Format("January 2") + " at " + clock
	}
}

// daysBetween counts calendar-day boundaries from a to b in a's location.
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	midnightA := time.Date(ay, am, ad, 0, 0, 0, 0, a.Location())

	by, bm, bd := b.In(a.Location()).Date()
	midnightB := time.Date(by, bm, bd, 0, 0, 0, 0, a.Location())

	return int(midnightB.Sub(midnightA).Hours() / 24)
}
