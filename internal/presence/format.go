package presence

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nfrund/chatsync/internal/domain"
)

const (
	LabelOnline    = "online"
	LabelJustNow   = "just now"
	LabelYesterday = "yesterday"
	LabelUnknown   = "unknown"

	lastSeenDateLayout = "Jan 2, 2006"
)

// FormatLastSeen renders a presence record relative to now. Calendar
// comparisons use now's location.
func FormatLastSeen(rec domain.PresenceRecord, now time.Time) string {
	if rec.IsOnline {
		return LabelOnline
	}
	if rec.LastSeenAt.IsZero() {
		return LabelUnknown
	}

	last := rec.LastSeenAt.In(now.Location())
	if now.Sub(last) < time.Minute {
		return LabelJustNow
	}
	if sameDay(last, now) {
		return humanize.RelTime(last, now, "ago", "from now")
	}
	if sameDay(last, now.AddDate(0, 0, -1)) {
		return LabelYesterday
	}
	return last.Format(lastSeenDateLayout)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
