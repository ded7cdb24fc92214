package usecase

import (
	"time"
	"unicode/utf8"
)

const (
	previewMaxRunes   = 100
	noMessagesYet     = "No messages yet"
	weekdayLabelRange = 7 * 24 * time.Hour
)

// truncatePreview keeps the first 100 characters of a message.
func truncatePreview(content string) string {
	if utf8.RuneCountInString(content) <= previewMaxRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewMaxRunes])
}

// timeLabel renders t relative to now: time of day for the same calendar day,
// weekday name within a week, month and day otherwise.
func timeLabel(t, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	now = now.In(loc)

	ty, tm, td := t.Date()
	ny, nm, nd := now.Date()
	switch {
	case ty == ny && tm == nm && td == nd:
		return t.Format("3:04 PM")
	case now.Sub(t) < weekdayLabelRange:
		return t.Format("Monday")
	default:
		return t.Format("Jan 2")
	}
}
