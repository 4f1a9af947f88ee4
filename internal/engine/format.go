package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseRemaining parses a remaining-time field given as HH:MM:SS, MM:SS or a
// plain number of seconds.
func ParseRemaining(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	parts := strings.Split(raw, ":")
	if len(parts) > 3 {
		return 0, false
	}
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, false
		}
		total = total*60 + n
	}
	return total, true
}

// FormatCountdown renders a proctor countdown: H:MM:SS with hours, MM:SS mins
// without.
func FormatCountdown(seconds int) string {
	if seconds <= 0 {
		return "00:00 mins"
	}
	hrs := seconds / 3600
	mins := (seconds % 3600) / 60
	secs := seconds % 60
	if hrs > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hrs, mins, secs)
	}
	return fmt.Sprintf("%02d:%02d mins", mins, secs)
}

// FormatRemaining renders a participant countdown such as "1 hour 5 mins 3 secs".
// Seconds are dropped once the value spans days.
func FormatRemaining(seconds int) string {
	if seconds <= 0 {
		return "00:00"
	}
	days := seconds / 86400
	hrs := (seconds % 86400) / 3600
	mins := (seconds % 3600) / 60
	secs := seconds % 60

	var b strings.Builder
	unit := func(n int, name string) {
		if n <= 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(n))
		b.WriteByte(' ')
		b.WriteString(name)
		if n > 1 {
			b.WriteByte('s')
		}
	}
	unit(days, "day")
	unit(hrs, "hour")
	unit(mins, "min")
	if days == 0 {
		unit(secs, "sec")
	}
	return b.String()
}
