package commandline

import (
	"time"
)

// FormatDuration pretty-prints a duration with at most 2 decimal places in its largest unit:
// e.g. 1.23ms or 1m30.25s.
func FormatDuration(d time.Duration) string {
	var unit time.Duration
	switch abs := d.Abs(); {
	case abs >= time.Second:
		unit = 10 * time.Millisecond
	case abs >= time.Millisecond:
		unit = 10 * time.Microsecond
	case abs >= time.Microsecond:
		unit = 10 * time.Nanosecond
	default:
		return d.String()
	}
	return d.Round(unit).String()
}
