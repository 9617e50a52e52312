package calls

import (
	"fmt"
	"time"
)

// Duration is the billed length of an accepted call.
// Seconds is the whole-second total, not the remainder.
type Duration struct {
	Minutes   int    `json:"minutes"`
	Seconds   int    `json:"seconds"`
	Formatted string `json:"formatted"`
}

// ComputeDuration truncates ended-accepted to whole seconds and formats it
// as m:ss. A negative span (clock skew between nodes) counts as zero.
func ComputeDuration(acceptedAt, endedAt time.Time) Duration {
	d := endedAt.Sub(acceptedAt)
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return Duration{
		Minutes:   int(d / time.Minute),
		Seconds:   total,
		Formatted: fmt.Sprintf("%d:%02d", total/60, total%60),
	}
}
