package services

import (
	"fmt"
	"time"

	"lastwill/internal/models"
)

// Fixed offsets before the deadline for the fixed reminder kinds.
var fixedOffsets = map[models.ReminderKind]time.Duration{
	models.Reminder7Day: 7 * 24 * time.Hour,
	models.Reminder3Day: 3 * 24 * time.Hour,
	models.Reminder24Hr: 24 * time.Hour,
	models.Reminder1Hr:  time.Hour,
}

// Fraction of the period that has ELAPSED when a proportional reminder
// fires: the 25percent kind goes out a quarter of the way into the period,
// equivalently 75% of the period before the deadline.
var proportionalElapsed = map[models.ReminderKind]float64{
	models.Reminder50Pct: 0.50,
	models.Reminder25Pct: 0.25,
}

// ComputeScheduledFor maps a reminder kind and a subject's deadline to the
// instant the reminder is due. It is a pure function of its inputs: the
// current wall clock is deliberately not consulted, so a job's ScheduledFor
// is stable no matter when it is computed or recomputed.
//
// Period lengths are whole days converted to fixed 24h durations, never
// calendar day arithmetic, so a DST transition cannot shorten a "day" to 23
// hours and skew proportional offsets.
func ComputeScheduledFor(kind models.ReminderKind, nextCheckIn time.Time, periodLengthDays int) time.Time {
	if offset, ok := fixedOffsets[kind]; ok {
		return nextCheckIn.Add(-offset)
	}
	if elapsed, ok := proportionalElapsed[kind]; ok {
		period := time.Duration(periodLengthDays) * 24 * time.Hour
		beforeDeadline := time.Duration(float64(period) * (1 - elapsed))
		return nextCheckIn.Add(-beforeDeadline)
	}
	// An unknown kind is a programmer error, not a runtime condition.
	panic(fmt.Sprintf("unknown reminder kind %q", kind))
}
