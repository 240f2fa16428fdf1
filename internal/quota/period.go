package quota

import (
	"time"

	"github.com/samber/mo"
)

// PeriodClock maps wall-clock time to quota period numbers.
//
// With a start date, period 1 begins at the start date and each period lasts
// Length; the result is capped at MaxPeriods. Times before the start date are in
// period 1. Without a start date the ISO week number is used.
type PeriodClock struct {
	start      mo.Option[time.Time]
	length     time.Duration
	maxPeriods int64
}

// NewPeriodClock creates a PeriodClock. A non-positive length means one week.
func NewPeriodClock(start mo.Option[time.Time], length time.Duration, maxPeriods int) PeriodClock {
	if length <= 0 {
		length = 7 * 24 * time.Hour
	}
	return PeriodClock{
		start:      start.Map(func(t time.Time) (time.Time, bool) { return truncateDay(t), true }),
		length:     length,
		maxPeriods: int64(maxPeriods),
	}
}

// Current returns the period containing now.
func (c PeriodClock) Current(now time.Time) int64 {
	start, ok := c.start.Get()
	if !ok {
		_, week := now.UTC().ISOWeek()
		return int64(week)
	}

	day := now.UTC()
	if c.length%(24*time.Hour) == 0 {
		day = truncateDay(now)
	}
	if day.Before(start) {
		return 1
	}
	period := int64(day.Sub(start)/c.length) + 1
	if c.maxPeriods > 0 && period > c.maxPeriods {
		return c.maxPeriods
	}
	return period
}

// Length returns the period length.
func (c PeriodClock) Length() time.Duration {
	return c.length
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
