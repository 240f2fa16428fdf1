package quota

import (
	"context"
	"time"
)

// View answers quota questions for the current period with a fixed
// per-caller limit. The router uses it to decide whether the shared pool may
// serve a caller.
type View struct {
	coord *Coordinator
	now   func() time.Time
	clock PeriodClock
	limit int64
}

// NewView binds a coordinator to a period clock and a per-period limit.
func NewView(c *Coordinator, clock PeriodClock, limit int64) *View {
	return &View{coord: c, clock: clock, limit: limit, now: time.Now}
}

// CurrentPeriod returns the period id for now.
func (v *View) CurrentPeriod() int64 {
	return v.clock.Current(v.now())
}

// Limit returns the per-period token limit.
func (v *View) Limit() int64 {
	return v.limit
}

// Remaining returns the caller's remaining tokens for the current period.
func (v *View) Remaining(ctx context.Context, callerID string) (int64, error) {
	return v.coord.Remaining(ctx, callerID, v.CurrentPeriod(), v.limit)
}
