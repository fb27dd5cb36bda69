package engine

import (
	"context"
	"time"

	"rtwline/internal/scheduler"
)

const ExpirySweepTask = "expiry-sweep"

// Tasks returns the background tasks the engine contributes to a runner.
func (e Engine) Tasks() []scheduler.Task {
	interval := time.Hour
	if e.Config != nil {
		interval = e.Config.SweepInterval()
	}
	return []scheduler.Task{{
		Name:     ExpirySweepTask,
		Interval: interval,
		Timeout:  e.storeTimeout() * 4,
		Run: func(ctx context.Context) error {
			res, err := e.SweepExpiry(ctx, time.Time{})
			if err != nil {
				return err
			}
			e.logger().Info("expiry sweep finished", "organizations", res.Organizations, "expiring", res.Expiring, "expired", res.Expired)
			return nil
		},
	}}
}
