package hardware

import (
	"context"
	"time"
)

// Run drives Read and Write at the given period until ctx is cancelled.
// It stands in for an external control loop when the bridge runs on its
// own.
func (b *Bridge) Run(ctx context.Context, period time.Duration) error {
	ticker := b.clock.NewTicker(period)
	defer ticker.Stop()

	last := b.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			now := b.clock.Now()
			elapsed := now.Sub(last)
			last = now
			if err := b.Read(now, elapsed); err != nil {
				return err
			}
			if err := b.Write(now, elapsed); err != nil {
				return err
			}
		}
	}
}
