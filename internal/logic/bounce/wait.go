package bounce

import (
	"context"
	"errors"
	"time"

	"github.com/cjeanneret/BounceGo/internal/actuator"
	"github.com/cjeanneret/BounceGo/internal/debug"
)

// DefaultPollInterval is the moving-state poll interval of blocking moves.
const DefaultPollInterval = 10 * time.Millisecond

// ErrWaitTimeout is returned when the driver is still moving after the wait timeout.
var ErrWaitTimeout = errors.New("bounce: timed out waiting for actuator to stop")

// WaitIdle blocks until driver reports it is not moving. It polls every
// interval and sleeps on a timer in between. A zero timeout waits forever.
// Read errors are logged and polling continues.
func WaitIdle(ctx context.Context, driver actuator.Driver, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	polls := 0
	for {
		moving, err := driver.IsMoving()
		polls++
		if err != nil {
			debug.Errorf("poll moving state: %v", err)
		} else if !moving {
			debug.Trace("Actuator idle after %d polls", polls)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return ErrWaitTimeout
		case <-ticker.C:
		}
	}
}
