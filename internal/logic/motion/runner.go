// Package motion drives a bounce controller from a fixed-rate loop and
// serializes access to it for the CLI, web and TUI front-ends.
package motion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/BounceGo/internal/debug"
	"github.com/cjeanneret/BounceGo/internal/logic/bounce"
)

// ErrStalled is returned by RunUntilComplete when the controller gave up
// re-issuing a move.
var ErrStalled = errors.New("motion: actuator stalled")

// Endpoint selects one of the two bounce angles.
type Endpoint int

const (
	Start Endpoint = iota
	End
)

func (e Endpoint) String() string {
	if e == End {
		return "end"
	}
	return "start"
}

// ParseEndpoint accepts "start" or "end".
func ParseEndpoint(s string) (Endpoint, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "start":
		return Start, nil
	case "end":
		return End, nil
	default:
		return Start, fmt.Errorf("unknown endpoint %q (want start or end)", s)
	}
}

// Runner owns a bounce controller and ticks it at a fixed period. mu guards
// the controller and stays held during blocking moves; active does not need it.
type Runner struct {
	mu     sync.Mutex
	ctrl   *bounce.Controller
	period time.Duration
	active atomic.Bool

	smu    sync.RWMutex
	status bounce.Status
}

// NewRunner wraps an initialized controller. period is the update tick period.
func NewRunner(ctrl *bounce.Controller, period time.Duration) *Runner {
	if period <= 0 {
		period = 10 * time.Millisecond
	}
	r := &Runner{ctrl: ctrl, period: period}
	r.status = ctrl.Status()
	return r
}

// Period returns the update tick period.
func (r *Runner) Period() time.Duration { return r.period }

// Start allows the controller to command motion from the next tick.
func (r *Runner) Start() {
	r.active.Store(true)
	debug.Live("Runner activated")
}

// Stop deactivates the controller; the next tick stops the actuator.
func (r *Runner) Stop() {
	r.active.Store(false)
	debug.Live("Runner deactivated")
}

// Toggle flips the activation and returns the new value.
func (r *Runner) Toggle() bool {
	for {
		old := r.active.Load()
		if r.active.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// Active reports whether the runner is feeding active=true to the controller.
func (r *Runner) Active() bool {
	return r.active.Load()
}

// Tick runs one controller update and returns the resulting status.
func (r *Runner) Tick() bounce.Status {
	r.mu.Lock()
	r.ctrl.Update(r.active.Load())
	s := r.ctrl.Status()
	r.mu.Unlock()
	r.publish(s)
	return s
}

func (r *Runner) publish(s bounce.Status) {
	r.smu.Lock()
	r.status = s
	r.smu.Unlock()
}

// Status returns the snapshot taken after the last tick or command. It never
// waits for a blocking move.
func (r *Runner) Status() bounce.Status {
	r.smu.RLock()
	defer r.smu.RUnlock()
	return r.status
}

// Run ticks the controller until ctx is done, then deactivates it.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	debug.Verbose("Runner loop started, period %v", r.period)
	for {
		select {
		case <-ctx.Done():
			r.Stop()
			r.Tick()
			return ctx.Err()
		case <-ticker.C:
			r.Tick()
		}
	}
}

// RunUntilComplete activates the controller and ticks until the sequence
// completes, the controller stalls or ctx is done.
func (r *Runner) RunUntilComplete(ctx context.Context) error {
	r.Start()
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Stop()
			r.Tick()
			return ctx.Err()
		case <-ticker.C:
			s := r.Tick()
			if s.Complete {
				r.Stop()
				r.Tick()
				return nil
			}
			if s.Stalled {
				r.Stop()
				r.Tick()
				return ErrStalled
			}
		}
	}
}

// Reset deactivates the runner and resets the controller, blocking until
// the actuator is back at the start angle.
func (r *Runner) Reset(ctx context.Context) error {
	r.active.Store(false)
	r.mu.Lock()
	r.ctrl.Update(false)
	err := r.ctrl.Reset(ctx)
	s := r.ctrl.Status()
	r.mu.Unlock()
	r.publish(s)
	return err
}

// Capture stores the current angle as the start or end angle.
func (r *Runner) Capture(e Endpoint) float64 {
	r.mu.Lock()
	if e == End {
		r.ctrl.CaptureEnd()
	} else {
		r.ctrl.CaptureStart()
	}
	s := r.ctrl.Status()
	r.mu.Unlock()
	r.publish(s)
	if e == End {
		return s.EndAngle
	}
	return s.StartAngle
}

// GoTo deactivates the runner and moves to an endpoint, blocking until the
// actuator stops.
func (r *Runner) GoTo(ctx context.Context, e Endpoint) error {
	r.active.Store(false)
	r.mu.Lock()
	r.ctrl.Update(false)
	var err error
	if e == End {
		err = r.ctrl.GoToEnd(ctx)
	} else {
		err = r.ctrl.GoToStart(ctx)
	}
	s := r.ctrl.Status()
	r.mu.Unlock()
	r.publish(s)
	return err
}

// Do runs fn with exclusive access to the controller.
func (r *Runner) Do(fn func(*bounce.Controller)) {
	r.mu.Lock()
	fn(r.ctrl)
	s := r.ctrl.Status()
	r.mu.Unlock()
	r.publish(s)
}

// Apply pushes the set fields of o to the controller.
func (r *Runner) Apply(o Overrides) {
	r.Do(o.apply)
}
