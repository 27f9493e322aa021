package bounce

import (
	"fmt"

	"github.com/cjeanneret/BounceGo/internal/debug"
)

// EventKind identifies a state transition of the controller.
type EventKind int

const (
	EventStrike     EventKind = iota // arrived at end, returning to start
	EventCycle                       // arrived at start, cycle counted, striking again
	EventComplete                    // last cycle done, driver stopped
	EventStallRetry                  // driver idle before arrival, move re-issued
	EventStalled                     // stall retry cap reached, motion halted
	EventStopped                     // deactivated, driver stopped
	EventReset                       // counters cleared, back at start
)

func (k EventKind) String() string {
	switch k {
	case EventStrike:
		return "strike"
	case EventCycle:
		return "cycle"
	case EventComplete:
		return "complete"
	case EventStallRetry:
		return "stall_retry"
	case EventStalled:
		return "stalled"
	case EventStopped:
		return "stopped"
	case EventReset:
		return "reset"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// MarshalText encodes the kind for JSON event payloads.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *EventKind) UnmarshalText(b []byte) error {
	for kind := EventStrike; kind <= EventReset; kind++ {
		if kind.String() == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", b)
}

// Event describes one transition. Angle is the angle read on the tick that
// triggered it.
type Event struct {
	Kind      EventKind `json:"kind"`
	Direction Direction `json:"direction"`
	Cycles    int       `json:"cycles"`
	MaxCycles int       `json:"max_cycles"`
	Angle     float64   `json:"angle"`
	Target    float64   `json:"target"`
	Retries   int       `json:"retries,omitempty"`
}

// Observer is notified synchronously from the goroutine driving the controller.
// Implementations must not call back into the controller.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// Observers fans an event out to several observers in order.
type Observers []Observer

func (o Observers) Notify(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Notify(e)
		}
	}
}

// LogObserver writes events through the debug logger.
type LogObserver struct{}

func (LogObserver) Notify(e Event) {
	switch e.Kind {
	case EventStrike:
		debug.Phase(TowardEnd.String(), TowardStart.String(), e.Angle)
	case EventCycle:
		debug.Phase(TowardStart.String(), TowardEnd.String(), e.Angle)
		debug.Strike(e.Cycles, e.MaxCycles)
	case EventComplete:
		debug.Info("Bounce sequence complete: %d/%d cycles", e.Cycles, e.MaxCycles)
	case EventStallRetry:
		debug.Verbose("Driver idle at %.2f°, re-issuing move to %.2f° (retry %d)", e.Angle, e.Target, e.Retries)
	case EventStalled:
		debug.Errorf("driver stalled at %.2f° after %d retries, motion halted", e.Angle, e.Retries)
	case EventStopped:
		debug.Live("Stopped at %.2f° (%s, cycle %d/%d)", e.Angle, e.Direction, e.Cycles, e.MaxCycles)
	case EventReset:
		debug.Info("Reset: back at start %.2f°", e.Target)
	}
}
