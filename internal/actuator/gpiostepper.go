package actuator

import (
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/BounceGo/internal/debug"
	"github.com/cjeanneret/BounceGo/internal/hw/stepper"
)

// Pulser is the part of a STEP/DIR stepper the GPIO actuator needs.
type Pulser interface {
	Step(forward bool) error
	Enable() error
	Disable() error
	StepsPerDegree() float64
}

var _ Pulser = (*stepper.Stepper)(nil)

// GPIOStepper turns a bare STEP/DIR stepper into an absolute-position
// actuator. A background goroutine emits pulses toward the target with a
// constant acceleration ramp. The position is open loop: it is the pulse
// count, so "closed loop" here only means the driver is energized.
type GPIOStepper struct {
	motor          Pulser
	stepsPerDegree float64

	mu       sync.Mutex
	pos      int64   // microsteps
	target   int64   // microsteps
	speed    float64 // microsteps/s, magnitude
	dir      int64   // direction of the last step, 0 at rest
	maxSpeed float64
	accel    float64
	inFlight bool // a pulse is being emitted

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewGPIOStepper starts the stepping goroutine. Position 0 is the angle
// the shaft sits at when the process starts.
func NewGPIOStepper(m Pulser) *GPIOStepper {
	g := &GPIOStepper{
		motor:          m,
		stepsPerDegree: m.StepsPerDegree(),
		maxSpeed:       500,
		accel:          2000,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	g.wg.Add(1)
	go g.run()
	return g
}

func (g *GPIOStepper) SetVelocityLimit(v uint32) error {
	if v == 0 {
		return ErrInvalidLimit
	}
	g.mu.Lock()
	g.maxSpeed = float64(v) * g.stepsPerDegree / DefaultStepsPerDegree
	g.mu.Unlock()
	debug.Command("gpio_stepper", "SetVelocityLimit", v)
	return nil
}

func (g *GPIOStepper) SetAccelerationLimit(a uint32) error {
	if a == 0 {
		return ErrInvalidLimit
	}
	g.mu.Lock()
	g.accel = float64(a) * g.stepsPerDegree / DefaultStepsPerDegree
	g.mu.Unlock()
	debug.Command("gpio_stepper", "SetAccelerationLimit", a)
	return nil
}

func (g *GPIOStepper) EnableClosedLoop() error {
	return g.motor.Enable()
}

func (g *GPIOStepper) MoveToAngle(deg float64) error {
	g.mu.Lock()
	g.target = int64(math.Round(deg * g.stepsPerDegree))
	g.mu.Unlock()
	debug.Command("gpio_stepper", "MoveToAngle", deg)
	g.kick()
	return nil
}

func (g *GPIOStepper) IsMoving() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight || g.pos != g.target || g.speed != 0, nil
}

func (g *GPIOStepper) CurrentAngle() (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return float64(g.pos) / g.stepsPerDegree, nil
}

// Stop halts the pulse train at the current position.
func (g *GPIOStepper) Stop() error {
	g.mu.Lock()
	g.target = g.pos
	g.speed = 0
	g.dir = 0
	g.mu.Unlock()
	debug.Command("gpio_stepper", "Stop", nil)
	return nil
}

// Close stops the stepping goroutine and releases the motor.
func (g *GPIOStepper) Close() error {
	g.once.Do(func() { close(g.done) })
	g.wg.Wait()
	return g.motor.Disable()
}

func (g *GPIOStepper) kick() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *GPIOStepper) run() {
	defer g.wg.Done()
	for {
		dir, period, ok := g.next()
		if !ok {
			select {
			case <-g.done:
				return
			case <-g.wake:
			}
			continue
		}

		start := time.Now()
		if err := g.motor.Step(dir > 0); err != nil {
			debug.Errorf("gpio_stepper: step failed: %v", err)
			g.mu.Lock()
			g.inFlight = false
			g.mu.Unlock()
			_ = g.Stop()
			continue
		}
		g.mu.Lock()
		g.inFlight = false
		g.pos += dir
		if g.dir == 0 {
			// Stop landed while the pulse was in flight
			g.target = g.pos
		}
		g.mu.Unlock()

		wait := period - time.Since(start)
		if wait <= 0 {
			select {
			case <-g.done:
				return
			default:
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-g.done:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// next plans the following pulse: its direction and the time until the one
// after it. ok is false when the axis is at rest on its target.
func (g *GPIOStepper) next() (dir int64, period time.Duration, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	remaining := g.target - g.pos
	if remaining == 0 && g.speed == 0 {
		g.dir = 0
		return 0, 0, false
	}

	want := int64(1)
	if remaining < 0 {
		want = -1
	}
	minSpeed := math.Sqrt(2 * g.accel)

	switch {
	case g.dir == 0 || g.speed == 0:
		if remaining == 0 {
			g.speed = 0
			return 0, 0, false
		}
		g.dir = want
		g.speed = minSpeed
	case g.dir != want || remaining == 0:
		// moving away from the target: brake before reversing
		g.speed = math.Sqrt(math.Max(g.speed*g.speed-2*g.accel, 0))
		if g.speed < minSpeed {
			g.speed = 0
			g.dir = 0
			if remaining == 0 {
				return 0, 0, false
			}
			g.dir = want
			g.speed = minSpeed
		}
	default:
		stopSteps := g.speed * g.speed / (2 * g.accel)
		if stopSteps >= math.Abs(float64(remaining)) {
			g.speed = math.Max(math.Sqrt(math.Max(g.speed*g.speed-2*g.accel, 0)), minSpeed)
		} else {
			g.speed = math.Min(math.Sqrt(g.speed*g.speed+2*g.accel), g.maxSpeed)
		}
	}

	if g.speed > g.maxSpeed {
		g.speed = g.maxSpeed
	}
	dir = g.dir
	period = time.Duration(float64(time.Second) / g.speed)

	// the pulse we are about to emit may be the last one
	if g.target-g.pos == dir && dir == want {
		g.speed = 0
	}
	g.inFlight = true
	return dir, period, true
}
