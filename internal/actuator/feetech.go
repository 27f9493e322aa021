package actuator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/BounceGo/internal/debug"
	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.uber.org/multierr"
)

// FeetechConfig describes a Feetech STS smart servo on a serial bus.
type FeetechConfig struct {
	Port         string
	Baud         int
	ID           int
	CountsPerRev int // 4096 for STS3215
	Timeout      time.Duration
}

// feetechServo is the subset of *feetech.Servo used by the actuator.
type feetechServo interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	Position(ctx context.Context) (int, error)
	SetPosition(ctx context.Context, pos int) error
	SetPositionWithTime(ctx context.Context, pos int, ms int) error
}

// Feetech drives a Feetech STS servo. The servo has no separate velocity
// or acceleration registers in this driver, so both limits are folded into
// a trapezoidal move time for each goal.
type Feetech struct {
	servo        feetechServo
	bus          *feetech.Bus
	timeout      time.Duration
	countsPerDeg float64

	mu       sync.Mutex
	velocity uint32
	accel    uint32
	goal     int
	halted   bool
}

// feetechTolerance is how close (in degrees) the servo must be to its goal
// to count as settled.
const feetechTolerance = 0.25

// NewFeetech opens the bus and looks for the configured servo ID.
func NewFeetech(cfg FeetechConfig) (*Feetech, error) {
	if cfg.Baud <= 0 {
		cfg.Baud = 1_000_000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     cfg.Port,
		BaudRate: cfg.Baud,
		Protocol: feetech.ProtocolSTS,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open feetech bus %s: %w", cfg.Port, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	found, err := bus.Scan(ctx, cfg.ID, cfg.ID)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("scan for servo %d: %w", cfg.ID, err)
	}
	if len(found) == 0 {
		bus.Close()
		return nil, fmt.Errorf("no servo with ID %d on %s", cfg.ID, cfg.Port)
	}
	servo := feetech.NewServo(bus, found[0].ID, found[0].Model)

	f := newFeetech(servo, cfg)
	f.bus = bus
	debug.Info("Using Feetech servo ID %d on %s", cfg.ID, cfg.Port)
	return f, nil
}

func newFeetech(servo feetechServo, cfg FeetechConfig) *Feetech {
	cpr := cfg.CountsPerRev
	if cpr <= 0 {
		cpr = 4096
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &Feetech{
		servo:        servo,
		timeout:      timeout,
		countsPerDeg: float64(cpr) / 360.0,
		velocity:     500,
		accel:        2000,
	}
}

func (f *Feetech) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), f.timeout)
}

func (f *Feetech) SetVelocityLimit(v uint32) error {
	if v == 0 {
		return ErrInvalidLimit
	}
	f.mu.Lock()
	f.velocity = v
	f.mu.Unlock()
	return nil
}

func (f *Feetech) SetAccelerationLimit(a uint32) error {
	if a == 0 {
		return ErrInvalidLimit
	}
	f.mu.Lock()
	f.accel = a
	f.mu.Unlock()
	return nil
}

// EnableClosedLoop turns servo torque on.
func (f *Feetech) EnableClosedLoop() error {
	ctx, cancel := f.ctx()
	defer cancel()
	return f.servo.Enable(ctx)
}

// moveTime returns the milliseconds a trapezoidal profile needs to cover
// degrees under the velocity and acceleration limits. Short moves never
// reach cruise speed and take 2*sqrt(d/a).
func (f *Feetech) moveTime(degrees float64) int {
	f.mu.Lock()
	v := float64(f.velocity) / DefaultStepsPerDegree
	a := float64(f.accel) / DefaultStepsPerDegree
	f.mu.Unlock()

	d := math.Abs(degrees)
	var secs float64
	if d >= v*v/a {
		secs = d/v + v/a
	} else {
		secs = 2 * math.Sqrt(d/a)
	}
	return int(math.Ceil(secs * 1000))
}

func (f *Feetech) MoveToAngle(deg float64) error {
	ctx, cancel := f.ctx()
	defer cancel()
	pos, err := f.servo.Position(ctx)
	if err != nil {
		return err
	}
	goal := int(math.Round(deg * f.countsPerDeg))
	ms := f.moveTime(float64(goal-pos) / f.countsPerDeg)

	f.mu.Lock()
	f.goal = goal
	f.halted = false
	f.mu.Unlock()

	debug.Command("feetech", "SetPositionWithTime", fmt.Sprintf("%d in %dms", goal, ms))
	return f.servo.SetPositionWithTime(ctx, goal, ms)
}

func (f *Feetech) IsMoving() (bool, error) {
	ctx, cancel := f.ctx()
	defer cancel()
	pos, err := f.servo.Position(ctx)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.halted {
		return false, nil
	}
	return math.Abs(float64(pos-f.goal)) > feetechTolerance*f.countsPerDeg, nil
}

func (f *Feetech) CurrentAngle() (float64, error) {
	ctx, cancel := f.ctx()
	defer cancel()
	pos, err := f.servo.Position(ctx)
	if err != nil {
		return 0, err
	}
	return float64(pos) / f.countsPerDeg, nil
}

// Stop holds the servo where it currently is.
func (f *Feetech) Stop() error {
	ctx, cancel := f.ctx()
	defer cancel()
	pos, err := f.servo.Position(ctx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.goal = pos
	f.halted = true
	f.mu.Unlock()
	debug.Command("feetech", "Stop", pos)
	return f.servo.SetPosition(ctx, pos)
}

// Close disables torque and closes the bus.
func (f *Feetech) Close() error {
	ctx, cancel := f.ctx()
	defer cancel()
	err := f.servo.Disable(ctx)
	if f.bus != nil {
		err = multierr.Append(err, f.bus.Close())
	}
	return err
}
