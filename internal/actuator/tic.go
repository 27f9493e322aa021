package actuator

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/cjeanneret/BounceGo/internal/debug"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/tic"
	"periph.io/x/host/v3"
)

// TicConfig describes a Pololu Tic stepper controller on I²C.
type TicConfig struct {
	Bus            string // "" = first available bus
	Address        uint16 // 0 = tic.I2CAddr
	Model          string // t500, t834, t825, t249, 36v4
	CurrentLimitMA int
	StepsPerRev    int
	Microstepping  int
}

// ticDevice is the subset of *tic.Dev used by the actuator.
type ticDevice interface {
	SetCurrentLimit(limit physic.ElectricCurrent) error
	ExitSafeStart() error
	Energize() error
	Deenergize() error
	SetMaxSpeed(speed uint32) error
	SetMaxAccel(accel uint32) error
	SetMaxDecel(decel uint32) error
	SetTargetPosition(target int32) error
	GetCurrentPosition() (int32, error)
	GetCurrentVelocity() (int32, error)
	HaltAndHold() error
	ResetCommandTimeout() error
}

// Tic drives a stepper through a Pololu Tic. The Tic plans the trapezoid
// itself; the actuator only converts units. Tic speed is in microsteps per
// 10000 s and acceleration in microsteps per 100 s².
type Tic struct {
	mu             sync.Mutex
	dev            ticDevice
	bus            i2c.BusCloser
	stepsPerDegree float64
	target         int32
	halted         bool
}

func ticVariant(model string) (tic.Variant, error) {
	switch strings.ToLower(model) {
	case "t500":
		return tic.TicT500, nil
	case "t834":
		return tic.TicT834, nil
	case "t825", "":
		return tic.TicT825, nil
	case "t249":
		return tic.TicT249, nil
	case "36v4":
		return tic.Tic36v4, nil
	default:
		var v tic.Variant
		return v, fmt.Errorf("unknown tic model %q", model)
	}
}

// NewTic initializes periph, opens the I²C bus and energizes the Tic.
func NewTic(cfg TicConfig) (*Tic, error) {
	variant, err := ticVariant(cfg.Model)
	if err != nil {
		return nil, err
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}
	bus, err := i2creg.Open(cfg.Bus)
	if err != nil {
		return nil, fmt.Errorf("open I²C bus %q: %w", cfg.Bus, err)
	}
	addr := cfg.Address
	if addr == 0 {
		addr = tic.I2CAddr
	}
	dev, err := tic.NewI2C(bus, variant, addr)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("open tic at 0x%02x: %w", addr, err)
	}
	t, err := newTic(dev, cfg)
	if err != nil {
		bus.Close()
		return nil, err
	}
	t.bus = bus
	debug.Info("Using Pololu Tic %v on I²C bus %q address 0x%02x", variant, cfg.Bus, addr)
	return t, nil
}

func newTic(dev ticDevice, cfg TicConfig) (*Tic, error) {
	spr, ms := cfg.StepsPerRev, cfg.Microstepping
	if spr <= 0 {
		spr = 200
	}
	if ms <= 0 {
		ms = 1
	}
	if cfg.CurrentLimitMA > 0 {
		if err := dev.SetCurrentLimit(physic.ElectricCurrent(cfg.CurrentLimitMA) * physic.MilliAmpere); err != nil {
			return nil, fmt.Errorf("set tic current limit: %w", err)
		}
	}
	return &Tic{
		dev:            dev,
		stepsPerDegree: float64(spr*ms) / 360.0,
	}, nil
}

// native converts a limit expressed against DefaultStepsPerDegree to this motor's microsteps.
func (t *Tic) native(v uint32) float64 {
	return float64(v) * t.stepsPerDegree / DefaultStepsPerDegree
}

func (t *Tic) SetVelocityLimit(v uint32) error {
	if v == 0 {
		return ErrInvalidLimit
	}
	speed := uint32(math.Min(math.Round(t.native(v)*10000), math.MaxUint32))
	debug.Command("tic", "SetMaxSpeed", speed)
	return t.dev.SetMaxSpeed(speed)
}

func (t *Tic) SetAccelerationLimit(a uint32) error {
	if a == 0 {
		return ErrInvalidLimit
	}
	accel := uint32(math.Min(math.Round(t.native(a)*100), math.MaxUint32))
	debug.Command("tic", "SetMaxAccel", accel)
	if err := t.dev.SetMaxAccel(accel); err != nil {
		return err
	}
	return t.dev.SetMaxDecel(accel)
}

// EnableClosedLoop leaves safe start and energizes the motor.
func (t *Tic) EnableClosedLoop() error {
	if err := t.dev.ExitSafeStart(); err != nil {
		return fmt.Errorf("tic exit safe start: %w", err)
	}
	return t.dev.Energize()
}

func (t *Tic) MoveToAngle(deg float64) error {
	target := int32(math.Round(deg * t.stepsPerDegree))
	t.mu.Lock()
	t.target = target
	t.halted = false
	t.mu.Unlock()
	debug.Command("tic", "SetTargetPosition", target)
	return t.dev.SetTargetPosition(target)
}

// IsMoving also refreshes the Tic command timeout, which would otherwise
// de-energize the motor after one second without commands.
func (t *Tic) IsMoving() (bool, error) {
	if err := t.dev.ResetCommandTimeout(); err != nil {
		return false, err
	}
	vel, err := t.dev.GetCurrentVelocity()
	if err != nil {
		return false, err
	}
	if vel != 0 {
		return true, nil
	}
	pos, err := t.dev.GetCurrentPosition()
	if err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.halted && pos != t.target, nil
}

func (t *Tic) CurrentAngle() (float64, error) {
	pos, err := t.dev.GetCurrentPosition()
	if err != nil {
		return 0, err
	}
	return float64(pos) / t.stepsPerDegree, nil
}

func (t *Tic) Stop() error {
	t.mu.Lock()
	t.halted = true
	t.mu.Unlock()
	debug.Command("tic", "HaltAndHold", nil)
	return t.dev.HaltAndHold()
}

// Close de-energizes the motor and releases the bus.
func (t *Tic) Close() error {
	err := t.dev.Deenergize()
	if t.bus != nil {
		err = multierr.Append(err, t.bus.Close())
	}
	return err
}
