package stepper

import (
	"time"

	"github.com/cjeanneret/BounceGo/internal/debug"
	"github.com/cjeanneret/BounceGo/internal/hw/gpio"
)

// DefaultPulseWidth is the STEP high time when Config.PulseWidth is 0.
// A4988 and TMC2209 need at least 1µs.
const DefaultPulseWidth = 2 * time.Microsecond

// Config holds the hardware configuration for a STEP/DIR stepper driver.
type Config struct {
	StepPin       int
	DirPin        int
	EnablePin     int // ENABLE pin (BCM). 0 = not used. Active LOW.
	StepsPerRev   int
	Microstepping int
	PulseWidth    time.Duration // STEP high time
}

// Stepper emits single step pulses. Timing between steps (speed and
// acceleration) belongs to the caller.
type Stepper struct {
	gpio    gpio.Driver
	cfg     Config
	pulse   time.Duration
	forward bool
	dirSet  bool
}

// NewStepper configures the pins and enables the driver.
func NewStepper(g gpio.Driver, cfg Config) *Stepper {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)

	pulse := cfg.PulseWidth
	if pulse <= 0 {
		pulse = DefaultPulseWidth
	}
	if cfg.StepsPerRev <= 0 {
		cfg.StepsPerRev = 200
	}
	if cfg.Microstepping <= 0 {
		cfg.Microstepping = 1
	}

	s := &Stepper{
		gpio:  g,
		cfg:   cfg,
		pulse: pulse,
	}

	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = g.WritePin(cfg.EnablePin, gpio.Low) // enabled by default
	}

	return s
}

// MicrostepsPerRev returns the number of pulses for one full turn.
func (s *Stepper) MicrostepsPerRev() int {
	return s.cfg.StepsPerRev * s.cfg.Microstepping
}

// StepsPerDegree returns the number of pulses per degree of shaft rotation.
func (s *Stepper) StepsPerDegree() float64 {
	return float64(s.MicrostepsPerRev()) / 360.0
}

// Step emits one pulse in the given direction. DIR is only written when it changes.
func (s *Stepper) Step(forward bool) error {
	if !s.dirSet || s.forward != forward {
		level := gpio.Low
		if forward {
			level = gpio.High
		}
		if err := s.gpio.WritePin(s.cfg.DirPin, level); err != nil {
			return err
		}
		s.forward = forward
		s.dirSet = true
		debug.Trace("Stepper: direction forward=%v on pin %d", forward, s.cfg.DirPin)
	}

	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	time.Sleep(s.pulse)
	return s.gpio.WritePin(s.cfg.StepPin, gpio.Low)
}

// PulseWidth returns the STEP high time.
func (s *Stepper) PulseWidth() time.Duration {
	return s.pulse
}

// Enable turns on the motor driver (ENABLE=LOW). The motor holds position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (ENABLE=HIGH). The motor freewheels.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.High)
}
