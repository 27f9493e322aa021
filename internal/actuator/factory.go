package actuator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cjeanneret/BounceGo/internal/config"
	"github.com/cjeanneret/BounceGo/internal/hw/gpio"
	"github.com/cjeanneret/BounceGo/internal/hw/stepper"
	"go.bug.st/serial"
	"go.uber.org/multierr"
)

// New builds the actuator selected by cfg.Actuator.Type.
func New(cfg *config.Config) (Device, error) {
	a := cfg.Actuator
	switch a.Type {
	case config.ActuatorSim, "":
		return NewSim(SimConfig{
			StepsPerDegree: a.Sim.StepsPerDegree,
			InitialAngle:   a.Sim.InitialAngle,
		}), nil

	case config.ActuatorGPIOStepper:
		g, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
		if err != nil {
			return nil, fmt.Errorf("init GPIO: %w", err)
		}
		motor := stepper.NewStepper(g, stepper.Config{
			StepPin:       a.GPIOStepper.StepPin,
			DirPin:        a.GPIOStepper.DirPin,
			EnablePin:     a.GPIOStepper.EnablePin,
			StepsPerRev:   a.GPIOStepper.StepsPerRev,
			Microstepping: a.GPIOStepper.Microstepping,
			PulseWidth:    cfg.PulseWidth(),
		})
		return &gpioDevice{GPIOStepper: NewGPIOStepper(motor), gpio: g}, nil

	case config.ActuatorTic:
		return device(NewTic(TicConfig{
			Bus:            a.Tic.Bus,
			Address:        a.Tic.Address,
			Model:          a.Tic.Model,
			CurrentLimitMA: a.Tic.CurrentLimitMA,
			StepsPerRev:    a.Tic.StepsPerRev,
			Microstepping:  a.Tic.Microstepping,
		}))

	case config.ActuatorMaestro:
		return device(NewMaestro(MaestroConfig{
			Port:       a.Maestro.Port,
			Baud:       a.Maestro.Baud,
			Device:     a.Maestro.Device,
			Channel:    a.Maestro.Channel,
			Compact:    a.Maestro.Compact,
			MinPulseUs: a.Maestro.MinPulseUs,
			MaxPulseUs: a.Maestro.MaxPulseUs,
			RangeDeg:   a.Maestro.RangeDeg,
		}))

	case config.ActuatorFeetech:
		return device(NewFeetech(FeetechConfig{
			Port:         a.Feetech.Port,
			Baud:         a.Feetech.Baud,
			ID:           a.Feetech.ID,
			CountsPerRev: a.Feetech.CountsPerRev,
		}))

	default:
		return nil, fmt.Errorf("unsupported actuator type: %s", a.Type)
	}
}

// device keeps a typed nil out of the Device interface on error.
func device[T Device](d T, err error) (Device, error) {
	if err != nil {
		return nil, err
	}
	return d, nil
}

// gpioDevice also closes the GPIO driver the stepper was built on.
type gpioDevice struct {
	*GPIOStepper
	gpio gpio.Driver
}

func (d *gpioDevice) Close() error {
	return multierr.Combine(d.GPIOStepper.Close(), d.gpio.Close())
}

// Ports lists the serial ports a Maestro or Feetech bus could be attached to.
// Bluetooth pseudo-ports are skipped.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	var out []string
	for _, p := range ports {
		if strings.Contains(p, "Bluetooth") {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
