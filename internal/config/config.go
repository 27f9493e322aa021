package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported actuator types.
const (
	ActuatorSim         = "sim"
	ActuatorGPIOStepper = "gpio_stepper"
	ActuatorTic         = "tic"
	ActuatorMaestro     = "maestro"
	ActuatorFeetech     = "feetech"
)

// SimConfig configures the simulated actuator.
type SimConfig struct {
	StepsPerDegree float64 `yaml:"steps_per_degree"` // 0 = 200*256/360
	InitialAngle   float64 `yaml:"initial_angle"`
}

// GPIOStepperConfig holds the wiring of a STEP/DIR stepper driver.
type GPIOStepperConfig struct {
	StepPin       int `yaml:"step_pin"`
	DirPin        int `yaml:"dir_pin"`
	EnablePin     int `yaml:"enable_pin"` // 0 = not used. Active LOW.
	StepsPerRev   int `yaml:"steps_per_rev"`
	Microstepping int `yaml:"microstepping"`
	PulseWidthUs  int `yaml:"pulse_width_us"`
}

// TicConfig describes a Pololu Tic on I²C.
type TicConfig struct {
	Bus            string `yaml:"bus"`     // "" = first bus
	Address        uint16 `yaml:"address"` // 0 = default Tic address
	Model          string `yaml:"model"`   // t500, t834, t825, t249, 36v4
	CurrentLimitMA int    `yaml:"current_limit_ma"`
	StepsPerRev    int    `yaml:"steps_per_rev"`
	Microstepping  int    `yaml:"microstepping"`
}

// MaestroConfig describes a servo channel on a Pololu Maestro.
type MaestroConfig struct {
	Port       string  `yaml:"port"`
	Baud       int     `yaml:"baud"`
	Device     uint8   `yaml:"device"`
	Channel    uint8   `yaml:"channel"`
	Compact    bool    `yaml:"compact"`
	MinPulseUs float64 `yaml:"min_pulse_us"`
	MaxPulseUs float64 `yaml:"max_pulse_us"`
	RangeDeg   float64 `yaml:"range_deg"`
}

// FeetechConfig describes a Feetech STS servo.
type FeetechConfig struct {
	Port         string `yaml:"port"`
	Baud         int    `yaml:"baud"`
	ID           int    `yaml:"id"`
	CountsPerRev int    `yaml:"counts_per_rev"`
}

// ActuatorConfig selects and configures the actuator backend.
type ActuatorConfig struct {
	Type        string            `yaml:"type"`
	Sim         SimConfig         `yaml:"sim"`
	GPIOStepper GPIOStepperConfig `yaml:"gpio_stepper"`
	Tic         TicConfig         `yaml:"tic"`
	Maestro     MaestroConfig     `yaml:"maestro"`
	Feetech     FeetechConfig     `yaml:"feetech"`
}

// BounceConfig holds the strike parameters.
type BounceConfig struct {
	StartAngle                 float64 `yaml:"start_angle"`
	EndAngle                   float64 `yaml:"end_angle"`
	MaxCycles                  int     `yaml:"max_cycles"`
	MaxVelocity                uint32  `yaml:"max_velocity"`
	MaxAcceleration            uint32  `yaml:"max_acceleration"`
	UpVelocityMultiplier       float64 `yaml:"up_velocity_multiplier"`
	UpAccelerationMultiplier   float64 `yaml:"up_acceleration_multiplier"`
	DownVelocityMultiplier     float64 `yaml:"down_velocity_multiplier"`
	DownAccelerationMultiplier float64 `yaml:"down_acceleration_multiplier"`
	MaxStallRetries            int     `yaml:"max_stall_retries"` // 0 = retry forever
}

// DefaultsConfig contains generic runtime parameters.
type DefaultsConfig struct {
	LoopHz         int  `yaml:"loop_hz"`          // update ticks per second
	PollIntervalMs int  `yaml:"poll_interval_ms"` // blocking move poll interval
	WaitTimeoutMs  int  `yaml:"wait_timeout_ms"`  // 0 = wait forever
	DebugLevel     int  `yaml:"debug_level"`      // 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO       bool `yaml:"mock_gpio"`        // mock GPIO for gpio_stepper on a PC
}

// Config aggregates all application configuration.
type Config struct {
	Actuator ActuatorConfig `yaml:"actuator"`
	Bounce   BounceConfig   `yaml:"bounce"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files living directly in a configs/ directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config file must have .yaml extension: %s", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config file must be in a configs/ directory: %s", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, fills defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	a := &c.Actuator
	a.Type = strings.ToLower(strings.TrimSpace(a.Type))
	switch a.Type {
	case "":
		a.Type = ActuatorSim
	case ActuatorSim, ActuatorGPIOStepper, ActuatorTic, ActuatorMaestro, ActuatorFeetech:
	default:
		return fmt.Errorf("unsupported actuator.type: %s", a.Type)
	}
	switch a.Type {
	case ActuatorMaestro:
		if a.Maestro.Port == "" {
			return fmt.Errorf("actuator.maestro.port is required")
		}
	case ActuatorFeetech:
		if a.Feetech.Port == "" {
			return fmt.Errorf("actuator.feetech.port is required")
		}
		if a.Feetech.ID <= 0 {
			a.Feetech.ID = 1
		}
	case ActuatorGPIOStepper:
		if a.GPIOStepper.StepPin <= 0 || a.GPIOStepper.DirPin <= 0 {
			return fmt.Errorf("actuator.gpio_stepper.step_pin and dir_pin are required")
		}
	}
	if a.GPIOStepper.StepsPerRev <= 0 {
		a.GPIOStepper.StepsPerRev = 200
	}
	if a.GPIOStepper.Microstepping <= 0 {
		a.GPIOStepper.Microstepping = 16
	}
	if a.Tic.StepsPerRev <= 0 {
		a.Tic.StepsPerRev = 200
	}
	if a.Tic.Microstepping <= 0 {
		a.Tic.Microstepping = 1
	}

	b := &c.Bounce
	for name, v := range map[string]float64{
		"start_angle": b.StartAngle,
		"end_angle":   b.EndAngle,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("bounce.%s must be a finite number", name)
		}
	}
	if b.MaxCycles < 0 {
		return fmt.Errorf("bounce.max_cycles must be > 0, got %d", b.MaxCycles)
	}
	if b.MaxCycles == 0 {
		b.MaxCycles = 10
	}
	if b.MaxVelocity == 0 {
		b.MaxVelocity = 500
	}
	if b.MaxAcceleration == 0 {
		b.MaxAcceleration = 2000
	}
	for _, m := range []struct {
		name string
		v    *float64
		def  float64
	}{
		{"up_velocity_multiplier", &b.UpVelocityMultiplier, 3.0},
		{"up_acceleration_multiplier", &b.UpAccelerationMultiplier, 2.0},
		{"down_velocity_multiplier", &b.DownVelocityMultiplier, 1.5},
		{"down_acceleration_multiplier", &b.DownAccelerationMultiplier, 1.0},
	} {
		if *m.v < 0 || math.IsNaN(*m.v) || math.IsInf(*m.v, 0) {
			return fmt.Errorf("bounce.%s must be > 0, got %g", m.name, *m.v)
		}
		if *m.v == 0 {
			*m.v = m.def
		}
	}
	if b.MaxStallRetries < 0 {
		return fmt.Errorf("bounce.max_stall_retries must be >= 0, got %d", b.MaxStallRetries)
	}

	d := &c.Defaults
	if d.LoopHz <= 0 {
		d.LoopHz = 100
	}
	if d.LoopHz > 10000 {
		return fmt.Errorf("defaults.loop_hz must be <= 10000, got %d", d.LoopHz)
	}
	if d.PollIntervalMs <= 0 {
		d.PollIntervalMs = 10
	}
	if d.WaitTimeoutMs < 0 {
		return fmt.Errorf("defaults.wait_timeout_ms must be >= 0, got %d", d.WaitTimeoutMs)
	}
	return nil
}

// LoopPeriod returns the time between two update ticks.
func (c *Config) LoopPeriod() time.Duration {
	return time.Second / time.Duration(c.Defaults.LoopHz)
}

// PollInterval returns the poll interval of blocking moves.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Defaults.PollIntervalMs) * time.Millisecond
}

// WaitTimeout returns the timeout of blocking moves (0 = none).
func (c *Config) WaitTimeout() time.Duration {
	return time.Duration(c.Defaults.WaitTimeoutMs) * time.Millisecond
}

// PulseWidth returns the STEP pulse width of the GPIO stepper.
func (c *Config) PulseWidth() time.Duration {
	return time.Duration(c.Actuator.GPIOStepper.PulseWidthUs) * time.Microsecond
}
