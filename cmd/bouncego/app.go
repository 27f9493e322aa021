package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cjeanneret/BounceGo/internal/actuator"
	"github.com/cjeanneret/BounceGo/internal/config"
	"github.com/cjeanneret/BounceGo/internal/debug"
	"github.com/cjeanneret/BounceGo/internal/logic/bounce"
	"github.com/cjeanneret/BounceGo/internal/logic/motion"
)

// app is the wired actuator, controller and runner shared by the commands.
type app struct {
	cfg    *config.Config
	dev    actuator.Device
	ctrl   *bounce.Controller
	runner *motion.Runner
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// loadConfig validates and loads the --config file and sets up debug output.
func loadConfig() (*config.Config, error) {
	if err := config.ValidateConfigPath(opts.Config); err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	if opts.Debug != nil {
		if *opts.Debug < debug.LevelOff || *opts.Debug > debug.LevelTrace {
			return nil, fmt.Errorf("debug level must be between %d and %d, got %d", debug.LevelOff, debug.LevelTrace, *opts.Debug)
		}
		cfg.Defaults.DebugLevel = *opts.Debug
	}

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", opts.Config)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Actuator", cfg.Actuator.Type)
	return cfg, nil
}

// bounceConfig maps the bounce and timing sections onto a controller config.
func bounceConfig(cfg *config.Config) bounce.Config {
	b := cfg.Bounce
	return bounce.Config{
		StartAngle:                 b.StartAngle,
		EndAngle:                   b.EndAngle,
		MaxCycles:                  b.MaxCycles,
		MaxVelocity:                b.MaxVelocity,
		MaxAcceleration:            b.MaxAcceleration,
		UpVelocityMultiplier:       b.UpVelocityMultiplier,
		UpAccelerationMultiplier:   b.UpAccelerationMultiplier,
		DownVelocityMultiplier:     b.DownVelocityMultiplier,
		DownAccelerationMultiplier: b.DownAccelerationMultiplier,
		PollInterval:               cfg.PollInterval(),
		WaitTimeout:                cfg.WaitTimeout(),
		MaxStallRetries:            b.MaxStallRetries,
	}
}

// newApp opens the configured actuator and binds a controller to it. A nil
// observer keeps the controller's log observer.
func newApp(ctx context.Context, cfg *config.Config, observer bounce.Observer) (*app, error) {
	debug.Step(1, "Opening actuator")
	dev, err := actuator.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("init actuator failed: %w", err)
	}

	debug.Step(2, "Binding bounce controller")
	ctrl := bounce.New(bounceConfig(cfg))
	debug.PrintStruct("Bounce config", cfg.Bounce)
	if observer != nil {
		ctrl.SetObserver(observer)
	}
	if err := ctrl.Initialize(ctx, dev); err != nil {
		dev.Close()
		return nil, fmt.Errorf("initialize controller failed: %w", err)
	}
	debug.Value("Up profile", ctrl.UpProfile())
	debug.Value("Down profile", ctrl.DownProfile())
	debug.Value("Loop period", cfg.LoopPeriod())

	return &app{
		cfg:    cfg,
		dev:    dev,
		ctrl:   ctrl,
		runner: motion.NewRunner(ctrl, cfg.LoopPeriod()),
	}, nil
}

// Close stops the actuator and releases it.
func (a *app) Close() {
	a.runner.Stop()
	a.runner.Tick()
	if err := a.dev.Close(); err != nil {
		log.Printf("closing actuator failed: %v", err)
	}
}
