package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/BounceGo/internal/actuator"
	"github.com/cjeanneret/BounceGo/internal/config"
	"github.com/cjeanneret/BounceGo/internal/debug"
	"github.com/cjeanneret/BounceGo/internal/logic/bounce"
	"github.com/cjeanneret/BounceGo/internal/logic/motion"
	"github.com/cjeanneret/BounceGo/internal/tui"
	"github.com/cjeanneret/BounceGo/internal/web"
)

// RunCommand runs one full bounce sequence from the start angle.
type RunCommand struct {
	Cycles         *int     `short:"n" long:"cycles" description:"Override bounce.max_cycles"`
	Velocity       *uint32  `long:"velocity" description:"Override bounce.max_velocity (microsteps/s)"`
	Acceleration   *uint32  `long:"acceleration" description:"Override bounce.max_acceleration (microsteps/s²)"`
	UpVelocity     *float64 `long:"up-velocity" description:"Override the strike velocity multiplier"`
	UpAcceleration *float64 `long:"up-acceleration" description:"Override the strike acceleration multiplier"`
	DownVelocity   *float64 `long:"down-velocity" description:"Override the return velocity multiplier"`
	DownAccel      *float64 `long:"down-acceleration" description:"Override the return acceleration multiplier"`
}

func (c *RunCommand) overrides() motion.Overrides {
	return motion.Overrides{
		MaxCycles:                  c.Cycles,
		MaxVelocity:                c.Velocity,
		MaxAcceleration:            c.Acceleration,
		UpVelocityMultiplier:       c.UpVelocity,
		UpAccelerationMultiplier:   c.UpAcceleration,
		DownVelocityMultiplier:     c.DownVelocity,
		DownAccelerationMultiplier: c.DownAccel,
	}
}

func (c *RunCommand) Execute(args []string) error {
	o := c.overrides()
	if err := o.Validate(); err != nil {
		return fmt.Errorf("invalid override: %w", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	return runSequence(ctx, cfg, o)
}

func runSequence(ctx context.Context, cfg *config.Config, o motion.Overrides) error {
	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	a.runner.Apply(o)
	debug.Step(3, "Returning to start")
	if err := a.runner.Reset(ctx); err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}

	debug.Section("Starting Bounce Sequence")
	err = a.runner.RunUntilComplete(ctx)
	s := a.runner.Status()
	switch {
	case err == nil:
		debug.Summary("Sequence Complete")
		debug.Value("Cycles", fmt.Sprintf("%d/%d", s.Cycles, s.MaxCycles))
		return nil
	case errors.Is(err, context.Canceled):
		debug.Info("Interrupted after %d/%d cycles", s.Cycles, s.MaxCycles)
		return nil
	default:
		return err
	}
}

// ServeCommand serves the web control panel.
type ServeCommand struct {
	Addr string `short:"a" long:"addr" default:":8080" description:"Listen address"`
}

func (c *ServeCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	broadcaster := web.NewStatusBroadcaster()
	debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

	a, err := newApp(ctx, cfg, bounce.Observers{bounce.LogObserver{}, broadcaster})
	if err != nil {
		return err
	}
	defer a.Close()

	srv := web.NewServer(c.Addr, broadcaster, a.runner, formDefaults(cfg))
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func formDefaults(cfg *config.Config) web.FormConfig {
	b := cfg.Bounce
	return web.FormConfig{
		StartAngle:                 b.StartAngle,
		EndAngle:                   b.EndAngle,
		MaxCycles:                  b.MaxCycles,
		MaxVelocity:                b.MaxVelocity,
		MaxAcceleration:            b.MaxAcceleration,
		UpVelocityMultiplier:       b.UpVelocityMultiplier,
		UpAccelerationMultiplier:   b.UpAccelerationMultiplier,
		DownVelocityMultiplier:     b.DownVelocityMultiplier,
		DownAccelerationMultiplier: b.DownAccelerationMultiplier,
	}
}

// TUICommand opens the terminal dashboard.
type TUICommand struct{}

func (c *TUICommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// The dashboard owns the terminal.
	debug.SetOutput(io.Discard)

	ctx, cancel := signalContext()
	defer cancel()

	feed := tui.NewEventFeed()
	a, err := newApp(ctx, cfg, feed)
	if err != nil {
		return err
	}
	defer a.Close()

	loopCtx, stopLoop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.runner.Run(loopCtx)
	}()

	err = tui.Run(ctx, a.runner, feed)
	stopLoop()
	wg.Wait()
	return err
}

type endpointArg struct {
	Endpoint string `positional-arg-name:"start|end" required:"yes"`
}

// GoToCommand moves to a recorded endpoint.
type GoToCommand struct {
	Args endpointArg `positional-args:"yes"`
}

func (c *GoToCommand) Execute(args []string) error {
	e, err := motion.ParseEndpoint(c.Args.Endpoint)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.runner.GoTo(ctx, e); err != nil {
		return fmt.Errorf("go to %s: %w", e, err)
	}
	fmt.Printf("at %s: %.2f°\n", e, a.ctrl.CurrentAngle())
	return nil
}

// CaptureCommand records the current actuator angle as an endpoint and
// prints the resulting bounce section to paste into the config.
type CaptureCommand struct {
	Args endpointArg `positional-args:"yes"`
}

func (c *CaptureCommand) Execute(args []string) error {
	e, err := motion.ParseEndpoint(c.Args.Endpoint)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	angle := a.runner.Capture(e)
	debug.Info("Captured %s angle %.2f°", e, angle)
	return writeBounceSection(os.Stdout, a.cfg, a.runner.Status())
}

// writeBounceSection prints cfg's bounce section with the captured angles.
func writeBounceSection(w io.Writer, cfg *config.Config, s bounce.Status) error {
	b := cfg.Bounce
	b.StartAngle = s.StartAngle
	b.EndAngle = s.EndAngle
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]config.BounceConfig{"bounce": b}); err != nil {
		return fmt.Errorf("encode bounce section: %w", err)
	}
	return enc.Close()
}

// PortsCommand lists candidate serial ports.
type PortsCommand struct{}

func (c *PortsCommand) Execute(args []string) error {
	ports, err := actuator.Ports()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}
