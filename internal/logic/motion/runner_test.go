package motion

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cjeanneret/BounceGo/internal/actuator"
	"github.com/cjeanneret/BounceGo/internal/logic/bounce"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(0, 0)}
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newController(t *testing.T, sim *actuator.Sim, cfg bounce.Config) *bounce.Controller {
	t.Helper()
	c := bounce.New(cfg)
	c.SetObserver(nil)
	if err := c.Initialize(context.Background(), sim); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return c
}

// fastConfig moves 30° in well under a second of wall time.
func fastConfig() bounce.Config {
	return bounce.Config{
		StartAngle:      0,
		EndAngle:        30,
		MaxCycles:       2,
		MaxVelocity:     200_000,
		MaxAcceleration: 2_000_000,
		PollInterval:    time.Millisecond,
		WaitTimeout:     5 * time.Second,
	}
}

func TestRunner_TickCompletesSequence(t *testing.T) {
	clk := newFakeClock()
	sim := actuator.NewSim(actuator.SimConfig{Clock: clk.now})
	c := newController(t, sim, bounce.Config{StartAngle: 0, EndAngle: 30, MaxCycles: 2})
	r := NewRunner(c, 5*time.Millisecond)

	r.Start()
	var s bounce.Status
	sawEnd := false
	for i := 0; i < 20000 && !s.Complete; i++ {
		clk.advance(5 * time.Millisecond)
		s = r.Tick()
		if s.Direction == bounce.TowardStart && s.Cycles == 0 {
			sawEnd = true
		}
	}

	if !s.Complete {
		t.Fatalf("sequence did not complete: %+v", s)
	}
	if !sawEnd {
		t.Error("never observed the return phase of the first cycle")
	}
	if s.Cycles != 2 {
		t.Errorf("cycles = %d, want 2", s.Cycles)
	}
	if math.Abs(s.Angle) >= bounce.ArrivalTolerance {
		t.Errorf("final angle = %f, want start", s.Angle)
	}
	if r.Status() != s {
		t.Errorf("cached status differs from tick result")
	}
}

func TestRunner_RunUntilComplete(t *testing.T) {
	sim := actuator.NewSim(actuator.SimConfig{})
	c := newController(t, sim, fastConfig())
	r := NewRunner(c, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.RunUntilComplete(ctx); err != nil {
		t.Fatalf("RunUntilComplete: %v", err)
	}
	s := r.Status()
	if !s.Complete || s.Cycles != 2 {
		t.Errorf("status = %+v", s)
	}
	if r.Active() {
		t.Error("runner should be inactive after completion")
	}
}

func TestRunner_RunStopsOnCancel(t *testing.T) {
	sim := actuator.NewSim(actuator.SimConfig{})
	cfg := fastConfig()
	cfg.MaxVelocity = 500
	cfg.MaxAcceleration = 2000
	c := newController(t, sim, cfg)
	r := NewRunner(c, time.Millisecond)
	r.Start()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if r.Status().Active || r.Active() {
		t.Error("runner should deactivate on exit")
	}
	if moving, _ := sim.IsMoving(); moving {
		t.Error("actuator still moving after Run returned")
	}
}

func TestRunner_ResetAfterCompletion(t *testing.T) {
	sim := actuator.NewSim(actuator.SimConfig{})
	cfg := fastConfig()
	cfg.MaxCycles = 1
	c := newController(t, sim, cfg)
	r := NewRunner(c, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.RunUntilComplete(ctx); err != nil {
		t.Fatalf("RunUntilComplete: %v", err)
	}
	if err := r.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	s := r.Status()
	if s.Complete || s.Cycles != 0 || s.Direction != bounce.TowardEnd {
		t.Errorf("after reset: %+v", s)
	}
}

func TestRunner_GoToAndCapture(t *testing.T) {
	sim := actuator.NewSim(actuator.SimConfig{})
	c := newController(t, sim, fastConfig())
	r := NewRunner(c, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.GoTo(ctx, End); err != nil {
		t.Fatalf("GoTo end: %v", err)
	}
	if a, _ := sim.CurrentAngle(); math.Abs(a-30) > 1e-6 {
		t.Errorf("angle = %f, want 30", a)
	}

	sim.MoveToAngle(20)
	if err := bounce.WaitIdle(ctx, sim, time.Millisecond, 0); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	if captured := r.Capture(End); math.Abs(captured-20) > 1e-6 {
		t.Errorf("captured end = %f, want 20", captured)
	}
	if r.Status().EndAngle != endAngle(r) {
		t.Error("status not refreshed after capture")
	}

	if err := r.GoTo(ctx, Start); err != nil {
		t.Fatalf("GoTo start: %v", err)
	}
	if r.Status().Position != 0 {
		t.Errorf("position = %d, want 0", r.Status().Position)
	}
}

func endAngle(r *Runner) float64 {
	var end float64
	r.Do(func(c *bounce.Controller) { end = c.EndAngle() })
	return end
}

func TestRunner_ApplyOverrides(t *testing.T) {
	sim := actuator.NewSim(actuator.SimConfig{})
	c := newController(t, sim, fastConfig())
	r := NewRunner(c, time.Millisecond)

	cycles := 7
	up := 2.5
	r.Apply(Overrides{MaxCycles: &cycles, UpVelocityMultiplier: &up})

	s := r.Status()
	if s.MaxCycles != 7 || s.UpVelocityMultiplier != 2.5 {
		t.Errorf("overrides not applied: %+v", s)
	}
	if s.DownVelocityMultiplier != bounce.DefaultDownVelocityMultiplier {
		t.Errorf("unset override changed down multiplier: %g", s.DownVelocityMultiplier)
	}
}

func TestRunner_Toggle(t *testing.T) {
	sim := actuator.NewSim(actuator.SimConfig{})
	r := NewRunner(newController(t, sim, fastConfig()), 0)
	if r.Period() != 10*time.Millisecond {
		t.Errorf("default period = %v", r.Period())
	}
	if !r.Toggle() || r.Toggle() {
		t.Error("Toggle should alternate activation")
	}
}

// stuckDriver reports moving forever once stuck is set.
type stuckDriver struct {
	*actuator.Sim
	stuck atomic.Bool
}

func (d *stuckDriver) IsMoving() (bool, error) {
	if d.stuck.Load() {
		return true, nil
	}
	return d.Sim.IsMoving()
}

func TestRunner_StopDuringBlockingMove(t *testing.T) {
	drv := &stuckDriver{Sim: actuator.NewSim(actuator.SimConfig{})}
	c := bounce.New(bounce.Config{EndAngle: 30, PollInterval: time.Millisecond})
	c.SetObserver(nil)
	if err := c.Initialize(context.Background(), drv); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	r := NewRunner(c, time.Millisecond)
	drv.stuck.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.GoTo(ctx, End) }()
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		r.Start()
		r.Stop()
		r.Toggle()
		r.Toggle()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked behind GoTo")
	}
	if r.Active() {
		t.Error("runner active after Stop")
	}

	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("GoTo = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("GoTo ignored cancellation")
	}
}

func TestOverrides_Validate(t *testing.T) {
	zero, neg := 0, -3
	var zeroVel uint32
	bad, good := -1.0, 1.2
	nan := math.NaN()
	tests := []struct {
		name    string
		o       Overrides
		wantErr bool
	}{
		{"empty", Overrides{}, false},
		{"valid multiplier", Overrides{DownAccelerationMultiplier: &good}, false},
		{"zero cycles", Overrides{MaxCycles: &zero}, true},
		{"negative cycles", Overrides{MaxCycles: &neg}, true},
		{"zero velocity", Overrides{MaxVelocity: &zeroVel}, true},
		{"zero acceleration", Overrides{MaxAcceleration: &zeroVel}, true},
		{"negative multiplier", Overrides{UpAccelerationMultiplier: &bad}, true},
		{"nan multiplier", Overrides{DownVelocityMultiplier: &nan}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.o.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseEndpoint(t *testing.T) {
	for in, want := range map[string]Endpoint{"start": Start, " END ": End} {
		e, err := ParseEndpoint(in)
		if err != nil || e != want {
			t.Errorf("ParseEndpoint(%q) = %v, %v", in, e, err)
		}
	}
	if _, err := ParseEndpoint("middle"); err == nil {
		t.Error("expected error for unknown endpoint")
	}
}
