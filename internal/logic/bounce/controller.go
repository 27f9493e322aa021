// Package bounce implements the bounce-cycle state machine: one actuator
// strikes from a start angle to an end angle and returns, a bounded number
// of times, with a faster "up" profile for the strike and a "down" profile
// for the return.
package bounce

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/BounceGo/internal/actuator"
	"github.com/cjeanneret/BounceGo/internal/debug"
)

const (
	// ArrivalTolerance is how close (degrees) the actuator must be to the
	// phase target for the phase to end.
	ArrivalTolerance = 0.5
	// StepsPerDegree converts angle deltas into the reported logical position.
	StepsPerDegree = actuator.DefaultStepsPerDegree
)

// Defaults applied by New to zero Config fields.
const (
	DefaultMaxCycles                  = 10
	DefaultMaxVelocity                = 500
	DefaultMaxAcceleration            = 2000
	DefaultUpVelocityMultiplier       = 3.0
	DefaultUpAccelerationMultiplier   = 2.0
	DefaultDownVelocityMultiplier     = 1.5
	DefaultDownAccelerationMultiplier = 1.0
)

// ErrAlreadyBound is returned by Initialize when a driver is already bound.
var ErrAlreadyBound = errors.New("bounce: driver already bound")

// Config holds the construction parameters of a Controller.
type Config struct {
	StartAngle float64
	EndAngle   float64
	MaxCycles  int

	MaxVelocity     uint32 // base velocity limit, driver units
	MaxAcceleration uint32 // base acceleration limit, driver units

	UpVelocityMultiplier       float64
	UpAccelerationMultiplier   float64
	DownVelocityMultiplier     float64
	DownAccelerationMultiplier float64

	PollInterval    time.Duration // blocking move poll interval, 0 = DefaultPollInterval
	WaitTimeout     time.Duration // blocking move timeout, 0 = none
	MaxStallRetries int           // 0 = re-issue forever
}

// Profile is a (velocity, acceleration) limit pair.
type Profile struct {
	Velocity     uint32 `json:"velocity"`
	Acceleration uint32 `json:"acceleration"`
}

// Controller is the bounce state machine for one axis. It is not safe for
// concurrent use; motion.Runner serializes access.
type Controller struct {
	driver actuator.Driver
	obs    Observer

	startAngle float64
	endAngle   float64
	direction  Direction
	cycleCount int
	maxCycles  int
	complete   bool
	active     bool

	baseVelocity     uint32
	baseAcceleration uint32
	upVelMult        float64
	upAccelMult      float64
	downVelMult      float64
	downAccelMult    float64

	position  int
	lastAngle float64

	pollInterval time.Duration
	waitTimeout  time.Duration

	// issued is set once the move of the current phase has been commanded.
	issued          bool
	stallRetries    int
	maxStallRetries int
	stalled         bool
}

// New returns an unbound controller. Zero or negative fields of cfg are
// replaced by defaults.
func New(cfg Config) *Controller {
	c := &Controller{
		obs:              LogObserver{},
		startAngle:       cfg.StartAngle,
		endAngle:         cfg.EndAngle,
		direction:        TowardEnd,
		maxCycles:        cfg.MaxCycles,
		baseVelocity:     cfg.MaxVelocity,
		baseAcceleration: cfg.MaxAcceleration,
		upVelMult:        cfg.UpVelocityMultiplier,
		upAccelMult:      cfg.UpAccelerationMultiplier,
		downVelMult:      cfg.DownVelocityMultiplier,
		downAccelMult:    cfg.DownAccelerationMultiplier,
		pollInterval:     cfg.PollInterval,
		waitTimeout:      cfg.WaitTimeout,
		maxStallRetries:  cfg.MaxStallRetries,
	}
	if c.maxCycles <= 0 {
		c.maxCycles = DefaultMaxCycles
	}
	if c.baseVelocity == 0 {
		c.baseVelocity = DefaultMaxVelocity
	}
	if c.baseAcceleration == 0 {
		c.baseAcceleration = DefaultMaxAcceleration
	}
	for _, m := range []struct {
		v   *float64
		def float64
	}{
		{&c.upVelMult, DefaultUpVelocityMultiplier},
		{&c.upAccelMult, DefaultUpAccelerationMultiplier},
		{&c.downVelMult, DefaultDownVelocityMultiplier},
		{&c.downAccelMult, DefaultDownAccelerationMultiplier},
	} {
		if !(*m.v > 0) || math.IsInf(*m.v, 0) {
			*m.v = m.def
		}
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.waitTimeout < 0 {
		c.waitTimeout = 0
	}
	if c.maxStallRetries < 0 {
		c.maxStallRetries = 0
	}
	return c
}

// SetObserver replaces the observer. nil disables notifications.
func (c *Controller) SetObserver(o Observer) {
	c.obs = o
}

func (c *Controller) notify(kind EventKind) {
	if c.obs == nil {
		return
	}
	c.obs.Notify(Event{
		Kind:      kind,
		Direction: c.direction,
		Cycles:    c.cycleCount,
		MaxCycles: c.maxCycles,
		Angle:     c.lastAngle,
		Target:    c.Target(),
		Retries:   c.stallRetries,
	})
}

func (c *Controller) bound(op string) bool {
	if c.driver == nil {
		debug.Errorf("bounce: %s called without a driver", op)
		return false
	}
	return true
}

// Initialize binds driver, pushes the base limits, enables closed loop
// control and blocks until the actuator is at the start angle.
// A nil driver leaves the controller inert.
func (c *Controller) Initialize(ctx context.Context, driver actuator.Driver) error {
	if driver == nil {
		debug.Errorf("bounce: initialize called with nil driver, controller stays inert")
		return nil
	}
	if c.driver != nil {
		return ErrAlreadyBound
	}
	c.driver = driver

	debug.Section("Bounce controller")
	debug.Value("start_angle", c.startAngle)
	debug.Value("end_angle", c.endAngle)
	debug.Value("max_cycles", c.maxCycles)
	debug.Value("max_velocity", c.baseVelocity)
	debug.Value("max_acceleration", c.baseAcceleration)
	debug.Value("up_profile", c.profile(TowardEnd))
	debug.Value("down_profile", c.profile(TowardStart))
	debug.Value("max_stall_retries", c.maxStallRetries)

	c.applyProfile(c.baseProfile())
	if err := c.moveAndWait(ctx, c.startAngle); err != nil {
		return fmt.Errorf("initial move to start: %w", err)
	}
	c.position = 0
	return nil
}

// Update is the non-blocking tick. It issues at most one move per call.
func (c *Controller) Update(active bool) {
	if !c.bound("update") {
		return
	}
	wasActive := c.active
	c.active = active

	if !active {
		c.stop()
		c.issued = false
		if wasActive {
			c.notify(EventStopped)
		}
		return
	}
	if c.complete || c.stalled {
		return
	}

	angle, err := c.driver.CurrentAngle()
	if err != nil {
		debug.Errorf("read angle: %v", err)
		return
	}
	c.observe(angle)

	if math.Abs(angle-c.Target()) < ArrivalTolerance {
		c.arrive()
		return
	}

	moving, err := c.driver.IsMoving()
	if err != nil {
		debug.Errorf("read moving state: %v", err)
		return
	}
	if !moving {
		c.recoverStall()
	}
}

func (c *Controller) arrive() {
	c.stallRetries = 0
	switch c.direction {
	case TowardEnd:
		c.direction = c.direction.Flip()
		c.notify(EventStrike)
		c.issueMove()

	case TowardStart:
		if c.cycleCount < c.maxCycles {
			c.cycleCount++
		}
		if c.cycleCount >= c.maxCycles {
			c.complete = true
			c.stop()
			c.issued = false
			c.notify(EventComplete)
			return
		}
		c.direction = c.direction.Flip()
		c.notify(EventCycle)
		c.issueMove()
	}
}

// recoverStall re-issues the move of the current phase when the driver is
// idle short of its target. The first command of a phase is not a retry.
func (c *Controller) recoverStall() {
	if !c.issued {
		c.issueMove()
		return
	}
	if c.maxStallRetries > 0 && c.stallRetries >= c.maxStallRetries {
		c.stalled = true
		c.stop()
		c.notify(EventStalled)
		return
	}
	c.stallRetries++
	c.notify(EventStallRetry)
	c.issueMove()
}

// issueMove applies the profile of the current direction and commands the
// move to its target.
func (c *Controller) issueMove() {
	c.applyProfile(c.profile(c.direction))
	c.enableClosedLoop()
	target := c.Target()
	if err := c.driver.MoveToAngle(target); err != nil {
		debug.Errorf("move to %.2f°: %v", target, err)
	}
	c.issued = true
}

func (c *Controller) stop() {
	if err := c.driver.Stop(); err != nil {
		debug.Errorf("stop: %v", err)
	}
}

func (c *Controller) applyProfile(p Profile) {
	debug.Verbose("Profile velocity=%d acceleration=%d", p.Velocity, p.Acceleration)
	if err := c.driver.SetVelocityLimit(p.Velocity); err != nil {
		debug.Errorf("set velocity limit %d: %v", p.Velocity, err)
	}
	if err := c.driver.SetAccelerationLimit(p.Acceleration); err != nil {
		debug.Errorf("set acceleration limit %d: %v", p.Acceleration, err)
	}
}

func (c *Controller) baseProfile() Profile {
	return Profile{Velocity: c.baseVelocity, Acceleration: c.baseAcceleration}
}

// profile returns the limits used for moves in direction d.
func (c *Controller) profile(d Direction) Profile {
	vm, am := c.upVelMult, c.upAccelMult
	if d == TowardStart {
		vm, am = c.downVelMult, c.downAccelMult
	}
	return Profile{
		Velocity:     scale(c.baseVelocity, vm),
		Acceleration: scale(c.baseAcceleration, am),
	}
}

func scale(base uint32, mult float64) uint32 {
	v := float64(base) * mult
	if v >= math.MaxUint32 {
		return math.MaxUint32
	}
	if v < 1 {
		return 1
	}
	return uint32(v)
}

// observe records angle and the logical position derived from it.
func (c *Controller) observe(angle float64) {
	c.lastAngle = angle
	c.position = int(math.Round((angle - c.startAngle) * StepsPerDegree))
}

// enableClosedLoop runs before every move and capture; a driver that dropped
// out (Tic command timeout, servo torque off) is re-energized.
func (c *Controller) enableClosedLoop() {
	if err := c.driver.EnableClosedLoop(); err != nil {
		debug.Errorf("enable closed loop: %v", err)
	}
}

func (c *Controller) moveAndWait(ctx context.Context, angle float64) error {
	debug.Verbose("Blocking move to %.2f°", angle)
	c.enableClosedLoop()
	if err := c.driver.MoveToAngle(angle); err != nil {
		debug.Errorf("move to %.2f°: %v", angle, err)
	}
	if err := WaitIdle(ctx, c.driver, c.pollInterval, c.waitTimeout); err != nil {
		return err
	}
	if a, err := c.driver.CurrentAngle(); err == nil {
		c.lastAngle = a
	}
	return nil
}

// CaptureStart stores the current angle as the start angle and makes it the
// origin of the logical position.
func (c *Controller) CaptureStart() {
	if !c.bound("capture start") {
		return
	}
	angle, ok := c.capture()
	if !ok {
		return
	}
	c.startAngle = angle
	c.position = 0
	debug.Info("Start angle captured: %.2f°", angle)
}

// CaptureEnd stores the current angle as the end angle.
func (c *Controller) CaptureEnd() {
	if !c.bound("capture end") {
		return
	}
	angle, ok := c.capture()
	if !ok {
		return
	}
	c.endAngle = angle
	debug.Info("End angle captured: %.2f°", angle)
}

func (c *Controller) capture() (float64, bool) {
	c.enableClosedLoop()
	angle, err := c.driver.CurrentAngle()
	if err != nil {
		debug.Errorf("read angle: %v", err)
		return 0, false
	}
	c.lastAngle = angle
	return angle, true
}

// GoToStart moves to the start angle and blocks until the actuator stops.
// It does not touch the bounce state.
func (c *Controller) GoToStart(ctx context.Context) error {
	if !c.bound("go to start") {
		return nil
	}
	if err := c.moveAndWait(ctx, c.startAngle); err != nil {
		return fmt.Errorf("go to start: %w", err)
	}
	c.position = 0
	return nil
}

// GoToEnd moves to the end angle and blocks until the actuator stops.
func (c *Controller) GoToEnd(ctx context.Context) error {
	if !c.bound("go to end") {
		return nil
	}
	if err := c.moveAndWait(ctx, c.endAngle); err != nil {
		return fmt.Errorf("go to end: %w", err)
	}
	c.position = int(math.Round((c.endAngle - c.startAngle) * StepsPerDegree))
	return nil
}

// Reset clears the cycle state, restores the base limits and blocks until
// the actuator is back at the start angle. Angles, multipliers and
// maxCycles are kept.
func (c *Controller) Reset(ctx context.Context) error {
	if !c.bound("reset") {
		return nil
	}
	c.direction = TowardEnd
	c.cycleCount = 0
	c.complete = false
	c.stalled = false
	c.stallRetries = 0
	c.issued = false

	c.applyProfile(c.baseProfile())
	if err := c.moveAndWait(ctx, c.startAngle); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	c.position = 0
	c.notify(EventReset)
	return nil
}

// SetMaxVelocity sets the base velocity and pushes it to the driver.
// The next commanded move applies its own profile on top of it.
func (c *Controller) SetMaxVelocity(v uint32) {
	if !c.bound("set max velocity") {
		return
	}
	if v == 0 {
		debug.Verbose("Rejected max velocity 0")
		return
	}
	c.baseVelocity = v
	if err := c.driver.SetVelocityLimit(v); err != nil {
		debug.Errorf("set velocity limit %d: %v", v, err)
	}
}

// SetMaxAcceleration sets the base acceleration and pushes it to the driver.
func (c *Controller) SetMaxAcceleration(a uint32) {
	if !c.bound("set max acceleration") {
		return
	}
	if a == 0 {
		debug.Verbose("Rejected max acceleration 0")
		return
	}
	c.baseAcceleration = a
	if err := c.driver.SetAccelerationLimit(a); err != nil {
		debug.Errorf("set acceleration limit %d: %v", a, err)
	}
}

// SetMaxCycles sets the cycle ceiling. A count above the new ceiling is
// clamped to it; the sequence then completes on the next return to start.
func (c *Controller) SetMaxCycles(n int) {
	if n <= 0 {
		debug.Verbose("Rejected max cycles %d", n)
		return
	}
	c.maxCycles = n
	if c.cycleCount > n {
		c.cycleCount = n
	}
}

func setMultiplier(name string, dst *float64, v float64) {
	if !(v > 0) || math.IsInf(v, 0) {
		debug.Verbose("Rejected %s %g", name, v)
		return
	}
	*dst = v
}

func (c *Controller) SetUpVelocityMultiplier(m float64) {
	setMultiplier("up velocity multiplier", &c.upVelMult, m)
}

func (c *Controller) SetUpAccelerationMultiplier(m float64) {
	setMultiplier("up acceleration multiplier", &c.upAccelMult, m)
}

func (c *Controller) SetDownVelocityMultiplier(m float64) {
	setMultiplier("down velocity multiplier", &c.downVelMult, m)
}

func (c *Controller) SetDownAccelerationMultiplier(m float64) {
	setMultiplier("down acceleration multiplier", &c.downAccelMult, m)
}

// Target is the angle of the current phase.
func (c *Controller) Target() float64 {
	if c.direction == TowardEnd {
		return c.endAngle
	}
	return c.startAngle
}

func (c *Controller) Position() int { return c.position }
func (c *Controller) IsComplete() bool { return c.complete }
func (c *Controller) IsActive() bool { return c.active }
func (c *Controller) IsStalled() bool { return c.stalled }
func (c *Controller) IsBound() bool { return c.driver != nil }
func (c *Controller) Cycles() int { return c.cycleCount }
func (c *Controller) MaxCycles() int { return c.maxCycles }
func (c *Controller) Direction() Direction { return c.direction }
func (c *Controller) StartAngle() float64 { return c.startAngle }
func (c *Controller) EndAngle() float64 { return c.endAngle }
func (c *Controller) MaxVelocity() uint32 { return c.baseVelocity }
func (c *Controller) MaxAcceleration() uint32 { return c.baseAcceleration }
func (c *Controller) UpVelocityMultiplier() float64 { return c.upVelMult }
func (c *Controller) UpAccelerationMultiplier() float64 { return c.upAccelMult }
func (c *Controller) DownVelocityMultiplier() float64 { return c.downVelMult }
func (c *Controller) DownAccelerationMultiplier() float64 { return c.downAccelMult }
func (c *Controller) UpProfile() Profile { return c.profile(TowardEnd) }
func (c *Controller) DownProfile() Profile { return c.profile(TowardStart) }

// CurrentAngle reads the live angle from the driver. It returns 0 when no
// driver is bound or the read fails.
func (c *Controller) CurrentAngle() float64 {
	if c.driver == nil {
		return 0
	}
	angle, err := c.driver.CurrentAngle()
	if err != nil {
		debug.Errorf("read angle: %v", err)
		return 0
	}
	return angle
}

// Status is a snapshot of the controller. Angle is the last angle read by
// Update or a blocking move, so taking a snapshot does not talk to the driver.
type Status struct {
	Bound      bool      `json:"bound"`
	Active     bool      `json:"active"`
	Complete   bool      `json:"complete"`
	Stalled    bool      `json:"stalled"`
	Direction  Direction `json:"direction"`
	Cycles     int       `json:"cycles"`
	MaxCycles  int       `json:"max_cycles"`
	Position   int       `json:"position"`
	Angle      float64   `json:"angle"`
	Target     float64   `json:"target"`
	StartAngle float64   `json:"start_angle"`
	EndAngle   float64   `json:"end_angle"`

	MaxVelocity                uint32  `json:"max_velocity"`
	MaxAcceleration            uint32  `json:"max_acceleration"`
	UpVelocityMultiplier       float64 `json:"up_velocity_multiplier"`
	UpAccelerationMultiplier   float64 `json:"up_acceleration_multiplier"`
	DownVelocityMultiplier     float64 `json:"down_velocity_multiplier"`
	DownAccelerationMultiplier float64 `json:"down_acceleration_multiplier"`
	StallRetries               int     `json:"stall_retries"`
}

func (c *Controller) Status() Status {
	return Status{
		Bound:                      c.driver != nil,
		Active:                     c.active,
		Complete:                   c.complete,
		Stalled:                    c.stalled,
		Direction:                  c.direction,
		Cycles:                     c.cycleCount,
		MaxCycles:                  c.maxCycles,
		Position:                   c.position,
		Angle:                      c.lastAngle,
		Target:                     c.Target(),
		StartAngle:                 c.startAngle,
		EndAngle:                   c.endAngle,
		MaxVelocity:                c.baseVelocity,
		MaxAcceleration:            c.baseAcceleration,
		UpVelocityMultiplier:       c.upVelMult,
		UpAccelerationMultiplier:   c.upAccelMult,
		DownVelocityMultiplier:     c.downVelMult,
		DownAccelerationMultiplier: c.downAccelMult,
		StallRetries:               c.stallRetries,
	}
}

// Report logs a one-line status at live level and returns it.
func (c *Controller) Report() string {
	if c.driver == nil {
		return ""
	}
	line := fmt.Sprintf("angle=%.2f° target=%.2f° direction=%s cycle=%d/%d",
		c.CurrentAngle(), c.Target(), c.direction, c.cycleCount, c.maxCycles)
	debug.Live("%s", line)
	return line
}
