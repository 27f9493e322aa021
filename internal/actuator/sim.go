package actuator

import (
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/BounceGo/internal/debug"
)

// simStep is the integration step used to advance the simulated axis.
const simStep = time.Millisecond

// SimConfig configures the simulated actuator.
type SimConfig struct {
	StepsPerDegree float64          // 0 = DefaultStepsPerDegree
	InitialAngle   float64          // angle reported before any move
	Clock          func() time.Time // nil = time.Now
}

// Sim is a software actuator that follows a trapezoidal velocity profile
// toward the commanded angle. Time advances lazily from Clock on every call.
type Sim struct {
	mu             sync.Mutex
	now            func() time.Time
	last           time.Time
	stepsPerDegree float64

	pos    float64 // degrees
	vel    float64 // degrees/s, signed
	target float64
	moving bool

	maxVel     float64 // degrees/s
	maxAccel   float64 // degrees/s²
	closedLoop bool
}

// NewSim creates a simulated actuator at rest.
func NewSim(cfg SimConfig) *Sim {
	spd := cfg.StepsPerDegree
	if spd <= 0 {
		spd = DefaultStepsPerDegree
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	debug.Info("Using SIMULATED actuator (%.2f steps/°)", spd)
	return &Sim{
		now:            now,
		last:           now(),
		stepsPerDegree: spd,
		pos:            cfg.InitialAngle,
		target:         cfg.InitialAngle,
		maxVel:         500 / spd,
		maxAccel:       2000 / spd,
	}
}

func (s *Sim) SetVelocityLimit(v uint32) error {
	if v == 0 {
		return ErrInvalidLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.maxVel = float64(v) / s.stepsPerDegree
	debug.Command("sim", "SetVelocityLimit", v)
	return nil
}

func (s *Sim) SetAccelerationLimit(a uint32) error {
	if a == 0 {
		return ErrInvalidLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.maxAccel = float64(a) / s.stepsPerDegree
	debug.Command("sim", "SetAccelerationLimit", a)
	return nil
}

func (s *Sim) EnableClosedLoop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closedLoop = true
	return nil
}

// ClosedLoop reports whether EnableClosedLoop has been called.
func (s *Sim) ClosedLoop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedLoop
}

func (s *Sim) MoveToAngle(deg float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.target = deg
	s.moving = s.pos != deg || s.vel != 0
	debug.Command("sim", "MoveToAngle", deg)
	return nil
}

func (s *Sim) IsMoving() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.moving, nil
}

func (s *Sim) CurrentAngle() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.pos, nil
}

// Stop halts the axis immediately where it is.
func (s *Sim) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.vel = 0
	s.target = s.pos
	s.moving = false
	debug.Command("sim", "Stop", s.pos)
	return nil
}

// Velocity returns the current signed velocity in degrees per second.
func (s *Sim) Velocity() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.vel
}

func (s *Sim) Close() error { return nil }

// advance integrates the motion up to the current clock. Caller holds mu.
func (s *Sim) advance() {
	now := s.now()
	elapsed := now.Sub(s.last)
	s.last = now
	for elapsed > 0 && s.moving {
		h := simStep
		if elapsed < h {
			h = elapsed
		}
		s.integrate(h.Seconds())
		elapsed -= h
	}
}

func (s *Sim) integrate(h float64) {
	remaining := s.target - s.pos
	if math.Abs(remaining) < 1e-6 && math.Abs(s.vel) < s.maxAccel*h {
		s.pos, s.vel, s.moving = s.target, 0, false
		return
	}
	dir := 1.0
	if remaining < 0 {
		dir = -1.0
	}

	// speed along the direction of the target; negative while moving away
	speed := s.vel * dir
	stopDist := speed * speed / (2 * s.maxAccel)
	if speed > 0 && stopDist >= math.Abs(remaining) {
		speed -= s.maxAccel * h
	} else {
		speed += s.maxAccel * h
	}
	if speed > s.maxVel {
		speed = s.maxVel
	}

	next := s.pos + dir*speed*h
	if (s.target-next)*dir <= 0 {
		s.pos, s.vel, s.moving = s.target, 0, false
		return
	}
	s.pos = next
	s.vel = dir * speed
}
