package actuator

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"

	"periph.io/x/conn/v3/physic"
)

// ---------- Tic ----------

type fakeTic struct {
	current      physic.ElectricCurrent
	safeStart    bool
	energized    bool
	maxSpeed     uint32
	maxAccel     uint32
	maxDecel     uint32
	target       int32
	position     int32
	velocity     int32
	halted       bool
	timeoutReset int
}

func (f *fakeTic) SetCurrentLimit(l physic.ElectricCurrent) error { f.current = l; return nil }
func (f *fakeTic) ExitSafeStart() error                          { f.safeStart = false; return nil }
func (f *fakeTic) Energize() error                               { f.energized = true; return nil }
func (f *fakeTic) Deenergize() error                             { f.energized = false; return nil }
func (f *fakeTic) SetMaxSpeed(s uint32) error                    { f.maxSpeed = s; return nil }
func (f *fakeTic) SetMaxAccel(a uint32) error                    { f.maxAccel = a; return nil }
func (f *fakeTic) SetMaxDecel(d uint32) error                    { f.maxDecel = d; return nil }
func (f *fakeTic) SetTargetPosition(t int32) error               { f.target = t; return nil }
func (f *fakeTic) GetCurrentPosition() (int32, error)            { return f.position, nil }
func (f *fakeTic) GetCurrentVelocity() (int32, error)            { return f.velocity, nil }
func (f *fakeTic) HaltAndHold() error                            { f.halted = true; return nil }
func (f *fakeTic) ResetCommandTimeout() error                    { f.timeoutReset++; return nil }

func TestTic_UnitConversion(t *testing.T) {
	dev := &fakeTic{safeStart: true}
	// 200 steps * 256 microsteps matches DefaultStepsPerDegree exactly
	tc, err := newTic(dev, TicConfig{StepsPerRev: 200, Microstepping: 256, CurrentLimitMA: 800})
	if err != nil {
		t.Fatalf("newTic: %v", err)
	}
	if dev.current != 800*physic.MilliAmpere {
		t.Errorf("current limit = %v, want 800mA", dev.current)
	}

	tc.SetVelocityLimit(1500)
	if dev.maxSpeed != 15_000_000 {
		t.Errorf("max speed = %d, want 15000000 (microsteps/10000s)", dev.maxSpeed)
	}
	tc.SetAccelerationLimit(4000)
	if dev.maxAccel != 400_000 || dev.maxDecel != 400_000 {
		t.Errorf("accel/decel = %d/%d, want 400000", dev.maxAccel, dev.maxDecel)
	}

	tc.EnableClosedLoop()
	if dev.safeStart || !dev.energized {
		t.Error("EnableClosedLoop should exit safe start and energize")
	}

	tc.MoveToAngle(90)
	if dev.target != 12800 {
		t.Errorf("target = %d, want 12800", dev.target)
	}
}

func TestTic_IsMoving(t *testing.T) {
	dev := &fakeTic{}
	tc, _ := newTic(dev, TicConfig{StepsPerRev: 200, Microstepping: 1})
	tc.MoveToAngle(9) // 5 steps

	dev.velocity = 100
	if moving, _ := tc.IsMoving(); !moving {
		t.Error("non-zero velocity should report moving")
	}
	dev.velocity = 0
	dev.position = 3
	if moving, _ := tc.IsMoving(); !moving {
		t.Error("short of target should report moving")
	}
	dev.position = 5
	if moving, _ := tc.IsMoving(); moving {
		t.Error("at target should not report moving")
	}
	if dev.timeoutReset != 3 {
		t.Errorf("command timeout reset %d times, want 3", dev.timeoutReset)
	}

	angle, _ := tc.CurrentAngle()
	if math.Abs(angle-9) > 1e-9 {
		t.Errorf("angle = %f, want 9", angle)
	}

	tc.MoveToAngle(90)
	tc.Stop()
	if !dev.halted {
		t.Error("Stop should halt and hold")
	}
	if moving, _ := tc.IsMoving(); moving {
		t.Error("halted tic should not report moving")
	}
}

// ---------- Maestro ----------

// scriptedPort records writes and serves canned reads.
type scriptedPort struct {
	written bytes.Buffer
	reads   bytes.Buffer
}

func (p *scriptedPort) Write(b []byte) (int, error) { return p.written.Write(b) }
func (p *scriptedPort) Read(b []byte) (int, error)  { return p.reads.Read(b) }

func TestMaestro_SetTargetCompact(t *testing.T) {
	port := &scriptedPort{}
	m := newMaestro(port, MaestroConfig{Channel: 2, Compact: true, MinPulseUs: 1000, MaxPulseUs: 2000, RangeDeg: 180})

	if err := m.MoveToAngle(90); err != nil {
		t.Fatalf("MoveToAngle: %v", err)
	}
	// 1500µs = 6000 quarter-µs = 0x1770 -> 0x70, 0x2E
	want := []byte{0x84, 0x02, 0x70, 0x2e}
	if !bytes.Equal(port.written.Bytes(), want) {
		t.Errorf("wrote % x, want % x", port.written.Bytes(), want)
	}
}

func TestMaestro_PololuProtocol(t *testing.T) {
	port := &scriptedPort{}
	m := newMaestro(port, MaestroConfig{Device: 12, Channel: 1})
	m.MoveToAngle(0)
	want := []byte{0xaa, 12, 0x04, 0x01, 0x20, 0x1f} // 4000 quarter-µs
	if !bytes.Equal(port.written.Bytes(), want) {
		t.Errorf("wrote % x, want % x", port.written.Bytes(), want)
	}
}

func TestMaestro_ClampsAngle(t *testing.T) {
	port := &scriptedPort{}
	m := newMaestro(port, MaestroConfig{Compact: true})
	m.MoveToAngle(400)
	// clamped to 180° -> 2000µs -> 8000 = 0x1F40
	want := []byte{0x84, 0x00, 0x40, 0x3e}
	if !bytes.Equal(port.written.Bytes(), want) {
		t.Errorf("wrote % x, want % x", port.written.Bytes(), want)
	}
}

func TestMaestro_CurrentAngleAndMoving(t *testing.T) {
	port := &scriptedPort{}
	m := newMaestro(port, MaestroConfig{Compact: true, Channel: 3})

	port.reads.Write([]byte{0x70, 0x17}) // 6000 quarter-µs = 1500µs
	angle, err := m.CurrentAngle()
	if err != nil {
		t.Fatalf("CurrentAngle: %v", err)
	}
	if math.Abs(angle-90) > 1e-9 {
		t.Errorf("angle = %f, want 90", angle)
	}

	port.written.Reset()
	port.reads.Write([]byte{1})
	moving, err := m.IsMoving()
	if err != nil {
		t.Fatalf("IsMoving: %v", err)
	}
	if !moving {
		t.Error("expected moving")
	}
	if !bytes.Equal(port.written.Bytes(), []byte{0x93}) {
		t.Errorf("moving-state query = % x, want 93", port.written.Bytes())
	}
}

func TestMaestro_ShortReadFails(t *testing.T) {
	m := newMaestro(&scriptedPort{}, MaestroConfig{Compact: true})
	if _, err := m.CurrentAngle(); err == nil {
		t.Error("expected error on empty read")
	}
}

func TestMaestro_LimitsInRange(t *testing.T) {
	port := &scriptedPort{}
	m := newMaestro(port, MaestroConfig{Compact: true})
	if err := m.SetAccelerationLimit(math.MaxUint32); err != nil {
		t.Fatalf("SetAccelerationLimit: %v", err)
	}
	b := port.written.Bytes()
	if got := uint16(b[2]) | uint16(b[3])<<7; got != 255 {
		t.Errorf("acceleration = %d, want clamped to 255", got)
	}
	if err := m.SetVelocityLimit(0); err != ErrInvalidLimit {
		t.Errorf("SetVelocityLimit(0) = %v", err)
	}
}

// ---------- Feetech ----------

type fakeServo struct {
	enabled  bool
	pos      int
	goal     int
	moveMs   int
	readErr  error
	setCalls int
}

func (s *fakeServo) Enable(ctx context.Context) error  { s.enabled = true; return nil }
func (s *fakeServo) Disable(ctx context.Context) error { s.enabled = false; return nil }
func (s *fakeServo) Position(ctx context.Context) (int, error) {
	return s.pos, s.readErr
}
func (s *fakeServo) SetPosition(ctx context.Context, pos int) error {
	s.goal = pos
	s.setCalls++
	return nil
}
func (s *fakeServo) SetPositionWithTime(ctx context.Context, pos int, ms int) error {
	s.goal = pos
	s.moveMs = ms
	return nil
}

func TestFeetech_MoveTimeFromLimits(t *testing.T) {
	// units for n °/s or °/s²
	units := func(n float64) uint32 { return uint32(math.Round(n * DefaultStepsPerDegree)) }

	tests := []struct {
		name         string
		angle        float64
		velocity     uint32
		acceleration uint32
		lo, hi       int
	}{
		{"velocity bound", 20, units(10), 2_000_000, 1999, 2003},
		{"trapezoid", 20, units(10), units(10), 2999, 3003},
		{"triangle", 2, units(10), units(10), 893, 897},
		{"no move", 0, units(10), units(10), 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			servo := &fakeServo{}
			f := newFeetech(servo, FeetechConfig{CountsPerRev: 3600})
			f.SetVelocityLimit(tt.velocity)
			f.SetAccelerationLimit(tt.acceleration)
			if err := f.MoveToAngle(tt.angle); err != nil {
				t.Fatalf("MoveToAngle: %v", err)
			}
			if want := int(tt.angle * 10); servo.goal != want {
				t.Errorf("goal = %d, want %d counts", servo.goal, want)
			}
			if servo.moveMs < tt.lo || servo.moveMs > tt.hi {
				t.Errorf("move time = %dms, want %d..%d", servo.moveMs, tt.lo, tt.hi)
			}
		})
	}
}

func TestFeetech_AccelerationChangesMoveTime(t *testing.T) {
	servo := &fakeServo{}
	f := newFeetech(servo, FeetechConfig{CountsPerRev: 3600})
	f.SetVelocityLimit(1500)

	f.SetAccelerationLimit(2000)
	f.MoveToAngle(30)
	gentle := servo.moveMs

	f.SetAccelerationLimit(4000)
	f.MoveToAngle(30)
	if servo.moveMs >= gentle {
		t.Errorf("doubling acceleration: %dms, want less than %dms", servo.moveMs, gentle)
	}
}

func TestFeetech_IsMovingAndStop(t *testing.T) {
	servo := &fakeServo{}
	f := newFeetech(servo, FeetechConfig{CountsPerRev: 3600})
	f.EnableClosedLoop()
	if !servo.enabled {
		t.Fatal("EnableClosedLoop should enable torque")
	}

	f.MoveToAngle(30)
	servo.pos = 100
	if moving, _ := f.IsMoving(); !moving {
		t.Error("servo short of goal should be moving")
	}
	servo.pos = 299 // within 0.25°
	if moving, _ := f.IsMoving(); moving {
		t.Error("servo within tolerance should not be moving")
	}

	f.MoveToAngle(0)
	servo.pos = 150
	if err := f.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if servo.goal != 150 {
		t.Errorf("Stop should hold position 150, goal = %d", servo.goal)
	}
	if moving, _ := f.IsMoving(); moving {
		t.Error("stopped servo should not be moving")
	}
}

func TestFeetech_ReadError(t *testing.T) {
	servo := &fakeServo{readErr: errors.New("bus timeout")}
	f := newFeetech(servo, FeetechConfig{})
	if _, err := f.CurrentAngle(); err == nil {
		t.Error("expected read error")
	}
	if err := f.MoveToAngle(10); err == nil {
		t.Error("MoveToAngle should fail when position cannot be read")
	}
}
