package actuator

import (
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/BounceGo/internal/debug"
	"github.com/tarm/serial"
)

// Maestro serial commands.
// See: https://www.pololu.com/docs/pdf/0J40/maestro.pdf
const (
	maestroSetTarget       = 0x84
	maestroSetSpeed        = 0x87
	maestroSetAcceleration = 0x89
	maestroGetPosition     = 0x90
	maestroGetMovingState  = 0x93
)

// MaestroConfig describes one hobby servo on a Pololu Maestro.
type MaestroConfig struct {
	Port       string
	Baud       int
	Device     uint8 // Pololu protocol device number
	Channel    uint8
	Compact    bool // single device on the line: use the compact protocol
	MinPulseUs float64
	MaxPulseUs float64
	RangeDeg   float64 // angle covered between MinPulseUs and MaxPulseUs
}

// Maestro maps angles to servo pulse widths. Angle 0 is MinPulseUs and
// RangeDeg is MaxPulseUs. The Maestro ramps speed and acceleration itself.
type Maestro struct {
	mu     sync.Mutex
	port   io.ReadWriter
	closer io.Closer
	cfg    MaestroConfig
}

// NewMaestro opens the serial port of the Maestro command channel.
func NewMaestro(cfg MaestroConfig) (*Maestro, error) {
	if cfg.Baud <= 0 {
		cfg.Baud = 9600
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open maestro port %s: %w", cfg.Port, err)
	}
	m := newMaestro(port, cfg)
	m.closer = port
	debug.Info("Using Pololu Maestro on %s channel %d", cfg.Port, cfg.Channel)
	return m, nil
}

func newMaestro(port io.ReadWriter, cfg MaestroConfig) *Maestro {
	if cfg.MinPulseUs <= 0 {
		cfg.MinPulseUs = 1000
	}
	if cfg.MaxPulseUs <= cfg.MinPulseUs {
		cfg.MaxPulseUs = 2000
	}
	if cfg.RangeDeg <= 0 {
		cfg.RangeDeg = 180
	}
	return &Maestro{port: port, cfg: cfg}
}

func (m *Maestro) preamble(command byte) []byte {
	if m.cfg.Compact {
		return []byte{command, m.cfg.Channel}
	}
	return []byte{0xaa, m.cfg.Device, command & 0x7f, m.cfg.Channel}
}

func (m *Maestro) write14(command byte, val uint16) error {
	cmd := append(m.preamble(command), byte(val&0x7f), byte((val>>7)&0x7f))
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.port.Write(cmd)
	return err
}

func (m *Maestro) query(command byte, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cmd []byte
	if command == maestroGetMovingState {
		// moving state is a controller-wide query, no channel byte
		cmd = m.preamble(command)
		cmd = cmd[:len(cmd)-1]
	} else {
		cmd = m.preamble(command)
	}
	if _, err := m.port.Write(cmd); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(m.port, buf); err != nil {
		return nil, fmt.Errorf("maestro read: %w", err)
	}
	return buf, nil
}

// usPerDegree is the pulse width change for one degree of rotation.
func (m *Maestro) usPerDegree() float64 {
	return (m.cfg.MaxPulseUs - m.cfg.MinPulseUs) / m.cfg.RangeDeg
}

// SetVelocityLimit converts to Maestro speed units (0.25µs per 10ms).
func (m *Maestro) SetVelocityLimit(v uint32) error {
	if v == 0 {
		return ErrInvalidLimit
	}
	degPerSec := float64(v) / DefaultStepsPerDegree
	units := degPerSec * m.usPerDegree() * 4 / 100
	speed := uint16(math.Max(1, math.Min(units, 0x3fff)))
	debug.Command("maestro", "SetSpeed", speed)
	return m.write14(maestroSetSpeed, speed)
}

// SetAccelerationLimit converts to Maestro units (0.25µs per 10ms per 80ms), 1..255.
func (m *Maestro) SetAccelerationLimit(a uint32) error {
	if a == 0 {
		return ErrInvalidLimit
	}
	degPerSec2 := float64(a) / DefaultStepsPerDegree
	units := degPerSec2 * m.usPerDegree() * 4 * 0.01 * 0.08
	accel := uint16(math.Max(1, math.Min(units, 255)))
	debug.Command("maestro", "SetAcceleration", accel)
	return m.write14(maestroSetAcceleration, accel)
}

// EnableClosedLoop is a no-op: a hobby servo always holds its commanded pulse.
func (m *Maestro) EnableClosedLoop() error { return nil }

func (m *Maestro) MoveToAngle(deg float64) error {
	deg = math.Max(0, math.Min(deg, m.cfg.RangeDeg))
	us := m.cfg.MinPulseUs + deg*m.usPerDegree()
	target := uint16(math.Round(us * 4))
	debug.Command("maestro", "SetTarget", target)
	return m.write14(maestroSetTarget, target)
}

func (m *Maestro) IsMoving() (bool, error) {
	buf, err := m.query(maestroGetMovingState, 1)
	if err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

func (m *Maestro) CurrentAngle() (float64, error) {
	buf, err := m.query(maestroGetPosition, 2)
	if err != nil {
		return 0, err
	}
	quarterUs := uint16(buf[0]) | uint16(buf[1])<<8
	us := float64(quarterUs) / 4
	return (us - m.cfg.MinPulseUs) / m.usPerDegree(), nil
}

// Stop re-targets the servo at its reported position.
func (m *Maestro) Stop() error {
	angle, err := m.CurrentAngle()
	if err != nil {
		return err
	}
	debug.Command("maestro", "Stop", angle)
	return m.MoveToAngle(angle)
}

func (m *Maestro) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}
