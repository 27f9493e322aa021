// Package actuator defines the closed-loop motion device the bounce
// controller talks to, and the concrete backends that implement it.
//
// Velocity and acceleration limits are expressed in microsteps per second
// (and per second squared) of a 200 step, 256 microstep motor, whatever the
// backend. Each backend converts them to its native units.
package actuator

import (
	"errors"
	"io"
)

// DefaultStepsPerDegree is the microstep resolution of a 1.8° motor at 256 microsteps.
const DefaultStepsPerDegree = 200 * 256 / 360.0

// ErrInvalidLimit is returned when a zero velocity or acceleration limit is pushed.
var ErrInvalidLimit = errors.New("actuator: limit must be > 0")

// Driver is the set of semantic commands the bounce controller issues.
// MoveToAngle starts motion and returns immediately; completion is observed
// through IsMoving and CurrentAngle.
type Driver interface {
	SetVelocityLimit(v uint32) error
	SetAccelerationLimit(a uint32) error
	EnableClosedLoop() error
	MoveToAngle(deg float64) error
	IsMoving() (bool, error)
	CurrentAngle() (float64, error)
	Stop() error
}

// Device is a Driver that owns a hardware resource.
type Device interface {
	Driver
	io.Closer
}
