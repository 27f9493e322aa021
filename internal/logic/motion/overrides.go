package motion

import (
	"fmt"
	"math"

	"github.com/cjeanneret/BounceGo/internal/debug"
	"github.com/cjeanneret/BounceGo/internal/logic/bounce"
)

// Overrides are per-run settings. Nil fields keep the controller's value.
type Overrides struct {
	MaxCycles                  *int     `json:"max_cycles,omitempty"`
	MaxVelocity                *uint32  `json:"max_velocity,omitempty"`
	MaxAcceleration            *uint32  `json:"max_acceleration,omitempty"`
	UpVelocityMultiplier       *float64 `json:"up_velocity_multiplier,omitempty"`
	UpAccelerationMultiplier   *float64 `json:"up_acceleration_multiplier,omitempty"`
	DownVelocityMultiplier     *float64 `json:"down_velocity_multiplier,omitempty"`
	DownAccelerationMultiplier *float64 `json:"down_acceleration_multiplier,omitempty"`
}

// Validate rejects values the controller would silently ignore.
func (o Overrides) Validate() error {
	if o.MaxCycles != nil && *o.MaxCycles <= 0 {
		return fmt.Errorf("max_cycles must be > 0, got %d", *o.MaxCycles)
	}
	if o.MaxVelocity != nil && *o.MaxVelocity == 0 {
		return fmt.Errorf("max_velocity must be > 0")
	}
	if o.MaxAcceleration != nil && *o.MaxAcceleration == 0 {
		return fmt.Errorf("max_acceleration must be > 0")
	}
	for _, m := range []struct {
		name string
		v    *float64
	}{
		{"up_velocity_multiplier", o.UpVelocityMultiplier},
		{"up_acceleration_multiplier", o.UpAccelerationMultiplier},
		{"down_velocity_multiplier", o.DownVelocityMultiplier},
		{"down_acceleration_multiplier", o.DownAccelerationMultiplier},
	} {
		if m.v == nil {
			continue
		}
		if !(*m.v > 0) || math.IsInf(*m.v, 0) {
			return fmt.Errorf("%s must be a positive number, got %g", m.name, *m.v)
		}
	}
	return nil
}

func (o Overrides) apply(c *bounce.Controller) {
	debug.PrintStruct("Overrides", o)
	if o.MaxCycles != nil {
		c.SetMaxCycles(*o.MaxCycles)
	}
	if o.MaxVelocity != nil {
		c.SetMaxVelocity(*o.MaxVelocity)
	}
	if o.MaxAcceleration != nil {
		c.SetMaxAcceleration(*o.MaxAcceleration)
	}
	if o.UpVelocityMultiplier != nil {
		c.SetUpVelocityMultiplier(*o.UpVelocityMultiplier)
	}
	if o.UpAccelerationMultiplier != nil {
		c.SetUpAccelerationMultiplier(*o.UpAccelerationMultiplier)
	}
	if o.DownVelocityMultiplier != nil {
		c.SetDownVelocityMultiplier(*o.DownVelocityMultiplier)
	}
	if o.DownAccelerationMultiplier != nil {
		c.SetDownAccelerationMultiplier(*o.DownAccelerationMultiplier)
	}
}
