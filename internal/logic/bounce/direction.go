package bounce

import "fmt"

// Direction is the phase of a bounce cycle.
type Direction int

const (
	// TowardEnd is the strike phase, commanded with the up profile.
	TowardEnd Direction = iota
	// TowardStart is the return phase, commanded with the down profile.
	TowardStart
)

// Flip returns the opposite direction.
func (d Direction) Flip() Direction {
	if d == TowardEnd {
		return TowardStart
	}
	return TowardEnd
}

func (d Direction) String() string {
	if d == TowardEnd {
		return "to end"
	}
	return "to start"
}

// MarshalText encodes the direction for JSON status payloads.
func (d Direction) MarshalText() ([]byte, error) {
	if d == TowardEnd {
		return []byte("toward_end"), nil
	}
	return []byte("toward_start"), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "toward_end":
		*d = TowardEnd
	case "toward_start":
		*d = TowardStart
	default:
		return fmt.Errorf("unknown direction %q", b)
	}
	return nil
}
