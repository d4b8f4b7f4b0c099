package columns

import (
	"fmt"
	"math"
)

// Length, speed and pace units understood by Convert
const (
	Meters       = "m"
	Kilometers   = "km"
	Miles        = "mi"
	Feet         = "ft"
	MetersPerSec = "m/s"
	KmPerHour    = "km/h"
	MilesPerHour = "mph"
	SecPerMeter  = "sec/m"
	MinPerKm     = "min/km"
	MinPerMile   = "min/mi"
)

type unitDef struct {
	dimension string
	toBase    float64 // multiply to reach the dimension's base unit
}

var units = map[string]unitDef{
	Meters:       {"length", 1},
	Kilometers:   {"length", 1000},
	Miles:        {"length", 1609.344},
	Feet:         {"length", 0.3048},
	MetersPerSec: {"speed", 1},
	KmPerHour:    {"speed", 1000.0 / 3600.0},
	MilesPerHour: {"speed", 1609.344 / 3600.0},
	SecPerMeter:  {"pace", 1},
	MinPerKm:     {"pace", 60.0 / 1000.0},
	MinPerMile:   {"pace", 60.0 / 1609.344},
}

// Convert expresses v, given in unit from, in unit to. Both units must
// measure the same dimension.
func Convert(v float64, from, to string) (float64, error) {
	f, ok := units[from]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", from)
	}
	t, ok := units[to]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", to)
	}
	if f.dimension != t.dimension {
		return 0, fmt.Errorf("cannot convert %s (%s) to %s (%s)", from, f.dimension, to, t.dimension)
	}
	return v * f.toBase / t.toBase, nil
}

// SpeedToPace converts m/s to sec/m. Standing still has no pace.
func SpeedToPace(mps float64) float64 {
	if mps <= 0 {
		return math.NaN()
	}
	return 1 / mps
}

// SemicirclesToDegrees converts a binary-telemetry position, stored as a
// signed 32-bit fraction of a half turn, to degrees in [-180, 180).
func SemicirclesToDegrees(s float64) float64 {
	return math.Mod(s*180/math.Exp2(31)+180, 360) - 180
}
