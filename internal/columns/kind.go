// Package columns turns raw parser records into canonical, unit-tagged
// measurement columns sharing one time index.
package columns

// Kind is a canonical physical quantity
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAltitude
	KindCadence
	KindDistance
	KindHeartRate
	KindLonLat
	KindPower
	KindSpeed
	KindTemperature
	KindPace
	KindLap
	KindSession
	KindCalories
	KindSteps
	KindMoving
	KindGrade
)

type kindInfo struct {
	name     string
	unit     string
	baseUnit string
	width    int
}

var kinds = map[Kind]kindInfo{
	KindAltitude:    {"altitude", "m", "m", 1},
	KindCadence:     {"cadence", "rpm", "rpm", 1},
	KindDistance:    {"distance", "m", "m", 1},
	KindHeartRate:   {"heart_rate", "bpm", "bpm", 1},
	KindLonLat:      {"lonlat", "degrees", "degrees", 2},
	KindPower:       {"power", "watts", "watts", 1},
	KindSpeed:       {"speed", "m/s", "m/s", 1},
	KindTemperature: {"temperature", "degrees_C", "degrees_C", 1},
	KindPace:        {"pace", "sec/m", "sec/m", 1},
	KindLap:         {"lap", "count", "count", 1},
	KindSession:     {"session", "count", "count", 1},
	KindCalories:    {"calories", "kcal", "kcal", 1},
	KindSteps:       {"steps", "count", "count", 1},
	KindMoving:      {"moving", "bool", "bool", 1},
	KindGrade:       {"grade", "percent", "percent", 1},
}

// Name returns the canonical column name, e.g. "heart_rate"
func (k Kind) Name() string { return kinds[k].name }

// Unit returns the unit values of this kind are stored in
func (k Kind) Unit() string { return kinds[k].unit }

// BaseUnit returns the unit arithmetic on this kind is defined against
func (k Kind) BaseUnit() string { return kinds[k].baseUnit }

// Width is the number of values per row: 2 for positions, 1 otherwise
func (k Kind) Width() int {
	if w := kinds[k].width; w > 0 {
		return w
	}
	return 1
}

func (k Kind) String() string {
	if n := k.Name(); n != "" {
		return n
	}
	return "unknown"
}
