package columns

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/basekick-labs/runframe/pkg/models"
)

// ErrMixedTimeKinds is returned when one record sequence mixes absolute and
// elapsed timestamps.
var ErrMixedTimeKinds = errors.New("records mix absolute and elapsed timestamps")

// Type builds one column per canonical name declared in spec from the
// records, in record order. A record lacking a field, or carrying a value
// that is not numeric, yields a missing marker at its row. Columns whose
// fields never appear are still returned, fully missing.
func Type(records []models.Record, spec *Spec) (Group, error) {
	n := len(records)
	ix := Index{Kind: models.TimeAbsolute, Values: make([]int64, n)}
	if n > 0 {
		ix.Kind = records[0].Kind
	}
	for i, r := range records {
		if r.Kind != ix.Kind {
			return Group{}, fmt.Errorf("record %d is %s, expected %s: %w", i, r.Kind, ix.Kind, ErrMixedTimeKinds)
		}
		ix.Values[i] = r.Nanos()
	}

	g := Group{Index: ix, Columns: make(map[string]*Column)}
	for _, k := range spec.Kinds() {
		g.Columns[k.Name()] = NewColumn(k, n)
	}

	// Positions arrive as two independent fields; stage both halves per row
	// and only publish rows where both are present.
	type halves struct {
		lat, lon       float64
		hasLat, hasLon bool
	}
	var staged map[Kind][]halves

	for i, r := range records {
		for _, e := range spec.entries {
			raw, ok := r.Fields[e.Raw]
			if !ok {
				continue
			}
			v, ok := ToFloat64(raw)
			if !ok {
				continue
			}
			if e.Scale != nil {
				v = e.Scale(v)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}

			col := g.Columns[e.Kind.Name()]
			switch e.Part {
			case PartScalar:
				// earlier entries take priority for the same column
				if !col.Valid[i] {
					col.Set(i, v)
				}
			case PartLat, PartLon:
				if staged == nil {
					staged = make(map[Kind][]halves)
				}
				if staged[e.Kind] == nil {
					staged[e.Kind] = make([]halves, n)
				}
				h := &staged[e.Kind][i]
				if e.Part == PartLat && !h.hasLat {
					h.lat, h.hasLat = v, true
				}
				if e.Part == PartLon && !h.hasLon {
					h.lon, h.hasLon = v, true
				}
			}
		}
	}

	for k, rows := range staged {
		col := g.Columns[k.Name()]
		for i, h := range rows {
			if h.hasLat && h.hasLon {
				col.Set(i, h.lon, h.lat)
			}
		}
	}

	return g, nil
}

// ToFloat64 converts a raw field value to a number. Strings are parsed,
// booleans become 0 or 1; anything else is not numeric.
func ToFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
