package activity

import (
	"math"
	"time"

	"github.com/mmcloughlin/geohash"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/basekick-labs/runframe/internal/columns"
)

// MovingThreshold is the speed, in m/s, at or above which a row counts as moving
const MovingThreshold = 0.8

// Distances returns, per row, the great-circle distance in meters from the
// previous row's position. Rows where either position is missing, and the
// first row, are missing. ok is false when the activity has no positions.
func (a *Activity) Distances() (*columns.Column, bool) {
	pos, ok := a.cols[columns.KindLonLat.Name()]
	if !ok {
		return nil, false
	}
	out := columns.NewColumn(columns.KindDistance, a.Len())
	for i := 1; i < a.Len(); i++ {
		if !pos.Valid[i] || !pos.Valid[i-1] {
			continue
		}
		p1 := orb.Point{pos.Data[2*(i-1)], pos.Data[2*(i-1)+1]}
		p2 := orb.Point{pos.Data[2*i], pos.Data[2*i+1]}
		out.Set(i, geo.DistanceHaversine(p1, p2))
	}
	return out, true
}

// DistancesCorrected is Distances with the altitude change folded in:
// each step is sqrt(haversine² + Δaltitude²). Rows where either altitude is
// missing are missing. ok is false without both positions and altitudes.
func (a *Activity) DistancesCorrected() (*columns.Column, bool) {
	alt, ok := a.cols[columns.KindAltitude.Name()]
	if !ok {
		return nil, false
	}
	flat, ok := a.Distances()
	if !ok {
		return nil, false
	}
	out := columns.NewColumn(columns.KindDistance, a.Len())
	for i := 1; i < a.Len(); i++ {
		h, ok := flat.At(i)
		z1, ok1 := alt.At(i - 1)
		z2, ok2 := alt.At(i)
		if ok && ok1 && ok2 {
			out.Set(i, math.Hypot(h, z2-z1))
		}
	}
	return out, true
}

// CumulativeDistance returns the running sum of Distances, treating
// missing steps as zero. The first row is 0.
func (a *Activity) CumulativeDistance() (*columns.Column, bool) {
	steps, ok := a.Distances()
	if !ok {
		return nil, false
	}
	out := columns.NewColumn(columns.KindDistance, a.Len())
	total := 0.0
	for i := 0; i < a.Len(); i++ {
		if v, ok := steps.At(i); ok {
			total += v
		}
		out.Set(i, total)
	}
	return out, true
}

// Speeds returns per-row speed in m/s from the change in distance over the
// change in time since the previous row. A recorded distance column is used
// when present, positions otherwise.
func (a *Activity) Speeds() (*columns.Column, bool) {
	out := columns.NewColumn(columns.KindSpeed, a.Len())
	dt := func(i int) float64 {
		return time.Duration(a.index.Values[i] - a.index.Values[i-1]).Seconds()
	}

	if dist, ok := a.cols[columns.KindDistance.Name()]; ok {
		for i := 1; i < a.Len(); i++ {
			d1, ok1 := dist.At(i - 1)
			d2, ok2 := dist.At(i)
			if ok1 && ok2 && dt(i) > 0 {
				out.Set(i, (d2-d1)/dt(i))
			}
		}
		return out, true
	}

	steps, ok := a.Distances()
	if !ok {
		return nil, false
	}
	for i := 1; i < a.Len(); i++ {
		if d, ok := steps.At(i); ok && dt(i) > 0 {
			out.Set(i, d/dt(i))
		}
	}
	return out, true
}

// WithDerived returns a copy extended with whatever of distance (cumulative),
// speed and moving it does not already carry and can compute.
func (a *Activity) WithDerived() (*Activity, error) {
	extra := make(map[string]*columns.Column)

	if !a.HasColumn(columns.KindDistance.Name()) {
		if d, ok := a.CumulativeDistance(); ok {
			extra[d.Name()] = d
		}
	}

	speed, hasSpeed := a.cols[columns.KindSpeed.Name()]
	if !hasSpeed {
		// compute from the extended table so a derived distance is used
		tmp := &Activity{index: a.index, cols: a.cols}
		if d, ok := extra[columns.KindDistance.Name()]; ok {
			tmp.cols = map[string]*columns.Column{d.Name(): d}
		}
		if s, ok := tmp.Speeds(); ok {
			extra[s.Name()] = s
			speed, hasSpeed = s, true
		}
	}

	if hasSpeed && !a.HasColumn(columns.KindMoving.Name()) {
		moving := columns.NewColumn(columns.KindMoving, a.Len())
		for i := 0; i < a.Len(); i++ {
			if v, ok := speed.At(i); ok {
				if v >= MovingThreshold {
					moving.Set(i, 1)
				} else {
					moving.Set(i, 0)
				}
			}
		}
		extra[moving.Name()] = moving
	}

	return a.withColumns(extra)
}

// Stat aggregates the present values of one column
type Stat struct {
	Mean  float64 `json:"mean"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

func statOf(c *columns.Column) *Stat {
	if c == nil {
		return nil
	}
	s := Stat{Max: math.Inf(-1)}
	sum := 0.0
	for i := 0; i < c.Len(); i++ {
		if v, ok := c.At(i); ok {
			sum += v
			s.Max = math.Max(s.Max, v)
			s.Count++
		}
	}
	if s.Count == 0 {
		return nil
	}
	s.Mean = sum / float64(s.Count)
	return &s
}

// Summary holds headline figures for an activity. TotalDistance3D sums the
// altitude-corrected steps and is zero without altitudes.
type Summary struct {
	Rows            int               `json:"rows"`
	Start           *time.Time        `json:"start,omitempty"`
	End             *time.Time        `json:"end,omitempty"`
	Elapsed         time.Duration     `json:"elapsed_ns"`
	MovingTime      time.Duration     `json:"moving_time_ns"`
	TotalDistance   float64           `json:"total_distance_m"`
	TotalDistance3D float64           `json:"total_distance_3d_m,omitempty"`
	MeanSpeed       float64           `json:"mean_speed_mps"`
	MeanPace        float64           `json:"mean_pace_sec_per_m,omitempty"`
	HeartRate       *Stat             `json:"heart_rate,omitempty"`
	Cadence         *Stat             `json:"cadence,omitempty"`
	Power           *Stat             `json:"power,omitempty"`
	Temperature     *Stat             `json:"temperature,omitempty"`
	Altitude        *Stat             `json:"altitude,omitempty"`
	StartGeohash    string            `json:"start_geohash,omitempty"`
	Bounds          *orb.Bound        `json:"bounds,omitempty"`
	Columns         []string          `json:"columns"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Summarize computes the summary over the derived view of the activity.
// Mean speed is distance over moving time when any movement is detected,
// over elapsed time otherwise.
func (a *Activity) Summarize() (Summary, error) {
	d, err := a.WithDerived()
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		Rows:     d.Len(),
		Elapsed:  d.Duration(),
		Columns:  a.ColumnNames(),
		Metadata: a.Spec().Metadata,
	}
	if start, ok := d.Start(); ok {
		end := start.Add(d.Duration())
		s.Start, s.End = &start, &end
	}

	if dist, ok := d.cols[columns.KindDistance.Name()]; ok {
		first, last := math.NaN(), math.NaN()
		for i := 0; i < dist.Len(); i++ {
			if v, ok := dist.At(i); ok {
				if math.IsNaN(first) {
					first = v
				}
				last = v
			}
		}
		if !math.IsNaN(first) {
			s.TotalDistance = last - first
		}
	}

	if steps, ok := a.DistancesCorrected(); ok {
		for i := 0; i < steps.Len(); i++ {
			if v, ok := steps.At(i); ok {
				s.TotalDistance3D += v
			}
		}
	}

	if moving, ok := d.cols[columns.KindMoving.Name()]; ok {
		for i := 1; i < d.Len(); i++ {
			if v, ok := moving.At(i); ok && v != 0 {
				s.MovingTime += time.Duration(d.index.Values[i] - d.index.Values[i-1])
			}
		}
	}

	span := s.MovingTime
	if span == 0 {
		span = s.Elapsed
	}
	if span > 0 {
		s.MeanSpeed = s.TotalDistance / span.Seconds()
	}
	if s.MeanSpeed > 0 {
		s.MeanPace = columns.SpeedToPace(s.MeanSpeed)
	}

	s.HeartRate = statOf(d.cols[columns.KindHeartRate.Name()])
	s.Cadence = statOf(d.cols[columns.KindCadence.Name()])
	s.Power = statOf(d.cols[columns.KindPower.Name()])
	s.Temperature = statOf(d.cols[columns.KindTemperature.Name()])
	s.Altitude = statOf(d.cols[columns.KindAltitude.Name()])

	if pos, ok := d.cols[columns.KindLonLat.Name()]; ok {
		var mp orb.MultiPoint
		for i := 0; i < pos.Len(); i++ {
			if v, ok := pos.Vec(i); ok {
				mp = append(mp, orb.Point{v[0], v[1]})
			}
		}
		if len(mp) > 0 {
			s.StartGeohash = geohash.Encode(mp[0].Lat(), mp[0].Lon())
			b := mp.Bound()
			s.Bounds = &b
		}
	}
	return s, nil
}
