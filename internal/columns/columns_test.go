package columns

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/basekick-labs/runframe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSpec = MustSpec("test",
	Entry{Raw: "hr", Kind: KindHeartRate},
	Entry{Raw: "lat", Kind: KindLonLat, Part: PartLat},
	Entry{Raw: "lon", Kind: KindLonLat, Part: PartLon},
	Entry{Raw: "enhanced_speed", Kind: KindSpeed},
	Entry{Raw: "speed", Kind: KindSpeed},
	Entry{Raw: "cad", Kind: KindCadence},
	Entry{Raw: "dist_km", Kind: KindDistance, Scale: func(v float64) float64 { return v * 1000 }},
)

func TestToSnakeCase(t *testing.T) {
	tests := map[string]string{
		"LatitudeDegrees":  "latitude_degrees",
		"HeartRateBpm":     "heart_rate_bpm",
		"Time":             "time",
		"time":             "time",
		"position_lat":     "position_lat",
		"HRValue":          "hr_value",
		"heartRate":        "heart_rate",
		"AltitudeMeters2":  "altitude_meters2",
		"velocity smooth":  "velocity_smooth",
		"Position_Lat":     "position_lat",
		"":                 "",
		"TPX":              "tpx",
		"DistanceMeters":   "distance_meters",
		"LongitudeDegrees": "longitude_degrees",
	}
	for in, want := range tests {
		assert.Equal(t, want, ToSnakeCase(in), "input %q", in)
	}
}

func TestSpecValidation(t *testing.T) {
	_, err := NewSpec("x", Entry{Raw: "lat", Kind: KindLonLat, Part: PartLat})
	assert.Error(t, err, "half a position")

	_, err = NewSpec("x", Entry{Raw: "pos", Kind: KindLonLat})
	assert.Error(t, err, "scalar part on a vector kind")

	_, err = NewSpec("x", Entry{Raw: "hr", Kind: KindHeartRate, Part: PartLat})
	assert.Error(t, err, "vector part on a scalar kind")

	_, err = NewSpec("x", Entry{Raw: "", Kind: KindHeartRate})
	assert.Error(t, err)

	_, err = NewSpec("x", Entry{Raw: "what", Kind: Kind(200)})
	assert.Error(t, err)

	assert.Panics(t, func() { MustSpec("x", Entry{Raw: "pos", Kind: KindLonLat}) })
}

func TestSpecAccessors(t *testing.T) {
	assert.Equal(t, "test", testSpec.Format())
	assert.Equal(t, []string{"heart_rate", "lonlat", "speed", "cadence", "distance"}, testSpec.Canonical())
	assert.Equal(t, "bpm", testSpec.Units()["heart_rate"])
	assert.Equal(t, "degrees", testSpec.Units()["lonlat"])
	assert.Len(t, testSpec.Lookup("lat"), 1)
	assert.Empty(t, testSpec.Lookup("nope"))
	assert.Len(t, testSpec.Lookup("enhanced_speed"), 1)
}

func TestType(t *testing.T) {
	start := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	records := []models.Record{
		models.NewAbsolute(start, map[string]interface{}{"hr": "140", "lat": "46.5", "lon": "8.4", "speed": 3.1}),
		models.NewAbsolute(start.Add(time.Second), map[string]interface{}{"lat": "46.6", "enhanced_speed": 3.3, "speed": 3.0}),
		models.NewAbsolute(start.Add(2*time.Second), map[string]interface{}{"hr": uint8(150), "lat": "46.7", "lon": "8.5", "dist_km": "1.5"}),
		models.NewAbsolute(start.Add(3*time.Second), map[string]interface{}{"hr": "n/a", "ignored": 1}),
	}

	g, err := Type(records, testSpec)
	require.NoError(t, err)

	assert.Equal(t, models.TimeAbsolute, g.Index.Kind)
	assert.Equal(t, []int64{
		start.UnixNano(),
		start.Add(time.Second).UnixNano(),
		start.Add(2 * time.Second).UnixNano(),
		start.Add(3 * time.Second).UnixNano(),
	}, g.Index.Values)

	assert.ElementsMatch(t, testSpec.Canonical(), g.Names(), "every declared column is present")
	for _, c := range g.Columns {
		assert.Equal(t, g.Len(), c.Len())
	}

	hr := g.Columns["heart_rate"]
	v, ok := hr.At(0)
	assert.True(t, ok)
	assert.Equal(t, 140.0, v)
	assert.True(t, hr.IsMissing(1))
	v, _ = hr.At(2)
	assert.Equal(t, 150.0, v)
	assert.True(t, hr.IsMissing(3), "non numeric values are missing")

	pos := g.Columns["lonlat"]
	assert.Equal(t, 2, pos.Width())
	vec, ok := pos.Vec(0)
	require.True(t, ok)
	assert.Equal(t, []float64{8.4, 46.5}, vec)
	assert.True(t, pos.IsMissing(1), "latitude without longitude is missing")
	assert.True(t, pos.IsMissing(3))

	speed := g.Columns["speed"]
	v, _ = speed.At(0)
	assert.Equal(t, 3.1, v)
	v, _ = speed.At(1)
	assert.Equal(t, 3.3, v, "earlier declared field wins")

	dist := g.Columns["distance"]
	v, ok = dist.At(2)
	assert.True(t, ok)
	assert.Equal(t, 1500.0, v)

	cad := g.Columns["cadence"]
	assert.Equal(t, 0, cad.Count(), "declared but never reported")
}

func TestTypeMixedTimeKinds(t *testing.T) {
	records := []models.Record{
		models.NewElapsed(0, map[string]interface{}{"hr": 120}),
		models.NewAbsolute(time.Now(), map[string]interface{}{"hr": 121}),
	}
	_, err := Type(records, testSpec)
	assert.True(t, errors.Is(err, ErrMixedTimeKinds))
}

func TestTypeEmpty(t *testing.T) {
	g, err := Type(nil, testSpec)
	require.NoError(t, err)
	assert.Equal(t, 0, g.Len())
	assert.Len(t, g.Columns, 5)
}

func TestColumnOps(t *testing.T) {
	c := NewColumn(KindLonLat, 3)
	c.Set(0, 1, 2)
	c.Set(1, math.NaN(), 2)
	assert.False(t, c.IsMissing(0))
	assert.True(t, c.IsMissing(1))
	assert.Equal(t, 1, c.Count())

	clone := c.Clone()
	assert.True(t, c.Equal(clone))
	clone.Set(2, 5, 6)
	assert.False(t, c.Equal(clone))
	assert.True(t, c.IsMissing(2))

	clone.SetMissing(2)
	assert.True(t, c.Equal(clone))
}

func TestConvert(t *testing.T) {
	v, err := Convert(5, Kilometers, Meters)
	require.NoError(t, err)
	assert.InDelta(t, 5000, v, 1e-9)

	v, err = Convert(10, MetersPerSec, KmPerHour)
	require.NoError(t, err)
	assert.InDelta(t, 36, v, 1e-9)

	v, err = Convert(1, Miles, Kilometers)
	require.NoError(t, err)
	assert.InDelta(t, 1.609344, v, 1e-9)

	v, err = Convert(0.3, SecPerMeter, MinPerKm)
	require.NoError(t, err)
	assert.InDelta(t, 5, v, 1e-9)

	_, err = Convert(1, Meters, MetersPerSec)
	assert.Error(t, err)
	_, err = Convert(1, "furlong", Meters)
	assert.Error(t, err)

	assert.InDelta(t, 0.25, SpeedToPace(4), 1e-12)
	assert.True(t, math.IsNaN(SpeedToPace(0)))
}

func TestSemicirclesToDegrees(t *testing.T) {
	assert.InDelta(t, 0, SemicirclesToDegrees(0), 1e-12)
	assert.InDelta(t, 90, SemicirclesToDegrees(math.Exp2(30)), 1e-9)
	assert.InDelta(t, -90, SemicirclesToDegrees(-math.Exp2(30)), 1e-9)
	assert.InDelta(t, 35.951880, SemicirclesToDegrees(428925000), 1e-3)
}

func TestKinds(t *testing.T) {
	assert.Equal(t, "heart_rate", KindHeartRate.Name())
	assert.Equal(t, "bpm", KindHeartRate.Unit())
	assert.Equal(t, "bpm", KindHeartRate.BaseUnit())
	assert.Equal(t, 2, KindLonLat.Width())
	assert.Equal(t, "unknown", KindUnknown.String())
}
