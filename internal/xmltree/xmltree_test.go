package xmltree

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const trackDoc = `<?xml version="1.0" encoding="UTF-8"?>
<TrainingCenterDatabase xmlns="http://www.garmin.com/xmlschemas/TrainingCenterDatabase/v2"
    xmlns:ns3="http://www.garmin.com/xmlschemas/ActivityExtension/v2">
  <Activities>
    <Activity Sport="Running">
      <Lap StartTime="2012-12-26T21:29:53Z">
        <Track>
          <Trackpoint>
            <Time>2012-12-26T21:29:53Z</Time>
            <Position>
              <LatitudeDegrees>35.951880</LatitudeDegrees>
              <LongitudeDegrees>-79.093228</LongitudeDegrees>
            </Position>
            <HeartRateBpm><Value>62</Value></HeartRateBpm>
            <Extensions><ns3:TPX><ns3:Speed>0.0</ns3:Speed></ns3:TPX></Extensions>
          </Trackpoint>
          <Trackpoint>
            <Time>2012-12-26T21:29:56Z</Time>
          </Trackpoint>
        </Track>
      </Lap>
    </Activity>
  </Activities>
</TrainingCenterDatabase>`

func collect(root *Node, tag string, includeRoot bool) []*Node {
	var out []*Node
	for n := range Locate(root, tag, includeRoot) {
		out = append(out, n)
	}
	return out
}

func TestStripNamespace(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"{http://www.topografix.com/GPX/1/1}trkpt", "trkpt"},
		{"gpxtpx:hr", "hr"},
		{"Trackpoint", "Trackpoint"},
		{"", ""},
		{"{unterminated", "{unterminated"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := StripNamespace(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, StripNamespace(got), "stripping twice must be a no-op")
		})
	}
}

func TestParse(t *testing.T) {
	root, err := Parse(strings.NewReader(trackDoc))
	require.NoError(t, err)

	assert.Equal(t, "TrainingCenterDatabase", root.Local)
	assert.Equal(t, "http://www.garmin.com/xmlschemas/TrainingCenterDatabase/v2", root.Space)
	assert.Equal(t, "{http://www.garmin.com/xmlschemas/TrainingCenterDatabase/v2}TrainingCenterDatabase", root.Tag())
	assert.Empty(t, root.Attrs, "namespace declarations are not attributes")

	lap := collect(root, "Lap", false)
	require.Len(t, lap, 1)
	start, ok := lap[0].Attr("StartTime")
	assert.True(t, ok)
	assert.Equal(t, "2012-12-26T21:29:53Z", start)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmptyDocument)

	_, err = Parse(strings.NewReader("<a><b></a>"))
	assert.Error(t, err)

	_, err = Parse(strings.NewReader("not xml at all"))
	assert.Error(t, err)
}

func TestLocate(t *testing.T) {
	root, err := Parse(strings.NewReader(trackDoc))
	require.NoError(t, err)

	t.Run("document order", func(t *testing.T) {
		points := collect(root, "Trackpoint", false)
		require.Len(t, points, 2)
		assert.Equal(t, "2012-12-26T21:29:53Z", ExtractText(points[0].Child("Time")))
		assert.Equal(t, "2012-12-26T21:29:56Z", ExtractText(points[1].Child("Time")))
	})

	t.Run("namespace agnostic", func(t *testing.T) {
		assert.Len(t, collect(root, "{any}Speed", false), 1)
		assert.Len(t, collect(root, "ns9:TPX", false), 1)
	})

	t.Run("include root", func(t *testing.T) {
		assert.Empty(t, collect(root, "TrainingCenterDatabase", false))

		got := collect(root, "TrainingCenterDatabase", true)
		require.Len(t, got, 1)
		assert.Same(t, root, got[0])

		// a non-matching root is not yielded
		assert.Len(t, collect(root, "Trackpoint", true), 2)
	})

	t.Run("early stop and restart", func(t *testing.T) {
		seq := Locate(root, "Trackpoint", false)
		count := 0
		for range seq {
			count++
			break
		}
		assert.Equal(t, 1, count)

		count = 0
		for range seq {
			count++
		}
		assert.Equal(t, 2, count)
	})

	t.Run("nil root", func(t *testing.T) {
		assert.Empty(t, collect(nil, "x", true))
	})
}

func TestExtractText(t *testing.T) {
	root, err := Parse(strings.NewReader(`<a>
		hello <b>big</b> world
		<c/>
	</a>`))
	require.NoError(t, err)

	assert.Equal(t, "hello big world", ExtractText(root))
	assert.Equal(t, "", ExtractText(root.Child("c")))
	assert.Equal(t, "", ExtractText(nil))

	pos, err := Parse(strings.NewReader(`<Position>
		<LatitudeDegrees>35.9</LatitudeDegrees>
		<LongitudeDegrees>-79.0</LongitudeDegrees>
	</Position>`))
	require.NoError(t, err)
	assert.Equal(t, "35.9-79.0", ExtractText(pos))
}

func TestFlatten(t *testing.T) {
	root, err := Parse(strings.NewReader(trackDoc))
	require.NoError(t, err)

	points := collect(root, "Trackpoint", false)
	require.Len(t, points, 2)

	got := Flatten(points[0])
	assert.Equal(t, map[string]string{
		"Time":             "2012-12-26T21:29:53Z",
		"LatitudeDegrees":  "35.951880",
		"LongitudeDegrees": "-79.093228",
		"HeartRateBpm":     "62",
		"Speed":            "0.0",
	}, got)

	assert.Equal(t, map[string]string{"Time": "2012-12-26T21:29:56Z"}, Flatten(points[1]))
	assert.Empty(t, Flatten(nil))
}

func TestFlattenAttributes(t *testing.T) {
	root, err := Parse(strings.NewReader(`<trkpt lat="46.57" lon="8.41"><ele>2376</ele></trkpt>`))
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"lat": "46.57", "lon": "8.41", "ele": "2376"}, Flatten(root))
}
