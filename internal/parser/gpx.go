package parser

import (
	"bytes"
	"strings"
	"time"

	"github.com/basekick-labs/runframe/internal/columns"
	"github.com/basekick-labs/runframe/internal/format"
	"github.com/basekick-labs/runframe/internal/xmltree"
	"github.com/basekick-labs/runframe/pkg/models"
)

var gpxSpec = columns.MustSpec(string(format.GPX),
	columns.Entry{Raw: "lat", Kind: columns.KindLonLat, Part: columns.PartLat},
	columns.Entry{Raw: "lon", Kind: columns.KindLonLat, Part: columns.PartLon},
	columns.Entry{Raw: "ele", Kind: columns.KindAltitude},
	columns.Entry{Raw: "hr", Kind: columns.KindHeartRate},
	columns.Entry{Raw: "cad", Kind: columns.KindCadence},
	columns.Entry{Raw: "atemp", Kind: columns.KindTemperature},
	columns.Entry{Raw: "power", Kind: columns.KindPower},
)

// GPX parses GPS exchange tracks. Heart rate, cadence and temperature come
// from the Garmin TrackPointExtension block when present.
type GPX struct{}

func (GPX) Format() format.Format     { return format.GPX }
func (GPX) ColumnSpec() *columns.Spec { return gpxSpec }

func (GPX) Parse(name string, data []byte) (*Parsed, error) {
	root, err := xmltree.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, invalid(name, "malformed xml", err)
	}
	if root.Local != "gpx" {
		return nil, invalid(name, "root element is "+root.Local+", expected gpx", nil)
	}

	meta := map[string]string{}
	if creator, ok := root.Attr("creator"); ok {
		meta["creator"] = creator
	}
	for trk := range xmltree.Locate(root, "trk", false) {
		if n := trk.Child("name"); n != nil {
			meta["name"] = xmltree.ExtractText(n)
		}
		if n := trk.Child("type"); n != nil {
			meta["sport"] = xmltree.ExtractText(n)
		}
		break
	}

	var records []models.Record
	for pt := range xmltree.Locate(root, "trkpt", false) {
		flat := xmltree.Flatten(pt)
		ts, ok := flat["time"]
		if !ok {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(ts))
		if err != nil {
			return nil, invalid(name, "bad track point time "+ts, err)
		}
		records = append(records, models.NewAbsolute(t, snakeFields(flat, "time")))
	}

	return &Parsed{Records: records, Metadata: meta}, nil
}
