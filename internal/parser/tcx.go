package parser

import (
	"bytes"
	"strconv"
	"time"

	"github.com/basekick-labs/runframe/internal/columns"
	"github.com/basekick-labs/runframe/internal/format"
	"github.com/basekick-labs/runframe/internal/xmltree"
	"github.com/basekick-labs/runframe/pkg/models"
)

var tcxSpec = columns.MustSpec(string(format.TCX),
	columns.Entry{Raw: "altitude_meters", Kind: columns.KindAltitude},
	columns.Entry{Raw: "cadence", Kind: columns.KindCadence},
	columns.Entry{Raw: "run_cadence", Kind: columns.KindCadence},
	columns.Entry{Raw: "distance_meters", Kind: columns.KindDistance},
	columns.Entry{Raw: "heart_rate_bpm", Kind: columns.KindHeartRate},
	columns.Entry{Raw: "latitude_degrees", Kind: columns.KindLonLat, Part: columns.PartLat},
	columns.Entry{Raw: "longitude_degrees", Kind: columns.KindLonLat, Part: columns.PartLon},
	columns.Entry{Raw: "speed", Kind: columns.KindSpeed},
	columns.Entry{Raw: "watts", Kind: columns.KindPower},
	columns.Entry{Raw: "lap", Kind: columns.KindLap},
	columns.Entry{Raw: "session", Kind: columns.KindSession},
)

// TCX parses Garmin Training Center databases. Every trackpoint becomes
// one record tagged with the lap and activity (session) it belongs to.
type TCX struct{}

func (TCX) Format() format.Format     { return format.TCX }
func (TCX) ColumnSpec() *columns.Spec { return tcxSpec }

func (TCX) Parse(name string, data []byte) (*Parsed, error) {
	root, err := xmltree.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, invalid(name, "malformed xml", err)
	}
	if root.Local != "TrainingCenterDatabase" {
		return nil, invalid(name, "root element is "+root.Local+", expected TrainingCenterDatabase", nil)
	}

	meta := map[string]string{}
	sessions := map[*xmltree.Node]int{}
	laps := map[*xmltree.Node]int{}
	for act := range xmltree.Locate(root, "Activity", false) {
		sessions[act] = len(sessions)
	}
	// courses carry no Activity; each one counts as a session of its own
	for course := range xmltree.Locate(root, "Course", false) {
		sessions[course] = len(sessions)
	}
	for owner := range sessions {
		lap := 0
		for l := range xmltree.Locate(owner, "Lap", false) {
			laps[l] = lap
			lap++
		}
		if sessions[owner] == 0 {
			tcxMetadata(owner, meta)
		}
	}
	if len(sessions) > 1 {
		meta["sessions"] = strconv.Itoa(len(sessions))
	}

	var records []models.Record
	for tp := range xmltree.Locate(root, "Trackpoint", false) {
		flat := xmltree.Flatten(tp)
		ts, ok := flat["Time"]
		if !ok {
			return nil, invalid(name, "trackpoint without time", nil)
		}
		t, err := parseTCXTime(ts)
		if err != nil {
			return nil, invalid(name, "bad trackpoint time "+ts, err)
		}
		fields := snakeFields(flat, "Time", "SensorState")
		fields["lap"] = ancestorIndex(tp, laps)
		fields["session"] = ancestorIndex(tp, sessions)
		records = append(records, models.NewAbsolute(t, fields))
	}

	return &Parsed{Records: records, Metadata: meta}, nil
}

func tcxMetadata(owner *xmltree.Node, meta map[string]string) {
	if sport, ok := owner.Attr("Sport"); ok {
		meta["sport"] = sport
	}
	if id := owner.Child("Id"); id != nil {
		meta["id"] = xmltree.ExtractText(id)
	}
	if n := owner.Child("Name"); n != nil {
		meta["name"] = xmltree.ExtractText(n)
	}
	if creator := owner.Child("Creator"); creator != nil {
		if n := creator.Child("Name"); n != nil {
			meta["device"] = xmltree.ExtractText(n)
		}
	}
}

// ancestorIndex returns the position of the nearest ancestor of n found in
// index, 0 when there is none
func ancestorIndex(n *xmltree.Node, index map[*xmltree.Node]int) int {
	for p := n.Parent; p != nil; p = p.Parent {
		if i, ok := index[p]; ok {
			return i
		}
	}
	return 0
}

// parseTCXTime accepts whole and fractional seconds; the schema only
// allows the former but devices write both.
func parseTCXTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
