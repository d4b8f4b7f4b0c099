package parser

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/basekick-labs/runframe/internal/columns"
	"github.com/basekick-labs/runframe/internal/format"
	"github.com/basekick-labs/runframe/pkg/models"
	"github.com/tormoder/fit"
)

var fitSpec = columns.MustSpec(string(format.FIT),
	columns.Entry{Raw: "distance", Kind: columns.KindDistance},
	columns.Entry{Raw: "cadence", Kind: columns.KindCadence},
	columns.Entry{Raw: "enhanced_altitude", Kind: columns.KindAltitude},
	columns.Entry{Raw: "altitude", Kind: columns.KindAltitude},
	columns.Entry{Raw: "heart_rate", Kind: columns.KindHeartRate},
	columns.Entry{Raw: "position_lat", Kind: columns.KindLonLat, Part: columns.PartLat, Scale: columns.SemicirclesToDegrees},
	columns.Entry{Raw: "position_long", Kind: columns.KindLonLat, Part: columns.PartLon, Scale: columns.SemicirclesToDegrees},
	columns.Entry{Raw: "power", Kind: columns.KindPower},
	columns.Entry{Raw: "enhanced_speed", Kind: columns.KindSpeed},
	columns.Entry{Raw: "speed", Kind: columns.KindSpeed},
	columns.Entry{Raw: "temperature", Kind: columns.KindTemperature},
	columns.Entry{Raw: "lap", Kind: columns.KindLap},
	columns.Entry{Raw: "session", Kind: columns.KindSession},
)

// FIT invalid markers for the unscaled fields we read directly
const (
	fitInvalidUint8  = 0xFF
	fitInvalidUint16 = 0xFFFF
	fitInvalidSint8  = 0x7F
)

// FIT parses binary activity files. Positions are kept in semicircles in
// the records and converted to degrees by the column spec.
type FIT struct{}

func (FIT) Format() format.Format     { return format.FIT }
func (FIT) ColumnSpec() *columns.Spec { return fitSpec }

func (FIT) Parse(name string, data []byte) (*Parsed, error) {
	f, err := fit.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, invalid(name, "undecodable fit data", err)
	}
	act, err := f.Activity()
	if err != nil {
		return nil, invalid(name, "not an activity file", err)
	}

	meta := map[string]string{
		"manufacturer": fmt.Sprint(f.FileId.Manufacturer),
	}
	if f.FileId.Product != fitInvalidUint16 {
		meta["product"] = strconv.Itoa(int(f.FileId.Product))
	}
	if !f.FileId.TimeCreated.IsZero() {
		meta["time_created"] = f.FileId.TimeCreated.UTC().Format(time.RFC3339)
	}
	if len(act.Sessions) > 0 && act.Sessions[0] != nil {
		meta["sport"] = fmt.Sprint(act.Sessions[0].Sport)
	}

	return &Parsed{Records: fitRecords(act), Metadata: meta}, nil
}

// fitRecords converts record messages, numbering laps and sessions the way
// the message stream does: a lap message closes a lap, a start event opens a
// session.
func fitRecords(act *fit.ActivityFile) []models.Record {
	lapEnds := make([]time.Time, 0, len(act.Laps))
	for _, l := range act.Laps {
		if l != nil {
			lapEnds = append(lapEnds, l.Timestamp)
		}
	}
	sort.Slice(lapEnds, func(i, j int) bool { return lapEnds[i].Before(lapEnds[j]) })

	var starts []time.Time
	for _, e := range act.Events {
		if e != nil && e.EventType == fit.EventTypeStart {
			starts = append(starts, e.Timestamp)
		}
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	records := make([]models.Record, 0, len(act.Records))
	for _, r := range act.Records {
		if r == nil || r.Timestamp.IsZero() {
			continue
		}
		fields := fitFields(r)
		// laps closed strictly before this sample
		fields["lap"] = sort.Search(len(lapEnds), func(i int) bool { return !lapEnds[i].Before(r.Timestamp) })
		// starts at or before this sample, counted from zero
		session := 0
		if len(starts) > 0 {
			session = sort.Search(len(starts), func(i int) bool { return starts[i].After(r.Timestamp) }) - 1
		}
		fields["session"] = session
		records = append(records, models.NewAbsolute(r.Timestamp, fields))
	}
	return records
}

func fitFields(r *fit.RecordMsg) map[string]interface{} {
	fields := make(map[string]interface{}, 12)

	if !r.PositionLat.Invalid() && !r.PositionLong.Invalid() {
		fields["position_lat"] = float64(r.PositionLat.Semicircles())
		fields["position_long"] = float64(r.PositionLong.Semicircles())
	}
	putScaled(fields, "altitude", r.GetAltitudeScaled())
	putScaled(fields, "enhanced_altitude", r.GetEnhancedAltitudeScaled())
	putScaled(fields, "distance", r.GetDistanceScaled())
	putScaled(fields, "speed", r.GetSpeedScaled())
	putScaled(fields, "enhanced_speed", r.GetEnhancedSpeedScaled())

	if r.HeartRate != fitInvalidUint8 {
		fields["heart_rate"] = r.HeartRate
	}
	if r.Cadence != fitInvalidUint8 {
		fields["cadence"] = r.Cadence
	}
	if r.Power != fitInvalidUint16 {
		fields["power"] = r.Power
	}
	if r.Temperature != fitInvalidSint8 {
		fields["temperature"] = r.Temperature
	}
	return fields
}

func putScaled(fields map[string]interface{}, key string, v float64) {
	if !math.IsNaN(v) {
		fields[key] = v
	}
}
