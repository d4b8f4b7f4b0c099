// Package streams turns telemetry-service stream payloads into raw records.
// A payload carries one samples array per stream type, all of the same
// length, with the "time" stream giving seconds since the activity start.
package streams

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/basekick-labs/runframe/internal/columns"
	"github.com/basekick-labs/runframe/internal/format"
	"github.com/basekick-labs/runframe/internal/parser"
	"github.com/basekick-labs/runframe/pkg/models"
)

// Stream type keys as sent by the service
const (
	KeyTime     = "time"
	KeyLatLng   = "latlng"
	KeyDistance = "distance"
	KeyAltitude = "altitude"
	KeyVelocity = "velocity_smooth"
	KeyHeart    = "heartrate"
	KeyCadence  = "cadence"
	KeyWatts    = "watts"
	KeyTemp     = "temp"
	KeyMoving   = "moving"
	KeyGrade    = "grade_smooth"
)

// raw field names used for the two halves of a latlng sample
const (
	fieldLat = "lat"
	fieldLng = "lng"
)

// Source is the name payloads are reported under in errors
const Source = "stream"

var spec = columns.MustSpec(string(format.Stream),
	columns.Entry{Raw: fieldLat, Kind: columns.KindLonLat, Part: columns.PartLat},
	columns.Entry{Raw: fieldLng, Kind: columns.KindLonLat, Part: columns.PartLon},
	columns.Entry{Raw: KeyDistance, Kind: columns.KindDistance},
	columns.Entry{Raw: KeyAltitude, Kind: columns.KindAltitude},
	columns.Entry{Raw: KeyVelocity, Kind: columns.KindSpeed},
	columns.Entry{Raw: KeyHeart, Kind: columns.KindHeartRate},
	columns.Entry{Raw: KeyCadence, Kind: columns.KindCadence},
	columns.Entry{Raw: KeyWatts, Kind: columns.KindPower},
	columns.Entry{Raw: KeyTemp, Kind: columns.KindTemperature},
	columns.Entry{Raw: KeyMoving, Kind: columns.KindMoving},
	columns.Entry{Raw: KeyGrade, Kind: columns.KindGrade},
)

// ColumnSpec returns the static column declaration for stream payloads
func ColumnSpec() *columns.Spec { return spec }

// Decoder decodes stream payloads from JSON or MessagePack
type Decoder struct {
	logger       zerolog.Logger
	totalDecoded atomic.Uint64
	totalErrors  atomic.Uint64
}

// NewDecoder creates a decoder
func NewDecoder(logger zerolog.Logger) *Decoder {
	return &Decoder{
		logger: logger.With().Str("component", "stream-decoder").Logger(),
	}
}

// Decode picks the wire codec from the content type. Anything that is not
// msgpack is treated as JSON.
func (d *Decoder) Decode(contentType string, data []byte) (*models.StreamPayload, error) {
	if strings.Contains(strings.ToLower(contentType), "msgpack") {
		return d.DecodeMsgpack(data)
	}
	return d.DecodeJSON(data)
}

// DecodeJSON decodes a JSON payload
func (d *Decoder) DecodeJSON(data []byte) (*models.StreamPayload, error) {
	var p models.StreamPayload
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		d.totalErrors.Add(1)
		return nil, &parser.InvalidFileError{Path: Source, Reason: "malformed JSON payload", Err: err}
	}
	return d.finish(&p)
}

// DecodeMsgpack decodes a MessagePack payload
func (d *Decoder) DecodeMsgpack(data []byte) (*models.StreamPayload, error) {
	var p models.StreamPayload
	if err := msgpack.Unmarshal(data, &p); err != nil {
		d.totalErrors.Add(1)
		return nil, &parser.InvalidFileError{Path: Source, Reason: "malformed msgpack payload", Err: err}
	}
	return d.finish(&p)
}

func (d *Decoder) finish(p *models.StreamPayload) (*models.StreamPayload, error) {
	if err := Validate(p); err != nil {
		d.totalErrors.Add(1)
		return nil, err
	}
	d.totalDecoded.Add(1)
	d.logger.Debug().Int("streams", len(p.Streams)).Int("samples", len(p.Streams[KeyTime].Data)).Msg("Decoded stream payload")
	return p, nil
}

// Stats returns decoded and failed payload counts
func (d *Decoder) Stats() (decoded, failed uint64) {
	return d.totalDecoded.Load(), d.totalErrors.Load()
}

// Validate checks that the payload has a time stream and that every
// stream has as many samples as it.
func Validate(p *models.StreamPayload) error {
	if p == nil {
		return &parser.InvalidFileError{Path: Source, Reason: "empty payload"}
	}
	ts, ok := p.Streams[KeyTime]
	if !ok {
		return &parser.InvalidFileError{Path: Source, Reason: "payload has no time stream"}
	}
	n := len(ts.Data)
	for _, key := range sortedKeys(p.Streams) {
		if got := len(p.Streams[key].Data); got != n {
			return &parser.InvalidFileError{
				Path:   Source,
				Reason: fmt.Sprintf("stream %q has %d samples, time has %d", key, got, n),
			}
		}
	}
	return nil
}

// Records converts a payload into elapsed-offset records. Samples whose
// time is not numeric are dropped. Unknown stream types are carried
// through as raw fields and ignored by the column spec.
func Records(p *models.StreamPayload) ([]models.Record, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	times := p.Streams[KeyTime].Data
	keys := sortedKeys(p.Streams)

	out := make([]models.Record, 0, len(times))
	for i, tv := range times {
		secs, ok := columns.ToFloat64(normalize(tv))
		if !ok {
			continue
		}
		fields := make(map[string]interface{}, len(keys)+1)
		for _, key := range keys {
			if key == KeyTime {
				continue
			}
			v := p.Streams[key].Data[i]
			if v == nil {
				continue
			}
			if key == KeyLatLng {
				lat, lng, ok := pair(v)
				if ok {
					fields[fieldLat] = lat
					fields[fieldLng] = lng
				}
				continue
			}
			fields[key] = normalize(v)
		}
		out = append(out, models.NewElapsed(time.Duration(secs*float64(time.Second)), fields))
	}
	return out, nil
}

// StartDate returns the activity start from the payload metadata
// ("start_date", RFC 3339).
func StartDate(p *models.StreamPayload) (time.Time, bool) {
	if p == nil {
		return time.Time{}, false
	}
	s, ok := p.Metadata["start_date"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// Metadata flattens scalar metadata values to strings
func Metadata(p *models.StreamPayload) map[string]string {
	out := make(map[string]string)
	if p == nil {
		return out
	}
	for k, v := range p.Metadata {
		switch val := normalize(v).(type) {
		case string:
			out[k] = val
		case bool, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// normalize unwraps json.Number so numbers reach the typing layer as floats
func normalize(v interface{}) interface{} {
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		if err != nil {
			return nil
		}
		return f
	}
	return v
}

func pair(v interface{}) (lat, lng float64, ok bool) {
	arr, isArr := v.([]interface{})
	if !isArr || len(arr) != 2 {
		return 0, 0, false
	}
	lat, ok1 := columns.ToFloat64(normalize(arr[0]))
	lng, ok2 := columns.ToFloat64(normalize(arr[1]))
	return lat, lng, ok1 && ok2
}

func sortedKeys(m map[string]models.Stream) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
