package models

import "time"

// TimeKind says how a sample's position on the time axis is expressed
type TimeKind uint8

const (
	// TimeAbsolute samples carry a wall-clock instant
	TimeAbsolute TimeKind = iota
	// TimeElapsed samples carry an offset from the start of the activity
	TimeElapsed
)

func (k TimeKind) String() string {
	switch k {
	case TimeAbsolute:
		return "absolute"
	case TimeElapsed:
		return "elapsed"
	default:
		return "unknown"
	}
}

// Record represents a single raw sample emitted by a format parser.
// Fields are keyed by raw (already snake_cased) field name and hold the
// value as found in the source: strings for XML dialects, numbers for
// binary and JSON sources. A field that the source did not report is
// simply absent from the map.
type Record struct {
	Kind   TimeKind               `json:"kind"`
	Time   time.Time              `json:"time,omitempty"`   // Set when Kind == TimeAbsolute
	Offset time.Duration          `json:"offset,omitempty"` // Set when Kind == TimeElapsed
	Fields map[string]interface{} `json:"fields"`
}

// NewAbsolute creates a record stamped with a wall-clock instant
func NewAbsolute(t time.Time, fields map[string]interface{}) Record {
	return Record{Kind: TimeAbsolute, Time: t.UTC(), Fields: fields}
}

// NewElapsed creates a record stamped with an offset from the activity start
func NewElapsed(offset time.Duration, fields map[string]interface{}) Record {
	return Record{Kind: TimeElapsed, Offset: offset, Fields: fields}
}

// Nanos returns the record position on its time axis in nanoseconds
// (since the Unix epoch for absolute records, since start for elapsed ones).
func (r Record) Nanos() int64 {
	if r.Kind == TimeElapsed {
		return int64(r.Offset)
	}
	return r.Time.UnixNano()
}

// StreamPayload is the shape handed over by a telemetry-service client:
// activity metadata plus one raw samples array per stream type.
type StreamPayload struct {
	Metadata map[string]interface{} `json:"metadata" msgpack:"metadata"`
	Streams  map[string]Stream      `json:"streams" msgpack:"streams"`
}

// Stream is one raw samples array as returned by the service API
type Stream struct {
	Data         []interface{} `json:"data" msgpack:"data"`
	SeriesType   string        `json:"series_type,omitempty" msgpack:"series_type,omitempty"`
	OriginalSize int           `json:"original_size,omitempty" msgpack:"original_size,omitempty"`
	Resolution   string        `json:"resolution,omitempty" msgpack:"resolution,omitempty"`
}
