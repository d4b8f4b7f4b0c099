package logger

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// DefaultBufferSize is how many entries the global buffer keeps
const DefaultBufferSize = 5000

// Entry is one captured log line
type Entry struct {
	Time      time.Time              `json:"time"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// RingBuffer keeps the last N entries
type RingBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
}

var (
	global     *RingBuffer
	globalOnce sync.Once
)

// Buffer returns the process-wide ring buffer
func Buffer() *RingBuffer {
	globalOnce.Do(func() { global = NewRingBuffer(DefaultBufferSize) })
	return global
}

// NewRingBuffer creates a buffer holding up to size entries
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{entries: make([]Entry, size)}
}

// Add stores e, evicting the oldest entry when full
func (b *RingBuffer) Add(e Entry) {
	b.mu.Lock()
	b.entries[b.next] = e
	b.next = (b.next + 1) % len(b.entries)
	if b.next == 0 {
		b.full = true
	}
	b.mu.Unlock()
}

// Len returns the number of stored entries
func (b *RingBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return len(b.entries)
	}
	return b.next
}

// Query filters the buffer
type Query struct {
	Limit     int           // 0 means everything
	MinLevel  zerolog.Level // entries below are skipped
	Component string        // exact match when set
	Since     time.Duration // 0 means no age limit
}

// Recent returns matching entries, newest first
func (b *RingBuffer) Recent(q Query) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.next
	if b.full {
		n = len(b.entries)
	}
	var cutoff time.Time
	if q.Since > 0 {
		cutoff = time.Now().Add(-q.Since)
	}

	out := make([]Entry, 0)
	for i := 0; i < n; i++ {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		e := b.entries[(b.next-1-i+len(b.entries))%len(b.entries)]
		if !cutoff.IsZero() && e.Time.Before(cutoff) {
			continue
		}
		if q.Component != "" && e.Component != q.Component {
			continue
		}
		if lvl, err := zerolog.ParseLevel(e.Level); err == nil && lvl < q.MinLevel {
			continue
		}
		out = append(out, e)
	}
	return out
}

// bufferWriter decodes zerolog JSON lines into the ring buffer
type bufferWriter struct {
	buf *RingBuffer
}

var reserved = map[string]bool{
	zerolog.TimestampFieldName: true,
	zerolog.LevelFieldName:     true,
	zerolog.MessageFieldName:   true,
	zerolog.ErrorFieldName:     true,
	"component":                true,
}

func (w *bufferWriter) Write(p []byte) (int, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(p, &raw); err != nil {
		// not ours to fail the caller over
		return len(p), nil
	}

	e := Entry{Time: time.Now()}
	if s, ok := raw[zerolog.TimestampFieldName].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			e.Time = t
		}
	}
	e.Level, _ = raw[zerolog.LevelFieldName].(string)
	e.Message, _ = raw[zerolog.MessageFieldName].(string)
	e.Error, _ = raw[zerolog.ErrorFieldName].(string)
	e.Component, _ = raw["component"].(string)
	for k, v := range raw {
		if reserved[k] {
			continue
		}
		if e.Fields == nil {
			e.Fields = make(map[string]interface{})
		}
		e.Fields[k] = v
	}
	w.buf.Add(e)
	return len(p), nil
}
