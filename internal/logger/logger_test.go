package logger

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.Disabled, ParseLevel("off"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("chatty"))
}

func TestRingBufferWraps(t *testing.T) {
	b := NewRingBuffer(3)
	for i := 0; i < 5; i++ {
		b.Add(Entry{Time: time.Now(), Level: "info", Message: fmt.Sprint(i)})
	}
	assert.Equal(t, 3, b.Len())

	got := b.Recent(Query{})
	require.Len(t, got, 3)
	assert.Equal(t, "4", got[0].Message)
	assert.Equal(t, "2", got[2].Message)

	assert.Len(t, b.Recent(Query{Limit: 2}), 2)
}

func TestRingBufferFilters(t *testing.T) {
	b := NewRingBuffer(10)
	now := time.Now()
	b.Add(Entry{Time: now.Add(-time.Hour), Level: "error", Component: "ingest", Message: "old"})
	b.Add(Entry{Time: now, Level: "debug", Component: "ingest", Message: "noise"})
	b.Add(Entry{Time: now, Level: "warn", Component: "merge", Message: "overlap"})
	b.Add(Entry{Time: now, Level: "error", Component: "ingest", Message: "bad file"})

	got := b.Recent(Query{MinLevel: zerolog.WarnLevel, Since: time.Minute})
	require.Len(t, got, 2)
	assert.Equal(t, "bad file", got[0].Message)

	got = b.Recent(Query{Component: "ingest"})
	assert.Len(t, got, 3)
}

func TestSetupCapturesJSONEvenForConsole(t *testing.T) {
	var out bytes.Buffer
	SetupWriter("debug", "console", &out)
	defer SetupWriter("info", "json", &bytes.Buffer{})

	before := Buffer().Len()
	l := Get("ingest")
	l.Warn().Err(errors.New("boom")).Str("path", "inbox/run.gpx").Msg("Rejected file")

	assert.Contains(t, out.String(), "Rejected file")
	require.Greater(t, Buffer().Len(), before)

	got := Buffer().Recent(Query{Limit: 1})
	require.Len(t, got, 1)
	assert.Equal(t, "warn", got[0].Level)
	assert.Equal(t, "ingest", got[0].Component)
	assert.Equal(t, "Rejected file", got[0].Message)
	assert.Equal(t, "boom", got[0].Error)
	assert.Equal(t, "inbox/run.gpx", got[0].Fields["path"])
}
