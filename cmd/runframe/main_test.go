package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/runframe/internal/activity"
	"github.com/basekick-labs/runframe/internal/export"
)

const runGPX = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" xmlns="http://www.topografix.com/GPX/1/1">
 <trk><trkseg>
  <trkpt lat="52.3700" lon="4.8900"><time>2020-03-01T06:00:00Z</time></trkpt>
  <trkpt lat="52.3710" lon="4.8900"><time>2020-03-01T06:00:10Z</time></trkpt>
 </trkseg></trk>
</gpx>`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand(&stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestConvertCommand(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "run.gpx", runGPX)

	out := filepath.Join(dir, "run.parquet")
	stdout, err := run(t, "convert", in, "-o", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "wrote 2 rows")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "PAR1", string(data[:4]))

	out = filepath.Join(dir, "run.arrows")
	_, err = run(t, "convert", in, "-o", out, "--compression", "none")
	require.NoError(t, err)
	_, err = os.Stat(out)
	assert.NoError(t, err)
}

func TestConvertCommandErrors(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "run.gpx", runGPX)

	_, err := run(t, "convert", in, "-o", filepath.Join(dir, "run.csv"))
	assert.ErrorContains(t, err, "cannot infer the format")

	_, err = run(t, "convert", in, "-o", filepath.Join(dir, "run.parquet"), "--gaps", "interpolate")
	assert.ErrorContains(t, err, "unknown gap policy")

	_, err = run(t, "convert", filepath.Join(dir, "missing.gpx"), "-o", filepath.Join(dir, "x.parquet"))
	assert.Error(t, err)

	_, err = run(t, "convert", in)
	assert.Error(t, err, "--output is required")
}

func TestSummaryCommand(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "run.gpx", runGPX)

	stdout, err := run(t, "summary", in)
	require.NoError(t, err)

	var sum activity.Summary
	require.NoError(t, json.Unmarshal([]byte(stdout), &sum))
	assert.Equal(t, 2, sum.Rows)
	assert.InDelta(t, 111.2, sum.TotalDistance, 0.5)
}

func TestSummaryCommandUnits(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "run.gpx", runGPX)

	var out struct {
		TotalDistance float64        `json:"total_distance_m"`
		Display       displayFigures `json:"display"`
	}
	stdout, err := run(t, "summary", in)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, "km", out.Display.DistanceUnit)
	assert.Equal(t, "min/km", out.Display.PaceUnit)
	assert.InDelta(t, out.TotalDistance/1000, out.Display.Distance, 1e-9)

	stdout, err = run(t, "summary", in, "--units", "imperial")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, "mi", out.Display.DistanceUnit)
	assert.Equal(t, "min/mi", out.Display.PaceUnit)
	assert.InDelta(t, out.TotalDistance/1609.344, out.Display.Distance, 1e-9)
	assert.Greater(t, out.Display.Pace, 0.0)

	_, err = run(t, "summary", in, "--units", "furlongs")
	assert.ErrorContains(t, err, "unknown unit system")
}

func TestDisplay(t *testing.T) {
	// 5 km at 5:00 min/km
	sum := activity.Summary{TotalDistance: 5000, MeanPace: 0.3}
	d, err := display(sum, "metric")
	require.NoError(t, err)
	assert.InDelta(t, 5.0, d.Distance, 1e-9)
	assert.InDelta(t, 5.0, d.Pace, 1e-9)

	d, err = display(activity.Summary{}, "imperial")
	require.NoError(t, err)
	assert.Zero(t, d.Pace, "no pace without movement")
}

func TestConvertCommandElapsed(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "run.gpx", runGPX)

	out := filepath.Join(dir, "run.arrows")
	stdout, err := run(t, "convert", in, "-o", out, "--elapsed", "--compression", "none")
	require.NoError(t, err)
	assert.Contains(t, stdout, "wrote 2 rows")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	rdr, err := ipc.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer rdr.Release()
	f, ok := rdr.Schema().FieldsByName("time")
	require.True(t, ok)
	assert.Equal(t, arrow.DURATION, f[0].Type.ID())
}

func TestOutputFormat(t *testing.T) {
	tests := []struct {
		output   string
		explicit string
		want     export.Format
		wantErr  bool
	}{
		{output: "a.parquet", want: export.Parquet},
		{output: "a.PQ", want: export.Parquet},
		{output: "a.arrows", want: export.Arrow},
		{output: "a.bin", explicit: "arrow", want: export.Arrow},
		{output: "a.bin", wantErr: true},
		{output: "a.parquet", explicit: "csv", wantErr: true},
	}
	for _, tt := range tests {
		got, err := outputFormat(tt.output, tt.explicit)
		if tt.wantErr {
			assert.Error(t, err, tt.output)
			continue
		}
		require.NoError(t, err, tt.output)
		assert.Equal(t, tt.want, got)
	}
}
