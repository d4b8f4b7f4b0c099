package parser

import (
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/basekick-labs/runframe/internal/columns"
	"github.com/basekick-labs/runframe/internal/format"
	"github.com/basekick-labs/runframe/pkg/models"
)

var nikeSpec = columns.MustSpec(string(format.NikeRun),
	columns.Entry{Raw: "latitude", Kind: columns.KindLonLat, Part: columns.PartLat},
	columns.Entry{Raw: "longitude", Kind: columns.KindLonLat, Part: columns.PartLon},
	columns.Entry{Raw: "elevation", Kind: columns.KindAltitude},
	columns.Entry{Raw: "heart_rate", Kind: columns.KindHeartRate},
	columns.Entry{Raw: "calories", Kind: columns.KindCalories},
	columns.Entry{Raw: "steps", Kind: columns.KindSteps},
)

// metrics reported as instantaneous readings; everything else listed in
// nikeCumulative is summed over the interval between two position fixes
var nikeInstant = []string{"elevation", "heart_rate"}
var nikeCumulative = []string{"calories", "steps"}

type nikeActivity struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	StartEpochMs int64             `json:"start_epoch_ms"`
	Tags         map[string]string `json:"tags"`
	Metrics      []nikeMetric      `json:"metrics"`
}

type nikeMetric struct {
	Type   string       `json:"type"`
	Unit   string       `json:"unit"`
	Values []nikeSample `json:"values"`
}

type nikeSample struct {
	StartEpochMs int64   `json:"start_epoch_ms"`
	EndEpochMs   int64   `json:"end_epoch_ms"`
	Value        float64 `json:"value"`
}

// NikeRun parses activity documents exported from the Nike Run Club API.
// Each metric carries its own sampling; rows are anchored on the position
// fixes and other metrics are attached to the fix that follows them.
type NikeRun struct{}

func (NikeRun) Format() format.Format     { return format.NikeRun }
func (NikeRun) ColumnSpec() *columns.Spec { return nikeSpec }

func (NikeRun) Parse(name string, data []byte) (*Parsed, error) {
	var doc nikeActivity
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, invalid(name, "malformed json", err)
	}
	if len(doc.Metrics) == 0 {
		return nil, invalid(name, "document has no metrics", nil)
	}

	streams := make(map[string][]nikeSample, len(doc.Metrics))
	for _, m := range doc.Metrics {
		streams[m.Type] = m.Values
	}
	lats, okLat := streams["latitude"]
	lons, okLon := streams["longitude"]
	if !okLat || !okLon {
		return nil, invalid(name, "latitude and longitude metrics are required", nil)
	}
	if len(lats) != len(lons) {
		return nil, invalid(name, "latitude and longitude sample counts differ", nil)
	}

	epochs := make([]int64, len(lats))
	rows := make([]map[string]interface{}, len(lats))
	for i := range lats {
		if lats[i].StartEpochMs != lons[i].StartEpochMs {
			return nil, invalid(name, "latitude and longitude samples are out of order", nil)
		}
		if i > 0 && lats[i].StartEpochMs < lats[i-1].StartEpochMs {
			return nil, invalid(name, "position samples are not time ordered", nil)
		}
		epochs[i] = lats[i].StartEpochMs
		rows[i] = map[string]interface{}{
			"latitude":  lats[i].Value,
			"longitude": lons[i].Value,
		}
	}

	for _, metric := range nikeInstant {
		if samples, ok := streams[metric]; ok {
			attach(rows, epochs, samples, metric, false)
		}
	}
	for _, metric := range nikeCumulative {
		if samples, ok := streams[metric]; ok {
			attach(rows, epochs, samples, metric, true)
		}
	}

	records := make([]models.Record, len(rows))
	for i, fields := range rows {
		records[i] = models.NewAbsolute(time.UnixMilli(epochs[i]), fields)
	}

	meta := map[string]string{}
	if doc.ID != "" {
		meta["id"] = doc.ID
	}
	if doc.Type != "" {
		meta["sport"] = doc.Type
	}
	for k, v := range doc.Tags {
		meta["tag."+k] = v
	}
	return &Parsed{Records: records, Metadata: meta}, nil
}

// attach assigns to each row the samples whose interval ended after the
// previous row and no later than this one. Instant metrics keep the latest
// such sample, cumulative ones their sum. Rows with no sample stay absent.
func attach(rows []map[string]interface{}, epochs []int64, samples []nikeSample, metric string, cumulative bool) {
	sorted := make([]nikeSample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].EndEpochMs < sorted[j].EndEpochMs })

	next := 0
	for i, epoch := range epochs {
		var (
			sum   float64
			last  float64
			found bool
		)
		for next < len(sorted) && sorted[next].EndEpochMs <= epoch {
			sum += sorted[next].Value
			last = sorted[next].Value
			found = true
			next++
		}
		if !found {
			continue
		}
		if cumulative {
			rows[i][metric] = sum
		} else {
			rows[i][metric] = last
		}
	}
}
