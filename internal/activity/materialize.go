package activity

import (
	"fmt"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/basekick-labs/runframe/internal/columns"
	"github.com/basekick-labs/runframe/pkg/models"
)

// TimeColumn is the name of the index column in materialized records
const TimeColumn = "time"

var (
	timestampType = &arrow.TimestampType{Unit: arrow.Nanosecond, TimeZone: "UTC"}
	durationType  = &arrow.DurationType{Unit: arrow.Nanosecond}
)

// Schema returns the Arrow schema Materialize produces. Positions are split
// into "lon" and "lat" columns, "moving" is boolean and everything else is
// float64. Missing values are nulls. Units and spec metadata travel in the
// schema metadata.
func (a *Activity) Schema() *arrow.Schema {
	fields := []arrow.Field{{Name: TimeColumn, Type: a.timeType()}}
	for _, name := range a.ColumnNames() {
		c := a.cols[name]
		fieldMeta := arrow.NewMetadata([]string{"unit"}, []string{c.Unit()})
		switch c.Kind {
		case columns.KindLonLat:
			fields = append(fields,
				arrow.Field{Name: "lon", Type: arrow.PrimitiveTypes.Float64, Nullable: true, Metadata: fieldMeta},
				arrow.Field{Name: "lat", Type: arrow.PrimitiveTypes.Float64, Nullable: true, Metadata: fieldMeta},
			)
		case columns.KindMoving:
			fields = append(fields, arrow.Field{Name: name, Type: arrow.FixedWidthTypes.Boolean, Nullable: true, Metadata: fieldMeta})
		default:
			fields = append(fields, arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float64, Nullable: true, Metadata: fieldMeta})
		}
	}

	md := a.schemaMetadata()
	return arrow.NewSchema(fields, &md)
}

func (a *Activity) timeType() arrow.DataType {
	if a.index.Kind == models.TimeElapsed {
		return durationType
	}
	return timestampType
}

func (a *Activity) schemaMetadata() arrow.Metadata {
	kv := map[string]string{
		"source_format": a.spec.SourceFormat,
		"time_kind":     a.index.Kind.String(),
	}
	if a.spec.MergePolicy != "" {
		kv["merge_policy"] = a.spec.MergePolicy
	}
	for k, v := range a.spec.Metadata {
		kv["meta."+k] = v
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = kv[k]
	}
	return arrow.NewMetadata(keys, vals)
}

// Materialize copies the table into a new Arrow record allocated from mem
// (memory.DefaultAllocator when nil). The caller owns the record and must
// Release it; changes to it never reach the activity.
func (a *Activity) Materialize(mem memory.Allocator) (arrow.Record, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	schema := a.Schema()
	n := a.Len()

	arrays := make([]arrow.Array, 0, len(schema.Fields()))
	defer func() {
		for _, arr := range arrays {
			arr.Release()
		}
	}()

	switch a.index.Kind {
	case models.TimeElapsed:
		b := array.NewDurationBuilder(mem, durationType)
		vals := make([]arrow.Duration, n)
		for i, v := range a.index.Values {
			vals[i] = arrow.Duration(v)
		}
		b.AppendValues(vals, nil)
		arrays = append(arrays, b.NewArray())
		b.Release()
	default:
		b := array.NewTimestampBuilder(mem, timestampType)
		vals := make([]arrow.Timestamp, n)
		for i, v := range a.index.Values {
			vals[i] = arrow.Timestamp(v)
		}
		b.AppendValues(vals, nil)
		arrays = append(arrays, b.NewArray())
		b.Release()
	}

	for _, name := range a.ColumnNames() {
		c := a.cols[name]
		switch c.Kind {
		case columns.KindLonLat:
			lon := make([]float64, n)
			lat := make([]float64, n)
			for i := 0; i < n; i++ {
				lon[i] = c.Data[2*i]
				lat[i] = c.Data[2*i+1]
			}
			arrays = append(arrays, float64Array(mem, lon, c.Valid), float64Array(mem, lat, c.Valid))
		case columns.KindMoving:
			b := array.NewBooleanBuilder(mem)
			vals := make([]bool, n)
			for i := 0; i < n; i++ {
				vals[i] = c.Data[i] != 0
			}
			b.AppendValues(vals, c.Valid)
			arrays = append(arrays, b.NewArray())
			b.Release()
		default:
			arrays = append(arrays, float64Array(mem, c.Data, c.Valid))
		}
	}

	if len(arrays) != len(schema.Fields()) {
		return nil, fmt.Errorf("materialize: built %d arrays for %d fields", len(arrays), len(schema.Fields()))
	}
	// NewRecord retains the arrays; the deferred release drops our references
	return array.NewRecord(schema, arrays, int64(n)), nil
}

func float64Array(mem memory.Allocator, vals []float64, valid []bool) arrow.Array {
	b := array.NewFloat64Builder(mem)
	defer b.Release()
	b.AppendValues(vals, valid)
	return b.NewArray()
}
