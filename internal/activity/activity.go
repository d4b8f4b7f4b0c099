// Package activity holds the merged, time-indexed table produced by an
// ingest run, together with the metadata describing where it came from.
package activity

import (
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/basekick-labs/runframe/internal/columns"
	"github.com/basekick-labs/runframe/pkg/models"
)

// MalformedActivityError reports parts that violate the table invariants
type MalformedActivityError struct {
	Detail string
}

func (e *MalformedActivityError) Error() string {
	return "malformed activity: " + e.Detail
}

func malformed(format string, args ...interface{}) error {
	return &MalformedActivityError{Detail: fmt.Sprintf(format, args...)}
}

// Spec describes an activity: its source, its columns with their units,
// the merge policy that produced it and free-form source metadata.
type Spec struct {
	SourceFormat string            `json:"source_format"`
	Columns      map[string]string `json:"columns"` // canonical name -> unit
	MergePolicy  string            `json:"merge_policy,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (s Spec) clone() Spec {
	s.Columns = maps.Clone(s.Columns)
	s.Metadata = maps.Clone(s.Metadata)
	return s
}

// Activity is a table of measurement columns sharing one non-decreasing
// time index. It owns its columns; every accessor hands out copies.
// SetSpecs is the only mutating method and must not race with readers.
type Activity struct {
	index columns.Index
	cols  map[string]*columns.Column
	spec  Spec
}

// FromParts validates the parts and builds an activity from copies of them.
// When spec.Columns is empty it is derived from the columns.
func FromParts(index columns.Index, cols map[string]*columns.Column, spec Spec) (*Activity, error) {
	if !index.IsMonotonic() {
		return nil, malformed("time index is not monotonically non-decreasing")
	}
	n := index.Len()
	for name, c := range cols {
		if c == nil {
			return nil, malformed("column %q is nil", name)
		}
		if c.Kind.Name() != name {
			return nil, malformed("column %q holds %s values", name, c.Kind)
		}
		if c.Len() != n || len(c.Data) != n*c.Width() {
			return nil, malformed("column %q has %d rows, index has %d", name, c.Len(), n)
		}
	}
	if err := checkSpec(spec, cols); err != nil {
		return nil, err
	}

	a := &Activity{
		index: index.Clone(),
		cols:  make(map[string]*columns.Column, len(cols)),
	}
	for name, c := range cols {
		a.cols[name] = c.Clone()
	}
	a.spec = a.completeSpec(spec)
	return a, nil
}

func checkSpec(spec Spec, cols map[string]*columns.Column) error {
	if len(spec.Columns) == 0 {
		return nil
	}
	if len(spec.Columns) != len(cols) {
		return malformed("spec lists %d columns, table has %d", len(spec.Columns), len(cols))
	}
	for name, unit := range spec.Columns {
		c, ok := cols[name]
		if !ok {
			return malformed("spec lists column %q which is not in the table", name)
		}
		if unit != c.Unit() {
			return malformed("spec gives column %q unit %q, values are in %q", name, unit, c.Unit())
		}
	}
	return nil
}

func (a *Activity) completeSpec(spec Spec) Spec {
	spec = spec.clone()
	if len(spec.Columns) == 0 {
		spec.Columns = make(map[string]string, len(a.cols))
		for name, c := range a.cols {
			spec.Columns[name] = c.Unit()
		}
	}
	return spec
}

// SetSpecs replaces the attached metadata. Data rows are untouched.
func (a *Activity) SetSpecs(spec Spec) error {
	if err := checkSpec(spec, a.cols); err != nil {
		return err
	}
	a.spec = a.completeSpec(spec)
	return nil
}

// Spec returns a copy of the attached metadata
func (a *Activity) Spec() Spec { return a.spec.clone() }

// Len returns the number of rows
func (a *Activity) Len() int { return a.index.Len() }

// Index returns a copy of the time index
func (a *Activity) Index() columns.Index { return a.index.Clone() }

// TimeKind reports whether rows are stamped with instants or offsets
func (a *Activity) TimeKind() models.TimeKind { return a.index.Kind }

// ColumnNames returns the canonical column names in sorted order
func (a *Activity) ColumnNames() []string {
	out := make([]string, 0, len(a.cols))
	for name := range a.cols {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HasColumn reports whether the canonical column exists
func (a *Activity) HasColumn(name string) bool {
	_, ok := a.cols[name]
	return ok
}

// Column returns a copy of the named column
func (a *Activity) Column(name string) (*columns.Column, bool) {
	c, ok := a.cols[name]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Start returns the first instant of an absolute activity
func (a *Activity) Start() (time.Time, bool) {
	if a.index.Kind != models.TimeAbsolute || a.index.Len() == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, a.index.Values[0]).UTC(), true
}

// Duration is the span between the first and last row
func (a *Activity) Duration() time.Duration {
	if a.index.Len() < 2 {
		return 0
	}
	return time.Duration(a.index.Values[a.index.Len()-1] - a.index.Values[0])
}

// ToElapsed returns a copy indexed by offset from the first row. The start
// instant is kept in the metadata under "start".
func (a *Activity) ToElapsed() (*Activity, error) {
	if a.index.Kind == models.TimeElapsed {
		return FromParts(a.index, a.cols, a.spec)
	}
	ix := a.index.Clone()
	ix.Kind = models.TimeElapsed
	spec := a.spec.clone()
	if len(ix.Values) > 0 {
		first := ix.Values[0]
		for i := range ix.Values {
			ix.Values[i] -= first
		}
		if spec.Metadata == nil {
			spec.Metadata = map[string]string{}
		}
		spec.Metadata["start"] = time.Unix(0, first).UTC().Format(time.RFC3339Nano)
	}
	return FromParts(ix, a.cols, spec)
}

// withColumns builds a new activity sharing this one's index and metadata
// with extra columns added.
func (a *Activity) withColumns(extra map[string]*columns.Column) (*Activity, error) {
	cols := make(map[string]*columns.Column, len(a.cols)+len(extra))
	maps.Copy(cols, a.cols)
	maps.Copy(cols, extra)
	spec := a.spec.clone()
	spec.Columns = nil
	return FromParts(a.index, cols, spec)
}
