package columns

import (
	"math"
	"slices"
	"sort"

	"github.com/basekick-labs/runframe/pkg/models"
)

// Index is a time axis in nanoseconds. For absolute indices the values are
// Unix nanoseconds, for elapsed ones they are offsets from the start.
type Index struct {
	Kind   models.TimeKind
	Values []int64
}

// Len returns the number of index entries
func (ix Index) Len() int { return len(ix.Values) }

// Clone returns a deep copy
func (ix Index) Clone() Index {
	return Index{Kind: ix.Kind, Values: slices.Clone(ix.Values)}
}

// Equal reports whether both indices have the same kind and values
func (ix Index) Equal(o Index) bool {
	return ix.Kind == o.Kind && slices.Equal(ix.Values, o.Values)
}

// IsMonotonic reports whether the values never decrease
func (ix Index) IsMonotonic() bool {
	return sort.SliceIsSorted(ix.Values, func(i, j int) bool { return ix.Values[i] < ix.Values[j] })
}

// Column is a canonical measurement series. Values are stored row-major
// with Kind.Width() values per row; for positions a row is [lon, lat].
// A row is missing when Valid[row] is false, in which case its Data slots
// hold no meaning.
type Column struct {
	Kind  Kind
	Data  []float64
	Valid []bool
}

// NewColumn returns a column of n rows, all missing
func NewColumn(kind Kind, n int) *Column {
	return &Column{
		Kind:  kind,
		Data:  make([]float64, n*kind.Width()),
		Valid: make([]bool, n),
	}
}

// Name returns the canonical name of the column
func (c *Column) Name() string { return c.Kind.Name() }

// Unit returns the unit values are stored in
func (c *Column) Unit() string { return c.Kind.Unit() }

// Width returns the number of values per row
func (c *Column) Width() int { return c.Kind.Width() }

// Len returns the number of rows
func (c *Column) Len() int { return len(c.Valid) }

// IsMissing reports whether row i holds no data
func (c *Column) IsMissing(i int) bool { return !c.Valid[i] }

// At returns the first value of row i and whether it is present
func (c *Column) At(i int) (float64, bool) {
	if !c.Valid[i] {
		return 0, false
	}
	return c.Data[i*c.Width()], true
}

// Vec returns a copy of all values of row i and whether it is present
func (c *Column) Vec(i int) ([]float64, bool) {
	if !c.Valid[i] {
		return nil, false
	}
	w := c.Width()
	return slices.Clone(c.Data[i*w : (i+1)*w]), true
}

// Set stores the row values and marks the row present. NaN in any slot
// marks the row missing instead.
func (c *Column) Set(i int, vals ...float64) {
	w := c.Width()
	for _, v := range vals {
		if math.IsNaN(v) {
			c.SetMissing(i)
			return
		}
	}
	copy(c.Data[i*w:(i+1)*w], vals)
	c.Valid[i] = true
}

// SetMissing marks row i as holding no data
func (c *Column) SetMissing(i int) {
	w := c.Width()
	for j := i * w; j < (i+1)*w; j++ {
		c.Data[j] = 0
	}
	c.Valid[i] = false
}

// Count returns the number of present rows
func (c *Column) Count() int {
	n := 0
	for _, v := range c.Valid {
		if v {
			n++
		}
	}
	return n
}

// Clone returns a deep copy
func (c *Column) Clone() *Column {
	return &Column{Kind: c.Kind, Data: slices.Clone(c.Data), Valid: slices.Clone(c.Valid)}
}

// Equal compares present values and missing markers row by row
func (c *Column) Equal(o *Column) bool {
	if c.Kind != o.Kind || c.Len() != o.Len() {
		return false
	}
	w := c.Width()
	for i := range c.Valid {
		if c.Valid[i] != o.Valid[i] {
			return false
		}
		if c.Valid[i] && !slices.Equal(c.Data[i*w:(i+1)*w], o.Data[i*w:(i+1)*w]) {
			return false
		}
	}
	return true
}

// Group is a set of columns typed from one source, all sharing Index
type Group struct {
	Index   Index
	Columns map[string]*Column
}

// Names returns the column names in sorted order
func (g Group) Names() []string {
	out := make([]string, 0, len(g.Columns))
	for name := range g.Columns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of rows
func (g Group) Len() int { return g.Index.Len() }

// Clone returns a deep copy of the group
func (g Group) Clone() Group {
	cols := make(map[string]*Column, len(g.Columns))
	for name, c := range g.Columns {
		cols[name] = c.Clone()
	}
	return Group{Index: g.Index.Clone(), Columns: cols}
}

// Equal reports whether both groups have the same index and identical columns
func (g Group) Equal(o Group) bool {
	if !g.Index.Equal(o.Index) || len(g.Columns) != len(o.Columns) {
		return false
	}
	for name, c := range g.Columns {
		oc, ok := o.Columns[name]
		if !ok || !c.Equal(oc) {
			return false
		}
	}
	return true
}
