package columns

import "fmt"

// Part says which component of a column a raw field feeds
type Part uint8

const (
	PartScalar Part = iota
	PartLat
	PartLon
)

// Entry binds one raw field name to a canonical column
type Entry struct {
	Raw   string
	Kind  Kind
	Part  Part
	Scale func(float64) float64 // optional, applied after numeric conversion
}

// Spec is the static declaration of which raw fields a format produces and
// which canonical columns they become. It is read-only once built.
type Spec struct {
	format  string
	entries []Entry
	byRaw   map[string][]int
}

// NewSpec validates entries and builds a Spec. Entries are kept in the
// given order, which is also the priority order when several raw fields
// feed the same column.
func NewSpec(format string, entries ...Entry) (*Spec, error) {
	s := &Spec{
		format:  format,
		entries: make([]Entry, len(entries)),
		byRaw:   make(map[string][]int, len(entries)),
	}
	copy(s.entries, entries)

	parts := make(map[Kind]map[Part]bool)
	for i, e := range s.entries {
		if e.Raw == "" {
			return nil, fmt.Errorf("column spec %s: entry %d has no raw field name", format, i)
		}
		if _, ok := kinds[e.Kind]; !ok {
			return nil, fmt.Errorf("column spec %s: field %q maps to unknown kind", format, e.Raw)
		}
		if e.Kind.Width() == 2 && e.Part == PartScalar {
			return nil, fmt.Errorf("column spec %s: field %q must declare lat or lon part for %s", format, e.Raw, e.Kind)
		}
		if e.Kind.Width() == 1 && e.Part != PartScalar {
			return nil, fmt.Errorf("column spec %s: field %q declares a vector part on scalar %s", format, e.Raw, e.Kind)
		}
		if parts[e.Kind] == nil {
			parts[e.Kind] = make(map[Part]bool)
		}
		parts[e.Kind][e.Part] = true
		s.byRaw[e.Raw] = append(s.byRaw[e.Raw], i)
	}

	for k, p := range parts {
		if k.Width() == 2 && !(p[PartLat] && p[PartLon]) {
			return nil, fmt.Errorf("column spec %s: %s needs both lat and lon fields", format, k)
		}
	}
	return s, nil
}

// MustSpec is like NewSpec but panics on an invalid declaration.
// Parsers use it for their package-level specs.
func MustSpec(format string, entries ...Entry) *Spec {
	s, err := NewSpec(format, entries...)
	if err != nil {
		panic(err)
	}
	return s
}

// Format returns the format this spec belongs to
func (s *Spec) Format() string { return s.format }

// Lookup returns the entries fed by a raw field name
func (s *Spec) Lookup(raw string) []Entry {
	idx := s.byRaw[raw]
	out := make([]Entry, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.entries[i])
	}
	return out
}

// Kinds returns the distinct canonical kinds in declaration order
func (s *Spec) Kinds() []Kind {
	seen := make(map[Kind]bool)
	var out []Kind
	for _, e := range s.entries {
		if !seen[e.Kind] {
			seen[e.Kind] = true
			out = append(out, e.Kind)
		}
	}
	return out
}

// Canonical returns the declared canonical column names in declaration order
func (s *Spec) Canonical() []string {
	ks := s.Kinds()
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = k.Name()
	}
	return out
}

// Units maps each declared canonical name to its unit
func (s *Spec) Units() map[string]string {
	out := make(map[string]string)
	for _, k := range s.Kinds() {
		out[k.Name()] = k.Unit()
	}
	return out
}
