// Package merge aligns column groups sampled on different time axes onto
// one master index.
package merge

import (
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/runframe/internal/columns"
	"github.com/basekick-labs/runframe/pkg/models"
)

var (
	// ErrNoInput is returned when Merge is called without groups
	ErrNoInput = errors.New("merge needs at least one column group")
	// ErrReferenceRequired is returned when absolute and elapsed inputs are
	// mixed and the policy carries no reference instant.
	ErrReferenceRequired = errors.New("inputs mix absolute and elapsed time: a reference instant is required")
)

// ConflictError reports a canonical column provided by more than one input
type ConflictError struct {
	Name string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("column %q is provided by more than one input", e.Name)
}

// DuplicateTimestampError is returned under the Reject duplicate policy
type DuplicateTimestampError struct {
	Input int
	Nanos int64
}

func (e *DuplicateTimestampError) Error() string {
	return fmt.Sprintf("input %d repeats timestamp %d", e.Input, e.Nanos)
}

// MalformedGroupError reports an input whose columns do not match its index
type MalformedGroupError struct {
	Input  int
	Column string
}

func (e *MalformedGroupError) Error() string {
	return fmt.Sprintf("input %d: column %q length does not match its index", e.Input, e.Column)
}

// Result is the aligned table. Every column has exactly Index.Len() rows.
type Result struct {
	Index   columns.Index
	Columns map[string]*columns.Column
	Policy  Policy
}

// Engine merges column groups under a fixed policy. It keeps no state
// between calls and is safe for concurrent use.
type Engine struct {
	policy Policy
	logger zerolog.Logger
}

// New creates an engine. Zero-valued policy fields fall back to the defaults.
func New(policy Policy, logger zerolog.Logger) *Engine {
	return &Engine{
		policy: policy.normalized(),
		logger: logger.With().Str("component", "merge").Logger(),
	}
}

// Policy returns the effective policy
func (e *Engine) Policy() Policy { return e.policy }

// Merge aligns groups onto the sorted union of their time indices. Inputs
// are never modified. On error nothing is returned.
func (e *Engine) Merge(groups ...columns.Group) (*Result, error) {
	if len(groups) == 0 {
		return nil, ErrNoInput
	}
	for i, g := range groups {
		for name, c := range g.Columns {
			if c == nil || c.Len() != g.Index.Len() || len(c.Data) != c.Len()*c.Width() {
				return nil, &MalformedGroupError{Input: i, Column: name}
			}
		}
	}

	aligned, kind, err := e.unifyTimeKinds(groups)
	if err != nil {
		return nil, err
	}

	inputs := dedupe(aligned)
	owners, err := e.assignColumns(inputs)
	if err != nil {
		return nil, err
	}

	// collapse duplicate timestamps within each input: ts -> surviving row
	picks := make([]map[int64]int, len(inputs))
	var all []int64
	for i, g := range inputs {
		pick, err := e.collapse(i, g.Index.Values)
		if err != nil {
			return nil, err
		}
		picks[i] = pick
		for ts := range pick {
			all = append(all, ts)
		}
	}
	slices.Sort(all)
	master := slices.Compact(all)

	pos := make(map[int64]int, len(master))
	for i, ts := range master {
		pos[ts] = i
	}

	out := make(map[string]*columns.Column, len(owners))
	for name, providers := range owners {
		dst := columns.NewColumn(inputs[providers[0]].Columns[name].Kind, len(master))
		// earlier inputs win; later ones only fill rows still missing
		for _, in := range providers {
			src := inputs[in].Columns[name]
			for ts, row := range picks[in] {
				if !dst.IsMissing(pos[ts]) {
					continue
				}
				if vals, ok := src.Vec(row); ok {
					dst.Set(pos[ts], vals...)
				}
			}
		}
		if e.policy.Gaps == Hold {
			holdForward(dst)
		}
		out[name] = dst
	}

	e.logger.Debug().
		Int("inputs", len(groups)).
		Int("distinct_inputs", len(inputs)).
		Int("rows", len(master)).
		Int("columns", len(out)).
		Msg("Merged column groups")

	return &Result{
		Index:   columns.Index{Kind: kind, Values: master},
		Columns: out,
		Policy:  e.policy,
	}, nil
}

// unifyTimeKinds returns copies of the groups on one time representation.
// Empty groups do not take part in deciding whether the inputs are mixed.
func (e *Engine) unifyTimeKinds(groups []columns.Group) ([]columns.Group, models.TimeKind, error) {
	var hasAbs, hasElapsed bool
	for _, g := range groups {
		if g.Len() == 0 {
			continue
		}
		if g.Index.Kind == models.TimeElapsed {
			hasElapsed = true
		} else {
			hasAbs = true
		}
	}

	kind := models.TimeAbsolute
	if hasElapsed && !hasAbs {
		kind = models.TimeElapsed
	}
	mixed := hasAbs && hasElapsed
	if mixed && e.policy.Reference == nil {
		return nil, 0, ErrReferenceRequired
	}

	out := make([]columns.Group, len(groups))
	for i, g := range groups {
		c := g.Clone()
		if mixed && c.Index.Kind == models.TimeElapsed {
			ref := e.policy.Reference.UnixNano()
			for j := range c.Index.Values {
				c.Index.Values[j] += ref
			}
		}
		c.Index.Kind = kind
		out[i] = c
	}
	return out, kind, nil
}

// dedupe drops inputs identical to an earlier one, so that merging a group
// with itself is the identity.
func dedupe(groups []columns.Group) []columns.Group {
	out := make([]columns.Group, 0, len(groups))
next:
	for _, g := range groups {
		for _, kept := range out {
			if kept.Equal(g) {
				continue next
			}
		}
		out = append(out, g)
	}
	return out
}

// assignColumns maps each canonical name to the inputs that provide it,
// in input order
func (e *Engine) assignColumns(inputs []columns.Group) (map[string][]int, error) {
	owners := make(map[string][]int)
	for i, g := range inputs {
		for _, name := range g.Names() {
			if prev, taken := owners[name]; taken {
				if e.policy.Overlap != PreferFirst {
					return nil, &ConflictError{Name: name}
				}
				e.logger.Debug().
					Str("column", name).
					Int("preferred_input", prev[0]).
					Int("filling_input", i).
					Msg("Overlapping column resolved row by row in input order")
			}
			owners[name] = append(owners[name], i)
		}
	}
	return owners, nil
}

func (e *Engine) collapse(input int, values []int64) (map[int64]int, error) {
	pick := make(map[int64]int, len(values))
	for row, ts := range values {
		if _, seen := pick[ts]; seen {
			switch e.policy.Duplicates {
			case Reject:
				return nil, &DuplicateTimestampError{Input: input, Nanos: ts}
			case FirstWins:
				continue
			}
		}
		pick[ts] = row
	}
	return pick, nil
}

func holdForward(c *columns.Column) {
	var (
		last []float64
		have bool
	)
	for i := 0; i < c.Len(); i++ {
		if v, ok := c.Vec(i); ok {
			last, have = v, true
			continue
		}
		if have {
			c.Set(i, last...)
		}
	}
}
