package merge

import (
	"fmt"
	"strings"
	"time"
)

// DuplicatePolicy decides which sample survives when one source reports the
// same timestamp more than once.
type DuplicatePolicy string

const (
	LastWins  DuplicatePolicy = "last"
	FirstWins DuplicatePolicy = "first"
	Reject    DuplicatePolicy = "reject"
)

// GapPolicy decides what a column holds at master-index rows its source
// never sampled.
type GapPolicy string

const (
	// Missing leaves an explicit missing marker
	Missing GapPolicy = "missing"
	// Hold repeats the last present value (forward fill)
	Hold GapPolicy = "hold"
)

// OverlapPolicy decides what happens when two sources provide the same
// canonical column.
type OverlapPolicy string

const (
	// RejectOverlap treats the shared name as a conflict
	RejectOverlap OverlapPolicy = "reject"
	// PreferFirst keeps the column from the earliest input that has it
	PreferFirst OverlapPolicy = "prefer"
)

// Policy configures an Engine
type Policy struct {
	Duplicates DuplicatePolicy `json:"duplicates"`
	Gaps       GapPolicy       `json:"gaps"`
	Overlap    OverlapPolicy   `json:"overlap"`
	// Reference anchors elapsed-offset inputs on the wall clock. It is only
	// needed, and required, when inputs mix absolute and elapsed indices.
	Reference *time.Time `json:"reference,omitempty"`
}

// DefaultPolicy keeps the last duplicate, leaves gaps missing and rejects
// overlapping columns.
func DefaultPolicy() Policy {
	return Policy{Duplicates: LastWins, Gaps: Missing, Overlap: RejectOverlap}
}

// WithReference returns a copy of p anchored at ref
func (p Policy) WithReference(ref time.Time) Policy {
	r := ref.UTC()
	p.Reference = &r
	return p
}

// String renders the policy for activity metadata
func (p Policy) String() string {
	s := fmt.Sprintf("duplicates=%s gaps=%s overlap=%s", p.Duplicates, p.Gaps, p.Overlap)
	if p.Reference != nil {
		s += " reference=" + p.Reference.Format(time.RFC3339Nano)
	}
	return s
}

func (p Policy) normalized() Policy {
	if p.Duplicates == "" {
		p.Duplicates = LastWins
	}
	if p.Gaps == "" {
		p.Gaps = Missing
	}
	if p.Overlap == "" {
		p.Overlap = RejectOverlap
	}
	return p
}

// ParseDuplicatePolicy resolves a configured duplicate policy name
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", LastWins:
		return LastWins, nil
	case FirstWins:
		return FirstWins, nil
	case Reject:
		return Reject, nil
	}
	return "", fmt.Errorf("unknown duplicate policy %q (want last, first or reject)", s)
}

// ParseGapPolicy resolves a configured gap policy name
func ParseGapPolicy(s string) (GapPolicy, error) {
	switch GapPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", Missing:
		return Missing, nil
	case Hold:
		return Hold, nil
	}
	return "", fmt.Errorf("unknown gap policy %q (want missing or hold)", s)
}

// ParseOverlapPolicy resolves a configured overlap policy name
func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch OverlapPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", RejectOverlap:
		return RejectOverlap, nil
	case PreferFirst:
		return PreferFirst, nil
	}
	return "", fmt.Errorf("unknown overlap policy %q (want reject or prefer)", s)
}
