// Package parser holds one parser per supported activity format. Each turns
// a decoded resource into raw records plus the static column spec that
// says how those records become canonical columns.
package parser

import (
	"fmt"
	"sort"

	"github.com/basekick-labs/runframe/internal/columns"
	"github.com/basekick-labs/runframe/internal/format"
	"github.com/basekick-labs/runframe/pkg/models"
)

// Parsed is what a parser extracts from one resource
type Parsed struct {
	Records  []models.Record
	Metadata map[string]string // device, sport, identifiers; may be empty
}

// Parser is implemented by every format variant
type Parser interface {
	Format() format.Format
	Parse(name string, data []byte) (*Parsed, error)
	ColumnSpec() *columns.Spec
}

// InvalidFileError reports content that does not have the structure its
// format requires.
type InvalidFileError struct {
	Path   string
	Reason string
	Err    error
}

func (e *InvalidFileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid file %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid file %s: %s", e.Path, e.Reason)
}

func (e *InvalidFileError) Unwrap() error { return e.Err }

func invalid(path, reason string, err error) *InvalidFileError {
	return &InvalidFileError{Path: path, Reason: reason, Err: err}
}

// Registry is the closed set of parsers, keyed by format
type Registry struct {
	parsers map[format.Format]Parser
}

// NewRegistry returns a registry holding every built-in parser
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[format.Format]Parser)}
	for _, p := range []Parser{GPX{}, TCX{}, FIT{}, NikeRun{}} {
		r.parsers[p.Format()] = p
	}
	return r
}

// Lookup returns the parser for f
func (r *Registry) Lookup(f format.Format) (Parser, error) {
	p, ok := r.parsers[f]
	if !ok {
		return nil, &format.UnsupportedFormatError{Extension: string(f)}
	}
	return p, nil
}

// Formats lists the registered formats in sorted order
func (r *Registry) Formats() []format.Format {
	out := make([]format.Format, 0, len(r.parsers))
	for f := range r.parsers {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// snakeFields converts flattened raw names to the snake case names column specs use
func snakeFields(raw map[string]string, skip ...string) map[string]interface{} {
	out := make(map[string]interface{}, len(raw))
outer:
	for k, v := range raw {
		for _, s := range skip {
			if k == s {
				continue outer
			}
		}
		out[columns.ToSnakeCase(k)] = v
	}
	return out
}
