// Package format maps resource names to the activity formats runframe can
// read, unwraps compressed containers and checks that a resource is worth
// handing to a parser at all.
package format

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"
)

// Format identifies a supported activity file dialect
type Format string

const (
	GPX     Format = "gpx"
	TCX     Format = "tcx"
	FIT     Format = "fit"
	NikeRun Format = "nikerun"
	// Stream is not a file extension; telemetry payloads arrive through the API
	Stream Format = "stream"
)

// Compression identifies a container wrapped around a format
type Compression string

const (
	None  Compression = ""
	Gzip  Compression = "gzip"
	Bzip2 Compression = "bzip2"
	Zip   Compression = "zip"
	Zstd  Compression = "zstd"
)

var formatsByExt = map[string]Format{
	".gpx":  GPX,
	".tcx":  TCX,
	".fit":  FIT,
	".json": NikeRun,
}

var wrappersByExt = map[string]Compression{
	".gz":  Gzip,
	".bz2": Bzip2,
	".zip": Zip,
	".zst": Zstd,
}

// Extensions returns the supported innermost format extensions, sorted
func Extensions() []string {
	return slices.Sorted(maps.Keys(formatsByExt))
}

// Wrappers returns the accepted compression suffixes, sorted
func Wrappers() []string {
	return slices.Sorted(maps.Keys(wrappersByExt))
}

// UnsupportedFormatError reports an extension that no parser handles
type UnsupportedFormatError struct {
	Extension string
}

func (e *UnsupportedFormatError) Error() string {
	supported := strings.Join(Extensions(), ", ")
	if e.Extension == "" {
		return "unsupported format: missing file extension (supported: " + supported + ")"
	}
	return fmt.Sprintf("unsupported format: %q (supported: %s)", e.Extension, supported)
}

// Detected is the result of classifying a resource name
type Detected struct {
	Stem        string      // name without Ext
	Ext         string      // full extension as written, e.g. ".tcx.gz"
	Format      Format      // innermost format
	Compression Compression // outer wrapper, None when absent
}

// Classify splits name into stem and (possibly compound) extension and
// identifies the innermost format. A compression suffix is only accepted
// when it wraps a known format: "ride.tcx.gz" is a gzipped TCX file,
// "ride.gz" and "ride.tar.gz" are unsupported.
func Classify(name string) (Detected, error) {
	outer := filepath.Ext(name)
	lowerOuter := strings.ToLower(outer)

	if f, ok := formatsByExt[lowerOuter]; ok {
		return Detected{
			Stem:   strings.TrimSuffix(name, outer),
			Ext:    outer,
			Format: f,
		}, nil
	}

	wrapper, ok := wrappersByExt[lowerOuter]
	if !ok {
		return Detected{}, &UnsupportedFormatError{Extension: lowerOuter}
	}

	rest := strings.TrimSuffix(name, outer)
	inner := filepath.Ext(rest)
	f, ok := formatsByExt[strings.ToLower(inner)]
	if !ok {
		return Detected{}, &UnsupportedFormatError{Extension: strings.ToLower(inner + outer)}
	}

	return Detected{
		Stem:        strings.TrimSuffix(rest, inner),
		Ext:         inner + outer,
		Format:      f,
		Compression: wrapper,
	}, nil
}
