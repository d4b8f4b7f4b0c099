package ingest

import (
	"context"
	"errors"
	"net/http"

	"github.com/basekick-labs/runframe/internal/columns"
	"github.com/basekick-labs/runframe/internal/format"
	"github.com/basekick-labs/runframe/internal/merge"
	"github.com/basekick-labs/runframe/internal/parser"
)

// ErrTooLarge is the ResourceError reason for files over the size limit
var ErrTooLarge = errors.New("resource exceeds the configured size limit")

// ErrorClass groups ingest failures by who has to act on them
type ErrorClass string

const (
	ClassNone        ErrorClass = ""
	ClassResource    ErrorClass = "resource"    // missing, empty or oversized input
	ClassUnsupported ErrorClass = "unsupported" // no parser for the extension
	ClassFormat      ErrorClass = "format"      // content does not match its format
	ClassMerge       ErrorClass = "merge"       // inputs cannot be aligned together
	ClassCanceled    ErrorClass = "canceled"
	ClassInternal    ErrorClass = "internal"
)

// Classify maps an error returned by the pipeline to its class
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}

	var resErr *format.ResourceError
	var unsupported *format.UnsupportedFormatError
	var invalid *parser.InvalidFileError
	var conflict *merge.ConflictError
	var dup *merge.DuplicateTimestampError

	switch {
	case errors.As(err, &resErr):
		return ClassResource
	case errors.As(err, &unsupported):
		return ClassUnsupported
	case errors.As(err, &invalid), errors.Is(err, columns.ErrMixedTimeKinds),
		errors.Is(err, format.ErrDecompressedTooLarge):
		return ClassFormat
	case errors.As(err, &conflict), errors.As(err, &dup),
		errors.Is(err, merge.ErrReferenceRequired), errors.Is(err, merge.ErrNoInput):
		return ClassMerge
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCanceled
	}
	// merge.MalformedGroupError and activity.MalformedActivityError mean
	// the pipeline itself built inconsistent parts
	return ClassInternal
}

// HTTPStatus is the response code the API uses for the class
func (c ErrorClass) HTTPStatus() int {
	switch c {
	case ClassNone:
		return http.StatusOK
	case ClassResource:
		return http.StatusBadRequest
	case ClassUnsupported:
		return http.StatusUnsupportedMediaType
	case ClassFormat:
		return http.StatusUnprocessableEntity
	case ClassMerge:
		return http.StatusConflict
	case ClassCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
