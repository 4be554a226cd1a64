package image

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can react without string matching.
type Kind int

const (
	// KindUnknown is the zero value; errors produced outside this package
	// map to it unless wrapped.
	KindUnknown Kind = iota

	// MalformedLayout means an extent set violated the DiskImage invariants.
	MalformedLayout

	// UnsupportedVariant means the format was recognized but the concrete
	// sub-variant is not supported (e.g. a non power-of-two grain size).
	UnsupportedVariant

	// IntegrityViolation means a checksum or manifest did not verify.
	IntegrityViolation

	// UnknownFormat means no codec claimed the source.
	UnknownFormat

	// ImportRejected means the cloud provider rejected or failed an import.
	ImportRejected

	// ImageNotFound means the cloud image object no longer exists.
	ImageNotFound

	// IOFailure wraps an underlying stream or filesystem error.
	IOFailure
)

func (k Kind) String() string {
	switch k {
	case MalformedLayout:
		return "malformed layout"
	case UnsupportedVariant:
		return "unsupported variant"
	case IntegrityViolation:
		return "integrity violation"
	case UnknownFormat:
		return "unknown format"
	case ImportRejected:
		return "import rejected"
	case ImageNotFound:
		return "image not found"
	case IOFailure:
		return "i/o failure"
	default:
		return "unknown"
	}
}

// Error is the structured error returned by the conversion core. It carries
// a Kind for programmatic matching and wraps the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds an Error with a formatted message and no cause.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around a cause. A nil cause returns nil so call
// sites can wrap unconditionally.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Errors produced outside
// the core report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
