// Package processing computes streaming statistics and channel PCA reductions
// over paged TIFF images.
package processing

import (
	"errors"
	"fmt"
)

// Kind classifies processing failures so callers can map them without
// inspecting messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindSourceUnreadable
	KindEmptySource
	KindShape
	KindNumericDomain
)

func (k Kind) String() string {
	switch k {
	case KindSourceUnreadable:
		return "source_unreadable"
	case KindEmptySource:
		return "empty_source"
	case KindShape:
		return "shape"
	case KindNumericDomain:
		return "numeric_domain"
	default:
		return "unknown"
	}
}

var (
	ErrSourceUnreadable = errors.New("image source is unreadable")
	ErrEmptySource      = errors.New("image contains no samples")
	ErrShape            = errors.New("array shape is not supported")
	ErrNumericDomain    = errors.New("numeric computation failed")

	// ErrRankTooLow and ErrTooManyComponents are the two Shape causes.
	ErrRankTooLow        = fmt.Errorf("%w: at least 3 dimensions are required", ErrShape)
	ErrTooManyComponents = fmt.Errorf("%w: invalid number of components", ErrShape)

	// ErrNonFiniteSample marks a source holding NaN or Inf samples. It is
	// reported with KindSourceUnreadable: the data, not the arithmetic, is bad.
	ErrNonFiniteSample = errors.New("image contains NaN or infinite samples")
)

var kindSentinels = map[Kind]error{
	KindSourceUnreadable: ErrSourceUnreadable,
	KindEmptySource:      ErrEmptySource,
	KindShape:            ErrShape,
	KindNumericDomain:    ErrNumericDomain,
}

// Error is returned by every processing operation.
type Error struct {
	Kind Kind
	Op   string // "statistics" or "reduce"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, kindSentinels[e.Kind])
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind, so errors.Is(err, ErrEmptySource)
// holds even when Err carries a more specific cause.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func newError(kind Kind, op string, err error) *Error {
	if err == nil {
		err = kindSentinels[kind]
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}
