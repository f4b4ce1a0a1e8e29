package blob

import (
	"errors"
	"strings"
)

// Error kinds. Every error returned by Store and Sweeper matches exactly one
// of these through errors.Is.
var (
	ErrSizeExceeded      = errors.New("blob exceeds maximum size")
	ErrNotFound          = errors.New("blob not found in storage")
	ErrExpired           = errors.New("blob has expired")
	ErrIOFailure         = errors.New("storage i/o failure")
	ErrCorruptDescriptor = errors.New("corrupt blob descriptor")
	ErrInvalidIdentifier = errors.New("invalid blob:// uri format")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// Error carries the kind of a failure, the identifier it concerns (when
// known), and the underlying cause.
type Error struct {
	Kind   error
	BlobID string
	Err    error
}

func newError(kind error, blobID string, err error) *Error {
	return &Error{Kind: kind, BlobID: blobID, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.BlobID != "" {
		b.WriteString(": ")
		b.WriteString(e.BlobID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the kind of err, or nil if err did not come from this
// package.
func KindOf(err error) error {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return nil
}
