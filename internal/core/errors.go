package core

import (
	"errors"
	"net/http"

	"github.com/eteran/blobsilo/internal/blob"
)

// Code is the caller-facing error category.
type Code string

const (
	CodeSizeExceeded      Code = "size_exceeded"
	CodeNotFound          Code = "not_found"
	CodeExpired           Code = "expired"
	CodeIOFailure         Code = "io_failure"
	CodeInvalidIdentifier Code = "invalid_identifier"
	CodeInvalidArgument   Code = "invalid_argument"
)

// maskedMessages carry no internal detail and are safe to show anyone.
var maskedMessages = map[Code]string{
	CodeSizeExceeded:      "Blob exceeds the maximum allowed size",
	CodeNotFound:          "Blob not found in storage",
	CodeExpired:           "Blob has expired",
	CodeIOFailure:         "Internal storage error",
	CodeInvalidIdentifier: "Invalid blob:// URI format",
	CodeInvalidArgument:   "Invalid request",
}

// Error is returned by every Facade operation.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`

	cause error
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// HTTPStatus maps the code onto a response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeSizeExceeded:
		return http.StatusRequestEntityTooLarge
	case CodeNotFound:
		return http.StatusNotFound
	case CodeExpired:
		return http.StatusGone
	case CodeInvalidIdentifier, CodeInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(err error) Code {
	switch {
	case errors.Is(err, blob.ErrSizeExceeded):
		return CodeSizeExceeded
	case errors.Is(err, blob.ErrNotFound), errors.Is(err, blob.ErrCorruptDescriptor):
		return CodeNotFound
	case errors.Is(err, blob.ErrExpired):
		return CodeExpired
	case errors.Is(err, blob.ErrInvalidIdentifier):
		return CodeInvalidIdentifier
	case errors.Is(err, blob.ErrInvalidArgument):
		return CodeInvalidArgument
	default:
		return CodeIOFailure
	}
}
