// Package protocol defines what the three parties of the secure k-NN protocol
// say to each other: the wire messages, the error taxonomy and the operations
// each party exposes.
package protocol

import (
	"errors"
)

// Error taxonomy shared by every party. Transports carry the Code of an error
// and clients map it back with FromCode, so errors.Is works across the wire.
var (
	// ErrDimensionMismatch is returned when row, query or matrix widths disagree.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrUnknownQueryID is returned when no durable or cached transform exists for a query id.
	ErrUnknownQueryID = errors.New("query id not found")

	// ErrRange is returned when k is not in [1, number of rows].
	ErrRange = errors.New("k out of range")

	// ErrSingularMatrix is returned when an invertible matrix could not be produced.
	ErrSingularMatrix = errors.New("singular matrix")

	// ErrNoKeyMaterial is returned by the owner before any database was encrypted.
	ErrNoKeyMaterial = errors.New("no key material")

	// ErrUpstream is returned by the owner when a call to the compute provider failed.
	ErrUpstream = errors.New("upstream request failed")
)

// Wire codes for the sentinel errors.
const (
	CodeDimensionMismatch = "DimensionMismatch"
	CodeUnknownQueryID    = "UnknownQueryId"
	CodeRange             = "RangeError"
	CodeSingularMatrix    = "SingularMatrix"
	CodeNoKeyMaterial     = "NoKeyMaterial"
	CodeUpstream          = "Upstream"
	CodeBadRequest        = "BadRequest"
	CodeInternal          = "Internal"
)

var codes = []struct {
	code string
	err  error
}{
	{CodeDimensionMismatch, ErrDimensionMismatch},
	{CodeUnknownQueryID, ErrUnknownQueryID},
	{CodeRange, ErrRange},
	{CodeSingularMatrix, ErrSingularMatrix},
	{CodeNoKeyMaterial, ErrNoKeyMaterial},
	{CodeUpstream, ErrUpstream},
}

// Code returns the wire code of err. Errors outside the taxonomy map to CodeInternal.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// FromCode rebuilds an error received from a remote party. The result wraps
// the sentinel for code, if any, and carries the remote message.
func FromCode(code, message string) error {
	for _, c := range codes {
		if c.code == code {
			return &RemoteError{Code: code, Message: message, err: c.err}
		}
	}
	return &RemoteError{Code: code, Message: message}
}

// RemoteError is an error reported by another party.
type RemoteError struct {
	Code    string
	Message string
	err     error
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote: " + e.Code
	}
	return "remote: " + e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.err
}
