package dpg

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated is wrapped by every DecodeError.
	ErrTruncated = errors.New("dpg: truncated payload")
	// ErrInvalidResponse reports a DPG notification that fails the
	// response predicate.
	ErrInvalidResponse = errors.New("dpg: invalid response")
	// ErrOutOfRange reports a value that cannot be represented on the wire.
	ErrOutOfRange = errors.New("dpg: value out of range")
)

// DecodeError describes a payload that was too short for its type.
type DecodeError struct {
	Type string
	Need int
	Have int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("dpg: decode %s: need %d bytes, have %d", e.Type, e.Need, e.Have)
}

func (e *DecodeError) Unwrap() error { return ErrTruncated }

func need(typ string, b []byte, n int) error {
	if len(b) < n {
		return &DecodeError{Type: typ, Need: n, Have: len(b)}
	}
	return nil
}
