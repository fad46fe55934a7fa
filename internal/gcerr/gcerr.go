// Package gcerr defines the error kinds shared across the dispatch core.
package gcerr

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Wrap with fmt.Errorf("...: %w", Err...) to add
// context; callers use errors.Is to test kind.
var (
	ErrDeviceUnavailable = errors.New("gcird: device unavailable")
	ErrDeviceNotFound    = errors.New("gcird: device not found")
	ErrDeviceAlreadyAdded = errors.New("gcird: device already added")
	ErrPortNotFound      = errors.New("gcird: port not found")
	ErrConnectionClosed  = errors.New("gcird: connection closed")
	ErrTimeout           = errors.New("gcird: timeout")
	ErrInvalidArguments  = errors.New("gcird: invalid arguments")
	ErrDatasetLoad       = errors.New("gcird: dataset load error")
	ErrInvalidConfig     = errors.New("gcird: invalid configuration")
)

// ProtocolError is raised when a Global Caché gateway responds with an
// ERR*/unknown line, or a line that doesn't match the command we sent.
// It carries the offending wire line verbatim.
type ProtocolError struct {
	Line string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("gcird: protocol error: %s", e.Line)
}

// NewProtocolError wraps a raw wire line as a *ProtocolError.
func NewProtocolError(line string) error {
	return &ProtocolError{Line: line}
}
