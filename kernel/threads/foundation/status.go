package foundation

import (
	"errors"
	"fmt"
)

// Status is the signed result carried in the ret field of a completed message.
type Status int32

const (
	StatusOK           Status = 0
	StatusGeneric      Status = -1
	StatusNoEntry      Status = -2
	StatusNoMemory     Status = -12
	StatusBadAddress   Status = -14
	StatusBusy         Status = -16
	StatusInvalid      Status = -22
	StatusNotSupported Status = -95
	StatusTimeout      Status = -110
)

var statusNames = map[Status]string{
	StatusOK:           "ok",
	StatusGeneric:      "generic error",
	StatusNoEntry:      "no such entry",
	StatusNoMemory:     "out of memory",
	StatusBadAddress:   "bad address",
	StatusBusy:         "busy",
	StatusInvalid:      "invalid argument",
	StatusNotSupported: "not supported",
	StatusTimeout:      "timed out",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// StatusError is the error form of a negative Status.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return "dsp: " + e.Status.String()
}

// Is matches any *StatusError with the same status.
func (e *StatusError) Is(target error) bool {
	var se *StatusError
	if errors.As(target, &se) {
		return se.Status == e.Status
	}
	return false
}

var (
	ErrGeneric      = &StatusError{StatusGeneric}
	ErrNoEntry      = &StatusError{StatusNoEntry}
	ErrNoMemory     = &StatusError{StatusNoMemory}
	ErrBadAddress   = &StatusError{StatusBadAddress}
	ErrBusy         = &StatusError{StatusBusy}
	ErrInvalid      = &StatusError{StatusInvalid}
	ErrNotSupported = &StatusError{StatusNotSupported}
	ErrTimedOut     = &StatusError{StatusTimeout}
)

// Err returns nil for non-negative statuses.
func (s Status) Err() error {
	if s >= 0 {
		return nil
	}
	return &StatusError{Status: s}
}

// StatusOf converts an error into the status reported on the wire.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	switch {
	case errors.Is(err, ErrRingFull):
		return StatusBusy
	case errors.Is(err, ErrSuspended):
		return StatusBusy
	}
	return StatusGeneric
}
