// core_engine/acx/errors.go
package acx

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures. Backpressure is not a Kind: a full ring
// or an empty buffer pool is reported through return values, never errors.
type Kind int

const (
	KindTimeout       Kind = iota + 1 // Protocol wait expired
	KindIntegrity                     // Device memory does not hold what was written
	KindChecksum                      // Firmware sum mismatch during upload
	KindWedged                        // Firmware stopped answering, reload scheduled
	KindLogic                         // Caller or driver bug (alignment, oversize)
	KindNotLoaded                     // Firmware not running
	KindCommandFailed                 // Firmware returned a non-success status
	KindNoDevice                      // Window reads back all ones
	KindNotUp                         // Adapter is not running
	KindFrameTooShort                 // Frame shorter than an 802.11 header
)

var kindNames = map[Kind]string{
	KindTimeout:       "timeout",
	KindIntegrity:     "integrity",
	KindChecksum:      "checksum",
	KindWedged:        "wedged",
	KindLogic:         "logic",
	KindNotLoaded:     "firmware not loaded",
	KindCommandFailed: "command failed",
	KindNoDevice:      "no device",
	KindNotUp:         "adapter not up",
	KindFrameTooShort: "frame too short",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrTimeout       = &Error{kind: KindTimeout}
	ErrIntegrity     = &Error{kind: KindIntegrity}
	ErrChecksum      = &Error{kind: KindChecksum}
	ErrWedged        = &Error{kind: KindWedged}
	ErrLogic         = &Error{kind: KindLogic}
	ErrNotLoaded     = &Error{kind: KindNotLoaded}
	ErrCommandFailed = &Error{kind: KindCommandFailed}
	ErrNoDevice      = &Error{kind: KindNoDevice}
	ErrNotUp         = &Error{kind: KindNotUp}
	ErrFrameTooShort = &Error{kind: KindFrameTooShort}
)

// Error is the engine's error type.
type Error struct {
	kind    Kind
	op      string
	cause   string
	status  uint16
	command uint16
	err     error
}

func NewError(kind Kind, op string) *Error {
	return &Error{kind: kind, op: op}
}

func (e *Error) Error() string {
	s := e.kind.String()
	if e.op != "" {
		s = e.op + ": " + s
	}
	if e.kind == KindCommandFailed {
		s += fmt.Sprintf(", Command: 0x%02x, Status: %d (%s)", e.command, e.status, CommandStatusString(e.status))
	}
	if len(e.cause) != 0 {
		s += ", Cause: " + e.cause
	}
	if e.err != nil {
		s += ", Internal Error: " + e.err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.err }

// Is matches sentinels by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.kind == e.kind && t.op == "" && t.cause == "" && t.err == nil
}

func (e *Error) Kind() Kind      { return e.kind }
func (e *Error) Cause() string   { return e.cause }
func (e *Error) Status() uint16  { return e.status }
func (e *Error) Command() uint16 { return e.command }

func (e *Error) WithCause(format string, args ...interface{}) *Error {
	e.cause = fmt.Sprintf(format, args...)
	return e
}

func (e *Error) WithError(err error) *Error {
	e.err = err
	return e
}

func (e *Error) WithStatus(cmd, status uint16) *Error {
	e.command = cmd
	e.status = status
	return e
}

// IsRetryable reports whether repeating the whole operation may succeed.
// Checksum mismatches and timeouts are transient; a validate mismatch means
// storage or bus corruption and is not.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.kind {
	case KindTimeout, KindChecksum:
		return true
	}
	return false
}

// KindOf returns the Kind of err, or 0 if err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return 0
}
