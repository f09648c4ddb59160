// Package mm2err defines the structured error taxonomy shared by every
// MM2 package. It lives below the root package so internal packages
// can construct and inspect these errors without an import cycle; the
// root package re-exports the type and constants verbatim.
package mm2err

import (
	"errors"
	"fmt"
)

// Code is a high-level error category from the engine's error
// taxonomy. Every public operation surfaces one of these; the engine
// never panics on caller-reachable paths.
type Code string

const (
	// InvalidParameter: null, out-of-range, or inconsistent arguments.
	InvalidParameter Code = "invalid_parameter"
	// InactiveSensor: sensor not configured or deactivated.
	InactiveSensor Code = "inactive_sensor"
	// OutOfMemory: pool exhausted and spool/discard could not free space.
	OutOfMemory Code = "out_of_memory"
	// NoData is not an error condition; callers treat it as success with
	// zero records. Kept in the taxonomy for uniform propagation.
	NoData Code = "no_data"
	// Timeout: embedded write blocked past deadline waiting for UTC.
	Timeout Code = "timeout"
	// ShuttingDown: write rejected because power-down is in progress.
	ShuttingDown Code = "shutting_down"
	// CorruptChain: chain walk detected a cycle or cross-owner link.
	CorruptChain Code = "corrupt_chain"
	// DiskIo: file or directory operation failed.
	DiskIo Code = "disk_io"
	// SpoolerStall: state machine watchdog fired and reset to Idle.
	SpoolerStall Code = "spooler_stall"
	// RecoveryFailed: directory-level failure during startup recovery.
	RecoveryFailed Code = "recovery_failed"
	// AllPending: embedded discard found every sector pending in some
	// upload source and could not free space. Distinct from OutOfMemory
	// per the Open Question resolution in DESIGN.md.
	AllPending Code = "all_pending"
)

// Error is the structured error every MM2 operation returns. It mirrors
// the shape of a caller-supplied identity: the operation, the sensor
// identity it concerned (if any), the taxonomy code, and a wrapped
// inner error.
type Error struct {
	Op           string
	UploadSource string
	SensorID     uint32
	HasSensor    bool
	Code         Code
	Msg          string
	Inner        error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.HasSensor {
		parts = append(parts, fmt.Sprintf("source=%s sensor=%d", e.UploadSource, e.SensorID))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("mm2: %s", msg)
	}
	return fmt.Sprintf("mm2: %s (%s)", msg, parts[0])
}

// Unwrap supports errors.Is/As against the wrapped inner error.
func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison by Code, ignoring Op/identity, so
// callers can write errors.Is(err, mm2err.New("", mm2err.OutOfMemory, "")).
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// New builds an Error not tied to a specific sensor (e.g. pool-level
// or tick-level failures).
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// ForSensor builds an Error scoped to a specific sensor identity.
func ForSensor(op, uploadSource string, sensorID uint32, code Code, msg string) *Error {
	return &Error{
		Op:           op,
		UploadSource: uploadSource,
		SensorID:     sensorID,
		HasSensor:    true,
		Code:         code,
		Msg:          msg,
	}
}

// Wrap attaches op/code context to an inner error, preserving an
// existing Error's sensor identity if inner already carries one.
func Wrap(op string, code Code, inner error) *Error {
	if inner == nil {
		return nil
	}
	var existing *Error
	if errors.As(inner, &existing) {
		return &Error{
			Op:           op,
			UploadSource: existing.UploadSource,
			SensorID:     existing.SensorID,
			HasSensor:    existing.HasSensor,
			Code:         code,
			Msg:          existing.Msg,
			Inner:        inner,
		}
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is an *Error with the given Code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
