package mm2

import "github.com/iotfleet/mm2/internal/mm2err"

// Error is the structured error taxonomy every public operation
// surfaces (spec.md §7), re-exported verbatim from internal/mm2err so
// internal packages can construct these errors without importing the
// root package (which would create an import cycle).
type Error = mm2err.Error

// Code re-exports the error taxonomy's category type.
type Code = mm2err.Code

const (
	InvalidParameter = mm2err.InvalidParameter
	InactiveSensor   = mm2err.InactiveSensor
	OutOfMemory      = mm2err.OutOfMemory
	NoData           = mm2err.NoData
	Timeout          = mm2err.Timeout
	ShuttingDown     = mm2err.ShuttingDown
	CorruptChain     = mm2err.CorruptChain
	DiskIo           = mm2err.DiskIo
	SpoolerStall     = mm2err.SpoolerStall
	RecoveryFailed   = mm2err.RecoveryFailed
	AllPending       = mm2err.AllPending
)

// IsCode reports whether err is an *Error with the given Code.
func IsCode(err error, code Code) bool { return mm2err.IsCode(err, code) }
