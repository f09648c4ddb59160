package mm2

import (
	"github.com/iotfleet/mm2/internal/sectorio"
	"github.com/iotfleet/mm2/internal/sensorid"
	"github.com/iotfleet/mm2/internal/sensorstate"
)

// UploadSource re-exports the logical delivery lane type (spec.md §3).
type UploadSource = sensorid.UploadSource

// SensorID re-exports the within-source sensor identifier type.
type SensorID = sensorid.SensorID

const (
	Gateway     = sensorid.Gateway
	BLE         = sensorid.BLE
	CAN         = sensorid.CAN
	Telemetry   = sensorid.Telemetry
	Diagnostics = sensorid.Diagnostics
	Hosted      = sensorid.Hosted
)

// SensorConfig is the caller-owned, per-sensor configuration passed
// alongside SensorState on every call (spec.md §3's "&config" half of
// the identity triple).
type SensorConfig = sensorstate.Config

// SensorState is the caller-owned, engine-mutated per-sensor state
// block (spec.md §3). Callers zero-allocate it and never touch its
// fields directly; it is mutated only through Engine methods, under
// its own embedded lock.
type SensorState = sensorstate.State

// NewSensorState allocates a caller-owned state block ready for
// ConfigureSensor. Equivalent to a zero-valued SensorState followed by
// ConfigureSensor, provided as a convenience constructor.
func NewSensorState() *SensorState { return sensorstate.New() }

// Value is one decoded, timestamped record returned by ReadBulk —
// uniform across TSD and EVT origin (spec.md §4.3).
type Value = sectorio.Value
