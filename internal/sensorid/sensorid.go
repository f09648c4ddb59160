// Package sensorid defines the sensor identity tuple the engine is
// stateless over, and the thin active-sensor registry the spooler uses
// to find a source's sensors without the engine keeping a shadow copy
// of caller-owned state.
package sensorid

import "sync"

// UploadSource is a logical delivery lane with its own sensor
// namespace and its own on-disk directory. sensor_id is unique only
// within an UploadSource, never globally.
type UploadSource string

const (
	Gateway     UploadSource = "gateway"
	BLE         UploadSource = "ble"
	CAN         UploadSource = "can"
	Telemetry   UploadSource = "telemetry"
	Diagnostics UploadSource = "diagnostics"
	Hosted      UploadSource = "hosted"
)

// AllUploadSources enumerates the fixed set of lanes the engine knows
// about; the engine's identity check validates against this set and
// per-sensor pending arrays are sized by its length.
var AllUploadSources = []UploadSource{Gateway, BLE, CAN, Telemetry, Diagnostics, Hosted}

// Count is UPLOAD_SOURCE_COUNT: the fixed width of every per-sensor
// pending-cursor array.
func Count() int { return len(AllUploadSources) }

// Valid reports whether s is one of the known upload sources.
func (s UploadSource) Valid() bool {
	for _, v := range AllUploadSources {
		if v == s {
			return true
		}
	}
	return false
}

// SensorID identifies a sensor within one UploadSource.
type SensorID uint32

// Identity is the tuple the engine addresses a sensor by on every
// call. The engine never derives it any other way.
type Identity struct {
	UploadSource UploadSource
	SensorID     SensorID
}

// sourceIndex returns s's position in AllUploadSources, or -1.
func sourceIndex(s UploadSource) int {
	for i, v := range AllUploadSources {
		if v == s {
			return i
		}
	}
	return -1
}

// Index returns the identity's upload-source index, the same index
// used to address sensorstate's per-source pending-cursor array and
// the pool's per-sector pending bitmask.
func (id Identity) Index() int { return sourceIndex(id.UploadSource) }

// Key packs the identity into a single uint64 owner token for the
// sector pool's chain table. spec.md §3 describes the chain entry's
// owner field as a bare u32 sensor_id, but sensor_id is only unique
// within one upload source (§3's own Sensor Identity section) — a
// same-valued sensor_id on two different sources would otherwise
// collide as the "same owner" and defeat cross-owner cycle detection
// (§4.1). Key folds the source index into the high bits to keep
// owners globally distinct.
func (id Identity) Key() uint64 {
	return uint64(id.Index())<<32 | uint64(id.SensorID)
}

// Registry is the thin active-sensor list: populated at
// configure/activate, cleared at deactivate, consulted by the disk
// spooler to walk a source's sensors and by Engine.Tick to skip
// sources with none. It holds no sensor data of
// its own — callers remain the owner of their state blocks; the
// registry stores only an opaque handle (typically *sensorstate.State)
// the caller registered.
type Registry struct {
	mu      sync.RWMutex
	entries map[Identity]any
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Identity]any)}
}

// Register records handle under id, overwriting any prior entry.
// Called by configure_sensor / activate_sensor.
func (r *Registry) Register(id Identity, handle any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = handle
}

// Unregister removes id. Called by deactivate_sensor.
func (r *Registry) Unregister(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Lookup returns the handle registered for id, if any.
func (r *Registry) Lookup(id Identity) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[id]
	return h, ok
}

// ForSource returns every identity currently registered under source,
// the view the spooler's Selecting state scans.
func (r *Registry) ForSource(source UploadSource) []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Identity, 0)
	for id := range r.entries {
		if id.UploadSource == source {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of registered sensors, across all sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
