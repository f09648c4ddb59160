// Package sensorstate defines the per-sensor state block (spec.md §3)
// that callers own and the engine mutates under the sensor's own
// lock — the "Runner" of MM2, in the sense that the teacher's Runner
// struct is a plain struct guarded by its own mutex
// (internal/queue/runner.go), generalized here to per-sensor rather
// than per-tag granularity.
package sensorstate

import (
	"sync"

	"github.com/iotfleet/mm2/internal/pool"
	"github.com/iotfleet/mm2/internal/sensorid"
)

// Config is the caller-owned, immutable-for-the-sensor's-lifetime
// configuration passed alongside State on every call: the "&config"
// half of the spec's "(upload_source, &config, &state)" triple.
type Config struct {
	ID sensorid.SensorID
	// SampleRateMs is the TSD sample interval; a TSD sector's rate is
	// fixed at the time of its first value's write (spec.md §3).
	SampleRateMs uint32
}

// PendingCursor tracks how far a given upload source has read into
// the sensor's chain without having acked yet (spec.md §3).
type PendingCursor struct {
	Count       uint32
	StartSector pool.SectorID
	StartOffset uint16

	// erasedCount is the acked high-water mark recorded at the last
	// erase_all_pending call, the "last erase point" revert_all_pending
	// rewinds to (spec.md §4.3).
	erasedCount uint32
	erasedSector pool.SectorID
	erasedOffset uint16
}

// State is the caller-owned, engine-mutated per-sensor block
// (spec.md §3). The embedded mutex is deliberate: writer/reader lock
// a specific sensor's own state directly, mirroring the teacher's
// per-tag mutex discipline generalized to per-sensor granularity.
type State struct {
	sync.Mutex

	RAMStart, RAMEnd             pool.SectorID
	RAMReadOffset, RAMWriteOffset uint16

	Pending []PendingCursor

	TotalRecords     uint64
	TotalDiskRecords uint64
	LastSampleTimeMs uint64

	// EngagedSources is a bitmask, one bit per upload-source index,
	// set the first time that source's pending cursor is initialized
	// (sensorid.Identity.Index() addresses the bit). It lets the
	// reader's reclaim sweep tell "this source has never started
	// reading the chain" from "this source acked what it read" —
	// both look like a clear per-sector pending bit.
	EngagedSources uint8

	Active       bool
	ShuttingDown bool
	Quarantined  bool // set on CorruptChain; further writes rejected
}

// New zero-initializes a State for a freshly configured sensor
// (configure_sensor, spec.md §6).
func New() *State {
	s := &State{
		RAMStart: pool.NullSectorID,
		RAMEnd:   pool.NullSectorID,
		Pending:  make([]PendingCursor, sensorid.Count()),
	}
	return s
}

// Configure zero-initializes a caller-owned State in place
// (configure_sensor, spec.md §6) — unlike New, it never allocates a
// fresh struct, since the caller's own state block is what every
// subsequent call addresses by pointer.
func Configure(s *State) {
	if s.Pending == nil || len(s.Pending) != sensorid.Count() {
		s.Pending = make([]PendingCursor, sensorid.Count())
	}
	s.Reset()
}

// Reset zeroes the state block; Configure calls it. DeactivateSensor
// does not: it only clears Active, and the sensor keeps its chain,
// counters and pending cursors.
func (s *State) Reset() {
	s.RAMStart = pool.NullSectorID
	s.RAMEnd = pool.NullSectorID
	s.RAMReadOffset = 0
	s.RAMWriteOffset = 0
	for i := range s.Pending {
		s.Pending[i] = PendingCursor{}
	}
	s.TotalRecords = 0
	s.TotalDiskRecords = 0
	s.LastSampleTimeMs = 0
	s.EngagedSources = 0
	s.Active = false
	s.ShuttingDown = false
	s.Quarantined = false
}

// SnapshotErasePoint records the current pending cursor as the
// rollback target revert_all_pending restores (called by
// erase_all_pending once a source's high-water mark advances).
func (c *PendingCursor) SnapshotErasePoint() {
	c.erasedCount = c.Count
	c.erasedSector = c.StartSector
	c.erasedOffset = c.StartOffset
}

// RevertToErasePoint restores the cursor to its last snapshotted
// erase point; idempotent per spec.md §8 property 5.
func (c *PendingCursor) RevertToErasePoint() {
	c.Count = c.erasedCount
	c.StartSector = c.erasedSector
	c.StartOffset = c.erasedOffset
}
