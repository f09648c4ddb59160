// Package spool implements the Disk Spooler (spec.md §4.4): a
// per-upload-source state machine that moves sectors from RAM to
// disk under pool pressure, verifies them, and frees the RAM they
// occupied. It is Linux-only — gateway-only in spec.md's platform
// split — with a no-op stub on every other GOOS so the engine can
// hold a *spool.Spooler field unconditionally.
package spool

import "github.com/iotfleet/mm2/internal/pool"

// State is one state of the per-source spooler state machine
// (spec.md §4.4).
type State int

const (
	Idle State = iota
	Selecting
	Writing
	Verifying
	Cleanup
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Selecting:
		return "selecting"
	case Writing:
		return "writing"
	case Verifying:
		return "verifying"
	case Cleanup:
		return "cleanup"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// TrackedFile mirrors one entry of tracked_files[MAX_FILES_PER_SOURCE]
// (spec.md §3).
type TrackedFile struct {
	Filename  string
	Sequence  uint32
	Size      uint32
	CreatedMs uint64
	Active    bool
	Readable  bool
	Validated bool
}

// Stats are the per-source counters exposed via get_stats (spec.md §6).
type Stats struct {
	SectorsSpooled    uint64
	FilesWritten      uint64
	FilesQuarantined  uint64
	Stalls            uint64
	ConsecutiveErrors int
}

// Config holds the tunables of spec.md §6 relevant to spooling.
type Config struct {
	PerSourceByteLimit  uint64
	FileRotationBytes   uint32
	SpoolPressurePct    int
	MaxTrackedFiles     int
	EmergencyDeadlineMs uint64
}

// selectedSector is a sector captured under lock in Selecting, carried
// forward through Writing/Verifying without holding any lock —
// spec.md §5's "capture under lock, release, do I/O, re-acquire to
// commit" discipline.
type selectedSector struct {
	id     pool.SectorID
	owner  uint64
	typ    pool.SectorType
	record int
}
