//go:build !linux

package spool

import (
	"time"

	"github.com/iotfleet/mm2/internal/diskfs"
	"github.com/iotfleet/mm2/internal/logging"
	"github.com/iotfleet/mm2/internal/pool"
	"github.com/iotfleet/mm2/internal/sensorid"
	"github.com/iotfleet/mm2/internal/sensorstate"
)

// Metrics mirrors the Linux build's interface so callers compile
// unchanged across platforms.
type Metrics interface {
	IncSectorsSpooled(source sensorid.UploadSource, n int)
	IncFilesWritten(source sensorid.UploadSource)
	IncFilesQuarantined(source sensorid.UploadSource)
	IncStall(source sensorid.UploadSource)
}

// Spooler is a no-op stand-in on non-Linux platforms: the embedded
// target (spec.md §6) never spools to disk, so there is no state
// machine to run, but the engine still holds a *Spooler field and
// calls Tick/SignalPressure unconditionally.
type Spooler struct {
	source sensorid.UploadSource
}

// NewSpooler returns a stub Spooler; every argument other than source
// is accepted and ignored so call sites don't need build tags.
func NewSpooler(source sensorid.UploadSource, _ *sensorid.Registry, _ *pool.Pool, _ *diskfs.FS, _ Config, _ Metrics, _ *logging.Logger) *Spooler {
	return &Spooler{source: source}
}

// SignalPressure is a no-op: there is nowhere to spool to.
func (s *Spooler) SignalPressure() {}

// SetCheckpoint is a no-op on this platform.
func (s *Spooler) SetCheckpoint(cp *diskfs.Checkpoint) {}

// State always reports Idle.
func (s *Spooler) State() State { return Idle }

// Stats always reports zero counters.
func (s *Spooler) Stats() Stats { return Stats{} }

// Tick does nothing and never errors.
func (s *Spooler) Tick(nowMs uint64) error { return nil }

// EmergencyFlush is unreachable on this platform: the embedded target
// has no disk to flush to, so overflow is handled entirely by
// writer.EmbeddedOverflow instead.
func (s *Spooler) EmergencyFlush(sensorID uint32, state *sensorstate.State, deadline time.Time) error {
	return nil
}
