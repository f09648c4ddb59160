// Package reader implements new_sample_count / read_bulk /
// revert_all_pending / erase_all_pending (spec.md §4.3): the upload
// pipeline's entire view of a sensor's data, transparently spanning
// disk and RAM.
package reader

import (
	"github.com/iotfleet/mm2/internal/logging"
	"github.com/iotfleet/mm2/internal/mm2err"
	"github.com/iotfleet/mm2/internal/pool"
	"github.com/iotfleet/mm2/internal/sectorio"
	"github.com/iotfleet/mm2/internal/sensorid"
	"github.com/iotfleet/mm2/internal/sensorstate"
)

// DiskSource is the optional disk-resident half of a sensor's
// records, wired in on the gateway target by the engine, which backs
// it with internal/recovery's DiskStore. Reads prefer disk over RAM (spec.md §4.3); on embedded
// targets it's nil and every read falls through to RAM directly.
type DiskSource interface {
	HasMore(source sensorid.UploadSource, cfg sensorstate.Config) bool
	Next(source sensorid.UploadSource, cfg sensorstate.Config) (sectorio.Value, error)
	PendingCount(source sensorid.UploadSource, cfg sensorstate.Config) uint32
	Erase(source sensorid.UploadSource, cfg sensorstate.Config, n uint32) error
	Revert(source sensorid.UploadSource, cfg sensorstate.Config)
}

// Metrics is the subset of counters the reader touches.
type Metrics interface {
	IncReads(source sensorid.UploadSource, n int)
	IncReverts(source sensorid.UploadSource)
	IncErases(source sensorid.UploadSource)
}

// Reader serves the upload pipeline.
type Reader struct {
	Pool    *pool.Pool
	Disk    DiskSource
	Metrics Metrics
	log     *logging.Logger
}

// New builds a Reader. disk may be nil (embedded, or no disk data yet).
func New(p *pool.Pool, disk DiskSource, metrics Metrics, log *logging.Logger) *Reader {
	if log == nil {
		log = logging.Default()
	}
	return &Reader{Pool: p, Disk: disk, Metrics: metrics, log: log}
}

func sectorCapacity(t pool.SectorType) int {
	if t == pool.SectorEVT {
		return sectorio.EVTCapacity()
	}
	return sectorio.TSDCapacity()
}

func identityFor(source sensorid.UploadSource, cfg sensorstate.Config) (sensorid.Identity, int, error) {
	id := sensorid.Identity{UploadSource: source, SensorID: cfg.ID}
	idx := id.Index()
	if idx < 0 {
		return id, -1, mm2err.ForSensor("reader", string(source), uint32(cfg.ID), mm2err.InvalidParameter, "unknown upload source")
	}
	return id, idx, nil
}

// NewSampleCount returns the authoritative unread-record count for
// (source, sensor): spec.md §4.3 — callers must never derive this by
// iteration.
func (r *Reader) NewSampleCount(source sensorid.UploadSource, cfg sensorstate.Config, state *sensorstate.State) (uint32, error) {
	_, idx, err := identityFor(source, cfg)
	if err != nil {
		return 0, err
	}

	state.Lock()
	defer state.Unlock()

	if !state.Active {
		return 0, mm2err.ForSensor("new_sample_count", string(source), uint32(cfg.ID), mm2err.InactiveSensor, "sensor not configured or deactivated")
	}

	total := state.TotalRecords + state.TotalDiskRecords
	pending := uint64(state.Pending[idx].Count)
	if pending >= total {
		return 0, nil
	}
	return uint32(total - pending), nil
}

// occupancy returns how many records sector currently holds: full
// type capacity unless sector is the active tail, in which case the
// live write offset (spec.md §4.2/§4.3 interplay — only the tail is
// ever partially filled).
func (r *Reader) occupancy(state *sensorstate.State, sector pool.SectorID) (int, pool.SectorType, error) {
	entry, err := r.Pool.Entry(sector)
	if err != nil {
		return 0, 0, err
	}
	if sector == state.RAMEnd {
		return int(state.RAMWriteOffset), entry.SectorType, nil
	}
	return sectorCapacity(entry.SectorType), entry.SectorType, nil
}

// advance walks n records forward from (sector, offset), crossing
// sector boundaries by full-capacity jumps, and returns the landing
// position. Returns NullSectorID if it walks off the end of the
// chain.
func (r *Reader) advance(sector pool.SectorID, offset, n int) (pool.SectorID, int, error) {
	for n > 0 && sector != pool.NullSectorID {
		entry, err := r.Pool.Entry(sector)
		if err != nil {
			return pool.NullSectorID, 0, err
		}
		cap := sectorCapacity(entry.SectorType)
		remaining := cap - offset
		if n < remaining {
			return sector, offset + n, nil
		}
		n -= remaining
		sector = entry.NextSectorID
		offset = 0
	}
	return sector, offset, nil
}

// readNextRAM decodes and delivers the next not-yet-delivered RAM
// record for this source's pending cursor, advancing it and marking
// the sector pending for this source so discard/spool selection and
// erase_all_pending's GC sweep see it as referenced.
func (r *Reader) readNextRAM(idx int, cfg sensorstate.Config, state *sensorstate.State, cursor *sensorstate.PendingCursor) (sectorio.Value, bool, error) {
	state.EngagedSources |= 1 << uint(idx)

	if cursor.StartSector == pool.NullSectorID && cursor.Count == 0 {
		if state.RAMStart == pool.NullSectorID {
			return sectorio.Value{}, false, nil
		}
		cursor.StartSector = state.RAMStart
		cursor.StartOffset = 0
	}
	if cursor.StartSector == pool.NullSectorID {
		return sectorio.Value{}, false, nil
	}

	sector, offset, err := r.advance(cursor.StartSector, int(cursor.StartOffset), int(cursor.Count))
	if err != nil {
		return sectorio.Value{}, false, err
	}
	if sector == pool.NullSectorID {
		return sectorio.Value{}, false, nil
	}

	occ, sectorType, err := r.occupancy(state, sector)
	if err != nil {
		return sectorio.Value{}, false, err
	}
	if offset >= occ {
		return sectorio.Value{}, false, nil
	}

	var val sectorio.Value
	err = r.Pool.WithSector(sector, func(s *pool.Sector) {
		if sectorType == pool.SectorTSD {
			val.Value = sectorio.TSDValue(s, offset)
			val.UTCMs = sectorio.TSDTimestamp(s, offset, cfg.SampleRateMs)
		} else {
			val.Value = sectorio.EVTValue(s, offset)
			val.UTCMs = sectorio.EVTTimestamp(s, offset)
		}
	})
	if err != nil {
		return sectorio.Value{}, false, err
	}

	_ = r.Pool.SetPendingBit(sector, idx, true)
	cursor.Count++
	return val, true, nil
}

// ReadBulk fills out with up to min(requested, len(out)) records,
// preferring disk-resident records over RAM (spec.md §4.3), advancing
// the per-source pending cursor as it goes.
func (r *Reader) ReadBulk(source sensorid.UploadSource, cfg sensorstate.Config, state *sensorstate.State, out []sectorio.Value, requested int) (int, error) {
	_, idx, err := identityFor(source, cfg)
	if err != nil {
		return 0, err
	}

	state.Lock()
	defer state.Unlock()

	if !state.Active {
		return 0, mm2err.ForSensor("read_bulk", string(source), uint32(cfg.ID), mm2err.InactiveSensor, "sensor not configured or deactivated")
	}

	limit := requested
	if limit > len(out) {
		limit = len(out)
	}

	cursor := &state.Pending[idx]
	filled := 0
	for filled < limit {
		if r.Disk != nil && r.Disk.HasMore(source, cfg) {
			v, err := r.Disk.Next(source, cfg)
			if err != nil {
				r.log.Warn("disk read error, stopping batch", "error", err, "upload_source", source)
				break
			}
			out[filled] = v
			filled++
			cursor.Count++
			continue
		}

		v, ok, err := r.readNextRAM(idx, cfg, state, cursor)
		if err != nil {
			return filled, err
		}
		if !ok {
			break
		}
		out[filled] = v
		filled++
	}

	r.Metrics.IncReads(source, filled)
	return filled, nil
}

// RevertAllPending resets the pending cursor (RAM and disk) to its
// state at the last erase_all_pending call. Idempotent (spec.md §8
// property 5).
func (r *Reader) RevertAllPending(source sensorid.UploadSource, cfg sensorstate.Config, state *sensorstate.State) error {
	_, idx, err := identityFor(source, cfg)
	if err != nil {
		return err
	}

	state.Lock()
	defer state.Unlock()

	if !state.Active {
		return mm2err.ForSensor("revert_all_pending", string(source), uint32(cfg.ID), mm2err.InactiveSensor, "sensor not configured or deactivated")
	}

	state.Pending[idx].RevertToErasePoint()
	if r.Disk != nil {
		r.Disk.Revert(source, cfg)
	}
	r.Metrics.IncReverts(source)
	return nil
}

// EraseAllPending advances the acked high-water mark by recordCount
// records: drains disk-pending first (matching read_bulk's own
// disk-then-RAM precedence), then RAM, clearing this source's pending
// bit on every RAM sector it fully acks and physically reclaiming any
// prefix of the chain no source still references.
func (r *Reader) EraseAllPending(source sensorid.UploadSource, cfg sensorstate.Config, state *sensorstate.State, recordCount uint32) error {
	id, idx, err := identityFor(source, cfg)
	if err != nil {
		return err
	}
	_ = id

	state.Lock()
	defer state.Unlock()

	if !state.Active {
		return mm2err.ForSensor("erase_all_pending", string(source), uint32(cfg.ID), mm2err.InactiveSensor, "sensor not configured or deactivated")
	}

	cursor := &state.Pending[idx]
	if recordCount > cursor.Count {
		return mm2err.ForSensor("erase_all_pending", string(source), uint32(cfg.ID), mm2err.InvalidParameter, "record_count exceeds pending count")
	}

	remaining := recordCount
	if r.Disk != nil {
		diskPending := r.Disk.PendingCount(source, cfg)
		ackDisk := remaining
		if ackDisk > diskPending {
			ackDisk = diskPending
		}
		if ackDisk > 0 {
			if err := r.Disk.Erase(source, cfg, ackDisk); err != nil {
				return err
			}
			remaining -= ackDisk
			if uint64(ackDisk) > state.TotalDiskRecords {
				state.TotalDiskRecords = 0
			} else {
				state.TotalDiskRecords -= uint64(ackDisk)
			}
		}
	}

	if remaining > 0 {
		if err := r.eraseRAM(idx, state, cursor, remaining); err != nil {
			return err
		}
	}

	cursor.Count -= recordCount
	cursor.SnapshotErasePoint()
	r.reclaimHead(state)
	r.Metrics.IncErases(source)
	return nil
}

// eraseRAM advances the erasing source's cursor across n RAM records,
// clearing this source's pending bit on every sector it fully
// consumes, and decrements state.TotalRecords by the number of
// records actually acked — including records that stay resident
// (a partially-acked sector, or the active tail, which reclaimHead
// never physically frees). TotalRecords must drop here, at ack time,
// not only when a sector is later reclaimed: §4.3's new_sample_count
// formula subtracts only the acking source's own pending count, so an
// acked-but-still-allocated tail record has to stop counting as
// "total" the moment it's acked or it reports as new forever.
func (r *Reader) eraseRAM(idx int, state *sensorstate.State, cursor *sensorstate.PendingCursor, n uint32) error {
	sector := cursor.StartSector
	offset := int(cursor.StartOffset)
	remaining := int(n)
	var acked uint64

	for remaining > 0 && sector != pool.NullSectorID {
		occ, _, err := r.occupancy(state, sector)
		if err != nil {
			return err
		}
		avail := occ - offset
		if avail <= 0 {
			entry, err := r.Pool.Entry(sector)
			if err != nil {
				return err
			}
			sector = entry.NextSectorID
			offset = 0
			continue
		}
		if remaining < avail {
			offset += remaining
			acked += uint64(remaining)
			remaining = 0
			break
		}
		remaining -= avail
		acked += uint64(avail)
		if err := r.Pool.SetPendingBit(sector, idx, false); err != nil {
			return err
		}
		entry, err := r.Pool.Entry(sector)
		if err != nil {
			return err
		}
		sector = entry.NextSectorID
		offset = 0
	}

	cursor.StartSector = sector
	cursor.StartOffset = uint16(offset)

	if acked > state.TotalRecords {
		acked = state.TotalRecords
	}
	state.TotalRecords -= acked
	return nil
}

// sourceStillAtHead reports whether some upload source that has
// already begun reading this sensor's chain (its pending cursor was
// initialized at least once, tracked by state.EngagedSources) still
// has its cursor positioned exactly at sector — i.e. that source has
// not yet been delivered anything from it. A cleared per-sector
// pending bit can't distinguish "acked" from "never delivered"; an
// engaged-but-not-yet-arrived source sitting on this sector is the
// "never delivered" case, and freeing the sector here would silently
// drop that source's data out from under it.
func sourceStillAtHead(state *sensorstate.State, sector pool.SectorID) bool {
	for i := range state.Pending {
		if state.EngagedSources&(1<<uint(i)) == 0 {
			continue
		}
		if state.Pending[i].StartSector == sector {
			return true
		}
	}
	return false
}

// reclaimHead physically frees the longest prefix of the chain,
// starting at ram_start, that no upload source still holds pending.
// The active tail is reclaimed too, but only once it is completely
// full (spec.md §4.2: the write offset never exceeds capacity, so a
// full tail can never receive another value in place) — a tail that
// still has write room stays, since a future write needs state.RAMEnd
// to keep pointing at real, allocated storage.
func (r *Reader) reclaimHead(state *sensorstate.State) {
	for state.RAMStart != pool.NullSectorID {
		entry, err := r.Pool.Entry(state.RAMStart)
		if err != nil || entry.PendingAck() {
			return
		}

		isTail := state.RAMStart == state.RAMEnd
		if isTail && int(state.RAMWriteOffset) < sectorCapacity(entry.SectorType) {
			return
		}
		if sourceStillAtHead(state, state.RAMStart) {
			return
		}

		next := entry.NextSectorID
		if err := r.Pool.Free(state.RAMStart); err != nil {
			return
		}
		state.RAMStart = next
		if isTail {
			state.RAMEnd = pool.NullSectorID
			state.RAMWriteOffset = 0
		}
	}
}
