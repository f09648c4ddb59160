// Package writer implements write_tsd / write_evt (spec.md §4.2): the
// only code path that appends to a sensor's chain. It mirrors the
// teacher's processIOAndCommit shape — validate state, do the
// operation, update state, return — generalized from one I/O request
// per tag to one record append per sensor.
package writer

import (
	"time"

	"github.com/iotfleet/mm2/internal/logging"
	"github.com/iotfleet/mm2/internal/mm2err"
	"github.com/iotfleet/mm2/internal/pool"
	"github.com/iotfleet/mm2/internal/sectorio"
	"github.com/iotfleet/mm2/internal/sensorid"
	"github.com/iotfleet/mm2/internal/sensorstate"
)

// TimeSource is the subset of internal/timeauth.Authority the writer
// depends on, kept as an interface to avoid a hard import-time
// dependency on a specific clock implementation.
type TimeSource interface {
	NowUTCMs() (uint64, bool)
	WaitAvailable(timeout time.Duration) bool
	ConsumeRolloverPending() bool
}

// Metrics is the subset of counters the writer touches; the root
// package's Metrics type implements it.
type Metrics interface {
	IncWrites(source sensorid.UploadSource, ok bool)
	IncDiscards(source sensorid.UploadSource)
	IncOutOfMemory(source sensorid.UploadSource)
	IncAllPending(source sensorid.UploadSource)
}

// OverflowHandler supplies the platform-specific policy for "tail
// sector full or pool empty, and a fresh allocation failed"
// (spec.md §4.2 step 4). Embedded discards from the sensor's own
// chain; gateway signals the spooler and retries once.
type OverflowHandler interface {
	HandleFull(p *pool.Pool, state *sensorstate.State, owner uint64, sectorType pool.SectorType, nowMs uint64) (pool.SectorID, error)
}

// UTCWaitTimeout bounds how long an embedded write blocks for UTC
// before returning Timeout (spec.md §7).
const UTCWaitTimeout = 2 * time.Second

// Writer appends TSD/EVT records to sensor chains.
type Writer struct {
	Pool     *pool.Pool
	Time     TimeSource
	Overflow OverflowHandler
	Metrics  Metrics
	log      *logging.Logger
}

// New builds a Writer.
func New(p *pool.Pool, ts TimeSource, overflow OverflowHandler, metrics Metrics, log *logging.Logger) *Writer {
	if log == nil {
		log = logging.Default()
	}
	return &Writer{Pool: p, Time: ts, Overflow: overflow, Metrics: metrics, log: log}
}

func (w *Writer) nowOrWait(op string, source sensorid.UploadSource, cfg sensorstate.Config) (uint64, error) {
	now, ok := w.Time.NowUTCMs()
	if ok {
		return now, nil
	}
	if !w.Time.WaitAvailable(UTCWaitTimeout) {
		return 0, mm2err.ForSensor(op, string(source), uint32(cfg.ID), mm2err.Timeout, "utc not available before deadline")
	}
	now, _ = w.Time.NowUTCMs()
	return now, nil
}

// ensureTail guarantees state.RAMEnd points at a sector with room for
// one more record, allocating or invoking the overflow handler as
// needed. full reports whether the sector identified by tail has
// already reached sectorType's capacity.
func (w *Writer) ensureTail(source sensorid.UploadSource, cfg sensorstate.Config, state *sensorstate.State, id sensorid.Identity, sectorType pool.SectorType, full bool, nowMs uint64) error {
	if state.RAMEnd != pool.NullSectorID && !full {
		return nil
	}

	newID, ok := w.Pool.Allocate(id.Key(), sectorType, nowMs)
	if !ok {
		recovered, err := w.Overflow.HandleFull(w.Pool, state, id.Key(), sectorType, nowMs)
		if err != nil {
			return err
		}
		newID = recovered
	}

	if state.RAMEnd != pool.NullSectorID {
		if err := w.Pool.Link(state.RAMEnd, newID); err != nil {
			return err
		}
	} else {
		state.RAMStart = newID
	}
	state.RAMEnd = newID
	state.RAMWriteOffset = 0
	return nil
}

// WriteTSD appends one periodic sample (spec.md §4.2).
func (w *Writer) WriteTSD(source sensorid.UploadSource, cfg sensorstate.Config, state *sensorstate.State, value uint32) error {
	const op = "write_tsd"
	id := sensorid.Identity{UploadSource: source, SensorID: cfg.ID}

	state.Lock()
	defer state.Unlock()

	if state.ShuttingDown {
		w.Metrics.IncWrites(source, false)
		return mm2err.ForSensor(op, string(source), uint32(cfg.ID), mm2err.ShuttingDown, "write rejected during shutdown")
	}
	if state.Quarantined {
		w.Metrics.IncWrites(source, false)
		return mm2err.ForSensor(op, string(source), uint32(cfg.ID), mm2err.CorruptChain, "sensor quarantined after chain corruption")
	}
	if !state.Active {
		w.Metrics.IncWrites(source, false)
		return mm2err.ForSensor(op, string(source), uint32(cfg.ID), mm2err.InactiveSensor, "sensor not configured or deactivated")
	}

	nowMs, err := w.nowOrWait(op, source, cfg)
	if err != nil {
		w.Metrics.IncWrites(source, false)
		return err
	}

	full := state.RAMEnd == pool.NullSectorID || int(state.RAMWriteOffset) >= sectorio.TSDCapacity()
	rolledOver := w.Time.ConsumeRolloverPending()

	if err := w.ensureTail(source, cfg, state, id, pool.SectorTSD, full, nowMs); err != nil {
		if mm2err.IsCode(err, mm2err.OutOfMemory) {
			w.Metrics.IncOutOfMemory(source)
		} else if mm2err.IsCode(err, mm2err.AllPending) {
			w.Metrics.IncAllPending(source)
		}
		w.Metrics.IncWrites(source, false)
		return err
	}

	// A fresh sector always gets its base timestamp stamped. A
	// rollover re-stamps the in-flight tail too (spec.md §4.6):
	// records already written keep their pre-rollover timestamps,
	// accepted rather than corrected, but the next value's timestamp
	// law anchors to the corrected clock from here on.
	if state.RAMWriteOffset == 0 || rolledOver {
		if err := w.Pool.WithSector(state.RAMEnd, func(s *pool.Sector) {
			sectorio.SetTSDFirstUTCMs(s, nowMs)
		}); err != nil {
			w.Metrics.IncWrites(source, false)
			return err
		}
	}

	idx := int(state.RAMWriteOffset)
	if err := w.Pool.WithSector(state.RAMEnd, func(s *pool.Sector) {
		sectorio.SetTSDValue(s, idx, value)
	}); err != nil {
		w.Metrics.IncWrites(source, false)
		return err
	}

	state.RAMWriteOffset++
	state.TotalRecords++
	state.LastSampleTimeMs = nowMs
	w.Metrics.IncWrites(source, true)
	return nil
}

// WriteEVT appends one explicitly timestamped event (spec.md §4.2).
func (w *Writer) WriteEVT(source sensorid.UploadSource, cfg sensorstate.Config, state *sensorstate.State, value uint32, utcMs uint64) error {
	const op = "write_evt"
	id := sensorid.Identity{UploadSource: source, SensorID: cfg.ID}

	state.Lock()
	defer state.Unlock()

	if state.ShuttingDown {
		w.Metrics.IncWrites(source, false)
		return mm2err.ForSensor(op, string(source), uint32(cfg.ID), mm2err.ShuttingDown, "write rejected during shutdown")
	}
	if state.Quarantined {
		w.Metrics.IncWrites(source, false)
		return mm2err.ForSensor(op, string(source), uint32(cfg.ID), mm2err.CorruptChain, "sensor quarantined after chain corruption")
	}
	if !state.Active {
		w.Metrics.IncWrites(source, false)
		return mm2err.ForSensor(op, string(source), uint32(cfg.ID), mm2err.InactiveSensor, "sensor not configured or deactivated")
	}

	nowMs, err := w.nowOrWait(op, source, cfg)
	if err != nil {
		w.Metrics.IncWrites(source, false)
		return err
	}

	full := state.RAMEnd == pool.NullSectorID || int(state.RAMWriteOffset) >= sectorio.EVTCapacity()
	if err := w.ensureTail(source, cfg, state, id, pool.SectorEVT, full, nowMs); err != nil {
		if mm2err.IsCode(err, mm2err.OutOfMemory) {
			w.Metrics.IncOutOfMemory(source)
		} else if mm2err.IsCode(err, mm2err.AllPending) {
			w.Metrics.IncAllPending(source)
		}
		w.Metrics.IncWrites(source, false)
		return err
	}

	idx := int(state.RAMWriteOffset)
	if err := w.Pool.WithSector(state.RAMEnd, func(s *pool.Sector) {
		sectorio.SetEVTPair(s, idx, value, utcMs)
	}); err != nil {
		w.Metrics.IncWrites(source, false)
		return err
	}

	state.RAMWriteOffset++
	state.TotalRecords++
	state.LastSampleTimeMs = utcMs
	w.Metrics.IncWrites(source, true)
	return nil
}
