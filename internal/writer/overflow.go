package writer

import (
	"github.com/iotfleet/mm2/internal/mm2err"
	"github.com/iotfleet/mm2/internal/pool"
	"github.com/iotfleet/mm2/internal/sensorid"
	"github.com/iotfleet/mm2/internal/sensorstate"
)

func sectorCapacity(t pool.SectorType) int {
	if t == pool.SectorEVT {
		return 2
	}
	return 6
}

// discardOldestNonPending implements spec.md §4.2's embedded discard
// policy: walk this sensor's own chain from the head, find the first
// sector not pending in any upload source, unlink and free it. It
// never inspects other sensors' chains.
//
// Record-count accounting assumes every sector except the active tail
// holds exactly its type's full capacity — true by construction,
// since the writer only ever appends to the tail and rotates to a new
// sector once the tail fills. The count does not consult any upload
// source's pending cursor; spec.md's own S5 scenario has no upload
// consuming data.
func discardOldestNonPending(p *pool.Pool, state *sensorstate.State) (freedRecords int, ok bool, err error) {
	prev := pool.NullSectorID
	cur := state.RAMStart

	for cur != pool.NullSectorID {
		entry, ferr := p.Entry(cur)
		if ferr != nil {
			return 0, false, ferr
		}
		if entry.PendingAck() {
			prev = cur
			cur = entry.NextSectorID
			continue
		}

		next := entry.NextSectorID
		wasHead := prev == pool.NullSectorID
		wasTail := cur == state.RAMEnd

		recordCount := sectorCapacity(entry.SectorType)
		if wasTail {
			recordCount = int(state.RAMWriteOffset)
		}

		if wasHead {
			state.RAMStart = next
		} else if linkErr := p.Link(prev, next); linkErr != nil {
			return 0, false, linkErr
		}

		if wasTail {
			state.RAMEnd = prev
			if prev == pool.NullSectorID {
				state.RAMWriteOffset = 0
			} else if prevEntry, perr := p.Entry(prev); perr == nil {
				state.RAMWriteOffset = uint16(sectorCapacity(prevEntry.SectorType))
			}
		}
		if wasHead {
			state.RAMReadOffset = 0
		}

		if freeErr := p.Free(cur); freeErr != nil {
			return 0, false, freeErr
		}

		if uint64(recordCount) > state.TotalRecords {
			recordCount = int(state.TotalRecords)
		}
		state.TotalRecords -= uint64(recordCount)
		return recordCount, true, nil
	}

	return 0, false, nil
}

// EmbeddedOverflow is the embedded-target OverflowHandler: discard
// the sensor's own oldest non-pending sector, then allocate.
type EmbeddedOverflow struct {
	Metrics Metrics
}

func (h EmbeddedOverflow) HandleFull(p *pool.Pool, state *sensorstate.State, owner uint64, sectorType pool.SectorType, nowMs uint64) (pool.SectorID, error) {
	_, ok, err := discardOldestNonPending(p, state)
	if err != nil {
		return pool.NullSectorID, err
	}
	if !ok {
		return pool.NullSectorID, mm2err.New("write", mm2err.AllPending, "every sector pending in some upload source")
	}
	// owner is sensorid.Identity.Key(): the source index sits in the high bits.
	if idx := int(owner >> 32); h.Metrics != nil && idx < sensorid.Count() {
		h.Metrics.IncDiscards(sensorid.AllUploadSources[idx])
	}
	id, allocated := p.Allocate(owner, sectorType, nowMs)
	if !allocated {
		return pool.NullSectorID, mm2err.New("write", mm2err.OutOfMemory, "pool still exhausted after discard")
	}
	return id, nil
}

// SpoolSignaler is the narrow interface the gateway overflow policy
// uses to nudge the Disk Spooler (spec.md §4.2 step 4: "release
// sensor lock, signal spooler, retry allocation once"). The spooler
// is tick-driven, so this is advisory — it lets the next tick know
// pressure is acute, it does not synchronously spool.
type SpoolSignaler interface {
	SignalPressure()
}

// GatewayOverflow is the Linux-target OverflowHandler: nudge the
// spooler and retry the allocation once before giving up.
//
// spec.md §4.2 step 4 describes this as "release sensor lock, signal
// spooler, retry allocation once". SignalPressure is a non-blocking
// advisory nudge (an atomic flag or buffered channel send, never a
// lock acquisition reaching into the spooler's own source lock), so
// there is nothing to deadlock by calling it with the sensor lock
// held; the retry-once semantics are preserved without an actual
// unlock/relock round trip.
type GatewayOverflow struct {
	Signal SpoolSignaler
}

func (h GatewayOverflow) HandleFull(p *pool.Pool, state *sensorstate.State, owner uint64, sectorType pool.SectorType, nowMs uint64) (pool.SectorID, error) {
	if h.Signal != nil {
		h.Signal.SignalPressure()
	}
	if id, ok := p.Allocate(owner, sectorType, nowMs); ok {
		return id, nil
	}
	return pool.NullSectorID, mm2err.New("write", mm2err.OutOfMemory, "pool exhausted after spool signal retry")
}
