// Package pool implements the Sector Pool (spec.md §4.1): a fixed array
// of 32-byte sectors plus a parallel chain table, allocated and linked by
// integer index rather than heap pointer. Arena-style storage is the
// point: cycles are a property of the chain table's next-pointers, not
// of Go's garbage-collected heap graph, so validate_chain can detect
// them without walking live objects (spec.md §9).
package pool

import (
	"sync"

	"github.com/iotfleet/mm2/internal/constants"
	"github.com/iotfleet/mm2/internal/logging"
	"github.com/iotfleet/mm2/internal/mm2err"
)

// SectorID addresses a slot in the pool's sector array and chain
// table. The spec gives this 16 bits on embedded and 32 on Linux; this
// implementation uses a single uint32 representation on both platforms
// and gates the usable range with constants.EmbeddedMaxSectors /
// GatewayMaxSectors at pool-construction time, since Go's array types
// don't benefit from the narrower width the way a packed C struct
// would.
type SectorID uint32

// NullSectorID is the sentinel for "no sector" — the max value of the
// type, per spec.md §3.
const NullSectorID SectorID = ^SectorID(0)

// SectorType distinguishes TSD (periodic, rate-derived timestamps)
// from EVT (irregular, explicit timestamps) sectors.
type SectorType uint8

const (
	SectorTSD SectorType = iota
	SectorEVT
)

// Sector is the fixed 32-byte payload. No inline header or
// next-pointer lives here — that's the chain table's job, and it's the
// basis of the pool's 75% payload efficiency (spec.md §3).
type Sector [constants.SectorPayloadSize]byte

// ChainEntry is the parallel metadata record for one sector (spec.md
// §3). pendingSources is a bitmask, one bit per upload-source index
// (sensorid.Count() <= 8 fits a byte); PendingAck() derives the spec's
// single pending_ack bool as "pending in at least one source".
type ChainEntry struct {
	OwnerID        uint64
	NextSectorID   SectorID
	SectorType     SectorType
	InUse          bool
	SpooledToDisk  bool
	CreationTimeMs uint64
	pendingSources uint8
}

// PendingAck reports whether any upload source still holds a pending
// (read-but-not-acked) reference into this sector.
func (c ChainEntry) PendingAck() bool { return c.pendingSources != 0 }

// ChainError reports a structural problem found while walking a chain.
type ChainError struct {
	Msg string
}

func (e *ChainError) Error() string { return e.Msg }

// Pool is the fixed-N sector pool and chain table, guarded by a single
// coarse lock per spec.md §5 ("one coarse pool lock guards the sector
// array, chain table, and free list"). Mutations are O(1); callers
// must never hold this lock across disk I/O.
type Pool struct {
	mu        sync.Mutex
	sectors   []Sector
	chain     []ChainEntry
	freeList  []SectorID
	freeCount int
	log       *logging.Logger
}

// New builds a pool with size sectors, all initially free.
func New(size int, log *logging.Logger) *Pool {
	if log == nil {
		log = logging.Default()
	}
	p := &Pool{
		sectors:   make([]Sector, size),
		chain:     make([]ChainEntry, size),
		freeList:  make([]SectorID, size),
		freeCount: size,
		log:       log,
	}
	for i := 0; i < size; i++ {
		p.freeList[i] = SectorID(size - 1 - i)
	}
	return p
}

// Size returns the total number of sectors in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sectors)
}

// FreeCount returns the number of currently unallocated sectors.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeCount
}

// FreePct returns free sectors as a percentage of total pool size,
// the figure the spooler's pressure trigger (spec.md §4.4) compares
// against 100 minus Config.SpoolPressurePct (with the default of 80,
// constants.PoolFreePressureThresholdPct).
func (p *Pool) FreePct() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sectors) == 0 {
		return 100
	}
	return p.freeCount * 100 / len(p.sectors)
}

// Allocate pops the free list, stamps owner/type/creation time, and
// returns the new sector id. Returns ok=false when the pool is empty.
func (p *Pool) Allocate(owner uint64, sectorType SectorType, nowMs uint64) (SectorID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.freeCount == 0 {
		return NullSectorID, false
	}
	p.freeCount--
	id := p.freeList[p.freeCount]
	p.chain[id] = ChainEntry{
		OwnerID:        owner,
		NextSectorID:   NullSectorID,
		SectorType:     sectorType,
		InUse:          true,
		CreationTimeMs: nowMs,
	}
	p.sectors[id] = Sector{}
	return id, true
}

// Free returns id to the free list. The caller must hold no other
// reference to it afterward; callers are expected to have already
// unlinked id from whatever chain it terminated.
func (p *Pool) Free(id SectorID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeLocked(id)
}

func (p *Pool) freeLocked(id SectorID) error {
	if int(id) >= len(p.chain) || !p.chain[id].InUse {
		return mm2err.New("pool.free", mm2err.InvalidParameter, "sector not in use")
	}
	p.chain[id] = ChainEntry{NextSectorID: NullSectorID}
	p.freeList[p.freeCount] = id
	p.freeCount++
	return nil
}

// Next returns the sector id linked after id, or NullSectorID.
func (p *Pool) Next(id SectorID) SectorID {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) >= len(p.chain) {
		return NullSectorID
	}
	return p.chain[id].NextSectorID
}

// Link sets tail's next pointer to new. The caller must ensure tail
// currently terminates a chain (Next(tail) == NullSectorID).
func (p *Pool) Link(tail, next SectorID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(tail) >= len(p.chain) || !p.chain[tail].InUse {
		return mm2err.New("pool.link", mm2err.InvalidParameter, "tail sector not in use")
	}
	p.chain[tail].NextSectorID = next
	return nil
}

// Entry returns a copy of the chain table entry for id.
func (p *Pool) Entry(id SectorID) (ChainEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) >= len(p.chain) {
		return ChainEntry{}, mm2err.New("pool.entry", mm2err.InvalidParameter, "sector id out of range")
	}
	return p.chain[id], nil
}

// Sector returns a copy of the raw sector payload for id.
func (p *Pool) Sector(id SectorID) (Sector, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) >= len(p.sectors) {
		return Sector{}, mm2err.New("pool.sector", mm2err.InvalidParameter, "sector id out of range")
	}
	return p.sectors[id], nil
}

// WithSector runs fn with a pointer to id's live payload bytes under
// the pool lock, for in-place encode/decode (internal/sectorio). fn
// must do O(1) work only.
func (p *Pool) WithSector(id SectorID, fn func(*Sector)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) >= len(p.sectors) {
		return mm2err.New("pool.withSector", mm2err.InvalidParameter, "sector id out of range")
	}
	fn(&p.sectors[id])
	return nil
}

// MarkSpooled sets spooled_to_disk on id (Disk Spooler Cleanup phase).
func (p *Pool) MarkSpooled(id SectorID, spooled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) >= len(p.chain) || !p.chain[id].InUse {
		return mm2err.New("pool.markSpooled", mm2err.InvalidParameter, "sector not in use")
	}
	p.chain[id].SpooledToDisk = spooled
	return nil
}

// SetPendingBit sets or clears id's pending bit for the given upload
// source index (spec.md §4.3's pending cursor mechanism, projected
// onto the chain table's sector-granularity pending_ack flag).
func (p *Pool) SetPendingBit(id SectorID, sourceIdx int, pending bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) >= len(p.chain) {
		return mm2err.New("pool.setPendingBit", mm2err.InvalidParameter, "sector id out of range")
	}
	bit := uint8(1) << uint(sourceIdx)
	if pending {
		p.chain[id].pendingSources |= bit
	} else {
		p.chain[id].pendingSources &^= bit
	}
	return nil
}

// ChainLength walks the chain from head, returning the number of
// sectors. A cycle guard bounds the walk at pool size and returns
// CorruptChain if exceeded.
func (p *Pool) ChainLength(head SectorID) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chainLengthLocked(head)
}

func (p *Pool) chainLengthLocked(head SectorID) (uint32, error) {
	var n uint32
	cur := head
	limit := uint32(len(p.chain)) + 1
	for cur != NullSectorID {
		n++
		if n > limit {
			return 0, mm2err.New("pool.chainLength", mm2err.CorruptChain, "chain walk exceeded pool size")
		}
		if int(cur) >= len(p.chain) {
			return 0, mm2err.New("pool.chainLength", mm2err.CorruptChain, "chain references out-of-range sector")
		}
		cur = p.chain[cur].NextSectorID
	}
	return n, nil
}

// ValidateChain walks the chain from head verifying each entry is
// in_use, shares the same owner, and is visited at most once. It does
// not repair — only detects — per spec.md §4.1's "non-recoverable
// invariant" design decision.
func (p *Pool) ValidateChain(head SectorID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.validateChainLocked(head)
}

func (p *Pool) validateChainLocked(head SectorID) error {
	if head == NullSectorID {
		return nil
	}
	visited := make(map[SectorID]bool)
	var owner uint64
	haveOwner := false
	cur := head
	limit := len(p.chain) + 1
	for cur != NullSectorID {
		if len(visited) > limit {
			return mm2err.New("pool.validateChain", mm2err.CorruptChain, "chain cycle detected")
		}
		if int(cur) >= len(p.chain) {
			return mm2err.New("pool.validateChain", mm2err.CorruptChain, "chain references out-of-range sector")
		}
		if visited[cur] {
			return mm2err.New("pool.validateChain", mm2err.CorruptChain, "chain cycle detected")
		}
		visited[cur] = true
		entry := p.chain[cur]
		if !entry.InUse {
			return mm2err.New("pool.validateChain", mm2err.CorruptChain, "chain references freed sector")
		}
		if !haveOwner {
			owner = entry.OwnerID
			haveOwner = true
		} else if entry.OwnerID != owner {
			return mm2err.New("pool.validateChain", mm2err.CorruptChain, "chain contains cross-owner link")
		}
		cur = entry.NextSectorID
	}
	return nil
}

// FreeChain frees every sector reachable from head in one locked pass.
// The discard path and erase_all_pending's reclaim free sectors one at
// a time through Free instead.
func (p *Pool) FreeChain(head SectorID) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	cur := head
	for cur != NullSectorID {
		next := p.chain[cur].NextSectorID
		if err := p.freeLocked(cur); err != nil {
			return n, err
		}
		n++
		cur = next
	}
	return n, nil
}
