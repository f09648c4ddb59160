// Package sectorio encodes and decodes the fixed 32-byte TSD and EVT
// sector payloads (spec.md §3) in place, using the hand-rolled
// binary.LittleEndian Put/Get pattern the teacher uses for its
// uapi wire structs (internal/uapi/marshal.go) rather than a
// reflection-based codec — the layout is fixed-size and
// platform-native, exactly the case that style fits.
package sectorio

import (
	"encoding/binary"

	"github.com/iotfleet/mm2/internal/constants"
	"github.com/iotfleet/mm2/internal/pool"
)

const (
	tsdValuesPerSector = constants.TSDValuesPerSector
	tsdValueSize       = constants.TSDValueSize
	evtPairsPerSector  = constants.EVTPairsPerSector
	evtValueSize       = constants.EVTValueSize
	evtTimestampSize   = constants.EVTTimestampSize
)

// TSDFirstUTCMs reads the sector-level base timestamp stamped when
// the tail sector was first allocated (spec.md §3: "a TSD sector's
// sample_rate is the sensor's configured rate at the time of the
// first value's write").
func TSDFirstUTCMs(s *pool.Sector) uint64 {
	return binary.LittleEndian.Uint64(s[0:8])
}

// SetTSDFirstUTCMs stamps the base timestamp. Called exactly once,
// when a fresh TSD sector receives its first value.
func SetTSDFirstUTCMs(s *pool.Sector, utcMs uint64) {
	binary.LittleEndian.PutUint64(s[0:8], utcMs)
}

// TSDValue reads value[idx], idx in [0, TSDValuesPerSector).
func TSDValue(s *pool.Sector, idx int) uint32 {
	off := 8 + idx*tsdValueSize
	return binary.LittleEndian.Uint32(s[off : off+4])
}

// SetTSDValue writes value[idx].
func SetTSDValue(s *pool.Sector, idx int, v uint32) {
	off := 8 + idx*tsdValueSize
	binary.LittleEndian.PutUint32(s[off:off+4], v)
}

// TSDTimestamp computes the timestamp law of spec.md §4.3/§8:
// first_utc_ms + idx * sampleRateMs. TSD timestamps are always
// computed, never stored per value.
func TSDTimestamp(s *pool.Sector, idx int, sampleRateMs uint32) uint64 {
	return TSDFirstUTCMs(s) + uint64(idx)*uint64(sampleRateMs)
}

// TSDCapacity is the number of values a TSD sector holds.
func TSDCapacity() int { return tsdValuesPerSector }

// EVTValue reads pair[idx].value.
func EVTValue(s *pool.Sector, idx int) uint32 {
	off := idx * (evtValueSize + evtTimestampSize)
	return binary.LittleEndian.Uint32(s[off : off+4])
}

// EVTTimestamp reads pair[idx].utc_ms, the timestamp copied verbatim
// at write time (spec.md §4.3: "EVT timestamps are copied verbatim").
func EVTTimestamp(s *pool.Sector, idx int) uint64 {
	off := idx*(evtValueSize+evtTimestampSize) + evtValueSize
	return binary.LittleEndian.Uint64(s[off : off+8])
}

// SetEVTPair writes pair[idx] = {value, utcMs}.
func SetEVTPair(s *pool.Sector, idx int, value uint32, utcMs uint64) {
	off := idx * (evtValueSize + evtTimestampSize)
	binary.LittleEndian.PutUint32(s[off:off+4], value)
	binary.LittleEndian.PutUint64(s[off+4:off+12], utcMs)
}

// EVTCapacity is the number of (value, utc_ms) pairs an EVT sector
// holds.
func EVTCapacity() int { return evtPairsPerSector }

// Value is a decoded, timestamped record returned to callers of
// read_bulk, uniform across TSD and EVT origin.
type Value struct {
	Value uint32
	UTCMs uint64
}
