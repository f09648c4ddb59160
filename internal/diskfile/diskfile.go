// Package diskfile defines the on-disk record format for spooled
// sector data (spec.md §3, §6): a fixed-size little-endian header
// followed by the raw 32-byte sector payloads it describes, CRC32
// (IEEE) over the payload region only. Marshal/unmarshal follows the
// teacher's hand-rolled binary.LittleEndian Put/Get pattern
// (internal/uapi/marshal.go) rather than a reflection-based codec —
// the same case that style fits in internal/sectorio.
package diskfile

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/iotfleet/mm2/internal/constants"
	"github.com/iotfleet/mm2/internal/mm2err"
	"github.com/iotfleet/mm2/internal/pool"
)

// ConversionStatus carries the UTC-known flag at write time (spec.md
// §4.6): a background pass may later backfill UTC for sectors written
// before the clock was available.
type ConversionStatus uint8

const (
	UTCPending ConversionStatus = iota
	UTCKnown
)

// HeaderSize is the packed byte size of Header on disk.
const HeaderSize = 40

// Header precedes every spooled sector payload in a normal spool
// file. A file's owner sensor ID comes from the chain entry of the
// first sector written, never from the filename — the filename
// carries it only redundantly, for directory listing convenience.
type Header struct {
	Magic             uint32
	SectorType        pool.SectorType
	ConversionStatus  ConversionStatus
	FormatVersion     uint8
	OwnerSensorID     uint32
	RecordCount       uint16
	OriginalSectorID  uint16
	FirstUTCMs        uint64
	LastUTCMs         uint64
	DataSize          uint32
	CRC32             uint32
}

// Marshal encodes h into a fresh HeaderSize-byte buffer.
func (h Header) Marshal() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	b[4] = byte(h.SectorType)
	b[5] = byte(h.ConversionStatus)
	b[6] = h.FormatVersion
	b[7] = 0 // reserved
	binary.LittleEndian.PutUint32(b[8:12], h.OwnerSensorID)
	binary.LittleEndian.PutUint16(b[12:14], h.RecordCount)
	binary.LittleEndian.PutUint16(b[14:16], h.OriginalSectorID)
	binary.LittleEndian.PutUint64(b[16:24], h.FirstUTCMs)
	binary.LittleEndian.PutUint64(b[24:32], h.LastUTCMs)
	binary.LittleEndian.PutUint32(b[32:36], h.DataSize)
	binary.LittleEndian.PutUint32(b[36:40], h.CRC32)
	return b
}

// UnmarshalHeader decodes a HeaderSize-byte buffer into a Header.
func UnmarshalHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, mm2err.New("diskfile.unmarshalHeader", mm2err.DiskIo, "short header read")
	}
	return Header{
		Magic:            binary.LittleEndian.Uint32(b[0:4]),
		SectorType:       pool.SectorType(b[4]),
		ConversionStatus: ConversionStatus(b[5]),
		FormatVersion:    b[6],
		OwnerSensorID:    binary.LittleEndian.Uint32(b[8:12]),
		RecordCount:      binary.LittleEndian.Uint16(b[12:14]),
		OriginalSectorID: binary.LittleEndian.Uint16(b[14:16]),
		FirstUTCMs:       binary.LittleEndian.Uint64(b[16:24]),
		LastUTCMs:        binary.LittleEndian.Uint64(b[24:32]),
		DataSize:         binary.LittleEndian.Uint32(b[32:36]),
		CRC32:            binary.LittleEndian.Uint32(b[36:40]),
	}, nil
}

// ComputeCRC32 hashes payload (the concatenated sector bytes, header
// excluded) with the IEEE polynomial spec.md §6 mandates.
func ComputeCRC32(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// Validate checks magic, format version, and the CRC32 over payload —
// the three checks startup recovery (spec.md §4.5) runs on every
// candidate file before trusting it.
func (h Header) Validate(payload []byte) error {
	if h.Magic != constants.NormalFileMagic {
		return mm2err.New("diskfile.validate", mm2err.DiskIo, "bad magic")
	}
	if h.FormatVersion != uint8(constants.FormatVersion) {
		return mm2err.New("diskfile.validate", mm2err.DiskIo, "unsupported format version")
	}
	if ComputeCRC32(payload) != h.CRC32 {
		return mm2err.New("diskfile.validate", mm2err.DiskIo, "crc mismatch")
	}
	return nil
}

// EmergencyHeaderSize is the packed byte size of EmergencyHeader.
const EmergencyHeaderSize = 20

// EmergencyHeader precedes each sector in the power-down emergency
// spool path (spec.md §4.4.1): simpler than Header. The emergency
// writer buffers every record and syncs the file once, before its
// renames; there is no fsync after each sector.
type EmergencyHeader struct {
	Magic       uint32
	SectorID    uint16
	SectorType  pool.SectorType
	TimestampMs uint64
	Checksum    uint32
}

// Marshal encodes h into a fresh EmergencyHeaderSize-byte buffer.
func (h EmergencyHeader) Marshal() []byte {
	b := make([]byte, EmergencyHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint16(b[4:6], h.SectorID)
	b[6] = byte(h.SectorType)
	b[7] = 0 // reserved
	binary.LittleEndian.PutUint64(b[8:16], h.TimestampMs)
	binary.LittleEndian.PutUint32(b[16:20], h.Checksum)
	return b
}

// UnmarshalEmergencyHeader decodes an EmergencyHeaderSize-byte buffer.
func UnmarshalEmergencyHeader(b []byte) (EmergencyHeader, error) {
	if len(b) < EmergencyHeaderSize {
		return EmergencyHeader{}, mm2err.New("diskfile.unmarshalEmergencyHeader", mm2err.DiskIo, "short emergency header read")
	}
	return EmergencyHeader{
		Magic:       binary.LittleEndian.Uint32(b[0:4]),
		SectorID:    binary.LittleEndian.Uint16(b[4:6]),
		SectorType:  pool.SectorType(b[6]),
		TimestampMs: binary.LittleEndian.Uint64(b[8:16]),
		Checksum:    binary.LittleEndian.Uint32(b[16:20]),
	}, nil
}

// Validate checks magic and checksum over payload (one sector's raw
// bytes) for a recovered emergency record.
func (h EmergencyHeader) Validate(payload []byte) error {
	if h.Magic != constants.EmergencyFileMagic {
		return mm2err.New("emergencyHeader.validate", mm2err.DiskIo, "bad emergency magic")
	}
	if ComputeCRC32(payload) != h.Checksum {
		return mm2err.New("emergencyHeader.validate", mm2err.DiskIo, "checksum mismatch")
	}
	return nil
}
