// Package constants holds platform-scaled sizing and protocol constants
// shared by every MM2 package.
package constants

import "time"

// SectorPayloadSize is the fixed payload size of a sector. spec.md fixes
// this at 32 bytes; variable sector sizes are an explicit Non-goal.
const SectorPayloadSize = 32

// Embedded-target defaults: a 4 KB pool holds 128 sectors.
const (
	EmbeddedDefaultPoolBytes = 4 * 1024
	EmbeddedMaxSectors       = 1 << 16 // 64K sectors, 16-bit SectorId space
)

// Gateway (Linux) defaults: a 64 KB pool holds 2048 sectors, but the
// SectorId space is 32-bit to support disk-spooled deployments that
// track far more sectors than fit in RAM at once.
const (
	GatewayDefaultPoolBytes = 64 * 1024
	GatewayMaxSectors       = 1 << 32 // 4G sectors, 32-bit SectorId space
)

// TSD sector layout: first_utc_ms (8 bytes) + 6 x uint32 values.
const (
	TSDValuesPerSector = 6
	TSDValueSize       = 4
)

// EVT sector layout: 2 x (value uint32 + utc_ms uint64) + 8 bytes padding.
const (
	EVTPairsPerSector = 2
	EVTValueSize      = 4
	EVTTimestampSize  = 8
)

// Disk spool defaults (spec.md §6).
const (
	DefaultPerSourceByteLimit   = 256 * 1024 * 1024
	DefaultFileRotationBytes    = 64 * 1024
	DefaultSpoolPressurePct     = 80
	DefaultMaxTrackedFiles      = 10
	DefaultEmergencyDeadlineMs  = 60_000
	DefaultTickBudget           = 5 * time.Millisecond
	SpoolerSelectBatch          = 10 // sectors selected per Selecting pass
	SpoolerWriteBatch           = 5  // sectors written per Writing tick
	SpoolerWatchdogCycles       = 100
	SpoolerMaxConsecutiveErrors = 3
)

// Disk wire-format magics (spec.md §3).
const (
	NormalFileMagic    uint32 = 0xDEAD5EC7
	EmergencyFileMagic uint32 = 0xDEADBEEF
	FormatVersion      uint16 = 1
)

// CRC32Polynomial is the IEEE polynomial spec.md §6 mandates for the
// payload checksum.
const CRC32Polynomial = 0xEDB88320

// PoolFreePressureThresholdPct is the free_count fraction (of pool size)
// below which the spooler transitions Idle -> Selecting (spec.md §4.4).
const PoolFreePressureThresholdPct = 20
