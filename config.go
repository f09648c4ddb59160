package mm2

import (
	"github.com/iotfleet/mm2/internal/constants"
	"github.com/iotfleet/mm2/internal/logging"
	"github.com/iotfleet/mm2/internal/mm2err"
)

// Config holds the engine's own tunables (spec.md §6). It is a plain
// struct, not a file format: the excluded sensor-configuration loader
// populates the per-sensor sensorstate.Config values, but the engine's
// own knobs (pool size, disk paths, spool thresholds) still need a
// typed, defaulted config the caller builds once at Init.
type Config struct {
	// Embedded selects the resource-constrained target's policies:
	// UTC-gated writes, per-sensor oldest-sector discard on overflow,
	// and no disk spooling/recovery regardless of GOOS. false selects
	// the Linux gateway's policies: disk spool + startup recovery.
	Embedded bool

	// PoolBytes sizes the sector pool; rounded down to a whole number
	// of constants.SectorPayloadSize-byte sectors.
	PoolBytes int

	// DiskBasePath is {base} in spec.md §6's persisted state layout.
	// Required and meaningful only when Embedded is false.
	DiskBasePath string

	PerSourceByteLimit      uint64
	FileRotationBytes       uint32
	SpoolPressurePct        int
	MaxTrackedFilesPerSource int
	EmergencyDeadlineMs     uint64

	// CleanupOrphanedSources resolves spec.md §9's second Open
	// Question: whether a tick firing for an upload source with zero
	// active sensors should still run spooler cleanup on that
	// source's files. Default false (opt-in), per the spec's own
	// recommendation.
	CleanupOrphanedSources bool

	// Logger overrides the package default logger. Nil uses
	// logging.Default().
	Logger *logging.Logger
}

// DefaultConfig returns the §6 defaults for the given platform target.
func DefaultConfig(embedded bool) Config {
	poolBytes := constants.GatewayDefaultPoolBytes
	if embedded {
		poolBytes = constants.EmbeddedDefaultPoolBytes
	}
	return Config{
		Embedded:                 embedded,
		PoolBytes:                poolBytes,
		PerSourceByteLimit:       constants.DefaultPerSourceByteLimit,
		FileRotationBytes:        constants.DefaultFileRotationBytes,
		SpoolPressurePct:         constants.DefaultSpoolPressurePct,
		MaxTrackedFilesPerSource: constants.DefaultMaxTrackedFiles,
		EmergencyDeadlineMs:      constants.DefaultEmergencyDeadlineMs,
	}
}

// validate checks the configuration at Init, before any sensor is
// configured.
func (c Config) validate() error {
	if c.PoolBytes <= 0 {
		return mm2err.New("init", mm2err.InvalidParameter, "pool_bytes must be positive")
	}
	if !c.Embedded && c.DiskBasePath == "" {
		return mm2err.New("init", mm2err.InvalidParameter, "disk_base_path is required on the gateway target")
	}
	if c.SpoolPressurePct <= 0 || c.SpoolPressurePct > 100 {
		return mm2err.New("init", mm2err.InvalidParameter, "spool_pressure_pct must be in (0, 100]")
	}
	return nil
}

func (c Config) sectorCount() int {
	n := c.PoolBytes / constants.SectorPayloadSize
	maxSectors := constants.GatewayMaxSectors
	if c.Embedded {
		maxSectors = constants.EmbeddedMaxSectors
	}
	if uint64(n) > uint64(maxSectors) {
		n = int(maxSectors)
	}
	return n
}
