//go:build linux

package spool

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/iotfleet/mm2/internal/diskfs"
	"github.com/iotfleet/mm2/internal/pool"
	"github.com/iotfleet/mm2/internal/sectorio"
	"github.com/iotfleet/mm2/internal/sensorid"
	"github.com/iotfleet/mm2/internal/sensorstate"
)

type noopMetrics struct{}

func (noopMetrics) IncSectorsSpooled(sensorid.UploadSource, int) {}
func (noopMetrics) IncFilesWritten(sensorid.UploadSource)        {}
func (noopMetrics) IncFilesQuarantined(sensorid.UploadSource)    {}
func (noopMetrics) IncStall(sensorid.UploadSource)               {}

func newFixtures(t *testing.T, poolSize int) (*pool.Pool, *sensorid.Registry, *diskfs.FS, *sensorstate.State) {
	t.Helper()
	p := pool.New(poolSize, nil)
	registry := sensorid.NewRegistry()
	fs := diskfs.New(afero.NewMemMapFs(), "/spool", nil)
	require.NoError(t, fs.EnsureSourceDir(string(sensorid.Gateway)))

	state := sensorstate.New()
	identity := sensorid.Identity{UploadSource: sensorid.Gateway, SensorID: 7}
	registry.Register(identity, state)

	// Build a 3-sector chain, all full (6 TSD values each), none pending.
	owner := identity.Key()
	var prev pool.SectorID = pool.NullSectorID
	for i := 0; i < 3; i++ {
		id, ok := p.Allocate(owner, pool.SectorTSD, uint64(1000*(i+1)))
		require.True(t, ok)
		require.NoError(t, p.WithSector(id, func(sec *pool.Sector) {
			sectorio.SetTSDFirstUTCMs(sec, uint64(1000*(i+1)))
			for v := 0; v < 6; v++ {
				sectorio.SetTSDValue(sec, v, uint32(i*10+v))
			}
		}))
		if state.RAMStart == pool.NullSectorID {
			state.RAMStart = id
		}
		if prev != pool.NullSectorID {
			require.NoError(t, p.Link(prev, id))
		}
		prev = id
	}
	state.RAMEnd = prev
	state.TotalRecords = 18

	return p, registry, fs, state
}

func TestTickIdleTransitionsToSelectingUnderPressure(t *testing.T) {
	p, registry, fs, _ := newFixtures(t, 4)
	cfg := Config{SpoolPressurePct: 50}
	s := NewSpooler(sensorid.Gateway, registry, p, fs, cfg, noopMetrics{}, nil)

	require.NoError(t, s.Tick(1))
	require.Equal(t, Selecting, s.State())
}

func TestTickIdleStaysIdleWithoutPressure(t *testing.T) {
	p, registry, fs, _ := newFixtures(t, 100)
	cfg := Config{SpoolPressurePct: 10}
	s := NewSpooler(sensorid.Gateway, registry, p, fs, cfg, noopMetrics{}, nil)

	require.NoError(t, s.Tick(1))
	require.Equal(t, Idle, s.State())
}

func TestFullCycleWritesFileAndReclaimsSectors(t *testing.T) {
	p, registry, fs, state := newFixtures(t, 4)
	cfg := Config{SpoolPressurePct: 50}
	s := NewSpooler(sensorid.Gateway, registry, p, fs, cfg, noopMetrics{}, nil)

	// Only the non-tail sectors (2 of the 3) are eligible — the tail
	// sector (RAMEnd) is the live write head and is never selected.
	require.NoError(t, s.Tick(1))
	require.Equal(t, Selecting, s.State())

	require.NoError(t, s.Tick(2))
	require.Equal(t, Writing, s.State())

	require.NoError(t, s.Tick(3))
	require.Equal(t, Verifying, s.State())

	require.NoError(t, s.Tick(4))
	require.Equal(t, Cleanup, s.State())

	require.NoError(t, s.Tick(5))

	stats := s.Stats()
	require.EqualValues(t, 1, stats.FilesWritten)
	require.EqualValues(t, 2, stats.SectorsSpooled)

	// Both non-tail sectors reclaimed: RAMStart should now be the tail.
	require.Equal(t, state.RAMEnd, state.RAMStart)
	require.EqualValues(t, 6, state.TotalRecords)
	require.EqualValues(t, 12, state.TotalDiskRecords)

	files, err := fs.ListFiles(string(sensorid.Gateway), "sensor_7_seq_")
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestEmergencyFlushWritesCompleteFileWhenDrained(t *testing.T) {
	p, registry, fs, state := newFixtures(t, 4)
	cfg := Config{SpoolPressurePct: 50}
	s := NewSpooler(sensorid.Gateway, registry, p, fs, cfg, noopMetrics{}, nil)

	require.NoError(t, s.EmergencyFlush(7, state, time.Now().Add(time.Minute)))

	files, err := fs.ListFiles(string(sensorid.Gateway), "emergency_7")
	require.NoError(t, err)
	require.Contains(t, files, "emergency_7.complete")

	b, err := fs.ReadFile(string(sensorid.Gateway), "emergency_7.complete")
	require.NoError(t, err)
	require.NotEmpty(t, b)
	_ = p
}
