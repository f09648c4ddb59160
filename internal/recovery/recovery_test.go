//go:build linux

package recovery

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/iotfleet/mm2/internal/constants"
	"github.com/iotfleet/mm2/internal/diskfile"
	"github.com/iotfleet/mm2/internal/diskfs"
	"github.com/iotfleet/mm2/internal/pool"
	"github.com/iotfleet/mm2/internal/sectorio"
	"github.com/iotfleet/mm2/internal/sensorid"
	"github.com/iotfleet/mm2/internal/sensorstate"
)

func buildNormalFile(t *testing.T, values []uint32, sampleRateMs uint32) []byte {
	t.Helper()
	var sec pool.Sector
	sectorio.SetTSDFirstUTCMs(&sec, 1_000)
	for i, v := range values {
		sectorio.SetTSDValue(&sec, i, v)
	}
	payload := sec[:]

	hdr := diskfile.Header{
		Magic:         constants.NormalFileMagic,
		SectorType:    pool.SectorTSD,
		FormatVersion: uint8(constants.FormatVersion),
		RecordCount:   uint16(len(values)),
		DataSize:      uint32(len(payload)),
		CRC32:         diskfile.ComputeCRC32(payload),
	}
	return append(hdr.Marshal(), payload...)
}

func TestScanSourceRecoversValidFileAndQuarantinesCorrupt(t *testing.T) {
	fs := diskfs.New(afero.NewMemMapFs(), "/spool", nil)
	require.NoError(t, fs.EnsureSourceDir(string(sensorid.Gateway)))

	good := buildNormalFile(t, []uint32{1, 2, 3}, 1000)
	require.NoError(t, fs.CreateAtomic(string(sensorid.Gateway), "sensor_9_seq_0.dat", good))

	bad := buildNormalFile(t, []uint32{1, 2, 3}, 1000)
	bad[len(bad)-1] ^= 0xFF // corrupt the last payload byte so the header CRC no longer matches
	require.NoError(t, fs.CreateAtomic(string(sensorid.Gateway), "sensor_9_seq_1.dat", bad))

	recovered, err := ScanSource(fs, sensorid.Gateway, nil)
	require.NoError(t, err)
	require.Len(t, recovered[9], 1)

	quarantined, err := fs.ReadFile(string(sensorid.Gateway), diskfs.CorruptedDir+"/sensor_9_seq_1.dat")
	require.NoError(t, err)
	require.Equal(t, bad, quarantined)
}

func TestDiskStoreSequentialReadAndErase(t *testing.T) {
	fs := diskfs.New(afero.NewMemMapFs(), "/spool", nil)
	require.NoError(t, fs.EnsureSourceDir(string(sensorid.Gateway)))
	require.NoError(t, fs.CreateAtomic(string(sensorid.Gateway), "sensor_3_seq_0.dat", buildNormalFile(t, []uint32{10, 20}, 500)))

	recovered, err := ScanSource(fs, sensorid.Gateway, nil)
	require.NoError(t, err)

	store := NewDiskStore(fs, sensorid.Gateway, recovered, nil)
	cfg := sensorstate.Config{ID: 3, SampleRateMs: 500}

	require.True(t, store.HasMore(sensorid.Gateway, cfg))
	v, err := store.Next(sensorid.Gateway, cfg)
	require.NoError(t, err)
	require.Equal(t, uint32(10), v.Value)
	require.EqualValues(t, 1, store.PendingCount(sensorid.Gateway, cfg))

	v, err = store.Next(sensorid.Gateway, cfg)
	require.NoError(t, err)
	require.Equal(t, uint32(20), v.Value)
	require.False(t, store.HasMore(sensorid.Gateway, cfg))

	require.NoError(t, store.Erase(sensorid.Gateway, cfg, 2))
	require.EqualValues(t, 0, store.PendingCount(sensorid.Gateway, cfg))

	// Only one upload source has passed the file so far: it must not
	// be deleted yet, since every other source could still read it.
	_, err = fs.ReadFile(string(sensorid.Gateway), "sensor_3_seq_0.dat")
	require.NoError(t, err)
}

func TestDiskStoreRevertRewindsToErasePoint(t *testing.T) {
	fs := diskfs.New(afero.NewMemMapFs(), "/spool", nil)
	require.NoError(t, fs.EnsureSourceDir(string(sensorid.Gateway)))
	require.NoError(t, fs.CreateAtomic(string(sensorid.Gateway), "sensor_4_seq_0.dat", buildNormalFile(t, []uint32{1, 2, 3}, 100)))

	recovered, err := ScanSource(fs, sensorid.Gateway, nil)
	require.NoError(t, err)
	store := NewDiskStore(fs, sensorid.Gateway, recovered, nil)
	cfg := sensorstate.Config{ID: 4, SampleRateMs: 100}

	_, err = store.Next(sensorid.Gateway, cfg)
	require.NoError(t, err)
	require.NoError(t, store.Erase(sensorid.Gateway, cfg, 1))

	_, err = store.Next(sensorid.Gateway, cfg)
	require.NoError(t, err)
	require.EqualValues(t, 1, store.PendingCount(sensorid.Gateway, cfg))

	store.Revert(sensorid.Gateway, cfg)
	require.EqualValues(t, 0, store.PendingCount(sensorid.Gateway, cfg))
	require.True(t, store.HasMore(sensorid.Gateway, cfg))
}
