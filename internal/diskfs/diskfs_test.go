package diskfs

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestCreateAtomicWritesAndRenames(t *testing.T) {
	mem := afero.NewMemMapFs()
	fs := New(mem, "/spool", nil)
	require.NoError(t, fs.EnsureSourceDir("gateway"))

	require.NoError(t, fs.CreateAtomic("gateway", "sensor_1_seq_0.dat", []byte("hello")))

	exists, err := afero.Exists(mem, filepath.Join(fs.SourceDir("gateway"), "sensor_1_seq_0.dat"))
	require.NoError(t, err)
	require.True(t, exists)

	tmpExists, err := afero.Exists(mem, filepath.Join(fs.SourceDir("gateway"), "sensor_1_seq_0.dat.tmp"))
	require.NoError(t, err)
	require.False(t, tmpExists)

	b, err := fs.ReadFile("gateway", "sensor_1_seq_0.dat")
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))
}

func TestListFilesFiltersByPrefix(t *testing.T) {
	mem := afero.NewMemMapFs()
	fs := New(mem, "/spool", nil)
	require.NoError(t, fs.EnsureSourceDir("gateway"))
	require.NoError(t, fs.CreateAtomic("gateway", "sensor_1_seq_0.dat", []byte("a")))
	require.NoError(t, fs.CreateAtomic("gateway", "sensor_1_seq_1.dat", []byte("b")))
	require.NoError(t, fs.CreateAtomic("gateway", "emergency_1.tmp", []byte("c")))

	files, err := fs.ListFiles("gateway", "sensor_1_seq_")
	require.NoError(t, err)
	require.Len(t, files, 2)
}

func TestQuarantineMovesFileAside(t *testing.T) {
	mem := afero.NewMemMapFs()
	fs := New(mem, "/spool", nil)
	require.NoError(t, fs.EnsureSourceDir("gateway"))
	require.NoError(t, fs.CreateAtomic("gateway", "sensor_1_seq_0.dat", []byte("x")))

	require.NoError(t, fs.Quarantine("gateway", "sensor_1_seq_0.dat"))

	_, err := fs.ReadFile("gateway", "sensor_1_seq_0.dat")
	require.Error(t, err)

	b, err := afero.ReadFile(mem, filepath.Join(fs.SourceDir("gateway"), CorruptedDir, "sensor_1_seq_0.dat"))
	require.NoError(t, err)
	require.Equal(t, "x", string(b))
}

func TestJournalAppendReadTruncate(t *testing.T) {
	mem := afero.NewMemMapFs()
	fs := New(mem, "/spool", nil)

	lines, err := fs.ReadJournal()
	require.NoError(t, err)
	require.Empty(t, lines)

	require.NoError(t, fs.AppendJournal(JournalBeginLine(1)))
	require.NoError(t, fs.AppendJournal(JournalCommitLine(1)))

	lines, err = fs.ReadJournal()
	require.NoError(t, err)
	require.Equal(t, []string{"begin 1", "commit 1"}, lines)

	require.NoError(t, fs.TruncateJournal())
	lines, err = fs.ReadJournal()
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestCheckpointPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	cp, err := OpenCheckpoint(filepath.Join(dir, "checkpoint.db"))
	require.NoError(t, err)
	defer cp.Close()

	meta := FileMeta{Filename: "sensor_1_seq_0.dat", Sequence: 0, Size: 200, Validated: true}
	require.NoError(t, cp.Put("gateway", meta))

	got, err := cp.ForSource("gateway")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, meta, got[0])

	require.NoError(t, cp.Delete("gateway", meta.Filename))
	got, err = cp.ForSource("gateway")
	require.NoError(t, err)
	require.Empty(t, got)
}

