// Package diskfs is the disk-facing half of the gateway spool layer
// (spec.md §6 layout): an afero-backed directory surface for atomic
// file creation, quarantine moves, and a non-authoritative checkpoint
// cache, used by internal/spool and internal/recovery.
//
// afero lets the spooler's state machine and the recovery procedure
// run their tests against afero.NewMemMapFs() — fast and hermetic,
// the pattern the teacher's own test suite gets for free from a real
// kernel device but MM2 gets here by swapping the Fs implementation —
// while the real engine opens afero.NewOsFs().
package diskfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/iotfleet/mm2/internal/logging"
	"github.com/iotfleet/mm2/internal/mm2err"
)

// CorruptedDir is the quarantine subdirectory name under each upload
// source's directory (spec.md §4.5 step 2).
const CorruptedDir = "corrupted"

// FS wraps one upload source's on-disk directory tree.
type FS struct {
	fs      afero.Fs
	baseDir string
	log     *logging.Logger
}

// New builds an FS rooted at baseDir using fs. Pass afero.NewOsFs()
// for the real engine, afero.NewMemMapFs() for tests.
func New(fs afero.Fs, baseDir string, log *logging.Logger) *FS {
	if log == nil {
		log = logging.Default()
	}
	return &FS{fs: fs, baseDir: baseDir, log: log}
}

// SourceDir returns the directory holding a given upload source's
// spool files: {base}/{upload_source}/ (spec.md §6).
func (f *FS) SourceDir(source string) string {
	return filepath.Join(f.baseDir, source)
}

// EnsureSourceDir creates a source's directory (and its corrupted/
// quarantine subdirectory) if missing.
func (f *FS) EnsureSourceDir(source string) error {
	dir := f.SourceDir(source)
	if err := f.fs.MkdirAll(dir, 0o755); err != nil {
		return mm2err.Wrap("diskfs.ensureSourceDir", mm2err.DiskIo, err)
	}
	if err := f.fs.MkdirAll(filepath.Join(dir, CorruptedDir), 0o755); err != nil {
		return mm2err.Wrap("diskfs.ensureSourceDir", mm2err.DiskIo, err)
	}
	return nil
}

// CreateAtomic writes data to {source}/{filename} via the spec's
// create→fsync→rename→fsync-parent-directory protocol (spec.md §4.4
// steps 2-4): write to a .tmp sibling, fsync the file, rename into
// place, fsync the parent directory so the rename itself survives a
// crash.
func (f *FS) CreateAtomic(source, filename string, data []byte) error {
	dir := f.SourceDir(source)
	final := filepath.Join(dir, filename)
	tmp := final + ".tmp"

	file, err := f.fs.Create(tmp)
	if err != nil {
		return mm2err.Wrap("diskfs.createAtomic", mm2err.DiskIo, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return mm2err.Wrap("diskfs.createAtomic", mm2err.DiskIo, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return mm2err.Wrap("diskfs.createAtomic", mm2err.DiskIo, err)
	}
	if err := file.Close(); err != nil {
		return mm2err.Wrap("diskfs.createAtomic", mm2err.DiskIo, err)
	}

	if err := f.fs.Rename(tmp, final); err != nil {
		return mm2err.Wrap("diskfs.createAtomic", mm2err.DiskIo, err)
	}
	if err := f.fsyncDir(dir); err != nil {
		return mm2err.Wrap("diskfs.createAtomic", mm2err.DiskIo, err)
	}
	return nil
}

// fsyncDir fsyncs a real directory fd on the real filesystem. afero's
// MemMapFs (and any non-OS backend) has no notion of a directory fd,
// so this is a no-op there — the property it guarantees (rename
// survives a crash) is meaningless without a real disk under it.
func (f *FS) fsyncDir(dir string) error {
	if _, ok := f.fs.(*afero.OsFs); !ok {
		return nil
	}
	fd, err := unix.Open(dir, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.Fsync(fd)
}

// WriteFileSync writes data to {source}/{filename} directly (no
// staging .tmp, no rename) and fsyncs it. Used for the emergency spool
// path's own .tmp/.partial/.complete rename chain (spec.md §4.4.1),
// which manages its filename transitions itself via Rename.
func (f *FS) WriteFileSync(source, filename string, data []byte) error {
	dir := f.SourceDir(source)
	path := filepath.Join(dir, filename)
	file, err := f.fs.Create(path)
	if err != nil {
		return mm2err.Wrap("diskfs.writeFileSync", mm2err.DiskIo, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return mm2err.Wrap("diskfs.writeFileSync", mm2err.DiskIo, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return mm2err.Wrap("diskfs.writeFileSync", mm2err.DiskIo, err)
	}
	return file.Close()
}

// Rename renames a file within one source's directory, for the
// .tmp -> .partial -> .complete emergency-file transitions (spec.md
// §4.4.1) that don't rewrite content.
func (f *FS) Rename(source, oldName, newName string) error {
	dir := f.SourceDir(source)
	if err := f.fs.Rename(filepath.Join(dir, oldName), filepath.Join(dir, newName)); err != nil {
		return mm2err.Wrap("diskfs.rename", mm2err.DiskIo, err)
	}
	return f.fsyncDir(dir)
}

// ReadFile reads one file's full contents.
func (f *FS) ReadFile(source, filename string) ([]byte, error) {
	b, err := afero.ReadFile(f.fs, filepath.Join(f.SourceDir(source), filename))
	if err != nil {
		return nil, mm2err.Wrap("diskfs.readFile", mm2err.DiskIo, err)
	}
	return b, nil
}

// Remove deletes a file, e.g. an unlinked .tmp abort artifact
// (spec.md §4.5 abort recovery).
func (f *FS) Remove(source, filename string) error {
	if err := f.fs.Remove(filepath.Join(f.SourceDir(source), filename)); err != nil {
		return mm2err.Wrap("diskfs.remove", mm2err.DiskIo, err)
	}
	return nil
}

// Quarantine moves a corrupt file into the source's corrupted/
// subdirectory (spec.md §4.5 step 2 / §4.4 Verifying).
func (f *FS) Quarantine(source, filename string) error {
	dir := f.SourceDir(source)
	from := filepath.Join(dir, filename)
	to := filepath.Join(dir, CorruptedDir, filename)
	if err := f.fs.Rename(from, to); err != nil {
		return mm2err.Wrap("diskfs.quarantine", mm2err.DiskIo, err)
	}
	return nil
}

// ListFiles returns filenames directly under source's directory whose
// name starts with prefix — used to enumerate
// sensor_{id}_seq_*.dat / emergency_{id}.* candidates.
func (f *FS) ListFiles(source, prefix string) ([]string, error) {
	dir := f.SourceDir(source)
	entries, err := afero.ReadDir(f.fs, dir)
	if err != nil {
		return nil, mm2err.Wrap("diskfs.listFiles", mm2err.DiskIo, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// AppendJournal appends one line to {base}/journal.log, the
// write-ahead log of (sequence_number, begin)/(sequence_number,
// commit) entries spec.md §4.5 uses to detect interrupted spool
// writes across a restart.
func (f *FS) AppendJournal(line string) error {
	path := filepath.Join(f.baseDir, "journal.log")
	file, err := f.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return mm2err.Wrap("diskfs.appendJournal", mm2err.DiskIo, err)
	}
	defer file.Close()
	if _, err := file.WriteString(line + "\n"); err != nil {
		return mm2err.Wrap("diskfs.appendJournal", mm2err.DiskIo, err)
	}
	return file.Sync()
}

// ReadJournal returns every line currently in the journal.
func (f *FS) ReadJournal() ([]string, error) {
	path := filepath.Join(f.baseDir, "journal.log")
	b, err := afero.ReadFile(f.fs, path)
	if err != nil {
		if nonExistentFile(f.fs, path) {
			return nil, nil
		}
		return nil, mm2err.Wrap("diskfs.readJournal", mm2err.DiskIo, err)
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	return lines, nil
}

// TruncateJournal clears the journal once every entry in it is fully
// committed and verified (spec.md §4.5).
func (f *FS) TruncateJournal() error {
	path := filepath.Join(f.baseDir, "journal.log")
	if err := f.fs.Truncate(path, 0); err != nil {
		if nonExistentFile(f.fs, path) {
			return nil
		}
		return mm2err.Wrap("diskfs.truncateJournal", mm2err.DiskIo, err)
	}
	return nil
}

func nonExistentFile(fs afero.Fs, path string) bool {
	exists, err := afero.Exists(fs, path)
	return err == nil && !exists
}

// JournalBeginLine / JournalCommitLine format one journal entry.
func JournalBeginLine(sequence uint64) string  { return fmt.Sprintf("begin %d", sequence) }
func JournalCommitLine(sequence uint64) string { return fmt.Sprintf("commit %d", sequence) }
