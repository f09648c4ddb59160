//go:build linux

// Package recovery implements Startup Recovery (spec.md §4.5): scans an
// upload source's spool directory, validates every candidate file's
// header and CRC, quarantines what doesn't check out, replays the
// write-ahead journal to clean up interrupted spool writes, and folds
// the power-down emergency file into the same per-sensor record
// stream. The result feeds reader.DiskSource so read_bulk prefers
// disk-resident records over RAM transparently (spec.md §4.3).
package recovery

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/iotfleet/mm2/internal/constants"
	"github.com/iotfleet/mm2/internal/diskfile"
	"github.com/iotfleet/mm2/internal/diskfs"
	"github.com/iotfleet/mm2/internal/logging"
	"github.com/iotfleet/mm2/internal/mm2err"
	"github.com/iotfleet/mm2/internal/pool"
	"github.com/iotfleet/mm2/internal/sectorio"
	"github.com/iotfleet/mm2/internal/sensorid"
	"github.com/iotfleet/mm2/internal/sensorstate"
)

const (
	normalFilePrefix = "sensor_"
	normalFileSuffix = ".dat"
)

// recoveredFile is one validated spool file's header plus its raw
// payload, kept in memory for the lifetime of the DiskStore — a normal
// spool file holds at most constants.SpoolerWriteBatch sectors, so
// this is never a large working set per sensor.
type recoveredFile struct {
	filename string
	sequence uint64
	header   diskfile.Header
	payload  []byte
	passedBy []bool // indexed by sensorid upload-source index; deleted once all true
}

func newRecoveredFile() []bool { return make([]bool, sensorid.Count()) }

// ScanSource walks one upload source's directory, replays its journal,
// and returns every sensor's validated files in sequence order. Any
// file that fails header/CRC validation is moved to the corrupted/
// subdirectory and excluded — a single bad file never aborts the scan
// (spec.md §4.5's non-fatal per-file failure policy).
func ScanSource(fs *diskfs.FS, source sensorid.UploadSource, log *logging.Logger) (map[uint32][]*recoveredFile, error) {
	if log == nil {
		log = logging.Default()
	}
	if err := fs.EnsureSourceDir(string(source)); err != nil {
		return nil, err
	}

	if err := replayJournal(fs, source, log); err != nil {
		log.Warn("journal replay failed, continuing with directory scan", "upload_source", string(source), "error", err)
	}

	names, err := fs.ListFiles(string(source), normalFilePrefix)
	if err != nil {
		return nil, err
	}

	out := make(map[uint32][]*recoveredFile)
	for _, name := range names {
		if !strings.HasSuffix(name, normalFileSuffix) {
			continue
		}
		sensorID, seq, ok := parseNormalFilename(name)
		if !ok {
			continue
		}
		rf, err := loadAndValidate(fs, source, name, seq)
		if err != nil {
			log.Warn("quarantining invalid spool file", "upload_source", string(source), "file", name, "error", err)
			if qerr := fs.Quarantine(string(source), name); qerr != nil {
				log.Error("failed to quarantine file", "file", name, "error", qerr)
			}
			continue
		}
		out[sensorID] = append(out[sensorID], rf)
	}

	if err := mergeEmergencyFiles(fs, source, log, out); err != nil {
		log.Warn("emergency file recovery failed", "upload_source", string(source), "error", err)
	}

	for sensorID := range out {
		sort.Slice(out[sensorID], func(i, j int) bool { return out[sensorID][i].sequence < out[sensorID][j].sequence })
	}
	return out, nil
}

func parseNormalFilename(name string) (sensorID uint32, seq uint64, ok bool) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, normalFilePrefix), normalFileSuffix)
	parts := strings.SplitN(trimmed, "_seq_", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	id, err1 := strconv.ParseUint(parts[0], 10, 32)
	s, err2 := strconv.ParseUint(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return uint32(id), s, true
}

func loadAndValidate(fs *diskfs.FS, source sensorid.UploadSource, name string, seq uint64) (*recoveredFile, error) {
	data, err := fs.ReadFile(string(source), name)
	if err != nil {
		return nil, err
	}
	if len(data) < diskfile.HeaderSize {
		return nil, mm2err.New("recovery.loadAndValidate", mm2err.DiskIo, "file shorter than header")
	}
	hdr, err := diskfile.UnmarshalHeader(data[:diskfile.HeaderSize])
	if err != nil {
		return nil, err
	}
	payload := data[diskfile.HeaderSize:]
	if err := hdr.Validate(payload); err != nil {
		return nil, err
	}
	return &recoveredFile{filename: name, sequence: seq, header: hdr, payload: payload, passedBy: newRecoveredFile()}, nil
}

// replayJournal resolves sequences with a begin line but no matching
// commit line: the spool write never completed, so its .tmp sibling
// (if still present) is unlinked rather than trusted (spec.md §4.5
// abort recovery). Once every begin has a commit, the journal is
// truncated.
func replayJournal(fs *diskfs.FS, source sensorid.UploadSource, log *logging.Logger) error {
	lines, err := fs.ReadJournal()
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}

	committed := make(map[uint64]bool)
	begun := make(map[uint64]bool)
	for _, line := range lines {
		var seq uint64
		if n, _ := fmt.Sscanf(line, "begin %d", &seq); n == 1 {
			begun[seq] = true
			continue
		}
		if n, _ := fmt.Sscanf(line, "commit %d", &seq); n == 1 {
			committed[seq] = true
		}
	}

	allResolved := true
	for seq := range begun {
		if committed[seq] {
			continue
		}
		allResolved = false
		// The sequence number alone doesn't identify which sensor's file
		// it belongs to; the rename to final already happened only on a
		// successful commit, so an uncommitted sequence's .tmp sibling,
		// if present under any sensor_*_seq_{seq}.dat.tmp name, is stale.
		names, err := fs.ListFiles(string(source), normalFilePrefix)
		if err != nil {
			continue
		}
		suffix := fmt.Sprintf("_seq_%d.dat.tmp", seq)
		for _, name := range names {
			if strings.HasSuffix(name, suffix) {
				log.Warn("removing orphaned spool tmp file from aborted write", "upload_source", string(source), "file", name)
				_ = fs.Remove(string(source), name)
			}
		}
	}

	if allResolved {
		return fs.TruncateJournal()
	}
	return nil
}

// mergeEmergencyFiles folds emergency_{id}.{partial,complete} files
// into the recovered set as a synthetic file (spec.md §4.5 step 3):
// .tmp files are always stale (no rename ever completed) and are
// unlinked; .partial and .complete are both trusted, since the
// emergency path fsyncs before either rename.
func mergeEmergencyFiles(fs *diskfs.FS, source sensorid.UploadSource, log *logging.Logger, out map[uint32][]*recoveredFile) error {
	names, err := fs.ListFiles(string(source), "emergency_")
	if err != nil {
		return err
	}
	for _, name := range names {
		switch {
		case strings.HasSuffix(name, ".tmp"):
			_ = fs.Remove(string(source), name)
		case strings.HasSuffix(name, ".partial"), strings.HasSuffix(name, ".complete"):
			sensorID, ok := parseEmergencyFilename(name)
			if !ok {
				continue
			}
			data, err := fs.ReadFile(string(source), name)
			if err != nil {
				log.Warn("failed to read emergency file", "file", name, "error", err)
				continue
			}
			rf, err := decodeEmergencyFile(name, data)
			if err != nil {
				log.Warn("quarantining invalid emergency file", "file", name, "error", err)
				_ = fs.Quarantine(string(source), name)
				continue
			}
			// Emergency records are always the newest data for a sensor:
			// give them a sequence number past any normal file's.
			rf.sequence = maxSequence(out[sensorID]) + 1
			out[sensorID] = append(out[sensorID], rf)
		}
	}
	return nil
}

func maxSequence(files []*recoveredFile) uint64 {
	var max uint64
	for _, f := range files {
		if f.sequence > max {
			max = f.sequence
		}
	}
	return max
}

func parseEmergencyFilename(name string) (uint32, bool) {
	trimmed := strings.TrimPrefix(name, "emergency_")
	trimmed = strings.TrimSuffix(strings.TrimSuffix(trimmed, ".partial"), ".complete")
	id, err := strconv.ParseUint(trimmed, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

// decodeEmergencyFile decodes a concatenation of
// diskfile.EmergencyHeader + 32-byte payload records into one
// synthetic recoveredFile sharing diskfile.Header's shape, so the
// same DiskStore decode path serves both normal and emergency data.
func decodeEmergencyFile(name string, data []byte) (*recoveredFile, error) {
	recordSize := diskfile.EmergencyHeaderSize + constants.SectorPayloadSize
	if len(data) == 0 || len(data)%recordSize != 0 {
		return nil, mm2err.New("recovery.decodeEmergencyFile", mm2err.DiskIo, "malformed emergency record stream")
	}

	var payload []byte
	var sectorType pool.SectorType
	var firstUTC, lastUTC uint64
	n := len(data) / recordSize
	for i := 0; i < n; i++ {
		rec := data[i*recordSize : (i+1)*recordSize]
		hdr, err := diskfile.UnmarshalEmergencyHeader(rec[:diskfile.EmergencyHeaderSize])
		if err != nil {
			return nil, err
		}
		sectorPayload := rec[diskfile.EmergencyHeaderSize:]
		if err := hdr.Validate(sectorPayload); err != nil {
			return nil, err
		}
		if i == 0 {
			sectorType = hdr.SectorType
			firstUTC = hdr.TimestampMs
		}
		lastUTC = hdr.TimestampMs
		payload = append(payload, sectorPayload...)
	}

	return &recoveredFile{
		filename: name,
		header: diskfile.Header{
			Magic:            constants.NormalFileMagic,
			SectorType:       sectorType,
			ConversionStatus: diskfile.UTCKnown,
			FormatVersion:    uint8(constants.FormatVersion),
			RecordCount:      uint16(n * sectorCapacity(sectorType)),
			FirstUTCMs:       firstUTC,
			LastUTCMs:        lastUTC,
			DataSize:         uint32(len(payload)),
		},
		payload:  payload,
		passedBy: newRecoveredFile(),
	}, nil
}

func sectorCapacity(t pool.SectorType) int {
	if t == pool.SectorEVT {
		return constants.EVTPairsPerSector
	}
	return constants.TSDValuesPerSector
}

// diskCursor is the disk-side analogue of sensorstate.PendingCursor:
// one per upload source per sensor, since each source reads/acks the
// same sensor's disk-resident data independently (spec.md §4.3).
type diskCursor struct {
	fileIdx    int
	recordIdx  int
	pending    uint32
	erasedFile int
	erasedRec  int
	erasedPend uint32
}

type sensorDisk struct {
	mu      sync.Mutex
	files   []*recoveredFile
	cursors []diskCursor
}

func newSensorDisk(files []*recoveredFile) *sensorDisk {
	return &sensorDisk{files: files, cursors: make([]diskCursor, sensorid.Count())}
}

func totalRecords(f *recoveredFile) int { return int(f.header.RecordCount) }

// DiskStore implements reader.DiskSource over one upload source's
// recovered spool files.
type DiskStore struct {
	fs     *diskfs.FS
	source sensorid.UploadSource
	log    *logging.Logger

	mu      sync.Mutex
	sensors map[uint32]*sensorDisk
}

// NewDiskStore builds a DiskStore from ScanSource's result.
func NewDiskStore(fs *diskfs.FS, source sensorid.UploadSource, recovered map[uint32][]*recoveredFile, log *logging.Logger) *DiskStore {
	if log == nil {
		log = logging.Default()
	}
	sensors := make(map[uint32]*sensorDisk, len(recovered))
	for id, files := range recovered {
		sensors[id] = newSensorDisk(files)
	}
	return &DiskStore{fs: fs, source: source, log: log, sensors: sensors}
}

// TotalRecords returns the sum of validated files' record counts for
// cfg's sensor (spec.md §4.5 step 5: "Recompute state.total_disk_records
// as the sum of validated files' record counts for this sensor").
func (d *DiskStore) TotalRecords(cfg sensorstate.Config) uint32 {
	d.mu.Lock()
	sd, ok := d.sensors[uint32(cfg.ID)]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()
	var total uint32
	for _, f := range sd.files {
		total += uint32(f.header.RecordCount)
	}
	return total
}

func (d *DiskStore) lookup(cfg sensorstate.Config) *sensorDisk {
	d.mu.Lock()
	defer d.mu.Unlock()
	sd, ok := d.sensors[uint32(cfg.ID)]
	if !ok {
		sd = newSensorDisk(nil)
		d.sensors[uint32(cfg.ID)] = sd
	}
	return sd
}

func sourceIdx(source sensorid.UploadSource) int {
	id := sensorid.Identity{UploadSource: source}
	return id.Index()
}

// HasMore reports whether source still has unread disk records for cfg.
func (d *DiskStore) HasMore(source sensorid.UploadSource, cfg sensorstate.Config) bool {
	sd := d.lookup(cfg)
	sd.mu.Lock()
	defer sd.mu.Unlock()
	c := &sd.cursors[sourceIdx(source)]
	return c.fileIdx < len(sd.files)
}

// Next decodes and returns the next unread disk record for (source, cfg).
func (d *DiskStore) Next(source sensorid.UploadSource, cfg sensorstate.Config) (sectorio.Value, error) {
	sd := d.lookup(cfg)
	sd.mu.Lock()
	defer sd.mu.Unlock()
	c := &sd.cursors[sourceIdx(source)]

	if c.fileIdx >= len(sd.files) {
		return sectorio.Value{}, mm2err.New("recovery.next", mm2err.NoData, "no more disk records")
	}
	f := sd.files[c.fileIdx]
	v := decodeAt(f, c.recordIdx, cfg.SampleRateMs)

	c.recordIdx++
	c.pending++
	if c.recordIdx >= totalRecords(f) {
		c.fileIdx++
		c.recordIdx = 0
	}
	return v, nil
}

func decodeAt(f *recoveredFile, idx int, sampleRateMs uint32) sectorio.Value {
	capacity := sectorCapacity(f.header.SectorType)
	sectorIdx := idx / capacity
	within := idx % capacity
	start := sectorIdx * constants.SectorPayloadSize
	var sec pool.Sector
	copy(sec[:], f.payload[start:start+constants.SectorPayloadSize])

	if f.header.SectorType == pool.SectorEVT {
		return sectorio.Value{Value: sectorio.EVTValue(&sec, within), UTCMs: sectorio.EVTTimestamp(&sec, within)}
	}
	return sectorio.Value{Value: sectorio.TSDValue(&sec, within), UTCMs: sectorio.TSDTimestamp(&sec, within, sampleRateMs)}
}

// PendingCount returns how many disk records source has read but not
// yet acked for cfg.
func (d *DiskStore) PendingCount(source sensorid.UploadSource, cfg sensorstate.Config) uint32 {
	sd := d.lookup(cfg)
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.cursors[sourceIdx(source)].pending
}

// Erase acks n disk records for (source, cfg): advances the erase
// high-water mark and, once every known upload source has passed a
// file, deletes it (spec.md §4.5's disk-side analogue of RAM sector
// reclaim — every source folds itself into a full ack before bytes
// are freed, the same multi-source discipline the pool applies to
// in-RAM sectors via the pending bitmask).
func (d *DiskStore) Erase(source sensorid.UploadSource, cfg sensorstate.Config, n uint32) error {
	sd := d.lookup(cfg)
	sd.mu.Lock()
	idx := sourceIdx(source)
	c := &sd.cursors[idx]
	if n > c.pending {
		sd.mu.Unlock()
		return mm2err.New("recovery.erase", mm2err.InvalidParameter, "erase count exceeds pending disk records")
	}
	c.pending -= n
	c.erasedFile = c.fileIdx
	c.erasedRec = c.recordIdx
	c.erasedPend = c.pending

	toDelete := markPassed(sd, idx)
	sd.mu.Unlock()

	for _, name := range toDelete {
		if err := d.fs.Remove(string(d.source), name); err != nil {
			d.log.Warn("failed to remove fully-acked spool file", "file", name, "error", err)
		}
	}
	return nil
}

// markPassed marks every file strictly before sd.cursors[idx]'s
// fileIdx as passed by idx, and returns filenames now passed by every
// known upload source. Must be called with sd.mu held.
func markPassed(sd *sensorDisk, idx int) []string {
	var toDelete []string
	passedUpTo := sd.cursors[idx].fileIdx
	for i := 0; i < passedUpTo && i < len(sd.files); i++ {
		f := sd.files[i]
		if f.passedBy[idx] {
			continue
		}
		f.passedBy[idx] = true
		if allPassed(f) {
			toDelete = append(toDelete, f.filename)
		}
	}
	return toDelete
}

func allPassed(f *recoveredFile) bool {
	for _, p := range f.passedBy {
		if !p {
			return false
		}
	}
	return true
}

// Revert rewinds source's disk read cursor back to its last Erase
// high-water mark, mirroring sensorstate.PendingCursor.RevertToErasePoint
// for disk-resident records (spec.md §4.3 revert_all_pending).
func (d *DiskStore) Revert(source sensorid.UploadSource, cfg sensorstate.Config) {
	sd := d.lookup(cfg)
	sd.mu.Lock()
	defer sd.mu.Unlock()
	c := &sd.cursors[sourceIdx(source)]
	c.fileIdx = c.erasedFile
	c.recordIdx = c.erasedRec
	c.pending = c.erasedPend
}
