// Package mm2 is the public API facade for the tiered sensor-data
// storage engine: a fixed RAM sector pool with per-sensor chains,
// disk spooling on the gateway platform, and the read/ack/nack
// contract the upload pipeline consumes. Engine wires together the
// internal/* packages (pool, writer, reader, spool, recovery,
// timeauth) behind the operation set spec.md §6 names; callers never
// touch those packages directly.
package mm2

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/iotfleet/mm2/internal/diskfs"
	"github.com/iotfleet/mm2/internal/logging"
	"github.com/iotfleet/mm2/internal/metricsexport"
	"github.com/iotfleet/mm2/internal/mm2err"
	"github.com/iotfleet/mm2/internal/pool"
	"github.com/iotfleet/mm2/internal/reader"
	"github.com/iotfleet/mm2/internal/recovery"
	"github.com/iotfleet/mm2/internal/sensorid"
	"github.com/iotfleet/mm2/internal/sensorstate"
	"github.com/iotfleet/mm2/internal/spool"
	"github.com/iotfleet/mm2/internal/timeauth"
	"github.com/iotfleet/mm2/internal/writer"
)

const checkpointFilename = "checkpoint.db"

// diskAdapter implements reader.DiskSource by dispatching to the
// per-upload-source recovery.DiskStore recovered lazily by
// RecoverSensor — one Reader instance serves every upload source
// since DiskSource's own methods already carry (source, cfg).
// Before a source's first RecoverSensor call, every method behaves as
// "no disk data yet", matching the embedded stub's behavior exactly.
type diskAdapter struct {
	mu     sync.RWMutex
	stores map[sensorid.UploadSource]*recovery.DiskStore
}

func newDiskAdapter() *diskAdapter {
	return &diskAdapter{stores: make(map[sensorid.UploadSource]*recovery.DiskStore)}
}

func (d *diskAdapter) set(source sensorid.UploadSource, store *recovery.DiskStore) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stores[source] = store
}

func (d *diskAdapter) get(source sensorid.UploadSource) (*recovery.DiskStore, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.stores[source]
	return s, ok
}

func (d *diskAdapter) HasMore(source sensorid.UploadSource, cfg sensorstate.Config) bool {
	s, ok := d.get(source)
	if !ok {
		return false
	}
	return s.HasMore(source, cfg)
}

func (d *diskAdapter) Next(source sensorid.UploadSource, cfg sensorstate.Config) (Value, error) {
	s, ok := d.get(source)
	if !ok {
		return Value{}, mm2err.New("reader.next", mm2err.NoData, "no recovered disk data for this source yet")
	}
	return s.Next(source, cfg)
}

func (d *diskAdapter) PendingCount(source sensorid.UploadSource, cfg sensorstate.Config) uint32 {
	s, ok := d.get(source)
	if !ok {
		return 0
	}
	return s.PendingCount(source, cfg)
}

func (d *diskAdapter) Erase(source sensorid.UploadSource, cfg sensorstate.Config, n uint32) error {
	s, ok := d.get(source)
	if !ok {
		if n == 0 {
			return nil
		}
		return mm2err.New("reader.erase", mm2err.InvalidParameter, "erase count exceeds pending disk records")
	}
	return s.Erase(source, cfg, n)
}

func (d *diskAdapter) Revert(source sensorid.UploadSource, cfg sensorstate.Config) {
	if s, ok := d.get(source); ok {
		s.Revert(source, cfg)
	}
}

// multiSignaler fans SignalPressure out to every upload source's
// spooler: writer.GatewayOverflow's signal has no source parameter,
// but one Writer instance is shared by every upload source, so a
// pressure nudge from any sensor's write is broadcast to all
// spoolers. The map is built once at Init and never mutated
// afterward, so concurrent reads need no lock.
type multiSignaler struct {
	spoolers map[sensorid.UploadSource]*spool.Spooler
}

func (m multiSignaler) SignalPressure() {
	for _, sp := range m.spoolers {
		sp.SignalPressure()
	}
}

// Engine is the facade over every internal/* component. Callers build
// exactly one per process via Init and address sensors through it by
// the (upload_source, &config, &state) identity triple (spec.md §3);
// the Engine itself holds no sensor data beyond the thin registry the
// spooler needs.
type Engine struct {
	cfg     Config
	pool    *pool.Pool
	time    *timeauth.Authority
	metrics *Metrics

	registry *sensorid.Registry
	writer   *writer.Writer
	reader   *reader.Reader
	log      *logging.Logger

	fs         *diskfs.FS
	checkpoint *diskfs.Checkpoint
	disk       *diskAdapter
	spoolers   map[sensorid.UploadSource]*spool.Spooler

	scanMu  sync.Mutex
	scanned map[sensorid.UploadSource]bool
}

// Init allocates the sector pool and wires every component per cfg
// (spec.md §6: "Allocates pool; idempotent per process" — idempotence
// is the caller's responsibility, since Init returns a fresh Engine
// rather than mutating global state).
func Init(cfg Config) (*Engine, error) {
	return initWithFs(cfg, afero.NewOsFs())
}

// initWithFs is Init with the disk filesystem injected, so tests can
// pass afero.NewMemMapFs() and exercise the gateway target's disk
// behavior without touching the real filesystem.
func initWithFs(cfg Config, osFs afero.Fs) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}

	e := &Engine{
		cfg:      cfg,
		pool:     pool.New(cfg.sectorCount(), log),
		time:     timeauth.New(cfg.Embedded, log),
		metrics:  NewMetrics(),
		registry: sensorid.NewRegistry(),
		log:      log,
		disk:     newDiskAdapter(),
		spoolers: make(map[sensorid.UploadSource]*spool.Spooler, sensorid.Count()),
		scanned:  make(map[sensorid.UploadSource]bool, sensorid.Count()),
	}

	if !cfg.Embedded {
		e.fs = diskfs.New(osFs, cfg.DiskBasePath, log)
		cp, err := diskfs.OpenCheckpoint(filepath.Join(cfg.DiskBasePath, checkpointFilename))
		if err != nil {
			// Non-authoritative cache: recovery never reads it, so a
			// failure to open it only means no entries are recorded.
			log.Warn("checkpoint cache unavailable, recovery will do a full scan", "error", err)
		} else {
			e.checkpoint = cp
		}
	}

	// The embedded target never spools to disk regardless of which
	// GOOS binary it runs on (Embedded is a runtime policy flag, not a
	// build tag) — on a Linux-embedded build the spool state machine
	// would otherwise still fire off pool-pressure transitions against
	// a nil *diskfs.FS, since free-pool-pct pressure is platform-blind.
	if !cfg.Embedded {
		spoolCfg := spool.Config{
			PerSourceByteLimit:  cfg.PerSourceByteLimit,
			FileRotationBytes:   cfg.FileRotationBytes,
			SpoolPressurePct:    cfg.SpoolPressurePct,
			MaxTrackedFiles:     cfg.MaxTrackedFilesPerSource,
			EmergencyDeadlineMs: cfg.EmergencyDeadlineMs,
		}
		for _, source := range sensorid.AllUploadSources {
			sp := spool.NewSpooler(source, e.registry, e.pool, e.fs, spoolCfg, e.metrics, log.WithUploadSource(string(source)))
			sp.SetCheckpoint(e.checkpoint)
			e.spoolers[source] = sp
		}
	}

	var overflow writer.OverflowHandler
	if cfg.Embedded {
		overflow = writer.EmbeddedOverflow{Metrics: e.metrics}
	} else {
		overflow = writer.GatewayOverflow{Signal: multiSignaler{spoolers: e.spoolers}}
	}
	e.writer = writer.New(e.pool, e.time, overflow, e.metrics, log)

	if cfg.Embedded {
		e.reader = reader.New(e.pool, nil, e.metrics, log)
	} else {
		e.reader = reader.New(e.pool, e.disk, e.metrics, log)
	}

	return e, nil
}

// Close releases resources Init opened (currently just the checkpoint
// database). Safe to call on an embedded Engine, where it's a no-op.
func (e *Engine) Close() error {
	if e.checkpoint != nil {
		return e.checkpoint.Close()
	}
	return nil
}

// SetUTCAvailable marks UTC as known (or revokes it) after an external
// time sync completes (spec.md §4.6's set_utc_available). A no-op on
// the gateway target, which is always UTC-available from Init. On the
// embedded target, writes block up to writer.UTCWaitTimeout waiting
// for this call before failing with Timeout.
func (e *Engine) SetUTCAvailable(v bool) {
	e.time.SetUTCAvailable(v)
}

func identity(source sensorid.UploadSource, cfg sensorstate.Config) (sensorid.Identity, error) {
	id := sensorid.Identity{UploadSource: source, SensorID: cfg.ID}
	if id.Index() < 0 {
		return id, mm2err.ForSensor("engine", string(source), uint32(cfg.ID), mm2err.InvalidParameter, "unknown upload source")
	}
	return id, nil
}

// ConfigureSensor zero-initializes state and registers it in the
// active-sensor list the spooler and diagnostics consult (spec.md
// §6). It does not itself mark the sensor active — ActivateSensor
// does, so a caller can configure every sensor at boot and activate
// them only once calibration/config loading (excluded collaborators)
// completes.
func (e *Engine) ConfigureSensor(source sensorid.UploadSource, cfg SensorConfig, state *SensorState) error {
	id, err := identity(source, cfg)
	if err != nil {
		return err
	}
	state.Lock()
	sensorstate.Configure(state)
	state.Unlock()
	e.registry.Register(id, state)
	return nil
}

// ActivateSensor marks a configured sensor ready to accept writes.
func (e *Engine) ActivateSensor(source sensorid.UploadSource, cfg SensorConfig, state *SensorState) error {
	id, err := identity(source, cfg)
	if err != nil {
		return err
	}
	state.Lock()
	state.Active = true
	state.Unlock()
	e.registry.Register(id, state)
	return nil
}

// DeactivateSensor flushes pending RAM to disk on the gateway target
// on a best-effort basis (reusing the emergency write path, since it
// is already the chain's only "drain whatever isn't pending, right
// now" routine) before clearing Active and removing the sensor from
// the active-sensor list.
func (e *Engine) DeactivateSensor(source sensorid.UploadSource, cfg SensorConfig, state *SensorState) error {
	id, err := identity(source, cfg)
	if err != nil {
		return err
	}

	if !e.cfg.Embedded {
		if sp, ok := e.spoolers[source]; ok {
			deadline := time.Now().Add(500 * time.Millisecond)
			if ferr := sp.EmergencyFlush(uint32(cfg.ID), state, deadline); ferr != nil {
				e.log.Warn("best-effort deactivate flush failed", "upload_source", string(source), "sensor_id", uint32(cfg.ID), "error", ferr)
			}
		}
	}

	state.Lock()
	state.Active = false
	state.Unlock()
	e.registry.Unregister(id)
	return nil
}

// WriteTSD appends one periodic sample (spec.md §4.2).
func (e *Engine) WriteTSD(source sensorid.UploadSource, cfg SensorConfig, state *SensorState, value uint32) error {
	return e.writer.WriteTSD(source, cfg, state, value)
}

// WriteEVT appends one explicitly timestamped event (spec.md §4.2).
func (e *Engine) WriteEVT(source sensorid.UploadSource, cfg SensorConfig, state *SensorState, value uint32, utcMs uint64) error {
	return e.writer.WriteEVT(source, cfg, state, value, utcMs)
}

// NewSampleCount returns the authoritative unread-record count
// (spec.md §4.3).
func (e *Engine) NewSampleCount(source sensorid.UploadSource, cfg SensorConfig, state *SensorState) (uint32, error) {
	return e.reader.NewSampleCount(source, cfg, state)
}

// ReadBulk delivers up to min(requested, len(out)) records, disk
// before RAM, advancing the source's pending cursor (spec.md §4.3).
func (e *Engine) ReadBulk(source sensorid.UploadSource, cfg SensorConfig, state *SensorState, out []Value, requested int) (int, error) {
	return e.reader.ReadBulk(source, cfg, state, out, requested)
}

// RevertAllPending rewinds a source's pending cursor to its last
// erase point (spec.md §4.3).
func (e *Engine) RevertAllPending(source sensorid.UploadSource, cfg SensorConfig, state *SensorState) error {
	return e.reader.RevertAllPending(source, cfg, state)
}

// EraseAllPending advances a source's acked high-water mark by
// recordCount, reclaiming fully-acked sectors and disk files (spec.md
// §4.3).
func (e *Engine) EraseAllPending(source sensorid.UploadSource, cfg SensorConfig, state *SensorState, recordCount uint32) error {
	return e.reader.EraseAllPending(source, cfg, state, recordCount)
}

// RecoverSensor replays a source's persisted state into state before
// it accepts its first write after boot (spec.md §4.5). The directory
// scan itself runs once per upload source, not once per sensor — the
// first sensor of a source to recover pays for the scan, every
// subsequent sensor just looks up its own slice of the result.
//
// A no-op returning nil on the embedded target, matching the stub
// DiskStore's "no disk to recover from" behavior.
func (e *Engine) RecoverSensor(source sensorid.UploadSource, cfg SensorConfig, state *SensorState) error {
	id, err := identity(source, cfg)
	if err != nil {
		return err
	}
	if e.cfg.Embedded {
		return nil
	}

	e.scanMu.Lock()
	if !e.scanned[source] {
		recovered, serr := recovery.ScanSource(e.fs, source, e.log.WithUploadSource(string(source)))
		if serr != nil {
			e.scanMu.Unlock()
			e.metrics.IncRecoveryFailure(source)
			return mm2err.ForSensor("recover_sensor", string(source), uint32(id.SensorID), mm2err.RecoveryFailed, serr.Error())
		}
		e.disk.set(source, recovery.NewDiskStore(e.fs, source, recovered, e.log.WithUploadSource(string(source))))
		e.scanned[source] = true
	}
	e.scanMu.Unlock()

	store, _ := e.disk.get(source)
	total := store.TotalRecords(cfg)

	state.Lock()
	state.TotalDiskRecords = total
	state.Unlock()

	e.metrics.IncRecovered(source, int(total))
	return nil
}

// Tick drives every upload source's spooler state machine one step,
// plus rollover detection, within the §5/§6 tick budget. Per spec.md
// §7 a tick never surfaces errors to its caller — failures are logged
// and reflected in Metrics instead. Sources with no sensors in the
// registry (configured or active) are skipped unless Config.CleanupOrphanedSources is set, resolving
// spec.md §9's open question in favor of the spec's own
// recommendation (see DESIGN.md).
func (e *Engine) Tick(nowMs uint64) {
	e.time.Tick(nowMs)

	var g errgroup.Group
	for _, source := range sensorid.AllUploadSources {
		sp, ok := e.spoolers[source]
		if !ok {
			continue
		}
		if !e.cfg.CleanupOrphanedSources && len(e.registry.ForSource(source)) == 0 {
			continue
		}
		source, sp := source, sp
		g.Go(func() error {
			if err := sp.Tick(nowMs); err != nil {
				e.log.Warn("spooler tick reported an error", "upload_source", string(source), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ShutdownSensor bypasses the normal spool state machine and flushes
// every non-pending RAM sector to an emergency file before deadlineMs
// elapses (spec.md §4.4.1). On the embedded target there is no disk
// to flush to — ShutdownSensor only marks the sensor shutting down,
// which is enough for the writer to reject further writes.
func (e *Engine) ShutdownSensor(source sensorid.UploadSource, cfg SensorConfig, state *SensorState, deadlineMs uint64) error {
	id, err := identity(source, cfg)
	if err != nil {
		return err
	}

	state.Lock()
	state.ShuttingDown = true
	state.Unlock()

	if e.cfg.Embedded {
		return nil
	}

	sp, ok := e.spoolers[source]
	if !ok {
		return mm2err.ForSensor("shutdown_sensor", string(source), uint32(id.SensorID), mm2err.InvalidParameter, "unknown upload source")
	}
	deadline := time.Now().Add(time.Duration(deadlineMs) * time.Millisecond)
	return sp.EmergencyFlush(uint32(cfg.ID), state, deadline)
}

// GetStats returns a snapshot of every counter plus the pool's
// current occupancy (spec.md §6 read-only diagnostics).
func (e *Engine) GetStats() metricsexport.StatsSnapshot {
	snap := e.metrics.Snapshot()
	snap.PoolFreeCount = e.pool.FreeCount()
	snap.PoolSize = e.pool.Size()
	return snap
}

// GetSensorState returns a read-only snapshot of one sensor's state
// block (spec.md §6 read-only diagnostics).
func (e *Engine) GetSensorState(source sensorid.UploadSource, cfg SensorConfig, state *SensorState) (metricsexport.SensorStateSnapshot, error) {
	if _, err := identity(source, cfg); err != nil {
		return metricsexport.SensorStateSnapshot{}, err
	}

	state.Lock()
	defer state.Unlock()

	chainLen, _ := e.pool.ChainLength(state.RAMStart)
	pending := make([]uint32, len(state.Pending))
	for i, c := range state.Pending {
		pending[i] = c.Count
	}

	return metricsexport.SensorStateSnapshot{
		UploadSource:     string(source),
		SensorID:         uint32(cfg.ID),
		Active:           state.Active,
		Quarantined:      state.Quarantined,
		TotalRecords:     state.TotalRecords,
		TotalDiskRecords: state.TotalDiskRecords,
		LastSampleTimeMs: state.LastSampleTimeMs,
		ChainLength:      chainLen,
		Pending:          pending,
	}, nil
}

// ValidateChain walks a sensor's RAM chain verifying in_use, uniform
// ownership, and no revisits (spec.md §4.1). A detected corruption
// quarantines the sensor — further writes are rejected until operator
// action, per spec.md §7's CorruptChain contract.
func (e *Engine) ValidateChain(state *SensorState) error {
	state.Lock()
	head := state.RAMStart
	err := e.pool.ValidateChain(head)
	if err != nil {
		state.Quarantined = true
	}
	state.Unlock()
	return err
}
