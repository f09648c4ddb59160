// Package metricsexport adapts the engine's counter block to two
// operator-facing surfaces (SPEC_FULL.md §1/§2): a prometheus.Collector
// for a gateway process's own /metrics endpoint (the engine never opens
// that endpoint itself — no network transport is this package's job
// either), and a msgpack-encoded diagnostic snapshot for get_stats /
// get_sensor_state.
package metricsexport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vmihailenco/msgpack/v5"
)

// SourceStats is one upload source's counters, the per-source slice of
// StatsSnapshot.
type SourceStats struct {
	WritesOK         uint64 `msgpack:"writes_ok"`
	WritesFailed     uint64 `msgpack:"writes_failed"`
	Discards         uint64 `msgpack:"discards"`
	OutOfMemory      uint64 `msgpack:"out_of_memory"`
	AllPending       uint64 `msgpack:"all_pending"`
	Reads            uint64 `msgpack:"reads"`
	Reverts          uint64 `msgpack:"reverts"`
	Erases           uint64 `msgpack:"erases"`
	SectorsSpooled   uint64 `msgpack:"sectors_spooled"`
	FilesWritten     uint64 `msgpack:"files_written"`
	FilesQuarantined uint64 `msgpack:"files_quarantined"`
	SpoolerStalls    uint64 `msgpack:"spooler_stalls"`
	RecoveredRecords uint64 `msgpack:"recovered_records"`
	RecoveryFailures uint64 `msgpack:"recovery_failures"`
}

// StatsSnapshot is the get_stats diagnostic payload (spec.md §6):
// engine-wide, keyed by upload source.
type StatsSnapshot struct {
	PoolFreeCount int                    `msgpack:"pool_free_count"`
	PoolSize      int                    `msgpack:"pool_size"`
	PerSource     map[string]SourceStats `msgpack:"per_source"`
}

// SensorStateSnapshot is the get_sensor_state diagnostic payload
// (spec.md §6): a read-only view of one sensor's state block.
type SensorStateSnapshot struct {
	UploadSource     string `msgpack:"upload_source"`
	SensorID         uint32 `msgpack:"sensor_id"`
	Active           bool   `msgpack:"active"`
	Quarantined      bool   `msgpack:"quarantined"`
	TotalRecords     uint64 `msgpack:"total_records"`
	TotalDiskRecords uint64 `msgpack:"total_disk_records"`
	LastSampleTimeMs uint64 `msgpack:"last_sample_time_ms"`
	ChainLength      uint32 `msgpack:"chain_length"`
	Pending          []uint32 `msgpack:"pending"` // indexed by upload-source index
}

// EncodeSnapshot msgpack-encodes any of the diagnostic snapshot types
// above, the wire format both get_stats and get_sensor_state return
// over the (excluded) upload transport.
func EncodeSnapshot(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// SnapshotProvider is the narrow interface PrometheusCollector polls;
// the root package's *Metrics implements it via Snapshot().
type SnapshotProvider interface {
	Snapshot() StatsSnapshot
}

// PrometheusCollector adapts a SnapshotProvider to prometheus.Collector
// so a gateway process can register it with its own registry and expose
// /metrics — the engine itself never listens on a port (Non-goal: no
// transport).
type PrometheusCollector struct {
	provider SnapshotProvider

	writesOK         *prometheus.Desc
	writesFailed     *prometheus.Desc
	discards         *prometheus.Desc
	outOfMemory      *prometheus.Desc
	allPending       *prometheus.Desc
	reads            *prometheus.Desc
	reverts          *prometheus.Desc
	erases           *prometheus.Desc
	sectorsSpooled   *prometheus.Desc
	filesWritten     *prometheus.Desc
	filesQuarantined *prometheus.Desc
	spoolerStalls    *prometheus.Desc
	recoveredRecords *prometheus.Desc
	recoveryFailures *prometheus.Desc
	poolFreeCount    *prometheus.Desc
	poolSize         *prometheus.Desc
}

// NewPrometheusCollector builds a collector over provider.
func NewPrometheusCollector(provider SnapshotProvider) *PrometheusCollector {
	labels := []string{"upload_source"}
	desc := func(name, help string, variable bool) *prometheus.Desc {
		if variable {
			return prometheus.NewDesc("mm2_"+name, help, labels, nil)
		}
		return prometheus.NewDesc("mm2_"+name, help, nil, nil)
	}
	return &PrometheusCollector{
		provider:         provider,
		writesOK:         desc("writes_ok_total", "Successful write_tsd/write_evt calls.", true),
		writesFailed:     desc("writes_failed_total", "Failed write_tsd/write_evt calls.", true),
		discards:         desc("discards_total", "Embedded oldest-sector discards.", true),
		outOfMemory:      desc("out_of_memory_total", "OutOfMemory write failures.", true),
		allPending:       desc("all_pending_total", "AllPending write failures.", true),
		reads:            desc("reads_total", "Records delivered by read_bulk.", true),
		reverts:          desc("reverts_total", "revert_all_pending calls.", true),
		erases:           desc("erases_total", "erase_all_pending calls.", true),
		sectorsSpooled:   desc("sectors_spooled_total", "Sectors moved from RAM to disk.", true),
		filesWritten:     desc("files_written_total", "Spool files successfully verified.", true),
		filesQuarantined: desc("files_quarantined_total", "Spool files quarantined after CRC mismatch.", true),
		spoolerStalls:    desc("spooler_stalls_total", "Spooler watchdog resets.", true),
		recoveredRecords: desc("recovered_records_total", "Records recovered at startup.", true),
		recoveryFailures: desc("recovery_failures_total", "RecoveryFailed events.", true),
		poolFreeCount:    desc("pool_free_sectors", "Currently free sectors in the pool.", false),
		poolSize:         desc("pool_size_sectors", "Total sectors in the pool.", false),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.writesOK
	ch <- c.writesFailed
	ch <- c.discards
	ch <- c.outOfMemory
	ch <- c.allPending
	ch <- c.reads
	ch <- c.reverts
	ch <- c.erases
	ch <- c.sectorsSpooled
	ch <- c.filesWritten
	ch <- c.filesQuarantined
	ch <- c.spoolerStalls
	ch <- c.recoveredRecords
	ch <- c.recoveryFailures
	ch <- c.poolFreeCount
	ch <- c.poolSize
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.provider.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.poolFreeCount, prometheus.GaugeValue, float64(snap.PoolFreeCount))
	ch <- prometheus.MustNewConstMetric(c.poolSize, prometheus.GaugeValue, float64(snap.PoolSize))

	for source, s := range snap.PerSource {
		ch <- prometheus.MustNewConstMetric(c.writesOK, prometheus.CounterValue, float64(s.WritesOK), source)
		ch <- prometheus.MustNewConstMetric(c.writesFailed, prometheus.CounterValue, float64(s.WritesFailed), source)
		ch <- prometheus.MustNewConstMetric(c.discards, prometheus.CounterValue, float64(s.Discards), source)
		ch <- prometheus.MustNewConstMetric(c.outOfMemory, prometheus.CounterValue, float64(s.OutOfMemory), source)
		ch <- prometheus.MustNewConstMetric(c.allPending, prometheus.CounterValue, float64(s.AllPending), source)
		ch <- prometheus.MustNewConstMetric(c.reads, prometheus.CounterValue, float64(s.Reads), source)
		ch <- prometheus.MustNewConstMetric(c.reverts, prometheus.CounterValue, float64(s.Reverts), source)
		ch <- prometheus.MustNewConstMetric(c.erases, prometheus.CounterValue, float64(s.Erases), source)
		ch <- prometheus.MustNewConstMetric(c.sectorsSpooled, prometheus.CounterValue, float64(s.SectorsSpooled), source)
		ch <- prometheus.MustNewConstMetric(c.filesWritten, prometheus.CounterValue, float64(s.FilesWritten), source)
		ch <- prometheus.MustNewConstMetric(c.filesQuarantined, prometheus.CounterValue, float64(s.FilesQuarantined), source)
		ch <- prometheus.MustNewConstMetric(c.spoolerStalls, prometheus.CounterValue, float64(s.SpoolerStalls), source)
		ch <- prometheus.MustNewConstMetric(c.recoveredRecords, prometheus.CounterValue, float64(s.RecoveredRecords), source)
		ch <- prometheus.MustNewConstMetric(c.recoveryFailures, prometheus.CounterValue, float64(s.RecoveryFailures), source)
	}
}
