// Command mm2sim is a simulation/benchmark harness for the MM2
// storage engine, playing the role the teacher's cmd/ublk-mem demo
// played: a runnable example of the library, not a product surface.
// It configures a handful of synthetic sensors, writes TSD load
// against them, drives Tick, and prints a stats snapshot.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	mm2 "github.com/iotfleet/mm2"
	"github.com/iotfleet/mm2/internal/logging"
)

func main() {
	var (
		embedded = flag.Bool("embedded", false, "simulate the embedded (RAM-only) platform instead of the gateway")
		sensors  = flag.Int("sensors", 4, "number of synthetic sensors to configure")
		records  = flag.Int("records", 5000, "total TSD records to write, spread across sensors")
		diskPath = flag.String("disk-path", "", "disk_base_path for the gateway target (defaults to a temp dir)")
		verbose  = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg := mm2.DefaultConfig(*embedded)
	cfg.Logger = logger
	if !*embedded {
		base := *diskPath
		if base == "" {
			dir, err := os.MkdirTemp("", "mm2sim-*")
			if err != nil {
				logger.Error("failed to create temp disk dir", "error", err)
				os.Exit(1)
			}
			base = dir
		}
		cfg.DiskBasePath = base
		logger.Info("gateway target: spooling to disk", "disk_base_path", base)
	} else {
		logger.Info("embedded target: RAM-only, oldest-sector discard on overflow")
	}

	engine, err := mm2.Init(cfg)
	if err != nil {
		logger.Error("init failed", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if *embedded {
		// The embedded target gates writes on UTC availability until an
		// external time sync calls set_utc_available; the simulator has
		// no such collaborator, so it satisfies the gate itself.
		engine.SetUTCAvailable(true)
	}

	type sensor struct {
		source mm2.UploadSource
		cfg    mm2.SensorConfig
		state  *mm2.SensorState
	}

	sources := []mm2.UploadSource{mm2.Gateway, mm2.BLE, mm2.CAN, mm2.Telemetry, mm2.Diagnostics, mm2.Hosted}
	fleet := make([]*sensor, 0, *sensors)
	for i := 0; i < *sensors; i++ {
		s := &sensor{
			source: sources[i%len(sources)],
			cfg:    mm2.SensorConfig{ID: mm2.SensorID(i + 1), SampleRateMs: 1000},
			state:  mm2.NewSensorState(),
		}
		if err := engine.ConfigureSensor(s.source, s.cfg, s.state); err != nil {
			logger.Error("configure_sensor failed", "sensor", i, "error", err)
			os.Exit(1)
		}
		if !*embedded {
			if err := engine.RecoverSensor(s.source, s.cfg, s.state); err != nil {
				logger.Warn("recover_sensor failed", "sensor", i, "error", err)
			}
		}
		if err := engine.ActivateSensor(s.source, s.cfg, s.state); err != nil {
			logger.Error("activate_sensor failed", "sensor", i, "error", err)
			os.Exit(1)
		}
		fleet = append(fleet, s)
	}

	logger.Info("configured synthetic fleet", "sensors", len(fleet), "records_target", *records)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	start := time.Now()
	simClockMs := uint64(time.Now().UnixMilli())
	written, failed := 0, 0

loop:
	for i := 0; i < *records; i++ {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal, simulating power-down")
			break loop
		default:
		}

		s := fleet[i%len(fleet)]
		simClockMs += uint64(s.cfg.SampleRateMs)
		if err := engine.WriteTSD(s.source, s.cfg, s.state, uint32(i)); err != nil {
			failed++
			if mm2.IsCode(err, mm2.OutOfMemory) || mm2.IsCode(err, mm2.AllPending) {
				logger.Debug("write dropped under pressure", "sensor_index", i%len(fleet), "error", err)
			}
		} else {
			written++
		}

		if i%50 == 0 {
			engine.Tick(simClockMs)
		}
	}
	engine.Tick(simClockMs)

	for i, s := range fleet {
		if err := engine.ShutdownSensor(s.source, s.cfg, s.state, 250); err != nil {
			logger.Warn("shutdown_sensor failed", "sensor", i, "error", err)
		}
	}

	elapsed := time.Since(start)
	fmt.Printf("wrote %d records (%d dropped) across %d sensors in %s\n", written, failed, len(fleet), elapsed)

	snap := engine.GetStats()
	fmt.Printf("pool: %d/%d sectors free\n", snap.PoolFreeCount, snap.PoolSize)
	for source, s := range snap.PerSource {
		if s.WritesOK == 0 && s.WritesFailed == 0 {
			continue
		}
		fmt.Printf("  %-12s writes_ok=%d writes_failed=%d discards=%d sectors_spooled=%d files_written=%d\n",
			source, s.WritesOK, s.WritesFailed, s.Discards, s.SectorsSpooled, s.FilesWritten)
	}

	encoded, err := msgpack.Marshal(snap)
	if err != nil {
		logger.Warn("failed to encode stats snapshot", "error", err)
	} else {
		fmt.Printf("stats snapshot: %d msgpack bytes\n", len(encoded))
	}
}
