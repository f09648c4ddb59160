//go:build !linux

package recovery

import (
	"github.com/iotfleet/mm2/internal/diskfs"
	"github.com/iotfleet/mm2/internal/logging"
	"github.com/iotfleet/mm2/internal/mm2err"
	"github.com/iotfleet/mm2/internal/sectorio"
	"github.com/iotfleet/mm2/internal/sensorid"
	"github.com/iotfleet/mm2/internal/sensorstate"
)

// recoveredFile mirrors the Linux build's shape so ScanSource's
// signature is identical across platforms.
type recoveredFile struct{}

// ScanSource is unreachable on the embedded target: there is no disk
// to recover from. Returns an empty result rather than an error so a
// platform-agnostic caller doesn't need a build tag of its own.
func ScanSource(fs *diskfs.FS, source sensorid.UploadSource, log *logging.Logger) (map[uint32][]*recoveredFile, error) {
	return map[uint32][]*recoveredFile{}, nil
}

// DiskStore is a no-op reader.DiskSource stand-in.
type DiskStore struct{}

// NewDiskStore returns a DiskStore with no recovered records.
func NewDiskStore(fs *diskfs.FS, source sensorid.UploadSource, recovered map[uint32][]*recoveredFile, log *logging.Logger) *DiskStore {
	return &DiskStore{}
}

// TotalRecords always reports zero: there is no disk to recover from.
func (d *DiskStore) TotalRecords(sensorstate.Config) uint32 { return 0 }

func (d *DiskStore) HasMore(sensorid.UploadSource, sensorstate.Config) bool { return false }

func (d *DiskStore) Next(sensorid.UploadSource, sensorstate.Config) (sectorio.Value, error) {
	return sectorio.Value{}, mm2err.New("recovery.next", mm2err.NoData, "no disk source on this platform")
}

func (d *DiskStore) PendingCount(sensorid.UploadSource, sensorstate.Config) uint32 { return 0 }

func (d *DiskStore) Erase(sensorid.UploadSource, sensorstate.Config, uint32) error { return nil }

func (d *DiskStore) Revert(sensorid.UploadSource, sensorstate.Config) {}
