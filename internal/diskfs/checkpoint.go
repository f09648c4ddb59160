package diskfs

import (
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/iotfleet/mm2/internal/mm2err"
)

// FileMeta is the cached, advisory view of one tracked spool file —
// the same shape as tracked_files[...] (spec.md §3), persisted by the
// spooler once a file has been verified.
type FileMeta struct {
	Filename   string
	Sequence   uint32
	Size       uint32
	CreatedMs  uint64
	Active     bool
	Readable   bool
	Validated  bool
}

// Checkpoint is a bbolt-backed, non-authoritative cache of FileMeta
// per upload source. It is never the source of truth: startup
// recovery does not read it and always scans the directory and checks
// each file's own header/CRC (spec.md §4.5), so a stale or missing
// checkpoint changes nothing about what is recovered.
type Checkpoint struct {
	db *bolt.DB
}

// OpenCheckpoint opens (creating if absent) a bbolt database at path.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, mm2err.Wrap("diskfs.openCheckpoint", mm2err.DiskIo, err)
	}
	return &Checkpoint{db: db}, nil
}

// Close closes the underlying database.
func (c *Checkpoint) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func bucketName(source string) []byte { return []byte("source:" + source) }

// Put caches meta for filename under source.
func (c *Checkpoint) Put(source string, meta FileMeta) error {
	b, err := msgpack.Marshal(meta)
	if err != nil {
		return mm2err.Wrap("diskfs.checkpoint.put", mm2err.DiskIo, err)
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketName(source))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(meta.Filename), b)
	})
	if err != nil {
		return mm2err.Wrap("diskfs.checkpoint.put", mm2err.DiskIo, err)
	}
	return nil
}

// Delete removes filename's cached entry under source.
func (c *Checkpoint) Delete(source, filename string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(source))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(filename))
	})
	if err != nil {
		return mm2err.Wrap("diskfs.checkpoint.delete", mm2err.DiskIo, err)
	}
	return nil
}

// ForSource returns every cached FileMeta under source.
func (c *Checkpoint) ForSource(source string) ([]FileMeta, error) {
	var out []FileMeta
	err := c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(source))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var meta FileMeta
			if err := msgpack.Unmarshal(v, &meta); err != nil {
				return err
			}
			out = append(out, meta)
			return nil
		})
	})
	if err != nil {
		return nil, mm2err.Wrap("diskfs.checkpoint.forSource", mm2err.DiskIo, err)
	}
	return out, nil
}
