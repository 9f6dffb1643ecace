package meshstore

import (
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	boltFileName  = "mesh.bolt"
	boltBucketKey = "mesh"
)

type boltKV struct {
	db *bolt.DB
}

func openBolt(dir string) (*boltKV, error) {
	db, err := bolt.Open(filepath.Join(dir, boltFileName), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucketKey))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltKV{db: db}, nil
}

func (b *boltKV) get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucketKey))
		if bucket == nil {
			return fmt.Errorf("bucket %s missing", boltBucketKey)
		}
		v := bucket.Get(key)
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (b *boltKV) put(key, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucketKey))
		if bucket == nil {
			return fmt.Errorf("bucket %s missing", boltBucketKey)
		}
		return bucket.Put(key, value)
	})
}

func (b *boltKV) close() error { return b.db.Close() }
