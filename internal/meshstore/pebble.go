package meshstore

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

const pebbleDirName = "pebble"

type pebbleKV struct {
	db *pebble.DB
}

func openPebble(dir string) (*pebbleKV, error) {
	db, err := pebble.Open(filepath.Join(dir, pebbleDirName), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &pebbleKV{db: db}, nil
}

func (p *pebbleKV) get(key []byte) ([]byte, error) {
	v, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (p *pebbleKV) put(key, value []byte) error {
	return p.db.Set(key, value, pebble.Sync)
}

func (p *pebbleKV) close() error { return p.db.Close() }
