// Package meshstore persists per-rank construction inputs and extracted
// outputs of a partitioned mesh.
package meshstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/gofrs/flock"

	"distmesh/internal/mesh"
	"distmesh/internal/meshgen"
)

type Backend string

const (
	BackendBolt   Backend = "bolt"
	BackendPebble Backend = "pebble"
)

const lockFileName = "meshstore.lock"

var (
	ErrNotFound = errors.New("meshstore: not found")
	ErrLocked   = errors.New("meshstore: directory held by another process")
)

// Meta describes the partitioned mesh held by a store.
type Meta struct {
	Peers    int       `json:"peers"`
	Dim      int       `json:"dim"`
	Etype    mesh.Type `json:"etype"`
	Vertices int64     `json:"vertices"`
	Periodic bool      `json:"periodic"`
}

// kv is the minimal keyspace the backends provide.
type kv interface {
	get(key []byte) ([]byte, error)
	put(key, value []byte) error
	close() error
}

// Store is a directory holding one mesh. Only one process may open it.
type Store struct {
	dir     string
	backend Backend
	kv      kv
	lock    *flock.Flock
}

func Open(dir string, backend Backend) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("meshstore: directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lock, err := lockDir(dir)
	if err != nil {
		return nil, err
	}

	var store kv
	switch backend {
	case BackendBolt, "":
		backend = BackendBolt
		store, err = openBolt(dir)
	case BackendPebble:
		store, err = openPebble(dir)
	default:
		err = fmt.Errorf("meshstore: unknown backend %q", backend)
	}
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return &Store{dir: dir, backend: backend, kv: store, lock: lock}, nil
}

func (s *Store) Dir() string      { return s.dir }
func (s *Store) Backend() Backend { return s.backend }

func (s *Store) Close() error {
	err := s.kv.close()
	if uerr := s.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

func (s *Store) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.kv.put([]byte(key), data)
}

func (s *Store) getJSON(key string, v any) error {
	data, err := s.kv.get([]byte(key))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("meshstore: decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) SetMeta(m Meta) error { return s.putJSON("meta", m) }

func (s *Store) Meta() (Meta, error) {
	var m Meta
	err := s.getJSON("meta", &m)
	return m, err
}

func inputKey(rank int) string  { return fmt.Sprintf("input/%06d", rank) }
func outputKey(rank int) string { return fmt.Sprintf("output/%06d", rank) }

// SaveInput stores the construction input of rank.
func (s *Store) SaveInput(rank int, p meshgen.Part) error {
	return s.putJSON(inputKey(rank), p)
}

func (s *Store) LoadInput(rank int) (meshgen.Part, error) {
	var p meshgen.Part
	err := s.getJSON(inputKey(rank), &p)
	return p, err
}

// SaveOutput stores what rank extracted from the distributed mesh.
func (s *Store) SaveOutput(rank int, p meshgen.Part) error {
	return s.putJSON(outputKey(rank), p)
}

func (s *Store) LoadOutput(rank int) (meshgen.Part, error) {
	var p meshgen.Part
	err := s.getJSON(outputKey(rank), &p)
	return p, err
}
