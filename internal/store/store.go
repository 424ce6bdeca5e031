// Package store is the bbolt-backed local datum store: it answers
// GetDatum for any hash the node holds and is the re-serving cache that
// makes a fetching node also act as a peer.
package store

import (
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDatums = []byte("datums")
	bucketPeers  = []byte("peers")
)

// ErrNotFound is returned by Get when the hash is not held locally.
var ErrNotFound = errors.New("store: datum not found")

// Store is a thin wrapper over a bbolt database holding two buckets:
// "datums", hash (32 bytes) -> encoded Datum body, and "peers", peer
// name -> peer snapshot.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt database at path and
// ensures the datum and peer buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDatums); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketPeers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores the encoded Datum body for hash, overwriting any prior value.
func (s *Store) Put(hash [32]byte, body []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDatums)
		return b.Put(hash[:], body)
	})
}

// Get returns the encoded Datum body stored for hash, or ErrNotFound.
func (s *Store) Get(hash [32]byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDatums)
		v := b.Get(hash[:])
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SavePeer stores a peer snapshot under name, overwriting any prior one.
// Snapshots let a restarted node pre-populate its directory cache; they are
// a convenience layer, not a reputation record.
func (s *Store) SavePeer(name string, snapshot []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Put([]byte(name), snapshot)
	})
}

// PeerSnapshots returns every stored peer snapshot, keyed by peer name.
func (s *Store) PeerSnapshots() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Has reports whether hash is stored locally, without copying the body.
func (s *Store) Has(hash [32]byte) bool {
	has := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDatums)
		has = b.Get(hash[:]) != nil
		return nil
	})
	return has
}
