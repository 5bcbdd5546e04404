// Package resume persists per-torrent state across restarts to a boltdb
// file, adapted from the teacher's boltdbresumer: one sub-bucket per
// torrent id holding the original .torrent/magnet bytes plus a JSON
// sidecar of the settings and counters used to rebuild the torrent at
// startup.
package resume

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/boltdb/bolt"
)

var torrentsBucket = []byte("torrents")

// Priority mirrors the per-file download priority a torrent's control
// surface exposes (spec §4.F).
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
	PriorityNone
)

// Spec is the JSON sidecar stored alongside a torrent's raw metainfo/magnet
// bytes, matching the teacher's boltdbresumer.Spec field set plus the
// additions spec.md's control surface needs (FilePriorities,
// QueuePosition, Started, SeededFor, BytesWasted).
type Spec struct {
	Port            int              `json:"port"`
	Name            string           `json:"name"`
	Trackers        [][]string       `json:"trackers"`
	Info            []byte           `json:"info,omitempty"`
	Bitfield        []byte           `json:"bitfield,omitempty"`
	BytesDownloaded int64            `json:"bytes_downloaded"`
	BytesUploaded   int64            `json:"bytes_uploaded"`
	BytesWasted     int64            `json:"bytes_wasted"`
	SeededFor       time.Duration    `json:"seeded_for"`
	CreatedAt       time.Time        `json:"created_at"`
	FilePriorities  map[int]Priority `json:"file_priorities,omitempty"`
	QueuePosition   int              `json:"queue_position"`
	Started         bool             `json:"started"`
}

// ErrNotFound is returned by Read when no resume record exists for an id.
var ErrNotFound = errors.New("resume: record not found")

// Store is a boltdb-backed resume database, one top-level bucket
// ("torrents") holding one sub-bucket per torrent id.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the boltdb file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0640, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(torrentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Write creates or overwrites the resume record for id: raw is the
// original .torrent bytes or magnet URI, spec is the JSON sidecar.
func (s *Store) Write(id string, raw []byte, spec *Spec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(torrentsBucket)
		sub, err := parent.CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}
		if err := sub.Put([]byte("raw"), raw); err != nil {
			return err
		}
		return sub.Put([]byte("spec"), data)
	})
}

// WriteSpec overwrites only the JSON sidecar, leaving the raw torrent
// bytes untouched. Used for frequent updates (bitfield, byte counters)
// that shouldn't require the caller to resend the raw bytes each time.
func (s *Store) WriteSpec(id string, spec *Spec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		sub := tx.Bucket(torrentsBucket).Bucket([]byte(id))
		if sub == nil {
			return ErrNotFound
		}
		return sub.Put([]byte("spec"), data)
	})
}

// Read returns the raw bytes and sidecar for id.
func (s *Store) Read(id string) ([]byte, *Spec, error) {
	var raw []byte
	var spec Spec
	err := s.db.View(func(tx *bolt.Tx) error {
		sub := tx.Bucket(torrentsBucket).Bucket([]byte(id))
		if sub == nil {
			return ErrNotFound
		}
		raw = append([]byte(nil), sub.Get([]byte("raw"))...)
		data := sub.Get([]byte("spec"))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &spec)
	})
	if err != nil {
		return nil, nil, err
	}
	return raw, &spec, nil
}

// Delete removes id's entire resume record.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(torrentsBucket).DeleteBucket([]byte(id))
	})
}

// List returns every torrent id with a resume record, for restoring a
// session at startup.
func (s *Store) List() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(torrentsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if v == nil { // nil value means k names a nested bucket
				ids = append(ids, string(k))
			}
		}
		return nil
	})
	return ids, err
}
