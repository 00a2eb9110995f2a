// Package kv implements the durable on-disk index of forwarded event ids.
//
// Two buckets live in a single bbolt file: `events` maps event id bytes to a
// small marker and answers cold-tier dedup lookups; `forward_index` maps a
// monotonic sequence number to an event id and supports warm-start scans of
// the most recently forwarded ids.
package kv

import (
	"context"
	"encoding/binary"
	"os"
	"path"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/moltrade/relayer/internal/log"
)

// FileName is the name of the file bbolt writes to.
const FileName = "relayer.db"

// OpenPerm is the permission we will use to read the store file from disk.
const OpenPerm = 0660

var (
	eventsBucket  = []byte("events")
	forwardBucket = []byte("forward_index")
)

// present is the marker value stored against every event id.
var present = []byte{0x1}

// Store wraps the bbolt handle. Writes within one bucket are atomic; no
// cross-bucket transaction is needed because a reappearing recently-forwarded
// id costs at worst one redundant downstream send that the next tier catches.
type Store struct {
	sync.Mutex
	db *bolt.DB

	log log.Logger
}

// Open returns a Store backed by a bbolt file under folder, creating the
// folder and both buckets as needed.
func Open(ctx context.Context, l log.Logger, folder string, opts *bolt.Options) (*Store, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := os.MkdirAll(folder, 0755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path.Join(folder, FileName), OpenPerm, opts)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(eventsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(forwardBucket)
		return err
	})

	return &Store{
		log: l,
		db:  db,
	}, err
}

// PutEvent marks an event id as forwarded.
func (s *Store) PutEvent(ctx context.Context, id []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(eventsBucket).Put(id, present)
	})
}

// ContainsEvent reports whether the id has been recorded as forwarded.
func (s *Store) ContainsEvent(ctx context.Context, id []byte) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(eventsBucket).Get(id) != nil
		return nil
	})
	return found, err
}

// AppendForward appends the id to the forward index under the next sequence
// number.
func (s *Store) AppendForward(ctx context.Context, id []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(forwardBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put(sequenceKey(seq), id)
	})
}

// IterateForwardDesc walks the forward index from the newest entry backwards,
// calling fn with each event id, for at most limit entries.
func (s *Store) IterateForwardDesc(ctx context.Context, limit int, fn func(id []byte) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(forwardBucket).Cursor()
		seen := 0
		for k, v := cursor.Last(); k != nil && seen < limit; k, v = cursor.Prev() {
			id := make([]byte, len(v))
			copy(id, v)
			if err := fn(id); err != nil {
				return err
			}
			seen++
		}
		return nil
	})
}

// ApproximateEventCount performs a bucket scan and can be slow on big stores -
// use sparingly.
func (s *Store) ApproximateEventCount(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		// this `.Stats()` call is the expensive one.
		count = tx.Bucket(eventsBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		s.log.Warnw("", "kv", "error counting events", "err", err)
	}
	return count, err
}

func (s *Store) Close() error {
	err := s.db.Close()
	if err != nil {
		s.log.Errorw("", "kv", "close", "err", err)
	}
	return err
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
