package deadletter

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/ChuLiYu/itinerary-coord/internal/storage/boltx"
)

var deadLettersBucket = []byte("dead_letters")

// BoltSink persists entries in a bbolt bucket keyed by an increasing sequence.
type BoltSink struct {
	db     *bbolt.DB
	closer bool
}

// OpenBoltSink opens (or creates) a sink database at path.
func OpenBoltSink(ctx context.Context, path string) (*BoltSink, error) {
	db, err := boltx.Open(ctx, path, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("open dead letter db: %w", err)
	}
	s, err := NewBoltSink(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.closer = true
	return s, nil
}

// NewBoltSink uses an already opened database; the caller keeps ownership.
func NewBoltSink(db *bbolt.DB) (*BoltSink, error) {
	err := db.Update(func(tx *bbolt.Tx) (err error) {
		defer boltx.Recover(&err)
		boltx.MustCreateBucketIfNotExists(tx, deadLettersBucket)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create dead letter bucket: %w", err)
	}
	return &BoltSink{db: db}, nil
}

func (s *BoltSink) Record(_ context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) (err error) {
		defer boltx.Recover(&err)
		b := boltx.MustCreateBucketIfNotExists(tx, deadLettersBucket)
		seq, err := b.NextSequence()
		boltx.Must(err)
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		boltx.MustPut(b, key, data)
		return nil
	})
}

func (s *BoltSink) List(_ context.Context, f Filter) ([]Entry, error) {
	out := make([]Entry, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := boltx.Bucket(tx, deadLettersBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode dead letter: %w", err)
			}
			if f.Match(e) {
				out = append(out, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return limit(sortEntries(out), f.Limit), nil
}

// Close closes the database if the sink opened it.
func (s *BoltSink) Close() error {
	if !s.closer {
		return nil
	}
	return s.db.Close()
}
