package docstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/ChuLiYu/itinerary-coord/internal/storage/boltx"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// bucket 結構:
//
//	documents/<document id>/
//	  doc          → 目前文件 JSON
//	  revisions/   → ToVersion (big endian) → Revision JSON
//	  keys/        → 冪等鍵 → ToVersion
//	  escalations/ → NextSequence → Escalation JSON
var (
	documentsBucket   = []byte("documents")
	revisionsBucket   = []byte("revisions")
	keysBucket        = []byte("keys")
	escalationsBucket = []byte("escalations")
	docKey            = []byte("doc")
)

// Bolt 以 bbolt 保存文件。bbolt 同時只有一個寫入交易，
// 不同文件的 Commit 會短暫排隊，但不會互相造成版本衝突。
type Bolt struct {
	db     *bbolt.DB
	closer bool
}

var _ Store = (*Bolt)(nil)

// OpenBolt opens (or creates) the document database at path.
func OpenBolt(ctx context.Context, path string) (*Bolt, error) {
	db, err := boltx.Open(ctx, path, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("open document db: %w", err)
	}
	s, err := NewBolt(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.closer = true
	return s, nil
}

// NewBolt uses an already opened database; the caller keeps ownership.
func NewBolt(db *bbolt.DB) (*Bolt, error) {
	err := db.Update(func(tx *bbolt.Tx) (err error) {
		defer boltx.Recover(&err)
		boltx.MustCreateBucketIfNotExists(tx, documentsBucket)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create documents bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func versionKey(v int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(v))
	return k
}

func docBucket(tx *bbolt.Tx, id types.DocumentID) *bbolt.Bucket {
	return boltx.Bucket(tx, documentsBucket, []byte(id))
}

func readDoc(b *bbolt.Bucket) (*types.Document, error) {
	var doc types.Document
	if err := json.Unmarshal(b.Get(docKey), &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc.Elements == nil {
		doc.Elements = make(map[string]types.Element)
	}
	return &doc, nil
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	boltx.Must(err)
	return data
}

func (s *Bolt) Create(_ context.Context, doc *types.Document) error {
	return s.db.Update(func(tx *bbolt.Tx) (err error) {
		defer boltx.Recover(&err)
		if docBucket(tx, doc.ID) != nil {
			return ErrDocumentExists
		}
		b := boltx.MustCreateBucketIfNotExists(tx, documentsBucket, []byte(doc.ID))
		boltx.MustPut(b, docKey, mustMarshal(doc))
		return nil
	})
}

func (s *Bolt) Load(_ context.Context, id types.DocumentID) (*types.Document, error) {
	var doc *types.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := docBucket(tx, id)
		if b == nil {
			return ErrDocumentNotFound
		}
		var err error
		doc, err = readDoc(b)
		return err
	})
	return doc, err
}

func (s *Bolt) Commit(_ context.Context, doc *types.Document, rev types.Revision) error {
	if err := checkCommit(doc, rev); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) (err error) {
		defer boltx.Recover(&err)
		b := docBucket(tx, doc.ID)
		if b == nil {
			return ErrDocumentNotFound
		}
		cur, err := readDoc(b)
		if err != nil {
			return err
		}
		if cur.Version != rev.FromVersion {
			return ErrVersionConflict
		}

		boltx.MustPut(b, docKey, mustMarshal(doc))
		revs := boltx.MustCreateBucketIfNotExists(b, revisionsBucket)
		boltx.MustPut(revs, versionKey(rev.ToVersion), mustMarshal(rev))
		if key := rev.ChangeSet.IdempotencyKey; key != "" {
			keys := boltx.MustCreateBucketIfNotExists(b, keysBucket)
			boltx.MustPut(keys, []byte(key), versionKey(rev.ToVersion))
		}
		return nil
	})
}

func (s *Bolt) Revisions(_ context.Context, id types.DocumentID, afterVersion int64) ([]types.Revision, error) {
	var out []types.Revision
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := docBucket(tx, id)
		if b == nil {
			return ErrDocumentNotFound
		}
		revs := b.Bucket(revisionsBucket)
		if revs == nil {
			return nil
		}
		c := revs.Cursor()
		for k, v := c.Seek(versionKey(afterVersion + 1)); k != nil; k, v = c.Next() {
			var r types.Revision
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode revision: %w", err)
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func (s *Bolt) RevisionByKey(_ context.Context, id types.DocumentID, key string) (*types.Revision, bool, error) {
	var (
		rev   *types.Revision
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := docBucket(tx, id)
		if b == nil {
			return ErrDocumentNotFound
		}
		keys := b.Bucket(keysBucket)
		if keys == nil {
			return nil
		}
		v := keys.Get([]byte(key))
		if v == nil {
			return nil
		}
		raw := boltx.Bucket(b, revisionsBucket).Get(v)
		var r types.Revision
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("decode revision: %w", err)
		}
		rev, found = &r, true
		return nil
	})
	return rev, found, err
}

func (s *Bolt) RecordEscalation(_ context.Context, esc types.Escalation) error {
	return s.db.Update(func(tx *bbolt.Tx) (err error) {
		defer boltx.Recover(&err)
		b := docBucket(tx, esc.DocumentID)
		if b == nil {
			return ErrDocumentNotFound
		}
		escs := boltx.MustCreateBucketIfNotExists(b, escalationsBucket)
		seq, err := escs.NextSequence()
		boltx.Must(err)
		boltx.MustPut(escs, versionKey(int64(seq)), mustMarshal(esc))
		return nil
	})
}

func (s *Bolt) Escalations(_ context.Context, id types.DocumentID) ([]types.Escalation, error) {
	var out []types.Escalation
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := docBucket(tx, id)
		if b == nil {
			return ErrDocumentNotFound
		}
		escs := b.Bucket(escalationsBucket)
		if escs == nil {
			return nil
		}
		return escs.ForEach(func(_, v []byte) error {
			var e types.Escalation
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode escalation: %w", err)
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// Close closes the database if the store opened it.
func (s *Bolt) Close() error {
	if !s.closer {
		return nil
	}
	return s.db.Close()
}
