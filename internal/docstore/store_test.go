package docstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func newDoc() *types.Document {
	return &types.Document{
		ID: "trip-1",
		Elements: map[string]types.Element{
			"n1": {ID: "n1", Container: "day-1", Data: json.RawMessage(`{"name":"museum"}`)},
		},
		UpdatedAt: t0,
	}
}

// next 在 doc 上加一個元素並產生對應修訂
func next(t *testing.T, doc *types.Document, id, key string) (*types.Document, types.Revision) {
	t.Helper()
	after := doc.Clone()
	op := types.ChangeOperation{Kind: types.OpAdd, TargetID: id, Payload: types.AddPayload{Container: "day-1"}}
	require.NoError(t, after.Apply(op))
	after.Version++
	after.UpdatedAt = t0.Add(time.Duration(after.Version) * time.Minute)
	return after, types.Revision{
		DocumentID:  doc.ID,
		FromVersion: doc.Version,
		ToVersion:   after.Version,
		ChangeSet:   types.ChangeSet{ID: "cs-" + id, DocumentID: doc.ID, BaseVersion: doc.Version, Operations: []types.ChangeOperation{op}, IdempotencyKey: key},
		Diff:        types.ComputeDiff(doc.Elements, after.Elements),
		Before:      map[string]*types.Element{id: nil},
		CommittedAt: after.UpdatedAt,
	}
}

func runContract(t *testing.T, open func(t *testing.T) Store) {
	t.Run("CreateLoad", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		_, err := s.Load(ctx, "trip-1")
		assert.ErrorIs(t, err, ErrDocumentNotFound)

		require.NoError(t, s.Create(ctx, newDoc()))
		assert.ErrorIs(t, s.Create(ctx, newDoc()), ErrDocumentExists)

		got, err := s.Load(ctx, "trip-1")
		require.NoError(t, err)
		if diff := cmp.Diff(newDoc(), got); diff != "" {
			t.Errorf("document mismatch (-want +got):\n%s", diff)
		}

		// Load 回傳副本
		got.Elements["n9"] = types.Element{ID: "n9"}
		again, err := s.Load(ctx, "trip-1")
		require.NoError(t, err)
		assert.Len(t, again.Elements, 1)
	})

	t.Run("CommitCompareAndSwap", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newDoc()))

		base, err := s.Load(ctx, "trip-1")
		require.NoError(t, err)
		d1, r1 := next(t, base, "n2", "key-1")
		require.NoError(t, s.Commit(ctx, d1, r1))

		// 同一個 base 的第二次提交必須失敗
		d2, r2 := next(t, base, "n3", "")
		assert.ErrorIs(t, s.Commit(ctx, d2, r2), ErrVersionConflict)

		// 版本跳號被拒絕
		bad := d1.Clone()
		bad.Version = 5
		assert.Error(t, s.Commit(ctx, bad, types.Revision{DocumentID: "trip-1", FromVersion: 1, ToVersion: 5}))

		d3, r3 := next(t, d1, "n3", "key-3")
		require.NoError(t, s.Commit(ctx, d3, r3))

		cur, err := s.Load(ctx, "trip-1")
		require.NoError(t, err)
		assert.EqualValues(t, 2, cur.Version)
		assert.Len(t, cur.Elements, 3)

		revs, err := s.Revisions(ctx, "trip-1", 0)
		require.NoError(t, err)
		require.Len(t, revs, 2)
		assert.EqualValues(t, 1, revs[0].ToVersion)
		assert.EqualValues(t, 2, revs[1].ToVersion)
		assert.Contains(t, revs[0].Before, "n2")
		assert.Nil(t, revs[0].Before["n2"])

		later, err := s.Revisions(ctx, "trip-1", 1)
		require.NoError(t, err)
		require.Len(t, later, 1)
		assert.Equal(t, []string{"n3"}, later[0].Diff.Added)

		rev, ok, err := s.RevisionByKey(ctx, "trip-1", "key-3")
		require.NoError(t, err)
		require.True(t, ok)
		assert.EqualValues(t, 2, rev.ToVersion)
		_, ok, err = s.RevisionByKey(ctx, "trip-1", "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ConcurrentCommitsSingleWinner", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newDoc()))
		base, err := s.Load(ctx, "trip-1")
		require.NoError(t, err)

		const n = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < n; i++ {
			d, r := next(t, base, "x"+string(rune('a'+i)), "")
			wg.Add(1)
			go func() {
				defer wg.Done()
				if s.Commit(ctx, d, r) == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("Escalations", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newDoc()))

		esc := types.Escalation{
			ID:          "esc-1",
			DocumentID:  "trip-1",
			ChangeSet:   types.ChangeSet{ID: "cs-1", DocumentID: "trip-1"},
			SeenVersion: 3,
			Unresolved: []types.Conflict{{
				Type: types.ConflictTargetLocked, Severity: types.SeverityHigh, TargetID: "n1", OpIndex: 0,
			}},
			RecordedAt: t0,
		}
		require.NoError(t, s.RecordEscalation(ctx, esc))
		got, err := s.Escalations(ctx, "trip-1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		if diff := cmp.Diff(esc, got[0]); diff != "" {
			t.Errorf("escalation mismatch (-want +got):\n%s", diff)
		}

		assert.ErrorIs(t, s.RecordEscalation(ctx, types.Escalation{DocumentID: "missing"}), ErrDocumentNotFound)
	})
}

func TestMemory(t *testing.T) {
	runContract(t, func(*testing.T) Store { return NewMemory() })
}

func TestBolt(t *testing.T) {
	runContract(t, func(t *testing.T) Store {
		s, err := OpenBolt(context.Background(), filepath.Join(t.TempDir(), "docs.db"))
		require.NoError(t, err)
		return s
	})
}

func TestBoltReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "docs.db")
	s, err := OpenBolt(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, newDoc()))
	d1, r1 := next(t, newDoc(), "n2", "")
	require.NoError(t, s.Commit(ctx, d1, r1))
	require.NoError(t, s.Close())

	s, err = OpenBolt(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	doc, err := s.Load(ctx, "trip-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, doc.Version)
	assert.Contains(t, doc.Elements, "n2")
}
