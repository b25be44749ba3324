package deadletter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

func entry(id string, kind types.TaskKind, at time.Time) Entry {
	return Entry{
		Task: types.Task{ID: types.TaskID(id), Kind: kind, Status: types.StatusDead, AttemptCount: 3, LastError: "timeout"},
		Attempts: []types.TaskAttempt{
			{TaskID: types.TaskID(id), AttemptNumber: 1, Outcome: types.OutcomeTimedOut, ErrorKind: "timeout"},
			{TaskID: types.TaskID(id), AttemptNumber: 2, Outcome: types.OutcomeTimedOut, ErrorKind: "timeout"},
			{TaskID: types.TaskID(id), AttemptNumber: 3, Outcome: types.OutcomeTimedOut, ErrorKind: "timeout"},
		},
		Reason:     "retries exhausted",
		RecordedAt: at,
	}
}

func runSinkContract(t *testing.T, sink Sink) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, sink.Record(ctx, entry("t3", "webhook.deliver", base.Add(2*time.Hour))))
	require.NoError(t, sink.Record(ctx, entry("t1", "enrich", base)))
	require.NoError(t, sink.Record(ctx, entry("t2", "enrich", base.Add(time.Hour))))

	all, err := sink.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, types.TaskID("t1"), all[0].Task.ID, "sorted by RecordedAt")
	assert.Len(t, all[0].Attempts, 3)

	enrich, err := sink.List(ctx, Filter{Kind: "enrich"})
	require.NoError(t, err)
	assert.Len(t, enrich, 2)

	window, err := sink.List(ctx, Filter{Since: base.Add(30 * time.Minute), Until: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, types.TaskID("t2"), window[0].Task.ID)

	limited, err := sink.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	want := entry("t1", "enrich", base)
	if diff := cmp.Diff(want, all[0]); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}
}

func TestMemorySink(t *testing.T) {
	runSinkContract(t, NewMemorySink())
}

func TestBoltSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.db")
	sink, err := OpenBoltSink(context.Background(), path)
	require.NoError(t, err)
	runSinkContract(t, sink)
	require.NoError(t, sink.Close())

	// 重新開啟後紀錄仍在
	reopened, err := OpenBoltSink(context.Background(), path)
	require.NoError(t, err)
	defer reopened.Close()
	all, err := reopened.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
