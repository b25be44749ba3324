package wal

// ============================================================================
// Batch Writer
// Purpose: Group lazily written events so they reach the file in batches,
// and bound how long they may stay buffered
// ============================================================================

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// BatchWriter wraps a WAL for callers that mix durable and lazy events.
//
// Durable events (sync=true) are flushed before Append returns. Lazy events
// are buffered and written once maxBatchSize of them accumulate or the
// flush interval elapses, whichever comes first. A crash loses at most the
// lazy events of one interval.
type BatchWriter struct {
	wal *WAL

	mu           sync.Mutex
	pending      int // lazy events not yet flushed
	maxBatchSize int

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewBatchWriter starts the periodic flush loop. The caller still owns wal.
func NewBatchWriter(wal *WAL, maxBatchSize int, flushInterval time.Duration) *BatchWriter {
	if maxBatchSize <= 0 {
		maxBatchSize = 64
	}
	if flushInterval <= 0 {
		flushInterval = 200 * time.Millisecond
	}
	bw := &BatchWriter{
		wal:          wal,
		maxBatchSize: maxBatchSize,
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	go bw.flushLoop(flushInterval)
	return bw
}

// Append writes one event. sync=true flushes it, and everything buffered
// before it, before returning.
func (bw *BatchWriter) Append(eventType EventType, task *types.Task, attempt *types.TaskAttempt, sync bool) (uint64, error) {
	seq, err := bw.wal.Append(eventType, task, attempt, sync)
	if err != nil {
		return seq, err
	}

	bw.mu.Lock()
	if sync {
		bw.pending = 0
		bw.mu.Unlock()
		return seq, nil
	}
	bw.pending++
	full := bw.pending >= bw.maxBatchSize
	if full {
		bw.pending = 0
	}
	bw.mu.Unlock()

	if full {
		return seq, bw.wal.Flush()
	}
	return seq, nil
}

// Flush writes all buffered events now.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	bw.pending = 0
	bw.mu.Unlock()
	return bw.wal.Flush()
}

// Close stops the flush loop and flushes what is left. It does not close the WAL.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	<-bw.stopped
	return bw.Flush()
}

func (bw *BatchWriter) flushLoop(interval time.Duration) {
	defer close(bw.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-bw.done:
			return
		case <-ticker.C:
			bw.mu.Lock()
			idle := bw.pending == 0
			bw.mu.Unlock()
			if idle {
				continue
			}
			if err := bw.Flush(); err != nil {
				slog.Default().Error("wal: periodic flush failed", "path", bw.wal.Path(), "error", err)
			}
		}
	}
}
