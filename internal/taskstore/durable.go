package taskstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"

	"github.com/ChuLiYu/itinerary-coord/internal/snapshot"
	"github.com/ChuLiYu/itinerary-coord/internal/storage/wal"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

var log = slog.Default()

// DurableOptions 持久化任務儲存設定
type DurableOptions struct {
	Dir             string // WAL 與快照所在目錄
	SyncOnAppend    bool   // 每次 flush 後 fsync
	SnapshotBackups int    // 保留的舊快照份數
	// FlushInterval 認領事件最長在緩衝區停留的時間；預設 200ms
	FlushInterval time.Duration
}

// Durable 記憶體狀態機 + WAL + 快照
//
// 恢復流程：載入快照 → 重放 LastSeq 之後的 WAL 事件 → 重建索引。
// RUNNING 任務原樣恢復，由 controller 啟動時的掃描依認領過期處理。
type Durable struct {
	*Memory
	wal     *wal.WAL
	batch   *wal.BatchWriter
	snaps   *snapshot.Manager
	backups int
}

var _ Store = (*Durable)(nil)

// WALPath 任務 WAL 在 dir 下的檔名
func WALPath(dir string) string { return filepath.Join(dir, "tasks.wal") }

// OpenDurable 開啟或建立持久化任務儲存
func OpenDurable(opts DurableOptions) (*Durable, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create task store dir: %w", err)
	}

	snaps := snapshot.NewManager(filepath.Join(opts.Dir, "tasks.snapshot.json"))
	data, err := snaps.Load()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	mem := NewMemory()
	mem.load(data)

	w, err := wal.NewWAL(WALPath(opts.Dir), opts.SyncOnAppend, data.LastSeq)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	replayed := 0
	err = w.Replay(data.LastSeq, func(ev wal.Event) error {
		mem.apply(ev)
		replayed++
		return nil
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("replay wal: %w", err)
	}
	mem.rebuild(time.Now())

	// 認領事件遺失只會讓任務回到 PENDING，不必立即 flush
	batch := wal.NewBatchWriter(w, 64, opts.FlushInterval)
	mem.journal = func(ev wal.EventType, t *types.Task, a *types.TaskAttempt) error {
		_, err := batch.Append(ev, t, a, ev != wal.EventClaim)
		return err
	}

	log.Info("task store recovered",
		"dir", opts.Dir,
		"snapshotTasks", len(data.Tasks),
		"snapshotSeq", data.LastSeq,
		"replayedEvents", replayed,
		"walSeq", w.GetLastSeq())

	return &Durable{
		Memory:  mem,
		wal:     w,
		batch:   batch,
		snaps:   snaps,
		backups: opts.SnapshotBackups,
	}, nil
}

// Snapshot 寫入快照並旋轉 WAL
//
// 整個過程持有狀態鎖：快照涵蓋到 LastSeq 為止，旋轉前不能有新事件寫進即將歸檔的檔案。
func (d *Durable) Snapshot() error {
	d.Memory.mu.Lock()
	defer d.Memory.mu.Unlock()

	if err := d.wal.Flush(); err != nil {
		return fmt.Errorf("flush wal: %w", err)
	}
	data := d.Memory.snapshotLocked()
	data.LastSeq = d.wal.GetLastSeq()

	if err := d.snaps.WriteWithBackup(data, d.backups); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := d.wal.Rotate(); err != nil {
		return fmt.Errorf("rotate wal: %w", err)
	}
	log.Debug("task snapshot written", "tasks", len(data.Tasks), "lastSeq", data.LastSeq)
	return nil
}

// Close 寫出緩衝的事件並關閉 WAL
func (d *Durable) Close() error {
	return multierr.Combine(d.Memory.Close(), d.batch.Close(), d.wal.Close())
}
