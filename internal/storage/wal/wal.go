package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加任務狀態轉換事件到日誌檔案（append-only）
// 2. 提供重放功能以恢復任務佇列狀態
// 3. 支援日誌旋轉（快照後清空），序號跨旋轉持續遞增
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// maxLineSize 單筆事件的最大長度（含 payload）
const maxLineSize = 16 << 20

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // flush 時是否 fsync
	closed       bool

	buffer        []Event // 批次寫入事件緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

minSeq 是呼叫端已知的最小起始序號（通常是快照的 LastSeq），
用於旋轉後新檔案為空時仍能延續序號。
*/
func NewWAL(path string, syncOnAppend bool, minSeq uint64) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	seq := minSeq
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		lastEvent, err := GetLastEvent(path)
		if err == nil && lastEvent != nil && lastEvent.Seq > seq {
			seq = lastEvent.Seq
		}
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: 1 * time.Second,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - forceFlush 或緩衝區已滿或超過 flushInterval 時寫入檔案
//
// 回傳該事件的序號
func (w *WAL) Append(eventType EventType, task *types.Task, attempt *types.TaskAttempt, forceFlush bool) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
	}
	if task != nil {
		snap := task.Clone()
		event.Task = &snap
		event.TaskID = task.ID
	}
	if attempt != nil {
		a := *attempt
		event.Attempt = &a
	}
	event.Checksum = CalculateChecksum(event)

	w.buffer = append(w.buffer, event)

	needFlush := forceFlush || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			return event.Seq, err
		}
	}
	return event.Seq, nil
}

// Flush 將緩衝區內容寫入磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放 seq 大於 afterSeq 的所有 WAL 事件
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 最後一行若不完整（寫入中途崩潰）視為檔尾，略過
// - 中段損毀回傳 *CorruptionError
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	return replayFile(w.path, afterSeq, handler)
}

func replayFile(path string, afterSeq uint64, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var (
		offset  int64
		lastSeq uint64
		pending error // 解析失敗的行，只有後面還有資料時才算損毀
	)
	for scanner.Scan() {
		line := scanner.Bytes()
		lineLen := int64(len(line)) + 1
		if len(bytes.TrimSpace(line)) == 0 {
			offset += lineLen
			continue
		}
		if pending != nil {
			return pending
		}

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			pending = &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
			offset += lineLen
			continue
		}
		if !VerifyChecksum(event) {
			return &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum}
		}
		lastSeq = event.Seq
		offset += lineLen

		if event.Seq <= afterSeq {
			continue
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
	}
	if pending != nil {
		slog.Default().Warn("wal: ignoring torn tail record", "path", path, "afterSeq", lastSeq)
	}
	return nil
}

// Rotate 旋轉日誌檔案
//
// 舊檔案以時間戳記改名保留，新檔案從空白開始；seq 不歸零，
// 因為快照以 LastSeq 標記涵蓋範圍。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return nil
}

// Close 關閉 WAL，關閉後的實例不可再用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if w.syncOnAppend {
		return w.file.Sync()
	}
	return nil
}
