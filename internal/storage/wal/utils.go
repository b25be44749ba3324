package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能（讀取檔尾、計數、驗證）
// ============================================================================

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// GetLastEvent 從 WAL 檔案讀取最後一個有效事件
//
// 採用從頭掃描的方式；WAL 在每次快照後旋轉，檔案長度有上限。
// 檔案為空時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, 0, func(event Event) error {
		e := event
		last = &e
		return nil
	})
	if err != nil {
		return last, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的事件總數
func CountEvents(path string) (int, error) {
	n := 0
	err := replayFile(path, 0, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 嚴格遞增
func ValidateWAL(path string) error {
	var lastSeq uint64
	return replayFile(path, 0, func(event Event) error {
		if event.Seq <= lastSeq {
			return fmt.Errorf("wal: seq not increasing at %d (previous %d)", event.Seq, lastSeq)
		}
		lastSeq = event.Seq
		return nil
	})
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] SUBMIT task-001 status=PENDING attempts=0 (checksum:0x12345678)
func DumpWAL(path string, w io.Writer) error {
	err := replayFile(path, 0, func(event Event) error {
		status, attempts := "", 0
		if event.Task != nil {
			status, attempts = string(event.Task.Status), event.Task.AttemptCount
		}
		_, err := fmt.Fprintf(w, "[Seq:%d] %s %s status=%s attempts=%d (checksum:0x%08x)\n",
			event.Seq, event.Type, event.TaskID, status, attempts, event.Checksum)
		return err
	})
	if errors.Is(err, os.ErrNotExist) {
		return ErrEmptyWAL
	}
	return err
}
