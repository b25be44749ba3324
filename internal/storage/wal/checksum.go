package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
	"strconv"
)

// checksumBody 是參與校驗的欄位集合；Checksum 欄位本身與 Timestamp 不參與
type checksumBody struct {
	Seq     uint64    `json:"seq"`
	Type    EventType `json:"type"`
	TaskID  string    `json:"task_id"`
	Task    any       `json:"task"`
	Attempt any       `json:"attempt,omitempty"`
}

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
// - 將 Seq、Type、TaskID 以及完整的任務/嘗試紀錄序列化為 JSON
// - 使用 CRC32-IEEE 多項式計算
func CalculateChecksum(event Event) uint32 {
	body := checksumBody{
		Seq:    event.Seq,
		Type:   event.Type,
		TaskID: string(event.TaskID),
	}
	if event.Task != nil {
		body.Task = event.Task
	}
	if event.Attempt != nil {
		body.Attempt = event.Attempt
	}
	data, err := json.Marshal(body)
	if err != nil {
		// 無法序列化時退回只用關鍵欄位
		data = []byte(string(event.Type) + string(event.TaskID) + strconv.FormatUint(event.Seq, 10))
	}
	return crc32.ChecksumIEEE(data)
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
