// Package fault 定義錯誤分類：Transient / Permanent / Conflict / Protocol
//
// 任務 handler 回傳的錯誤在 worker pool 邊界被分類，再交給重試策略；
// 熔斷器只計算 Transient 失敗。未分類的錯誤一律視為 Transient。
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class 錯誤大類
type Class string

const (
	ClassTransient Class = "transient" // 逾時、不可用、限流：可重試，熔斷器計數
	ClassPermanent Class = "permanent" // 驗證、授權、格式錯誤：不重試
	ClassConflict  Class = "conflict"  // 版本或語意衝突：交給衝突解決流程
	ClassProtocol  Class = "protocol"  // 未知操作、格式錯誤的 ChangeSet：程式錯誤，快速失敗
)

// 常用的 Kind，會寫入 TaskAttempt.ErrorKind
const (
	KindTimeout     = "timeout"
	KindUnavailable = "unavailable"
	KindRateLimited = "rate_limited"
	KindValidation  = "validation"
	KindAuth        = "auth"
	KindMalformed   = "malformed"
	KindConflict    = "conflict"
	KindPanic       = "panic"
	KindUnknown     = "unknown"
)

// Error 帶分類的錯誤
type Error struct {
	Class Class
	Kind  string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Class, e.Kind)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(kind string, err error) error {
	return &Error{Class: ClassTransient, Kind: kind, Err: err}
}

// Permanent wraps err as a failure that must not be retried.
func Permanent(kind string, err error) error {
	return &Error{Class: ClassPermanent, Kind: kind, Err: err}
}

// Protocol wraps err as a programmer or wire-format error.
func Protocol(err error) error {
	return &Error{Class: ClassProtocol, Kind: KindMalformed, Err: err}
}

// Conflict wraps err as an unresolved document conflict.
func Conflict(err error) error {
	return &Error{Class: ClassConflict, Kind: KindConflict, Err: err}
}

// Classifier lets error types declare their own class without importing this
// package's concrete type.
type Classifier interface {
	FaultClass() Class
}

// ClassOf returns the class of err. nil has no class and returns "".
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.FaultClass()
	}
	return ClassTransient
}

// KindOf returns the kind recorded on a TaskAttempt for err.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	var c Classifier
	if errors.As(err, &c) {
		switch c.FaultClass() {
		case ClassConflict:
			return KindConflict
		case ClassProtocol:
			return KindMalformed
		}
	}
	return KindUnknown
}

// IsRetryable reports whether the retry policy may reschedule err.
func IsRetryable(err error) bool {
	return ClassOf(err) == ClassTransient
}
