package sqlitestore

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"
)

// WAL 模式下多個連線同時寫入仍可能遇到 BUSY / LOCKED / SHORT_READ，
// busy_timeout 只處理取得鎖的等待，其餘錯誤在這裡重試。

type contentionConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultContention = contentionConfig{
	maxRetries: 5,
	baseDelay:  20 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

func isContention(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
		"(522)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// withRetry 執行 fn，遇到鎖競爭時以指數退避重試
func withRetry(ctx context.Context, cfg contentionConfig, fn func() error) error {
	var err error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		if err = fn(); err == nil || !isContention(err) {
			return err
		}
		if attempt == cfg.maxRetries {
			break
		}
		t := time.NewTimer(backoff(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

// backoff = min(maxDelay, base×2^attempt) + 最多 50% 抖動
func backoff(cfg contentionConfig, attempt int) time.Duration {
	d := cfg.baseDelay << attempt
	if d > cfg.maxDelay || d <= 0 {
		d = cfg.maxDelay
	}
	return d + time.Duration(rand.Int64N(int64(d)/2+1))
}
