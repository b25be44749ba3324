// ============================================================================
// SQLite 任務儲存
// ============================================================================
//
// Package: internal/taskstore/sqlitestore
//
// 與 taskstore.Memory 相同的狀態機，但狀態存在 SQLite（modernc.org/sqlite，
// 純 Go，不需要 cgo）。多個 coordd 行程可以共用同一個資料庫檔案。
//
// 認領:
//   單一 UPDATE ... WHERE seq = (SELECT ... LIMIT 1) RETURNING，
//   排序 priority DESC, scheduled_at, seq。SQLite 同時只有一個寫入者，
//   所以同一個任務不會被認領兩次。
//
// 時間欄位一律存 UnixNano（INTEGER），讀出時轉成 UTC。
// 也實作 deadletter.Sink，死信與任務放在同一個檔案。
// ============================================================================

package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/itinerary-coord/internal/deadletter"
	"github.com/ChuLiYu/itinerary-coord/internal/taskstore"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

var (
	_ taskstore.Store = (*Store)(nil)
	_ deadletter.Sink = (*Store)(nil)
)

// Store SQLite 任務儲存
type Store struct {
	db      *sql.DB
	changes chan struct{}
}

// Open 開啟（或建立）path 上的資料庫並執行 schema 遷移
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, changes: make(chan struct{}, 1)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s.signal()
	return s, nil
}

// Close 關閉資料庫
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			seq              INTEGER PRIMARY KEY AUTOINCREMENT,
			id               TEXT NOT NULL UNIQUE,
			kind             TEXT NOT NULL,
			payload          BLOB,
			idempotency_key  TEXT NOT NULL UNIQUE,
			trace_id         TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			owner_token      TEXT NOT NULL DEFAULT '',
			attempt_count    INTEGER NOT NULL DEFAULT 0,
			last_error       TEXT NOT NULL DEFAULT '',
			priority         INTEGER NOT NULL DEFAULT 0,
			scheduled_at     INTEGER NOT NULL,
			next_retry_at    INTEGER,
			claim_expires_at INTEGER,
			result           BLOB,
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, kind, priority DESC, scheduled_at, seq);
		CREATE INDEX IF NOT EXISTS idx_tasks_expiry ON tasks(status, claim_expires_at);

		CREATE TABLE IF NOT EXISTS task_attempts (
			task_id        TEXT NOT NULL,
			attempt_number INTEGER NOT NULL,
			started_at     INTEGER NOT NULL DEFAULT 0,
			ended_at       INTEGER NOT NULL DEFAULT 0,
			outcome        TEXT NOT NULL,
			error_kind     TEXT NOT NULL DEFAULT '',
			error_message  TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (task_id, attempt_number)
		);

		CREATE TABLE IF NOT EXISTS dead_letters (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id     TEXT NOT NULL,
			kind        TEXT NOT NULL,
			reason      TEXT NOT NULL DEFAULT '',
			recorded_at INTEGER NOT NULL,
			entry       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dead_letters_kind ON dead_letters(kind, recorded_at);
	`)
	return err
}

func (s *Store) signal() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Changes 只反映本行程內的變更；其他行程寫入的任務靠 worker 的輪詢發現
func (s *Store) Changes() <-chan struct{} { return s.changes }

const taskColumns = `id, kind, payload, idempotency_key, trace_id, status, owner_token,
	attempt_count, last_error, priority, scheduled_at, next_retry_at, claim_expires_at,
	result, created_at, updated_at, seq`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (types.Task, error) {
	var (
		t                     types.Task
		payload, result       []byte
		scheduled, created    int64
		updated               int64
		nextRetry, claimUntil sql.NullInt64
		seq                   int64
	)
	err := row.Scan(&t.ID, &t.Kind, &payload, &t.IdempotencyKey, &t.TraceID, &t.Status, &t.OwnerToken,
		&t.AttemptCount, &t.LastError, &t.Priority, &scheduled, &nextRetry, &claimUntil,
		&result, &created, &updated, &seq)
	if err != nil {
		return types.Task{}, err
	}
	if len(payload) > 0 {
		t.Payload = json.RawMessage(payload)
	}
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	t.ScheduledAt = fromNanos(scheduled)
	t.NextRetryAt = nullTime(nextRetry)
	t.ClaimExpiresAt = nullTime(claimUntil)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	t.Seq = uint64(seq)
	return t, nil
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nanosOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func blob(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// kindFilter 產生 "AND kind IN (?,?)" 與對應參數
func kindFilter(kinds []types.TaskKind) (string, []any) {
	if len(kinds) == 0 {
		return "", nil
	}
	args := make([]any, len(kinds))
	for i, k := range kinds {
		args[i] = string(k)
	}
	return " AND kind IN (" + strings.TrimSuffix(strings.Repeat("?,", len(kinds)), ",") + ")", args
}

// ============================================================================
// taskstore.Store
// ============================================================================

func (s *Store) Submit(ctx context.Context, req taskstore.SubmitRequest, now time.Time) (types.Task, bool, error) {
	if err := req.Validate(); err != nil {
		return types.Task{}, false, err
	}
	scheduled := now
	if req.NotBefore.After(now) {
		scheduled = req.NotBefore
	}

	var (
		task    types.Task
		created bool
	)
	err := withRetry(ctx, defaultContention, func() error {
		row := s.db.QueryRowContext(ctx, `
			INSERT INTO tasks (id, kind, payload, idempotency_key, trace_id, status, priority,
				scheduled_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(idempotency_key) DO NOTHING
			RETURNING `+taskColumns,
			uuid.Must(uuid.NewV7()).String(), string(req.Kind), blob(req.Payload), req.IdempotencyKey,
			req.TraceID, string(types.StatusPending), req.Priority,
			scheduled.UnixNano(), now.UnixNano(), now.UnixNano())
		t, err := scanTask(row)
		if err == nil {
			task, created = t, true
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		// 冪等鍵已存在
		task, err = scanTask(s.db.QueryRowContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE idempotency_key = ?`, req.IdempotencyKey))
		created = false
		return err
	})
	if err != nil {
		return types.Task{}, false, fmt.Errorf("submit %s: %w", req.IdempotencyKey, err)
	}
	if created {
		s.signal()
	}
	return task, created, nil
}

func (s *Store) ClaimNext(ctx context.Context, req taskstore.ClaimRequest) (*types.Task, error) {
	filter, kindArgs := kindFilter(req.Kinds)

	// 每個 kind 的認領 TTL 不同；選出的那一列才知道 kind，所以用 CASE 展開
	ttlOf := func(k types.TaskKind) int64 {
		if req.TTL == nil {
			return int64(30 * time.Second)
		}
		return int64(req.TTL(k))
	}
	ttlExpr := "?"
	ttlArgs := []any{ttlOf("")}
	if len(req.Kinds) > 0 {
		var b strings.Builder
		b.WriteString("CASE kind")
		ttlArgs = ttlArgs[:0]
		for _, k := range req.Kinds {
			b.WriteString(" WHEN ? THEN ?")
			ttlArgs = append(ttlArgs, string(k), ttlOf(k))
		}
		b.WriteString(" ELSE ? END")
		ttlArgs = append(ttlArgs, ttlOf(""))
		ttlExpr = b.String()
	}

	now := req.Now.UnixNano()
	args := []any{string(types.StatusRunning), uuid.Must(uuid.NewV7()).String(), now}
	args = append(args, ttlArgs...)
	args = append(args, now, string(types.StatusPending), now)
	args = append(args, kindArgs...)

	query := `
		UPDATE tasks SET status = ?, owner_token = ?, claim_expires_at = ? + ` + ttlExpr + `,
			next_retry_at = NULL, updated_at = ?
		WHERE seq = (
			SELECT seq FROM tasks
			WHERE status = ? AND scheduled_at <= ?` + filter + `
			ORDER BY priority DESC, scheduled_at, seq
			LIMIT 1
		)
		RETURNING ` + taskColumns

	var task *types.Task
	err := withRetry(ctx, defaultContention, func() error {
		// BEGIN IMMEDIATE（_txlock）先取得寫鎖，避免讀轉寫時的 BUSY_SNAPSHOT
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		t, err := scanTask(tx.QueryRowContext(ctx, query, args...))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			task = nil
			return nil
		case err != nil:
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		task = &t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return task, nil
}

// ownedUpdate 在交易中執行條件式 UPDATE（限定 RUNNING 且 owner 相符），
// 並寫入嘗試紀錄。沒有列被更新時分辨任務不存在或認領已失效。
func (s *Store) ownedUpdate(ctx context.Context, id types.TaskID, set string, setArgs []any, owner string, att *types.TaskAttempt) (types.Task, error) {
	var task types.Task
	err := withRetry(ctx, defaultContention, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		args := append(append([]any(nil), setArgs...), string(id), string(types.StatusRunning), owner)
		task, err = scanTask(tx.QueryRowContext(ctx,
			`UPDATE tasks SET `+set+` WHERE id = ? AND status = ? AND owner_token = ? RETURNING `+taskColumns,
			args...))
		if errors.Is(err, sql.ErrNoRows) {
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, string(id)).Scan(&n); err != nil {
				return err
			}
			if n == 0 {
				return taskstore.ErrTaskNotFound
			}
			return taskstore.ErrStaleClaim
		}
		if err != nil {
			return err
		}

		if att != nil {
			att.TaskID = task.ID
			att.AttemptNumber = task.AttemptCount
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_attempts (task_id, attempt_number, started_at, ended_at, outcome, error_kind, error_message)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				string(att.TaskID), att.AttemptNumber, nanosOrZero(att.StartedAt), nanosOrZero(att.EndedAt),
				string(att.Outcome), att.ErrorKind, att.ErrorMessage); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	return task, err
}

func (s *Store) Complete(ctx context.Context, req taskstore.CompleteRequest) (types.Task, error) {
	att := req.Attempt
	if att.Outcome == "" {
		att.Outcome = types.OutcomeSucceeded
	}
	return s.ownedUpdate(ctx, req.ID, `status = ?, attempt_count = attempt_count + 1, owner_token = '',
		claim_expires_at = NULL, last_error = '', result = ?, updated_at = ?`,
		[]any{string(types.StatusCompleted), blob(req.Result), req.Now.UnixNano()},
		req.OwnerToken, &att)
}

func (s *Store) Fail(ctx context.Context, req taskstore.FailRequest) (types.Task, error) {
	switch req.Status {
	case types.StatusPending, types.StatusDead, types.StatusFailed:
	default:
		return types.Task{}, fmt.Errorf("%w: fail status %q", taskstore.ErrInvalidRequest, req.Status)
	}

	att := req.Attempt
	if att.Outcome == "" {
		att.Outcome = types.OutcomeFailed
	}
	// 非 PENDING 時 scheduled_at 保持原值
	var scheduled, nextRetry any
	if req.Status == types.StatusPending {
		at := req.NextAttemptAt
		if at.Before(req.Now) {
			at = req.Now
		}
		scheduled, nextRetry = at.UnixNano(), at.UnixNano()
	}
	task, err := s.ownedUpdate(ctx, req.ID, `status = ?, attempt_count = attempt_count + 1, owner_token = '',
		claim_expires_at = NULL, last_error = ?, updated_at = ?,
		scheduled_at = COALESCE(?, scheduled_at), next_retry_at = ?`,
		[]any{string(req.Status), att.ErrorMessage, req.Now.UnixNano(), scheduled, nextRetry},
		req.OwnerToken, &att)
	if err == nil && task.Status == types.StatusPending {
		s.signal()
	}
	return task, err
}

func (s *Store) Release(ctx context.Context, id types.TaskID, owner string, notBefore, now time.Time) (types.Task, error) {
	at := now
	if notBefore.After(now) {
		at = notBefore
	}
	task, err := s.ownedUpdate(ctx, id, `status = ?, owner_token = '', claim_expires_at = NULL,
		scheduled_at = ?, next_retry_at = ?, updated_at = ?`,
		[]any{string(types.StatusPending), at.UnixNano(), at.UnixNano(), now.UnixNano()},
		owner, nil)
	if err == nil {
		s.signal()
	}
	return task, err
}

func (s *Store) Expired(ctx context.Context, now time.Time) ([]types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND claim_expires_at IS NOT NULL AND claim_expires_at <= ?
		ORDER BY claim_expires_at, seq`, string(types.StatusRunning), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("expired: %w", err)
	}
	defer rows.Close()

	var out []types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id types.TaskID) (types.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Task{}, taskstore.ErrTaskNotFound
	}
	return t, err
}

func (s *Store) Attempts(ctx context.Context, id types.TaskID) ([]types.TaskAttempt, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, attempt_number, started_at, ended_at, outcome, error_kind, error_message
		FROM task_attempts WHERE task_id = ? ORDER BY attempt_number`, string(id))
	if err != nil {
		return nil, fmt.Errorf("attempts %s: %w", id, err)
	}
	defer rows.Close()

	var out []types.TaskAttempt
	for rows.Next() {
		var (
			a            types.TaskAttempt
			started, end int64
		)
		if err := rows.Scan(&a.TaskID, &a.AttemptNumber, &started, &end, &a.Outcome, &a.ErrorKind, &a.ErrorMessage); err != nil {
			return nil, err
		}
		if started != 0 {
			a.StartedAt = fromNanos(started)
		}
		if end != 0 {
			a.EndedAt = fromNanos(end)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (taskstore.Stats, error) {
	st := taskstore.Stats{ByKind: make(map[types.TaskKind]int)}
	rows, err := s.db.QueryContext(ctx, `SELECT status, kind, COUNT(*) FROM tasks GROUP BY status, kind`)
	if err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status types.TaskStatus
			kind   types.TaskKind
			n      int
		)
		if err := rows.Scan(&status, &kind, &n); err != nil {
			return st, err
		}
		switch status {
		case types.StatusPending:
			st.Pending += n
			st.ByKind[kind] += n
		case types.StatusRunning:
			st.Running += n
		case types.StatusCompleted:
			st.Completed += n
		case types.StatusFailed:
			st.Failed += n
		case types.StatusDead:
			st.Dead += n
		}
	}
	return st, rows.Err()
}

func (s *Store) NextDue(ctx context.Context, kinds []types.TaskKind) (time.Time, bool, error) {
	filter, args := kindFilter(kinds)
	var due sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MIN(scheduled_at) FROM tasks WHERE status = ?`+filter,
		append([]any{string(types.StatusPending)}, args...)...).Scan(&due)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next due: %w", err)
	}
	if !due.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(due.Int64), true, nil
}

// ============================================================================
// deadletter.Sink
// ============================================================================

func (s *Store) Record(ctx context.Context, e deadletter.Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", e.Task.ID, err)
	}
	return withRetry(ctx, defaultContention, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO dead_letters (task_id, kind, reason, recorded_at, entry) VALUES (?, ?, ?, ?, ?)`,
			string(e.Task.ID), string(e.Task.Kind), e.Reason, e.RecordedAt.UnixNano(), string(raw))
		return err
	})
}

func (s *Store) List(ctx context.Context, f deadletter.Filter) ([]deadletter.Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if !f.Since.IsZero() {
		where = append(where, "recorded_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "recorded_at < ?")
		args = append(args, f.Until.UnixNano())
	}
	query := `SELECT entry FROM dead_letters`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY recorded_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	out := make([]deadletter.Entry, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e deadletter.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
