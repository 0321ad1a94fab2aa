package lock

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore 基于 SQLite 的锁持久化后端，一个数据库文件对应一个根
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore 打开或创建锁数据库
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create lock database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open lock database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initDatabase(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize lock database: %w", err)
	}
	return s, nil
}

// initDatabase 初始化表结构
func (s *SQLiteStore) initDatabase(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS locks (
			token TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			scope TEXT NOT NULL,
			depth INTEGER NOT NULL,
			owner TEXT NOT NULL,
			timeout_ms INTEGER NOT NULL,
			issued_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_locks_path ON locks(path)`,
		`CREATE INDEX IF NOT EXISTS idx_locks_expires_at ON locks(expires_at)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Load 加载所有未过期的锁
func (s *SQLiteStore) Load(ctx context.Context) ([]*ActiveLock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, path, scope, depth, owner, timeout_ms, issued_at, expires_at
		FROM locks WHERE expires_at = 0 OR expires_at > ?`, s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()

	var locks []*ActiveLock
	for rows.Next() {
		var (
			l                   ActiveLock
			scope               string
			depth               int
			timeoutMs           int64
			issuedAt, expiresAt int64
		)
		if err := rows.Scan(&l.Token, &l.Path, &scope, &depth, &l.Owner, &timeoutMs, &issuedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		l.Scope = Scope(scope)
		l.Depth = Depth(depth)
		l.Timeout = Infinite
		if timeoutMs >= 0 {
			l.Timeout = time.Duration(timeoutMs) * time.Millisecond
		}
		l.IssuedAt = fromMillis(issuedAt)
		l.ExpiresAt = fromMillis(expiresAt)
		locks = append(locks, &l)
	}
	return locks, rows.Err()
}

// Save 保存或替换锁
func (s *SQLiteStore) Save(ctx context.Context, l *ActiveLock) error {
	timeoutMs := int64(-1)
	if l.Timeout != Infinite {
		timeoutMs = l.Timeout.Milliseconds()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO locks (token, path, scope, depth, owner, timeout_ms, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.Token, l.Path, string(l.Scope), int(l.Depth), l.Owner, timeoutMs, toMillis(l.IssuedAt), toMillis(l.ExpiresAt))
	if err != nil {
		return fmt.Errorf("save lock: %w", err)
	}
	return nil
}

// Delete 删除锁
func (s *SQLiteStore) Delete(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE token = ?`, token); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
