package property

import (
	"context"
	"database/sql"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/webdav-gateway/davengine/internal/storage"
	"github.com/webdav-gateway/davengine/internal/types"
	"github.com/webdav-gateway/davengine/internal/webdav/utils"
)

const propertiesTable = "dead_properties"

// SQLStore 基于关系数据库的属性存储，支持 SQLite 与 PostgreSQL
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	opts    options
}

// NewSQLiteStore 打开或创建 SQLite 属性数据库
func NewSQLiteStore(ctx context.Context, dbPath string, opts ...Option) (*SQLStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create property database directory: %w", err)
		}
	}
	db, err := sql.Open(string(DialectSQLite), dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open property database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, DialectSQLite, opts)
}

// NewPostgresStore 连接 PostgreSQL 属性数据库
func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*SQLStore, error) {
	db, err := sql.Open(string(DialectPostgres), dsn)
	if err != nil {
		return nil, fmt.Errorf("open property database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return newSQLStore(ctx, db, DialectPostgres, opts)
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect Dialect, opts []Option) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, opts: applyOptions(opts)}
	if err := s.initialize(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize property database: %w", err)
	}
	return s, nil
}

// initialize 创建属性表和索引
func (s *SQLStore) initialize(ctx context.Context) error {
	id := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		id = "id SERIAL PRIMARY KEY"
	}
	queries := []string{
		`CREATE TABLE IF NOT EXISTS ` + propertiesTable + ` (
			` + id + `,
			path TEXT NOT NULL,
			namespace TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE(path, namespace, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_properties_path ON ` + propertiesTable + `(path)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// GetProperties 获取资源的全部死属性
func (s *SQLStore) GetProperties(ctx context.Context, path string) ([]types.DeadProperty, error) {
	path = utils.CleanPath(path)
	rows, err := NewSelectBuilder(s.dialect, propertiesTable, "namespace", "name", "value").
		Where("path = ?", path).
		OrderBy("namespace", "name").
		ExecuteQuery(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("%w: query properties: %v", ErrBackendUnavailable, err)
	}
	defer rows.Close()

	var out []types.DeadProperty
	for rows.Next() {
		var p types.DeadProperty
		if err := rows.Scan(&p.Name.Space, &p.Name.Local, &p.Value); err != nil {
			return nil, fmt.Errorf("%w: scan property: %v", ErrBackendUnavailable, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate properties: %v", ErrBackendUnavailable, err)
	}
	return out, nil
}

// SetProperties 在一个事务内写入所有通过验证的属性
func (s *SQLStore) SetProperties(ctx context.Context, path string, props []types.DeadProperty) ([]*types.PropertyError, error) {
	path = utils.CleanPath(path)
	valid, failures := partition(s.opts.validator, props)
	if len(valid) == 0 {
		return failures, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %v", ErrBackendUnavailable, err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, p := range valid {
		_, err := NewInsertBuilder(s.dialect, propertiesTable).
			Columns("path", "namespace", "name", "value", "updated_at").
			Values(path, p.Name.Space, p.Name.Local, p.Value, now).
			OnConflict("path", "namespace", "name").
			DoUpdate("value", "updated_at").
			Execute(ctx, tx)
		if err != nil {
			return nil, fmt.Errorf("%w: save property {%s}%s: %v", ErrBackendUnavailable, p.Name.Space, p.Name.Local, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrBackendUnavailable, err)
	}
	return failures, nil
}

// RemoveProperties 删除指定属性
func (s *SQLStore) RemoveProperties(ctx context.Context, path string, names []xml.Name) error {
	path = utils.CleanPath(path)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", ErrBackendUnavailable, err)
	}
	defer tx.Rollback()

	for _, n := range names {
		_, err := NewDeleteBuilder(s.dialect, propertiesTable).
			Where("path = ?", path).
			Where("namespace = ?", n.Space).
			Where("name = ?", n.Local).
			Execute(ctx, tx)
		if err != nil {
			return fmt.Errorf("%w: delete property: %v", ErrBackendUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// RemoveAll 删除子树上的全部属性
//
// 前缀用 substr 逐字比较，SQLite 的 LIKE 对 ASCII 不区分大小写。
func (s *SQLStore) RemoveAll(ctx context.Context, path string) error {
	path = utils.CleanPath(path)
	b := NewDeleteBuilder(s.dialect, propertiesTable)
	if path != "/" {
		prefix := path + "/"
		b.Where("(path = ? OR substr(path, 1, ?) = ?)", path, utf8.RuneCountInString(prefix), prefix)
	}
	if _, err := b.Execute(ctx, s.db); err != nil {
		return fmt.Errorf("%w: delete properties under %s: %v", ErrBackendUnavailable, path, err)
	}
	return nil
}

// IgnoreEntry 数据库存储不占用文件系统条目
func (s *SQLStore) IgnoreEntry(*storage.Entry) bool { return false }

// Close 关闭数据库
func (s *SQLStore) Close() error {
	return s.db.Close()
}
