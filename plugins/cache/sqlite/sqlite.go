// Package sqlite 以 SQLite 文件持久化片段分析结果（按内容哈希寻址）。
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"annotrack/pkg/contract"
)

// Options: 数据库位置。
type Options struct {
	// Path: 数据库文件；":memory:" 为进程内临时库。默认 .annotrack/cache.db
	Path string `json:"path"`
}

const schema = `CREATE TABLE IF NOT EXISTS results (
	key        TEXT PRIMARY KEY,
	body       BLOB NOT NULL,
	created_at INTEGER NOT NULL
)`

// Cache 实现 contract.ResultCache。database/sql 自身并发安全。
type Cache struct {
	db  *sql.DB
	now func() time.Time
}

// New 打开（必要时创建）数据库并建表。
func New(o *Options) (*Cache, error) {
	path := o.Path
	if path == "" {
		path = filepath.Join(".annotrack", "cache.db")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// 每个连接各自持有一份内存库，固定为单连接。
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Cache{db: db, now: time.Now}, nil
}

// Get 未命中返回 (nil, false, nil)。
func (c *Cache) Get(ctx context.Context, key contract.RequestKey) ([]contract.Candidate, bool, error) {
	var body []byte
	err := c.db.QueryRowContext(ctx, `SELECT body FROM results WHERE key = ?`, string(key)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var cands []contract.Candidate
	if err := json.Unmarshal(body, &cands); err != nil {
		return nil, false, fmt.Errorf("cache entry %s: %v: %w", key, err, contract.ErrResponseInvalid)
	}
	return cands, true, nil
}

// Put 覆盖写入同键条目。
func (c *Cache) Put(ctx context.Context, key contract.RequestKey, cands []contract.Candidate) error {
	if cands == nil {
		cands = []contract.Candidate{}
	}
	body, err := json.Marshal(cands)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO results (key, body, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET body = excluded.body, created_at = excluded.created_at`,
		string(key), body, c.now().Unix())
	return err
}

// Len 返回条目数。
func (c *Cache) Len(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM results`).Scan(&n)
	return n, err
}

func (c *Cache) Close() error { return c.db.Close() }

var _ contract.ResultCache = (*Cache)(nil)
