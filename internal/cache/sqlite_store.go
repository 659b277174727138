package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/any-hub/offline-hub/internal/cache/migrations"
)

const migrationTable = "schema_migrations"

// sqliteStorage 将所有缓存代放进同一个 SQLite 文件，entries 以 (generation, cache_key) 为主键。
type sqliteStorage struct {
	db *sql.DB
}

type sqliteCache struct {
	db   *sql.DB
	name string
}

// OpenSQLite 打开（或创建）数据库文件并执行内嵌迁移。
func OpenSQLite(path string) (Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &sqliteStorage{db: db}, nil
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO generations (name, created_at) VALUES (?, ?)`,
		name, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("open generation %s: %w", name, err)
	}
	return &sqliteCache{db: s.db, name: name}, nil
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM generations WHERE name = ?`, name)
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete generation %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE generation = ?`, name); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete entries of %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM generations ORDER BY created_at, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM generations WHERE name = ?`, name).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *sqliteStorage) Match(ctx context.Context, key string) (*Response, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT e.status, e.header, e.url, e.body, e.stored_at
		   FROM entries e
		   JOIN generations g ON g.name = e.generation
		  WHERE e.cache_key = ?
		  ORDER BY g.created_at, g.name
		  LIMIT 1`,
		key,
	)
	return scanResponse(row)
}

func (s *sqliteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (c *sqliteCache) Name() string { return c.name }

func (c *sqliteCache) Match(ctx context.Context, key string) (*Response, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT status, header, url, body, stored_at FROM entries WHERE generation = ? AND cache_key = ?`,
		c.name, key,
	)
	return scanResponse(row)
}

func (c *sqliteCache) Put(ctx context.Context, key string, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	stored := stamp(resp)
	header, err := json.Marshal(stored.Header)
	if err != nil {
		return err
	}
	body := stored.Body
	if body == nil {
		body = []byte{}
	}

	// 与 fs 驱动一致：缓存代已被删除时不写入孤儿条目。
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO entries (generation, cache_key, status, header, url, body, stored_at)
		 SELECT ?, ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM generations WHERE name = ?)
		 ON CONFLICT (generation, cache_key) DO UPDATE SET
		   status = excluded.status,
		   header = excluded.header,
		   url = excluded.url,
		   body = excluded.body,
		   stored_at = excluded.stored_at`,
		c.name, key, stored.Status, string(header), stored.URL, body, stored.StoredAt.UnixNano(), c.name,
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("generation %s unavailable", c.name)
	}
	return nil
}

func (c *sqliteCache) Delete(ctx context.Context, key string) (bool, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM entries WHERE generation = ? AND cache_key = ?`, c.name, key)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT cache_key FROM entries WHERE generation = ? ORDER BY cache_key`, c.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func scanResponse(row *sql.Row) (*Response, error) {
	var (
		resp     Response
		header   string
		storedAt int64
	)
	if err := row.Scan(&resp.Status, &header, &resp.URL, &resp.Body, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, fmt.Errorf("decode cached header: %w", err)
	}
	resp.StoredAt = time.Unix(0, storedAt).UTC()
	resp.FromCache = true
	return &resp, nil
}

// applyMigrations 按文件名顺序执行内嵌 *.sql，每个文件只执行一次。
func applyMigrations(db *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	createSQL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, applied_at INTEGER NOT NULL)`, migrationTable)
	if _, err := db.Exec(createSQL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var found int
		err := db.QueryRow("SELECT 1 FROM "+migrationTable+" WHERE name = ?", file).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", file, err)
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)",
			file, time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}
