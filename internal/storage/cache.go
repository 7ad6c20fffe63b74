package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrDeserialization is returned when a stored record cannot be decoded into
// the requested type.
var ErrDeserialization = errors.New("deserialization failure")

// Cache is a keyed, append-ordered record log in SQLite. Each key owns one
// table so logs of different conversations never contend on rows.
type Cache struct {
	db     *sql.DB
	mu     sync.Mutex
	tables map[string]bool
}

func Open(dbPath string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	c := &Cache{db: db, tables: make(map[string]bool)}
	if err := c.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := c.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (c *Cache) initSchema() error {
	_, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS cache_keys (
		key TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// ensureTable must be called with c.mu held.
func (c *Cache) ensureTable(ctx context.Context, key string) (string, error) {
	table := TableName(key)
	if c.tables[table] {
		return table, nil
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		data TEXT NOT NULL
	)`, table)
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return "", fmt.Errorf("create table for %q: %w", key, err)
	}
	if _, err := c.db.ExecContext(ctx, `INSERT OR IGNORE INTO cache_keys(key, table_name) VALUES (?, ?)`, key, table); err != nil {
		return "", fmt.Errorf("register key %q: %w", key, err)
	}
	c.tables[table] = true
	return table, nil
}

// Save appends record to key's log. With capacity > 0 the oldest row is
// evicted first once the log holds capacity rows. Count, eviction and insert
// commit together.
func (c *Cache) Save(ctx context.Context, key string, record any, capacity int) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record for %q: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	table, err := c.ensureTable(ctx, key)
	if err != nil {
		return err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if capacity > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&count); err != nil {
			return fmt.Errorf("count %q: %w", key, err)
		}
		if count >= capacity {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %[1]s WHERE id = (SELECT MIN(id) FROM %[1]s)`, table)); err != nil {
				return fmt.Errorf("evict oldest from %q: %w", key, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(data) VALUES (?)`, table), string(data)); err != nil {
		return fmt.Errorf("insert into %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (c *Cache) readRaw(ctx context.Context, key string) ([]string, error) {
	c.mu.Lock()
	table, err := c.ensureTable(ctx, key)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`SELECT data FROM %s ORDER BY id ASC`, table))
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", key, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %q: %w", key, err)
		}
		out = append(out, data)
	}
	return out, rows.Err()
}

// Read returns every record stored under key, oldest first.
func Read[T any](ctx context.Context, c *Cache, key string) ([]T, error) {
	raw, err := c.readRaw(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for i, data := range raw {
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("decode %q row %d: %w: %w", key, i, ErrDeserialization, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Count returns the number of records under key; unknown keys count zero.
func (c *Cache) Count(ctx context.Context, key string) (int, error) {
	c.mu.Lock()
	table, err := c.ensureTable(ctx, key)
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	var count int
	if err := c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %q: %w", key, err)
	}
	return count, nil
}

// Keys lists every key that has a table, optionally filtered by prefix.
func (c *Cache) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT key FROM cache_keys ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, rows.Err()
}

// Checkpoint folds the WAL back into the main database file.
func (c *Cache) Checkpoint(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// TableName maps a key to its table. Bytes outside [a-z0-9] are hex-escaped
// behind an underscore; SQLite identifiers are case-insensitive, so upper case
// is escaped too.
func TableName(key string) string {
	var b strings.Builder
	b.WriteString("conv_")
	for _, r := range []byte(key) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteByte(r)
		default:
			fmt.Fprintf(&b, "_%02x", r)
		}
	}
	return b.String()
}
