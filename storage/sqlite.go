package storage

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    partition TEXT NOT NULL,
    key       TEXT NOT NULL,
    value     TEXT NOT NULL,
    PRIMARY KEY (partition, key)
)`

// SQLiteConfig holds the parameters for opening a SQLite-backed store.
type SQLiteConfig struct {
	// Path is the filesystem path to the database file. The parent
	// directory must exist; the file is created if it does not. Use
	// ":memory:" for an in-memory database (pool size is forced to 1
	// since each in-memory connection is independent).
	Path string

	// PoolSize is the number of connections in the pool.
	// Default: 4
	PoolSize int
}

// SQLiteStore is a Store backed by a single SQLite table keyed by
// (partition, key). Safe for concurrent use; writes are serialized by
// SQLite itself.
type SQLiteStore struct {
	pool *sqlitex.Pool
}

// OpenSQLite opens (creating if necessary) the database at cfg.Path
// and prepares the key/value schema. The caller must Close the store
// when done.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrStorage)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	if cfg.Path == ":memory:" {
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			pragmas := []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA busy_timeout=5000",
			}
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return sqlitex.ExecuteTransient(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrStorage, cfg.Path, err)
	}

	return &SQLiteStore{pool: pool}, nil
}

// Close closes all connections in the pool.
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrStorage, err)
	}
	return nil
}

// GetAll returns every record in the partition.
func (s *SQLiteStore) GetAll(ctx context.Context, partition string) ([]Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: take connection: %v", ErrStorage, err)
	}
	defer s.pool.Put(conn)

	var records []Record
	err = sqlitex.Execute(conn,
		"SELECT key, value FROM kv WHERE partition = ?",
		&sqlitex.ExecOptions{
			Args: []any{partition},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				records = append(records, Record{
					Key:   stmt.ColumnText(0),
					Value: []byte(stmt.ColumnText(1)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("%w: get all %q: %v", ErrStorage, partition, err)
	}
	return records, nil
}

// Put inserts or replaces a record in the partition.
func (s *SQLiteStore) Put(ctx context.Context, partition string, rec Record) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: take connection: %v", ErrStorage, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO kv (partition, key, value) VALUES (?, ?, ?) ON CONFLICT (partition, key) DO UPDATE SET value = excluded.value",
		&sqlitex.ExecOptions{
			Args: []any{partition, rec.Key, string(rec.Value)},
		})
	if err != nil {
		return fmt.Errorf("%w: put %q/%q: %v", ErrStorage, partition, rec.Key, err)
	}
	return nil
}

// DeleteBatch removes the given keys from the partition.
func (s *SQLiteStore) DeleteBatch(ctx context.Context, partition string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: take connection: %v", ErrStorage, err)
	}
	defer s.pool.Put(conn)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(keys)), ", ")
	args := make([]any, 0, len(keys)+1)
	args = append(args, partition)
	for _, key := range keys {
		args = append(args, key)
	}

	err = sqlitex.Execute(conn,
		fmt.Sprintf("DELETE FROM kv WHERE partition = ? AND key IN (%s)", placeholders),
		&sqlitex.ExecOptions{Args: args})
	if err != nil {
		return fmt.Errorf("%w: delete batch %q: %v", ErrStorage, partition, err)
	}
	return nil
}

// Clear removes every record in the partition.
func (s *SQLiteStore) Clear(ctx context.Context, partition string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: take connection: %v", ErrStorage, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM kv WHERE partition = ?",
		&sqlitex.ExecOptions{Args: []any{partition}})
	if err != nil {
		return fmt.Errorf("%w: clear %q: %v", ErrStorage, partition, err)
	}
	return nil
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
