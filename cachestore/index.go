// Package cachestore indexes the on-disk packages cache in a small
// sqlite database, so "craft cache info" can answer size/count queries
// without walking the cache directory tree on every invocation.
package cachestore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/craftpm/craft/registry"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS packages (
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	tarball_path TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	cached_at INTEGER NOT NULL,
	PRIMARY KEY (name, version)
);
`

// Index is a sqlite-backed record of every tarball currently held in the
// packages cache.
type Index struct {
	pool *sqlitex.Pool
}

// Open opens (creating if necessary) the sqlite index at dsn, which may
// be a bare file path or a "file:...?_journal_mode=wal"-style DSN,
// following the teacher's store.newSqliteStore DSN handling.
func Open(dsn string) (*Index, error) {
	opts := sqlitex.PoolOptions{
		Flags: sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenURI,
	}
	if dsnURI, err := url.Parse(dsn); err == nil {
		if strings.EqualFold(dsnURI.Query().Get("_journal_mode"), "wal") {
			opts.Flags |= sqlite.OpenWAL
		}
	}

	pool, err := sqlitex.NewPool(dsn, opts)
	if err != nil {
		return nil, fmt.Errorf("opening cache index: %w", err)
	}

	idx := &Index{pool: pool}
	if err := idx.init(); err != nil {
		pool.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) init() error {
	conn, err := idx.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer idx.pool.Put(conn)
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// Close releases the underlying sqlite connection pool.
func (idx *Index) Close() error {
	return idx.pool.Close()
}

// Record upserts a cache entry for key, pointing at tarballPath on disk.
func (idx *Index) Record(ctx context.Context, key registry.Key, tarballPath string, sizeBytes int64) error {
	conn, err := idx.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer idx.pool.Put(conn)

	return sqlitex.Execute(conn, `
		INSERT INTO packages (name, version, tarball_path, size_bytes, cached_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name, version) DO UPDATE SET
			tarball_path = excluded.tarball_path,
			size_bytes = excluded.size_bytes,
			cached_at = excluded.cached_at
	`, &sqlitex.ExecOptions{
		Args: []any{key.Name, key.Version, tarballPath, sizeBytes, time.Now().Unix()},
	})
}

// Stats summarizes the packages cache for "craft cache info".
type Stats struct {
	PackageCount int
	TotalBytes   int64
}

// Info returns aggregate cache statistics.
func (idx *Index) Info(ctx context.Context) (Stats, error) {
	conn, err := idx.pool.Take(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer idx.pool.Put(conn)

	var stats Stats
	err = sqlitex.Execute(conn, `SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM packages`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.PackageCount = stmt.ColumnInt(0)
			stats.TotalBytes = stmt.ColumnInt64(1)
			return nil
		},
	})
	return stats, err
}

// Remove deletes a single cache entry's index record (the caller is
// responsible for removing the tarball from disk).
func (idx *Index) Remove(ctx context.Context, key registry.Key) error {
	conn, err := idx.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer idx.pool.Put(conn)

	return sqlitex.Execute(conn, `DELETE FROM packages WHERE name = ? AND version = ?`, &sqlitex.ExecOptions{
		Args: []any{key.Name, key.Version},
	})
}

// Clear removes every indexed entry.
func (idx *Index) Clear(ctx context.Context) error {
	conn, err := idx.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer idx.pool.Put(conn)
	return sqlitex.Execute(conn, `DELETE FROM packages`, nil)
}
