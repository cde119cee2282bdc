package storage

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tallybook/tallybook/internal/record"
	"github.com/tallybook/tallybook/internal/retry"
	"github.com/tallybook/tallybook/internal/user"
)

// sqliteSchema is applied to every connection. CREATE IF NOT EXISTS keeps it
// idempotent, so there is no separate migration journal for the local file.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	salt TEXT NOT NULL,
	wrapped_dek TEXT NOT NULL,
	wrap_iv TEXT NOT NULL,
	sentinel_ct TEXT NOT NULL,
	sentinel_iv TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	ciphertext TEXT NOT NULL,
	iv TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, id, user_id)
);

CREATE INDEX IF NOT EXISTS records_by_user ON records (user_id, collection);
`

// sqlitePragmas are applied before the schema. WAL lets concurrent writers to
// different keys proceed with reads; busy_timeout absorbs brief write
// contention instead of failing with SQLITE_BUSY immediately.
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA busy_timeout=5000;",
	"PRAGMA foreign_keys=OFF;",
}

// SQLiteStore is the default device-local backend: a single database file
// under the user's data directory, no server process.
type SQLiteStore struct {
	pool *sqlitex.Pool
}

// NewSQLiteStore opens (creating if needed) the database at path. Pass
// ":memory:" with poolSize 1 for tests; each in-memory connection is an
// independent database, so the pool must not grow past one.
func NewSQLiteStore(path string, poolSize int) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	if path == ":memory:" {
		poolSize = 1
		// sqlitex.NewPool rejects the bare ":memory:" literal and requires
		// the URI form for in-memory databases.
		path = "file::memory:?mode=memory&cache=shared"
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range sqlitePragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("apply pragma: %w", err)
				}
			}
			return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return &SQLiteStore{pool: pool}, nil
}

func (s *SQLiteStore) Close(ctx context.Context) error {
	_ = ctx
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("close sqlite pool: %w", err)
	}
	return nil
}

// Migrate forces one connection through PrepareConn so schema problems
// surface at startup rather than on the first write.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	s.pool.Put(conn)
	return nil
}

func (s *SQLiteStore) Users() user.Repository {
	return &sqliteUserRepo{store: s}
}

func (s *SQLiteStore) Records() record.Repository {
	return &sqliteRecordRepo{store: s}
}

func (s *SQLiteStore) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", retry.ErrStoreClosed, err)
	}
	return conn, nil
}

// mapSQLiteError rewrites result codes onto the sentinels the retry
// classifier understands. Unique violations are handled at the call sites
// that know which constraint they hit.
func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	switch sqlite.ErrCode(err) {
	case sqlite.ResultFull:
		return fmt.Errorf("%w: %v", retry.ErrStorageFull, err)
	}
	return err
}

func isSQLiteUniqueViolation(err error) bool {
	code := sqlite.ErrCode(err)
	return code == sqlite.ResultConstraintUnique || code == sqlite.ResultConstraintPrimaryKey
}
