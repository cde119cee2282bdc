package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tallybook/tallybook/internal/record"
	"github.com/tallybook/tallybook/internal/retry"
	"github.com/tallybook/tallybook/internal/user"
)

// PostgresStore keeps the vault in a Postgres database. Ciphertext columns
// aside, it is a conventional relational layout; the server still never sees
// plaintext because encryption happens client-side in the record service.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("db url is required")
	}

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	_ = ctx
	return s.db.Close()
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrator := NewMigrator(s.db, migrationsFS)
	return migrator.Up(ctx)
}

func (s *PostgresStore) Users() user.Repository {
	return &pgUserRepo{db: s.db}
}

func (s *PostgresStore) Records() record.Repository {
	return &pgRecordRepo{db: s.db}
}

// Postgres error codes the retry classifier cares about.
const (
	pgUniqueViolation = "23505"
	pgDiskFull        = "53100"
)

// mapPGError rewrites driver errors onto the sentinels the retry classifier
// and the repositories' callers understand.
func mapPGError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgDiskFull:
			return fmt.Errorf("%w: %v", retry.ErrStorageFull, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", retry.ErrStoreClosed, err)
	}
	return err
}

func isPGUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
