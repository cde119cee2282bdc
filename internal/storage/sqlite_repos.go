package storage

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tallybook/tallybook/internal/record"
	"github.com/tallybook/tallybook/internal/user"
)

type sqliteUserRepo struct {
	store *SQLiteStore
}

func (r *sqliteUserRepo) Create(ctx context.Context, u user.User) error {
	if u.ID == "" || u.Username == "" || u.CreatedAt.IsZero() {
		return fmt.Errorf("user id, username, and created_at are required")
	}

	conn, err := r.store.take(ctx)
	if err != nil {
		return err
	}
	defer r.store.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO users
		(id, username, salt, wrapped_dek, wrap_iv, sentinel_ct, sentinel_iv, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			string(u.ID), u.Username, encCol(u.Salt), encCol(u.WrappedDEK), encCol(u.WrapIV),
			encCol(u.SentinelCiphertext), encCol(u.SentinelIV), u.CreatedAt.Unix(),
		},
	})
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return user.ErrUsernameTaken
		}
		return fmt.Errorf("insert user: %w", mapSQLiteError(err))
	}
	return nil
}

func (r *sqliteUserRepo) GetByID(ctx context.Context, id user.ID) (user.User, error) {
	return r.getOne(ctx, `SELECT id, username, salt, wrapped_dek, wrap_iv, sentinel_ct, sentinel_iv, created_at
		FROM users WHERE id = ?`, string(id))
}

func (r *sqliteUserRepo) GetByUsername(ctx context.Context, username string) (user.User, error) {
	return r.getOne(ctx, `SELECT id, username, salt, wrapped_dek, wrap_iv, sentinel_ct, sentinel_iv, created_at
		FROM users WHERE username = ?`, username)
}

func (r *sqliteUserRepo) getOne(ctx context.Context, query, arg string) (user.User, error) {
	conn, err := r.store.take(ctx)
	if err != nil {
		return user.User{}, err
	}
	defer r.store.pool.Put(conn)

	var u user.User
	found := false
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{arg},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			var err error
			u, err = userFromStmt(stmt)
			return err
		},
	})
	if err != nil {
		return user.User{}, fmt.Errorf("select user: %w", mapSQLiteError(err))
	}
	if !found {
		return user.User{}, user.ErrNotFound
	}
	return u, nil
}

func (r *sqliteUserRepo) List(ctx context.Context) ([]user.User, error) {
	conn, err := r.store.take(ctx)
	if err != nil {
		return nil, err
	}
	defer r.store.pool.Put(conn)

	var users []user.User
	err = sqlitex.Execute(conn, `SELECT id, username, salt, wrapped_dek, wrap_iv, sentinel_ct, sentinel_iv, created_at
		FROM users ORDER BY created_at`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			u, err := userFromStmt(stmt)
			if err != nil {
				return err
			}
			users = append(users, u)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", mapSQLiteError(err))
	}
	return users, nil
}

func (r *sqliteUserRepo) Delete(ctx context.Context, id user.ID) error {
	conn, err := r.store.take(ctx)
	if err != nil {
		return err
	}
	defer r.store.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM users WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{string(id)},
	})
	if err != nil {
		return fmt.Errorf("delete user: %w", mapSQLiteError(err))
	}
	if conn.Changes() == 0 {
		return user.ErrNotFound
	}
	return nil
}

func userFromStmt(stmt *sqlite.Stmt) (user.User, error) {
	u := user.User{
		ID:        user.ID(stmt.ColumnText(0)),
		Username:  stmt.ColumnText(1),
		CreatedAt: time.Unix(stmt.ColumnInt64(7), 0).UTC(),
	}
	for _, col := range []struct {
		dst *[]byte
		idx int
	}{
		{&u.Salt, 2}, {&u.WrappedDEK, 3}, {&u.WrapIV, 4},
		{&u.SentinelCiphertext, 5}, {&u.SentinelIV, 6},
	} {
		raw, err := decCol(stmt.ColumnText(col.idx))
		if err != nil {
			return user.User{}, err
		}
		*col.dst = raw
	}
	return u, nil
}

type sqliteRecordRepo struct {
	store *SQLiteStore
}

const sqliteUpsertRecord = `INSERT INTO records (collection, id, user_id, ciphertext, iv, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (collection, id, user_id)
	DO UPDATE SET ciphertext = excluded.ciphertext, iv = excluded.iv, updated_at = excluded.updated_at`

func (r *sqliteRecordRepo) Put(ctx context.Context, rec record.EncryptedRecord) error {
	if rec.Collection == "" || rec.ID == "" || rec.UserID == "" {
		return fmt.Errorf("record collection, id, and user_id are required")
	}

	conn, err := r.store.take(ctx)
	if err != nil {
		return err
	}
	defer r.store.pool.Put(conn)

	if err := upsertRecord(conn, rec); err != nil {
		return fmt.Errorf("upsert record: %w", mapSQLiteError(err))
	}
	return nil
}

func (r *sqliteRecordRepo) PutBatch(ctx context.Context, recs []record.EncryptedRecord) (err error) {
	if len(recs) == 0 {
		return nil
	}

	conn, takeErr := r.store.take(ctx)
	if takeErr != nil {
		return takeErr
	}
	defer r.store.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin batch: %w", mapSQLiteError(err))
	}
	defer endTransaction(&err)

	for _, rec := range recs {
		if err = upsertRecord(conn, rec); err != nil {
			err = fmt.Errorf("upsert record in batch: %w", mapSQLiteError(err))
			return err
		}
	}
	return nil
}

func (r *sqliteRecordRepo) Get(ctx context.Context, collection, id string, userID user.ID) (record.EncryptedRecord, error) {
	conn, err := r.store.take(ctx)
	if err != nil {
		return record.EncryptedRecord{}, err
	}
	defer r.store.pool.Put(conn)

	var rec record.EncryptedRecord
	found := false
	err = sqlitex.Execute(conn, `SELECT collection, id, user_id, ciphertext, iv, updated_at
		FROM records WHERE collection = ? AND id = ? AND user_id = ?`, &sqlitex.ExecOptions{
		Args: []any{collection, id, string(userID)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			var err error
			rec, err = recordFromStmt(stmt)
			return err
		},
	})
	if err != nil {
		return record.EncryptedRecord{}, fmt.Errorf("select record: %w", mapSQLiteError(err))
	}
	if !found {
		return record.EncryptedRecord{}, record.ErrNotFound
	}
	return rec, nil
}

func (r *sqliteRecordRepo) ListByUser(ctx context.Context, collection string, userID user.ID) ([]record.EncryptedRecord, error) {
	return r.list(ctx, `SELECT collection, id, user_id, ciphertext, iv, updated_at
		FROM records WHERE collection = ? AND user_id = ? ORDER BY id`, collection, string(userID))
}

func (r *sqliteRecordRepo) ListCollections(ctx context.Context, userID user.ID) ([]string, error) {
	conn, err := r.store.take(ctx)
	if err != nil {
		return nil, err
	}
	defer r.store.pool.Put(conn)

	var collections []string
	err = sqlitex.Execute(conn, `SELECT DISTINCT collection FROM records WHERE user_id = ? ORDER BY collection`,
		&sqlitex.ExecOptions{
			Args: []any{string(userID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				collections = append(collections, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", mapSQLiteError(err))
	}
	return collections, nil
}

func (r *sqliteRecordRepo) Delete(ctx context.Context, collection, id string, userID user.ID) error {
	conn, err := r.store.take(ctx)
	if err != nil {
		return err
	}
	defer r.store.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM records WHERE collection = ? AND id = ? AND user_id = ?`,
		&sqlitex.ExecOptions{Args: []any{collection, id, string(userID)}})
	if err != nil {
		return fmt.Errorf("delete record: %w", mapSQLiteError(err))
	}
	if conn.Changes() == 0 {
		return record.ErrNotFound
	}
	return nil
}

func (r *sqliteRecordRepo) DeleteAllForUser(ctx context.Context, userID user.ID) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	conn, err := r.store.take(ctx)
	if err != nil {
		return err
	}
	defer r.store.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM records WHERE user_id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(userID)}})
	if err != nil {
		return fmt.Errorf("delete user records: %w", mapSQLiteError(err))
	}
	return nil
}

func (r *sqliteRecordRepo) ListLegacy(ctx context.Context) ([]record.EncryptedRecord, error) {
	return r.list(ctx, `SELECT collection, id, user_id, ciphertext, iv, updated_at
		FROM records WHERE user_id = ''`)
}

func (r *sqliteRecordRepo) ReplaceLegacy(ctx context.Context, recs []record.EncryptedRecord) (err error) {
	conn, takeErr := r.store.take(ctx)
	if takeErr != nil {
		return takeErr
	}
	defer r.store.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin legacy swap: %w", mapSQLiteError(err))
	}
	defer endTransaction(&err)

	for _, rec := range recs {
		if err = upsertRecord(conn, rec); err != nil {
			err = fmt.Errorf("insert re-keyed record: %w", mapSQLiteError(err))
			return err
		}
	}
	if err = sqlitex.Execute(conn, `DELETE FROM records WHERE user_id = ''`, nil); err != nil {
		err = fmt.Errorf("delete legacy records: %w", mapSQLiteError(err))
		return err
	}
	return nil
}

func (r *sqliteRecordRepo) list(ctx context.Context, query string, args ...any) ([]record.EncryptedRecord, error) {
	conn, err := r.store.take(ctx)
	if err != nil {
		return nil, err
	}
	defer r.store.pool.Put(conn)

	var recs []record.EncryptedRecord
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rec, err := recordFromStmt(stmt)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", mapSQLiteError(err))
	}
	return recs, nil
}

func upsertRecord(conn *sqlite.Conn, rec record.EncryptedRecord) error {
	return sqlitex.Execute(conn, sqliteUpsertRecord, &sqlitex.ExecOptions{
		Args: []any{
			rec.Collection, rec.ID, string(rec.UserID),
			encCol(rec.Ciphertext), encCol(rec.IV), rec.UpdatedAt.Unix(),
		},
	})
}

func recordFromStmt(stmt *sqlite.Stmt) (record.EncryptedRecord, error) {
	rec := record.EncryptedRecord{
		Collection: stmt.ColumnText(0),
		ID:         stmt.ColumnText(1),
		UserID:     user.ID(stmt.ColumnText(2)),
		UpdatedAt:  time.Unix(stmt.ColumnInt64(5), 0).UTC(),
	}
	var err error
	if rec.Ciphertext, err = decCol(stmt.ColumnText(3)); err != nil {
		return record.EncryptedRecord{}, err
	}
	if rec.IV, err = decCol(stmt.ColumnText(4)); err != nil {
		return record.EncryptedRecord{}, err
	}
	return rec, nil
}
