package storage

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/tallybook/tallybook/internal/record"
	"github.com/tallybook/tallybook/internal/user"
)

// Binary columns (salts, IVs, ciphertext) are stored base64-encoded so both
// backends share one textual layout.
func encCol(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

func decCol(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode column: %w", err)
	}
	return raw, nil
}

type pgUserRepo struct {
	db *sql.DB
}

func (r *pgUserRepo) Create(ctx context.Context, u user.User) error {
	if u.ID == "" || u.Username == "" || u.CreatedAt.IsZero() {
		return fmt.Errorf("user id, username, and created_at are required")
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO users
		(id, username, salt, wrapped_dek, wrap_iv, sentinel_ct, sentinel_iv, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Username, encCol(u.Salt), encCol(u.WrappedDEK), encCol(u.WrapIV),
		encCol(u.SentinelCiphertext), encCol(u.SentinelIV), u.CreatedAt)
	if err != nil {
		if isPGUniqueViolation(err) {
			return user.ErrUsernameTaken
		}
		return fmt.Errorf("insert user: %w", mapPGError(err))
	}
	return nil
}

func (r *pgUserRepo) GetByID(ctx context.Context, id user.ID) (user.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, username, salt, wrapped_dek, wrap_iv, sentinel_ct, sentinel_iv, created_at
		FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (r *pgUserRepo) GetByUsername(ctx context.Context, username string) (user.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, username, salt, wrapped_dek, wrap_iv, sentinel_ct, sentinel_iv, created_at
		FROM users WHERE username = $1`, username)
	return scanUser(row)
}

func (r *pgUserRepo) List(ctx context.Context) ([]user.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, username, salt, wrapped_dek, wrap_iv, sentinel_ct, sentinel_iv, created_at
		FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", mapPGError(err))
	}
	defer rows.Close()

	var users []user.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (r *pgUserRepo) Delete(ctx context.Context, id user.ID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", mapPGError(err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return user.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (user.User, error) {
	var u user.User
	var salt, wrappedDEK, wrapIV, sentinelCT, sentinelIV string
	err := row.Scan(&u.ID, &u.Username, &salt, &wrappedDEK, &wrapIV, &sentinelCT, &sentinelIV, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, fmt.Errorf("scan user: %w", mapPGError(err))
	}

	for _, col := range []struct {
		dst *[]byte
		src string
	}{
		{&u.Salt, salt}, {&u.WrappedDEK, wrappedDEK}, {&u.WrapIV, wrapIV},
		{&u.SentinelCiphertext, sentinelCT}, {&u.SentinelIV, sentinelIV},
	} {
		raw, err := decCol(col.src)
		if err != nil {
			return user.User{}, err
		}
		*col.dst = raw
	}
	return u, nil
}

type pgRecordRepo struct {
	db *sql.DB
}

const pgUpsertRecord = `INSERT INTO records (collection, id, user_id, ciphertext, iv, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (collection, id, user_id)
	DO UPDATE SET ciphertext = EXCLUDED.ciphertext, iv = EXCLUDED.iv, updated_at = EXCLUDED.updated_at`

func (r *pgRecordRepo) Put(ctx context.Context, rec record.EncryptedRecord) error {
	if rec.Collection == "" || rec.ID == "" || rec.UserID == "" {
		return fmt.Errorf("record collection, id, and user_id are required")
	}
	_, err := r.db.ExecContext(ctx, pgUpsertRecord,
		rec.Collection, rec.ID, rec.UserID, encCol(rec.Ciphertext), encCol(rec.IV), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert record: %w", mapPGError(err))
	}
	return nil
}

func (r *pgRecordRepo) PutBatch(ctx context.Context, recs []record.EncryptedRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", mapPGError(err))
	}
	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx, pgUpsertRecord,
			rec.Collection, rec.ID, rec.UserID, encCol(rec.Ciphertext), encCol(rec.IV), rec.UpdatedAt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert record in batch: %w", mapPGError(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", mapPGError(err))
	}
	return nil
}

func (r *pgRecordRepo) Get(ctx context.Context, collection, id string, userID user.ID) (record.EncryptedRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT collection, id, user_id, ciphertext, iv, updated_at
		FROM records WHERE collection = $1 AND id = $2 AND user_id = $3`, collection, id, userID)
	return scanRecord(row)
}

func (r *pgRecordRepo) ListByUser(ctx context.Context, collection string, userID user.ID) ([]record.EncryptedRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT collection, id, user_id, ciphertext, iv, updated_at
		FROM records WHERE collection = $1 AND user_id = $2 ORDER BY id`, collection, userID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", mapPGError(err))
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (r *pgRecordRepo) ListCollections(ctx context.Context, userID user.ID) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT collection FROM records WHERE user_id = $1 ORDER BY collection`, userID)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", mapPGError(err))
	}
	defer rows.Close()

	var collections []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		collections = append(collections, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collections: %w", err)
	}
	return collections, nil
}

func (r *pgRecordRepo) Delete(ctx context.Context, collection, id string, userID user.ID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM records WHERE collection = $1 AND id = $2 AND user_id = $3`,
		collection, id, userID)
	if err != nil {
		return fmt.Errorf("delete record: %w", mapPGError(err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return record.ErrNotFound
	}
	return nil
}

func (r *pgRecordRepo) DeleteAllForUser(ctx context.Context, userID user.ID) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM records WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete user records: %w", mapPGError(err))
	}
	return nil
}

func (r *pgRecordRepo) ListLegacy(ctx context.Context) ([]record.EncryptedRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT collection, id, user_id, ciphertext, iv, updated_at
		FROM records WHERE user_id = ''`)
	if err != nil {
		return nil, fmt.Errorf("list legacy records: %w", mapPGError(err))
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (r *pgRecordRepo) ReplaceLegacy(ctx context.Context, recs []record.EncryptedRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin legacy swap: %w", mapPGError(err))
	}
	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx, pgUpsertRecord,
			rec.Collection, rec.ID, rec.UserID, encCol(rec.Ciphertext), encCol(rec.IV), rec.UpdatedAt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert re-keyed record: %w", mapPGError(err))
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE user_id = ''`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete legacy records: %w", mapPGError(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit legacy swap: %w", mapPGError(err))
	}
	return nil
}

func scanRecord(row rowScanner) (record.EncryptedRecord, error) {
	var rec record.EncryptedRecord
	var ciphertext, iv string
	err := row.Scan(&rec.Collection, &rec.ID, &rec.UserID, &ciphertext, &iv, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record.EncryptedRecord{}, record.ErrNotFound
		}
		return record.EncryptedRecord{}, fmt.Errorf("scan record: %w", mapPGError(err))
	}

	if rec.Ciphertext, err = decCol(ciphertext); err != nil {
		return record.EncryptedRecord{}, err
	}
	if rec.IV, err = decCol(iv); err != nil {
		return record.EncryptedRecord{}, err
	}
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]record.EncryptedRecord, error) {
	var recs []record.EncryptedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return recs, nil
}
