package record

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tallybook/tallybook/internal/crypto"
	"github.com/tallybook/tallybook/internal/retry"
	"github.com/tallybook/tallybook/internal/user"
)

var ErrInvalidInput = errors.New("invalid input")

// Item is one plaintext payload for a batch store.
type Item struct {
	ID   string
	Data any
}

// Plain is one decrypted record returned by List.
type Plain struct {
	ID   string
	Data json.RawMessage
}

// Service encrypts on write and decrypts on read. Mutations run through the
// retry driver; reads fail fast since retrying a decrypt cannot help.
type Service struct {
	repo    Repository
	retrier *retry.Driver
	now     func() time.Time

	// Retry hooks are surfaced to observers (status lines, logs). Optional.
	Retry retry.Options
}

func NewService(repo Repository) *Service {
	return &Service{
		repo:    repo,
		retrier: retry.New(),
		now:     time.Now,
	}
}

// Store encrypts v under dek and upserts it by (collection, id, userID).
// Storing the same id twice under the same user updates in place.
func (s *Service) Store(ctx context.Context, collection, id string, v any, dek []byte, userID user.ID) error {
	if err := validateKey(collection, id, userID); err != nil {
		return err
	}

	rec, err := s.seal(collection, id, v, dek, userID)
	if err != nil {
		return err
	}
	return s.retrier.Do(ctx, "records.store", func(ctx context.Context) error {
		return s.repo.Put(ctx, rec)
	}, s.Retry)
}

// StoreBatch encrypts and upserts every item in one bulk write. On transient
// failure the whole batch is retried; the repository's batch primitive keeps
// it atomic.
func (s *Service) StoreBatch(ctx context.Context, collection string, items []Item, dek []byte, userID user.ID) error {
	if len(items) == 0 {
		return nil
	}

	recs := make([]EncryptedRecord, 0, len(items))
	for _, item := range items {
		if err := validateKey(collection, item.ID, userID); err != nil {
			return err
		}
		rec, err := s.seal(collection, item.ID, item.Data, dek, userID)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	return s.retrier.Do(ctx, "records.storeBatch", func(ctx context.Context) error {
		return s.repo.PutBatch(ctx, recs)
	}, s.Retry)
}

// Get decrypts the caller's record into out.
func (s *Service) Get(ctx context.Context, collection, id string, dek []byte, userID user.ID, out any) error {
	if err := validateKey(collection, id, userID); err != nil {
		return err
	}
	rec, err := s.repo.Get(ctx, collection, id, userID)
	if err != nil {
		return err
	}
	return crypto.Decrypt(dek, rec.Ciphertext, rec.IV, recordAAD(collection, id, userID), out)
}

// List decrypts every record the user owns in a collection.
func (s *Service) List(ctx context.Context, collection string, dek []byte, userID user.ID) ([]Plain, error) {
	if collection == "" || userID == "" {
		return nil, ErrInvalidInput
	}
	recs, err := s.repo.ListByUser(ctx, collection, userID)
	if err != nil {
		return nil, err
	}

	out := make([]Plain, 0, len(recs))
	for _, rec := range recs {
		var data json.RawMessage
		if err := crypto.Decrypt(dek, rec.Ciphertext, rec.IV, recordAAD(rec.Collection, rec.ID, rec.UserID), &data); err != nil {
			return nil, err
		}
		out = append(out, Plain{ID: rec.ID, Data: data})
	}
	return out, nil
}

// Delete removes only the caller's own (collection, id, userID) row.
func (s *Service) Delete(ctx context.Context, collection, id string, userID user.ID) error {
	if err := validateKey(collection, id, userID); err != nil {
		return err
	}
	return s.retrier.Do(ctx, "records.delete", func(ctx context.Context) error {
		return s.repo.Delete(ctx, collection, id, userID)
	}, s.Retry)
}

// ClearUserData removes every record across every collection owned by userID.
func (s *Service) ClearUserData(ctx context.Context, userID user.ID) error {
	if userID == "" {
		return ErrInvalidInput
	}
	return s.retrier.Do(ctx, "records.clearUser", func(ctx context.Context) error {
		return s.repo.DeleteAllForUser(ctx, userID)
	}, s.Retry)
}

// HasLegacyData reports whether pre-multi-user rows (no user partition) exist.
func (s *Service) HasLegacyData(ctx context.Context) (bool, error) {
	legacy, err := s.repo.ListLegacy(ctx)
	if err != nil {
		return false, err
	}
	return len(legacy) > 0, nil
}

// MigrateLegacy re-keys pre-multi-user rows under a newly registered user:
// decrypt with the legacy DEK, re-encrypt with the user's DEK bound to the
// new triple key, and swap the rows atomically. Returns the row count.
func (s *Service) MigrateLegacy(ctx context.Context, userID user.ID, legacyDEK, dek []byte) (int, error) {
	if userID == "" {
		return 0, ErrInvalidInput
	}

	legacy, err := s.repo.ListLegacy(ctx)
	if err != nil {
		return 0, err
	}
	if len(legacy) == 0 {
		return 0, nil
	}

	rekeyed := make([]EncryptedRecord, 0, len(legacy))
	for _, rec := range legacy {
		// Legacy rows predate AAD binding; decrypt with nil AAD.
		plaintext, err := crypto.DecryptBytes(legacyDEK, rec.Ciphertext, rec.IV, nil)
		if err != nil {
			return 0, err
		}
		ct, iv, err := crypto.EncryptBytes(dek, plaintext, recordAAD(rec.Collection, rec.ID, userID))
		if err != nil {
			return 0, err
		}
		rekeyed = append(rekeyed, EncryptedRecord{
			Collection: rec.Collection,
			ID:         rec.ID,
			UserID:     userID,
			Ciphertext: ct,
			IV:         iv,
			UpdatedAt:  s.now().UTC(),
		})
	}

	err = s.retrier.Do(ctx, "records.migrateLegacy", func(ctx context.Context) error {
		return s.repo.ReplaceLegacy(ctx, rekeyed)
	}, s.Retry)
	if err != nil {
		return 0, err
	}
	return len(rekeyed), nil
}

func (s *Service) seal(collection, id string, v any, dek []byte, userID user.ID) (EncryptedRecord, error) {
	ct, iv, err := crypto.Encrypt(dek, v, recordAAD(collection, id, userID))
	if err != nil {
		return EncryptedRecord{}, err
	}
	return EncryptedRecord{
		Collection: collection,
		ID:         id,
		UserID:     userID,
		Ciphertext: ct,
		IV:         iv,
		UpdatedAt:  s.now().UTC(),
	}, nil
}

func validateKey(collection, id string, userID user.ID) error {
	if collection == "" || id == "" || userID == "" {
		return ErrInvalidInput
	}
	return nil
}

// recordAAD binds the storage key into the authentication tag so a row moved
// to another key slot fails decryption instead of decoding under the wrong
// identity.
func recordAAD(collection, id string, userID user.ID) []byte {
	aad := make([]byte, 0, len(collection)+len(id)+len(userID)+2)
	aad = append(aad, collection...)
	aad = append(aad, 0)
	aad = append(aad, id...)
	aad = append(aad, 0)
	aad = append(aad, userID...)
	return aad
}
