// Package record implements the encrypted record store. Plaintext payloads go
// in, AES-GCM ciphertext partitioned by (collection, id, user) comes out; the
// storage layer never sees plaintext. All mutating calls are routed through
// the retry driver.
package record

import (
	"context"
	"errors"
	"time"

	"github.com/tallybook/tallybook/internal/user"
)

var ErrNotFound = errors.New("record not found")

// EncryptedRecord is one durable row. The storage key is the triple
// (Collection, ID, UserID): two users may use the same application-level id
// in the same collection without collision.
type EncryptedRecord struct {
	Collection string
	ID         string
	UserID     user.ID
	Ciphertext []byte
	IV         []byte
	UpdatedAt  time.Time
}

// Repository is the durable backend. Put and PutBatch upsert by the triple
// key. Legacy rows are pre-multi-user records with an empty UserID.
type Repository interface {
	Put(ctx context.Context, rec EncryptedRecord) error
	PutBatch(ctx context.Context, recs []EncryptedRecord) error
	Get(ctx context.Context, collection, id string, userID user.ID) (EncryptedRecord, error)
	ListByUser(ctx context.Context, collection string, userID user.ID) ([]EncryptedRecord, error)
	ListCollections(ctx context.Context, userID user.ID) ([]string, error)
	Delete(ctx context.Context, collection, id string, userID user.ID) error
	DeleteAllForUser(ctx context.Context, userID user.ID) error
	ListLegacy(ctx context.Context) ([]EncryptedRecord, error)
	// ReplaceLegacy atomically inserts the re-keyed rows and removes every
	// legacy row.
	ReplaceLegacy(ctx context.Context, recs []EncryptedRecord) error
}
