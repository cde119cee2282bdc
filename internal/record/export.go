package record

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tallybook/tallybook/internal/crypto"
	"github.com/tallybook/tallybook/internal/user"
)

// ExportSchemaVersion identifies the portable blob layout. Import refuses
// blobs from a different version before touching any ciphertext.
const ExportSchemaVersion = 1

var ErrInvalidExport = errors.New("invalid export blob")

// exportEnvelope is the outer, unencrypted header of a portable backup.
type exportEnvelope struct {
	SchemaVersion int       `json:"schemaVersion"`
	ExportedAt    time.Time `json:"exportedAt"`
	Salt          string    `json:"salt"`
	IV            string    `json:"iv"`
	Ciphertext    string    `json:"ciphertext"`
}

// exportBundle is the encrypted body: every decrypted record the user owns,
// keyed by collection then id.
type exportBundle struct {
	Collections map[string]map[string]json.RawMessage `json:"collections"`
}

// Export decrypts the user's entire record set and re-encrypts it as a single
// portable blob under a passphrase-derived key. The passphrase is independent
// of the account password, so a backup can be restored on another device or
// account.
func (s *Service) Export(ctx context.Context, userID user.ID, dek []byte, passphrase string) ([]byte, error) {
	if userID == "" || passphrase == "" {
		return nil, ErrInvalidInput
	}

	collections, err := s.repo.ListCollections(ctx, userID)
	if err != nil {
		return nil, err
	}

	bundle := exportBundle{Collections: make(map[string]map[string]json.RawMessage, len(collections))}
	for _, collection := range collections {
		plains, err := s.List(ctx, collection, dek, userID)
		if err != nil {
			return nil, err
		}
		byID := make(map[string]json.RawMessage, len(plains))
		for _, p := range plains {
			byID[p.ID] = p.Data
		}
		bundle.Collections[collection] = byID
	}

	body, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("encode export bundle: %w", err)
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveExportKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)

	ct, iv, err := crypto.EncryptBytes(key, body, nil)
	if err != nil {
		return nil, err
	}

	envelope := exportEnvelope{
		SchemaVersion: ExportSchemaVersion,
		ExportedAt:    s.now().UTC(),
		Salt:          base64.StdEncoding.EncodeToString(salt),
		IV:            base64.StdEncoding.EncodeToString(iv),
		Ciphertext:    base64.StdEncoding.EncodeToString(ct),
	}
	return json.Marshal(envelope)
}

// Import validates a portable blob's envelope, decrypts the bundle with the
// supplied passphrase, and stores every record under the active user's DEK.
// Returns the number of imported records.
func (s *Service) Import(ctx context.Context, blob []byte, passphrase string, dek []byte, userID user.ID) (int, error) {
	if userID == "" || passphrase == "" {
		return 0, ErrInvalidInput
	}

	var envelope exportEnvelope
	if err := json.Unmarshal(blob, &envelope); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidExport, err)
	}
	if envelope.SchemaVersion != ExportSchemaVersion {
		return 0, fmt.Errorf("%w: unsupported schema version %d", ErrInvalidExport, envelope.SchemaVersion)
	}
	if envelope.ExportedAt.IsZero() || envelope.Salt == "" || envelope.IV == "" || envelope.Ciphertext == "" {
		return 0, ErrInvalidExport
	}

	salt, err := base64.StdEncoding.DecodeString(envelope.Salt)
	if err != nil {
		return 0, fmt.Errorf("%w: bad salt", ErrInvalidExport)
	}
	iv, err := base64.StdEncoding.DecodeString(envelope.IV)
	if err != nil {
		return 0, fmt.Errorf("%w: bad iv", ErrInvalidExport)
	}
	ct, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return 0, fmt.Errorf("%w: bad ciphertext", ErrInvalidExport)
	}

	key, err := crypto.DeriveExportKey(passphrase, salt)
	if err != nil {
		return 0, err
	}
	defer crypto.Zero(key)

	body, err := crypto.DecryptBytes(key, ct, iv, nil)
	if err != nil {
		return 0, err
	}

	var bundle exportBundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidExport, err)
	}

	imported := 0
	for collection, byID := range bundle.Collections {
		items := make([]Item, 0, len(byID))
		for id, data := range byID {
			items = append(items, Item{ID: id, Data: data})
		}
		if err := s.StoreBatch(ctx, collection, items, dek, userID); err != nil {
			return imported, err
		}
		imported += len(items)
	}
	return imported, nil
}
