// Package user defines the vault's user accounts: one salt and one wrapped
// data-encryption key per user, never a password hash and never a plaintext
// key.
package user

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already taken")
)

type ID string

// User is created once at registration and is immutable except deletion. The
// DEK is persisted only in wrapped form; the sentinel fields hold the
// password-correctness probe encrypted under the DEK.
type User struct {
	ID                 ID
	Username           string
	Salt               []byte
	WrappedDEK         []byte
	WrapIV             []byte
	SentinelCiphertext []byte
	SentinelIV         []byte
	CreatedAt          time.Time
}

type Repository interface {
	Create(ctx context.Context, user User) error
	GetByID(ctx context.Context, id ID) (User, error)
	GetByUsername(ctx context.Context, username string) (User, error)
	List(ctx context.Context) ([]User, error)
	Delete(ctx context.Context, id ID) error
}
