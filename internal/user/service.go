package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidInput = errors.New("invalid input")

const (
	minUsernameLen = 2
	maxUsernameLen = 32
)

type Service struct {
	repo  Repository
	idGen func() ID
	now   func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{
		repo: repo,
		idGen: func() ID {
			return ID(uuid.NewString())
		},
		now: time.Now,
	}
}

// IsAvailable reports whether a username is free. Callers check this before
// generating any key material for a registration.
func (s *Service) IsAvailable(ctx context.Context, username string) (bool, error) {
	if s.repo == nil {
		return false, errors.New("repository is required")
	}
	name := NormalizeUsername(username)
	if !validUsername(name) {
		return false, ErrInvalidInput
	}
	_, err := s.repo.GetByUsername(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// Create persists a fully-populated user record. The username must already be
// normalized-unique; the repository enforces uniqueness as a hard constraint.
func (s *Service) Create(ctx context.Context, u User) (User, error) {
	if s.repo == nil {
		return User{}, errors.New("repository is required")
	}

	u.Username = NormalizeUsername(u.Username)
	if !validUsername(u.Username) {
		return User{}, ErrInvalidInput
	}
	if len(u.Salt) == 0 || len(u.WrappedDEK) == 0 || len(u.WrapIV) == 0 {
		return User{}, ErrInvalidInput
	}
	if len(u.SentinelCiphertext) == 0 || len(u.SentinelIV) == 0 {
		return User{}, ErrInvalidInput
	}

	if u.ID == "" {
		u.ID = s.idGen()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}

	if err := s.repo.Create(ctx, u); err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *Service) GetByID(ctx context.Context, id ID) (User, error) {
	if s.repo == nil {
		return User{}, errors.New("repository is required")
	}
	if id == "" {
		return User{}, ErrInvalidInput
	}
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByUsername(ctx context.Context, username string) (User, error) {
	if s.repo == nil {
		return User{}, errors.New("repository is required")
	}
	name := NormalizeUsername(username)
	if name == "" {
		return User{}, ErrInvalidInput
	}
	return s.repo.GetByUsername(ctx, name)
}

func (s *Service) List(ctx context.Context) ([]User, error) {
	if s.repo == nil {
		return nil, errors.New("repository is required")
	}
	return s.repo.List(ctx)
}

func (s *Service) Delete(ctx context.Context, id ID) error {
	if s.repo == nil {
		return errors.New("repository is required")
	}
	if id == "" {
		return ErrInvalidInput
	}
	return s.repo.Delete(ctx, id)
}

// NormalizeUsername lowercases and trims a username so uniqueness is
// case-insensitive.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validUsername(name string) bool {
	return len(name) >= minUsernameLen && len(name) <= maxUsernameLen
}
