// Package storage provides the durable backends for users and encrypted
// records: SQLite for the default device-local database and Postgres for
// shared-host deployments. Both implement the same repositories; the rest of
// the application never sees which one is active.
package storage

import (
	"context"

	"github.com/tallybook/tallybook/internal/record"
	"github.com/tallybook/tallybook/internal/user"
)

type Store interface {
	Close(ctx context.Context) error
	Migrate(ctx context.Context) error
	Users() user.Repository
	Records() record.Repository
}

type NopStore struct{}

func NewNopStore() *NopStore {
	return &NopStore{}
}

func (s *NopStore) Close(ctx context.Context) error {
	_ = ctx
	return nil
}

func (s *NopStore) Migrate(ctx context.Context) error {
	_ = ctx
	return nil
}

func (s *NopStore) Users() user.Repository {
	return nil
}

func (s *NopStore) Records() record.Repository {
	return nil
}
