// Package postgres implements store.Store on PostgreSQL with pgx. Account
// mutations run in one transaction holding the account row lock.
package postgres

import (
	"errors"
	"time"

	"github.com/crosslogic/billing-core/internal/store"
	"github.com/crosslogic/billing-core/pkg/database"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Store is the PostgreSQL-backed store.
type Store struct {
	db     *database.Database
	logger *zap.Logger
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates a Store over an open pool.
func New(db *database.Database, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
