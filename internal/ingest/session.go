package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"sstracker/server/config"
	"sstracker/server/internal/database"
	"sstracker/server/internal/ledger"
	"sstracker/server/internal/store"
)

// Ledger is the part of the idempotency ledger a worker needs.
type Ledger interface {
	WasProcessed(ctx context.Context, checksum string) (bool, error)
	MarkProcessed(ctx context.Context, checksum string) (bool, error)
}

// Session holds the connections owned by a single worker. Workers never
// share a session.
type Session struct {
	Store  store.Store
	Ledger Ledger

	closers []func() error
}

// NewSession wraps already opened connections. closers run on Close in
// reverse order.
func NewSession(s store.Store, l Ledger, closers ...func() error) *Session {
	return &Session{Store: s, Ledger: l, closers: closers}
}

func (s *Session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenSession opens the connections for the worker identified by workerID.
type OpenSession func(workerID string) (*Session, error)

// ConfigSessions opens a fresh listing store and ledger connection per worker
// from cfg.
func ConfigSessions(cfg *config.Config, logger *logrus.Logger) OpenSession {
	return func(workerID string) (*Session, error) {
		st, err := store.Open(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open listing store: %w", err)
		}

		db, err := database.NewDatabase(cfg.Ledger.Driver, cfg.Ledger.DSN)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to open ledger database: %w", err)
		}
		if err := db.RunMigrations(); err != nil {
			db.Close()
			st.Close()
			return nil, fmt.Errorf("failed to migrate ledger database: %w", err)
		}

		return NewSession(st, ledger.New(db, workerID, logger), st.Close, db.Close), nil
	}
}
