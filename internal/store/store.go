// Package store persists listings keyed by their identity hash. Two
// interchangeable backends implement Store: a flat-file tree and a
// relational database with one table per category.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"sstracker/server/config"
	"sstracker/server/internal/identity"
	"sstracker/server/internal/models"
)

const (
	BackendFiles    = "files"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

var ErrUnsupportedBackend = errors.New("unsupported store backend")

// Store is the contract shared by every backend. Get returns (nil, false, nil)
// for an identity that was never written.
type Store interface {
	Exists(ctx context.Context, category models.Category, hash string) (bool, error)

	// Write merges listing into the store. A listing seen before keeps its
	// original FirstSeenAt and gets LastSeenAt set to now.
	Write(ctx context.Context, listing *models.Listing) (bool, error)

	Get(ctx context.Context, category models.Category, hash string) (*models.Listing, bool, error)

	// Update overwrites the stored listing unconditionally. It is reserved
	// for the detail retrieval and enrichment flows.
	Update(ctx context.Context, listing *models.Listing) error

	// GetAll returns listings ordered by PublishedAt, newest first.
	// models.CategoryAll unions every category.
	GetAll(ctx context.Context, category models.Category) ([]*models.Listing, error)

	Count(ctx context.Context, category models.Category) (int, error)

	Close() error
}

// Open builds the backend selected in cfg.
func Open(cfg *config.Config, logger *logrus.Logger) (Store, error) {
	switch cfg.Store.Backend {
	case BackendFiles:
		return NewFileStore(cfg.Store.ObjectDir, logger)
	case BackendSQLite, BackendPostgres:
		return NewSQLStore(cfg.Store.Backend, cfg.Store.DSN, logger)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, cfg.Store.Backend)
}

func defaultLogger(logger *logrus.Logger) *logrus.Logger {
	if logger != nil {
		return logger
	}
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)
	return logger
}

// prepare assigns the identity of a listing about to be stored and checks
// that its detail variant matches its category.
func prepare(listing *models.Listing) error {
	if listing == nil {
		return errors.New("listing is required")
	}
	if err := listing.Validate(); err != nil {
		return err
	}
	return identity.Assign(listing)
}

// merge applies the write lifecycle to incoming given the stored version, if
// any.
func merge(incoming, existing *models.Listing, now time.Time) {
	if existing == nil {
		incoming.FirstSeenAt = now
		incoming.LastSeenAt = now
		return
	}
	incoming.FirstSeenAt = existing.FirstSeenAt
	incoming.LastSeenAt = now
	if incoming.LastSeenAt.Before(incoming.FirstSeenAt) {
		incoming.LastSeenAt = incoming.FirstSeenAt
	}
	incoming.InheritEnrichment(existing)
}

// categoriesOf expands models.CategoryAll and rejects unknown names.
func categoriesOf(category models.Category) ([]models.Category, error) {
	if category == models.CategoryAll {
		return models.Categories, nil
	}
	if !category.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownCategory, category)
	}
	return []models.Category{category}, nil
}

func sortByPublished(listings []*models.Listing) {
	sort.SliceStable(listings, func(i, j int) bool {
		a, b := listings[i], listings[j]
		if !a.PublishedAt.Equal(b.PublishedAt) {
			return a.PublishedAt.After(b.PublishedAt)
		}
		return a.Hash < b.Hash
	})
}
