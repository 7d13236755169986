package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"sstracker/server/internal/models"
)

const listingExt = ".listing"

// FileStore keeps one JSON file per listing at {root}/{category}/{hash}.listing.
type FileStore struct {
	root   string
	logger *logrus.Logger
	now    func() time.Time
}

var _ Store = (*FileStore)(nil)

func NewFileStore(root string, logger *logrus.Logger) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create object dir: %w", err)
	}
	return &FileStore{
		root:   root,
		logger: defaultLogger(logger),
		now:    time.Now,
	}, nil
}

// SetClock replaces the wall clock, for tests.
func (s *FileStore) SetClock(now func() time.Time) {
	s.now = now
}

// Path returns the file a listing is stored in.
func (s *FileStore) Path(category models.Category, hash string) string {
	return filepath.Join(s.root, string(category), hash+listingExt)
}

func (s *FileStore) Exists(_ context.Context, category models.Category, hash string) (bool, error) {
	if !category.Valid() {
		return false, fmt.Errorf("%w: %q", models.ErrUnknownCategory, category)
	}
	_, err := os.Stat(s.Path(category, hash))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat listing: %w", err)
	}
	return true, nil
}

func (s *FileStore) Write(ctx context.Context, listing *models.Listing) (bool, error) {
	if err := prepare(listing); err != nil {
		return false, err
	}

	existing, found, err := s.Get(ctx, listing.Category, listing.Hash)
	if err != nil {
		return false, err
	}
	merge(listing, existing, s.now().UTC())

	fields := logrus.Fields{"short_hash": listing.ShortHash(), "category": listing.Category}
	if found {
		s.logger.WithFields(fields).Debug("Listing is known, updating last seen time")
	} else {
		s.logger.WithFields(fields).Debug("New listing")
	}

	if err := s.save(listing); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) Get(_ context.Context, category models.Category, hash string) (*models.Listing, bool, error) {
	if !category.Valid() {
		return nil, false, fmt.Errorf("%w: %q", models.ErrUnknownCategory, category)
	}
	listing, err := s.read(s.Path(category, hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return listing, true, nil
}

func (s *FileStore) Update(_ context.Context, listing *models.Listing) error {
	if err := prepare(listing); err != nil {
		return err
	}
	return s.save(listing)
}

func (s *FileStore) GetAll(_ context.Context, category models.Category) ([]*models.Listing, error) {
	files, err := s.files(category)
	if err != nil {
		return nil, err
	}

	listings := make([]*models.Listing, 0, len(files))
	for _, path := range files {
		listing, err := s.read(path)
		if err != nil {
			s.logger.WithError(err).WithField("path", path).Warn("Skipping unreadable listing file")
			continue
		}
		listings = append(listings, listing)
	}
	sortByPublished(listings)

	s.logger.WithFields(logrus.Fields{
		"category": category,
		"count":    len(listings),
	}).Debug("Loaded listings from disk")
	return listings, nil
}

func (s *FileStore) Count(_ context.Context, category models.Category) (int, error) {
	files, err := s.files(category)
	if err != nil {
		return 0, err
	}
	return len(files), nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) files(category models.Category) ([]string, error) {
	categories, err := categoriesOf(category)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, c := range categories {
		matches, err := filepath.Glob(filepath.Join(s.root, string(c), "*"+listingExt))
		if err != nil {
			return nil, fmt.Errorf("failed to list %s listings: %w", c, err)
		}
		files = append(files, matches...)
	}
	return files, nil
}

func (s *FileStore) read(path string) (*models.Listing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var listing models.Listing
	if err := json.Unmarshal(data, &listing); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return &listing, nil
}

// save writes through a temp file and a rename so a concurrent reader never
// sees a partial listing.
func (s *FileStore) save(listing *models.Listing) error {
	path := s.Path(listing.Category, listing.Hash)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create category dir: %w", err)
	}

	data, err := json.Marshal(listing)
	if err != nil {
		return fmt.Errorf("failed to encode listing: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+strings.TrimSuffix(filepath.Base(path), listingExt)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write listing: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move listing into place: %w", err)
	}
	return nil
}
