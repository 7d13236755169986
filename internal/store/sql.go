package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"sstracker/server/internal/database"
	"sstracker/server/internal/models"
)

// listingRow is the relational shape of a listing. The envelope is stored in
// columns so it can be filtered and ordered; the category detail variant is
// kept as a JSON document.
type listingRow struct {
	Hash                string `gorm:"primaryKey;size:64"`
	Title               string
	SourceLink          string
	Price               string
	PublishedAt         time.Time
	RetrievedAt         time.Time
	FeedURLHash         string
	FirstSeenAt         time.Time
	LastSeenAt          time.Time
	EnrichmentState     string
	EnrichedAt          *time.Time
	RawDetailPayload    string
	RawDetailStatusCode int
	Details             string
}

// SQLStore keeps each category in its own table, keyed by identity hash.
type SQLStore struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore connects with the sqlite or postgres gorm driver and creates
// the category tables.
func NewSQLStore(backend, dsn string, logger *logrus.Logger) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch backend {
	case BackendSQLite:
		if err := database.EnsureParentDir(dsn); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(database.SQLiteDSN(dsn))
	case BackendPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, backend)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open listing database: %w", err)
	}

	s := &SQLStore{
		db:     db,
		logger: defaultLogger(logger),
		now:    time.Now,
	}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// SetClock replaces the wall clock, for tests.
func (s *SQLStore) SetClock(now func() time.Time) {
	s.now = now
}

func tableName(category models.Category) string {
	return "listings_" + string(category)
}

func (s *SQLStore) migrate() error {
	for _, c := range models.Categories {
		table := tableName(c)
		if err := s.db.Table(table).AutoMigrate(&listingRow{}); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", table, err)
		}
		index := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_published_at ON %s (published_at)", table, table)
		if err := s.db.Exec(index).Error; err != nil {
			return fmt.Errorf("failed to index %s: %w", table, err)
		}
	}
	return nil
}

func (s *SQLStore) Exists(ctx context.Context, category models.Category, hash string) (bool, error) {
	if !category.Valid() {
		return false, fmt.Errorf("%w: %q", models.ErrUnknownCategory, category)
	}
	var count int64
	err := s.db.WithContext(ctx).Table(tableName(category)).Where("hash = ?", hash).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check listing: %w", err)
	}
	return count > 0, nil
}

func (s *SQLStore) Write(ctx context.Context, listing *models.Listing) (bool, error) {
	if err := prepare(listing); err != nil {
		return false, err
	}

	existing, found, err := s.Get(ctx, listing.Category, listing.Hash)
	if err != nil {
		return false, err
	}
	merge(listing, existing, s.now().UTC())

	row, err := toRow(listing)
	if err != nil {
		return false, err
	}

	// A concurrent first write from another worker may land between the read
	// above and this insert; the conflict clause keeps its first_seen_at.
	err = s.db.WithContext(ctx).Table(tableName(listing.Category)).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "hash"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "source_link", "price", "published_at", "retrieved_at", "feed_url_hash",
			"last_seen_at", "enrichment_state", "enriched_at", "raw_detail_payload",
			"raw_detail_status_code", "details",
		}),
	}).Create(row).Error
	if err != nil {
		return false, fmt.Errorf("failed to write listing: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"short_hash": listing.ShortHash(),
		"category":   listing.Category,
		"known":      found,
	}).Debug("Listing written")
	return true, nil
}

func (s *SQLStore) Get(ctx context.Context, category models.Category, hash string) (*models.Listing, bool, error) {
	if !category.Valid() {
		return nil, false, fmt.Errorf("%w: %q", models.ErrUnknownCategory, category)
	}

	var row listingRow
	err := s.db.WithContext(ctx).Table(tableName(category)).Where("hash = ?", hash).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query listing: %w", err)
	}

	listing, err := fromRow(category, &row)
	if err != nil {
		return nil, false, err
	}
	return listing, true, nil
}

func (s *SQLStore) Update(ctx context.Context, listing *models.Listing) error {
	if err := prepare(listing); err != nil {
		return err
	}
	row, err := toRow(listing)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Table(tableName(listing.Category)).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hash"}},
		UpdateAll: true,
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("failed to update listing: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAll(ctx context.Context, category models.Category) ([]*models.Listing, error) {
	categories, err := categoriesOf(category)
	if err != nil {
		return nil, err
	}

	var listings []*models.Listing
	for _, c := range categories {
		var rows []listingRow
		err := s.db.WithContext(ctx).Table(tableName(c)).Order("published_at DESC").Order("hash").Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("failed to query %s listings: %w", c, err)
		}
		for i := range rows {
			listing, err := fromRow(c, &rows[i])
			if err != nil {
				s.logger.WithError(err).WithField("hash", rows[i].Hash).Warn("Skipping undecodable listing row")
				continue
			}
			listings = append(listings, listing)
		}
	}
	// Rows are ordered per table; a union needs a global order.
	sortByPublished(listings)
	return listings, nil
}

func (s *SQLStore) Count(ctx context.Context, category models.Category) (int, error) {
	categories, err := categoriesOf(category)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, c := range categories {
		var count int64
		if err := s.db.WithContext(ctx).Table(tableName(c)).Count(&count).Error; err != nil {
			return 0, fmt.Errorf("failed to count %s listings: %w", c, err)
		}
		total += count
	}
	return int(total), nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(l *models.Listing) (*listingRow, error) {
	var variant any
	switch l.Category {
	case models.CategoryApartment:
		variant = l.Apartment
	case models.CategoryHouse:
		variant = l.House
	case models.CategoryVehicle:
		variant = l.Vehicle
	case models.CategoryLand:
		variant = l.Land
	case models.CategoryAnimal:
		variant = l.Animal
	}
	details, err := json.Marshal(variant)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s details: %w", l.Category, err)
	}

	return &listingRow{
		Hash:                l.Hash,
		Title:               l.Title,
		SourceLink:          l.SourceLink,
		Price:               l.Price,
		PublishedAt:         l.PublishedAt.UTC(),
		RetrievedAt:         l.RetrievedAt.UTC(),
		FeedURLHash:         l.FeedURLHash,
		FirstSeenAt:         l.FirstSeenAt.UTC(),
		LastSeenAt:          l.LastSeenAt.UTC(),
		EnrichmentState:     string(l.EnrichmentState),
		EnrichedAt:          l.EnrichedAt,
		RawDetailPayload:    l.RawDetailPayload,
		RawDetailStatusCode: l.RawDetailStatusCode,
		Details:             string(details),
	}, nil
}

func fromRow(category models.Category, row *listingRow) (*models.Listing, error) {
	l, err := models.NewListing(category, row.Title)
	if err != nil {
		return nil, err
	}
	l.Hash = row.Hash
	l.SourceLink = row.SourceLink
	l.Price = row.Price
	l.PublishedAt = row.PublishedAt.UTC()
	l.RetrievedAt = row.RetrievedAt.UTC()
	l.FeedURLHash = row.FeedURLHash
	l.FirstSeenAt = row.FirstSeenAt.UTC()
	l.LastSeenAt = row.LastSeenAt.UTC()
	l.EnrichmentState = models.EnrichmentState(row.EnrichmentState)
	if row.EnrichedAt != nil {
		at := row.EnrichedAt.UTC()
		l.EnrichedAt = &at
	}
	l.RawDetailPayload = row.RawDetailPayload
	l.RawDetailStatusCode = row.RawDetailStatusCode

	var target any
	switch category {
	case models.CategoryApartment:
		target = l.Apartment
	case models.CategoryHouse:
		target = l.House
	case models.CategoryVehicle:
		target = l.Vehicle
	case models.CategoryLand:
		target = l.Land
	case models.CategoryAnimal:
		target = l.Animal
	}
	if row.Details != "" && row.Details != "null" {
		if err := json.Unmarshal([]byte(row.Details), target); err != nil {
			return nil, fmt.Errorf("failed to decode %s details: %w", category, err)
		}
	}
	return l, nil
}
