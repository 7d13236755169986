// Package stats keeps tracker counters in a small key/value table.
package stats

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"sstracker/server/internal/database"
	"sstracker/server/internal/models"
	"sstracker/server/internal/store"
)

const (
	keyLastFeedUpdate  = "last_feed_update"
	keyFeedFileCount   = "feed_file_count"
	keyListingsPrefix  = "listings_count:"
	keyListingsTotal   = "listings_total"
	keyWithDetail      = "listings_with_detail"
	keyEnriched        = "listings_enriched"
	keyLastIngestRun   = "last_ingest_run"
	keyLastEnricherRun = "last_enricher_run"
)

// Stat is one counter row.
type Stat struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

func (Stat) TableName() string {
	return "tracker_stats"
}

// Snapshot is the decoded content of the stats table.
type Snapshot struct {
	LastFeedUpdate  *time.Time              `json:"last_feed_update,omitempty"`
	FeedFiles       int                     `json:"feed_files"`
	Listings        map[models.Category]int `json:"listings"`
	ListingsTotal   int                     `json:"listings_total"`
	WithDetail      int                     `json:"listings_with_detail"`
	Enriched        int                     `json:"listings_enriched"`
	LastIngestRun   *time.Time              `json:"last_ingest_run,omitempty"`
	LastEnricherRun *time.Time              `json:"last_enricher_run,omitempty"`
}

// Recorder writes counters. It satisfies feedcache.StatsRecorder.
type Recorder struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

// Open opens the SQLite stats database at dsn.
func Open(dsn string, logger *logrus.Logger) (*Recorder, error) {
	if err := database.EnsureParentDir(dsn); err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(database.SQLiteDSN(dsn)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open stats database: %w", err)
	}
	return NewRecorder(db, logger)
}

// NewRecorder migrates the stats table on db.
func NewRecorder(db *gorm.DB, logger *logrus.Logger) (*Recorder, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if err := db.AutoMigrate(&Stat{}); err != nil {
		return nil, fmt.Errorf("failed to migrate stats table: %w", err)
	}
	return &Recorder{db: db, logger: logger, now: time.Now}, nil
}

// timeLayout is fixed width so stored stamps compare in time order as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (r *Recorder) set(ctx context.Context, values map[string]string) error {
	return r.upsert(ctx, values, clause.Where{})
}

// setLater stores a time stamp only when it is later than the stored one, so
// concurrent writers cannot move it backwards.
func (r *Recorder) setLater(ctx context.Context, key string, at time.Time) error {
	return r.upsert(ctx, map[string]string{key: formatTime(at)}, clause.Where{
		Exprs: []clause.Expression{clause.Expr{SQL: "tracker_stats.value < excluded.value"}},
	})
}

func (r *Recorder) upsert(ctx context.Context, values map[string]string, guard clause.Where) error {
	now := r.now().UTC()
	rows := make([]Stat, 0, len(values))
	for k, v := range values {
		rows = append(rows, Stat{Key: k, Value: v, UpdatedAt: now})
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		Where:     guard,
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to store stats: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// RecordFeedUpdate stores the time of the latest feed write. Calls arrive
// asynchronously and in any order; an older stamp never replaces a newer one.
// Errors are logged.
func (r *Recorder) RecordFeedUpdate(at time.Time) {
	if err := r.setLater(context.Background(), keyLastFeedUpdate, at); err != nil {
		r.logger.WithError(err).Warn("Failed to record feed update")
	}
}

func (r *Recorder) RecordFeedFileCount(count int) {
	if err := r.set(context.Background(), map[string]string{keyFeedFileCount: strconv.Itoa(count)}); err != nil {
		r.logger.WithError(err).Warn("Failed to record feed file count")
	}
}

func (r *Recorder) RecordIngestRun(ctx context.Context, at time.Time) error {
	return r.setLater(ctx, keyLastIngestRun, at)
}

func (r *Recorder) RecordEnricherRun(ctx context.Context, at time.Time) error {
	return r.setLater(ctx, keyLastEnricherRun, at)
}

// Refresh recounts listings per category, and how many carry a detail
// payload or are enriched.
func (r *Recorder) Refresh(ctx context.Context, s store.Store) error {
	values := make(map[string]string, len(models.Categories)+3)
	total, withDetail, enriched := 0, 0, 0
	for _, c := range models.Categories {
		listings, err := s.GetAll(ctx, c)
		if err != nil {
			return fmt.Errorf("failed to load %s listings: %w", c, err)
		}
		values[keyListingsPrefix+string(c)] = strconv.Itoa(len(listings))
		total += len(listings)
		for _, l := range listings {
			if l.HasDetail() {
				withDetail++
			}
			if l.EnrichmentState == models.Enriched {
				enriched++
			}
		}
	}
	values[keyListingsTotal] = strconv.Itoa(total)
	values[keyWithDetail] = strconv.Itoa(withDetail)
	values[keyEnriched] = strconv.Itoa(enriched)

	r.logger.WithFields(logrus.Fields{
		"total":       total,
		"with_detail": withDetail,
		"enriched":    enriched,
	}).Debug("Refreshed listing stats")
	return r.set(ctx, values)
}

// Snapshot reads every counter back.
func (r *Recorder) Snapshot(ctx context.Context) (*Snapshot, error) {
	var rows []Stat
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}

	snap := &Snapshot{Listings: make(map[models.Category]int)}
	var errs []error
	for _, row := range rows {
		var err error
		switch {
		case row.Key == keyLastFeedUpdate:
			snap.LastFeedUpdate, err = parseTime(row.Value)
		case row.Key == keyLastIngestRun:
			snap.LastIngestRun, err = parseTime(row.Value)
		case row.Key == keyLastEnricherRun:
			snap.LastEnricherRun, err = parseTime(row.Value)
		case row.Key == keyFeedFileCount:
			snap.FeedFiles, err = strconv.Atoi(row.Value)
		case row.Key == keyListingsTotal:
			snap.ListingsTotal, err = strconv.Atoi(row.Value)
		case row.Key == keyWithDetail:
			snap.WithDetail, err = strconv.Atoi(row.Value)
		case row.Key == keyEnriched:
			snap.Enriched, err = strconv.Atoi(row.Value)
		case strings.HasPrefix(row.Key, keyListingsPrefix):
			var n int
			n, err = strconv.Atoi(row.Value)
			snap.Listings[models.Category(strings.TrimPrefix(row.Key, keyListingsPrefix))] = n
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("stat %s: %w", row.Key, err))
		}
	}
	if len(errs) > 0 {
		return snap, errors.Join(errs...)
	}
	return snap, nil
}

func parseTime(v string) (*time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Recorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
