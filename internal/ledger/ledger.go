// Package ledger records which raw feed payloads have already been turned
// into listings, so concurrent or repeated ingestion passes do not apply the
// same payload twice.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"sstracker/server/internal/database"
	"sstracker/server/internal/identity"
	"sstracker/server/internal/models"
)

// Entry is one processed payload.
type Entry struct {
	Checksum    string
	WorkerID    string
	ProcessedAt time.Time
}

type Ledger struct {
	db       *database.Database
	workerID string
	logger   *logrus.Logger
	now      func() time.Time
}

// New returns a ledger writing on behalf of workerID. The caller owns db.
func New(db *database.Database, workerID string, logger *logrus.Logger) *Ledger {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &Ledger{
		db:       db,
		workerID: workerID,
		logger:   logger,
		now:      time.Now,
	}
}

// ChecksumOf identifies one retrieval of a feed source.
func ChecksumOf(p *models.RawFeedPayload) string {
	return identity.Sum(p.URLHash + p.Marker())
}

// WasProcessed reports whether checksum has been marked by any worker.
func (l *Ledger) WasProcessed(ctx context.Context, checksum string) (bool, error) {
	_, found, err := l.Get(ctx, checksum)
	return found, err
}

// Get returns the entry for checksum. A missing entry is not an error.
func (l *Ledger) Get(ctx context.Context, checksum string) (*Entry, bool, error) {
	query := l.db.Rebind(`SELECT checksum, worker_id, processed_at FROM processed_payloads WHERE checksum = ?`)

	var e Entry
	err := l.db.GetDB().QueryRowContext(ctx, query, checksum).Scan(&e.Checksum, &e.WorkerID, &e.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query ledger: %w", err)
	}
	return &e, true, nil
}

// MarkProcessed records checksum. The first writer wins; a later call for the
// same checksum leaves the original entry untouched and returns false.
func (l *Ledger) MarkProcessed(ctx context.Context, checksum string) (bool, error) {
	query := l.db.Rebind(`
		INSERT INTO processed_payloads (checksum, worker_id, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT (checksum) DO NOTHING
	`)

	res, err := l.db.GetDB().ExecContext(ctx, query, checksum, l.workerID, l.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to mark payload processed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	inserted := affected > 0
	if !inserted {
		l.logger.WithFields(logrus.Fields{
			"checksum":  identity.Short(checksum),
			"worker_id": l.workerID,
		}).Debug("Payload already marked by another pass")
	}
	return inserted, nil
}

// Count returns the number of processed payloads.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	var count int
	if err := l.db.GetDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_payloads`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}
	return count, nil
}
