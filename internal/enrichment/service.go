// Package enrichment runs the second phase of a listing's life: fetching the
// detail page behind its link and deriving structured fields from it.
package enrichment

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"sstracker/server/internal/models"
	"sstracker/server/internal/store"
)

// DetailFetcher retrieves the detail page of a listing.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, link string) (int, []byte, error)
}

// Enricher derives fields from a listing's detail payload. It returns the
// listing with EnrichmentState set to models.Enriched when it could enrich
// it, and unchanged otherwise.
type Enricher interface {
	Enrich(ctx context.Context, listing *models.Listing) (*models.Listing, error)
}

// Report counts what a pass did with the listings it looked at.
type Report struct {
	Considered int `json:"considered"`
	Updated    int `json:"updated"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

type Service struct {
	store    store.Store
	fetcher  DetailFetcher
	enricher Enricher
	limiter  *rate.Limiter
	logger   *logrus.Logger
	now      func() time.Time
}

// NewService paces detail fetches to requestsPerSecond; a non-positive value
// disables pacing.
func NewService(s store.Store, fetcher DetailFetcher, enricher Enricher, requestsPerSecond float64, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &Service{
		store:    s,
		fetcher:  fetcher,
		enricher: enricher,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the wall clock, for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// RetrieveDetails fetches the detail page of every listing in category that
// has a link and no detail payload yet, or whose last response was throttled
// or a server error. A failed fetch is logged and the listing is left for the
// next pass.
func (s *Service) RetrieveDetails(ctx context.Context, category models.Category) (Report, error) {
	listings, err := s.store.GetAll(ctx, category)
	if err != nil {
		return Report{}, fmt.Errorf("failed to load listings: %w", err)
	}

	var report Report
	for _, l := range listings {
		if l.SourceLink == "" || (l.HasDetail() && !l.DetailRetryable()) {
			continue
		}
		report.Considered++
		log := s.logger.WithFields(logrus.Fields{"short_hash": l.ShortHash(), "category": l.Category})

		if err := s.limiter.Wait(ctx); err != nil {
			return report, err
		}
		status, body, err := s.fetcher.FetchDetail(ctx, l.SourceLink)
		if err != nil {
			report.Failed++
			log.WithError(err).Warn("Detail fetch failed, skipping")
			continue
		}

		// Ingestion may have written the listing since GetAll; only the
		// detail fields are ours to change.
		current, found, err := s.store.Get(ctx, l.Category, l.Hash)
		if err != nil {
			report.Failed++
			log.WithError(err).Error("Failed to reload listing")
			continue
		}
		if !found {
			report.Skipped++
			log.Warn("Listing disappeared before its detail payload was stored")
			continue
		}
		current.RawDetailStatusCode = status
		current.RawDetailPayload = string(body)
		if err := s.store.Update(ctx, current); err != nil {
			report.Failed++
			log.WithError(err).Error("Failed to store detail payload")
			continue
		}
		report.Updated++
		log.WithField("status", status).Debug("Stored detail payload")
	}

	s.logger.WithFields(logrus.Fields{
		"category":   category,
		"considered": report.Considered,
		"updated":    report.Updated,
		"failed":     report.Failed,
	}).Info("Detail retrieval finished")
	return report, nil
}

// Enrich moves listings with a detail payload from unenriched to enriched.
// With force, already enriched listings run through the transition again and
// get their derived fields overwritten. Listings without a detail payload
// are not considered.
func (s *Service) Enrich(ctx context.Context, category models.Category, force bool) (Report, error) {
	listings, err := s.store.GetAll(ctx, category)
	if err != nil {
		return Report{}, fmt.Errorf("failed to load listings: %w", err)
	}

	var report Report
	for _, l := range listings {
		if !l.HasDetail() || l.DetailRetryable() {
			continue
		}
		if l.EnrichmentState == models.Enriched && !force {
			continue
		}
		report.Considered++

		updated, err := s.enrichOne(ctx, l)
		switch {
		case err != nil:
			report.Failed++
			s.logger.WithError(err).WithField("short_hash", l.ShortHash()).Warn("Enrichment failed, skipping")
		case updated:
			report.Updated++
		default:
			report.Skipped++
		}
	}

	s.logger.WithFields(logrus.Fields{
		"category":   category,
		"force":      force,
		"considered": report.Considered,
		"updated":    report.Updated,
		"skipped":    report.Skipped,
		"failed":     report.Failed,
	}).Info("Enrichment finished")
	return report, nil
}

func (s *Service) enrichOne(ctx context.Context, l *models.Listing) (bool, error) {
	hash := l.Hash
	// A forced pass must see the enricher confirm the transition again.
	l.EnrichmentState = models.Unenriched
	enriched, err := s.enricher.Enrich(ctx, l)
	if err != nil {
		return false, err
	}
	if enriched == nil || enriched.EnrichmentState != models.Enriched {
		return false, nil
	}
	if enriched.Hash != hash || enriched.Category != l.Category {
		return false, fmt.Errorf("enricher changed the identity of listing %s", l.ShortHash())
	}

	// Keep lifecycle stamps written by ingestion while the enricher ran.
	if current, found, err := s.store.Get(ctx, l.Category, hash); err != nil {
		return false, fmt.Errorf("failed to reload listing: %w", err)
	} else if found {
		enriched.FirstSeenAt = current.FirstSeenAt
		enriched.LastSeenAt = current.LastSeenAt
	}

	at := s.now().UTC()
	enriched.EnrichedAt = &at
	if err := s.store.Update(ctx, enriched); err != nil {
		return false, fmt.Errorf("failed to store enriched listing: %w", err)
	}
	return true, nil
}
