package retriever

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"sstracker/server/config"
	"sstracker/server/internal/identity"
	"sstracker/server/internal/models"
)

const sourceTypeRSS = "rss"

// FeedCache is the part of the freshness cache the manager writes through.
type FeedCache interface {
	Fresh(url string) bool
	Write(url string, payload *models.RawFeedPayload) error
}

// Report counts the outcome of one pass over the tracking list.
type Report struct {
	Fetched int `json:"fetched"`
	Fresh   int `json:"fresh"`
	Failed  int `json:"failed"`
}

// Manager refreshes every tracked feed whose cached copy went stale.
type Manager struct {
	list    config.TrackingList
	cache   FeedCache
	fetcher Fetcher
	logger  *logrus.Logger
}

func NewManager(list config.TrackingList, cache FeedCache, fetcher Fetcher, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &Manager{
		list:    list,
		cache:   cache,
		fetcher: fetcher,
		logger:  logger,
	}
}

// UpdateAll fetches stale feeds into the cache. A failing feed is logged and
// skipped; only cancellation stops the pass.
func (m *Manager) UpdateAll(ctx context.Context) (Report, error) {
	var report Report
	for _, category := range m.list.Categories() {
		for _, source := range m.list[category] {
			if err := ctx.Err(); err != nil {
				return report, err
			}

			log := m.logger.WithFields(logrus.Fields{
				"category": category,
				"url_hash": identity.Short(identity.URLHash(source.URL)),
			})
			if source.Type != sourceTypeRSS {
				log.WithField("type", source.Type).Warn("Unsupported source type, skipping")
				continue
			}
			if m.cache.Fresh(source.URL) {
				report.Fresh++
				log.Debug("Cached feed is fresh, not fetching")
				continue
			}

			payload, err := m.fetcher.Fetch(ctx, source.URL)
			if err != nil {
				report.Failed++
				log.WithError(err).Warn("Feed fetch failed, skipping")
				continue
			}
			payload.Category = category

			if err := m.cache.Write(source.URL, payload); err != nil {
				report.Failed++
				log.WithError(err).Error("Failed to cache feed")
				continue
			}
			report.Fetched++
			log.WithField("entries", len(payload.Entries)).Info("Feed retrieved")
		}
	}

	m.logger.WithFields(logrus.Fields{
		"fetched": report.Fetched,
		"fresh":   report.Fresh,
		"failed":  report.Failed,
	}).Info("Feed update finished")
	return report, nil
}
