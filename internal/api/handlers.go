package api

import (
	"context"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"sstracker/server/internal/models"
	"sstracker/server/internal/stats"
	"sstracker/server/internal/store"
)

// StatsSource provides the recorded tracker counters.
type StatsSource interface {
	Snapshot(ctx context.Context) (*stats.Snapshot, error)
}

type Handler struct {
	store  store.Store
	stats  StatsSource
	logger *logrus.Logger
}

// NewHandler serves listings from s. statsSource may be nil.
func NewHandler(s store.Store, statsSource StatsSource, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &Handler{
		store:  s,
		stats:  statsSource,
		logger: logger,
	}
}

type ListingQuery struct {
	Enriched *bool `form:"enriched"`
	Limit    int   `form:"limit"`
}

func (h *Handler) category(c *gin.Context) (models.Category, bool) {
	category, err := models.ParseCategory(c.Param("category"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return category, true
}

// GetListings returns the listings of a category, newest first. "*" selects
// every category.
func (h *Handler) GetListings(c *gin.Context) {
	category, ok := h.category(c)
	if !ok {
		return
	}

	var query ListingQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query parameters"})
		return
	}

	listings, err := h.store.GetAll(c.Request.Context(), category)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get listings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get listings"})
		return
	}

	filtered := make([]*models.Listing, 0, len(listings))
	for _, l := range listings {
		if query.Enriched != nil && (l.EnrichmentState == models.Enriched) != *query.Enriched {
			continue
		}
		filtered = append(filtered, l)
		if query.Limit > 0 && len(filtered) == query.Limit {
			break
		}
	}

	c.JSON(http.StatusOK, filtered)
}

func (h *Handler) GetListing(c *gin.Context) {
	category, ok := h.category(c)
	if !ok {
		return
	}
	if category == models.CategoryAll {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A concrete category is required"})
		return
	}

	listing, found, err := h.store.Get(c.Request.Context(), category, c.Param("hash"))
	if err != nil {
		h.logger.WithError(err).Error("Failed to get listing")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get listing"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		return
	}

	c.JSON(http.StatusOK, listing)
}

// GetStats returns live listing counts plus the recorded counters.
func (h *Handler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()

	categories := make([]models.Category, 0, len(models.Categories)+1)
	categories = append(categories, models.Categories...)
	categories = append(categories, models.CategoryAll)

	counts := make(map[string]int, len(categories))
	for _, category := range categories {
		n, err := h.store.Count(ctx, category)
		if err != nil {
			h.logger.WithError(err).Error("Failed to count listings")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count listings"})
			return
		}
		key := string(category)
		if category == models.CategoryAll {
			key = "total"
		}
		counts[key] = n
	}

	response := gin.H{"counts": counts}
	if h.stats != nil {
		snapshot, err := h.stats.Snapshot(ctx)
		if err != nil && snapshot == nil {
			h.logger.WithError(err).Error("Failed to read stats")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read stats"})
			return
		}
		if err != nil {
			h.logger.WithError(err).Warn("Some stats could not be decoded")
		}
		response["recorded"] = snapshot
	}

	c.JSON(http.StatusOK, response)
}
