package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sstracker/server/internal/models"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "files", cfg.Store.Backend)
	assert.Equal(t, 300*time.Second, cfg.CacheValidity())
	assert.Equal(t, "sqlite3", cfg.Ledger.Driver)
	assert.Equal(t, 4, cfg.Ingest.Workers)
	assert.False(t, cfg.Geocoding.Enabled)
	assert.Equal(t, "https://nominatim.openstreetmap.org/search", cfg.Geocoding.URL)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("CACHE_VALIDITY_SECONDS", "60")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("INGEST_WORKERS", "8")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.CacheValidity())
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 8, cfg.Ingest.Workers)
	assert.Equal(t, logrus.DebugLevel, cfg.NewLogger().GetLevel())
}

func TestLoadConfigRejectsBadNumbers(t *testing.T) {
	t.Setenv("INGEST_WORKERS", "many")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func writeTrackingList(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tracking.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadTrackingList(t *testing.T) {
	path := writeTrackingList(t, `{
		"apartment": [{"url": "https://example.com/flats/rss/", "type": "rss"}],
		"vehicle": [{"url": "https://example.com/cars/rss/"}]
	}`)

	list, err := LoadTrackingList(path)
	require.NoError(t, err)

	assert.Equal(t, []models.Category{models.CategoryApartment, models.CategoryVehicle}, list.Categories())
	assert.Equal(t, "rss", list[models.CategoryVehicle][0].Type)
}

func TestLoadTrackingListRejectsUnknownCategory(t *testing.T) {
	path := writeTrackingList(t, `{"boat": [{"url": "https://example.com/boats/rss/"}]}`)

	_, err := LoadTrackingList(path)
	assert.ErrorIs(t, err, models.ErrUnknownCategory)
}

func TestLoadTrackingListMissingFile(t *testing.T) {
	_, err := LoadTrackingList(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
