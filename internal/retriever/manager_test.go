package retriever

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sstracker/server/config"
	"sstracker/server/internal/feedcache"
	"sstracker/server/internal/identity"
	"sstracker/server/internal/models"
)

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Fetch(ctx context.Context, url string) (*models.RawFeedPayload, error) {
	args := m.Called(ctx, url)
	p, _ := args.Get(0).(*models.RawFeedPayload)
	return p, args.Error(1)
}

func (m *mockFetcher) FetchDetail(ctx context.Context, link string) (int, []byte, error) {
	args := m.Called(ctx, link)
	return args.Int(0), nil, args.Error(2)
}

func payloadFor(url string, at time.Time) *models.RawFeedPayload {
	return &models.RawFeedPayload{
		SourceURL:   url,
		URLHash:     identity.URLHash(url),
		RetrievedAt: at,
		Entries:     []models.FeedEntry{{Title: "Sunny Flat"}},
	}
}

func TestUpdateAll(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache, err := feedcache.New(t.TempDir(), 5*time.Minute, nil, logrus.New())
	require.NoError(t, err)
	cache.SetClock(func() time.Time { return now })

	list := config.TrackingList{
		models.CategoryApartment: {
			{URL: "https://example.com/apartments", Type: "rss"},
			{URL: "https://example.com/broken", Type: "rss"},
		},
		models.CategoryVehicle: {
			{URL: "https://example.com/cars", Type: "rss"},
			{URL: "https://example.com/cars.json", Type: "json"},
		},
	}

	f := &mockFetcher{}
	f.On("Fetch", mock.Anything, "https://example.com/apartments").Return(payloadFor("https://example.com/apartments", now), nil).Once()
	f.On("Fetch", mock.Anything, "https://example.com/broken").Return(nil, errors.New("503")).Twice()
	f.On("Fetch", mock.Anything, "https://example.com/cars").Return(payloadFor("https://example.com/cars", now), nil).Once()

	m := NewManager(list, cache, f, logrus.New())
	report, err := m.UpdateAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Fetched: 2, Failed: 1}, report)

	assert.True(t, cache.Fresh("https://example.com/apartments"))
	assert.False(t, cache.Fresh("https://example.com/broken"))

	var categories []models.Category
	for p := range cache.Load(true) {
		categories = append(categories, p.Category)
	}
	slices.Sort(categories)
	assert.Equal(t, []models.Category{models.CategoryApartment, models.CategoryVehicle}, categories)

	// A second pass inside the window only retries the failed feed.
	report, err = m.UpdateAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Fresh: 2, Failed: 1}, report)
	f.AssertExpectations(t)
}

func TestUpdateAllCancelled(t *testing.T) {
	cache, err := feedcache.New(t.TempDir(), time.Minute, nil, logrus.New())
	require.NoError(t, err)
	list := config.TrackingList{
		models.CategoryApartment: {{URL: "https://example.com/apartments", Type: "rss"}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = NewManager(list, cache, &mockFetcher{}, logrus.New()).UpdateAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
