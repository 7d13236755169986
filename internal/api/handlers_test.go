package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sstracker/server/internal/models"
	"sstracker/server/internal/stats"
	"sstracker/server/internal/store"
)

type mockStats struct {
	mock.Mock
}

func (m *mockStats) Snapshot(ctx context.Context) (*stats.Snapshot, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(*stats.Snapshot)
	return s, args.Error(1)
}

func setupRouter(t *testing.T, statsSource StatsSource) (*gin.Engine, store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, err := store.NewFileStore(t.TempDir(), logrus.New())
	require.NoError(t, err)
	return NewRouter(NewHandler(s, statsSource, logrus.New())), s
}

func seed(t *testing.T, s store.Store) (*models.Listing, *models.Listing) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	flat, err := models.NewListing(models.CategoryApartment, "Sunny Flat")
	require.NoError(t, err)
	flat.Apartment.Street = "Elm St"
	flat.PublishedAt = base
	_, err = s.Write(ctx, flat)
	require.NoError(t, err)
	flat.RawDetailStatusCode = 200
	flat.RawDetailPayload = "detail"
	flat.EnrichmentState = models.Enriched
	flat.Apartment.City = "Liepāja"
	flat.Apartment.Coordinates = &orb.Point{21.0120, 56.5050}
	require.NoError(t, s.Update(ctx, flat))

	car, err := models.NewListing(models.CategoryVehicle, "Audi A4")
	require.NoError(t, err)
	car.SourceLink = "https://example.com/msg/1.html"
	car.PublishedAt = base.Add(time.Hour)
	_, err = s.Write(ctx, car)
	require.NoError(t, err)

	return flat, car
}

func get(router *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestGetListings(t *testing.T) {
	router, s := setupRouter(t, nil)
	seed(t, s)

	tests := []struct {
		name   string
		path   string
		status int
		titles []string
	}{
		{"single category", "/api/listings/apartment", http.StatusOK, []string{"Sunny Flat"}},
		{"all categories", "/api/listings/*", http.StatusOK, []string{"Audi A4", "Sunny Flat"}},
		{"enriched only", "/api/listings/*?enriched=true", http.StatusOK, []string{"Sunny Flat"}},
		{"unenriched only", "/api/listings/*?enriched=false", http.StatusOK, []string{"Audi A4"}},
		{"limit", "/api/listings/*?limit=1", http.StatusOK, []string{"Audi A4"}},
		{"unknown category", "/api/listings/boat", http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(router, tt.path)
			require.Equal(t, tt.status, w.Code)
			if tt.titles == nil {
				return
			}

			var listings []models.Listing
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listings))
			titles := make([]string, len(listings))
			for i, l := range listings {
				titles[i] = l.Title
			}
			assert.Equal(t, tt.titles, titles)
		})
	}
}

func TestGetListing(t *testing.T) {
	router, s := setupRouter(t, nil)
	flat, _ := seed(t, s)

	w := get(router, "/api/listings/apartment/"+flat.Hash)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Listing
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, flat.Hash, got.Hash)
	assert.Equal(t, "Elm St", got.Apartment.Street)

	assert.Equal(t, http.StatusNotFound, get(router, "/api/listings/apartment/missing").Code)
	assert.Equal(t, http.StatusNotFound, get(router, "/api/listings/house/"+flat.Hash).Code)
	assert.Equal(t, http.StatusBadRequest, get(router, "/api/listings/*/"+flat.Hash).Code)
}

func TestGetStats(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ms := &mockStats{}
	ms.On("Snapshot", mock.Anything).Return(&stats.Snapshot{FeedFiles: 7, LastFeedUpdate: &at}, nil)

	router, s := setupRouter(t, ms)
	seed(t, s)

	w := get(router, "/api/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Counts   map[string]int  `json:"counts"`
		Recorded *stats.Snapshot `json:"recorded"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Counts["apartment"])
	assert.Equal(t, 1, body.Counts["vehicle"])
	assert.Equal(t, 0, body.Counts["land"])
	assert.Equal(t, 2, body.Counts["total"])
	require.NotNil(t, body.Recorded)
	assert.Equal(t, 7, body.Recorded.FeedFiles)
	ms.AssertExpectations(t)
}

func TestCities(t *testing.T) {
	router, s := setupRouter(t, nil)
	seed(t, s)

	w := get(router, "/api/cities")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Liepāja")

	tests := []struct {
		name   string
		path   string
		status int
		count  int
	}{
		{"unaccented name", "/api/cities/liepaja/apartments", http.StatusNotFound, 0},
		{"exact name", "/api/cities/"+url.PathEscape("Liepāja")+"/apartments", http.StatusOK, 1},
		{"within radius", "/api/cities/"+url.PathEscape("Liepāja")+"/apartments?radius_km=2", http.StatusOK, 1},
		{"outside radius", "/api/cities/"+url.PathEscape("Liepāja")+"/apartments?radius_km=0.01", http.StatusOK, 0},
		{"bad radius", "/api/cities/"+url.PathEscape("Liepāja")+"/apartments?radius_km=-1", http.StatusBadRequest, 0},
		{"other city", "/api/cities/"+url.PathEscape("Rīga")+"/apartments", http.StatusOK, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(router, tt.path)
			require.Equal(t, tt.status, w.Code)
			if tt.status != http.StatusOK {
				return
			}
			var listings []models.Listing
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listings))
			assert.Len(t, listings, tt.count)
		})
	}
}

func TestCityCoverage(t *testing.T) {
	router, s := setupRouter(t, nil)
	seed(t, s)

	w := get(router, "/api/cities/"+url.PathEscape("Liepāja")+"/geojson")
	require.Equal(t, http.StatusOK, w.Code)

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Type string `json:"type"`
			} `json:"geometry"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "Point", fc.Features[0].Geometry.Type)

	assert.Equal(t, http.StatusNotFound, get(router, "/api/cities/Tallinn/geojson").Code)
}
