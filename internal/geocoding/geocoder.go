package geocoding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultURL = "https://nominatim.openstreetmap.org/search"
	cacheFile  = "geocode_cache.json"
)

var ErrNoResults = errors.New("no geocoding results")

// Geocoder resolves Latvian street addresses with Nominatim. Results are kept
// in a JSON file so an address is only looked up once.
type Geocoder struct {
	logger    *logrus.Logger
	baseURL   string
	userAgent string
	cacheDir  string
	cache     map[string]orb.Point
	cacheLock sync.RWMutex
	saveLock  sync.Mutex
	client    *http.Client
	limiter   *rate.Limiter
}

// NewGeocoder loads the cache from cacheDir. rps <= 0 disables pacing, which
// is only sensible against a private Nominatim instance.
func NewGeocoder(baseURL, cacheDir string, rps float64, userAgent string, logger *logrus.Logger) (*Geocoder, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create geocode cache directory: %w", err)
	}

	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}

	g := &Geocoder{
		logger:    logger,
		baseURL:   baseURL,
		userAgent: userAgent,
		cacheDir:  cacheDir,
		cache:     make(map[string]orb.Point),
		client:    &http.Client{Timeout: 10 * time.Second},
		limiter:   rate.NewLimiter(limit, 1),
	}
	g.loadCache()
	return g, nil
}

func (g *Geocoder) loadCache() {
	data, err := os.ReadFile(filepath.Join(g.cacheDir, cacheFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			g.logger.Warnf("Could not load geocode cache: %v", err)
		}
		return
	}

	if err := json.Unmarshal(data, &g.cache); err != nil {
		g.logger.Errorf("Failed to parse geocode cache: %v", err)
		return
	}

	g.logger.Infof("Loaded %d cached addresses", len(g.cache))
}

func (g *Geocoder) saveCache() {
	g.saveLock.Lock()
	defer g.saveLock.Unlock()

	g.cacheLock.RLock()
	data, err := json.Marshal(g.cache)
	g.cacheLock.RUnlock()
	if err != nil {
		g.logger.Errorf("Failed to marshal geocode cache: %v", err)
		return
	}

	path := filepath.Join(g.cacheDir, cacheFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		g.logger.Errorf("Failed to save geocode cache: %v", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		g.logger.Errorf("Failed to save geocode cache: %v", err)
	}
}

type nominatimResponse []struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Cached reports how many addresses are in the cache.
func (g *Geocoder) Cached() int {
	g.cacheLock.RLock()
	defer g.cacheLock.RUnlock()
	return len(g.cache)
}

// Geocode returns the position of street in city.
func (g *Geocoder) Geocode(ctx context.Context, street, city string) (orb.Point, error) {
	cacheKey := street + "|" + city
	fullAddress := fmt.Sprintf("%s, %s, Latvia", street, city)

	g.cacheLock.RLock()
	point, ok := g.cache[cacheKey]
	g.cacheLock.RUnlock()
	if ok {
		g.logger.WithFields(logrus.Fields{
			"address": fullAddress,
			"lon":     point.Lon(),
			"lat":     point.Lat(),
			"source":  "cache",
		}).Debug("Found coordinates in cache")
		return point, nil
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return orb.Point{}, err
	}

	g.logger.WithField("address", fullAddress).Info("Geocoding address with Nominatim")

	params := url.Values{
		"q":            []string{fullAddress},
		"format":       []string{"json"},
		"limit":        []string{"1"},
		"countrycodes": []string{"lv"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL, nil)
	if err != nil {
		return orb.Point{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.URL.RawQuery = params.Encode()
	if g.userAgent != "" {
		req.Header.Set("User-Agent", g.userAgent)
	}
	req.Header.Set("Accept-Language", "lv-LV,lv;q=0.9,en-US;q=0.8,en;q=0.7")

	resp, err := g.client.Do(req)
	if err != nil {
		return orb.Point{}, fmt.Errorf("geocoding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return orb.Point{}, fmt.Errorf("geocoding request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return orb.Point{}, fmt.Errorf("failed to read response: %w", err)
	}

	var result nominatimResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return orb.Point{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(result) == 0 {
		return orb.Point{}, fmt.Errorf("%w: %s", ErrNoResults, fullAddress)
	}

	lat, err := strconv.ParseFloat(result[0].Lat, 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("invalid latitude %q: %w", result[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(result[0].Lon, 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("invalid longitude %q: %w", result[0].Lon, err)
	}
	point = orb.Point{lon, lat}

	g.logger.WithFields(logrus.Fields{
		"address": fullAddress,
		"lon":     lon,
		"lat":     lat,
		"source":  "nominatim",
	}).Info("Successfully geocoded address")

	g.cacheLock.Lock()
	g.cache[cacheKey] = point
	g.cacheLock.Unlock()
	g.saveCache()

	return point, nil
}
