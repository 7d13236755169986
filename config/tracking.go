package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"sstracker/server/internal/models"
)

// Source is a single tracked feed.
type Source struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// TrackingList maps each category to the feeds it is retrieved from.
type TrackingList map[models.Category][]Source

// LoadTrackingList reads the tracking list JSON file. Unknown categories are
// rejected so that a typo does not silently drop a feed.
func LoadTrackingList(path string) (TrackingList, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read tracking list: %w", err)
	}

	var raw map[string][]Source
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse tracking list: %w", err)
	}

	list := make(TrackingList, len(raw))
	for name, sources := range raw {
		category, err := models.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		if category == models.CategoryAll {
			return nil, fmt.Errorf("%w: %q is not a trackable category", models.ErrUnknownCategory, name)
		}
		for i := range sources {
			if sources[i].Type == "" {
				sources[i].Type = "rss"
			}
		}
		list[category] = sources
	}
	return list, nil
}

// Categories returns the tracked categories in a stable order.
func (t TrackingList) Categories() []models.Category {
	categories := make([]models.Category, 0, len(t))
	for c := range t {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })
	return categories
}
