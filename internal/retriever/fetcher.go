// Package retriever fetches tracked feeds and detail pages over HTTP.
package retriever

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"sstracker/server/internal/identity"
	"sstracker/server/internal/models"
)

// maxDetailSize caps how much of a detail page is kept.
const maxDetailSize = 4 << 20

// Fetcher retrieves feeds and listing detail pages. Fetch leaves the payload
// category to the caller.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*models.RawFeedPayload, error)
	FetchDetail(ctx context.Context, link string) (int, []byte, error)
}

// HTTPFetcher decodes RSS and Atom feeds with gofeed and reads detail pages
// with a plain HTTP client.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	now       func() time.Time
}

var _ Fetcher = (*HTTPFetcher)(nil)

func NewHTTPFetcher(timeout time.Duration, userAgent string) *HTTPFetcher {
	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		now:       time.Now,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*models.RawFeedPayload, error) {
	fp := gofeed.NewParser()
	fp.Client = f.client
	fp.UserAgent = f.userAgent

	feed, err := fp.ParseURLWithContext(url, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}

	payload := &models.RawFeedPayload{
		SourceURL:   url,
		URLHash:     identity.URLHash(url),
		RetrievedAt: f.now().UTC(),
		Updated:     feed.Updated,
		Entries:     make([]models.FeedEntry, 0, len(feed.Items)),
	}
	for _, item := range feed.Items {
		entry := models.FeedEntry{
			Title:   item.Title,
			Link:    item.Link,
			Summary: item.Description,
		}
		if entry.Summary == "" {
			entry.Summary = item.Content
		}
		if item.PublishedParsed != nil {
			entry.Published = item.PublishedParsed.UTC()
		}
		payload.Entries = append(payload.Entries, entry)
	}
	return payload, nil
}

// FetchDetail returns the status and body of the page at link. Non-2xx
// responses are not errors; the status is recorded with the listing.
func (f *HTTPFetcher) FetchDetail(ctx context.Context, link string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("detail request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDetailSize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read detail page: %w", err)
	}
	return resp.StatusCode, body, nil
}
