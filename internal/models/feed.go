package models

import "time"

// FeedEntry is a single item of a retrieved feed, handed to the parser as is.
type FeedEntry struct {
	Title     string            `json:"title"`
	Link      string            `json:"link"`
	Summary   string            `json:"summary"`
	Published time.Time         `json:"published"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// RawFeedPayload is one successful retrieval of a feed source. Payloads are
// written once and never mutated.
type RawFeedPayload struct {
	SourceURL   string      `json:"source_url"`
	URLHash     string      `json:"url_hash"`
	Category    Category    `json:"category"`
	RetrievedAt time.Time   `json:"retrieved_at"`
	Updated     string      `json:"updated,omitempty"`
	Entries     []FeedEntry `json:"entries"`
}

// Marker identifies this particular retrieval of the source. The feed's own
// updated stamp wins when present.
func (p *RawFeedPayload) Marker() string {
	if p.Updated != "" {
		return p.Updated
	}
	return p.RetrievedAt.UTC().Format(time.RFC3339Nano)
}
