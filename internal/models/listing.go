package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

var ErrUnknownCategory = errors.New("unknown category")

// Category is the closed set of classified kinds the tracker understands.
type Category string

const (
	CategoryApartment Category = "apartment"
	CategoryHouse     Category = "house"
	CategoryVehicle   Category = "vehicle"
	CategoryLand      Category = "land"
	CategoryAnimal    Category = "animal"

	// CategoryAll selects every category in store queries.
	CategoryAll Category = "*"
)

// Categories lists every concrete category in a stable order.
var Categories = []Category{
	CategoryApartment,
	CategoryHouse,
	CategoryVehicle,
	CategoryLand,
	CategoryAnimal,
}

// ParseCategory validates a category name coming from config or a request.
func ParseCategory(name string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(name)))
	if c == CategoryAll {
		return c, nil
	}
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, name)
}

// Valid reports whether c is one of the concrete categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

func (c Category) String() string {
	return string(c)
}

type EnrichmentState string

const (
	Unenriched EnrichmentState = "unenriched"
	Enriched   EnrichmentState = "enriched"
)

// Listing is one advertised item. The envelope fields are shared by every
// category; exactly one of the detail pointers is set, matching Category.
type Listing struct {
	Category    Category  `json:"category"`
	Hash        string    `json:"hash"`
	Title       string    `json:"title"`
	SourceLink  string    `json:"source_link,omitempty"`
	Price       string    `json:"price,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	RetrievedAt time.Time `json:"retrieved_at"`
	FeedURLHash string    `json:"feed_url_hash,omitempty"`

	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`

	EnrichmentState     EnrichmentState `json:"enrichment_state"`
	EnrichedAt          *time.Time      `json:"enriched_at,omitempty"`
	RawDetailPayload    string          `json:"raw_detail_payload,omitempty"`
	RawDetailStatusCode int             `json:"raw_detail_status_code,omitempty"`

	Apartment *ApartmentDetails `json:"apartment,omitempty"`
	House     *HouseDetails     `json:"house,omitempty"`
	Vehicle   *VehicleDetails   `json:"vehicle,omitempty"`
	Land      *LandDetails      `json:"land,omitempty"`
	Animal    *AnimalDetails    `json:"animal,omitempty"`
}

type ApartmentDetails struct {
	Street      string     `json:"street"`
	Rooms       string     `json:"rooms,omitempty"`
	Floor       string     `json:"floor,omitempty"`
	Area        string     `json:"area,omitempty"`
	City        string     `json:"city,omitempty"`
	Coordinates *orb.Point `json:"coordinates,omitempty"`
}

type HouseDetails struct {
	Street   string `json:"street"`
	Rooms    string `json:"rooms,omitempty"`
	Floors   string `json:"floors,omitempty"`
	Area     string `json:"area,omitempty"`
	LandArea string `json:"land_area,omitempty"`
}

type VehicleDetails struct {
	Model       string `json:"model,omitempty"`
	Mileage     string `json:"mileage,omitempty"`
	Year        string `json:"year,omitempty"`
	Engine      string `json:"engine,omitempty"`
	Gearbox     string `json:"gearbox,omitempty"`
	Color       string `json:"color,omitempty"`
	Inspection  string `json:"inspection,omitempty"`
	Description string `json:"description,omitempty"`
	PriceInt    int    `json:"price_int,omitempty"`
	MileageInt  int    `json:"mileage_int,omitempty"`
	FakeAd      bool   `json:"fake_ad,omitempty"`
}

type LandDetails struct {
	Area string `json:"area,omitempty"`
}

type AnimalDetails struct {
	Age string `json:"age,omitempty"`
}

// NewListing returns an unenriched listing of the given category with an
// empty detail variant attached.
func NewListing(category Category, title string) (*Listing, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	l := &Listing{
		Category:        category,
		Title:           title,
		EnrichmentState: Unenriched,
	}
	switch category {
	case CategoryApartment:
		l.Apartment = &ApartmentDetails{}
	case CategoryHouse:
		l.House = &HouseDetails{}
	case CategoryVehicle:
		l.Vehicle = &VehicleDetails{}
	case CategoryLand:
		l.Land = &LandDetails{}
	case CategoryAnimal:
		l.Animal = &AnimalDetails{}
	}
	return l, nil
}

// Validate checks that the detail variant matches the category tag.
func (l *Listing) Validate() error {
	if !l.Category.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, l.Category)
	}
	var ok bool
	switch l.Category {
	case CategoryApartment:
		ok = l.Apartment != nil
	case CategoryHouse:
		ok = l.House != nil
	case CategoryVehicle:
		ok = l.Vehicle != nil
	case CategoryLand:
		ok = l.Land != nil
	case CategoryAnimal:
		ok = l.Animal != nil
	}
	if !ok {
		return fmt.Errorf("listing %s is missing %s details", l.ShortHash(), l.Category)
	}
	return nil
}

// ShortHash is the display form of Hash, used in logs and URLs.
func (l *Listing) ShortHash() string {
	if len(l.Hash) < 10 {
		return l.Hash
	}
	return l.Hash[:10]
}

// HasDetail reports whether a detail page has been retrieved for the listing.
func (l *Listing) HasDetail() bool {
	return l.RawDetailStatusCode != 0 || l.RawDetailPayload != ""
}

// DetailRetryable reports whether the stored detail response was a transient
// failure (throttled or a server error) that a later pass should fetch again.
func (l *Listing) DetailRetryable() bool {
	code := l.RawDetailStatusCode
	return code == 429 || code >= 500
}

// Street returns the street for dwelling categories and "" otherwise.
func (l *Listing) Street() string {
	switch {
	case l.Apartment != nil:
		return l.Apartment.Street
	case l.House != nil:
		return l.House.Street
	}
	return ""
}

func (l *Listing) String() string {
	return fmt.Sprintf("%s: %s [%s]", l.Category, l.Title, l.ShortHash())
}

// InheritEnrichment carries the detail payload and the fields derived from it
// over from a previously stored version of the same listing. Feed entries
// never contain them, so re-ingesting a listing must not reset its
// enrichment. It is a no-op when l already has a detail payload.
func (l *Listing) InheritEnrichment(prev *Listing) {
	if prev == nil || l.HasDetail() || !prev.HasDetail() {
		return
	}
	l.RawDetailPayload = prev.RawDetailPayload
	l.RawDetailStatusCode = prev.RawDetailStatusCode
	l.EnrichmentState = prev.EnrichmentState
	l.EnrichedAt = prev.EnrichedAt

	switch {
	case l.Apartment != nil && prev.Apartment != nil:
		l.Apartment.City = prev.Apartment.City
		l.Apartment.Coordinates = prev.Apartment.Coordinates
	case l.Vehicle != nil && prev.Vehicle != nil:
		l.Vehicle.PriceInt = prev.Vehicle.PriceInt
		l.Vehicle.MileageInt = prev.Vehicle.MileageInt
		l.Vehicle.FakeAd = prev.Vehicle.FakeAd
	}
}
