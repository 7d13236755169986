// Package parser turns cached feed entries into typed listings.
package parser

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"sstracker/server/internal/identity"
	"sstracker/server/internal/models"
)

// Field keys understood in models.FeedEntry.Fields. A value there wins over
// anything extracted from the summary text.
const (
	FieldStreet   = "street"
	FieldRooms    = "rooms"
	FieldFloor    = "floor"
	FieldFloors   = "floors"
	FieldArea     = "area"
	FieldLandArea = "land_area"
	FieldPrice    = "price"
	FieldModel    = "model"
	FieldYear     = "year"
	FieldMileage  = "mileage"
	FieldAge      = "age"
)

var labels = map[models.Category]map[string]*regexp.Regexp{
	models.CategoryApartment: {
		FieldStreet: regexp.MustCompile(`Iela:\s*(.+?)\s*Ist\.:`),
		FieldRooms:  regexp.MustCompile(`Ist\.:\s*(.+?)\s*m2`),
		FieldArea:   regexp.MustCompile(`m2:\s*(.+?)\s*St`),
		FieldFloor:  regexp.MustCompile(`vs:\s*(.+?)\s*Sērija`),
	},
	models.CategoryHouse: {
		FieldStreet:   regexp.MustCompile(`Iela:\s*(.+?)\s*m2:`),
		FieldArea:     regexp.MustCompile(`m2:\s*(.+?)\s*Stāvi:`),
		FieldFloors:   regexp.MustCompile(`Stāvi:\s*(.+?)\s*(?:Ist|Zem)`),
		FieldRooms:    regexp.MustCompile(`Ist\.:\s*(.+?)\s*Zem`),
		FieldLandArea: regexp.MustCompile(`Zem\. pl\.:\s*(.+?\s*(?:m2|m|ha))\b`),
	},
	models.CategoryVehicle: {
		FieldModel:   regexp.MustCompile(`Modelis:\s*(.+?)\s*Gads:`),
		FieldYear:    regexp.MustCompile(`Gads:\s*(.+?)\s*Tilp`),
		FieldMileage: regexp.MustCompile(`Nobrauk\.:\s*(.+?)\s*tūkst`),
	},
	models.CategoryLand: {
		FieldArea: regexp.MustCompile(`m2:\s*([0-9]+)\s*m`),
	},
	models.CategoryAnimal: {
		FieldAge: regexp.MustCompile(`Vecums:\s*(.+?)\s*(?:Cena:|$)`),
	},
}

var priceLabel = regexp.MustCompile(`Cena:\s*([0-9][0-9 ,.]*\s*(?:€|EUR)?)`)

// Parser maps feed entries to listings of the payload's category.
type Parser struct {
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Parser {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &Parser{logger: logger}
}

// Parse returns one listing per usable entry. Entries lacking the fields the
// category identity is built from are dropped, so every returned listing has
// its hash assigned. An unknown payload category is an error.
func (p *Parser) Parse(payload *models.RawFeedPayload) ([]*models.Listing, error) {
	if !payload.Category.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownCategory, payload.Category)
	}

	log := p.logger.WithFields(logrus.Fields{
		"url_hash": identity.Short(payload.URLHash),
		"category": payload.Category,
	})
	log.WithField("entries", len(payload.Entries)).Debug("Parsing feed payload")

	listings := make([]*models.Listing, 0, len(payload.Entries))
	for i := range payload.Entries {
		entry := &payload.Entries[i]
		listing, err := p.parseEntry(payload, entry)
		if err != nil {
			log.WithError(err).WithField("link", entry.Link).Warn("Could not parse entry, skipping")
			continue
		}
		listings = append(listings, listing)
	}
	return listings, nil
}

func (p *Parser) parseEntry(payload *models.RawFeedPayload, entry *models.FeedEntry) (*models.Listing, error) {
	title := identity.NormalizeTitle(entry.Title)
	if title == "" {
		return nil, fmt.Errorf("entry has no title")
	}

	listing, err := models.NewListing(payload.Category, title)
	if err != nil {
		return nil, err
	}
	listing.SourceLink = strings.TrimSpace(entry.Link)
	listing.PublishedAt = entry.Published.UTC()
	if entry.Published.IsZero() {
		listing.PublishedAt = payload.RetrievedAt.UTC()
	}
	listing.RetrievedAt = payload.RetrievedAt.UTC()
	listing.FeedURLHash = payload.URLHash

	text, err := PlainText(entry.Summary)
	if err != nil {
		return nil, err
	}
	field := func(key string) string {
		if v, ok := entry.Fields[key]; ok {
			return strings.TrimSpace(v)
		}
		re := priceLabel
		if key != FieldPrice {
			re = labels[payload.Category][key]
		}
		if re == nil {
			return ""
		}
		if m := re.FindStringSubmatch(text); len(m) == 2 {
			return strings.TrimSpace(m[1])
		}
		return ""
	}

	listing.Price = field(FieldPrice)
	switch payload.Category {
	case models.CategoryApartment:
		listing.Apartment.Street = field(FieldStreet)
		listing.Apartment.Rooms = field(FieldRooms)
		listing.Apartment.Area = field(FieldArea)
		listing.Apartment.Floor = field(FieldFloor)
	case models.CategoryHouse:
		listing.House.Street = field(FieldStreet)
		listing.House.Area = field(FieldArea)
		listing.House.Floors = field(FieldFloors)
		listing.House.Rooms = field(FieldRooms)
		listing.House.LandArea = field(FieldLandArea)
	case models.CategoryVehicle:
		listing.Vehicle.Model = field(FieldModel)
		listing.Vehicle.Year = field(FieldYear)
		listing.Vehicle.Mileage = field(FieldMileage)
	case models.CategoryLand:
		listing.Land.Area = field(FieldArea)
	case models.CategoryAnimal:
		listing.Animal.Age = field(FieldAge)
	}

	// Only dwellings may fall back to an undetermined street; the other
	// categories are keyed by their link.
	if payload.Category != models.CategoryApartment && payload.Category != models.CategoryHouse && listing.SourceLink == "" {
		return nil, fmt.Errorf("entry %q has no link", title)
	}

	if err := identity.Assign(listing); err != nil {
		return nil, err
	}
	return listing, nil
}

// PlainText strips the markup of a summary or detail page. Scripts and
// thumbnail links are dropped and text nodes are joined with single spaces.
func PlainText(markup string) (string, error) {
	if !strings.Contains(markup, "<") {
		return strings.Join(strings.Fields(markup), " "), nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("failed to parse markup: %w", err)
	}
	doc.Find("script, style, noscript, a:has(img)").Remove()

	var parts []string
	var walk func(*goquery.Selection)
	walk = func(sel *goquery.Selection) {
		sel.Contents().Each(func(_ int, node *goquery.Selection) {
			if goquery.NodeName(node) == "#text" {
				if t := strings.TrimSpace(node.Text()); t != "" {
					parts = append(parts, t)
				}
				return
			}
			walk(node)
		})
	}
	walk(doc.Selection)
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " "), nil
}
