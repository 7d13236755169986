package enrichment

import (
	"context"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"

	"sstracker/server/config"
	"sstracker/server/internal/identity"
	"sstracker/server/internal/models"
	"sstracker/server/internal/parser"
)

const (
	breadcrumbEnd = "Atgriezties"
	vehicleStart  = "Atgriezties uz sludinājumu sarakstu"
	saleMarker    = "Pārdod"
	buyOffer      = "Pērkam"
)

var (
	vehicleDetails = regexp.MustCompile(`Marka.+?Izlaiduma gads:`)
	engineLabel    = regexp.MustCompile(`Motors:\s*(.+?)\s*(?:Ātr\.kārba|Nobraukums)`)
	gearboxLabel   = regexp.MustCompile(`Ātr\.kārba:\s*(.+?)\s*(?:Nobraukums|Krāsa:)`)
	colorLabel     = regexp.MustCompile(`Krāsa:\s*(.+?)\s*Virsbūves tips:`)
	inspectLabel   = regexp.MustCompile(`Tehniskā apskate:\s*(.+?)\s*(?:VIN kods|Valsts)`)
	nonDigits      = regexp.MustCompile(`[^0-9]`)
)

// Geocoder resolves a street in a city to a point.
type Geocoder interface {
	Geocode(ctx context.Context, street, city string) (orb.Point, error)
}

// DefaultEnricher knows how to enrich apartments and vehicles. Listings of
// other categories, and listings whose detail fetch did not succeed, are
// returned unchanged.
type DefaultEnricher struct {
	geocoder Geocoder
	logger   *logrus.Logger
}

// NewDefaultEnricher returns an enricher placing apartments at their city
// center, or at their street when geocoder is not nil.
func NewDefaultEnricher(geocoder Geocoder, logger *logrus.Logger) *DefaultEnricher {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &DefaultEnricher{geocoder: geocoder, logger: logger}
}

func (e *DefaultEnricher) Enrich(ctx context.Context, l *models.Listing) (*models.Listing, error) {
	log := e.logger.WithField("short_hash", l.ShortHash())
	if l.RawDetailStatusCode != http.StatusOK || l.RawDetailPayload == "" {
		log.WithField("status", l.RawDetailStatusCode).Debug("Listing cannot be enriched without a detail page")
		return l, nil
	}

	text, err := parser.PlainText(l.RawDetailPayload)
	if err != nil {
		return nil, err
	}

	switch l.Category {
	case models.CategoryApartment:
		e.enrichApartment(ctx, l, text)
	case models.CategoryVehicle:
		e.enrichVehicle(l, text)
	default:
		log.WithField("category", l.Category).Debug("Category not supported for enrichment")
		return l, nil
	}

	l.EnrichmentState = models.Enriched
	return l, nil
}

func (e *DefaultEnricher) enrichApartment(ctx context.Context, l *models.Listing, text string) {
	city := CityFromBreadcrumb(text)
	l.Apartment.City = city
	l.Apartment.Coordinates = nil

	if c := config.GetCityByName(city); c != nil {
		point := c.Center
		l.Apartment.Coordinates = &point
	}

	if e.geocoder == nil || city == identity.Undetermined || l.Apartment.Street == "" {
		return
	}
	point, err := e.geocoder.Geocode(ctx, l.Apartment.Street, city)
	if err != nil {
		e.logger.WithError(err).WithField("short_hash", l.ShortHash()).Debug("Street not geocoded, keeping city center")
		return
	}
	l.Apartment.Coordinates = &point
}

// CityFromBreadcrumb reads the city out of the category breadcrumb that
// precedes the back link of a detail page, e.g.
// "Dzīvokļi / Liepāja un raj. / Liepāja / Pārdod Atgriezties". Riga
// listings name a district in the city position.
func CityFromBreadcrumb(text string) string {
	end := strings.Index(text, breadcrumbEnd)
	if end < 0 {
		return identity.Undetermined
	}
	head := strings.TrimSpace(text[:end])
	head = strings.TrimSpace(strings.TrimSuffix(head, saleMarker))

	parts := strings.Split(head, "/")
	if len(parts) < 4 {
		return identity.Undetermined
	}
	region := strings.TrimSpace(parts[len(parts)-3])
	if region == "Rīga" {
		return region
	}
	if city := strings.TrimSpace(parts[len(parts)-2]); city != "" {
		return city
	}
	return identity.Undetermined
}

func (e *DefaultEnricher) enrichVehicle(l *models.Listing, text string) {
	v := l.Vehicle
	v.PriceInt = parseInt(l.Price)
	v.MileageInt = parseInt(v.Mileage)

	if i := strings.Index(text, vehicleStart); i >= 0 {
		text = strings.TrimSpace(text[i+len(vehicleStart):])
	}

	loc := vehicleDetails.FindStringIndex(text)
	if loc == nil {
		// No technical details: not a sales ad.
		v.FakeAd = strings.Contains(text, buyOffer)
		if v.FakeAd {
			e.logger.WithField("short_hash", l.ShortHash()).Debug("Vehicle ad is a buy offer, marking as fake")
		}
		return
	}
	v.FakeAd = false
	v.Description = strings.TrimSpace(text[:loc[0]])
	details := text[loc[0]:]

	v.Engine = labelled(engineLabel, details)
	v.Gearbox = labelled(gearboxLabel, details)
	v.Color = labelled(colorLabel, details)
	v.Inspection = labelled(inspectLabel, details)
}

func labelled(re *regexp.Regexp, text string) string {
	if m := re.FindStringSubmatch(text); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	return identity.Undetermined
}

// parseInt keeps the digits of s, so "4,500 €" becomes 4500. It returns 0
// when s has no digits.
func parseInt(s string) int {
	n, err := strconv.Atoi(nonDigits.ReplaceAllString(s, ""))
	if err != nil {
		return 0
	}
	return n
}
