package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sstracker/server/internal/models"
)

func apartment(t *testing.T, title, street, price string) *models.Listing {
	t.Helper()
	l, err := models.NewListing(models.CategoryApartment, title)
	require.NoError(t, err)
	l.Apartment.Street = street
	l.Price = price
	return l
}

func TestSumIsDeterministic(t *testing.T) {
	assert.Equal(t, Sum("https://example.com/rss"), Sum("https://example.com/rss"))
	assert.Len(t, Sum("x"), 64)
	assert.Equal(t, Sum("x")[:10], Short(Sum("x")))
	assert.Equal(t, "abc", Short("abc"))
}

func TestNonDefiningFieldsDoNotChangeHash(t *testing.T) {
	a, err := Of(apartment(t, "Sunny Flat", "Elm St", "100 000"))
	require.NoError(t, err)
	b, err := Of(apartment(t, "Sunny Flat", "Elm St", "95 000"))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	withFloor := apartment(t, "Sunny Flat", "Elm St", "95 000")
	withFloor.Apartment.Floor = "3/5"
	withFloor.RawDetailPayload = "<html>"
	c, err := Of(withFloor)
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestNormalization(t *testing.T) {
	tests := []struct {
		name   string
		title  string
		street string
	}{
		{"surrounding whitespace", "  Sunny Flat \t", " Elm St "},
		{"embedded line breaks", "Sunny\n Flat", "Elm St"},
		{"windows line breaks", "Sunny\r\n Flat", "Elm St\n"},
	}

	want, err := Of(apartment(t, "Sunny Flat", "Elm St", ""))
	require.NoError(t, err)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Of(apartment(t, tt.title, tt.street, ""))
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestMissingStreetUsesSentinel(t *testing.T) {
	a, err := Of(apartment(t, "Flat", "", ""))
	require.NoError(t, err)
	b, err := Of(apartment(t, "Flat", "   ", ""))
	require.NoError(t, err)
	c, err := Of(apartment(t, "Flat", Undetermined, ""))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
}

func TestVehicleIdentityIgnoresPrice(t *testing.T) {
	first, _ := models.NewListing(models.CategoryVehicle, "Audi A4")
	first.SourceLink = "https://example.com/msg/1.html"
	first.Price = "5,000"
	second, _ := models.NewListing(models.CategoryVehicle, "Audi A4")
	second.SourceLink = "https://example.com/msg/1.html"
	second.Price = "4,500"

	a, err := Of(first)
	require.NoError(t, err)
	b, err := Of(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	second.SourceLink = "https://example.com/msg/2.html"
	c, err := Of(second)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestCategoryIsPartOfIdentity(t *testing.T) {
	flat := apartment(t, "Cosy home", "Elm St", "")
	house, _ := models.NewListing(models.CategoryHouse, "Cosy home")
	house.House.Street = "Elm St"

	a, err := Of(flat)
	require.NoError(t, err)
	b, err := Of(house)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAssignNeverRecomputes(t *testing.T) {
	l := apartment(t, "Sunny Flat", "Elm St", "")
	require.NoError(t, Assign(l))
	original := l.Hash

	l.Apartment.Street = "Oak St"
	require.NoError(t, Assign(l))
	assert.Equal(t, original, l.Hash)
}

func TestUnknownCategory(t *testing.T) {
	l := &models.Listing{Category: "boat", Title: "x"}
	_, err := Of(l)
	assert.ErrorIs(t, err, models.ErrUnknownCategory)
}
