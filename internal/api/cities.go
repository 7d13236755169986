package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb/geo"

	"sstracker/server/config"
	"sstracker/server/internal/geometry"
	"sstracker/server/internal/models"
)

// ListCities returns the cities apartments can be placed in
func (h *Handler) ListCities(c *gin.Context) {
	c.JSON(http.StatusOK, config.SupportedCities)
}

// GetCityApartments returns the enriched apartments of a city. With
// radius_km only apartments within that distance of the city center are
// returned.
func (h *Handler) GetCityApartments(c *gin.Context) {
	city := config.GetCityByName(c.Param("name"))
	if city == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "City not found"})
		return
	}

	var radius float64
	if v := c.Query("radius_km"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid radius_km"})
			return
		}
		radius = r * 1000
	}

	listings, err := h.store.GetAll(c.Request.Context(), models.CategoryApartment)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get apartments")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get apartments"})
		return
	}

	c.JSON(http.StatusOK, inCity(listings, city, radius))
}

// GetCityCoverage returns the located apartments of a city as GeoJSON
func (h *Handler) GetCityCoverage(c *gin.Context) {
	city := config.GetCityByName(c.Param("name"))
	if city == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "City not found"})
		return
	}

	listings, err := h.store.GetAll(c.Request.Context(), models.CategoryApartment)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get apartments")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get apartments"})
		return
	}

	c.JSON(http.StatusOK, geometry.CityCoverage(city.Name, inCity(listings, city, 0)))
}

// inCity keeps the apartments of city, within radius meters of its center
// when radius is positive.
func inCity(listings []*models.Listing, city *config.City, radius float64) []*models.Listing {
	name := config.NormalizeCity(city.Name)
	apartments := make([]*models.Listing, 0)
	for _, l := range listings {
		if l.Apartment == nil || config.NormalizeCity(l.Apartment.City) != name {
			continue
		}
		if radius > 0 {
			if l.Apartment.Coordinates == nil || geo.Distance(city.Center, *l.Apartment.Coordinates) > radius {
				continue
			}
		}
		apartments = append(apartments, l)
	}
	return apartments
}
