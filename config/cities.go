package config

import (
	"regexp"
	"strings"

	"github.com/paulmach/orb"
)

// City represents a city the apartment enricher can place on a map
type City struct {
	Name   string    `json:"name"`
	Center orb.Point `json:"center"`
}

// SupportedCities lists known cities with their centers as (lon, lat)
var SupportedCities = []City{
	{Name: "Rīga", Center: orb.Point{24.1052, 56.9496}},
	{Name: "Jūrmala", Center: orb.Point{23.7704, 56.9680}},
	{Name: "Liepāja", Center: orb.Point{21.0111, 56.5047}},
	{Name: "Jelgava", Center: orb.Point{23.7128, 56.6511}},
	{Name: "Daugavpils", Center: orb.Point{26.5362, 55.8747}},
	{Name: "Ventspils", Center: orb.Point{21.5606, 57.3894}},
	{Name: "Valmiera", Center: orb.Point{25.4240, 57.5385}},
}

var separators = regexp.MustCompile(`[\s_]+`)

// GetCityNames returns a list of supported city names
func GetCityNames() []string {
	names := make([]string, len(SupportedCities))
	for i, city := range SupportedCities {
		names[i] = city.Name
	}
	return names
}

// GetCityByName returns a city configuration by name, comparing normalized names
func GetCityByName(name string) *City {
	normalized := NormalizeCity(name)
	for _, city := range SupportedCities {
		if NormalizeCity(city.Name) == normalized {
			c := city
			return &c
		}
	}
	return nil
}

// NormalizeCity lowercases a city name and joins its words with dashes
func NormalizeCity(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.Trim(name, "'")
	name = strings.ReplaceAll(name, "'", "")
	return separators.ReplaceAllString(name, "-")
}
