// Package geometry turns enriched apartment coordinates into GeoJSON.
package geometry

import (
	"cmp"
	"slices"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"sstracker/server/internal/models"
)

// CityCoverage returns one point feature per located apartment plus, when at
// least three distinct positions exist, a convex hull polygon around them.
func CityCoverage(city string, listings []*models.Listing) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	var points []orb.Point
	for _, l := range listings {
		if l.Apartment == nil || l.Apartment.Coordinates == nil {
			continue
		}
		p := *l.Apartment.Coordinates
		points = append(points, p)

		f := geojson.NewFeature(p)
		f.Properties["hash"] = l.Hash
		f.Properties["title"] = l.Title
		f.Properties["street"] = l.Apartment.Street
		if l.Price != "" {
			f.Properties["price"] = l.Price
		}
		fc.Append(f)
	}

	if hull := generateConvexHull(points); hull != nil {
		f := geojson.NewFeature(orb.Polygon{hull})
		f.Properties["city"] = city
		f.Properties["geometry_type"] = "hull"
		f.Properties["hull_type"] = "convex"
		f.Properties["point_count"] = len(points)
		fc.Append(f)
	}

	return fc
}

func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}

// generateConvexHull returns a closed counter-clockwise ring, or nil when the
// points do not span an area.
func generateConvexHull(points []orb.Point) orb.Ring {
	sorted := slices.Clone(points)
	slices.SortFunc(sorted, func(a, b orb.Point) int {
		if c := cmp.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return cmp.Compare(a[1], b[1])
	})
	sorted = slices.Compact(sorted)
	if len(sorted) < 3 {
		return nil
	}

	// Monotone chain: lower hull then upper hull.
	hull := make([]orb.Point, 0, 2*len(sorted))
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(sorted) - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// Collinear input collapses to a line.
	if len(hull) < 4 {
		return nil
	}
	return orb.Ring(hull)
}
