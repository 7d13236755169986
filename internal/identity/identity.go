// Package identity derives content addresses for listings and feed sources.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"sstracker/server/internal/models"
)

// Undetermined stands in for a missing defining field so that listings with
// the same title and an unknown street still collide.
const Undetermined = "undetermined"

const shortLength = 10

var lineBreaks = strings.NewReplacer("\r\n", "", "\n", "", "\r", "")

// Sum returns the hex encoded SHA-256 digest of s.
func Sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// Short returns the first ten characters of a digest.
func Short(hash string) string {
	if len(hash) <= shortLength {
		return hash
	}
	return hash[:shortLength]
}

// URLHash is the digest used to address a feed source on disk.
func URLHash(url string) string {
	return Sum(url)
}

// NormalizeTitle trims the title and removes embedded line breaks.
func NormalizeTitle(title string) string {
	return strings.TrimSpace(lineBreaks.Replace(title))
}

// NormalizeField trims the value and substitutes Undetermined when empty.
func NormalizeField(value string) string {
	v := strings.TrimSpace(lineBreaks.Replace(value))
	if v == "" {
		return Undetermined
	}
	return v
}

// DefiningFields returns the normalized fields the identity of l is computed
// from. Dwellings are keyed by street, every other category by link.
func DefiningFields(l *models.Listing) ([]string, error) {
	title := NormalizeTitle(l.Title)
	switch l.Category {
	case models.CategoryApartment, models.CategoryHouse:
		return []string{title, NormalizeField(l.Street())}, nil
	case models.CategoryVehicle, models.CategoryLand, models.CategoryAnimal:
		return []string{title, NormalizeField(l.SourceLink)}, nil
	}
	return nil, fmt.Errorf("%w: %q", models.ErrUnknownCategory, l.Category)
}

// Of computes the identity hash of l without modifying it.
func Of(l *models.Listing) (string, error) {
	fields, err := DefiningFields(l)
	if err != nil {
		return "", err
	}
	parts := append([]string{string(l.Category)}, fields...)
	return Sum(strings.Join(parts, "\x1f")), nil
}

// Assign sets l.Hash when it is not set yet. An existing hash is never
// recomputed, even if defining fields were edited afterwards.
func Assign(l *models.Listing) error {
	if l.Hash != "" {
		return nil
	}
	hash, err := Of(l)
	if err != nil {
		return err
	}
	l.Hash = hash
	return nil
}
