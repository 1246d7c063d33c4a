package scraper

import (
	"strings"
	"time"

	"dyrt_scraper/models"
)

// Normalize turns one raw listing into a persistable entity. Required
// fields are the external id and name; everything else may be absent.
// A missing region stores as the empty string. Type names and photo
// URLs are trimmed and de-duplicated so the association sets the store
// reconciles are canonical.
func Normalize(raw *models.RawListing) (*models.CampgroundEntity, error) {
	if strings.TrimSpace(raw.ID) == "" {
		return nil, &ValidationError{Reason: "missing id"}
	}
	name := strings.TrimSpace(raw.Attributes.Name)
	if name == "" {
		return nil, &ValidationError{ExternalID: raw.ID, Reason: "missing name"}
	}
	region := strings.TrimSpace(raw.Attributes.RegionName)
	if lat := raw.Attributes.Latitude; lat != nil && (*lat < -90 || *lat > 90) {
		return nil, &ValidationError{ExternalID: raw.ID, Reason: "latitude out of range"}
	}
	if lng := raw.Attributes.Longitude; lng != nil && (*lng < -180 || *lng > 180) {
		return nil, &ValidationError{ExternalID: raw.ID, Reason: "longitude out of range"}
	}

	attrs := raw.Attributes
	c := models.Campground{
		ExternalID:         raw.ID,
		Name:               name,
		Latitude:           attrs.Latitude,
		Longitude:          attrs.Longitude,
		RegionName:         region,
		AdministrativeArea: trimPtr(attrs.AdministrativeArea),
		NearestCityName:    trimPtr(attrs.NearestCityName),
		Bookable:           attrs.Bookable,
		Operator:           trimPtr(attrs.Operator),
		Slug:               trimPtr(attrs.Slug),
		PhotoURL:           trimPtr(attrs.PhotoURL),
		PhotosCount:        attrs.PhotosCount,
		Rating:             attrs.Rating,
		ReviewsCount:       attrs.ReviewsCount,
		PriceLow:           attrs.PriceLow,
		PriceHigh:          attrs.PriceHigh,
		LinksSelf:          raw.Links.Self,
	}

	if attrs.AvailabilityUpdatedAt != nil {
		ts, err := parseSourceTime(*attrs.AvailabilityUpdatedAt)
		if err != nil {
			return nil, &ValidationError{ExternalID: raw.ID, Reason: "bad availability-updated-at: " + *attrs.AvailabilityUpdatedAt}
		}
		c.AvailabilityUpdatedAt = &ts
	}

	return &models.CampgroundEntity{
		Campground:         c,
		CamperTypes:        cleanNames(attrs.CamperTypes),
		AccommodationTypes: cleanNames(attrs.AccommodationTypeNames),
		PhotoURLs:          cleanNames(attrs.PhotoURLs),
	}, nil
}

// parseSourceTime accepts the source's timestamp variants: RFC 3339 with
// or without offset, and a bare date.
func parseSourceTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		ts, err := time.Parse(layout, s)
		if err == nil {
			return ts.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}

// cleanNames trims, drops blanks and de-duplicates while keeping first
// occurrence order.
func cleanNames(names []string) []string {
	var out []string
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
