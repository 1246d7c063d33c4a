package models

// RawListing is one resource from the Dyrt search-results payload
// (JSON:API). Field presence is never trusted: everything optional is a
// pointer or a slice and validation happens in the normalizer, not here.
type RawListing struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Links      RawLinks      `json:"links"`
	Attributes RawAttributes `json:"attributes"`
}

type RawLinks struct {
	Self string `json:"self"`
}

// RawAttributes mirrors the source's kebab-case attribute object. The
// mapping to Campground columns is 1:1 and documented in the migration.
type RawAttributes struct {
	Name                   string   `json:"name"`
	Latitude               *float64 `json:"latitude"`
	Longitude              *float64 `json:"longitude"`
	RegionName             string   `json:"region-name"`
	AdministrativeArea     *string  `json:"administrative-area"`
	NearestCityName        *string  `json:"nearest-city-name"`
	AccommodationTypeNames []string `json:"accommodation-type-names"`
	Bookable               bool     `json:"bookable"`
	CamperTypes            []string `json:"camper-types"`
	Operator               *string  `json:"operator"`
	PhotoURL               *string  `json:"photo-url"`
	PhotoURLs              []string `json:"photo-urls"`
	PhotosCount            int      `json:"photos-count"`
	Rating                 *float64 `json:"rating"`
	ReviewsCount           int      `json:"reviews-count"`
	Slug                   *string  `json:"slug"`
	PriceLow               *float64 `json:"price-low"`
	PriceHigh              *float64 `json:"price-high"`
	AvailabilityUpdatedAt  *string  `json:"availability-updated-at"`
}
