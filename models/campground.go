package models

import (
	"time"

	"github.com/google/uuid"
)

// Campground is a persisted campground row. The Dyrt's resource id is kept
// in ExternalID and is the idempotence anchor; ID is our own surrogate and
// never changes once assigned.
type Campground struct {
	ID                    uuid.UUID  `json:"id" db:"id"`
	ExternalID            string     `json:"external_id" db:"external_id"`
	Name                  string     `json:"name" db:"name"`
	Latitude              *float64   `json:"latitude" db:"latitude"`
	Longitude             *float64   `json:"longitude" db:"longitude"`
	RegionName            string     `json:"region_name" db:"region_name"`
	AdministrativeArea    *string    `json:"administrative_area" db:"administrative_area"`
	NearestCityName       *string    `json:"nearest_city_name" db:"nearest_city_name"`
	Address               *string    `json:"address" db:"address"`
	Bookable              bool       `json:"bookable" db:"bookable"`
	Operator              *string    `json:"operator" db:"operator"`
	Slug                  *string    `json:"slug" db:"slug"`
	PhotoURL              *string    `json:"photo_url" db:"photo_url"`
	PhotosCount           int        `json:"photos_count" db:"photos_count"`
	Rating                *float64   `json:"rating" db:"rating"`
	ReviewsCount          int        `json:"reviews_count" db:"reviews_count"`
	PriceLow              *float64   `json:"price_low" db:"price_low"`
	PriceHigh             *float64   `json:"price_high" db:"price_high"`
	AvailabilityUpdatedAt *time.Time `json:"availability_updated_at" db:"availability_updated_at"`
	LinksSelf             string     `json:"links_self" db:"links_self"`
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at" db:"updated_at"`
	LastSeenAt            time.Time  `json:"last_seen_at" db:"last_seen_at"`
}

// CamperType is a lookup row, unique on name. Rows are created lazily on
// first sighting and never deleted by ingestion.
type CamperType struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// AccommodationType is a lookup row, unique on name.
type AccommodationType struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PhotoURL belongs to exactly one campground and is unique on
// (campground_id, url). S3Key and ArchivedAt are filled in by the photo
// archiver worker once the image has been mirrored.
type PhotoURL struct {
	ID           int64      `json:"id" db:"id"`
	CampgroundID uuid.UUID  `json:"campground_id" db:"campground_id"`
	URL          string     `json:"url" db:"url"`
	S3Key        *string    `json:"s3_key" db:"s3_key"`
	ArchivedAt   *time.Time `json:"archived_at" db:"archived_at"`
	Attempts     int        `json:"attempts" db:"attempts"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// CampgroundEntity is the normalized output of one raw listing: the
// campground fields plus the type names and photo URLs it references.
// Association sets are reconciled against this exact set on upsert.
type CampgroundEntity struct {
	Campground         Campground
	CamperTypes        []string
	AccommodationTypes []string
	PhotoURLs          []string
}

// CampgroundDetail is the read-side shape for a single campground,
// association names and photos resolved.
type CampgroundDetail struct {
	Campground
	CamperTypes        []string `json:"camper_types"`
	AccommodationTypes []string `json:"accommodation_types"`
	PhotoURLs          []string `json:"photo_urls"`
}
