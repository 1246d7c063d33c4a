package storage

import (
	"context"

	"github.com/google/uuid"

	"dyrt_scraper/models"
)

// Store is the persistence surface the rest of the app talks to. Postgres
// is the primary backend; SQLite covers local runs with no DATABASE_URL.
type Store interface {
	UpsertCampground(ctx context.Context, e *models.CampgroundEntity) (UpsertResult, error)
	GetCampground(ctx context.Context, id uuid.UUID) (*models.CampgroundDetail, error)
	GetCampgroundByExternalID(ctx context.Context, externalID string) (*models.Campground, error)
	ListCampgrounds(ctx context.Context, f CampgroundFilter) ([]models.Campground, error)

	CreateRun(ctx context.Context, trigger models.RunTrigger) (*models.ScraperRun, error)
	FinalizeRun(ctx context.Context, run *models.ScraperRun) error
	GetRun(ctx context.Context, id int64) (*models.ScraperRun, error)
	LatestRun(ctx context.Context) (*models.ScraperRun, error)

	UnarchivedPhotos(ctx context.Context, limit int) ([]models.PhotoURL, error)
	MarkPhotoArchived(ctx context.Context, id int64, s3Key string) error
	MarkPhotoFailed(ctx context.Context, id int64) error
}

// UpsertResult says what an upsert did to the campground row itself.
type UpsertResult string

const (
	UpsertInserted UpsertResult = "inserted"
	UpsertUpdated  UpsertResult = "updated"
)

// CampgroundFilter narrows ListCampgrounds. Zero values mean "no filter";
// Limit of 0 falls back to a sane page size.
type CampgroundFilter struct {
	Region             string
	AdministrativeArea string
	MinRating          *float64
	Bookable           *bool
	Limit              int
	Offset             int
}

const defaultListLimit = 100

func (f CampgroundFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}
