package services

import (
	"context"

	"github.com/google/uuid"

	"dyrt_scraper/models"
	"dyrt_scraper/storage"
)

// CampgroundService is the read side over ingested campgrounds.
type CampgroundService struct {
	store storage.Store
}

func NewCampgroundService(store storage.Store) *CampgroundService {
	return &CampgroundService{store: store}
}

func (s *CampgroundService) Get(ctx context.Context, id uuid.UUID) (*models.CampgroundDetail, error) {
	return s.store.GetCampground(ctx, id)
}

// GetByExternalID looks a campground up by the source's own id.
func (s *CampgroundService) GetByExternalID(ctx context.Context, externalID string) (*models.Campground, error) {
	return s.store.GetCampgroundByExternalID(ctx, externalID)
}

func (s *CampgroundService) List(ctx context.Context, f storage.CampgroundFilter) ([]models.Campground, error) {
	return s.store.ListCampgrounds(ctx, f)
}
