package scraper

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dyrt_scraper/models"
)

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	path := filepath.Join("testdata", name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read fixture %s: %v", name, err)
	}
	return data
}

func loadListings(t *testing.T, name string) []models.RawListing {
	t.Helper()
	var resp searchResponse
	if err := json.Unmarshal(loadFixture(t, name), &resp); err != nil {
		t.Fatalf("failed to decode fixture %s: %v", name, err)
	}
	return resp.Data
}

func TestNormalize_FullListing(t *testing.T) {
	listings := loadListings(t, "search_results_page.json")
	if len(listings) != 3 {
		t.Fatalf("expected 3 listings in fixture, got %d", len(listings))
	}

	entity, err := Normalize(&listings[0])
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}

	c := entity.Campground
	if c.ExternalID != "33240" {
		t.Fatalf("expected external id 33240, got %s", c.ExternalID)
	}
	if c.Name != "Mather Campground" {
		t.Fatalf("unexpected name %s", c.Name)
	}
	if c.Latitude == nil || *c.Latitude != 36.0513 {
		t.Fatalf("unexpected latitude %v", c.Latitude)
	}
	if c.RegionName != "Arizona" {
		t.Fatalf("unexpected region %s", c.RegionName)
	}
	if c.AdministrativeArea == nil || *c.AdministrativeArea != "Grand Canyon National Park" {
		t.Fatalf("unexpected administrative area %v", c.AdministrativeArea)
	}
	if !c.Bookable {
		t.Fatal("expected bookable")
	}
	if c.Rating == nil || *c.Rating != 4.6 {
		t.Fatalf("unexpected rating %v", c.Rating)
	}
	if c.PriceLow == nil || *c.PriceLow != 18.0 {
		t.Fatalf("unexpected price low %v", c.PriceLow)
	}
	if c.LinksSelf != "https://thedyrt.com/api/v6/locations/search-results/33240" {
		t.Fatalf("unexpected self link %s", c.LinksSelf)
	}

	want := time.Date(2025, 5, 12, 8, 30, 0, 0, time.UTC)
	if c.AvailabilityUpdatedAt == nil || !c.AvailabilityUpdatedAt.Equal(want) {
		t.Fatalf("unexpected availability timestamp %v", c.AvailabilityUpdatedAt)
	}

	// "Tent Sites" appears twice in the fixture; "tent" twice with padding.
	if len(entity.AccommodationTypes) != 2 {
		t.Fatalf("expected 2 accommodation types, got %v", entity.AccommodationTypes)
	}
	if len(entity.CamperTypes) != 2 || entity.CamperTypes[0] != "tent" || entity.CamperTypes[1] != "rv" {
		t.Fatalf("unexpected camper types %v", entity.CamperTypes)
	}
	if len(entity.PhotoURLs) != 2 {
		t.Fatalf("expected 2 photo urls after dedupe, got %v", entity.PhotoURLs)
	}
}

func TestNormalize_SparseListing(t *testing.T) {
	listings := loadListings(t, "search_results_page.json")

	entity, err := Normalize(&listings[1])
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}

	c := entity.Campground
	if c.Latitude != nil || c.Longitude != nil {
		t.Fatal("expected nil coordinates")
	}
	if c.RegionName != "" {
		t.Fatalf("expected empty region for region-less listing, got %q", c.RegionName)
	}
	if c.Operator != nil || c.Slug != nil || c.PhotoURL != nil {
		t.Fatal("expected nil optional strings")
	}
	if c.AvailabilityUpdatedAt != nil {
		t.Fatal("expected nil availability timestamp")
	}
	if len(entity.CamperTypes) != 0 || len(entity.AccommodationTypes) != 0 || len(entity.PhotoURLs) != 0 {
		t.Fatal("expected empty association sets")
	}
}

func TestNormalize_BlankNameRejected(t *testing.T) {
	listings := loadListings(t, "search_results_page.json")

	_, err := Normalize(&listings[2])
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.ExternalID != "77002" {
		t.Fatalf("unexpected external id in error: %s", verr.ExternalID)
	}
}

func TestNormalize_MissingID(t *testing.T) {
	raw := models.RawListing{
		Attributes: models.RawAttributes{Name: "Somewhere", RegionName: "Nevada"},
	}

	_, err := Normalize(&raw)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestNormalize_CoordinateRange(t *testing.T) {
	lat := 123.4
	raw := models.RawListing{
		ID: "1",
		Attributes: models.RawAttributes{
			Name:       "Bad Coords",
			RegionName: "Nowhere",
			Latitude:   &lat,
		},
	}

	if _, err := Normalize(&raw); err == nil {
		t.Fatal("expected out-of-range latitude to be rejected")
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	listings := loadListings(t, "search_results_page.json")

	a, err := Normalize(&listings[0])
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	b, err := Normalize(&listings[0])
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}

	if a.Campground.ExternalID != b.Campground.ExternalID ||
		a.Campground.Name != b.Campground.Name ||
		len(a.PhotoURLs) != len(b.PhotoURLs) {
		t.Fatal("normalize is not deterministic")
	}
}

func TestParseSourceTime_Variants(t *testing.T) {
	cases := map[string]time.Time{
		"2025-05-12T08:30:00Z":      time.Date(2025, 5, 12, 8, 30, 0, 0, time.UTC),
		"2025-05-12T08:30:00-07:00": time.Date(2025, 5, 12, 15, 30, 0, 0, time.UTC),
		"2025-05-12T08:30:00":       time.Date(2025, 5, 12, 8, 30, 0, 0, time.UTC),
		"2025-05-12":                time.Date(2025, 5, 12, 0, 0, 0, 0, time.UTC),
	}

	for in, want := range cases {
		got, err := parseSourceTime(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("parse %q: got %v, want %v", in, got, want)
		}
	}

	if _, err := parseSourceTime("last tuesday"); err == nil {
		t.Fatal("expected parse failure")
	}
}
