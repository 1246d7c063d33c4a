package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"dyrt_scraper/config"
	"dyrt_scraper/models"
)

func testSourceConfig(baseURL string) config.SourceConfig {
	return config.SourceConfig{
		BaseURL:     baseURL,
		SearchPath:  "/search",
		APIPath:     "/api/v6/locations/search-results",
		PageSize:    2,
		Bounds:      config.Bounds{SWLng: -124.39, SWLat: 25.82, NELng: -66.94, NELat: 49.38},
		Headers:     map[string]string{"Accept": "application/vnd.api+json"},
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
		HTTPTimeout: 5 * time.Second,
	}
}

func listingJSON(id string) string {
	return fmt.Sprintf(`{"id":%q,"type":"locations-search-results",
		"links":{"self":"https://example.com/%s"},
		"attributes":{"name":"Camp %s","region-name":"Oregon","bookable":false,
		"photos-count":0,"reviews-count":0}}`, id, id, id)
}

func pageBody(ids ...string) string {
	body := `{"data":[`
	for i, id := range ids {
		if i > 0 {
			body += ","
		}
		body += listingJSON(id)
	}
	return body + fmt.Sprintf(`],"meta":{"record-count":%d}}`, len(ids))
}

func TestFetchPage_RecoversFromTransientErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, pageBody("1", "2"))
	}))
	defer server.Close()

	client := NewClient(testSourceConfig(server.URL), server.Client())
	listings, err := client.FetchPage(context.Background(), 1)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(listings) != 2 {
		t.Fatalf("expected 2 listings, got %d", len(listings))
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestFetchPage_RetryBudgetExhausted(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(testSourceConfig(server.URL), server.Client())
	_, err := client.FetchPage(context.Background(), 1)

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.Status != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status %d", fe.Status)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestFetchPage_ClientErrorIsFatal(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(testSourceConfig(server.URL), server.Client())
	_, err := client.FetchPage(context.Background(), 1)

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.Status != http.StatusForbidden {
		t.Fatalf("unexpected status %d", fe.Status)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", got)
	}
}

func TestPages_WalksUntilShortPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page[number]") {
		case "1":
			fmt.Fprint(w, pageBody("1", "2"))
		case "2":
			fmt.Fprint(w, pageBody("3"))
		default:
			t.Errorf("unexpected page request %s", r.URL.Query().Get("page[number]"))
			fmt.Fprint(w, pageBody())
		}
	}))
	defer server.Close()

	client := NewClient(testSourceConfig(server.URL), server.Client())

	var pages, total int
	err := client.Pages(context.Background(), func(page int, listings []models.RawListing) error {
		pages++
		total += len(listings)
		return nil
	})
	if err != nil {
		t.Fatalf("pages walk failed: %v", err)
	}
	if pages != 2 {
		t.Fatalf("expected 2 pages, got %d", pages)
	}
	if total != 3 {
		t.Fatalf("expected 3 listings, got %d", total)
	}
}

func TestPages_StopsOnEmptyPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("filter[search][bbox]"); got != "-124.39,25.82,-66.94,49.38" {
			t.Errorf("unexpected bbox %q", got)
		}
		fmt.Fprint(w, pageBody())
	}))
	defer server.Close()

	client := NewClient(testSourceConfig(server.URL), server.Client())

	called := false
	err := client.Pages(context.Background(), func(page int, listings []models.RawListing) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("pages walk failed: %v", err)
	}
	if called {
		t.Fatal("callback must not run for an empty result set")
	}
}
