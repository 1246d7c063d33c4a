package workers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dyrt_scraper/models"
	"dyrt_scraper/storage"
)

type recordingUploader struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (u *recordingUploader) Upload(ctx context.Context, key string, data io.Reader, contentType string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.keys = append(u.keys, key)
	return nil
}

func seedPhotos(t *testing.T, urls []string) storage.Store {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "photos.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	entity := &models.CampgroundEntity{
		Campground: models.Campground{
			ExternalID: "1",
			Name:       "Photo Camp",
			RegionName: "Oregon",
		},
		PhotoURLs: urls,
	}
	if _, err := store.UpsertCampground(context.Background(), entity); err != nil {
		t.Fatalf("seed campground: %v", err)
	}
	return store
}

func TestPhotoWorker_ArchivesBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		fmt.Fprint(w, "jpeg bytes for "+r.URL.Path)
	}))
	defer server.Close()

	store := seedPhotos(t, []string{server.URL + "/a.jpg", server.URL + "/b.jpg"})
	uploader := &recordingUploader{}
	w := NewPhotoWorker(store, uploader, server.Client())

	w.processBatch(context.Background(), 10)

	if len(uploader.keys) != 2 {
		t.Fatalf("expected 2 uploads, got %d", len(uploader.keys))
	}
	for _, key := range uploader.keys {
		if !strings.HasPrefix(key, "photos/") || !strings.HasSuffix(key, ".jpg") {
			t.Fatalf("unexpected key shape %s", key)
		}
	}

	remaining, err := store.UnarchivedPhotos(context.Background(), 10)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected empty queue, got %d", len(remaining))
	}
}

func TestPhotoWorker_DownloadFailureCountsAttempt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	store := seedPhotos(t, []string{server.URL + "/gone.jpg"})
	uploader := &recordingUploader{}
	w := NewPhotoWorker(store, uploader, server.Client())

	w.processBatch(context.Background(), 10)

	if len(uploader.keys) != 0 {
		t.Fatal("nothing should be uploaded on download failure")
	}

	photos, err := store.UnarchivedPhotos(context.Background(), 10)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(photos) != 1 {
		t.Fatalf("photo must stay queued for retry, got %d", len(photos))
	}
	if photos[0].Attempts != 1 {
		t.Fatalf("expected 1 attempt recorded, got %d", photos[0].Attempts)
	}
}

func TestPhotoWorker_Trigger(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		fmt.Fprint(w, "png bytes")
	}))
	defer server.Close()

	store := seedPhotos(t, []string{server.URL + "/pic"})
	uploader := &recordingUploader{}
	w := NewPhotoWorker(store, uploader, server.Client())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, 10, time.Hour)

	w.Trigger()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		uploader.mu.Lock()
		n := len(uploader.keys)
		uploader.mu.Unlock()
		if n == 1 {
			if !strings.HasSuffix(uploader.keys[0], ".png") {
				t.Fatalf("content-type should pick the extension, got %s", uploader.keys[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("triggered batch never ran")
}

func TestGuessExtension(t *testing.T) {
	cases := []struct {
		url, contentType, want string
	}{
		{"https://cdn.example.com/p/1.jpg", "", ".jpg"},
		{"https://cdn.example.com/p/1.webp", "image/jpeg", ".webp"},
		{"https://cdn.example.com/p/1", "image/png", ".png"},
		{"https://cdn.example.com/p/1", "", ".jpg"},
		{"https://cdn.example.com/p/photo.PNG", "", ".png"},
	}

	for _, tc := range cases {
		if got := guessExtension(tc.url, tc.contentType); got != tc.want {
			t.Fatalf("guessExtension(%q, %q) = %q, want %q", tc.url, tc.contentType, got, tc.want)
		}
	}
}
