package workers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"dyrt_scraper/models"
	"dyrt_scraper/storage"
)

// Uploader is satisfied by storage.S3Uploader. A nil uploader disables
// archiving without touching the rest of the wiring.
type Uploader interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string) error
}

// PhotoWorker drains the unarchived photo queue: download, hash, upload,
// mark. Content-addressed keys make re-uploads of the same image free.
type PhotoWorker struct {
	store      storage.Store
	uploader   Uploader
	httpClient *http.Client
	triggerCh  chan struct{}
}

func NewPhotoWorker(store storage.Store, uploader Uploader, httpClient *http.Client) *PhotoWorker {
	return &PhotoWorker{
		store:      store,
		uploader:   uploader,
		httpClient: httpClient,
		triggerCh:  make(chan struct{}, 1),
	}
}

// Trigger requests an immediate batch outside the regular interval.
func (w *PhotoWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Run processes batches until the context ends.
func (w *PhotoWorker) Run(ctx context.Context, batchSize int, interval time.Duration) {
	if w.uploader == nil {
		log.Println("photo worker: no uploader configured, archiving disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("photo worker: stopping")
			return
		case <-ticker.C:
			w.processBatch(ctx, batchSize)
		case <-w.triggerCh:
			w.processBatch(ctx, batchSize)
		}
	}
}

func (w *PhotoWorker) processBatch(ctx context.Context, batchSize int) {
	photos, err := w.store.UnarchivedPhotos(ctx, batchSize)
	if err != nil {
		log.Printf("photo worker: query: %v", err)
		return
	}
	if len(photos) == 0 {
		return
	}

	var archived, failed int
	for i := range photos {
		p := &photos[i]

		key, err := w.archive(ctx, p)
		if err != nil {
			log.Printf("photo worker: %s: %v", p.URL, err)
			if err := w.store.MarkPhotoFailed(ctx, p.ID); err != nil {
				log.Printf("photo worker: mark failed %d: %v", p.ID, err)
			}
			failed++
			continue
		}

		if err := w.store.MarkPhotoArchived(ctx, p.ID, key); err != nil {
			log.Printf("photo worker: mark archived %d: %v", p.ID, err)
			failed++
			continue
		}
		archived++

		// Be gentle with the photo CDN.
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}

	log.Printf("photo worker: archived %d, failed %d", archived, failed)
}

const maxPhotoBytes = 20 * 1024 * 1024

// archive downloads one photo and uploads it under a content hash key.
func (w *PhotoWorker) archive(ctx context.Context, p *models.PhotoURL) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "image/*,*/*")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	contentType := resp.Header.Get("Content-Type")
	key := fmt.Sprintf("photos/%s/%s%s", hash[:2], hash, guessExtension(p.URL, contentType))

	if contentType == "" {
		contentType = "image/jpeg"
	}
	if err := w.uploader.Upload(ctx, key, bytes.NewReader(data), contentType); err != nil {
		return "", err
	}
	return key, nil
}

func guessExtension(url, contentType string) string {
	ext := strings.ToLower(path.Ext(url))
	if i := strings.IndexAny(ext, "?#"); i >= 0 {
		ext = ext[:i]
	}
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".avif":
		return ext
	}

	switch contentType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
