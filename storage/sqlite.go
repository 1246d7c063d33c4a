package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"dyrt_scraper/models"
)

// SQLiteStore is the local-mode store: same semantics as PostgresStore on a
// single file, used when DATABASE_URL is unset and by the storage tests.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// The reconcile transaction assumes a single writer.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS campgrounds (
		id TEXT PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		latitude REAL,
		longitude REAL,
		region_name TEXT NOT NULL DEFAULT '',
		administrative_area TEXT,
		nearest_city_name TEXT,
		address TEXT,
		bookable BOOLEAN NOT NULL DEFAULT 0,
		operator TEXT,
		slug TEXT,
		photo_url TEXT,
		photos_count INTEGER NOT NULL DEFAULT 0,
		rating REAL,
		reviews_count INTEGER NOT NULL DEFAULT 0,
		price_low REAL,
		price_high REAL,
		availability_updated_at DATETIME,
		links_self TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_seen_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS camper_types (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS accommodation_types (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS campground_camper_types (
		campground_id TEXT NOT NULL REFERENCES campgrounds(id) ON DELETE CASCADE,
		camper_type_id INTEGER NOT NULL REFERENCES camper_types(id) ON DELETE CASCADE,
		PRIMARY KEY (campground_id, camper_type_id)
	);

	CREATE TABLE IF NOT EXISTS campground_accommodation_types (
		campground_id TEXT NOT NULL REFERENCES campgrounds(id) ON DELETE CASCADE,
		accommodation_type_id INTEGER NOT NULL REFERENCES accommodation_types(id) ON DELETE CASCADE,
		PRIMARY KEY (campground_id, accommodation_type_id)
	);

	CREATE TABLE IF NOT EXISTS photo_urls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		campground_id TEXT NOT NULL REFERENCES campgrounds(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		s3_key TEXT,
		archived_at DATETIME,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (campground_id, url)
	);

	CREATE TABLE IF NOT EXISTS scraper_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		triggered_by TEXT NOT NULL DEFAULT 'manual',
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		status TEXT NOT NULL,
		records_seen INTEGER NOT NULL DEFAULT 0,
		records_upserted INTEGER NOT NULL DEFAULT 0,
		records_failed INTEGER NOT NULL DEFAULT 0,
		error_summary TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS scraper_runs_one_running
		ON scraper_runs (status) WHERE status = 'running';
	`

	_, err := s.db.Exec(schema)
	return err
}

func sqliteWrap(err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return err // the database answered; record-level fault
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func sqliteUniqueViolation(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// =============================================================================
// Campgrounds
// =============================================================================

func (s *SQLiteStore) UpsertCampground(ctx context.Context, e *models.CampgroundEntity) (UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", sqliteWrap(err)
	}
	defer tx.Rollback()

	camperIDs, err := sqliteResolveTypeIDs(ctx, tx, "camper_types", e.CamperTypes)
	if err != nil {
		return "", sqliteUpsertErr(e, err)
	}
	accomIDs, err := sqliteResolveTypeIDs(ctx, tx, "accommodation_types", e.AccommodationTypes)
	if err != nil {
		return "", sqliteUpsertErr(e, err)
	}

	c := &e.Campground
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()

	// The single-writer connection makes this existence check race-free
	// inside the transaction.
	var existingID uuid.UUID
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM campgrounds WHERE external_id = ?`, c.ExternalID,
	).Scan(&existingID)
	inserted := errors.Is(err, sql.ErrNoRows)
	if err != nil && !inserted {
		return "", sqliteUpsertErr(e, err)
	}
	if !inserted {
		c.ID = existingID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO campgrounds (
			id, external_id, name, latitude, longitude, region_name,
			administrative_area, nearest_city_name, address, bookable, operator, slug,
			photo_url, photos_count, rating, reviews_count, price_low, price_high,
			availability_updated_at, links_self, created_at, updated_at, last_seen_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_id) DO UPDATE SET
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			region_name = excluded.region_name,
			administrative_area = excluded.administrative_area,
			nearest_city_name = excluded.nearest_city_name,
			address = COALESCE(excluded.address, campgrounds.address),
			bookable = excluded.bookable,
			operator = excluded.operator,
			slug = excluded.slug,
			photo_url = excluded.photo_url,
			photos_count = excluded.photos_count,
			rating = excluded.rating,
			reviews_count = excluded.reviews_count,
			price_low = excluded.price_low,
			price_high = excluded.price_high,
			availability_updated_at = excluded.availability_updated_at,
			links_self = excluded.links_self,
			updated_at = excluded.updated_at,
			last_seen_at = excluded.last_seen_at`,
		c.ID, c.ExternalID, c.Name, c.Latitude, c.Longitude, c.RegionName,
		c.AdministrativeArea, c.NearestCityName, c.Address, c.Bookable, c.Operator, c.Slug,
		c.PhotoURL, c.PhotosCount, c.Rating, c.ReviewsCount, c.PriceLow, c.PriceHigh,
		c.AvailabilityUpdatedAt, c.LinksSelf, now, now, now,
	)
	if err != nil {
		return "", sqliteUpsertErr(e, err)
	}

	if err := sqliteReconcileLinks(ctx, tx, "campground_camper_types", "camper_type_id", c.ID, camperIDs); err != nil {
		return "", sqliteUpsertErr(e, err)
	}
	if err := sqliteReconcileLinks(ctx, tx, "campground_accommodation_types", "accommodation_type_id", c.ID, accomIDs); err != nil {
		return "", sqliteUpsertErr(e, err)
	}
	if err := sqliteReconcilePhotos(ctx, tx, c.ID, e.PhotoURLs); err != nil {
		return "", sqliteUpsertErr(e, err)
	}

	if err := tx.Commit(); err != nil {
		return "", sqliteUpsertErr(e, err)
	}

	if inserted {
		return UpsertInserted, nil
	}
	return UpsertUpdated, nil
}

func sqliteUpsertErr(e *models.CampgroundEntity, err error) error {
	if wrapped := sqliteWrap(err); errors.Is(wrapped, ErrUnavailable) {
		return wrapped
	}
	return &UpsertError{ExternalID: e.Campground.ExternalID, Err: err}
}

func sqliteResolveTypeIDs(ctx context.Context, tx *sql.Tx, table string, names []string) ([]int64, error) {
	ids := make([]int64, 0, len(names))
	query := fmt.Sprintf(`
		INSERT INTO %s (name) VALUES (?)
		ON CONFLICT (name) DO UPDATE SET name = excluded.name
		RETURNING id`, table)

	for _, name := range names {
		var id int64
		if err := tx.QueryRowContext(ctx, query, name).Scan(&id); err != nil {
			return nil, fmt.Errorf("resolve %s %q: %w", table, name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func sqliteReconcileLinks(ctx context.Context, tx *sql.Tx, table, idCol string, campgroundID uuid.UUID, typeIDs []int64) error {
	del := fmt.Sprintf(`DELETE FROM %s WHERE campground_id = ?`, table)
	args := []any{campgroundID}
	if len(typeIDs) > 0 {
		del += fmt.Sprintf(` AND %s NOT IN (%s)`, idCol, placeholders(len(typeIDs)))
		for _, id := range typeIDs {
			args = append(args, id)
		}
	}
	if _, err := tx.ExecContext(ctx, del, args...); err != nil {
		return fmt.Errorf("prune %s: %w", table, err)
	}

	ins := fmt.Sprintf(`
		INSERT INTO %s (campground_id, %s) VALUES (?, ?)
		ON CONFLICT DO NOTHING`, table, idCol)
	for _, id := range typeIDs {
		if _, err := tx.ExecContext(ctx, ins, campgroundID, id); err != nil {
			return fmt.Errorf("link %s: %w", table, err)
		}
	}
	return nil
}

func sqliteReconcilePhotos(ctx context.Context, tx *sql.Tx, campgroundID uuid.UUID, urls []string) error {
	del := `DELETE FROM photo_urls WHERE campground_id = ?`
	args := []any{campgroundID}
	if len(urls) > 0 {
		del += fmt.Sprintf(` AND url NOT IN (%s)`, placeholders(len(urls)))
		for _, u := range urls {
			args = append(args, u)
		}
	}
	if _, err := tx.ExecContext(ctx, del, args...); err != nil {
		return fmt.Errorf("prune photos: %w", err)
	}

	for _, u := range urls {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO photo_urls (campground_id, url) VALUES (?, ?)
			ON CONFLICT (campground_id, url) DO NOTHING`,
			campgroundID, u,
		); err != nil {
			return fmt.Errorf("insert photo: %w", err)
		}
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func sqliteScanCampground(row rowScanner, c *models.Campground) error {
	return row.Scan(
		&c.ID, &c.ExternalID, &c.Name, &c.Latitude, &c.Longitude, &c.RegionName,
		&c.AdministrativeArea, &c.NearestCityName, &c.Address, &c.Bookable, &c.Operator, &c.Slug,
		&c.PhotoURL, &c.PhotosCount, &c.Rating, &c.ReviewsCount, &c.PriceLow, &c.PriceHigh,
		&c.AvailabilityUpdatedAt, &c.LinksSelf, &c.CreatedAt, &c.UpdatedAt, &c.LastSeenAt,
	)
}

func (s *SQLiteStore) GetCampground(ctx context.Context, id uuid.UUID) (*models.CampgroundDetail, error) {
	var d models.CampgroundDetail
	query := fmt.Sprintf(`SELECT %s FROM campgrounds WHERE id = ?`, campgroundColumns)
	err := sqliteScanCampground(s.db.QueryRowContext(ctx, query, id), &d.Campground)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, sqliteWrap(err)
	}

	d.CamperTypes, err = s.typeNames(ctx, "camper_types", "campground_camper_types", "camper_type_id", id)
	if err != nil {
		return nil, err
	}
	d.AccommodationTypes, err = s.typeNames(ctx, "accommodation_types", "campground_accommodation_types", "accommodation_type_id", id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT url FROM photo_urls WHERE campground_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, sqliteWrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		d.PhotoURLs = append(d.PhotoURLs, u)
	}
	return &d, rows.Err()
}

func (s *SQLiteStore) typeNames(ctx context.Context, typeTable, linkTable, idCol string, campgroundID uuid.UUID) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT t.name FROM %s t
		JOIN %s l ON l.%s = t.id
		WHERE l.campground_id = ?
		ORDER BY t.name`, typeTable, linkTable, idCol)

	rows, err := s.db.QueryContext(ctx, query, campgroundID)
	if err != nil {
		return nil, sqliteWrap(err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) GetCampgroundByExternalID(ctx context.Context, externalID string) (*models.Campground, error) {
	var c models.Campground
	query := fmt.Sprintf(`SELECT %s FROM campgrounds WHERE external_id = ?`, campgroundColumns)
	err := sqliteScanCampground(s.db.QueryRowContext(ctx, query, externalID), &c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, sqliteWrap(err)
	}
	return &c, nil
}

func (s *SQLiteStore) ListCampgrounds(ctx context.Context, f CampgroundFilter) ([]models.Campground, error) {
	builder := sq.Select(strings.Fields(strings.ReplaceAll(campgroundColumns, ",", " "))...).
		From("campgrounds").
		OrderBy("name, id").
		Limit(uint64(f.limit())).
		Offset(uint64(f.Offset))

	if f.Region != "" {
		builder = builder.Where(sq.Eq{"region_name": f.Region})
	}
	if f.AdministrativeArea != "" {
		builder = builder.Where(sq.Eq{"administrative_area": f.AdministrativeArea})
	}
	if f.MinRating != nil {
		builder = builder.Where(sq.GtOrEq{"rating": *f.MinRating})
	}
	if f.Bookable != nil {
		builder = builder.Where(sq.Eq{"bookable": *f.Bookable})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqliteWrap(err)
	}
	defer rows.Close()

	var out []models.Campground
	for rows.Next() {
		var c models.Campground
		if err := sqliteScanCampground(rows, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// Scraper runs
// =============================================================================

func (s *SQLiteStore) CreateRun(ctx context.Context, trigger models.RunTrigger) (*models.ScraperRun, error) {
	run := &models.ScraperRun{
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
		Status:    models.RunStatusRunning,
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scraper_runs (triggered_by, started_at, status)
		VALUES (?, ?, 'running')`,
		run.Trigger, run.StartedAt,
	)
	if sqliteUniqueViolation(err) {
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		return nil, sqliteWrap(err)
	}
	run.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLiteStore) FinalizeRun(ctx context.Context, run *models.ScraperRun) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scraper_runs SET
			finished_at = ?, status = ?, records_seen = ?,
			records_upserted = ?, records_failed = ?, error_summary = ?
		WHERE id = ? AND status = 'running'`,
		run.FinishedAt, run.Status, run.RecordsSeen,
		run.RecordsUpserted, run.RecordsFailed, run.ErrorSummary,
		run.ID,
	)
	if err != nil {
		return sqliteWrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %d is already terminal", run.ID)
	}
	return nil
}

func sqliteScanRun(row rowScanner, r *models.ScraperRun) error {
	return row.Scan(
		&r.ID, &r.Trigger, &r.StartedAt, &r.FinishedAt, &r.Status,
		&r.RecordsSeen, &r.RecordsUpserted, &r.RecordsFailed, &r.ErrorSummary,
	)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id int64) (*models.ScraperRun, error) {
	var r models.ScraperRun
	query := fmt.Sprintf(`SELECT %s FROM scraper_runs WHERE id = ?`, runColumns)
	err := sqliteScanRun(s.db.QueryRowContext(ctx, query, id), &r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, sqliteWrap(err)
	}
	return &r, nil
}

func (s *SQLiteStore) LatestRun(ctx context.Context) (*models.ScraperRun, error) {
	var r models.ScraperRun
	query := fmt.Sprintf(`SELECT %s FROM scraper_runs ORDER BY id DESC LIMIT 1`, runColumns)
	err := sqliteScanRun(s.db.QueryRowContext(ctx, query), &r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, sqliteWrap(err)
	}
	return &r, nil
}

// =============================================================================
// Photo archive queue
// =============================================================================

func (s *SQLiteStore) UnarchivedPhotos(ctx context.Context, limit int) ([]models.PhotoURL, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campground_id, url, s3_key, archived_at, attempts, created_at
		FROM photo_urls
		WHERE archived_at IS NULL AND attempts < 3
		ORDER BY created_at
		LIMIT ?`, limit)
	if err != nil {
		return nil, sqliteWrap(err)
	}
	defer rows.Close()

	var photos []models.PhotoURL
	for rows.Next() {
		var p models.PhotoURL
		if err := rows.Scan(&p.ID, &p.CampgroundID, &p.URL, &p.S3Key, &p.ArchivedAt, &p.Attempts, &p.CreatedAt); err != nil {
			return nil, err
		}
		photos = append(photos, p)
	}
	return photos, rows.Err()
}

func (s *SQLiteStore) MarkPhotoArchived(ctx context.Context, id int64, s3Key string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE photo_urls SET s3_key = ?, archived_at = ? WHERE id = ?`,
		s3Key, time.Now().UTC(), id)
	return sqliteWrap(err)
}

func (s *SQLiteStore) MarkPhotoFailed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE photo_urls SET attempts = attempts + 1 WHERE id = ?`, id)
	return sqliteWrap(err)
}
