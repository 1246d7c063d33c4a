package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dyrt_scraper/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// wrapConn tags errors that mean Postgres itself is unreachable. A PgError
// means the server answered, so those pass through untouched.
func wrapConn(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" &&
		(constraint == "" || pgErr.ConstraintName == constraint)
}

// =============================================================================
// Campgrounds
// =============================================================================

const campgroundColumns = `id, external_id, name, latitude, longitude, region_name,
	administrative_area, nearest_city_name, address, bookable, operator, slug,
	photo_url, photos_count, rating, reviews_count, price_low, price_high,
	availability_updated_at, links_self, created_at, updated_at, last_seen_at`

func scanCampground(row pgx.Row, c *models.Campground) error {
	return row.Scan(
		&c.ID, &c.ExternalID, &c.Name, &c.Latitude, &c.Longitude, &c.RegionName,
		&c.AdministrativeArea, &c.NearestCityName, &c.Address, &c.Bookable, &c.Operator, &c.Slug,
		&c.PhotoURL, &c.PhotosCount, &c.Rating, &c.ReviewsCount, &c.PriceLow, &c.PriceHigh,
		&c.AvailabilityUpdatedAt, &c.LinksSelf, &c.CreatedAt, &c.UpdatedAt, &c.LastSeenAt,
	)
}

// UpsertCampground persists one normalized entity: the campground row, the
// type lookup rows it references, and both association sets plus photos
// reconciled to exactly what the entity carries. All of it happens in one
// transaction so a crash never leaves a half-updated campground.
func (s *PostgresStore) UpsertCampground(ctx context.Context, e *models.CampgroundEntity) (UpsertResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", wrapConn(err)
	}
	defer tx.Rollback(ctx)

	camperIDs, err := resolveTypeIDs(ctx, tx, "camper_types", e.CamperTypes)
	if err != nil {
		return "", upsertErr(e, err)
	}
	accomIDs, err := resolveTypeIDs(ctx, tx, "accommodation_types", e.AccommodationTypes)
	if err != nil {
		return "", upsertErr(e, err)
	}

	c := &e.Campground
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	// xmax = 0 only holds for a freshly inserted row version.
	query := `
		INSERT INTO campgrounds (
			id, external_id, name, latitude, longitude, region_name,
			administrative_area, nearest_city_name, address, bookable, operator, slug,
			photo_url, photos_count, rating, reviews_count, price_low, price_high,
			availability_updated_at, links_self, created_at, updated_at, last_seen_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, NOW(), NOW(), NOW()
		)
		ON CONFLICT (external_id) DO UPDATE SET
			name = EXCLUDED.name,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			region_name = EXCLUDED.region_name,
			administrative_area = EXCLUDED.administrative_area,
			nearest_city_name = EXCLUDED.nearest_city_name,
			address = COALESCE(EXCLUDED.address, campgrounds.address),
			bookable = EXCLUDED.bookable,
			operator = EXCLUDED.operator,
			slug = EXCLUDED.slug,
			photo_url = EXCLUDED.photo_url,
			photos_count = EXCLUDED.photos_count,
			rating = EXCLUDED.rating,
			reviews_count = EXCLUDED.reviews_count,
			price_low = EXCLUDED.price_low,
			price_high = EXCLUDED.price_high,
			availability_updated_at = EXCLUDED.availability_updated_at,
			links_self = EXCLUDED.links_self,
			updated_at = NOW(),
			last_seen_at = NOW()
		RETURNING id, (xmax = 0)`

	var inserted bool
	err = tx.QueryRow(ctx, query,
		c.ID, c.ExternalID, c.Name, c.Latitude, c.Longitude, c.RegionName,
		c.AdministrativeArea, c.NearestCityName, c.Address, c.Bookable, c.Operator, c.Slug,
		c.PhotoURL, c.PhotosCount, c.Rating, c.ReviewsCount, c.PriceLow, c.PriceHigh,
		c.AvailabilityUpdatedAt, c.LinksSelf,
	).Scan(&c.ID, &inserted)
	if err != nil {
		return "", upsertErr(e, err)
	}

	if err := reconcileLinks(ctx, tx, "campground_camper_types", "camper_type_id", c.ID, camperIDs); err != nil {
		return "", upsertErr(e, err)
	}
	if err := reconcileLinks(ctx, tx, "campground_accommodation_types", "accommodation_type_id", c.ID, accomIDs); err != nil {
		return "", upsertErr(e, err)
	}
	if err := reconcilePhotos(ctx, tx, c.ID, e.PhotoURLs); err != nil {
		return "", upsertErr(e, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", upsertErr(e, err)
	}

	if inserted {
		return UpsertInserted, nil
	}
	return UpsertUpdated, nil
}

func upsertErr(e *models.CampgroundEntity, err error) error {
	if wrapped := wrapConn(err); errors.Is(wrapped, ErrUnavailable) {
		return wrapped
	}
	return &UpsertError{ExternalID: e.Campground.ExternalID, Err: err}
}

// resolveTypeIDs get-or-creates lookup rows by name. The insert races
// against concurrent runs by design: the unique constraint plus DO UPDATE
// makes it return the surviving row's id either way.
func resolveTypeIDs(ctx context.Context, tx pgx.Tx, table string, names []string) ([]int64, error) {
	ids := make([]int64, 0, len(names))
	query := fmt.Sprintf(`
		INSERT INTO %s (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, table)

	for _, name := range names {
		var id int64
		if err := tx.QueryRow(ctx, query, name).Scan(&id); err != nil {
			return nil, fmt.Errorf("resolve %s %q: %w", table, name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// reconcileLinks brings an association table to exactly the given id set:
// stale links go, missing links come, unchanged links are untouched.
func reconcileLinks(ctx context.Context, tx pgx.Tx, table, idCol string, campgroundID uuid.UUID, typeIDs []int64) error {
	if typeIDs == nil {
		typeIDs = []int64{} // nil would encode as SQL NULL and prune nothing
	}
	del := fmt.Sprintf(`DELETE FROM %s WHERE campground_id = $1 AND %s != ALL($2)`, table, idCol)
	if _, err := tx.Exec(ctx, del, campgroundID, typeIDs); err != nil {
		return fmt.Errorf("prune %s: %w", table, err)
	}

	ins := fmt.Sprintf(`
		INSERT INTO %s (campground_id, %s) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, table, idCol)
	for _, id := range typeIDs {
		if _, err := tx.Exec(ctx, ins, campgroundID, id); err != nil {
			return fmt.Errorf("link %s: %w", table, err)
		}
	}
	return nil
}

func reconcilePhotos(ctx context.Context, tx pgx.Tx, campgroundID uuid.UUID, urls []string) error {
	if urls == nil {
		urls = []string{}
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM photo_urls WHERE campground_id = $1 AND url != ALL($2)`,
		campgroundID, urls,
	); err != nil {
		return fmt.Errorf("prune photos: %w", err)
	}

	for _, u := range urls {
		if _, err := tx.Exec(ctx, `
			INSERT INTO photo_urls (campground_id, url) VALUES ($1, $2)
			ON CONFLICT (campground_id, url) DO NOTHING`,
			campgroundID, u,
		); err != nil {
			return fmt.Errorf("insert photo: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetCampground(ctx context.Context, id uuid.UUID) (*models.CampgroundDetail, error) {
	var d models.CampgroundDetail
	query := fmt.Sprintf(`SELECT %s FROM campgrounds WHERE id = $1`, campgroundColumns)
	err := scanCampground(s.pool.QueryRow(ctx, query, id), &d.Campground)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapConn(err)
	}

	d.CamperTypes, err = s.typeNames(ctx, "camper_types", "campground_camper_types", "camper_type_id", id)
	if err != nil {
		return nil, wrapConn(err)
	}
	d.AccommodationTypes, err = s.typeNames(ctx, "accommodation_types", "campground_accommodation_types", "accommodation_type_id", id)
	if err != nil {
		return nil, wrapConn(err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT url FROM photo_urls WHERE campground_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, wrapConn(err)
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

func (s *PostgresStore) typeNames(ctx context.Context, typeTable, linkTable, idCol string, campgroundID uuid.UUID) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT t.name FROM %s t
		JOIN %s l ON l.%s = t.id
		WHERE l.campground_id = $1
		ORDER BY t.name`, typeTable, linkTable, idCol)

	rows, err := s.pool.Query(ctx, query, campgroundID)
	if err != nil {
		return nil, err
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

func (s *PostgresStore) GetCampgroundByExternalID(ctx context.Context, externalID string) (*models.Campground, error) {
	var c models.Campground
	query := fmt.Sprintf(`SELECT %s FROM campgrounds WHERE external_id = $1`, campgroundColumns)
	err := scanCampground(s.pool.QueryRow(ctx, query, externalID), &c)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapConn(err)
	}
	return &c, nil
}

func (s *PostgresStore) ListCampgrounds(ctx context.Context, f CampgroundFilter) ([]models.Campground, error) {
	builder := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).
		Select(strings.Fields(strings.ReplaceAll(campgroundColumns, ",", " "))...).
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

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapConn(err)
	}
	defer rows.Close()

	var out []models.Campground
	for rows.Next() {
		var c models.Campground
		if err := scanCampground(rows, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// Scraper runs
// =============================================================================

// CreateRun is the idle → running transition. The partial unique index on
// status='running' makes it a compare-and-set: a second caller gets
// ErrAlreadyRunning no matter which process it lives in.
func (s *PostgresStore) CreateRun(ctx context.Context, trigger models.RunTrigger) (*models.ScraperRun, error) {
	run := &models.ScraperRun{
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
		Status:    models.RunStatusRunning,
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO scraper_runs (triggered_by, started_at, status)
		VALUES ($1, $2, 'running')
		RETURNING id`,
		run.Trigger, run.StartedAt,
	).Scan(&run.ID)
	if isUniqueViolation(err, "scraper_runs_one_running") {
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		return nil, wrapConn(err)
	}
	return run, nil
}

// FinalizeRun writes the terminal state. The status='running' guard makes
// terminal-once a storage invariant, not a coordinator courtesy.
func (s *PostgresStore) FinalizeRun(ctx context.Context, run *models.ScraperRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scraper_runs SET
			finished_at = $2, status = $3, records_seen = $4,
			records_upserted = $5, records_failed = $6, error_summary = $7
		WHERE id = $1 AND status = 'running'`,
		run.ID, run.FinishedAt, run.Status, run.RecordsSeen,
		run.RecordsUpserted, run.RecordsFailed, run.ErrorSummary,
	)
	if err != nil {
		return wrapConn(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %d is already terminal", run.ID)
	}
	return nil
}

const runColumns = `id, triggered_by, started_at, finished_at, status,
	records_seen, records_upserted, records_failed, error_summary`

func scanRun(row pgx.Row, r *models.ScraperRun) error {
	return row.Scan(
		&r.ID, &r.Trigger, &r.StartedAt, &r.FinishedAt, &r.Status,
		&r.RecordsSeen, &r.RecordsUpserted, &r.RecordsFailed, &r.ErrorSummary,
	)
}

func (s *PostgresStore) GetRun(ctx context.Context, id int64) (*models.ScraperRun, error) {
	var r models.ScraperRun
	query := fmt.Sprintf(`SELECT %s FROM scraper_runs WHERE id = $1`, runColumns)
	err := scanRun(s.pool.QueryRow(ctx, query, id), &r)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapConn(err)
	}
	return &r, nil
}

func (s *PostgresStore) LatestRun(ctx context.Context) (*models.ScraperRun, error) {
	var r models.ScraperRun
	query := fmt.Sprintf(`SELECT %s FROM scraper_runs ORDER BY id DESC LIMIT 1`, runColumns)
	err := scanRun(s.pool.QueryRow(ctx, query), &r)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapConn(err)
	}
	return &r, nil
}

// =============================================================================
// Photo archive queue
// =============================================================================

func (s *PostgresStore) UnarchivedPhotos(ctx context.Context, limit int) ([]models.PhotoURL, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, campground_id, url, s3_key, archived_at, attempts, created_at
		FROM photo_urls
		WHERE archived_at IS NULL AND attempts < 3
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, wrapConn(err)
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

func (s *PostgresStore) MarkPhotoArchived(ctx context.Context, id int64, s3Key string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE photo_urls SET s3_key = $2, archived_at = NOW() WHERE id = $1`, id, s3Key)
	return wrapConn(err)
}

func (s *PostgresStore) MarkPhotoFailed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE photo_urls SET attempts = attempts + 1 WHERE id = $1`, id)
	return wrapConn(err)
}
