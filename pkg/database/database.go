package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"channel-relay/pkg/task"
)

// ErrNotFound is returned when no item has the requested id.
var ErrNotFound = errors.New("item not found")

// counterColumns whitelists the daily_stats columns IncrementStat may touch.
var counterColumns = map[task.Counter]string{
	task.CounterDetected:   "videos_detected",
	task.CounterDownloaded: "videos_downloaded",
	task.CounterUploaded:   "videos_uploaded",
	task.CounterErrors:     "errors",
}

// Client is the Postgres-backed item store.
type Client struct {
	pool *pgxpool.Pool
}

// Connect opens a pool for url. maxConns caps the pool when positive.
func Connect(ctx context.Context, url string, maxConns int) (*Client, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	// Keep the pool small so several relays can share one Postgres.
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &Client{pool: pool}, nil
}

func (c *Client) Close() {
	c.pool.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// InitSchema creates the items and daily_stats tables.
func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS items (
        external_id TEXT PRIMARY KEY,
        title TEXT NOT NULL DEFAULT '',
        description TEXT NOT NULL DEFAULT '',
        source_url TEXT NOT NULL DEFAULT '',
        thumbnail_url TEXT NOT NULL DEFAULT '',
        tags TEXT[] NOT NULL DEFAULT '{}',
        category_id TEXT NOT NULL DEFAULT '',
        published_at TIMESTAMPTZ,
        status TEXT NOT NULL DEFAULT 'queued',
        artifact_path TEXT,
        remote_id TEXT,
        last_error TEXT,
        retry_count INTEGER NOT NULL DEFAULT 0,
        downloaded_at TIMESTAMPTZ,
        uploaded_at TIMESTAMPTZ,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS idx_items_status ON items (status);

    CREATE TABLE IF NOT EXISTS daily_stats (
        day DATE PRIMARY KEY,
        videos_detected INTEGER NOT NULL DEFAULT 0,
        videos_downloaded INTEGER NOT NULL DEFAULT 0,
        videos_uploaded INTEGER NOT NULL DEFAULT 0,
        errors INTEGER NOT NULL DEFAULT 0
    );
    `
	_, err := c.pool.Exec(ctx, schema)
	return err
}

func (c *Client) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := c.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM items WHERE external_id = $1)`, id).Scan(&exists)
	return exists, err
}

// Create inserts a new item. An existing row with the same id is left
// untouched.
func (c *Client) Create(ctx context.Context, rec *task.Record) error {
	status := rec.Status
	if status == "" {
		status = task.StatusQueued
	}
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	query := `
        INSERT INTO items (external_id, title, description, source_url, thumbnail_url, tags, category_id, published_at, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (external_id) DO NOTHING`
	_, err := c.pool.Exec(ctx, query,
		rec.ExternalID, rec.Title, rec.Description, rec.SourceURL, rec.ThumbnailURL,
		tags, rec.CategoryID, nullTime(rec.PublishedAt), status)
	return err
}

// UpdateStatus sets the status and last error and fills in whichever optional
// fields are set.
func (c *Client) UpdateStatus(ctx context.Context, id string, status task.Status, f task.StatusFields) error {
	query := `
        UPDATE items SET
            status = $2,
            last_error = $3,
            artifact_path = COALESCE(NULLIF($4, ''), artifact_path),
            remote_id = COALESCE(NULLIF($5, ''), remote_id),
            retry_count = COALESCE($6, retry_count),
            downloaded_at = COALESCE($7, downloaded_at),
            uploaded_at = COALESCE($8, uploaded_at),
            updated_at = NOW()
        WHERE external_id = $1`
	tag, err := c.pool.Exec(ctx, query, id, status, f.LastError, f.ArtifactPath, f.RemoteID, f.RetryCount, f.DownloadedAt, f.UploadedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const itemColumns = `external_id, title, description, source_url, thumbnail_url, tags, category_id, published_at,
    status, artifact_path, remote_id, last_error, retry_count, downloaded_at, uploaded_at, created_at, updated_at`

func (c *Client) Get(ctx context.Context, id string) (*task.Record, error) {
	rec, err := scanRecord(c.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE external_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListByStatus returns items in any of the given statuses, oldest first.
func (c *Client) ListByStatus(ctx context.Context, statuses ...task.Status) ([]task.Record, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := c.pool.Query(ctx, `SELECT `+itemColumns+` FROM items WHERE status = ANY($1) ORDER BY created_at`, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := []task.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// Recent returns the most recently updated items.
func (c *Client) Recent(ctx context.Context, limit int) ([]task.Record, error) {
	rows, err := c.pool.Query(ctx, `SELECT `+itemColumns+` FROM items ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := []task.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func scanRecord(row pgx.Row) (*task.Record, error) {
	rec := &task.Record{}
	var published, downloaded, uploaded *time.Time
	var artifact, remote, lastError sql.NullString
	err := row.Scan(
		&rec.ExternalID, &rec.Title, &rec.Description, &rec.SourceURL, &rec.ThumbnailURL, &rec.Tags,
		&rec.CategoryID, &published, &rec.Status, &artifact, &remote, &lastError, &rec.RetryCount,
		&downloaded, &uploaded, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if published != nil {
		rec.PublishedAt = *published
	}
	rec.ArtifactPath = artifact.String
	rec.RemoteID = remote.String
	rec.LastError = lastError.String
	rec.DownloadedAt = downloaded
	rec.UploadedAt = uploaded
	return rec, nil
}

// IncrementStat adds delta to one counter of the given day's row.
func (c *Client) IncrementStat(ctx context.Context, day time.Time, counter task.Counter, delta int) error {
	col, ok := counterColumns[counter]
	if !ok {
		return fmt.Errorf("unknown counter %q", counter)
	}
	query := fmt.Sprintf(`
        INSERT INTO daily_stats (day, %[1]s) VALUES ($1, $2)
        ON CONFLICT (day) DO UPDATE SET %[1]s = daily_stats.%[1]s + EXCLUDED.%[1]s`, col)
	_, err := c.pool.Exec(ctx, query, task.Day(day), delta)
	return err
}

// DailyStats returns the counters of the last n days, newest first.
func (c *Client) DailyStats(ctx context.Context, n int) ([]task.DailyStats, error) {
	rows, err := c.pool.Query(ctx, `
        SELECT day, videos_detected, videos_downloaded, videos_uploaded, errors
        FROM daily_stats ORDER BY day DESC LIMIT $1`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []task.DailyStats{}
	for rows.Next() {
		var s task.DailyStats
		if err := rows.Scan(&s.Day, &s.Detected, &s.Downloaded, &s.Uploaded, &s.Errors); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
