package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"channel-relay/pkg/task"
)

type itemRow struct {
	ExternalID   string   `gorm:"primaryKey"`
	Title        string   `gorm:"not null;default:''"`
	Description  string   `gorm:"not null;default:''"`
	SourceURL    string   `gorm:"not null;default:''"`
	ThumbnailURL string   `gorm:"not null;default:''"`
	Tags         []string `gorm:"serializer:json"`
	CategoryID   string   `gorm:"not null;default:''"`
	PublishedAt  *time.Time
	Status       string `gorm:"index;not null"`
	ArtifactPath string
	RemoteID     string
	LastError    string
	RetryCount   int `gorm:"not null;default:0"`
	DownloadedAt *time.Time
	UploadedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (itemRow) TableName() string { return "items" }

type dailyStatsRow struct {
	Day              time.Time `gorm:"primaryKey"`
	VideosDetected   int       `gorm:"not null;default:0"`
	VideosDownloaded int       `gorm:"not null;default:0"`
	VideosUploaded   int       `gorm:"not null;default:0"`
	Errors           int       `gorm:"not null;default:0"`
}

func (dailyStatsRow) TableName() string { return "daily_stats" }

// LiteStore is the single-file SQLite item store used when no Postgres URL
// is configured.
type LiteStore struct {
	db *gorm.DB
}

// OpenLite opens (creating if needed) the SQLite database at path and
// migrates it. ":memory:" gives a private in-memory database.
func OpenLite(path string) (*LiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases from splitting across connections.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&itemRow{}, &dailyStatsRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &LiteStore{db: db}, nil
}

func (s *LiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *LiteStore) Exists(ctx context.Context, id string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&itemRow{}).Where("external_id = ?", id).Count(&n).Error
	return n > 0, err
}

func (s *LiteStore) Create(ctx context.Context, rec *task.Record) error {
	row := itemRow{
		ExternalID:   rec.ExternalID,
		Title:        rec.Title,
		Description:  rec.Description,
		SourceURL:    rec.SourceURL,
		ThumbnailURL: rec.ThumbnailURL,
		Tags:         rec.Tags,
		CategoryID:   rec.CategoryID,
		PublishedAt:  nullTime(rec.PublishedAt),
		Status:       string(rec.Status),
	}
	if row.Status == "" {
		row.Status = string(task.StatusQueued)
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (s *LiteStore) UpdateStatus(ctx context.Context, id string, status task.Status, f task.StatusFields) error {
	updates := map[string]any{
		"status":     string(status),
		"last_error": f.LastError,
		"updated_at": time.Now(),
	}
	if f.ArtifactPath != "" {
		updates["artifact_path"] = f.ArtifactPath
	}
	if f.RemoteID != "" {
		updates["remote_id"] = f.RemoteID
	}
	if f.RetryCount != nil {
		updates["retry_count"] = *f.RetryCount
	}
	if f.DownloadedAt != nil {
		updates["downloaded_at"] = *f.DownloadedAt
	}
	if f.UploadedAt != nil {
		updates["uploaded_at"] = *f.UploadedAt
	}

	res := s.db.WithContext(ctx).Model(&itemRow{}).Where("external_id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *LiteStore) Get(ctx context.Context, id string) (*task.Record, error) {
	var row itemRow
	err := s.db.WithContext(ctx).Where("external_id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := row.record()
	return &rec, nil
}

func (s *LiteStore) ListByStatus(ctx context.Context, statuses ...task.Status) ([]task.Record, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	var rows []itemRow
	if err := s.db.WithContext(ctx).Where("status IN ?", names).Order("created_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	return records(rows), nil
}

func (s *LiteStore) Recent(ctx context.Context, limit int) ([]task.Record, error) {
	var rows []itemRow
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return records(rows), nil
}

func (s *LiteStore) IncrementStat(ctx context.Context, day time.Time, counter task.Counter, delta int) error {
	col, ok := counterColumns[counter]
	if !ok {
		return fmt.Errorf("unknown counter %q", counter)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := dailyStatsRow{Day: task.Day(day)}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}
		return tx.Model(&dailyStatsRow{}).Where("day = ?", task.Day(day)).
			UpdateColumn(col, gorm.Expr(col+" + ?", delta)).Error
	})
}

func (s *LiteStore) DailyStats(ctx context.Context, n int) ([]task.DailyStats, error) {
	var rows []dailyStatsRow
	if err := s.db.WithContext(ctx).Order("day DESC").Limit(n).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]task.DailyStats, 0, len(rows))
	for _, r := range rows {
		out = append(out, task.DailyStats{
			Day:        r.Day,
			Detected:   r.VideosDetected,
			Downloaded: r.VideosDownloaded,
			Uploaded:   r.VideosUploaded,
			Errors:     r.Errors,
		})
	}
	return out, nil
}

func (r itemRow) record() task.Record {
	rec := task.Record{
		ExternalID:   r.ExternalID,
		Title:        r.Title,
		Description:  r.Description,
		SourceURL:    r.SourceURL,
		ThumbnailURL: r.ThumbnailURL,
		Tags:         r.Tags,
		CategoryID:   r.CategoryID,
		Status:       task.Status(r.Status),
		ArtifactPath: r.ArtifactPath,
		RemoteID:     r.RemoteID,
		LastError:    r.LastError,
		RetryCount:   r.RetryCount,
		DownloadedAt: r.DownloadedAt,
		UploadedAt:   r.UploadedAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.PublishedAt != nil {
		rec.PublishedAt = *r.PublishedAt
	}
	return rec
}

func records(rows []itemRow) []task.Record {
	out := make([]task.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out
}
