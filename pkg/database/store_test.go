package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channel-relay/pkg/task"
)

type itemStore interface {
	Exists(ctx context.Context, id string) (bool, error)
	Create(ctx context.Context, rec *task.Record) error
	UpdateStatus(ctx context.Context, id string, status task.Status, f task.StatusFields) error
	Get(ctx context.Context, id string) (*task.Record, error)
	ListByStatus(ctx context.Context, statuses ...task.Status) ([]task.Record, error)
	IncrementStat(ctx context.Context, day time.Time, counter task.Counter, delta int) error
}

func newLiteStore(t *testing.T) *LiteStore {
	t.Helper()
	s, err := OpenLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLiteStore(t *testing.T) {
	testItemStore(t, newLiteStore(t))
}

// TestPostgresStore runs against a real database when DATABASE_URL is set.
func TestPostgresStore(t *testing.T) {
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set")
	}
	c, err := Connect(context.Background(), os.Getenv("DATABASE_URL"), 2)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.InitSchema(ctx))

	testItemStore(t, c)
}

func testItemStore(t *testing.T, s itemStore) {
	ctx := context.Background()
	id := "vid-" + uuid.NewString()
	published := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	exists, err := s.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)

	rec := task.NewRecord(task.Item{
		ExternalID:  id,
		Title:       "Speedrun",
		Description: "any%",
		SourceURL:   "http://source.test/" + id,
		Tags:        []string{"gaming", "speedrun"},
		CategoryID:  "20",
		PublishedAt: published,
	})
	require.NoError(t, s.Create(ctx, rec))

	dup := *rec
	dup.Title = "changed"
	require.NoError(t, s.Create(ctx, &dup), "duplicate create is ignored")

	exists, err = s.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Speedrun", got.Title)
	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Equal(t, []string{"gaming", "speedrun"}, got.Tags)
	assert.True(t, published.Equal(got.PublishedAt))
	assert.Nil(t, got.DownloadedAt)

	retries := 2
	downloaded := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateStatus(ctx, id, task.StatusFailed, task.StatusFields{LastError: "timeout", RetryCount: &retries}))
	require.NoError(t, s.UpdateStatus(ctx, id, task.StatusDownloaded, task.StatusFields{ArtifactPath: "/tmp/" + id + ".mp4", DownloadedAt: &downloaded}))

	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDownloaded, got.Status)
	assert.Empty(t, got.LastError, "a later update clears the error")
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "/tmp/"+id+".mp4", got.ArtifactPath)
	require.NotNil(t, got.DownloadedAt)
	assert.True(t, downloaded.Equal(*got.DownloadedAt))

	require.NoError(t, s.UpdateStatus(ctx, id, task.StatusCompleted, task.StatusFields{RemoteID: "remote-1"}))
	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "remote-1", got.RemoteID)
	assert.Equal(t, "/tmp/"+id+".mp4", got.ArtifactPath, "unset fields are kept")

	assert.ErrorIs(t, s.UpdateStatus(ctx, "missing-"+id, task.StatusFailed, task.StatusFields{}), ErrNotFound)
	_, err = s.Get(ctx, "missing-"+id)
	assert.ErrorIs(t, err, ErrNotFound)

	other := "vid-" + uuid.NewString()
	require.NoError(t, s.Create(ctx, task.NewRecord(task.Item{ExternalID: other, Title: "Other"})))
	require.NoError(t, s.UpdateStatus(ctx, other, task.StatusUploading, task.StatusFields{}))

	unfinished, err := s.ListByStatus(ctx, task.StatusQueued, task.StatusUploading)
	require.NoError(t, err)
	ids := map[string]task.Status{}
	for _, r := range unfinished {
		ids[r.ExternalID] = r.Status
	}
	assert.Equal(t, task.StatusUploading, ids[other])
	assert.NotContains(t, ids, id)

	assert.NoError(t, s.IncrementStat(ctx, time.Now(), task.CounterDetected, 1))
	assert.Error(t, s.IncrementStat(ctx, time.Now(), task.Counter("bogus"), 1))
}

func TestLiteStore_DailyStats(t *testing.T) {
	s := newLiteStore(t)
	ctx := context.Background()
	today := time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)
	yesterday := today.Add(-24 * time.Hour)

	require.NoError(t, s.IncrementStat(ctx, today, task.CounterDetected, 1))
	require.NoError(t, s.IncrementStat(ctx, today.Add(time.Hour), task.CounterDetected, 2))
	require.NoError(t, s.IncrementStat(ctx, today, task.CounterUploaded, 1))
	require.NoError(t, s.IncrementStat(ctx, yesterday, task.CounterErrors, 4))

	stats, err := s.DailyStats(ctx, 7)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, 3, stats[0].Detected)
	assert.Equal(t, 1, stats[0].Uploaded)
	assert.Equal(t, 0, stats[0].Downloaded)
	assert.Equal(t, 4, stats[1].Errors)
	assert.True(t, task.Day(today).Equal(stats[0].Day))
}

func TestLiteStore_Recent(t *testing.T) {
	s := newLiteStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Create(ctx, task.NewRecord(task.Item{ExternalID: id})))
	}
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.UpdateStatus(ctx, "a", task.StatusDownloading, task.StatusFields{}))

	recent, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "a", recent[0].ExternalID)
}
