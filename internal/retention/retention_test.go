package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/replayd/internal/catalog"
	"github.com/jmylchreest/replayd/internal/config"
	"github.com/jmylchreest/replayd/internal/models"
)

// memStore is an in-memory Store with a fixed clock.
type memStore struct {
	mu        sync.Mutex
	now       time.Time
	clips     []*models.Clip
	failIDs   map[models.ULID]bool
	deleteErr error
	deletes   atomic.Int32
}

func newMemStore(now time.Time, ages ...time.Duration) *memStore {
	s := &memStore{now: now, failIDs: map[models.ULID]bool{}}
	for i, age := range ages {
		c := &models.Clip{Path: "/clips/" + time.Duration(i).String(), Container: models.ClipContainerMP4, SizeBytes: int64(10 * (i + 1))}
		c.ID = models.NewULID()
		c.CreatedAt = now.Add(-age)
		s.clips = append(s.clips, c)
	}
	sort.Slice(s.clips, func(i, j int) bool { return s.clips[i].CreatedAt.Before(s.clips[j].CreatedAt) })
	return s
}

func (s *memStore) OlderThan(_ context.Context, age time.Duration) ([]*models.Clip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Clip
	for _, c := range s.clips {
		if c.CreatedAt.Before(s.now.Add(-age)) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) Excess(_ context.Context, keep int) ([]*models.Clip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keep >= len(s.clips) {
		return nil, nil
	}
	return append([]*models.Clip(nil), s.clips[:len(s.clips)-keep]...), nil
}

func (s *memStore) Delete(_ context.Context, id models.ULID) (*models.Clip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes.Add(1)
	if s.failIDs[id] {
		return nil, errors.New("permission denied")
	}
	for i, c := range s.clips {
		if c.ID == id {
			s.clips = append(s.clips[:i], s.clips[i+1:]...)
			return c, nil
		}
	}
	return nil, models.ErrClipNotFound
}

func (s *memStore) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clips)
}

func retentionConfig(schedule string, maxAge time.Duration, maxClips int) config.RetentionConfig {
	return config.RetentionConfig{
		Enabled:  true,
		Schedule: schedule,
		MaxAge:   config.Duration(maxAge),
		MaxClips: maxClips,
	}
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(retentionConfig("every hour", 0, 0), newMemStore(time.Now()), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid retention schedule")
}

func TestValidateSchedule(t *testing.T) {
	for _, spec := range []string{"@every 1h", "@daily", "0 3 * * *", "*/15 * * * *"} {
		assert.NoError(t, ValidateSchedule(spec), spec)
	}
	for _, spec := range []string{"", "hourly", "* * *", "@every potato"} {
		assert.Error(t, ValidateSchedule(spec), spec)
	}
}

func TestPruner_Next(t *testing.T) {
	p, err := New(retentionConfig("0 3 * * *", 0, 0), newMemStore(time.Now()), nil)
	require.NoError(t, err)

	from := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 5, 2, 3, 0, 0, 0, time.UTC), p.Next(from))
}

func TestPruner_Prune(t *testing.T) {
	day := 24 * time.Hour
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		maxAge        time.Duration
		maxClips      int
		ages          []time.Duration
		wantDeleted   int
		wantExpired   int
		wantOverLimit int
		wantRemaining int
	}{
		{
			name:          "age only",
			maxAge:        7 * day,
			ages:          []time.Duration{10 * day, 8 * day, day, time.Hour},
			wantDeleted:   2,
			wantExpired:   2,
			wantRemaining: 2,
		},
		{
			name:          "count only",
			maxClips:      1,
			ages:          []time.Duration{3 * day, 2 * day, day},
			wantDeleted:   2,
			wantOverLimit: 2,
			wantRemaining: 1,
		},
		{
			name:          "overlapping rules delete once",
			maxAge:        7 * day,
			maxClips:      2,
			ages:          []time.Duration{10 * day, 8 * day, day, time.Hour},
			wantDeleted:   2,
			wantExpired:   2,
			wantOverLimit: 2,
			wantRemaining: 2,
		},
		{
			name:          "both rules disabled",
			ages:          []time.Duration{100 * day, 50 * day},
			wantRemaining: 2,
		},
		{
			name:          "empty catalog",
			maxAge:        day,
			maxClips:      5,
			wantRemaining: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(now, tt.ages...)
			p, err := New(retentionConfig("@every 1h", tt.maxAge, tt.maxClips), store, nil)
			require.NoError(t, err)

			report, err := p.Prune(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantDeleted, report.Deleted)
			assert.Equal(t, tt.wantExpired, report.Expired)
			assert.Equal(t, tt.wantOverLimit, report.OverLimit)
			assert.Zero(t, report.Failed)
			assert.Equal(t, tt.wantRemaining, store.remaining())
			assert.Equal(t, int32(tt.wantDeleted), store.deletes.Load())
		})
	}
}

func TestPruner_Prune_ContinuesAfterFailure(t *testing.T) {
	now := time.Now()
	store := newMemStore(now, 3*time.Hour, 2*time.Hour, time.Hour)
	store.failIDs[store.clips[0].ID] = true

	p, err := New(retentionConfig("@every 1h", 0, 0), store, nil)
	require.NoError(t, err)
	p.maxClips = 1

	report, err := p.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, int64(20), report.FreedBytes)
	assert.Equal(t, 2, store.remaining())
}

func TestPruner_Prune_Cancelled(t *testing.T) {
	store := newMemStore(time.Now(), 3*time.Hour, 2*time.Hour)
	p, err := New(retentionConfig("@every 1h", 0, 0), store, nil)
	require.NoError(t, err)
	p.maxClips = 1

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = p.Prune(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, store.remaining())
}

func TestPruner_StartStop(t *testing.T) {
	store := newMemStore(time.Now(), 3*time.Hour, 2*time.Hour, time.Hour)
	p, err := New(retentionConfig("@every 1s", 0, 1), store, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, p.Start(ctx))
	assert.ErrorIs(t, p.Start(ctx), ErrAlreadyStarted)

	assert.Eventually(t, func() bool { return store.remaining() == 1 }, 5*time.Second, 50*time.Millisecond)

	p.Stop()
	// Stopping twice is harmless.
	p.Stop()

	// A stopped pruner can be started again.
	require.NoError(t, p.Start(ctx))
	p.Stop()
}

func TestPruner_WithCatalog(t *testing.T) {
	ctx := context.Background()
	cat, err := catalog.Open(ctx, config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:", LogLevel: "silent"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	dir := t.TempDir()
	now := time.Now().UTC()
	var paths []string
	for i, age := range []time.Duration{30 * 24 * time.Hour, 2 * time.Hour, time.Hour} {
		path := filepath.Join(dir, "clip_"+string(rune('a'+i))+".mp4")
		require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
		clip := &models.Clip{Path: path, Container: models.ClipContainerMP4, SizeBytes: 4}
		clip.CreatedAt = now.Add(-age)
		require.NoError(t, cat.Create(ctx, clip))
		paths = append(paths, path)
	}

	p, err := New(retentionConfig("@every 1h", 7*24*time.Hour, 0), cat, nil)
	require.NoError(t, err)

	report, err := p.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, int64(4), report.FreedBytes)

	assert.NoFileExists(t, paths[0])
	assert.FileExists(t, paths[1])
	assert.FileExists(t, paths[2])

	summary, err := cat.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Clips)
}
