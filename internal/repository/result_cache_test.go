package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octapulse/fishlens/pkg/models"
)

func result(id, path string, status models.AnalysisStatus, at time.Time) *models.FishAnalysisResult {
	return &models.FishAnalysisResult{
		AnalysisID:         id,
		ImagePath:          path,
		Status:             status,
		ProcessingMetadata: models.ProcessingMetadata{ProcessedAt: models.Timestamp{Time: at}},
	}
}

func TestCacheAnalysisRepository_SaveAndGet(t *testing.T) {
	repo := NewCacheAnalysisRepository(time.Minute)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.SaveAnalysisResult(ctx, result("a-1", "uploads/trout.jpg", models.StatusProcessing, now)))
	require.NoError(t, repo.SaveAnalysisResult(ctx, result("a-1", "uploads/trout.jpg", models.StatusCompleted, now)))

	got, err := repo.GetAnalysisResult(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)

	_, err = repo.GetAnalysisResult(ctx, "missing")
	assert.True(t, errors.Is(err, ErrAnalysisNotFound))
}

func TestCacheAnalysisRepository_RejectsRegression(t *testing.T) {
	repo := NewCacheAnalysisRepository(time.Minute)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.SaveAnalysisResult(ctx, result("a-1", "p", models.StatusCompleted, now)))

	for _, stale := range []models.AnalysisStatus{models.StatusPending, models.StatusProcessing, models.StatusFailed} {
		err := repo.SaveAnalysisResult(ctx, result("a-1", "p", stale, now))
		assert.True(t, errors.Is(err, ErrStatusRegression), "status %s", stale)
	}

	got, err := repo.GetAnalysisResult(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestCacheAnalysisRepository_ReplacesWholesale(t *testing.T) {
	repo := NewCacheAnalysisRepository(time.Minute)
	ctx := context.Background()

	first := result("a-1", "p", models.StatusCompleted, time.Now())
	first.Detections = map[string]int{"fish": 1}
	require.NoError(t, repo.SaveAnalysisResult(ctx, first))

	second := result("a-1", "p", models.StatusCompleted, time.Now())
	require.NoError(t, repo.SaveAnalysisResult(ctx, second))

	got, err := repo.GetAnalysisResult(ctx, "a-1")
	require.NoError(t, err)
	assert.Nil(t, got.Detections, "no field survives from the previous snapshot")

	got.Status = models.StatusFailed
	again, _ := repo.GetAnalysisResult(ctx, "a-1")
	assert.Equal(t, models.StatusCompleted, again.Status, "callers receive copies")
}

func TestCacheAnalysisRepository_History(t *testing.T) {
	repo := NewCacheAnalysisRepository(time.Minute)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.SaveAnalysisResult(ctx, result("a-1", "uploads/trout.jpg", models.StatusCompleted, base)))
	require.NoError(t, repo.SaveAnalysisResult(ctx, result("a-2", "uploads/trout.jpg", models.StatusCompleted, base.Add(time.Hour))))
	require.NoError(t, repo.SaveAnalysisResult(ctx, result("a-3", "uploads/salmon.jpg", models.StatusCompleted, base)))
	require.NoError(t, repo.SaveBatch(ctx, &models.BatchAnalysisResult{BatchID: "b-1", Status: models.StatusProcessing}))

	history, err := repo.GetAnalysisHistory(ctx, "uploads/trout.jpg")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "a-2", history[0].AnalysisID)
	assert.Equal(t, "a-1", history[1].AnalysisID)

	empty, err := repo.GetAnalysisHistory(ctx, "uploads/halibut.jpg")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCacheAnalysisRepository_Batch(t *testing.T) {
	repo := NewCacheAnalysisRepository(time.Minute)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.SaveAnalysisResult(ctx, result("m-2", "p2", models.StatusCompleted, now)))

	batch := &models.BatchAnalysisResult{
		BatchID: "b-1",
		Status:  models.StatusProcessing,
		Results: []models.FishAnalysisResult{
			*result("m-1", "p1", models.StatusCompleted, now),
			*result("m-2", "p2", models.StatusProcessing, now),
		},
	}
	require.NoError(t, repo.SaveBatch(ctx, batch))

	got, err := repo.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Len(t, got.Results, 2)

	member, err := repo.GetAnalysisResult(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "p1", member.ImagePath)

	kept, err := repo.GetAnalysisResult(ctx, "m-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, kept.Status, "stale member does not overwrite")

	batch.Status = models.StatusFailed
	require.NoError(t, repo.SaveBatch(ctx, batch))
	batch.Status = models.StatusPending
	assert.True(t, errors.Is(repo.SaveBatch(ctx, batch), ErrStatusRegression))

	_, err = repo.GetBatch(ctx, "missing")
	assert.True(t, errors.Is(err, ErrBatchNotFound))
}

func TestCacheAnalysisRepository_Expiry(t *testing.T) {
	repo := NewCacheAnalysisRepository(10 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, repo.SaveAnalysisResult(ctx, result("a-1", "p", models.StatusCompleted, time.Now())))
	assert.Equal(t, 1, repo.Count())

	time.Sleep(30 * time.Millisecond)
	_, err := repo.GetAnalysisResult(ctx, "a-1")
	assert.True(t, errors.Is(err, ErrAnalysisNotFound))

	require.NoError(t, repo.SaveAnalysisResult(ctx, result("a-2", "p", models.StatusPending, time.Now())))
	repo.Flush()
	assert.Equal(t, 0, repo.Count())
}

func TestCacheAnalysisRepository_Invalid(t *testing.T) {
	repo := NewCacheAnalysisRepository(time.Minute)

	assert.Error(t, repo.SaveAnalysisResult(context.Background(), &models.FishAnalysisResult{}))
	assert.Error(t, repo.SaveBatch(context.Background(), nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := repo.GetBatch(ctx, "b-1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCacheAnalysisRepository_SharesNoStateWithCallers(t *testing.T) {
	repo := NewCacheAnalysisRepository(time.Minute)
	ctx := context.Background()

	in := result("a-1", "uploads/trout.jpg", models.StatusCompleted, time.Now())
	in.Measurements = []models.Measurement{{Name: "Total Length", DistanceInches: 12}}
	in.Detections = map[string]int{"fish": 1}
	require.NoError(t, repo.SaveAnalysisResult(ctx, in))

	in.Measurements[0].DistanceInches = 99
	in.Detections["fish"] = 5

	out, err := repo.GetAnalysisResult(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, 12.0, out.Measurements[0].DistanceInches)
	assert.Equal(t, 1, out.Detections["fish"])

	out.Measurements[0].DistanceInches = 42
	again, err := repo.GetAnalysisResult(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, 12.0, again.Measurements[0].DistanceInches)

	b := &models.BatchAnalysisResult{
		BatchID: "b-1",
		Status:  models.StatusCompleted,
		Results: []models.FishAnalysisResult{*result("a-2", "uploads/carp.jpg", models.StatusCompleted, time.Now())},
	}
	b.Results[0].Measurements = []models.Measurement{{Name: "Total Length", DistanceInches: 7}}
	require.NoError(t, repo.SaveBatch(ctx, b))
	b.Results[0].Measurements[0].DistanceInches = 70

	gotBatch, err := repo.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 7.0, gotBatch.Results[0].Measurements[0].DistanceInches)
	member, err := repo.GetAnalysisResult(ctx, "a-2")
	require.NoError(t, err)
	assert.Equal(t, 7.0, member.Measurements[0].DistanceInches)
}
