package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/octapulse/fishlens/internal/logger"
	"github.com/octapulse/fishlens/pkg/models"
)

const (
	resultKeyPrefix = "result:"
	batchKeyPrefix  = "batch:"
)

// CacheAnalysisRepository keeps the latest fetched results in process memory.
// It is a view of the backend, which stays the source of truth. Results are
// deep-copied on the way in and out, so callers never share state with it.
type CacheAnalysisRepository struct {
	cache *cache.Cache
}

// NewCacheAnalysisRepository creates a repository whose entries expire after
// ttl
func NewCacheAnalysisRepository(ttl time.Duration) *CacheAnalysisRepository {
	return &CacheAnalysisRepository{cache: cache.New(ttl, 2*ttl)}
}

// SaveAnalysisResult replaces the stored result. A snapshot whose status
// would move the stored result backwards is rejected with
// ErrStatusRegression.
func (r *CacheAnalysisRepository) SaveAnalysisResult(ctx context.Context, result *models.FishAnalysisResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if result == nil || result.AnalysisID == "" {
		return fmt.Errorf("result without analysis_id cannot be stored")
	}
	if prev, ok := r.result(result.AnalysisID); ok && !prev.Status.CanTransitionTo(result.Status) {
		return fmt.Errorf("%w: result %s is %s, snapshot is %s", ErrStatusRegression, result.AnalysisID, prev.Status, result.Status)
	}

	r.cache.SetDefault(resultKeyPrefix+result.AnalysisID, result.Clone())
	return nil
}

// GetAnalysisResult retrieves a stored analysis result
func (r *CacheAnalysisRepository) GetAnalysisResult(ctx context.Context, id string) (*models.FishAnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, ok := r.result(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAnalysisNotFound, id)
	}
	return res.Clone(), nil
}

// GetAnalysisHistory returns every stored result for imagePath, newest first
func (r *CacheAnalysisRepository) GetAnalysisHistory(ctx context.Context, imagePath string) ([]*models.FishAnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var history []*models.FishAnalysisResult
	for key, item := range r.cache.Items() {
		if !strings.HasPrefix(key, resultKeyPrefix) {
			continue
		}
		res, ok := item.Object.(*models.FishAnalysisResult)
		if !ok || res.ImagePath != imagePath {
			continue
		}
		history = append(history, res.Clone())
	}

	sort.SliceStable(history, func(i, j int) bool {
		ti, tj := history[i].ProcessingMetadata.ProcessedAt.Time, history[j].ProcessingMetadata.ProcessedAt.Time
		if ti.Equal(tj) {
			return history[i].AnalysisID < history[j].AnalysisID
		}
		return ti.After(tj)
	})
	return history, nil
}

// SaveBatch replaces the stored batch and stores each member. Members that
// would regress are skipped; the batch snapshot itself must not regress.
func (r *CacheAnalysisRepository) SaveBatch(ctx context.Context, batch *models.BatchAnalysisResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if batch == nil || batch.BatchID == "" {
		return fmt.Errorf("batch without batch_id cannot be stored")
	}
	if prev, ok := r.batch(batch.BatchID); ok && !prev.Status.CanTransitionTo(batch.Status) {
		return fmt.Errorf("%w: batch %s is %s, snapshot is %s", ErrStatusRegression, batch.BatchID, prev.Status, batch.Status)
	}

	for i := range batch.Results {
		if err := r.SaveAnalysisResult(ctx, &batch.Results[i]); err != nil {
			logger.WithError(err).WithField("batch_id", batch.BatchID).Debug("Skipped stale batch member")
		}
	}

	r.cache.SetDefault(batchKeyPrefix+batch.BatchID, batch.Clone())
	return nil
}

// GetBatch retrieves a stored batch snapshot
func (r *CacheAnalysisRepository) GetBatch(ctx context.Context, id string) (*models.BatchAnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, ok := r.batch(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return b.Clone(), nil
}

// Count returns the number of cached results and batches
func (r *CacheAnalysisRepository) Count() int {
	return r.cache.ItemCount()
}

// Flush drops every cached entry
func (r *CacheAnalysisRepository) Flush() {
	r.cache.Flush()
}

func (r *CacheAnalysisRepository) result(id string) (*models.FishAnalysisResult, bool) {
	v, ok := r.cache.Get(resultKeyPrefix + id)
	if !ok {
		return nil, false
	}
	res, ok := v.(*models.FishAnalysisResult)
	return res, ok
}

func (r *CacheAnalysisRepository) batch(id string) (*models.BatchAnalysisResult, bool) {
	v, ok := r.cache.Get(batchKeyPrefix + id)
	if !ok {
		return nil, false
	}
	b, ok := v.(*models.BatchAnalysisResult)
	return b, ok
}
