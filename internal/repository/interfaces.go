package repository

import (
	"context"

	"github.com/octapulse/fishlens/internal/storage"
	"github.com/octapulse/fishlens/pkg/models"
	"github.com/octapulse/fishlens/pkg/validation"
)

// ImageRepository defines the interface for loading images before upload
type ImageRepository interface {
	// FetchImage loads an image and checks it against the upload contract
	FetchImage(ctx context.Context, ref string) (*storage.Image, error)

	// ValidateImageRef validates if the provided reference is acceptable
	ValidateImageRef(ref string) error

	// GetImageMetadata loads an image and reports what the upload contract
	// sees, without rejecting it
	GetImageMetadata(ctx context.Context, ref string) (*ImageMetadata, error)
}

// ImageMetadata contains metadata about an image
type ImageMetadata struct {
	Name        string                       `json:"name"`
	ContentType string                       `json:"content_type,omitempty"`
	Size        int64                        `json:"size"`
	Outcome     validation.ValidationOutcome `json:"outcome"`
}

// AnalysisRepository defines the interface for analysis result operations.
// Stored values are snapshots and are replaced as a whole.
type AnalysisRepository interface {
	// SaveAnalysisResult stores an analysis result
	SaveAnalysisResult(ctx context.Context, result *models.FishAnalysisResult) error

	// GetAnalysisResult retrieves a stored analysis result
	GetAnalysisResult(ctx context.Context, id string) (*models.FishAnalysisResult, error)

	// GetAnalysisHistory retrieves stored results for an image path, newest first
	GetAnalysisHistory(ctx context.Context, imagePath string) ([]*models.FishAnalysisResult, error)

	// SaveBatch stores a batch snapshot and each of its members
	SaveBatch(ctx context.Context, batch *models.BatchAnalysisResult) error

	// GetBatch retrieves a stored batch snapshot
	GetBatch(ctx context.Context, id string) (*models.BatchAnalysisResult, error)
}
