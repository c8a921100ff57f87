package repository

import (
	"context"
	"fmt"

	"github.com/octapulse/fishlens/internal/storage"
	"github.com/octapulse/fishlens/pkg/validation"
)

// ImageResolver loads raw image references
type ImageResolver interface {
	Resolve(ctx context.Context, raw string) (*storage.Image, error)
}

// SourceImageRepository implements ImageRepository over the image sources
type SourceImageRepository struct {
	resolver ImageResolver
	refs     *validation.SourceValidator
	uploads  *validation.UploadValidator
}

// NewSourceImageRepository creates a new source-backed image repository
func NewSourceImageRepository(resolver ImageResolver, refs *validation.SourceValidator, uploads *validation.UploadValidator) ImageRepository {
	return &SourceImageRepository{
		resolver: resolver,
		refs:     refs,
		uploads:  uploads,
	}
}

// FetchImage loads the image and rejects it when it breaks the upload contract
func (r *SourceImageRepository) FetchImage(ctx context.Context, ref string) (*storage.Image, error) {
	img, err := r.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if outcome := r.uploads.Validate(img.Candidate()); !outcome.Valid {
		return nil, outcome.Err()
	}
	return img, nil
}

// ValidateImageRef validates if the provided reference is acceptable
func (r *SourceImageRepository) ValidateImageRef(ref string) error {
	if _, err := r.refs.ValidateSource(ref); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidImageRef, err)
	}
	return nil
}

// GetImageMetadata loads the image and returns its validation outcome
func (r *SourceImageRepository) GetImageMetadata(ctx context.Context, ref string) (*ImageMetadata, error) {
	img, err := r.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &ImageMetadata{
		Name:        img.Name,
		ContentType: img.ContentType,
		Size:        img.Size,
		Outcome:     r.uploads.Validate(img.Candidate()),
	}, nil
}
