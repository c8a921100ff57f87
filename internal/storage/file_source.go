package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	apperrors "github.com/octapulse/fishlens/internal/errors"
	"github.com/octapulse/fishlens/pkg/validation"
)

// FileSource loads images from the local filesystem
type FileSource struct {
	maxSize int64
}

func NewFileSource(maxSize int64) *FileSource {
	return &FileSource{maxSize: maxSize}
}

func (s *FileSource) Load(ctx context.Context, ref *validation.SourceRef) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(ref.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("image %s does not exist", ref.Path), err)
	}
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("cannot open image %s", ref.Path), err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat image: %w", err)
	}
	if info.IsDir() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("%s is a directory", ref.Path), nil)
	}

	data, err := readLimited(f, s.maxSize)
	if err != nil {
		return nil, err
	}

	size := info.Size()
	return &Image{
		Name: baseName(ref.Path),
		Size: sizeOf(&size, data),
		Data: data,
	}, nil
}
