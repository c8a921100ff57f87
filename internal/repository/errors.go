package repository

import "errors"

var (
	// ErrInvalidImageRef indicates an unusable image reference
	ErrInvalidImageRef = errors.New("invalid image reference")

	// ErrAnalysisNotFound indicates the analysis result was not found
	ErrAnalysisNotFound = errors.New("analysis result not found")

	// ErrBatchNotFound indicates the batch was not found
	ErrBatchNotFound = errors.New("batch not found")

	// ErrStatusRegression indicates a snapshot older than the stored one
	ErrStatusRegression = errors.New("status regression")
)
