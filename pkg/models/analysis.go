package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// AnalysisStatus is the lifecycle state of a single result or a batch.
// Values travel on the wire as lowercase strings.
type AnalysisStatus string

const (
	StatusPending    AnalysisStatus = "pending"
	StatusProcessing AnalysisStatus = "processing"
	StatusCompleted  AnalysisStatus = "completed"
	StatusFailed     AnalysisStatus = "failed"
)

// AllStatuses lists the canonical statuses in lifecycle order
var AllStatuses = []AnalysisStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// IsTerminal reports whether no further transitions can occur
func (s AnalysisStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValid reports whether s is one of the four canonical statuses
func (s AnalysisStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is legal.
// Staying in the same status is always allowed.
func (s AnalysisStatus) CanTransitionTo(next AnalysisStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		// a poll can miss the processing snapshot entirely
		return next == StatusProcessing || next.IsTerminal()
	case StatusProcessing:
		return next.IsTerminal()
	default:
		return false
	}
}

// CalibrationQuality grades the calibration grid detection
type CalibrationQuality string

const (
	CalibrationGood    CalibrationQuality = "good"
	CalibrationFair    CalibrationQuality = "fair"
	CalibrationPoor    CalibrationQuality = "poor"
	CalibrationUnknown CalibrationQuality = "unknown"
)

// Point2D is a pixel coordinate on the source image
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BoundingBox is an axis-aligned box with its own confidence
type BoundingBox struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

// Detection is one detected object on the image
type Detection struct {
	ClassName   string      `json:"class_name" validate:"required"`
	Confidence  float64     `json:"confidence" validate:"gte=0,lte=1"`
	BoundingBox BoundingBox `json:"bounding_box"`
	MaskArea    *float64    `json:"mask_area,omitempty" validate:"omitempty,gte=0"`
}

// Measurement is a physical distance derived from calibrated pixels
type Measurement struct {
	Name            string   `json:"name" validate:"required"`
	DistanceInches  float64  `json:"distance_inches" validate:"gte=0"`
	Point1          Point2D  `json:"point1"`
	Point2          *Point2D `json:"point2,omitempty"`
	Label           string   `json:"label"`
	MeasurementType string   `json:"measurement_type,omitempty"`
}

// CalibrationInfo holds the scale needed to interpret every linear
// measurement on the same result
type CalibrationInfo struct {
	PixelsPerInch        float64            `json:"pixels_per_inch" validate:"gte=0"`
	GridSquareSizeInches float64            `json:"grid_square_size_inches" validate:"gt=0"`
	DetectedSquares      int                `json:"detected_squares" validate:"gte=0"`
	CalibrationQuality   CalibrationQuality `json:"calibration_quality,omitempty" validate:"omitempty,oneof=good fair poor unknown"`
}

// ImageDimensions of the analysed image in pixels
type ImageDimensions struct {
	Width  int `json:"width" validate:"gt=0"`
	Height int `json:"height" validate:"gt=0"`
}

// ColorAnalysis summarises the colour of the fish body
type ColorAnalysis struct {
	MeanColorBGR     []float64   `json:"mean_color_bgr" validate:"len=3"`
	DominantColors   [][]float64 `json:"dominant_colors" validate:"dive,len=3"`
	ColorPercentages []float64   `json:"color_percentages" validate:"dive,gte=0,lte=100"`
	ColorVariance    []float64   `json:"color_variance" validate:"len=3"`
	TotalPixels      int         `json:"total_pixels" validate:"gte=0"`
}

// LateralLineAnalysis describes how straight the lateral line is
type LateralLineAnalysis struct {
	LinearityScore   float64   `json:"linearity_score" validate:"gte=0,lte=1"`
	MeanDeviation    float64   `json:"mean_deviation" validate:"gte=0"`
	MaxDeviation     float64   `json:"max_deviation" validate:"gte=0"`
	CenterlinePoints []Point2D `json:"centerline_points"`
}

// ProcessingMetadata describes how and when a result was produced
type ProcessingMetadata struct {
	ProcessingTimeSeconds float64   `json:"processing_time_seconds" validate:"gte=0"`
	ModelVersion          string    `json:"model_version"`
	APIVersion            string    `json:"api_version"`
	ProcessedAt           Timestamp `json:"processed_at"`
}

// FishAnalysisResult is the complete output for a single image
type FishAnalysisResult struct {
	AnalysisID          string               `json:"analysis_id" validate:"required"`
	ImagePath           string               `json:"image_path" validate:"required"`
	Status              AnalysisStatus       `json:"status"`
	ImageDimensions     ImageDimensions      `json:"image_dimensions"`
	Calibration         CalibrationInfo      `json:"calibration"`
	Detections          map[string]int       `json:"detections" validate:"dive,gte=0"`
	DetailedDetections  []Detection          `json:"detailed_detections" validate:"dive"`
	Measurements        []Measurement        `json:"measurements" validate:"dive"`
	ColorAnalysis       *ColorAnalysis       `json:"color_analysis,omitempty" validate:"omitempty"`
	LateralLineAnalysis *LateralLineAnalysis `json:"lateral_line_analysis,omitempty" validate:"omitempty"`
	ProcessingMetadata  ProcessingMetadata   `json:"processing_metadata"`
	VisualizationPaths  map[string]string    `json:"visualization_paths,omitempty"`
	ErrorMessage        *string              `json:"error_message,omitempty"`
}

// MeanDetectionConfidence averages the confidence of all detailed detections
func (r *FishAnalysisResult) MeanDetectionConfidence() float64 {
	if len(r.DetailedDetections) == 0 {
		return 0
	}
	var sum float64
	for _, d := range r.DetailedDetections {
		sum += d.Confidence
	}
	return sum / float64(len(r.DetailedDetections))
}

// BatchAnalysisResult groups the results of images processed together
type BatchAnalysisResult struct {
	BatchID            string               `json:"batch_id" validate:"required"`
	Status             AnalysisStatus       `json:"status"`
	TotalImages        int                  `json:"total_images" validate:"gte=0"`
	CompletedImages    int                  `json:"completed_images" validate:"gte=0"`
	FailedImages       int                  `json:"failed_images" validate:"gte=0"`
	Results            []FishAnalysisResult `json:"results"`
	ProcessingMetadata ProcessingMetadata   `json:"processing_metadata"`
	ErrorMessage       *string              `json:"error_message,omitempty"`
}

// BatchProgress is the lightweight status snapshot of a running batch
type BatchProgress struct {
	BatchID         string         `json:"batch_id"`
	Status          AnalysisStatus `json:"status"`
	TotalImages     int            `json:"total_images"`
	CompletedImages int            `json:"completed_images"`
	FailedImages    int            `json:"failed_images"`
	InvalidImages   []string       `json:"invalid_images,omitempty"`
	ProgressPercent float64        `json:"progress_percent"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
}

// Timestamp accepts both RFC 3339 and the naive ISO-8601 form the backend
// emits for UTC datetimes ("2024-05-01T10:00:00.123456").
type Timestamp struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON implements json.Unmarshaler
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		t.Time = parsed
		return nil
	}
	for _, layout := range naiveLayouts {
		if parsed, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", raw)
}

// MarshalJSON always writes RFC 3339 in UTC
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
