// Package schema validates raw analysis payloads from the backend and turns
// them into canonical result entities. Every function here is pure.
package schema

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/octapulse/fishlens/internal/errors"
	"github.com/octapulse/fishlens/pkg/models"
)

// DefaultMeasurementType is applied to measurements that omit their type
const DefaultMeasurementType = "length"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report violations with wire names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseStatus canonicalises a wire status. Unknown values are rejected.
func ParseStatus(raw string) (models.AnalysisStatus, error) {
	status := models.AnalysisStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !status.IsValid() {
		return "", apperrors.NewMalformedResultError(fmt.Sprintf("unknown analysis status %q", raw), nil)
	}
	return status, nil
}

// ParseCalibrationQuality canonicalises a calibration grade. Anything outside
// the known grades, including the backend's "failed", becomes unknown.
func ParseCalibrationQuality(raw string) models.CalibrationQuality {
	switch q := models.CalibrationQuality(strings.ToLower(strings.TrimSpace(raw))); q {
	case models.CalibrationGood, models.CalibrationFair, models.CalibrationPoor:
		return q
	default:
		return models.CalibrationUnknown
	}
}

// Normalize decodes and validates a single result payload
func Normalize(raw []byte) (*models.FishAnalysisResult, error) {
	var result models.FishAnalysisResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, apperrors.NewMalformedResultError("result payload is not valid JSON", err)
	}
	if err := NormalizeResult(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// NormalizeBatch decodes and validates a batch payload, including every member
func NormalizeBatch(raw []byte) (*models.BatchAnalysisResult, error) {
	var batch models.BatchAnalysisResult
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, apperrors.NewMalformedResultError("batch payload is not valid JSON", err)
	}

	status, err := ParseStatus(string(batch.Status))
	if err != nil {
		return nil, fmt.Errorf("batch %q: %w", batch.BatchID, err)
	}
	batch.Status = status

	if err := validate.Struct(&batch); err != nil {
		return nil, malformed("batch", err)
	}

	if batch.Results == nil {
		batch.Results = []models.FishAnalysisResult{}
	}
	for i := range batch.Results {
		if err := NormalizeResult(&batch.Results[i]); err != nil {
			return nil, fmt.Errorf("batch %q member %d: %w", batch.BatchID, i, err)
		}
	}
	return &batch, nil
}

// NormalizeProgress validates a batch status snapshot
func NormalizeProgress(raw []byte) (*models.BatchProgress, error) {
	var progress models.BatchProgress
	if err := json.Unmarshal(raw, &progress); err != nil {
		return nil, apperrors.NewMalformedResultError("progress payload is not valid JSON", err)
	}
	status, err := ParseStatus(string(progress.Status))
	if err != nil {
		return nil, err
	}
	progress.Status = status
	if progress.BatchID == "" {
		return nil, apperrors.NewMalformedResultError("progress payload has no batch_id", nil)
	}
	if progress.TotalImages < 0 || progress.CompletedImages < 0 || progress.FailedImages < 0 {
		return nil, apperrors.NewMalformedResultError("progress counts must not be negative", nil)
	}
	return &progress, nil
}

// NormalizeResult canonicalises enumerations in place and validates an
// already decoded result
func NormalizeResult(r *models.FishAnalysisResult) error {
	status, err := ParseStatus(string(r.Status))
	if err != nil {
		return fmt.Errorf("result %q: %w", r.AnalysisID, err)
	}
	r.Status = status
	r.Calibration.CalibrationQuality = ParseCalibrationQuality(string(r.Calibration.CalibrationQuality))

	for i := range r.Measurements {
		if strings.TrimSpace(r.Measurements[i].MeasurementType) == "" {
			r.Measurements[i].MeasurementType = DefaultMeasurementType
		}
	}
	if r.Detections == nil {
		r.Detections = map[string]int{}
	}
	if r.DetailedDetections == nil {
		r.DetailedDetections = []models.Detection{}
	}
	if r.Measurements == nil {
		r.Measurements = []models.Measurement{}
	}

	if err := validate.Struct(r); err != nil {
		if err = dropUnsettledFields(r.Status, err); err != nil {
			return malformed(fmt.Sprintf("result %q", r.AnalysisID), err)
		}
	}
	return checkInvariants(r)
}

// dropUnsettledFields ignores image and calibration violations for results
// that have not finished yet; the backend fills those blocks on completion.
func dropUnsettledFields(status models.AnalysisStatus, err error) error {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return err
	}
	if status.IsTerminal() {
		return verrs
	}
	kept := verrs[:0]
	for _, fe := range verrs {
		ns := fe.StructNamespace()
		if strings.HasPrefix(ns, "FishAnalysisResult.ImageDimensions.") ||
			strings.HasPrefix(ns, "FishAnalysisResult.Calibration.") {
			continue
		}
		kept = append(kept, fe)
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

func checkInvariants(r *models.FishAnalysisResult) error {
	hasError := r.ErrorMessage != nil && strings.TrimSpace(*r.ErrorMessage) != ""
	switch {
	case r.Status == models.StatusFailed && !hasError:
		return apperrors.NewMalformedResultError(fmt.Sprintf("result %q is failed without an error_message", r.AnalysisID), nil)
	case r.Status != models.StatusFailed && hasError:
		return apperrors.NewMalformedResultError(fmt.Sprintf("result %q carries an error_message but is %s", r.AnalysisID, r.Status), nil)
	case r.Status != models.StatusFailed:
		r.ErrorMessage = nil
	}

	if r.Status == models.StatusCompleted && r.Calibration.PixelsPerInch <= 0 {
		return apperrors.NewMalformedResultError(fmt.Sprintf("result %q is completed without a calibration scale", r.AnalysisID), nil)
	}

	if c := r.ColorAnalysis; c != nil && len(c.ColorPercentages) != len(c.DominantColors) {
		return apperrors.NewMalformedResultError(
			fmt.Sprintf("result %q has %d colour percentages for %d dominant colours", r.AnalysisID, len(c.ColorPercentages), len(c.DominantColors)), nil)
	}

	if l := r.LateralLineAnalysis; l != nil && l.MaxDeviation < l.MeanDeviation {
		return apperrors.NewMalformedResultError(fmt.Sprintf("result %q has max_deviation below mean_deviation", r.AnalysisID), nil)
	}
	return nil
}

func malformed(subject string, err error) error {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return apperrors.NewMalformedResultError(subject+" failed validation", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			fields = append(fields, fmt.Sprintf("%s (%s=%s)", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
		}
	}
	return apperrors.NewMalformedResultError(subject+" failed validation", err).
		WithDetails(strings.Join(fields, "; "))
}
