package validation

import (
	"fmt"

	"github.com/octapulse/fishlens/pkg/models"
)

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// QualityThresholds defines when a completed result deserves a warning
type QualityThresholds struct {
	// Calibration
	MinPixelsPerInch   float64
	MinDetectedSquares int

	// Detection
	MinDetectionConfidence float64
	FishClassName          string

	// Resolution
	MinWidth  int
	MinHeight int

	// Lateral line
	MinLinearityScore float64
}

// DefaultQualityThresholds returns the default quality thresholds
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		MinPixelsPerInch:       10.0,
		MinDetectedSquares:     4,
		MinDetectionConfidence: 0.5,
		FishClassName:          "fish",
		MinWidth:               640,
		MinHeight:              480,
		MinLinearityScore:      0.7,
	}
}

// QualityValidator reviews normalized results for low-trust output
type QualityValidator struct {
	thresholds QualityThresholds
}

// NewQualityValidator creates a new quality validator with default thresholds
func NewQualityValidator() *QualityValidator {
	return &QualityValidator{
		thresholds: DefaultQualityThresholds(),
	}
}

// NewQualityValidatorWithThresholds creates a quality validator with custom thresholds
func NewQualityValidatorWithThresholds(thresholds QualityThresholds) *QualityValidator {
	return &QualityValidator{
		thresholds: thresholds,
	}
}

// QualityIssue represents a quality validation issue
type QualityIssue struct {
	Type        string  `json:"type"`
	Message     string  `json:"message"`
	Severity    string  `json:"severity"`
	ActualValue float64 `json:"actual_value,omitempty"`
	Threshold   float64 `json:"threshold,omitempty"`
}

// Review returns display warnings for a result. A failed result yields a
// single issue carrying the backend's error message.
func (qv *QualityValidator) Review(r *models.FishAnalysisResult) []QualityIssue {
	if r == nil {
		return nil
	}

	switch r.Status {
	case models.StatusFailed:
		msg := "Analysis failed."
		if r.ErrorMessage != nil {
			msg = fmt.Sprintf("Analysis failed: %s", *r.ErrorMessage)
		}
		return []QualityIssue{{Type: "analysis_failed", Message: msg, Severity: SeverityError}}
	case models.StatusPending, models.StatusProcessing:
		return []QualityIssue{{Type: "in_progress", Message: "Analysis has not finished yet.", Severity: SeverityInfo}}
	}

	var issues []QualityIssue
	issues = append(issues, qv.reviewCalibration(r.Calibration)...)

	// 1. Detection
	if qv.thresholds.FishClassName != "" && r.Detections[qv.thresholds.FishClassName] == 0 {
		issues = append(issues, QualityIssue{
			Type:     "no_fish",
			Message:  "No fish was detected. Measurements may refer to other objects.",
			Severity: SeverityError,
		})
	}
	if len(r.DetailedDetections) > 0 {
		if mean := r.MeanDetectionConfidence(); mean < qv.thresholds.MinDetectionConfidence {
			issues = append(issues, QualityIssue{
				Type:        "low_confidence",
				Message:     "Detections have low confidence. Check the result visually.",
				Severity:    SeverityWarning,
				ActualValue: mean,
				Threshold:   qv.thresholds.MinDetectionConfidence,
			})
		}
	}

	// 2. Resolution
	dims := r.ImageDimensions
	if dims.Width < qv.thresholds.MinWidth || dims.Height < qv.thresholds.MinHeight {
		issues = append(issues, QualityIssue{
			Type:        "low_resolution",
			Message:     "Image resolution is low. Small features may be measured inaccurately.",
			Severity:    SeverityWarning,
			ActualValue: float64(dims.Width * dims.Height),
			Threshold:   float64(qv.thresholds.MinWidth * qv.thresholds.MinHeight),
		})
	}

	// 3. Lateral line
	if l := r.LateralLineAnalysis; l != nil && l.LinearityScore < qv.thresholds.MinLinearityScore {
		issues = append(issues, QualityIssue{
			Type:        "curved_lateral_line",
			Message:     "Lateral line is strongly curved. The fish may not be lying flat.",
			Severity:    SeverityInfo,
			ActualValue: l.LinearityScore,
			Threshold:   qv.thresholds.MinLinearityScore,
		})
	}

	return issues
}

func (qv *QualityValidator) reviewCalibration(c models.CalibrationInfo) []QualityIssue {
	var issues []QualityIssue

	switch c.CalibrationQuality {
	case models.CalibrationPoor:
		issues = append(issues, QualityIssue{
			Type:     "poor_calibration",
			Message:  "Calibration grid was poorly detected. Lengths may be off.",
			Severity: SeverityWarning,
		})
	case models.CalibrationUnknown:
		issues = append(issues, QualityIssue{
			Type:     "unknown_calibration",
			Message:  "Calibration quality is unknown.",
			Severity: SeverityInfo,
		})
	}

	if c.PixelsPerInch < qv.thresholds.MinPixelsPerInch {
		issues = append(issues, QualityIssue{
			Type:        "low_scale",
			Message:     "Calibration scale is very low. Move the camera closer to the grid.",
			Severity:    SeverityWarning,
			ActualValue: c.PixelsPerInch,
			Threshold:   qv.thresholds.MinPixelsPerInch,
		})
	}
	if c.DetectedSquares < qv.thresholds.MinDetectedSquares {
		issues = append(issues, QualityIssue{
			Type:        "few_grid_squares",
			Message:     "Few calibration squares were found. Keep the whole grid in view.",
			Severity:    SeverityWarning,
			ActualValue: float64(c.DetectedSquares),
			Threshold:   float64(qv.thresholds.MinDetectedSquares),
		})
	}
	return issues
}

// ConvertIssuesToMessages flattens issues into their messages
func (qv *QualityValidator) ConvertIssuesToMessages(issues []QualityIssue) []string {
	var messages []string
	for _, issue := range issues {
		messages = append(messages, issue.Message)
	}
	return messages
}

// HasCriticalIssues checks if there are any critical (error severity) issues
func (qv *QualityValidator) HasCriticalIssues(issues []QualityIssue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}
