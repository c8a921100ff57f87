// Package batch derives batch-level state from the member results instead of
// trusting the status snapshot reported with a batch.
package batch

import (
	"github.com/sirupsen/logrus"

	"github.com/octapulse/fishlens/internal/logger"
	"github.com/octapulse/fishlens/pkg/models"
)

// Counts are the member tallies of a batch
type Counts struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Pending is the number of members that are not terminal yet
func (c Counts) Pending() int {
	return c.Total - c.Completed - c.Failed
}

// DeriveStatus computes the batch status from its members.
//
// An empty batch is processing. Once every member is terminal the batch is
// failed if any member failed and completed otherwise. Any non-terminal
// member keeps the batch processing, even when another member already failed.
func DeriveStatus(members []models.FishAnalysisResult) models.AnalysisStatus {
	if len(members) == 0 {
		return models.StatusProcessing
	}

	failed := false
	for i := range members {
		switch members[i].Status {
		case models.StatusCompleted:
		case models.StatusFailed:
			failed = true
		default:
			return models.StatusProcessing
		}
	}

	if failed {
		return models.StatusFailed
	}
	return models.StatusCompleted
}

// DeriveCounts tallies completed and failed members
func DeriveCounts(members []models.FishAnalysisResult) Counts {
	counts := Counts{Total: len(members)}
	for i := range members {
		switch members[i].Status {
		case models.StatusCompleted:
			counts.Completed++
		case models.StatusFailed:
			counts.Failed++
		}
	}
	return counts
}

// Progress returns the share of terminal members in percent
func Progress(c Counts) float64 {
	if c.Total <= 0 {
		return 0
	}
	return float64(c.Completed+c.Failed) / float64(c.Total) * 100
}

// Reconcile returns a copy of b whose status and counts come from its
// members. The member slice is shared with b.
func Reconcile(b models.BatchAnalysisResult) models.BatchAnalysisResult {
	status := DeriveStatus(b.Results)
	counts := DeriveCounts(b.Results)

	if b.Status != status || b.CompletedImages != counts.Completed ||
		b.FailedImages != counts.Failed || b.TotalImages != counts.Total {
		logger.WithFields(logrus.Fields{
			"batch_id":          b.BatchID,
			"reported_status":   b.Status,
			"derived_status":    status,
			"reported_total":    b.TotalImages,
			"derived_total":     counts.Total,
			"reported_complete": b.CompletedImages,
			"reported_failed":   b.FailedImages,
		}).Debug("Batch snapshot lagged its members")
	}

	b.Status = status
	b.TotalImages = counts.Total
	b.CompletedImages = counts.Completed
	b.FailedImages = counts.Failed
	if status != models.StatusFailed {
		b.ErrorMessage = nil
	}
	return b
}
