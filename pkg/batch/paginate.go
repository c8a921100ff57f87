package batch

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/arbovm/levenshtein"

	apperrors "github.com/octapulse/fishlens/internal/errors"
	"github.com/octapulse/fishlens/pkg/models"
)

const (
	DefaultPerPage = 12
	MaxPerPage     = 100

	// searches shorter than this only match by substring
	minFuzzySearchLength = 3
	maxSearchDistance    = 2
)

type lessFunc func(a, b *models.FishAnalysisResult) bool

var sorters = map[string]lessFunc{
	"processed_at": func(a, b *models.FishAnalysisResult) bool {
		return a.ProcessingMetadata.ProcessedAt.Before(b.ProcessingMetadata.ProcessedAt.Time)
	},
	"analysis_id": func(a, b *models.FishAnalysisResult) bool {
		return a.AnalysisID < b.AnalysisID
	},
	"image_path": func(a, b *models.FishAnalysisResult) bool {
		return a.ImagePath < b.ImagePath
	},
	"processing_time": func(a, b *models.FishAnalysisResult) bool {
		return a.ProcessingMetadata.ProcessingTimeSeconds < b.ProcessingMetadata.ProcessingTimeSeconds
	},
}

// NormalizeQuery fills defaults and rejects out-of-range values
func NormalizeQuery(q models.ResultsQuery) (models.ResultsQuery, error) {
	if q.Page == 0 {
		q.Page = 1
	}
	if q.PerPage == 0 {
		q.PerPage = DefaultPerPage
	}
	if q.Page < 1 {
		return q, apperrors.NewValidationError(fmt.Sprintf("page must be >= 1 (got %d)", q.Page), nil)
	}
	if q.PerPage < 1 || q.PerPage > MaxPerPage {
		return q, apperrors.NewValidationError(fmt.Sprintf("per_page must be between 1 and %d (got %d)", MaxPerPage, q.PerPage), nil)
	}

	q.SortBy = strings.ToLower(strings.TrimSpace(q.SortBy))
	switch q.SortBy {
	case "", "created_at":
		q.SortBy = "processed_at"
	}
	if _, ok := sorters[q.SortBy]; !ok {
		return q, apperrors.NewValidationError(fmt.Sprintf("cannot sort by %q", q.SortBy), nil)
	}

	q.SortOrder = strings.ToLower(strings.TrimSpace(q.SortOrder))
	switch q.SortOrder {
	case "":
		q.SortOrder = "desc"
	case "asc", "desc":
	default:
		return q, apperrors.NewValidationError(fmt.Sprintf("sort_order must be asc or desc (got %q)", q.SortOrder), nil)
	}

	if q.StatusFilter != "" {
		status := models.AnalysisStatus(strings.ToLower(strings.TrimSpace(string(q.StatusFilter))))
		if !status.IsValid() {
			return q, apperrors.NewValidationError(fmt.Sprintf("unknown status filter %q", q.StatusFilter), nil)
		}
		q.StatusFilter = status
	}
	q.Search = strings.TrimSpace(q.Search)
	return q, nil
}

// Paginate filters, sorts and slices results. The input slice is not modified.
func Paginate(results []models.FishAnalysisResult, q models.ResultsQuery) (*models.PaginatedResults, error) {
	q, err := NormalizeQuery(q)
	if err != nil {
		return nil, err
	}

	filtered := make([]models.FishAnalysisResult, 0, len(results))
	for i := range results {
		if q.StatusFilter != "" && results[i].Status != q.StatusFilter {
			continue
		}
		if q.Search != "" && !Matches(&results[i], q.Search) {
			continue
		}
		filtered = append(filtered, results[i])
	}

	less := sorters[q.SortBy]
	sort.SliceStable(filtered, func(i, j int) bool {
		if q.SortOrder == "asc" {
			return less(&filtered[i], &filtered[j])
		}
		return less(&filtered[j], &filtered[i])
	})

	total := len(filtered)
	totalPages := (total + q.PerPage - 1) / q.PerPage

	start := (q.Page - 1) * q.PerPage
	end := start + q.PerPage
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	meta := models.PaginationMeta{
		TotalItems:   total,
		ItemsPerPage: q.PerPage,
		CurrentPage:  q.Page,
		TotalPages:   totalPages,
		HasNext:      q.Page < totalPages,
		HasPrevious:  q.Page > 1,
	}
	if meta.HasNext {
		next := q.Page + 1
		meta.NextPage = &next
	}
	if meta.HasPrevious {
		prev := q.Page - 1
		meta.PreviousPage = &prev
	}

	return &models.PaginatedResults{
		Items:      filtered[start:end],
		Pagination: meta,
	}, nil
}

// Matches reports whether a result's id or image file name matches term,
// either as a case-insensitive substring or within a small edit distance
func Matches(r *models.FishAnalysisResult, term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return true
	}

	id := strings.ToLower(r.AnalysisID)
	name := strings.ToLower(path.Base(strings.ReplaceAll(r.ImagePath, `\`, "/")))
	stem := strings.TrimSuffix(name, path.Ext(name))

	if strings.Contains(id, term) || strings.Contains(name, term) {
		return true
	}
	if len(term) < minFuzzySearchLength {
		return false
	}
	return levenshtein.Distance(term, stem) <= maxSearchDistance ||
		levenshtein.Distance(term, id) <= maxSearchDistance
}
