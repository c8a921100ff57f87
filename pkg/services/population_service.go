package services

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	apperrors "github.com/octapulse/fishlens/internal/errors"
	"github.com/octapulse/fishlens/internal/logger"
	"github.com/octapulse/fishlens/pkg/models"
)

const (
	confidenceColumn = "confidence"

	minDistributionSamples = 2
	minCorrelationRows     = 3
	minSizeSamples         = 3
	minCorrelation         = 0.3
	significanceLevel      = 0.05
	largeSampleSize        = 30

	highConfidence   = 0.8
	mediumConfidence = 0.5
)

// Size classes, smallest first
const (
	SizeSmall  = "small"
	SizeMedium = "medium"
	SizeLarge  = "large"
)

// sizeColumns are tried in order to classify fish by length
var sizeColumns = []string{"total_length", "standard_length", "fork_length"}

// PopulationService computes statistics over the completed members of a batch
type PopulationService struct {
	title cases.Caser
}

// NewPopulationService creates a new population statistics service
func NewPopulationService() *PopulationService {
	return &PopulationService{title: cases.Title(language.Und)}
}

// table holds one column per measured quantity; NaN marks a missing value
type table struct {
	columns []string
	values  map[string][]float64
	rows    int
}

func (t *table) set(column string, row int, v float64) {
	col, ok := t.values[column]
	if !ok {
		col = make([]float64, t.rows)
		for i := range col {
			col[i] = math.NaN()
		}
		t.values[column] = col
		t.columns = append(t.columns, column)
	}
	col[row] = v
}

// present returns the non-missing values of a column
func (t *table) present(column string) []float64 {
	var out []float64
	for _, v := range t.values[column] {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

// Analyze computes the population statistics. Only completed results are
// measured; it fails when there are none.
func (s *PopulationService) Analyze(results []models.FishAnalysisResult) (*models.PopulationStatistics, error) {
	var completed []models.FishAnalysisResult
	for _, r := range results {
		if r.Status == models.StatusCompleted {
			completed = append(completed, r)
		}
	}
	if len(completed) == 0 {
		return nil, apperrors.NewValidationError("no successful analyses found", nil)
	}

	data := s.extract(completed)
	distributions := s.distributions(data)
	correlations := s.correlations(data)

	times := make([]float64, len(completed))
	for i, r := range completed {
		times[i] = r.ProcessingMetadata.ProcessingTimeSeconds
	}

	stats := &models.PopulationStatistics{
		TotalFish:             len(results),
		SuccessfulAnalyses:    len(completed),
		FailedAnalyses:        len(results) - len(completed),
		ProcessingTimeTotal:   finite(floats.Sum(times)),
		ProcessingTimeAverage: finite(stat.Mean(times, nil)),
		Distributions:         distributions,
		Correlations:          correlations,
		Insights:              s.insights(data.rows, distributions, correlations),
		SizeClassification:    s.classifySizes(data),
		QualityMetrics:        qualityMetrics(completed),
	}

	logger.WithField("fish", stats.TotalFish).
		WithField("distributions", len(distributions)).
		WithField("correlations", len(correlations)).
		Debug("Population statistics computed")
	return stats, nil
}

func (s *PopulationService) extract(results []models.FishAnalysisResult) *table {
	t := &table{values: make(map[string][]float64), rows: len(results)}
	for i := range results {
		r := &results[i]
		t.set(confidenceColumn, i, r.MeanDetectionConfidence())

		for _, m := range r.Measurements {
			t.set(columnName(m.Name), i, m.DistanceInches)
		}

		classes := make([]string, 0, len(r.Detections))
		for class := range r.Detections {
			classes = append(classes, class)
		}
		sort.Strings(classes)
		for _, class := range classes {
			t.set(class+"_count", i, float64(r.Detections[class]))
		}
	}
	return t
}

func (s *PopulationService) distributions(t *table) []models.PopulationDistribution {
	out := []models.PopulationDistribution{}
	for _, column := range t.columns {
		data := t.present(column)
		if len(data) < minDistributionSamples {
			continue
		}
		sorted := append([]float64(nil), data...)
		sort.Float64s(sorted)

		out = append(out, models.PopulationDistribution{
			MeasurementName: s.displayName(column),
			Mean:            finite(stat.Mean(data, nil)),
			Median:          finite(quantile(sorted, 0.5)),
			StdDev:          finite(stat.StdDev(data, nil)),
			MinValue:        sorted[0],
			MaxValue:        sorted[len(sorted)-1],
			Q25:             finite(quantile(sorted, 0.25)),
			Q75:             finite(quantile(sorted, 0.75)),
			Skewness:        finite(stat.Skew(data, nil)),
			Kurtosis:        finite(stat.ExKurtosis(data, nil)),
			SampleSize:      len(data),
		})
	}
	return out
}

// correlations relates every pair of measured columns over the rows where
// all of them are present
func (s *PopulationService) correlations(t *table) []models.PopulationCorrelation {
	out := []models.PopulationCorrelation{}

	var columns []string
	for _, c := range t.columns {
		if c != confidenceColumn {
			columns = append(columns, c)
		}
	}
	if len(columns) < 2 {
		return out
	}

	complete := make(map[string][]float64, len(columns))
	for row := 0; row < t.rows; row++ {
		full := true
		for _, c := range columns {
			if math.IsNaN(t.values[c][row]) {
				full = false
				break
			}
		}
		if !full {
			continue
		}
		for _, c := range columns {
			complete[c] = append(complete[c], t.values[c][row])
		}
	}
	n := len(complete[columns[0]])
	if n < minCorrelationRows {
		return out
	}

	for i, c1 := range columns {
		for _, c2 := range columns[i+1:] {
			r := stat.Correlation(complete[c1], complete[c2], nil)
			if math.IsNaN(r) || math.IsInf(r, 0) || math.Abs(r) <= minCorrelation {
				continue
			}
			out = append(out, models.PopulationCorrelation{
				Measurement1:           s.displayName(c1),
				Measurement2:           s.displayName(c2),
				CorrelationCoefficient: r,
				PValue:                 pearsonPValue(r, n),
				RelationshipStrength:   strength(r),
			})
		}
	}
	return out
}

func (s *PopulationService) insights(sampleSize int, distributions []models.PopulationDistribution, correlations []models.PopulationCorrelation) []models.PopulationInsight {
	insights := []models.PopulationInsight{}

	sizeNote := "Small sample size - results should be interpreted cautiously."
	sizeConfidence := 0.7
	if sampleSize >= largeSampleSize {
		sizeNote = "Large sample provides robust statistical power."
		sizeConfidence = 0.95
	}
	insights = append(insights, models.PopulationInsight{
		Category:   "distribution",
		Title:      "Sample Size Analysis",
		Insight:    fmt.Sprintf("Analysis based on %d fish specimens. %s", sampleSize, sizeNote),
		Confidence: sizeConfidence,
		DataPoints: sampleSize,
	})

	for i, d := range distributions {
		if i == 3 {
			break
		}
		if d.SampleSize < 5 {
			continue
		}

		shape := "highly skewed"
		switch skew := math.Abs(d.Skewness); {
		case skew < 0.5:
			shape = "approximately normal"
		case skew < 1:
			shape = "moderately skewed"
		}

		cv := 0.0
		if d.Mean > 0 {
			cv = d.StdDev / d.Mean
		}
		variability := "high"
		switch {
		case cv < 0.2:
			variability = "low"
		case cv < 0.5:
			variability = "moderate"
		}

		insights = append(insights, models.PopulationInsight{
			Category: "distribution",
			Title:    d.MeasurementName + " Distribution",
			Insight: fmt.Sprintf("%s shows %s distribution with %s variability (CV: %.2f). Mean: %.2f, Range: %.2f-%.2f",
				d.MeasurementName, shape, variability, cv, d.Mean, d.MinValue, d.MaxValue),
			Confidence: 0.8,
			DataPoints: d.SampleSize,
		})
	}

	strong := 0
	for _, c := range correlations {
		if strong == 2 {
			break
		}
		if c.RelationshipStrength != "strong" && c.RelationshipStrength != "very_strong" {
			continue
		}
		strong++

		direction := "negative"
		if c.CorrelationCoefficient > 0 {
			direction = "positive"
		}
		confidence := 0.7
		if c.PValue < significanceLevel {
			confidence = 0.9
		}
		p := c.PValue
		insights = append(insights, models.PopulationInsight{
			Category: "correlation",
			Title:    c.Measurement1 + " vs " + c.Measurement2,
			Insight: fmt.Sprintf("Strong %s correlation (r=%.3f) between %s and %s. This suggests these measurements scale together in this population.",
				direction, c.CorrelationCoefficient, c.Measurement1, c.Measurement2),
			Confidence:              confidence,
			DataPoints:              sampleSize,
			StatisticalSignificance: &p,
		})
	}

	for _, d := range distributions {
		if d.SampleSize >= 10 && d.Q75-d.Q25 > 0 {
			insights = append(insights, models.PopulationInsight{
				Category:   "outlier",
				Title:      "Measurement Variability",
				Insight:    "Some measurements show high variability which may indicate diverse size ranges or measurement outliers in the population.",
				Confidence: 0.75,
				DataPoints: sampleSize,
			})
			break
		}
	}
	return insights
}

// classifySizes splits fish into terciles of the first available length
func (s *PopulationService) classifySizes(t *table) map[string]models.SizeClass {
	classes := map[string]models.SizeClass{SizeSmall: {}, SizeMedium: {}, SizeLarge: {}}

	var sizes []float64
	for _, c := range sizeColumns {
		if sizes = t.present(c); len(sizes) > 0 {
			break
		}
	}
	if len(sizes) < minSizeSamples {
		return classes
	}

	sorted := append([]float64(nil), sizes...)
	sort.Float64s(sorted)
	q33, q67 := quantile(sorted, 0.33), quantile(sorted, 0.67)

	buckets := map[string][]float64{}
	for _, v := range sorted {
		switch {
		case v <= q33:
			buckets[SizeSmall] = append(buckets[SizeSmall], v)
		case v <= q67:
			buckets[SizeMedium] = append(buckets[SizeMedium], v)
		default:
			buckets[SizeLarge] = append(buckets[SizeLarge], v)
		}
	}

	for name, values := range buckets {
		classes[name] = models.SizeClass{
			Count:      len(values),
			Percentage: math.Round(float64(len(values))/float64(len(sorted))*1000) / 10,
			Range:      [2]float64{values[0], values[len(values)-1]},
		}
	}
	return classes
}

func qualityMetrics(results []models.FishAnalysisResult) models.QualityMetrics {
	var m models.QualityMetrics
	var all []float64
	for _, r := range results {
		for _, d := range r.DetailedDetections {
			all = append(all, d.Confidence)
			switch {
			case d.Confidence >= highConfidence:
				m.HighConfidence++
			case d.Confidence >= mediumConfidence:
				m.MediumConfidence++
			default:
				m.LowConfidence++
			}
		}
	}
	if len(all) > 0 {
		m.AverageDetectionConfidence = finite(stat.Mean(all, nil))
	}
	return m
}

// pearsonPValue is the two-sided p-value of r over n samples under the
// Student's t distribution with n-2 degrees of freedom
func pearsonPValue(r float64, n int) float64 {
	if n <= 2 {
		return 1
	}
	if math.Abs(r) >= 1 {
		return 0
	}
	df := float64(n - 2)
	tStat := r * math.Sqrt(df/(1-r*r))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p := 2 * dist.Survival(math.Abs(tStat))
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 1
	}
	return math.Min(p, 1)
}

func strength(r float64) string {
	switch a := math.Abs(r); {
	case a >= 0.8:
		return "very_strong"
	case a >= 0.6:
		return "strong"
	case a >= 0.4:
		return "moderate"
	case a >= 0.2:
		return "weak"
	default:
		return "very_weak"
	}
}

// quantile interpolates linearly between the closest ranks of sorted data
func quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	h := float64(len(sorted)-1) * p
	lo := int(math.Floor(h))
	if lo+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// columnName turns "Total Length" into "total_length"
func columnName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}

// displayName turns "total_length" into "Total Length"
func (s *PopulationService) displayName(column string) string {
	return s.title.String(strings.ReplaceAll(column, "_", " "))
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
