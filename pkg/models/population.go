package models

// PopulationDistribution summarises one measured quantity across a batch
type PopulationDistribution struct {
	MeasurementName string  `json:"measurement_name"`
	Mean            float64 `json:"mean"`
	Median          float64 `json:"median"`
	StdDev          float64 `json:"std_dev"`
	MinValue        float64 `json:"min_value"`
	MaxValue        float64 `json:"max_value"`
	Q25             float64 `json:"q25"`
	Q75             float64 `json:"q75"`
	Skewness        float64 `json:"skewness"`
	Kurtosis        float64 `json:"kurtosis"`
	SampleSize      int     `json:"sample_size"`
}

// PopulationCorrelation relates two measured quantities
type PopulationCorrelation struct {
	Measurement1           string  `json:"measurement1"`
	Measurement2           string  `json:"measurement2"`
	CorrelationCoefficient float64 `json:"correlation_coefficient"`
	PValue                 float64 `json:"p_value"`
	RelationshipStrength   string  `json:"relationship_strength"`
}

// PopulationInsight is a human-readable observation about the population
type PopulationInsight struct {
	Category                string   `json:"category"`
	Title                   string   `json:"title"`
	Insight                 string   `json:"insight"`
	Confidence              float64  `json:"confidence"`
	DataPoints              int      `json:"data_points"`
	StatisticalSignificance *float64 `json:"statistical_significance,omitempty"`
}

// SizeClass is one tercile bucket of fish length
type SizeClass struct {
	Count      int        `json:"count"`
	Percentage float64    `json:"percentage"`
	Range      [2]float64 `json:"range"`
}

// QualityMetrics buckets detection confidences
type QualityMetrics struct {
	HighConfidence             int     `json:"high_confidence"`
	MediumConfidence           int     `json:"medium_confidence"`
	LowConfidence              int     `json:"low_confidence"`
	AverageDetectionConfidence float64 `json:"average_detection_confidence"`
}

// PopulationStatistics is the complete statistical view of a batch
type PopulationStatistics struct {
	TotalFish             int                      `json:"total_fish"`
	SuccessfulAnalyses    int                      `json:"successful_analyses"`
	FailedAnalyses        int                      `json:"failed_analyses"`
	ProcessingTimeTotal   float64                  `json:"processing_time_total"`
	ProcessingTimeAverage float64                  `json:"processing_time_average"`
	Distributions         []PopulationDistribution `json:"distributions"`
	Correlations          []PopulationCorrelation  `json:"correlations"`
	Insights              []PopulationInsight      `json:"insights"`
	SizeClassification    map[string]SizeClass     `json:"size_classification"`
	QualityMetrics        QualityMetrics           `json:"quality_metrics"`
}
