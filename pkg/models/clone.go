package models

import (
	"maps"
	"slices"
)

// Clone returns a deep copy of r that shares no slices, maps or pointers
// with it
func (r *FishAnalysisResult) Clone() *FishAnalysisResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Detections = maps.Clone(r.Detections)
	c.VisualizationPaths = maps.Clone(r.VisualizationPaths)
	c.ErrorMessage = cloneString(r.ErrorMessage)

	c.DetailedDetections = slices.Clone(r.DetailedDetections)
	for i, d := range c.DetailedDetections {
		if d.MaskArea != nil {
			area := *d.MaskArea
			c.DetailedDetections[i].MaskArea = &area
		}
	}
	c.Measurements = slices.Clone(r.Measurements)
	for i, m := range c.Measurements {
		if m.Point2 != nil {
			p := *m.Point2
			c.Measurements[i].Point2 = &p
		}
	}

	if r.ColorAnalysis != nil {
		ca := *r.ColorAnalysis
		ca.MeanColorBGR = slices.Clone(ca.MeanColorBGR)
		ca.ColorPercentages = slices.Clone(ca.ColorPercentages)
		ca.ColorVariance = slices.Clone(ca.ColorVariance)
		ca.DominantColors = slices.Clone(ca.DominantColors)
		for i := range ca.DominantColors {
			ca.DominantColors[i] = slices.Clone(ca.DominantColors[i])
		}
		c.ColorAnalysis = &ca
	}
	if r.LateralLineAnalysis != nil {
		ll := *r.LateralLineAnalysis
		ll.CenterlinePoints = slices.Clone(ll.CenterlinePoints)
		c.LateralLineAnalysis = &ll
	}
	return &c
}

// Clone returns a deep copy of b, members included
func (b *BatchAnalysisResult) Clone() *BatchAnalysisResult {
	if b == nil {
		return nil
	}
	c := *b
	c.ErrorMessage = cloneString(b.ErrorMessage)
	if b.Results != nil {
		c.Results = make([]FishAnalysisResult, len(b.Results))
		for i := range b.Results {
			c.Results[i] = *b.Results[i].Clone()
		}
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
