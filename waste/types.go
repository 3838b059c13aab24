package waste

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// WasteType is the closed set of waste categories the vision model reports.
// The numeric value doubles as the wasteTypeId pricing feature, and the
// declaration order is the tie-break order for the dominant type.
type WasteType int

const (
	WasteTypeUnknown WasteType = iota
	Plastic
	Glass
	Metal
	Organic
	Paper
	Mixed
)

// WasteTypes lists every recognized type in declaration order.
var WasteTypes = []WasteType{Plastic, Glass, Metal, Organic, Paper, Mixed}

var wasteTypeNames = map[WasteType]string{
	Plastic: "plastic",
	Glass:   "glass",
	Metal:   "metal",
	Organic: "organic",
	Paper:   "paper",
	Mixed:   "mixed",
}

func (t WasteType) String() string {
	if name, ok := wasteTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether t is one of the recognized types.
func (t WasteType) Valid() bool {
	return t >= Plastic && t <= Mixed
}

// ParseWasteType maps a label to its type. Unrecognized labels map to
// WasteTypeUnknown.
func ParseWasteType(s string) WasteType {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, t := range WasteTypes {
		if wasteTypeNames[t] == s {
			return t
		}
	}
	return WasteTypeUnknown
}

func (t WasteType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("cannot marshal waste type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *WasteType) UnmarshalText(text []byte) error {
	*t = ParseWasteType(string(text))
	return nil
}

// QuantityLevel is the ordinal size estimate of a detection.
type QuantityLevel int

const (
	QuantityNone QuantityLevel = iota
	QuantitySmall
	QuantityMedium
	QuantityLarge
	QuantityVeryLarge
)

var quantityNames = []string{"none", "small", "medium", "large", "very_large"}

func (q QuantityLevel) String() string {
	if q < QuantityNone || q > QuantityVeryLarge {
		return "none"
	}
	return quantityNames[q]
}

// ParseQuantityLevel maps a label to its level, QuantityNone if unrecognized.
func ParseQuantityLevel(s string) QuantityLevel {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	for i, name := range quantityNames {
		if name == s {
			return QuantityLevel(i)
		}
	}
	return QuantityNone
}

func (q QuantityLevel) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

func (q *QuantityLevel) UnmarshalText(text []byte) error {
	*q = ParseQuantityLevel(string(text))
	return nil
}

// WasteItem is one object detected in one image.
type WasteItem struct {
	WasteType         WasteType     `json:"waste_type"`
	Quantity          QuantityLevel `json:"quantity"`
	ConfidenceScore   float64       `json:"confidence_score"`
	Description       string        `json:"description"`
	EstimatedWeightKg float64       `json:"estimated_weight_kg"`
	EstimatedVolumeM3 float64       `json:"estimated_volume_m3"`
}

// WasteAnalysisResult holds every detection for a single image.
type WasteAnalysisResult struct {
	Items                []WasteItem `json:"items"`
	TotalConfidenceScore float64     `json:"total_confidence_score"`
	AnalyzedAt           time.Time   `json:"analyzed_at"`
	ImageURL             string      `json:"image_url"`
}

// AggregatedWasteAnalysis is the merged waste profile of one cleanup request.
type AggregatedWasteAnalysis struct {
	WasteTypePercentages   map[WasteType]float64 `json:"waste_type_percentages"`
	TotalEstimatedWeightKg float64               `json:"total_estimated_weight_kg"`
	TotalEstimatedVolumeM3 float64               `json:"total_estimated_volume_m3"`
	DominantWasteType      *WasteType            `json:"dominant_waste_type"`
	OverallQuantityLevel   QuantityLevel         `json:"overall_quantity_level"`
	ProcessedImageURLs     []string              `json:"processed_image_urls"`
}

// HasWaste reports whether anything was detected.
func (a *AggregatedWasteAnalysis) HasWaste() bool {
	return a != nil && a.DominantWasteType != nil
}

// Validate checks an analysis that did not come out of Aggregate, such as
// one posted by a client. Unrecognized waste types are rejected rather than
// priced.
func (a *AggregatedWasteAnalysis) Validate() error {
	if a.DominantWasteType != nil && !a.DominantWasteType.Valid() {
		return &ValidationError{Field: "dominant_waste_type", Reason: "unrecognized waste type"}
	}
	for wt, share := range a.WasteTypePercentages {
		if !wt.Valid() {
			return &ValidationError{Field: "waste_type_percentages", Reason: "unrecognized waste type"}
		}
		if math.IsNaN(share) || share < 0 || share > 1 {
			return &ValidationError{Field: "waste_type_percentages", Reason: fmt.Sprintf("share of %s must be between 0 and 1", wt)}
		}
	}
	if !nonNegativeFinite(a.TotalEstimatedWeightKg) {
		return &ValidationError{Field: "total_estimated_weight_kg", Reason: "must be a finite non-negative number"}
	}
	if !nonNegativeFinite(a.TotalEstimatedVolumeM3) {
		return &ValidationError{Field: "total_estimated_volume_m3", Reason: "must be a finite non-negative number"}
	}
	return nil
}

func nonNegativeFinite(v float64) bool {
	return v >= 0 && !math.IsInf(v, 1)
}

// ValidationError reports input that violates the detection schema.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
