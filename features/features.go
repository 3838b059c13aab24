package features

import (
	"fmt"
	"math"
	"strings"

	"waste-pricing/waste"
)

// UrgencyLevel is the ordinal urgency of a cleanup request.
type UrgencyLevel int

const (
	UrgencyLow    UrgencyLevel = 1
	UrgencyMedium UrgencyLevel = 2
	UrgencyHigh   UrgencyLevel = 3
)

func (u UrgencyLevel) String() string {
	switch u {
	case UrgencyLow:
		return "low"
	case UrgencyMedium:
		return "medium"
	case UrgencyHigh:
		return "high"
	}
	return fmt.Sprintf("urgency(%d)", int(u))
}

// ParseUrgency accepts "low", "medium" or "high". An empty label means medium.
func ParseUrgency(s string) (UrgencyLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return UrgencyLow, nil
	case "", "medium":
		return UrgencyMedium, nil
	case "high":
		return UrgencyHigh, nil
	}
	return 0, &ValidationError{Field: "urgency", Reason: fmt.Sprintf("unknown level %q", s)}
}

// Feature ranges accepted by Build.
const (
	MinLocationRisk   = 1.0
	MaxLocationRisk   = 5.0
	MinSeasonalFactor = 0.8
	MaxSeasonalFactor = 1.2
)

// RequestContext carries the non-visual signals of a cleanup request.
type RequestContext struct {
	Urgency          UrgencyLevel `json:"urgency"`
	LocationRisk     float64      `json:"location_risk"`
	SeasonalFactor   float64      `json:"seasonal_factor"`
	HistoricalDemand float64      `json:"historical_demand"`
}

// Vector is the fixed feature shape of the pricing model.
type Vector struct {
	WasteTypeID      float64 `json:"waste_type_id"`
	EstimatedWeight  float64 `json:"estimated_weight"`
	EstimatedVolume  float64 `json:"estimated_volume"`
	UrgencyLevel     float64 `json:"urgency_level"`
	LocationRisk     float64 `json:"location_risk"`
	SeasonalFactor   float64 `json:"seasonal_factor"`
	HistoricalDemand float64 `json:"historical_demand"`
}

// FeatureNames are the factor names in Values() order.
var FeatureNames = []string{
	"waste_type",
	"weight",
	"volume",
	"urgency",
	"location_risk",
	"season",
	"historical_demand",
}

// NumFeatures is the length of every feature vector.
const NumFeatures = 7

// Values returns the vector in FeatureNames order.
func (v Vector) Values() []float64 {
	return []float64{
		v.WasteTypeID,
		v.EstimatedWeight,
		v.EstimatedVolume,
		v.UrgencyLevel,
		v.LocationRisk,
		v.SeasonalFactor,
		v.HistoricalDemand,
	}
}

// TrainingRecord is one completed cleanup with the reward actually paid.
type TrainingRecord struct {
	Features    Vector  `json:"features"`
	RewardMoney float64 `json:"reward_money"`
}

// ValidationError reports a request context outside the feature schema. It
// is the same type the detection normalizer returns.
type ValidationError = waste.ValidationError

// Build maps an aggregated analysis and its request context onto the
// feature vector. A request with no dominant type is priced as mixed waste.
func Build(agg waste.AggregatedWasteAnalysis, rc RequestContext) (Vector, error) {
	if err := rc.Validate(); err != nil {
		return Vector{}, err
	}

	wasteType := waste.Mixed
	if agg.DominantWasteType != nil && agg.DominantWasteType.Valid() {
		wasteType = *agg.DominantWasteType
	}

	return Vector{
		WasteTypeID:      float64(wasteType),
		EstimatedWeight:  agg.TotalEstimatedWeightKg,
		EstimatedVolume:  agg.TotalEstimatedVolumeM3,
		UrgencyLevel:     float64(rc.Urgency),
		LocationRisk:     rc.LocationRisk,
		SeasonalFactor:   rc.SeasonalFactor,
		HistoricalDemand: rc.HistoricalDemand,
	}, nil
}

// Validate checks every context signal against its documented range.
func (rc RequestContext) Validate() error {
	if rc.Urgency < UrgencyLow || rc.Urgency > UrgencyHigh {
		return &ValidationError{Field: "urgency", Reason: fmt.Sprintf("%d outside 1..3", int(rc.Urgency))}
	}
	if !inRange(rc.LocationRisk, MinLocationRisk, MaxLocationRisk) {
		return &ValidationError{Field: "location_risk", Reason: fmt.Sprintf("%v outside 1..5", rc.LocationRisk)}
	}
	if !inRange(rc.SeasonalFactor, MinSeasonalFactor, MaxSeasonalFactor) {
		return &ValidationError{Field: "seasonal_factor", Reason: fmt.Sprintf("%v outside 0.8..1.2", rc.SeasonalFactor)}
	}
	if !isFinite(rc.HistoricalDemand) || rc.HistoricalDemand < 0 {
		return &ValidationError{Field: "historical_demand", Reason: fmt.Sprintf("%v is not a non-negative number", rc.HistoricalDemand)}
	}
	return nil
}

func inRange(v, lo, hi float64) bool {
	return isFinite(v) && v >= lo && v <= hi
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
