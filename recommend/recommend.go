package recommend

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/apex/log"
	"github.com/shopspring/decimal"

	"waste-pricing/features"
	"waste-pricing/model"
	"waste-pricing/waste"
)

// Source tells which path produced a recommendation.
type Source string

const (
	SourceModel     Source = "model"
	SourceHeuristic Source = "heuristic"
	SourceEmpty     Source = "empty"
)

type PricingRecommendation struct {
	SuggestedRewardMoney  float64            `json:"suggested_reward_money"`
	SuggestedRewardPoints int64              `json:"suggested_reward_points"`
	ConfidenceScore       float64            `json:"confidence_score"`
	ReasoningFactors      string             `json:"reasoning_factors"`
	FactorWeights         map[string]float64 `json:"factor_weights"`
	Source                Source             `json:"source"`
	ModelVersion          string             `json:"model_version,omitempty"`
}

type Config struct {
	MinReward             float64
	MaxReward             float64
	PointsPerCurrencyUnit float64
	ColdStartConfidence   float64
}

func DefaultConfig() Config {
	return Config{
		MinReward:             5,
		MaxReward:             500,
		PointsPerCurrencyUnit: 10,
		ColdStartConfidence:   0.3,
	}
}

// Estimator is the part of the pricing model the composer needs.
type Estimator interface {
	Estimate(v features.Vector) (model.Estimate, error)
}

type Composer struct {
	cfg   Config
	model Estimator
}

// NewComposer sanitizes cfg so that rewards can never go negative and the
// bounds are ordered.
func NewComposer(cfg Config, m Estimator) *Composer {
	// Non-finite settings fall back like out-of-range ones.
	if cfg.MinReward < 0 || !finite(cfg.MinReward) {
		cfg.MinReward = 0
	}
	if cfg.MaxReward < cfg.MinReward || !finite(cfg.MaxReward) {
		cfg.MaxReward = cfg.MinReward
	}
	if cfg.PointsPerCurrencyUnit < 0 || !finite(cfg.PointsPerCurrencyUnit) {
		cfg.PointsPerCurrencyUnit = 0
	}
	cfg.ColdStartConfidence = clamp01(cfg.ColdStartConfidence)
	return &Composer{cfg: cfg, model: m}
}

// Compose prices one aggregated analysis. An untrained model is never an
// error here: the heuristic table takes over with reduced confidence.
func (c *Composer) Compose(agg waste.AggregatedWasteAnalysis, rc features.RequestContext) (*PricingRecommendation, error) {
	if err := agg.Validate(); err != nil {
		return nil, err
	}
	if !agg.HasWaste() {
		rec := c.priced(c.cfg.MinReward)
		rec.ConfidenceScore = 0
		rec.FactorWeights = map[string]float64{}
		rec.Source = SourceEmpty
		rec.ReasoningFactors = "No waste was detected in the submitted images, so the minimum reward applies."
		return rec, nil
	}

	v, err := features.Build(agg, rc)
	if err != nil {
		return nil, err
	}

	est, err := c.model.Estimate(v)
	switch {
	case errors.Is(err, model.ErrModelNotTrained):
		return c.heuristic(agg, rc, "the pricing model has not been trained yet"), nil
	case err != nil:
		log.Warnf("Pricing model estimate failed, using heuristic: %v", err)
		return c.heuristic(agg, rc, "the pricing model could not produce an estimate"), nil
	case !finite(est.Amount):
		log.Warnf("Pricing model %s returned %v, using heuristic", est.Version, est.Amount)
		return c.heuristic(agg, rc, "the pricing model produced an unusable estimate"), nil
	}

	rec := c.priced(est.Amount)
	rec.ConfidenceScore = clamp01(est.FitQuality)
	rec.FactorWeights = normalizeWeights(est.Importances)
	rec.Source = SourceModel
	rec.ModelVersion = est.Version
	rec.ReasoningFactors = reasoning(agg, rec.FactorWeights, "")
	return rec, nil
}

func (c *Composer) heuristic(agg waste.AggregatedWasteAnalysis, rc features.RequestContext, why string) *PricingRecommendation {
	rec := c.priced(HeuristicAmount(*agg.DominantWasteType, agg.OverallQuantityLevel, rc.Urgency))
	rec.ConfidenceScore = c.cfg.ColdStartConfidence
	rec.FactorWeights = HeuristicWeights()
	rec.Source = SourceHeuristic
	rec.ReasoningFactors = reasoning(agg, rec.FactorWeights, why)
	return rec
}

// priced clamps amount to the configured bounds and rounds money to cents.
func (c *Composer) priced(amount float64) *PricingRecommendation {
	amount = math.Max(c.cfg.MinReward, math.Min(c.cfg.MaxReward, amount))
	money := decimal.NewFromFloat(amount).Round(2)
	points := money.Mul(decimal.NewFromFloat(c.cfg.PointsPerCurrencyUnit)).Round(0).IntPart()
	if points < 0 {
		points = 0
	}
	return &PricingRecommendation{
		SuggestedRewardMoney:  money.InexactFloat64(),
		SuggestedRewardPoints: points,
	}
}

func reasoning(agg waste.AggregatedWasteAnalysis, weights map[string]float64, fallback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dominant waste type is %s with an overall %s quantity",
		agg.DominantWasteType.String(), strings.ReplaceAll(agg.OverallQuantityLevel.String(), "_", " "))
	if agg.TotalEstimatedWeightKg > 0 {
		fmt.Fprintf(&b, " (about %.1f kg)", agg.TotalEstimatedWeightKg)
	}
	b.WriteString(".")

	top := topFactors(weights, 2)
	if len(top) > 0 {
		parts := make([]string, len(top))
		for i, name := range top {
			parts[i] = fmt.Sprintf("%s (%.0f%%)", strings.ReplaceAll(name, "_", " "), weights[name]*100)
		}
		fmt.Fprintf(&b, " Main factors: %s.", strings.Join(parts, ", "))
	}
	if fallback != "" {
		fmt.Fprintf(&b, " Estimated from the standard rate table because %s.", fallback)
	}
	return b.String()
}

// topFactors returns up to n factor names by descending weight, ties by name.
func topFactors(weights map[string]float64, n int) []string {
	names := make([]string, 0, len(weights))
	for name, w := range weights {
		if w > 0 {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if weights[names[i]] != weights[names[j]] {
			return weights[names[i]] > weights[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > n {
		names = names[:n]
	}
	return names
}

func normalizeWeights(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	var total float64
	for _, w := range in {
		if w > 0 && !math.IsInf(w, 0) {
			total += w
		}
	}
	for name, w := range in {
		if total == 0 {
			out[name] = 1 / float64(len(in))
			continue
		}
		if w > 0 && !math.IsInf(w, 0) {
			out[name] = w / total
		} else {
			out[name] = 0
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
