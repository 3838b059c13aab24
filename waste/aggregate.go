package waste

import "math"

type typeTotals struct {
	weight     float64
	confidence float64
	items      int
}

// Aggregate merges the per-image results of one request into a single
// profile. It is a pure function: the same input always yields the same
// output, regardless of map iteration order.
func Aggregate(results []WasteAnalysisResult) (AggregatedWasteAnalysis, error) {
	agg := AggregatedWasteAnalysis{
		WasteTypePercentages: map[WasteType]float64{},
		OverallQuantityLevel: QuantityNone,
		ProcessedImageURLs:   make([]string, 0, len(results)),
	}

	var items []WasteItem
	for _, result := range results {
		agg.ProcessedImageURLs = append(agg.ProcessedImageURLs, result.ImageURL)
		cleaned, err := Normalize(result.Items)
		if err != nil {
			return AggregatedWasteAnalysis{}, err
		}
		items = append(items, cleaned...)
	}
	if len(items) == 0 {
		return agg, nil
	}

	// Indexed by WasteType; slot 0 stays empty.
	var totals [Mixed + 1]typeTotals
	var ordinalSum, confidenceSum float64
	for _, item := range items {
		t := &totals[item.WasteType]
		t.weight += item.EstimatedWeightKg
		t.confidence += item.ConfidenceScore
		t.items++

		agg.TotalEstimatedWeightKg += item.EstimatedWeightKg
		agg.TotalEstimatedVolumeM3 += item.EstimatedVolumeM3

		ordinalSum += item.ConfidenceScore * float64(item.Quantity)
		confidenceSum += item.ConfidenceScore
	}

	// Each item is finite, but the sums can still overflow.
	if math.IsInf(agg.TotalEstimatedWeightKg, 0) {
		return AggregatedWasteAnalysis{}, &ValidationError{Field: "estimated_weight_kg", Reason: "total weight is not finite"}
	}
	if math.IsInf(agg.TotalEstimatedVolumeM3, 0) {
		return AggregatedWasteAnalysis{}, &ValidationError{Field: "estimated_volume_m3", Reason: "total volume is not finite"}
	}

	basis := func(t typeTotals) float64 { return t.weight }
	if agg.TotalEstimatedWeightKg == 0 {
		basis = func(t typeTotals) float64 { return t.confidence }
	}

	var basisTotal float64
	for _, wt := range WasteTypes {
		basisTotal += basis(totals[wt])
	}

	var dominant WasteType
	var dominantBasis float64
	for _, wt := range WasteTypes {
		b := basis(totals[wt])
		if totals[wt].items == 0 || b <= 0 {
			continue
		}
		// A share too small to represent is left out rather than stored as 0.
		share := b / basisTotal
		if share <= 0 {
			continue
		}
		agg.WasteTypePercentages[wt] = share
		// Strict comparison keeps the first declared type on ties.
		if b > dominantBasis {
			dominant = wt
			dominantBasis = b
		}
	}
	if dominant.Valid() {
		agg.DominantWasteType = &dominant
	}

	agg.OverallQuantityLevel = roundQuantity(ordinalSum / confidenceSum)
	return agg, nil
}

// roundQuantity rounds a mean ordinal half-up (2.5 -> large) and clamps it
// to the small..very_large range.
func roundQuantity(mean float64) QuantityLevel {
	level := QuantityLevel(math.Floor(mean + 0.5))
	if level < QuantitySmall {
		return QuantitySmall
	}
	if level > QuantityVeryLarge {
		return QuantityVeryLarge
	}
	return level
}
