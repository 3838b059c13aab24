package recommend

import (
	"waste-pricing/features"
	"waste-pricing/waste"
)

var baseRewardByType = map[waste.WasteType]float64{
	waste.Plastic: 20,
	waste.Glass:   25,
	waste.Metal:   30,
	waste.Organic: 15,
	waste.Paper:   15,
	waste.Mixed:   25,
}

var quantityMultiplier = map[waste.QuantityLevel]float64{
	waste.QuantitySmall:     1.0,
	waste.QuantityMedium:    1.5,
	waste.QuantityLarge:     2.0,
	waste.QuantityVeryLarge: 3.0,
}

var urgencyMultiplier = map[features.UrgencyLevel]float64{
	features.UrgencyLow:    1.0,
	features.UrgencyMedium: 1.2,
	features.UrgencyHigh:   1.5,
}

// HeuristicAmount is the cold start price: a base amount for the waste type
// scaled by quantity and urgency. Unknown keys fall back to mixed waste,
// small quantity and no urgency uplift.
func HeuristicAmount(t waste.WasteType, q waste.QuantityLevel, u features.UrgencyLevel) float64 {
	base, ok := baseRewardByType[t]
	if !ok {
		base = baseRewardByType[waste.Mixed]
	}
	qm, ok := quantityMultiplier[q]
	if !ok {
		qm = quantityMultiplier[waste.QuantitySmall]
	}
	um, ok := urgencyMultiplier[u]
	if !ok {
		um = 1
	}
	return base * qm * um
}

// HeuristicWeights is the fixed factor weighting of HeuristicAmount.
func HeuristicWeights() map[string]float64 {
	return map[string]float64{
		"waste_type": 0.5,
		"quantity":   0.3,
		"urgency":    0.2,
	}
}
