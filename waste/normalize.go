package waste

import "math"

// Normalize cleans the raw detections of one image. Items with no confidence
// or an unrecognized type are dropped, confidence is clamped to [0,1] and
// missing or negative weight and volume become 0. Only non-finite numbers are
// rejected, since they cannot be repaired.
func Normalize(items []WasteItem) ([]WasteItem, error) {
	cleaned := make([]WasteItem, 0, len(items))
	for _, item := range items {
		if err := checkFinite(item); err != nil {
			return nil, err
		}
		if item.ConfidenceScore <= 0 || !item.WasteType.Valid() {
			continue
		}
		if item.ConfidenceScore > 1 {
			item.ConfidenceScore = 1
		}
		if item.EstimatedWeightKg < 0 {
			item.EstimatedWeightKg = 0
		}
		if item.EstimatedVolumeM3 < 0 {
			item.EstimatedVolumeM3 = 0
		}
		if item.Quantity < QuantitySmall || item.Quantity > QuantityVeryLarge {
			item.Quantity = QuantitySmall
		}
		cleaned = append(cleaned, item)
	}
	return cleaned, nil
}

func checkFinite(item WasteItem) error {
	fields := []struct {
		name  string
		value float64
	}{
		{"confidence_score", item.ConfidenceScore},
		{"estimated_weight_kg", item.EstimatedWeightKg},
		{"estimated_volume_m3", item.EstimatedVolumeM3},
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return &ValidationError{Field: f.name, Reason: "not a finite number"}
		}
	}
	return nil
}
