package vision

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"waste-pricing/waste"
)

// detectionResponse is the JSON object the vision prompt asks for. Numbers
// are decoded loosely because models sometimes quote them.
type detectionResponse struct {
	Items []struct {
		WasteType         string `json:"waste_type"`
		Quantity          string `json:"quantity"`
		Confidence        any    `json:"confidence"`
		Description       string `json:"description"`
		EstimatedWeightKg any    `json:"estimated_weight_kg"`
		EstimatedVolumeM3 any    `json:"estimated_volume_m3"`
	} `json:"items"`
	TotalConfidence any `json:"total_confidence"`
}

// extractJSON returns the JSON object inside a markdown code block, or the
// outermost braces when there is no code block.
func extractJSON(response string) string {
	const fence = "```"
	start := strings.Index(response, fence)
	if start == -1 {
		open := strings.Index(response, "{")
		end := strings.LastIndex(response, "}")
		if open == -1 || end < open {
			return response
		}
		return strings.TrimSpace(response[open : end+1])
	}

	end := strings.Index(response[start+len(fence):], fence)
	if end == -1 {
		return response
	}
	content := response[start+len(fence) : start+len(fence)+end]

	// Drop the language tag.
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) > 0 && (strings.TrimSpace(lines[0]) == "json" || strings.TrimSpace(lines[0]) == "") {
		content = strings.Join(lines[1:], "\n")
	}
	return strings.TrimSpace(content)
}

// ParseDetections turns a vision model response into the detections of one
// image. Labels the pipeline does not know are kept as unknown and dropped
// later by the normalizer; a numeric field that is not a number is a
// validation error.
func ParseDetections(response, imageURL string) (*waste.WasteAnalysisResult, error) {
	var parsed detectionResponse
	if err := json.Unmarshal([]byte(extractJSON(strings.TrimSpace(response))), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse detection JSON: %w", err)
	}

	result := &waste.WasteAnalysisResult{
		Items:      make([]waste.WasteItem, 0, len(parsed.Items)),
		AnalyzedAt: time.Now().UTC(),
		ImageURL:   imageURL,
	}
	for i, raw := range parsed.Items {
		conf, err := number(fmt.Sprintf("items[%d].confidence", i), raw.Confidence)
		if err != nil {
			return nil, err
		}
		weight, err := number(fmt.Sprintf("items[%d].estimated_weight_kg", i), raw.EstimatedWeightKg)
		if err != nil {
			return nil, err
		}
		volume, err := number(fmt.Sprintf("items[%d].estimated_volume_m3", i), raw.EstimatedVolumeM3)
		if err != nil {
			return nil, err
		}
		result.Items = append(result.Items, waste.WasteItem{
			WasteType:         waste.ParseWasteType(raw.WasteType),
			Quantity:          waste.ParseQuantityLevel(raw.Quantity),
			ConfidenceScore:   conf,
			Description:       raw.Description,
			EstimatedWeightKg: weight,
			EstimatedVolumeM3: volume,
		})
	}

	total, err := number("total_confidence", parsed.TotalConfidence)
	if err != nil {
		return nil, err
	}
	result.TotalConfidenceScore = total
	return result, nil
}

// number accepts a finite JSON number, a finite numeric string or a missing
// value (0).
func number(field string, v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		f = n
	case string:
		var err error
		f, err = strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, &waste.ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a number", n)}
		}
	default:
		return 0, &waste.ValidationError{Field: field, Reason: fmt.Sprintf("unexpected %T", v)}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &waste.ValidationError{Field: field, Reason: "not a finite number"}
	}
	return f, nil
}
