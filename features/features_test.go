package features

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"waste-pricing/waste"
)

func validContext() RequestContext {
	return RequestContext{
		Urgency:          UrgencyHigh,
		LocationRisk:     4,
		SeasonalFactor:   1.1,
		HistoricalDemand: 2.5,
	}
}

func TestBuild(t *testing.T) {
	organic := waste.Organic
	testCases := []struct {
		name        string
		agg         waste.AggregatedWasteAnalysis
		rc          RequestContext
		expected    Vector
		expectError bool
	}{
		{
			name: "dominant organic",
			agg: waste.AggregatedWasteAnalysis{
				DominantWasteType:      &organic,
				TotalEstimatedWeightKg: 12.5,
				TotalEstimatedVolumeM3: 0.4,
			},
			rc: validContext(),
			expected: Vector{
				WasteTypeID:      4,
				EstimatedWeight:  12.5,
				EstimatedVolume:  0.4,
				UrgencyLevel:     3,
				LocationRisk:     4,
				SeasonalFactor:   1.1,
				HistoricalDemand: 2.5,
			},
		},
		{
			name: "no dominant type prices as mixed",
			agg:  waste.AggregatedWasteAnalysis{},
			rc:   validContext(),
			expected: Vector{
				WasteTypeID:      6,
				UrgencyLevel:     3,
				LocationRisk:     4,
				SeasonalFactor:   1.1,
				HistoricalDemand: 2.5,
			},
		},
		{
			name:        "urgency out of range",
			rc:          RequestContext{Urgency: 4, LocationRisk: 1, SeasonalFactor: 1},
			expectError: true,
		},
		{
			name:        "risk out of range",
			rc:          RequestContext{Urgency: UrgencyLow, LocationRisk: 0, SeasonalFactor: 1},
			expectError: true,
		},
		{
			name:        "season out of range",
			rc:          RequestContext{Urgency: UrgencyLow, LocationRisk: 1, SeasonalFactor: 1.5},
			expectError: true,
		},
		{
			name:        "negative demand",
			rc:          RequestContext{Urgency: UrgencyLow, LocationRisk: 1, SeasonalFactor: 1, HistoricalDemand: -1},
			expectError: true,
		},
		{
			name:        "NaN demand",
			rc:          RequestContext{Urgency: UrgencyLow, LocationRisk: 1, SeasonalFactor: 1, HistoricalDemand: math.NaN()},
			expectError: true,
		},
	}

	for _, testCase := range testCases {
		v, err := Build(testCase.agg, testCase.rc)
		if testCase.expectError != (err != nil) {
			t.Errorf("%s, Build: expected error: %v, got error: %v", testCase.name, testCase.expectError, err)
			continue
		}
		if err != nil {
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("%s, Build: expected a ValidationError, got %T", testCase.name, err)
			}
			continue
		}
		if !reflect.DeepEqual(v, testCase.expected) {
			t.Errorf("%s, Build: expected %+v, got %+v", testCase.name, testCase.expected, v)
		}
	}
}

func TestValuesOrder(t *testing.T) {
	v := Vector{1, 2, 3, 4, 5, 6, 7}
	values := v.Values()
	if len(values) != NumFeatures || len(FeatureNames) != NumFeatures {
		t.Fatalf("expected %d features, got %d values and %d names", NumFeatures, len(values), len(FeatureNames))
	}
	for i, value := range values {
		if value != float64(i+1) {
			t.Errorf("Values()[%d] = %v, want %v", i, value, i+1)
		}
	}
}

func TestParseUrgency(t *testing.T) {
	testCases := []struct {
		label       string
		expected    UrgencyLevel
		expectError bool
	}{
		{"low", UrgencyLow, false},
		{"Medium", UrgencyMedium, false},
		{"", UrgencyMedium, false},
		{"HIGH", UrgencyHigh, false},
		{"critical", 0, true},
	}
	for _, testCase := range testCases {
		u, err := ParseUrgency(testCase.label)
		if testCase.expectError != (err != nil) {
			t.Errorf("ParseUrgency(%q): expected error: %v, got error: %v", testCase.label, testCase.expectError, err)
		}
		if u != testCase.expected {
			t.Errorf("ParseUrgency(%q) = %v, want %v", testCase.label, u, testCase.expected)
		}
	}
}
