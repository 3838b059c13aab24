package models

import (
	"time"

	"waste-pricing/recommend"
	"waste-pricing/waste"
)

// PricingRequest is a submitted cleanup request waiting for a reward.
type PricingRequest struct {
	RequestID string   `json:"request_id"`
	ImageURLs []string `json:"image_urls"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Urgency   string   `json:"urgency,omitempty"`
}

// PricedRequest is published once a request has a recommendation.
type PricedRequest struct {
	RequestID      string                           `json:"request_id"`
	Analysis       waste.AggregatedWasteAnalysis    `json:"analysis"`
	Recommendation *recommend.PricingRecommendation `json:"recommendation"`
	PricedAt       time.Time                        `json:"priced_at"`
}

// TrainResponse summarizes a finished training run.
type TrainResponse struct {
	Version     string    `json:"version"`
	SampleCount int       `json:"sample_count"`
	RSquared    float64   `json:"r_squared"`
	RMSE        float64   `json:"rmse"`
	TrainedAt   time.Time `json:"trained_at"`
}

// ModelStatus reports what the engine is currently serving.
type ModelStatus struct {
	State               string             `json:"state"`
	Trained             bool               `json:"trained"`
	Version             string             `json:"version,omitempty"`
	TrainedAt           *time.Time         `json:"trained_at,omitempty"`
	SampleCount         int                `json:"sample_count,omitempty"`
	RSquared            float64            `json:"r_squared,omitempty"`
	RMSE                float64            `json:"rmse,omitempty"`
	Importances         map[string]float64 `json:"importances,omitempty"`
	MinRecords          int                `json:"min_records"`
	AvailableRecords    *int               `json:"available_records,omitempty"`
	SubscriberConnected *bool              `json:"subscriber_connected,omitempty"`
}
