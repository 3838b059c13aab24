package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"

	"waste-pricing/features"
	"waste-pricing/metrics"
	"waste-pricing/model"
	"waste-pricing/models"
	"waste-pricing/recommend"
	"waste-pricing/signals"
	"waste-pricing/vision"
	"waste-pricing/waste"
)

var (
	ErrNoAnalyzer = errors.New("no vision analyzer configured")
	ErrNoHistory  = errors.New("no training history configured")
)

// History is where priced requests are recorded and training data is read.
type History interface {
	SavePricingFeatures(ctx context.Context, requestID string, v features.Vector, rec *recommend.PricingRecommendation) error
	TrainingData(ctx context.Context, limit int) ([]features.TrainingRecord, error)
	TrainingRecordCount(ctx context.Context) (int, error)
}

type EngineConfig struct {
	Pricing           recommend.Config
	VisionConcurrency int
	TrainingLimit     int
}

// Engine is the pricing core: it aggregates detections, prices requests and
// trains the model. The analyzer, signals provider and history are optional.
type Engine struct {
	cfg      EngineConfig
	model    *model.Model
	composer *recommend.Composer
	analyzer vision.Analyzer
	signals  *signals.Provider
	history  History
	now      func() time.Time
}

func NewEngine(cfg EngineConfig, m *model.Model, analyzer vision.Analyzer, provider *signals.Provider, history History) *Engine {
	if cfg.VisionConcurrency <= 0 {
		cfg.VisionConcurrency = 1
	}
	if cfg.TrainingLimit <= 0 {
		cfg.TrainingLimit = 50000
	}
	return &Engine{
		cfg:      cfg,
		model:    m,
		composer: recommend.NewComposer(cfg.Pricing, m),
		analyzer: analyzer,
		signals:  provider,
		history:  history,
		now:      time.Now,
	}
}

// Aggregate analyzes every image and merges the detections. Images whose
// analysis fails count as empty.
func (e *Engine) Aggregate(ctx context.Context, imageURLs []string) (waste.AggregatedWasteAnalysis, error) {
	if e.analyzer == nil {
		return waste.AggregatedWasteAnalysis{}, ErrNoAnalyzer
	}
	results := vision.AnalyzeImages(ctx, e.analyzer, imageURLs, e.cfg.VisionConcurrency)
	if err := ctx.Err(); err != nil {
		return waste.AggregatedWasteAnalysis{}, err
	}
	return waste.Aggregate(results)
}

func (e *Engine) RecommendPricing(agg waste.AggregatedWasteAnalysis, rc features.RequestContext) (*recommend.PricingRecommendation, error) {
	rec, err := e.composer.Compose(agg, rc)
	if err != nil {
		return nil, err
	}
	metrics.RecommendationsTotal.WithLabelValues(string(rec.Source)).Inc()
	return rec, nil
}

// TrainModel fits the model on records and publishes it once it is saved.
func (e *Engine) TrainModel(ctx context.Context, records []features.TrainingRecord) error {
	_, err := e.train(ctx, records)
	return err
}

func (e *Engine) IsModelTrained() bool {
	return e.model.IsTrained()
}

// Snapshot returns the served model state, nil when untrained.
func (e *Engine) Snapshot() *model.ModelState {
	return e.model.Snapshot()
}

// TrainFromHistory trains on the most recent completed requests.
func (e *Engine) TrainFromHistory(ctx context.Context) (*model.ModelState, error) {
	if e.history == nil {
		return nil, ErrNoHistory
	}
	records, err := e.history.TrainingData(ctx, e.cfg.TrainingLimit)
	if err != nil {
		return nil, err
	}
	return e.train(ctx, records)
}

func (e *Engine) train(ctx context.Context, records []features.TrainingRecord) (*model.ModelState, error) {
	start := time.Now()
	state, err := e.model.Train(ctx, records)
	metrics.TrainingDurationSeconds.Observe(time.Since(start).Seconds())
	metrics.TrainingRunsTotal.WithLabelValues(trainingResult(err)).Inc()
	if err != nil {
		return nil, err
	}
	metrics.ModelTrained.Set(1)
	metrics.ModelRSquared.Set(state.RSquared)
	return state, nil
}

func trainingResult(err error) string {
	var insufficient *model.InsufficientDataError
	var persistence *model.PersistenceError
	var invalid *waste.ValidationError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &insufficient):
		return "insufficient_data"
	case errors.Is(err, model.ErrTrainingInProgress):
		return "in_progress"
	case errors.As(err, &persistence):
		return "persistence_error"
	case errors.As(err, &invalid):
		return "invalid_data"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// RequestContext resolves the non-visual signals of a request. Without a
// signals provider the neutral values are used.
func (e *Engine) RequestContext(ctx context.Context, lat, lon float64, urgency features.UrgencyLevel) features.RequestContext {
	if e.signals == nil {
		return features.RequestContext{
			Urgency:        urgency,
			LocationRisk:   features.MinLocationRisk,
			SeasonalFactor: 1,
		}
	}
	return e.signals.Lookup(ctx, lat, lon, urgency, e.now())
}

// PriceRequest runs the whole pipeline for one submitted request and records
// the features it was priced with.
func (e *Engine) PriceRequest(ctx context.Context, req models.PricingRequest) (*models.PricedRequest, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	urgency, err := features.ParseUrgency(req.Urgency)
	if err != nil {
		return nil, err
	}

	agg, err := e.Aggregate(ctx, req.ImageURLs)
	if err != nil {
		return nil, err
	}
	rc := e.RequestContext(ctx, req.Latitude, req.Longitude, urgency)
	rec, err := e.RecommendPricing(agg, rc)
	if err != nil {
		return nil, err
	}

	if e.history != nil && agg.HasWaste() {
		v, err := features.Build(agg, rc)
		if err != nil {
			return nil, err
		}
		if err := e.history.SavePricingFeatures(ctx, req.RequestID, v, rec); err != nil {
			return nil, err
		}
	}

	log.WithFields(log.Fields{
		"request_id": req.RequestID,
		"images":     len(req.ImageURLs),
		"source":     rec.Source,
		"money":      rec.SuggestedRewardMoney,
	}).Info("Priced cleanup request")

	return &models.PricedRequest{
		RequestID:      req.RequestID,
		Analysis:       agg,
		Recommendation: rec,
		PricedAt:       e.now().UTC(),
	}, nil
}

func validateRequest(req models.PricingRequest) error {
	switch {
	case req.RequestID == "":
		return &waste.ValidationError{Field: "request_id", Reason: "is required"}
	case req.Latitude < -90 || req.Latitude > 90:
		return &waste.ValidationError{Field: "latitude", Reason: fmt.Sprintf("%v is out of range", req.Latitude)}
	case req.Longitude < -180 || req.Longitude > 180:
		return &waste.ValidationError{Field: "longitude", Reason: fmt.Sprintf("%v is out of range", req.Longitude)}
	}
	for i, url := range req.ImageURLs {
		if url == "" {
			return &waste.ValidationError{Field: fmt.Sprintf("image_urls[%d]", i), Reason: "is empty"}
		}
	}
	return nil
}

// Status describes the served model. A failing record count is left out.
func (e *Engine) Status(ctx context.Context) models.ModelStatus {
	status := models.ModelStatus{
		State:      e.model.State().String(),
		MinRecords: e.model.MinRecords(),
	}
	if s := e.model.Snapshot(); s != nil {
		trainedAt := s.TrainedAt
		status.Trained = true
		status.Version = s.Version
		status.TrainedAt = &trainedAt
		status.SampleCount = s.SampleCount
		status.RSquared = s.RSquared
		status.RMSE = s.RMSE
		status.Importances = s.Importances
	}
	if e.history != nil {
		count, err := e.history.TrainingRecordCount(ctx)
		if err != nil {
			log.Warnf("Failed to count training records: %v", err)
		} else {
			status.AvailableRecords = &count
		}
	}
	return status
}
