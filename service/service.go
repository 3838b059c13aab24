package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/apex/log"

	"waste-pricing/config"
	"waste-pricing/database"
	"waste-pricing/model"
	"waste-pricing/models"
	"waste-pricing/rabbitmq"
	"waste-pricing/recommend"
	"waste-pricing/signals"
	"waste-pricing/vision"
	"waste-pricing/waste"
)

const requestTimeout = 2 * time.Minute

// Service wires the engine to the database, the vision model and RabbitMQ.
type Service struct {
	config     *config.Config
	db         *database.Database
	store      *database.ModelStore
	engine     *Engine
	provider   *signals.Provider
	subscriber *rabbitmq.Subscriber
	publisher  *rabbitmq.Publisher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates the pricing service. Without a Gemini API key the
// service still trains and prices analyses, but cannot analyze images.
func NewService(cfg *config.Config, db *database.Database) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	var analyzer vision.Analyzer
	if cfg.GeminiAPIKey != "" {
		gemini, err := vision.NewGeminiAnalyzer(ctx, vision.GeminiConfig{
			APIKey:         cfg.GeminiAPIKey,
			Model:          cfg.GeminiModel,
			RequestsPerSec: cfg.VisionRPS,
		})
		if err != nil {
			log.Errorf("Failed to initialize Gemini analyzer: %v", err)
		} else {
			analyzer = gemini
			log.Infof("Vision analyzer model=%s", cfg.GeminiModel)
		}
	} else {
		log.Warn("GEMINI_API_KEY is not set, image analysis is disabled")
	}

	store := database.NewModelStore(db)
	m := model.New(model.WithMinRecords(cfg.MinTrainingRecords), model.WithStore(store))
	provider := signals.NewProvider(signals.ProviderConfig{
		Seasons:      cfg.SeasonalFactors,
		CellLevel:    cfg.S2Level,
		DemandWindow: cfg.DemandWindow,
		DefaultRisk:  cfg.DefaultLocationRisk,
	}, db)

	engine := NewEngine(EngineConfig{
		Pricing: recommend.Config{
			MinReward:             cfg.MinReward,
			MaxReward:             cfg.MaxReward,
			PointsPerCurrencyUnit: cfg.PointsPerCurrencyUnit,
			ColdStartConfidence:   cfg.ColdStartConfidence,
		},
		VisionConcurrency: cfg.VisionConcurrency,
		TrainingLimit:     cfg.TrainingLimit,
	}, m, analyzer, provider, db)

	return &Service{
		config:   cfg,
		db:       db,
		store:    store,
		engine:   engine,
		provider: provider,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Engine() *Engine {
	return s.engine
}

// SubscriberConnected reports whether the request subscriber is up.
func (s *Service) SubscriberConnected() bool {
	return s.subscriber != nil && s.subscriber.IsConnected()
}

// Start prepares the tables, restores the model and begins consuming
// submitted requests. Only a failure to create the tables is fatal.
func (s *Service) Start() error {
	log.Info("Starting pricing service...")

	if err := s.db.CreateTables(s.ctx); err != nil {
		return err
	}

	if !s.engine.model.LoadFrom(s.ctx, s.store) {
		s.trainBestEffort()
	}
	s.loadRiskZones()

	publisher, err := rabbitmq.NewPublisher(s.config.AMQPURL(), s.config.Exchange, s.config.PricedRoutingKey)
	if err != nil {
		log.Errorf("Failed to initialize RabbitMQ publisher: %v", err)
	} else {
		s.publisher = publisher
	}

	subscriber, err := rabbitmq.NewSubscriber(s.config.AMQPURL(), s.config.Exchange, s.config.SubmittedQueue,
		s.config.WorkerPoolSize, s.config.Prefetch)
	if err != nil {
		log.Errorf("Failed to initialize RabbitMQ subscriber: %v", err)
	} else {
		s.subscriber = subscriber
		s.subscriber.Start(map[string]rabbitmq.CallbackFunc{
			s.config.SubmittedRoutingKey: s.handleSubmitted,
		})
	}

	if s.config.RetrainInterval > 0 {
		s.wg.Add(1)
		go s.retrainLoop(s.config.RetrainInterval)
	}
	return nil
}

// Stop stops consuming, waits for the retrain loop and closes RabbitMQ.
func (s *Service) Stop() {
	log.Info("Stopping pricing service...")
	s.cancel()

	if s.subscriber != nil {
		if err := s.subscriber.Close(); err != nil {
			log.Errorf("Failed to close RabbitMQ subscriber: %v", err)
		}
	}
	s.wg.Wait()
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			log.Errorf("Failed to close RabbitMQ publisher: %v", err)
		}
	}
}

func (s *Service) trainBestEffort() {
	state, err := s.engine.TrainFromHistory(s.ctx)
	var insufficient *model.InsufficientDataError
	switch {
	case errors.As(err, &insufficient):
		log.Infof("Not enough completed requests to train yet (%d of %d), using heuristic pricing", insufficient.Got, insufficient.Required)
	case err != nil:
		log.Errorf("Failed to train pricing model: %v", err)
	default:
		log.Infof("Pricing model %s ready", state.Version)
	}
}

// loadRiskZones replaces the provider's risk index. Invalid zones leave the
// previous index in place.
func (s *Service) loadRiskZones() {
	zones, err := s.db.RiskZones(s.ctx)
	if err != nil {
		log.Errorf("Failed to load risk zones: %v", err)
		return
	}
	idx, err := signals.NewRiskIndex(zones, s.config.DefaultLocationRisk)
	if err != nil {
		log.Errorf("Failed to index risk zones: %v", err)
		return
	}
	s.provider.SetRiskIndex(idx)
	log.Infof("Loaded %d risk zones", idx.Len())
}

func (s *Service) retrainLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.loadRiskZones()
			s.trainBestEffort()
		}
	}
}

// handleSubmitted prices one submitted request and publishes the result.
// Malformed or invalid requests are dropped; anything else is retried.
func (s *Service) handleSubmitted(msg *rabbitmq.Message) error {
	var req models.PricingRequest
	if err := msg.UnmarshalTo(&req); err != nil {
		return rabbitmq.Permanent(err)
	}

	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()

	priced, err := s.engine.PriceRequest(ctx, req)
	var invalid *waste.ValidationError
	switch {
	case errors.As(err, &invalid), errors.Is(err, ErrNoAnalyzer):
		return rabbitmq.Permanent(err)
	case err != nil:
		return err
	}

	if s.publisher == nil {
		log.Warnf("RabbitMQ publisher not available, skipping publish for request %s", req.RequestID)
		return nil
	}
	return s.publisher.Publish(priced)
}
