package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// RecommendationsTotal counts recommendations by the path that produced them.
	RecommendationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanapp",
		Subsystem: "pricing",
		Name:      "recommendations_total",
		Help:      "Total number of pricing recommendations, labeled by source (model, heuristic, empty).",
	}, []string{"source"})

	// TrainingRunsTotal counts training runs by outcome.
	TrainingRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanapp",
		Subsystem: "pricing",
		Name:      "training_runs_total",
		Help:      "Total number of pricing model training runs, labeled by result.",
	}, []string{"result"})

	TrainingDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cleanapp",
		Subsystem: "pricing",
		Name:      "training_duration_seconds",
		Help:      "Wall time of pricing model training runs, including persistence.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})

	// ModelTrained is 1 while a fitted model snapshot is being served.
	ModelTrained = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cleanapp",
		Subsystem: "pricing",
		Name:      "model_trained",
		Help:      "Whether a trained pricing model is currently available.",
	})

	ModelRSquared = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cleanapp",
		Subsystem: "pricing",
		Name:      "model_r_squared",
		Help:      "R squared of the currently served pricing model on its training set.",
	})

	VisionImageFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cleanapp",
		Subsystem: "pricing",
		Name:      "vision_image_failures_total",
		Help:      "Total number of images whose vision analysis failed and were priced as empty.",
	})

	// RabbitMQConnected is 1 when the subscriber considers itself connected.
	RabbitMQConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cleanapp",
		Subsystem: "pricing",
		Name:      "rabbitmq_connected",
		Help:      "Whether the pricing RabbitMQ subscriber is currently connected (best-effort).",
	})

	RabbitMQLastDeliverySeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cleanapp",
		Subsystem: "pricing",
		Name:      "rabbitmq_last_delivery_timestamp_seconds",
		Help:      "Unix timestamp (seconds) of the last RabbitMQ delivery observed by the subscriber (best-effort).",
	})

	WorkerInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cleanapp",
		Subsystem: "pricing",
		Name:      "rabbitmq_worker_in_flight",
		Help:      "Current number of RabbitMQ deliveries being processed by worker goroutines.",
	})

	ProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanapp",
		Subsystem: "pricing",
		Name:      "rabbitmq_processed_total",
		Help:      "Total number of RabbitMQ deliveries processed by the pricing subscriber, labeled by result.",
	}, []string{"result"})
)

// Register registers pricing metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			RecommendationsTotal,
			TrainingRunsTotal,
			TrainingDurationSeconds,
			ModelTrained,
			ModelRSquared,
			VisionImageFailures,
			RabbitMQConnected,
			RabbitMQLastDeliverySeconds,
			WorkerInFlight,
			ProcessedTotal,
		)
	})
}

func NowUnixSeconds() float64 {
	return float64(time.Now().Unix())
}
