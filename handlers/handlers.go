package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"waste-pricing/features"
	"waste-pricing/model"
	"waste-pricing/models"
	"waste-pricing/service"
	"waste-pricing/waste"
)

// Handlers represents the HTTP handlers
type Handlers struct {
	engine              *service.Engine
	subscriberConnected func() bool
}

// NewHandlers creates new HTTP handlers. subscriberConnected may be nil.
func NewHandlers(engine *service.Engine, subscriberConnected func() bool) *Handlers {
	return &Handlers{engine: engine, subscriberConnected: subscriberConnected}
}

type AggregateRequest struct {
	ImageURLs []string `json:"image_urls" binding:"required"`
}

// RecommendRequest prices either a ready analysis or a set of images. The
// request context is looked up from the location unless it is given.
type RecommendRequest struct {
	Analysis  *waste.AggregatedWasteAnalysis `json:"analysis"`
	ImageURLs []string                       `json:"image_urls"`
	Urgency   string                         `json:"urgency"`
	Latitude  float64                        `json:"latitude"`
	Longitude float64                        `json:"longitude"`
	Context   *features.RequestContext       `json:"context"`
}

type TrainRequest struct {
	Records []features.TrainingRecord `json:"records"`
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"service":       "waste-pricing",
		"model_trained": h.engine.IsModelTrained(),
	})
}

func (h *Handlers) ModelStatus(c *gin.Context) {
	status := h.engine.Status(c.Request.Context())
	if h.subscriberConnected != nil {
		connected := h.subscriberConnected()
		status.SubscriberConnected = &connected
	}
	c.JSON(http.StatusOK, status)
}

// TrainModel trains on the posted records, or on the stored history when the
// body is empty.
func (h *Handlers) TrainModel(c *gin.Context) {
	var req TrainRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	var state *model.ModelState
	var err error
	if len(req.Records) > 0 {
		if err = h.engine.TrainModel(c.Request.Context(), req.Records); err == nil {
			state = h.engine.Snapshot()
		}
	} else {
		state, err = h.engine.TrainFromHistory(c.Request.Context())
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.TrainResponse{
		Version:     state.Version,
		SampleCount: state.SampleCount,
		RSquared:    state.RSquared,
		RMSE:        state.RMSE,
		TrainedAt:   state.TrainedAt,
	})
}

func (h *Handlers) Aggregate(c *gin.Context) {
	var req AggregateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	agg, err := h.engine.Aggregate(c.Request.Context(), req.ImageURLs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agg)
}

func (h *Handlers) Recommend(c *gin.Context) {
	var req RecommendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	ctx := c.Request.Context()

	var agg waste.AggregatedWasteAnalysis
	switch {
	case req.Analysis != nil:
		agg = *req.Analysis
	case len(req.ImageURLs) > 0:
		var err error
		if agg, err = h.engine.Aggregate(ctx, req.ImageURLs); err != nil {
			writeError(c, err)
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Either analysis or image_urls is required"})
		return
	}

	var rc features.RequestContext
	if req.Context != nil {
		rc = *req.Context
	} else {
		urgency, err := features.ParseUrgency(req.Urgency)
		if err != nil {
			writeError(c, err)
			return
		}
		rc = h.engine.RequestContext(ctx, req.Latitude, req.Longitude, urgency)
	}

	rec, err := h.engine.RecommendPricing(agg, rc)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"analysis":       agg,
		"context":        rc,
		"recommendation": rec,
	})
}

// writeError maps pricing errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	var invalid *waste.ValidationError
	var insufficient *model.InsufficientDataError
	var persistence *model.PersistenceError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &invalid):
		status = http.StatusBadRequest
	case errors.As(err, &insufficient):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrTrainingInProgress):
		status = http.StatusConflict
	case errors.As(err, &persistence),
		errors.Is(err, service.ErrNoAnalyzer),
		errors.Is(err, service.ErrNoHistory):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Errorf("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
