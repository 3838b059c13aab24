package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter registers every pricing route on a new gin engine.
func SetupRouter(h *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/model/status", h.ModelStatus)
		api.POST("/model/train", h.TrainModel)
		api.POST("/pricing/aggregate", h.Aggregate)
		api.POST("/pricing/recommend", h.Recommend)
	}

	return router
}
