package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anyon/anyon/internal/common/logger"
)

// SetupRoutes configures the orchestrator API routes
func SetupRoutes(router *gin.RouterGroup, svc Service, log *logger.Logger) {
	handler := NewHandler(svc, log)

	approvals := router.Group("/approvals")
	{
		approvals.GET("/:approvalId", handler.GetApproval)
		approvals.POST("/:approvalId/respond", handler.RespondToApproval)
		approvals.POST("/:approvalId/resume", handler.ResumePlan)
	}

	router.POST("/attempts/:attemptId/execution-processes", handler.StartExecution)
	router.POST("/execution-processes/:processId/kill", handler.KillExecution)
}

// SetupOperationalRoutes mounts the health check and the metrics endpoint
// for gatherer on the engine root. Health turns 503 while eventBus is
// disconnected.
func SetupOperationalRoutes(engine *gin.Engine, gatherer prometheus.Gatherer, eventBus ConnectionChecker, log *logger.Logger) {
	handler := NewHandler(nil, log)
	engine.GET("/health", handler.Health(eventBus))
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}
