package api

import (
	"github.com/gin-gonic/gin"

	"github.com/anyon/anyon/internal/common/logger"
)

// SetupRoutes configures the task API routes
func SetupRoutes(router *gin.RouterGroup, reader Reader, seeder Seeder, log *logger.Logger) {
	handler := NewHandler(reader, seeder, log)

	tasks := router.Group("/tasks")
	{
		tasks.POST("", handler.CreateTask)
		tasks.GET("/:taskId", handler.GetTask)
		tasks.POST("/:taskId/attempts", handler.CreateTaskAttempt)
	}

	attempts := router.Group("/attempts")
	{
		attempts.GET("/:attemptId", handler.GetTaskAttempt)
		attempts.GET("/:attemptId/execution-processes", handler.ListExecutionProcesses)
	}

	router.GET("/execution-processes/:processId", handler.GetExecutionProcess)
}
