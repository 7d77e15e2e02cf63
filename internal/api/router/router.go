package router

import (
	"net/http"

	"github.com/cuongbtq/leakwatch/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "leakwatch-api-service",
		})
	})

	scanHandler := handler.NewScanHandler(deps)

	v1 := r.Group("/api/v1")
	{
		scan := v1.Group("/scan")
		{
			scan.POST("/immediate", scanHandler.ScheduleImmediateScan)
			scan.POST("/comprehensive", scanHandler.ScheduleComprehensiveScan)
			scan.POST("/schedule-daily", scanHandler.ScheduleDailyScan)

			scan.GET("/:job_id/status", scanHandler.GetScanStatus)
			scan.GET("/:job_id/results", scanHandler.GetScanResults)
			scan.DELETE("/:job_id", scanHandler.CancelScan)
			scan.POST("/:job_id/rematch", scanHandler.RequestRematch)
		}

		v1.POST("/profiles/:profile_id/schedule", scanHandler.EnrollProfile)
		v1.GET("/orchestrator/stats", scanHandler.Stats)
	}

	return r
}
