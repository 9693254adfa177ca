package controlapi

import (
	"github.com/gin-gonic/gin"
)

// NewRouter builds the control API's gin engine, grounded on the teacher's
// SetupRoutes route-group nesting (internal/orchestrator/api/router.go).
func NewRouter(s *Service) *gin.Engine {
	r := gin.New()
	r.Use(recovery(s.Log), requestLogger(s.Log), cors())

	workflows := r.Group("/workflows")
	{
		workflows.GET("", s.listWorkflows)
		workflows.GET("/:id", s.getWorkflow)
		workflows.GET("/:id/events", s.tailEvents)
		workflows.POST("/:id/pause", s.pauseWorkflow)
		workflows.POST("/:id/resume", s.resumeWorkflow)
	}

	return r
}
