package generation

import (
	"log/slog"

	"github.com/xiaochefight/tuwenv2/internal/accounting"
	"github.com/xiaochefight/tuwenv2/internal/auth"
	"github.com/xiaochefight/tuwenv2/internal/config"
	"github.com/xiaochefight/tuwenv2/internal/metrics"

	"github.com/gin-gonic/gin"
)

// SetupRoutes mounts the generation API. Middlewares run before key verification.
func SetupRoutes(router *gin.Engine, verifier auth.KeyVerifier, generator Generator, recorder accounting.Recorder,
	cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, middlewares ...gin.HandlerFunc) {
	handler := NewHandler(generator, recorder, logger, m)
	policy := auth.RejectionPolicy{
		SupportContact: cfg.Generation.SupportContact,
		ExposeReason:   cfg.Generation.ExposeRejectionReason,
	}

	apiGroup := router.Group("/api")
	apiGroup.Use(middlewares...)
	apiGroup.Use(auth.KeyAuthMiddleware(verifier, policy, logger))
	{
		apiGroup.POST("/generate", handler.GenerateHandler)
	}
}
