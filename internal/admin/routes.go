package admin

import (
	"log/slog"

	"github.com/xiaochefight/tuwenv2/internal/auth"
	"github.com/xiaochefight/tuwenv2/internal/config"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(router *gin.Engine, registry Registry, cfg *config.Config, logger *slog.Logger) {
	handler := NewHandler(registry, logger)

	adminGroup := router.Group("/admin")
	adminGroup.Use(auth.AdminAuthMiddleware(cfg.Admin.Password))
	{
		keysGroup := adminGroup.Group("/keys")
		{
			keysGroup.GET("", handler.ListKeysHandler)
			keysGroup.POST("", handler.CreateKeyHandler)
			keysGroup.GET("/:id", handler.GetKeyHandler)
			keysGroup.PUT("/:id", handler.UpdateKeyHandler)
			keysGroup.DELETE("/:id", handler.DeleteKeyHandler)
			keysGroup.GET("/:id/usage", handler.ListUsageHandler)
		}
	}
}
