package generation

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/xiaochefight/tuwenv2/internal/accounting"
	"github.com/xiaochefight/tuwenv2/internal/auth"
	"github.com/xiaochefight/tuwenv2/internal/metrics"
	"github.com/xiaochefight/tuwenv2/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker/v2"
)

type GenerateRequest struct {
	Text string `json:"text" binding:"required"`
}

type GenerateResponse struct {
	Card *Card `json:"card"`
	// Remaining is the number of uses left after this one, or -1 for unlimited keys.
	Remaining int `json:"remaining"`
}

type Handler struct {
	generator Generator
	recorder  accounting.Recorder
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func NewHandler(generator Generator, recorder accounting.Recorder, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		generator: generator,
		recorder:  recorder,
		logger:    logger.With("component", "generation"),
		metrics:   m,
	}
}

// GenerateHandler runs one generation for the key admitted by auth.KeyAuthMiddleware
// and records exactly one outcome for it.
func (h *Handler) GenerateHandler(c *gin.Context) {
	key, ok := auth.AccessKeyFromContext(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "access key missing from request context"})
		return
	}

	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	start := time.Now()
	card, err := h.generator.Generate(c.Request.Context(), text)
	if err != nil {
		h.metrics.RecordGeneration("error", time.Since(start))
		h.logger.Warn("Generation failed", "key_id", key.ID, "error", err)
		h.recorder.Record(accounting.Outcome{
			KeyID:       key.ID,
			Origin:      c.ClientIP(),
			RequestText: text,
			Success:     false,
			ErrorMsg:    err.Error(),
		})

		status := http.StatusBadGateway
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": "generation failed, your quota was not used, please try again later"})
		return
	}

	h.metrics.RecordGeneration("success", time.Since(start))
	h.recorder.Record(accounting.Outcome{
		KeyID:       key.ID,
		Origin:      c.ClientIP(),
		RequestText: text,
		Success:     true,
	})

	c.JSON(http.StatusOK, GenerateResponse{Card: card, Remaining: remainingAfterUse(key)})
}

func remainingAfterUse(key *model.AccessKey) int {
	if key.Unlimited() {
		return model.UnlimitedUses
	}
	if left := key.Remaining() - 1; left > 0 {
		return left
	}
	return 0
}
