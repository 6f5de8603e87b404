package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/xiaochefight/tuwenv2/internal/keymanager"
	"github.com/xiaochefight/tuwenv2/internal/model"

	"github.com/gin-gonic/gin"
)

// Registry is the key lifecycle API the admin handlers expose.
type Registry interface {
	CreateKey(ctx context.Context, params keymanager.CreateKeyParams) (*model.AccessKey, error)
	GetKey(ctx context.Context, id uint) (*model.AccessKey, error)
	UpdateKey(ctx context.Context, id uint, maxUses int, expiresAt *time.Time) (*model.AccessKey, error)
	DeleteKey(ctx context.Context, id uint) error
	ListKeys(ctx context.Context) ([]model.AccessKey, error)
	ListUsage(ctx context.Context, keyID uint) ([]model.UsageLog, error)
}

type CreateKeyRequest struct {
	Name      string `json:"name" binding:"required"`
	MaxUses   *int   `json:"max_uses"`
	DaysValid *int   `json:"days_valid"`
}

type UpdateKeyRequest struct {
	MaxUses   *int       `json:"max_uses" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type Handler struct {
	registry Registry
	logger   *slog.Logger
}

func NewHandler(registry Registry, logger *slog.Logger) *Handler {
	return &Handler{registry: registry, logger: logger.With("component", "admin")}
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid key ID"})
		return 0, false
	}
	return uint(id), true
}

func (h *Handler) ListKeysHandler(c *gin.Context) {
	keys, err := h.registry.ListKeys(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list keys", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list keys"})
		return
	}
	c.JSON(http.StatusOK, keys)
}

func (h *Handler) CreateKeyHandler(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	key, err := h.registry.CreateKey(c.Request.Context(), keymanager.CreateKeyParams{
		Name:      req.Name,
		MaxUses:   req.MaxUses,
		DaysValid: req.DaysValid,
	})
	if err != nil {
		var dupErr *keymanager.DuplicateNameError
		switch {
		case errors.As(err, &dupErr):
			c.JSON(http.StatusConflict, gin.H{"error": dupErr.Error(), "name": dupErr.Name})
		case errors.Is(err, keymanager.ErrNameRequired):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("Failed to create key", "name", req.Name, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create key"})
		}
		return
	}
	c.JSON(http.StatusCreated, key)
}

func (h *Handler) GetKeyHandler(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	key, err := h.registry.GetKey(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, keymanager.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Key not found"})
			return
		}
		h.logger.Error("Failed to get key", "key_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get key"})
		return
	}
	c.JSON(http.StatusOK, key)
}

func (h *Handler) UpdateKeyHandler(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req UpdateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	key, err := h.registry.UpdateKey(c.Request.Context(), id, *req.MaxUses, req.ExpiresAt)
	if err != nil {
		if errors.Is(err, keymanager.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Key not found"})
			return
		}
		h.logger.Error("Failed to update key", "key_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update key"})
		return
	}
	c.JSON(http.StatusOK, key)
}

func (h *Handler) DeleteKeyHandler(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.registry.DeleteKey(c.Request.Context(), id); err != nil {
		h.logger.Error("Failed to delete key", "key_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete key"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListUsageHandler(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	logs, err := h.registry.ListUsage(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to list usage", "key_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list usage"})
		return
	}
	c.JSON(http.StatusOK, logs)
}
