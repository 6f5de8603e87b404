package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/xiaochefight/tuwenv2/internal/keymanager"
	"github.com/xiaochefight/tuwenv2/internal/model"

	"github.com/gin-gonic/gin"
)

// AdminPasswordHeader carries the admin shared secret.
const AdminPasswordHeader = "X-Admin-Password"

const accessKeyContextKey = "tuwen.access_key"

// KeyVerifier admits or rejects an access key code.
type KeyVerifier interface {
	Verify(ctx context.Context, code string) (*model.AccessKey, error)
}

// RejectionPolicy controls what end users are told when their key is refused.
type RejectionPolicy struct {
	SupportContact string
	// ExposeReason reveals whether the key was unknown, expired or exhausted.
	ExposeReason bool
}

func (p RejectionPolicy) message(err error) string {
	msg := "access denied"
	if p.ExposeReason {
		msg = err.Error()
	}
	if p.SupportContact != "" {
		msg += ", please contact " + p.SupportContact
	}
	return msg
}

// KeyAuthMiddleware verifies the bearer access key and stores the admitted key in the context.
func KeyAuthMiddleware(verifier KeyVerifier, policy RejectionPolicy, logger *slog.Logger) gin.HandlerFunc {
	logger = logger.With("component", "auth")
	return func(c *gin.Context) {
		var token string
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				token = strings.TrimSpace(parts[1])
			}
		}

		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "access key is required"})
			return
		}

		key, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			if keymanager.IsRejection(err) {
				logger.Info("Access key rejected", "reason", err.Error(), "client_ip", c.ClientIP())
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": policy.message(err)})
				return
			}
			logger.Error("Access key verification failed", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "verification temporarily unavailable"})
			return
		}

		c.Set(accessKeyContextKey, key)
		c.Next()
	}
}

// AccessKeyFromContext returns the key admitted by KeyAuthMiddleware.
func AccessKeyFromContext(c *gin.Context) (*model.AccessKey, bool) {
	v, ok := c.Get(accessKeyContextKey)
	if !ok {
		return nil, false
	}
	key, ok := v.(*model.AccessKey)
	return key, ok && key != nil
}

// AdminAuthMiddleware requires the shared admin secret. An empty configured secret rejects every request.
func AdminAuthMiddleware(adminPassword string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader(AdminPasswordHeader)
		if adminPassword == "" || provided == "" ||
			subtle.ConstantTimeCompare([]byte(provided), []byte(adminPassword)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

