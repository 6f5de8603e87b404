package keymanager

import (
	"context"
	"log/slog"
	"time"

	"github.com/xiaochefight/tuwenv2/internal/db"
	"github.com/xiaochefight/tuwenv2/internal/logger"
	"github.com/xiaochefight/tuwenv2/internal/metrics"
	"github.com/xiaochefight/tuwenv2/internal/model"
)

// Verifier gates a single generation attempt on the state of an access key.
type Verifier struct {
	db      db.Service
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewVerifier creates a Verifier backed by dbService.
func NewVerifier(dbService db.Service, logger *slog.Logger, m *metrics.Metrics) *Verifier {
	return &Verifier{
		db:      dbService,
		logger:  logger.With("component", "verifier"),
		metrics: m,
		now:     time.Now,
	}
}

// Verify admits the key carrying code, or returns ErrInvalidKey, ErrKeyExpired or ErrQuotaExhausted.
// Checks run in that order. Verify never mutates the key.
func (v *Verifier) Verify(ctx context.Context, code string) (*model.AccessKey, error) {
	if code == "" {
		v.metrics.RecordVerification("invalid")
		return nil, ErrInvalidKey
	}

	key, err := v.db.FindActiveAccessKeyByCode(ctx, code)
	if err != nil {
		v.metrics.RecordVerification("error")
		v.logger.Error("Failed to look up access key", "key_suffix", logger.KeySuffix(code), "error", err)
		return nil, storeError("verify key", err)
	}
	if key == nil {
		v.metrics.RecordVerification("invalid")
		v.logger.Info("Rejected unknown access key", "key_suffix", logger.KeySuffix(code))
		return nil, ErrInvalidKey
	}

	if key.ExpiresAt != nil && !v.now().Before(*key.ExpiresAt) {
		v.metrics.RecordVerification("expired")
		v.logger.Info("Rejected expired access key", "key_id", key.ID, "expires_at", key.ExpiresAt)
		return nil, ErrKeyExpired
	}

	if !key.Unlimited() && key.UsedCount >= key.MaxUses {
		v.metrics.RecordVerification("exhausted")
		v.logger.Info("Rejected exhausted access key", "key_id", key.ID, "used", key.UsedCount, "max", key.MaxUses)
		return nil, ErrQuotaExhausted
	}

	v.metrics.RecordVerification("admitted")
	v.logger.Debug("Access key admitted", "key_id", key.ID, "remaining", key.Remaining())
	return key, nil
}
