package keymanager

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xiaochefight/tuwenv2/internal/config"
	"github.com/xiaochefight/tuwenv2/internal/db"
	"github.com/xiaochefight/tuwenv2/internal/logger"
	"github.com/xiaochefight/tuwenv2/internal/metrics"
	"github.com/xiaochefight/tuwenv2/internal/model"

	"gorm.io/gorm"
)

const (
	codePrefix   = "tw_"
	codeBytes    = 24
	codeAttempts = 3
)

// CreateKeyParams describes a new access key. Nil fields fall back to the configured defaults.
type CreateKeyParams struct {
	Name      string
	MaxUses   *int
	DaysValid *int
}

// Registry manages the lifecycle of access keys.
type Registry struct {
	db               db.Service
	logger           *slog.Logger
	metrics          *metrics.Metrics
	defaultMaxUses   int
	defaultDaysValid int
	usageLogLimit    int
	now              func() time.Time
	newCode          func() (string, error)
}

// NewRegistry creates a Registry backed by dbService.
func NewRegistry(dbService db.Service, cfg config.KeysConfig, logger *slog.Logger, m *metrics.Metrics) *Registry {
	r := &Registry{
		db:               dbService,
		logger:           logger.With("component", "registry"),
		metrics:          m,
		defaultMaxUses:   cfg.DefaultMaxUses,
		defaultDaysValid: cfg.DefaultDaysValid,
		usageLogLimit:    cfg.UsageLogLimit,
		now:              time.Now,
		newCode:          generateCode,
	}
	if r.defaultMaxUses <= 0 && r.defaultMaxUses != model.UnlimitedUses {
		r.defaultMaxUses = 100
	}
	if r.usageLogLimit <= 0 {
		r.usageLogLimit = 50
	}
	return r
}

// generateCode returns an unpredictable key code built from crypto/rand.
func generateCode() (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key code: %w", err)
	}
	return codePrefix + hex.EncodeToString(buf), nil
}

// CreateKey issues a new access key with a unique name.
func (r *Registry) CreateKey(ctx context.Context, params CreateKeyParams) (*model.AccessKey, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, ErrNameRequired
	}

	existing, err := r.db.FindAccessKeyByName(ctx, name)
	if err != nil {
		return nil, storeError("create key", err)
	}
	if existing != nil {
		return nil, &DuplicateNameError{Name: name}
	}

	maxUses := r.defaultMaxUses
	if params.MaxUses != nil && (*params.MaxUses > 0 || *params.MaxUses == model.UnlimitedUses) {
		maxUses = *params.MaxUses
	}
	daysValid := r.defaultDaysValid
	if params.DaysValid != nil {
		daysValid = *params.DaysValid
	}

	now := r.now()
	var expiresAt *time.Time
	if daysValid > 0 {
		t := now.AddDate(0, 0, daysValid)
		expiresAt = &t
	}

	for attempt := 1; ; attempt++ {
		code, err := r.newCode()
		if err != nil {
			return nil, err
		}
		key := &model.AccessKey{
			Code:      code,
			Name:      name,
			MaxUses:   maxUses,
			UsedCount: 0,
			ExpiresAt: expiresAt,
			IsActive:  true,
			CreatedAt: now,
		}

		err = r.db.CreateAccessKey(ctx, key)
		if err == nil {
			r.metrics.RecordKeyCreated()
			r.logger.Info("Access key created", "key_id", key.ID, "name", name, "max_uses", maxUses, "key_suffix", logger.KeySuffix(code))
			return key, nil
		}

		// The unique index on name catches a concurrent create that passed the check above.
		if existing, findErr := r.db.FindAccessKeyByName(ctx, name); findErr == nil && existing != nil {
			return nil, &DuplicateNameError{Name: name}
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) || attempt >= codeAttempts {
			return nil, storeError("create key", err)
		}
		r.logger.Warn("Generated key code collided, retrying", "attempt", attempt)
	}
}

// GetKey returns a single key by id.
func (r *Registry) GetKey(ctx context.Context, id uint) (*model.AccessKey, error) {
	key, err := r.db.GetAccessKey(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, storeError("get key", err)
	}
	return key, nil
}

// UpdateKey overwrites the quota and expiry of a key. Name and code never change.
func (r *Registry) UpdateKey(ctx context.Context, id uint, maxUses int, expiresAt *time.Time) (*model.AccessKey, error) {
	key, err := r.db.UpdateAccessKeyLimits(ctx, id, maxUses, expiresAt)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, storeError("update key", err)
	}
	r.logger.Info("Access key updated", "key_id", id, "max_uses", maxUses, "expires_at", expiresAt)
	return key, nil
}

// DeleteKey removes a key and its usage history. Deleting a missing key succeeds.
func (r *Registry) DeleteKey(ctx context.Context, id uint) error {
	if err := r.db.DeleteAccessKey(ctx, id); err != nil {
		return storeError("delete key", err)
	}
	r.logger.Info("Access key deleted", "key_id", id)
	return nil
}

// ListKeys returns every key, newest first.
func (r *Registry) ListKeys(ctx context.Context) ([]model.AccessKey, error) {
	keys, err := r.db.ListAccessKeys(ctx)
	if err != nil {
		return nil, storeError("list keys", err)
	}
	return keys, nil
}

// ListUsage returns the most recent usage logs of a key, newest first.
func (r *Registry) ListUsage(ctx context.Context, keyID uint) ([]model.UsageLog, error) {
	logs, err := r.db.ListUsageLogs(ctx, keyID, r.usageLogLimit)
	if err != nil {
		return nil, storeError("list usage", err)
	}
	return logs, nil
}
