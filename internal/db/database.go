package db

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaochefight/tuwenv2/internal/config"
	"github.com/xiaochefight/tuwenv2/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Service defines the persistence operations for access keys and their usage logs.
type Service interface {
	CreateAccessKey(ctx context.Context, key *model.AccessKey) error
	GetAccessKey(ctx context.Context, id uint) (*model.AccessKey, error)
	FindAccessKeyByName(ctx context.Context, name string) (*model.AccessKey, error)
	FindActiveAccessKeyByCode(ctx context.Context, code string) (*model.AccessKey, error)
	ListAccessKeys(ctx context.Context) ([]model.AccessKey, error)
	UpdateAccessKeyLimits(ctx context.Context, id uint, maxUses int, expiresAt *time.Time) (*model.AccessKey, error)
	DeleteAccessKey(ctx context.Context, id uint) error
	IncrementAccessKeyUsage(ctx context.Context, id uint) error

	CreateUsageLog(ctx context.Context, entry *model.UsageLog) error
	ListUsageLogs(ctx context.Context, keyID uint, limit int) ([]model.UsageLog, error)
	PruneUsageLogs(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	GetDB() *gorm.DB
}

type gormService struct {
	db *gorm.DB
}

// NewService opens the configured database, migrates the schema and returns a Service.
func NewService(cfg config.DatabaseConfig) (Service, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Type == "sqlite" {
		// sqlite allows a single writer; an in-memory database also lives on one connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		// Off by default in sqlite. Usage logs must not outlive their key.
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, fmt.Errorf("failed to enable sqlite foreign keys: %w", err)
		}
	}

	if err := db.AutoMigrate(&model.AccessKey{}, &model.UsageLog{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	return &gormService{db: db}, nil
}

func (s *gormService) GetDB() *gorm.DB {
	return s.db
}

func (s *gormService) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *gormService) CreateAccessKey(ctx context.Context, key *model.AccessKey) error {
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("failed to create access key: %w", err)
	}
	return nil
}

// GetAccessKey returns gorm.ErrRecordNotFound (wrapped) when the key does not exist.
func (s *gormService) GetAccessKey(ctx context.Context, id uint) (*model.AccessKey, error) {
	var key model.AccessKey
	if err := s.db.WithContext(ctx).First(&key, id).Error; err != nil {
		return nil, fmt.Errorf("failed to get access key %d: %w", id, err)
	}
	return &key, nil
}

// FindAccessKeyByName looks up a key by name regardless of its active flag.
// It returns nil, nil when no key has that name.
func (s *gormService) FindAccessKeyByName(ctx context.Context, name string) (*model.AccessKey, error) {
	var keys []model.AccessKey
	if err := s.db.WithContext(ctx).Where("name = ?", name).Limit(1).Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("failed to find access key by name: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return &keys[0], nil
}

// FindActiveAccessKeyByCode returns nil, nil when no active key carries the code.
func (s *gormService) FindActiveAccessKeyByCode(ctx context.Context, code string) (*model.AccessKey, error) {
	var keys []model.AccessKey
	err := s.db.WithContext(ctx).
		Where("key_code = ? AND is_active = ?", code, true).
		Limit(1).
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find access key by code: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return &keys[0], nil
}

func (s *gormService) ListAccessKeys(ctx context.Context) ([]model.AccessKey, error) {
	keys := []model.AccessKey{}
	if err := s.db.WithContext(ctx).Order("created_at desc").Order("id desc").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("failed to list access keys: %w", err)
	}
	return keys, nil
}

// UpdateAccessKeyLimits overwrites max_uses and expires_at. A nil expiresAt clears the expiry.
func (s *gormService) UpdateAccessKeyLimits(ctx context.Context, id uint, maxUses int, expiresAt *time.Time) (*model.AccessKey, error) {
	var updated model.AccessKey
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current model.AccessKey
		if err := tx.First(&current, id).Error; err != nil {
			return err
		}
		updates := map[string]interface{}{
			"max_uses":   maxUses,
			"expires_at": expiresAt,
		}
		if err := tx.Model(&model.AccessKey{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		// Reload into a fresh value: gorm does not reset pointer fields that come back NULL.
		return tx.First(&updated, id).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update access key %d: %w", id, err)
	}
	return &updated, nil
}

// DeleteAccessKey removes a key together with its usage logs. Deleting a missing key is not an error.
func (s *gormService) DeleteAccessKey(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("key_id = ?", id).Delete(&model.UsageLog{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.AccessKey{}, id).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete access key %d: %w", id, err)
	}
	return nil
}

// IncrementAccessKeyUsage atomically increments used_count for the given key.
func (s *gormService) IncrementAccessKeyUsage(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Model(&model.AccessKey{}).
		Where("id = ?", id).
		UpdateColumn("used_count", gorm.Expr("used_count + 1"))
	if result.Error != nil {
		return fmt.Errorf("failed to increment usage count for access key %d: %w", id, result.Error)
	}
	// RowsAffected may be 0 if the key was deleted in the meantime.
	return nil
}

func (s *gormService) CreateUsageLog(ctx context.Context, entry *model.UsageLog) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to create usage log: %w", err)
	}
	return nil
}

// ListUsageLogs returns the newest logs of a key first, at most limit entries.
func (s *gormService) ListUsageLogs(ctx context.Context, keyID uint, limit int) ([]model.UsageLog, error) {
	logs := []model.UsageLog{}
	err := s.db.WithContext(ctx).
		Where("key_id = ?", keyID).
		Order("created_at desc").
		Order("id desc").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list usage logs for access key %d: %w", keyID, err)
	}
	return logs, nil
}

// PruneUsageLogs deletes usage logs created before the cutoff and returns how many were removed.
func (s *gormService) PruneUsageLogs(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&model.UsageLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune usage logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
