package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xiaochefight/tuwenv2/internal/config"
	"github.com/xiaochefight/tuwenv2/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// setupTestDB creates a new in-memory SQLite database and returns a Service and the raw *gorm.DB.
func setupTestDB(t *testing.T) (Service, *gorm.DB) {
	service, err := NewService(config.DatabaseConfig{
		Type: "sqlite",
		DSN:  "file::memory:",
	})
	if err != nil {
		t.Fatalf("Failed to create test db service: %v", err)
	}
	return service, service.GetDB()
}

func createKey(t *testing.T, service Service, name, code string) *model.AccessKey {
	t.Helper()
	key := &model.AccessKey{Name: name, Code: code, MaxUses: 10, IsActive: true}
	require.NoError(t, service.CreateAccessKey(context.Background(), key))
	return key
}

func TestNewService(t *testing.T) {
	service, err := NewService(config.DatabaseConfig{Type: "sqlite", DSN: "file::memory:"})
	assert.NoError(t, err)
	assert.NotNil(t, service)
	assert.NoError(t, service.Ping(context.Background()))

	_, err = NewService(config.DatabaseConfig{Type: "unsupported"})
	assert.Error(t, err)
}

func TestCreateAccessKey_UniqueConstraints(t *testing.T) {
	service, _ := setupTestDB(t)
	ctx := context.Background()
	createKey(t, service, "promo", "tw_1")

	err := service.CreateAccessKey(ctx, &model.AccessKey{Name: "promo", Code: "tw_2", MaxUses: 1, IsActive: true})
	assert.True(t, errors.Is(err, gorm.ErrDuplicatedKey), "expected duplicated key, got %v", err)

	err = service.CreateAccessKey(ctx, &model.AccessKey{Name: "other", Code: "tw_1", MaxUses: 1, IsActive: true})
	assert.True(t, errors.Is(err, gorm.ErrDuplicatedKey), "expected duplicated key, got %v", err)
}

func TestGetAccessKey_NotFound(t *testing.T) {
	service, _ := setupTestDB(t)
	_, err := service.GetAccessKey(context.Background(), 42)
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestFindAccessKeyByName(t *testing.T) {
	service, db := setupTestDB(t)
	ctx := context.Background()
	key := createKey(t, service, "promo", "tw_1")
	db.Model(key).Update("is_active", false)

	found, err := service.FindAccessKeyByName(ctx, "promo")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, key.ID, found.ID)

	missing, err := service.FindAccessKeyByName(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFindActiveAccessKeyByCode(t *testing.T) {
	service, db := setupTestDB(t)
	ctx := context.Background()
	active := createKey(t, service, "active", "tw_active")
	inactive := createKey(t, service, "inactive", "tw_inactive")
	db.Model(inactive).Update("is_active", false)

	found, err := service.FindActiveAccessKeyByCode(ctx, "tw_active")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, active.ID, found.ID)

	found, err = service.FindActiveAccessKeyByCode(ctx, "tw_inactive")
	assert.NoError(t, err)
	assert.Nil(t, found)
}

func TestListAccessKeys_NewestFirst(t *testing.T) {
	service, db := setupTestDB(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	db.Create(&model.AccessKey{Name: "old", Code: "tw_old", MaxUses: 1, IsActive: true, CreatedAt: base})
	db.Create(&model.AccessKey{Name: "new", Code: "tw_new", MaxUses: 1, IsActive: true, CreatedAt: base.Add(time.Minute)})

	keys, err := service.ListAccessKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "new", keys[0].Name)
	assert.Equal(t, "old", keys[1].Name)
}

func TestUpdateAccessKeyLimits(t *testing.T) {
	service, _ := setupTestDB(t)
	ctx := context.Background()
	key := createKey(t, service, "promo", "tw_1")
	require.NoError(t, service.IncrementAccessKeyUsage(ctx, key.ID))

	expires := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	updated, err := service.UpdateAccessKeyLimits(ctx, key.ID, 5, &expires)
	require.NoError(t, err)
	assert.Equal(t, 5, updated.MaxUses)
	assert.Equal(t, 1, updated.UsedCount)
	assert.Equal(t, "promo", updated.Name)
	assert.Equal(t, "tw_1", updated.Code)
	require.NotNil(t, updated.ExpiresAt)
	assert.True(t, expires.Equal(*updated.ExpiresAt))

	cleared, err := service.UpdateAccessKeyLimits(ctx, key.ID, -1, nil)
	require.NoError(t, err)
	assert.Equal(t, -1, cleared.MaxUses)
	assert.Nil(t, cleared.ExpiresAt)

	stored, err := service.GetAccessKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ExpiresAt)
	assert.Equal(t, cleared.MaxUses, stored.MaxUses)

	_, err = service.UpdateAccessKeyLimits(ctx, 999, 5, nil)
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestDeleteAccessKey_RemovesLogs(t *testing.T) {
	service, db := setupTestDB(t)
	ctx := context.Background()
	key := createKey(t, service, "promo", "tw_1")
	other := createKey(t, service, "other", "tw_2")
	require.NoError(t, service.CreateUsageLog(ctx, &model.UsageLog{KeyID: key.ID, RequestText: "a", Success: true}))
	require.NoError(t, service.CreateUsageLog(ctx, &model.UsageLog{KeyID: other.ID, RequestText: "b", Success: true}))

	require.NoError(t, service.DeleteAccessKey(ctx, key.ID))

	var count int64
	db.Model(&model.UsageLog{}).Where("key_id = ?", key.ID).Count(&count)
	assert.Equal(t, int64(0), count)
	db.Model(&model.UsageLog{}).Where("key_id = ?", other.ID).Count(&count)
	assert.Equal(t, int64(1), count)

	_, err := service.GetAccessKey(ctx, key.ID)
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	// Deleting again is a no-op.
	assert.NoError(t, service.DeleteAccessKey(ctx, key.ID))
}

func TestCreateUsageLog_RequiresExistingKey(t *testing.T) {
	service, db := setupTestDB(t)
	ctx := context.Background()
	key := createKey(t, service, "promo", "tw_1")
	require.NoError(t, service.DeleteAccessKey(ctx, key.ID))

	err := service.CreateUsageLog(ctx, &model.UsageLog{KeyID: key.ID, RequestText: "late", Success: false, ErrorMsg: "x"})
	assert.Error(t, err)

	var count int64
	db.Model(&model.UsageLog{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestIncrementAccessKeyUsage(t *testing.T) {
	service, _ := setupTestDB(t)
	ctx := context.Background()
	key := createKey(t, service, "promo", "tw_1")

	for i := 0; i < 3; i++ {
		require.NoError(t, service.IncrementAccessKeyUsage(ctx, key.ID))
	}
	got, err := service.GetAccessKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.UsedCount)

	// A deleted key is silently ignored.
	assert.NoError(t, service.IncrementAccessKeyUsage(ctx, 999))
}

func TestListUsageLogs_NewestFirstAndCapped(t *testing.T) {
	service, db := setupTestDB(t)
	ctx := context.Background()
	key := createKey(t, service, "promo", "tw_1")
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		db.Create(&model.UsageLog{KeyID: key.ID, RequestText: string(rune('a' + i)), Success: true, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}

	logs, err := service.ListUsageLogs(ctx, key.ID, 3)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "e", logs[0].RequestText)
	assert.Equal(t, "d", logs[1].RequestText)
	assert.Equal(t, "c", logs[2].RequestText)

	empty, err := service.ListUsageLogs(ctx, 999, 3)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPruneUsageLogs(t *testing.T) {
	service, db := setupTestDB(t)
	ctx := context.Background()
	key := createKey(t, service, "promo", "tw_1")
	now := time.Now()
	db.Create(&model.UsageLog{KeyID: key.ID, RequestText: "old", Success: true, CreatedAt: now.Add(-100 * 24 * time.Hour)})
	db.Create(&model.UsageLog{KeyID: key.ID, RequestText: "new", Success: true, CreatedAt: now})

	removed, err := service.PruneUsageLogs(ctx, now.Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	logs, err := service.ListUsageLogs(ctx, key.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "new", logs[0].RequestText)
}
