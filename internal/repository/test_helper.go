package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/card-game/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestDB 创建测试数据库
func TestDB(t *testing.T) *gorm.DB {
	// 使用内存数据库进行测试（更快，不需要文件系统）
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// 自动迁移所有模型
	err = db.AutoMigrate(
		&models.GameSession{},
	)
	require.NoError(t, err)

	return db
}

// CreateTestSession 创建测试游戏会话
func CreateTestSession(sessionID, status, workerID string) *models.GameSession {
	return &models.GameSession{
		SessionID:     sessionID,
		Status:        status,
		OwnerWorkerID: workerID,
		StateData:     `{"turn":1,"current_player":1}`,
	}
}

// AssertSession 验证游戏会话
func AssertSession(t *testing.T, expected, actual *models.GameSession) {
	assert.Equal(t, expected.SessionID, actual.SessionID)
	assert.Equal(t, expected.Status, actual.Status)
	assert.Equal(t, expected.OwnerWorkerID, actual.OwnerWorkerID)
	assert.Equal(t, expected.StateData, actual.StateData)
}

// Backdate 将会话的时间字段回拨（模拟陈旧会话）
func Backdate(t *testing.T, db *gorm.DB, sessionID string, createdAgo, updatedAgo time.Duration) {
	now := time.Now()
	err := db.Model(&models.GameSession{}).
		Where("session_id = ?", sessionID).
		UpdateColumns(map[string]interface{}{
			"created_at": now.Add(-createdAgo),
			"updated_at": now.Add(-updatedAgo),
		}).Error
	require.NoError(t, err)
}
