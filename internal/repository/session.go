package repository

import (
	"context"
	"time"

	"github.com/wfunc/card-game/internal/models"
	"gorm.io/gorm"
)

// SessionRepository 游戏会话仓储接口
type SessionRepository interface {
	BaseRepository
	Create(ctx context.Context, session *models.GameSession) error
	Update(ctx context.Context, session *models.GameSession) error
	UpdateBySessionID(ctx context.Context, sessionID string, updates map[string]interface{}) error
	FindBySessionID(ctx context.Context, sessionID string) (*models.GameSession, error)
	FindActive(ctx context.Context) ([]*models.GameSession, error)
	FindByOwner(ctx context.Context, workerID string) ([]*models.GameSession, error)
	FindStaleWaiting(ctx context.Context, createdBefore, updatedBefore time.Time) ([]*models.GameSession, error)
	FindStalePlaying(ctx context.Context, updatedBefore time.Time) ([]*models.GameSession, error)
	FindRecent(ctx context.Context, p *Pagination) ([]*models.GameSession, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
	SaveState(ctx context.Context, sessionID, stateData, workerID string) error
	EndSession(ctx context.Context, sessionID, status, reason string) error
}

// sessionRepo 游戏会话仓储实现
type sessionRepo struct {
	*BaseRepo
}

// NewSessionRepository 创建游戏会话仓储
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepo{
		BaseRepo: NewBaseRepo(db),
	}
}

// Create 创建游戏会话
func (r *sessionRepo) Create(ctx context.Context, session *models.GameSession) error {
	return r.db.WithContext(ctx).Create(session).Error
}

// Update 更新游戏会话
func (r *sessionRepo) Update(ctx context.Context, session *models.GameSession) error {
	return r.db.WithContext(ctx).Save(session).Error
}

// UpdateBySessionID 根据会话ID更新
func (r *sessionRepo) UpdateBySessionID(ctx context.Context, sessionID string, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).
		Model(&models.GameSession{}).
		Where("session_id = ?", sessionID).
		Updates(updates).Error
}

// FindBySessionID 根据会话ID查找
func (r *sessionRepo) FindBySessionID(ctx context.Context, sessionID string) (*models.GameSession, error) {
	var session models.GameSession
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// FindActive 查找所有未终止的会话
func (r *sessionRepo) FindActive(ctx context.Context) ([]*models.GameSession, error) {
	var sessions []*models.GameSession
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{models.SessionStatusWaiting, models.SessionStatusPlaying}).
		Find(&sessions).Error
	return sessions, err
}

// FindByOwner 查找指定工作进程持有的未终止会话
func (r *sessionRepo) FindByOwner(ctx context.Context, workerID string) ([]*models.GameSession, error) {
	var sessions []*models.GameSession
	err := r.db.WithContext(ctx).
		Where("owner_worker_id = ? AND status IN ?",
			workerID, []string{models.SessionStatusWaiting, models.SessionStatusPlaying}).
		Find(&sessions).Error
	return sessions, err
}

// FindStaleWaiting 查找超龄或不活跃的WAITING会话
func (r *sessionRepo) FindStaleWaiting(ctx context.Context, createdBefore, updatedBefore time.Time) ([]*models.GameSession, error) {
	var sessions []*models.GameSession
	err := r.db.WithContext(ctx).
		Where("status = ? AND (created_at < ? OR updated_at < ?)",
			models.SessionStatusWaiting, createdBefore, updatedBefore).
		Find(&sessions).Error
	return sessions, err
}

// FindStalePlaying 查找不活跃的PLAYING会话
func (r *sessionRepo) FindStalePlaying(ctx context.Context, updatedBefore time.Time) ([]*models.GameSession, error) {
	var sessions []*models.GameSession
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?",
			models.SessionStatusPlaying, updatedBefore).
		Find(&sessions).Error
	return sessions, err
}

// FindRecent 查找最近的会话（分页）
func (r *sessionRepo) FindRecent(ctx context.Context, p *Pagination) ([]*models.GameSession, error) {
	var sessions []*models.GameSession

	// 查询总数
	r.db.WithContext(ctx).
		Model(&models.GameSession{}).
		Count(&p.Total)

	// 查询数据
	err := r.db.WithContext(ctx).
		Order("created_at desc").
		Scopes(Paginate(p)).
		Find(&sessions).Error

	return sessions, err
}

// CountByStatus 按状态统计会话数
func (r *sessionRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}

	var rows []row
	err := r.db.WithContext(ctx).
		Model(&models.GameSession{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// SaveState 在事务内保存会话状态与归属
func (r *sessionRepo) SaveState(ctx context.Context, sessionID, stateData, workerID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.GameSession{}).
			Where("session_id = ?", sessionID).
			Updates(map[string]interface{}{
				"state_data":      stateData,
				"owner_worker_id": workerID,
				"updated_at":      time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// EndSession 结束会话并记录原因
func (r *sessionRepo) EndSession(ctx context.Context, sessionID, status, reason string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Model(&models.GameSession{}).
			Where("session_id = ?", sessionID).
			Updates(map[string]interface{}{
				"status":     status,
				"end_reason": reason,
				"ended_at":   &now,
				"updated_at": now,
			}).Error
	})
}

// WithTx 使用事务
func (r *sessionRepo) WithTx(tx *gorm.DB) BaseRepository {
	return &sessionRepo{
		BaseRepo: &BaseRepo{db: tx},
	}
}
