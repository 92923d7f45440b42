package lease

import (
	"context"
	"time"

	"github.com/wfunc/card-game/internal/coord"
	"github.com/wfunc/card-game/internal/errors"
	"go.uber.org/zap"
)

// 心跳键保留时长相对离线窗口的倍数。心跳记录在工作进程停止刷新后
// 仍保留一段时间，否则键随TTL消失，其他进程就无法列出已离线的进程。
const heartbeatRetention = 10

// Manager 会话租约管理器
//
// 基于协调存储的原子键操作实现"同一会话至多一个持有者"：
// 获取用SetNX，续租和释放用所有权校验操作，绝不覆盖他人租约。
type Manager struct {
	store    coord.Store
	workerID string
	leaseTTL time.Duration

	// 心跳
	heartbeatTTL time.Duration
	deadWindow   time.Duration

	logger *zap.Logger
}

// NewManager 创建租约管理器
func NewManager(store coord.Store, workerID string, leaseTTL, deadWindow time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		store:        store,
		workerID:     workerID,
		leaseTTL:     leaseTTL,
		heartbeatTTL: deadWindow * heartbeatRetention,
		deadWindow:   deadWindow,
		logger:       logger,
	}
}

// WorkerID 返回本进程标识
func (m *Manager) WorkerID() string {
	return m.workerID
}

// LeaseTTL 返回租约TTL
func (m *Manager) LeaseTTL() time.Duration {
	return m.leaseTTL
}

// Acquire 尝试获取会话租约
//
// 仅当没有其他进程持有未过期租约时成功。本进程已持有时视为成功并顺带续租。
func (m *Manager) Acquire(ctx context.Context, sessionID string) (bool, error) {
	key := coord.LeaseKey(sessionID)

	ok, err := m.store.SetNX(ctx, key, m.workerID, m.leaseTTL)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrLeaseAcquire, "会话: "+sessionID)
	}
	if ok {
		m.logger.Info("获取会话租约",
			zap.String("session_id", sessionID),
			zap.String("worker_id", m.workerID))
		return true, nil
	}

	// 键已存在：若持有者是自己则续租
	holder, err := m.store.Get(ctx, key)
	if err != nil {
		if err == coord.ErrKeyNotFound {
			// 恰好在两次调用之间过期，重试一次
			ok, err = m.store.SetNX(ctx, key, m.workerID, m.leaseTTL)
			if err != nil {
				return false, errors.Wrap(err, errors.ErrLeaseAcquire, "会话: "+sessionID)
			}
			return ok, nil
		}
		return false, errors.Wrap(err, errors.ErrCoordRead, "会话: "+sessionID)
	}

	if holder == m.workerID {
		if _, err := m.store.CompareAndExpire(ctx, key, m.workerID, m.leaseTTL); err != nil {
			return false, errors.Wrap(err, errors.ErrLeaseRenew, "会话: "+sessionID)
		}
		return true, nil
	}

	return false, nil
}

// Renew 续租
//
// 返回是否仍为持有者。续租失败但存储可达时不报错，由调用方决定如何
// 处理所有权丢失；存储不可达时返回错误。
func (m *Manager) Renew(ctx context.Context, sessionID string) (bool, error) {
	ok, err := m.store.CompareAndExpire(ctx, coord.LeaseKey(sessionID), m.workerID, m.leaseTTL)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrLeaseRenew, "会话: "+sessionID)
	}
	if !ok {
		m.logger.Warn("续租失败，会话所有权已丢失",
			zap.String("session_id", sessionID),
			zap.String("worker_id", m.workerID))
	}
	return ok, nil
}

// Release 释放租约（仅删除本进程持有的租约）
func (m *Manager) Release(ctx context.Context, sessionID string) error {
	ok, err := m.store.CompareAndDelete(ctx, coord.LeaseKey(sessionID), m.workerID)
	if err != nil {
		return errors.Wrap(err, errors.ErrLeaseRelease, "会话: "+sessionID)
	}
	if ok {
		m.logger.Info("释放会话租约",
			zap.String("session_id", sessionID),
			zap.String("worker_id", m.workerID))
	}
	return nil
}

// VerifyOwnership 校验本进程是否仍持有会话租约
//
// 所有状态变更操作执行前都必须调用，租约可能在任意两次检查之间过期或被抢占。
func (m *Manager) VerifyOwnership(ctx context.Context, sessionID string) (bool, error) {
	holder, err := m.store.Get(ctx, coord.LeaseKey(sessionID))
	if err != nil {
		if err == coord.ErrKeyNotFound {
			return false, nil
		}
		return false, errors.Wrap(err, errors.ErrCoordRead, "会话: "+sessionID)
	}
	return holder == m.workerID, nil
}

// HolderOf 查询会话当前持有者，无租约时返回空串
func (m *Manager) HolderOf(ctx context.Context, sessionID string) (string, error) {
	holder, err := m.store.Get(ctx, coord.LeaseKey(sessionID))
	if err != nil {
		if err == coord.ErrKeyNotFound {
			return "", nil
		}
		return "", errors.Wrap(err, errors.ErrCoordRead, "会话: "+sessionID)
	}
	return holder, nil
}

// Heartbeat 写入本进程存活记录
func (m *Manager) Heartbeat(ctx context.Context) error {
	key := coord.HeartbeatKey(m.workerID)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := m.store.Set(ctx, key, now, m.heartbeatTTL); err != nil {
		return errors.Wrap(err, errors.ErrCoordWrite, "心跳写入失败")
	}
	return nil
}

// ListExpiredLeases 在给定会话中筛选出租约已过期（键缺失）的会话
//
// 过期的租约在协调存储中没有痕迹，候选集合必须来自持久存储中
// 仍处于进行中的会话。
func (m *Manager) ListExpiredLeases(ctx context.Context, sessionIDs []string) ([]string, error) {
	var expired []string
	for _, sessionID := range sessionIDs {
		_, err := m.store.Get(ctx, coord.LeaseKey(sessionID))
		if err == coord.ErrKeyNotFound {
			expired = append(expired, sessionID)
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCoordRead, "会话: "+sessionID)
		}
	}
	return expired, nil
}

// ListDeadWorkers 列出心跳超过离线窗口的工作进程
func (m *Manager) ListDeadWorkers(ctx context.Context) ([]string, error) {
	keys, err := m.store.Keys(ctx, coord.HeartbeatPattern)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCoordRead, "心跳列举失败")
	}

	var dead []string
	cutoff := time.Now().Add(-m.deadWindow)

	for _, key := range keys {
		workerID := coord.WorkerIDFromKey(key)
		if workerID == "" || workerID == m.workerID {
			continue
		}

		val, err := m.store.Get(ctx, key)
		if err != nil {
			// 键在列举和读取之间消失，视为无心跳
			if err == coord.ErrKeyNotFound {
				dead = append(dead, workerID)
			}
			continue
		}

		lastBeat, err := time.Parse(time.RFC3339Nano, val)
		if err != nil || lastBeat.Before(cutoff) {
			dead = append(dead, workerID)
		}
	}

	return dead, nil
}
