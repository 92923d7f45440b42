package game

import (
	"context"
	"sync"
	"time"

	"github.com/wfunc/card-game/internal/coord"
	"github.com/wfunc/card-game/internal/errors"
	"github.com/wfunc/card-game/internal/lease"
	"github.com/wfunc/card-game/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StateManager 三级状态管理器
//
// 写入顺序：所有权校验 → 持久存储事务写入（成功标准）→ 尽力写缓存。
// 读取顺序：进程内存 → 协调存储缓存 → 持久存储，命中慢层时回填快层。
// 两级缓存随时可能缺失或过期，持久存储是唯一权威。
type StateManager struct {
	repo     repository.SessionRepository
	store    coord.Store
	leases   *lease.Manager
	cacheTTL time.Duration
	logger   *zap.Logger

	mu     sync.RWMutex
	memory map[string]string // sessionID → 序列化状态
}

// NewStateManager 创建状态管理器
func NewStateManager(repo repository.SessionRepository, store coord.Store, leases *lease.Manager, cacheTTL time.Duration, logger *zap.Logger) *StateManager {
	return &StateManager{
		repo:     repo,
		store:    store,
		leases:   leases,
		cacheTTL: cacheTTL,
		logger:   logger,
		memory:   make(map[string]string),
	}
}

// Save 保存游戏状态
//
// 持久写入成功即保存成功；缓存写入失败只记日志，不影响结果。
// 非持有者的保存请求一律拒绝。
func (m *StateManager) Save(ctx context.Context, state *State) error {
	owned, err := m.leases.VerifyOwnership(ctx, state.SessionID)
	if err != nil {
		return err
	}
	if !owned {
		return errors.New(errors.ErrNotOwner, "会话: "+state.SessionID)
	}

	state.UpdatedAt = time.Now()
	data, err := state.Encode()
	if err != nil {
		return err
	}

	if err := m.repo.SaveState(ctx, state.SessionID, data, m.leases.WorkerID()); err != nil {
		if err == gorm.ErrRecordNotFound {
			return errors.New(errors.ErrSessionNotFound, "会话: "+state.SessionID)
		}
		return errors.Wrap(err, errors.ErrDatabaseUpdate, "会话: "+state.SessionID)
	}

	// 持久写入已成功，缓存层尽力而为
	if err := m.store.Set(ctx, coord.StateKey(state.SessionID), data, m.cacheTTL); err != nil {
		m.logger.Warn("状态缓存写入失败",
			zap.String("session_id", state.SessionID),
			zap.Error(err))
	}

	m.mu.Lock()
	m.memory[state.SessionID] = data
	m.mu.Unlock()

	return nil
}

// Load 加载游戏状态
//
// 只有持久存储路径能判定"会话不存在"，缓存缺失只是降级到下一层。
func (m *StateManager) Load(ctx context.Context, sessionID string) (*State, error) {
	// 一级：进程内存
	m.mu.RLock()
	data, ok := m.memory[sessionID]
	m.mu.RUnlock()
	if ok {
		state, err := DecodeState(data)
		if err == nil {
			return state, nil
		}
		m.logger.Warn("内存缓存状态损坏，降级读取",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	// 二级：协调存储缓存
	data, err := m.store.Get(ctx, coord.StateKey(sessionID))
	if err == nil {
		state, decodeErr := DecodeState(data)
		if decodeErr == nil {
			m.mu.Lock()
			m.memory[sessionID] = data
			m.mu.Unlock()
			return state, nil
		}
		m.logger.Warn("缓存状态损坏，降级读取",
			zap.String("session_id", sessionID),
			zap.Error(decodeErr))
	} else if err != coord.ErrKeyNotFound {
		m.logger.Warn("状态缓存读取失败，降级读取",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	// 三级：持久存储（权威）
	session, err := m.repo.FindBySessionID(ctx, sessionID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.New(errors.ErrSessionNotFound, "会话: "+sessionID)
		}
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery, "会话: "+sessionID)
	}

	state, err := DecodeState(session.StateData)
	if err != nil {
		return nil, err
	}

	// 回填快层
	if err := m.store.Set(ctx, coord.StateKey(sessionID), session.StateData, m.cacheTTL); err != nil {
		m.logger.Warn("状态缓存回填失败",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	m.mu.Lock()
	m.memory[sessionID] = session.StateData
	m.mu.Unlock()

	return state, nil
}

// Forget 丢弃内存缓存（会话释放或转移时调用）
func (m *StateManager) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.memory, sessionID)
	m.mu.Unlock()
}

// MemoryCount 当前内存缓存条目数（健康快照用）
func (m *StateManager) MemoryCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.memory)
}
