package game

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/wfunc/card-game/internal/coord"
	"github.com/wfunc/card-game/internal/errors"
	"go.uber.org/zap"
)

// TimerRecord 回合计时记录（写入协调存储，供崩溃恢复和陈旧触发判定）
type TimerRecord struct {
	SessionID string    `json:"session_id"`
	PlayerID  uint      `json:"player_id"`
	WorkerID  string    `json:"worker_id"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Encode 序列化计时记录
func (r *TimerRecord) Encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrStateDecode, "会话: "+r.SessionID)
	}
	return string(data), nil
}

// AutoPassHandler 回合超时回调：执行自动过牌、保存并广播
type AutoPassHandler func(sessionID string, playerID uint)

// localTimer 本地调度的计时器
type localTimer struct {
	timer     *time.Timer
	playerID  uint
	startedAt time.Time
}

// TurnTimerManager 回合计时管理器
//
// 每个会话同一时刻至多一个计时器，重复Start替换旧计时器。
// 计时记录写入协调存储（TTL略高于超时），本地time.Timer负责触发；
// 触发时重读记录，与本次调度不符则放弃，保证旧计时器的延迟触发
// 不会误伤新回合。
type TurnTimerManager struct {
	store    coord.Store
	workerID string
	slack    time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	timers   map[string]*localTimer
	onExpire AutoPassHandler
}

// NewTurnTimerManager 创建回合计时管理器
func NewTurnTimerManager(store coord.Store, workerID string, slack time.Duration, logger *zap.Logger) *TurnTimerManager {
	return &TurnTimerManager{
		store:    store,
		workerID: workerID,
		slack:    slack,
		logger:   logger,
		timers:   make(map[string]*localTimer),
	}
}

// SetAutoPassHandler 设置超时回调（启动前设置一次）
func (m *TurnTimerManager) SetAutoPassHandler(handler AutoPassHandler) {
	m.mu.Lock()
	m.onExpire = handler
	m.mu.Unlock()
}

// Start 为会话当前回合启动计时器，替换已存在的计时器
func (m *TurnTimerManager) Start(ctx context.Context, sessionID string, playerID uint, timeout time.Duration) error {
	now := time.Now()
	record := TimerRecord{
		SessionID: sessionID,
		PlayerID:  playerID,
		WorkerID:  m.workerID,
		StartedAt: now,
		ExpiresAt: now.Add(timeout),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, errors.ErrStateDecode, "会话: "+sessionID)
	}

	// 记录TTL略高于超时：触发处理期间记录仍可读，崩溃后由接管方补触发
	if err := m.store.Set(ctx, coord.TurnTimerKey(sessionID), string(data), timeout+m.slack); err != nil {
		return errors.Wrap(err, errors.ErrCoordWrite, "会话: "+sessionID)
	}

	m.mu.Lock()
	if existing, ok := m.timers[sessionID]; ok {
		existing.timer.Stop()
	}
	m.timers[sessionID] = &localTimer{
		playerID:  playerID,
		startedAt: now,
		timer: time.AfterFunc(timeout, func() {
			m.fire(sessionID, playerID, now)
		}),
	}
	m.mu.Unlock()

	return nil
}

// fire 计时器触发：重读存储记录确认本次调度仍有效
func (m *TurnTimerManager) fire(sessionID string, playerID uint, startedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	record, err := m.readRecord(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, errors.ErrCoordRead) {
			m.logger.Debug("计时记录已不存在，放弃触发",
				zap.String("session_id", sessionID))
		} else {
			m.logger.Warn("计时记录读取失败，放弃触发",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
		return
	}

	// 记录与本次调度不符说明回合已被替换或会话已转移
	if record.WorkerID != m.workerID ||
		record.PlayerID != playerID ||
		!record.StartedAt.Equal(startedAt) {
		m.logger.Debug("计时记录已被替换，放弃触发",
			zap.String("session_id", sessionID),
			zap.Uint("player_id", playerID))
		return
	}

	m.mu.Lock()
	delete(m.timers, sessionID)
	handler := m.onExpire
	m.mu.Unlock()

	if err := m.store.Del(ctx, coord.TurnTimerKey(sessionID)); err != nil {
		m.logger.Warn("计时记录删除失败",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	m.logger.Info("回合超时，执行自动过牌",
		zap.String("session_id", sessionID),
		zap.Uint("player_id", playerID))

	if handler != nil {
		handler(sessionID, playerID)
	}
}

// Clear 清除会话计时器（玩家行动后或会话结束时调用）
func (m *TurnTimerManager) Clear(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if existing, ok := m.timers[sessionID]; ok {
		existing.timer.Stop()
		delete(m.timers, sessionID)
	}
	m.mu.Unlock()

	if err := m.store.Del(ctx, coord.TurnTimerKey(sessionID)); err != nil {
		return errors.Wrap(err, errors.ErrCoordWrite, "会话: "+sessionID)
	}
	return nil
}

// Remaining 查询会话回合剩余时间，无计时器时返回false
func (m *TurnTimerManager) Remaining(ctx context.Context, sessionID string) (time.Duration, bool) {
	record, err := m.readRecord(ctx, sessionID)
	if err != nil {
		return 0, false
	}

	remaining := time.Until(record.ExpiresAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Resume 会话接管后恢复计时
//
// 存储中有未过期记录时按剩余时间重新调度；记录已过期则立即触发
// 自动过牌，保证崩溃期间超时的回合不会悬置。
func (m *TurnTimerManager) Resume(ctx context.Context, sessionID string) error {
	record, err := m.readRecord(ctx, sessionID)
	if err != nil {
		if errors.Is(err, errors.ErrCoordRead) {
			return err
		}
		// 无计时记录，无需恢复
		return nil
	}

	remaining := time.Until(record.ExpiresAt)
	if remaining <= 0 {
		m.logger.Info("接管时回合已超时，立即自动过牌",
			zap.String("session_id", sessionID),
			zap.Uint("player_id", record.PlayerID))

		if err := m.store.Del(ctx, coord.TurnTimerKey(sessionID)); err != nil {
			m.logger.Warn("计时记录删除失败",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}

		m.mu.Lock()
		handler := m.onExpire
		m.mu.Unlock()
		if handler != nil {
			handler(sessionID, record.PlayerID)
		}
		return nil
	}

	return m.Start(ctx, sessionID, record.PlayerID, remaining)
}

// StopLocal 仅停止本地计时器，保留存储记录
//
// 会话所有权转移时使用：计时记录归新持有者，本进程只收回本地调度。
func (m *TurnTimerManager) StopLocal(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.timers[sessionID]; ok {
		existing.timer.Stop()
		delete(m.timers, sessionID)
	}
}

// ActiveCount 当前本地计时器数量（健康快照用）
func (m *TurnTimerManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// StopAll 停止所有本地计时器（进程退出时调用，不触碰存储记录）
func (m *TurnTimerManager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sessionID, lt := range m.timers {
		lt.timer.Stop()
		delete(m.timers, sessionID)
	}
}

// readRecord 读取并解析计时记录
func (m *TurnTimerManager) readRecord(ctx context.Context, sessionID string) (*TimerRecord, error) {
	data, err := m.store.Get(ctx, coord.TurnTimerKey(sessionID))
	if err != nil {
		if err == coord.ErrKeyNotFound {
			return nil, errors.New(errors.ErrNotFound, "计时记录不存在")
		}
		return nil, errors.Wrap(err, errors.ErrCoordRead, "会话: "+sessionID)
	}

	var record TimerRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, errors.Wrap(err, errors.ErrStateDecode, "会话: "+sessionID)
	}
	return &record, nil
}
