package worker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/wfunc/card-game/internal/config"
	"github.com/wfunc/card-game/internal/coord"
	"github.com/wfunc/card-game/internal/errors"
	"github.com/wfunc/card-game/internal/game"
	"github.com/wfunc/card-game/internal/lease"
	"github.com/wfunc/card-game/internal/models"
	"github.com/wfunc/card-game/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Terminator 进程终止函数
//
// 关键循环出错时在紧急关闭后调用。生产环境终止进程，测试中注入
// 记录器以断言"记日志→紧急关闭→终止"的完整顺序。
type Terminator func(reason string)

// Broadcaster 会话事件广播接口（由传输层实现）
type Broadcaster interface {
	BroadcastStateUpdate(sessionID string, state *game.State, event *game.Event)
	BroadcastSessionEnded(sessionID, reason string)
}

// noopBroadcaster 无传输层时的空实现
type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastStateUpdate(string, *game.State, *game.Event) {}
func (noopBroadcaster) BroadcastSessionEnded(string, string)                  {}

// SessionWorker 会话工作进程
//
// 维护本进程持有的会话集合，运行三个关键后台循环（心跳、续租自检、
// 孤儿检测）。关键循环的任何错误都视为不可恢复：记录日志、紧急关闭、
// 终止进程，绝不带着过期的所有权假设继续运行。
type SessionWorker struct {
	id     string
	cfg    *config.WorkerConfig
	leases *lease.Manager
	states *game.StateManager
	timers *game.TurnTimerManager
	engine game.RuleEngine
	repo   repository.SessionRepository
	store  coord.Store
	logger *zap.Logger

	mu    sync.RWMutex
	owned map[string]struct{}

	broadcaster Broadcaster
	terminate   Terminator

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	startedAt time.Time
}

// New 创建会话工作进程
func New(
	workerID string,
	cfg *config.WorkerConfig,
	leases *lease.Manager,
	states *game.StateManager,
	timers *game.TurnTimerManager,
	engine game.RuleEngine,
	repo repository.SessionRepository,
	store coord.Store,
	logger *zap.Logger,
) *SessionWorker {
	w := &SessionWorker{
		id:          workerID,
		cfg:         cfg,
		leases:      leases,
		states:      states,
		timers:      timers,
		engine:      engine,
		repo:        repo,
		store:       store,
		logger:      logger,
		owned:       make(map[string]struct{}),
		broadcaster: noopBroadcaster{},
		stopCh:      make(chan struct{}),
		startedAt:   time.Now(),
	}
	w.terminate = func(reason string) {
		logger.Fatal("进程终止", zap.String("reason", reason))
	}
	timers.SetAutoPassHandler(w.HandleTurnTimeout)
	return w
}

// SetBroadcaster 设置事件广播器（启动前设置）
func (w *SessionWorker) SetBroadcaster(b Broadcaster) {
	w.broadcaster = b
}

// SetTerminator 替换进程终止函数（测试用）
func (w *SessionWorker) SetTerminator(t Terminator) {
	w.terminate = t
}

// ID 返回工作进程标识
func (w *SessionWorker) ID() string {
	return w.id
}

// StartedAt 返回启动时间
func (w *SessionWorker) StartedAt() time.Time {
	return w.startedAt
}

// Start 启动三个关键后台循环
func (w *SessionWorker) Start() {
	w.RunCritical("心跳循环", w.cfg.HeartbeatInterval, w.heartbeatOnce)
	w.RunCritical("续租循环", w.cfg.RenewInterval, w.renewOnce)
	w.RunCritical("孤儿检测循环", w.cfg.OrphanInterval, w.orphanSweepOnce)

	w.logger.Info("会话工作进程已启动",
		zap.String("worker_id", w.id),
		zap.Duration("heartbeat_interval", w.cfg.HeartbeatInterval),
		zap.Duration("renew_interval", w.cfg.RenewInterval),
		zap.Duration("orphan_interval", w.cfg.OrphanInterval))
}

// RunCritical 以固定节奏运行关键操作，出错即触发快速失败
//
// 监督器用它注册额外的关键循环（如存储连通性检查），共享同一套
// 快速失败语义。
func (w *SessionWorker) RunCritical(name string, interval time.Duration, fn func(ctx context.Context) error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				err := fn(ctx)
				cancel()
				if err != nil {
					w.failFast(name, err)
					return
				}
			}
		}
	}()
}

// failFast 关键循环失败处理：记录→紧急关闭→终止进程
//
// 继续运行意味着可能基于失效的所有权假设写入状态，比进程退出危险得多。
func (w *SessionWorker) failFast(name string, err error) {
	w.logger.Error("关键循环失败，进入紧急关闭",
		zap.String("loop", name),
		zap.String("worker_id", w.id),
		zap.Error(err))

	w.EmergencyShutdown()
	w.terminate(name + ": " + err.Error())
}

// heartbeatOnce 写入进程存活记录
func (w *SessionWorker) heartbeatOnce(ctx context.Context) error {
	return w.leases.Heartbeat(ctx)
}

// renewOnce 续租所有持有的会话并自检所有权
//
// 续租被拒说明租约已过期或被抢占，本进程立即放弃该会话的一切本地
// 状态；协调存储不可达则向上抛出触发快速失败。
func (w *SessionWorker) renewOnce(ctx context.Context) error {
	for _, sessionID := range w.OwnedSessions() {
		stillOwner, err := w.leases.Renew(ctx, sessionID)
		if err != nil {
			return err
		}
		if !stillOwner {
			w.logger.Warn("会话所有权已丢失，放弃本地状态",
				zap.String("session_id", sessionID),
				zap.String("worker_id", w.id))
			w.dropLocal(sessionID)
		}
	}
	return nil
}

// orphanSweepOnce 孤儿会话检测
//
// 合并四个信号源的候选会话：租约过期、持久存储陈旧、持有者进程
// 离线、弃局标记超过宽限期。逐个尝试认领，认领成功后恢复或强制结束。
func (w *SessionWorker) orphanSweepOnce(ctx context.Context) error {
	candidates := make(map[string]struct{})

	active, err := w.repo.FindActive(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabaseQuery, "活跃会话查询失败")
	}

	// 信号一：有归属但租约已过期的会话
	var ownedIDs []string
	for _, s := range active {
		if s.OwnerWorkerID != "" {
			ownedIDs = append(ownedIDs, s.SessionID)
		}
	}
	expired, err := w.leases.ListExpiredLeases(ctx, ownedIDs)
	if err != nil {
		return err
	}
	for _, id := range expired {
		candidates[id] = struct{}{}
	}

	// 信号二：持久存储中的陈旧会话
	now := time.Now()
	staleWaiting, err := w.repo.FindStaleWaiting(ctx,
		now.Add(-w.cfg.LobbyTimeout), now.Add(-w.cfg.LobbyInactivity))
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabaseQuery, "陈旧等待会话查询失败")
	}
	stalePlaying, err := w.repo.FindStalePlaying(ctx, now.Add(-w.cfg.ConnectionTimeout))
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabaseQuery, "陈旧进行中会话查询失败")
	}
	for _, s := range staleWaiting {
		candidates[s.SessionID] = struct{}{}
	}
	for _, s := range stalePlaying {
		candidates[s.SessionID] = struct{}{}
	}

	// 信号三：持有者进程已离线的会话
	deadWorkers, err := w.leases.ListDeadWorkers(ctx)
	if err != nil {
		return err
	}
	for _, deadID := range deadWorkers {
		sessions, err := w.repo.FindByOwner(ctx, deadID)
		if err != nil {
			return errors.Wrap(err, errors.ErrDatabaseQuery, "离线进程会话查询失败")
		}
		for _, s := range sessions {
			candidates[s.SessionID] = struct{}{}
		}
	}

	// 信号四：弃局标记超过宽限期的会话
	aged, err := w.agedAbandonmentMarks(ctx, now)
	if err != nil {
		return err
	}
	for _, id := range aged {
		candidates[id] = struct{}{}
	}

	for sessionID := range candidates {
		w.claimAndRecover(ctx, sessionID)
	}
	return nil
}

// agedAbandonmentMarks 列出标记时间超过宽限期的会话
func (w *SessionWorker) agedAbandonmentMarks(ctx context.Context, now time.Time) ([]string, error) {
	keys, err := w.store.Keys(ctx, coord.AbandonmentPattern)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCoordRead, "弃局标记列举失败")
	}

	var sessionIDs []string
	cutoff := now.Add(-w.cfg.AbandonmentGrace).Unix()

	for _, key := range keys {
		val, err := w.store.Get(ctx, key)
		if err != nil {
			continue
		}
		markedAt, err := strconv.ParseInt(val, 10, 64)
		if err != nil || markedAt <= cutoff {
			if id := coord.SessionIDFromKey(key); id != "" {
				sessionIDs = append(sessionIDs, id)
			}
		}
	}
	return sessionIDs, nil
}

// claimAndRecover 尝试认领孤儿会话并恢复
//
// 认领通过租约竞争完成，失败说明其他进程已接手。认领失败或恢复中的
// 单会话错误只记日志，不影响其余候选会话的处理。
func (w *SessionWorker) claimAndRecover(ctx context.Context, sessionID string) {
	ok, err := w.leases.Acquire(ctx, sessionID)
	if err != nil {
		w.logger.Warn("孤儿会话认领失败",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	if !ok {
		return
	}

	session, err := w.repo.FindBySessionID(ctx, sessionID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			// 持久记录不存在视为会话从未存在，清理协调存储残留
			w.cleanupCoordKeys(ctx, sessionID)
			if relErr := w.leases.Release(ctx, sessionID); relErr != nil {
				w.logger.Warn("租约释放失败",
					zap.String("session_id", sessionID),
					zap.Error(relErr))
			}
			return
		}
		w.logger.Error("孤儿会话查询失败",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}

	if session.IsTerminal() {
		w.cleanupCoordKeys(ctx, sessionID)
		if relErr := w.leases.Release(ctx, sessionID); relErr != nil {
			w.logger.Warn("租约释放失败",
				zap.String("session_id", sessionID),
				zap.Error(relErr))
		}
		return
	}

	// 认领后重新判定陈旧：认领本身不能证明会话值得恢复
	now := time.Now()
	reason, stale := game.EvaluateStaleness(session, now, w.thresholds())
	if stale {
		w.forceEnd(ctx, session, reason)
		return
	}

	// 弃局标记超过宽限期说明全员离线已久，按玩家弃局结束
	if w.markerAged(ctx, sessionID, now) {
		w.forceEnd(ctx, session, models.EndReasonPlayerAbandonment)
		return
	}

	w.resume(ctx, sessionID)
}

// markerAged 判断会话的弃局标记是否已超过宽限期
func (w *SessionWorker) markerAged(ctx context.Context, sessionID string, now time.Time) bool {
	val, err := w.store.Get(ctx, coord.AbandonmentKey(sessionID))
	if err != nil {
		return false
	}
	markedAt, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return true
	}
	return markedAt <= now.Add(-w.cfg.AbandonmentGrace).Unix()
}

// resume 恢复会话：加载状态、登记所有权、接续回合计时
func (w *SessionWorker) resume(ctx context.Context, sessionID string) {
	if _, err := w.states.Load(ctx, sessionID); err != nil {
		w.logger.Error("会话状态加载失败，按恢复失败结束",
			zap.String("session_id", sessionID),
			zap.Error(err))
		w.endWithReason(ctx, sessionID, models.SessionStatusAbandoned, models.EndReasonResumeFailure)
		return
	}

	w.mu.Lock()
	w.owned[sessionID] = struct{}{}
	w.mu.Unlock()

	if err := w.timers.Resume(ctx, sessionID); err != nil {
		w.logger.Warn("回合计时恢复失败",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	w.logger.Info("孤儿会话恢复完成",
		zap.String("session_id", sessionID),
		zap.String("worker_id", w.id))
}

// forceEnd 强制结束陈旧会话
func (w *SessionWorker) forceEnd(ctx context.Context, session *models.GameSession, reason string) {
	status := models.SessionStatusAbandoned
	if session.Status == models.SessionStatusWaiting {
		status = models.SessionStatusCancelled
	}
	w.endWithReason(ctx, session.SessionID, status, reason)

	w.logger.Info("陈旧会话已强制结束",
		zap.String("session_id", session.SessionID),
		zap.String("reason", reason))
}

// endWithReason 结束会话：持久写入、清理协调存储、广播、释放租约
func (w *SessionWorker) endWithReason(ctx context.Context, sessionID, status, reason string) {
	if err := w.repo.EndSession(ctx, sessionID, status, reason); err != nil {
		w.logger.Error("会话结束写入失败",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	w.cleanupCoordKeys(ctx, sessionID)
	w.broadcaster.BroadcastSessionEnded(sessionID, reason)
	w.dropLocal(sessionID)

	if err := w.leases.Release(ctx, sessionID); err != nil {
		w.logger.Warn("租约释放失败",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// cleanupCoordKeys 清理会话在协调存储中的缓存与标记
func (w *SessionWorker) cleanupCoordKeys(ctx context.Context, sessionID string) {
	err := w.store.Del(ctx,
		coord.StateKey(sessionID),
		coord.TurnTimerKey(sessionID),
		coord.AbandonmentKey(sessionID))
	if err != nil {
		w.logger.Warn("协调存储清理失败",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// dropLocal 放弃会话的全部本地痕迹（不触碰协调存储记录）
func (w *SessionWorker) dropLocal(sessionID string) {
	w.mu.Lock()
	delete(w.owned, sessionID)
	w.mu.Unlock()
	w.timers.StopLocal(sessionID)
	w.states.Forget(sessionID)
}

// thresholds 当前配置的陈旧判定阈值
func (w *SessionWorker) thresholds() game.StalenessThresholds {
	return game.StalenessThresholds{
		LobbyTimeout:       w.cfg.LobbyTimeout,
		LobbyInactivity:    w.cfg.LobbyInactivity,
		AbandonmentTimeout: w.cfg.AbandonmentTimeout,
		ConnectionTimeout:  w.cfg.ConnectionTimeout,
	}
}

// Owns 判断本进程是否登记持有该会话
func (w *SessionWorker) Owns(sessionID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.owned[sessionID]
	return ok
}

// OwnedSessions 返回当前持有的会话列表
func (w *SessionWorker) OwnedSessions() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	sessions := make([]string, 0, len(w.owned))
	for id := range w.owned {
		sessions = append(sessions, id)
	}
	return sessions
}

// OwnedCount 当前持有的会话数
func (w *SessionWorker) OwnedCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.owned)
}

// EnsureOwnership 确保本进程持有会话，必要时获取租约并恢复
func (w *SessionWorker) EnsureOwnership(ctx context.Context, sessionID string) error {
	if w.Owns(sessionID) {
		owned, err := w.leases.VerifyOwnership(ctx, sessionID)
		if err != nil {
			return err
		}
		if owned {
			return nil
		}
		// 登记与租约不一致，放弃本地状态后重新竞争
		w.dropLocal(sessionID)
	}

	if w.OwnedCount() >= w.cfg.MaxSessions {
		return errors.New(errors.ErrSessionLimit)
	}

	ok, err := w.leases.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New(errors.ErrNotOwner, "会话: "+sessionID)
	}

	w.mu.Lock()
	w.owned[sessionID] = struct{}{}
	w.mu.Unlock()

	if err := w.timers.Resume(ctx, sessionID); err != nil {
		w.logger.Warn("回合计时恢复失败",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	return nil
}

// JoinSession 玩家加入会话
//
// 会话不存在时先写持久记录再接受流量；满足最少人数即自动开局并
// 启动回合计时。
func (w *SessionWorker) JoinSession(ctx context.Context, sessionID string, playerID uint, nickname string) (*game.State, error) {
	state, err := w.states.Load(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, errors.ErrSessionNotFound) {
			return nil, err
		}
		state, err = w.createSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
	}

	if err := w.EnsureOwnership(ctx, sessionID); err != nil {
		return nil, err
	}

	if state.Status == models.SessionStatusFinished ||
		state.Status == models.SessionStatusCancelled ||
		state.Status == models.SessionStatusAbandoned {
		return nil, errors.New(errors.ErrSessionEnded, "会话: "+sessionID)
	}

	// 进行中的会话允许局内玩家重连
	if state.Status == models.SessionStatusPlaying {
		if state.FindPlayer(playerID) == nil {
			return nil, errors.New(errors.ErrSessionStateBad, "会话已开局，无法加入")
		}
		return state, nil
	}

	if err := w.engine.Join(state, playerID, nickname); err != nil {
		return nil, err
	}

	var startEvent *game.Event
	if len(state.Players) >= game.MinPlayers {
		startEvent, err = w.engine.Start(state)
		if err != nil {
			return nil, err
		}
	}

	if err := w.states.Save(ctx, state); err != nil {
		return nil, err
	}

	if startEvent != nil {
		w.broadcaster.BroadcastStateUpdate(sessionID, state, startEvent)
		if err := w.timers.Start(ctx, sessionID, state.CurrentPlayer, w.cfg.TurnTimeout); err != nil {
			w.logger.Warn("回合计时启动失败",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}

	return state, nil
}

// createSession 创建新会话（持久记录先于一切流量）
func (w *SessionWorker) createSession(ctx context.Context, sessionID string) (*game.State, error) {
	state := w.engine.NewSession(sessionID)
	data, err := state.Encode()
	if err != nil {
		return nil, err
	}

	session := &models.GameSession{
		SessionID:     sessionID,
		Status:        models.SessionStatusWaiting,
		OwnerWorkerID: w.id,
		StateData:     data,
	}
	if err := w.repo.Create(ctx, session); err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseInsert, "会话: "+sessionID)
	}

	w.logger.Info("创建新会话",
		zap.String("session_id", sessionID),
		zap.String("worker_id", w.id))
	return state, nil
}

// LeaveSession 玩家主动离开会话
func (w *SessionWorker) LeaveSession(ctx context.Context, sessionID string, playerID uint) (*game.State, error) {
	if err := w.EnsureOwnership(ctx, sessionID); err != nil {
		return nil, err
	}

	state, err := w.states.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	event, err := w.engine.Leave(state, playerID)
	if err != nil {
		return nil, err
	}

	if state.Status == models.SessionStatusFinished {
		w.finishSession(ctx, state, models.EndReasonForfeit, event)
		return state, nil
	}

	if err := w.states.Save(ctx, state); err != nil {
		return nil, err
	}
	if event != nil {
		w.broadcaster.BroadcastStateUpdate(sessionID, state, event)
		w.restartTurnTimer(ctx, state)
	}
	return state, nil
}

// ApplyAction 执行玩家操作
//
// 所有权校验→执行→保存→重置回合计时→广播，终局时走结束流程。
func (w *SessionWorker) ApplyAction(ctx context.Context, sessionID string, playerID uint, action game.Action) (*game.State, *game.Event, error) {
	if err := w.EnsureOwnership(ctx, sessionID); err != nil {
		return nil, nil, err
	}

	state, err := w.states.Load(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	event, err := w.engine.Apply(state, playerID, action)
	if err != nil {
		return nil, nil, err
	}

	if state.Status == models.SessionStatusFinished {
		w.finishSession(ctx, state, finishReason(state), event)
		return state, event, nil
	}

	if err := w.states.Save(ctx, state); err != nil {
		return nil, nil, err
	}

	w.restartTurnTimer(ctx, state)
	w.broadcaster.BroadcastStateUpdate(sessionID, state, event)
	return state, event, nil
}

// HandleTurnTimeout 回合超时处理（由计时管理器回调）
func (w *SessionWorker) HandleTurnTimeout(sessionID string, playerID uint) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	owned, err := w.leases.VerifyOwnership(ctx, sessionID)
	if err != nil || !owned {
		w.logger.Warn("回合超时但会话已不属于本进程",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}

	state, err := w.states.Load(ctx, sessionID)
	if err != nil {
		w.logger.Error("回合超时处理：状态加载失败",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}

	event, err := w.engine.AutoPass(state, playerID)
	if err != nil {
		// 玩家抢在触发前行动属于正常竞争
		w.logger.Debug("自动过牌被拒绝",
			zap.String("session_id", sessionID),
			zap.Uint("player_id", playerID),
			zap.Error(err))
		return
	}

	if state.Status == models.SessionStatusFinished {
		w.finishSession(ctx, state, finishReason(state), event)
		return
	}

	if err := w.states.Save(ctx, state); err != nil {
		w.logger.Error("回合超时处理：状态保存失败",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}

	w.restartTurnTimer(ctx, state)
	w.broadcaster.BroadcastStateUpdate(sessionID, state, event)
}

// finishReason 终局原因：出完手牌获胜为completed，因他人弃权获胜为deck_exhausted
func finishReason(state *game.State) string {
	if p := state.FindPlayer(state.Winner); p != nil && len(p.Hand) == 0 {
		return models.EndReasonCompleted
	}
	return models.EndReasonDeckExhausted
}

// finishSession 正常终局处理
func (w *SessionWorker) finishSession(ctx context.Context, state *game.State, reason string, event *game.Event) {
	if err := w.states.Save(ctx, state); err != nil {
		w.logger.Error("终局状态保存失败",
			zap.String("session_id", state.SessionID),
			zap.Error(err))
	}
	if event != nil {
		w.broadcaster.BroadcastStateUpdate(state.SessionID, state, event)
	}
	w.endWithReason(ctx, state.SessionID, models.SessionStatusFinished, reason)
}

// restartTurnTimer 为新回合重置计时
func (w *SessionWorker) restartTurnTimer(ctx context.Context, state *game.State) {
	if state.Status != models.SessionStatusPlaying {
		return
	}
	if err := w.timers.Start(ctx, state.SessionID, state.CurrentPlayer, w.cfg.TurnTimeout); err != nil {
		w.logger.Warn("回合计时启动失败",
			zap.String("session_id", state.SessionID),
			zap.Error(err))
	}
}

// stopLoops 停止后台循环
//
// 紧急关闭由关键循环自身触发，等待会等到自己身上，因此不能wait。
func (w *SessionWorker) stopLoops(wait bool) {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	if wait {
		w.wg.Wait()
	}
}

// EmergencyShutdown 紧急关闭
//
// 立即释放全部租约让其他进程尽快接管，不刷写状态：本进程的内存
// 状态此刻已不可信，持久存储中最后一次成功保存就是权威。
func (w *SessionWorker) EmergencyShutdown() {
	w.stopLoops(false)
	w.timers.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, sessionID := range w.OwnedSessions() {
		if err := w.leases.Release(ctx, sessionID); err != nil {
			w.logger.Warn("紧急关闭：租约释放失败",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
		w.dropLocal(sessionID)
	}

	w.logger.Warn("紧急关闭完成", zap.String("worker_id", w.id))
}

// GracefulShutdown 优雅关闭
//
// 逐会话刷写最新状态后释放租约，保留回合计时记录供接管方续用，
// 最后等待宽限期让其他进程完成认领。
func (w *SessionWorker) GracefulShutdown(ctx context.Context) {
	w.stopLoops(true)

	for _, sessionID := range w.OwnedSessions() {
		state, err := w.states.Load(ctx, sessionID)
		if err != nil {
			w.logger.Warn("优雅关闭：状态加载失败",
				zap.String("session_id", sessionID),
				zap.Error(err))
		} else if err := w.states.Save(ctx, state); err != nil {
			w.logger.Warn("优雅关闭：状态刷写失败",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}

		w.timers.StopLocal(sessionID)

		if err := w.leases.Release(ctx, sessionID); err != nil {
			w.logger.Warn("优雅关闭：租约释放失败",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}

		w.mu.Lock()
		delete(w.owned, sessionID)
		w.mu.Unlock()
		w.states.Forget(sessionID)
	}

	w.logger.Info("会话已全部移交，等待接管宽限期",
		zap.String("worker_id", w.id),
		zap.Duration("grace", w.cfg.ShutdownGrace))

	select {
	case <-time.After(w.cfg.ShutdownGrace):
	case <-ctx.Done():
	}

	w.logger.Info("优雅关闭完成", zap.String("worker_id", w.id))
}
