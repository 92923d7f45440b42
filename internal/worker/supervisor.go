package worker

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/card-game/internal/config"
	"github.com/wfunc/card-game/internal/coord"
	"github.com/wfunc/card-game/internal/database"
	"github.com/wfunc/card-game/internal/errors"
	"github.com/wfunc/card-game/internal/game"
	"github.com/wfunc/card-game/internal/lease"
	"github.com/wfunc/card-game/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HealthSnapshot 健康检查快照
type HealthSnapshot struct {
	Status        string `json:"status"`
	WorkerID      string `json:"worker_id"`
	OwnedSessions int    `json:"owned_sessions"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	DatabaseOK    bool   `json:"database_ok"`
	CoordStoreOK  bool   `json:"coord_store_ok"`
}

// MetricsSnapshot 运行指标快照
type MetricsSnapshot struct {
	WorkerID         string           `json:"worker_id"`
	OwnedSessions    int              `json:"owned_sessions"`
	ActiveTimers     int              `json:"active_timers"`
	MemoryCached     int              `json:"memory_cached"`
	SessionsByStatus map[string]int64 `json:"sessions_by_status"`
	Goroutines       int              `json:"goroutines"`
	AllocBytes       uint64           `json:"alloc_bytes"`
	UptimeSeconds    int64            `json:"uptime_seconds"`
	Timestamp        int64            `json:"timestamp"`
}

// Supervisor 工作进程监督器
//
// 协调核心的组装根：构建租约、状态、计时管理器与会话工作进程，
// 并以关键循环的身份周期性断言两个存储的连通性。HTTP与WebSocket
// 外层在cmd/server中组装。
type Supervisor struct {
	cfg    *config.Config
	db     *gorm.DB
	store  coord.Store
	logger *zap.Logger

	repo   repository.SessionRepository
	leases *lease.Manager
	states *game.StateManager
	timers *game.TurnTimerManager
	engine game.RuleEngine
	worker *SessionWorker

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSupervisor 创建监督器
//
// 数据库与协调存储由调用方打开并注入，便于测试替换。
func NewSupervisor(cfg *config.Config, db *gorm.DB, store coord.Store, logger *zap.Logger) *Supervisor {
	workerID := "worker-" + uuid.New().String()[:8]

	repo := repository.NewSessionRepository(db)
	leases := lease.NewManager(store, workerID, cfg.Worker.LeaseTTL, cfg.Worker.DeadWorkerWindow, logger)
	states := game.NewStateManager(repo, store, leases, cfg.Worker.StateCacheTTL, logger)
	timers := game.NewTurnTimerManager(store, workerID, cfg.Worker.TurnTTLSlack, logger)
	engine := game.NewCardEngine()
	w := New(workerID, &cfg.Worker, leases, states, timers, engine, repo, store, logger)

	return &Supervisor{
		cfg:    cfg,
		db:     db,
		store:  store,
		logger: logger,
		repo:   repo,
		leases: leases,
		states: states,
		timers: timers,
		engine: engine,
		worker: w,
		stopCh: make(chan struct{}),
	}
}

// Worker 返回会话工作进程
func (s *Supervisor) Worker() *SessionWorker {
	return s.worker
}

// Repo 返回会话仓储
func (s *Supervisor) Repo() repository.SessionRepository {
	return s.repo
}

// Start 启动工作进程与监督循环
func (s *Supervisor) Start() error {
	// 启动前先确认两个存储可达
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.checkConnectivity(ctx); err != nil {
		return err
	}

	// 先写一次心跳再接受任何流量
	if err := s.leases.Heartbeat(ctx); err != nil {
		return err
	}

	s.worker.Start()
	s.worker.RunCritical("存储连通性检查", s.cfg.Worker.HeartbeatInterval, s.checkConnectivity)
	s.startHealthWriter()

	s.logger.Info("监督器已启动",
		zap.String("worker_id", s.worker.ID()))
	return nil
}

// checkConnectivity 断言两个存储均可达
func (s *Supervisor) checkConnectivity(ctx context.Context) error {
	if err := database.Ping(ctx, s.db); err != nil {
		return errors.Wrap(err, errors.ErrDatabaseConnect, "持久存储不可达")
	}
	if err := s.store.Ping(ctx); err != nil {
		return errors.Wrap(err, errors.ErrCoordConnect, "协调存储不可达")
	}
	return nil
}

// startHealthWriter 周期写入健康快照（尽力而为，失败只记日志）
func (s *Supervisor) startHealthWriter() {
	interval := s.cfg.Worker.HeartbeatInterval
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				s.writeHealthSnapshot(ctx, 3*interval)
				cancel()
			}
		}
	}()
}

// writeHealthSnapshot 写入健康快照到协调存储
func (s *Supervisor) writeHealthSnapshot(ctx context.Context, ttl time.Duration) {
	snapshot := s.metricsLocal()
	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}

	key := coord.HealthMetricsKey(s.worker.ID())
	if err := s.store.Set(ctx, key, string(data), ttl); err != nil {
		s.logger.Warn("健康快照写入失败",
			zap.String("worker_id", s.worker.ID()),
			zap.Error(err))
	}
}

// HealthSnapshot 当前健康状态
func (s *Supervisor) HealthSnapshot(ctx context.Context) HealthSnapshot {
	snapshot := HealthSnapshot{
		Status:        "ok",
		WorkerID:      s.worker.ID(),
		OwnedSessions: s.worker.OwnedCount(),
		UptimeSeconds: int64(time.Since(s.worker.StartedAt()).Seconds()),
		DatabaseOK:    database.Ping(ctx, s.db) == nil,
		CoordStoreOK:  s.store.Ping(ctx) == nil,
	}
	if !snapshot.DatabaseOK || !snapshot.CoordStoreOK {
		snapshot.Status = "degraded"
	}
	return snapshot
}

// MetricsSnapshot 当前运行指标（含持久存储统计）
func (s *Supervisor) MetricsSnapshot(ctx context.Context) MetricsSnapshot {
	snapshot := s.metricsLocal()

	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		s.logger.Warn("会话统计查询失败", zap.Error(err))
	} else {
		snapshot.SessionsByStatus = counts
	}
	return snapshot
}

// metricsLocal 不触碰持久存储的本地指标
func (s *Supervisor) metricsLocal() MetricsSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return MetricsSnapshot{
		WorkerID:      s.worker.ID(),
		OwnedSessions: s.worker.OwnedCount(),
		ActiveTimers:  s.timers.ActiveCount(),
		MemoryCached:  s.states.MemoryCount(),
		Goroutines:    runtime.NumGoroutine(),
		AllocBytes:    mem.Alloc,
		UptimeSeconds: int64(time.Since(s.worker.StartedAt()).Seconds()),
		Timestamp:     time.Now().Unix(),
	}
}

// Stop 停止监督器
func (s *Supervisor) Stop(ctx context.Context, graceful bool) {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()

	if graceful {
		s.worker.GracefulShutdown(ctx)
	} else {
		s.worker.EmergencyShutdown()
	}

	// 移除健康快照，避免监控看到幽灵进程
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.store.Del(cleanupCtx, coord.HealthMetricsKey(s.worker.ID())); err != nil {
		s.logger.Warn("健康快照清理失败", zap.Error(err))
	}

	s.logger.Info("监督器已停止", zap.String("worker_id", s.worker.ID()))
}
