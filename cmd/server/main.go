package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/wfunc/card-game/internal/api"
	"github.com/wfunc/card-game/internal/config"
	"github.com/wfunc/card-game/internal/coord"
	"github.com/wfunc/card-game/internal/database"
	"github.com/wfunc/card-game/internal/errors"
	"github.com/wfunc/card-game/internal/logger"
	"github.com/wfunc/card-game/internal/middleware"
	"github.com/wfunc/card-game/internal/utils"
	"github.com/wfunc/card-game/internal/websocket"
	"github.com/wfunc/card-game/internal/worker"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 服务器实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	db         *gorm.DB
	store      coord.Store
	supervisor *worker.Supervisor
	hub        *websocket.Hub
	bridge     *websocket.TransportBridge
	httpServer *http.Server

	shutdownCh chan struct{}
}

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
		showHelp    = flag.Bool("help", false, "显示帮助信息")
	)

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	// 加载配置
	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Get()

	// 初始化日志系统
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Cleanup()

	server := NewServer(cfg)

	if err := server.Start(); err != nil {
		logger.Fatal("服务器启动失败", zap.Error(err))
	}

	server.WaitForShutdown()

	if err := server.Shutdown(); err != nil {
		logger.Error("服务器关闭失败", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("服务器已安全关闭")
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config) *Server {
	return &Server{
		cfg:        cfg,
		logger:     logger.GetLogger(),
		shutdownCh: make(chan struct{}),
	}
}

// Start 初始化组件并启动服务
func (s *Server) Start() error {
	s.logger.Info("正在启动卡牌游戏会话服务器...",
		zap.String("version", Version),
		zap.String("mode", s.cfg.Server.Mode))

	// 数据库
	db, err := database.Open(&s.cfg.Database)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabaseConnect, "初始化数据库连接失败")
	}
	s.db = db

	if s.cfg.Database.AutoMigrate {
		s.logger.Info("执行数据库自动迁移...")
		if err := database.AutoMigrate(db); err != nil {
			return errors.Wrap(err, errors.ErrDatabaseConnect, "数据库迁移失败")
		}
	}

	// 协调存储
	s.store = coord.NewRedisStore(&s.cfg.Redis)

	// 会话工作进程
	s.supervisor = worker.NewSupervisor(s.cfg, s.db, s.store, s.logger)

	// WebSocket传输层
	s.hub = websocket.NewHub(s.logger)
	go s.hub.Run()

	s.bridge = websocket.NewTransportBridge(
		s.hub,
		s.supervisor.Worker(),
		s.store,
		&s.cfg.Security.RateLimit,
		s.cfg.Worker.AbandonmentGrace,
		s.logger)

	// 启动监督器（包含预检连通性检查与关键循环）
	if err := s.supervisor.Start(); err != nil {
		return err
	}

	// HTTP路由与认证
	jwtManager := utils.NewJWTManager(
		s.cfg.Security.JWT.Secret,
		time.Duration(s.cfg.Security.JWT.ExpireHours)*time.Hour)
	auth := middleware.NewAuthMiddleware(jwtManager)
	router := api.NewRouter(s.cfg, s.supervisor, s.hub, auth, s.logger)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP服务器异常退出", zap.Error(err))
		}
	}()

	// 监听配置变化（日志级别支持热更新）
	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新，应用日志级别", zap.String("level", newCfg.Log.Level))
		logger.SetLevel(newCfg.Log.Level)
	})

	s.logger.Info("服务器启动成功",
		zap.String("http", addr),
		zap.String("websocket", s.cfg.WebSocket.Path))

	return nil
}

// WaitForShutdown 等待关闭信号
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	sig := <-sigCh
	s.logger.Info("收到退出信号", zap.String("signal", sig.String()))

	close(s.shutdownCh)
}

// Shutdown 优雅关闭服务器
//
// 顺序：停止接收新连接 -> 刷写并释放所有持有的会话 -> 关闭存储连接。
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭服务器...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接收新请求，已建立的WebSocket连接随之断开
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP服务器关闭超时", zap.Error(err))
		}
	}

	// 刷写状态、释放租约，等待其他工作进程认领
	if s.supervisor != nil {
		s.supervisor.Stop(shutdownCtx, true)
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("关闭协调存储失败", zap.Error(err))
		}
	}

	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("关闭数据库失败", zap.Error(err))
		}
	}

	if err := logger.Sync(); err != nil {
		fmt.Printf("同步日志失败: %v\n", err)
	}

	return nil
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("卡牌游戏会话服务器\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("卡牌游戏会话服务器")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  card-game-server [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  CARD_GAME_*            覆盖任意配置项，例如 CARD_GAME_SERVER_PORT")
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  card-game-server -config=/path/to/config.yaml")
	fmt.Println("  card-game-server -version")
}
