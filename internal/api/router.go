package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/card-game/internal/config"
	"github.com/wfunc/card-game/internal/middleware"
	"github.com/wfunc/card-game/internal/websocket"
	"github.com/wfunc/card-game/internal/worker"
	"go.uber.org/zap"
)

// NewRouter 组装HTTP路由
func NewRouter(
	cfg *config.Config,
	sup *worker.Supervisor,
	hub *websocket.Hub,
	auth *middleware.AuthMiddleware,
	logger *zap.Logger,
) *gin.Engine {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		snapshot := sup.HealthSnapshot(c.Request.Context())
		status := http.StatusOK
		if snapshot.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, snapshot)
	})

	router.GET("/metrics", func(c *gin.Context) {
		metrics := sup.MetricsSnapshot(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"worker":         metrics,
			"online_clients": hub.OnlineCount(),
		})
	})

	wsHandler := NewWebSocketHandler(hub, &cfg.WebSocket, logger)
	path := cfg.WebSocket.Path
	if path == "" {
		path = "/ws"
	}
	router.GET(path, auth.RequirePlayer(), wsHandler.Handle)

	return router
}

// requestLogger HTTP访问日志中间件
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// WebSocket升级连接的时长没有意义，跳过
		if c.Writer.Status() == http.StatusSwitchingProtocols {
			return
		}

		logger.Debug("HTTP请求",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
