package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/wfunc/card-game/internal/config"
	"github.com/wfunc/card-game/internal/middleware"
	"github.com/wfunc/card-game/internal/websocket"
	"go.uber.org/zap"
)

// WebSocketHandler WebSocket升级处理器
type WebSocketHandler struct {
	hub      *websocket.Hub
	upgrader gorillaws.Upgrader
	logger   *zap.Logger
}

// NewWebSocketHandler 创建WebSocket升级处理器
func NewWebSocketHandler(hub *websocket.Hub, cfg *config.WebSocketConfig, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:    cfg.ReadBufferSize,
			WriteBufferSize:   cfg.WriteBufferSize,
			EnableCompression: cfg.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				// 游戏客户端来源多样，握手阶段已有令牌认证
				return true
			},
		},
		logger: logger,
	}
}

// Handle 升级连接并启动读写泵
func (h *WebSocketHandler) Handle(c *gin.Context) {
	playerID, ok := middleware.GetPlayerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "未认证"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket升级失败",
			zap.Uint("player_id", playerID),
			zap.Error(err))
		return
	}

	client := websocket.NewClient(h.hub, conn, playerID)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
