package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// 错误定义
var (
	ErrClientNotFound = errors.New("客户端未找到")
	ErrSendBufferFull = errors.New("发送缓冲区已满")
)

// Message WebSocket消息
type Message struct {
	Type      string          `json:"type"`
	PlayerID  uint            `json:"player_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// 入站消息类型
const (
	MessageTypeJoinSession  = "join_session"
	MessageTypeLeaveSession = "leave_session"
	MessageTypeGameAction   = "game_action"
	MessageTypePing         = "ping"
)

// 出站消息类型
const (
	MessageTypeGameState          = "game_state"
	MessageTypeGameStateUpdate    = "game_state_update"
	MessageTypePlayerJoined       = "player_joined"
	MessageTypePlayerLeft         = "player_left"
	MessageTypePlayerDisconnected = "player_disconnected"
	MessageTypeSessionEnded       = "session_ended"
	MessageTypeError              = "error"
	MessageTypePong               = "pong"
)

// MessageHandler 入站消息处理接口（由TransportBridge实现）
type MessageHandler interface {
	HandleClientMessage(client *Client, data []byte)
	HandleDisconnect(client *Client)
}

// Hub WebSocket连接管理中心
//
// 维护客户端连接池、玩家映射和会话成员关系，并为每个会话计数
// 存活连接。连接数归零与否决定弃局标记的写入，由桥接层消费。
type Hub struct {
	clients   map[string]*Client
	clientsMu sync.RWMutex

	// 玩家ID到客户端的映射
	playerClients map[uint][]*Client
	playerMu      sync.RWMutex

	// 会话存活连接计数
	sessionConns map[string]int
	sessionMu    sync.Mutex

	register   chan *Client
	unregister chan *Client

	handler MessageHandler
	logger  *zap.Logger
}

// NewHub 创建Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:       make(map[string]*Client),
		playerClients: make(map[uint][]*Client),
		sessionConns:  make(map[string]int),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		logger:        logger,
	}
}

// SetHandler 设置入站消息处理器（启动前设置）
func (h *Hub) SetHandler(handler MessageHandler) {
	h.handler = handler
}

// Run 运行Hub
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)
		}
	}
}

// registerClient 注册客户端
func (h *Hub) registerClient(client *Client) {
	h.clientsMu.Lock()
	h.clients[client.ID] = client
	h.clientsMu.Unlock()

	if client.PlayerID > 0 {
		h.playerMu.Lock()
		h.playerClients[client.PlayerID] = append(h.playerClients[client.PlayerID], client)
		h.playerMu.Unlock()
	}

	h.logger.Info("WebSocket客户端连接",
		zap.String("client_id", client.ID),
		zap.Uint("player_id", client.PlayerID))
}

// unregisterClient 注销客户端
func (h *Hub) unregisterClient(client *Client) {
	h.clientsMu.Lock()
	_, existed := h.clients[client.ID]
	if existed {
		delete(h.clients, client.ID)
		close(client.Send)
	}
	h.clientsMu.Unlock()

	if !existed {
		return
	}

	if client.PlayerID > 0 {
		h.playerMu.Lock()
		clients := h.playerClients[client.PlayerID]
		for i, c := range clients {
			if c.ID == client.ID {
				h.playerClients[client.PlayerID] = append(clients[:i], clients[i+1:]...)
				break
			}
		}
		if len(h.playerClients[client.PlayerID]) == 0 {
			delete(h.playerClients, client.PlayerID)
		}
		h.playerMu.Unlock()
	}

	h.logger.Info("WebSocket客户端断开",
		zap.String("client_id", client.ID),
		zap.Uint("player_id", client.PlayerID))

	if h.handler != nil {
		h.handler.HandleDisconnect(client)
	}
}

// JoinSession 登记客户端加入会话，返回新会话的连接数。客户端从另
// 一个会话切换过来时，一并返回旧会话ID及其剩余连接数，旧会话归零
// 与否由桥接层决定是否写入弃局标记
func (h *Hub) JoinSession(client *Client, sessionID string) (joined int, prevSession string, prevRemaining int) {
	h.sessionMu.Lock()
	defer h.sessionMu.Unlock()

	current := client.Session()
	if current == sessionID {
		return h.sessionConns[sessionID], "", 0
	}
	if current != "" {
		prevSession = current
		prevRemaining = h.decrementLocked(current)
	}

	client.setSession(sessionID)
	h.sessionConns[sessionID]++
	return h.sessionConns[sessionID], prevSession, prevRemaining
}

// LeaveSession 登记客户端离开会话，返回会话剩余连接数
func (h *Hub) LeaveSession(client *Client) int {
	h.sessionMu.Lock()
	defer h.sessionMu.Unlock()

	sessionID := client.Session()
	if sessionID == "" {
		return 0
	}
	client.setSession("")
	return h.decrementLocked(sessionID)
}

// decrementLocked 连接计数减一（需持有sessionMu）
func (h *Hub) decrementLocked(sessionID string) int {
	if h.sessionConns[sessionID] > 0 {
		h.sessionConns[sessionID]--
	}
	remaining := h.sessionConns[sessionID]
	if remaining == 0 {
		delete(h.sessionConns, sessionID)
	}
	return remaining
}

// SessionConnCount 会话当前连接数
func (h *Hub) SessionConnCount(sessionID string) int {
	h.sessionMu.Lock()
	defer h.sessionMu.Unlock()
	return h.sessionConns[sessionID]
}

// ClearSession 清除会话的全部成员关系（会话结束时调用）
func (h *Hub) ClearSession(sessionID string) {
	h.clientsMu.RLock()
	for _, client := range h.clients {
		if client.Session() == sessionID {
			client.setSession("")
		}
	}
	h.clientsMu.RUnlock()

	h.sessionMu.Lock()
	delete(h.sessionConns, sessionID)
	h.sessionMu.Unlock()
}

// SessionClients 会话内的全部客户端
func (h *Hub) SessionClients(sessionID string) []*Client {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	var clients []*Client
	for _, client := range h.clients {
		if client.Session() == sessionID {
			clients = append(clients, client)
		}
	}
	return clients
}

// SendToClient 发送消息给指定客户端
func (h *Hub) SendToClient(clientID string, message *Message) error {
	if message.Timestamp == 0 {
		message.Timestamp = time.Now().Unix()
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	h.clientsMu.RLock()
	client, ok := h.clients[clientID]
	h.clientsMu.RUnlock()

	if !ok {
		return ErrClientNotFound
	}

	select {
	case client.Send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// SendToSession 发送消息给会话内的全部客户端
func (h *Hub) SendToSession(sessionID string, message *Message) {
	if message.Timestamp == 0 {
		message.Timestamp = time.Now().Unix()
	}
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("序列化消息失败", zap.Error(err))
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for _, client := range h.clients {
		if client.Session() != sessionID {
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.logger.Warn("会话客户端发送缓冲区满",
				zap.String("client_id", client.ID),
				zap.String("session_id", sessionID))
		}
	}
}

// OnlineCount 在线客户端数
func (h *Hub) OnlineCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Register 注册客户端
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}
