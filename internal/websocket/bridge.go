package websocket

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/wfunc/card-game/internal/config"
	"github.com/wfunc/card-game/internal/coord"
	"github.com/wfunc/card-game/internal/errors"
	"github.com/wfunc/card-game/internal/game"
	"github.com/wfunc/card-game/internal/worker"
	"go.uber.org/zap"
)

// 弃局标记保留时长相对宽限期的倍数（标记需活到孤儿检测扫过为止）
const markerRetention = 10

// handleTimeout 单条入站消息的处理时限
const handleTimeout = 10 * time.Second

// joinPayload join_session消息体
type joinPayload struct {
	Nickname string `json:"nickname"`
}

// playerView 对外可见的玩家视图（只有本人能看到手牌）
type playerView struct {
	PlayerID  uint        `json:"player_id"`
	Nickname  string      `json:"nickname"`
	Seat      int         `json:"seat"`
	HandCount int         `json:"hand_count"`
	Hand      []game.Card `json:"hand,omitempty"`
	Passed    bool        `json:"passed"`
}

// stateView 对外可见的会话视图
type stateView struct {
	SessionID     string       `json:"session_id"`
	Status        string       `json:"status"`
	Turn          int          `json:"turn"`
	CurrentPlayer uint         `json:"current_player"`
	Players       []playerView `json:"players"`
	DeckCount     int          `json:"deck_count"`
	Discard       []game.Card  `json:"discard"`
	Winner        uint         `json:"winner,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// viewFor 构造指定玩家视角的会话视图
func viewFor(state *game.State, viewerID uint) stateView {
	view := stateView{
		SessionID:     state.SessionID,
		Status:        state.Status,
		Turn:          state.Turn,
		CurrentPlayer: state.CurrentPlayer,
		DeckCount:     len(state.Deck),
		Discard:       state.Discard,
		Winner:        state.Winner,
		UpdatedAt:     state.UpdatedAt,
	}
	for _, p := range state.Players {
		pv := playerView{
			PlayerID:  p.PlayerID,
			Nickname:  p.Nickname,
			Seat:      p.Seat,
			HandCount: len(p.Hand),
			Passed:    p.Passed,
		}
		if p.PlayerID == viewerID {
			pv.Hand = p.Hand
		}
		view.Players = append(view.Players, pv)
	}
	return view
}

// TransportBridge 消息协议与会话核心之间的桥接层
//
// 入站消息经限流后转给会话工作进程处理，出站事件按玩家视角裁剪后
// 推送。会话连接数归零时写入弃局标记，有玩家回来时删除。
type TransportBridge struct {
	hub     *Hub
	worker  *worker.SessionWorker
	store   coord.Store
	rateCfg *config.RateLimitConfig
	grace   time.Duration
	logger  *zap.Logger
}

// NewTransportBridge 创建桥接层并完成双向挂接
func NewTransportBridge(hub *Hub, w *worker.SessionWorker, store coord.Store, rateCfg *config.RateLimitConfig, grace time.Duration, logger *zap.Logger) *TransportBridge {
	b := &TransportBridge{
		hub:     hub,
		worker:  w,
		store:   store,
		rateCfg: rateCfg,
		grace:   grace,
		logger:  logger,
	}
	hub.SetHandler(b)
	w.SetBroadcaster(b)
	return b
}

// HandleClientMessage 处理入站消息
func (b *TransportBridge) HandleClientMessage(client *Client, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		b.sendError(client, errors.New(errors.ErrMessageFormat))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	if msg.Type == MessageTypePing {
		b.send(client, &Message{Type: MessageTypePong})
		return
	}

	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = client.Session()
	}
	if sessionID == "" {
		b.sendError(client, errors.New(errors.ErrInvalidParam, "缺少会话ID"))
		return
	}
	// 会话ID会拼进协调存储键名，冒号和通配符会破坏键的解析
	if strings.ContainsAny(sessionID, ":*") {
		b.sendError(client, errors.New(errors.ErrInvalidParam, "会话ID含非法字符"))
		return
	}

	if err := b.allowRate(ctx, client.PlayerID, sessionID); err != nil {
		b.sendError(client, err)
		return
	}

	switch msg.Type {
	case MessageTypeJoinSession:
		b.handleJoin(ctx, client, sessionID, msg.Data)
	case MessageTypeLeaveSession:
		b.handleLeave(ctx, client)
	case MessageTypeGameAction:
		b.handleAction(ctx, client, sessionID, msg.Data)
	default:
		b.sendError(client, errors.Newf(errors.ErrMessageFormat, "不支持的消息类型: %s", msg.Type))
	}
}

// allowRate 固定窗口限流（按玩家+会话）
func (b *TransportBridge) allowRate(ctx context.Context, playerID uint, sessionID string) error {
	if !b.rateCfg.Enabled {
		return nil
	}

	key := coord.RateLimitKey(playerID, sessionID)
	count, err := b.store.IncrWindow(ctx, key, b.rateCfg.Window)
	if err != nil {
		// 限流器故障时放行，不牺牲可用性
		b.logger.Warn("限流计数失败",
			zap.Uint("player_id", playerID),
			zap.Error(err))
		return nil
	}

	if count > int64(b.rateCfg.Limit) {
		return errors.New(errors.ErrRateLimitExceeded)
	}
	return nil
}

// handleJoin 加入会话
func (b *TransportBridge) handleJoin(ctx context.Context, client *Client, sessionID string, payload json.RawMessage) {
	var join joinPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &join); err != nil {
			b.sendError(client, errors.New(errors.ErrMessageFormat))
			return
		}
	}
	if join.Nickname == "" {
		join.Nickname = "玩家" + strconv.FormatUint(uint64(client.PlayerID), 10)
	}

	// 先登记成员关系，加入引发的开局广播才能送达本客户端
	_, prevSession, prevRemaining := b.hub.JoinSession(client, sessionID)

	// 切换会话时旧会话可能因此失去最后一个连接
	if prevSession != "" && prevRemaining == 0 {
		b.markAbandonment(ctx, prevSession)
	}

	state, err := b.worker.JoinSession(ctx, sessionID, client.PlayerID, join.Nickname)
	if err != nil {
		b.hub.LeaveSession(client)
		b.sendError(client, err)
		return
	}

	// 有玩家在线，撤销弃局标记
	if err := b.store.Del(ctx, coord.AbandonmentKey(sessionID)); err != nil {
		b.logger.Warn("弃局标记删除失败",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	b.sendState(client, MessageTypeGameState, state)

	b.hub.SendToSession(sessionID, &Message{
		Type:      MessageTypePlayerJoined,
		SessionID: sessionID,
		PlayerID:  client.PlayerID,
		Data:      mustJSON(map[string]interface{}{"nickname": join.Nickname}),
	})
}

// handleLeave 主动离开会话
func (b *TransportBridge) handleLeave(ctx context.Context, client *Client) {
	sessionID := client.Session()
	if sessionID == "" {
		return
	}

	if _, err := b.worker.LeaveSession(ctx, sessionID, client.PlayerID); err != nil {
		// 会话可能已结束，离开仍需清理本地成员关系
		b.logger.Debug("离开会话处理失败",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	b.hub.SendToSession(sessionID, &Message{
		Type:      MessageTypePlayerLeft,
		SessionID: sessionID,
		PlayerID:  client.PlayerID,
	})

	remaining := b.hub.LeaveSession(client)
	if remaining == 0 {
		b.markAbandonment(ctx, sessionID)
	}
}

// handleAction 执行游戏操作
func (b *TransportBridge) handleAction(ctx context.Context, client *Client, sessionID string, payload json.RawMessage) {
	var action game.Action
	if err := json.Unmarshal(payload, &action); err != nil {
		b.sendError(client, errors.New(errors.ErrMessageFormat))
		return
	}

	// 广播由Broadcaster回调完成
	if _, _, err := b.worker.ApplyAction(ctx, sessionID, client.PlayerID, action); err != nil {
		b.sendError(client, err)
	}
}

// HandleDisconnect 连接断开处理（Hub注销时回调）
func (b *TransportBridge) HandleDisconnect(client *Client) {
	sessionID := client.Session()
	if sessionID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	remaining := b.hub.LeaveSession(client)

	b.hub.SendToSession(sessionID, &Message{
		Type:      MessageTypePlayerDisconnected,
		SessionID: sessionID,
		PlayerID:  client.PlayerID,
	})

	if remaining == 0 {
		b.markAbandonment(ctx, sessionID)
	}
}

// markAbandonment 写入弃局标记（连接数归零时）
func (b *TransportBridge) markAbandonment(ctx context.Context, sessionID string) {
	value := strconv.FormatInt(time.Now().Unix(), 10)
	if err := b.store.Set(ctx, coord.AbandonmentKey(sessionID), value, b.grace*markerRetention); err != nil {
		b.logger.Warn("弃局标记写入失败",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	b.logger.Info("会话已无存活连接，写入弃局标记",
		zap.String("session_id", sessionID))
}

// BroadcastStateUpdate 向会话内每个客户端推送其视角的状态更新
func (b *TransportBridge) BroadcastStateUpdate(sessionID string, state *game.State, event *game.Event) {
	for _, client := range b.hub.SessionClients(sessionID) {
		payload := map[string]interface{}{
			"state": viewFor(state, client.PlayerID),
		}
		if event != nil {
			payload["event"] = event
		}

		err := b.hub.SendToClient(client.ID, &Message{
			Type:      MessageTypeGameStateUpdate,
			SessionID: sessionID,
			Data:      mustJSON(payload),
		})
		if err != nil {
			b.logger.Warn("状态更新推送失败",
				zap.String("client_id", client.ID),
				zap.Error(err))
		}
	}
}

// BroadcastSessionEnded 广播会话结束并清理成员关系
func (b *TransportBridge) BroadcastSessionEnded(sessionID, reason string) {
	b.hub.SendToSession(sessionID, &Message{
		Type:      MessageTypeSessionEnded,
		SessionID: sessionID,
		Data:      mustJSON(map[string]interface{}{"reason": reason}),
	})
	b.hub.ClearSession(sessionID)
}

// sendState 向单个客户端发送其视角的会话快照
func (b *TransportBridge) sendState(client *Client, msgType string, state *game.State) {
	err := b.hub.SendToClient(client.ID, &Message{
		Type:      msgType,
		SessionID: state.SessionID,
		Data:      mustJSON(map[string]interface{}{"state": viewFor(state, client.PlayerID)}),
	})
	if err != nil {
		b.logger.Warn("状态快照推送失败",
			zap.String("client_id", client.ID),
			zap.Error(err))
	}
}

// sendError 发送错误消息（错误码可供客户端区分限流等场景）
func (b *TransportBridge) sendError(client *Client, err error) {
	payload := map[string]interface{}{
		"code":    errors.GetCode(err),
		"message": err.Error(),
	}
	if appErr, ok := err.(*errors.AppError); ok {
		payload["message"] = appErr.Message
	}

	sendErr := b.hub.SendToClient(client.ID, &Message{
		Type: MessageTypeError,
		Data: mustJSON(payload),
	})
	if sendErr != nil {
		b.logger.Warn("错误消息推送失败",
			zap.String("client_id", client.ID),
			zap.Error(sendErr))
	}
}

// send 发送消息
func (b *TransportBridge) send(client *Client, msg *Message) {
	if err := b.hub.SendToClient(client.ID, msg); err != nil {
		b.logger.Warn("消息推送失败",
			zap.String("client_id", client.ID),
			zap.Error(err))
	}
}

// mustJSON 序列化为JSON（仅用于受控结构）
func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
