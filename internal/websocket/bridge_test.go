package websocket

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/card-game/internal/config"
	"github.com/wfunc/card-game/internal/coord"
	"github.com/wfunc/card-game/internal/errors"
	"github.com/wfunc/card-game/internal/game"
	"github.com/wfunc/card-game/internal/lease"
	"github.com/wfunc/card-game/internal/repository"
	"github.com/wfunc/card-game/internal/worker"
	"go.uber.org/zap"
)

type bridgeEnv struct {
	store  *coord.MemoryStore
	hub    *Hub
	bridge *TransportBridge
	worker *worker.SessionWorker
}

func newBridgeEnv(t *testing.T, rateCfg *config.RateLimitConfig) *bridgeEnv {
	logger := zap.NewNop()
	store := coord.NewMemoryStore()
	db := repository.TestDB(t)
	repo := repository.NewSessionRepository(db)

	cfg := &config.WorkerConfig{
		LeaseTTL:           30 * time.Second,
		RenewInterval:      10 * time.Second,
		HeartbeatInterval:  10 * time.Second,
		OrphanInterval:     10 * time.Second,
		DeadWorkerWindow:   45 * time.Second,
		LobbyTimeout:       time.Hour,
		LobbyInactivity:    15 * time.Minute,
		AbandonmentTimeout: 24 * time.Hour,
		ConnectionTimeout:  2 * time.Hour,
		AbandonmentGrace:   2 * time.Minute,
		StateCacheTTL:      10 * time.Minute,
		TurnTimeout:        90 * time.Second,
		TurnTTLSlack:       15 * time.Second,
		ShutdownGrace:      10 * time.Millisecond,
		MaxSessions:        100,
	}

	leases := lease.NewManager(store, "worker-a", cfg.LeaseTTL, cfg.DeadWorkerWindow, logger)
	states := game.NewStateManager(repo, store, leases, cfg.StateCacheTTL, logger)
	timers := game.NewTurnTimerManager(store, "worker-a", cfg.TurnTTLSlack, logger)
	w := worker.New("worker-a", cfg, leases, states, timers, game.NewCardEngine(), repo, store, logger)
	w.SetTerminator(func(string) {})

	if rateCfg == nil {
		rateCfg = &config.RateLimitConfig{Enabled: false}
	}

	hub := NewHub(logger)
	bridge := NewTransportBridge(hub, w, store, rateCfg, cfg.AbandonmentGrace, logger)

	return &bridgeEnv{store: store, hub: hub, bridge: bridge, worker: w}
}

// connect 直接注册客户端（测试不经过真实连接）
func (env *bridgeEnv) connect(playerID uint) *Client {
	client := &Client{
		ID:       "client-" + strconv.FormatUint(uint64(playerID), 10),
		PlayerID: playerID,
		Hub:      env.hub,
		Send:     make(chan []byte, 256),
	}
	env.hub.registerClient(client)
	return client
}

func inbound(t *testing.T, msgType, sessionID string, payload interface{}) []byte {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		data = raw
	}
	raw, err := json.Marshal(&Message{Type: msgType, SessionID: sessionID, Data: data})
	require.NoError(t, err)
	return raw
}

// waitForType 等待客户端收到指定类型的消息（丢弃其他消息）
func waitForType(t *testing.T, client *Client, msgType string) *Message {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-client.Send:
			var msg Message
			require.NoError(t, json.Unmarshal(raw, &msg))
			if msg.Type == msgType {
				return &msg
			}
		case <-deadline:
			t.Fatalf("等待消息类型%s超时", msgType)
			return nil
		}
	}
}

func TestJoinDeliversSnapshot(t *testing.T) {
	env := newBridgeEnv(t, nil)
	client := env.connect(1)

	env.bridge.HandleClientMessage(client, inbound(t, MessageTypeJoinSession, "session-1", joinPayload{Nickname: "玩家一"}))

	msg := waitForType(t, client, MessageTypeGameState)
	var payload struct {
		State stateView `json:"state"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "session-1", payload.State.SessionID)
	assert.Equal(t, "waiting", payload.State.Status)
	assert.Len(t, payload.State.Players, 1)

	joined := waitForType(t, client, MessageTypePlayerJoined)
	assert.Equal(t, uint(1), joined.PlayerID)

	assert.Equal(t, 1, env.hub.SessionConnCount("session-1"))
	assert.Equal(t, "session-1", client.Session())
}

func TestSecondJoinStartsGameWithRedactedViews(t *testing.T) {
	env := newBridgeEnv(t, nil)
	clientA := env.connect(1)
	clientB := env.connect(2)

	env.bridge.HandleClientMessage(clientA, inbound(t, MessageTypeJoinSession, "session-1", joinPayload{Nickname: "玩家一"}))
	env.bridge.HandleClientMessage(clientB, inbound(t, MessageTypeJoinSession, "session-1", joinPayload{Nickname: "玩家二"}))

	// 第二人加入自动开局，双方都收到开局状态更新
	update := waitForType(t, clientA, MessageTypeGameStateUpdate)
	var payload struct {
		State stateView   `json:"state"`
		Event *game.Event `json:"event"`
	}
	require.NoError(t, json.Unmarshal(update.Data, &payload))
	assert.Equal(t, "playing", payload.State.Status)
	require.NotNil(t, payload.Event)
	assert.Equal(t, game.EventGameStarted, payload.Event.Type)

	// 视角裁剪：只能看到自己的手牌，他人只有数量
	for _, p := range payload.State.Players {
		if p.PlayerID == 1 {
			assert.Len(t, p.Hand, game.InitialHand)
		} else {
			assert.Empty(t, p.Hand)
			assert.Equal(t, game.InitialHand, p.HandCount)
		}
	}

	waitForType(t, clientB, MessageTypeGameStateUpdate)
}

func TestGameActionBroadcast(t *testing.T) {
	env := newBridgeEnv(t, nil)
	clientA := env.connect(1)
	clientB := env.connect(2)

	env.bridge.HandleClientMessage(clientA, inbound(t, MessageTypeJoinSession, "session-1", nil))
	env.bridge.HandleClientMessage(clientB, inbound(t, MessageTypeJoinSession, "session-1", nil))
	waitForType(t, clientA, MessageTypeGameStateUpdate)
	waitForType(t, clientB, MessageTypeGameStateUpdate)

	env.bridge.HandleClientMessage(clientA, inbound(t, MessageTypeGameAction, "session-1", game.Action{Type: game.ActionPass}))

	update := waitForType(t, clientB, MessageTypeGameStateUpdate)
	var payload struct {
		State stateView   `json:"state"`
		Event *game.Event `json:"event"`
	}
	require.NoError(t, json.Unmarshal(update.Data, &payload))
	assert.Equal(t, uint(2), payload.State.CurrentPlayer)
	require.NotNil(t, payload.Event)
	assert.Equal(t, game.EventPlayerPassed, payload.Event.Type)
}

func TestActionOutOfTurnReturnsError(t *testing.T) {
	env := newBridgeEnv(t, nil)
	clientA := env.connect(1)
	clientB := env.connect(2)

	env.bridge.HandleClientMessage(clientA, inbound(t, MessageTypeJoinSession, "session-1", nil))
	env.bridge.HandleClientMessage(clientB, inbound(t, MessageTypeJoinSession, "session-1", nil))
	waitForType(t, clientB, MessageTypeGameStateUpdate)

	env.bridge.HandleClientMessage(clientB, inbound(t, MessageTypeGameAction, "session-1", game.Action{Type: game.ActionPass}))

	msg := waitForType(t, clientB, MessageTypeError)
	var payload struct {
		Code errors.ErrorCode `json:"code"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, errors.ErrNotPlayerTurn, payload.Code)
}

func TestRateLimitExceeded(t *testing.T) {
	env := newBridgeEnv(t, &config.RateLimitConfig{
		Enabled: true,
		Window:  10 * time.Second,
		Limit:   2,
	})
	client := env.connect(1)

	for i := 0; i < 3; i++ {
		env.bridge.HandleClientMessage(client, inbound(t, MessageTypeJoinSession, "session-1", nil))
	}

	msg := waitForType(t, client, MessageTypeError)
	var payload struct {
		Code errors.ErrorCode `json:"code"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, errors.ErrRateLimitExceeded, payload.Code)
}

func TestPingPongBypassesRateLimit(t *testing.T) {
	env := newBridgeEnv(t, &config.RateLimitConfig{
		Enabled: true,
		Window:  10 * time.Second,
		Limit:   1,
	})
	client := env.connect(1)

	for i := 0; i < 5; i++ {
		env.bridge.HandleClientMessage(client, inbound(t, MessageTypePing, "", nil))
		waitForType(t, client, MessageTypePong)
	}
}

func TestDisconnectMarksAbandonmentAtZeroConnections(t *testing.T) {
	env := newBridgeEnv(t, nil)
	ctx := context.Background()
	clientA := env.connect(1)
	clientB := env.connect(2)

	env.bridge.HandleClientMessage(clientA, inbound(t, MessageTypeJoinSession, "session-1", nil))
	env.bridge.HandleClientMessage(clientB, inbound(t, MessageTypeJoinSession, "session-1", nil))

	// 第一个断开：仍有连接，不写标记
	env.bridge.HandleDisconnect(clientA)
	_, err := env.store.Get(ctx, coord.AbandonmentKey("session-1"))
	assert.Equal(t, coord.ErrKeyNotFound, err)

	waitForType(t, clientB, MessageTypePlayerDisconnected)

	// 最后一个断开：连接数归零，写入弃局标记
	env.bridge.HandleDisconnect(clientB)
	val, err := env.store.Get(ctx, coord.AbandonmentKey("session-1"))
	require.NoError(t, err)

	markedAt, err := strconv.ParseInt(val, 10, 64)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), time.Unix(markedAt, 0), time.Minute)
}

func TestJoinRemovesAbandonmentMarker(t *testing.T) {
	env := newBridgeEnv(t, nil)
	ctx := context.Background()

	// 预置弃局标记
	require.NoError(t, env.store.Set(ctx, coord.AbandonmentKey("session-1"),
		strconv.FormatInt(time.Now().Unix(), 10), time.Hour))

	client := env.connect(1)
	env.bridge.HandleClientMessage(client, inbound(t, MessageTypeJoinSession, "session-1", nil))
	waitForType(t, client, MessageTypeGameState)

	_, err := env.store.Get(ctx, coord.AbandonmentKey("session-1"))
	assert.Equal(t, coord.ErrKeyNotFound, err)
}

func TestSessionSwitchMarksOldSessionAbandonment(t *testing.T) {
	env := newBridgeEnv(t, nil)
	ctx := context.Background()
	client := env.connect(1)

	env.bridge.HandleClientMessage(client, inbound(t, MessageTypeJoinSession, "session-a", nil))
	waitForType(t, client, MessageTypeGameState)

	// 切换会话：旧会话失去最后一个连接，应写入弃局标记
	env.bridge.HandleClientMessage(client, inbound(t, MessageTypeJoinSession, "session-b", nil))
	waitForType(t, client, MessageTypeGameState)

	_, err := env.store.Get(ctx, coord.AbandonmentKey("session-a"))
	require.NoError(t, err)
	assert.Equal(t, 0, env.hub.SessionConnCount("session-a"))

	// 新会话有人在线，不得有标记
	_, err = env.store.Get(ctx, coord.AbandonmentKey("session-b"))
	assert.Equal(t, coord.ErrKeyNotFound, err)
}

func TestRejectsSessionIDWithReservedChars(t *testing.T) {
	env := newBridgeEnv(t, nil)
	client := env.connect(1)

	for _, sessionID := range []string{"bad:id", "bad*id"} {
		env.bridge.HandleClientMessage(client, inbound(t, MessageTypeJoinSession, sessionID, nil))

		msg := waitForType(t, client, MessageTypeError)
		var payload struct {
			Code errors.ErrorCode `json:"code"`
		}
		require.NoError(t, json.Unmarshal(msg.Data, &payload))
		assert.Equal(t, errors.ErrInvalidParam, payload.Code)
		assert.Equal(t, 0, env.hub.SessionConnCount(sessionID))
	}
}

func TestSessionEndedBroadcast(t *testing.T) {
	env := newBridgeEnv(t, nil)
	client := env.connect(1)

	env.bridge.HandleClientMessage(client, inbound(t, MessageTypeJoinSession, "session-1", nil))
	waitForType(t, client, MessageTypeGameState)

	env.bridge.BroadcastSessionEnded("session-1", "lobby_timeout")

	msg := waitForType(t, client, MessageTypeSessionEnded)
	var payload struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "lobby_timeout", payload.Reason)

	// 成员关系已清理
	assert.Empty(t, client.Session())
	assert.Equal(t, 0, env.hub.SessionConnCount("session-1"))
}

func TestMalformedMessage(t *testing.T) {
	env := newBridgeEnv(t, nil)
	client := env.connect(1)

	env.bridge.HandleClientMessage(client, []byte("{损坏"))

	msg := waitForType(t, client, MessageTypeError)
	var payload struct {
		Code errors.ErrorCode `json:"code"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, errors.ErrMessageFormat, payload.Code)
}
