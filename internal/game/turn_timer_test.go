package game

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/card-game/internal/coord"
	"go.uber.org/zap"
)

// firedRecorder 记录自动过牌回调
type firedRecorder struct {
	mu    sync.Mutex
	fires []uint
	ch    chan uint
}

func newFiredRecorder() *firedRecorder {
	return &firedRecorder{ch: make(chan uint, 10)}
}

func (r *firedRecorder) handler(sessionID string, playerID uint) {
	r.mu.Lock()
	r.fires = append(r.fires, playerID)
	r.mu.Unlock()
	r.ch <- playerID
}

func (r *firedRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fires)
}

func (r *firedRecorder) waitFire(t *testing.T) uint {
	select {
	case playerID := <-r.ch:
		return playerID
	case <-time.After(2 * time.Second):
		t.Fatal("等待自动过牌超时")
		return 0
	}
}

func TestTimerFiresAutoPassOnce(t *testing.T) {
	store := coord.NewMemoryStore()
	ctx := context.Background()

	rec := newFiredRecorder()
	mgr := NewTurnTimerManager(store, "worker-a", 15*time.Second, zap.NewNop())
	mgr.SetAutoPassHandler(rec.handler)

	require.NoError(t, mgr.Start(ctx, "session-1", 1, 20*time.Millisecond))

	playerID := rec.waitFire(t)
	assert.Equal(t, uint(1), playerID)

	// 触发后记录被删除，不会重复触发
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
	_, err := store.Get(ctx, coord.TurnTimerKey("session-1"))
	assert.Equal(t, coord.ErrKeyNotFound, err)
	assert.Equal(t, 0, mgr.ActiveCount())
}

func TestTimerReplaceCancelsPrior(t *testing.T) {
	store := coord.NewMemoryStore()
	ctx := context.Background()

	rec := newFiredRecorder()
	mgr := NewTurnTimerManager(store, "worker-a", 15*time.Second, zap.NewNop())
	mgr.SetAutoPassHandler(rec.handler)

	require.NoError(t, mgr.Start(ctx, "session-1", 1, 40*time.Millisecond))
	// 同一会话重新计时替换旧计时器
	require.NoError(t, mgr.Start(ctx, "session-1", 2, 40*time.Millisecond))

	playerID := rec.waitFire(t)
	assert.Equal(t, uint(2), playerID, "只有替换后的计时器应触发")

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestTimerClearPreventsFire(t *testing.T) {
	store := coord.NewMemoryStore()
	ctx := context.Background()

	rec := newFiredRecorder()
	mgr := NewTurnTimerManager(store, "worker-a", 15*time.Second, zap.NewNop())
	mgr.SetAutoPassHandler(rec.handler)

	require.NoError(t, mgr.Start(ctx, "session-1", 1, 30*time.Millisecond))
	require.NoError(t, mgr.Clear(ctx, "session-1"))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, 0, mgr.ActiveCount())
}

func TestTimerStaleRecordSuppressesFire(t *testing.T) {
	store := coord.NewMemoryStore()
	ctx := context.Background()

	rec := newFiredRecorder()
	mgr := NewTurnTimerManager(store, "worker-a", 15*time.Second, zap.NewNop())
	mgr.SetAutoPassHandler(rec.handler)

	require.NoError(t, mgr.Start(ctx, "session-1", 1, 30*time.Millisecond))

	// 会话已转移：记录被其他进程覆盖
	record := TimerRecord{
		SessionID: "session-1",
		PlayerID:  1,
		WorkerID:  "worker-b",
		StartedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Minute),
	}
	data, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, coord.TurnTimerKey("session-1"), string(data), time.Minute))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, rec.count(), "他人的计时记录不应被本进程触发")
}

func TestTimerRemaining(t *testing.T) {
	store := coord.NewMemoryStore()
	ctx := context.Background()

	mgr := NewTurnTimerManager(store, "worker-a", 15*time.Second, zap.NewNop())

	_, ok := mgr.Remaining(ctx, "session-1")
	assert.False(t, ok)

	require.NoError(t, mgr.Start(ctx, "session-1", 1, 10*time.Second))

	remaining, ok := mgr.Remaining(ctx, "session-1")
	require.True(t, ok)
	assert.Greater(t, remaining, 5*time.Second)
	assert.LessOrEqual(t, remaining, 10*time.Second)
}

func TestTimerResumeReschedules(t *testing.T) {
	store := coord.NewMemoryStore()
	ctx := context.Background()

	rec := newFiredRecorder()
	mgr := NewTurnTimerManager(store, "worker-b", 15*time.Second, zap.NewNop())
	mgr.SetAutoPassHandler(rec.handler)

	// 原持有进程留下的未过期计时记录
	record := TimerRecord{
		SessionID: "session-1",
		PlayerID:  3,
		WorkerID:  "worker-a",
		StartedAt: time.Now().Add(-10 * time.Millisecond),
		ExpiresAt: time.Now().Add(30 * time.Millisecond),
	}
	data, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, coord.TurnTimerKey("session-1"), string(data), time.Minute))

	require.NoError(t, mgr.Resume(ctx, "session-1"))
	assert.Equal(t, 1, mgr.ActiveCount())

	playerID := rec.waitFire(t)
	assert.Equal(t, uint(3), playerID)
}

func TestTimerResumeExpiredFiresImmediately(t *testing.T) {
	store := coord.NewMemoryStore()
	ctx := context.Background()

	rec := newFiredRecorder()
	mgr := NewTurnTimerManager(store, "worker-b", 15*time.Second, zap.NewNop())
	mgr.SetAutoPassHandler(rec.handler)

	// 崩溃期间已超时的计时记录
	record := TimerRecord{
		SessionID: "session-1",
		PlayerID:  2,
		WorkerID:  "worker-a",
		StartedAt: time.Now().Add(-2 * time.Minute),
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	data, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, coord.TurnTimerKey("session-1"), string(data), time.Minute))

	require.NoError(t, mgr.Resume(ctx, "session-1"))

	playerID := rec.waitFire(t)
	assert.Equal(t, uint(2), playerID)

	// 记录已删除
	_, err = store.Get(ctx, coord.TurnTimerKey("session-1"))
	assert.Equal(t, coord.ErrKeyNotFound, err)
}

func TestTimerResumeWithoutRecord(t *testing.T) {
	store := coord.NewMemoryStore()
	ctx := context.Background()

	rec := newFiredRecorder()
	mgr := NewTurnTimerManager(store, "worker-a", 15*time.Second, zap.NewNop())
	mgr.SetAutoPassHandler(rec.handler)

	require.NoError(t, mgr.Resume(ctx, "session-1"))
	assert.Equal(t, 0, mgr.ActiveCount())
	assert.Equal(t, 0, rec.count())
}
