package game

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/card-game/internal/coord"
	"github.com/wfunc/card-game/internal/errors"
	"github.com/wfunc/card-game/internal/lease"
	"github.com/wfunc/card-game/internal/repository"
	"go.uber.org/zap"
)

func newTestStateManager(t *testing.T, store coord.Store, workerID string) (*StateManager, repository.SessionRepository, *lease.Manager) {
	db := repository.TestDB(t)
	repo := repository.NewSessionRepository(db)
	leases := lease.NewManager(store, workerID, 30*time.Second, 45*time.Second, zap.NewNop())
	mgr := NewStateManager(repo, store, leases, 10*time.Minute, zap.NewNop())
	return mgr, repo, leases
}

func testState(sessionID string) *State {
	return &State{
		SessionID:     sessionID,
		Status:        "playing",
		Turn:          3,
		CurrentPlayer: 2,
		Players: []Player{
			{PlayerID: 1, Nickname: "玩家一", Seat: 0, Hand: []Card{{Suit: SuitSpade, Rank: 10}}},
			{PlayerID: 2, Nickname: "玩家二", Seat: 1, Hand: []Card{{Suit: SuitHeart, Rank: 7}}},
		},
		Discard: []Card{{Suit: SuitClub, Rank: 5}},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := coord.NewMemoryStore()
	ctx := context.Background()

	mgr, repo, leases := newTestStateManager(t, store, "worker-a")

	require.NoError(t, repo.Create(ctx, repository.CreateTestSession("session-1", "playing", "worker-a")))
	ok, err := leases.Acquire(ctx, "session-1")
	require.NoError(t, err)
	require.True(t, ok)

	state := testState("session-1")
	require.NoError(t, mgr.Save(ctx, state))

	loaded, err := mgr.Load(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, state.Turn, loaded.Turn)
	assert.Equal(t, state.CurrentPlayer, loaded.CurrentPlayer)
	assert.Equal(t, state.Players, loaded.Players)
	assert.Equal(t, state.Discard, loaded.Discard)

	// 缓存层已填充
	_, err = store.Get(ctx, coord.StateKey("session-1"))
	assert.NoError(t, err)
}

func TestSaveRejectedWhenNotOwner(t *testing.T) {
	store := coord.NewMemoryStore()
	ctx := context.Background()

	mgr, repo, _ := newTestStateManager(t, store, "worker-a")
	require.NoError(t, repo.Create(ctx, repository.CreateTestSession("session-1", "playing", "worker-b")))

	// 租约被其他进程持有
	require.NoError(t, store.Set(ctx, coord.LeaseKey("session-1"), "worker-b", time.Minute))

	err := mgr.Save(ctx, testState("session-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotOwner))
}

func TestSaveUnknownSession(t *testing.T) {
	store := coord.NewMemoryStore()
	ctx := context.Background()

	mgr, _, leases := newTestStateManager(t, store, "worker-a")
	ok, err := leases.Acquire(ctx, "session-ghost")
	require.NoError(t, err)
	require.True(t, ok)

	err = mgr.Save(ctx, testState("session-ghost"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))
}

func TestLoadFallbackToDurable(t *testing.T) {
	store := coord.NewMemoryStore()
	ctx := context.Background()

	mgr, repo, _ := newTestStateManager(t, store, "worker-a")

	// 只有持久存储有记录，两级缓存均为空
	state := testState("session-1")
	data, err := state.Encode()
	require.NoError(t, err)

	session := repository.CreateTestSession("session-1", "playing", "worker-b")
	session.StateData = data
	require.NoError(t, repo.Create(ctx, session))

	loaded, err := mgr.Load(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, state.Turn, loaded.Turn)
	assert.Equal(t, state.Players, loaded.Players)

	// 降级命中后回填缓存层
	cached, err := store.Get(ctx, coord.StateKey("session-1"))
	require.NoError(t, err)
	assert.Equal(t, data, cached)
}

func TestLoadCorruptCacheFallsThrough(t *testing.T) {
	store := coord.NewMemoryStore()
	ctx := context.Background()

	mgr, repo, _ := newTestStateManager(t, store, "worker-a")

	state := testState("session-1")
	data, err := state.Encode()
	require.NoError(t, err)

	session := repository.CreateTestSession("session-1", "playing", "worker-b")
	session.StateData = data
	require.NoError(t, repo.Create(ctx, session))

	// 缓存层写入损坏数据
	require.NoError(t, store.Set(ctx, coord.StateKey("session-1"), "{损坏", time.Minute))

	loaded, err := mgr.Load(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, state.Turn, loaded.Turn)
}

func TestLoadUnknownSession(t *testing.T) {
	store := coord.NewMemoryStore()
	ctx := context.Background()

	mgr, _, _ := newTestStateManager(t, store, "worker-a")

	_, err := mgr.Load(ctx, "session-ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))
}

func TestCrossWorkerLoad(t *testing.T) {
	store := coord.NewMemoryStore()
	ctx := context.Background()

	db := repository.TestDB(t)
	repo := repository.NewSessionRepository(db)

	leasesA := lease.NewManager(store, "worker-a", 30*time.Second, 45*time.Second, zap.NewNop())
	leasesB := lease.NewManager(store, "worker-b", 30*time.Second, 45*time.Second, zap.NewNop())
	mgrA := NewStateManager(repo, store, leasesA, 10*time.Minute, zap.NewNop())
	mgrB := NewStateManager(repo, store, leasesB, 10*time.Minute, zap.NewNop())

	require.NoError(t, repo.Create(ctx, repository.CreateTestSession("session-1", "playing", "worker-a")))
	ok, err := leasesA.Acquire(ctx, "session-1")
	require.NoError(t, err)
	require.True(t, ok)

	state := testState("session-1")
	require.NoError(t, mgrA.Save(ctx, state))

	// 另一个进程从共享层读到相同状态
	loaded, err := mgrB.Load(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, state.Turn, loaded.Turn)
	assert.Equal(t, state.Players, loaded.Players)
}

func TestForget(t *testing.T) {
	store := coord.NewMemoryStore()
	ctx := context.Background()

	mgr, repo, leases := newTestStateManager(t, store, "worker-a")

	require.NoError(t, repo.Create(ctx, repository.CreateTestSession("session-1", "playing", "worker-a")))
	ok, err := leases.Acquire(ctx, "session-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, mgr.Save(ctx, testState("session-1")))
	assert.Equal(t, 1, mgr.MemoryCount())

	mgr.Forget("session-1")
	assert.Equal(t, 0, mgr.MemoryCount())

	// 内存层被丢弃后仍能从共享层读取
	loaded, err := mgr.Load(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "session-1", loaded.SessionID)
}
