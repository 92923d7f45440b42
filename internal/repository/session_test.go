package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/card-game/internal/models"
	"gorm.io/gorm"
)

func TestSessionCreateAndFind(t *testing.T) {
	db := TestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	session := CreateTestSession("sess-001", models.SessionStatusWaiting, "worker-a")
	err := repo.Create(ctx, session)
	require.NoError(t, err)
	assert.NotZero(t, session.ID)

	found, err := repo.FindBySessionID(ctx, "sess-001")
	require.NoError(t, err)
	AssertSession(t, session, found)
}

func TestSessionFindMissing(t *testing.T) {
	db := TestDB(t)
	repo := NewSessionRepository(db)

	_, err := repo.FindBySessionID(context.Background(), "不存在")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestSessionIDUnique(t *testing.T) {
	db := TestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-dup", models.SessionStatusWaiting, "worker-a")))
	err := repo.Create(ctx, CreateTestSession("sess-dup", models.SessionStatusWaiting, "worker-b"))
	assert.Error(t, err)
}

func TestFindActiveExcludesTerminal(t *testing.T) {
	db := TestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-w", models.SessionStatusWaiting, "worker-a")))
	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-p", models.SessionStatusPlaying, "worker-a")))
	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-f", models.SessionStatusFinished, "worker-a")))
	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-c", models.SessionStatusCancelled, "worker-a")))
	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-a", models.SessionStatusAbandoned, "worker-a")))

	active, err := repo.FindActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)

	ids := []string{active[0].SessionID, active[1].SessionID}
	assert.ElementsMatch(t, []string{"sess-w", "sess-p"}, ids)
}

func TestFindByOwner(t *testing.T) {
	db := TestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-1", models.SessionStatusPlaying, "worker-a")))
	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-2", models.SessionStatusWaiting, "worker-a")))
	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-3", models.SessionStatusPlaying, "worker-b")))
	// 终止会话即使归属匹配也不算在内
	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-4", models.SessionStatusFinished, "worker-a")))

	owned, err := repo.FindByOwner(ctx, "worker-a")
	require.NoError(t, err)
	assert.Len(t, owned, 2)
}

func TestFindStaleWaiting(t *testing.T) {
	db := TestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	// 超龄大厅：创建很久但最近有更新
	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-old", models.SessionStatusWaiting, "")))
	Backdate(t, db, "sess-old", 2*time.Hour, time.Minute)

	// 不活跃大厅：创建不久但长时间无更新
	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-idle", models.SessionStatusWaiting, "")))
	Backdate(t, db, "sess-idle", 10*time.Minute, 30*time.Minute)

	// 健康大厅
	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-fresh", models.SessionStatusWaiting, "")))

	// PLAYING会话不在本查询范围内
	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-play", models.SessionStatusPlaying, "")))
	Backdate(t, db, "sess-play", 2*time.Hour, 2*time.Hour)

	now := time.Now()
	stale, err := repo.FindStaleWaiting(ctx, now.Add(-time.Hour), now.Add(-15*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 2)

	ids := []string{stale[0].SessionID, stale[1].SessionID}
	assert.ElementsMatch(t, []string{"sess-old", "sess-idle"}, ids)
}

func TestFindStalePlaying(t *testing.T) {
	db := TestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-stuck", models.SessionStatusPlaying, "worker-a")))
	Backdate(t, db, "sess-stuck", 3*time.Hour, 3*time.Hour)

	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-live", models.SessionStatusPlaying, "worker-a")))

	stale, err := repo.FindStalePlaying(ctx, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "sess-stuck", stale[0].SessionID)
}

func TestSaveState(t *testing.T) {
	db := TestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-save", models.SessionStatusPlaying, "worker-a")))

	err := repo.SaveState(ctx, "sess-save", `{"turn":5}`, "worker-b")
	require.NoError(t, err)

	found, err := repo.FindBySessionID(ctx, "sess-save")
	require.NoError(t, err)
	assert.Equal(t, `{"turn":5}`, found.StateData)
	assert.Equal(t, "worker-b", found.OwnerWorkerID)
}

func TestSaveStateMissingSession(t *testing.T) {
	db := TestDB(t)
	repo := NewSessionRepository(db)

	err := repo.SaveState(context.Background(), "sess-ghost", `{}`, "worker-a")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestEndSession(t *testing.T) {
	db := TestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-end", models.SessionStatusPlaying, "worker-a")))

	err := repo.EndSession(ctx, "sess-end", models.SessionStatusAbandoned, models.EndReasonPlayerAbandonment)
	require.NoError(t, err)

	found, err := repo.FindBySessionID(ctx, "sess-end")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusAbandoned, found.Status)
	assert.Equal(t, models.EndReasonPlayerAbandonment, found.EndReason)
	require.NotNil(t, found.EndedAt)
	assert.WithinDuration(t, time.Now(), *found.EndedAt, 5*time.Second)
	assert.True(t, found.IsTerminal())
}

func TestUpdateBySessionID(t *testing.T) {
	db := TestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-upd", models.SessionStatusWaiting, "worker-a")))

	err := repo.UpdateBySessionID(ctx, "sess-upd", map[string]interface{}{
		"status":          models.SessionStatusPlaying,
		"owner_worker_id": "worker-b",
	})
	require.NoError(t, err)

	found, err := repo.FindBySessionID(ctx, "sess-upd")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPlaying, found.Status)
	assert.Equal(t, "worker-b", found.OwnerWorkerID)
}

func TestCountByStatus(t *testing.T) {
	db := TestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-1", models.SessionStatusWaiting, "")))
	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-2", models.SessionStatusPlaying, "")))
	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-3", models.SessionStatusPlaying, "")))
	require.NoError(t, repo.Create(ctx, CreateTestSession("sess-4", models.SessionStatusFinished, "")))

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.SessionStatusWaiting])
	assert.Equal(t, int64(2), counts[models.SessionStatusPlaying])
	assert.Equal(t, int64(1), counts[models.SessionStatusFinished])
}

func TestFindRecentPagination(t *testing.T) {
	db := TestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sessionID := "sess-" + string(rune('a'+i))
		require.NoError(t, repo.Create(ctx, CreateTestSession(sessionID, models.SessionStatusWaiting, "")))
	}

	p := NewPagination(1, 2)
	page1, err := repo.FindRecent(ctx, p)
	require.NoError(t, err)
	assert.Len(t, page1, 2)
	assert.Equal(t, int64(5), p.Total)

	p3 := NewPagination(3, 2)
	page3, err := repo.FindRecent(ctx, p3)
	require.NoError(t, err)
	assert.Len(t, page3, 1)
}
