package models

import (
	"time"
)

// 会话生命周期状态
const (
	SessionStatusWaiting   = "waiting"
	SessionStatusPlaying   = "playing"
	SessionStatusFinished  = "finished"
	SessionStatusCancelled = "cancelled"
	SessionStatusAbandoned = "abandoned"
)

// 会话结束原因
const (
	EndReasonLobbyTimeout       = "lobby_timeout"
	EndReasonLobbyInactivity    = "lobby_inactivity"
	EndReasonAbandonmentTimeout = "abandonment_timeout"
	EndReasonConnectionTimeout  = "connection_timeout"
	EndReasonResumeFailure      = "resume_failure"
	EndReasonPlayerAbandonment  = "player_abandonment"
	EndReasonForfeit            = "forfeit"
	EndReasonDeckExhausted      = "deck_exhausted"
	EndReasonCompleted          = "completed"
)

// GameSession 游戏会话表（权威记录，仅由持有租约的工作进程写入）
type GameSession struct {
	BaseModel
	SessionID     string     `gorm:"uniqueIndex;size:64;not null" json:"session_id"`
	Status        string     `gorm:"size:20;default:'waiting';index" json:"status"` // waiting, playing, finished, cancelled, abandoned
	OwnerWorkerID string     `gorm:"size:64;index" json:"owner_worker_id"`
	StateData     string     `gorm:"type:text" json:"state_data"` // JSON格式的游戏状态
	EndReason     string     `gorm:"size:40" json:"end_reason"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// TableName 指定表名
func (GameSession) TableName() string {
	return "game_sessions"
}

// IsTerminal 判断会话是否已进入终止状态
func (s *GameSession) IsTerminal() bool {
	switch s.Status {
	case SessionStatusFinished, SessionStatusCancelled, SessionStatusAbandoned:
		return true
	}
	return false
}
