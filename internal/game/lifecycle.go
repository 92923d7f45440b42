package game

import (
	"time"

	"github.com/wfunc/card-game/internal/models"
)

// StalenessThresholds 会话陈旧判定阈值
type StalenessThresholds struct {
	LobbyTimeout       time.Duration // waiting会话的最大存活时长（按创建时间）
	LobbyInactivity    time.Duration // waiting会话的最大不活跃时长（按更新时间）
	AbandonmentTimeout time.Duration // playing会话的弃局时长
	ConnectionTimeout  time.Duration // playing会话的连接中断时长
}

// EvaluateStaleness 判定会话是否陈旧并给出结束原因
//
// waiting会话：超龄 → lobby_timeout，长期不活跃 → lobby_inactivity；
// playing会话：不活跃超过弃局时长 → abandonment_timeout，
// 超过连接中断时长 → connection_timeout。同时满足多条时取最严重者。
// 终止态会话永不陈旧。
func EvaluateStaleness(session *models.GameSession, now time.Time, th StalenessThresholds) (string, bool) {
	switch session.Status {
	case models.SessionStatusWaiting:
		if now.Sub(session.CreatedAt) > th.LobbyTimeout {
			return models.EndReasonLobbyTimeout, true
		}
		if now.Sub(session.UpdatedAt) > th.LobbyInactivity {
			return models.EndReasonLobbyInactivity, true
		}

	case models.SessionStatusPlaying:
		idle := now.Sub(session.UpdatedAt)
		if idle > th.AbandonmentTimeout {
			return models.EndReasonAbandonmentTimeout, true
		}
		if idle > th.ConnectionTimeout {
			return models.EndReasonConnectionTimeout, true
		}
	}

	return "", false
}
