package coord

import (
	"fmt"
	"strings"
)

// 协调存储键约定
//
//	session:{id}:lease             会话租约
//	session:{id}:state             会话状态缓存
//	session:{id}:turn_timer        回合计时记录
//	session:{id}:abandonment_check 弃局标记
//	worker:{id}:heartbeat          工作进程心跳
//	worker:{id}:health_metrics     工作进程健康快照
//	rate_limit:{player}:{session}  限流窗口计数

// LeaseKey 会话租约键
func LeaseKey(sessionID string) string {
	return fmt.Sprintf("session:%s:lease", sessionID)
}

// StateKey 会话状态缓存键
func StateKey(sessionID string) string {
	return fmt.Sprintf("session:%s:state", sessionID)
}

// TurnTimerKey 回合计时键
func TurnTimerKey(sessionID string) string {
	return fmt.Sprintf("session:%s:turn_timer", sessionID)
}

// AbandonmentKey 弃局标记键
func AbandonmentKey(sessionID string) string {
	return fmt.Sprintf("session:%s:abandonment_check", sessionID)
}

// HeartbeatKey 工作进程心跳键
func HeartbeatKey(workerID string) string {
	return fmt.Sprintf("worker:%s:heartbeat", workerID)
}

// HealthMetricsKey 工作进程健康快照键
func HealthMetricsKey(workerID string) string {
	return fmt.Sprintf("worker:%s:health_metrics", workerID)
}

// RateLimitKey 限流窗口键
func RateLimitKey(playerID uint, sessionID string) string {
	return fmt.Sprintf("rate_limit:%d:%s", playerID, sessionID)
}

// 键模式
const (
	LeasePattern       = "session:*:lease"
	AbandonmentPattern = "session:*:abandonment_check"
	HeartbeatPattern   = "worker:*:heartbeat"
)

// SessionIDFromKey 从session:{id}:xxx键中解析会话ID
func SessionIDFromKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "session" {
		return ""
	}
	return parts[1]
}

// WorkerIDFromKey 从worker:{id}:xxx键中解析工作进程ID
func WorkerIDFromKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "worker" {
		return ""
	}
	return parts[1]
}
