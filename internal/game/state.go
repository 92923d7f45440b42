package game

import (
	"encoding/json"
	"time"

	"github.com/wfunc/card-game/internal/errors"
)

// 花色
const (
	SuitSpade   = "spade"
	SuitHeart   = "heart"
	SuitClub    = "club"
	SuitDiamond = "diamond"
)

// Card 扑克牌
type Card struct {
	Suit string `json:"suit"`
	Rank int    `json:"rank"` // 2-14，14为A
}

// Player 会话内玩家
type Player struct {
	PlayerID  uint   `json:"player_id"`
	Nickname  string `json:"nickname"`
	Seat      int    `json:"seat"`
	Hand      []Card `json:"hand"`
	Passed    bool   `json:"passed"`
	Connected bool   `json:"connected"`
}

// State 游戏状态（整体序列化为JSON存储）
type State struct {
	SessionID     string    `json:"session_id"`
	Status        string    `json:"status"`
	Turn          int       `json:"turn"`
	CurrentPlayer uint      `json:"current_player"`
	Players       []Player  `json:"players"`
	Deck          []Card    `json:"deck"`
	Discard       []Card    `json:"discard"`
	Winner        uint      `json:"winner,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Encode 序列化游戏状态
func (s *State) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrStateDecode, "会话: "+s.SessionID)
	}
	return string(data), nil
}

// DecodeState 反序列化游戏状态
func DecodeState(data string) (*State, error) {
	var state State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, errors.Wrap(err, errors.ErrStateDecode)
	}
	return &state, nil
}

// FindPlayer 查找玩家，不存在时返回nil
func (s *State) FindPlayer(playerID uint) *Player {
	for i := range s.Players {
		if s.Players[i].PlayerID == playerID {
			return &s.Players[i]
		}
	}
	return nil
}

// NextPlayer 返回当前玩家之后下一个未出局的玩家ID
func (s *State) NextPlayer() uint {
	if len(s.Players) == 0 {
		return 0
	}

	current := 0
	for i := range s.Players {
		if s.Players[i].PlayerID == s.CurrentPlayer {
			current = i
			break
		}
	}

	for i := 1; i <= len(s.Players); i++ {
		next := &s.Players[(current+i)%len(s.Players)]
		if !next.Passed {
			return next.PlayerID
		}
	}
	return s.CurrentPlayer
}

// ActiveCount 仍在局内的玩家数
func (s *State) ActiveCount() int {
	count := 0
	for i := range s.Players {
		if !s.Players[i].Passed {
			count++
		}
	}
	return count
}

// TopDiscard 弃牌堆顶的牌，空堆返回nil
func (s *State) TopDiscard() *Card {
	if len(s.Discard) == 0 {
		return nil
	}
	return &s.Discard[len(s.Discard)-1]
}
