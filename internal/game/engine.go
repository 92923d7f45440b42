package game

import (
	"math/rand"
	"time"

	"github.com/wfunc/card-game/internal/errors"
	"github.com/wfunc/card-game/internal/models"
)

// 游戏参数
const (
	MaxPlayers  = 4
	MinPlayers  = 2
	InitialHand = 5
	MinCardRank = 2
	MaxCardRank = 14
)

// 游戏操作类型
const (
	ActionPlayCard = "play_card"
	ActionPass     = "pass"
)

// 游戏事件类型
const (
	EventGameStarted  = "game_started"
	EventCardPlayed   = "card_played"
	EventPlayerPassed = "player_passed"
	EventPlayerFolded = "player_folded"
	EventGameOver     = "game_over"
)

// Action 玩家操作
type Action struct {
	Type      string `json:"type"`
	CardIndex int    `json:"card_index"`
}

// Event 规则引擎产生的事件，随状态更新一起广播
type Event struct {
	Type     string                 `json:"type"`
	PlayerID uint                   `json:"player_id"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// RuleEngine 游戏规则引擎接口
//
// 所有权、缓存与恢复子系统只通过该接口接触玩法：会话的创建与人员变动、
// 校验并执行玩家操作、以及在回合超时后代替玩家行动。
type RuleEngine interface {
	// NewSession 创建等待中的会话状态
	NewSession(sessionID string) *State

	// Join 玩家加入等待中的会话
	Join(state *State, playerID uint, nickname string) error

	// Leave 玩家离开会话，就地修改状态并返回事件（可能为nil）
	Leave(state *State, playerID uint) (*Event, error)

	// Start 开局
	Start(state *State) (*Event, error)

	// Apply 校验并执行玩家操作，就地修改状态并返回事件
	Apply(state *State, playerID uint, action Action) (*Event, error)

	// AutoPass 回合超时后代替玩家行动
	AutoPass(state *State, playerID uint) (*Event, error)
}

// CardEngine 接龙玩法实现
//
// 规则：轮到的玩家打出一张点数大于弃牌堆顶的牌，或选择过牌（摸一张）。
// 牌堆摸空后过牌即弃权出局。先出完手牌者获胜，场上仅剩一人时该玩家获胜。
type CardEngine struct {
	rand *rand.Rand
}

// NewCardEngine 创建规则引擎
func NewCardEngine() *CardEngine {
	return &CardEngine{
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewSession 创建等待中的会话状态
func (e *CardEngine) NewSession(sessionID string) *State {
	return &State{
		SessionID: sessionID,
		Status:    models.SessionStatusWaiting,
		Turn:      0,
		UpdatedAt: time.Now(),
	}
}

// Join 玩家加入等待中的会话
func (e *CardEngine) Join(state *State, playerID uint, nickname string) error {
	if state.Status != models.SessionStatusWaiting {
		return errors.New(errors.ErrSessionStateBad, "会话已开局，无法加入")
	}
	if state.FindPlayer(playerID) != nil {
		return nil
	}
	if len(state.Players) >= MaxPlayers {
		return errors.New(errors.ErrSessionFull)
	}

	state.Players = append(state.Players, Player{
		PlayerID:  playerID,
		Nickname:  nickname,
		Seat:      len(state.Players),
		Connected: true,
	})
	state.UpdatedAt = time.Now()
	return nil
}

// Leave 玩家离开会话
//
// 等待中直接移除并重排座位；进行中视为弃权，场上仅剩一人时终局。
func (e *CardEngine) Leave(state *State, playerID uint) (*Event, error) {
	player := state.FindPlayer(playerID)
	if player == nil {
		return nil, nil
	}

	switch state.Status {
	case models.SessionStatusWaiting:
		players := state.Players[:0]
		for _, p := range state.Players {
			if p.PlayerID != playerID {
				p.Seat = len(players)
				players = append(players, p)
			}
		}
		state.Players = players
		state.UpdatedAt = time.Now()
		return nil, nil

	case models.SessionStatusPlaying:
		if player.Passed {
			return nil, nil
		}
		player.Passed = true

		if state.ActiveCount() == 1 {
			for i := range state.Players {
				if !state.Players[i].Passed {
					return e.finish(state, state.Players[i].PlayerID), nil
				}
			}
		}

		if state.CurrentPlayer == playerID {
			e.advance(state)
		} else {
			state.UpdatedAt = time.Now()
		}
		return &Event{
			Type:     EventPlayerFolded,
			PlayerID: playerID,
			Data: map[string]interface{}{
				"next_player": state.CurrentPlayer,
			},
		}, nil
	}

	return nil, nil
}

// Start 开局：洗牌、发牌、进入playing状态
func (e *CardEngine) Start(state *State) (*Event, error) {
	if state.Status != models.SessionStatusWaiting {
		return nil, errors.New(errors.ErrSessionStateBad, "会话不在等待状态")
	}
	if len(state.Players) < MinPlayers {
		return nil, errors.Newf(errors.ErrSessionStateBad, "至少需要%d名玩家", MinPlayers)
	}

	state.Deck = e.shuffledDeck()
	for i := range state.Players {
		// 复制发出的牌，手牌不得与牌堆共享底层数组
		state.Players[i].Hand = append([]Card(nil), state.Deck[:InitialHand]...)
		state.Deck = state.Deck[InitialHand:]
		state.Players[i].Passed = false
	}

	state.Status = models.SessionStatusPlaying
	state.Turn = 1
	state.CurrentPlayer = state.Players[0].PlayerID
	state.Discard = nil
	state.UpdatedAt = time.Now()

	return &Event{
		Type:     EventGameStarted,
		PlayerID: state.CurrentPlayer,
	}, nil
}

// Apply 校验并执行玩家操作
func (e *CardEngine) Apply(state *State, playerID uint, action Action) (*Event, error) {
	if state.Status != models.SessionStatusPlaying {
		return nil, errors.New(errors.ErrSessionStateBad, "会话不在进行中")
	}
	if state.CurrentPlayer != playerID {
		return nil, errors.New(errors.ErrNotPlayerTurn)
	}

	player := state.FindPlayer(playerID)
	if player == nil {
		return nil, errors.New(errors.ErrInvalidAction, "玩家不在会话中")
	}
	if player.Passed {
		return nil, errors.New(errors.ErrInvalidAction, "玩家已弃权")
	}

	switch action.Type {
	case ActionPlayCard:
		return e.playCard(state, player, action.CardIndex)
	case ActionPass:
		return e.pass(state, player)
	default:
		return nil, errors.Newf(errors.ErrInvalidAction, "未知操作: %s", action.Type)
	}
}

// AutoPass 回合超时后代替玩家过牌
func (e *CardEngine) AutoPass(state *State, playerID uint) (*Event, error) {
	if state.Status != models.SessionStatusPlaying {
		return nil, errors.New(errors.ErrSessionStateBad, "会话不在进行中")
	}
	if state.CurrentPlayer != playerID {
		// 计时器触发前玩家已行动，视为过期触发
		return nil, errors.New(errors.ErrNotPlayerTurn)
	}

	player := state.FindPlayer(playerID)
	if player == nil {
		return nil, errors.New(errors.ErrInvalidAction, "玩家不在会话中")
	}
	return e.pass(state, player)
}

// playCard 出牌
func (e *CardEngine) playCard(state *State, player *Player, cardIndex int) (*Event, error) {
	if cardIndex < 0 || cardIndex >= len(player.Hand) {
		return nil, errors.New(errors.ErrInvalidAction, "无效的手牌位置")
	}

	card := player.Hand[cardIndex]
	if top := state.TopDiscard(); top != nil && card.Rank <= top.Rank {
		return nil, errors.Newf(errors.ErrInvalidAction, "点数%d无法压过%d", card.Rank, top.Rank)
	}

	player.Hand = append(player.Hand[:cardIndex], player.Hand[cardIndex+1:]...)
	state.Discard = append(state.Discard, card)

	if len(player.Hand) == 0 {
		return e.finish(state, player.PlayerID), nil
	}

	e.advance(state)
	return &Event{
		Type:     EventCardPlayed,
		PlayerID: player.PlayerID,
		Data: map[string]interface{}{
			"card":        card,
			"next_player": state.CurrentPlayer,
		},
	}, nil
}

// pass 过牌：牌堆有牌则摸一张，否则弃权出局
func (e *CardEngine) pass(state *State, player *Player) (*Event, error) {
	eventType := EventPlayerPassed
	if len(state.Deck) > 0 {
		player.Hand = append(player.Hand, state.Deck[0])
		state.Deck = state.Deck[1:]
	} else {
		player.Passed = true
		eventType = EventPlayerFolded
	}

	if state.ActiveCount() == 1 {
		for i := range state.Players {
			if !state.Players[i].Passed {
				return e.finish(state, state.Players[i].PlayerID), nil
			}
		}
	}

	e.advance(state)
	return &Event{
		Type:     eventType,
		PlayerID: player.PlayerID,
		Data: map[string]interface{}{
			"next_player": state.CurrentPlayer,
		},
	}, nil
}

// advance 轮转到下一个未出局玩家
func (e *CardEngine) advance(state *State) {
	state.CurrentPlayer = state.NextPlayer()
	state.Turn++
	state.UpdatedAt = time.Now()
}

// finish 结束对局
func (e *CardEngine) finish(state *State, winner uint) *Event {
	state.Status = models.SessionStatusFinished
	state.Winner = winner
	state.UpdatedAt = time.Now()
	return &Event{
		Type:     EventGameOver,
		PlayerID: winner,
		Data: map[string]interface{}{
			"winner": winner,
		},
	}
}

// shuffledDeck 生成并洗乱一副52张牌
func (e *CardEngine) shuffledDeck() []Card {
	suits := []string{SuitSpade, SuitHeart, SuitClub, SuitDiamond}
	deck := make([]Card, 0, 52)
	for _, suit := range suits {
		for rank := MinCardRank; rank <= MaxCardRank; rank++ {
			deck = append(deck, Card{Suit: suit, Rank: rank})
		}
	}
	e.rand.Shuffle(len(deck), func(i, j int) {
		deck[i], deck[j] = deck[j], deck[i]
	})
	return deck
}
