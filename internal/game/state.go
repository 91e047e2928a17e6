package game

import (
	"encoding/json"
	"time"
)

// ArrowSegment 中箭装饰线段，坐标相对玩家中心
type ArrowSegment [2][2]int

// Player 玩家实体快照
// 完全由重放推导得出，推演引擎之外绝不手改
// dest与direction是互斥的两种运动模式
type Player struct {
	ClientID       int            `json:"client_id"`
	PlayerNumber   int            `json:"player_number"`
	X              int            `json:"x"`
	Y              int            `json:"y"`
	DestX          *int           `json:"dest_x"`
	DestY          *int           `json:"dest_y"`
	Direction      Direction      `json:"direction"`
	Team           Team           `json:"team"`
	Speed          int            `json:"speed"`
	HP             int            `json:"hp"`
	Ammo           int            `json:"ammo"`
	Weapon         Weapon         `json:"weapon,omitempty"`
	Garb           Garb           `json:"garb,omitempty"`
	GarbPickedUpAt float64        `json:"garb_picked_up_at,omitempty"` // unix秒
	Arrows         []ArrowSegment `json:"arrows_puncturing"`
}

// Clone 深拷贝玩家，重放在副本上推进
func (p *Player) Clone() *Player {
	cp := *p
	if p.DestX != nil {
		v := *p.DestX
		cp.DestX = &v
	}
	if p.DestY != nil {
		v := *p.DestY
		cp.DestY = &v
	}
	cp.Arrows = append([]ArrowSegment(nil), p.Arrows...)
	return &cp
}

// Projectile 投射物实体快照
type Projectile struct {
	ID      int            `json:"id"`
	OwnerID int            `json:"player_id"`
	X       int            `json:"x"`
	Y       int            `json:"y"`
	SourceX int            `json:"source_x"`
	SourceY int            `json:"source_y"`
	DestX   int            `json:"dest_x"`
	DestY   int            `json:"dest_y"`
	Speed   int            `json:"speed"`
	Type    ProjectileType `json:"type"`
	Friends []int          `json:"friends"` // 不可误伤的实体
}

// Clone 深拷贝投射物
func (p *Projectile) Clone() *Projectile {
	cp := *p
	cp.Friends = append([]int(nil), p.Friends...)
	return &cp
}

// GameState 某一时刻的完整游戏状态，产出后不可变
type GameState struct {
	Players     []*Player     `json:"players"`
	Projectiles []*Projectile `json:"projectiles"`
	Time        time.Time     `json:"-"`
}

// gameStateEnvelope 线上JSON形式，时间戳为unix秒浮点数
type gameStateEnvelope struct {
	Players     []*Player     `json:"players"`
	Projectiles []*Projectile `json:"projectiles"`
	Time        float64       `json:"time"`
}

// MarshalJSON 编码为线上JSON
func (s GameState) MarshalJSON() ([]byte, error) {
	env := gameStateEnvelope{
		Players:     s.Players,
		Projectiles: s.Projectiles,
		Time:        float64(s.Time.UnixNano()) / 1e9,
	}
	if env.Players == nil {
		env.Players = []*Player{}
	}
	if env.Projectiles == nil {
		env.Projectiles = []*Projectile{}
	}
	return json.Marshal(env)
}

// UnmarshalJSON 从线上JSON解码
func (s *GameState) UnmarshalJSON(raw []byte) error {
	var env gameStateEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	s.Players = env.Players
	s.Projectiles = env.Projectiles
	s.Time = time.Unix(0, int64(env.Time*1e9))
	return nil
}

// NewGameState 创建空游戏状态
func NewGameState(at time.Time) *GameState {
	return &GameState{Players: []*Player{}, Projectiles: []*Projectile{}, Time: at}
}
