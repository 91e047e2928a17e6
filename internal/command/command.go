package command

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/wfunc/castle-shooter/internal/errors"
)

// Type 命令类型
type Type string

// 命令类型枚举
const (
	TypeMove             Type = "move"
	TypeTurn             Type = "turn"
	TypeSpawn            Type = "spawn"
	TypeSpawnProjectile  Type = "spawn_projectile"
	TypeShoot            Type = "shoot"
	TypeEatArrow         Type = "eat_arrow"
	TypeRemoveProjectile Type = "remove_projectile"
	TypeDie              Type = "die"
	TypeLoseHP           Type = "lose_hp"
	TypeTeleport         Type = "teleport"
	TypeSetSpeed         Type = "set_speed"
)

// Payload 命令载荷标记接口
// 每种命令类型对应一个具体载荷结构，推演引擎对类型的匹配是穷尽的
type Payload interface {
	commandPayload()
}

// MoveData 移动命令载荷：设置目的地
type MoveData struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// TurnData 转向命令载荷：设置八向罗盘方向，空串表示停止
type TurnData struct {
	Direction string `json:"dir"`
}

// SpawnData 出生命令载荷
type SpawnData struct {
	X    int    `json:"x"`
	Y    int    `json:"y"`
	Team string `json:"team"`
}

// SpawnProjectileData 发射投射物命令载荷
type SpawnProjectileData struct {
	ID       int    `json:"id"`
	SourceX  int    `json:"source_x"`
	SourceY  int    `json:"source_y"`
	DestX    int    `json:"dest_x"`
	DestY    int    `json:"dest_y"`
	Type     string `json:"type"`
	PlayerID int    `json:"player_id"`
	Friends  []int  `json:"friends"`
}

// ShootData 开火命令载荷：只消耗弹药，不影响位置
type ShootData struct{}

// EatArrowData 中箭装饰命令载荷：纯视觉效果
type EatArrowData struct {
	StartX   int `json:"arrow_start_x"`
	StartY   int `json:"arrow_start_y"`
	EndX     int `json:"arrow_end_x"`
	EndY     int `json:"arrow_end_y"`
	PlayerID int `json:"player_id"`
}

// RemoveProjectileData 移除投射物命令载荷
type RemoveProjectileData struct {
	ProjectileID int `json:"projectile_id"`
}

// DieData 死亡命令载荷
type DieData struct {
	KillerID int    `json:"killer_id"`
	Verb     string `json:"verb"`
}

// LoseHPData 扣血命令载荷
type LoseHPData struct {
	KillerID int    `json:"killer_id"`
	Verb     string `json:"verb"`
	HP       int    `json:"hp"`
}

// TeleportData 瞬移命令载荷
type TeleportData struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// SetSpeedData 变速命令载荷
type SetSpeedData struct {
	Speed int `json:"speed"`
}

func (MoveData) commandPayload()             {}
func (TurnData) commandPayload()             {}
func (SpawnData) commandPayload()            {}
func (SpawnProjectileData) commandPayload()  {}
func (ShootData) commandPayload()            {}
func (EatArrowData) commandPayload()         {}
func (RemoveProjectileData) commandPayload() {}
func (DieData) commandPayload()              {}
func (LoseHPData) commandPayload()           {}
func (TeleportData) commandPayload()         {}
func (SetSpeedData) commandPayload()         {}

// Command 带时间戳的不可变意图/事实
// (subject_id, id) 是幂等键；命令创建后只追加、只按时效裁剪，绝不修改
type Command struct {
	ID       int       // 进程内单调递增，同一刻内的顺序决胜
	Type     Type      // 命令类型
	Time     time.Time // 墙钟时间戳，权威排序键
	ClientID *int      // 命令主体的客户端ID
	Data     Payload   // 类型特定载荷
}

// envelope 线上JSON形式
type envelope struct {
	ID       int             `json:"id"`
	Type     Type            `json:"type"`
	Time     float64         `json:"time"`
	ClientID *int            `json:"client_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON 编码为线上JSON，时间戳使用unix秒浮点数
func (c Command) MarshalJSON() ([]byte, error) {
	env := envelope{
		ID:       c.ID,
		Type:     c.Type,
		Time:     float64(c.Time.UnixNano()) / 1e9,
		ClientID: c.ClientID,
	}
	if c.Data != nil {
		data, err := json.Marshal(c.Data)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// UnmarshalJSON 从线上JSON解码，载荷按类型解码成具体结构
func (c *Command) UnmarshalJSON(raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}

	c.ID = env.ID
	c.Type = env.Type
	c.Time = time.Unix(0, int64(env.Time*1e9))
	c.ClientID = env.ClientID
	c.Data = nil

	if len(env.Data) == 0 {
		return nil
	}

	payload, err := decodePayload(env.Type, env.Data)
	if err != nil {
		return err
	}
	c.Data = payload
	return nil
}

// decodePayload 按命令类型解码载荷
func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	var (
		payload Payload
		err     error
	)
	switch t {
	case TypeMove:
		var d MoveData
		err = json.Unmarshal(raw, &d)
		payload = d
	case TypeTurn:
		var d TurnData
		err = json.Unmarshal(raw, &d)
		payload = d
	case TypeSpawn:
		var d SpawnData
		err = json.Unmarshal(raw, &d)
		payload = d
	case TypeSpawnProjectile:
		var d SpawnProjectileData
		err = json.Unmarshal(raw, &d)
		payload = d
	case TypeShoot:
		var d ShootData
		err = json.Unmarshal(raw, &d)
		payload = d
	case TypeEatArrow:
		var d EatArrowData
		err = json.Unmarshal(raw, &d)
		payload = d
	case TypeRemoveProjectile:
		var d RemoveProjectileData
		err = json.Unmarshal(raw, &d)
		payload = d
	case TypeDie:
		var d DieData
		err = json.Unmarshal(raw, &d)
		payload = d
	case TypeLoseHP:
		var d LoseHPData
		err = json.Unmarshal(raw, &d)
		payload = d
	case TypeTeleport:
		var d TeleportData
		err = json.Unmarshal(raw, &d)
		payload = d
	case TypeSetSpeed:
		var d SetSpeedData
		err = json.Unmarshal(raw, &d)
		payload = d
	default:
		return nil, errors.Newf(errors.ErrPayloadFormat, "未知命令类型: %s", t)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrPayloadFormat, string(t))
	}
	return payload, nil
}

// SortCommands 按时间升序排序，时间相同按ID升序决胜
// 时间戳分辨率有限，同一刻内的命令必须按提交顺序重放
func SortCommands(commands []Command) {
	sort.SliceStable(commands, func(i, j int) bool {
		if commands[i].Time.Equal(commands[j].Time) {
			return commands[i].ID < commands[j].ID
		}
		return commands[i].Time.Before(commands[j].Time)
	})
}
