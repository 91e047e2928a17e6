package game

import "math"

// Team 队伍
type Team string

// 队伍枚举
const (
	TeamRed  Team = "red"
	TeamBlue Team = "blue"
)

// Weapon 武器
type Weapon string

// 武器枚举
const (
	WeaponNone   Weapon = ""
	WeaponDagger Weapon = "dagger"
	WeaponBow    Weapon = "bow"
)

// Garb 服装
type Garb string

// 服装枚举
const (
	GarbNone  Garb = ""
	GarbArmor Garb = "armor"
	GarbBoots Garb = "boots"
)

// ProjectileType 投射物类型
type ProjectileType string

// 投射物类型枚举
const (
	ProjectileArrow ProjectileType = "arrow"
)

// Direction 八向罗盘方向，空串表示无方向
type Direction string

// 方向枚举
const (
	DirectionNone      Direction = ""
	DirectionNorth     Direction = "north"
	DirectionNortheast Direction = "northeast"
	DirectionEast      Direction = "east"
	DirectionSoutheast Direction = "southeast"
	DirectionSouth     Direction = "south"
	DirectionSouthwest Direction = "southwest"
	DirectionWest      Direction = "west"
	DirectionNorthwest Direction = "northwest"
)

// halfSqrt2 对角线方向的单位向量分量
var halfSqrt2 = math.Sqrt(2) / 2

// UnitVector 方向的单位向量，屏幕坐标系y轴向下
func (d Direction) UnitVector() (float64, float64) {
	switch d {
	case DirectionNorth:
		return 0, -1
	case DirectionNortheast:
		return halfSqrt2, -halfSqrt2
	case DirectionEast:
		return 1, 0
	case DirectionSoutheast:
		return halfSqrt2, halfSqrt2
	case DirectionSouth:
		return 0, 1
	case DirectionSouthwest:
		return -halfSqrt2, halfSqrt2
	case DirectionWest:
		return -1, 0
	case DirectionNorthwest:
		return -halfSqrt2, -halfSqrt2
	default:
		return 0, 0
	}
}

// BaseMaxHP 玩家初始血量
const BaseMaxHP = 4

// DefaultPlayerSpeed 玩家默认移动速度（单位/秒）
const DefaultPlayerSpeed = 200

// DefaultProjectileSpeed 投射物默认速度（单位/秒）
const DefaultProjectileSpeed = 800
