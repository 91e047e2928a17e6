package game

import (
	"math"
	"sort"
	"time"

	"github.com/wfunc/castle-shooter/internal/command"
)

// Engine 状态推演引擎
// 以基准快照为种子，把命令日志按时间向前重放，重建endTime时刻
// 所有玩家和投射物的位置与状态。
// 给定相同的快照和命令序列，输出位置逐位一致，与运行进程无关；
// 唯一的非确定性输入endTime始终由调用方显式给出，算法内部不读时钟
type Engine struct {
	baseSpeed       int
	projectileSpeed int
}

// NewEngine 创建推演引擎
func NewEngine(baseSpeed, projectileSpeed int) *Engine {
	if baseSpeed <= 0 {
		baseSpeed = DefaultPlayerSpeed
	}
	if projectileSpeed <= 0 {
		projectileSpeed = DefaultProjectileSpeed
	}
	return &Engine{baseSpeed: baseSpeed, projectileSpeed: projectileSpeed}
}

// Infer 从基准快照推演endTime时刻的游戏状态
// 各实体独立重建；快照时刻之前与endTime之后的命令一律跳过
func (e *Engine) Infer(base *GameState, byPlayer, byProjectile map[int][]command.Command, endTime time.Time) *GameState {
	result := NewGameState(endTime)

	// 玩家重放过程中被急切解析出的投射物
	resolved := make(map[int]*Projectile)
	attempted := make(map[int]bool)

	// 快照中的玩家
	replayed := make(map[int]bool)
	for _, snap := range base.Players {
		replayed[snap.ClientID] = true
		player := e.replayPlayer(snap.Clone(), snap.ClientID, byPlayer[snap.ClientID],
			base.Time, endTime, byProjectile, resolved, attempted)
		if player != nil {
			result.Players = append(result.Players, player)
		}
	}

	// 快照中不存在、完全在重放窗口内新生的玩家：首条命令必须是SPAWN
	for _, clientID := range sortedKeys(byPlayer) {
		if replayed[clientID] {
			continue
		}
		player := e.replayPlayer(nil, clientID, byPlayer[clientID],
			base.Time, endTime, byProjectile, resolved, attempted)
		if player != nil {
			result.Players = append(result.Players, player)
		}
	}

	// 快照中的投射物
	for _, snap := range base.Projectiles {
		if attempted[snap.ID] {
			continue
		}
		attempted[snap.ID] = true
		projectile := e.replayProjectile(snap.Clone(), byProjectile[snap.ID], base.Time, endTime)
		if projectile != nil {
			resolved[snap.ID] = projectile
		}
	}

	// 只存在于日志中的投射物（属主重放未触及时兜底）
	for _, projectileID := range sortedKeys(byProjectile) {
		if attempted[projectileID] {
			continue
		}
		attempted[projectileID] = true
		projectile := e.replayProjectile(nil, byProjectile[projectileID], base.Time, endTime)
		if projectile != nil {
			resolved[projectileID] = projectile
		}
	}

	for _, projectileID := range sortedProjectileIDs(resolved) {
		result.Projectiles = append(result.Projectiles, resolved[projectileID])
	}
	return result
}

// replayPlayer 重放单个玩家
// 命令效果是叠加在连续运动上的离散修正：先把运动从上一事件时刻
// 推进到命令时刻，再应用命令效果
func (e *Engine) replayPlayer(seed *Player, clientID int, commands []command.Command,
	from, to time.Time, byProjectile map[int][]command.Command,
	resolved map[int]*Projectile, attempted map[int]bool) *Player {

	player := seed
	playerNumber := 0
	if seed != nil {
		playerNumber = seed.PlayerNumber
	}

	current := from
	for _, cmd := range commands {
		if !cmd.Time.After(from) {
			continue
		}
		if cmd.Time.After(to) {
			break
		}
		// 玩家缺席期间只有SPAWN能生效
		if player == nil && cmd.Type != command.TypeSpawn {
			continue
		}

		e.advancePlayer(player, current, cmd.Time)

		// 按命令类型分派；载荷可以缺省，缺省时视为零值载荷
		switch cmd.Type {
		case command.TypeMove:
			data, _ := cmd.Data.(command.MoveData)
			x, y := data.X, data.Y
			player.DestX, player.DestY = &x, &y
			player.Direction = DirectionNone
		case command.TypeTurn:
			data, _ := cmd.Data.(command.TurnData)
			player.Direction = Direction(data.Direction)
			player.DestX, player.DestY = nil, nil
		case command.TypeSpawn:
			if player == nil {
				data, _ := cmd.Data.(command.SpawnData)
				player = &Player{
					ClientID:     clientID,
					PlayerNumber: playerNumber,
					X:            data.X,
					Y:            data.Y,
					Team:         Team(data.Team),
					Speed:        e.baseSpeed,
					HP:           BaseMaxHP,
					Weapon:       WeaponDagger,
					Arrows:       []ArrowSegment{},
				}
			}
		case command.TypeSpawnProjectile:
			data, ok := cmd.Data.(command.SpawnProjectileData)
			if ok && !attempted[data.ID] {
				attempted[data.ID] = true
				// 投射物在遇到其出生命令时就被急切地完整解析，
				// 绝不延迟到使用时再查
				projectile := e.replayProjectile(newProjectile(&data, e.projectileSpeed),
					byProjectile[data.ID], cmd.Time, to)
				if projectile != nil {
					resolved[data.ID] = projectile
				}
			}
		case command.TypeShoot:
			if player.Ammo > 0 {
				player.Ammo--
			}
		case command.TypeEatArrow:
			data, _ := cmd.Data.(command.EatArrowData)
			player.Arrows = append(player.Arrows, ArrowSegment{
				{data.StartX, data.StartY},
				{data.EndX, data.EndY},
			})
		case command.TypeDie:
			player = nil
		case command.TypeLoseHP:
			data, _ := cmd.Data.(command.LoseHPData)
			player.HP -= data.HP
			if player.HP < 0 {
				player.HP = 0
			}
		case command.TypeTeleport:
			data, _ := cmd.Data.(command.TeleportData)
			player.X, player.Y = data.X, data.Y
			player.DestX, player.DestY = nil, nil
			player.Direction = DirectionNone
		case command.TypeSetSpeed:
			data, _ := cmd.Data.(command.SetSpeedData)
			player.Speed = data.Speed
		}

		current = cmd.Time
	}

	e.advancePlayer(player, current, to)
	return player
}

// advancePlayer 推进玩家的连续运动
// 有目的地时沿直线逼近并在到达时钳位；有方向时沿单位向量移动；
// 两者皆无则静止。坐标增量截断为整数，避免浮点漂移肉眼可见
func (e *Engine) advancePlayer(p *Player, from, to time.Time) {
	if p == nil {
		return
	}
	elapsed := to.Sub(from).Seconds()
	if elapsed <= 0 {
		return
	}

	if p.DestX != nil && p.DestY != nil {
		dx := float64(*p.DestX - p.X)
		dy := float64(*p.DestY - p.Y)
		distance := math.Hypot(dx, dy)
		if distance == 0 {
			return
		}
		traveled := float64(p.Speed) * elapsed
		if distance <= traveled {
			p.X, p.Y = *p.DestX, *p.DestY
			return
		}
		p.X += int(dx / distance * traveled)
		p.Y += int(dy / distance * traveled)
		return
	}

	if p.Direction != DirectionNone {
		ux, uy := p.Direction.UnitVector()
		traveled := float64(p.Speed) * elapsed
		p.X += int(ux * traveled)
		p.Y += int(uy * traveled)
	}
}

// newProjectile 从出生命令载荷构造投射物
func newProjectile(data *command.SpawnProjectileData, speed int) *Projectile {
	return &Projectile{
		ID:      data.ID,
		OwnerID: data.PlayerID,
		X:       data.SourceX,
		Y:       data.SourceY,
		SourceX: data.SourceX,
		SourceY: data.SourceY,
		DestX:   data.DestX,
		DestY:   data.DestY,
		Speed:   speed,
		Type:    ProjectileType(data.Type),
		Friends: data.Friends,
	}
}

// replayProjectile 重放单个投射物
// 投射物在REMOVE_PROJECTILE或到达目的地（推算而非显式）时结束。
// 投射物日志不会再引发玩家命令，递归不存在环
func (e *Engine) replayProjectile(seed *Projectile, commands []command.Command, from, to time.Time) *Projectile {
	projectile := seed

	current := from
	for _, cmd := range commands {
		if !cmd.Time.After(from) {
			continue
		}
		if cmd.Time.After(to) {
			break
		}
		if projectile == nil && cmd.Type != command.TypeSpawnProjectile {
			continue
		}

		e.advanceProjectile(projectile, current, cmd.Time)
		if projectile != nil && projectile.X == projectile.DestX && projectile.Y == projectile.DestY {
			return nil
		}

		switch cmd.Type {
		case command.TypeSpawnProjectile:
			if data, ok := cmd.Data.(command.SpawnProjectileData); ok && projectile == nil {
				projectile = newProjectile(&data, e.projectileSpeed)
			}
		case command.TypeRemoveProjectile:
			return nil
		}

		current = cmd.Time
	}

	e.advanceProjectile(projectile, current, to)
	if projectile != nil && projectile.X == projectile.DestX && projectile.Y == projectile.DestY {
		return nil
	}
	return projectile
}

// advanceProjectile 推进投射物的直线运动
func (e *Engine) advanceProjectile(p *Projectile, from, to time.Time) {
	if p == nil {
		return
	}
	elapsed := to.Sub(from).Seconds()
	if elapsed <= 0 {
		return
	}

	dx := float64(p.DestX - p.X)
	dy := float64(p.DestY - p.Y)
	distance := math.Hypot(dx, dy)
	if distance == 0 {
		return
	}
	traveled := float64(p.Speed) * elapsed
	if distance <= traveled {
		p.X, p.Y = p.DestX, p.DestY
		return
	}
	p.X += int(dx / distance * traveled)
	p.Y += int(dy / distance * traveled)
}

// sortedKeys 主体ID升序，保证遍历顺序确定
func sortedKeys(m map[int][]command.Command) []int {
	keys := make([]int, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	return keys
}

// sortedProjectileIDs 投射物ID升序
func sortedProjectileIDs(m map[int]*Projectile) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
