package game

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/wfunc/castle-shooter/internal/command"
)

func at(base time.Time, seconds float64) time.Time {
	return base.Add(time.Duration(seconds * float64(time.Second)))
}

func cmd(id int, typ command.Type, t time.Time, clientID int, data command.Payload) command.Command {
	cid := clientID
	return command.Command{ID: id, Type: typ, Time: t, ClientID: &cid, Data: data}
}

func findPlayer(state *GameState, clientID int) *Player {
	for _, p := range state.Players {
		if p.ClientID == clientID {
			return p
		}
	}
	return nil
}

func TestInferMovement(t *testing.T) {
	base := time.Unix(1000, 0)
	engine := NewEngine(200, 800)

	t.Run("出生后移动到达目的地并钳位", func(t *testing.T) {
		byPlayer := map[int][]command.Command{
			1: {
				cmd(1, command.TypeSpawn, at(base, 1), 1, command.SpawnData{X: 300, Y: 300, Team: "red"}),
				cmd(2, command.TypeMove, at(base, 1), 1, command.MoveData{X: 400, Y: 300}),
			},
		}
		// 速度200走100单位恰好0.5秒
		state := engine.Infer(NewGameState(base), byPlayer, nil, at(base, 1.5))
		p := findPlayer(state, 1)
		if p == nil {
			t.Fatal("玩家应该存在")
		}
		if p.X != 400 || p.Y != 300 {
			t.Fatalf("位置 = (%d,%d), 期望 (400,300)", p.X, p.Y)
		}

		// 远超到达时刻也不过冲
		state = engine.Infer(NewGameState(base), byPlayer, nil, at(base, 10))
		p = findPlayer(state, 1)
		if p.X != 400 || p.Y != 300 {
			t.Fatalf("过冲: 位置 = (%d,%d)", p.X, p.Y)
		}
	})

	t.Run("途中位置按比例插值", func(t *testing.T) {
		byPlayer := map[int][]command.Command{
			1: {
				cmd(1, command.TypeSpawn, at(base, 1), 1, command.SpawnData{X: 300, Y: 300, Team: "red"}),
				cmd(2, command.TypeMove, at(base, 1), 1, command.MoveData{X: 400, Y: 300}),
			},
		}
		state := engine.Infer(NewGameState(base), byPlayer, nil, at(base, 1.25))
		p := findPlayer(state, 1)
		if p.X != 350 || p.Y != 300 {
			t.Fatalf("位置 = (%d,%d), 期望 (350,300)", p.X, p.Y)
		}
	})

	t.Run("方向移动沿单位向量持续推进", func(t *testing.T) {
		byPlayer := map[int][]command.Command{
			1: {
				cmd(1, command.TypeSpawn, at(base, 1), 1, command.SpawnData{X: 300, Y: 300, Team: "red"}),
				cmd(2, command.TypeTurn, at(base, 1), 1, command.TurnData{Direction: "east"}),
			},
		}
		state := engine.Infer(NewGameState(base), byPlayer, nil, at(base, 2))
		p := findPlayer(state, 1)
		if p.X != 500 || p.Y != 300 {
			t.Fatalf("位置 = (%d,%d), 期望 (500,300)", p.X, p.Y)
		}
	})

	t.Run("转向清除目的地_移动清除方向", func(t *testing.T) {
		byPlayer := map[int][]command.Command{
			1: {
				cmd(1, command.TypeSpawn, at(base, 1), 1, command.SpawnData{X: 0, Y: 0, Team: "red"}),
				cmd(2, command.TypeMove, at(base, 1), 1, command.MoveData{X: 1000, Y: 0}),
				cmd(3, command.TypeTurn, at(base, 2), 1, command.TurnData{Direction: "south"}),
			},
		}
		state := engine.Infer(NewGameState(base), byPlayer, nil, at(base, 3))
		p := findPlayer(state, 1)
		if p.DestX != nil || p.DestY != nil {
			t.Fatal("转向后目的地应被清除")
		}
		// 1秒东行200，再1秒南行200
		if p.X != 200 || p.Y != 200 {
			t.Fatalf("位置 = (%d,%d), 期望 (200,200)", p.X, p.Y)
		}
	})

	t.Run("瞬移清除运动状态", func(t *testing.T) {
		byPlayer := map[int][]command.Command{
			1: {
				cmd(1, command.TypeSpawn, at(base, 1), 1, command.SpawnData{X: 0, Y: 0, Team: "red"}),
				cmd(2, command.TypeMove, at(base, 1), 1, command.MoveData{X: 1000, Y: 0}),
				cmd(3, command.TypeTeleport, at(base, 2), 1, command.TeleportData{X: 700, Y: 700}),
			},
		}
		state := engine.Infer(NewGameState(base), byPlayer, nil, at(base, 5))
		p := findPlayer(state, 1)
		if p.X != 700 || p.Y != 700 {
			t.Fatalf("瞬移后不应继续漂移: (%d,%d)", p.X, p.Y)
		}
	})

	t.Run("变速影响后续移动距离", func(t *testing.T) {
		byPlayer := map[int][]command.Command{
			1: {
				cmd(1, command.TypeSpawn, at(base, 1), 1, command.SpawnData{X: 0, Y: 0, Team: "red"}),
				cmd(2, command.TypeSetSpeed, at(base, 1), 1, command.SetSpeedData{Speed: 400}),
				cmd(3, command.TypeTurn, at(base, 1), 1, command.TurnData{Direction: "east"}),
			},
		}
		state := engine.Infer(NewGameState(base), byPlayer, nil, at(base, 2))
		p := findPlayer(state, 1)
		if p.X != 400 {
			t.Fatalf("x = %d, 期望 400", p.X)
		}
	})
}

func TestInferLifecycle(t *testing.T) {
	base := time.Unix(1000, 0)
	engine := NewEngine(200, 800)

	byPlayer := map[int][]command.Command{
		1: {
			cmd(1, command.TypeSpawn, at(base, 1), 1, command.SpawnData{X: 100, Y: 100, Team: "red"}),
			cmd(2, command.TypeDie, at(base, 5), 1, command.DieData{KillerID: 2, Verb: "stabbed"}),
			cmd(3, command.TypeSpawn, at(base, 6), 1, command.SpawnData{X: 500, Y: 500, Team: "red"}),
		},
	}

	t.Run("死亡窗口内玩家缺席", func(t *testing.T) {
		state := engine.Infer(NewGameState(base), byPlayer, nil, at(base, 5.5))
		if findPlayer(state, 1) != nil {
			t.Fatal("死亡后重生前玩家不应存在")
		}
	})

	t.Run("复活后满血出现在新出生点", func(t *testing.T) {
		state := engine.Infer(NewGameState(base), byPlayer, nil, at(base, 7))
		p := findPlayer(state, 1)
		if p == nil {
			t.Fatal("复活后玩家应存在")
		}
		if p.X != 500 || p.Y != 500 || p.HP != BaseMaxHP {
			t.Fatalf("复活状态异常: (%d,%d) HP=%d", p.X, p.Y, p.HP)
		}
	})

	t.Run("载荷缺省的死亡命令同样生效", func(t *testing.T) {
		// 线上DIE可以不带data字段，解码后Data为nil
		raw := []byte(`{"id":2,"type":"die","time":1003.0,"client_id":1}`)
		var die command.Command
		if err := json.Unmarshal(raw, &die); err != nil {
			t.Fatalf("解码失败: %v", err)
		}
		if die.Data != nil {
			t.Fatalf("缺省载荷应解码为nil, 得到 %#v", die.Data)
		}
		seed := NewGameState(base)
		seed.Players = append(seed.Players, &Player{ClientID: 1, X: 100, Y: 100, Speed: 200, HP: 4})
		state := engine.Infer(seed, map[int][]command.Command{1: {die}}, nil, at(base, 4))
		if p := findPlayer(state, 1); p != nil {
			t.Fatalf("载荷缺省的die命令被忽略, 玩家仍存活: %+v", p)
		}
	})

	t.Run("缺席期间非出生命令被忽略", func(t *testing.T) {
		log := map[int][]command.Command{
			1: {
				cmd(1, command.TypeDie, at(base, 1), 1, command.DieData{}),
				cmd(2, command.TypeMove, at(base, 2), 1, command.MoveData{X: 9, Y: 9}),
			},
		}
		seed := NewGameState(base)
		seed.Players = append(seed.Players, &Player{ClientID: 1, X: 0, Y: 0, Speed: 200, HP: 4})
		state := engine.Infer(seed, log, nil, at(base, 3))
		if findPlayer(state, 1) != nil {
			t.Fatal("死亡玩家不应被移动命令复活")
		}
	})

	t.Run("扣血钳位到零", func(t *testing.T) {
		log := map[int][]command.Command{
			1: {
				cmd(1, command.TypeSpawn, at(base, 1), 1, command.SpawnData{X: 0, Y: 0, Team: "blue"}),
				cmd(2, command.TypeLoseHP, at(base, 2), 1, command.LoseHPData{KillerID: 2, Verb: "shot", HP: 3}),
				cmd(3, command.TypeLoseHP, at(base, 3), 1, command.LoseHPData{KillerID: 2, Verb: "shot", HP: 5}),
			},
		}
		state := engine.Infer(NewGameState(base), log, nil, at(base, 2.5))
		if p := findPlayer(state, 1); p.HP != 1 {
			t.Fatalf("HP = %d, 期望 1", p.HP)
		}
		state = engine.Infer(NewGameState(base), log, nil, at(base, 4))
		if p := findPlayer(state, 1); p.HP != 0 {
			t.Fatalf("HP = %d, 期望钳位到 0", p.HP)
		}
	})

	t.Run("开火消耗弹药不会减到负数", func(t *testing.T) {
		seed := NewGameState(base)
		seed.Players = append(seed.Players, &Player{ClientID: 1, Speed: 200, HP: 4, Ammo: 1, Weapon: WeaponBow})
		log := map[int][]command.Command{
			1: {
				cmd(1, command.TypeShoot, at(base, 1), 1, command.ShootData{}),
				cmd(2, command.TypeShoot, at(base, 2), 1, command.ShootData{}),
			},
		}
		state := engine.Infer(seed, log, nil, at(base, 3))
		if p := findPlayer(state, 1); p.Ammo != 0 {
			t.Fatalf("弹药 = %d, 期望 0", p.Ammo)
		}
	})

	t.Run("中箭追加穿刺线段", func(t *testing.T) {
		log := map[int][]command.Command{
			1: {
				cmd(1, command.TypeSpawn, at(base, 1), 1, command.SpawnData{X: 0, Y: 0, Team: "red"}),
				cmd(2, command.TypeEatArrow, at(base, 2), 1, command.EatArrowData{StartX: 1, StartY: 2, EndX: 3, EndY: 4, PlayerID: 2}),
			},
		}
		state := engine.Infer(NewGameState(base), log, nil, at(base, 3))
		p := findPlayer(state, 1)
		if len(p.Arrows) != 1 || p.Arrows[0] != (ArrowSegment{{1, 2}, {3, 4}}) {
			t.Fatalf("穿刺线段 = %v", p.Arrows)
		}
	})
}

func TestInferWindow(t *testing.T) {
	base := time.Unix(1000, 0)
	engine := NewEngine(200, 800)

	t.Run("快照之前的命令被跳过", func(t *testing.T) {
		seed := NewGameState(base)
		seed.Players = append(seed.Players, &Player{ClientID: 1, X: 50, Y: 50, Speed: 200, HP: 2})
		log := map[int][]command.Command{
			1: {cmd(1, command.TypeTeleport, at(base, -1), 1, command.TeleportData{X: 0, Y: 0})},
		}
		state := engine.Infer(seed, log, nil, at(base, 1))
		if p := findPlayer(state, 1); p.X != 50 || p.HP != 2 {
			t.Fatal("快照之前的命令不应重放")
		}
	})

	t.Run("截止时刻之后的命令被忽略", func(t *testing.T) {
		seed := NewGameState(base)
		seed.Players = append(seed.Players, &Player{ClientID: 1, X: 50, Y: 50, Speed: 200, HP: 2})
		log := map[int][]command.Command{
			1: {cmd(1, command.TypeDie, at(base, 5), 1, command.DieData{})},
		}
		state := engine.Infer(seed, log, nil, at(base, 4))
		if findPlayer(state, 1) == nil {
			t.Fatal("截止时刻之后的死亡不应生效")
		}
	})

	t.Run("推演结果确定性", func(t *testing.T) {
		seed := NewGameState(base)
		seed.Players = append(seed.Players,
			&Player{ClientID: 1, X: 0, Y: 0, Speed: 200, HP: 4},
			&Player{ClientID: 2, X: 900, Y: 900, Speed: 200, HP: 4},
		)
		byPlayer := map[int][]command.Command{
			1: {
				cmd(1, command.TypeMove, at(base, 0.3), 1, command.MoveData{X: 777, Y: 333}),
				cmd(3, command.TypeLoseHP, at(base, 1.1), 1, command.LoseHPData{HP: 1}),
			},
			2: {
				cmd(2, command.TypeTurn, at(base, 0.4), 2, command.TurnData{Direction: "northwest"}),
			},
			3: {
				cmd(4, command.TypeSpawn, at(base, 0.9), 3, command.SpawnData{X: 10, Y: 10, Team: "blue"}),
			},
		}
		byProjectile := map[int][]command.Command{
			9: {cmd(5, command.TypeSpawnProjectile, at(base, 0.5), 1, command.SpawnProjectileData{
				ID: 9, SourceX: 0, SourceY: 0, DestX: 640, DestY: 480, Type: "arrow", PlayerID: 1,
			})},
		}
		first := engine.Infer(seed, byPlayer, byProjectile, at(base, 1.7))
		second := engine.Infer(seed, byPlayer, byProjectile, at(base, 1.7))
		if !reflect.DeepEqual(first, second) {
			t.Fatal("相同输入两次推演结果不一致")
		}
	})
}

func TestInferProjectiles(t *testing.T) {
	base := time.Unix(1000, 0)
	engine := NewEngine(200, 800)

	spawn := cmd(1, command.TypeSpawnProjectile, at(base, 1), 1, command.SpawnProjectileData{
		ID: 9, SourceX: 0, SourceY: 0, DestX: 800, DestY: 0, Type: "arrow", PlayerID: 1, Friends: []int{1},
	})

	t.Run("飞行中按直线插值", func(t *testing.T) {
		byProjectile := map[int][]command.Command{9: {spawn}}
		state := engine.Infer(NewGameState(base), nil, byProjectile, at(base, 1.5))
		if len(state.Projectiles) != 1 {
			t.Fatalf("投射物数量 = %d", len(state.Projectiles))
		}
		pr := state.Projectiles[0]
		if pr.X != 400 || pr.Y != 0 {
			t.Fatalf("位置 = (%d,%d), 期望 (400,0)", pr.X, pr.Y)
		}
	})

	t.Run("到达目的地即消亡", func(t *testing.T) {
		byProjectile := map[int][]command.Command{9: {spawn}}
		state := engine.Infer(NewGameState(base), nil, byProjectile, at(base, 2.5))
		if len(state.Projectiles) != 0 {
			t.Fatalf("到达后投射物应消亡, 得到 %d 个", len(state.Projectiles))
		}
	})

	t.Run("移除命令立即终结投射物", func(t *testing.T) {
		byProjectile := map[int][]command.Command{9: {
			spawn,
			cmd(2, command.TypeRemoveProjectile, at(base, 1.2), 1, command.RemoveProjectileData{ProjectileID: 9}),
		}}
		state := engine.Infer(NewGameState(base), nil, byProjectile, at(base, 1.5))
		if len(state.Projectiles) != 0 {
			t.Fatal("被移除的投射物不应出现")
		}
	})

	t.Run("快照与日志指向同一投射物只解析一次", func(t *testing.T) {
		seed := NewGameState(base)
		seed.Projectiles = append(seed.Projectiles, &Projectile{
			ID: 9, OwnerID: 1, X: 400, Y: 0, SourceX: 0, SourceY: 0, DestX: 800, DestY: 0, Speed: 800, Type: ProjectileArrow,
		})
		byProjectile := map[int][]command.Command{9: {
			cmd(1, command.TypeSpawnProjectile, at(base, -1), 1, command.SpawnProjectileData{
				ID: 9, SourceX: 0, SourceY: 0, DestX: 800, DestY: 0, Type: "arrow", PlayerID: 1,
			}),
		}}
		state := engine.Infer(seed, nil, byProjectile, at(base, 0.25))
		if len(state.Projectiles) != 1 {
			t.Fatalf("投射物数量 = %d, 期望 1", len(state.Projectiles))
		}
		// 从快照位置继续推进而非从出生点重算
		if pr := state.Projectiles[0]; pr.X != 600 {
			t.Fatalf("x = %d, 期望 600", pr.X)
		}
	})

	t.Run("快照中的投射物在无命令时继续飞行", func(t *testing.T) {
		seed := NewGameState(base)
		seed.Projectiles = append(seed.Projectiles, &Projectile{
			ID: 3, OwnerID: 2, X: 0, Y: 0, SourceX: 0, SourceY: 0, DestX: 0, DestY: 8000, Speed: 800, Type: ProjectileArrow,
		})
		state := engine.Infer(seed, nil, nil, at(base, 2))
		if len(state.Projectiles) != 1 || state.Projectiles[0].Y != 1600 {
			t.Fatalf("投射物状态异常: %+v", state.Projectiles)
		}
	})
}
