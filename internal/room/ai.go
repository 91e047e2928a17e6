package room

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/wfunc/castle-shooter/internal/command"
)

// aiController 房间的AI补位驱动
// AI不走网络协议，直接把命令写进权威日志，随广播到达所有客户端。
// 每个已开局的房间至多一个AI循环，随房间关闭而退出
type aiController struct {
	room   *Room
	ids    []int
	opts   Options
	rng    *rand.Rand
	nextID int
}

func newAIController(r *Room, ids []int, opts Options, seed int64) *aiController {
	return &aiController{
		room: r,
		ids:  ids,
		opts: opts,
		rng:  rand.New(rand.NewSource(seed)),
		// 客户端用偶数ID铸号，AI沿用开局回填的奇数序列，
		// 同一主体上的两路命令永不相撞
		nextID: 3,
	}
}

func (c *aiController) run() {
	ticker := time.NewTicker(c.opts.AITickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.room.done:
			c.room.zlog.Info("AI循环退出")
			return
		case <-ticker.C:
			c.tick(time.Now())
		}
	}
}

// tick 为每个AI身份决定本轮动作
func (c *aiController) tick(now time.Time) {
	state := c.room.Infer(now)
	teams := c.teams()
	for _, clientID := range c.ids {
		alive := false
		for _, p := range state.Players {
			if p.ClientID == clientID {
				alive = true
				break
			}
		}
		if !alive {
			c.store(clientID, command.TypeSpawn, now, command.SpawnData{
				X:    c.rng.Intn(c.opts.WorldWidth) + 1,
				Y:    c.rng.Intn(c.opts.WorldHeight) + 1,
				Team: teams[clientID],
			})
			continue
		}
		// 大部分时间保持现状，偶尔换一个游走目标
		if c.rng.Float64() < 0.2 {
			c.store(clientID, command.TypeMove, now, command.MoveData{
				X: c.rng.Intn(c.opts.WorldWidth) + 1,
				Y: c.rng.Intn(c.opts.WorldHeight) + 1,
			})
		}
	}
}

func (c *aiController) store(clientID int, typ command.Type, now time.Time, data command.Payload) {
	cid := clientID
	id := c.nextID
	c.nextID += 2
	ok := c.room.StoreCommand(command.Command{
		ID:       id,
		Type:     typ,
		Time:     now,
		ClientID: &cid,
		Data:     data,
	}, false)
	if !ok {
		c.room.zlog.Debug("AI命令被丢弃", zap.Int("client_id", clientID), zap.String("type", string(typ)))
	}
}

// teams 从房间读取队伍分配表
func (c *aiController) teams() map[int]string {
	raw, ok := c.room.scope.Get(KeyClientIDToTeam)
	if !ok || raw == "" {
		return map[int]string{}
	}
	byKey := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &byKey); err != nil {
		return map[int]string{}
	}
	teams := make(map[int]string, len(byKey))
	for key, team := range byKey {
		var clientID int
		if _, err := fmt.Sscanf(key, "%d", &clientID); err == nil {
			teams[clientID] = team
		}
	}
	return teams
}
