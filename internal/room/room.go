package room

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wfunc/castle-shooter/internal/command"
	"github.com/wfunc/castle-shooter/internal/game"
	"github.com/wfunc/castle-shooter/internal/kv"
	"github.com/wfunc/castle-shooter/internal/logger"
)

// 房间内广播订阅键。连接的出站泵监听这些键的变化并推送给客户端
var RoomSubscriptionKeys = []string{
	KeyActivePlayers,
	game.KeyLatestSnapshot,
	command.KeyPlayerCommands,
	command.KeyProjectileCommands,
	KeyClientIDToPlayerNumber,
	KeyClientIDToTeam,
	KeyGameStarted,
}

// 大厅广播订阅键
var LobbySubscriptionKeys = []string{KeyGameNames}

const (
	// KeyActivePlayers 房间成员名单：[[昵称, 客户端ID], ...]
	KeyActivePlayers = "active_players"
	// KeyClientIDToTeam 客户端ID到队伍的分配表
	KeyClientIDToTeam = "client_id_to_team"
	// KeyClientIDToPlayerNumber 客户端ID到座位号的分配表
	KeyClientIDToPlayerNumber = "client_id_to_player_number"
	// KeyGameStarted 对局开始标记
	KeyGameStarted = "game_started"
	// KeyGameNames 大厅的房间注册表：房间名到是否已开局
	KeyGameNames = "game_names"
)

// Member 房间成员
// 线上形式是两元素数组[昵称, 客户端ID]，与广播消费方约定一致
type Member struct {
	Name     string
	ClientID int
}

// MarshalJSON 按[昵称, ID]数组编码
func (m Member) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{m.Name, m.ClientID})
}

// UnmarshalJSON 从[昵称, ID]数组解码
func (m *Member) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("成员元组长度 = %d, 期望 2", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &m.Name); err != nil {
		return err
	}
	return json.Unmarshal(tuple[1], &m.ClientID)
}

// Room 一局游戏的隔离会话
// 命令日志、快照存储和成员名单都归属于房间实例，不跨房间共享
type Room struct {
	Name string

	scope     *kv.Scope
	log       *command.Log
	snapshots *game.SnapshotStore
	engine    *game.Engine
	opts      Options
	recorder  Recorder

	done chan struct{}
	zlog *zap.Logger
}

func newRoom(name string, store kv.Store, opts Options, recorder Recorder) *Room {
	scope := kv.NewScope(store, "room", name)
	return &Room{
		Name:      name,
		scope:     scope,
		log:       command.NewLog(scope, opts.CommandRetention, opts.StalenessBound, logger.GetLogger()),
		snapshots: game.NewSnapshotStore(scope, opts.MaxSnapshots, opts.SnapshotMaxAge),
		engine:    game.NewEngine(opts.BaseSpeed, opts.ProjectileSpeed),
		opts:      opts,
		recorder:  recorder,
		done:      make(chan struct{}),
		zlog:      logger.GetLogger().With(zap.String("room", name)),
	}
}

// Scope 房间的存储作用域
func (r *Room) Scope() *kv.Scope {
	return r.scope
}

// Log 房间的权威命令日志
func (r *Room) Log() *command.Log {
	return r.log
}

// Snapshots 房间的快照存储
func (r *Room) Snapshots() *game.SnapshotStore {
	return r.snapshots
}

// Started 对局是否已开始
func (r *Room) Started() bool {
	raw, _ := r.scope.Get(KeyGameStarted)
	return raw == "1"
}

// Members 当前成员名单
func (r *Room) Members() []Member {
	raw, ok := r.scope.Get(KeyActivePlayers)
	if !ok || raw == "" {
		return nil
	}
	var members []Member
	if err := json.Unmarshal([]byte(raw), &members); err != nil {
		r.zlog.Warn("成员名单解码失败", zap.Error(err))
		return nil
	}
	return members
}

func (r *Room) setMembers(members []Member) {
	encoded, err := json.Marshal(members)
	if err != nil {
		r.zlog.Error("成员名单编码失败", zap.Error(err))
		return
	}
	r.scope.Set(KeyActivePlayers, string(encoded))
}

// StoreCommand 把命令写入权威日志
// external为真表示来自网络的命令，受陈旧窗口约束
func (r *Room) StoreCommand(cmd command.Command, external bool) bool {
	stored := r.log.Store(cmd, external)
	if stored && r.recorder != nil && cmd.Type == command.TypeDie && cmd.ClientID != nil {
		// DIE载荷可以缺省，缺省时凶手未知
		data, _ := cmd.Data.(command.DieData)
		r.recorder.PlayerDied(r.Name, cmd.ID, *cmd.ClientID, data.KillerID, data.Verb, cmd.Time)
	}
	return stored
}

// Infer 推演at时刻的游戏状态
// 以最新快照为种子；没有快照时从空状态起步，重放窗口内的全部命令
func (r *Room) Infer(at time.Time) *game.GameState {
	base := r.snapshots.Latest()
	if base == nil {
		base = game.NewGameState(at.Add(-r.opts.CommandRetention))
	}
	return r.engine.Infer(base, r.log.ByPlayer(), r.log.ByProjectile(), at)
}

// runSnapshotTicker 快照生产循环
// 服务端在滞后补偿的时间点推演，保证窗口内命令大体到齐。
// 房间被关闭后循环退出
func (r *Room) runSnapshotTicker() {
	ticker := time.NewTicker(r.opts.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			r.zlog.Info("快照循环退出")
			return
		case <-ticker.C:
			state := r.Infer(time.Now().Add(-r.opts.LagOffset))
			if err := r.snapshots.Append(state); err != nil {
				r.zlog.Warn("快照写入失败", zap.Error(err))
			}
		}
	}
}

func (r *Room) close() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}
