package command

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/wfunc/castle-shooter/internal/kv"
	"go.uber.org/zap"
)

// 命令日志存储键
// 投射物命令单独成日志并以投射物ID为主键：投射物的生命周期
// 跨越属主的单次移动粒度，重放他人投射物交互时需要独立查找
const (
	KeyPlayerCommands     = "commands_by_player"
	KeyProjectileCommands = "commands_by_projectile"
)

// Log 按主体组织的追加式时间窗命令日志
// 每个房间一个实例；客户端另持本地副本承载乐观命令。
// 日志整体以JSON形式写入键值存储，借助其发布通道向房间内广播
type Log struct {
	scope     *kv.Scope
	retention time.Duration // 滑动保留窗口
	staleness time.Duration // 外部提交命令的时效下限
	now       func() time.Time
	log       *zap.Logger
}

// NewLog 创建命令日志
func NewLog(scope *kv.Scope, retention, staleness time.Duration, logger *zap.Logger) *Log {
	return &Log{
		scope:     scope,
		retention: retention,
		staleness: staleness,
		now:       time.Now,
		log:       logger,
	}
}

// Store 按命令类型路由追加
// 投射物类命令进投射物日志，其余进玩家日志
// external标记来自网络的提交，需做时效校验；本进程产生的命令直接落盘
func (l *Log) Store(cmd Command, external bool) bool {
	switch cmd.Type {
	case TypeSpawnProjectile:
		data, ok := cmd.Data.(SpawnProjectileData)
		if !ok {
			l.log.Warn("投射物命令缺少载荷，丢弃", zap.Int("command_id", cmd.ID))
			return false
		}
		return l.append(KeyProjectileCommands, data.ID, cmd, external)
	case TypeRemoveProjectile:
		data, ok := cmd.Data.(RemoveProjectileData)
		if !ok {
			l.log.Warn("投射物命令缺少载荷，丢弃", zap.Int("command_id", cmd.ID))
			return false
		}
		return l.append(KeyProjectileCommands, data.ProjectileID, cmd, external)
	default:
		if cmd.ClientID == nil {
			l.log.Warn("玩家命令缺少client_id，丢弃", zap.Int("command_id", cmd.ID))
			return false
		}
		return l.append(KeyPlayerCommands, *cmd.ClientID, cmd, external)
	}
}

// append 在按键锁下完成 加载-裁剪-追加-回写
func (l *Log) append(key string, subjectID int, cmd Command, external bool) bool {
	now := l.now()

	// 过期的外部提交静默拒绝：视为已应用状态的迟到重试，同时限定重放深度
	if external && cmd.Time.Before(now.Add(-l.staleness)) {
		l.log.Debug("拒绝过期命令",
			zap.Int("command_id", cmd.ID),
			zap.Int("subject_id", subjectID),
			zap.Time("command_time", cmd.Time))
		return false
	}

	unlock := l.scope.Lock("append_command|" + key)
	defer unlock()

	all := l.load(key)
	entries := all[subjectID]

	// (subject_id, id) 是幂等键，重复投递不改变日志内容
	for _, existing := range entries {
		if existing.ID == cmd.ID {
			return false
		}
	}

	// 追加前先按保留窗口裁剪
	cutoff := now.Add(-l.retention)
	pruned := entries[:0]
	for _, existing := range entries {
		if existing.Time.After(cutoff) {
			pruned = append(pruned, existing)
		}
	}
	all[subjectID] = append(pruned, cmd)

	l.save(key, all)
	return true
}

// PlayerCommands 返回指定玩家的命令，按时间升序、ID决胜
func (l *Log) PlayerCommands(subjectID int) []Command {
	return l.subjectCommands(KeyPlayerCommands, subjectID)
}

// ProjectileCommands 返回指定投射物的命令，按时间升序、ID决胜
func (l *Log) ProjectileCommands(projectileID int) []Command {
	return l.subjectCommands(KeyProjectileCommands, projectileID)
}

// ByPlayer 返回全部玩家命令映射
func (l *Log) ByPlayer() map[int][]Command {
	return l.sortedAll(KeyPlayerCommands)
}

// ByProjectile 返回全部投射物命令映射
func (l *Log) ByProjectile() map[int][]Command {
	return l.sortedAll(KeyProjectileCommands)
}

// subjectCommands 读取单个主体的有序命令
func (l *Log) subjectCommands(key string, subjectID int) []Command {
	entries := l.load(key)[subjectID]
	SortCommands(entries)
	return entries
}

// sortedAll 读取整个日志并逐主体排序
func (l *Log) sortedAll(key string) map[int][]Command {
	all := l.load(key)
	for id := range all {
		SortCommands(all[id])
	}
	return all
}

// load 从键值存储加载日志
func (l *Log) load(key string) map[int][]Command {
	raw, ok := l.scope.Get(key)
	if !ok {
		return make(map[int][]Command)
	}
	decoded, err := DecodeMap(raw)
	if err != nil {
		l.log.Error("命令日志反序列化失败", zap.String("key", key), zap.Error(err))
		return make(map[int][]Command)
	}
	return decoded
}

// save 序列化日志并写回（写入即发布）
func (l *Log) save(key string, all map[int][]Command) {
	raw, err := EncodeMap(all)
	if err != nil {
		l.log.Error("命令日志序列化失败", zap.String("key", key), zap.Error(err))
		return
	}
	l.scope.Set(key, raw)
}

// MergePlayers 把权威玩家日志合并进本地副本
// 广播是整份日志的重放，合并逐主体做ID并集，所以天然幂等
func (l *Log) MergePlayers(remote map[int][]Command, cutoff time.Time) {
	l.mergeRemote(KeyPlayerCommands, remote, cutoff)
}

// MergeProjectiles 把权威投射物日志合并进本地副本
func (l *Log) MergeProjectiles(remote map[int][]Command, cutoff time.Time) {
	l.mergeRemote(KeyProjectileCommands, remote, cutoff)
}

func (l *Log) mergeRemote(key string, remote map[int][]Command, cutoff time.Time) {
	unlock := l.scope.Lock("append_command|" + key)
	defer unlock()

	local := l.load(key)
	merged := make(map[int][]Command, len(local)+len(remote))
	for subjectID, commands := range local {
		merged[subjectID] = Merge(commands, remote[subjectID], cutoff)
	}
	for subjectID, commands := range remote {
		if _, done := merged[subjectID]; done {
			continue
		}
		merged[subjectID] = Merge(nil, commands, cutoff)
	}
	l.save(key, merged)
}

// Merge 本地副本与权威副本按主体合并
// 按ID求并集，冲突时远端（权威）覆盖本地，再按时间排序并套用保留窗口
func Merge(local, remote []Command, cutoff time.Time) []Command {
	byID := make(map[int]Command, len(local)+len(remote))
	for _, cmd := range local {
		byID[cmd.ID] = cmd
	}
	for _, cmd := range remote {
		byID[cmd.ID] = cmd
	}

	merged := make([]Command, 0, len(byID))
	for _, cmd := range byID {
		if cmd.Time.After(cutoff) {
			merged = append(merged, cmd)
		}
	}
	SortCommands(merged)
	return merged
}

// DecodeMap 反序列化 主体ID→命令序列 映射
func DecodeMap(raw string) (map[int][]Command, error) {
	var byKey map[string][]Command
	if err := json.Unmarshal([]byte(raw), &byKey); err != nil {
		return nil, err
	}
	out := make(map[int][]Command, len(byKey))
	for key, commands := range byKey {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, err
		}
		out[id] = commands
	}
	return out, nil
}

// EncodeMap 序列化 主体ID→命令序列 映射
func EncodeMap(all map[int][]Command) (string, error) {
	byKey := make(map[string][]Command, len(all))
	for id, commands := range all {
		byKey[strconv.Itoa(id)] = commands
	}
	raw, err := json.Marshal(byKey)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
