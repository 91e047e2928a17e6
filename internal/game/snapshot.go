package game

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/wfunc/castle-shooter/internal/kv"
	"github.com/wfunc/castle-shooter/internal/logger"
)

const (
	// KeySnapshots 快照环形列表的存储键
	KeySnapshots = "game_state_snapshots"
	// KeyLatestSnapshot 最新快照的冗余单键，供低延迟读
	KeyLatestSnapshot = "most_recent_game_state_snapshot"

	// DefaultMaxSnapshots 保留的快照数量上限
	DefaultMaxSnapshots = 5
	// DefaultSnapshotMaxAge 超过该年龄的快照在追加时被回收
	DefaultSnapshotMaxAge = 7 * time.Second
)

// SnapshotStore 游戏状态快照存储
// 快照是推演的基准：越新的快照重放的命令越少。
// 追加方负责裁剪，读方只取最新
type SnapshotStore struct {
	scope   *kv.Scope
	maxKeep int
	maxAge  time.Duration
	now     func() time.Time
	log     *zap.Logger
}

// NewSnapshotStore 创建快照存储
func NewSnapshotStore(scope *kv.Scope, maxKeep int, maxAge time.Duration) *SnapshotStore {
	if maxKeep <= 0 {
		maxKeep = DefaultMaxSnapshots
	}
	if maxAge <= 0 {
		maxAge = DefaultSnapshotMaxAge
	}
	return &SnapshotStore{
		scope:   scope,
		maxKeep: maxKeep,
		maxAge:  maxAge,
		now:     time.Now,
		log:     logger.GetLogger(),
	}
}

// Append 追加一张快照并裁剪旧快照
// 按数量上限和年龄上限双重裁剪，时间升序保存
func (s *SnapshotStore) Append(state *GameState) error {
	unlock := s.scope.Lock(KeySnapshots)
	defer unlock()

	snapshots, err := s.load()
	if err != nil {
		s.log.Warn("快照列表损坏，重置", zap.Error(err))
		snapshots = nil
	}

	// 年龄裁剪只作用于旧快照；新追加的快照无条件保留，
	// 否则时钟偏差会把列表裁空
	cutoff := s.now().Add(-s.maxAge)
	kept := snapshots[:0]
	for _, snap := range snapshots {
		if snap.Time.Before(cutoff) {
			continue
		}
		kept = append(kept, snap)
	}
	kept = append(kept, state)
	if len(kept) > s.maxKeep {
		kept = kept[len(kept)-s.maxKeep:]
	}

	encoded, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	s.scope.Set(KeySnapshots, string(encoded))

	latest, err := json.Marshal(kept[len(kept)-1])
	if err != nil {
		return err
	}
	s.scope.Set(KeyLatestSnapshot, string(latest))
	return nil
}

// Latest 返回最新的快照，不存在时返回nil
func (s *SnapshotStore) Latest() *GameState {
	raw, ok := s.scope.Get(KeyLatestSnapshot)
	if !ok || raw == "" {
		return nil
	}
	var state GameState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		s.log.Warn("最新快照解码失败", zap.Error(err))
		return nil
	}
	return &state
}

// All 返回当前保留的全部快照，时间升序
func (s *SnapshotStore) All() []*GameState {
	snapshots, err := s.load()
	if err != nil {
		s.log.Warn("快照列表解码失败", zap.Error(err))
		return nil
	}
	return snapshots
}

func (s *SnapshotStore) load() ([]*GameState, error) {
	raw, ok := s.scope.Get(KeySnapshots)
	if !ok || raw == "" {
		return nil, nil
	}
	var snapshots []*GameState
	if err := json.Unmarshal([]byte(raw), &snapshots); err != nil {
		return nil, err
	}
	return snapshots, nil
}
