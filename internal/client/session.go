package client

import (
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wfunc/castle-shooter/internal/command"
	"github.com/wfunc/castle-shooter/internal/errors"
	"github.com/wfunc/castle-shooter/internal/game"
	"github.com/wfunc/castle-shooter/internal/kv"
	"github.com/wfunc/castle-shooter/internal/logger"
	"github.com/wfunc/castle-shooter/internal/protocol"
	"github.com/wfunc/castle-shooter/internal/room"
)

// Options 客户端会话参数
type Options struct {
	BaseSpeed       int
	ProjectileSpeed int
	// 本地命令副本的保留窗口，随广播合并的截断边界
	CommandRetention time.Duration
	MaxSnapshots     int
	SnapshotMaxAge   time.Duration
	RetrySchedule    []time.Duration
	ChunkSize        int
}

// DefaultOptions 默认会话参数
func DefaultOptions() Options {
	return Options{
		BaseSpeed:        game.DefaultPlayerSpeed,
		ProjectileSpeed:  game.DefaultProjectileSpeed,
		CommandRetention: 30 * time.Second,
		MaxSnapshots:     game.DefaultMaxSnapshots,
		SnapshotMaxAge:   game.DefaultSnapshotMaxAge,
		RetrySchedule:    protocol.DefaultRetrySchedule,
		ChunkSize:        protocol.DefaultChunkSize,
	}
}

// Session 无界面客户端会话
// 本地维持乐观命令副本和快照环，收到权威广播后按ID并集合并。
// 渲染层只消费View的输出，不直接碰网络
type Session struct {
	conn net.Conn
	opts Options

	store     kv.Store
	scope     *kv.Scope
	sender    *protocol.Sender
	log       *command.Log
	snapshots *game.SnapshotStore
	engine    *game.Engine

	mu            sync.Mutex
	clientID      *int
	nextCommandID int
	gameNames     map[string]bool
	teams         map[int]string
	playerNumbers map[int]int
	gameStarted   bool

	assigned    chan struct{}
	reassembler *protocol.Reassembler

	closeOnce sync.Once
	closed    chan struct{}
	zlog      *zap.Logger
}

// Dial 连接服务器并启动收包泵
// 返回时握手未必完成，用WaitForClientID等待身份分配
func Dial(addr string, opts Options) (*Session, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewSession(conn, opts), nil
}

// NewSession 在已建立的连接上创建会话
func NewSession(conn net.Conn, opts Options) *Session {
	zlog := logger.GetLogger()
	store := kv.NewMemoryStore()
	scope := kv.NewScope(store, "client")
	s := &Session{
		conn:      conn,
		opts:      opts,
		store:     store,
		scope:     scope,
		sender:    protocol.NewSender(conn, scope, zlog, protocol.WithRetrySchedule(opts.RetrySchedule)),
		log:       command.NewLog(scope, opts.CommandRetention, 0, zlog),
		snapshots: game.NewSnapshotStore(scope, opts.MaxSnapshots, opts.SnapshotMaxAge),
		engine:    game.NewEngine(opts.BaseSpeed, opts.ProjectileSpeed),

		gameNames:     map[string]bool{},
		teams:         map[int]string{},
		playerNumbers: map[int]int{},

		assigned:    make(chan struct{}),
		reassembler: protocol.NewReassembler(zlog),
		closed:      make(chan struct{}),
		zlog:        zlog,
	}
	go s.readLoop()
	return s
}

// WaitForClientID 阻塞到服务器下发身份，超时返回错误
func (s *Session) WaitForClientID(timeout time.Duration) (int, error) {
	select {
	case <-s.assigned:
		s.mu.Lock()
		defer s.mu.Unlock()
		return *s.clientID, nil
	case <-time.After(timeout):
		return 0, errors.New(errors.ErrDeliveryFailed, "等待client_id超时")
	case <-s.closed:
		return 0, errors.New(errors.ErrDeliveryFailed, "连接已关闭")
	}
}

// ClientID 已分配的客户端ID，未分配时返回nil
func (s *Session) ClientID() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// GameNames 当前已知的房间注册表
func (s *Session) GameNames() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make(map[string]bool, len(s.gameNames))
	for name, started := range s.gameNames {
		names[name] = started
	}
	return names
}

// GameStarted 所在房间是否已开局
func (s *Session) GameStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gameStarted
}

// Team 指定客户端的队伍
func (s *Session) Team(clientID int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	team, ok := s.teams[clientID]
	return team, ok
}

// PlayerNumber 指定客户端的座位号
func (s *Session) PlayerNumber(clientID int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.playerNumbers[clientID]
	return n, ok
}

// readLoop 收包泵
func (s *Session) readLoop() {
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		payload, err := protocol.ReadFrame(s.conn, s.opts.ChunkSize)
		if err != nil {
			s.zlog.Info("与服务器的连接断开", zap.Error(err))
			s.Close()
			return
		}
		for _, datum := range protocol.SplitPayload(payload) {
			s.reassembler.Handle(datum, s.handleDatum)
		}
	}
}

func (s *Session) handleDatum(datum string) error {
	packet, err := protocol.Parse(datum)
	if err != nil {
		return err
	}

	if packet.IsAck {
		s.sender.RecordAck(*packet.ID)
		return nil
	}
	if packet.ID == nil {
		return s.handleBroadcast(packet.Payload)
	}

	var applyErr error
	protocol.HandleOnce(s.scope, packet, func() {
		applyErr = s.handleBroadcast(packet.Payload)
	}, s.sender.SendAck)
	return applyErr
}

// handleBroadcast 处理服务器推送的key|value载荷
func (s *Session) handleBroadcast(payload string) error {
	key, data, found := strings.Cut(payload, "|")
	if !found {
		return errors.New(errors.ErrPayloadFormat, payload)
	}

	switch key {
	case "client_id":
		id, err := strconv.Atoi(data)
		if err != nil {
			return errors.Wrap(err, errors.ErrPayloadFormat, payload)
		}
		s.setClientID(id)

	case room.KeyGameNames:
		names := map[string]bool{}
		if err := json.Unmarshal([]byte(data), &names); err != nil {
			return errors.Wrap(err, errors.ErrPayloadFormat, key)
		}
		s.mu.Lock()
		s.gameNames = names
		s.mu.Unlock()

	case game.KeyLatestSnapshot:
		var state game.GameState
		if err := json.Unmarshal([]byte(data), &state); err != nil {
			// 坏快照只跳过，下一张会覆盖
			s.zlog.Debug("忽略无法解析的快照", zap.Error(err))
			return nil
		}
		if err := s.snapshots.Append(&state); err != nil {
			s.zlog.Warn("快照入环失败", zap.Error(err))
		}

	case command.KeyPlayerCommands:
		remote, err := command.DecodeMap(data)
		if err != nil {
			return errors.Wrap(err, errors.ErrPayloadFormat, key)
		}
		s.log.MergePlayers(remote, s.mergeCutoff())

	case command.KeyProjectileCommands:
		remote, err := command.DecodeMap(data)
		if err != nil {
			return errors.Wrap(err, errors.ErrPayloadFormat, key)
		}
		s.log.MergeProjectiles(remote, s.mergeCutoff())

	case room.KeyClientIDToTeam:
		byKey := map[string]string{}
		if err := json.Unmarshal([]byte(data), &byKey); err != nil {
			return errors.Wrap(err, errors.ErrPayloadFormat, key)
		}
		s.mu.Lock()
		for raw, team := range byKey {
			if id, err := strconv.Atoi(raw); err == nil {
				s.teams[id] = team
			}
		}
		s.mu.Unlock()

	case room.KeyClientIDToPlayerNumber:
		byKey := map[string]int{}
		if err := json.Unmarshal([]byte(data), &byKey); err != nil {
			return errors.Wrap(err, errors.ErrPayloadFormat, key)
		}
		s.mu.Lock()
		for raw, n := range byKey {
			if id, err := strconv.Atoi(raw); err == nil {
				s.playerNumbers[id] = n
			}
		}
		s.mu.Unlock()

	case room.KeyGameStarted:
		s.mu.Lock()
		s.gameStarted = data == "1"
		s.mu.Unlock()

	case room.KeyActivePlayers:
		// 名单只做展示，这里不维护状态

	default:
		s.zlog.Debug("忽略未知广播", zap.String("key", key))
	}
	return nil
}

func (s *Session) setClientID(id int) {
	s.mu.Lock()
	already := s.clientID != nil
	if !already {
		s.clientID = &id
	}
	s.mu.Unlock()
	if !already {
		close(s.assigned)
	}
}

// mergeCutoff 广播合并的时间下界：快照环覆盖不到的历史没有意义
func (s *Session) mergeCutoff() time.Time {
	return time.Now().Add(-time.Duration(s.opts.MaxSnapshots) * time.Second)
}

// View 推演now时刻的本地视图
// 以最新广播快照为种子，叠加本地乐观命令和已合并的权威命令
func (s *Session) View(now time.Time) *game.GameState {
	base := s.snapshots.Latest()
	if base == nil {
		base = game.NewGameState(now.Add(-s.opts.CommandRetention))
	}
	return s.engine.Infer(base, s.log.ByPlayer(), s.log.ByProjectile(), now)
}

// Log 本地命令副本
func (s *Session) Log() *command.Log {
	return s.log
}

// Snapshots 本地快照环
func (s *Session) Snapshots() *game.SnapshotStore {
	return s.snapshots
}

// Close 关闭会话
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// nextID 分配下一个命令ID，步长2
// 同一主体的服务端回填命令占据另一个奇偶类，两边不会相撞
func (s *Session) nextID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCommandID += 2
	return s.nextCommandID
}
