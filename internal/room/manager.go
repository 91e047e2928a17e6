package room

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wfunc/castle-shooter/internal/command"
	"github.com/wfunc/castle-shooter/internal/config"
	"github.com/wfunc/castle-shooter/internal/errors"
	"github.com/wfunc/castle-shooter/internal/game"
	"github.com/wfunc/castle-shooter/internal/kv"
	"github.com/wfunc/castle-shooter/internal/logger"
)

// LobbyName 特殊的常驻大厅房间名，只做房间发现，不跑对局推演
const LobbyName = "SPECIAL_LOBBY_MANAGER_GAME_NAME"

// AIClientIDBase AI补位身份的起始客户端ID，与人类ID段不重叠
const AIClientIDBase = 10000

const gameNamesLockKey = "game_names_lock"

// Options 房间参数
type Options struct {
	WorldWidth       int
	WorldHeight      int
	MaxPlayers       int
	BaseSpeed        int
	ProjectileSpeed  int
	CommandRetention time.Duration
	StalenessBound   time.Duration
	SnapshotInterval time.Duration
	MaxSnapshots     int
	SnapshotMaxAge   time.Duration
	LagOffset        time.Duration
	AITickInterval   time.Duration
}

// DefaultOptions 默认房间参数
func DefaultOptions() Options {
	return Options{
		WorldWidth:       2000,
		WorldHeight:      1400,
		MaxPlayers:       8,
		BaseSpeed:        game.DefaultPlayerSpeed,
		ProjectileSpeed:  game.DefaultProjectileSpeed,
		CommandRetention: 30 * time.Second,
		StalenessBound:   2 * time.Second,
		SnapshotInterval: time.Second,
		MaxSnapshots:     game.DefaultMaxSnapshots,
		SnapshotMaxAge:   game.DefaultSnapshotMaxAge,
		LagOffset:        2 * time.Second,
		AITickInterval:   500 * time.Millisecond,
	}
}

// OptionsFromConfig 从配置构造房间参数
func OptionsFromConfig(cfg *config.GameConfig) Options {
	opts := DefaultOptions()
	if cfg == nil {
		return opts
	}
	opts.WorldWidth = cfg.WorldWidth
	opts.WorldHeight = cfg.WorldHeight
	opts.MaxPlayers = cfg.MaxPlayers
	opts.BaseSpeed = cfg.BaseSpeed
	opts.ProjectileSpeed = cfg.ProjectileSpeed
	opts.CommandRetention = cfg.CommandRetention
	opts.StalenessBound = cfg.StalenessBound
	opts.SnapshotInterval = cfg.SnapshotInterval
	opts.MaxSnapshots = cfg.MaxSnapshots
	opts.SnapshotMaxAge = cfg.SnapshotMaxAge
	opts.LagOffset = cfg.LagOffset
	opts.AITickInterval = cfg.AITickInterval
	return opts
}

type connKey struct {
	clientID int
	roomName string
}

// Manager 大厅与房间管理器
// 房间注册表和成员变更都在game_names锁内进行，避免并发主持/加入互踩
type Manager struct {
	store      kv.Store
	lobbyScope *kv.Scope
	opts       Options
	recorder   Recorder

	mu          sync.Mutex
	rooms       map[string]*Room
	activeConns map[connKey]struct{}
	clientRoom  map[int]string
	rng         *rand.Rand

	zlog *zap.Logger
}

// NewManager 创建房间管理器
func NewManager(store kv.Store, opts Options) *Manager {
	m := &Manager{
		store:       store,
		lobbyScope:  kv.NewScope(store, "room", LobbyName),
		opts:        opts,
		rooms:       make(map[string]*Room),
		activeConns: make(map[connKey]struct{}),
		clientRoom:  make(map[int]string),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	m.zlog = logger.GetLogger()
	return m
}

// SetRecorder 设置对局落库钩子，须在开始服务前调用
func (m *Manager) SetRecorder(rec Recorder) {
	m.recorder = rec
}

// UpdateOptions 替换房间参数
// 已创建的房间保持原参数不变，只影响之后主持的房间
func (m *Manager) UpdateOptions(opts Options) {
	m.mu.Lock()
	m.opts = opts
	m.mu.Unlock()
}

func (m *Manager) options() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}

// LobbyScope 大厅的存储作用域
func (m *Manager) LobbyScope() *kv.Scope {
	return m.lobbyScope
}

// Room 按名字取房间，不存在时返回nil
func (m *Manager) Room(name string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[name]
}

// GameNames 房间注册表：房间名到是否已开局
func (m *Manager) GameNames() map[string]bool {
	raw, ok := m.lobbyScope.Get(KeyGameNames)
	if !ok || raw == "" {
		return map[string]bool{}
	}
	names := map[string]bool{}
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		m.zlog.Warn("房间注册表解码失败", zap.Error(err))
		return map[string]bool{}
	}
	return names
}

func (m *Manager) setGameNames(names map[string]bool) {
	encoded, err := json.Marshal(names)
	if err != nil {
		m.zlog.Error("房间注册表编码失败", zap.Error(err))
		return
	}
	m.lobbyScope.Set(KeyGameNames, string(encoded))
}

// ConnectionActive 连接是否仍属于房间
// 连接的各个泵每轮迭代检查一次，失活即退出
func (m *Manager) ConnectionActive(clientID int, roomName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.activeConns[connKey{clientID, roomName}]
	return ok
}

// ClientRoom 客户端当前所在的房间，未入任何房间时为大厅
func (m *Manager) ClientRoom(clientID int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name, ok := m.clientRoom[clientID]; ok {
		return name
	}
	return LobbyName
}

// Host 主持一个新房间
func (m *Manager) Host(playerName, roomName string, clientID int) (*Room, error) {
	unlock := m.lobbyScope.Lock(gameNamesLockKey)
	defer unlock()

	names := m.GameNames()
	if _, exists := names[roomName]; exists {
		return nil, errors.New(errors.ErrRoomAlreadyExists, roomName)
	}

	m.mu.Lock()
	r := newRoom(roomName, m.store, m.opts, m.recorder)
	m.rooms[roomName] = r
	m.activeConns[connKey{clientID, roomName}] = struct{}{}
	m.clientRoom[clientID] = roomName
	m.mu.Unlock()

	names[roomName] = false
	m.setGameNames(names)
	r.setMembers([]Member{{Name: playerName, ClientID: clientID}})

	m.zlog.Info("房间已创建",
		zap.String("room", roomName),
		zap.String("player", playerName),
		zap.Int("client_id", clientID))
	return r, nil
}

// Join 加入已存在的房间
// 开局后成员集不可变，加入被拒绝
func (m *Manager) Join(playerName, roomName string, clientID int) (*Room, error) {
	unlock := m.lobbyScope.Lock(gameNamesLockKey)
	defer unlock()

	names := m.GameNames()
	started, exists := names[roomName]
	if !exists {
		return nil, errors.New(errors.ErrRoomNotFound, roomName)
	}
	if started {
		return nil, errors.New(errors.ErrGameAlreadyStarted, roomName)
	}

	m.mu.Lock()
	r := m.rooms[roomName]
	key := connKey{clientID, roomName}
	if _, already := m.activeConns[key]; already {
		m.mu.Unlock()
		return r, nil
	}
	m.mu.Unlock()
	if r == nil {
		return nil, errors.New(errors.ErrRoomNotFound, roomName)
	}

	members := r.Members()
	if len(members) >= r.opts.MaxPlayers {
		return nil, errors.New(errors.ErrRoomFull, roomName)
	}

	m.mu.Lock()
	m.activeConns[key] = struct{}{}
	m.clientRoom[clientID] = roomName
	m.mu.Unlock()

	r.setMembers(append(members, Member{Name: playerName, ClientID: clientID}))
	m.zlog.Info("玩家加入房间",
		zap.String("room", roomName),
		zap.String("player", playerName),
		zap.Int("client_id", clientID))
	return r, nil
}

// Leave 离开房间，客户端回到大厅
// 最后一名成员离开后房间被关闭并从注册表摘除
func (m *Manager) Leave(playerName, roomName string, clientID int) error {
	unlock := m.lobbyScope.Lock(gameNamesLockKey)
	defer unlock()

	m.mu.Lock()
	r := m.rooms[roomName]
	key := connKey{clientID, roomName}
	_, active := m.activeConns[key]
	if !active || r == nil {
		m.mu.Unlock()
		return errors.New(errors.ErrNotInRoom, fmt.Sprintf("%s/%d", roomName, clientID))
	}
	delete(m.activeConns, key)
	m.clientRoom[clientID] = LobbyName
	m.mu.Unlock()

	members := r.Members()
	for i, member := range members {
		if member.Name == playerName && member.ClientID == clientID {
			members = append(members[:i], members[i+1:]...)
			break
		}
	}
	r.setMembers(members)

	// AI补位不算数，最后一名人类离开即关房
	humans := 0
	for _, member := range members {
		if member.ClientID < AIClientIDBase {
			humans++
		}
	}
	if humans == 0 {
		m.mu.Lock()
		delete(m.rooms, roomName)
		m.mu.Unlock()
		started := r.Started()
		r.close()
		names := m.GameNames()
		delete(names, roomName)
		m.setGameNames(names)
		if m.recorder != nil && started {
			m.recorder.MatchEnded(roomName, m.winningTeam(r), time.Now())
		}
		m.zlog.Info("空房间已关闭", zap.String("room", roomName))
	}
	return nil
}

// winningTeam 按存活人数判定胜方，平局返回空串
func (m *Manager) winningTeam(r *Room) string {
	state := r.Infer(time.Now())
	alive := map[game.Team]int{}
	for _, p := range state.Players {
		alive[p.Team]++
	}
	switch {
	case alive[game.TeamRed] > alive[game.TeamBlue]:
		return string(game.TeamRed)
	case alive[game.TeamBlue] > alive[game.TeamRed]:
		return string(game.TeamBlue)
	default:
		return ""
	}
}

// Start 开始对局
// 空位由AI身份补齐，随机洗牌分队分座位，给每个身份回填一条出生命令，
// 然后启动快照循环和AI循环
func (m *Manager) Start(roomName string) error {
	unlock := m.lobbyScope.Lock(gameNamesLockKey)
	defer unlock()

	names := m.GameNames()
	started, exists := names[roomName]
	if !exists {
		return errors.New(errors.ErrRoomNotFound, roomName)
	}
	if started {
		return errors.New(errors.ErrGameAlreadyStarted, roomName)
	}
	m.mu.Lock()
	r := m.rooms[roomName]
	m.mu.Unlock()
	if r == nil {
		return errors.New(errors.ErrRoomNotFound, roomName)
	}

	members := r.Members()
	aiIDs := make([]int, 0)
	for i := 0; len(members)+len(aiIDs) < r.opts.MaxPlayers; i++ {
		aiIDs = append(aiIDs, AIClientIDBase+i)
		members = append(members, Member{Name: "", ClientID: AIClientIDBase + i})
	}
	r.setMembers(members)

	clientIDs := make([]int, len(members))
	for i, member := range members {
		clientIDs[i] = member.ClientID
	}
	m.mu.Lock()
	m.rng.Shuffle(len(clientIDs), func(i, j int) {
		clientIDs[i], clientIDs[j] = clientIDs[j], clientIDs[i]
	})
	m.mu.Unlock()

	memberNames := make(map[int]string, len(members))
	for _, member := range members {
		memberNames[member.ClientID] = member.Name
	}

	clientIDToTeam := make(map[string]string, len(clientIDs))
	clientIDToNumber := make(map[string]int, len(clientIDs))
	teams := make(map[int]game.Team, len(clientIDs))
	seats := make([]Seat, 0, len(clientIDs))
	for i, clientID := range clientIDs {
		team := game.TeamBlue
		if i < len(clientIDs)/2 {
			team = game.TeamRed
		}
		teams[clientID] = team
		playerNumber := i + 1
		key := fmt.Sprintf("%d", clientID)
		clientIDToTeam[key] = string(team)
		clientIDToNumber[key] = playerNumber
		r.scope.Set(fmt.Sprintf("player_number:%d", clientID), fmt.Sprintf("%d", playerNumber))
		r.scope.Set(fmt.Sprintf("client_id:%d", playerNumber), key)
		seats = append(seats, Seat{
			ClientID:     clientID,
			Name:         memberNames[clientID],
			PlayerNumber: playerNumber,
			Team:         string(team),
			IsAI:         clientID >= AIClientIDBase,
		})
	}

	teamJSON, _ := json.Marshal(clientIDToTeam)
	numberJSON, _ := json.Marshal(clientIDToNumber)
	r.scope.Set(KeyClientIDToTeam, string(teamJSON))
	r.scope.Set(KeyClientIDToPlayerNumber, string(numberJSON))
	r.scope.Set(KeyGameStarted, "1")

	names[roomName] = true
	m.setGameNames(names)

	// 出生命令回填到过去，保证第一张快照就能看到所有玩家
	spawnTime := time.Now().Add(-5 * time.Second)
	for _, clientID := range clientIDs {
		cid := clientID
		m.mu.Lock()
		x := m.rng.Intn(r.opts.WorldWidth) + 1
		y := m.rng.Intn(r.opts.WorldHeight) + 1
		m.mu.Unlock()
		r.StoreCommand(command.Command{
			ID:       1,
			Type:     command.TypeSpawn,
			Time:     spawnTime,
			ClientID: &cid,
			Data:     command.SpawnData{X: x, Y: y, Team: string(teams[clientID])},
		}, false)
	}

	if m.recorder != nil {
		m.recorder.MatchStarted(roomName, seats, time.Now())
	}

	go r.runSnapshotTicker()
	if r.opts.AITickInterval > 0 && len(aiIDs) > 0 {
		controller := newAIController(r, aiIDs, r.opts, m.rngSeed())
		go controller.run()
	}

	m.zlog.Info("对局开始",
		zap.String("room", roomName),
		zap.Int("players", len(clientIDs)),
		zap.Int("ai", len(aiIDs)))
	return nil
}

// CloseAll 关闭全部房间，进程退出时调用
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		r.close()
	}
}

func (m *Manager) rngSeed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Int63()
}
