package server

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wfunc/castle-shooter/internal/command"
	"github.com/wfunc/castle-shooter/internal/config"
	"github.com/wfunc/castle-shooter/internal/errors"
	"github.com/wfunc/castle-shooter/internal/kv"
	"github.com/wfunc/castle-shooter/internal/logger"
	"github.com/wfunc/castle-shooter/internal/protocol"
	"github.com/wfunc/castle-shooter/internal/room"
)

// Connection 一个已接入的客户端连接
// 每个连接两个泵：收包泵读帧并分发，广播泵订阅当前房间的变更键外推。
// 从大厅切入具名房间时换作用域、换发送器、换订阅
type Connection struct {
	ID   int
	conn net.Conn

	manager  *room.Manager
	protoCfg *config.ProtocolConfig

	mu         sync.Mutex
	roomName   string
	playerName string
	playerID   int
	scope      *kv.Scope
	sender     *protocol.Sender
	cancelSub  func()

	reassembler *protocol.Reassembler
	zlog        *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(id int, conn net.Conn, manager *room.Manager, protoCfg *config.ProtocolConfig) *Connection {
	zlog := logger.GetLogger().With(zap.Int("conn_id", id))
	c := &Connection{
		ID:          id,
		conn:        conn,
		manager:     manager,
		protoCfg:    protoCfg,
		roomName:    room.LobbyName,
		scope:       manager.LobbyScope(),
		reassembler: protocol.NewReassembler(zlog),
		zlog:        zlog,
		closed:      make(chan struct{}),
	}
	c.sender = c.newSender(manager.LobbyScope())
	return c
}

func (c *Connection) newSender(scope *kv.Scope) *protocol.Sender {
	opts := []protocol.SenderOption{}
	if c.protoCfg != nil {
		if len(c.protoCfg.RetrySchedule) > 0 {
			opts = append(opts, protocol.WithRetrySchedule(c.protoCfg.RetrySchedule))
		}
		if c.protoCfg.TestLag > 0 {
			opts = append(opts, protocol.WithTestLag(c.protoCfg.TestLag))
		}
		if c.protoCfg.DropChance > 0 {
			opts = append(opts, protocol.WithDropChance(c.protoCfg.DropChance))
		}
	}
	return protocol.NewSender(c.conn, scope, c.zlog, opts...)
}

// run 收包泵主循环，连接断开或失活后返回
func (c *Connection) run() {
	defer c.Close()
	c.resubscribe()

	chunkSize := protocol.DefaultChunkSize
	if c.protoCfg != nil && c.protoCfg.ChunkSize > 0 {
		chunkSize = c.protoCfg.ChunkSize
	}

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		payload, err := protocol.ReadFrame(c.conn, chunkSize)
		if err != nil {
			c.zlog.Info("连接断开", zap.Error(err))
			return
		}

		for _, datum := range protocol.SplitPayload(payload) {
			c.reassembler.Handle(datum, c.handleDatum)
		}

		// 具名房间的连接在被移出活跃集后结束
		current := c.currentRoom()
		if current != room.LobbyName && !c.manager.ConnectionActive(c.ID, current) {
			c.zlog.Info("连接已不在活跃集，退出", zap.String("room", current))
			return
		}
	}
}

// handleDatum 处理一个拆分后的数据包文本
// 解析或载荷校验失败返回错误，交给重组器走缓冲拼接重试
func (c *Connection) handleDatum(datum string) error {
	packet, err := protocol.Parse(datum)
	if err != nil {
		return err
	}

	if packet.IsAck {
		c.currentSender().RecordAck(*packet.ID)
		return nil
	}

	if packet.ID == nil {
		return c.handlePayload(packet)
	}

	// 需要ack的包先做载荷校验再进幂等处理，
	// 避免把损坏的包标记成已处理
	if err := validatePayload(packet.Payload); err != nil {
		return err
	}
	sender := c.currentSender()
	protocol.HandleOnce(c.currentScope(), packet, func() {
		if err := c.handlePayload(packet); err != nil {
			c.zlog.Warn("载荷处理失败", zap.Error(err), zap.String("payload", packet.Payload))
		}
	}, sender.SendAck)
	return nil
}

// validatePayload 校验载荷的可解性
func validatePayload(payload string) error {
	if data, ok := strings.CutPrefix(payload, "command|"); ok {
		if !json.Valid([]byte(data)) {
			return errors.New(errors.ErrPayloadFormat, payload)
		}
	}
	return nil
}

// handlePayload 按键路由载荷
// 大厅连接处理host/join，具名房间连接处理start/leave/command
func (c *Connection) handlePayload(packet *protocol.Packet) error {
	payload := packet.Payload
	current := c.currentRoom()

	switch {
	case strings.HasPrefix(payload, "host_game|") && current == room.LobbyName:
		playerName, roomName, err := splitLobbyPayload(payload)
		if err != nil {
			return err
		}
		if _, err := c.manager.Host(playerName, roomName, c.clientID(packet)); err != nil {
			c.zlog.Warn("主持房间失败", zap.Error(err))
			return nil
		}
		c.setIdentity(playerName, c.clientID(packet))
		c.switchRoom(roomName)

	case strings.HasPrefix(payload, "join_game|") && current == room.LobbyName:
		playerName, roomName, err := splitLobbyPayload(payload)
		if err != nil {
			return err
		}
		if _, err := c.manager.Join(playerName, roomName, c.clientID(packet)); err != nil {
			c.zlog.Warn("加入房间失败", zap.Error(err))
			return nil
		}
		c.setIdentity(playerName, c.clientID(packet))
		c.switchRoom(roomName)

	case strings.HasPrefix(payload, "leave_game|") && current != room.LobbyName:
		playerName, roomName, err := splitLobbyPayload(payload)
		if err != nil {
			return err
		}
		if err := c.manager.Leave(playerName, roomName, c.clientID(packet)); err != nil {
			c.zlog.Warn("离开房间失败", zap.Error(err))
			return nil
		}
		c.setIdentity("", 0)
		c.switchRoom(room.LobbyName)

	case strings.HasPrefix(payload, "start_game") && current != room.LobbyName:
		if err := c.manager.Start(current); err != nil {
			c.zlog.Warn("开局失败", zap.Error(err))
		}

	case strings.HasPrefix(payload, "command|") && current != room.LobbyName:
		return c.handleCommand(packet, payload, current)

	default:
		c.zlog.Debug("忽略载荷", zap.String("payload", payload), zap.String("room", current))
	}
	return nil
}

// handleCommand 把客户端命令写入房间的权威日志
func (c *Connection) handleCommand(packet *protocol.Packet, payload, roomName string) error {
	r := c.manager.Room(roomName)
	if r == nil || !r.Started() {
		c.zlog.Debug("对局未开始，丢弃命令", zap.String("room", roomName))
		return nil
	}

	data := strings.TrimPrefix(payload, "command|")
	var cmd command.Command
	if err := json.Unmarshal([]byte(data), &cmd); err != nil {
		return errors.Wrap(err, errors.ErrPayloadFormat, data)
	}
	// 命令主体以包头声明的客户端ID为准
	if packet.ClientID != nil {
		cmd.ClientID = packet.ClientID
	}
	if cmd.ClientID == nil {
		id := c.ID
		cmd.ClientID = &id
	}
	r.StoreCommand(cmd, true)
	return nil
}

// splitLobbyPayload 解析"动作|昵称|房间名"载荷
func splitLobbyPayload(payload string) (playerName, roomName string, err error) {
	parts := strings.Split(payload, "|")
	if len(parts) != 3 {
		return "", "", errors.New(errors.ErrPayloadFormat, payload)
	}
	return parts[1], parts[2], nil
}

// setIdentity 记住连接在当前房间里的成员身份，供断开清理用
func (c *Connection) setIdentity(playerName string, clientID int) {
	c.mu.Lock()
	c.playerName = playerName
	c.playerID = clientID
	c.mu.Unlock()
}

func (c *Connection) clientID(packet *protocol.Packet) int {
	if packet.ClientID != nil {
		return *packet.ClientID
	}
	return c.ID
}

// switchRoom 把连接切换到另一个逻辑房间
// 旧订阅撤销与新订阅建立之间不要求严格时序，消息本身是幂等的
func (c *Connection) switchRoom(name string) {
	scope := c.manager.LobbyScope()
	if name != room.LobbyName {
		if r := c.manager.Room(name); r != nil {
			scope = r.Scope()
		}
	}

	c.mu.Lock()
	c.roomName = name
	c.scope = scope
	c.sender = c.newSender(scope)
	c.mu.Unlock()

	c.resubscribe()
	c.zlog.Info("连接切换房间", zap.String("room", name))
}

// resubscribe 重建当前房间的广播订阅
func (c *Connection) resubscribe() {
	c.mu.Lock()
	old := c.cancelSub
	scope := c.scope
	sender := c.sender
	name := c.roomName
	c.mu.Unlock()

	if old != nil {
		old()
	}

	keys := room.RoomSubscriptionKeys
	if name == room.LobbyName {
		keys = room.LobbySubscriptionKeys
	}
	cancel := scope.Subscribe(keys, func(key, value string) {
		if err := sender.SendWithoutRetry(fmt.Sprintf("%s|%s", key, value), nil); err != nil {
			c.zlog.Debug("广播推送失败", zap.String("key", key), zap.Error(err))
		}
	})

	c.mu.Lock()
	c.cancelSub = cancel
	c.mu.Unlock()
}

func (c *Connection) currentRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomName
}

func (c *Connection) currentScope() *kv.Scope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope
}

func (c *Connection) currentSender() *protocol.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sender
}

// Close 关闭连接并撤销订阅
// 意外断开等价于离开当前房间，否则成员集和房间后台循环会泄漏
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		cancel := c.cancelSub
		roomName := c.roomName
		playerName := c.playerName
		playerID := c.playerID
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		_ = c.conn.Close()

		if roomName != room.LobbyName {
			if err := c.manager.Leave(playerName, roomName, playerID); err != nil {
				c.zlog.Debug("断开清理时离开房间失败", zap.Error(err))
			} else {
				c.zlog.Info("连接断开，已移出房间", zap.String("room", roomName))
			}
		}
	})
}
