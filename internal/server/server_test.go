package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/castle-shooter/internal/command"
	"github.com/wfunc/castle-shooter/internal/config"
	"github.com/wfunc/castle-shooter/internal/kv"
	"github.com/wfunc/castle-shooter/internal/protocol"
	"github.com/wfunc/castle-shooter/internal/room"
)

// testClient 测试用的协议客户端：自动回ack，按载荷收集广播
type testClient struct {
	t    *testing.T
	conn net.Conn

	mu       sync.Mutex
	payloads []string
	clientID *int
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	c := &testClient{t: t, conn: conn}
	go c.readLoop()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *testClient) readLoop() {
	for {
		payload, err := protocol.ReadFrame(c.conn, protocol.DefaultChunkSize)
		if err != nil {
			return
		}
		for _, datum := range protocol.SplitPayload(payload) {
			packet, err := protocol.Parse(datum)
			if err != nil || packet.IsAck {
				continue
			}
			if packet.ID != nil {
				_ = protocol.WriteFrame(c.conn, []byte(protocol.NewAck(*packet.ID).Encode()))
			}
			c.record(packet.Payload)
		}
	}
}

func (c *testClient) record(payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
	if value, ok := strings.CutPrefix(payload, "client_id|"); ok && c.clientID == nil {
		var id int
		if _, err := fmt.Sscanf(value, "%d", &id); err == nil {
			c.clientID = &id
		}
	}
}

func (c *testClient) assignedID() *int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *testClient) received(prefix string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.payloads {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// send 以需要ack的包发送载荷
func (c *testClient) send(t *testing.T, packetID int, payload string) {
	t.Helper()
	id := *c.assignedID()
	packet, err := protocol.NewPacket(&packetID, &id, payload)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(c.conn, []byte(packet.Encode())))
}

func startTestServer(t *testing.T) (*Server, *room.Manager, string) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0

	opts := room.DefaultOptions()
	opts.MaxPlayers = 2
	opts.SnapshotInterval = 50 * time.Millisecond
	opts.AITickInterval = 0

	store := kv.NewMemoryStore()
	manager := room.NewManager(store, opts)
	srv := NewServer(cfg, store, manager)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, manager, srv.listener.Addr().String()
}

func TestServerHandshake(t *testing.T) {
	_, manager, addr := startTestServer(t)
	client := dialTestClient(t, addr)

	require.Eventually(t, func() bool {
		return client.assignedID() != nil
	}, 3*time.Second, 10*time.Millisecond, "应收到client_id握手")
	assert.Equal(t, firstConnectionID, *client.assignedID())

	require.Eventually(t, func() bool {
		return client.received("game_names|")
	}, 3*time.Second, 10*time.Millisecond, "应收到房间注册表")

	// 接入登记不污染大厅作用域，active_players只属于房间作用域
	_, ok := manager.LobbyScope().Get(room.KeyActivePlayers)
	assert.False(t, ok, "大厅作用域不应有active_players")
}

func TestAcceptLoopExitsOnListenerError(t *testing.T) {
	srv, _, _ := startTestServer(t)

	// 监听器被外力关闭，接受循环应退出而不是热转重试
	require.NoError(t, srv.listener.Close())

	exited := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("接受循环在监听器失效后没有退出")
	}
}

func TestServerHostStartAndCommand(t *testing.T) {
	_, manager, addr := startTestServer(t)
	client := dialTestClient(t, addr)

	require.Eventually(t, func() bool {
		return client.assignedID() != nil
	}, 3*time.Second, 10*time.Millisecond)

	client.send(t, 1, "host_game|alice|castle")
	require.Eventually(t, func() bool {
		_, exists := manager.GameNames()["castle"]
		return exists
	}, 3*time.Second, 10*time.Millisecond, "房间应出现在注册表")

	client.send(t, 2, "start_game")
	require.Eventually(t, func() bool {
		r := manager.Room("castle")
		return r != nil && r.Started()
	}, 3*time.Second, 10*time.Millisecond, "对局应开始")

	// 开局后房间广播应推到客户端
	require.Eventually(t, func() bool {
		return client.received("game_started|1")
	}, 3*time.Second, 10*time.Millisecond)

	// 客户端命令进入权威日志（客户端ID都是奇数段之外的分配值，这里用握手下发的）
	clientID := *client.assignedID()
	cmd := command.Command{
		ID:       3,
		Type:     command.TypeMove,
		Time:     time.Now(),
		ClientID: &clientID,
		Data:     command.MoveData{X: 640, Y: 480},
	}
	encoded, err := json.Marshal(cmd)
	require.NoError(t, err)
	client.send(t, 3, "command|"+string(encoded))

	require.Eventually(t, func() bool {
		commands := manager.Room("castle").Log().PlayerCommands(clientID)
		for _, c := range commands {
			if c.Type == command.TypeMove {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "移动命令应进入命令日志")

	// 重发同一个包不产生第二条命令
	client.send(t, 3, "command|"+string(encoded))
	time.Sleep(200 * time.Millisecond)
	moves := 0
	for _, c := range manager.Room("castle").Log().PlayerCommands(clientID) {
		if c.Type == command.TypeMove {
			moves++
		}
	}
	assert.Equal(t, 1, moves, "重复投递的命令只生效一次")
}

func TestServerJoinLeave(t *testing.T) {
	_, manager, addr := startTestServer(t)

	host := dialTestClient(t, addr)
	require.Eventually(t, func() bool { return host.assignedID() != nil }, 3*time.Second, 10*time.Millisecond)
	host.send(t, 1, "host_game|alice|castle")
	require.Eventually(t, func() bool {
		return manager.Room("castle") != nil
	}, 3*time.Second, 10*time.Millisecond)

	guest := dialTestClient(t, addr)
	require.Eventually(t, func() bool { return guest.assignedID() != nil }, 3*time.Second, 10*time.Millisecond)
	guest.send(t, 1, "join_game|bob|castle")
	require.Eventually(t, func() bool {
		return len(manager.Room("castle").Members()) == 2
	}, 3*time.Second, 10*time.Millisecond, "加入后成员应为2")

	guest.send(t, 2, "leave_game|bob|castle")
	require.Eventually(t, func() bool {
		return len(manager.Room("castle").Members()) == 1
	}, 3*time.Second, 10*time.Millisecond, "离开后成员应为1")
	assert.Equal(t, room.LobbyName, manager.ClientRoom(*guest.assignedID()))
}

// captureRecorder 记录对局结束回调的测试替身
type captureRecorder struct {
	mu    sync.Mutex
	ended []string
}

func (r *captureRecorder) MatchStarted(string, []room.Seat, time.Time) {}

func (r *captureRecorder) PlayerDied(string, int, int, int, string, time.Time) {}

func (r *captureRecorder) MatchEnded(roomName string, _ string, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, roomName)
}

func (r *captureRecorder) endedRooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ended...)
}

func TestServerDisconnectDuringMatch(t *testing.T) {
	_, manager, addr := startTestServer(t)
	rec := &captureRecorder{}
	manager.SetRecorder(rec)

	client := dialTestClient(t, addr)
	require.Eventually(t, func() bool { return client.assignedID() != nil }, 3*time.Second, 10*time.Millisecond)

	client.send(t, 1, "host_game|alice|castle")
	client.send(t, 2, "start_game")
	require.Eventually(t, func() bool {
		r := manager.Room("castle")
		return r != nil && r.Started()
	}, 3*time.Second, 10*time.Millisecond)

	// 客户端不辞而别：TCP直接断开，不发leave_game
	clientID := *client.assignedID()
	require.NoError(t, client.conn.Close())

	// 成员被清出、房间关闭、注册表摘除
	require.Eventually(t, func() bool {
		return manager.Room("castle") == nil
	}, 3*time.Second, 10*time.Millisecond, "断开后空房间应被关闭")
	assert.Empty(t, manager.GameNames())
	assert.Equal(t, room.LobbyName, manager.ClientRoom(clientID))

	// 对局落库钩子应收到结束回调
	require.Eventually(t, func() bool {
		return len(rec.endedRooms()) == 1 && rec.endedRooms()[0] == "castle"
	}, 3*time.Second, 10*time.Millisecond, "断开后应触发对局结束回调")
}
