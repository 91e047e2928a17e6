package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/castle-shooter/internal/command"
	"github.com/wfunc/castle-shooter/internal/config"
	"github.com/wfunc/castle-shooter/internal/kv"
	"github.com/wfunc/castle-shooter/internal/room"
	"github.com/wfunc/castle-shooter/internal/server"
)

func startBackend(t *testing.T) (*room.Manager, string) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0

	opts := room.DefaultOptions()
	opts.MaxPlayers = 2
	opts.SnapshotInterval = 50 * time.Millisecond
	opts.LagOffset = 100 * time.Millisecond
	opts.AITickInterval = 0

	store := kv.NewMemoryStore()
	manager := room.NewManager(store, opts)
	srv := server.NewServer(cfg, store, manager)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return manager, srv.Addr()
}

func dialSession(t *testing.T, addr string) *Session {
	t.Helper()
	session, err := Dial(addr, DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(session.Close)
	return session
}

func TestSessionHandshake(t *testing.T) {
	_, addr := startBackend(t)
	session := dialSession(t, addr)

	id, err := session.WaitForClientID(3 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 101, id)
}

func TestSessionHostStartAndView(t *testing.T) {
	manager, addr := startBackend(t)
	session := dialSession(t, addr)

	_, err := session.WaitForClientID(3 * time.Second)
	require.NoError(t, err)

	require.NoError(t, session.HostGame("alice", "castle"))
	require.Eventually(t, func() bool {
		_, exists := session.GameNames()["castle"]
		return exists || manager.Room("castle") != nil
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, session.StartGame())
	require.Eventually(t, session.GameStarted, 3*time.Second, 10*time.Millisecond, "开局广播应到达客户端")

	// 权威快照广播驱动本地视图：两名身份（一人一AI）迟早都可见
	require.Eventually(t, func() bool {
		return len(session.View(time.Now()).Players) == 2
	}, 3*time.Second, 20*time.Millisecond)

	// 队伍和座位号分配表也随广播同步
	require.Eventually(t, func() bool {
		_, ok := session.Team(101)
		return ok
	}, 3*time.Second, 10*time.Millisecond)
	n, ok := session.PlayerNumber(101)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, n, 1)
}

func TestSessionOptimisticCommand(t *testing.T) {
	manager, addr := startBackend(t)
	session := dialSession(t, addr)

	clientID, err := session.WaitForClientID(3 * time.Second)
	require.NoError(t, err)
	require.NoError(t, session.HostGame("alice", "castle"))
	require.Eventually(t, func() bool { return manager.Room("castle") != nil }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, session.StartGame())
	require.Eventually(t, session.GameStarted, 3*time.Second, 10*time.Millisecond)

	cmd, err := session.SendMove(640, 480)
	require.NoError(t, err)
	assert.Equal(t, 2, cmd.ID, "客户端命令ID从2起步长2")

	// 乐观副本立即可见
	local := session.Log().PlayerCommands(clientID)
	require.NotEmpty(t, local)
	assert.Equal(t, command.TypeMove, local[len(local)-1].Type)

	// 命令最终进入服务端权威日志
	require.Eventually(t, func() bool {
		for _, c := range manager.Room("castle").Log().PlayerCommands(clientID) {
			if c.Type == command.TypeMove && c.ID == cmd.ID {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	// 广播合并是幂等的：本地不会因为回传再长出重复命令
	time.Sleep(300 * time.Millisecond)
	moves := 0
	for _, c := range session.Log().PlayerCommands(clientID) {
		if c.Type == command.TypeMove {
			moves++
		}
	}
	assert.Equal(t, 1, moves)
}
