package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wfunc/castle-shooter/internal/config"
	"github.com/wfunc/castle-shooter/internal/kv"
	"github.com/wfunc/castle-shooter/internal/logger"
	"github.com/wfunc/castle-shooter/internal/room"
)

// 连接ID从101起分配，和AI的10000段天然错开
const firstConnectionID = 101

// Server 游戏TCP服务器
// 接受客户端连接、分配客户端ID、把各连接交给自己的泵运行
type Server struct {
	cfg      *config.Config
	store    kv.Store
	manager  *room.Manager
	listener net.Listener

	mu     sync.Mutex
	conns  map[int]*Connection
	nextID int

	done chan struct{}
	wg   sync.WaitGroup
	zlog *zap.Logger
}

// NewServer 创建游戏服务器
func NewServer(cfg *config.Config, store kv.Store, manager *room.Manager) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		manager: manager,
		conns:   make(map[int]*Connection),
		nextID:  firstConnectionID,
		done:    make(chan struct{}),
		zlog:    logger.GetLogger(),
	}
}

// Start 启动监听并进入接受循环
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("监听失败 %s: %w", addr, err)
	}
	s.listener = listener
	s.zlog.Info("游戏服务器启动", zap.String("addr", addr))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr 实际监听地址，端口为0时由系统分配
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				s.zlog.Warn("接受连接失败，重试", zap.Error(err))
				time.Sleep(20 * time.Millisecond)
				continue
			}
			// 监听器已不可用，接受循环结束
			s.zlog.Error("接受连接失败", zap.Error(err))
			return
		}

		c := s.register(conn)
		s.zlog.Info("新客户端接入",
			zap.Int("conn_id", c.ID),
			zap.String("remote", conn.RemoteAddr().String()))

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			c.run()
			s.unregister(c)
		}()
		go func() {
			defer s.wg.Done()
			s.greet(c)
		}()
	}
}

// register 分配连接ID并登记
func (s *Server) register(conn net.Conn) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	c := newConnection(id, conn, s.manager, &s.cfg.Protocol)
	s.conns[id] = c
	return c
}

// OnlineCount 当前在线连接数
func (s *Server) OnlineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) unregister(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c.ID)
	s.mu.Unlock()
	c.Close()
}

// greet 新连接握手：下发客户端ID，随后下发房间注册表
// 两条都走可靠发送，客户端没拿到ID之前什么也做不了
func (s *Server) greet(c *Connection) {
	sender := c.currentSender()
	if ok, err := sender.SendWithRetry(fmt.Sprintf("client_id|%d", c.ID), nil); err != nil || !ok {
		s.zlog.Warn("客户端ID下发失败", zap.Int("conn_id", c.ID), zap.Error(err))
		return
	}

	time.Sleep(250 * time.Millisecond)
	names, err := json.Marshal(s.manager.GameNames())
	if err != nil {
		return
	}
	if _, err := sender.SendWithRetry(fmt.Sprintf("game_names|%s", names), nil); err != nil {
		s.zlog.Warn("房间注册表下发失败", zap.Int("conn_id", c.ID), zap.Error(err))
	}
}

// Shutdown 优雅停机
func (s *Server) Shutdown(ctx context.Context) error {
	s.zlog.Info("服务器停机中")
	close(s.done)
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.manager.CloseAll()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		s.zlog.Info("服务器已停机")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForShutdown 阻塞等待退出信号后停机
func (s *Server) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	s.zlog.Info("收到退出信号", zap.String("signal", sig.String()))

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		s.zlog.Error("停机超时", zap.Error(err))
	}
}
