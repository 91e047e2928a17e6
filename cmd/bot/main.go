package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wfunc/castle-shooter/internal/client"
	"github.com/wfunc/castle-shooter/internal/config"
	"github.com/wfunc/castle-shooter/internal/logger"
)

// 机器人客户端：连上服务器后主持或加入一个房间，随机走动并定期汇报视野。
// 用来做联调和压测，不依赖图形界面
func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:5555", "游戏服务器地址")
		name     = flag.String("name", "bot", "玩家昵称")
		roomName = flag.String("room", "bot-room", "房间名")
		host     = flag.Bool("host", false, "主持房间而不是加入")
		start    = flag.Bool("start", false, "主持后立刻开局")
		interval = flag.Duration("interval", 2*time.Second, "行动间隔")
	)
	flag.Parse()

	if err := logger.Init(&config.LogConfig{Level: "info", Format: "console", Output: "stdout"}); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zlog := logger.GetLogger()

	session, err := client.Dial(*addr, client.DefaultOptions())
	if err != nil {
		zlog.Fatal("连接服务器失败", zap.String("addr", *addr), zap.Error(err))
	}
	defer session.Close()

	clientID, err := session.WaitForClientID(5 * time.Second)
	if err != nil {
		zlog.Fatal("等待客户端ID超时", zap.Error(err))
	}
	zlog.Info("已连接", zap.Int("client_id", clientID))

	if *host {
		if err := session.HostGame(*name, *roomName); err != nil {
			zlog.Fatal("主持房间失败", zap.Error(err))
		}
		zlog.Info("房间已主持", zap.String("room", *roomName))
		if *start {
			if err := session.StartGame(); err != nil {
				zlog.Fatal("开局失败", zap.Error(err))
			}
			zlog.Info("对局已开始")
		}
	} else {
		if err := session.JoinGame(*name, *roomName); err != nil {
			zlog.Fatal("加入房间失败", zap.Error(err))
		}
		zlog.Info("已加入房间", zap.String("room", *roomName))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			zlog.Info("退出")
			if err := session.LeaveGame(*name, *roomName); err != nil {
				zlog.Warn("离开房间失败", zap.Error(err))
			}
			return
		case <-ticker.C:
			if !session.GameStarted() {
				continue
			}
			x := rng.Intn(2000) + 1
			y := rng.Intn(1400) + 1
			if _, err := session.SendMove(x, y); err != nil {
				zlog.Warn("移动命令发送失败", zap.Error(err))
				continue
			}
			state := session.View(time.Now())
			zlog.Info("行动",
				zap.Int("dest_x", x),
				zap.Int("dest_y", y),
				zap.Int("players", len(state.Players)),
				zap.Int("projectiles", len(state.Projectiles)))
		}
	}
}
