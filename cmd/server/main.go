package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wfunc/castle-shooter/internal/api"
	"github.com/wfunc/castle-shooter/internal/config"
	"github.com/wfunc/castle-shooter/internal/database"
	"github.com/wfunc/castle-shooter/internal/kv"
	"github.com/wfunc/castle-shooter/internal/logger"
	"github.com/wfunc/castle-shooter/internal/record"
	"github.com/wfunc/castle-shooter/internal/room"
	"github.com/wfunc/castle-shooter/internal/server"
	"github.com/wfunc/castle-shooter/internal/websocket"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("castle-shooter %s (build: %s, commit: %s)\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	// 加载配置
	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()

	// 初始化日志系统
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("正在启动城堡射手服务器...",
		zap.String("version", Version),
		zap.String("commit", GitCommit))

	// 初始化数据库，失败不阻断对局服务
	dbReady := false
	if err := database.Init(&cfg.Database); err != nil {
		logger.Warn("数据库初始化失败，对局记录功能关闭", zap.Error(err))
	} else {
		dbReady = true
		defer database.Close()
	}

	// 房间管理器
	store := kv.NewMemoryStore()
	manager := room.NewManager(store, room.OptionsFromConfig(&cfg.Game))
	if dbReady {
		manager.SetRecorder(record.NewMatchRecorder(database.GetDB()))
	}

	// 游戏TCP服务器
	gameServer := server.NewServer(cfg, store, manager)
	if err := gameServer.Start(); err != nil {
		logger.Fatal("游戏服务器启动失败", zap.Error(err))
	}

	// 观战Hub与管理API
	if cfg.Admin.Enabled {
		hub := websocket.NewHub(manager, cfg.Game.SnapshotInterval, logger.GetLogger())
		go hub.Run()
		defer hub.Stop()

		router := api.NewRouter(cfg, manager, gameServer, hub, database.GetDB(), logger.GetLogger())
		go func() {
			addr := fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port)
			if err := router.Run(addr); err != nil {
				logger.Error("管理API退出", zap.Error(err))
			}
		}()
	}

	// 配置热加载：已有房间保持原参数，之后主持的房间用新参数
	config.Watch(func(newCfg *config.Config) {
		manager.UpdateOptions(room.OptionsFromConfig(&newCfg.Game))
		logger.Info("配置已重新加载")
	})

	logger.Info("服务器启动成功",
		zap.String("game", gameServer.Addr()),
		zap.Bool("admin", cfg.Admin.Enabled))

	gameServer.WaitForShutdown()
	logger.Info("服务器已安全关闭")
}
