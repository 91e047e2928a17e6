package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wfunc/castle-shooter/internal/config"
	"github.com/wfunc/castle-shooter/internal/middleware"
	"github.com/wfunc/castle-shooter/internal/room"
	"github.com/wfunc/castle-shooter/internal/utils"
	"github.com/wfunc/castle-shooter/internal/websocket"
)

// Router 管理API路由器
type Router struct {
	engine         *gin.Engine
	db             *gorm.DB
	authHandler    *AuthHandler
	adminHandler   *AdminHandler
	wsHandler      *WebSocketHandler
	authMiddleware *middleware.AuthMiddleware
	log            *zap.Logger
}

// NewRouter 创建路由器
func NewRouter(cfg *config.Config, manager *room.Manager, online OnlineCounter, hub *websocket.Hub, db *gorm.DB, log *zap.Logger) *Router {
	if cfg.Admin.Mode != "" {
		gin.SetMode(cfg.Admin.Mode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())

	jwtManager := utils.NewJWTManager(
		cfg.Security.JWT.Secret,
		time.Duration(cfg.Security.JWT.ExpireHours)*time.Hour,
		7*24*time.Hour,
	)

	router := &Router{
		engine:         engine,
		db:             db,
		authHandler:    NewAuthHandler(&cfg.Security, jwtManager, log),
		adminHandler:   NewAdminHandler(manager, online, db, log),
		wsHandler:      NewWebSocketHandler(hub, &cfg.WebSocket, log),
		authMiddleware: middleware.NewAuthMiddleware(jwtManager),
		log:            log,
	}

	router.setupRoutes()
	return router
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	// 健康检查
	r.engine.GET("/health", r.healthCheck)

	// API v1路由组
	v1 := r.engine.Group("/api/v1")
	{
		// 认证相关路由（不需要认证）
		auth := v1.Group("/auth")
		{
			auth.POST("/login", r.authHandler.Login)
			auth.POST("/refresh", r.authHandler.RefreshToken)
		}

		// 管理员路由（需要管理员权限）
		admin := v1.Group("/admin")
		admin.Use(r.authMiddleware.RequireRole("admin"))
		{
			admin.GET("/stats", r.adminHandler.GetStats)
			admin.GET("/rooms", r.adminHandler.GetRooms)
			admin.GET("/rooms/:name", r.adminHandler.GetRoom)
			admin.GET("/matches", r.adminHandler.GetMatches)
			admin.GET("/matches/:id", r.adminHandler.GetMatch)
			admin.GET("/matches/:id/kills", r.adminHandler.GetMatchKills)
			admin.GET("/leaderboard", r.adminHandler.GetLeaderboard)
		}
	}

	// 观战WebSocket路由
	ws := r.engine.Group("/ws")
	ws.Use(r.authMiddleware.RequireRole("admin"))
	{
		ws.GET("/monitor", r.wsHandler.Monitor)
	}

	// 404处理
	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(404, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
		})
	})
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	if r.db != nil {
		sqlDB, err := r.db.DB()
		if err != nil || sqlDB.Ping() != nil {
			c.JSON(500, gin.H{
				"status":  "unhealthy",
				"message": "数据库连接失败",
			})
			return
		}
	}

	c.JSON(200, gin.H{
		"status":  "healthy",
		"message": "服务运行正常",
	})
}

// Run 运行服务器
func (r *Router) Run(addr string) error {
	r.log.Info("管理API启动", zap.String("address", addr))
	return r.engine.Run(addr)
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
