package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wfunc/castle-shooter/internal/config"
	"github.com/wfunc/castle-shooter/internal/websocket"
)

// WebSocketHandler 观战WebSocket升级处理器
type WebSocketHandler struct {
	hub      *websocket.Hub
	upgrader gorillaws.Upgrader
	log      *zap.Logger
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(hub *websocket.Hub, cfg *config.WebSocketConfig, log *zap.Logger) *WebSocketHandler {
	upgrader := gorillaws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// 管理端走JWT认证，不做来源检查
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	if cfg != nil {
		if cfg.ReadBufferSize > 0 {
			upgrader.ReadBufferSize = cfg.ReadBufferSize
		}
		if cfg.WriteBufferSize > 0 {
			upgrader.WriteBufferSize = cfg.WriteBufferSize
		}
	}
	return &WebSocketHandler{
		hub:      hub,
		upgrader: upgrader,
		log:      log,
	}
}

// Monitor 升级为观战WebSocket连接
func (h *WebSocketHandler) Monitor(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("WebSocket升级失败", zap.Error(err))
		return
	}

	client := websocket.NewClient(h.hub, conn)
	h.hub.Register(client)
	go client.WritePump()
	go client.ReadPump()
}
