package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wfunc/castle-shooter/internal/room"
)

// Hub 监控WebSocket连接管理中心
// 观察端连上来后可以订阅某个房间，Hub周期性推送该房间的推演状态
type Hub struct {
	manager *room.Manager

	// 客户端连接池
	clients   map[string]*Client
	clientsMu sync.RWMutex

	// 消息广播通道
	broadcast chan *Message

	// 注册/注销通道
	register   chan *Client
	unregister chan *Client

	// 状态推送周期
	pushInterval time.Duration

	done chan struct{}

	logger *zap.Logger
}

// Message 监控消息
type Message struct {
	Type      string          `json:"type"`
	Room      string          `json:"room,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// MessageType 消息类型
const (
	// 系统消息
	MessageTypeConnected    = "connected"
	MessageTypeDisconnected = "disconnected"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
	MessageTypeError        = "error"

	// 监控消息
	MessageTypeWatch     = "watch"      // 订阅某个房间
	MessageTypeRoomList  = "room_list"  // 房间注册表
	MessageTypeRoomState = "room_state" // 房间推演状态
)

// roomStatePayload 房间状态推送载荷
type roomStatePayload struct {
	Members []room.Member   `json:"members"`
	Started bool            `json:"started"`
	State   json.RawMessage `json:"state"`
}

// NewHub 创建监控Hub
func NewHub(manager *room.Manager, pushInterval time.Duration, logger *zap.Logger) *Hub {
	if pushInterval <= 0 {
		pushInterval = time.Second
	}
	return &Hub{
		manager:      manager,
		clients:      make(map[string]*Client),
		broadcast:    make(chan *Message, 256),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		pushInterval: pushInterval,
		done:         make(chan struct{}),
		logger:       logger,
	}
}

// Run 运行Hub
func (h *Hub) Run() {
	go h.runStatePush()

	for {
		select {
		case <-h.done:
			return
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop 停止Hub
func (h *Hub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// registerClient 注册客户端
func (h *Hub) registerClient(client *Client) {
	h.clientsMu.Lock()
	h.clients[client.ID] = client
	h.clientsMu.Unlock()

	h.logger.Info("监控客户端连接", zap.String("client_id", client.ID))

	msg := &Message{
		Type:      MessageTypeConnected,
		Timestamp: time.Now().Unix(),
	}
	h.SendToClient(client.ID, msg)
	h.sendRoomList(client)
}

// unregisterClient 注销客户端
func (h *Hub) unregisterClient(client *Client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
	}
	h.clientsMu.Unlock()

	h.logger.Info("监控客户端断开", zap.String("client_id", client.ID))
}

// broadcastMessage 广播消息
func (h *Hub) broadcastMessage(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("序列化消息失败", zap.Error(err))
		return
	}

	h.clientsMu.RLock()
	for _, client := range h.clients {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn("客户端发送缓冲区满",
				zap.String("client_id", client.ID))
		}
	}
	h.clientsMu.RUnlock()
}

// SendToClient 发送消息给指定客户端
func (h *Hub) SendToClient(clientID string, message *Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	h.clientsMu.RLock()
	client, ok := h.clients[clientID]
	h.clientsMu.RUnlock()

	if !ok {
		return ErrClientNotFound
	}

	select {
	case client.Send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// GetOnlineCount 获取在线观察端数量
func (h *Hub) GetOnlineCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// sendRoomList 推送房间注册表
func (h *Hub) sendRoomList(client *Client) {
	names := h.manager.GameNames()
	data, err := json.Marshal(names)
	if err != nil {
		h.logger.Error("序列化房间注册表失败", zap.Error(err))
		return
	}
	h.SendToClient(client.ID, &Message{
		Type:      MessageTypeRoomList,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// runStatePush 状态推送循环
// 每个周期对有观察者的房间做一次推演并推送
func (h *Hub) runStatePush() {
	ticker := time.NewTicker(h.pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.pushRoomStates()
		}
	}
}

func (h *Hub) pushRoomStates() {
	watched := h.watchedRooms()
	now := time.Now()

	for roomName, watchers := range watched {
		r := h.manager.Room(roomName)
		if r == nil {
			continue
		}
		state, err := json.Marshal(r.Infer(now))
		if err != nil {
			h.logger.Error("序列化房间状态失败",
				zap.String("room", roomName), zap.Error(err))
			continue
		}
		payload, err := json.Marshal(roomStatePayload{
			Members: r.Members(),
			Started: r.Started(),
			State:   state,
		})
		if err != nil {
			continue
		}
		msg := &Message{
			Type:      MessageTypeRoomState,
			Room:      roomName,
			Data:      payload,
			Timestamp: now.Unix(),
		}
		for _, clientID := range watchers {
			h.SendToClient(clientID, msg)
		}
	}
}

// watchedRooms 当前被观察的房间及其观察者
func (h *Hub) watchedRooms() map[string][]string {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	watched := make(map[string][]string)
	for _, client := range h.clients {
		if name := client.WatchedRoom(); name != "" {
			watched[name] = append(watched[name], client.ID)
		}
	}
	return watched
}

// Broadcast 广播消息（公开方法）
func (h *Hub) Broadcast(message *Message) {
	h.broadcast <- message
}

// Register 注册客户端（公开方法）
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister 注销客户端（公开方法）
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}
