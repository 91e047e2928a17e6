package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wfunc/castle-shooter/internal/repository"
	"github.com/wfunc/castle-shooter/internal/room"
)

// OnlineCounter 在线连接计数来源
type OnlineCounter interface {
	OnlineCount() int
}

// AdminHandler 管理端查询处理器
type AdminHandler struct {
	manager *room.Manager
	online  OnlineCounter
	matches repository.MatchResultRepository
	kills   repository.KillEventRepository
	log     *zap.Logger
}

// NewAdminHandler 创建管理处理器
// db为nil时对局查询接口返回503
func NewAdminHandler(manager *room.Manager, online OnlineCounter, db *gorm.DB, log *zap.Logger) *AdminHandler {
	h := &AdminHandler{
		manager: manager,
		online:  online,
		log:     log,
	}
	if db != nil {
		h.matches = repository.NewMatchResultRepository(db)
		h.kills = repository.NewKillEventRepository(db)
	}
	return h
}

// GetStats 运行状态概览
func (h *AdminHandler) GetStats(c *gin.Context) {
	online := 0
	if h.online != nil {
		online = h.online.OnlineCount()
	}
	names := h.manager.GameNames()
	started := 0
	for _, s := range names {
		if s {
			started++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"online_connections": online,
		"rooms":              len(names),
		"rooms_playing":      started,
	})
}

// GetRooms 房间列表
func (h *AdminHandler) GetRooms(c *gin.Context) {
	names := h.manager.GameNames()
	rooms := make([]gin.H, 0, len(names))
	for name, started := range names {
		entry := gin.H{"name": name, "started": started}
		if r := h.manager.Room(name); r != nil {
			entry["members"] = r.Members()
		}
		rooms = append(rooms, entry)
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// GetRoom 单个房间的成员与当前推演状态
func (h *AdminHandler) GetRoom(c *gin.Context) {
	name := c.Param("name")
	r := h.manager.Room(name)
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "ROOM_NOT_FOUND",
			"message": "房间不存在",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"name":    name,
		"started": r.Started(),
		"members": r.Members(),
		"state":   r.Infer(time.Now()),
	})
}

// GetMatches 最近的对局记录
func (h *AdminHandler) GetMatches(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	matches, err := h.matches.Recent(c.Request.Context(), limit)
	if err != nil {
		h.log.Error("查询对局记录失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "QUERY_FAILED",
			"message": "查询失败",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches})
}

// GetMatch 单条对局记录，含座位表
func (h *AdminHandler) GetMatch(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_REQUEST",
			"message": "对局ID无效",
		})
		return
	}

	match, err := h.matches.FindByID(c.Request.Context(), uint(id))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "MATCH_NOT_FOUND",
			"message": "对局不存在",
		})
		return
	}
	c.JSON(http.StatusOK, match)
}

// GetMatchKills 对局的击杀事件
func (h *AdminHandler) GetMatchKills(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_REQUEST",
			"message": "对局ID无效",
		})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	events, err := h.kills.FindByMatch(c.Request.Context(), uint(id), repository.NewPagination(page, pageSize))
	if err != nil {
		h.log.Error("查询击杀事件失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "QUERY_FAILED",
			"message": "查询失败",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"kills": events})
}

// GetLeaderboard 击杀排行榜
func (h *AdminHandler) GetLeaderboard(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}

	roomName := c.Query("room")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	days, _ := strconv.Atoi(c.DefaultQuery("days", "7"))

	end := time.Now()
	start := end.AddDate(0, 0, -days)

	leaders, err := h.kills.Leaderboard(c.Request.Context(), roomName, start, end, limit)
	if err != nil {
		h.log.Error("查询排行榜失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "QUERY_FAILED",
			"message": "查询失败",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": leaders})
}

func (h *AdminHandler) requireDB(c *gin.Context) bool {
	if h.matches == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "DATABASE_DISABLED",
			"message": "数据库未启用",
		})
		return false
	}
	return true
}
