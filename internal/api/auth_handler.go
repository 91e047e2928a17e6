package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wfunc/castle-shooter/internal/config"
	"github.com/wfunc/castle-shooter/internal/utils"
)

// AuthHandler 管理端登录处理器
// 管理账号来自配置文件，不走数据库
type AuthHandler struct {
	security   *config.SecurityConfig
	jwtManager *utils.JWTManager
	log        *zap.Logger
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(security *config.SecurityConfig, jwtManager *utils.JWTManager, log *zap.Logger) *AuthHandler {
	return &AuthHandler{
		security:   security,
		jwtManager: jwtManager,
		log:        log,
	}
}

// LoginRequest 登录请求
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// RefreshRequest 刷新令牌请求
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Login 管理员登录
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_REQUEST",
			"message": "请求参数错误",
			"details": err.Error(),
		})
		return
	}

	if h.security.AdminPassword == "" {
		c.JSON(http.StatusForbidden, gin.H{
			"code":    "LOGIN_DISABLED",
			"message": "未配置管理员密码，登录已禁用",
		})
		return
	}

	ok, err := utils.VerifyPassword(req.Password, h.security.AdminPassword)
	if err != nil || !ok || req.Username != h.security.AdminUser {
		h.log.Warn("管理员登录失败", zap.String("username", req.Username))
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "INVALID_CREDENTIALS",
			"message": "用户名或密码错误",
		})
		return
	}

	accessToken, err := h.jwtManager.GenerateAccessToken(req.Username, "admin")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "令牌生成失败",
		})
		return
	}
	refreshToken, err := h.jwtManager.GenerateRefreshToken(req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "令牌生成失败",
		})
		return
	}

	h.log.Info("管理员登录成功", zap.String("username", req.Username))
	c.JSON(http.StatusOK, gin.H{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
	})
}

// RefreshToken 刷新访问令牌
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_REQUEST",
			"message": "请求参数错误",
		})
		return
	}

	accessToken, err := h.jwtManager.RefreshAccessToken(req.RefreshToken, "admin")
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "INVALID_TOKEN",
			"message": "刷新令牌无效",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": accessToken,
	})
}
