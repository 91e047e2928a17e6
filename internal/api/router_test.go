package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wfunc/castle-shooter/internal/config"
	"github.com/wfunc/castle-shooter/internal/kv"
	"github.com/wfunc/castle-shooter/internal/repository"
	"github.com/wfunc/castle-shooter/internal/room"
	"github.com/wfunc/castle-shooter/internal/utils"
	"github.com/wfunc/castle-shooter/internal/websocket"
)

type fixedOnline int

func (f fixedOnline) OnlineCount() int { return int(f) }

func newTestRouter(t *testing.T) (*Router, *room.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := utils.HashPassword("secret123")
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Admin.Mode = gin.TestMode
	cfg.Security.JWT.Secret = "test-secret"
	cfg.Security.JWT.ExpireHours = 1
	cfg.Security.AdminUser = "admin"
	cfg.Security.AdminPassword = hash

	opts := room.DefaultOptions()
	opts.MaxPlayers = 2
	opts.SnapshotInterval = time.Hour
	opts.AITickInterval = 0
	manager := room.NewManager(kv.NewMemoryStore(), opts)

	db := repository.TestDB(t)
	hub := websocket.NewHub(manager, time.Hour, zap.NewNop())

	return NewRouter(cfg, manager, fixedOnline(3), hub, db, zap.NewNop()), manager
}

func doRequest(r *Router, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.GetEngine().ServeHTTP(w, req)
	return w
}

func login(t *testing.T, r *Router) string {
	t.Helper()
	w := doRequest(r, http.MethodPost, "/api/v1/auth/login", "", LoginRequest{
		Username: "admin",
		Password: "secret123",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["access_token"])
	return resp["access_token"]
}

func TestHealthCheck(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doRequest(r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoginAndRefresh(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doRequest(r, http.MethodPost, "/api/v1/auth/login", "", LoginRequest{
		Username: "admin",
		Password: "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(r, http.MethodPost, "/api/v1/auth/login", "", LoginRequest{
		Username: "admin",
		Password: "secret123",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["refresh_token"])

	w = doRequest(r, http.MethodPost, "/api/v1/auth/refresh", "", RefreshRequest{
		RefreshToken: resp["refresh_token"],
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminRequiresAuth(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doRequest(r, http.MethodGet, "/api/v1/admin/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(r, http.MethodGet, "/api/v1/admin/stats", "bad-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminStatsAndRooms(t *testing.T) {
	r, manager := newTestRouter(t)
	token := login(t, r)

	_, err := manager.Host("alice", "castle", 101)
	require.NoError(t, err)

	w := doRequest(r, http.MethodGet, "/api/v1/admin/stats", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats["online_connections"])
	assert.Equal(t, 1, stats["rooms"])
	assert.Equal(t, 0, stats["rooms_playing"])

	w = doRequest(r, http.MethodGet, "/api/v1/admin/rooms", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "castle")

	w = doRequest(r, http.MethodGet, "/api/v1/admin/rooms/castle", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice")

	w = doRequest(r, http.MethodGet, "/api/v1/admin/rooms/no_such_room", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminMatchQueries(t *testing.T) {
	r, _ := newTestRouter(t)
	token := login(t, r)

	w := doRequest(r, http.MethodGet, "/api/v1/admin/matches", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(r, http.MethodGet, "/api/v1/admin/matches/999", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(r, http.MethodGet, "/api/v1/admin/leaderboard", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
