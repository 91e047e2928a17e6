package repository

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wfunc/castle-shooter/internal/models"
)

// TestDB 为单个测试创建独立的内存数据库
func TestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("打开内存数据库失败: %v", err)
	}

	if err := db.AutoMigrate(
		&models.MatchResult{},
		&models.MatchPlayer{},
		&models.KillEvent{},
	); err != nil {
		t.Fatalf("建表失败: %v", err)
	}
	return db
}

// CreateTestMatch 构造一条测试对局
func CreateTestMatch(roomName string) *models.MatchResult {
	return &models.MatchResult{
		RoomName:    roomName,
		StartedAt:   time.Now().Add(-time.Minute),
		PlayerCount: 2,
		AICount:     6,
		Status:      "playing",
	}
}

// CreateTestKill 构造一条测试击杀事件
func CreateTestKill(matchID uint, roomName string, commandID, killerID, victimID int) *models.KillEvent {
	return &models.KillEvent{
		MatchID:    matchID,
		RoomName:   roomName,
		CommandID:  commandID,
		KillerID:   killerID,
		VictimID:   victimID,
		Verb:       "stabbed",
		OccurredAt: time.Now(),
	}
}
