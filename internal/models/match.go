package models

import (
	"time"
)

// MatchResult 对局记录表
type MatchResult struct {
	BaseModel
	RoomName    string     `gorm:"size:100;not null;index" json:"room_name"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Duration    int        `json:"duration"` // 秒
	WinningTeam string     `gorm:"size:20" json:"winning_team"` // red, blue, 空串表示未分出胜负
	PlayerCount int        `gorm:"default:0" json:"player_count"`
	AICount     int        `gorm:"default:0" json:"ai_count"`
	Status      string     `gorm:"size:20;default:'playing'" json:"status"` // playing, ended, abandoned

	// 关联
	Players []MatchPlayer `gorm:"foreignKey:MatchID" json:"players,omitempty"`
	Kills   []KillEvent   `gorm:"foreignKey:MatchID" json:"kills,omitempty"`
}

// MatchPlayer 对局成员表
type MatchPlayer struct {
	BaseModel
	MatchID      uint   `gorm:"not null;index" json:"match_id"`
	ClientID     int    `gorm:"not null;index" json:"client_id"`
	PlayerName   string `gorm:"size:100" json:"player_name"`
	PlayerNumber int    `json:"player_number"`
	Team         string `gorm:"size:20" json:"team"`
	IsAI         bool   `gorm:"default:false" json:"is_ai"`
	Kills        int    `gorm:"default:0" json:"kills"`
	Deaths       int    `gorm:"default:0" json:"deaths"`
}

// KillEvent 击杀事件表
// CommandID加VictimID构成幂等键，同一条死亡命令重复广播不会落两行
type KillEvent struct {
	BaseModel
	MatchID    uint      `gorm:"not null;index" json:"match_id"`
	RoomName   string    `gorm:"size:100;index" json:"room_name"`
	CommandID  int       `gorm:"not null;uniqueIndex:idx_kill_idempotency" json:"command_id"`
	VictimID   int       `gorm:"not null;uniqueIndex:idx_kill_idempotency;index" json:"victim_id"`
	KillerID   int       `gorm:"not null;index" json:"killer_id"`
	Verb       string    `gorm:"size:50" json:"verb"` // stabbed, shot
	OccurredAt time.Time `json:"occurred_at"`
}
