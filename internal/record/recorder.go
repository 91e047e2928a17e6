package record

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wfunc/castle-shooter/internal/logger"
	"github.com/wfunc/castle-shooter/internal/models"
	"github.com/wfunc/castle-shooter/internal/repository"
	"github.com/wfunc/castle-shooter/internal/room"
)

const opTimeout = 3 * time.Second

// MatchRecorder 把房间生命周期事件落到数据库
// 实现room.Recorder。落库失败只记日志，绝不阻塞对局
type MatchRecorder struct {
	matches repository.MatchResultRepository
	kills   repository.KillEventRepository
	zlog    *zap.Logger
}

// NewMatchRecorder 创建对局记录器
func NewMatchRecorder(db *gorm.DB) *MatchRecorder {
	return &MatchRecorder{
		matches: repository.NewMatchResultRepository(db),
		kills:   repository.NewKillEventRepository(db),
		zlog:    logger.GetLogger(),
	}
}

// MatchStarted 建对局记录并写入座位表
func (rec *MatchRecorder) MatchStarted(roomName string, seats []room.Seat, startedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	aiCount := 0
	for _, seat := range seats {
		if seat.IsAI {
			aiCount++
		}
	}

	match := &models.MatchResult{
		RoomName:    roomName,
		StartedAt:   startedAt,
		PlayerCount: len(seats),
		AICount:     aiCount,
		Status:      "playing",
	}
	if err := rec.matches.Create(ctx, match); err != nil {
		rec.zlog.Error("对局记录创建失败",
			zap.String("room", roomName), zap.Error(err))
		return
	}

	for _, seat := range seats {
		player := &models.MatchPlayer{
			MatchID:      match.ID,
			ClientID:     seat.ClientID,
			PlayerName:   seat.Name,
			PlayerNumber: seat.PlayerNumber,
			Team:         seat.Team,
			IsAI:         seat.IsAI,
		}
		if err := rec.matches.AddPlayer(ctx, player); err != nil {
			rec.zlog.Error("座位记录写入失败",
				zap.String("room", roomName),
				zap.Int("client_id", seat.ClientID),
				zap.Error(err))
		}
	}
}

// PlayerDied 写一条击杀事件
// 唯一索引保证同一条死亡命令重放时不会重复计数
func (rec *MatchRecorder) PlayerDied(roomName string, commandID, victimID, killerID int, verb string, occurredAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	match, err := rec.matches.FindActiveByRoom(ctx, roomName)
	if err != nil {
		rec.zlog.Warn("找不到进行中的对局，击杀事件丢弃",
			zap.String("room", roomName), zap.Error(err))
		return
	}

	event := &models.KillEvent{
		MatchID:    match.ID,
		RoomName:   roomName,
		CommandID:  commandID,
		VictimID:   victimID,
		KillerID:   killerID,
		Verb:       verb,
		OccurredAt: occurredAt,
	}
	if err := rec.kills.Create(ctx, event); err != nil {
		rec.zlog.Error("击杀事件写入失败",
			zap.String("room", roomName),
			zap.Int("command_id", commandID),
			zap.Error(err))
	}
}

// MatchEnded 收尾对局记录
func (rec *MatchRecorder) MatchEnded(roomName string, winningTeam string, endedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	match, err := rec.matches.FindActiveByRoom(ctx, roomName)
	if err != nil {
		rec.zlog.Warn("找不到进行中的对局，无法收尾",
			zap.String("room", roomName), zap.Error(err))
		return
	}
	if err := rec.matches.End(ctx, match.ID, winningTeam, endedAt); err != nil {
		rec.zlog.Error("对局收尾失败",
			zap.String("room", roomName), zap.Error(err))
	}
}
