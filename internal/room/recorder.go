package room

import "time"

// Seat 开局时的一个座位分配
type Seat struct {
	ClientID     int
	Name         string
	PlayerNumber int
	Team         string
	IsAI         bool
}

// Recorder 对局生命周期的落库钩子
// 所有回调都是尽力而为：落库失败不影响对局本身
type Recorder interface {
	// MatchStarted 对局开始，携带完整座位表
	MatchStarted(roomName string, seats []Seat, startedAt time.Time)
	// PlayerDied 权威日志收下一条死亡命令
	PlayerDied(roomName string, commandID, victimID, killerID int, verb string, occurredAt time.Time)
	// MatchEnded 房间关闭，winningTeam为空表示未分胜负
	MatchEnded(roomName string, winningTeam string, endedAt time.Time)
}
