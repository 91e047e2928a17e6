package client

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/wfunc/castle-shooter/internal/command"
	"github.com/wfunc/castle-shooter/internal/errors"
	"github.com/wfunc/castle-shooter/internal/game"
)

// NextProjectileID 随机生成投射物ID
// ID空间足够大，随机碰撞的概率在单局尺度上可以忽略
func NextProjectileID() int {
	return rand.Intn(10_000_000)
}

// sendCommand 乐观提交：先落本地日志再异步可靠发送
// 发送失败也不回滚本地副本，权威广播最终会校正视图
func (s *Session) sendCommand(cmd command.Command) (command.Command, error) {
	if !s.log.Store(cmd, false) {
		return cmd, errors.New(errors.ErrStaleCommand, fmt.Sprintf("command_id=%d", cmd.ID))
	}

	encoded, err := json.Marshal(cmd)
	if err != nil {
		return cmd, err
	}
	go func() {
		ok, err := s.sender.SendWithRetry("command|"+string(encoded), cmd.ClientID)
		if err != nil || !ok {
			s.zlog.Warn("命令投递未确认，等待广播校正",
				zap.Int("command_id", cmd.ID),
				zap.String("type", string(cmd.Type)),
				zap.Error(err))
		}
	}()
	return cmd, nil
}

func (s *Session) newCommand(typ command.Type, subjectID int, data command.Payload) command.Command {
	return command.Command{
		ID:       s.nextID(),
		Type:     typ,
		Time:     time.Now(),
		ClientID: &subjectID,
		Data:     data,
	}
}

func (s *Session) requireClientID() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientID == nil {
		return 0, errors.New(errors.ErrDeliveryFailed, "尚未分配client_id")
	}
	return *s.clientID, nil
}

// SendMove 发送移动命令
func (s *Session) SendMove(x, y int) (command.Command, error) {
	id, err := s.requireClientID()
	if err != nil {
		return command.Command{}, err
	}
	return s.sendCommand(s.newCommand(command.TypeMove, id, command.MoveData{X: x, Y: y}))
}

// SendTurn 发送转向命令
func (s *Session) SendTurn(direction game.Direction) (command.Command, error) {
	id, err := s.requireClientID()
	if err != nil {
		return command.Command{}, err
	}
	return s.sendCommand(s.newCommand(command.TypeTurn, id, command.TurnData{Direction: string(direction)}))
}

// SendSpawn 发送出生命令
func (s *Session) SendSpawn(x, y int, team game.Team) (command.Command, error) {
	id, err := s.requireClientID()
	if err != nil {
		return command.Command{}, err
	}
	return s.sendCommand(s.newCommand(command.TypeSpawn, id, command.SpawnData{X: x, Y: y, Team: string(team)}))
}

// SendSpawnProjectile 发送投射物出生命令
// friends是发射瞬间的同队名单，命中判定时豁免
func (s *Session) SendSpawnProjectile(projectileID, sourceX, sourceY, destX, destY int,
	typ game.ProjectileType, friends []int) (command.Command, error) {
	id, err := s.requireClientID()
	if err != nil {
		return command.Command{}, err
	}
	return s.sendCommand(s.newCommand(command.TypeSpawnProjectile, id, command.SpawnProjectileData{
		ID:       projectileID,
		SourceX:  sourceX,
		SourceY:  sourceY,
		DestX:    destX,
		DestY:    destY,
		Type:     string(typ),
		PlayerID: id,
		Friends:  friends,
	}))
}

// SendShoot 发送开火命令
func (s *Session) SendShoot() (command.Command, error) {
	id, err := s.requireClientID()
	if err != nil {
		return command.Command{}, err
	}
	return s.sendCommand(s.newCommand(command.TypeShoot, id, command.ShootData{}))
}

// SendEatArrow 发送中箭命令
func (s *Session) SendEatArrow(startX, startY, endX, endY int) (command.Command, error) {
	id, err := s.requireClientID()
	if err != nil {
		return command.Command{}, err
	}
	return s.sendCommand(s.newCommand(command.TypeEatArrow, id, command.EatArrowData{
		StartX:   startX,
		StartY:   startY,
		EndX:     endX,
		EndY:     endY,
		PlayerID: id,
	}))
}

// SendRemoveProjectile 发送投射物移除命令
func (s *Session) SendRemoveProjectile(projectileID int) (command.Command, error) {
	id, err := s.requireClientID()
	if err != nil {
		return command.Command{}, err
	}
	return s.sendCommand(s.newCommand(command.TypeRemoveProjectile, id, command.RemoveProjectileData{
		ProjectileID: projectileID,
	}))
}

// SendDie 发送自己的死亡命令
func (s *Session) SendDie(killerID int, verb string) (command.Command, error) {
	id, err := s.requireClientID()
	if err != nil {
		return command.Command{}, err
	}
	return s.sendCommand(s.newCommand(command.TypeDie, id, command.DieData{KillerID: killerID, Verb: verb}))
}

// SendLoseHP 发送扣血命令，主体是受击方
func (s *Session) SendLoseHP(victimID, killerID int, verb string, hp int) (command.Command, error) {
	if _, err := s.requireClientID(); err != nil {
		return command.Command{}, err
	}
	return s.sendCommand(s.newCommand(command.TypeLoseHP, victimID, command.LoseHPData{
		KillerID: killerID,
		Verb:     verb,
		HP:       hp,
	}))
}

// SendTeleport 发送瞬移命令
func (s *Session) SendTeleport(x, y int) (command.Command, error) {
	id, err := s.requireClientID()
	if err != nil {
		return command.Command{}, err
	}
	return s.sendCommand(s.newCommand(command.TypeTeleport, id, command.TeleportData{X: x, Y: y}))
}

// SendSetSpeed 发送变速命令
func (s *Session) SendSetSpeed(speed int) (command.Command, error) {
	id, err := s.requireClientID()
	if err != nil {
		return command.Command{}, err
	}
	return s.sendCommand(s.newCommand(command.TypeSetSpeed, id, command.SetSpeedData{Speed: speed}))
}

// lobbyRequest 发送大厅操作并等待确认
func (s *Session) lobbyRequest(payload string) error {
	id, err := s.requireClientID()
	if err != nil {
		return err
	}
	ok, err := s.sender.SendWithRetry(payload, &id)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New(errors.ErrDeliveryFailed, payload)
	}
	return nil
}

// HostGame 主持一个新房间
func (s *Session) HostGame(playerName, roomName string) error {
	return s.lobbyRequest(fmt.Sprintf("host_game|%s|%s", playerName, roomName))
}

// JoinGame 加入已存在的房间
func (s *Session) JoinGame(playerName, roomName string) error {
	return s.lobbyRequest(fmt.Sprintf("join_game|%s|%s", playerName, roomName))
}

// LeaveGame 离开当前房间回到大厅
func (s *Session) LeaveGame(playerName, roomName string) error {
	return s.lobbyRequest(fmt.Sprintf("leave_game|%s|%s", playerName, roomName))
}

// StartGame 请求开局
func (s *Session) StartGame() error {
	return s.lobbyRequest("start_game")
}
