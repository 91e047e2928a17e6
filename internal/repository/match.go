package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/wfunc/castle-shooter/internal/models"
)

// MatchResultRepository 对局记录仓储接口
type MatchResultRepository interface {
	BaseRepository
	Create(ctx context.Context, match *models.MatchResult) error
	FindByID(ctx context.Context, id uint) (*models.MatchResult, error)
	FindActiveByRoom(ctx context.Context, roomName string) (*models.MatchResult, error)
	FindByRoom(ctx context.Context, roomName string, p *Pagination) ([]*models.MatchResult, error)
	Recent(ctx context.Context, limit int) ([]*models.MatchResult, error)
	End(ctx context.Context, id uint, winningTeam string, endedAt time.Time) error
	AddPlayer(ctx context.Context, player *models.MatchPlayer) error
	Players(ctx context.Context, matchID uint) ([]*models.MatchPlayer, error)
}

// matchResultRepo 对局记录仓储实现
type matchResultRepo struct {
	*BaseRepo
}

// NewMatchResultRepository 创建对局记录仓储
func NewMatchResultRepository(db *gorm.DB) MatchResultRepository {
	return &matchResultRepo{BaseRepo: NewBaseRepo(db)}
}

// Create 创建对局记录
func (r *matchResultRepo) Create(ctx context.Context, match *models.MatchResult) error {
	return r.db.WithContext(ctx).Create(match).Error
}

// FindByID 按主键查找
func (r *matchResultRepo) FindByID(ctx context.Context, id uint) (*models.MatchResult, error) {
	var match models.MatchResult
	err := r.db.WithContext(ctx).
		Preload("Players").
		First(&match, id).Error
	if err != nil {
		return nil, err
	}
	return &match, nil
}

// FindActiveByRoom 查找房间内进行中的对局
func (r *matchResultRepo) FindActiveByRoom(ctx context.Context, roomName string) (*models.MatchResult, error) {
	var match models.MatchResult
	err := r.db.WithContext(ctx).
		Where("room_name = ? AND status = ?", roomName, "playing").
		Order("started_at DESC").
		First(&match).Error
	if err != nil {
		return nil, err
	}
	return &match, nil
}

// FindByRoom 按房间名分页查询历史对局
func (r *matchResultRepo) FindByRoom(ctx context.Context, roomName string, p *Pagination) ([]*models.MatchResult, error) {
	var matches []*models.MatchResult
	query := r.db.WithContext(ctx).Model(&models.MatchResult{}).Where("room_name = ?", roomName)
	if err := query.Count(&p.Total).Error; err != nil {
		return nil, err
	}
	err := query.Order("started_at DESC").Scopes(Paginate(p)).Find(&matches).Error
	return matches, err
}

// Recent 最近的对局
func (r *matchResultRepo) Recent(ctx context.Context, limit int) ([]*models.MatchResult, error) {
	var matches []*models.MatchResult
	err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&matches).Error
	return matches, err
}

// End 结束对局
func (r *matchResultRepo) End(ctx context.Context, id uint, winningTeam string, endedAt time.Time) error {
	var match models.MatchResult
	if err := r.db.WithContext(ctx).First(&match, id).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&models.MatchResult{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       "ended",
			"winning_team": winningTeam,
			"ended_at":     endedAt,
			"duration":     int(endedAt.Sub(match.StartedAt).Seconds()),
		}).Error
}

// AddPlayer 登记对局成员
func (r *matchResultRepo) AddPlayer(ctx context.Context, player *models.MatchPlayer) error {
	return r.db.WithContext(ctx).Create(player).Error
}

// Players 对局成员列表
func (r *matchResultRepo) Players(ctx context.Context, matchID uint) ([]*models.MatchPlayer, error) {
	var players []*models.MatchPlayer
	err := r.db.WithContext(ctx).
		Where("match_id = ?", matchID).
		Order("player_number ASC").
		Find(&players).Error
	return players, err
}
