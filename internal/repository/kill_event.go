package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wfunc/castle-shooter/internal/models"
)

// KillEventRepository 击杀事件仓储接口
type KillEventRepository interface {
	BaseRepository
	Create(ctx context.Context, event *models.KillEvent) error
	FindByMatch(ctx context.Context, matchID uint, p *Pagination) ([]*models.KillEvent, error)
	FindByKiller(ctx context.Context, killerID int, limit int) ([]*models.KillEvent, error)
	Leaderboard(ctx context.Context, roomName string, startTime, endTime time.Time, limit int) ([]*KillLeader, error)
}

// KillLeader 击杀排行项
type KillLeader struct {
	KillerID int   `json:"killer_id"`
	Kills    int64 `json:"kills"`
}

// killEventRepo 击杀事件仓储实现
type killEventRepo struct {
	*BaseRepo
}

// NewKillEventRepository 创建击杀事件仓储
func NewKillEventRepository(db *gorm.DB) KillEventRepository {
	return &killEventRepo{BaseRepo: NewBaseRepo(db)}
}

// Create 落库一条击杀事件
// 命令重复广播时依靠幂等索引吞掉冲突
func (r *killEventRepo) Create(ctx context.Context, event *models.KillEvent) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(event).Error
}

// FindByMatch 按对局分页查询击杀事件
func (r *killEventRepo) FindByMatch(ctx context.Context, matchID uint, p *Pagination) ([]*models.KillEvent, error) {
	var events []*models.KillEvent
	query := r.db.WithContext(ctx).Model(&models.KillEvent{}).Where("match_id = ?", matchID)
	if err := query.Count(&p.Total).Error; err != nil {
		return nil, err
	}
	err := query.Order("occurred_at ASC").Scopes(Paginate(p)).Find(&events).Error
	return events, err
}

// FindByKiller 某个击杀者最近的战绩
func (r *killEventRepo) FindByKiller(ctx context.Context, killerID int, limit int) ([]*models.KillEvent, error) {
	var events []*models.KillEvent
	err := r.db.WithContext(ctx).
		Where("killer_id = ?", killerID).
		Order("occurred_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// Leaderboard 时间段内的击杀排行
func (r *killEventRepo) Leaderboard(ctx context.Context, roomName string, startTime, endTime time.Time, limit int) ([]*KillLeader, error) {
	var leaders []*KillLeader
	query := r.db.WithContext(ctx).Model(&models.KillEvent{}).
		Select("killer_id, COUNT(*) as kills").
		Where("occurred_at BETWEEN ? AND ?", startTime, endTime)
	if roomName != "" {
		query = query.Where("room_name = ?", roomName)
	}
	err := query.Group("killer_id").
		Order("kills DESC").
		Limit(limit).
		Scan(&leaders).Error
	return leaders, err
}
