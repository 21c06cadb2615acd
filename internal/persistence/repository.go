package persistence

import (
	"context"

	"github.com/Kicko7/Klyno-sub001/internal/models"
	apperrors "github.com/Kicko7/Klyno-sub001/pkg/errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepository is the durable persistence API consumed by the
// session core. Implementations must make AddMessages idempotent per
// message id, and UpdateMessage/DeleteMessage must return
// ErrMessageNotFound when no row matches the id.
type MessageRepository interface {
	AddMessage(ctx context.Context, msg *models.ChatMessage) error
	AddMessages(ctx context.Context, msgs []models.ChatMessage) error
	UpdateMessage(ctx context.Context, id, content, updatedBy string) error
	DeleteMessage(ctx context.Context, id string) error
	GetMessages(ctx context.Context, teamChatID string, limit, offset int) ([]models.ChatMessage, error)
}

// GormMessageRepository implements MessageRepository on Postgres.
type GormMessageRepository struct {
	db *gorm.DB
}

func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	return &GormMessageRepository{db: db}
}

func (r *GormMessageRepository) AddMessage(ctx context.Context, msg *models.ChatMessage) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(msg).Error
}

// AddMessages batch-writes with conflict-ignore on the message id, so
// replaying a batch after a partial failure never duplicates rows.
func (r *GormMessageRepository) AddMessages(ctx context.Context, msgs []models.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&msgs).Error
}

func (r *GormMessageRepository) UpdateMessage(ctx context.Context, id, content, updatedBy string) error {
	tx := r.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"content":    content,
			"updated_by": updatedBy,
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return apperrors.ErrMessageNotFound
	}
	return nil
}

func (r *GormMessageRepository) DeleteMessage(ctx context.Context, id string) error {
	tx := r.db.WithContext(ctx).Delete(&models.ChatMessage{}, "id = ?", id)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return apperrors.ErrMessageNotFound
	}
	return nil
}

func (r *GormMessageRepository) GetMessages(ctx context.Context, teamChatID string, limit, offset int) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	err := r.db.WithContext(ctx).
		Where("team_chat_id = ?", teamChatID).
		Order("send_time ASC").
		Limit(limit).
		Offset(offset).
		Find(&msgs).Error
	return msgs, err
}
