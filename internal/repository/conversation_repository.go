// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"

	"gorm.io/gorm"
	"ragchat-go/internal/model"
)

// ConversationRepository 定义了对话记录的持久化操作。
type ConversationRepository interface {
	Create(ctx context.Context, conv *model.Conversation) error
	FindByID(ctx context.Context, id uint) (*model.Conversation, error)
	FindByShareToken(ctx context.Context, token string) (*model.Conversation, error)
	// SetShareToken 仅在记录尚无令牌时写入，返回是否写入成功。
	SetShareToken(ctx context.Context, id uint, token string) (bool, error)
	CountBySession(ctx context.Context, sessionID string) (int64, error)
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

// Create 插入一条对话记录。
func (r *conversationRepository) Create(ctx context.Context, conv *model.Conversation) error {
	return r.db.WithContext(ctx).Create(conv).Error
}

// FindByID 根据主键查询对话记录。
func (r *conversationRepository) FindByID(ctx context.Context, id uint) (*model.Conversation, error) {
	var conv model.Conversation
	if err := r.db.WithContext(ctx).First(&conv, id).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

// FindByShareToken 根据分享令牌查询对话记录。
func (r *conversationRepository) FindByShareToken(ctx context.Context, token string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := r.db.WithContext(ctx).Where("share_token = ?", token).First(&conv).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

// SetShareToken 使用条件更新保证令牌一旦写入就不会被覆盖。
func (r *conversationRepository) SetShareToken(ctx context.Context, id uint, token string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("id = ? AND share_token IS NULL AND banned = ?", id, false).
		Update("share_token", token)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CountBySession 统计会话已完成的对话轮数。
func (r *conversationRepository) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("session_id = ?", sessionID).
		Count(&count).Error
	return count, err
}
