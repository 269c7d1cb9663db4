// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"

	"gorm.io/gorm"
	"ragchat-go/internal/model"
)

// UserRepository 只读取账户服务维护的用户身份。
type UserRepository interface {
	FindByUsername(ctx context.Context, username string) (*model.User, error)
	FindByID(ctx context.Context, userID uint) (*model.User, error)
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository 创建一个新的 UserRepository 实例。
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// FindByUsername 用于把 JWT 中的用户名解析为用户记录。
func (r *userRepository) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	return r.first(ctx, "username = ?", username)
}

func (r *userRepository) FindByID(ctx context.Context, userID uint) (*model.User, error) {
	return r.first(ctx, "id = ?", userID)
}

// first 未找到时返回 gorm.ErrRecordNotFound。
func (r *userRepository) first(ctx context.Context, query string, args ...interface{}) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).Where(query, args...).Take(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}
