// Package repository 包含了所有与数据库交互的逻辑。
package repository

import (
	"context"

	"gorm.io/gorm"
	"ragchat-go/internal/model"
)

// OwnerRepository 接口定义了租户配置的读取方法。
type OwnerRepository interface {
	FindByID(ctx context.Context, id uint) (*model.Owner, error)
}

type ownerRepository struct {
	db *gorm.DB
}

// NewOwnerRepository 创建一个新的 OwnerRepository 实例。
func NewOwnerRepository(db *gorm.DB) OwnerRepository {
	return &ownerRepository{db: db}
}

// FindByID 根据给定的租户 ID 从数据库中查找租户。
func (r *ownerRepository) FindByID(ctx context.Context, id uint) (*model.Owner, error) {
	var owner model.Owner
	err := r.db.WithContext(ctx).First(&owner, id).Error
	if err != nil {
		return nil, err
	}
	return &owner, nil
}
