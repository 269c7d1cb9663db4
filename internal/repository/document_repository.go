// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"

	"gorm.io/gorm"
	"ragchat-go/internal/model"
)

// DocumentRepository 接口定义了文档注册表与授权的读取操作。
type DocumentRepository interface {
	FindBySlugs(ctx context.Context, slugs []string) ([]model.Document, error)
	HasGrant(ctx context.Context, userID, documentID uint) (bool, error)
}

// documentRepository 是 DocumentRepository 接口的 GORM 实现。
type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

// FindBySlugs 批量查询文档，结果顺序不保证与入参一致。
func (r *documentRepository) FindBySlugs(ctx context.Context, slugs []string) ([]model.Document, error) {
	var docs []model.Document
	if len(slugs) == 0 {
		return docs, nil
	}
	err := r.db.WithContext(ctx).Where("slug IN ?", slugs).Find(&docs).Error
	return docs, err
}

// HasGrant 判断用户是否拥有该文档的长期授权。
func (r *documentRepository) HasGrant(ctx context.Context, userID, documentID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.DocumentGrant{}).
		Where("user_id = ? AND document_id = ?", userID, documentID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
