// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// 文档访问级别
const (
	AccessOpen          = "open"
	AccessAuthenticated = "authenticated"
	AccessPasscode      = "passcode"
)

// Document 定义了 documents 表的 ORM 模型。
// 访问级别只以这里存储的值为准，不信任客户端传入的任何标记。
type Document struct {
	ID          uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	Slug        string  `gorm:"type:varchar(64);uniqueIndex;not null" json:"slug"`
	Title       string  `gorm:"type:varchar(255);not null" json:"title"`
	OwnerID     uint    `gorm:"index;not null" json:"ownerId"`
	AccessLevel string  `gorm:"type:varchar(16);not null;default:open" json:"accessLevel"`
	Passcode    *string `gorm:"type:varchar(255)" json:"-"` // 明文或 bcrypt 哈希
	Active      bool    `gorm:"not null;default:true" json:"active"`
	// ForcedModel 是文档级的强制生成后端，优先级高于租户级。
	ForcedModel *string   `gorm:"type:varchar(32)" json:"forcedModel"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}

// DocumentGrant 记录用户对口令保护文档的长期授权。
type DocumentGrant struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     uint      `gorm:"not null;uniqueIndex:ux_grant_user_doc,priority:1" json:"userId"`
	DocumentID uint      `gorm:"not null;uniqueIndex:ux_grant_user_doc,priority:2" json:"documentId"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (DocumentGrant) TableName() string {
	return "document_grants"
}
