// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// Owner 对应于数据库中的 'owners' 表，即文档的所属租户。
// 它配置了检索配额和默认强制模型。
type Owner struct {
	// ID 是租户的主键。
	ID uint `gorm:"primaryKey" json:"id"`
	// Name 是租户的显示名称。
	Name string `gorm:"type:varchar(100);not null" json:"name"`
	// ChunkLimit 是每次检索返回的分块上限，0 表示未设置，使用全局默认值。
	ChunkLimit int `gorm:"not null;default:0" json:"chunkLimit"`
	// ForcedModel 是租户级的强制生成后端，NULL 表示不强制。
	ForcedModel *string   `gorm:"type:varchar(32)" json:"forcedModel"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Owner) TableName() string {
	return "owners"
}
