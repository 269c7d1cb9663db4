// Package model 包含了应用的数据模型定义。
package model

import "time"

// 角色常量
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// User 对应 users 表。账户由账户服务维护，本服务只读取身份信息。
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"username"`
	Role      string    `gorm:"type:varchar(16);not null;default:USER" json:"role"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (User) TableName() string {
	return "users"
}

// IsAdmin 判断用户是否为管理员。
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}
