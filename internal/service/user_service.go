package service

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"ragchat-go/internal/model"
	"ragchat-go/internal/repository"
)

// ErrUserNotFound 表示令牌中的用户已不存在。
var ErrUserNotFound = errors.New("user not found")

// UserService 接口定义了本服务需要的用户查询。账户的注册与登录由账户服务负责。
type UserService interface {
	GetProfile(ctx context.Context, username string) (*model.User, error)
}

type userService struct {
	userRepo repository.UserRepository
}

// NewUserService 创建一个新的 UserService 实例。
func NewUserService(userRepo repository.UserRepository) UserService {
	return &userService{userRepo: userRepo}
}

// GetProfile 根据用户名获取用户信息。
func (s *userService) GetProfile(ctx context.Context, username string) (*model.User, error) {
	user, err := s.userRepo.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}
