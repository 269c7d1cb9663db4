package service

import (
	"context"

	"ragchat-go/internal/repository"
)

// DocumentUsage 是文档维度的使用统计。
type DocumentUsage struct {
	Document string `json:"document"`
	Queries  int64  `json:"queries"`
	Chunks   int64  `json:"chunks"`
	Banned   int64  `json:"banned"`
	Failed   int64  `json:"failed"`
}

// AdminService 接口定义了管理员侧的只读查询。
type AdminService interface {
	ModerationStatus(ctx context.Context, conversationID uint) (*ModerationStatus, error)
	DocumentUsage(ctx context.Context, slug string) (*DocumentUsage, error)
}

type adminService struct {
	conversations ConversationService
	usageRepo     repository.UsageRepository
}

// NewAdminService 创建一个新的 AdminService 实例。usageRepo 为 nil 时统计恒为零。
func NewAdminService(conversations ConversationService, usageRepo repository.UsageRepository) AdminService {
	return &adminService{conversations: conversations, usageRepo: usageRepo}
}

func (s *adminService) ModerationStatus(ctx context.Context, conversationID uint) (*ModerationStatus, error) {
	return s.conversations.ModerationStatus(ctx, conversationID)
}

// DocumentUsage 读取由 Kafka 消费者累加的计数。
func (s *adminService) DocumentUsage(ctx context.Context, slug string) (*DocumentUsage, error) {
	usage := &DocumentUsage{Document: slug}
	if s.usageRepo == nil {
		return usage, nil
	}
	counters, err := s.usageRepo.GetDocument(ctx, slug)
	if err != nil {
		return nil, err
	}
	usage.Queries = counters[UsageQueries]
	usage.Chunks = counters[UsageChunks]
	usage.Banned = counters[UsageBanned]
	usage.Failed = counters[UsageFailed]
	return usage, nil
}

// 使用统计字段名
const (
	UsageQueries = "queries"
	UsageChunks  = "chunks"
	UsageBanned  = "banned"
	UsageFailed  = "failed"
)
