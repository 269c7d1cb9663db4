package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"ragchat-go/internal/config"
	"ragchat-go/internal/model"
	"ragchat-go/internal/repository"
	"ragchat-go/pkg/embedding"
	"ragchat-go/pkg/log"
	"ragchat-go/pkg/tasks"
	"ragchat-go/pkg/token"
)

// topSourcesLimit 是日志中记录的分块来源数量。
const topSourcesLimit = 10

// sideEffectTimeout 限制单条记录的事件投递与归档耗时。
const sideEffectTimeout = 10 * time.Second

// ExchangeLog 是一次问答交换（成功或失败）需要落库的全部信息。
type ExchangeLog struct {
	SessionID     string
	UserID        *uint
	Question      string
	Answer        string
	Err           error
	Decision      ModelOverrideDecision
	ActualModel   string
	Documents     []string
	Owner         OwnerContext
	Space         embedding.Space
	Chunks        []model.RetrievedChunk
	ResponseTime  time.Duration
	RetrievalTime time.Duration
	Timings       model.StageTimings
	Moderation    ModerationDecision
}

// EventPublisher 投递对话事件，由 Kafka 生产者实现。
type EventPublisher interface {
	PublishConversationLogged(ctx context.Context, event tasks.ConversationLogged) error
}

// RecordArchiver 归档对话记录，由 MinIO 实现。
type RecordArchiver interface {
	Archive(ctx context.Context, id uint, createdAt time.Time, record interface{}) error
}

// SharedConversation 是通过分享令牌可见的内容。
type SharedConversation struct {
	ID          uint            `json:"id"`
	Question    string          `json:"question"`
	Answer      string          `json:"answer"`
	Documents   []string        `json:"documents"`
	ActualModel string          `json:"actualModel"`
	CreatedAt   model.LocalTime `json:"createdAt"`
}

// ModerationStatus 是管理端查询的审核状态。
type ModerationStatus struct {
	ConversationID uint   `json:"conversationId"`
	Banned         bool   `json:"banned"`
	Reason         string `json:"reason,omitempty"`
	Shared         bool   `json:"shared"`
}

// ConversationService 负责对话记录的持久化与分享。
type ConversationService interface {
	Record(ctx context.Context, entry ExchangeLog) (*model.Conversation, error)
	// IssueShareToken 只为记录的创建者签发：登录用户须与记录的 UserID 一致，或提供记录的会话 ID。
	IssueShareToken(ctx context.Context, id uint, user *model.User, sessionID string) (string, error)
	ShareView(ctx context.Context, shareToken string, user *model.User, passcode string) (*SharedConversation, error)
	ModerationStatus(ctx context.Context, id uint) (*ModerationStatus, error)
	CountTurns(ctx context.Context, sessionID string) (int64, error)
	// Wait 等待后台的事件投递与归档完成。
	Wait()
}

type conversationService struct {
	repo        repository.ConversationRepository
	docRepo     repository.DocumentRepository
	access      AccessService
	publisher   EventPublisher
	archiver    RecordArchiver
	maxAttempts int
	newToken    func() (string, error)
	wg          sync.WaitGroup
}

// NewConversationService 创建一个新的 ConversationService。publisher 与 archiver 可以为 nil。
func NewConversationService(
	repo repository.ConversationRepository,
	docRepo repository.DocumentRepository,
	access AccessService,
	publisher EventPublisher,
	archiver RecordArchiver,
	cfg config.ShareConfig,
) ConversationService {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	tokenBytes := cfg.TokenBytes
	return &conversationService{
		repo:        repo,
		docRepo:     docRepo,
		access:      access,
		publisher:   publisher,
		archiver:    archiver,
		maxAttempts: maxAttempts,
		newToken: func() (string, error) {
			return token.NewShareToken(tokenBytes)
		},
	}
}

// Record 构建并保存对话记录。封禁的记录永远不会生成分享令牌。
// 令牌唯一性由数据库唯一索引保证，写入冲突时换一个令牌重试；
// 重试耗尽后记录不带令牌落库，令牌可以稍后通过分享接口补发。
func (s *conversationService) Record(ctx context.Context, entry ExchangeLog) (*model.Conversation, error) {
	start := time.Now()
	conv := buildConversation(entry)
	shareable := !entry.Moderation.ShouldBan

	for attempt := 1; ; attempt++ {
		conv.ID = 0
		conv.ShareToken = nil
		if shareable && attempt <= s.maxAttempts {
			tok, err := s.newToken()
			if err != nil {
				log.Warnf("[ConversationService] 生成分享令牌失败, session: %s, error: %v", entry.SessionID, err)
				shareable = false
			} else {
				conv.ShareToken = &tok
			}
		}

		conv.Timings.LoggingMs = time.Since(start).Milliseconds()
		err := s.repo.Create(ctx, conv)
		if err == nil {
			break
		}
		if conv.ShareToken == nil || !isUniqueViolation(err) {
			return nil, fmt.Errorf("failed to persist conversation: %w", err)
		}
		log.Warnf("[ConversationService] 分享令牌冲突，重试 (%d/%d)", attempt, s.maxAttempts)
	}

	s.dispatch(ctx, conv)
	return conv, nil
}

// dispatch 在后台投递事件并归档，不占用请求路径的耗时。
func (s *conversationService) dispatch(ctx context.Context, conv *model.Conversation) {
	if s.publisher == nil && s.archiver == nil {
		return
	}
	snapshot := *conv
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
		defer cancel()
		s.publish(bctx, &snapshot)
		s.archive(bctx, &snapshot)
	}()
}

func (s *conversationService) Wait() {
	s.wg.Wait()
}

func buildConversation(entry ExchangeLog) *model.Conversation {
	conv := &model.Conversation{
		SessionID:       entry.SessionID,
		UserID:          entry.UserID,
		Question:        entry.Question,
		Answer:          entry.Answer,
		RequestedModel:  string(entry.Decision.Requested),
		EffectiveModel:  string(entry.Decision.Effective),
		ActualModel:     entry.ActualModel,
		OverrideSource:  entry.Decision.Source,
		OverrideReason:  entry.Decision.Reason,
		DocumentSlugs:   entry.Documents,
		OwnerID:         entry.Owner.OwnerID,
		EmbeddingSpace:  string(entry.Space),
		ChunkLimit:      entry.Owner.ChunkLimit,
		ChunkCount:      len(entry.Chunks),
		ResponseTimeMs:  entry.ResponseTime.Milliseconds(),
		RetrievalTimeMs: entry.RetrievalTime.Milliseconds(),
		Similarity:      similarityStats(entry.Chunks),
		TopSources:      topSources(entry.Chunks, topSourcesLimit),
		Timings:         entry.Timings,
		Banned:          entry.Moderation.ShouldBan,
		BanReason:       entry.Moderation.Reason,
	}
	if entry.Err != nil {
		msg := entry.Err.Error()
		conv.Error = &msg
	}
	return conv
}

func similarityStats(chunks []model.RetrievedChunk) model.SimilarityStats {
	stats := model.SimilarityStats{Count: len(chunks)}
	if len(chunks) == 0 {
		return stats
	}
	stats.Max = chunks[0].Similarity
	stats.Min = chunks[0].Similarity
	sum := 0.0
	for _, c := range chunks {
		sum += c.Similarity
		if c.Similarity > stats.Max {
			stats.Max = c.Similarity
		}
		if c.Similarity < stats.Min {
			stats.Min = c.Similarity
		}
	}
	stats.Avg = sum / float64(len(chunks))
	return stats
}

// topSources 只截断不重排，保持检索服务给出的顺序。
func topSources(chunks []model.RetrievedChunk, n int) []model.ChunkSource {
	if len(chunks) < n {
		n = len(chunks)
	}
	out := make([]model.ChunkSource, 0, n)
	for _, c := range chunks[:n] {
		out = append(out, model.ChunkSource{
			Document:   c.DocumentSlug,
			ChunkIndex: c.ChunkIndex,
			Similarity: c.Similarity,
			Combined:   c.Combined,
		})
	}
	return out
}

// IssueShareToken 幂等地为已有记录签发令牌：已有令牌直接返回，封禁记录拒绝。
func (s *conversationService) IssueShareToken(ctx context.Context, id uint, user *model.User, sessionID string) (string, error) {
	conv, err := s.find(ctx, id)
	if err != nil {
		return "", err
	}
	if !createdBy(conv, user, sessionID) {
		log.Warnf("[ConversationService] 拒绝非创建者的分享请求, conversation: %d", id)
		return "", ErrShareForbidden
	}
	if conv.Banned {
		return "", &ModerationError{Reason: conv.BanReason}
	}
	if conv.ShareToken != nil {
		return *conv.ShareToken, nil
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		tok, err := s.newToken()
		if err != nil {
			return "", err
		}
		written, err := s.repo.SetShareToken(ctx, id, tok)
		if err != nil {
			if isUniqueViolation(err) {
				log.Warnf("[ConversationService] 分享令牌冲突，重试 (%d/%d)", attempt+1, s.maxAttempts)
				continue
			}
			return "", fmt.Errorf("failed to set share token: %w", err)
		}
		if written {
			return tok, nil
		}
		// 条件更新未命中：并发请求已经写入，或者记录已被封禁
		conv, err = s.find(ctx, id)
		if err != nil {
			return "", err
		}
		if conv.Banned {
			return "", &ModerationError{Reason: conv.BanReason}
		}
		if conv.ShareToken != nil {
			return *conv.ShareToken, nil
		}
	}
	return "", fmt.Errorf("failed to issue share token after %d attempts", s.maxAttempts)
}

// createdBy 判断调用方是否是记录的创建者。会话 ID 使用常数时间比较。
func createdBy(conv *model.Conversation, user *model.User, sessionID string) bool {
	if user != nil && conv.UserID != nil && *conv.UserID == user.ID {
		return true
	}
	sessionID = strings.TrimSpace(sessionID)
	return sessionID != "" && subtle.ConstantTimeCompare([]byte(sessionID), []byte(conv.SessionID)) == 1
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "UNIQUE constraint failed")
}

func (s *conversationService) find(ctx context.Context, id uint) (*model.Conversation, error) {
	conv, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return conv, nil
}

// ShareView 通过令牌读取对话，并针对记录保存的文档范围重新做访问检查。
func (s *conversationService) ShareView(ctx context.Context, shareToken string, user *model.User, passcode string) (*SharedConversation, error) {
	conv, err := s.repo.FindByShareToken(ctx, shareToken)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	if conv.Banned {
		return nil, &ModerationError{Reason: conv.BanReason}
	}

	docs, err := s.docRepo.FindBySlugs(ctx, conv.DocumentSlugs)
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}
	ordered, missing := orderDocuments(conv.DocumentSlugs, docs)
	if missing != "" {
		// 文档已下线，不再对外展示
		return nil, &AccessError{Kind: AccessDenied, Document: missing}
	}
	if err := s.access.Check(ctx, ordered, user, passcode); err != nil {
		return nil, err
	}

	return &SharedConversation{
		ID:          conv.ID,
		Question:    conv.Question,
		Answer:      conv.Answer,
		Documents:   conv.DocumentSlugs,
		ActualModel: conv.ActualModel,
		CreatedAt:   model.LocalTime(conv.CreatedAt),
	}, nil
}

// ModerationStatus 查询记录的封禁状态。
func (s *conversationService) ModerationStatus(ctx context.Context, id uint) (*ModerationStatus, error) {
	conv, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ModerationStatus{
		ConversationID: conv.ID,
		Banned:         conv.Banned,
		Reason:         conv.BanReason,
		Shared:         conv.ShareToken != nil,
	}, nil
}

func (s *conversationService) CountTurns(ctx context.Context, sessionID string) (int64, error) {
	return s.repo.CountBySession(ctx, sessionID)
}

func (s *conversationService) publish(ctx context.Context, conv *model.Conversation) {
	if s.publisher == nil {
		return
	}
	event := tasks.ConversationLogged{
		EventID:        tasks.NewEventID(),
		ConversationID: conv.ID,
		SessionID:      conv.SessionID,
		DocumentSlugs:  conv.DocumentSlugs,
		OwnerID:        conv.OwnerID,
		EffectiveModel: conv.EffectiveModel,
		EmbeddingSpace: conv.EmbeddingSpace,
		ChunkCount:     conv.ChunkCount,
		Banned:         conv.Banned,
		Failed:         conv.Error != nil,
		OccurredAt:     conv.CreatedAt,
	}
	if err := s.publisher.PublishConversationLogged(ctx, event); err != nil {
		log.Warnf("[ConversationService] 投递对话事件失败, conversation: %d, error: %v", conv.ID, err)
	}
}

func (s *conversationService) archive(ctx context.Context, conv *model.Conversation) {
	if s.archiver == nil {
		return
	}
	if err := s.archiver.Archive(ctx, conv.ID, conv.CreatedAt, conv); err != nil {
		log.Warnf("[ConversationService] 归档对话失败, conversation: %d, error: %v", conv.ID, err)
	}
}

// orderDocuments 按 slugs 的顺序排列文档，返回第一个缺失的 slug。
func orderDocuments(slugs []string, docs []model.Document) ([]model.Document, string) {
	bySlug := make(map[string]model.Document, len(docs))
	for _, d := range docs {
		bySlug[d.Slug] = d
	}
	ordered := make([]model.Document, 0, len(slugs))
	for _, slug := range slugs {
		d, ok := bySlug[slug]
		if !ok || !d.Active {
			return nil, slug
		}
		ordered = append(ordered, d)
	}
	return ordered, ""
}
