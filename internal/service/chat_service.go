// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"ragchat-go/internal/config"
	"ragchat-go/internal/model"
	"ragchat-go/internal/repository"
	"ragchat-go/pkg/embedding"
	"ragchat-go/pkg/llm"
	"ragchat-go/pkg/log"
)

// reportedChunks 是响应与日志中回报的分块数量上限。
const reportedChunks = 10

// ChatRequest 是缓冲与流式两种请求共用的输入。
type ChatRequest struct {
	Message   string              `json:"message"`
	History   []model.ChatMessage `json:"history"`
	Model     string              `json:"model"`
	Documents string              `json:"doc"`
	Passcode  string              `json:"passcode"`
	Embedding string              `json:"embedding"`
	SessionID string              `json:"sessionId"`
	User      *model.User         `json:"-"`
}

// DocumentRef 是响应中的文档摘要。
type DocumentRef struct {
	Slug  string `json:"slug"`
	Title string `json:"title"`
}

// ChunkRef 是响应中单个分块的摘要。
type ChunkRef struct {
	Index      int     `json:"index"`
	Similarity float64 `json:"similarity"`
	Source     string  `json:"source"`
}

// ChatMetadata 是缓冲响应中的元数据块。
type ChatMetadata struct {
	Documents           []DocumentRef      `json:"documents"`
	MultiDocument       bool               `json:"multiDocument"`
	ResponseTimeMs      int64              `json:"responseTime"`
	ChunksUsed          int                `json:"chunksUsed"`
	RetrievalTimeMs     int64              `json:"retrievalTime"`
	EmbeddingSpace      string             `json:"embeddingSpace"`
	EmbeddingDimensions int                `json:"embeddingDimensions"`
	Chunks              []ChunkRef         `json:"chunks"`
	Timings             model.StageTimings `json:"timings"`
}

// ChatResponse 是缓冲请求的响应。记录异步落库，ConversationID 总是为空。
type ChatResponse struct {
	Answer         string                 `json:"answer"`
	RequestedModel string                 `json:"requestedModel"`
	Model          string                 `json:"model"`
	ActualModel    string                 `json:"actualModel"`
	Override       *ModelOverrideDecision `json:"override,omitempty"`
	SessionID      string                 `json:"sessionId"`
	ConversationID *uint                  `json:"conversationId"`
	Metadata       ChatMetadata           `json:"metadata"`
}

// DoneEvent 是流式响应的终止事件。
type DoneEvent struct {
	ResponseTimeMs  int64   `json:"responseTime"`
	Chunks          int     `json:"chunks"`
	RetrievalTimeMs int64   `json:"retrievalTime"`
	Model           string  `json:"model"`
	ActualModel     string  `json:"actualModel"`
	SessionID       string  `json:"sessionId"`
	ConversationID  *uint   `json:"conversationId"`
	ShareToken      *string `json:"shareToken"`
}

// EventSink 接收流式生成的片段。返回错误表示客户端已断开，停止转发。
type EventSink interface {
	Content(fragment string) error
}

// PreparedChat 是通过了所有前置策略检查的请求，尚未调用任何外部模型。
type PreparedChat struct {
	SessionID  string
	Message    string
	History    []model.ChatMessage
	Slugs      []string
	Documents  []model.Document
	Space      embedding.Space
	User       *model.User
	Owner      OwnerContext
	Decision   ModelOverrideDecision
	Moderation ModerationDecision

	start   time.Time
	timings model.StageTimings
}

// ChatService 是请求编排器。
type ChatService interface {
	// Chat 执行缓冲流程，日志在响应返回后异步写入。
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Prepare 执行生成之前的所有策略检查，流式处理器在写出事件头之前调用。
	Prepare(ctx context.Context, req ChatRequest) (*PreparedChat, error)
	// StreamAnswer 把生成片段转发给 sink，等待日志写入后返回终止事件。
	StreamAnswer(ctx context.Context, p *PreparedChat, sink EventSink) (*DoneEvent, error)
	// Wait 等待所有异步日志任务以及其后的事件投递与归档完成。
	Wait()
}

// ChatDeps 汇总编排器依赖的组件。
type ChatDeps struct {
	RateLimiter   *RateLimiter
	Moderation    ModerationGate
	Documents     repository.DocumentRepository
	Access        AccessService
	Owners        OwnerService
	Cache         *embedding.Cache
	Embedders     map[embedding.Space]embedding.Client
	Retrieval     RetrievalGateway
	Generation    GenerationDispatcher
	Conversations ConversationService
}

type chatService struct {
	ChatDeps
	cfg config.ChatConfig
	wg  sync.WaitGroup
	now func() time.Time
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(deps ChatDeps, cfg config.ChatConfig) ChatService {
	return &chatService{ChatDeps: deps, cfg: cfg, now: time.Now}
}

// Chat 顺序执行所有阶段，日志写入与响应解耦。
func (s *chatService) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	p, err := s.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	backend := p.Decision.Effective
	chunks, dims, retrievalTime, err := s.retrieve(ctx, p)
	if err != nil {
		s.recordDetached(p, "", chunks, retrievalTime, err)
		return nil, err
	}

	genStart := s.now()
	answer, err := s.Generation.Generate(ctx, backend, s.generationInput(p, chunks))
	p.timings.GenerationMs = s.now().Sub(genStart).Milliseconds()
	if err != nil {
		err = &StageError{Stage: StageGeneration, Err: err}
		s.recordDetached(p, "", chunks, retrievalTime, err)
		return nil, err
	}

	s.recordDetached(p, answer, chunks, retrievalTime, nil)

	resp := &ChatResponse{
		Answer:         answer,
		RequestedModel: string(p.Decision.Requested),
		Model:          string(backend),
		ActualModel:    s.Generation.ActualModel(backend),
		SessionID:      p.SessionID,
		Metadata: ChatMetadata{
			Documents:           documentRefs(p.Documents),
			MultiDocument:       len(p.Documents) > 1,
			ResponseTimeMs:      s.now().Sub(p.start).Milliseconds(),
			ChunksUsed:          len(chunks),
			RetrievalTimeMs:     retrievalTime.Milliseconds(),
			EmbeddingSpace:      string(p.Space),
			EmbeddingDimensions: dims,
			Chunks:              chunkRefs(chunks),
			Timings:             p.timings,
		},
	}
	if p.Decision.Overridden() {
		d := p.Decision
		resp.Override = &d
	}
	return resp, nil
}

// StreamAnswer 在流式路径中同步等待日志写入，以便终止事件携带记录 ID 与分享令牌。
func (s *chatService) StreamAnswer(ctx context.Context, p *PreparedChat, sink EventSink) (*DoneEvent, error) {
	backend := p.Decision.Effective
	chunks, _, retrievalTime, err := s.retrieve(ctx, p)
	if err != nil {
		s.recordAwaited(ctx, p, "", chunks, retrievalTime, err)
		return nil, err
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	genStart := s.now()
	out, errs := s.Generation.Stream(genCtx, backend, s.generationInput(p, chunks))
	var answer strings.Builder
	var streamErr error
	for frag := range out {
		answer.WriteString(frag)
		if err := sink.Content(frag); err != nil {
			streamErr = fmt.Errorf("client disconnected: %w", err)
			cancel()
			break
		}
	}
	if streamErr != nil {
		// 排空剩余片段，释放生成协程
		for range out {
		}
	}
	if err := <-errs; err != nil && streamErr == nil {
		streamErr = err
	}
	if streamErr == nil && ctx.Err() != nil {
		streamErr = fmt.Errorf("client disconnected: %w", ctx.Err())
	}
	p.timings.GenerationMs = s.now().Sub(genStart).Milliseconds()

	if streamErr != nil {
		streamErr = &StageError{Stage: StageGeneration, Err: streamErr}
		s.recordAwaited(ctx, p, answer.String(), chunks, retrievalTime, streamErr)
		return nil, streamErr
	}

	conv := s.recordAwaited(ctx, p, answer.String(), chunks, retrievalTime, nil)
	done := &DoneEvent{
		ResponseTimeMs:  s.now().Sub(p.start).Milliseconds(),
		Chunks:          len(chunks),
		RetrievalTimeMs: retrievalTime.Milliseconds(),
		Model:           string(backend),
		ActualModel:     s.Generation.ActualModel(backend),
		SessionID:       p.SessionID,
	}
	if conv != nil {
		done.ConversationID = &conv.ID
		done.ShareToken = conv.ShareToken
	}
	return done, nil
}

func (s *chatService) Wait() {
	s.wg.Wait()
	s.Conversations.Wait()
}

// Prepare 阶段顺序：校验 → 限流 → 轮数配额 → 审核 → 文档注册表 → 访问控制 → 租户配置 → 模型覆盖。
func (s *chatService) Prepare(ctx context.Context, req ChatRequest) (*PreparedChat, error) {
	p := &PreparedChat{
		start:     s.now(),
		SessionID: NormalizeSessionID(req.SessionID),
		User:      req.User,
	}

	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return nil, &ValidationError{Code: CodeMissingMessage, Message: "message is required"}
	}
	if limit := s.maxMessageLength(); utf8.RuneCountInString(msg) > limit {
		return nil, &ValidationError{Code: CodeMessageTooLong, Message: fmt.Sprintf("message exceeds %d characters", limit)}
	}
	p.Message = msg
	p.History = trimHistory(req.History, s.cfg.MaxHistoryTurns)

	slugs, err := ParseDocumentSlugs(req.Documents, s.cfg.DefaultDocument, s.maxDocuments())
	if err != nil {
		return nil, err
	}
	p.Slugs = slugs
	p.Space = embedding.ParseSpace(req.Embedding)
	if len(slugs) > 1 {
		p.Space = embedding.SpaceRemote
	}

	requested, err := s.requestedBackend(req.Model)
	if err != nil {
		return nil, err
	}

	if err := s.RateLimiter.Allow(p.SessionID); err != nil {
		return nil, err
	}

	if limit := s.cfg.MaxTurnsPerSession; limit > 0 {
		turns, err := s.Conversations.CountTurns(ctx, p.SessionID)
		if err != nil {
			log.Warnf("[ChatService] 查询会话轮数失败, session: %s, error: %v", p.SessionID, err)
		} else if turns >= int64(limit) {
			return nil, &ConversationQuotaError{Limit: limit}
		}
	}

	p.Moderation = s.Moderation.Screen(ctx, msg)
	if p.Moderation.ShouldBan {
		log.Infow("[ChatService] 消息被审核标记", "session", p.SessionID, "reason", p.Moderation.Reason)
	}

	registryStart := s.now()
	docs, err := s.resolveDocuments(ctx, slugs)
	if err != nil {
		return nil, err
	}
	p.Documents = docs
	p.timings.RegistryMs = s.now().Sub(registryStart).Milliseconds()

	authStart := s.now()
	if err := s.Access.Check(ctx, docs, req.User, req.Passcode); err != nil {
		return nil, err
	}
	p.timings.AuthMs = s.now().Sub(authStart).Milliseconds()

	ownerStart := s.now()
	p.Owner = s.Owners.Resolve(ctx, docs)
	p.timings.RegistryMs += s.now().Sub(ownerStart).Milliseconds()

	p.Decision = DecideModel(requested, slugs, p.Owner)
	if p.Decision.Effective != requested && !s.Generation.Has(p.Decision.Effective) {
		log.Warnf("[ChatService] 覆盖后的后端 %s 未配置，保留请求的后端 %s", p.Decision.Effective, requested)
		p.Decision = ModelOverrideDecision{Requested: requested, Effective: requested}
	}
	return p, nil
}

// resolveDocuments 一次查询注册表，按请求顺序返回；未知、下线或跨租户的文档均为校验错误。
func (s *chatService) resolveDocuments(ctx context.Context, slugs []string) ([]model.Document, error) {
	found, err := s.Documents.FindBySlugs(ctx, slugs)
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}
	docs, missing := orderDocuments(slugs, found)
	if missing != "" {
		return nil, &ValidationError{Code: CodeInvalidDocuments, Message: "unknown or inactive document", Document: missing}
	}
	for i := 1; i < len(docs); i++ {
		if docs[i].OwnerID != docs[0].OwnerID {
			return nil, &ValidationError{
				Code:     CodeOwnerMismatch,
				Message:  "documents in one request must belong to the same owner",
				Document: docs[i].Slug,
			}
		}
	}
	return docs, nil
}

func (s *chatService) requestedBackend(raw string) (llm.Backend, error) {
	def, ok := llm.ParseBackend(s.cfg.DefaultBackend)
	if !ok {
		def = llm.BackendGeneral
	}
	if b, ok := llm.ParseBackend(raw); ok && s.Generation.Has(b) {
		return b, nil
	}
	if raw != "" {
		log.Debugf("[ChatService] 未知或未配置的模型 %q，使用默认后端 %s", raw, def)
	}
	if !s.Generation.Has(def) {
		return "", &ValidationError{Code: CodeInvalidModel, Message: "no generation backend is configured for " + string(def)}
	}
	return def, nil
}

// retrieve 计算（或命中缓存的）查询向量，并按 embedding 空间选择检索操作。
func (s *chatService) retrieve(ctx context.Context, p *PreparedChat) ([]model.RetrievedChunk, int, time.Duration, error) {
	embedder, ok := s.Embedders[p.Space]
	if !ok {
		return nil, 0, 0, &StageError{Stage: StageEmbedding, Err: fmt.Errorf("embedding space %s is not configured", p.Space)}
	}

	embStart := s.now()
	vec, err := s.Cache.Get(ctx, p.Message, p.Space, embedder.CreateEmbedding)
	p.timings.EmbeddingMs = s.now().Sub(embStart).Milliseconds()
	if err != nil {
		return nil, 0, 0, &StageError{Stage: StageEmbedding, Err: err}
	}

	rctx, cancel := context.WithTimeout(ctx, config.Seconds(s.cfg.RetrievalTimeoutSeconds, 15*time.Second))
	defer cancel()

	q := RetrievalQuery{Vector: vec, Text: p.Message, Documents: p.Slugs, Limit: p.Owner.ChunkLimit}
	retStart := s.now()
	var chunks []model.RetrievedChunk
	if p.Space == embedding.SpaceLocal {
		chunks, err = s.Retrieval.SearchLocal(rctx, q)
	} else {
		chunks, err = s.Retrieval.SearchRemote(rctx, q)
	}
	retrievalTime := s.now().Sub(retStart)
	p.timings.RetrievalMs = retrievalTime.Milliseconds()
	if err != nil {
		return nil, len(vec), retrievalTime, &StageError{Stage: StageRetrieval, Err: err}
	}
	if len(chunks) > q.Limit {
		chunks = chunks[:q.Limit]
	}
	return chunks, len(vec), retrievalTime, nil
}

func (s *chatService) generationInput(p *PreparedChat, chunks []model.RetrievedChunk) GenerationInput {
	return GenerationInput{
		Message:   p.Message,
		History:   p.History,
		Documents: p.Documents,
		Chunks:    chunks,
	}
}

func (s *chatService) exchangeLog(p *PreparedChat, answer string, chunks []model.RetrievedChunk, retrievalTime time.Duration, err error) ExchangeLog {
	entry := ExchangeLog{
		SessionID:     p.SessionID,
		Question:      p.Message,
		Answer:        answer,
		Err:           err,
		Decision:      p.Decision,
		ActualModel:   s.Generation.ActualModel(p.Decision.Effective),
		Documents:     p.Slugs,
		Owner:         p.Owner,
		Space:         p.Space,
		Chunks:        chunks,
		ResponseTime:  s.now().Sub(p.start),
		RetrievalTime: retrievalTime,
		Timings:       p.timings,
		Moderation:    p.Moderation,
	}
	if p.User != nil {
		id := p.User.ID
		entry.UserID = &id
	}
	return entry
}

// recordDetached 在后台写入日志，失败只记录，不影响已经返回的响应。
func (s *chatService) recordDetached(p *PreparedChat, answer string, chunks []model.RetrievedChunk, retrievalTime time.Duration, err error) {
	entry := s.exchangeLog(p, answer, chunks, retrievalTime, err)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.loggingTimeout())
		defer cancel()
		if _, err := s.Conversations.Record(ctx, entry); err != nil {
			log.Errorf("[ChatService] 写入对话日志失败, session: %s, error: %v", entry.SessionID, err)
		}
	}()
}

// recordAwaited 同步写入日志。客户端断开不应阻止落库，因此脱离请求的取消信号。
func (s *chatService) recordAwaited(ctx context.Context, p *PreparedChat, answer string, chunks []model.RetrievedChunk, retrievalTime time.Duration, err error) *model.Conversation {
	entry := s.exchangeLog(p, answer, chunks, retrievalTime, err)
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.loggingTimeout())
	defer cancel()
	conv, recErr := s.Conversations.Record(lctx, entry)
	if recErr != nil {
		log.Errorf("[ChatService] 写入对话日志失败, session: %s, error: %v", entry.SessionID, recErr)
		return nil
	}
	return conv
}

func (s *chatService) loggingTimeout() time.Duration {
	return config.Seconds(s.cfg.LoggingTimeoutSeconds, 10*time.Second)
}

func (s *chatService) maxMessageLength() int {
	if s.cfg.MaxMessageLength > 0 {
		return s.cfg.MaxMessageLength
	}
	return 1500
}

func (s *chatService) maxDocuments() int {
	if s.cfg.MaxDocuments > 0 {
		return s.cfg.MaxDocuments
	}
	return 5
}

// NormalizeSessionID 返回规范化的 UUID；缺失或格式错误时生成新会话。
func NormalizeSessionID(raw string) string {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ParseDocumentSlugs 按 '+' 或空白切分，保序去重；为空时使用默认文档。
func ParseDocumentSlugs(raw, defaultSlug string, limit int) ([]string, error) {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '+' || unicode.IsSpace(r)
	})
	seen := make(map[string]struct{}, len(parts))
	slugs := make([]string, 0, len(parts))
	for _, part := range parts {
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		slugs = append(slugs, part)
	}
	if len(slugs) == 0 {
		if defaultSlug == "" {
			return nil, &ValidationError{Code: CodeInvalidDocuments, Message: "no document requested"}
		}
		slugs = append(slugs, defaultSlug)
	}
	if len(slugs) > limit {
		return nil, &ValidationError{Code: CodeTooManyDocuments, Message: fmt.Sprintf("at most %d documents per request", limit)}
	}
	return slugs, nil
}

// trimHistory 保留最近 limit 条有效的 user/assistant 消息。
func trimHistory(history []model.ChatMessage, limit int) []model.ChatMessage {
	if limit <= 0 {
		limit = 20
	}
	kept := make([]model.ChatMessage, 0, len(history))
	for _, m := range history {
		if (m.Role != "user" && m.Role != "assistant") || strings.TrimSpace(m.Content) == "" {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}
	return kept
}

func documentRefs(docs []model.Document) []DocumentRef {
	refs := make([]DocumentRef, 0, len(docs))
	for i := range docs {
		refs = append(refs, DocumentRef{Slug: docs[i].Slug, Title: docs[i].Title})
	}
	return refs
}

func chunkRefs(chunks []model.RetrievedChunk) []ChunkRef {
	n := len(chunks)
	if n > reportedChunks {
		n = reportedChunks
	}
	refs := make([]ChunkRef, 0, n)
	for _, c := range chunks[:n] {
		refs = append(refs, ChunkRef{Index: c.ChunkIndex, Similarity: c.Similarity, Source: c.DocumentSlug})
	}
	return refs
}
