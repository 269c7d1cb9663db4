package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"ragchat-go/internal/config"
	"ragchat-go/internal/model"
	"ragchat-go/internal/repository"
	"ragchat-go/pkg/database"
	"ragchat-go/pkg/embedding"
	"ragchat-go/pkg/llm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ragchat.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func strPtr(s string) *string { return &s }

func seedOwner(t *testing.T, db *gorm.DB, owner model.Owner) model.Owner {
	t.Helper()
	if err := db.Create(&owner).Error; err != nil {
		t.Fatalf("seed owner: %v", err)
	}
	return owner
}

func seedDocument(t *testing.T, db *gorm.DB, doc model.Document) model.Document {
	t.Helper()
	active := doc.Active
	if doc.AccessLevel == "" {
		doc.AccessLevel = model.AccessOpen
	}
	if err := db.Create(&doc).Error; err != nil {
		t.Fatalf("seed document %s: %v", doc.Slug, err)
	}
	// active 列带数据库默认值，false 需要单独更新
	if !active {
		if err := db.Model(&doc).Update("active", false).Error; err != nil {
			t.Fatalf("deactivate %s: %v", doc.Slug, err)
		}
		doc.Active = false
	}
	return doc
}

// fakeEmbedder 返回固定向量并计数。
type fakeEmbedder struct {
	mu    sync.Mutex
	vec   []float32
	err   error
	calls int
}

func (f *fakeEmbedder) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func (f *fakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeRetrieval 记录调用的检索操作与最后一次查询。
type fakeRetrieval struct {
	mu     sync.Mutex
	chunks []model.RetrievedChunk
	err    error
	remote int
	local  int
	last   RetrievalQuery
}

func (f *fakeRetrieval) SearchRemote(ctx context.Context, q RetrievalQuery) ([]model.RetrievedChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote++
	f.last = q
	return f.chunks, f.err
}

func (f *fakeRetrieval) SearchLocal(ctx context.Context, q RetrievalQuery) ([]model.RetrievedChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local++
	f.last = q
	return f.chunks, f.err
}

func (f *fakeRetrieval) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote + f.local
}

// pipelineFixture 组装一条使用 sqlite 与假外部依赖的完整流水线。
type pipelineFixture struct {
	db            *gorm.DB
	chat          ChatService
	conversations ConversationService
	embedder      *fakeEmbedder
	retrieval     *fakeRetrieval
	llm           *recordingLLM
	reasoning     *recordingLLM
}

func newPipelineFixture(t *testing.T, cfg config.ChatConfig) *pipelineFixture {
	t.Helper()
	db := newTestDB(t)
	docRepo := repository.NewDocumentRepository(db)
	access := NewAccessService(docRepo)
	conversations := NewConversationService(repository.NewConversationRepository(db), docRepo, access, nil, nil, config.ShareConfig{})
	gate, err := NewModerationGate(nil)
	if err != nil {
		t.Fatalf("NewModerationGate: %v", err)
	}

	f := &pipelineFixture{
		db:            db,
		conversations: conversations,
		embedder:      &fakeEmbedder{vec: []float32{0.1, 0.2, 0.3}},
		retrieval: &fakeRetrieval{chunks: []model.RetrievedChunk{
			{DocumentSlug: "handbook", DocumentTitle: "Handbook", ChunkIndex: 0, Similarity: 0.82, Combined: 0.77, Content: "Leave requests go through the portal."},
			{DocumentSlug: "handbook", DocumentTitle: "Handbook", ChunkIndex: 4, Similarity: 0.61, Combined: 0.58, Content: "Managers approve within two days."},
		}},
		llm:       &recordingLLM{answer: "Use the portal.", fragments: []string{"Use ", "the ", "portal."}},
		reasoning: &recordingLLM{answer: "Reasoned answer.", fragments: []string{"Reasoned ", "answer."}},
	}
	if cfg.DefaultDocument == "" {
		cfg.DefaultDocument = "handbook"
	}
	if cfg.DefaultBackend == "" {
		cfg.DefaultBackend = string(llm.BackendGeneral)
	}

	f.chat = NewChatService(ChatDeps{
		RateLimiter: NewRateLimiter(config.RateLimitConfig{}),
		Moderation:  gate,
		Documents:   docRepo,
		Access:      access,
		Owners:      NewOwnerService(repository.NewOwnerRepository(db), 50),
		Cache:       embedding.NewCache(16),
		Embedders: map[embedding.Space]embedding.Client{
			embedding.SpaceRemote: f.embedder,
			embedding.SpaceLocal:  f.embedder,
		},
		Retrieval: f.retrieval,
		Generation: NewGenerationDispatcherWithTable(map[llm.Backend]BackendEntry{
			llm.BackendGeneral:   {Client: f.llm, DisplayName: "General Model"},
			llm.BackendFast:      {Client: f.llm, DisplayName: "Fast Model"},
			llm.BackendReasoning: {Client: f.reasoning, DisplayName: "Reasoning Model"},
		}, config.LLMPromptConfig{}),
		Conversations: conversations,
	}, cfg)
	return f
}

func (f *pipelineFixture) conversationsFor(t *testing.T, sessionID string) []model.Conversation {
	t.Helper()
	f.chat.Wait()
	var convs []model.Conversation
	if err := f.db.Where("session_id = ?", sessionID).Order("id").Find(&convs).Error; err != nil {
		t.Fatalf("load conversations: %v", err)
	}
	return convs
}
