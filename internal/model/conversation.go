// Package model 包含了应用的数据模型定义。
package model

import "time"

// ChatMessage 代表请求中携带的一条历史对话消息。
type ChatMessage struct {
	Role    string `json:"role"` // "user" 或 "assistant"
	Content string `json:"content"`
}

// SimilarityStats 记录一次检索的相似度统计。
type SimilarityStats struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	Max   float64 `json:"max"`
	Min   float64 `json:"min"`
}

// ChunkSource 是日志中记录的前 N 个分块来源。
type ChunkSource struct {
	Document   string  `json:"document"`
	ChunkIndex int     `json:"chunkIndex"`
	Similarity float64 `json:"similarity"`
	Combined   float64 `json:"combined"`
}

// StageTimings 记录各阶段耗时（毫秒）。
type StageTimings struct {
	AuthMs       int64 `json:"authMs"`
	RegistryMs   int64 `json:"registryMs"`
	EmbeddingMs  int64 `json:"embeddingMs"`
	RetrievalMs  int64 `json:"retrievalMs"`
	GenerationMs int64 `json:"generationMs"`
	LoggingMs    int64 `json:"loggingMs"`
}

// Conversation 代表一次完整的问答交换，创建后除分享令牌外不再修改。
type Conversation struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	SessionID       string          `gorm:"type:varchar(36);index;not null" json:"sessionId"`
	UserID          *uint           `gorm:"index" json:"userId"`
	Question        string          `gorm:"type:text;not null" json:"question"`
	Answer          string          `gorm:"type:text" json:"answer"`
	Error           *string         `gorm:"type:text" json:"error"`
	RequestedModel  string          `gorm:"type:varchar(32)" json:"requestedModel"`
	EffectiveModel  string          `gorm:"type:varchar(32)" json:"effectiveModel"`
	ActualModel     string          `gorm:"type:varchar(128)" json:"actualModel"`
	OverrideSource  string          `gorm:"type:varchar(32)" json:"overrideSource"`
	OverrideReason  string          `gorm:"type:varchar(255)" json:"overrideReason"`
	DocumentSlugs   []string        `gorm:"serializer:json;type:text" json:"documents"`
	OwnerID         *uint           `gorm:"index" json:"ownerId"`
	EmbeddingSpace  string          `gorm:"type:varchar(16)" json:"embeddingSpace"`
	ChunkLimit      int             `json:"chunkLimit"`
	ChunkCount      int             `json:"chunkCount"`
	ResponseTimeMs  int64           `json:"responseTimeMs"`
	RetrievalTimeMs int64           `json:"retrievalTimeMs"`
	Similarity      SimilarityStats `gorm:"serializer:json;type:text" json:"similarity"`
	TopSources      []ChunkSource   `gorm:"serializer:json;type:text" json:"topSources"`
	Timings         StageTimings    `gorm:"serializer:json;type:text" json:"timings"`
	Banned          bool            `gorm:"index;not null;default:false" json:"banned"`
	BanReason       string          `gorm:"type:varchar(255)" json:"banReason"`
	ShareToken      *string         `gorm:"type:varchar(64);uniqueIndex" json:"-"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Conversation) TableName() string {
	return "conversations"
}
