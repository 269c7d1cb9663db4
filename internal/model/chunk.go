// Package model 定义了与数据库表对应的 Go 结构体。
package model

// EsChunk 代表存储在 Elasticsearch 中的文档分块结构。
type EsChunk struct {
	ChunkID       string    `json:"chunk_id"` // 唯一标识，例如 slug + chunk_index
	DocumentSlug  string    `json:"document_slug"`
	DocumentTitle string    `json:"document_title"`
	ChunkIndex    int       `json:"chunk_index"`
	Content       string    `json:"content"`
	Embedding     []float32 `json:"embedding,omitempty"`
}

// RetrievedChunk 是检索服务返回的单个分块，分数已由检索服务计算。
type RetrievedChunk struct {
	DocumentSlug  string  `json:"documentSlug"`
	DocumentTitle string  `json:"documentTitle"`
	ChunkIndex    int     `json:"chunkIndex"`
	Similarity    float64 `json:"similarity"`
	Lexical       float64 `json:"lexical"`
	Combined      float64 `json:"combined"`
	Content       string  `json:"content"`
}
