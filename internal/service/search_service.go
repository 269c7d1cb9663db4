package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"golang.org/x/sync/errgroup"
	"ragchat-go/internal/config"
	"ragchat-go/internal/model"
	"ragchat-go/pkg/log"
)

// RetrievalQuery 是一次混合检索的输入。Vector 必须来自与目标操作相同的 embedding 空间。
type RetrievalQuery struct {
	Vector    []float32
	Text      string
	Documents []string
	Limit     int
}

// RetrievalGateway 提供两个 embedding 空间各自的混合检索，返回结果已排序。
type RetrievalGateway interface {
	SearchRemote(ctx context.Context, q RetrievalQuery) ([]model.RetrievedChunk, error)
	SearchLocal(ctx context.Context, q RetrievalQuery) ([]model.RetrievedChunk, error)
}

type esRetrievalGateway struct {
	esClient      *elasticsearch.Client
	remoteIndex   string
	localIndex    string
	vectorWeight  float64
	lexicalWeight float64
}

// NewRetrievalGateway 创建基于 Elasticsearch 的检索网关。
func NewRetrievalGateway(esClient *elasticsearch.Client, cfg config.ElasticsearchConfig) RetrievalGateway {
	vw, lw := cfg.VectorWeight, cfg.LexicalWeight
	if vw <= 0 && lw <= 0 {
		vw, lw = 0.7, 0.3
	}
	return &esRetrievalGateway{
		esClient:      esClient,
		remoteIndex:   cfg.RemoteIndex,
		localIndex:    cfg.LocalIndex,
		vectorWeight:  vw,
		lexicalWeight: lw,
	}
}

func (g *esRetrievalGateway) SearchRemote(ctx context.Context, q RetrievalQuery) ([]model.RetrievedChunk, error) {
	return g.search(ctx, g.remoteIndex, q)
}

func (g *esRetrievalGateway) SearchLocal(ctx context.Context, q RetrievalQuery) ([]model.RetrievedChunk, error) {
	return g.search(ctx, g.localIndex, q)
}

type esHit struct {
	ID     string        `json:"_id"`
	Score  float64       `json:"_score"`
	Source model.EsChunk `json:"_source"`
}

// search 并发执行 knn 与 BM25 两个查询，然后在本地融合。
func (g *esRetrievalGateway) search(ctx context.Context, index string, q RetrievalQuery) ([]model.RetrievedChunk, error) {
	if q.Limit <= 0 || len(q.Documents) == 0 {
		return []model.RetrievedChunk{}, nil
	}
	filter := map[string]interface{}{
		"terms": map[string]interface{}{"document_slug": q.Documents},
	}

	var vectorHits, lexicalHits []esHit
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		numCandidates := q.Limit * 10
		if numCandidates < 100 {
			numCandidates = 100
		}
		if numCandidates > 10000 {
			numCandidates = 10000
		}
		body := map[string]interface{}{
			"knn": map[string]interface{}{
				"field":          "embedding",
				"query_vector":   q.Vector,
				"k":              q.Limit,
				"num_candidates": numCandidates,
				"filter":         filter,
			},
			"_source": map[string]interface{}{"excludes": []string{"embedding"}},
			"size":    q.Limit,
		}
		hits, err := g.query(ectx, index, body)
		vectorHits = hits
		return err
	})
	eg.Go(func() error {
		text := normalizeQuery(q.Text)
		if text == "" {
			return nil
		}
		body := map[string]interface{}{
			"query": map[string]interface{}{
				"bool": map[string]interface{}{
					"must":   map[string]interface{}{"match": map[string]interface{}{"content": text}},
					"filter": filter,
				},
			},
			"_source": map[string]interface{}{"excludes": []string{"embedding"}},
			"size":    q.Limit,
		}
		hits, err := g.query(ectx, index, body)
		lexicalHits = hits
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	chunks := fuseHits(vectorHits, lexicalHits, g.vectorWeight, g.lexicalWeight, q.Limit)
	log.Debugf("[RetrievalGateway] index=%s, docs=%v, vector=%d, lexical=%d, fused=%d",
		index, q.Documents, len(vectorHits), len(lexicalHits), len(chunks))
	return chunks, nil
}

func (g *esRetrievalGateway) query(ctx context.Context, index string, body map[string]interface{}) ([]esHit, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}
	res, err := g.esClient.Search(
		g.esClient.Search.WithContext(ctx),
		g.esClient.Search.WithIndex(index),
		g.esClient.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		log.Errorf("[RetrievalGateway] Elasticsearch 返回错误, status: %s, body: %s", res.Status(), string(bodyBytes))
		return nil, fmt.Errorf("elasticsearch returned an error: %s", res.Status())
	}

	var esResponse struct {
		Hits struct {
			Hits []esHit `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}
	return esResponse.Hits.Hits, nil
}

// fuseHits 融合向量与词法两路结果。
// cosine 相似度的 knn 分数为 (1+cos)/2，这里还原为 cos；BM25 分数按本次最大值归一化。
func fuseHits(vectorHits, lexicalHits []esHit, vectorWeight, lexicalWeight float64, limit int) []model.RetrievedChunk {
	byID := make(map[string]*model.RetrievedChunk)
	var order []string

	get := func(h esHit) *model.RetrievedChunk {
		if c, ok := byID[h.ID]; ok {
			return c
		}
		c := &model.RetrievedChunk{
			DocumentSlug:  h.Source.DocumentSlug,
			DocumentTitle: h.Source.DocumentTitle,
			ChunkIndex:    h.Source.ChunkIndex,
			Content:       h.Source.Content,
		}
		byID[h.ID] = c
		order = append(order, h.ID)
		return c
	}

	for _, h := range vectorHits {
		get(h).Similarity = 2*h.Score - 1
	}
	maxLexical := 0.0
	for _, h := range lexicalHits {
		if h.Score > maxLexical {
			maxLexical = h.Score
		}
	}
	for _, h := range lexicalHits {
		if maxLexical > 0 {
			get(h).Lexical = h.Score / maxLexical
		}
	}

	chunks := make([]model.RetrievedChunk, 0, len(order))
	for _, id := range order {
		c := byID[id]
		c.Combined = vectorWeight*c.Similarity + lexicalWeight*c.Lexical
		chunks = append(chunks, *c)
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].Combined > chunks[j].Combined
	})
	if len(chunks) > limit {
		chunks = chunks[:limit]
	}
	return chunks
}

var (
	reQueryStrip = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	reQuerySpace = regexp.MustCompile(`\s+`)
)

// normalizeQuery 对用户查询做轻量去噪，仅用于 BM25。
func normalizeQuery(q string) string {
	kept := reQueryStrip.ReplaceAllString(strings.ToLower(q), " ")
	return strings.TrimSpace(reQuerySpace.ReplaceAllString(kept, " "))
}
