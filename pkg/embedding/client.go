// Package embedding provides a client for interacting with embedding models,
// plus a memoizing cache keyed by (text, embedding space).
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ragchat-go/internal/config"
	"ragchat-go/pkg/log"
)

// errorBodyLimit bounds how much of a failed response is kept in the error.
const errorBodyLimit = 512

// Client defines the interface for an embedding client.
type Client interface {
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// spaceClient talks to one OpenAI-compatible /embeddings endpoint.
type spaceClient struct {
	cfg    config.EmbeddingSpaceConfig
	client *http.Client
}

// NewClient creates a new embedding client for one embedding space.
func NewClient(cfg config.EmbeddingSpaceConfig) Client {
	return &spaceClient{
		cfg:    cfg,
		client: &http.Client{Timeout: config.Seconds(cfg.TimeoutSeconds, 10*time.Second)},
	}
}

type embeddingRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Dimensions     int    `json:"dimensions,omitempty"`
	EncodingFormat string `json:"encoding_format"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// CreateEmbedding embeds a single query text.
func (c *spaceClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embeddingRequest{
		Model:          c.cfg.Model,
		Input:          text,
		Dimensions:     c.cfg.Dimensions,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call embedding model %s: %w", c.cfg.Model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		log.Warnf("[EmbeddingClient] %s 返回 %s", c.cfg.Model, resp.Status)
		return nil, fmt.Errorf("embedding model %s returned %s: %s", c.cfg.Model, resp.Status, strings.TrimSpace(string(snippet)))
	}

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("embedding model %s: %s", c.cfg.Model, out.Error.Message)
	}
	for _, d := range out.Data {
		if d.Index == 0 && len(d.Embedding) > 0 {
			log.Debugf("[EmbeddingClient] model: %s, dims: %d, took: %s", c.cfg.Model, len(d.Embedding), time.Since(start))
			return d.Embedding, nil
		}
	}
	return nil, fmt.Errorf("embedding model %s returned no vector", c.cfg.Model)
}
