// Package es 提供了与 Elasticsearch 交互的客户端功能。
package es

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"ragchat-go/internal/config"
	"ragchat-go/pkg/log"
)

// InitES 初始化 Elasticsearch 客户端，并确保两个 embedding 空间的分块索引存在。
func InitES(ctx context.Context, esCfg config.ElasticsearchConfig, embCfg config.EmbeddingConfig) (*elasticsearch.Client, error) {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := createIndexIfNotExists(ctx, client, esCfg.RemoteIndex, embCfg.Remote.Dimensions); err != nil {
		return nil, err
	}
	if err := createIndexIfNotExists(ctx, client, esCfg.LocalIndex, embCfg.Local.Dimensions); err != nil {
		return nil, err
	}
	return client, nil
}

// ChunkMapping 返回分块索引的 mapping，dims 必须与该索引所属的 embedding 空间一致。
func ChunkMapping(dims int) string {
	return fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"chunk_id": { "type": "keyword" },
				"document_slug": { "type": "keyword" },
				"document_title": { "type": "keyword" },
				"chunk_index": { "type": "integer" },
				"content": { "type": "text" },
				"embedding": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				}
			}
		}
	}`, dims)
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它
func createIndexIfNotExists(ctx context.Context, client *elasticsearch.Client, indexName string, dims int) error {
	res, err := client.Indices.Exists([]string{indexName}, client.Indices.Exists.WithContext(ctx))
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	res.Body.Close()
	// 如果 res.StatusCode 是 200，说明索引已存在
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		log.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", indexName, res.StatusCode)
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	res, err = client.Indices.Create(
		indexName,
		client.Indices.Create.WithContext(ctx),
		client.Indices.Create.WithBody(strings.NewReader(ChunkMapping(dims))),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", indexName, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", indexName, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功 (dims=%d)", indexName, dims)
	return nil
}
