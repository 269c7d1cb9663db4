// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"ragchat-go/internal/config"
	"ragchat-go/pkg/log"
)

// Archiver 把对话记录以 JSON 归档到对象存储。
type Archiver struct {
	client *minio.Client
	bucket string
}

// InitMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func InitMinIO(ctx context.Context, cfg config.MinIOConfig) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}
	log.Info("MinIO 客户端初始化成功")

	// 检查存储桶 (Bucket) 是否存在，如果不存在则创建
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
		log.Infof("存储桶 '%s' 创建成功", cfg.BucketName)
	}
	return &Archiver{client: client, bucket: cfg.BucketName}, nil
}

// ObjectName 返回归档对象的路径，按创建日期分目录。
func ObjectName(id uint, createdAt time.Time) string {
	return fmt.Sprintf("conversations/%s/%d.json", createdAt.UTC().Format("2006/01/02"), id)
}

// Archive 以 JSON 形式写入一条记录。
func (a *Archiver) Archive(ctx context.Context, id uint, createdAt time.Time, record interface{}) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal archive record: %w", err)
	}
	_, err = a.client.PutObject(ctx, a.bucket, ObjectName(id, createdAt), bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to put archive object: %w", err)
	}
	return nil
}
