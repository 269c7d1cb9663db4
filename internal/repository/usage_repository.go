package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// UsageRepository 以 Redis hash 保存文档与租户的使用计数。
type UsageRepository interface {
	// Apply 在一个事务中累加所有文档以及租户（可为 nil）的计数，要么全部生效，要么全部不生效。
	Apply(ctx context.Context, slugs []string, ownerID *uint, deltas map[string]int64) error
	GetDocument(ctx context.Context, slug string) (map[string]int64, error)
	// MarkProcessed 返回 false 表示该事件已经处理过。
	MarkProcessed(ctx context.Context, eventID string) (bool, error)
	// ClearProcessed 撤销去重标记，使处理失败的事件可以重投。
	ClearProcessed(ctx context.Context, eventID string) error
}

type redisUsageRepository struct {
	redisClient *redis.Client
}

// NewUsageRepository 创建一个新的 UsageRepository 实例。
func NewUsageRepository(redisClient *redis.Client) UsageRepository {
	return &redisUsageRepository{redisClient: redisClient}
}

func documentUsageKey(slug string) string {
	return fmt.Sprintf("usage:document:%s", slug)
}

func ownerUsageKey(ownerID uint) string {
	return fmt.Sprintf("usage:owner:%d", ownerID)
}

func (r *redisUsageRepository) Apply(ctx context.Context, slugs []string, ownerID *uint, deltas map[string]int64) error {
	keys := make([]string, 0, len(slugs)+1)
	for _, slug := range slugs {
		keys = append(keys, documentUsageKey(slug))
	}
	if ownerID != nil {
		keys = append(keys, ownerUsageKey(*ownerID))
	}
	if len(keys) == 0 {
		return nil
	}

	// MULTI/EXEC 保证部分失败时不会留下已累加的计数
	_, err := r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			for field, delta := range deltas {
				if delta == 0 {
					continue
				}
				pipe.HIncrBy(ctx, key, field, delta)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply usage %v: %w", keys, err)
	}
	return nil
}

// GetDocument 读取文档计数，不存在时返回空 map。
func (r *redisUsageRepository) GetDocument(ctx context.Context, slug string) (map[string]int64, error) {
	raw, err := r.redisClient.HGetAll(ctx, documentUsageKey(slug)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get document usage: %w", err)
	}
	result := make(map[string]int64, len(raw))
	for field, v := range raw {
		n, convErr := strconv.ParseInt(v, 10, 64)
		if convErr != nil {
			continue
		}
		result[field] = n
	}
	return result, nil
}

// MarkProcessed 用 SETNX 做事件去重，Kafka 重投时不会重复计数。
func (r *redisUsageRepository) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	ok, err := r.redisClient.SetNX(ctx, eventKey(eventID), 1, 7*24*time.Hour).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	return ok, nil
}

// ClearProcessed 删除事件的去重标记。
func (r *redisUsageRepository) ClearProcessed(ctx context.Context, eventID string) error {
	return r.redisClient.Del(ctx, eventKey(eventID)).Err()
}

func eventKey(eventID string) string {
	return "usage:event:" + eventID
}
