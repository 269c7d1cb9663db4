// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"ragchat-go/internal/config"
	"ragchat-go/pkg/log"
	"ragchat-go/pkg/tasks"
)

// maxAttempts 是单条事件处理失败后允许的最大重试次数。
const maxAttempts = 3

// EventProcessor 定义了处理对话事件的接口，使消费者与具体实现解耦。
type EventProcessor interface {
	Process(ctx context.Context, event tasks.ConversationLogged) error
}

// Producer 负责投递对话事件。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// PublishConversationLogged 发送一条对话事件，按会话 ID 分区以保持同一会话内的顺序。
func (p *Producer) PublishConversationLogged(ctx context.Context, event tasks.ConversationLogged) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.SessionID),
		Value: value,
	})
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// StartConsumer 启动一个 Kafka 消费者处理对话事件，直到 ctx 被取消。
// rdb 用于记录失败次数，为 nil 时失败的消息直接提交。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor EventProcessor, rdb *redis.Client) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(cfg.Brokers, ","),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			return
		}

		var event tasks.ConversationLogged
		if err := json.Unmarshal(m.Value, &event); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			commit(ctx, r, m)
			continue
		}

		if err := processor.Process(ctx, event); err != nil {
			log.Errorf("处理对话事件失败: event=%s, conversation=%d, error: %v", event.EventID, event.ConversationID, err)
			if shouldGiveUp(ctx, rdb, event.EventID) {
				log.Errorf("对话事件多次失败(>=%d)，提交 offset 终止重试: event=%s", maxAttempts, event.EventID)
				commit(ctx, r, m)
			}
			continue
		}
		if rdb != nil {
			_ = rdb.Del(ctx, attemptsKey(event.EventID)).Err()
		}
		commit(ctx, r, m)
	}
}

func attemptsKey(eventID string) string {
	return fmt.Sprintf("kafka:attempts:%s", eventID)
}

// shouldGiveUp 使用 Redis 计数失败次数，达到阈值后返回 true。
func shouldGiveUp(ctx context.Context, rdb *redis.Client, eventID string) bool {
	if rdb == nil {
		return true
	}
	key := attemptsKey(eventID)
	attempts, err := rdb.Incr(ctx, key).Result()
	if err != nil {
		// Redis 异常时保守处理：不提交 offset，让 Kafka 重投
		return false
	}
	_ = rdb.Expire(ctx, key, 24*time.Hour).Err()
	return attempts >= maxAttempts
}

func commit(ctx context.Context, r *kafka.Reader, m kafka.Message) {
	if err := r.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: offset=%s, error: %v", strconv.FormatInt(m.Offset, 10), err)
	}
}
