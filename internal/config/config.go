// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	JWT            JWTConfig            `mapstructure:"jwt"`
	Log            LogConfig            `mapstructure:"log"`
	Kafka          KafkaConfig          `mapstructure:"kafka"`
	Elasticsearch  ElasticsearchConfig  `mapstructure:"elasticsearch"`
	MinIO          MinIOConfig          `mapstructure:"minio"`
	Embedding      EmbeddingConfig      `mapstructure:"embedding"`
	EmbeddingCache EmbeddingCacheConfig `mapstructure:"embedding_cache"`
	LLM            LLMConfig            `mapstructure:"llm"`
	Chat           ChatConfig           `mapstructure:"chat"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	Moderation     ModerationConfig     `mapstructure:"moderation"`
	Share          ShareConfig          `mapstructure:"share"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 校验相关的配置。令牌由账户服务签发，这里只做校验。
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。Brokers 为空时不启用事件投递。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
// 每个 embedding 空间对应一个独立索引，向量维度不同不能混用。
type ElasticsearchConfig struct {
	Addresses   string `mapstructure:"addresses"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	RemoteIndex string `mapstructure:"remote_index"`
	LocalIndex  string `mapstructure:"local_index"`
	// 混合检索中向量分与词法分的权重
	VectorWeight  float64 `mapstructure:"vector_weight"`
	LexicalWeight float64 `mapstructure:"lexical_weight"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。Endpoint 为空时不归档对话。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// EmbeddingConfig 存储两个 embedding 空间的模型配置。
type EmbeddingConfig struct {
	Remote EmbeddingSpaceConfig `mapstructure:"remote"`
	Local  EmbeddingSpaceConfig `mapstructure:"local"`
}

// EmbeddingSpaceConfig 描述一个 (模型, 维度) 组合。
type EmbeddingSpaceConfig struct {
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	Dimensions     int    `mapstructure:"dimensions"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// EmbeddingCacheConfig 配置查询向量缓存。RedisTTLMinutes 为 0 时不使用 Redis 二级缓存。
// ComputeTimeoutSeconds 限制一次共享计算的耗时，与发起请求的客户端是否断开无关。
type EmbeddingCacheConfig struct {
	Capacity              int `mapstructure:"capacity"`
	RedisTTLMinutes       int `mapstructure:"redis_ttl_minutes"`
	ComputeTimeoutSeconds int `mapstructure:"compute_timeout_seconds"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	Backends   map[string]LLMBackendConfig `mapstructure:"backends"`
	Generation LLMGenerationConfig         `mapstructure:"generation"`
	Prompt     LLMPromptConfig             `mapstructure:"prompt"`
}

// LLMBackendConfig 描述一个生成后端（OpenAI 兼容接口）。
type LLMBackendConfig struct {
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	DisplayName    string `mapstructure:"display_name"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置系统提示与上下文包裹格式（可选）。
type LLMPromptConfig struct {
	Rules        string `mapstructure:"rules"`
	RefStart     string `mapstructure:"ref_start"`
	RefEnd       string `mapstructure:"ref_end"`
	NoResultText string `mapstructure:"no_result_text"`
}

// ChatConfig 存储请求编排相关的参数。
type ChatConfig struct {
	MaxMessageLength        int    `mapstructure:"max_message_length"`
	MaxHistoryTurns         int    `mapstructure:"max_history_turns"`
	MaxDocuments            int    `mapstructure:"max_documents"`
	DefaultDocument         string `mapstructure:"default_document"`
	DefaultBackend          string `mapstructure:"default_backend"`
	FallbackChunkLimit      int    `mapstructure:"fallback_chunk_limit"`
	MaxTurnsPerSession      int    `mapstructure:"max_turns_per_session"`
	RetrievalTimeoutSeconds int    `mapstructure:"retrieval_timeout_seconds"`
	LoggingTimeoutSeconds   int    `mapstructure:"logging_timeout_seconds"`
}

// RateLimitConfig 存储按会话限流的参数。
type RateLimitConfig struct {
	BurstLimit          int `mapstructure:"burst_limit"`
	BurstWindowSeconds  int `mapstructure:"burst_window_seconds"`
	SustainedLimit      int `mapstructure:"sustained_limit"`
	SustainedWindowSecs int `mapstructure:"sustained_window_seconds"`
	SweepIntervalSecs   int `mapstructure:"sweep_interval_seconds"`
	InactivitySecs      int `mapstructure:"inactivity_seconds"`
}

// ModerationConfig 配置入站消息的屏蔽规则。
type ModerationConfig struct {
	Rules []ModerationRule `mapstructure:"rules"`
}

// ModerationRule 是一条带原因的正则规则。
type ModerationRule struct {
	Pattern string `mapstructure:"pattern"`
	Reason  string `mapstructure:"reason"`
}

// ShareConfig 配置分享令牌。
type ShareConfig struct {
	TokenBytes  int `mapstructure:"token_bytes"`
	MaxAttempts int `mapstructure:"max_attempts"`
}

// Seconds 把以秒为单位的配置值转为 time.Duration，非正数时使用默认值。
func Seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.topic", "conversation-logged")
	v.SetDefault("kafka.group_id", "ragchat-usage-consumer")
	v.SetDefault("elasticsearch.remote_index", "chunks_remote_1536")
	v.SetDefault("elasticsearch.local_index", "chunks_local_384")
	v.SetDefault("elasticsearch.vector_weight", 0.7)
	v.SetDefault("elasticsearch.lexical_weight", 0.3)
	v.SetDefault("minio.bucket_name", "conversation-archive")
	v.SetDefault("embedding.remote.model", "text-embedding-3-small")
	v.SetDefault("embedding.remote.dimensions", 1536)
	v.SetDefault("embedding.remote.timeout_seconds", 10)
	v.SetDefault("embedding.local.model", "all-MiniLM-L6-v2")
	v.SetDefault("embedding.local.dimensions", 384)
	v.SetDefault("embedding.local.timeout_seconds", 10)
	v.SetDefault("embedding_cache.capacity", 2048)
	v.SetDefault("embedding_cache.redis_ttl_minutes", 0)
	v.SetDefault("embedding_cache.compute_timeout_seconds", 30)
	v.SetDefault("chat.max_message_length", 1500)
	v.SetDefault("chat.max_history_turns", 20)
	v.SetDefault("chat.max_documents", 5)
	v.SetDefault("chat.default_document", "handbook")
	v.SetDefault("chat.default_backend", "general")
	v.SetDefault("chat.fallback_chunk_limit", 50)
	v.SetDefault("chat.max_turns_per_session", 50)
	v.SetDefault("chat.retrieval_timeout_seconds", 15)
	v.SetDefault("chat.logging_timeout_seconds", 10)
	v.SetDefault("rate_limit.burst_limit", 3)
	v.SetDefault("rate_limit.burst_window_seconds", 10)
	v.SetDefault("rate_limit.sustained_limit", 10)
	v.SetDefault("rate_limit.sustained_window_seconds", 60)
	v.SetDefault("rate_limit.sweep_interval_seconds", 300)
	v.SetDefault("rate_limit.inactivity_seconds", 300)
	v.SetDefault("share.token_bytes", 32)
	v.SetDefault("share.max_attempts", 3)
}

// Load 从指定路径读取 YAML 配置，环境变量（RAGCHAT_ 前缀）可以覆盖同名键。
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("RAGCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return cfg, nil
}

// Init 初始化配置加载，并解析到全局 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
