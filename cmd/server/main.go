// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"ragchat-go/internal/config"
	"ragchat-go/internal/handler"
	"ragchat-go/internal/middleware"
	"ragchat-go/internal/pipeline"
	"ragchat-go/internal/repository"
	"ragchat-go/internal/service"
	"ragchat-go/pkg/database"
	"ragchat-go/pkg/embedding"
	"ragchat-go/pkg/es"
	"ragchat-go/pkg/kafka"
	"ragchat-go/pkg/log"
	"ragchat-go/pkg/storage"
	"ragchat-go/pkg/token"
)

func main() {
	configPath := pflag.StringP("config", "c", "./configs/config.yaml", "配置文件路径")
	pflag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	rootCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// 3. 初始化数据库、Redis 与 Elasticsearch
	db, err := database.InitMySQL(cfg.Database.MySQL.DSN)
	if err != nil {
		log.Fatal("MySQL 初始化失败", err)
	}
	if cfg.Database.MySQL.AutoMigrate {
		if err := database.AutoMigrate(db); err != nil {
			log.Fatal("数据表迁移失败", err)
		}
	}
	rdb, err := database.InitRedis(rootCtx, cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	if err != nil {
		log.Fatal("Redis 初始化失败", err)
	}
	esClient, err := es.InitES(rootCtx, cfg.Elasticsearch, cfg.Embedding)
	if err != nil {
		log.Fatal("Elasticsearch 初始化失败", err)
	}

	// 4. 可选组件：Kafka 事件与 MinIO 归档
	var publisher service.EventPublisher
	var producer *kafka.Producer
	if cfg.Kafka.Brokers != "" {
		producer = kafka.NewProducer(cfg.Kafka)
		publisher = producer
	} else {
		log.Warnf("未配置 Kafka，对话事件不会投递")
	}
	var archiver service.RecordArchiver
	if cfg.MinIO.Endpoint != "" {
		a, err := storage.InitMinIO(rootCtx, cfg.MinIO)
		if err != nil {
			log.Fatal("MinIO 初始化失败", err)
		}
		archiver = a
	}

	// 5. 初始化 Repository
	userRepo := repository.NewUserRepository(db)
	ownerRepo := repository.NewOwnerRepository(db)
	documentRepo := repository.NewDocumentRepository(db)
	conversationRepo := repository.NewConversationRepository(db)
	usageRepo := repository.NewUsageRepository(rdb)

	// 6. 初始化 Service
	userService := service.NewUserService(userRepo)
	accessService := service.NewAccessService(documentRepo)
	ownerService := service.NewOwnerService(ownerRepo, cfg.Chat.FallbackChunkLimit)
	moderationGate, err := service.NewModerationGate(cfg.Moderation.Rules)
	if err != nil {
		log.Fatal("审核规则无效", err)
	}
	rateLimiter := service.NewRateLimiter(cfg.RateLimit)
	go rateLimiter.Run(rootCtx)

	cacheOpts := []embedding.CacheOption{
		embedding.WithDimensions(embedding.SpaceRemote, cfg.Embedding.Remote.Dimensions),
		embedding.WithDimensions(embedding.SpaceLocal, cfg.Embedding.Local.Dimensions),
		embedding.WithComputeTimeout(config.Seconds(cfg.EmbeddingCache.ComputeTimeoutSeconds, 30*time.Second)),
	}
	if cfg.EmbeddingCache.RedisTTLMinutes > 0 {
		cacheOpts = append(cacheOpts, embedding.WithRedis(rdb, time.Duration(cfg.EmbeddingCache.RedisTTLMinutes)*time.Minute))
	}
	embeddingCache := embedding.NewCache(cfg.EmbeddingCache.Capacity, cacheOpts...)
	embedders := map[embedding.Space]embedding.Client{
		embedding.SpaceRemote: embedding.NewClient(cfg.Embedding.Remote),
		embedding.SpaceLocal:  embedding.NewClient(cfg.Embedding.Local),
	}

	conversationService := service.NewConversationService(conversationRepo, documentRepo, accessService, publisher, archiver, cfg.Share)
	adminService := service.NewAdminService(conversationService, usageRepo)
	chatService := service.NewChatService(service.ChatDeps{
		RateLimiter:   rateLimiter,
		Moderation:    moderationGate,
		Documents:     documentRepo,
		Access:        accessService,
		Owners:        ownerService,
		Cache:         embeddingCache,
		Embedders:     embedders,
		Retrieval:     service.NewRetrievalGateway(esClient, cfg.Elasticsearch),
		Generation:    service.NewGenerationDispatcher(cfg.LLM),
		Conversations: conversationService,
	}, cfg.Chat)

	// 7. 启动 Kafka 消费者，累加文档与所有者的使用统计
	if cfg.Kafka.Brokers != "" {
		go kafka.StartConsumer(rootCtx, cfg.Kafka, pipeline.NewProcessor(usageRepo), rdb)
	}

	// 8. 设置 Gin 路由
	gin.SetMode(cfg.Server.Mode)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, 0)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger())

	apiV1 := r.Group("/api/v1")
	{
		chatHandler := handler.NewChatHandler(chatService)
		conversationHandler := handler.NewConversationHandler(conversationService)

		public := apiV1.Group("")
		public.Use(middleware.OptionalAuth(jwtManager, userService))
		{
			public.POST("/chat", chatHandler.Chat)
			public.POST("/chat/stream", chatHandler.Stream)
			public.GET("/chat/ws", chatHandler.HandleWS)
			public.POST("/conversations/:id/share", conversationHandler.Share)
			public.GET("/share/:token", conversationHandler.View)
		}

		admin := apiV1.Group("/admin")
		admin.Use(middleware.AuthMiddleware(jwtManager, userService), middleware.AdminAuthMiddleware())
		{
			adminHandler := handler.NewAdminHandler(adminService)
			admin.GET("/conversations/:id/moderation", adminHandler.ModerationStatus)
			admin.GET("/documents/:slug/usage", adminHandler.DocumentUsage)
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 等待尚未写完的对话日志及其事件投递与归档，再停止后台任务
	chatService.Wait()
	stopBackground()
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Warnf("Kafka 生产者关闭失败: %v", err)
		}
	}
	log.Info("服务已优雅关闭")
}
