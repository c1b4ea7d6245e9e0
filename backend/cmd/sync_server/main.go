package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"syncServer/backend/config"
	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/httpapi/middleware"
	"syncServer/backend/internal/store"
	"syncServer/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// === 初始化 Kafka Producer ===
	// 多实例部署的硬性前提：共享状态全在 redis，广播通过事件流扇出。
	// 单实例起不来 kafka 时引擎照常工作（dispatcher 为 nil）。
	var dispatcher *collab.KafkaDispatcher
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Printf("kafka unavailable, doc events disabled: %v", err)
	} else {
		defer producer.Close()
		dispatcher = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
	}

	documentCache := cache.NewRedisDocuments(rdb)
	presenceCache := cache.NewRedisPresence(rdb)
	documentStore := store.NewDocumentStore(db)
	collaboratorStore := store.NewCollaboratorStore(db)

	snapshotTTL := time.Duration(cfg.Sync.SnapshotTTLSeconds) * time.Second
	svc := collab.NewSyncService(documentCache, documentStore, collaboratorStore, dispatcher, snapshotTTL)

	// 周期性落库
	flushInterval := time.Duration(cfg.Sync.FlushIntervalSeconds) * time.Second
	reconciler := collab.NewReconciler(svc, documentCache, flushInterval)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reconciler.Run(ctx)

	hub := ws.NewHub(presenceCache)
	manager := ws.NewManager(hub, svc, collab.NewSemaphoreControl())

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	sync := r.Group("/sync")
	sync.Use(middleware.AuthMiddleware(cfg.Auth.JWTSecret))
	sync.GET("/ws", manager.WebSocketConnect)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	_ = r.Run(fmt.Sprintf(":%d", cfg.Running.Port))
}
