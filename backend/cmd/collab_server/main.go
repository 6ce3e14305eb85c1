package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"docsync/backend/config"
	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/httpapi/handlers"
	"docsync/backend/internal/httpapi/middleware"
	"docsync/backend/internal/logging"
	"docsync/backend/internal/ot"
	"docsync/backend/internal/suggest"
	"docsync/backend/internal/ws"
)

func authMiddleware(cfg *config.Config, logger *zap.Logger) gin.HandlerFunc {
	switch cfg.Auth.Mode {
	case "remote":
		// 从 Authorization 或 ?token= 提取 token，调用 /v1/auth/verify，并写入 userId/username
		return middleware.AuthMiddleware(cfg.Auth.Path, logger)
	case "jwt":
		return middleware.JWTMiddleware(cfg.Auth.Secret)
	}
	return middleware.Anonymous()
}

func newKafkaDispatcher(cfg *config.Config, logger *zap.Logger) (*collab.KafkaDispatcher, sarama.SyncProducer, error) {
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect kafka: %w", err)
	}
	d := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(0),
		collab.KafkaDispatcherOptions{
			QueueSize:   cfg.Kafka.Queue,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		}, logger)
	return d, producer, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.ShowCaller)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tieBreak, err := ot.ParseTieBreak(cfg.Session.TieBreak)
	if err != nil {
		logger.Fatal("invalid session.tiebreak", zap.Error(err))
	}

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open storage failed", zap.Error(err))
	}
	defer b.Close(logger)

	var presence cache.PresenceCache
	if b.rdb != nil {
		presence = cache.NewRedisPresence(b.rdb)
	}
	hub := ws.NewHub(presence, logger.Named("hub"))

	var gateway collab.Broadcaster = hub
	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		d, producer, err := newKafkaDispatcher(cfg, logger.Named("kafka"))
		if err != nil {
			logger.Fatal("init kafka failed", zap.Error(err))
		}
		defer producer.Close()
		dispatcher = d
		gateway = collab.Fanout{hub, dispatcher}
	}

	coord := collab.NewCoordinator(b.log, b.snapshots, gateway, collab.Options{
		GracePeriod:        cfg.Session.GracePeriod,
		CheckpointInterval: cfg.Session.CheckpointInterval,
		RetainOps:          cfg.Session.RetainOps,
		TieBreak:           tieBreak,
	}, logger.Named("collab"))
	go coord.Checkpoints().Run(ctx)

	var client suggest.Client
	if cfg.Suggest.APIKey != "" {
		client = suggest.NewGeminiClient(&http.Client{}, cfg.Suggest.Endpoint, cfg.Suggest.Model, cfg.Suggest.APIKey).
			WithFallbackModel(cfg.Suggest.FallbackModel)
	} else {
		logger.Info("suggestions disabled: no api key")
	}
	suggestions := suggest.NewService(client, cfg.Suggest.Timeout, logger.Named("suggest"))

	var origins []string
	if cfg.Cors.Enabled {
		origins = cfg.Cors.Origins
	}
	manager := ws.NewManager(hub, coord, collab.NewSemaphoreControl(cfg.Session.MaxInflight), suggestions, origins, logger.Named("ws"))

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if cfg.Cors.Enabled {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.Cors.Origins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	group := r.Group("/collab")
	group.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	authed := group.Group("")
	authed.Use(authMiddleware(cfg, logger.Named("auth")))
	authed.GET("/ws", manager.WebSocketConnect)
	handlers.NewDocuments(coord).Register(authed)
	handlers.NewPresence(presence, coord).Register(authed)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: r}
	go func() {
		logger.Info("collab server listening", zap.String("addr", srv.Addr), zap.String("tieBreak", string(tieBreak)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	// Shutdown 不管已劫持的 websocket 连接，先断开它们再停协调器
	hub.CloseAll(shutdownCtx)
	// 最终快照要在关闭存储之前完成
	if err := coord.Close(shutdownCtx); err != nil {
		logger.Error("final checkpoints failed", zap.Error(err))
	}
	// 协调器关闭后不会再有事件入队
	if dispatcher != nil {
		dispatcher.Close()
	}
}
