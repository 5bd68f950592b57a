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

	"chat_relay/internal/api"
	"chat_relay/internal/auth"
	"chat_relay/internal/broker"
	"chat_relay/internal/config"
	"chat_relay/internal/delivery"
	"chat_relay/internal/logger"
	"chat_relay/internal/presence"
	"chat_relay/internal/push"
	"chat_relay/internal/repository"
	"chat_relay/internal/ws"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/cors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	// 1. Configuration
	if err := godotenv.Load(); err != nil {
		log.Printf(".env file not found, using environment: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	zlog, err := logger.New(cfg.IsProduction(), cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zlog); err != nil {
		zlog.Fatal("Server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, zlog *zap.Logger) error {
	nodeID := uuid.New().String()
	zlog = zlog.With(zap.String("node_id", nodeID))

	// 2. Message store and session tracking
	store, tracker, closeStore, err := openStore(ctx, cfg, zlog)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Offline push
	var notifier delivery.Notifier
	if cfg.AMQPURL != "" {
		mqClient, err := broker.NewRabbitMQClient(cfg.AMQPURL)
		if err != nil {
			return err
		}
		defer mqClient.Close()
		notifier = mqClient

		msgs, err := mqClient.ConsumePushQueue()
		if err != nil {
			return err
		}
		go push.NewWorker(nil, zlog.Named("push")).Run(ctx, msgs)
	} else {
		zlog.Info("AMQP_URL not set, offline push disabled")
	}

	// 4. Token verification
	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		return err
	}

	// 5. Registry
	coordinator := delivery.NewCoordinator(store, notifier, zlog.Named("delivery"))
	var sessions ws.SessionTracker
	if tracker != nil {
		sessions = tracker
	}
	hub := ws.NewHub(coordinator, sessions, nodeID, zlog.Named("registry"))
	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	// 6. HTTP
	sessionCfg := ws.SessionConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		ClientTimeout:     cfg.ClientTimeout,
		WriteWait:         cfg.WriteWait,
		MaxMessageSize:    cfg.MaxMessageBytes,
		OutboundBuffer:    cfg.OutboundBuffer,
	}
	wsHandler := ws.NewHandler(hub, verifier, sessionCfg, cfg.AllowedOrigins, zlog.Named("session"))
	router := api.New(store, hub, verifier, wsHandler, zlog.Named("api")).SetupRouter()

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		MaxAge:           300,
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           c.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info("Server starting", zap.String("addr", server.Addr), zap.String("env", cfg.Env), zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		zlog.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown; they end when the
	// registry stops and the process exits.
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	<-hubDone

	if tracker != nil {
		if err := tracker.ClearNode(shutdownCtx, nodeID); err != nil {
			zlog.Warn("Failed to clear sessions", zap.Error(err))
		}
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, zlog *zap.Logger) (repository.MessageStore, *presence.PostgresRepository, func(), error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DBConnStr)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		store := repository.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		tracker := presence.NewPostgresRepository(db)
		if err := tracker.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		return store, tracker, func() { db.Close() }, nil

	case config.StoreMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		disconnect := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(dctx); err != nil {
				zlog.Warn("Failed to disconnect from mongo", zap.Error(err))
			}
		}
		if err := client.Ping(ctx, nil); err != nil {
			disconnect()
			return nil, nil, nil, fmt.Errorf("failed to ping mongo: %w", err)
		}
		store := repository.NewMongoStore(client, cfg.MongoDatabase)
		if err := store.EnsureIndexes(ctx); err != nil {
			disconnect()
			return nil, nil, nil, err
		}
		return store, nil, disconnect, nil

	default:
		zlog.Warn("Using in-memory message store; messages are lost on restart")
		return repository.NewMemoryStore(), nil, func() {}, nil
	}
}

func newVerifier(ctx context.Context, cfg config.Config) (*auth.Verifier, error) {
	if cfg.JWKSetURI == "" {
		return auth.NewHMACVerifier([]byte(cfg.JWTSecret)), nil
	}
	return auth.NewJWKSVerifier(ctx, cfg.JWKSetURI)
}
