package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lexaid/lexaid/internal/api"
	"github.com/lexaid/lexaid/internal/auth"
	"github.com/lexaid/lexaid/internal/chat"
	"github.com/lexaid/lexaid/internal/config"
	"github.com/lexaid/lexaid/internal/db"
	"github.com/lexaid/lexaid/internal/logging"
	"github.com/lexaid/lexaid/internal/mail"
	"github.com/lexaid/lexaid/internal/reminder"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("config: no .env file loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: failed to load: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("logger: failed to build: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx := context.Background()

	postgres, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		sugar.Fatalw("postgres: failed to connect", "error", err)
	}
	defer postgres.Close()

	if err := postgres.Ping(ctx); err != nil {
		sugar.Fatalw("postgres: ping failed", "error", err)
	}
	if err := postgres.EnsureSchema(ctx); err != nil {
		sugar.Fatalw("postgres: ensure schema", "error", err)
	}

	mongoStore, err := db.NewMongo(ctx, cfg.Mongo)
	if err != nil {
		sugar.Fatalw("mongo: failed to connect", "error", err)
	}
	defer func() {
		if err := mongoStore.Close(context.Background()); err != nil {
			sugar.Warnw("mongo: close error", "error", err)
		}
	}()

	if err := mongoStore.EnsureCollections(ctx); err != nil {
		sugar.Fatalw("mongo: ensure collections", "error", err)
	}

	redisClient, err := db.NewRedisClient(ctx, cfg.Redis.Addr)
	if err != nil {
		sugar.Fatalw("redis: failed to connect", "error", err)
	}
	defer redisClient.Close()

	userStore := auth.NewPostgresUserStore(postgres.Pool)
	authService, err := auth.NewService(cfg.JWTSecret, 24*time.Hour, userStore)
	if err != nil {
		sugar.Fatalw("failed to initialise auth service", "error", err)
	}

	mailer, err := mail.NewMailer(cfg.SMTP)
	if err != nil {
		sugar.Fatalw("failed to initialise mailer", "error", err)
	}

	eventStore := reminder.NewPostgresEventStore(postgres.Pool)
	scanner := reminder.NewScanner(
		eventStore,
		authService,
		mailer,
		cfg.Reminder.Horizon,
		cfg.Reminder.ClaimLease,
		sugar.Named("reminder"),
	)

	sessions := chat.NewRedisSessionStore(redisClient, cfg.Redis.SessionTTL)
	hub := chat.NewHub(func(ctx context.Context, userID string) (*chat.Client, error) {
		return chat.NewClient(ctx, chat.ClientConfig{
			BaseURL:      cfg.Inference.BaseURL,
			APIKey:       cfg.Inference.APIKey,
			ShareBaseURL: cfg.Inference.ShareBaseURL,
			UserID:       userID,
			Sessions:     sessions,
			Archive:      mongoStore,
			Logger:       sugar.Named("chat"),
			Timeout:      cfg.Inference.Timeout,
		})
	})

	router := setupRouter(authService, hub, mongoStore, eventStore, scanner, cfg.Reminder.TriggerToken, sugar)

	var scheduler *cron.Cron
	if cfg.Reminder.Schedule != "" {
		scheduler = cron.New()
		_, err := scheduler.AddFunc(cfg.Reminder.Schedule, func() {
			runCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			notified, err := scanner.Run(runCtx)
			if err != nil {
				sugar.Errorw("reminder run failed", "notified", notified, "error", err)
				return
			}
			sugar.Infow("reminder run complete", "notified", notified)
		})
		if err != nil {
			sugar.Fatalw("invalid reminder schedule", "schedule", cfg.Reminder.Schedule, "error", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming responses stay open past any fixed deadline
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sugar.Infow("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("server crashed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("graceful shutdown failed", "error", err)
	}

	sugar.Info("server stopped cleanly")
}

func setupRouter(
	authService *auth.Service,
	hub *chat.Hub,
	mongoStore *db.Mongo,
	eventStore *reminder.PostgresEventStore,
	scanner *reminder.Scanner,
	triggerToken string,
	sugar *zap.SugaredLogger,
) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	api.NewHandler(authService, hub, mongoStore, eventStore, scanner, triggerToken, sugar.Named("api")).RegisterRoutes(router)

	return router
}
