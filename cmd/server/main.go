package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mkazarin/homefix-backend/internal/config"
	"github.com/mkazarin/homefix-backend/internal/db"
	httpHandlers "github.com/mkazarin/homefix-backend/internal/http/handlers"
	httpRouter "github.com/mkazarin/homefix-backend/internal/http/router"
	"github.com/mkazarin/homefix-backend/internal/logger"
	"github.com/mkazarin/homefix-backend/internal/payments"
	"github.com/mkazarin/homefix-backend/internal/repository"
	"github.com/mkazarin/homefix-backend/internal/service"
	"github.com/mkazarin/homefix-backend/internal/sweeper"
	"github.com/mkazarin/homefix-backend/internal/ws"
)

func main() {
	// Готовим контекст для graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: ошибка загрузки конфигурации: %v", err)
	}

	// Инициализация логгера
	logLevel := "info"
	if cfg.Env == "development" {
		logLevel = "debug"
		logger.Init(logLevel)
		logger.SetTextFormatter()
	} else {
		logger.Init(logLevel)
	}

	// Подключение к базе и миграции.
	dbConn, err := db.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("main: ошибка подключения к базе: %v", err)
	}
	defer safeClose(dbConn)

	if err := db.RunMigrations(ctx, dbConn, cfg.MigrationsPath); err != nil {
		log.Fatalf("main: ошибка миграций: %v", err)
	}

	// Вспомогательные сервисы.
	tokenManager := service.NewTokenManager(cfg.JWTSecret, cfg.RefreshSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	gateway := payments.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout)

	// Репозитории.
	userRepo := repository.NewUserRepository(dbConn)
	jobRepo := repository.NewJobRepository(dbConn)
	bidRepo := repository.NewBidRepository(dbConn)
	auditRepo := repository.NewAuditRepository(dbConn)
	escrowRepo := repository.NewEscrowRepository(dbConn)
	disputeRepo := repository.NewDisputeRepository(dbConn)
	webhookRepo := repository.NewWebhookRepository(dbConn)
	notificationRepo := repository.NewNotificationRepository(dbConn)

	// Вебсокеты: hub доставляет уведомления и сохраняет их через адаптер.
	hub := ws.NewHub(ctx)

	// Сервисы.
	authService := service.NewAuthService(userRepo, tokenManager)
	notificationService := service.NewNotificationService(notificationRepo)
	hub.SetNotificationSaver(ws.NewNotificationServiceAdapter(notificationService))
	go hub.Run()

	escrowService := service.NewEscrowService(escrowRepo, jobRepo, disputeRepo, gateway, hub, cfg.RetryMaxAttempts, cfg.RetryBaseDelay)
	jobService := service.NewJobService(jobRepo, bidRepo, auditRepo, escrowService, hub)
	disputeService := service.NewDisputeService(disputeRepo, jobRepo, escrowService, hub)
	webhookService := service.NewWebhookService(cfg.WebhookSecret, webhookRepo, escrowService)

	// Фоновая сверка: добивает зависшие транзакции и закрывает просроченные заявки.
	sweep := sweeper.New(escrowService, escrowRepo, jobRepo, webhookRepo, gateway, cfg.SweepInterval, cfg.SweepStuckDiff, cfg.ReleaseWindow)
	sweep.Run(ctx)

	// HTTP хэндлеры.
	authHandler := httpHandlers.NewAuthHandler(authService)
	jobHandler := httpHandlers.NewJobHandler(jobService)
	escrowHandler := httpHandlers.NewEscrowHandler(escrowService)
	disputeHandler := httpHandlers.NewDisputeHandler(disputeService)
	webhookHandler := httpHandlers.NewWebhookHandler(webhookService)
	notificationHandler := httpHandlers.NewNotificationHandler(notificationService)
	wsHandler := httpHandlers.NewWSHandler(hub, tokenManager)
	healthHandler := httpHandlers.NewHealthHandler(dbConn)

	// Роутер.
	engine := httpRouter.SetupRouter(cfg, authHandler, jobHandler, escrowHandler, disputeHandler, webhookHandler, notificationHandler, wsHandler, healthHandler, tokenManager)

	server := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: engine,
	}

	// Завершаем сервер при получении сигнала.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("main: ошибка остановки http сервера: %v", err)
		}
	}()

	log.Printf("main: HTTP сервер запущен на порту %s", cfg.HTTPPort)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("main: сервер завершился с ошибкой: %v", err)
	}
}

// safeClose закрывает соединение с базой.
func safeClose(db *sqlx.DB) {
	if err := db.Close(); err != nil {
		log.Printf("main: ошибка закрытия базы: %v", err)
	}
}
