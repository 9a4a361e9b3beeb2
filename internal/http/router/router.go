package router

import (
	"github.com/gin-gonic/gin"

	"github.com/mkazarin/homefix-backend/internal/config"
	"github.com/mkazarin/homefix-backend/internal/http/handlers"
	"github.com/mkazarin/homefix-backend/internal/http/middleware"
	"github.com/mkazarin/homefix-backend/internal/models"
	"github.com/mkazarin/homefix-backend/internal/service"
)

// SetupRouter собирает все маршруты приложения.
func SetupRouter(
	cfg *config.Config,
	authHandler *handlers.AuthHandler,
	jobHandler *handlers.JobHandler,
	escrowHandler *handlers.EscrowHandler,
	disputeHandler *handlers.DisputeHandler,
	webhookHandler *handlers.WebhookHandler,
	notificationHandler *handlers.NotificationHandler,
	wsHandler *handlers.WSHandler,
	healthHandler *handlers.HealthHandler,
	tokenManager *service.TokenManager,
) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	r.GET("/health", healthHandler.Health)

	api := r.Group("/api")

	// Вебхуки провайдера: аутентификация по HMAC-подписи, не по JWT.
	api.POST("/webhooks/payments", webhookHandler.Handle)

	authGroup := api.Group("/auth")
	authGroup.Use(middleware.RateLimitMiddleware(5, cfg.RateLimitPeriod))
	{
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/refresh", authHandler.Refresh)
		authGroup.POST("/logout", authHandler.Logout)
	}

	// Публичные маршруты
	api.GET("/jobs", jobHandler.List)
	api.GET("/jobs/:id", middleware.UUIDValidator("id"), jobHandler.Get)
	api.GET("/ws", wsHandler.Handle)

	// Защищённые маршруты
	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(tokenManager))
	{
		protected.GET("/auth/me", authHandler.Me)

		protected.POST("/jobs", jobHandler.Create)
		protected.GET("/jobs/my", jobHandler.ListMine)
		protected.POST("/jobs/:id/publish", middleware.UUIDValidator("id"), jobHandler.Publish)
		protected.POST("/jobs/:id/cancel", middleware.UUIDValidator("id"), jobHandler.Cancel)
		protected.POST("/jobs/:id/submit-work", middleware.UUIDValidator("id"), jobHandler.SubmitWork)
		protected.POST("/jobs/:id/complete", middleware.UUIDValidator("id"), jobHandler.Complete)
		protected.POST("/jobs/:id/archive", middleware.UUIDValidator("id"), jobHandler.Archive)
		protected.GET("/jobs/:id/history", middleware.UUIDValidator("id"), jobHandler.History)

		protected.POST("/jobs/:id/bids", middleware.UUIDValidator("id"), jobHandler.PlaceBid)
		protected.GET("/jobs/:id/bids", middleware.UUIDValidator("id"), jobHandler.ListBids)
		protected.POST("/jobs/:id/bids/:bidId/accept",
			middleware.UUIDValidator("id"), middleware.UUIDValidator("bidId"), jobHandler.AcceptBid)
		protected.GET("/bids/my", jobHandler.ListMyBids)
		protected.POST("/bids/:id/withdraw", middleware.UUIDValidator("id"), jobHandler.WithdrawBid)

		protected.GET("/jobs/:id/escrow", middleware.UUIDValidator("id"), escrowHandler.Get)
		protected.POST("/jobs/:id/escrow/release", middleware.UUIDValidator("id"), escrowHandler.Release)

		protected.POST("/jobs/:id/disputes", middleware.UUIDValidator("id"), disputeHandler.Raise)
		protected.GET("/disputes/:id", middleware.UUIDValidator("id"), disputeHandler.Get)

		protected.GET("/notifications", notificationHandler.List)
		protected.GET("/notifications/unread-count", notificationHandler.CountUnread)
		protected.POST("/notifications/read-all", notificationHandler.MarkAllRead)
		protected.POST("/notifications/:id/read", middleware.UUIDValidator("id"), notificationHandler.MarkRead)
	}

	// Админские маршруты: арбитраж и ручной разбор escrow.
	admin := api.Group("/admin")
	admin.Use(middleware.AuthMiddleware(tokenManager), middleware.RequireRole(models.RoleAdmin))
	{
		admin.GET("/disputes", disputeHandler.ListOpen)
		admin.POST("/disputes/:id/resolve", middleware.UUIDValidator("id"), disputeHandler.Resolve)

		admin.GET("/escrow/failed", escrowHandler.ListFailed)
		admin.POST("/escrow/:id/release", middleware.UUIDValidator("id"), escrowHandler.AdminRelease)
		admin.POST("/escrow/:id/refund", middleware.UUIDValidator("id"), escrowHandler.AdminRefund)
	}

	return r
}
