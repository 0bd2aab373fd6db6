package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignatzorin/agripay-backend/internal/config"
	"github.com/ignatzorin/agripay-backend/internal/http/handlers"
	"github.com/ignatzorin/agripay-backend/internal/http/middleware"
	"github.com/ignatzorin/agripay-backend/internal/storage"
)

// Handlers набор HTTP хэндлеров приложения.
type Handlers struct {
	Health   *handlers.HealthHandler
	Wallets  *handlers.WalletHandler
	Reserves *handlers.ReserveHandler
	Disputes *handlers.DisputeHandler
	WS       *handlers.WSHandler
}

func SetupRouter(cfg *config.Config, h Handlers, tokens middleware.AccessParser) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	r.GET("/health", h.Health.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := middleware.AuthMiddleware(tokens)

	// Файлы доказательств отдаются только аутентифицированным пользователям
	if cfg.EvidenceStoragePath != "" {
		r.Group(storage.PublicPrefix, auth).StaticFS("/", http.Dir(cfg.EvidenceStoragePath))
	}

	api := r.Group("/api")
	api.Use(auth)

	if h.WS != nil {
		api.GET("/ws", h.WS.Handle)
	}

	// Денежные операции ограничиваем по пользователю
	moneyLimit := middleware.RateLimitMiddleware(cfg.RateLimitLimit, cfg.RateLimitPeriod)

	wallets := api.Group("/wallets")
	{
		wallets.POST("", h.Wallets.CreateWallet)
		wallets.GET("/me", h.Wallets.GetMyWallet)
		wallets.GET("/:id", middleware.UUIDValidator("id"), h.Wallets.GetWallet)
		wallets.GET("/:id/balance", middleware.UUIDValidator("id"), h.Wallets.GetBalance)
		wallets.GET("/:id/transactions", middleware.UUIDValidator("id"), h.Wallets.ListTransactions)
		wallets.GET("/:id/reserves", middleware.UUIDValidator("id"), h.Wallets.ListReserves)
		wallets.GET("/:id/reconcile", middleware.UUIDValidator("id"), h.Wallets.Reconcile)
		wallets.PUT("/:id/pin", middleware.UUIDValidator("id"), moneyLimit, h.Wallets.SetPIN)
		wallets.PATCH("/:id/status", middleware.UUIDValidator("id"), h.Wallets.UpdateStatus)

		wallets.POST("/:id/deposit", middleware.UUIDValidator("id"), moneyLimit, h.Wallets.Deposit)
		wallets.POST("/:id/withdraw", middleware.UUIDValidator("id"), moneyLimit, h.Wallets.Withdraw)
		wallets.POST("/:id/transfer", middleware.UUIDValidator("id"), moneyLimit, h.Wallets.Transfer)
	}

	reserves := api.Group("/reserves")
	{
		reserves.POST("", moneyLimit, h.Reserves.Hold)
		reserves.GET("/:orderId", middleware.UUIDValidator("orderId"), h.Reserves.GetReserve)
		reserves.POST("/:orderId/release", middleware.UUIDValidator("orderId"), h.Reserves.Release)
		reserves.POST("/:orderId/refund", middleware.UUIDValidator("orderId"), h.Reserves.Refund)
		reserves.POST("/:orderId/split", middleware.UUIDValidator("orderId"), h.Reserves.Split)
	}

	disputes := api.Group("/disputes")
	{
		disputes.POST("", h.Disputes.Raise)
		disputes.GET("", h.Disputes.List)
		disputes.GET("/:id", middleware.UUIDValidator("id"), h.Disputes.Get)
		disputes.POST("/:id/evidence", middleware.UUIDValidator("id"), h.Disputes.AddEvidence)
		disputes.POST("/:id/evidence/upload", middleware.UUIDValidator("id"), h.Disputes.UploadEvidence)
		disputes.POST("/:id/analyze", middleware.UUIDValidator("id"), h.Disputes.TriggerAnalysis)
		disputes.POST("/:id/resolve", middleware.UUIDValidator("id"), h.Disputes.Resolve)
		disputes.POST("/:id/escalate", middleware.UUIDValidator("id"), h.Disputes.Escalate)
		disputes.POST("/:id/close", middleware.UUIDValidator("id"), h.Disputes.Close)
	}

	return r
}
