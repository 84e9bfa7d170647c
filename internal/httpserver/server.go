package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pelajarin/billing/pkg/billing"
)

// Server is the HTTP façade over the billing services.
type Server struct {
	cfg        Config
	logger     *zap.Logger
	ledger     *billing.Ledger
	purchases  *billing.PurchaseService
	reconciler *billing.Reconciler
	metrics    *metrics
	router     *gin.Engine
}

// New wires the router over the supplied services.
func New(cfg Config, logger *zap.Logger, ledger *billing.Ledger, purchases *billing.PurchaseService, reconciler *billing.Reconciler) *Server {
	server := &Server{
		cfg:        cfg,
		logger:     logger,
		ledger:     ledger,
		purchases:  purchases,
		reconciler: reconciler,
		metrics:    newMetrics(),
	}
	server.router = server.setupRouter()
	return server
}

// Handler exposes the router for tests.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("billing api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.cfg.shutdownTimeout())
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(server.metrics.handler()))

	webhooks := router.Group("/webhooks")
	webhooks.POST("/midtrans/notification", server.handleMidtransNotification)
	webhooks.POST("/xendit/invoice", server.handleXenditInvoice)

	api := router.Group("/api")
	api.GET("/plans", server.handleListPlans)

	authed := api.Group("")
	authed.Use(authMiddleware(server.cfg.JWTSigningKey))
	authed.GET("/credits/balance", server.handleBalance)
	authed.GET("/credits/history", server.handleHistory)
	authed.POST("/credits/deduct", server.handleDeduct)
	authed.POST("/credits/purchase", server.handlePurchase)
	authed.POST("/purchases/:id/evidence", server.handleManualEvidence)

	admin := authed.Group("/admin")
	admin.Use(adminRequired())
	admin.POST("/credits/bonus", server.handleAdminBonus)
	admin.POST("/purchases/:id/approve", server.handleAdminApprove)

	return router
}
