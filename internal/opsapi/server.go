// Package opsapi serves the operator-facing HTTP surface: health, metrics,
// ledger consistency, balances and manual reconciliation triggers.
package opsapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/satledger/internal/adminwallet"
	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Ledger is the read side of the ledger engine.
type Ledger interface {
	CheckGlobalBalance(ctx context.Context) (ledger.GlobalBalanceReport, error)
	BalanceOf(ctx context.Context, accountID ledger.AccountID) (ledger.Balance, error)
}

// Reconciler runs one reconciliation step on demand.
type Reconciler interface {
	UpdateEscrows(ctx context.Context) (adminwallet.EscrowReport, error)
	UpdatePendingPayments(ctx context.Context) (adminwallet.PendingReport, error)
}

// RateLimits clears counters for an account.
type RateLimits interface {
	Reset(ctx context.Context, accountID ledger.AccountID) error
}

// RequestObserver records request metrics.
type RequestObserver interface {
	ObserveRequest(route string, method string, status string, duration time.Duration)
}

// Dependencies of the ops API. Reconciler is nil when no Lightning node is configured.
type Dependencies struct {
	Ledger     Ledger
	Reconciler Reconciler
	RateLimits RateLimits
	Metrics    http.Handler
	Observer   RequestObserver
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(server *Server) {
		if logger != nil {
			server.logger = logger
		}
	}
}

// WithAllowedOrigins enables CORS for browser dashboards served from these origins.
func WithAllowedOrigins(origins []string) Option {
	return func(server *Server) {
		server.allowedOrigins = origins
	}
}

// Server is the gin-backed ops API.
type Server struct {
	dependencies   Dependencies
	logger         *zap.Logger
	allowedOrigins []string
	router         *gin.Engine
}

// NewServer builds the router.
func NewServer(dependencies Dependencies, options ...Option) (*Server, error) {
	if dependencies.Ledger == nil || dependencies.RateLimits == nil {
		return nil, fmt.Errorf("%w: ops api dependencies are nil", ledger.ErrInvalidServiceConfig)
	}
	server := &Server{dependencies: dependencies, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	server.router = server.setupRouter()
	return server, nil
}

// Handler exposes the router for embedding and tests.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("ops api listening", zap.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
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
	if len(server.allowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: server.allowedOrigins,
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Content-Type", "Origin", "Accept"},
			MaxAge:       12 * time.Hour,
		}))
	}
	if server.dependencies.Observer != nil {
		router.Use(requestMetrics(server.dependencies.Observer))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if server.dependencies.Metrics != nil {
		router.GET("/metrics", gin.WrapH(server.dependencies.Metrics))
	}

	api := router.Group("/v1")
	api.GET("/ledger/consistency", server.handleConsistency)
	api.GET("/accounts/:accountID/balance", server.handleBalance)
	api.POST("/reconcile", server.handleReconcile)
	api.POST("/rate-limits/:accountID/reset", server.handleRateLimitReset)
	return router
}

func requestMetrics(observer RequestObserver) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		observer.ObserveRequest(ctx.FullPath(), ctx.Request.Method, strconv.Itoa(ctx.Writer.Status()), time.Since(started))
	}
}

type currencyTotal struct {
	Currency string `json:"currency"`
	Total    int64  `json:"total_sats"`
}

func (server *Server) handleConsistency(ctx *gin.Context) {
	report, err := server.dependencies.Ledger.CheckGlobalBalance(ctx.Request.Context())
	if err != nil && !errors.Is(err, ledger.ErrUnbalancedTransaction) {
		server.logger.Error("global balance check failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("store_error", "journal unavailable"))
		return
	}
	totals := make([]currencyTotal, 0, len(report.Totals))
	for _, total := range report.Totals {
		totals = append(totals, currencyTotal{Currency: total.Currency.String(), Total: total.Total.Int64()})
	}
	status := http.StatusOK
	if !report.Balanced {
		server.logger.Error("journal is unbalanced", zap.Error(err))
		status = http.StatusInternalServerError
	}
	ctx.JSON(status, gin.H{"balanced": report.Balanced, "totals": totals})
}

func (server *Server) handleBalance(ctx *gin.Context) {
	accountID, err := ledger.NewAccountID(ctx.Param("accountID"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", "account id is empty"))
		return
	}
	balance, err := server.dependencies.Ledger.BalanceOf(ctx.Request.Context(), accountID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account_id":      balance.AccountID.String(),
		"currency":        balance.Currency.String(),
		"balance_sats":    balance.Amount.Int64(),
		"book_value_sats": balance.BookValue().Int64(),
	})
}

func (server *Server) handleReconcile(ctx *gin.Context) {
	if server.dependencies.Reconciler == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("lightning_disabled", "no lightning node configured"))
		return
	}
	pending, pendingErr := server.dependencies.Reconciler.UpdatePendingPayments(ctx.Request.Context())
	escrow, escrowErr := server.dependencies.Reconciler.UpdateEscrows(ctx.Request.Context())
	body := gin.H{
		"escrow": gin.H{
			"channel_balance_sats": escrow.ChannelBalance.Int64(),
			"book_value_sats":      escrow.BookValueBefore.Int64(),
			"in_flight_sats":       escrow.InFlightHeld.Int64(),
			"drift_sats":           escrow.Drift.Int64(),
			"transaction_id":       escrow.TransactionID.String(),
			"consecutive_drifts":   escrow.ConsecutiveDrifts,
			"alert":                escrow.Alert,
		},
		"pending": gin.H{
			"examined":   pending.Examined,
			"skipped":    pending.Skipped,
			"settled":    pending.Settled,
			"failed":     pending.Failed,
			"unresolved": pending.Unresolved,
			"errors":     pending.Errors,
		},
	}
	if err := errors.Join(pendingErr, escrowErr); err != nil {
		server.logger.Warn("manual reconciliation incomplete", zap.Error(err))
		body["error"] = errorResponse("reconcile_incomplete", err.Error())["error"]
		ctx.JSON(http.StatusBadGateway, body)
		return
	}
	ctx.JSON(http.StatusOK, body)
}

func (server *Server) handleRateLimitReset(ctx *gin.Context) {
	accountID, err := ledger.NewAccountID(ctx.Param("accountID"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", "account id is empty"))
		return
	}
	if err := server.dependencies.RateLimits.Reset(ctx.Request.Context(), accountID); err != nil {
		server.logger.Error("rate limit reset failed", zap.String("account_id", accountID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("rate_limit_backend", "counters unavailable"))
		return
	}
	server.logger.Info("rate limits reset", zap.String("account_id", accountID.String()))
	ctx.Status(http.StatusNoContent)
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	description := ledger.Describe(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidAccountID):
		status = http.StatusBadRequest
	default:
		server.logger.Error("ops api request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	ctx.JSON(status, errorResponse(description.Code, description.Message))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
