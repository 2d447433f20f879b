// Package walletapi is the device-facing HTTP surface over the local wallet:
// balance and history reads, reward claims, spends, manual sync, and a
// server-sent event stream of wallet changes.
package walletapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kolayodeme/matchpoints/internal/ledgerwire"
	"github.com/kolayodeme/matchpoints/internal/observability"
	"github.com/kolayodeme/matchpoints/internal/reconcile"
	"github.com/kolayodeme/matchpoints/internal/rewards"
	"github.com/kolayodeme/matchpoints/pkg/eventbus"
	"github.com/kolayodeme/matchpoints/pkg/wallet"
)

// Syncer is the reconciliation surface the facade exposes to clients.
type Syncer interface {
	SyncOnce(ctx context.Context) (reconcile.Report, error)
}

// UsageUploader pushes device-originated spends to the remote ledger.
type UsageUploader interface {
	RecordUsage(ctx context.Context, transactionID wallet.TransactionID, transactionType string, amount int64, description string) error
}

// Deps carries the wired subsystems behind the facade. Uploader and Metrics
// may be nil; the endpoints degrade gracefully without them.
type Deps struct {
	Cache      *wallet.Service
	Controller *rewards.Controller
	Syncer     Syncer
	Bus        *eventbus.Bus
	Uploader   UsageUploader
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

func (deps *Deps) validate() error {
	if deps.Cache == nil || deps.Controller == nil || deps.Syncer == nil || deps.Bus == nil {
		return errors.New("cache, controller, syncer and bus are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return nil
}

// NewRouter validates the configuration and builds the facade router.
func NewRouter(cfg Config, deps Deps) (*gin.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	handler := &httpHandler{cfg: cfg, deps: deps}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	api := router.Group("/api")
	api.GET("/wallet", handler.handleWallet)
	api.GET("/cooldown", handler.handleCooldown)
	api.POST("/rewards/claim", handler.handleClaim)
	api.POST("/credits/spend", handler.handleSpend)
	api.POST("/sync", handler.handleSync)
	api.GET("/events", handler.handleEvents)

	return router, nil
}

// Run boots the facade and blocks until ctx is cancelled or the listener
// fails.
func Run(ctx context.Context, cfg Config, deps Deps) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	router, err := NewRouter(cfg, deps)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Logger.Info("wallet api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type httpHandler struct {
	cfg  Config
	deps Deps
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance := handler.deps.Cache.Balance(requestCtx)
	history, err := handler.deps.Cache.History(requestCtx)
	if err != nil {
		handler.deps.Logger.Error("history read failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "history unavailable"))
		return
	}
	pro, err := handler.deps.Cache.ProStatus(requestCtx)
	if err != nil {
		handler.deps.Logger.Error("pro status read failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "pro status unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance": balance.Int64(),
		"history": history,
		"isPro":   pro,
	})
}

func (handler *httpHandler) handleCooldown(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	state, err := handler.deps.Cache.Claimable(requestCtx, handler.deps.Controller.Cooldown())
	if err != nil {
		handler.deps.Logger.Error("cooldown read failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "cooldown unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"onCooldown":       state.OnCooldown,
		"minutesRemaining": state.MinutesRemaining,
	})
}

// handleClaim runs one reward session. Blocked and failed outcomes are
// policy results, not transport errors, so they come back as 200 with a
// status the client can branch on.
func (handler *httpHandler) handleClaim(ctx *gin.Context) {
	result, err := handler.deps.Controller.Claim(ctx.Request.Context())
	if errors.Is(err, rewards.ErrClaimInFlight) {
		ctx.JSON(http.StatusConflict, errorResponse("claim_in_flight", "a claim is already running"))
		return
	}
	if err != nil {
		handler.deps.Logger.Error("claim failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("claim_error", "claim could not complete"))
		return
	}
	response := gin.H{
		"status":  string(result.State),
		"balance": result.Balance.Int64(),
	}
	switch result.State {
	case rewards.StateBlocked:
		response["minutesRemaining"] = result.Cooldown.MinutesRemaining
	case rewards.StateGranted:
		response["minutesRemaining"] = result.Cooldown.MinutesRemaining
	case rewards.StateFailed:
		response["reason"] = result.FailReason
	}
	ctx.JSON(http.StatusOK, response)
}

type spendRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// handleSpend deducts exactly the requested credits. An unaffordable spend
// is reported as insufficient_funds with the untouched balance. A granted
// spend is uploaded to the remote ledger best-effort; reconciliation covers
// the case where the upload is lost.
func (handler *httpHandler) handleSpend(ctx *gin.Context) {
	var request spendRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := wallet.NewPositiveCredits(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be positive"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	balance, err := handler.deps.Cache.Spend(requestCtx, amount)
	if errors.Is(err, wallet.ErrInsufficientBalance) {
		ctx.JSON(http.StatusOK, gin.H{
			"status":  "insufficient_funds",
			"balance": balance.Int64(),
		})
		return
	}
	if err != nil {
		handler.deps.Logger.Error("spend failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "spend could not complete"))
		return
	}

	handler.deps.Bus.Publish(eventbus.TopicCreditUsed, eventbus.CreditUsedEvent{
		Amount:  request.Amount,
		Reason:  request.Description,
		Balance: balance.Int64(),
	})
	handler.deps.Bus.Publish(eventbus.TopicBalanceChanged, eventbus.BalanceChangedEvent{
		Balance: balance.Int64(),
	})
	handler.uploadUsage(requestCtx, request)

	ctx.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"balance": balance.Int64(),
	})
}

func (handler *httpHandler) uploadUsage(ctx context.Context, request spendRequest) {
	if handler.deps.Uploader == nil {
		return
	}
	transactionID, err := wallet.NewTransactionID(uuid.NewString())
	if err != nil {
		return
	}
	if err := handler.deps.Uploader.RecordUsage(ctx, transactionID, ledgerwire.TypeCreditUse, -request.Amount, request.Description); err != nil {
		handler.deps.Logger.Warn("usage upload failed", zap.Error(err))
	}
}

func (handler *httpHandler) handleSync(ctx *gin.Context) {
	report, err := handler.deps.Syncer.SyncOnce(ctx.Request.Context())
	if err != nil {
		handler.deps.Logger.Warn("manual sync failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("sync_error", "ledger unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":  "synced",
		"fetched": report.Fetched,
		"applied": report.Applied,
		"deduped": report.Deduped,
		"skipped": report.Skipped,
	})
}

type streamedEvent struct {
	topic   string
	payload any
}

// handleEvents streams wallet changes as server-sent events until the client
// disconnects. Delivery is live-only and best-effort: a consumer that cannot
// drain the buffer loses events rather than stalling the publisher, and
// nothing is replayed. Clients recover from a gap by re-reading /api/wallet,
// which is the authoritative state.
func (handler *httpHandler) handleEvents(ctx *gin.Context) {
	events := make(chan streamedEvent, 64)
	forward := func(topic string) eventbus.Handler {
		return func(payload any) {
			select {
			case events <- streamedEvent{topic: topic, payload: payload}:
			default:
				// Slow consumer: drop instead of blocking the bus.
			}
		}
	}
	unsubscribes := []func(){
		handler.deps.Bus.Subscribe(eventbus.TopicCreditAdded, forward(eventbus.TopicCreditAdded)),
		handler.deps.Bus.Subscribe(eventbus.TopicCreditUsed, forward(eventbus.TopicCreditUsed)),
		handler.deps.Bus.Subscribe(eventbus.TopicRewardFailed, forward(eventbus.TopicRewardFailed)),
		handler.deps.Bus.Subscribe(eventbus.TopicBalanceChanged, forward(eventbus.TopicBalanceChanged)),
	}
	defer func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}()

	ctx.Writer.Header().Set("Content-Type", "text/event-stream")
	ctx.Writer.Header().Set("Cache-Control", "no-cache")
	ctx.Writer.Header().Set("Connection", "keep-alive")

	ctx.Stream(func(writer io.Writer) bool {
		select {
		case <-ctx.Request.Context().Done():
			return false
		case event := <-events:
			raw, err := json.Marshal(event.payload)
			if err != nil {
				return true
			}
			ctx.SSEvent(event.topic, string(raw))
			return true
		}
	})
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
