// Package ledgerapi serves the authoritative transaction ledger over HTTP.
// Devices pull transactions from it during reconciliation; admins push
// grants and Pro toggles into it.
package ledgerapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kolayodeme/matchpoints/internal/ledgerwire"
	"github.com/kolayodeme/matchpoints/internal/store/ledgerstore"
)

// NewRouter validates the configuration and builds the ledger API router
// together with its token authenticator.
func NewRouter(cfg Config, store *ledgerstore.Store, logger *zap.Logger) (*gin.Engine, *Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	authenticator, err := NewAuthenticator([]byte(cfg.TokenSigningKey), cfg.TokenIssuer)
	if err != nil {
		return nil, nil, err
	}
	handler := &httpHandler{
		logger: logger,
		store:  store,
		cfg:    cfg,
	}
	return setupRouter(cfg, handler, authenticator), authenticator, nil
}

// Run boots the ledger API using the supplied configuration.
func Run(ctx context.Context, cfg Config, store *ledgerstore.Store, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	router, _, err := NewRouter(cfg, store, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledger api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, authenticator *Authenticator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(authenticator.GinMiddleware())

	api.GET("/transactions", handler.handleListTransactions)
	api.POST("/transactions", handler.handleRecordTransaction)
	api.GET("/notifications", handler.handleListNotifications)
	api.PATCH("/notifications/:id/read", handler.handleMarkNotificationRead)
	api.POST("/referrals", handler.handleReferral)

	admin := api.Group("/admin")
	admin.Use(RequireAdmin())
	admin.POST("/credits", handler.handleAdminCredit)
	admin.POST("/pro", handler.handleAdminPro)

	return router
}

type httpHandler struct {
	logger *zap.Logger
	store  *ledgerstore.Store
	cfg    Config
}

// handleListTransactions returns the caller's transactions past a cursor.
// Admin tokens may read any user's rows via the user query parameter; owner
// tokens are pinned to their own subject.
func (handler *httpHandler) handleListTransactions(ctx *gin.Context) {
	claims := getClaims(ctx)
	userID := claims.UserID()
	if requested := strings.TrimSpace(ctx.Query("user")); requested != "" && requested != userID {
		if !claims.IsAdmin() {
			ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "cannot read another user's ledger"))
			return
		}
		userID = requested
	}
	since := int64(0)
	if raw := strings.TrimSpace(ctx.Query("since")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_since", "since must be a unix timestamp"))
			return
		}
		since = parsed
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	transactions, err := handler.store.ListTransactionsSince(requestCtx, userID, since, handler.cfg.HistoryLimit)
	if err != nil {
		handler.logger.Error("transaction list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "transaction list failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": transactions})
}

type recordTransactionRequest struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// handleRecordTransaction accepts a device-originated row, such as a spend
// the wallet performed offline. The client supplies the id so a replayed
// upload stays idempotent.
func (handler *httpHandler) handleRecordTransaction(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request recordTransactionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if strings.TrimSpace(request.ID) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_id", "client transaction id is required"))
		return
	}
	switch request.Type {
	case ledgerwire.TypeCreditUse, ledgerwire.TypeProPurchase:
	default:
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_type", "devices may only record usage transactions"))
		return
	}
	if request.Amount >= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "usage amount must be negative"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	recorded, err := handler.store.InsertTransaction(requestCtx, ledgerwire.Transaction{
		ID:             request.ID,
		UserID:         claims.UserID(),
		Type:           request.Type,
		Amount:         request.Amount,
		Description:    request.Description,
		CreatedUnixUTC: time.Now().UTC().Unix(),
	})
	if errors.Is(err, ledgerstore.ErrDuplicateTransaction) {
		ctx.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}
	if err != nil {
		handler.logger.Error("transaction record failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "transaction record failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "recorded", "transaction": recorded})
}

func (handler *httpHandler) handleListNotifications(ctx *gin.Context) {
	claims := getClaims(ctx)
	unreadOnly := ctx.Query("unread") == "true"

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	notifications, err := handler.store.ListNotifications(requestCtx, claims.UserID(), unreadOnly, handler.cfg.HistoryLimit)
	if err != nil {
		handler.logger.Error("notification list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "notification list failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"notifications": notifications})
}

func (handler *httpHandler) handleMarkNotificationRead(ctx *gin.Context) {
	claims := getClaims(ctx)
	notificationID := ctx.Param("id")

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	err := handler.store.MarkNotificationRead(requestCtx, claims.UserID(), notificationID)
	if errors.Is(err, ledgerstore.ErrUnknownNotification) {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_notification", "no such notification for this user"))
		return
	}
	if err != nil {
		handler.logger.Error("notification update failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "notification update failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "read"})
}

type referralRequest struct {
	ReferredUserID string `json:"referredUserId"`
}

// handleReferral credits the caller for bringing in a new user.
func (handler *httpHandler) handleReferral(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request referralRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if strings.TrimSpace(request.ReferredUserID) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_referral", "referred user id is required"))
		return
	}
	if request.ReferredUserID == claims.UserID() {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_referral", "cannot refer yourself"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	now := time.Now().UTC().Unix()
	err := handler.store.WithTx(requestCtx, func(txCtx context.Context, txStore *ledgerstore.Store) error {
		_, err := txStore.InsertTransaction(txCtx, ledgerwire.Transaction{
			UserID:         claims.UserID(),
			Type:           ledgerwire.TypeReferralCredit,
			Amount:         ReferralCreditAmount(),
			Description:    fmt.Sprintf("referral of %s", request.ReferredUserID),
			CreatedUnixUTC: now,
		})
		if err != nil {
			return err
		}
		_, err = txStore.InsertNotification(txCtx, ledgerwire.Notification{
			UserID:         claims.UserID(),
			Title:          "Referral bonus",
			Message:        fmt.Sprintf("You earned %d credits for a referral", ReferralCreditAmount()),
			Type:           ledgerwire.NotificationSuccess,
			CreatedUnixUTC: now,
		})
		return err
	})
	if err != nil {
		handler.logger.Error("referral credit failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "referral credit failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "credited", "amount": ReferralCreditAmount()})
}

type adminCreditRequest struct {
	UserID      string `json:"userId"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// handleAdminCredit records an admin grant and the notification the user
// sees for it.
func (handler *httpHandler) handleAdminCredit(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request adminCreditRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if strings.TrimSpace(request.UserID) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "user id is required"))
		return
	}
	if request.Amount <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be positive"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	now := time.Now().UTC().Unix()
	var recorded ledgerwire.Transaction
	err := handler.store.WithTx(requestCtx, func(txCtx context.Context, txStore *ledgerstore.Store) error {
		transaction, err := txStore.InsertTransaction(txCtx, ledgerwire.Transaction{
			UserID:         request.UserID,
			Type:           ledgerwire.TypeAdminCredit,
			Amount:         request.Amount,
			Description:    request.Description,
			AdminID:        claims.UserID(),
			CreatedUnixUTC: now,
		})
		if err != nil {
			return err
		}
		recorded = transaction
		_, err = txStore.InsertNotification(txCtx, ledgerwire.Notification{
			UserID:         request.UserID,
			Title:          "Credits added",
			Message:        fmt.Sprintf("An admin granted you %d credits", request.Amount),
			Type:           ledgerwire.NotificationSuccess,
			CreatedUnixUTC: now,
		})
		return err
	})
	if err != nil {
		handler.logger.Error("admin credit failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "admin credit failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "credited", "transaction": recorded})
}

type adminProRequest struct {
	UserID  string `json:"userId"`
	Enabled bool   `json:"enabled"`
}

// handleAdminPro toggles a user's Pro subscription in the ledger.
func (handler *httpHandler) handleAdminPro(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request adminProRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if strings.TrimSpace(request.UserID) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "user id is required"))
		return
	}

	transactionType := ledgerwire.TypeProEnabled
	title := "Pro enabled"
	message := "An admin enabled your Pro subscription"
	if !request.Enabled {
		transactionType = ledgerwire.TypeProDisabled
		title = "Pro disabled"
		message = "An admin disabled your Pro subscription"
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	now := time.Now().UTC().Unix()
	err := handler.store.WithTx(requestCtx, func(txCtx context.Context, txStore *ledgerstore.Store) error {
		_, err := txStore.InsertTransaction(txCtx, ledgerwire.Transaction{
			UserID:         request.UserID,
			Type:           transactionType,
			AdminID:        claims.UserID(),
			CreatedUnixUTC: now,
		})
		if err != nil {
			return err
		}
		_, err = txStore.InsertNotification(txCtx, ledgerwire.Notification{
			UserID:         request.UserID,
			Title:          title,
			Message:        message,
			Type:           ledgerwire.NotificationInfo,
			CreatedUnixUTC: now,
		})
		return err
	})
	if err != nil {
		handler.logger.Error("pro toggle failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "pro toggle failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "updated", "enabled": request.Enabled})
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
