// Package creditapi serves the HTTP façade over the credit ledger:
// member-facing reads behind a session cookie and marketplace webhooks
// behind a shared secret.
package creditapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/studiorooms/credits/pkg/credits"
	"go.uber.org/zap"
)

const contextKeyUserID = "auth_user_id"

// Run boots the HTTP façade and blocks until the context is cancelled or
// the listener fails.
func Run(ctx context.Context, cfg Config, service *credits.Service, logger *zap.Logger, metricsHandler http.Handler) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("creditapi config: %w", err)
	}

	router := NewRouter(cfg, service, logger, metricsHandler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("creditapi listening", zap.String("addr", cfg.ListenAddr))
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

// NewRouter wires routes, middleware, and handlers. Exposed for tests.
func NewRouter(cfg Config, service *credits.Service, logger *zap.Logger, metricsHandler http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		logger:  logger,
		service: service,
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	api := router.Group("/api")
	api.GET("/packages", handler.handlePackages)

	member := api.Group("")
	member.Use(sessionMiddleware(cfg))
	member.GET("/balance", handler.handleBalance)
	member.GET("/history", handler.handleHistory)

	hooks := router.Group("/hooks")
	hooks.Use(webhookMiddleware(cfg))
	hooks.POST("/checkout", handler.handleCheckout)
	hooks.POST("/booking/consume", handler.handleConsume)
	hooks.POST("/booking/refund", handler.handleRefund)

	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		requestID := uuid.NewString()
		ctx.Header("X-Request-Id", requestID)
		ctx.Next()
		logger.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.Request.URL.Path),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func sessionMiddleware(cfg Config) gin.HandlerFunc {
	signingKey := []byte(cfg.SessionSigningKey)
	return func(ctx *gin.Context) {
		raw, err := ctx.Cookie(cfg.SessionCookieName)
		if err != nil || raw == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return signingKey, nil
		}, jwt.WithIssuer(cfg.SessionIssuer), jwt.WithExpirationRequired())
		if err != nil || !token.Valid || claims.Subject == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
			return
		}
		ctx.Set(contextKeyUserID, claims.Subject)
	}
}

func webhookMiddleware(cfg Config) gin.HandlerFunc {
	secret := []byte(cfg.WebhookSecret)
	return func(ctx *gin.Context) {
		presented := []byte(ctx.GetHeader(cfg.WebhookHeader))
		if subtle.ConstantTimeCompare(presented, secret) != 1 {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing or invalid webhook secret"))
			return
		}
		ctx.Next()
	}
}

type httpHandler struct {
	logger  *zap.Logger
	service *credits.Service
}

func (handler *httpHandler) handlePackages(ctx *gin.Context) {
	packages, err := handler.service.ListActivePackages(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]packagePayload, 0, len(packages))
	for _, creditPackage := range packages {
		payload = append(payload, packagePayload{
			PackageID:       creditPackage.PackageID,
			Name:            creditPackage.Name,
			Credits:         creditPackage.Credits,
			PriceCents:      creditPackage.PriceCents,
			DiscountPercent: creditPackage.DiscountPercent,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"packages": payload})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, err := credits.NewUserID(ctx.GetString(contextKeyUserID))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	account, err := handler.service.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadFrom(userID.String(), account)})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	userID, err := credits.NewUserID(ctx.GetString(contextKeyUserID))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	limit := defaultHistoryPageSize
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxHistoryPageSize {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", fmt.Sprintf("limit must be between 1 and %d", maxHistoryPageSize)))
			return
		}
		limit = parsed
	}
	entries, err := handler.service.History(ctx.Request.Context(), userID, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayloadFrom(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

type checkoutRequest struct {
	UserID           string `json:"user_id" binding:"required"`
	PackageID        string `json:"package_id" binding:"required"`
	PaymentReference string `json:"payment_reference" binding:"required"`
}

func (handler *httpHandler) handleCheckout(ctx *gin.Context) {
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected user_id, package_id and payment_reference"))
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	packageID, err := credits.NewPackageID(request.PackageID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	paymentReference, err := credits.NewPaymentReference(request.PaymentReference)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	account, err := handler.service.Purchase(ctx.Request.Context(), userID, packageID, paymentReference)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadFrom(userID.String(), account)})
}

type consumeRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	BookingID string `json:"booking_id" binding:"required"`
	Credits   int64  `json:"credits" binding:"required"`
}

func (handler *httpHandler) handleConsume(ctx *gin.Context) {
	var request consumeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected user_id, booking_id and credits"))
		return
	}
	userID, amount, bookingID, err := parseBookingFields(request.UserID, request.Credits, request.BookingID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	account, err := handler.service.Consume(ctx.Request.Context(), userID, amount, bookingID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadFrom(userID.String(), account)})
}

type refundRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	BookingID string `json:"booking_id" binding:"required"`
	Credits   int64  `json:"credits" binding:"required"`
	Reason    string `json:"reason" binding:"required"`
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected user_id, booking_id, credits and reason"))
		return
	}
	userID, amount, bookingID, err := parseBookingFields(request.UserID, request.Credits, request.BookingID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	reason, err := credits.NewRefundReason(request.Reason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	account, err := handler.service.Refund(ctx.Request.Context(), userID, amount, bookingID, reason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadFrom(userID.String(), account)})
}

func parseBookingFields(rawUserID string, rawCredits int64, rawBookingID string) (credits.UserID, credits.CreditAmount, credits.BookingID, error) {
	userID, err := credits.NewUserID(rawUserID)
	if err != nil {
		return credits.UserID{}, 0, credits.BookingID{}, err
	}
	amount, err := credits.NewCreditAmount(rawCredits)
	if err != nil {
		return credits.UserID{}, 0, credits.BookingID{}, err
	}
	bookingID, err := credits.NewBookingID(rawBookingID)
	if err != nil {
		return credits.UserID{}, 0, credits.BookingID{}, err
	}
	return userID, amount, bookingID, nil
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := mapError(err)
	if status == http.StatusBadGateway {
		handler.logger.Error("ledger operation failed", zap.Error(err))
	}
	response := errorResponse(code, err.Error())
	if status == http.StatusConflict {
		// Contention on the balance row; the caller can simply retry.
		response["retryable"] = true
	}
	ctx.JSON(status, response)
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		return http.StatusUnprocessableEntity, "insufficient_credits"
	case errors.Is(err, credits.ErrPackageNotFound):
		return http.StatusNotFound, "package_not_found"
	case errors.Is(err, credits.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, credits.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, credits.ErrInvalidUserID),
		errors.Is(err, credits.ErrInvalidPackageID),
		errors.Is(err, credits.ErrInvalidBookingID),
		errors.Is(err, credits.ErrInvalidPaymentReference),
		errors.Is(err, credits.ErrInvalidRefundReason),
		errors.Is(err, credits.ErrInvalidCreditAmount),
		errors.Is(err, credits.ErrInvalidListLimit):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusBadGateway, "ledger_error"
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type packagePayload struct {
	PackageID       string `json:"package_id"`
	Name            string `json:"name"`
	Credits         int64  `json:"credits"`
	PriceCents      int64  `json:"price_cents"`
	DiscountPercent int64  `json:"discount_percent"`
}

type balancePayload struct {
	UserID           string `json:"user_id"`
	CreditsRemaining int64  `json:"credits_remaining"`
	CreditsTotal     int64  `json:"credits_total"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc,omitempty"`
}

func balancePayloadFrom(userID string, account credits.CreditAccount) balancePayload {
	return balancePayload{
		UserID:           userID,
		CreditsRemaining: account.CreditsRemaining,
		CreditsTotal:     account.CreditsTotal,
		ExpiresAtUnixUTC: account.ExpiresAtUnixUTC,
	}
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	Type           string          `json:"type"`
	Delta          int64           `json:"delta"`
	PackageID      string          `json:"package_id,omitempty"`
	BookingID      string          `json:"booking_id,omitempty"`
	Reference      string          `json:"reference,omitempty"`
	Description    string          `json:"description,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func entryPayloadFrom(entry credits.LedgerEntry) entryPayload {
	payload := entryPayload{
		EntryID:        entry.EntryID,
		Type:           string(entry.Type),
		Delta:          entry.Delta,
		PackageID:      entry.PackageID,
		BookingID:      entry.BookingID,
		Reference:      entry.Reference,
		Description:    entry.Description,
		CreatedUnixUTC: entry.CreatedUnixUTC,
	}
	if entry.MetadataJSON != "" {
		payload.Metadata = json.RawMessage(entry.MetadataJSON)
	}
	return payload
}
