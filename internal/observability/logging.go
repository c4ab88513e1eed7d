package observability

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const (
	loggerKey         contextKey = "logger"
	deliveryIDKey     contextKey = "delivery_id"
	subscriptionIDKey contextKey = "subscription_id"
	tenantIDKey       contextKey = "tenant_id"
)

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// ContextWithDeliveryAttempt enriches ctx with a logger that carries
// delivery_id/subscription_id/tenant_id on every line, and records the
// three identifiers on the context itself so a handler several calls deep
// (markFailed, handleRetriable, ...) can recover them without threading
// extra parameters through every signature.
func ContextWithDeliveryAttempt(ctx context.Context, logger *slog.Logger, deliveryID, subscriptionID, tenantID string) context.Context {
	ctx = ContextWithLogger(ctx, logger.With(
		"delivery_id", deliveryID,
		"subscription_id", subscriptionID,
		"tenant_id", tenantID,
	))
	ctx = context.WithValue(ctx, deliveryIDKey, deliveryID)
	ctx = context.WithValue(ctx, subscriptionIDKey, subscriptionID)
	ctx = context.WithValue(ctx, tenantIDKey, tenantID)
	return ctx
}

func DeliveryIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(deliveryIDKey).(string); ok {
		return id
	}
	return ""
}

func SubscriptionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(subscriptionIDKey).(string); ok {
		return id
	}
	return ""
}

func TenantIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey).(string); ok {
		return id
	}
	return ""
}

func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := middleware.GetReqID(r.Context())

			reqLogger := logger.With(
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)

			ctx := ContextWithLogger(r.Context(), reqLogger)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Use Debug level to avoid flooding logs during load tests
			reqLogger.Debug("request completed",
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
