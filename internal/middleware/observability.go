package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"chatgateway/internal/httputil"
	"chatgateway/internal/metrics"
	"chatgateway/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Structured log field names shared by the HTTP middleware.
const (
	fieldRequestID  = "request_id"
	fieldTraceID    = "trace_id"
	fieldMethod     = "method"
	fieldPath       = "path"
	fieldRemoteIP   = "remote_ip"
	fieldUserAgent  = "user_agent"
	fieldStatusCode = "status_code"
	fieldDurationMs = "duration_ms"
	fieldSize       = "size"
	fieldPlatform   = "platform"
)

// Observability wraps a handler with request logging, metrics, and an
// OpenTelemetry span.
func Observability(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracing.WithOtelTracing(r.Context(), "http_request")
			defer span.End()

			requestID := tracing.GenerateRequestID()
			ctx = tracing.WithRequestID(ctx, requestID)
			ctx = tracing.WithStartTime(ctx, time.Now())
			r = r.WithContext(ctx)

			tracing.AddSpanAttributes(ctx,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", r.URL.Path),
				attribute.String("http.host", r.Host),
				attribute.String("user_agent.original", r.Header.Get("User-Agent")),
				attribute.String("client.address", httputil.GetClientIP(r)),
			)

			wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}

			logger.WithFields(logrus.Fields{
				fieldRequestID: requestID,
				fieldTraceID:   tracing.GetTraceID(ctx),
				fieldMethod:    r.Method,
				fieldPath:      r.URL.Path,
				fieldRemoteIP:  httputil.GetClientIP(r),
				fieldUserAgent: r.Header.Get("User-Agent"),
			}).Debug("HTTP request started")

			metrics.IncrementCounter("http_requests_total", map[string]string{
				"method":   r.Method,
				"endpoint": r.URL.Path,
			}, "Total HTTP requests")

			next.ServeHTTP(wrapper, r)

			duration := tracing.Duration(ctx)
			status := strconv.Itoa(wrapper.statusCode)

			tracing.AddSpanAttributes(ctx,
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("http.response.size", wrapper.responseSize),
			)
			if wrapper.statusCode >= 400 {
				tracing.SetSpanStatus(ctx, codes.Error, fmt.Sprintf("HTTP %d", wrapper.statusCode))
			} else {
				tracing.SetSpanStatus(ctx, codes.Ok, "")
			}

			metrics.RecordTimer("http_request_duration", duration, map[string]string{
				"method":      r.Method,
				"endpoint":    r.URL.Path,
				"status_code": status,
			}, "HTTP request duration")
			metrics.IncrementCounter("http_responses_total", map[string]string{
				"method":      r.Method,
				"endpoint":    r.URL.Path,
				"status_code": status,
			}, "HTTP responses by status code")

			level := logrus.InfoLevel
			switch {
			case wrapper.statusCode >= 500:
				level = logrus.ErrorLevel
			case wrapper.statusCode >= 400:
				level = logrus.WarnLevel
			}

			logger.WithFields(logrus.Fields{
				fieldRequestID:  requestID,
				fieldTraceID:    tracing.GetTraceID(ctx),
				fieldMethod:     r.Method,
				fieldPath:       r.URL.Path,
				fieldStatusCode: wrapper.statusCode,
				fieldDurationMs: duration.Milliseconds(),
				fieldSize:       wrapper.responseSize,
			}).Log(level, "HTTP request completed")
		})
	}
}

// WebhookObservability adds per-platform webhook metrics and span
// attributes on top of whatever outer middleware is installed.
func WebhookObservability(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			platform := platformFromPath(r.URL.Path)
			start := time.Now()

			ctx, span := tracing.WithOtelTracing(r.Context(), "webhook_request")
			defer span.End()
			r = r.WithContext(ctx)

			tracing.AddSpanAttributes(ctx,
				attribute.String("webhook.platform", platform),
				attribute.String("http.method", r.Method),
				attribute.String("client.address", httputil.GetClientIP(r)),
				attribute.Int64("http.request.content_length", r.ContentLength),
			)

			metrics.IncrementCounter("webhook_requests_total", map[string]string{
				"platform": platform,
			}, "Total webhook requests by platform")

			wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r)

			processingTime := time.Since(start)
			status := strconv.Itoa(wrapper.statusCode)

			tracing.AddSpanAttributes(ctx,
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("webhook.processing_duration_ms", processingTime.Milliseconds()),
			)

			metrics.RecordTimer("webhook_processing_duration", processingTime, map[string]string{
				"platform":    platform,
				"status_code": status,
			}, "Webhook processing duration")

			if wrapper.statusCode >= 400 {
				tracing.SetSpanStatus(ctx, codes.Error, fmt.Sprintf("Webhook failed with HTTP %d", wrapper.statusCode))
				metrics.IncrementCounter("webhook_errors_total", map[string]string{
					"platform":    platform,
					"status_code": status,
				}, "Webhook processing errors")
				logger.WithFields(logrus.Fields{
					fieldPlatform:   platform,
					fieldStatusCode: wrapper.statusCode,
					fieldDurationMs: processingTime.Milliseconds(),
					fieldRemoteIP:   httputil.GetClientIP(r),
				}).Error("Webhook request failed")
				return
			}

			tracing.SetSpanStatus(ctx, codes.Ok, "")
			metrics.IncrementCounter("webhook_success_total", map[string]string{
				"platform": platform,
			}, "Successful webhook processing")
		})
	}
}

// platformFromPath pulls the trailing segment of /webhook/{platform}.
func platformFromPath(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// responseWrapper captures the status code and body size of a response.
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}
