package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/anyon/anyon/internal/common/tracing"
)

// Health checks and metric scrapes are not traced.
var untracedRoutes = []string{"/health", "/metrics"}

// OtelTracing wraps each routed request in a server span named after the
// route template. It is a no-op when tracing is disabled.
func OtelTracing(serverName string) gin.HandlerFunc {
	return otelTracing(tracing.Tracer(serverName), untracedRoutes...)
}

func otelTracing(tracer trace.Tracer, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, route := range skip {
		skipped[route] = struct{}{}
	}

	return func(c *gin.Context) {
		route := c.FullPath()
		if _, ok := skipped[route]; ok {
			c.Next()
			return
		}
		if route == "" {
			route = "unmatched"
		}

		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(c.Request.Method),
				semconv.HTTPRouteKey.String(route),
			))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		if requestID := c.GetString("request_id"); requestID != "" {
			span.SetAttributes(attribute.String("http.request_id", requestID))
		}
		for _, ginErr := range c.Errors {
			span.RecordError(ginErr.Err)
		}

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCodeKey.Int(status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
