package httpmw

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcttech/claude-session-manager/internal/tracing"
)

// unmatchedRoute names spans for requests no route matched, so scanners
// hitting random paths do not blow up span-name cardinality.
const unmatchedRoute = "unmatched"

// OtelTracing wraps each request in a server span named after its route.
// Requests for the paths in skip (health and scrape endpoints) are not traced.
// Without an exporter the tracer is a no-op.
func OtelTracing(serverName string, skip ...string) gin.HandlerFunc {
	return traceRequests(tracing.Tracer(serverName), skip)
}

func traceRequests(tracer trace.Tracer, skip []string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(c *gin.Context) {
		route := c.FullPath()
		if _, ok := skipped[route]; ok {
			c.Next()
			return
		}
		if route == "" {
			route = unmatchedRoute
		}

		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(c.Request.Method),
				semconv.HTTPRouteKey.String(route),
				semconv.ClientAddress(c.ClientIP()),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			semconv.HTTPResponseStatusCodeKey.Int(status),
			attribute.Int("http.response.size", c.Writer.Size()),
		)
		for _, e := range c.Errors {
			span.RecordError(e.Err)
		}
		switch {
		case status >= 500:
			span.SetStatus(codes.Error, "HTTP "+strconv.Itoa(status))
		case len(c.Errors) > 0:
			span.SetStatus(codes.Error, c.Errors.Last().Error())
		}
	}
}
