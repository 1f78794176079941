package middleware

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/hsm-signing-gateway/internal/audit"
)

// Headers copied onto spans verbatim.
var safeHeaders = []string{
	"content-type",
	"content-length",
	"accept",
	"user-agent",
	"x-request-id",
}

// Headers that are only recorded as present unless redaction is disabled.
var sensitiveHeaders = []string{
	"authorization",
	"cookie",
	"x-api-key",
	"x-forwarded-for",
	"x-real-ip",
}

// TracingMiddleware starts a server span per request, continuing any trace
// propagated by the caller. It must run inside the router (mux.Router.Use) so
// the route template and provider id are known.
func TracingMiddleware(redactSensitive bool) mux.MiddlewareFunc {
	tracer := otel.Tracer("github.com/kenneth/hsm-signing-gateway/internal/middleware")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			route := routeTemplate(r)
			ctx, span := tracer.Start(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPRoute(route),
					semconv.HTTPTarget(r.URL.Path),
					attribute.String("http.host", r.Host),
					attribute.String("http.remote_addr", clientAddr(r)),
				),
			)
			defer span.End()

			if id := mux.Vars(r)["id"]; id != "" {
				span.SetAttributes(attribute.String("hsm.provider.id", id))
			}
			if reqID := audit.RequestIDFromContext(ctx); reqID != "" {
				span.SetAttributes(attribute.String("request.id", reqID))
			}
			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPStatusCode(rw.statusCode))
			if rw.statusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
	for _, header := range sensitiveHeaders {
		value := headers.Get(header)
		if value == "" {
			continue
		}
		if redactSensitive {
			value = "[REDACTED]"
		}
		span.SetAttributes(attribute.String("http.request.header."+header, value))
	}
}
