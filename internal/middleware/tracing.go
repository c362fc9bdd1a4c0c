package middleware

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

/*
LEARNING: TRACING A WEBSOCKET SERVER

Every HTTP request gets a root span and a request ID. WebSocket upgrades go
through the same chain, so the writer handed to the next handler must keep
http.Hijacker; httpsnoop wraps the writer while preserving every optional
interface the original implements.

Room-level spans (Room.Accept, Room.CatchUp, Snapshot.Compact) are children
of the connection span through the context passed down by the gateway.
*/

var tracer = otel.Tracer("docsync")

type ctxKey string

const requestIDKey ctxKey = "request_id"

// spanName names a request after its route template, so every room shares
// one span name instead of one per room ID
func spanName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return r.Method + " " + tpl
		}
	}
	return r.Method + " " + r.URL.Path
}

// TracingMiddleware adds a root span and a request ID to every request
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := ksuid.New().String()
		upgrade := strings.EqualFold(r.Header.Get("Upgrade"), "websocket")

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.Path),
			attribute.String("http.user_agent", r.Header.Get("User-Agent")),
			attribute.String("request.id", requestID),
			attribute.Bool("http.upgrade", upgrade),
		}
		if roomID := mux.Vars(r)["id"]; roomID != "" {
			attrs = append(attrs, attribute.String("room.id", roomID))
		}
		ctx, span := tracer.Start(r.Context(), spanName(r),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		ctx = context.WithValue(ctx, requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		m := httpsnoop.CaptureMetrics(next, w, r.WithContext(ctx))

		span.SetAttributes(
			attribute.Int("http.status_code", m.Code),
			attribute.Int64("http.response_time_ms", m.Duration.Milliseconds()),
		)
		if m.Code >= 400 {
			span.SetStatus(codes.Error, http.StatusText(m.Code))
		}

		if upgrade && m.Code < 400 {
			// The socket lives on; its lifetime is logged by the gateway.
			log.Printf("[%s] %s %s - upgraded", requestID, r.Method, r.URL.Path)
			return
		}
		log.Printf("[%s] %s %s - %d (%s)", requestID, r.Method, r.URL.Path, m.Code, m.Duration.Round(time.Millisecond))
	})
}

// ErrorRecoveryMiddleware recovers from panics and records them in spans
func ErrorRecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				span := trace.SpanFromContext(r.Context())
				span.RecordError(fmt.Errorf("panic: %v", err))
				span.SetStatus(codes.Error, "panic recovered")
				span.SetAttributes(
					attribute.String("error.type", "panic"),
					attribute.String("error.stacktrace", string(debug.Stack())),
				)

				log.Printf("[%s] PANIC: %v\n%s", GetRequestID(r.Context()), err, debug.Stack())
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware handles CORS headers
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// StartSpan creates a child span of whatever span ctx carries
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// AddSpanError records an error in the current span
func AddSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddSpanEvent adds a named event to the current span
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// GetRequestID extracts the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return "unknown"
}
