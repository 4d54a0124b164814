package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Tracing starts a server span per request, continuing any W3C traceparent
// sent by the client. Without an installed TracerProvider the spans are no-ops.
func Tracing() func(http.Handler) http.Handler {
	tracer := otel.Tracer("llamagate/httpapi")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			prop := otel.GetTextMapPropagator()
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
			if sc := span.SpanContext(); sc.HasTraceID() {
				w.Header().Set("X-Trace-ID", sc.TraceID().String())
			}
			r = r.WithContext(ctx)
			next.ServeHTTP(w, r)
			// Named after routing so the name is the route pattern, not the URL.
			span.SetName(spanName(r))
		})
	}
}

// InitPropagator installs the W3C trace-context propagator.
func InitPropagator() {
	otel.SetTextMapPropagator(propagation.TraceContext{})
}

// spanName is the method plus the chi route pattern. Requests served outside
// a chi router keep the bare method so raw paths never become span names.
func spanName(r *http.Request) string {
	if chi.RouteContext(r.Context()) == nil {
		return r.Method
	}
	return r.Method + " " + routePatternOrPath(r)
}
