package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"llamagate/internal/gateway"
	"llamagate/pkg/types"
)

// blockService waits for the request context; used to exercise cancellation.
type blockService struct{ mockService }

func (b *blockService) Respond(ctx context.Context, req types.GenerateRequest) gateway.Outcome {
	<-ctx.Done()
	return gateway.Outcome{Kind: gateway.KindTimeout, Reason: gateway.ReasonCancelled}
}

func TestGenerateLogsWithZerolog(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))
	defer SetLogger(zerolog.Nop())

	w := postJSON(NewMux(&mockService{}), `{"prompt":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with info logging, got %d", w.Code)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"message":"generate end"`)) || !bytes.Contains(buf.Bytes(), []byte("request_id")) {
		t.Fatalf("log output: %s", buf.String())
	}
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	SetCORSOptions(true, []string{"*"}, []string{"GET", "POST", "OPTIONS"}, []string{"Content-Type"})
	defer SetCORSOptions(false, nil, nil, nil)

	h := NewMux(&mockService{ready: true})
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options=nosniff, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatalf("expected CORS header Access-Control-Allow-Origin to be set, got empty")
	}
}

func TestShutdownCancelsWaitingRequest(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	SetBaseContext(base)
	defer SetBaseContext(context.Background())

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- postJSON(NewMux(&blockService{}), `{"prompt":"x"}`) }()
	cancel()
	rec := <-done
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 after shutdown, got %d", rec.Code)
	}
}

func TestClientGoneWritesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", bytes.NewBufferString(`{"prompt":"x"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	cancel()
	NewMux(&blockService{}).ServeHTTP(rec, req)
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %q", rec.Body.String())
	}
}

func TestContentTypeCaseInsensitive(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", bytes.NewBufferString(`{"prompt":"hi"}`))
	req.Header.Set("Content-Type", "Application/JSON; charset=utf-8")
	rec := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with mixed-case content-type, got %d", rec.Code)
	}
}

func TestTracingSetsTraceHeaderWhenParentSent(t *testing.T) {
	InitPropagator()
	h := Tracing()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Trace-ID"); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("X-Trace-ID=%q", got)
	}
}

func TestSpanNameUsesRoutePattern(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req)
			got = spanName(req)
		})
	})
	r.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/8f3a", nil))
	if got != "GET /items/{id}" {
		t.Fatalf("span name=%q", got)
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope/123", nil))
	if got != "GET unmatched" {
		t.Fatalf("span name for unmatched route=%q", got)
	}
	if n := spanName(httptest.NewRequest(http.MethodPost, "/raw/abc", nil)); n != "POST" {
		t.Fatalf("span name outside router=%q", n)
	}
}

func TestGenerateLogsServerErrorsAtErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))
	SetRequestLogLevel("error")
	defer func() {
		SetLogger(zerolog.Nop())
		SetRequestLogLevel("info")
	}()

	postJSON(NewMux(&mockService{}), `{"prompt":"hi"}`)
	if buf.Len() != 0 {
		t.Fatalf("ok request logged at error level: %s", buf.String())
	}

	svc := &mockService{outcome: gateway.Outcome{Kind: gateway.KindEngineFailure, Reason: gateway.ReasonEngineFailure}}
	w := postJSON(NewMux(svc), `{"prompt":"hi"}`)
	if w.Code < 500 {
		t.Fatalf("expected 5xx, got %d", w.Code)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"level":"error"`)) || !bytes.Contains(buf.Bytes(), []byte(`"status":500`)) {
		t.Fatalf("log output: %s", buf.String())
	}
}
