package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"llamagate/internal/gateway"
	"llamagate/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Respond(ctx context.Context, req types.GenerateRequest) gateway.Outcome
	Status() types.StatusResponse
	Ready() bool
}

// NewMux builds the router.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(Tracing())
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Post("/v1/generate", handleGenerate(svc))

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unavailable"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

// handleGenerate godoc
// @Summary      Generate text
// @Description  Runs one prompt on the local model. Accepts JSON or a form with a prompt field.
// @Tags         generate
// @Accept       json
// @Accept       x-www-form-urlencoded
// @Produce      json
// @Param        request  body      types.GenerateRequest  true  "Generation request"
// @Success      200      {object}  types.GenerateResponse
// @Failure      400      {object}  types.ErrorResponse
// @Failure      415      {object}  types.ErrorResponse
// @Failure      429      {object}  types.ErrorResponse
// @Failure      500      {object}  types.ErrorResponse
// @Failure      504      {object}  types.ErrorResponse
// @Router       /v1/generate [post]
func handleGenerate(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		req, status, err := decodeGenerate(r)
		if err != nil {
			writeJSONError(w, status, err.Error())
			return
		}

		start := time.Now()
		lvl := requestLogLevel(r)
		if lvl >= LevelDebug {
			logEvent(r, zerolog.DebugLevel).Int("prompt_bytes", len(req.Prompt)).Str("mode", req.Mode).Msg("generate start")
		}

		// Shutdown of the base context cancels waiting requests too.
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		out := svc.Respond(ctx, req)

		if r.Context().Err() != nil {
			// client went away; nothing to write
			return
		}
		status = statusFor(out.Kind)
		if lvl >= LevelInfo || (lvl >= LevelError && status >= 500) {
			evLvl := zerolog.InfoLevel
			if status >= 500 {
				evLvl = zerolog.ErrorLevel
			}
			ev := logEvent(r, evLvl).Int("status", status).Str("kind", string(out.Kind)).Dur("dur", time.Since(start))
			if out.Kind == gateway.KindOK {
				ev = ev.Int("tokens", out.Meta.Tokens).Str("ticket", out.Meta.TicketID).Dur("queue_wait", out.Meta.QueueWait)
			} else {
				ev = ev.Str("reason", out.Reason)
			}
			ev.Msg("generate end")
		}

		if out.Kind != gateway.KindOK {
			if out.Kind == gateway.KindBusy {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(out.RetryAfter)))
				IncrementBackpressure(backpressureReason(out.Reason))
			}
			writeJSON(w, status, types.ErrorResponse{
				Error:      out.Reason,
				Kind:       string(out.Kind),
				Code:       status,
				Violations: out.Violations,
			})
			return
		}
		writeJSON(w, http.StatusOK, types.GenerateResponse{
			Text:         out.Text,
			Tokens:       out.Meta.Tokens,
			DurationMS:   out.Meta.Duration.Milliseconds(),
			QueueWaitMS:  out.Meta.QueueWait.Milliseconds(),
			FinishReason: out.Meta.FinishReason,
			Warnings:     out.Meta.Warnings,
		})
	}
}

// decodeGenerate reads a JSON body or a form. Field-level checks belong to the
// validator; only transport errors are reported here.
func decodeGenerate(r *http.Request) (types.GenerateRequest, int, error) {
	var req types.GenerateRequest
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return req, http.StatusUnsupportedMediaType, errors.New("Content-Type must be application/json or a form")
	}
	switch strings.ToLower(mt) {
	case "application/json":
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				return req, http.StatusRequestEntityTooLarge, errors.New("request body too large")
			}
			return req, http.StatusBadRequest, errors.New("invalid JSON body")
		}
		return req, 0, nil
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := parseForm(r, mt); err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				return req, http.StatusRequestEntityTooLarge, errors.New("request body too large")
			}
			return req, http.StatusBadRequest, errors.New("invalid form body")
		}
		return formRequest(r)
	default:
		return req, http.StatusUnsupportedMediaType, errors.New("Content-Type must be application/json or a form")
	}
}

func parseForm(r *http.Request, mt string) error {
	if mt == "multipart/form-data" {
		return r.ParseMultipartForm(maxBodyBytes)
	}
	return r.ParseForm()
}

func formRequest(r *http.Request) (types.GenerateRequest, int, error) {
	req := types.GenerateRequest{
		Prompt: r.PostFormValue("prompt"),
		Mode:   r.PostFormValue("mode"),
	}
	var bad []string
	if v := r.PostFormValue("max_tokens"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			bad = append(bad, "max_tokens")
		}
		req.MaxTokens = &n
	}
	if v := r.PostFormValue("temperature"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			bad = append(bad, "temperature")
		}
		req.Temperature = &f
	}
	if v := r.PostFormValue("top_p"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			bad = append(bad, "top_p")
		}
		req.TopP = &f
	}
	if v := r.PostFormValue("seed"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			bad = append(bad, "seed")
		}
		req.Seed = &n
	}
	if len(bad) > 0 {
		return req, http.StatusBadRequest, fmt.Errorf("malformed form fields: %s", strings.Join(bad, ", "))
	}
	return req, 0, nil
}

func statusFor(k gateway.Kind) int {
	switch k {
	case gateway.KindOK:
		return http.StatusOK
	case gateway.KindInvalidInput:
		return http.StatusBadRequest
	case gateway.KindBusy:
		return http.StatusTooManyRequests
	case gateway.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}

func backpressureReason(reason string) string {
	switch reason {
	case gateway.ReasonModelBusy:
		return "busy"
	case gateway.ReasonQueueFull:
		return "queue_full"
	case gateway.ReasonShuttingDown:
		return "shutting_down"
	default:
		return ""
	}
}
