// Package api serves the daemon's local control API over the session socket.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
)

// Services groups the handlers mounted by NewRouter. Nil services are not mounted.
type Services struct {
	Session *SessionService
	Chat    *ChatService
	Message *MessageService
	Sync    *SyncService
}

// NewRouter builds the control API router.
func NewRouter(s Services, logger *zap.Logger, m *metrics.Metrics) *chi.Mux {
	logger = logging.OrNop(logger).With(zap.String("component", "api"))

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger(logger, m))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", m.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.Session != nil {
			s.Session.Routes(r)
		}
		if s.Chat != nil {
			s.Chat.Routes(r)
		}
		if s.Message != nil {
			s.Message.Routes(r)
		}
		if s.Sync != nil {
			s.Sync.Routes(r)
		}
	})
	return r
}

// requestLogger logs every request and records it under its route pattern.
func requestLogger(logger *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				route := r.URL.Path
				if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
					route = rctx.RoutePattern()
				}
				took := time.Since(start)
				m.HTTPRequest(r.Method, route, ww.Status(), took)
				logger.Debug("request completed",
					zap.String("method", r.Method),
					zap.String("route", route),
					zap.Int("status", ww.Status()),
					zap.Duration("latency", took),
					zap.String("request_id", chimw.GetReqID(r.Context())),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), map[string]string{"error": err.Error()})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidMessage), errors.Is(err, model.ErrInvalidConversation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInFlight), errors.Is(err, model.ErrNotRetryable):
		return http.StatusConflict
	case errors.Is(err, model.ErrViewClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", model.ErrInvalidMessage, err)
	}
	return nil
}
