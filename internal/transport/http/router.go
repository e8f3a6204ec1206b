package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/logger"
)

const defaultTopN = 10

// APIResponse is the envelope of every REST response.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type api struct {
	service *app.Service
	log     *slog.Logger
}

// NewRouter mounts the websocket endpoint, the read-only leaderboard API,
// health and metrics.
func NewRouter(service *app.Service, ws *WSHandler, log *slog.Logger) http.Handler {
	a := &api{service: service, log: logger.WithComponent(log, "http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", ws.ServeWS)

	r.Route("/api/v1/games/{code}", func(r chi.Router) {
		r.Get("/leaderboard", a.leaderboard)
		r.Get("/rank/{userID}", a.rank)
	})
	return r
}

func (a *api) leaderboard(w http.ResponseWriter, r *http.Request) {
	target, err := parseTarget(r.URL.Query().Get("target"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	n := defaultTopN
	if raw := r.URL.Query().Get("n"); raw != "" {
		n, err = strconv.Atoi(raw)
		if err != nil || n < 0 {
			a.writeError(w, domain.ErrInvalidPayload)
			return
		}
	}
	board, err := a.service.Leaderboard(r.Context(), chi.URLParam(r, "code"), target, n)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: board})
}

func (a *api) rank(w http.ResponseWriter, r *http.Request) {
	target, err := parseTarget(r.URL.Query().Get("target"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	entry, err := a.service.RankOf(r.Context(), chi.URLParam(r, "code"), target, chi.URLParam(r, "userID"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: entry})
}

func parseTarget(raw string) (domain.Target, error) {
	switch domain.Target(raw) {
	case "", domain.TargetLive:
		return domain.TargetLive, nil
	case domain.TargetDeferred:
		return domain.TargetDeferred, nil
	default:
		return "", domain.ErrInvalidPayload
	}
}

func (a *api) writeJSON(w http.ResponseWriter, status int, body APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.log.Debug("write response failed", "error", err)
	}
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed", "error", err)
	}
	a.writeJSON(w, status, APIResponse{Success: false, Error: domain.SoftMessage(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrGameNotFound), errors.Is(err, domain.ErrUnknownParticipant):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
