package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Controller registers its routes on a router
type Controller interface {
	Register(r *mux.Router)
}

// RouterConfig lists the operational handlers mounted next to the controllers
type RouterConfig struct {
	Health      http.Handler
	Liveness    http.Handler
	Metrics     http.Handler
	MetricsPath string
	Logger      *slog.Logger
}

// NewRouter mounts the controllers plus /healthz, /livez and the metrics path
func NewRouter(cfg RouterConfig, controllers ...Controller) *mux.Router {
	r := mux.NewRouter()
	if cfg.Logger != nil {
		r.Use(accessLog(cfg.Logger))
	}
	for _, c := range controllers {
		c.Register(r)
	}
	if cfg.Health != nil {
		r.Handle("/healthz", cfg.Health).Methods(http.MethodGet)
	}
	if cfg.Liveness != nil {
		r.Handle("/livez", cfg.Liveness).Methods(http.MethodGet)
	}
	if cfg.Metrics != nil && cfg.MetricsPath != "" {
		r.Handle(cfg.MetricsPath, cfg.Metrics).Methods(http.MethodGet)
	}
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func accessLog(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
			)
		})
	}
}
