// Package server exposes the engine over HTTP: a REST surface for devices,
// alerts and monitoring control, a WebSocket event stream, and Prometheus
// metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/fleetwatch/fleetwatch/internal/alert"
	"github.com/fleetwatch/fleetwatch/internal/events"
	"github.com/fleetwatch/fleetwatch/internal/middleware"
	"github.com/fleetwatch/fleetwatch/internal/scheduler"
	"github.com/fleetwatch/fleetwatch/internal/store"
)

// Config tunes the HTTP server.
type Config struct {
	Listen         string
	AllowedOrigins []string
	RequestsPerMin int
}

// Server wires the engine components behind the HTTP surface.
type Server struct {
	cfg       Config
	scheduler *scheduler.Scheduler
	alerts    *alert.Manager
	store     store.Store
	bus       *events.Bus
	log       *zap.Logger

	httpSrv *http.Server
}

// New builds the server. Start must be called to begin serving.
func New(cfg Config, sched *scheduler.Scheduler, alerts *alert.Manager, st store.Store, bus *events.Bus, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RequestsPerMin <= 0 {
		cfg.RequestsPerMin = 600
	}
	s := &Server{
		cfg:       cfg,
		scheduler: sched,
		alerts:    alerts,
		store:     st,
		bus:       bus,
		log:       log,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	limiter := middleware.NewRateLimiter(cfg.RequestsPerMin)
	api.Use(limiter.Middleware)

	api.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/devices/{key}/monitoring", s.handleSetMonitoring).Methods("PATCH")
	api.HandleFunc("/devices/{key}/metrics", s.handleDeviceMetrics).Methods("GET")
	api.HandleFunc("/alerts", s.handleActiveAlerts).Methods("GET")
	api.HandleFunc("/alerts/history", s.handleAlertHistory).Methods("GET")
	api.HandleFunc("/alerts/{id}/acknowledge", s.handleAcknowledgeAlert).Methods("POST")
	api.HandleFunc("/monitoring/start", s.handleMonitoringStart).Methods("POST")
	api.HandleFunc("/monitoring/stop", s.handleMonitoringStop).Methods("POST")
	api.HandleFunc("/monitoring/status", s.handleMonitoringStatus).Methods("GET")
	api.HandleFunc("/thresholds", s.handleGetThresholds).Methods("GET")
	api.HandleFunc("/thresholds", s.handlePutThresholds).Methods("PUT")
	api.HandleFunc("/events/ws", s.handleEventsWS).Methods("GET")

	router.Use(s.loggingMiddleware)
	router.Use(s.recoveryMiddleware)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.httpSrv = &http.Server{
		Addr:         cfg.Listen,
		Handler:      c.Handler(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.cfg.Listen))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.statusCode),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.log.Error("panic in handler",
					zap.Any("panic", err),
					zap.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
