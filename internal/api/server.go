// Package api is the thin HTTP adapter over the analytics core: REST
// queries in pull mode, replay sessions streamed over SSE and websockets.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/market-analytics-engine/internal/config"
	"github.com/market-analytics-engine/internal/storage"
	"github.com/market-analytics-engine/pkg/observability"
)

// Server wires the router, storage, and replay session manager.
type Server struct {
	config   *config.Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	store    *storage.SqliteProvider
	sessions *SessionManager
	router   *mux.Router
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics, store *storage.SqliteProvider) *Server {
	server := &Server{
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		store:    store,
		sessions: NewSessionManager(cfg.Replay, logger, metrics, store),
	}
	server.router = server.buildRouter()
	return server
}

// Handler returns the fully-assembled HTTP handler, with CORS applied.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.config.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	})
	return c.Handler(s.router)
}

func (s *Server) buildRouter() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.instrument("/health", s.handleHealth)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/assets", s.instrument("/assets", s.handleListAssets)).Methods("GET")
	router.HandleFunc("/assets/{asset}/data", s.instrument("/assets/{asset}/data", s.handleAssetData)).Methods("GET")

	router.HandleFunc("/dag/nodes", s.instrument("/dag/nodes", s.handleListAnalytics)).Methods("GET")
	router.HandleFunc("/analytics/batch", s.instrument("/analytics/batch", s.handleBatchAnalytics)).Methods("POST")
	router.HandleFunc("/analytics/{asset}/{type}", s.instrument("/analytics/{asset}/{type}", s.handleAnalytics)).Methods("GET")

	router.HandleFunc("/replay", s.instrument("/replay", s.handleCreateSession)).Methods("POST")
	router.HandleFunc("/replay/{session_id}", s.instrument("/replay/{session_id}", s.handleSessionStatus)).Methods("GET")
	router.HandleFunc("/replay/{session_id}", s.instrument("/replay/{session_id}", s.handleStopSession)).Methods("DELETE")

	router.HandleFunc("/stream/{session_id}", s.handleStream).Methods("GET")
	router.HandleFunc("/ws/{session_id}", s.handleWebsocket).Methods("GET")

	return router
}

// instrument wraps a handler with request metrics.
func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)

		s.metrics.RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(recorder.status)).Inc()
		s.metrics.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
