package rest

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"codeground/internal/metrics"
	"codeground/internal/registry"
	"codeground/internal/service"
	"codeground/internal/transport/rest/handler"
	"codeground/internal/transport/rest/middleware"
	"codeground/internal/transport/ws"
)

// Container holds all dependencies for the router
type Container struct {
	Registry    *registry.Registry
	Snapshots   handler.SnapshotStore
	AuthService *service.AuthService
	WSHandler   *ws.Handler
	Gatherer    prometheus.Gatherer
	CORSOrigins string
	Log         *zap.Logger
}

// NewRouter creates the API router with all endpoints
func NewRouter(c *Container) http.Handler {
	r := mux.NewRouter()

	// Initialize handlers
	authHandler := handler.NewAuthHandler(c.AuthService)
	sessionHandler := handler.NewSessionHandler(c.Registry, c.Snapshots, c.Log)

	// Initialize middleware
	authMW := middleware.NewAuthMiddleware(c.AuthService)

	// CORS middleware (apply first)
	r.Use(corsMiddleware(c.CORSOrigins))
	r.Use(middleware.AccessLog(c.Log))

	// API v1 routes
	v1 := r.PathPrefix("/v1").Subrouter()

	// Public routes
	v1.HandleFunc("/sessions", sessionHandler.List).Methods("GET", "OPTIONS")
	v1.HandleFunc("/sessions/{id}/token", authHandler.IssueToken).Methods("POST", "OPTIONS")

	// WebSocket route (token in query param when auth is enabled)
	if c.WSHandler != nil {
		v1.HandleFunc("/ws", c.WSHandler.ServeWS).Methods("GET")
	}

	// Participant routes
	participantRoutes := v1.NewRoute().Subrouter()
	participantRoutes.Use(authMW.RequireParticipant)
	participantRoutes.HandleFunc("/sessions/{id}", sessionHandler.Get).Methods("GET", "OPTIONS")
	participantRoutes.HandleFunc("/sessions/{id}", sessionHandler.Delete).Methods("DELETE")

	// Health check
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	if c.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(c.Gatherer)).Methods("GET")
	}

	return r
}

func corsMiddleware(allowedOrigins string) func(http.Handler) http.Handler {
	origins := lo.FilterMap(strings.Split(allowedOrigins, ","), func(o string, _ int) (string, bool) {
		o = strings.TrimSpace(o)
		return o, o != ""
	})
	wildcard := len(origins) == 0 || lo.Contains(origins, "*")
	const (
		allowedMethods = "GET, POST, DELETE, OPTIONS"
		allowedHeaders = "Content-Type, Authorization"
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case lo.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
