// Package api exposes the HTTP surface: the click endpoint, per-granularity
// read endpoints, the websocket upgrade, and operational endpoints.
package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcourtman/clickroll/internal/config"
	"github.com/rcourtman/clickroll/internal/ingest"
	"github.com/rcourtman/clickroll/internal/notifications"
	"github.com/rcourtman/clickroll/internal/ratelimit"
	"github.com/rcourtman/clickroll/internal/store"
	"github.com/rcourtman/clickroll/internal/turnstile"
	"github.com/rcourtman/clickroll/internal/websocket"
)

// Router handles all HTTP routes.
type Router struct {
	mux      *http.ServeMux
	config   *config.Config
	store    *store.Store
	guard    *ratelimit.Guard
	ingest   *ingest.Service
	verifier *turnstile.Verifier
	mailer   *notifications.Mailer
	hub      *websocket.Hub

	// Last flag notification per client, to keep one misbehaving client
	// from flooding the operator inbox.
	notifyMu   sync.Mutex
	notifiedAt map[string]time.Time
}

// NewRouter wires the HTTP surface.
func NewRouter(cfg *config.Config, st *store.Store, guard *ratelimit.Guard, ing *ingest.Service, verifier *turnstile.Verifier, mailer *notifications.Mailer, hub *websocket.Hub) http.Handler {
	r := &Router{
		mux:        http.NewServeMux(),
		config:     cfg,
		store:      st,
		guard:      guard,
		ingest:     ing,
		verifier:   verifier,
		mailer:     mailer,
		hub:        hub,
		notifiedAt: make(map[string]time.Time),
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("/api/health", r.handleHealth)

	r.mux.HandleFunc("/api/clicks", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodPost:
			r.handleClick(w, req)
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		}
	})

	// Rolling granularities
	r.mux.HandleFunc("/api/seconds", r.handleBuckets(store.GranularitySecond))
	r.mux.HandleFunc("/api/minutes", r.handleBuckets(store.GranularityMinute))
	r.mux.HandleFunc("/api/hours", r.handleBuckets(store.GranularityHour))
	r.mux.HandleFunc("/api/days", r.handleBuckets(store.GranularityDay))
	r.mux.HandleFunc("/api/months", r.handleBuckets(store.GranularityMonth))
	r.mux.HandleFunc("/api/years", r.handleBuckets(store.GranularityYear))

	// Non-decaying breakdowns
	r.mux.HandleFunc("/api/local-hours", r.handleBreakdowns(store.BreakdownLocalHour))
	r.mux.HandleFunc("/api/local-weekdays", r.handleBreakdowns(store.BreakdownLocalWeekday))
	r.mux.HandleFunc("/api/local-months", r.handleBreakdowns(store.BreakdownLocalMonth))
	r.mux.HandleFunc("/api/countries", r.handleCountries)
	r.mux.HandleFunc("/api/total-clicks", r.handleTotal)

	// Rate guard and verification
	r.mux.HandleFunc("/api/turnstile/status", r.handleTurnstileStatus)
	r.mux.HandleFunc("/api/turnstile/verify", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodPost:
			r.handleTurnstileVerify(w, req)
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		}
	})

	r.mux.HandleFunc("/api/donation-requests", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			r.handleListDonationRequests(w, req)
		case http.MethodPost:
			r.handleCreateDonationRequest(w, req)
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		}
	})

	r.mux.HandleFunc("/ws", r.hub.HandleWebSocket)
	r.mux.Handle("/metrics", promhttp.Handler())
}

// ServeHTTP applies CORS, then dispatches.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.applyCORS(w, req) {
		return
	}
	r.mux.ServeHTTP(w, req)
}

// applyCORS writes CORS headers for allowed origins and answers preflight
// requests. Returns true when the request is fully handled.
func (r *Router) applyCORS(w http.ResponseWriter, req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return false
	}

	for _, allowed := range r.config.AllowedOriginList() {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), strings.TrimRight(origin, "/")) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			break
		}
	}

	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}
