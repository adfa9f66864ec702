package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"orbitmarket/core"
	"orbitmarket/native/common"
	"orbitmarket/native/dispute"
	"orbitmarket/native/market"
	"orbitmarket/observability"
)

const requestIDHeader = "X-Request-Id"

// Config carries the dependencies required to construct the HTTP server.
type Config struct {
	Node     *core.Node
	Log      *slog.Logger
	Metrics  *observability.MarketMetrics
	APIToken string
}

// Server exposes the node's market operations over HTTP. It performs request
// decoding, auth and error mapping only; all business rules live behind the
// node.
type Server struct {
	node    *core.Node
	log     *slog.Logger
	metrics *observability.MarketMetrics
	token   string

	router http.Handler
}

// New constructs a configured HTTP server.
func New(cfg Config) *Server {
	srv := &Server{
		node:    cfg.Node,
		log:     cfg.Log,
		metrics: cfg.Metrics,
		token:   strings.TrimSpace(cfg.APIToken),
	}
	if srv.log == nil {
		srv.log = slog.Default()
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.withRequestID)
	r.Use(s.withMetrics)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/market", func(api chi.Router) {
		api.Use(s.withAuth)
		api.Post("/open", s.handleOpen)
		api.Get("/events", s.handleEvents)
		api.Get("/listings/{id}", s.handleListingGet)
		api.Get("/accounts/{addr}", s.handleAccountGet)
		api.Route("/tx/{id}", func(tx chi.Router) {
			tx.Get("/", s.handleTransactionGet)
			tx.Post("/fund", s.handleFund)
			tx.Post("/ship", s.handleShip)
			tx.Post("/confirm-delivery", s.handleConfirmDelivery)
			tx.Post("/confirm-product", s.handleConfirmProduct)
			tx.Post("/close", s.handleClose)
			tx.Post("/decline", s.handleDecline)
			tx.Post("/review", s.handleReview)
			tx.Get("/dispute", s.handleDisputeGet)
			tx.Post("/dispute", s.handleDisputeOpen)
			tx.Post("/dispute/resolve", s.handleDisputeResolve)
			tx.Post("/dispute/close", s.handleDisputeClose)
		})
	})

	r.Route("/v1/admin", func(admin chi.Router) {
		admin.Use(s.withAuth)
		admin.Post("/listings", s.handleSeedListing)
		admin.Post("/accounts", s.handleSeedAccount)
		admin.Post("/pause", s.handlePause)
	})

	return r
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.ObserveHTTP(route, rec.status, time.Since(start))
	})
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(header, prefix)), []byte(s.token)) != 1 {
			s.writeError(w, r, http.StatusUnauthorized, errors.New("rpc: invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorEnvelope struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("rpc: encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.Error("rpc: request failed", "path", r.URL.Path, "err", err)
	}
	s.writeJSON(w, status, errorEnvelope{
		Error:     err.Error(),
		RequestID: w.Header().Get(requestIDHeader),
	})
}

// writeEngineError maps typed engine errors onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, market.ErrTransactionNotFound),
		errors.Is(err, market.ErrListingNotFound),
		errors.Is(err, dispute.ErrDisputeNotFound):
		s.writeError(w, r, http.StatusNotFound, err)
	case errors.Is(err, market.ErrAuthorization),
		errors.Is(err, market.ErrNotParticipant):
		s.writeError(w, r, http.StatusForbidden, err)
	case errors.Is(err, market.ErrInvalidRating),
		errors.Is(err, market.ErrInvalidReferral),
		errors.Is(err, market.ErrInvalidSellerForListing):
		s.writeError(w, r, http.StatusBadRequest, err)
	case errors.Is(err, market.ErrStateGuard),
		errors.Is(err, market.ErrDeliveryNotConfirmed),
		errors.Is(err, market.ErrDisputeExists),
		errors.Is(err, market.ErrListingExhausted),
		errors.Is(err, market.ErrInsufficientEscrow),
		errors.Is(err, dispute.ErrNotOpen),
		errors.Is(err, dispute.ErrInvalidFavor):
		s.writeError(w, r, http.StatusConflict, err)
	case errors.Is(err, common.ErrModulePaused):
		s.writeError(w, r, http.StatusServiceUnavailable, err)
	default:
		s.writeError(w, r, http.StatusInternalServerError, err)
	}
}
