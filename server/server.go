// Package server exposes the gas loan engine over HTTP. Handlers parse and
// validate transport input, delegate to the engine, and map typed failures
// to status codes; no lifecycle logic lives here.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gaslend/auth"
	"gaslend/engine"
	"gaslend/loan"
	"gaslend/models"
	"gaslend/observability/metrics"
	"gaslend/storage"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine *engine.Engine
	Gate   *auth.Gate
	Logger *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	engine *engine.Engine
	gate   *auth.Gate
	logger *slog.Logger
	router http.Handler
}

// New constructs a configured HTTP router with authentication.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{engine: cfg.Engine, gate: cfg.Gate, logger: logger}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.gate.Middleware(s.authError))
		api.Post("/offers", s.CreateOffer)
		api.Get("/offers", s.ListOffers)
		api.Get("/offers/{id}", s.GetOffer)
		api.Post("/offers/{borrower}/{nonce}/execute", s.ExecuteOffer)
		api.Put("/borrowers/{borrower}/policy", s.RegisterBorrowerPolicy)
	})

	return r
}

func (s *Server) authError(w http.ResponseWriter, r *http.Request, err error) {
	if loan.Classify(err) == loan.KindRateLimited {
		metrics.RateLimitRejections.Inc()
	}
	writeError(w, err)
}

// CreateOffer signs and persists a new offer for the verified agent.
func (s *Server) CreateOffer(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Borrower        string `json:"borrower"`
		Principal       string `json:"principal"`
		InterestBps     uint32 `json:"interestBps"`
		DurationSeconds int64  `json:"durationSeconds"`
		OfferTTLSeconds int64  `json:"offerTtlSeconds"`
		Action          uint8  `json:"action"`
		MetadataHash    string `json:"metadataHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid payload: %v", loan.ErrValidation, err))
		return
	}
	resp, err := s.engine.CreateOffer(r.Context(), identity, engine.CreateOfferRequest{
		Borrower:        req.Borrower,
		Principal:       req.Principal,
		InterestBps:     req.InterestBps,
		DurationSeconds: req.DurationSeconds,
		OfferTTLSeconds: req.OfferTTLSeconds,
		Action:          req.Action,
		MetadataHash:    req.MetadataHash,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

// ExecuteOffer settles a borrower-accepted offer on chain.
func (s *Server) ExecuteOffer(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.FromContext(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	borrower := chi.URLParam(r, "borrower")
	nonce, err := strconv.ParseUint(chi.URLParam(r, "nonce"), 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid nonce", loan.ErrValidation))
		return
	}
	var req struct {
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid payload: %v", loan.ErrValidation, err))
		return
	}
	if strings.TrimSpace(req.Signature) == "" {
		writeError(w, fmt.Errorf("%w: signature is required", loan.ErrValidation))
		return
	}
	resp, err := s.engine.ExecuteOffer(r.Context(), borrower, nonce, req.Signature)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ListOffers returns the agent's offers, optionally filtered by status and
// borrower, newest first.
func (s *Server) ListOffers(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	query := r.URL.Query()
	filter := storage.ListFilter{
		Status: models.OfferStatus(strings.TrimSpace(query.Get("status"))),
	}
	if raw := strings.TrimSpace(query.Get("borrower")); raw != "" {
		borrower, err := loan.NormalizeAddress(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		filter.Borrower = borrower
	}
	if raw := query.Get("limit"); raw != "" {
		filter.Limit, _ = strconv.Atoi(raw)
	}
	if raw := query.Get("offset"); raw != "" {
		filter.Offset, _ = strconv.Atoi(raw)
	}
	offers, err := s.engine.ListOffers(r.Context(), identity, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"offers": offers})
}

// GetOffer returns a single offer by record id.
func (s *Server) GetOffer(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid offer id", loan.ErrValidation))
		return
	}
	resp, err := s.engine.GetOffer(r.Context(), identity, id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// RegisterBorrowerPolicy stores per-borrower offer caps.
func (s *Server) RegisterBorrowerPolicy(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		MaxPrincipal    string `json:"maxPrincipal"`
		MaxDurationSecs int64  `json:"maxDurationSecs"`
		Enabled         bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid payload: %v", loan.ErrValidation, err))
		return
	}
	err = s.engine.RegisterBorrowerPolicy(r.Context(), identity, engine.BorrowerPolicyRequest{
		Borrower:        chi.URLParam(r, "borrower"),
		MaxPrincipal:    req.MaxPrincipal,
		MaxDurationSecs: req.MaxDurationSecs,
		Enabled:         req.Enabled,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", "err", err)
	}
}
