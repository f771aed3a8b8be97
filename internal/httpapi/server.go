// Package httpapi exposes the agent ledger over HTTP.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/agentledger/internal/audit"
	"github.com/R3E-Network/agentledger/internal/eligibility"
	"github.com/R3E-Network/agentledger/internal/hierarchy"
	"github.com/R3E-Network/agentledger/internal/metrics"
	"github.com/R3E-Network/agentledger/pkg/logger"
)

// AuditLog is the part of the audit trail served over HTTP.
type AuditLog interface {
	Append(ctx context.Context, e audit.Entry) bool
	Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
}

// Deps are the components the API is built from. Limiter and Stream may be nil.
type Deps struct {
	Ledger      *hierarchy.Service
	Eligibility *eligibility.Evaluator
	Audit       AuditLog
	Stream      AuditStream
	Auth        *Authenticator
	Limiter     *RateLimiter
	Logger      *logger.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	ledger      *hierarchy.Service
	eligibility *eligibility.Evaluator
	audit       AuditLog
	stream      AuditStream
	log         *logger.Logger
	router      *mux.Router
}

// NewServer wires routes and middleware.
func NewServer(deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{
		ledger:      deps.Ledger,
		eligibility: deps.Eligibility,
		audit:       deps.Audit,
		stream:      deps.Stream,
		log:         log.Component("httpapi"),
		router:      mux.NewRouter(),
	}

	s.router.Use(metrics.InstrumentHandler, logRequests(s.log))
	if deps.Auth != nil {
		s.router.Use(deps.Auth.Handler)
	}
	if deps.Limiter != nil {
		s.router.Use(deps.Limiter.Handler)
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// PublicPaths are served without authentication.
var PublicPaths = []string{"/healthz", "/metrics"}

func (s *Server) registerRoutes() {
	r := s.router
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/agents", s.allow(s.handleCreateMainAgent, RoleService, RoleAdmin)).Methods(http.MethodPost)
	r.HandleFunc("/agents/{id}", s.allow(s.handleGetAgent, RoleUser, RoleService, RoleAdmin)).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/transactions", s.allow(s.handleTransactions, RoleUser, RoleService, RoleAdmin)).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/children", s.allow(s.handleChildren, RoleUser, RoleService, RoleAdmin)).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/eligibility", s.allow(s.handleEligibility, RoleService, RoleAdmin)).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/journal", s.allow(s.handleVerifyJournal, RoleAdmin)).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/profit", s.allow(s.handleProfit, RoleService)).Methods(http.MethodPost)
	r.HandleFunc("/agents/{id}/spawn", s.allow(s.handleSpawn, RoleService, RoleAdmin)).Methods(http.MethodPost)
	r.HandleFunc("/agents/{id}/withdrawals", s.allow(s.handleWithdraw, RoleService, RoleAdmin)).Methods(http.MethodPost)
	r.HandleFunc("/agents/{id}/fees", s.allow(s.handleFee, RoleService, RoleAdmin)).Methods(http.MethodPost)
	r.HandleFunc("/agents/{id}/status", s.allow(s.handleStatus, RoleAdmin)).Methods(http.MethodPost)

	r.HandleFunc("/users/{id}/portfolio", s.allow(s.handlePortfolio, RoleUser, RoleService, RoleAdmin)).Methods(http.MethodGet)
	r.HandleFunc("/deposits", s.allow(s.handleDeposit, RoleService)).Methods(http.MethodPost)

	r.HandleFunc("/audit", s.allow(s.handleAuditQuery, RoleAdmin)).Methods(http.MethodGet)
	r.HandleFunc("/audit/events", s.allow(s.handleAuditAppend, RoleService, RoleAdmin)).Methods(http.MethodPost)
	r.HandleFunc("/audit/stream", s.allow(s.handleAuditStream, RoleAdmin)).Methods(http.MethodGet)
}

func (s *Server) allow(h http.HandlerFunc, roles ...Role) http.HandlerFunc {
	return requireRole(s.log, h, roles...)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
