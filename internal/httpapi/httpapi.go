// Package httpapi serves a read-only JSON view of the claim ledger.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/rabbitholeanalytics/gelato-network/internal/claims"
	"github.com/rabbitholeanalytics/gelato-network/internal/fault"
	"github.com/rabbitholeanalytics/gelato-network/internal/gate"
	"github.com/rabbitholeanalytics/gelato-network/internal/params"
	"github.com/rabbitholeanalytics/gelato-network/internal/plugin"
	"github.com/rabbitholeanalytics/gelato-network/internal/registry"
)

// Core is the read surface of engine.Core the API exposes.
type Core interface {
	Claim(id uint64) (claims.Claim, error)
	Claims(f claims.Filter) []claims.Claim
	Escrow(id uint64) uint64
	CanExecute(ctx context.Context, id uint64, executor string) gate.Verdict
	ProviderFunds(provider string) uint64
	WhitelistOf(provider string, kind registry.Kind) []plugin.Ref
	ExecutorStake(executor string) uint64
	ExecutorPrice(executor string) uint64
	IsMinStaked(executor string) bool
	LiveBoundCount(executor string) int
	SysAdminFunds() uint64
	Params() params.Values
	CurrentClaimID() uint64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics mounts h at GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHealthCheck adds a dependency check to GET /healthz.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(s *Server) { s.health = check }
}

// Server routes API requests to a Core.
type Server struct {
	core    Core
	logger  *slog.Logger
	metrics http.Handler
	health  func(context.Context) error
	router  chi.Router
}

// New builds the router.
func New(core Core, opts ...Option) *Server {
	s := &Server{core: core, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/params", s.handleParams)
	r.Get("/sysadmin", s.handleSysAdmin)
	r.Route("/claims", func(api chi.Router) {
		api.Get("/", s.handleListClaims)
		api.Get("/{id}", s.handleGetClaim)
		api.Get("/{id}/can-execute", s.handleCanExecute)
	})
	r.Get("/providers/{id}", s.handleProvider)
	r.Get("/executors/{id}", s.handleExecutor)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code fault.Code, message string) {
	writeJSON(w, status, map[string]any{
		"request_id": "req_" + uuid.NewString(),
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// writeFault maps a fault code to an HTTP status.
func writeFault(w http.ResponseWriter, err error) {
	code := fault.CodeOf(err)
	status := http.StatusConflict
	switch code {
	case fault.CodeNotFound:
		status = http.StatusNotFound
	case fault.CodeInvalidArgument:
		status = http.StatusBadRequest
	case fault.CodeUnauthorized:
		status = http.StatusForbidden
	}
	var fe *fault.Error
	if !errors.As(err, &fe) {
		status = http.StatusInternalServerError
	}
	writeError(w, status, code, err.Error())
}

func claimID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, fault.CodeInvalidArgument, "claim id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ParamsView is the GET /params body: the network parameters and the last
// claim id handed out.
type ParamsView struct {
	params.Values
	CurrentClaimID uint64 `json:"current_claim_id"`
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ParamsView{Values: s.core.Params(), CurrentClaimID: s.core.CurrentClaimID()})
}

// SysAdminView is the GET /sysadmin body.
type SysAdminView struct {
	Owner string `json:"owner"`
	Funds uint64 `json:"funds"`
}

func (s *Server) handleSysAdmin(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SysAdminView{Owner: s.core.Params().Owner, Funds: s.core.SysAdminFunds()})
}

// ClaimView is a claim with its current escrow balance.
type ClaimView struct {
	claims.Claim
	Escrow uint64 `json:"escrow"`
}

func (s *Server) handleListClaims(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := claims.Filter{
		Provider: q.Get("provider"),
		Executor: q.Get("executor"),
		User:     q.Get("user"),
	}
	if raw := q.Get("state"); raw != "" {
		st, err := claims.ParseState(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fault.CodeInvalidArgument, err.Error())
			return
		}
		f.State = st
	}

	list := s.core.Claims(f)
	out := make([]ClaimView, 0, len(list))
	for _, c := range list {
		out = append(out, ClaimView{Claim: c, Escrow: s.core.Escrow(c.ID)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": out})
}

func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := claimID(w, r)
	if !ok {
		return
	}
	c, err := s.core.Claim(id)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimView{Claim: c, Escrow: s.core.Escrow(id)})
}

// VerdictView is the GET /claims/{id}/can-execute body.
type VerdictView struct {
	gate.Verdict
	OK        bool `json:"ok"`
	Retryable bool `json:"retryable"`
}

func (s *Server) handleCanExecute(w http.ResponseWriter, r *http.Request) {
	id, ok := claimID(w, r)
	if !ok {
		return
	}
	executor := r.URL.Query().Get("executor")
	if executor == "" {
		writeError(w, http.StatusBadRequest, fault.CodeInvalidArgument, "executor query parameter is required")
		return
	}
	v := s.core.CanExecute(r.Context(), id, executor)
	writeJSON(w, http.StatusOK, VerdictView{Verdict: v, OK: v.OK(), Retryable: v.Retryable()})
}

// ProviderView is the GET /providers/{id} body.
type ProviderView struct {
	Provider   string       `json:"provider"`
	Funds      uint64       `json:"funds"`
	Conditions []plugin.Ref `json:"conditions"`
	Actions    []plugin.Ref `json:"actions"`
	Modules    []plugin.Ref `json:"modules"`
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	p := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, ProviderView{
		Provider:   p,
		Funds:      s.core.ProviderFunds(p),
		Conditions: nonNil(s.core.WhitelistOf(p, registry.KindCondition)),
		Actions:    nonNil(s.core.WhitelistOf(p, registry.KindAction)),
		Modules:    nonNil(s.core.WhitelistOf(p, registry.KindModule)),
	})
}

// ExecutorView is the GET /executors/{id} body.
type ExecutorView struct {
	Executor    string `json:"executor"`
	Stake       uint64 `json:"stake"`
	Price       uint64 `json:"price"`
	MinStaked   bool   `json:"min_staked"`
	BoundClaims int    `json:"bound_claims"`
}

func (s *Server) handleExecutor(w http.ResponseWriter, r *http.Request) {
	e := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, ExecutorView{
		Executor:    e,
		Stake:       s.core.ExecutorStake(e),
		Price:       s.core.ExecutorPrice(e),
		MinStaked:   s.core.IsMinStaked(e),
		BoundClaims: s.core.LiveBoundCount(e),
	})
}

func nonNil(refs []plugin.Ref) []plugin.Ref {
	if refs == nil {
		return []plugin.Ref{}
	}
	return refs
}
