package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"voltsettle/internal/challenge"
	"voltsettle/internal/config"
	"voltsettle/internal/hmacauth"
	"voltsettle/internal/ledger"
	"voltsettle/internal/metrics"
	"voltsettle/internal/review"
	"voltsettle/internal/settlement"

	"github.com/google/uuid"
)

const headerChallenge = "X-Challenge"

type Deps struct {
	Ledger     *ledger.Ledger
	Settlement *settlement.Scheduler
	// Challenges may be nil, which disables the X-Challenge check.
	Challenges *challenge.Issuer
	Reviews    review.Queue
	Metrics    *metrics.Registry
	DBHealth   func(context.Context) error
	RPCHealth  func(context.Context) error
}

type Server struct {
	cfg        *config.AppConfig
	deps       Deps
	hmac       *hmacauth.Verifier
	httpServer *http.Server
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
	}

	signed := func(h http.HandlerFunc) http.Handler { return s.hmac.Middleware(h) }

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/challenges", signed(s.handleIssueChallenge))
	mux.Handle("POST /api/v1/investments", signed(s.handleCreateInvestment))
	mux.HandleFunc("GET /api/v1/investments", s.handleListInvestments)
	mux.HandleFunc("GET /api/v1/investments/{id}", s.handleGetInvestment)
	mux.HandleFunc("GET /api/v1/pools", s.handleListPools)
	mux.HandleFunc("GET /api/v1/pools/{invoiceId}", s.handlePoolStats)
	mux.Handle("POST /api/v1/settlements", signed(s.handleSweep))
	mux.HandleFunc("GET /api/v1/reviews", s.handleListReviews)
	mux.Handle("POST /api/v1/reviews/{key}/resolve", signed(s.handleResolveReview))
	mux.Handle("GET /api/v1/metrics", deps.Metrics.Handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	log.Printf("API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type challengeRequest struct {
	InvestorID string `json:"investorId"`
}

func (s *Server) handleIssueChallenge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Challenges == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "challenges are disabled"})
		return
	}
	var payload challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json payload"})
		return
	}
	c, err := s.deps.Challenges.Issue(r.Context(), strings.TrimSpace(payload.InvestorID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleCreateInvestment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload ledger.AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json payload"})
		return
	}

	if s.deps.Challenges != nil {
		nonce := strings.TrimSpace(r.Header.Get(headerChallenge))
		if nonce == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing " + headerChallenge + " header"})
			return
		}
		if err := s.deps.Challenges.Consume(ctx, nonce, payload.InvestorID); err != nil {
			writeError(w, err)
			return
		}
	}

	alloc, err := s.deps.Ledger.Allocate(ctx, payload)
	if err != nil {
		log.Printf("api: allocate %s for %s: %v", payload.DepositTxID, payload.InvoiceID, err)
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if alloc.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, alloc)
}

func (s *Server) handleListInvestments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		InvestorID: strings.TrimSpace(q.Get("investorId")),
		Status:     ledger.Status(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
		f.Limit = n
	}
	list, err := s.deps.Ledger.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []ledger.Investment{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"investments": list, "count": len(list)})
}

func (s *Server) handleGetInvestment(w http.ResponseWriter, r *http.Request) {
	inv, err := s.deps.Ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.PoolFilter{Status: ledger.PoolStatus(q.Get("status"))}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &filter.Page}, {"limit", &filter.Limit}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: p.name + " must be a positive integer", Kind: ledger.KindInputValidation.String()})
			return
		}
		*p.dst = n
	}
	page, err := s.deps.Ledger.ListPools(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Ledger.PoolStats(r.Context(), r.PathValue("invoiceId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settlement == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "settlement is disabled"})
		return
	}
	report, err := s.deps.Settlement.Sweep(r.Context())
	if errors.Is(err, settlement.ErrSweepInProgress) {
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	flags, err := s.deps.Reviews.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if flags == nil {
		flags = []review.Flag{}
	}
	s.deps.Metrics.SetReviewDepth(len(flags))
	writeJSON(w, http.StatusOK, map[string]interface{}{"flags": flags, "count": len(flags)})
}

func (s *Server) handleResolveReview(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.deps.Reviews.Resolve(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	log.Printf("api: review flag %s resolved", key)
	w.WriteHeader(http.StatusNoContent)
}

type depStatus struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func checkDep(ctx context.Context, fn func(context.Context) error) depStatus {
	if fn == nil {
		return depStatus{Connected: true}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := fn(ctx); err != nil {
		return depStatus{Error: err.Error()}
	}
	return depStatus{Connected: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rpc := checkDep(ctx, s.deps.RPCHealth)
	db := checkDep(ctx, s.deps.DBHealth)

	depth := 0
	if flags, err := s.deps.Reviews.List(ctx); err == nil {
		depth = len(flags)
		s.deps.Metrics.SetReviewDepth(depth)
	}

	status, code := "healthy", http.StatusOK
	if !rpc.Connected || !db.Connected {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, struct {
		Status      string    `json:"status"`
		RPC         depStatus `json:"rpc"`
		Database    depStatus `json:"database"`
		ReviewDepth int       `json:"review_depth"`
	}{
		Status:      status,
		RPC:         rpc,
		Database:    db,
		ReviewDepth: depth,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}
