// server.go - REST API for the mixer daemon.
//
// Exposes endpoints for deposit submission, withdrawal, root queries, and
// operational introspection. Every state-changing request is followed by a
// snapshot save so the pool survives restarts.

package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"mixer/internal/merkle"
	"mixer/internal/mixer"
)

// DepositRequest is the REST request for submitting a commitment
type DepositRequest struct {
	Commitment string `json:"commitment"` // decimal digest
	Value      string `json:"value"`      // decimal amount
}

// DepositResponse reports the assigned leaf index and the new root
type DepositResponse struct {
	LeafIndex uint64 `json:"leaf_index"`
	Root      string `json:"root"`
}

// WithdrawRequest is the REST request for spending a note
type WithdrawRequest struct {
	Proof         string `json:"proof"` // hex-encoded Groth16 proof
	Root          string `json:"root"`
	NullifierHash string `json:"nullifier_hash"`
	Recipient     string `json:"recipient"` // 0x-prefixed address
}

// RootResponse reports the current accumulator state
type RootResponse struct {
	Root         string `json:"root"`
	LeafCount    uint64 `json:"leaf_count"`
	Denomination string `json:"denomination"`
	TreeDepth    int    `json:"tree_depth"`
}

// ErrorResponse is the uniform error body
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server wires the pool into net/http.
type Server struct {
	cfg     *Config
	log     *Logger
	pool    *mixer.Pool
	metrics *MetricsCollector
	health  *HealthChecker
	limiter *ClientRateLimiter
	httpSrv *http.Server
}

// NewServer creates the REST server around an initialised pool.
func NewServer(cfg *Config, log *Logger, pool *mixer.Pool, metrics *MetricsCollector, health *HealthChecker) *Server {
	s := &Server{
		cfg:     cfg,
		log:     log,
		pool:    pool,
		metrics: metrics,
		health:  health,
		limiter: NewClientRateLimiter(cfg.RateLimitTokens, cfg.RateLimitTokens, time.Duration(cfg.RateLimitRefill)*time.Second),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/deposit", s.limited(s.handleDeposit))
	mux.HandleFunc("/withdraw", s.limited(s.handleWithdraw))
	mux.HandleFunc("/root", s.handleRoot)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)

	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("listening on %s", s.cfg.ListenAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server: %v", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(r.RemoteAddr) {
			s.metrics.RecordError("rate_limited")
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	commitment, err := parseDigest(req.Commitment)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("commitment: %v", err))
		return
	}
	value, err := uint256.FromDecimal(req.Value)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("value: %v", err))
		return
	}

	index, err := s.pool.Deposit(commitment, value)
	if err != nil {
		s.metrics.RecordError("deposit")
		s.log.Warn("deposit rejected: %v", err)
		s.writeError(w, depositStatus(err), err.Error())
		return
	}

	s.metrics.RecordDeposit(s.pool.LeafCount())
	s.log.Audit("deposit", map[string]interface{}{"leaf_index": index})
	s.persist()
	s.writeJSON(w, http.StatusOK, DepositResponse{
		LeafIndex: index,
		Root:      s.pool.Root().String(),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	proof, err := hex.DecodeString(strings.TrimPrefix(req.Proof, "0x"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "proof is not valid hex")
		return
	}
	root, err := parseDigest(req.Root)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("root: %v", err))
		return
	}
	nullifierHash, err := parseDigest(req.NullifierHash)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("nullifier_hash: %v", err))
		return
	}
	if !common.IsHexAddress(req.Recipient) {
		s.writeError(w, http.StatusBadRequest, "recipient is not a valid address")
		return
	}
	recipient := common.HexToAddress(req.Recipient)

	start := time.Now()
	err = s.pool.Withdraw(proof, root, nullifierHash, recipient)
	if err != nil {
		s.metrics.RecordError("withdraw")
		s.log.Warn("withdraw rejected: %v", err)
		s.writeError(w, withdrawStatus(err), err.Error())
		return
	}

	s.metrics.RecordWithdraw(time.Since(start))
	s.log.Audit("withdraw", map[string]interface{}{
		"recipient":      recipient.Hex(),
		"nullifier_hash": nullifierHash.String(),
	})
	s.persist()
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, `{"status":"ok"}`)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, RootResponse{
		Root:         s.pool.Root().String(),
		LeafCount:    s.pool.LeafCount(),
		Denomination: s.pool.Denomination().Dec(),
		TreeDepth:    s.cfg.TreeDepth,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deposits":    s.pool.Deposits(),
		"withdrawals": s.pool.Withdrawals(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.health.CheckHealth()
	code := http.StatusOK
	if health.OverallStatus == Unhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, CreateHealthResponse(health))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.metrics.GetMetricsSummary())
}

// persist writes the snapshot after a successful state transition.
func (s *Server) persist() {
	start := time.Now()
	if err := s.pool.Snapshot().SaveToFile(s.cfg.StatePath); err != nil {
		// The in-memory state is still authoritative; flag it loudly and let
		// the health endpoint surface the failing state file.
		s.metrics.RecordError("state_save")
		s.log.Error("state save failed: %v", err)
		return
	}
	s.metrics.RecordStateSave(time.Since(start))
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, ErrorResponse{Error: msg})
}

func parseDigest(enc string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(enc, 10)
	if !ok {
		return nil, fmt.Errorf("not a decimal digest: %q", enc)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("digest must be non-negative")
	}
	return v, nil
}

func depositStatus(err error) int {
	switch {
	case errors.Is(err, mixer.ErrDuplicateCommitment):
		return http.StatusConflict
	case errors.Is(err, mixer.ErrWrongDenomination):
		return http.StatusBadRequest
	case errors.Is(err, merkle.ErrTreeFull):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func withdrawStatus(err error) int {
	switch {
	case errors.Is(err, mixer.ErrUnknownRoot):
		return http.StatusBadRequest
	case errors.Is(err, mixer.ErrNullifierSpent):
		return http.StatusConflict
	case errors.Is(err, mixer.ErrInvalidProof):
		return http.StatusBadRequest
	case errors.Is(err, mixer.ErrTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, mixer.ErrReentrantCall):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
