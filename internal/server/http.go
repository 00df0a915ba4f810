package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dcapool/internal/access"
	"dcapool/internal/executor"
	"dcapool/internal/observability"
	"dcapool/internal/query"
	"dcapool/internal/registry"
	"dcapool/internal/scheduler"
	"dcapool/internal/token"
	"dcapool/internal/vault"
)

// Server is the HTTP/JSON API over the pool registry, the bank and the
// persisted read model. Mutating requests identify the caller through the
// X-Actor-ID header; role checks happen in the layers below.
type Server struct {
	httpServer *http.Server
	addr       string
	deps       *Deps
	log        zerolog.Logger
}

// Deps holds everything the handlers need.
type Deps struct {
	Facade        *registry.Facade
	Factory       *registry.Factory
	Scheduler     *scheduler.Scheduler
	Bank          *token.Bank
	QueryService  *query.QueryService
	Executor      *executor.Executor
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Log           zerolog.Logger
}

// NewServer builds the server with all routes registered.
func NewServer(addr string, deps *Deps) *Server {
	s := &Server{addr: addr, deps: deps, log: deps.Log}

	mux := http.NewServeMux()

	if deps.HealthChecker != nil {
		mux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	}

	// Pool state
	mux.HandleFunc("GET /v1/pools", s.handleListPools)
	mux.HandleFunc("GET /v1/pools/{vault}", s.handlePoolStatus)
	mux.HandleFunc("GET /v1/pools/{vault}/schedule", s.handlePoolSchedule)

	// Read model
	mux.HandleFunc("GET /v1/pools/{vault}/settlements", s.instrument("settlements", s.handleSettlements))
	mux.HandleFunc("GET /v1/pools/{vault}/activity", s.instrument("activity", s.handleActivity))
	mux.HandleFunc("GET /v1/events", s.instrument("events", s.handleEvents))

	// Accounts
	mux.HandleFunc("GET /v1/pools/{vault}/accounts/{owner}", s.handleGetAccount)
	mux.HandleFunc("POST /v1/pools/{vault}/accounts", s.handleCreateAccount)
	mux.HandleFunc("PUT /v1/pools/{vault}/accounts/{owner}", s.handleEditAccount)
	mux.HandleFunc("DELETE /v1/pools/{vault}/accounts/{owner}", s.handleCloseAccount)
	mux.HandleFunc("POST /v1/pools/{vault}/accounts/{owner}/withdraw", s.handleWithdraw)
	mux.HandleFunc("GET /v1/balances/{holder}", s.handleBalance)

	// Admin
	mux.HandleFunc("POST /v1/admin/pools", s.handleCreatePool)
	mux.HandleFunc("POST /v1/admin/fees", s.handleSetFees)
	mux.HandleFunc("POST /v1/admin/pools/{vault}/min-sell-qty", s.handleSetMinSellQty)
	mux.HandleFunc("POST /v1/admin/pools/{vault}/min-account-qty", s.handleSetMinAccountQty)
	mux.HandleFunc("POST /v1/admin/pools/{vault}/dust", s.handleCollectDust)
	mux.HandleFunc("POST /v1/admin/sweep", s.handleSweep)
	mux.HandleFunc("POST /v1/admin/evaluate", s.handleEvaluateNow)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ============================================================================
// Pool state
// ============================================================================

type poolStatusResponse struct {
	VaultID         string    `json:"vault_id"`
	BaseAsset       string    `json:"base_asset"`
	OrderAsset      string    `json:"order_asset"`
	PeriodSeconds   int64     `json:"period_seconds"`
	CurrentCycle    uint64    `json:"current_cycle"`
	NextDueAt       time.Time `json:"next_due_at"`
	NextSellQty     string    `json:"next_sell_qty"`
	MinTotalSellQty string    `json:"min_total_sell_qty"`
	Ready           bool      `json:"ready"`
}

func toPoolStatus(st scheduler.PoolStatus) poolStatusResponse {
	return poolStatusResponse{
		VaultID:         st.VaultID.String(),
		BaseAsset:       st.BaseAsset,
		OrderAsset:      st.OrderAsset,
		PeriodSeconds:   int64(st.Period / time.Second),
		CurrentCycle:    st.CurrentCycle,
		NextDueAt:       st.NextDueAt,
		NextSellQty:     st.NextSellQty.String(),
		MinTotalSellQty: st.MinTotalSellQty.String(),
		Ready:           st.Ready,
	}
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	var pools []poolStatusResponse
	for _, id := range s.deps.Facade.Pools() {
		st, err := s.deps.Scheduler.Status(id)
		if err != nil {
			continue
		}
		pools = append(pools, toPoolStatus(st))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pools": pools})
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	vaultID, ok := s.pathUUID(w, r, "vault")
	if !ok {
		return
	}
	st, err := s.deps.Scheduler.Status(vaultID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	v, ok := s.deps.Facade.Vault(vaultID)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", scheduler.ErrUnknownPool, vaultID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":              toPoolStatus(st),
		"settlement_cycle":    v.CurrentCycle(),
		"users_base_balance":  v.UsersBaseBalance().String(),
		"users_order_balance": v.UsersOrderBalance().String(),
	})
}

func (s *Server) handlePoolSchedule(w http.ResponseWriter, r *http.Request) {
	vaultID, ok := s.pathUUID(w, r, "vault")
	if !ok {
		return
	}
	values, err := s.deps.Scheduler.Schedule(vaultID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.String()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"schedule": out})
}

// ============================================================================
// Read model
// ============================================================================

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	vaultID, ok := s.pathUUID(w, r, "vault")
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 50)
	var afterCycle *int64
	if v := r.URL.Query().Get("after_cycle"); v != "" {
		c, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errBody("invalid after_cycle"))
			return
		}
		afterCycle = &c
	}

	settlements, err := s.deps.QueryService.GetSettlements(r.Context(), vaultID, limit, afterCycle)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"settlements": settlements})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	vaultID, ok := s.pathUUID(w, r, "vault")
	if !ok {
		return
	}
	report, err := s.deps.QueryService.GetActivity(r.Context(), vaultID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var vaultID *uuid.UUID
	if v := r.URL.Query().Get("vault"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errBody("invalid vault"))
			return
		}
		vaultID = &id
	}
	var eventType *string
	if v := r.URL.Query().Get("type"); v != "" {
		eventType = &v
	}
	var beforeID *string
	if v := r.URL.Query().Get("before"); v != "" {
		beforeID = &v
	}

	events, err := s.deps.QueryService.GetEvents(r.Context(), vaultID, eventType, queryInt(r, "limit", 100), beforeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// ============================================================================
// Accounts
// ============================================================================

type accountRequest struct {
	Owner  string `json:"owner,omitempty"`
	Amount string `json:"amount"`
	Cycles uint32 `json:"cycles"`
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	vaultID, ok := s.pathUUID(w, r, "vault")
	if !ok {
		return
	}
	owner, ok := s.pathUUID(w, r, "owner")
	if !ok {
		return
	}
	v, found := s.deps.Facade.Vault(vaultID)
	if !found {
		s.writeError(w, fmt.Errorf("%w: %s", scheduler.ErrUnknownPool, vaultID))
		return
	}
	acc, found := v.AccountOf(owner)
	if !found {
		s.writeError(w, fmt.Errorf("%w: %s", vault.ErrNotFound, owner))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner":             acc.Owner.String(),
		"amount_per_period": acc.AmountPerPeriod.String(),
		"start_cycle":       acc.StartCycle,
		"end_cycle":         acc.EndCycle,
		"base_balance":      v.BaseBalanceOf(owner).String(),
		"order_balance":     v.OrderBalanceOf(owner).String(),
	})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	vaultID, ok := s.pathUUID(w, r, "vault")
	if !ok {
		return
	}
	var req accountRequest
	if !s.decode(w, r, &req) {
		return
	}
	owner, err := uuid.Parse(req.Owner)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid owner"))
		return
	}
	amount, ok2 := new(big.Int).SetString(req.Amount, 10)
	if !ok2 {
		writeJSON(w, http.StatusBadRequest, errBody("invalid amount"))
		return
	}

	if err := s.deps.Facade.CreateAccount(vaultID, owner, amount, req.Cycles); err != nil {
		s.countAccountErr("create", err)
		s.writeError(w, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.AccountOps.WithLabelValues("create").Inc()
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

func (s *Server) handleEditAccount(w http.ResponseWriter, r *http.Request) {
	vaultID, ok := s.pathUUID(w, r, "vault")
	if !ok {
		return
	}
	owner, ok := s.pathUUID(w, r, "owner")
	if !ok {
		return
	}
	var req accountRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, ok2 := new(big.Int).SetString(req.Amount, 10)
	if !ok2 {
		writeJSON(w, http.StatusBadRequest, errBody("invalid amount"))
		return
	}

	if err := s.deps.Facade.EditAccount(vaultID, owner, amount, req.Cycles); err != nil {
		s.countAccountErr("edit", err)
		s.writeError(w, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.AccountOps.WithLabelValues("edit").Inc()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleCloseAccount(w http.ResponseWriter, r *http.Request) {
	vaultID, ok := s.pathUUID(w, r, "vault")
	if !ok {
		return
	}
	owner, ok := s.pathUUID(w, r, "owner")
	if !ok {
		return
	}
	if err := s.deps.Facade.CloseAccount(vaultID, owner); err != nil {
		s.countAccountErr("close", err)
		s.writeError(w, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.AccountOps.WithLabelValues("close").Inc()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	vaultID, ok := s.pathUUID(w, r, "vault")
	if !ok {
		return
	}
	owner, ok := s.pathUUID(w, r, "owner")
	if !ok {
		return
	}
	paid, err := s.deps.Facade.WithdrawFromPool(vaultID, owner)
	if err != nil {
		s.countAccountErr("withdraw", err)
		s.writeError(w, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.Withdrawals.WithLabelValues(vaultID.String()).Inc()
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": paid.String()})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	holder, ok := s.pathUUID(w, r, "holder")
	if !ok {
		return
	}
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		writeJSON(w, http.StatusBadRequest, errBody("asset is required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"holder":  holder.String(),
		"asset":   asset,
		"balance": s.deps.Bank.BalanceOf(asset, holder).String(),
	})
}

// ============================================================================
// Admin
// ============================================================================

type createPoolRequest struct {
	Base          string `json:"base"`
	Order         string `json:"order"`
	PeriodSeconds int64  `json:"period_seconds"`
	ScalingFactor string `json:"scaling_factor"`
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req createPoolRequest
	if !s.decode(w, r, &req) {
		return
	}
	sf, ok2 := new(big.Int).SetString(req.ScalingFactor, 10)
	if !ok2 {
		writeJSON(w, http.StatusBadRequest, errBody("invalid scaling_factor"))
		return
	}

	vaultID, err := s.deps.Factory.CreatePool(actor, req.Base, req.Order, time.Duration(req.PeriodSeconds)*time.Second, sf)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"vault_id": vaultID.String()})
}

type setFeesRequest struct {
	Bps       *int64 `json:"bps,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

func (s *Server) handleSetFees(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req setFeesRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Bps != nil {
		if err := s.deps.Scheduler.SetFeesBps(actor, *req.Bps); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if req.Recipient != "" {
		recipient, err := uuid.Parse(req.Recipient)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errBody("invalid recipient"))
			return
		}
		if err := s.deps.Scheduler.SetFeesRecipient(actor, recipient); err != nil {
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type amountRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleSetMinSellQty(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	vaultID, ok := s.pathUUID(w, r, "vault")
	if !ok {
		return
	}
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	min, ok2 := new(big.Int).SetString(req.Amount, 10)
	if !ok2 {
		writeJSON(w, http.StatusBadRequest, errBody("invalid amount"))
		return
	}
	if err := s.deps.Scheduler.SetMinTotalSellQty(actor, vaultID, min); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSetMinAccountQty(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	vaultID, ok := s.pathUUID(w, r, "vault")
	if !ok {
		return
	}
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	min, ok2 := new(big.Int).SetString(req.Amount, 10)
	if !ok2 {
		writeJSON(w, http.StatusBadRequest, errBody("invalid amount"))
		return
	}
	v, found := s.deps.Facade.Vault(vaultID)
	if !found {
		s.writeError(w, fmt.Errorf("%w: %s", scheduler.ErrUnknownPool, vaultID))
		return
	}
	if err := v.SetMinQty(actor, min); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type sweepRequest struct {
	Assets    []string `json:"assets"`
	Recipient string   `json:"recipient"`
}

func (s *Server) handleCollectDust(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	vaultID, ok := s.pathUUID(w, r, "vault")
	if !ok {
		return
	}
	var req sweepRequest
	if !s.decode(w, r, &req) {
		return
	}
	recipient, err := uuid.Parse(req.Recipient)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid recipient"))
		return
	}
	v, found := s.deps.Facade.Vault(vaultID)
	if !found {
		s.writeError(w, fmt.Errorf("%w: %s", scheduler.ErrUnknownPool, vaultID))
		return
	}
	if err := v.CollectDust(actor, req.Assets, recipient); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "collected"})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req sweepRequest
	if !s.decode(w, r, &req) {
		return
	}
	recipient, err := uuid.Parse(req.Recipient)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid recipient"))
		return
	}
	if err := s.deps.Facade.Sweep(actor, req.Assets, recipient); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "swept"})
}

func (s *Server) handleEvaluateNow(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.actor(w, r); !ok {
		return
	}
	if s.deps.Executor == nil {
		writeJSON(w, http.StatusServiceUnavailable, errBody("executor not running"))
		return
	}
	s.deps.Executor.Sweep()
	writeJSON(w, http.StatusOK, map[string]string{"status": "sweep triggered"})
}

// ============================================================================
// Helpers
// ============================================================================

// maxPageSize caps read-model page sizes regardless of the requested limit.
const maxPageSize = 500

// queryInt reads an integer query parameter, falling back to def when the
// parameter is absent, malformed or non-positive.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}

func (s *Server) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody(fmt.Sprintf("invalid %s: %v", name, err)))
		return uuid.Nil, false
	}
	return id, true
}

// actor resolves the caller identity from the X-Actor-ID header.
func (s *Server) actor(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-Actor-ID")
	if raw == "" {
		writeJSON(w, http.StatusUnauthorized, errBody("X-Actor-ID header is required"))
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errBody("invalid X-Actor-ID"))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody(fmt.Sprintf("invalid request body: %v", err)))
		return false
	}
	return true
}

// instrument wraps a read-model handler with request metrics.
func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Metrics == nil {
			h(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.deps.Metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		s.deps.Metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) countAccountErr(op string, err error) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.AccountOpErrors.WithLabelValues(op, reasonOf(err)).Inc()
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, vault.ErrNotFound):
		return "not_found"
	case errors.Is(err, vault.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, vault.ErrInvalidAccount):
		return "invalid"
	case errors.Is(err, vault.ErrBelowMinimum):
		return "below_minimum"
	case errors.Is(err, token.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, access.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, scheduler.ErrUnknownPool):
		return "unknown_pool"
	default:
		return "internal"
	}
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, access.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, scheduler.ErrUnknownPool), errors.Is(err, vault.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, vault.ErrAlreadyExists),
		errors.Is(err, registry.ErrConfiguration),
		errors.Is(err, scheduler.ErrPoolExists):
		status = http.StatusConflict
	case errors.Is(err, vault.ErrInvalidAccount),
		errors.Is(err, vault.ErrBelowMinimum),
		errors.Is(err, token.ErrInsufficientFunds):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errBody(err.Error()))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func errBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
