package scheduler

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dcapool/internal/access"
	"dcapool/internal/event"
	"dcapool/internal/fixedpoint"
	"dcapool/internal/gas"
	"dcapool/internal/strategy"
	"dcapool/internal/token"
	"dcapool/internal/window"
)

const (
	// RetryTimeout delays the next attempt after the venue skipped a fill.
	RetryTimeout = 300 * time.Second
	// FeeCapBps caps the execution fee at 3% regardless of configuration.
	FeeCapBps = 300
	// EvaluateGasUnits is the gas budget one evaluation is priced at when
	// recovering execution cost in the order asset.
	EvaluateGasUnits = 700_000
)

var (
	// ErrUnknownPool is returned for a vault ID with no pool.
	ErrUnknownPool = errors.New("scheduler: unknown pool")
	// ErrNotReady is returned when Evaluate is called on a pool whose
	// readiness conditions do not hold.
	ErrNotReady = errors.New("scheduler: pool not ready")
	// ErrPoolExists is returned when a vault already has a pool.
	ErrPoolExists = errors.New("scheduler: pool already exists")
)

// Settler is the vault-side settlement hook called after a successful
// execution.
type Settler interface {
	OnExecution(caller uuid.UUID, totalSold, totalBought *big.Int) error
}

// PoolConfig describes one pool to add.
type PoolConfig struct {
	VaultID       uuid.UUID
	BaseAsset     string
	OrderAsset    string
	Strategy      strategy.BuyStrategy
	Settler       Settler
	Period        time.Duration
	ScalingFactor *big.Int
}

type pool struct {
	cfg             PoolConfig
	window          *window.Window
	nextDueAt       time.Time
	minTotalSellQty *big.Int
}

// Scheduler owns the execution schedule of every pool: when each pool is
// due, how much base it sells per cycle and how fees come out of the
// purchase before settlement.
type Scheduler struct {
	mu sync.Mutex

	id   uuid.UUID
	acl  *access.Controller
	bank *token.Bank
	gas  gas.Calculator
	now  func() time.Time
	sink event.Sink
	log  zerolog.Logger

	pools map[uuid.UUID]*pool

	feeBps        int64
	feesRecipient uuid.UUID
}

func New(id uuid.UUID, acl *access.Controller, bank *token.Bank, gasCalc gas.Calculator, now func() time.Time, sink event.Sink, log zerolog.Logger) *Scheduler {
	if now == nil {
		now = time.Now
	}
	if sink == nil {
		sink = event.Discard{}
	}
	return &Scheduler{
		id:    id,
		acl:   acl,
		bank:  bank,
		gas:   gasCalc,
		now:   now,
		sink:  sink,
		log:   log,
		pools: make(map[uuid.UUID]*pool),
	}
}

// ID returns the scheduler's own identity, the caller it settles as.
func (s *Scheduler) ID() uuid.UUID { return s.id }

// AddPool registers a pool for cfg.VaultID. The pool is due immediately;
// it becomes ready as soon as its schedule holds a sellable quantity.
// Vault role required.
func (s *Scheduler) AddPool(caller uuid.UUID, cfg PoolConfig) error {
	if err := s.acl.Require(access.RoleVault, caller); err != nil {
		return err
	}
	if cfg.Period <= 0 {
		return fmt.Errorf("scheduler: period %s must be positive", cfg.Period)
	}
	w, err := window.New(cfg.ScalingFactor)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[cfg.VaultID]; ok {
		return fmt.Errorf("%w: %s", ErrPoolExists, cfg.VaultID)
	}
	s.pools[cfg.VaultID] = &pool{
		cfg:             cfg,
		window:          w,
		nextDueAt:       s.now(),
		minTotalSellQty: new(big.Int),
	}
	s.log.Info().
		Str("vault", cfg.VaultID.String()).
		Str("base", cfg.BaseAsset).
		Str("order", cfg.OrderAsset).
		Dur("period", cfg.Period).
		Msg("pool added")
	return nil
}

// EditSchedule applies a range edit to the pool's window: remove prevAmount
// over [cursor, prevEnd), add newAmount over [cursor, newEnd). Called by the
// pool's vault on every account change; vault role required.
func (s *Scheduler) EditSchedule(vaultID uuid.UUID, prevAmount *big.Int, prevEnd uint64, newAmount *big.Int, newEnd uint64) error {
	if err := s.acl.Require(access.RoleVault, vaultID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[vaultID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, vaultID)
	}
	return p.window.Edit(prevAmount, prevEnd, newAmount, newEnd)
}

func (s *Scheduler) ready(p *pool) bool {
	peek := p.window.Peek()
	if peek.Sign() <= 0 {
		return false
	}
	if peek.Cmp(p.minTotalSellQty) < 0 {
		return false
	}
	if s.now().Before(p.nextDueAt) {
		return false
	}
	return p.cfg.Strategy.CanTrade(peek, p.cfg.BaseAsset, p.cfg.OrderAsset)
}

// Ready reports whether the pool can execute right now: a positive scheduled
// quantity at or above the pool minimum, the due time reached and the venue
// willing to trade.
func (s *Scheduler) Ready(vaultID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[vaultID]
	if !ok {
		return false
	}
	return s.ready(p)
}

// Evaluate executes one cycle of the pool. The scheduled quantity is
// consumed, traded through the strategy into the vault, fees are routed to
// the recipient and the remainder settles via OnExecution. A skipped trade
// restores the consumed slot and delays the pool by RetryTimeout; a failed
// trade restores the slot and aborts. Executor role required.
func (s *Scheduler) Evaluate(caller, vaultID uuid.UUID) error {
	if err := s.acl.Require(access.RoleExecutor, caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[vaultID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, vaultID)
	}
	if !s.ready(p) {
		return fmt.Errorf("%w: %s", ErrNotReady, vaultID)
	}

	cycle := p.window.Cursor()
	sell, err := p.window.Next()
	if err != nil {
		return err
	}

	bought, skipped, err := p.cfg.Strategy.Trade(vaultID, sell, p.cfg.BaseAsset, p.cfg.OrderAsset)
	if err != nil {
		p.window.Requeue(sell)
		return fmt.Errorf("trade %s %s: %w", sell, p.cfg.BaseAsset, err)
	}
	if skipped {
		p.window.Requeue(sell)
		p.nextDueAt = s.now().Add(RetryTimeout)
		s.log.Warn().
			Str("vault", vaultID.String()).
			Uint64("cycle", cycle).
			Str("sell", sell.String()).
			Time("next_due_at", p.nextDueAt).
			Msg("trade skipped, pool requeued")
		s.sink.Emit(&event.PoolSkipped{
			VaultID:   vaultID,
			Cycle:     cycle,
			SellQty:   sell,
			NextDueAt: p.nextDueAt,
		})
		return nil
	}

	fee := s.feeFor(p, bought)
	net := new(big.Int).Sub(bought, fee)
	if net.Sign() < 0 {
		p.window.Requeue(sell)
		return fmt.Errorf("scheduler: fee %s exceeds purchase %s", fee, bought)
	}
	// Past this point the purchase sits in the bank, so the slot stays
	// consumed on error: requeueing would sell the same cycle twice. Fee
	// routing moves at most the bought amount just deposited, and
	// OnExecution runs under the scheduler's own identity, so both fail
	// only on a miswired pool.
	if err := s.bank.Transfer(p.cfg.OrderAsset, vaultID, s.feesRecipient, fee); err != nil {
		return fmt.Errorf("route fee %s %s: %w", fee, p.cfg.OrderAsset, err)
	}
	if err := p.cfg.Settler.OnExecution(s.id, sell, net); err != nil {
		return fmt.Errorf("settle cycle %d: %w", cycle, err)
	}

	p.nextDueAt = s.now().Add(p.cfg.Period)
	s.log.Info().
		Str("vault", vaultID.String()).
		Uint64("cycle", cycle).
		Str("sold", sell.String()).
		Str("net", net.String()).
		Str("fee", fee.String()).
		Time("next_due_at", p.nextDueAt).
		Msg("pool evaluated")
	s.sink.Emit(&event.PoolEvaluated{
		VaultID:   vaultID,
		Cycle:     cycle,
		TotalSold: sell,
		TotalNet:  net,
		Fee:       fee,
		NextDueAt: p.nextDueAt,
	})
	return nil
}

// feeFor returns the execution fee: the configured share of the purchase,
// capped at FeeCapBps, plus the gas cost expressed in the order asset.
func (s *Scheduler) feeFor(p *pool, bought *big.Int) *big.Int {
	bps := s.feeBps
	if bps > FeeCapBps {
		bps = FeeCapBps
	}
	fee := fixedpoint.MulDiv(bought, bps, 10_000)
	return fee.Add(fee, s.gas.CostOf(p.cfg.OrderAsset, EvaluateGasUnits))
}

// SetFeesBps sets the fee share in basis points. Values above FeeCapBps are
// accepted but clamped at execution time. Admin only.
func (s *Scheduler) SetFeesBps(caller uuid.UUID, bps int64) error {
	if err := s.acl.Require(access.RoleAdmin, caller); err != nil {
		return err
	}
	if bps < 0 {
		return fmt.Errorf("scheduler: negative fee %d bps", bps)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeBps = bps
	s.sink.Emit(&event.FeesUpdated{FeeBps: bps, Recipient: s.feesRecipient})
	return nil
}

// SetFeesRecipient sets where execution fees are routed. Admin only.
func (s *Scheduler) SetFeesRecipient(caller, recipient uuid.UUID) error {
	if err := s.acl.Require(access.RoleAdmin, caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feesRecipient = recipient
	s.sink.Emit(&event.FeesUpdated{FeeBps: s.feeBps, Recipient: recipient})
	return nil
}

// SetMinTotalSellQty sets the pool's readiness floor: the pool does not
// execute while the scheduled quantity is below it. Admin only.
func (s *Scheduler) SetMinTotalSellQty(caller, vaultID uuid.UUID, min *big.Int) error {
	if err := s.acl.Require(access.RoleAdmin, caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[vaultID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, vaultID)
	}
	p.minTotalSellQty = new(big.Int).Set(min)
	return nil
}

// Schedule returns the pool's upcoming sell quantities from the current
// cycle onward.
func (s *Scheduler) Schedule(vaultID uuid.UUID) ([]*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[vaultID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, vaultID)
	}
	return p.window.Values(), nil
}

// PoolStatus is a snapshot of one pool's scheduling state.
type PoolStatus struct {
	VaultID         uuid.UUID
	BaseAsset       string
	OrderAsset      string
	Period          time.Duration
	CurrentCycle    uint64
	NextDueAt       time.Time
	NextSellQty     *big.Int
	MinTotalSellQty *big.Int
	Ready           bool
}

// Status returns a snapshot of the pool's scheduling state.
func (s *Scheduler) Status(vaultID uuid.UUID) (PoolStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[vaultID]
	if !ok {
		return PoolStatus{}, fmt.Errorf("%w: %s", ErrUnknownPool, vaultID)
	}
	return PoolStatus{
		VaultID:         vaultID,
		BaseAsset:       p.cfg.BaseAsset,
		OrderAsset:      p.cfg.OrderAsset,
		Period:          p.cfg.Period,
		CurrentCycle:    p.window.Cursor(),
		NextDueAt:       p.nextDueAt,
		NextSellQty:     p.window.Peek(),
		MinTotalSellQty: new(big.Int).Set(p.minTotalSellQty),
		Ready:           s.ready(p),
	}, nil
}

// VaultIDs returns every registered pool's vault ID, in no particular order.
func (s *Scheduler) VaultIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, 0, len(s.pools))
	for id := range s.pools {
		out = append(out, id)
	}
	return out
}
