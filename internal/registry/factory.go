package registry

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dcapool/internal/access"
	"dcapool/internal/event"
	"dcapool/internal/scheduler"
	"dcapool/internal/strategy"
	"dcapool/internal/token"
	"dcapool/internal/vault"
)

type createdKey struct {
	poolKey
	strategy strategy.BuyStrategy
}

// Factory builds pools: it constructs the vault, adds the pool to the
// scheduler, wires the settlement hooks and registers the result with the
// facade. Only assets an admin explicitly enabled can be pooled.
type Factory struct {
	mu sync.Mutex

	id     uuid.UUID
	acl    *access.Controller
	bank   *token.Bank
	sched  *scheduler.Scheduler
	facade *Facade
	sink   event.Sink
	log    zerolog.Logger

	baseEnabled  map[string]bool
	orderEnabled map[string]bool

	defaultStrategy strategy.BuyStrategy
	strategyByOrder map[string]strategy.BuyStrategy

	created map[createdKey]bool
}

func NewFactory(id uuid.UUID, acl *access.Controller, bank *token.Bank, sched *scheduler.Scheduler, facade *Facade, defaultStrategy strategy.BuyStrategy, sink event.Sink, log zerolog.Logger) *Factory {
	if sink == nil {
		sink = event.Discard{}
	}
	return &Factory{
		id:              id,
		acl:             acl,
		bank:            bank,
		sched:           sched,
		facade:          facade,
		sink:            sink,
		log:             log,
		baseEnabled:     make(map[string]bool),
		orderEnabled:    make(map[string]bool),
		defaultStrategy: defaultStrategy,
		strategyByOrder: make(map[string]strategy.BuyStrategy),
		created:         make(map[createdKey]bool),
	}
}

// ID returns the factory's identity; it needs the registrar role on the
// facade and the admin role for granting vault capabilities.
func (f *Factory) ID() uuid.UUID { return f.id }

// EnableBaseAsset allows an asset on the sell side of new pools. Admin only.
func (f *Factory) EnableBaseAsset(caller uuid.UUID, asset string) error {
	if err := f.acl.Require(access.RoleAdmin, caller); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baseEnabled[asset] = true
	f.log.Info().Str("asset", asset).Msg("base asset enabled")
	return nil
}

// EnableOrderAsset allows an asset on the buy side of new pools. Admin only.
func (f *Factory) EnableOrderAsset(caller uuid.UUID, asset string) error {
	if err := f.acl.Require(access.RoleAdmin, caller); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderEnabled[asset] = true
	f.log.Info().Str("asset", asset).Msg("order asset enabled")
	return nil
}

// SetDefaultBuyStrategy replaces the venue used by pools without a
// per-asset override. Admin only.
func (f *Factory) SetDefaultBuyStrategy(caller uuid.UUID, s strategy.BuyStrategy) error {
	if err := f.acl.Require(access.RoleAdmin, caller); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultStrategy = s
	return nil
}

// SetBuyStrategy overrides the venue for pools buying orderAsset. Admin only.
func (f *Factory) SetBuyStrategy(caller uuid.UUID, orderAsset string, s strategy.BuyStrategy) error {
	if err := f.acl.Require(access.RoleAdmin, caller); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strategyByOrder[orderAsset] = s
	return nil
}

// CreatePool builds and registers a pool selling base for order every
// period. Admin only. Returns the new pool's vault ID.
func (f *Factory) CreatePool(caller uuid.UUID, base, order string, period time.Duration, scalingFactor *big.Int) (uuid.UUID, error) {
	if err := f.acl.Require(access.RoleAdmin, caller); err != nil {
		return uuid.Nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if base == order {
		return uuid.Nil, fmt.Errorf("%w: base and order asset are both %s", ErrConfiguration, base)
	}
	if !f.baseEnabled[base] {
		return uuid.Nil, fmt.Errorf("%w: base asset %s not enabled", ErrConfiguration, base)
	}
	if !f.orderEnabled[order] {
		return uuid.Nil, fmt.Errorf("%w: order asset %s not enabled", ErrConfiguration, order)
	}

	buyStrategy := f.defaultStrategy
	if s, ok := f.strategyByOrder[order]; ok {
		buyStrategy = s
	}
	if buyStrategy == nil {
		return uuid.Nil, fmt.Errorf("%w: no buy strategy for order asset %s", ErrConfiguration, order)
	}

	key := createdKey{
		poolKey:  poolKey{base: base, order: order, period: period},
		strategy: buyStrategy,
	}
	if f.created[key] {
		return uuid.Nil, fmt.Errorf("%w: pool %s/%s @ %s already created", ErrConfiguration, base, order, period)
	}

	vaultID := uuid.New()
	if err := f.acl.Grant(caller, access.RoleVault, vaultID); err != nil {
		return uuid.Nil, fmt.Errorf("grant vault role: %w", err)
	}

	v := vault.New(vaultID, base, order, f.acl, f.bank, f.sink)
	err := f.sched.AddPool(vaultID, scheduler.PoolConfig{
		VaultID:       vaultID,
		BaseAsset:     base,
		OrderAsset:    order,
		Strategy:      buyStrategy,
		Settler:       v,
		Period:        period,
		ScalingFactor: scalingFactor,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("add pool to scheduler: %w", err)
	}
	v.SetScheduleEditor(f.sched)

	if err := f.facade.RegisterPool(f.id, base, order, period, v); err != nil {
		return uuid.Nil, err
	}
	f.created[key] = true

	f.log.Info().
		Str("vault", vaultID.String()).
		Str("base", base).
		Str("order", order).
		Dur("period", period).
		Msg("pool created")
	f.sink.Emit(&event.PoolCreated{
		VaultID:       vaultID,
		BaseAsset:     base,
		OrderAsset:    order,
		PeriodSeconds: int64(period / time.Second),
		ScalingFactor: new(big.Int).Set(scalingFactor),
	})
	return vaultID, nil
}
