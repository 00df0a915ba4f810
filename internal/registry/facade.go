package registry

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dcapool/internal/access"
	"dcapool/internal/observability"
	"dcapool/internal/scheduler"
	"dcapool/internal/token"
	"dcapool/internal/vault"
)

// ErrConfiguration is returned for invalid pool wiring: duplicate pools,
// identical assets or assets not enabled for pooling.
var ErrConfiguration = errors.New("registry: invalid pool configuration")

type poolKey struct {
	base   string
	order  string
	period time.Duration
}

// Facade is the single entry point into the pool system. It keeps the pool
// registry, owns the lookup from assets and period to vault, and serializes
// every mutating operation so that executions, account changes and admin
// actions never interleave.
type Facade struct {
	mu sync.Mutex

	id      uuid.UUID
	acl     *access.Controller
	sched   *scheduler.Scheduler
	bank    *token.Bank
	metrics *observability.Metrics
	log     zerolog.Logger

	byKey   map[poolKey]uuid.UUID
	ordered []uuid.UUID
	vaults  map[uuid.UUID]*vault.Vault
}

// NewFacade builds the facade. metrics may be nil, e.g. in tests.
func NewFacade(id uuid.UUID, acl *access.Controller, sched *scheduler.Scheduler, bank *token.Bank, metrics *observability.Metrics, log zerolog.Logger) *Facade {
	return &Facade{
		id:      id,
		acl:     acl,
		sched:   sched,
		bank:    bank,
		metrics: metrics,
		log:     log,
		byKey:   make(map[poolKey]uuid.UUID),
		vaults:  make(map[uuid.UUID]*vault.Vault),
	}
}

// ID returns the facade's own bank identity.
func (f *Facade) ID() uuid.UUID { return f.id }

// RegisterPool adds a pool to the registry. One pool per (base, order,
// period) triple; registrar role required.
func (f *Facade) RegisterPool(caller uuid.UUID, base, order string, period time.Duration, v *vault.Vault) error {
	if err := f.acl.Require(access.RoleRegistrar, caller); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	key := poolKey{base: base, order: order, period: period}
	if _, ok := f.byKey[key]; ok {
		return fmt.Errorf("%w: pool %s/%s @ %s already registered", ErrConfiguration, base, order, period)
	}
	f.byKey[key] = v.ID()
	f.ordered = append(f.ordered, v.ID())
	f.vaults[v.ID()] = v
	f.log.Info().
		Str("vault", v.ID().String()).
		Str("base", base).
		Str("order", order).
		Dur("period", period).
		Msg("pool registered")
	return nil
}

// Pool returns the vault ID registered for (base, order, period).
func (f *Facade) Pool(base, order string, period time.Duration) (uuid.UUID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byKey[poolKey{base: base, order: order, period: period}]
	return id, ok
}

// Pools returns every registered vault ID in registration order.
func (f *Facade) Pools() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uuid.UUID, len(f.ordered))
	copy(out, f.ordered)
	return out
}

// Vault returns the vault registered under id.
func (f *Facade) Vault(id uuid.UUID) (*vault.Vault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vaults[id]
	return v, ok
}

// ReadyPools returns the vault IDs of every pool ready to execute, in
// registration order.
func (f *Facade) ReadyPools() []uuid.UUID {
	f.mu.Lock()
	ordered := make([]uuid.UUID, len(f.ordered))
	copy(ordered, f.ordered)
	f.mu.Unlock()

	var ready []uuid.UUID
	for _, id := range ordered {
		if f.sched.Ready(id) {
			ready = append(ready, id)
		}
	}
	return ready
}

// EvaluateReady executes one cycle of every ready pool and returns how many
// were evaluated. Executor role required. A pool that fails is logged and
// skipped so one bad pool cannot stall the rest.
func (f *Facade) EvaluateReady(caller uuid.UUID) (int, error) {
	if err := f.acl.Require(access.RoleExecutor, caller); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	evaluated := 0
	for _, id := range f.ordered {
		if !f.sched.Ready(id) {
			continue
		}
		if err := f.sched.Evaluate(caller, id); err != nil {
			f.log.Error().Err(err).Str("vault", id.String()).Msg("pool evaluation failed")
			if f.metrics != nil {
				f.metrics.EvaluateErrors.WithLabelValues(id.String()).Inc()
			}
			continue
		}
		evaluated++
	}
	return evaluated, nil
}

// CreateAccount opens an account in the pool's vault. The facade mutex makes
// account changes and executions mutually exclusive.
func (f *Facade) CreateAccount(vaultID, owner uuid.UUID, amount *big.Int, cycles uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vaults[vaultID]
	if !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrUnknownPool, vaultID)
	}
	return v.CreateAccount(owner, amount, cycles)
}

// EditAccount replaces the owner's commitment in the pool's vault.
func (f *Facade) EditAccount(vaultID, owner uuid.UUID, amount *big.Int, cycles uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vaults[vaultID]
	if !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrUnknownPool, vaultID)
	}
	return v.EditAccount(owner, amount, cycles)
}

// CloseAccount closes the owner's account in the pool's vault.
func (f *Facade) CloseAccount(vaultID, owner uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vaults[vaultID]
	if !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrUnknownPool, vaultID)
	}
	return v.CloseAccount(owner)
}

// WithdrawFromPool pays out the owner's order balance from the pool's vault.
func (f *Facade) WithdrawFromPool(vaultID, owner uuid.UUID) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vaults[vaultID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrUnknownPool, vaultID)
	}
	return v.Withdraw(owner)
}

// Sweep drains the facade's own balances of the given assets to recipient.
// Tokens sent to the facade itself are never user funds. Admin only.
func (f *Facade) Sweep(caller uuid.UUID, assets []string, recipient uuid.UUID) error {
	if err := f.acl.Require(access.RoleAdmin, caller); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, asset := range assets {
		held := f.bank.BalanceOf(asset, f.id)
		if held.Sign() <= 0 {
			continue
		}
		if err := f.bank.Transfer(asset, f.id, recipient, held); err != nil {
			return fmt.Errorf("sweep %s %s: %w", held, asset, err)
		}
		f.log.Info().
			Str("asset", asset).
			Str("amount", held.String()).
			Str("recipient", recipient.String()).
			Msg("facade balance swept")
	}
	return nil
}
