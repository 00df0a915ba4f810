package registry_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"dcapool/internal/access"
	"dcapool/internal/event"
	"dcapool/internal/gas"
	"dcapool/internal/observability"
	"dcapool/internal/registry"
	"dcapool/internal/scheduler"
	"dcapool/internal/strategy"
	"dcapool/internal/token"
	"dcapool/internal/vault"
)

const (
	baseAsset  = "BASE"
	orderAsset = "ORDER"
	poolPeriod = time.Hour
)

// Shared across tests: promauto registers on the process-wide default
// registry, which accepts each metric only once.
var metrics = observability.NewMetrics()

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// fixture wires the full stack: bank, access control, scheduler, facade and
// factory, with a rate venue holding order-asset liquidity.
type fixture struct {
	t        *testing.T
	bank     *token.Bank
	acl      *access.Controller
	clock    *fakeClock
	sched    *scheduler.Scheduler
	facade   *registry.Facade
	factory  *registry.Factory
	recorder *event.Recorder
	admin    uuid.UUID
	executor uuid.UUID
	user     uuid.UUID
	venue    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		admin:    uuid.New(),
		executor: uuid.New(),
		user:     uuid.New(),
		venue:    uuid.New(),
		clock:    &fakeClock{t: time.Unix(1_700_000_000, 0)},
		bank:     token.NewBank(),
		recorder: &event.Recorder{},
	}
	f.acl = access.NewController(f.admin)

	schedID := uuid.New()
	f.sched = scheduler.New(schedID, f.acl, f.bank, gas.Free{}, f.clock.Now, f.recorder, zerolog.Nop())

	f.facade = registry.NewFacade(uuid.New(), f.acl, f.sched, f.bank, metrics, zerolog.Nop())

	// Venue buys at 1 order per 2 base.
	venueStrategy, err := strategy.NewRateBuyStrategy(f.bank, f.venue, 1, 2)
	if err != nil {
		t.Fatalf("new strategy: %v", err)
	}
	f.factory = registry.NewFactory(uuid.New(), f.acl, f.bank, f.sched, f.facade, venueStrategy, f.recorder, zerolog.Nop())

	for _, grant := range []struct {
		role    access.Role
		subject uuid.UUID
	}{
		{access.RoleExecutor, f.executor},
		{access.RoleScheduler, schedID},
		{access.RoleRegistrar, f.factory.ID()},
	} {
		if err := f.acl.Grant(f.admin, grant.role, grant.subject); err != nil {
			t.Fatalf("grant %s: %v", grant.role, err)
		}
	}
	if err := f.sched.SetFeesRecipient(f.admin, uuid.New()); err != nil {
		t.Fatalf("SetFeesRecipient: %v", err)
	}

	f.bank.Deposit(baseAsset, f.user, big.NewInt(1_000_000))
	f.bank.Deposit(orderAsset, f.venue, big.NewInt(1_000_000))
	return f
}

func (f *fixture) enableAssets() {
	f.t.Helper()
	if err := f.factory.EnableBaseAsset(f.admin, baseAsset); err != nil {
		f.t.Fatalf("EnableBaseAsset: %v", err)
	}
	if err := f.factory.EnableOrderAsset(f.admin, orderAsset); err != nil {
		f.t.Fatalf("EnableOrderAsset: %v", err)
	}
}

func (f *fixture) createPool() uuid.UUID {
	f.t.Helper()
	f.enableAssets()
	id, err := f.factory.CreatePool(f.admin, baseAsset, orderAsset, poolPeriod, big.NewInt(1))
	if err != nil {
		f.t.Fatalf("CreatePool: %v", err)
	}
	return id
}

// ============================================================================
// Factory
// ============================================================================

func TestCreatePool_SameToken(t *testing.T) {
	f := newFixture(t)
	if err := f.factory.EnableBaseAsset(f.admin, baseAsset); err != nil {
		t.Fatalf("EnableBaseAsset: %v", err)
	}
	if err := f.factory.EnableOrderAsset(f.admin, baseAsset); err != nil {
		t.Fatalf("EnableOrderAsset: %v", err)
	}
	_, err := f.factory.CreatePool(f.admin, baseAsset, baseAsset, poolPeriod, big.NewInt(1))
	if !errors.Is(err, registry.ErrConfiguration) {
		t.Errorf("got %v, want ErrConfiguration", err)
	}
}

func TestCreatePool_DisabledBaseAsset(t *testing.T) {
	f := newFixture(t)
	if err := f.factory.EnableOrderAsset(f.admin, orderAsset); err != nil {
		t.Fatalf("EnableOrderAsset: %v", err)
	}
	_, err := f.factory.CreatePool(f.admin, baseAsset, orderAsset, poolPeriod, big.NewInt(1))
	if !errors.Is(err, registry.ErrConfiguration) {
		t.Errorf("got %v, want ErrConfiguration", err)
	}
}

func TestCreatePool_DisabledOrderAsset(t *testing.T) {
	f := newFixture(t)
	if err := f.factory.EnableBaseAsset(f.admin, baseAsset); err != nil {
		t.Fatalf("EnableBaseAsset: %v", err)
	}
	_, err := f.factory.CreatePool(f.admin, baseAsset, orderAsset, poolPeriod, big.NewInt(1))
	if !errors.Is(err, registry.ErrConfiguration) {
		t.Errorf("got %v, want ErrConfiguration", err)
	}
}

func TestCreatePool_Duplicate(t *testing.T) {
	f := newFixture(t)
	f.createPool()
	_, err := f.factory.CreatePool(f.admin, baseAsset, orderAsset, poolPeriod, big.NewInt(1))
	if !errors.Is(err, registry.ErrConfiguration) {
		t.Errorf("got %v, want ErrConfiguration", err)
	}
}

func TestCreatePool_RegistersAndWires(t *testing.T) {
	f := newFixture(t)
	vaultID := f.createPool()

	got, ok := f.facade.Pool(baseAsset, orderAsset, poolPeriod)
	if !ok || got != vaultID {
		t.Errorf("registered pool %s/%v, want %s", got, ok, vaultID)
	}
	if pools := f.facade.Pools(); len(pools) != 1 || pools[0] != vaultID {
		t.Errorf("pools %v, want [%s]", pools, vaultID)
	}
	if _, ok := f.facade.Vault(vaultID); !ok {
		t.Error("vault not reachable through facade")
	}
	if !f.acl.HasRole(access.RoleVault, vaultID) {
		t.Error("vault was not granted the vault role")
	}
	if created := f.recorder.OfType(event.EventTypePoolCreated); len(created) != 1 {
		t.Errorf("got %d PoolCreated events, want 1", len(created))
	}
}

// ============================================================================
// Facade
// ============================================================================

func TestRegisterPool_RequiresRegistrar(t *testing.T) {
	f := newFixture(t)
	v := vault.New(uuid.New(), baseAsset, orderAsset, f.acl, f.bank, nil)
	err := f.facade.RegisterPool(f.user, baseAsset, orderAsset, poolPeriod, v)
	if !errors.Is(err, access.ErrAccessDenied) {
		t.Errorf("got %v, want ErrAccessDenied", err)
	}
}

func TestRegisterPool_DuplicateTriple(t *testing.T) {
	f := newFixture(t)
	registrar := uuid.New()
	if err := f.acl.Grant(f.admin, access.RoleRegistrar, registrar); err != nil {
		t.Fatalf("grant registrar: %v", err)
	}

	v1 := vault.New(uuid.New(), baseAsset, orderAsset, f.acl, f.bank, nil)
	v2 := vault.New(uuid.New(), baseAsset, orderAsset, f.acl, f.bank, nil)
	if err := f.facade.RegisterPool(registrar, baseAsset, orderAsset, poolPeriod, v1); err != nil {
		t.Fatalf("first RegisterPool: %v", err)
	}
	err := f.facade.RegisterPool(registrar, baseAsset, orderAsset, poolPeriod, v2)
	if !errors.Is(err, registry.ErrConfiguration) {
		t.Errorf("got %v, want ErrConfiguration", err)
	}
}

func TestReadyPools_FiltersAndPreservesOrder(t *testing.T) {
	f := newFixture(t)
	f.enableAssets()

	var ids []uuid.UUID
	for _, period := range []time.Duration{time.Hour, 2 * time.Hour, 3 * time.Hour} {
		id, err := f.factory.CreatePool(f.admin, baseAsset, orderAsset, period, big.NewInt(1))
		if err != nil {
			t.Fatalf("CreatePool: %v", err)
		}
		ids = append(ids, id)
	}

	// Fund accounts in the first and third pools only.
	for _, id := range []uuid.UUID{ids[0], ids[2]} {
		if err := f.facade.CreateAccount(id, f.user, big.NewInt(100), 2); err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}
	}

	ready := f.facade.ReadyPools()
	if len(ready) != 2 || ready[0] != ids[0] || ready[1] != ids[2] {
		t.Errorf("ready pools %v, want [%s %s]", ready, ids[0], ids[2])
	}
}

func TestEvaluateReady_EndToEnd(t *testing.T) {
	f := newFixture(t)
	vaultID := f.createPool()

	if err := f.facade.CreateAccount(vaultID, f.user, big.NewInt(1000), 2); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	v, _ := f.facade.Vault(vaultID)

	n, err := f.facade.EvaluateReady(f.executor)
	if err != nil {
		t.Fatalf("EvaluateReady: %v", err)
	}
	if n != 1 {
		t.Fatalf("evaluated %d pools, want 1", n)
	}
	// Venue fills 1000 base at rate 1/2: 500 order settled, no fees configured.
	if got := v.OrderBalanceOf(f.user); got.Int64() != 500 {
		t.Errorf("order balance %s, want 500", got)
	}

	// Not due again until a full period elapsed.
	if n, _ := f.facade.EvaluateReady(f.executor); n != 0 {
		t.Errorf("evaluated %d pools before period, want 0", n)
	}

	f.clock.Advance(poolPeriod + time.Second)
	if n, _ := f.facade.EvaluateReady(f.executor); n != 1 {
		t.Errorf("evaluated %d pools after period, want 1", n)
	}
	if got := v.OrderBalanceOf(f.user); got.Int64() != 1000 {
		t.Errorf("order balance %s, want 1000", got)
	}

	// Commitment exhausted: closing pays out the full purchase.
	if err := f.facade.CloseAccount(vaultID, f.user); err != nil {
		t.Fatalf("CloseAccount: %v", err)
	}
	if got := f.bank.BalanceOf(orderAsset, f.user); got.Int64() != 1000 {
		t.Errorf("user order tokens %s, want 1000", got)
	}
	if got := f.bank.BalanceOf(baseAsset, f.user); got.Int64() != 1_000_000-2000 {
		t.Errorf("user base tokens %s, want %d", got, 1_000_000-2000)
	}
}

func TestEvaluateReady_RequiresExecutor(t *testing.T) {
	f := newFixture(t)
	if _, err := f.facade.EvaluateReady(f.user); !errors.Is(err, access.ErrAccessDenied) {
		t.Errorf("got %v, want ErrAccessDenied", err)
	}
}

// failingStrategy accepts every trade and then rejects it at execution.
type failingStrategy struct{}

func (failingStrategy) CanTrade(sell *big.Int, _, _ string) bool {
	return sell != nil && sell.Sign() > 0
}

func (failingStrategy) Trade(uuid.UUID, *big.Int, string, string) (*big.Int, bool, error) {
	return nil, false, errors.New("venue rejected order")
}

func TestEvaluateReady_CountsFailedEvaluations(t *testing.T) {
	f := newFixture(t)
	f.enableAssets()
	if err := f.factory.SetBuyStrategy(f.admin, orderAsset, failingStrategy{}); err != nil {
		t.Fatalf("SetBuyStrategy: %v", err)
	}
	vaultID, err := f.factory.CreatePool(f.admin, baseAsset, orderAsset, poolPeriod, big.NewInt(1))
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	if err := f.facade.CreateAccount(vaultID, f.user, big.NewInt(100), 2); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	before := promtestutil.ToFloat64(metrics.EvaluateErrors.WithLabelValues(vaultID.String()))
	n, err := f.facade.EvaluateReady(f.executor)
	if err != nil {
		t.Fatalf("EvaluateReady: %v", err)
	}
	if n != 0 {
		t.Errorf("evaluated %d pools, want 0", n)
	}
	after := promtestutil.ToFloat64(metrics.EvaluateErrors.WithLabelValues(vaultID.String()))
	if after != before+1 {
		t.Errorf("evaluate errors = %v, want %v", after, before+1)
	}
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	recipient := uuid.New()
	f.bank.Deposit(baseAsset, f.facade.ID(), big.NewInt(1000))
	f.bank.Deposit(orderAsset, f.facade.ID(), big.NewInt(100))

	if err := f.facade.Sweep(f.user, []string{baseAsset}, recipient); !errors.Is(err, access.ErrAccessDenied) {
		t.Errorf("non-admin Sweep: got %v, want ErrAccessDenied", err)
	}
	if err := f.facade.Sweep(f.admin, []string{orderAsset, baseAsset}, recipient); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := f.bank.BalanceOf(baseAsset, recipient); got.Int64() != 1000 {
		t.Errorf("recipient base %s, want 1000", got)
	}
	if got := f.bank.BalanceOf(orderAsset, recipient); got.Int64() != 100 {
		t.Errorf("recipient order %s, want 100", got)
	}
}

// ============================================================================
// Factory ACL
// ============================================================================

func TestFactoryACL(t *testing.T) {
	f := newFixture(t)

	if err := f.factory.EnableBaseAsset(f.user, baseAsset); !errors.Is(err, access.ErrAccessDenied) {
		t.Errorf("non-admin EnableBaseAsset: got %v, want ErrAccessDenied", err)
	}
	if err := f.factory.EnableOrderAsset(f.user, orderAsset); !errors.Is(err, access.ErrAccessDenied) {
		t.Errorf("non-admin EnableOrderAsset: got %v, want ErrAccessDenied", err)
	}
	if err := f.factory.SetDefaultBuyStrategy(f.user, nil); !errors.Is(err, access.ErrAccessDenied) {
		t.Errorf("non-admin SetDefaultBuyStrategy: got %v, want ErrAccessDenied", err)
	}
	if err := f.factory.SetBuyStrategy(f.user, orderAsset, nil); !errors.Is(err, access.ErrAccessDenied) {
		t.Errorf("non-admin SetBuyStrategy: got %v, want ErrAccessDenied", err)
	}
	if _, err := f.factory.CreatePool(f.user, baseAsset, orderAsset, poolPeriod, big.NewInt(1)); !errors.Is(err, access.ErrAccessDenied) {
		t.Errorf("non-admin CreatePool: got %v, want ErrAccessDenied", err)
	}
}
