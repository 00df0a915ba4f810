package vault

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"dcapool/internal/access"
	"dcapool/internal/event"
	"dcapool/internal/fixedpoint"
	"dcapool/internal/token"
)

// MaxCycles bounds a single commitment so it always fits the schedule
// window with room to spare.
const MaxCycles = 255

var (
	// ErrAlreadyExists is returned when an owner already holds an account.
	ErrAlreadyExists = errors.New("vault: account already exists")
	// ErrNotFound is returned when an owner has no account.
	ErrNotFound = errors.New("vault: account not found")
	// ErrInvalidAccount is returned for a zero amount or an out-of-range cycle count.
	ErrInvalidAccount = errors.New("vault: invalid account parameters")
	// ErrBelowMinimum is returned when the per-period amount is under the pool floor.
	ErrBelowMinimum = errors.New("vault: amount below pool minimum")
)

// ScheduleEditor is the scheduler-side hook a vault uses to keep the pool's
// future sell quantities in sync with its accounts.
type ScheduleEditor interface {
	EditSchedule(vaultID uuid.UUID, prevAmount *big.Int, prevEnd uint64, newAmount *big.Int, newEnd uint64) error
}

// Account is one owner's commitment: sell amountPerPeriod of the base asset
// each cycle over [startCycle, endCycle), with earnings tracked lazily
// through checkpointCycle.
type Account struct {
	Owner           uuid.UUID
	AmountPerPeriod *big.Int
	StartCycle      uint64
	EndCycle        uint64 // exclusive
	OrderBalance    *big.Int
	CheckpointCycle uint64
}

// Settlement records one executed cycle.
type Settlement struct {
	Cycle       uint64
	TotalSold   *big.Int
	TotalBought *big.Int
	// Cumulative purchase rate after this cycle, RateScale fixed point.
	RateAfter *big.Int
}

// Vault is the account ledger of one pool. It owns pooled base tokens and
// settled order tokens in the bank under its own ID and distributes each
// cycle's purchase pro rata through a cumulative-rate accumulator.
type Vault struct {
	mu sync.Mutex

	id         uuid.UUID
	baseAsset  string
	orderAsset string

	acl    *access.Controller
	bank   *token.Bank
	editor ScheduleEditor
	sink   event.Sink

	accounts map[uuid.UUID]*Account

	// currentCycle tracks the schedule cursor: the next cycle to execute.
	currentCycle uint64
	cumulative   *big.Int
	// rateByCycle[c] is the accumulator value after cycle c executed. An
	// account's earnings stop at its endCycle, so entitlements need the
	// accumulator as of arbitrary past cycles, not just the latest value.
	rateByCycle map[uint64]*big.Int
	settlements []Settlement

	// Running totals of what accounts are owed, used to separate dust from
	// user funds.
	usersBase  *big.Int
	usersOrder *big.Int

	minQty *big.Int
}

func New(id uuid.UUID, baseAsset, orderAsset string, acl *access.Controller, bank *token.Bank, sink event.Sink) *Vault {
	if sink == nil {
		sink = event.Discard{}
	}
	return &Vault{
		id:           id,
		baseAsset:    baseAsset,
		orderAsset:   orderAsset,
		acl:          acl,
		bank:         bank,
		sink:         sink,
		accounts:     make(map[uuid.UUID]*Account),
		currentCycle: 1,
		cumulative:   new(big.Int),
		rateByCycle:  make(map[uint64]*big.Int),
		usersBase:    new(big.Int),
		usersOrder:   new(big.Int),
		minQty:       new(big.Int),
	}
}

// SetScheduleEditor wires the scheduler hook. The pool is registered after
// the vault exists, so this runs once during pool construction.
func (v *Vault) SetScheduleEditor(e ScheduleEditor) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.editor = e
}

func (v *Vault) ID() uuid.UUID      { return v.id }
func (v *Vault) BaseAsset() string  { return v.baseAsset }
func (v *Vault) OrderAsset() string { return v.orderAsset }

// CurrentCycle returns the next cycle to execute.
func (v *Vault) CurrentCycle() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentCycle
}

// cumAt returns the accumulator value as of the start of cycle c, i.e.
// after cycle c-1 executed.
func (v *Vault) cumAt(c uint64) *big.Int {
	if c <= 1 {
		return new(big.Int)
	}
	if r, ok := v.rateByCycle[c-1]; ok {
		return r
	}
	return new(big.Int)
}

// accrued returns the order tokens earned since the account's checkpoint,
// capped at its end cycle.
func (v *Vault) accrued(acc *Account) *big.Int {
	upper := v.currentCycle
	if acc.EndCycle < upper {
		upper = acc.EndCycle
	}
	if upper <= acc.CheckpointCycle {
		return new(big.Int)
	}
	diff := new(big.Int).Sub(v.cumAt(upper), v.cumAt(acc.CheckpointCycle))
	return fixedpoint.Entitlement(acc.AmountPerPeriod, diff)
}

// credit moves accrued earnings into the account's order balance and
// advances the checkpoint.
func (v *Vault) credit(acc *Account) {
	acc.OrderBalance.Add(acc.OrderBalance, v.accrued(acc))
	acc.CheckpointCycle = v.currentCycle
}

func (v *Vault) validate(amount *big.Int, cycles uint32) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAccount)
	}
	if cycles == 0 || cycles > MaxCycles {
		return fmt.Errorf("%w: cycles %d outside [1, %d]", ErrInvalidAccount, cycles, MaxCycles)
	}
	if amount.Cmp(v.minQty) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount, v.minQty)
	}
	return nil
}

func prepaid(amount *big.Int, cycles uint32) *big.Int {
	return new(big.Int).Mul(amount, big.NewInt(int64(cycles)))
}

// remaining returns the undischarged base commitment of an account.
func (v *Vault) remaining(acc *Account) *big.Int {
	if acc.EndCycle <= v.currentCycle {
		return new(big.Int)
	}
	left := new(big.Int).SetUint64(acc.EndCycle - v.currentCycle)
	return left.Mul(left, acc.AmountPerPeriod)
}

// CreateAccount opens a commitment for owner, prepaying amount*cycles base
// tokens into the vault and scheduling amount for each of the next cycles.
func (v *Vault) CreateAccount(owner uuid.UUID, amount *big.Int, cycles uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.validate(amount, cycles); err != nil {
		return err
	}
	if _, ok := v.accounts[owner]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, owner)
	}

	end := v.currentCycle + uint64(cycles)
	if err := v.editor.EditSchedule(v.id, new(big.Int), 0, amount, end); err != nil {
		return fmt.Errorf("schedule %s per cycle until %d: %w", amount, end, err)
	}

	total := prepaid(amount, cycles)
	if err := v.bank.Transfer(v.baseAsset, owner, v.id, total); err != nil {
		// Roll the schedule back so a failed prepay leaves no trace.
		v.editor.EditSchedule(v.id, amount, end, new(big.Int), 0)
		return fmt.Errorf("prepay %s %s: %w", total, v.baseAsset, err)
	}
	v.usersBase.Add(v.usersBase, total)

	v.accounts[owner] = &Account{
		Owner:           owner,
		AmountPerPeriod: new(big.Int).Set(amount),
		StartCycle:      v.currentCycle,
		EndCycle:        end,
		OrderBalance:    new(big.Int),
		CheckpointCycle: v.currentCycle,
	}

	v.sink.Emit(&event.AccountModified{
		VaultID:         v.id,
		Owner:           owner,
		AmountPerPeriod: new(big.Int).Set(amount),
		Cycles:          cycles,
	})
	return nil
}

// EditAccount replaces owner's commitment with amount per cycle for the next
// cycles, crediting earnings first and settling the prepaid difference.
// Editing with identical parameters leaves schedule and balances unchanged.
func (v *Vault) EditAccount(owner uuid.UUID, amount *big.Int, cycles uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	acc, ok := v.accounts[owner]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, owner)
	}
	if err := v.validate(amount, cycles); err != nil {
		return err
	}

	refund := v.remaining(acc)
	charge := prepaid(amount, cycles)
	if charge.Cmp(refund) > 0 {
		need := new(big.Int).Sub(charge, refund)
		if v.bank.BalanceOf(v.baseAsset, owner).Cmp(need) < 0 {
			return fmt.Errorf("top up %s %s: %w", need, v.baseAsset, token.ErrInsufficientFunds)
		}
	}

	end := v.currentCycle + uint64(cycles)
	if err := v.editor.EditSchedule(v.id, acc.AmountPerPeriod, acc.EndCycle, amount, end); err != nil {
		return fmt.Errorf("reschedule %s per cycle until %d: %w", amount, end, err)
	}

	v.credit(acc)

	switch charge.Cmp(refund) {
	case 1:
		need := new(big.Int).Sub(charge, refund)
		if err := v.bank.Transfer(v.baseAsset, owner, v.id, need); err != nil {
			return fmt.Errorf("top up %s %s: %w", need, v.baseAsset, err)
		}
	case -1:
		back := new(big.Int).Sub(refund, charge)
		if err := v.bank.Transfer(v.baseAsset, v.id, owner, back); err != nil {
			return fmt.Errorf("refund %s %s: %w", back, v.baseAsset, err)
		}
	}
	v.usersBase.Add(v.usersBase, charge)
	v.usersBase.Sub(v.usersBase, refund)

	acc.AmountPerPeriod = new(big.Int).Set(amount)
	acc.StartCycle = v.currentCycle
	acc.EndCycle = end
	acc.CheckpointCycle = v.currentCycle

	v.sink.Emit(&event.AccountModified{
		VaultID:         v.id,
		Owner:           owner,
		AmountPerPeriod: new(big.Int).Set(amount),
		Cycles:          cycles,
	})
	return nil
}

// CloseAccount pays out earned order tokens, refunds the unexecuted base
// commitment and deletes the account.
func (v *Vault) CloseAccount(owner uuid.UUID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	acc, ok := v.accounts[owner]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, owner)
	}

	v.credit(acc)
	payout := acc.OrderBalance
	if err := v.bank.Transfer(v.orderAsset, v.id, owner, payout); err != nil {
		return fmt.Errorf("pay out %s %s: %w", payout, v.orderAsset, err)
	}
	v.usersOrder.Sub(v.usersOrder, payout)

	if err := v.editor.EditSchedule(v.id, acc.AmountPerPeriod, acc.EndCycle, new(big.Int), 0); err != nil {
		return fmt.Errorf("unschedule until %d: %w", acc.EndCycle, err)
	}

	refund := v.remaining(acc)
	if err := v.bank.Transfer(v.baseAsset, v.id, owner, refund); err != nil {
		return fmt.Errorf("refund %s %s: %w", refund, v.baseAsset, err)
	}
	v.usersBase.Sub(v.usersBase, refund)

	delete(v.accounts, owner)

	v.sink.Emit(&event.AccountModified{
		VaultID:         v.id,
		Owner:           owner,
		AmountPerPeriod: new(big.Int),
		Cycles:          0,
	})
	return nil
}

// OnExecution settles one executed cycle into the ledger: totalSold base
// tokens left the vault, totalBought order tokens (net of fees) arrived.
// Only the scheduler may call it.
func (v *Vault) OnExecution(caller uuid.UUID, totalSold, totalBought *big.Int) error {
	if err := v.acl.Require(access.RoleScheduler, caller); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if totalSold.Sign() > 0 {
		v.cumulative.Add(v.cumulative, fixedpoint.RateDelta(totalBought, totalSold))
	}
	v.rateByCycle[v.currentCycle] = new(big.Int).Set(v.cumulative)
	v.settlements = append(v.settlements, Settlement{
		Cycle:       v.currentCycle,
		TotalSold:   new(big.Int).Set(totalSold),
		TotalBought: new(big.Int).Set(totalBought),
		RateAfter:   new(big.Int).Set(v.cumulative),
	})

	v.currentCycle++
	v.usersBase.Sub(v.usersBase, totalSold)
	v.usersOrder.Add(v.usersOrder, totalBought)
	return nil
}

// BaseBalanceOf returns the base tokens still committed by owner's account.
func (v *Vault) BaseBalanceOf(owner uuid.UUID) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	acc, ok := v.accounts[owner]
	if !ok {
		return new(big.Int)
	}
	return v.remaining(acc)
}

// OrderBalanceOf returns owner's withdrawable order tokens: the credited
// balance plus everything accrued since the last checkpoint.
func (v *Vault) OrderBalanceOf(owner uuid.UUID) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	acc, ok := v.accounts[owner]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Add(acc.OrderBalance, v.accrued(acc))
}

// Withdraw pays owner's full order balance out of the vault and rebases the
// account at the current cycle.
func (v *Vault) Withdraw(owner uuid.UUID) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	acc, ok := v.accounts[owner]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, owner)
	}

	v.credit(acc)
	paid := acc.OrderBalance
	if err := v.bank.Transfer(v.orderAsset, v.id, owner, paid); err != nil {
		return nil, fmt.Errorf("withdraw %s %s: %w", paid, v.orderAsset, err)
	}
	v.usersOrder.Sub(v.usersOrder, paid)

	acc.OrderBalance = new(big.Int)
	acc.CheckpointCycle = v.currentCycle
	if acc.StartCycle < v.currentCycle {
		acc.StartCycle = v.currentCycle
	}
	if acc.EndCycle < v.currentCycle {
		acc.EndCycle = v.currentCycle
	}

	v.sink.Emit(&event.Withdrawal{VaultID: v.id, Owner: owner, Amount: paid})
	return new(big.Int).Set(paid), nil
}

// CollectDust transfers to recipient whatever the vault holds beyond what
// accounts are owed. Admin only.
func (v *Vault) CollectDust(caller uuid.UUID, assets []string, recipient uuid.UUID) error {
	if err := v.acl.Require(access.RoleAdmin, caller); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, asset := range assets {
		owed := new(big.Int)
		switch asset {
		case v.baseAsset:
			owed = v.usersBase
		case v.orderAsset:
			owed = v.usersOrder
		}
		dust := new(big.Int).Sub(v.bank.BalanceOf(asset, v.id), owed)
		if dust.Sign() <= 0 {
			continue
		}
		if err := v.bank.Transfer(asset, v.id, recipient, dust); err != nil {
			return fmt.Errorf("sweep %s %s: %w", dust, asset, err)
		}
		v.sink.Emit(&event.DustCollected{
			VaultID:   v.id,
			Asset:     asset,
			Amount:    dust,
			Recipient: recipient,
		})
	}
	return nil
}

// SetMinQty sets the per-period amount floor for new and edited accounts.
// Admin only.
func (v *Vault) SetMinQty(caller uuid.UUID, minQty *big.Int) error {
	if err := v.acl.Require(access.RoleAdmin, caller); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.minQty = new(big.Int).Set(minQty)
	return nil
}

// UsersBaseBalance returns the total base tokens still owed to accounts.
func (v *Vault) UsersBaseBalance() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.usersBase)
}

// UsersOrderBalance returns the total order tokens held for accounts.
func (v *Vault) UsersOrderBalance() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.usersOrder)
}

// Settlements returns the executed cycle history, oldest first.
func (v *Vault) Settlements() []Settlement {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Settlement, len(v.settlements))
	copy(out, v.settlements)
	return out
}

// AccountOf returns a copy of owner's account, or false when absent.
func (v *Vault) AccountOf(owner uuid.UUID) (Account, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	acc, ok := v.accounts[owner]
	if !ok {
		return Account{}, false
	}
	cp := *acc
	cp.AmountPerPeriod = new(big.Int).Set(acc.AmountPerPeriod)
	cp.OrderBalance = new(big.Int).Set(acc.OrderBalance)
	return cp, true
}

// Owners returns every account owner, in no particular order.
func (v *Vault) Owners() []uuid.UUID {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]uuid.UUID, 0, len(v.accounts))
	for owner := range v.accounts {
		out = append(out, owner)
	}
	return out
}
