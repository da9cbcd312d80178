// Package allocation enforces the per-schedule sell limit and keeps listed
// entitlement in escrow custody until it is bought or unlisted.
package allocation

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"vesting-market/auth"
	"vesting-market/models"
	"vesting-market/token"
	"vesting-market/units"
	"vesting-market/vesting"
)

var (
	ErrNotSellable       = errors.New("allocation: schedule is not sellable")
	ErrSellLimitExceeded = errors.New("allocation: sell limit exceeded")
	ErrInsufficientSold  = errors.New("allocation: amount exceeds escrowed entitlement")
	ErrUnknownSchedule   = errors.New("allocation: unknown schedule")
	ErrScheduleExists    = errors.New("allocation: schedule already registered")
	ErrInvalidSettings   = errors.New("allocation: invalid vesting settings")
)

// Ledger is the view of a vesting ledger the tracker needs.
type Ledger interface {
	Address() common.Address
	Token() token.Token
	Total(holder common.Address) *uint256.Int
	Available(holder common.Address) *uint256.Int
	TransferVesting(caller auth.Caller, from, to common.Address, amount *uint256.Int) error
}

// Recorder receives tracker changes for persistence.
type Recorder interface {
	RecordAllocation(schedule, holder common.Address, a models.Allocation)
	RecordVestingSettings(schedule common.Address, s models.VestingSettings)
}

type entry struct {
	ledger   Ledger
	settings models.VestingSettings
}

type allocKey struct {
	schedule common.Address
	holder   common.Address
}

// Tracker is the only party allowed to move entitlement in and out of its
// own custody address. It is not safe for concurrent use.
type Tracker struct {
	address     common.Address
	schedules   map[common.Address]*entry
	allocations map[allocKey]*models.Allocation
	recorder    Recorder
}

// New returns an empty tracker whose custody identity is address.
func New(address common.Address, rec Recorder) *Tracker {
	return &Tracker{
		address:     address,
		schedules:   make(map[common.Address]*entry),
		allocations: make(map[allocKey]*models.Allocation),
		recorder:    rec,
	}
}

// Address is the custody identity holding listed entitlement.
func (t *Tracker) Address() common.Address { return t.address }

// Register adds a schedule's ledger with its initial settings.
func (t *Tracker) Register(l Ledger, s models.VestingSettings) error {
	if _, ok := t.schedules[l.Address()]; ok {
		return fmt.Errorf("%w: %s", ErrScheduleExists, l.Address().Hex())
	}
	if s.MaxSellPercent > units.BPS {
		return fmt.Errorf("%w: max sell percent %d", ErrInvalidSettings, s.MaxSellPercent)
	}
	t.schedules[l.Address()] = &entry{ledger: l, settings: s}
	t.recordSettings(l.Address(), s)
	return nil
}

// SetVestingSettings changes the sell rules of a schedule. Admin only.
func (t *Tracker) SetVestingSettings(caller auth.Caller, schedule common.Address, s models.VestingSettings) error {
	if !caller.Has(auth.RoleAdmin) {
		return fmt.Errorf("set vesting settings: %w", auth.ErrUnauthorized)
	}
	e, err := t.entry(schedule)
	if err != nil {
		return err
	}
	if s.MaxSellPercent > units.BPS {
		return fmt.Errorf("%w: max sell percent %d", ErrInvalidSettings, s.MaxSellPercent)
	}
	e.settings = s
	t.recordSettings(schedule, s)
	return nil
}

// VestingSettings returns the sell rules of schedule.
func (t *Tracker) VestingSettings(schedule common.Address) (models.VestingSettings, error) {
	e, err := t.entry(schedule)
	if err != nil {
		return models.VestingSettings{}, err
	}
	return e.settings, nil
}

// VestingToken is the asset vested by schedule.
func (t *Tracker) VestingToken(schedule common.Address) (token.Token, error) {
	e, err := t.entry(schedule)
	if err != nil {
		return nil, err
	}
	return e.ledger.Token(), nil
}

// Allocation returns a copy of holder's counters for schedule.
func (t *Tracker) Allocation(holder, schedule common.Address) models.Allocation {
	if a, ok := t.allocations[allocKey{schedule, holder}]; ok {
		return models.Allocation{Purchased: a.Purchased.Clone(), Sold: a.Sold.Clone()}
	}
	return models.Allocation{Purchased: units.Zero(), Sold: units.Zero()}
}

// SellLimit is the most holder may have escrowed at once:
// purchased + maxSellPercent * (total + sold - purchased) / BPS.
// Purchased entitlement is fully liquid.
func (t *Tracker) SellLimit(holder, schedule common.Address) (*uint256.Int, error) {
	e, err := t.entry(schedule)
	if err != nil {
		return nil, err
	}
	return t.sellLimit(e, holder)
}

func (t *Tracker) sellLimit(e *entry, holder common.Address) (*uint256.Int, error) {
	a := t.Allocation(holder, e.ledger.Address())
	held, err := units.Add(e.ledger.Total(holder), a.Sold)
	if err != nil {
		return nil, err
	}
	// With nothing purchased this is pct * (total + sold) / BPS. Once
	// purchased > 0 the bought part is exempt from the percentage and added
	// back whole, so the limit is above pct * (total + sold) / BPS.
	base := units.Zero()
	if held.Gt(a.Purchased) {
		base = units.Sub(held, a.Purchased)
	}
	limit, err := units.MulDiv(base, uint256.NewInt(e.settings.MaxSellPercent), uint256.NewInt(units.BPS))
	if err != nil {
		return nil, err
	}
	return units.Add(limit, a.Purchased)
}

// ValidateList reports whether ListVesting would succeed.
func (t *Tracker) ValidateList(holder, schedule common.Address, amount *uint256.Int) error {
	e, err := t.entry(schedule)
	if err != nil {
		return err
	}
	return t.validateList(e, holder, amount)
}

func (t *Tracker) validateList(e *entry, holder common.Address, amount *uint256.Int) error {
	if !e.settings.Sellable {
		return fmt.Errorf("%w: %s", ErrNotSellable, e.ledger.Address().Hex())
	}
	if amount.IsZero() {
		return vesting.ErrZeroAmount
	}
	if holder == t.address {
		return vesting.ErrCustody
	}
	if avail := e.ledger.Available(holder); avail.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, listing %s", vesting.ErrInsufficientAvailable, holder.Hex(), avail.Dec(), amount.Dec())
	}
	limit, err := t.sellLimit(e, holder)
	if err != nil {
		return err
	}
	sold := t.Allocation(holder, e.ledger.Address()).Sold
	after, err := units.Add(sold, amount)
	if err != nil {
		return err
	}
	if after.Gt(limit) {
		return fmt.Errorf("%w: escrowed %s plus %s over limit %s", ErrSellLimitExceeded, sold.Dec(), amount.Dec(), limit.Dec())
	}
	return nil
}

// ListVesting moves amount of holder's entitlement into custody.
func (t *Tracker) ListVesting(caller auth.Caller, holder, schedule common.Address, amount *uint256.Int) error {
	if !caller.Has(auth.RoleMarketplace) {
		return fmt.Errorf("list vesting: %w", auth.ErrUnauthorized)
	}
	e, err := t.entry(schedule)
	if err != nil {
		return err
	}
	if err := t.validateList(e, holder, amount); err != nil {
		return err
	}
	if err := e.ledger.TransferVesting(t.manager(), holder, t.address, amount); err != nil {
		return fmt.Errorf("allocation: escrow listing: %w", err)
	}
	a := t.allocation(schedule, holder)
	a.Sold = new(uint256.Int).Add(a.Sold, amount)
	t.recordAllocation(schedule, holder, a)
	return nil
}

// ValidateUnlist reports whether UnlistVesting would succeed.
func (t *Tracker) ValidateUnlist(holder, schedule common.Address, amount *uint256.Int) error {
	e, err := t.entry(schedule)
	if err != nil {
		return err
	}
	return t.validateRelease(e, holder, holder, amount)
}

// UnlistVesting returns amount of holder's escrowed entitlement.
func (t *Tracker) UnlistVesting(caller auth.Caller, holder, schedule common.Address, amount *uint256.Int) error {
	if !caller.Has(auth.RoleMarketplace) {
		return fmt.Errorf("unlist vesting: %w", auth.ErrUnauthorized)
	}
	e, err := t.entry(schedule)
	if err != nil {
		return err
	}
	if err := t.validateRelease(e, holder, holder, amount); err != nil {
		return err
	}
	if err := e.ledger.TransferVesting(t.manager(), t.address, holder, amount); err != nil {
		return fmt.Errorf("allocation: release escrow: %w", err)
	}
	a := t.allocation(schedule, holder)
	a.Sold = units.Sub(a.Sold, amount)
	t.recordAllocation(schedule, holder, a)
	return nil
}

// ValidatePurchase reports whether CompletePurchase would succeed.
func (t *Tracker) ValidatePurchase(buyer, schedule, seller common.Address, amount *uint256.Int) error {
	e, err := t.entry(schedule)
	if err != nil {
		return err
	}
	if err := t.validateRelease(e, seller, buyer, amount); err != nil {
		return err
	}
	_, err = units.Add(t.Allocation(buyer, schedule).Purchased, amount)
	return err
}

// CompletePurchase hands amount of seller's escrowed entitlement to buyer.
func (t *Tracker) CompletePurchase(caller auth.Caller, buyer, schedule, seller common.Address, amount *uint256.Int) error {
	if !caller.Has(auth.RoleMarketplace) {
		return fmt.Errorf("complete purchase: %w", auth.ErrUnauthorized)
	}
	if err := t.ValidatePurchase(buyer, schedule, seller, amount); err != nil {
		return err
	}
	e := t.schedules[schedule]
	if err := e.ledger.TransferVesting(t.manager(), t.address, buyer, amount); err != nil {
		return fmt.Errorf("allocation: deliver purchase: %w", err)
	}
	s := t.allocation(schedule, seller)
	s.Sold = units.Sub(s.Sold, amount)
	t.recordAllocation(schedule, seller, s)

	b := t.allocation(schedule, buyer)
	b.Purchased = new(uint256.Int).Add(b.Purchased, amount)
	t.recordAllocation(schedule, buyer, b)
	return nil
}

// Restore loads persisted state without recording it again.
func (t *Tracker) Restore(schedule, holder common.Address, a models.Allocation) {
	t.allocations[allocKey{schedule, holder}] = &models.Allocation{
		Purchased: units.Or(a.Purchased).Clone(),
		Sold:      units.Or(a.Sold).Clone(),
	}
}

func (t *Tracker) validateRelease(e *entry, owner, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return vesting.ErrZeroAmount
	}
	if to == t.address || to == (common.Address{}) {
		return vesting.ErrCustody
	}
	if sold := t.Allocation(owner, e.ledger.Address()).Sold; sold.Lt(amount) {
		return fmt.Errorf("%w: %s escrowed %s, releasing %s", ErrInsufficientSold, owner.Hex(), sold.Dec(), amount.Dec())
	}
	if avail := e.ledger.Available(t.address); avail.Lt(amount) {
		return fmt.Errorf("%w: custody holds %s", vesting.ErrInsufficientAvailable, avail.Dec())
	}
	return nil
}

func (t *Tracker) manager() auth.Caller {
	return auth.Caller{Address: t.address, Roles: auth.RoleManager}
}

func (t *Tracker) entry(schedule common.Address) (*entry, error) {
	e, ok := t.schedules[schedule]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchedule, schedule.Hex())
	}
	return e, nil
}

func (t *Tracker) allocation(schedule, holder common.Address) *models.Allocation {
	k := allocKey{schedule, holder}
	a, ok := t.allocations[k]
	if !ok {
		a = &models.Allocation{Purchased: units.Zero(), Sold: units.Zero()}
		t.allocations[k] = a
	}
	return a
}

func (t *Tracker) recordAllocation(schedule, holder common.Address, a *models.Allocation) {
	if t.recorder != nil {
		t.recorder.RecordAllocation(schedule, holder, *a)
	}
}

func (t *Tracker) recordSettings(schedule common.Address, s models.VestingSettings) {
	if t.recorder != nil {
		t.recorder.RecordVestingSettings(schedule, s)
	}
}
