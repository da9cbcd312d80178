// Package vesting implements step-release vesting schedules. A Ledger is
// the source of truth for how much of a holder's entitlement has matured
// and how much remains; it knows nothing about listings or prices.
package vesting

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"vesting-market/auth"
	"vesting-market/models"
	"vesting-market/token"
	"vesting-market/units"
)

var (
	ErrNothingToClaim        = errors.New("vesting: nothing to claim")
	ErrInsufficientAvailable = errors.New("vesting: insufficient available entitlement")
	ErrZeroAmount            = errors.New("vesting: amount must be positive")
	ErrCustody               = errors.New("vesting: custody account is managed by the allocation tracker")
	ErrInvalidSchedule       = errors.New("vesting: invalid schedule")
	ErrSelfTransfer          = errors.New("vesting: source and destination are the same")
)

// Recorder receives record changes for persistence.
type Recorder interface {
	RecordVesting(schedule, holder common.Address, rec models.VestingRecord)
}

// Ledger holds every holder's record for one schedule. It is not safe for
// concurrent use.
type Ledger struct {
	schedule models.Schedule
	token    token.Token
	custody  common.Address
	records  map[common.Address]*models.VestingRecord
	recorder Recorder
}

// New creates a ledger for schedule. custody is the allocation tracker's
// escrow identity; only callers holding auth.RoleManager may move it.
func New(schedule models.Schedule, tok token.Token, custody common.Address, rec Recorder) (*Ledger, error) {
	if schedule.NumOfSteps == 0 || schedule.EndTime <= schedule.StartTime {
		return nil, fmt.Errorf("%w: start %d end %d steps %d", ErrInvalidSchedule, schedule.StartTime, schedule.EndTime, schedule.NumOfSteps)
	}
	if uint64(schedule.EndTime-schedule.StartTime) < schedule.NumOfSteps {
		return nil, fmt.Errorf("%w: duration shorter than one second per step", ErrInvalidSchedule)
	}
	if tok.Address() != schedule.Token {
		return nil, fmt.Errorf("%w: token %s does not match schedule token %s", ErrInvalidSchedule, tok.Address().Hex(), schedule.Token.Hex())
	}
	return &Ledger{
		schedule: schedule,
		token:    tok,
		custody:  custody,
		records:  make(map[common.Address]*models.VestingRecord),
		recorder: rec,
	}, nil
}

func (l *Ledger) Address() common.Address   { return l.schedule.Address }
func (l *Ledger) Schedule() models.Schedule { return l.schedule }
func (l *Ledger) Token() token.Token        { return l.token }

// Record returns a copy of holder's record.
func (l *Ledger) Record(holder common.Address) (models.VestingRecord, bool) {
	r, ok := l.records[holder]
	if !ok {
		return models.VestingRecord{TotalAmount: units.Zero(), AmountClaimed: units.Zero(), ReleaseRate: units.Zero()}, false
	}
	return *r, true
}

// Total is the holder's entitlement including what is already claimed.
func (l *Ledger) Total(holder common.Address) *uint256.Int {
	if r, ok := l.records[holder]; ok {
		return r.TotalAmount.Clone()
	}
	return units.Zero()
}

// Available is the entitlement not yet claimed.
func (l *Ledger) Available(holder common.Address) *uint256.Int {
	if r, ok := l.records[holder]; ok {
		return units.Sub(r.TotalAmount, r.AmountClaimed)
	}
	return units.Zero()
}

// CurrentStep is the number of steps elapsed at now, capped at NumOfSteps.
func (l *Ledger) CurrentStep(now time.Time) uint64 {
	t := now.Unix()
	if t < l.schedule.StartTime {
		return 0
	}
	if t > l.schedule.EndTime {
		t = l.schedule.EndTime
	}
	step := uint64((t - l.schedule.StartTime) / l.schedule.StepDuration())
	if step > l.schedule.NumOfSteps {
		step = l.schedule.NumOfSteps
	}
	return step
}

// Claimable reports what holder could claim at now and how many steps that
// covers. Once the final step is reached the exact residual is released.
func (l *Ledger) Claimable(holder common.Address, now time.Time) (*uint256.Int, uint64) {
	r, ok := l.records[holder]
	if !ok || r.TotalAmount.IsZero() {
		return units.Zero(), 0
	}
	current := l.CurrentStep(now)
	if current < r.StepsClaimed {
		return units.Zero(), 0
	}
	steps := current - r.StepsClaimed
	residual := units.Sub(r.TotalAmount, r.AmountClaimed)
	if r.StepsClaimed+steps >= l.schedule.NumOfSteps {
		return residual, steps
	}
	amount, overflow := new(uint256.Int).MulOverflow(r.ReleaseRate, uint256.NewInt(steps))
	// a rate derived from the full step count can outrun the residual after transfers
	if overflow || amount.Gt(residual) {
		amount = residual
	}
	return amount, steps
}

// Claim pays the caller everything matured since their last claim.
func (l *Ledger) Claim(caller auth.Caller, now time.Time) (*uint256.Int, error) {
	holder := caller.Address
	if holder == l.custody {
		return nil, ErrCustody
	}
	amount, steps := l.Claimable(holder, now)
	if amount.IsZero() {
		return nil, ErrNothingToClaim
	}
	if err := l.token.Transfer(l.schedule.Address, holder, amount); err != nil {
		return nil, fmt.Errorf("vesting: pay claim: %w", err)
	}
	r := l.records[holder]
	r.StepsClaimed += steps
	r.AmountClaimed = new(uint256.Int).Add(r.AmountClaimed, amount)
	l.record(holder, r)
	return amount, nil
}

// CreateVesting funds a new or existing position from the issuer's balance.
func (l *Ledger) CreateVesting(caller auth.Caller, holder common.Address, amount *uint256.Int) error {
	if caller.Address != l.schedule.Issuer {
		return fmt.Errorf("create vesting: %w", auth.ErrUnauthorized)
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	if holder == l.custody || holder == (common.Address{}) {
		return ErrCustody
	}
	if r, ok := l.records[holder]; ok {
		if _, err := units.Add(r.TotalAmount, amount); err != nil {
			return err
		}
	}
	if err := l.token.TransferFrom(l.schedule.Address, caller.Address, l.schedule.Address, amount); err != nil {
		return fmt.Errorf("vesting: fund position: %w", err)
	}
	l.credit(holder, amount)
	return nil
}

// TransferVesting moves unclaimed entitlement between holders. The source's
// release rate is recomputed over the full step count.
func (l *Ledger) TransferVesting(caller auth.Caller, from, to common.Address, amount *uint256.Int) error {
	if caller.Address != l.schedule.Issuer && !caller.Has(auth.RoleManager) {
		return fmt.Errorf("transfer vesting: %w", auth.ErrUnauthorized)
	}
	if (from == l.custody || to == l.custody) && !caller.Has(auth.RoleManager) {
		return ErrCustody
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	if from == to {
		return ErrSelfTransfer
	}
	if to == (common.Address{}) {
		return fmt.Errorf("%w: zero destination", ErrInsufficientAvailable)
	}
	if avail := l.Available(from); avail.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientAvailable, from.Hex(), avail.Dec(), amount.Dec())
	}
	if r, ok := l.records[to]; ok {
		if _, err := units.Add(r.TotalAmount, amount); err != nil {
			return err
		}
	}

	src := l.records[from]
	src.TotalAmount = units.Sub(src.TotalAmount, amount)
	src.ReleaseRate = new(uint256.Int).Div(src.TotalAmount, uint256.NewInt(l.schedule.NumOfSteps))
	l.record(from, src)

	l.credit(to, amount)
	return nil
}

// Restore loads a persisted record without recording it again.
func (l *Ledger) Restore(holder common.Address, rec models.VestingRecord) {
	r := rec
	l.records[holder] = &r
}

// Holders lists every holder with a record.
func (l *Ledger) Holders() []common.Address {
	out := make([]common.Address, 0, len(l.records))
	for h := range l.records {
		out = append(out, h)
	}
	return out
}

// credit adds amount to holder, spreading the unclaimed remainder over the
// remaining steps when the holder already has a record.
func (l *Ledger) credit(holder common.Address, amount *uint256.Int) {
	steps := uint256.NewInt(l.schedule.NumOfSteps)
	r, ok := l.records[holder]
	if !ok {
		r = &models.VestingRecord{
			TotalAmount:   amount.Clone(),
			AmountClaimed: units.Zero(),
			ReleaseRate:   new(uint256.Int).Div(amount, steps),
		}
		l.records[holder] = r
		l.record(holder, r)
		return
	}
	r.TotalAmount = new(uint256.Int).Add(r.TotalAmount, amount)
	// past the final step the residual is released without a rate
	if remaining := l.schedule.NumOfSteps - r.StepsClaimed; remaining > 0 {
		r.ReleaseRate = new(uint256.Int).Div(units.Sub(r.TotalAmount, r.AmountClaimed), uint256.NewInt(remaining))
	}
	l.record(holder, r)
}

func (l *Ledger) record(holder common.Address, r *models.VestingRecord) {
	if l.recorder != nil {
		l.recorder.RecordVesting(l.schedule.Address, holder, *r)
	}
}
