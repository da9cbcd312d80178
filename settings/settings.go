// Package settings holds the admin-controlled marketplace parameters.
package settings

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"vesting-market/auth"
	"vesting-market/models"
	"vesting-market/units"
)

const (
	MaxFee          = 5000 // bps
	DefaultFee      = 250  // bps
	DefaultReferral = 9000 // bps of the buyer fee
)

var (
	ErrFeeTooHigh       = errors.New("settings: fee above maximum")
	ErrInvalidCollector = errors.New("settings: invalid fee collector")
)

// Recorder receives settings changes for persistence.
type Recorder interface {
	RecordSettings(s models.MarketplaceSettings)
}

// Marketplace is the settings provider read by the marketplace engine.
type Marketplace struct {
	s        models.MarketplaceSettings
	tokens   map[common.Address]struct{}
	recorder Recorder
}

// Defaults returns the settings a fresh deployment starts with.
func Defaults(collector common.Address, penalty *uint256.Int) models.MarketplaceSettings {
	return models.MarketplaceSettings{
		BuyerFee:     DefaultFee,
		SellerFee:    DefaultFee,
		ReferralFee:  DefaultReferral,
		FeeCollector: collector,
		PenaltyFee:   penalty,
	}
}

// New validates s and returns a provider holding it.
func New(s models.MarketplaceSettings, rec Recorder) (*Marketplace, error) {
	if s.BuyerFee > MaxFee || s.SellerFee > MaxFee || s.ReferralFee > units.BPS {
		return nil, fmt.Errorf("%w: buyer %d seller %d referral %d", ErrFeeTooHigh, s.BuyerFee, s.SellerFee, s.ReferralFee)
	}
	if s.FeeCollector == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero address", ErrInvalidCollector)
	}
	m := &Marketplace{s: s, tokens: make(map[common.Address]struct{}), recorder: rec}
	m.s.PenaltyFee = units.Or(s.PenaltyFee).Clone()
	m.s.SupportedTokens = nil
	for _, t := range s.SupportedTokens {
		m.addToken(t)
	}
	return m, nil
}

func (m *Marketplace) BuyerFee() uint64                  { return m.s.BuyerFee }
func (m *Marketplace) SellerFee() uint64                 { return m.s.SellerFee }
func (m *Marketplace) ReferralFee() uint64               { return m.s.ReferralFee }
func (m *Marketplace) FeeCollector() common.Address      { return m.s.FeeCollector }
func (m *Marketplace) MinListingDuration() time.Duration { return m.s.MinListingDuration }
func (m *Marketplace) PenaltyFee() *uint256.Int          { return m.s.PenaltyFee.Clone() }
func (m *Marketplace) IsFrozen() bool                    { return m.s.Frozen }

// IsTokenSupported reports whether token is accepted as a listing currency.
func (m *Marketplace) IsTokenSupported(token common.Address) bool {
	_, ok := m.tokens[token]
	return ok
}

// Snapshot returns a copy of the current settings.
func (m *Marketplace) Snapshot() models.MarketplaceSettings {
	s := m.s
	s.PenaltyFee = m.s.PenaltyFee.Clone()
	s.SupportedTokens = append([]common.Address(nil), m.s.SupportedTokens...)
	return s
}

// Restore replaces the current settings without recording them.
func (m *Marketplace) Restore(s models.MarketplaceSettings) {
	m.s = s
	m.s.PenaltyFee = units.Or(s.PenaltyFee).Clone()
	m.s.SupportedTokens = nil
	m.tokens = make(map[common.Address]struct{})
	for _, t := range s.SupportedTokens {
		m.addToken(t)
	}
}

// SetBuyerFee sets the fee charged on top of the price. Admin only, capped at MaxFee.
func (m *Marketplace) SetBuyerFee(caller auth.Caller, bps uint64) error {
	if err := admin(caller, "set buyer fee"); err != nil {
		return err
	}
	if bps > MaxFee {
		return fmt.Errorf("%w: buyer fee %d", ErrFeeTooHigh, bps)
	}
	m.s.BuyerFee = bps
	m.record()
	return nil
}

// SetSellerFee sets the fee withheld from the seller. Admin only, capped at MaxFee.
func (m *Marketplace) SetSellerFee(caller auth.Caller, bps uint64) error {
	if err := admin(caller, "set seller fee"); err != nil {
		return err
	}
	if bps > MaxFee {
		return fmt.Errorf("%w: seller fee %d", ErrFeeTooHigh, bps)
	}
	m.s.SellerFee = bps
	m.record()
	return nil
}

// SetReferralFee sets the share of the buyer fee paid to a referrer, in bps.
// Admin only.
func (m *Marketplace) SetReferralFee(caller auth.Caller, bps uint64) error {
	if err := admin(caller, "set referral fee"); err != nil {
		return err
	}
	if bps > units.BPS {
		return fmt.Errorf("%w: referral fee %d", ErrFeeTooHigh, bps)
	}
	m.s.ReferralFee = bps
	m.record()
	return nil
}

// SetFeeCollector changes the fee recipient. The new collector must be
// non-zero and differ from the current one. Admin only.
func (m *Marketplace) SetFeeCollector(caller auth.Caller, collector common.Address) error {
	if err := admin(caller, "set fee collector"); err != nil {
		return err
	}
	if collector == (common.Address{}) || collector == m.s.FeeCollector {
		return fmt.Errorf("%w: %s", ErrInvalidCollector, collector.Hex())
	}
	m.s.FeeCollector = collector
	m.record()
	return nil
}

// SetMinListingDuration sets how long a listing must stay open to be
// unlisted without penalty. Negative durations are stored as zero. Admin only.
func (m *Marketplace) SetMinListingDuration(caller auth.Caller, d time.Duration) error {
	if err := admin(caller, "set min listing duration"); err != nil {
		return err
	}
	if d < 0 {
		d = 0
	}
	m.s.MinListingDuration = d
	m.record()
	return nil
}

// SetPenaltyFee sets the early unlist penalty in base units of the listing
// currency. A nil fee means no penalty. Admin only.
func (m *Marketplace) SetPenaltyFee(caller auth.Caller, fee *uint256.Int) error {
	if err := admin(caller, "set penalty fee"); err != nil {
		return err
	}
	m.s.PenaltyFee = units.Or(fee).Clone()
	m.record()
	return nil
}

// SetFrozen stops or resumes new listings and purchases. Admin only.
func (m *Marketplace) SetFrozen(caller auth.Caller, frozen bool) error {
	if err := admin(caller, "freeze"); err != nil {
		return err
	}
	m.s.Frozen = frozen
	m.record()
	return nil
}

// SetTokenSupported allows or forbids token as a listing currency.
func (m *Marketplace) SetTokenSupported(caller auth.Caller, token common.Address, supported bool) error {
	if err := admin(caller, "set token support"); err != nil {
		return err
	}
	if supported {
		m.addToken(token)
	} else if _, ok := m.tokens[token]; ok {
		delete(m.tokens, token)
		kept := m.s.SupportedTokens[:0]
		for _, t := range m.s.SupportedTokens {
			if t != token {
				kept = append(kept, t)
			}
		}
		m.s.SupportedTokens = kept
	}
	m.record()
	return nil
}

func (m *Marketplace) addToken(token common.Address) {
	if _, ok := m.tokens[token]; ok {
		return
	}
	m.tokens[token] = struct{}{}
	m.s.SupportedTokens = append(m.s.SupportedTokens, token)
}

func (m *Marketplace) record() {
	if m.recorder != nil {
		m.recorder.RecordSettings(m.Snapshot())
	}
}

func admin(caller auth.Caller, op string) error {
	if !caller.Has(auth.RoleAdmin) {
		return fmt.Errorf("%s: %w", op, auth.ErrUnauthorized)
	}
	return nil
}
