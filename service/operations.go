package service

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"vesting-market/auth"
	"vesting-market/marketplace"
	"vesting-market/models"
	"vesting-market/vesting"
)

// ScheduleRequest describes a new vesting plan. The caller becomes its issuer.
type ScheduleRequest struct {
	Token      common.Address
	StartTime  time.Time
	EndTime    time.Time
	NumOfSteps uint64
}

// VestingView is a holder's position with derived figures at the service clock.
type VestingView struct {
	Schedule    common.Address       `json:"schedule"`
	Holder      common.Address       `json:"holder"`
	Record      models.VestingRecord `json:"record"`
	Available   *uint256.Int         `json:"available"`
	Claimable   *uint256.Int         `json:"claimable"`
	CurrentStep uint64               `json:"current_step"`
}

// AllocationView is a holder's marketplace counters for one schedule.
type AllocationView struct {
	models.Allocation
	SellLimit *uint256.Int `json:"sell_limit"`
}

// SettingsUpdate changes only the fields that are set.
type SettingsUpdate struct {
	BuyerFee           *uint64
	SellerFee          *uint64
	ReferralFee        *uint64
	FeeCollector       *common.Address
	MinListingDuration *time.Duration
	PenaltyFee         *uint256.Int
	Frozen             *bool
	SupportTokens      []common.Address
	DropTokens         []common.Address
}

// CreateSchedule deploys a new vesting plan issued by the caller.
func (s *Service) CreateSchedule(from common.Address, req ScheduleRequest) (models.Schedule, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	var sc models.Schedule
	err := func() error {
		if from == (common.Address{}) {
			return fmt.Errorf("create schedule: %w", auth.ErrUnauthorized)
		}
		t, err := s.token(req.Token)
		if err != nil {
			return err
		}
		sc = models.Schedule{
			Token:          req.Token,
			Issuer:         from,
			StartTime:      req.StartTime.Unix(),
			EndTime:        req.EndTime.Unix(),
			NumOfSteps:     req.NumOfSteps,
			Sellable:       s.defaults.Sellable,
			MaxSellPercent: s.defaults.MaxSellPercent,
		}
		// validate before taking a nonce
		if _, err := vesting.New(sc, t, s.tracker.Address(), nil); err != nil {
			return err
		}
		sc.Address = s.nextAddress()
		l, err := vesting.New(sc, t, s.tracker.Address(), s.repo)
		if err != nil {
			return err
		}
		if err := s.tracker.Register(l, s.defaults); err != nil {
			return err
		}
		s.ledgers[sc.Address] = l
		s.repo.RecordSchedule(sc)
		return nil
	}()
	return sc, s.finish("create_schedule", err, zap.String("schedule", sc.Address.Hex()), zap.String("issuer", from.Hex()))
}

// Schedule returns a schedule with its current sell settings.
func (s *Service) Schedule(addr common.Address) (models.Schedule, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	l, err := s.ledger(addr)
	if err != nil {
		return models.Schedule{}, err
	}
	sc := l.Schedule()
	vs, err := s.tracker.VestingSettings(addr)
	if err != nil {
		return models.Schedule{}, err
	}
	sc.Sellable, sc.MaxSellPercent = vs.Sellable, vs.MaxSellPercent
	return sc, nil
}

// CreateVesting funds holder's position from the issuer's balance. The
// issuer approves the schedule address first.
func (s *Service) CreateVesting(from, schedule, holder common.Address, amount *uint256.Int) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	err := func() error {
		l, err := s.ledger(schedule)
		if err != nil {
			return err
		}
		return l.CreateVesting(s.caller(from), holder, amount)
	}()
	return s.finish("create_vesting", err, zap.String("schedule", schedule.Hex()), zap.String("holder", holder.Hex()), zap.Stringer("amount", amount))
}

// Claim pays the caller what has matured.
func (s *Service) Claim(from, schedule common.Address) (*uint256.Int, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	now := s.clock.Now()

	var paid *uint256.Int
	err := func() error {
		l, err := s.ledger(schedule)
		if err != nil {
			return err
		}
		paid, err = l.Claim(s.caller(from), now)
		return err
	}()
	if err := s.finish("claim", err, zap.String("schedule", schedule.Hex()), zap.String("holder", from.Hex()), zap.Stringer("paid", paid)); err != nil {
		return nil, err
	}
	return paid, nil
}

// TransferVesting moves unclaimed entitlement. Issuer only.
func (s *Service) TransferVesting(from, schedule, src, dst common.Address, amount *uint256.Int) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	err := func() error {
		l, err := s.ledger(schedule)
		if err != nil {
			return err
		}
		return l.TransferVesting(s.caller(from), src, dst, amount)
	}()
	return s.finish("transfer_vesting", err, zap.String("schedule", schedule.Hex()), zap.String("from", src.Hex()), zap.String("to", dst.Hex()), zap.Stringer("amount", amount))
}

// Vesting returns holder's position in schedule.
func (s *Service) Vesting(schedule, holder common.Address) (VestingView, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	now := s.clock.Now()

	l, err := s.ledger(schedule)
	if err != nil {
		return VestingView{}, err
	}
	rec, _ := l.Record(holder)
	claimable, _ := l.Claimable(holder, now)
	return VestingView{
		Schedule:    schedule,
		Holder:      holder,
		Record:      rec,
		Available:   l.Available(holder),
		Claimable:   claimable,
		CurrentStep: l.CurrentStep(now),
	}, nil
}

// Holders lists the holders with a position in schedule, ordered by address.
func (s *Service) Holders(schedule common.Address) ([]common.Address, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	l, err := s.ledger(schedule)
	if err != nil {
		return nil, err
	}
	out := l.Holders()
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out, nil
}

// SetVestingSettings changes a schedule's sell rules. Admin only.
func (s *Service) SetVestingSettings(from, schedule common.Address, vs models.VestingSettings) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	err := s.tracker.SetVestingSettings(s.caller(from), schedule, vs)
	return s.finish("set_vesting_settings", err, zap.String("schedule", schedule.Hex()), zap.Bool("sellable", vs.Sellable), zap.Uint64("max_sell_percent", vs.MaxSellPercent))
}

// Allocation returns holder's counters and sell limit for schedule.
func (s *Service) Allocation(schedule, holder common.Address) (AllocationView, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	limit, err := s.tracker.SellLimit(holder, schedule)
	if err != nil {
		return AllocationView{}, err
	}
	return AllocationView{Allocation: s.tracker.Allocation(holder, schedule), SellLimit: limit}, nil
}

// ListVesting escrows entitlement and opens a listing for the caller.
func (s *Service) ListVesting(from common.Address, req marketplace.ListingRequest) (models.Listing, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	now := s.clock.Now()

	l, err := s.engine.ListVesting(s.caller(from), req, now)
	if err == nil {
		s.metrics.OpenListings.Set(float64(s.engine.OpenListings()))
	}
	return l, s.finish("list_vesting", err, zap.String("schedule", req.Schedule.Hex()), zap.String("seller", from.Hex()), zap.Uint64("listing", l.ID), zap.Stringer("amount", req.Amount))
}

// SpotPurchase buys from a listing. The buyer approves the marketplace
// address for the price plus buyer fee first.
func (s *Service) SpotPurchase(from, schedule common.Address, id uint64, amount *uint256.Int, referrer common.Address) (marketplace.Receipt, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	r, err := s.engine.SpotPurchase(s.caller(from), schedule, id, amount, referrer)
	if err == nil {
		if t, ok := s.tokens[r.Listing.Currency]; ok {
			s.metrics.AddVolume(t.Symbol(), r.BuyerPays(), t.Decimals())
		}
		s.metrics.OpenListings.Set(float64(s.engine.OpenListings()))
	}
	if err := s.finish("spot_purchase", err, zap.String("schedule", schedule.Hex()), zap.Uint64("listing", id), zap.String("buyer", from.Hex()), zap.Stringer("amount", amount)); err != nil {
		return marketplace.Receipt{}, err
	}
	return r, nil
}

// UnlistVesting closes a listing.
func (s *Service) UnlistVesting(from, schedule common.Address, id uint64) (models.Listing, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	now := s.clock.Now()

	l, err := s.engine.UnlistVesting(s.caller(from), schedule, id, now)
	if err == nil {
		s.metrics.OpenListings.Set(float64(s.engine.OpenListings()))
	}
	return l, s.finish("unlist_vesting", err, zap.String("schedule", schedule.Hex()), zap.Uint64("listing", id), zap.String("caller", from.Hex()))
}

// Listing returns one listing.
func (s *Service) Listing(schedule common.Address, id uint64) (models.Listing, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.engine.Listing(schedule, id)
}

// Listings returns every listing of a schedule.
func (s *Service) Listings(schedule common.Address) []models.Listing {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.engine.Listings(schedule)
}

// Quote prices a prospective purchase.
func (s *Service) Quote(schedule common.Address, id uint64, amount *uint256.Int) (marketplace.Pricing, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.engine.Quote(schedule, id, amount)
}

// RegisterWhitelist adds the caller to a private listing's whitelist.
func (s *Service) RegisterWhitelist(from, whitelist common.Address) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	err := s.engine.RegisterWhitelist(s.caller(from), whitelist)
	return s.finish("register_whitelist", err, zap.String("whitelist", whitelist.Hex()), zap.String("member", from.Hex()))
}

// IsWhitelisted reports membership of addr in a whitelist.
func (s *Service) IsWhitelisted(whitelist, addr common.Address) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.engine.IsWhitelisted(whitelist, addr)
}

// Whitelist returns a private listing's whitelist with its members.
func (s *Service) Whitelist(whitelist common.Address) (models.Whitelist, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.engine.Whitelist(whitelist)
}

// Settings returns the marketplace settings.
func (s *Service) Settings() models.MarketplaceSettings {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.settings.Snapshot()
}

// UpdateSettings applies every set field or none of them. Admin only.
func (s *Service) UpdateSettings(from common.Address, u SettingsUpdate) (models.MarketplaceSettings, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	prev := s.settings.Snapshot()
	err := s.applySettings(s.caller(from), u)
	if err != nil {
		s.settings.Restore(prev)
	}
	if err := s.finish("update_settings", err, zap.String("caller", from.Hex())); err != nil {
		return models.MarketplaceSettings{}, err
	}
	return s.settings.Snapshot(), nil
}

func (s *Service) applySettings(c auth.Caller, u SettingsUpdate) error {
	if !c.Has(auth.RoleAdmin) {
		return fmt.Errorf("update settings: %w", auth.ErrUnauthorized)
	}
	m := s.settings
	if u.BuyerFee != nil {
		if err := m.SetBuyerFee(c, *u.BuyerFee); err != nil {
			return err
		}
	}
	if u.SellerFee != nil {
		if err := m.SetSellerFee(c, *u.SellerFee); err != nil {
			return err
		}
	}
	if u.ReferralFee != nil {
		if err := m.SetReferralFee(c, *u.ReferralFee); err != nil {
			return err
		}
	}
	if u.FeeCollector != nil {
		if err := m.SetFeeCollector(c, *u.FeeCollector); err != nil {
			return err
		}
	}
	if u.MinListingDuration != nil {
		if err := m.SetMinListingDuration(c, *u.MinListingDuration); err != nil {
			return err
		}
	}
	if u.PenaltyFee != nil {
		if err := m.SetPenaltyFee(c, u.PenaltyFee); err != nil {
			return err
		}
	}
	if u.Frozen != nil {
		if err := m.SetFrozen(c, *u.Frozen); err != nil {
			return err
		}
	}
	for _, t := range u.SupportTokens {
		if _, err := s.token(t); err != nil {
			return err
		}
		if err := m.SetTokenSupported(c, t, true); err != nil {
			return err
		}
	}
	for _, t := range u.DropTokens {
		if err := m.SetTokenSupported(c, t, false); err != nil {
			return err
		}
	}
	return nil
}
