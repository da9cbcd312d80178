// Package marketplace lists escrowed vesting entitlement and sells it for a
// fungible currency at a fixed unit price with optional discounts.
package marketplace

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"vesting-market/auth"
	"vesting-market/models"
	"vesting-market/token"
	"vesting-market/units"
	"vesting-market/whitelist"
)

var (
	ErrMarketplaceFrozen     = errors.New("marketplace: frozen")
	ErrMinWhitelistZero      = errors.New("marketplace: private listing needs a whitelist capacity")
	ErrInvalidListing        = errors.New("marketplace: invalid listing parameters")
	ErrUnsupportedCurrency   = errors.New("marketplace: currency not supported")
	ErrListingNotFound       = errors.New("marketplace: listing not found")
	ErrListingNotActive      = errors.New("marketplace: listing not active")
	ErrInsufficientRemaining = errors.New("marketplace: insufficient remaining amount")
	ErrSingleFillMismatch    = errors.New("marketplace: single-fill listing must be bought whole")
	ErrAmountTooLittle       = errors.New("marketplace: amount too little")
	ErrNotWhitelisted        = errors.New("marketplace: buyer not whitelisted")
	ErrWhitelistNotFound     = errors.New("marketplace: whitelist not found")
	ErrPaymentFailed         = errors.New("marketplace: payment failed")
	ErrPenaltyRequired       = errors.New("marketplace: early unlist penalty unpaid")
)

// Settings is the read side of the marketplace settings provider.
type Settings interface {
	BuyerFee() uint64
	SellerFee() uint64
	ReferralFee() uint64
	FeeCollector() common.Address
	MinListingDuration() time.Duration
	PenaltyFee() *uint256.Int
	IsFrozen() bool
	IsTokenSupported(token common.Address) bool
}

// Tracker is the allocation tracker as seen by the engine.
type Tracker interface {
	VestingToken(schedule common.Address) (token.Token, error)
	ListVesting(caller auth.Caller, holder, schedule common.Address, amount *uint256.Int) error
	UnlistVesting(caller auth.Caller, holder, schedule common.Address, amount *uint256.Int) error
	CompletePurchase(caller auth.Caller, buyer, schedule, seller common.Address, amount *uint256.Int) error
	ValidatePurchase(buyer, schedule, seller common.Address, amount *uint256.Int) error
	ValidateUnlist(holder, schedule common.Address, amount *uint256.Int) error
}

// Currencies resolves listing currencies.
type Currencies interface {
	Token(addr common.Address) (token.Token, bool)
}

// Recorder receives engine changes for persistence.
type Recorder interface {
	whitelist.Recorder
	RecordListing(l models.Listing)
	RecordNonce(owner common.Address, nonce uint64)
}

// ListingRequest carries the seller's terms for a new listing.
type ListingRequest struct {
	Schedule       common.Address
	Amount         *uint256.Int
	PricePerUnit   *uint256.Int
	DiscountPct    uint64
	ListingType    models.ListingType
	DiscountType   models.DiscountType
	MaxWhitelist   uint64
	Currency       common.Address
	MinPurchaseAmt *uint256.Int
	Private        bool
}

// Receipt describes a completed purchase.
type Receipt struct {
	Listing  models.Listing `json:"listing"`
	Buyer    common.Address `json:"buyer"`
	Referrer common.Address `json:"referrer"`
	Amount   *uint256.Int   `json:"amount"`
	Pricing
}

type listingKey struct {
	schedule common.Address
	id       uint64
}

// Engine owns listings and their whitelists. It is not safe for concurrent
// use.
type Engine struct {
	address    common.Address
	settings   Settings
	tracker    Tracker
	currencies Currencies
	listings   map[listingKey]*models.Listing
	nextID     map[common.Address]uint64
	whitelists map[common.Address]*whitelist.Set
	nonce      uint64
	recorder   Recorder
}

func New(address common.Address, s Settings, t Tracker, c Currencies, rec Recorder) *Engine {
	return &Engine{
		address:    address,
		settings:   s,
		tracker:    t,
		currencies: c,
		listings:   make(map[listingKey]*models.Listing),
		nextID:     make(map[common.Address]uint64),
		whitelists: make(map[common.Address]*whitelist.Set),
		recorder:   rec,
	}
}

// Address is the account purchase payments pass through.
func (e *Engine) Address() common.Address { return e.address }

// ListVesting escrows req.Amount of the caller's entitlement and opens a listing.
func (e *Engine) ListVesting(caller auth.Caller, req ListingRequest, now time.Time) (models.Listing, error) {
	if e.settings.IsFrozen() {
		return models.Listing{}, ErrMarketplaceFrozen
	}
	if req.Private && req.MaxWhitelist == 0 {
		return models.Listing{}, ErrMinWhitelistZero
	}
	if err := e.validateRequest(req); err != nil {
		return models.Listing{}, err
	}
	if _, err := e.tracker.VestingToken(req.Schedule); err != nil {
		return models.Listing{}, err
	}
	if err := e.tracker.ListVesting(e.caller(), caller.Address, req.Schedule, req.Amount); err != nil {
		return models.Listing{}, err
	}

	l := &models.Listing{
		ID:              e.nextID[req.Schedule],
		Schedule:        req.Schedule,
		Seller:          caller.Address,
		TotalAmount:     req.Amount.Clone(),
		RemainingAmount: req.Amount.Clone(),
		PricePerUnit:    req.PricePerUnit.Clone(),
		ListingType:     req.ListingType,
		DiscountType:    req.DiscountType,
		DiscountPct:     req.DiscountPct,
		MinPurchaseAmt:  units.Or(req.MinPurchaseAmt).Clone(),
		Currency:        req.Currency,
		CreatedAt:       now,
		Status:          models.StatusListed,
	}
	if req.Private {
		set := whitelist.New(crypto.CreateAddress(e.address, e.nonce), req.MaxWhitelist, e.recorder)
		e.nonce++
		e.recordNonce()
		e.whitelists[set.Address()] = set
		l.Whitelist = set.Address()
		l.MaxWhitelist = req.MaxWhitelist
	}
	e.listings[listingKey{req.Schedule, l.ID}] = l
	e.nextID[req.Schedule] = l.ID + 1
	e.record(l)
	return *l, nil
}

func (e *Engine) validateRequest(req ListingRequest) error {
	if req.Amount == nil || req.Amount.IsZero() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidListing)
	}
	if req.PricePerUnit == nil || req.PricePerUnit.IsZero() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidListing)
	}
	if req.DiscountPct > units.BPS {
		return fmt.Errorf("%w: discount %d bps", ErrInvalidListing, req.DiscountPct)
	}
	if req.DiscountType != models.DiscountNone && req.DiscountPct == 0 {
		return fmt.Errorf("%w: %s discount without a percentage", ErrInvalidListing, req.DiscountType)
	}
	if req.ListingType > models.ListingSingleFill || req.DiscountType > models.DiscountFixed {
		return fmt.Errorf("%w: unknown listing or discount type", ErrInvalidListing)
	}
	if req.MinPurchaseAmt != nil && req.MinPurchaseAmt.Gt(req.Amount) {
		return fmt.Errorf("%w: minimum purchase %s above amount %s", ErrInvalidListing, req.MinPurchaseAmt.Dec(), req.Amount.Dec())
	}
	if !e.settings.IsTokenSupported(req.Currency) {
		return fmt.Errorf("%w: %s", ErrUnsupportedCurrency, req.Currency.Hex())
	}
	if _, ok := e.currencies.Token(req.Currency); !ok {
		return fmt.Errorf("%w: %s unknown", ErrUnsupportedCurrency, req.Currency.Hex())
	}
	return nil
}

// Quote prices a prospective purchase of amount from a listing without
// checking the buyer.
func (e *Engine) Quote(schedule common.Address, id uint64, amount *uint256.Int) (Pricing, error) {
	l, err := e.listing(schedule, id)
	if err != nil {
		return Pricing{}, err
	}
	vt, err := e.tracker.VestingToken(schedule)
	if err != nil {
		return Pricing{}, err
	}
	return Quote(l, amount, e.fees(), units.Scale(vt.Decimals()))
}

// SpotPurchase buys amount from a listing at its current price. The
// referrer is reported on the receipt but not paid.
func (e *Engine) SpotPurchase(caller auth.Caller, schedule common.Address, id uint64, amount *uint256.Int, referrer common.Address) (Receipt, error) {
	if e.settings.IsFrozen() {
		return Receipt{}, ErrMarketplaceFrozen
	}
	l, err := e.listing(schedule, id)
	if err != nil {
		return Receipt{}, err
	}
	if l.Status != models.StatusListed {
		return Receipt{}, fmt.Errorf("%w: %s #%d", ErrListingNotActive, schedule.Hex(), id)
	}
	if l.RemainingAmount.IsZero() || amount.Gt(l.RemainingAmount) {
		return Receipt{}, fmt.Errorf("%w: %s left, asked %s", ErrInsufficientRemaining, l.RemainingAmount.Dec(), amount.Dec())
	}
	if l.ListingType == models.ListingSingleFill && !amount.Eq(l.RemainingAmount) {
		return Receipt{}, fmt.Errorf("%w: %s left, asked %s", ErrSingleFillMismatch, l.RemainingAmount.Dec(), amount.Dec())
	}
	if amount.IsZero() || amount.Lt(l.MinPurchaseAmt) {
		return Receipt{}, fmt.Errorf("%w: minimum %s", ErrAmountTooLittle, l.MinPurchaseAmt.Dec())
	}
	if l.IsPrivate() {
		if set, ok := e.whitelists[l.Whitelist]; !ok || !set.Contains(caller.Address) {
			return Receipt{}, fmt.Errorf("%w: %s", ErrNotWhitelisted, caller.Address.Hex())
		}
	}

	vt, err := e.tracker.VestingToken(schedule)
	if err != nil {
		return Receipt{}, err
	}
	p, err := Quote(l, amount, e.fees(), units.Scale(vt.Decimals()))
	if err != nil {
		return Receipt{}, err
	}
	if p.TotalPrice.IsZero() {
		return Receipt{}, fmt.Errorf("%w: price rounds to zero", ErrAmountTooLittle)
	}
	if err := e.tracker.ValidatePurchase(caller.Address, schedule, l.Seller, amount); err != nil {
		return Receipt{}, err
	}
	currency, ok := e.currencies.Token(l.Currency)
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s unknown", ErrUnsupportedCurrency, l.Currency.Hex())
	}

	if err := currency.TransferFrom(e.address, caller.Address, e.address, p.BuyerPays()); err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrPaymentFailed, err)
	}
	if err := e.payout(currency, l.Seller, p.SellerGets()); err != nil {
		return Receipt{}, err
	}
	if err := e.payout(currency, e.settings.FeeCollector(), p.CollectorGets()); err != nil {
		return Receipt{}, err
	}

	if err := e.tracker.CompletePurchase(e.caller(), caller.Address, schedule, l.Seller, amount); err != nil {
		return Receipt{}, err
	}
	l.RemainingAmount = units.Sub(l.RemainingAmount, amount)
	e.record(l)
	return Receipt{Listing: *l, Buyer: caller.Address, Referrer: referrer, Amount: amount.Clone(), Pricing: p}, nil
}

// UnlistVesting closes a listing and returns its remaining entitlement to
// the seller. Closing before the minimum listing duration costs the caller
// the penalty fee.
func (e *Engine) UnlistVesting(caller auth.Caller, schedule common.Address, id uint64, now time.Time) (models.Listing, error) {
	l, err := e.listing(schedule, id)
	if err != nil {
		return models.Listing{}, err
	}
	if caller.Address != l.Seller && !caller.Has(auth.RoleAdmin) {
		return models.Listing{}, fmt.Errorf("unlist: %w", auth.ErrUnauthorized)
	}
	if l.Status != models.StatusListed {
		return models.Listing{}, fmt.Errorf("%w: %s #%d", ErrListingNotActive, schedule.Hex(), id)
	}
	if !l.RemainingAmount.IsZero() {
		if err := e.tracker.ValidateUnlist(l.Seller, schedule, l.RemainingAmount); err != nil {
			return models.Listing{}, err
		}
	}

	if penalty := e.settings.PenaltyFee(); now.Sub(l.CreatedAt) < e.settings.MinListingDuration() && !penalty.IsZero() {
		currency, ok := e.currencies.Token(l.Currency)
		if !ok {
			return models.Listing{}, fmt.Errorf("%w: %s unknown", ErrUnsupportedCurrency, l.Currency.Hex())
		}
		if err := currency.TransferFrom(e.address, caller.Address, e.settings.FeeCollector(), penalty); err != nil {
			return models.Listing{}, fmt.Errorf("%w: %w", ErrPenaltyRequired, err)
		}
	}

	if !l.RemainingAmount.IsZero() {
		if err := e.tracker.UnlistVesting(e.caller(), l.Seller, schedule, l.RemainingAmount); err != nil {
			return models.Listing{}, err
		}
	}
	l.Status = models.StatusDelisted
	e.record(l)
	return *l, nil
}

// RegisterWhitelist adds the caller to a private listing's whitelist.
func (e *Engine) RegisterWhitelist(caller auth.Caller, addr common.Address) error {
	set, ok := e.whitelists[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWhitelistNotFound, addr.Hex())
	}
	return set.Register(caller.Address)
}

// Whitelist returns the persisted form of a whitelist.
func (e *Engine) Whitelist(addr common.Address) (models.Whitelist, error) {
	set, ok := e.whitelists[addr]
	if !ok {
		return models.Whitelist{}, fmt.Errorf("%w: %s", ErrWhitelistNotFound, addr.Hex())
	}
	return set.Snapshot(), nil
}

// IsWhitelisted reports whether addr may buy from listings guarded by wl.
func (e *Engine) IsWhitelisted(wl, addr common.Address) (bool, error) {
	set, ok := e.whitelists[wl]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrWhitelistNotFound, wl.Hex())
	}
	return set.Contains(addr), nil
}

// Listing returns a copy of a listing.
func (e *Engine) Listing(schedule common.Address, id uint64) (models.Listing, error) {
	l, err := e.listing(schedule, id)
	if err != nil {
		return models.Listing{}, err
	}
	return *l, nil
}

// Listings returns every listing of schedule ordered by id.
func (e *Engine) Listings(schedule common.Address) []models.Listing {
	var out []models.Listing
	for k, l := range e.listings {
		if k.schedule == schedule {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenListings counts listings that can still be bought from.
func (e *Engine) OpenListings() int {
	n := 0
	for _, l := range e.listings {
		if l.Status == models.StatusListed && !l.RemainingAmount.IsZero() {
			n++
		}
	}
	return n
}

// RestoreListing loads a persisted listing without recording it again.
func (e *Engine) RestoreListing(l models.Listing) {
	c := l
	e.listings[listingKey{l.Schedule, l.ID}] = &c
	if l.ID >= e.nextID[l.Schedule] {
		e.nextID[l.Schedule] = l.ID + 1
	}
}

// RestoreWhitelist loads a persisted whitelist without recording it again.
func (e *Engine) RestoreWhitelist(w models.Whitelist) {
	e.whitelists[w.Address] = whitelist.Restore(w, e.recorder)
}

// RestoreNonce sets the whitelist address nonce.
func (e *Engine) RestoreNonce(n uint64) { e.nonce = n }

func (e *Engine) listing(schedule common.Address, id uint64) (*models.Listing, error) {
	l, ok := e.listings[listingKey{schedule, id}]
	if !ok {
		return nil, fmt.Errorf("%w: %s #%d", ErrListingNotFound, schedule.Hex(), id)
	}
	return l, nil
}

func (e *Engine) payout(currency token.Token, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if err := currency.Transfer(e.address, to, amount); err != nil {
		return fmt.Errorf("%w: payout to %s: %w", ErrPaymentFailed, to.Hex(), err)
	}
	return nil
}

func (e *Engine) fees() Fees {
	return Fees{
		BuyerFee:    e.settings.BuyerFee(),
		SellerFee:   e.settings.SellerFee(),
		ReferralFee: e.settings.ReferralFee(),
	}
}

func (e *Engine) caller() auth.Caller {
	return auth.Caller{Address: e.address, Roles: auth.RoleMarketplace}
}

func (e *Engine) record(l *models.Listing) {
	if e.recorder != nil {
		e.recorder.RecordListing(*l)
	}
}

func (e *Engine) recordNonce() {
	if e.recorder != nil {
		e.recorder.RecordNonce(e.address, e.nonce)
	}
}
