package marketplace

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"vesting-market/allocation"
	"vesting-market/auth"
	"vesting-market/models"
	"vesting-market/settings"
	"vesting-market/token"
	"vesting-market/units"
	"vesting-market/vesting"
	"vesting-market/whitelist"
)

var (
	issuer    = common.HexToAddress("0x1550e4")
	alice     = common.HexToAddress("0xa11ce")
	bob       = common.HexToAddress("0xb0b")
	carol     = common.HexToAddress("0xca401")
	admin     = common.HexToAddress("0xad")
	collector = common.HexToAddress("0xfee")
	custody   = common.HexToAddress("0xc057")
	market    = common.HexToAddress("0x3a4e7")
	schedule  = common.HexToAddress("0x5c4ed")
	start     = time.Unix(1_700_000_000, 0)

	root = auth.Caller{Address: admin, Roles: auth.RoleAdmin}
)

type currencyMap map[common.Address]token.Token

func (m currencyMap) Token(addr common.Address) (token.Token, bool) {
	t, ok := m[addr]
	return t, ok
}

type fixture struct {
	engine   *Engine
	settings *settings.Marketplace
	tracker  *allocation.Tracker
	ledger   *vesting.Ledger
	vt       *token.Memory
	cash     *token.Memory // 18 decimals
	usdt     *token.Memory // 6 decimals
}

func newFixture(t *testing.T, maxSellPercent uint64) *fixture {
	t.Helper()
	f := &fixture{
		vt:   token.NewMemory(models.Token{Address: common.HexToAddress("0x70"), Symbol: "VT", Decimals: 18}, nil),
		cash: token.NewMemory(models.Token{Address: common.HexToAddress("0xca5"), Symbol: "CASH", Decimals: 18}, nil),
		usdt: token.NewMemory(models.Token{Address: common.HexToAddress("0x05d7"), Symbol: "USDT", Decimals: 6}, nil),
	}
	require.NoError(t, f.vt.Mint(issuer, ether("1000000")))
	require.NoError(t, f.vt.Approve(issuer, schedule, ether("1000000")))

	var err error
	f.ledger, err = vesting.New(models.Schedule{
		Address:    schedule,
		Token:      f.vt.Address(),
		Issuer:     issuer,
		StartTime:  start.Unix(),
		EndTime:    start.Add(100 * 24 * time.Hour).Unix(),
		NumOfSteps: 10,
	}, f.vt, custody, nil)
	require.NoError(t, err)
	require.NoError(t, f.ledger.CreateVesting(auth.Caller{Address: issuer}, alice, ether("1000")))

	f.tracker = allocation.New(custody, nil)
	require.NoError(t, f.tracker.Register(f.ledger, models.VestingSettings{Sellable: true, MaxSellPercent: maxSellPercent}))

	f.settings, err = settings.New(settings.Defaults(collector, units.MustParse("10", 18)), nil)
	require.NoError(t, err)
	require.NoError(t, f.settings.SetTokenSupported(root, f.cash.Address(), true))
	require.NoError(t, f.settings.SetTokenSupported(root, f.usdt.Address(), true))

	f.engine = New(market, f.settings, f.tracker, currencyMap{
		f.cash.Address(): f.cash,
		f.usdt.Address(): f.usdt,
	}, nil)

	for _, buyer := range []common.Address{bob, carol} {
		require.NoError(t, f.cash.Mint(buyer, ether("10000")))
		require.NoError(t, f.cash.Approve(buyer, market, ether("10000")))
		require.NoError(t, f.usdt.Mint(buyer, units.MustParse("10000", 6)))
		require.NoError(t, f.usdt.Approve(buyer, market, units.MustParse("10000", 6)))
	}
	return f
}

func (f *fixture) request(amount, price string) ListingRequest {
	return ListingRequest{
		Schedule:     schedule,
		Amount:       ether(amount),
		PricePerUnit: ether(price),
		Currency:     f.cash.Address(),
	}
}

func (f *fixture) list(t *testing.T, req ListingRequest) models.Listing {
	t.Helper()
	l, err := f.engine.ListVesting(auth.Caller{Address: alice}, req, start)
	require.NoError(t, err)
	return l
}

func TestLinearDiscountPurchase(t *testing.T) {
	f := newFixture(t, 10000)
	req := f.request("100", "2")
	req.DiscountType = models.DiscountLinear
	req.DiscountPct = 2000
	l := f.list(t, req)

	r, err := f.engine.SpotPurchase(auth.Caller{Address: bob}, schedule, l.ID, ether("40"), common.Address{})
	require.NoError(t, err)
	require.Equal(t, uint64(800), r.EffectiveDiscount)
	require.Equal(t, ether("73.6"), r.TotalPrice)

	require.Equal(t, units.Sub(ether("10000"), ether("75.44")), f.cash.BalanceOf(bob))
	require.Equal(t, ether("71.76"), f.cash.BalanceOf(alice))
	require.Equal(t, ether("3.68"), f.cash.BalanceOf(collector))
	require.True(t, f.cash.BalanceOf(market).IsZero())

	got, err := f.engine.Listing(schedule, l.ID)
	require.NoError(t, err)
	require.Equal(t, ether("60"), got.RemainingAmount)
	require.Equal(t, models.StatusListed, got.Status)

	require.Equal(t, ether("40"), f.ledger.Total(bob))
	require.Equal(t, ether("40"), f.tracker.Allocation(bob, schedule).Purchased)
	require.Equal(t, ether("60"), f.tracker.Allocation(alice, schedule).Sold)
	require.Equal(t, ether("60"), f.ledger.Available(custody))
}

func TestFixedDiscountFeeDistribution(t *testing.T) {
	f := newFixture(t, 10000)
	req := f.request("100", "2")
	req.DiscountType = models.DiscountFixed
	req.DiscountPct = 1000
	l := f.list(t, req)

	_, err := f.engine.SpotPurchase(auth.Caller{Address: bob}, schedule, l.ID, ether("50"), common.Address{})
	require.NoError(t, err)
	require.Equal(t, units.Sub(ether("10000"), ether("92.25")), f.cash.BalanceOf(bob))
	require.Equal(t, ether("87.75"), f.cash.BalanceOf(alice))
	require.Equal(t, ether("4.5"), f.cash.BalanceOf(collector))
}

func TestReferrerIsNotPaid(t *testing.T) {
	f := newFixture(t, 10000)
	l := f.list(t, f.request("100", "2"))
	referrer := common.HexToAddress("0x4ef")

	r, err := f.engine.SpotPurchase(auth.Caller{Address: bob}, schedule, l.ID, ether("10"), referrer)
	require.NoError(t, err)
	require.Equal(t, referrer, r.Referrer)
	require.Equal(t, ether("0.45"), r.ReferralRebate)
	require.True(t, f.cash.BalanceOf(referrer).IsZero())
	require.Equal(t, ether("1"), f.cash.BalanceOf(collector))
}

func TestDustPurchaseRejected(t *testing.T) {
	f := newFixture(t, 10000)
	l := f.list(t, ListingRequest{
		Schedule:     schedule,
		Amount:       uint256.NewInt(10),
		PricePerUnit: units.MustParse("0.9", 6),
		Currency:     f.usdt.Address(),
	})

	_, err := f.engine.SpotPurchase(auth.Caller{Address: bob}, schedule, l.ID, uint256.NewInt(1), common.Address{})
	require.ErrorIs(t, err, ErrAmountTooLittle)
	require.Equal(t, units.MustParse("10000", 6), f.usdt.BalanceOf(bob))
	require.True(t, f.ledger.Total(bob).IsZero())
	got, _ := f.engine.Listing(schedule, l.ID)
	require.Equal(t, uint256.NewInt(10), got.RemainingAmount)
}

func TestFrozenMarketplace(t *testing.T) {
	f := newFixture(t, 10000)
	l := f.list(t, f.request("100", "2"))
	require.NoError(t, f.settings.SetFrozen(root, true))

	_, err := f.engine.ListVesting(auth.Caller{Address: alice}, f.request("1", "2"), start)
	require.ErrorIs(t, err, ErrMarketplaceFrozen)
	_, err = f.engine.SpotPurchase(auth.Caller{Address: bob}, schedule, l.ID, ether("1"), common.Address{})
	require.ErrorIs(t, err, ErrMarketplaceFrozen)

	require.Len(t, f.engine.Listings(schedule), 1)
	require.Equal(t, ether("100"), f.tracker.Allocation(alice, schedule).Sold)
	require.Equal(t, ether("10000"), f.cash.BalanceOf(bob))
}

func TestPrivateListingWhitelist(t *testing.T) {
	f := newFixture(t, 10000)
	req := f.request("100", "2")
	req.Private = true
	req.MaxWhitelist = 3
	l := f.list(t, req)
	require.True(t, l.IsPrivate())

	_, err := f.engine.SpotPurchase(auth.Caller{Address: bob}, schedule, l.ID, ether("1"), common.Address{})
	require.ErrorIs(t, err, ErrNotWhitelisted)

	for _, a := range []common.Address{bob, carol, admin} {
		require.NoError(t, f.engine.RegisterWhitelist(auth.Caller{Address: a}, l.Whitelist))
	}
	err = f.engine.RegisterWhitelist(auth.Caller{Address: common.HexToAddress("0xd")}, l.Whitelist)
	require.ErrorIs(t, err, whitelist.ErrWhitelistFull)

	_, err = f.engine.SpotPurchase(auth.Caller{Address: bob}, schedule, l.ID, ether("1"), common.Address{})
	require.NoError(t, err)

	w, err := f.engine.Whitelist(l.Whitelist)
	require.NoError(t, err)
	require.Len(t, w.Members, 3)
}

func TestPrivateListingsGetDistinctWhitelists(t *testing.T) {
	f := newFixture(t, 10000)
	req := f.request("10", "2")
	req.Private = true
	req.MaxWhitelist = 1
	a := f.list(t, req)
	b := f.list(t, req)
	require.NotEqual(t, a.Whitelist, b.Whitelist)
	require.Equal(t, a.ID+1, b.ID)
}

func TestPrivateListingNeedsCapacity(t *testing.T) {
	f := newFixture(t, 10000)
	req := f.request("100", "2")
	req.Private = true
	_, err := f.engine.ListVesting(auth.Caller{Address: alice}, req, start)
	require.ErrorIs(t, err, ErrMinWhitelistZero)
	require.True(t, f.tracker.Allocation(alice, schedule).Sold.IsZero())
}

func TestListingValidation(t *testing.T) {
	f := newFixture(t, 10000)
	cases := map[string]func(*ListingRequest){
		"zero amount":          func(r *ListingRequest) { r.Amount = units.Zero() },
		"zero price":           func(r *ListingRequest) { r.PricePerUnit = units.Zero() },
		"discount over 100%":   func(r *ListingRequest) { r.DiscountType, r.DiscountPct = models.DiscountFixed, 10001 },
		"linear without pct":   func(r *ListingRequest) { r.DiscountType = models.DiscountLinear },
		"min above amount":     func(r *ListingRequest) { r.MinPurchaseAmt = ether("101") },
		"unsupported currency": func(r *ListingRequest) { r.Currency = common.HexToAddress("0xbad") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := f.request("100", "2")
			mutate(&req)
			_, err := f.engine.ListVesting(auth.Caller{Address: alice}, req, start)
			require.Error(t, err)
			require.True(t, f.tracker.Allocation(alice, schedule).Sold.IsZero())
		})
	}
}

func TestSellLimitThroughEngine(t *testing.T) {
	f := newFixture(t, 2000)
	_, err := f.engine.ListVesting(auth.Caller{Address: alice}, f.request("201", "2"), start)
	require.ErrorIs(t, err, allocation.ErrSellLimitExceeded)
	require.Empty(t, f.engine.Listings(schedule))

	f.list(t, f.request("199", "2"))
	_, err = f.engine.ListVesting(auth.Caller{Address: alice}, f.request("2", "2"), start)
	require.ErrorIs(t, err, allocation.ErrSellLimitExceeded)
	f.list(t, f.request("1", "2"))
}

func TestSingleFillAndExhaustion(t *testing.T) {
	f := newFixture(t, 10000)
	req := f.request("30", "1")
	req.ListingType = models.ListingSingleFill
	l := f.list(t, req)

	_, err := f.engine.SpotPurchase(auth.Caller{Address: bob}, schedule, l.ID, ether("10"), common.Address{})
	require.ErrorIs(t, err, ErrSingleFillMismatch)
	_, err = f.engine.SpotPurchase(auth.Caller{Address: bob}, schedule, l.ID, ether("30"), common.Address{})
	require.NoError(t, err)
	_, err = f.engine.SpotPurchase(auth.Caller{Address: carol}, schedule, l.ID, ether("30"), common.Address{})
	require.ErrorIs(t, err, ErrInsufficientRemaining)

	got, _ := f.engine.Listing(schedule, l.ID)
	require.Equal(t, models.StatusListed, got.Status)
	require.True(t, got.RemainingAmount.IsZero())
}

func TestPurchaseBounds(t *testing.T) {
	f := newFixture(t, 10000)
	req := f.request("30", "1")
	req.MinPurchaseAmt = ether("5")
	l := f.list(t, req)

	_, err := f.engine.SpotPurchase(auth.Caller{Address: bob}, schedule, l.ID, ether("4"), common.Address{})
	require.ErrorIs(t, err, ErrAmountTooLittle)
	_, err = f.engine.SpotPurchase(auth.Caller{Address: bob}, schedule, l.ID, ether("31"), common.Address{})
	require.ErrorIs(t, err, ErrInsufficientRemaining)
	_, err = f.engine.SpotPurchase(auth.Caller{Address: bob}, schedule, 99, ether("5"), common.Address{})
	require.ErrorIs(t, err, ErrListingNotFound)
}

func TestPurchaseWithoutFunds(t *testing.T) {
	f := newFixture(t, 10000)
	l := f.list(t, f.request("30", "1"))
	poor := auth.Caller{Address: common.HexToAddress("0x9004")}

	_, err := f.engine.SpotPurchase(poor, schedule, l.ID, ether("5"), common.Address{})
	require.ErrorIs(t, err, ErrPaymentFailed)
	got, _ := f.engine.Listing(schedule, l.ID)
	require.Equal(t, ether("30"), got.RemainingAmount)
	require.True(t, f.ledger.Total(poor.Address).IsZero())
}

func TestUnlistPenalty(t *testing.T) {
	f := newFixture(t, 10000)
	require.NoError(t, f.settings.SetMinListingDuration(root, 24*time.Hour))
	l := f.list(t, f.request("100", "2"))
	seller := auth.Caller{Address: alice}

	_, err := f.engine.UnlistVesting(seller, schedule, l.ID, start.Add(time.Hour))
	require.ErrorIs(t, err, ErrPenaltyRequired)
	got, _ := f.engine.Listing(schedule, l.ID)
	require.Equal(t, models.StatusListed, got.Status)

	require.NoError(t, f.cash.Mint(alice, ether("10")))
	require.NoError(t, f.cash.Approve(alice, market, ether("10")))
	got, err = f.engine.UnlistVesting(seller, schedule, l.ID, start.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, models.StatusDelisted, got.Status)
	require.Equal(t, ether("10"), f.cash.BalanceOf(collector))
	require.Equal(t, ether("1000"), f.ledger.Available(alice))
	require.True(t, f.tracker.Allocation(alice, schedule).Sold.IsZero())

	_, err = f.engine.SpotPurchase(auth.Caller{Address: bob}, schedule, l.ID, ether("1"), common.Address{})
	require.ErrorIs(t, err, ErrListingNotActive)
	_, err = f.engine.UnlistVesting(seller, schedule, l.ID, start.Add(48*time.Hour))
	require.ErrorIs(t, err, ErrListingNotActive)
}

func TestUnlistAfterMinimumDuration(t *testing.T) {
	f := newFixture(t, 10000)
	require.NoError(t, f.settings.SetMinListingDuration(root, 24*time.Hour))
	l := f.list(t, f.request("100", "2"))
	_, err := f.engine.SpotPurchase(auth.Caller{Address: bob}, schedule, l.ID, ether("25"), common.Address{})
	require.NoError(t, err)

	_, err = f.engine.UnlistVesting(auth.Caller{Address: alice}, schedule, l.ID, start.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, ether("975"), f.ledger.Available(alice))
	require.True(t, f.ledger.Available(custody).IsZero())
}

func TestUnlistAuthorization(t *testing.T) {
	f := newFixture(t, 10000)
	require.NoError(t, f.settings.SetMinListingDuration(root, 24*time.Hour))
	l := f.list(t, f.request("100", "2"))

	_, err := f.engine.UnlistVesting(auth.Caller{Address: bob}, schedule, l.ID, start.Add(time.Hour))
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	// admin pays the penalty
	require.NoError(t, f.cash.Mint(admin, ether("10")))
	require.NoError(t, f.cash.Approve(admin, market, ether("10")))
	_, err = f.engine.UnlistVesting(root, schedule, l.ID, start.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, ether("1000"), f.ledger.Available(alice))
	require.True(t, f.cash.BalanceOf(admin).IsZero())
}

func TestEntitlementConserved(t *testing.T) {
	f := newFixture(t, 5000)
	a := f.list(t, f.request("300", "1"))
	b := f.list(t, f.request("100", "1"))
	_, err := f.engine.SpotPurchase(auth.Caller{Address: bob}, schedule, a.ID, ether("120"), common.Address{})
	require.NoError(t, err)
	_, err = f.engine.SpotPurchase(auth.Caller{Address: carol}, schedule, b.ID, ether("100"), common.Address{})
	require.NoError(t, err)
	_, err = f.ledger.Claim(auth.Caller{Address: bob}, start.Add(35*24*time.Hour))
	require.NoError(t, err)
	_, err = f.engine.UnlistVesting(auth.Caller{Address: alice}, schedule, a.ID, start.Add(40*24*time.Hour))
	require.NoError(t, err)
	_, err = f.ledger.Claim(auth.Caller{Address: alice}, start.Add(60*24*time.Hour))
	require.NoError(t, err)

	total := units.Zero()
	unclaimed := units.Zero()
	for _, h := range f.ledger.Holders() {
		total = new(uint256.Int).Add(total, f.ledger.Total(h))
		unclaimed = new(uint256.Int).Add(unclaimed, f.ledger.Available(h))
	}
	require.Equal(t, ether("1000"), total)
	require.Equal(t, unclaimed, f.vt.BalanceOf(schedule))
	require.True(t, f.ledger.Available(custody).IsZero())
}

func TestUnsupportedCurrency(t *testing.T) {
	f := newFixture(t, 10000)
	req := f.request("100", "2")
	req.Currency = common.HexToAddress("0xbad")
	_, err := f.engine.ListVesting(auth.Caller{Address: alice}, req, start)
	require.ErrorIs(t, err, ErrUnsupportedCurrency)

	// supported by settings but not a known token
	require.NoError(t, f.settings.SetTokenSupported(root, req.Currency, true))
	_, err = f.engine.ListVesting(auth.Caller{Address: alice}, req, start)
	require.ErrorIs(t, err, ErrUnsupportedCurrency)

	require.NoError(t, f.settings.SetTokenSupported(root, f.cash.Address(), false))
	_, err = f.engine.ListVesting(auth.Caller{Address: alice}, f.request("100", "2"), start)
	require.ErrorIs(t, err, ErrUnsupportedCurrency)

	require.Empty(t, f.engine.Listings(schedule))
	require.True(t, f.tracker.Allocation(alice, schedule).Sold.IsZero())
}

var errTrackerDown = errors.New("tracker unavailable")

// stuckTracker refuses to release escrow.
type stuckTracker struct {
	*allocation.Tracker
}

func (stuckTracker) UnlistVesting(auth.Caller, common.Address, common.Address, *uint256.Int) error {
	return errTrackerDown
}

func TestUnlistKeepsListingWhenEscrowReleaseFails(t *testing.T) {
	f := newFixture(t, 10000)
	e := New(market, f.settings, stuckTracker{f.tracker}, currencyMap{f.cash.Address(): f.cash}, nil)
	l, err := e.ListVesting(auth.Caller{Address: alice}, f.request("100", "2"), start)
	require.NoError(t, err)

	_, err = e.UnlistVesting(auth.Caller{Address: alice}, schedule, l.ID, start.Add(time.Hour))
	require.ErrorIs(t, err, errTrackerDown)
	got, err := e.Listing(schedule, l.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusListed, got.Status)
	require.Equal(t, 1, e.OpenListings())
}
