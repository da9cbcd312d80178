package allocation

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"vesting-market/auth"
	"vesting-market/models"
	"vesting-market/token"
	"vesting-market/units"
	"vesting-market/vesting"
)

var (
	issuer   = common.HexToAddress("0x1550e4")
	alice    = common.HexToAddress("0xa11ce")
	bob      = common.HexToAddress("0xb0b")
	admin    = common.HexToAddress("0xad")
	custody  = common.HexToAddress("0xc057")
	schedule = common.HexToAddress("0x5c4ed")
	start    = time.Unix(1_700_000_000, 0)

	market = auth.Caller{Address: common.HexToAddress("0x3a4e7"), Roles: auth.RoleMarketplace}
)

func ether(s string) *uint256.Int {
	return units.MustParse(s, 18)
}

type fixture struct {
	tracker *Tracker
	ledger  *vesting.Ledger
}

func newFixture(t *testing.T, maxSellPercent uint64) *fixture {
	t.Helper()
	tok := token.NewMemory(models.Token{Address: common.HexToAddress("0x70"), Symbol: "TT", Decimals: 18}, nil)
	require.NoError(t, tok.Mint(issuer, ether("100000")))
	require.NoError(t, tok.Approve(issuer, schedule, ether("100000")))

	l, err := vesting.New(models.Schedule{
		Address:    schedule,
		Token:      tok.Address(),
		Issuer:     issuer,
		StartTime:  start.Unix(),
		EndTime:    start.Add(100 * 24 * time.Hour).Unix(),
		NumOfSteps: 10,
	}, tok, custody, nil)
	require.NoError(t, err)

	tr := New(custody, nil)
	require.NoError(t, tr.Register(l, models.VestingSettings{Sellable: true, MaxSellPercent: maxSellPercent}))
	return &fixture{tracker: tr, ledger: l}
}

func (f *fixture) vest(t *testing.T, holder common.Address, amount string) {
	t.Helper()
	require.NoError(t, f.ledger.CreateVesting(auth.Caller{Address: issuer}, holder, ether(amount)))
}

func TestSellLimitSingleListing(t *testing.T) {
	f := newFixture(t, 2000)
	f.vest(t, alice, "1000")

	err := f.tracker.ListVesting(market, alice, schedule, ether("201"))
	require.ErrorIs(t, err, ErrSellLimitExceeded)
	require.True(t, f.tracker.Allocation(alice, schedule).Sold.IsZero())
	require.Equal(t, ether("1000"), f.ledger.Available(alice))
}

func TestSellLimitAcrossListings(t *testing.T) {
	f := newFixture(t, 2000)
	f.vest(t, alice, "1000")

	require.NoError(t, f.tracker.ListVesting(market, alice, schedule, ether("199")))
	require.ErrorIs(t, f.tracker.ListVesting(market, alice, schedule, ether("2")), ErrSellLimitExceeded)
	require.NoError(t, f.tracker.ListVesting(market, alice, schedule, ether("1")))

	require.Equal(t, ether("200"), f.tracker.Allocation(alice, schedule).Sold)
	require.Equal(t, ether("800"), f.ledger.Available(alice))
	require.Equal(t, ether("200"), f.ledger.Available(custody))
}

func TestSellLimitExhaustedInParts(t *testing.T) {
	f := newFixture(t, 2000)
	f.vest(t, alice, "1000")

	for _, amt := range []string{"100", "50", "50"} {
		require.NoError(t, f.tracker.ListVesting(market, alice, schedule, ether(amt)))
	}
	require.ErrorIs(t, f.tracker.ListVesting(market, alice, schedule, ether("1")), ErrSellLimitExceeded)
}

func TestPurchasedEntitlementIsLiquid(t *testing.T) {
	f := newFixture(t, 2000)
	f.vest(t, alice, "1000")
	require.NoError(t, f.tracker.ListVesting(market, alice, schedule, ether("200")))
	require.NoError(t, f.tracker.CompletePurchase(market, bob, schedule, alice, ether("200")))

	a := f.tracker.Allocation(alice, schedule)
	require.True(t, a.Sold.IsZero())
	require.Equal(t, ether("200"), f.tracker.Allocation(bob, schedule).Purchased)
	require.Equal(t, ether("200"), f.ledger.Total(bob))

	limit, err := f.tracker.SellLimit(bob, schedule)
	require.NoError(t, err)
	require.Equal(t, ether("200"), limit)
	require.NoError(t, f.tracker.ListVesting(market, bob, schedule, ether("200")))
}

func TestPurchasedOnTopOfOwnVesting(t *testing.T) {
	f := newFixture(t, 2000)
	f.vest(t, alice, "1000")
	f.vest(t, bob, "1000")
	require.NoError(t, f.tracker.ListVesting(market, alice, schedule, ether("100")))
	require.NoError(t, f.tracker.CompletePurchase(market, bob, schedule, alice, ether("100")))

	// 100 purchased + 20% of the 1000 vested, not 20% of the 1100 held
	limit, err := f.tracker.SellLimit(bob, schedule)
	require.NoError(t, err)
	require.Equal(t, ether("300"), limit)
	require.NotEqual(t, ether("220"), limit)

	require.ErrorIs(t, f.tracker.ListVesting(market, bob, schedule, ether("301")), ErrSellLimitExceeded)
	require.NoError(t, f.tracker.ListVesting(market, bob, schedule, ether("300")))
}

func TestSellerListingAfterSaleKeepsLimit(t *testing.T) {
	f := newFixture(t, 2000)
	f.vest(t, alice, "1000")
	require.NoError(t, f.tracker.ListVesting(market, alice, schedule, ether("200")))
	require.NoError(t, f.tracker.CompletePurchase(market, bob, schedule, alice, ether("50")))

	// total 800, sold 150
	limit, err := f.tracker.SellLimit(alice, schedule)
	require.NoError(t, err)
	require.Equal(t, ether("190"), limit)
	require.NoError(t, f.tracker.ListVesting(market, alice, schedule, ether("40")))
	require.ErrorIs(t, f.tracker.ListVesting(market, alice, schedule, ether("1")), ErrSellLimitExceeded)
}

func TestNotSellable(t *testing.T) {
	f := newFixture(t, 2000)
	f.vest(t, alice, "1000")
	require.NoError(t, f.tracker.SetVestingSettings(auth.Caller{Address: admin, Roles: auth.RoleAdmin}, schedule,
		models.VestingSettings{Sellable: false, MaxSellPercent: 2000}))

	require.ErrorIs(t, f.tracker.ListVesting(market, alice, schedule, ether("1")), ErrNotSellable)
}

func TestAvailabilityCheckedBeforeLimit(t *testing.T) {
	f := newFixture(t, 10000)
	f.vest(t, alice, "1000")
	_, err := f.ledger.Claim(auth.Caller{Address: alice}, start.Add(50*24*time.Hour))
	require.NoError(t, err)

	require.ErrorIs(t, f.tracker.ListVesting(market, alice, schedule, ether("501")), vesting.ErrInsufficientAvailable)
	require.NoError(t, f.tracker.ListVesting(market, alice, schedule, ether("500")))
}

func TestAvailabilityAfterTransfer(t *testing.T) {
	f := newFixture(t, 2000)
	f.vest(t, alice, "1000")
	require.NoError(t, f.ledger.TransferVesting(auth.Caller{Address: issuer}, alice, bob, ether("950")))

	err := f.tracker.ListVesting(market, alice, schedule, ether("60"))
	require.ErrorIs(t, err, vesting.ErrInsufficientAvailable)
}

func TestUnlist(t *testing.T) {
	f := newFixture(t, 2000)
	f.vest(t, alice, "1000")
	require.NoError(t, f.tracker.ListVesting(market, alice, schedule, ether("133")))
	require.NoError(t, f.tracker.UnlistVesting(market, alice, schedule, ether("35")))

	require.Equal(t, ether("98"), f.tracker.Allocation(alice, schedule).Sold)
	require.Equal(t, ether("902"), f.ledger.Available(alice))
	require.Equal(t, ether("98"), f.ledger.Available(custody))

	err := f.tracker.UnlistVesting(market, alice, schedule, ether("99"))
	require.ErrorIs(t, err, ErrInsufficientSold)
	require.Equal(t, ether("98"), f.tracker.Allocation(alice, schedule).Sold)
}

func TestCompletePurchaseBeyondEscrow(t *testing.T) {
	f := newFixture(t, 2000)
	f.vest(t, alice, "1000")
	require.NoError(t, f.tracker.ListVesting(market, alice, schedule, ether("10")))

	require.ErrorIs(t, f.tracker.ValidatePurchase(bob, schedule, alice, ether("11")), ErrInsufficientSold)
	require.ErrorIs(t, f.tracker.CompletePurchase(market, bob, schedule, alice, ether("11")), ErrInsufficientSold)
	require.True(t, f.ledger.Total(bob).IsZero())
}

func TestMutatorsRequireMarketplace(t *testing.T) {
	f := newFixture(t, 2000)
	f.vest(t, alice, "1000")
	outsider := auth.Caller{Address: alice}

	require.ErrorIs(t, f.tracker.ListVesting(outsider, alice, schedule, ether("1")), auth.ErrUnauthorized)
	require.ErrorIs(t, f.tracker.UnlistVesting(outsider, alice, schedule, ether("1")), auth.ErrUnauthorized)
	require.ErrorIs(t, f.tracker.CompletePurchase(outsider, bob, schedule, alice, ether("1")), auth.ErrUnauthorized)
}

func TestSetVestingSettings(t *testing.T) {
	f := newFixture(t, 2000)
	a := auth.Caller{Address: admin, Roles: auth.RoleAdmin}

	err := f.tracker.SetVestingSettings(auth.Caller{Address: alice}, schedule, models.VestingSettings{Sellable: true, MaxSellPercent: 5000})
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	err = f.tracker.SetVestingSettings(a, schedule, models.VestingSettings{Sellable: true, MaxSellPercent: 10001})
	require.ErrorIs(t, err, ErrInvalidSettings)

	err = f.tracker.SetVestingSettings(a, common.HexToAddress("0xdead"), models.VestingSettings{})
	require.ErrorIs(t, err, ErrUnknownSchedule)

	require.NoError(t, f.tracker.SetVestingSettings(a, schedule, models.VestingSettings{Sellable: true, MaxSellPercent: 5000}))
	s, err := f.tracker.VestingSettings(schedule)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), s.MaxSellPercent)
}

func TestRegisterTwice(t *testing.T) {
	f := newFixture(t, 2000)
	require.ErrorIs(t, f.tracker.Register(f.ledger, models.VestingSettings{}), ErrScheduleExists)
}
