package repository

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/goleak"

	"vesting-market/db"
	"vesting-market/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	tok      = common.HexToAddress("0x70")
	alice    = common.HexToAddress("0xa11ce")
	bob      = common.HexToAddress("0xb0b")
	schedule = common.HexToAddress("0x5c4ed")
)

func newJournal(t *testing.T) *Journal {
	t.Helper()
	ldb, err := db.NewMemLevelDB()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ldb.Close()) })
	return NewJournal(ldb)
}

func TestFlushAndLoad(t *testing.T) {
	j := newJournal(t)
	created := time.Unix(1_700_000_000, 0).UTC()

	j.RecordToken(models.Token{Address: tok, Symbol: "TT", Decimals: 18})
	j.RecordBalance(tok, alice, uint256.NewInt(500))
	j.RecordAllowance(tok, alice, bob, uint256.NewInt(7))
	j.RecordSchedule(models.Schedule{Address: schedule, Token: tok, Issuer: alice, StartTime: 1, EndTime: 11, NumOfSteps: 10})
	j.RecordVestingSettings(schedule, models.VestingSettings{Sellable: true, MaxSellPercent: 2000})
	j.RecordVesting(schedule, bob, models.VestingRecord{
		TotalAmount:   uint256.NewInt(1000),
		AmountClaimed: uint256.NewInt(100),
		StepsClaimed:  1,
		ReleaseRate:   uint256.NewInt(100),
	})
	j.RecordAllocation(schedule, bob, models.Allocation{Purchased: uint256.NewInt(3), Sold: uint256.NewInt(4)})
	j.RecordListing(models.Listing{
		ID:              2,
		Schedule:        schedule,
		Seller:          bob,
		TotalAmount:     uint256.NewInt(10),
		RemainingAmount: uint256.NewInt(6),
		PricePerUnit:    uint256.NewInt(9),
		MinPurchaseAmt:  uint256.NewInt(0),
		ListingType:     models.ListingSingleFill,
		CreatedAt:       created,
	})
	j.RecordWhitelist(models.Whitelist{Address: alice, Max: 3, Members: []common.Address{bob}})
	j.RecordNonce(alice, 4)
	j.RecordSettings(models.MarketplaceSettings{BuyerFee: 250, FeeCollector: bob, PenaltyFee: uint256.NewInt(10)})
	require.NoError(t, j.Flush())

	snap, err := j.Load()
	require.NoError(t, err)
	require.Len(t, snap.Tokens, 1)
	require.Equal(t, uint8(18), snap.Tokens[0].Decimals)
	require.Equal(t, uint256.NewInt(500), snap.Balances[tok][alice])
	require.Equal(t, uint256.NewInt(7), snap.Allowances[tok][[2]common.Address{alice, bob}])
	require.Len(t, snap.Schedules, 1)
	require.Equal(t, uint64(10), snap.Schedules[0].NumOfSteps)
	require.Equal(t, uint64(2000), snap.VestingSettings[schedule].MaxSellPercent)
	require.Equal(t, uint256.NewInt(100), snap.Vestings[schedule][bob].AmountClaimed)
	require.Equal(t, uint256.NewInt(4), snap.Allocations[schedule][bob].Sold)
	require.Len(t, snap.Listings, 1)
	require.Equal(t, uint256.NewInt(6), snap.Listings[0].RemainingAmount)
	require.Equal(t, models.ListingSingleFill, snap.Listings[0].ListingType)
	require.True(t, created.Equal(snap.Listings[0].CreatedAt))
	require.Equal(t, []common.Address{bob}, snap.Whitelists[0].Members)
	require.Equal(t, uint64(4), snap.Nonces[alice])
	require.NotNil(t, snap.Settings)
	require.Equal(t, bob, snap.Settings.FeeCollector)
}

func TestDiscardDropsPendingChanges(t *testing.T) {
	j := newJournal(t)
	j.RecordBalance(tok, alice, uint256.NewInt(1))
	j.Discard()
	require.NoError(t, j.Flush())

	snap, err := j.Load()
	require.NoError(t, err)
	require.Empty(t, snap.Balances)
	_, err = j.db.Get([]byte(prefixBalance + tok.Hex() + ":" + alice.Hex()))
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestLoadRejectsCorruptEntry(t *testing.T) {
	j := newJournal(t)
	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixToken+tok.Hex()), []byte("{broken"))
	require.NoError(t, j.db.Write(batch))
	_, err := j.Load()
	require.ErrorContains(t, err, "load "+prefixToken)
}

func TestLoadWithoutSettings(t *testing.T) {
	j := newJournal(t)
	j.RecordBalance(tok, alice, uint256.NewInt(5))
	require.NoError(t, j.Flush())

	snap, err := j.Load()
	require.NoError(t, err)
	require.Nil(t, snap.Settings)
	require.Equal(t, uint256.NewInt(5), snap.Balances[tok][alice])
}

func TestLaterWriteWins(t *testing.T) {
	j := newJournal(t)
	j.RecordBalance(tok, alice, uint256.NewInt(1))
	j.RecordBalance(tok, alice, uint256.NewInt(2))
	require.NoError(t, j.Flush())
	j.RecordBalance(tok, alice, uint256.NewInt(3))
	require.NoError(t, j.Flush())

	snap, err := j.Load()
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(3), snap.Balances[tok][alice])
}
