package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"

	"vesting-market/allocation"
	"vesting-market/db"
	"vesting-market/marketplace"
	"vesting-market/models"
	"vesting-market/settings"
	"vesting-market/token"
	"vesting-market/vesting"
)

const (
	prefixToken     = "token:"
	prefixBalance   = "balance:"
	prefixAllowance = "allowance:"
	prefixSchedule  = "schedule:"
	prefixVSettings = "vsettings:"
	prefixVesting   = "vesting:"
	prefixAlloc     = "alloc:"
	prefixListing   = "listing:"
	prefixWhitelist = "whitelist:"
	prefixNonce     = "nonce:"
	keySettings     = "settings"
)

// It abstracts the storage layer from the business logic. Every component
// reports its changes through the embedded recorders; Flush commits them.
type StateRepositoryInterface interface {
	token.Recorder
	vesting.Recorder
	allocation.Recorder
	marketplace.Recorder
	settings.Recorder
	RecordToken(t models.Token)
	RecordSchedule(s models.Schedule)
	Flush() error
	Discard()
	Load() (*Snapshot, error)
}

// Snapshot is the whole persisted state, used to rebuild the service.
type Snapshot struct {
	Tokens          []models.Token
	Balances        map[common.Address]map[common.Address]*uint256.Int        // token -> holder
	Allowances      map[common.Address]map[[2]common.Address]*uint256.Int     // token -> owner, spender
	Schedules       []models.Schedule
	VestingSettings map[common.Address]models.VestingSettings                  // schedule
	Vestings        map[common.Address]map[common.Address]models.VestingRecord // schedule -> holder
	Allocations     map[common.Address]map[common.Address]models.Allocation    // schedule -> holder
	Listings        []models.Listing
	Whitelists      []models.Whitelist
	Settings        *models.MarketplaceSettings
	Nonces          map[common.Address]uint64
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		Balances:        make(map[common.Address]map[common.Address]*uint256.Int),
		Allowances:      make(map[common.Address]map[[2]common.Address]*uint256.Int),
		VestingSettings: make(map[common.Address]models.VestingSettings),
		Vestings:        make(map[common.Address]map[common.Address]models.VestingRecord),
		Allocations:     make(map[common.Address]map[common.Address]models.Allocation),
		Nonces:          make(map[common.Address]uint64),
	}
}

// Journal implements StateRepositoryInterface using LevelDB as the storage
// backend. Changes are staged in a batch and written atomically by Flush.
type Journal struct {
	db    *db.LevelDB
	batch *leveldb.Batch
	err   error
}

// NewJournal creates and returns a new Journal instance
func NewJournal(db *db.LevelDB) *Journal {
	return &Journal{db: db, batch: new(leveldb.Batch)}
}

// Flush writes every staged change in one batch
func (j *Journal) Flush() error {
	defer j.Discard()
	if j.err != nil {
		return j.err
	}
	if j.batch.Len() == 0 {
		return nil
	}
	return j.db.Write(j.batch)
}

// Discard drops every staged change
func (j *Journal) Discard() {
	j.batch.Reset()
	j.err = nil
}

func (j *Journal) put(key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		j.err = errors.Join(j.err, fmt.Errorf("encode %s: %w", key, err))
		return
	}
	j.batch.Put([]byte(key), data)
}

func (j *Journal) RecordToken(t models.Token) {
	j.put(prefixToken+t.Address.Hex(), t)
}

func (j *Journal) RecordBalance(tok, holder common.Address, amount *uint256.Int) {
	j.put(prefixBalance+tok.Hex()+":"+holder.Hex(), amount)
}

func (j *Journal) RecordAllowance(tok, owner, spender common.Address, amount *uint256.Int) {
	j.put(prefixAllowance+tok.Hex()+":"+owner.Hex()+":"+spender.Hex(), amount)
}

func (j *Journal) RecordSchedule(s models.Schedule) {
	j.put(prefixSchedule+s.Address.Hex(), s)
}

func (j *Journal) RecordVestingSettings(schedule common.Address, s models.VestingSettings) {
	j.put(prefixVSettings+schedule.Hex(), s)
}

func (j *Journal) RecordVesting(schedule, holder common.Address, rec models.VestingRecord) {
	j.put(prefixVesting+schedule.Hex()+":"+holder.Hex(), rec)
}

func (j *Journal) RecordAllocation(schedule, holder common.Address, a models.Allocation) {
	j.put(prefixAlloc+schedule.Hex()+":"+holder.Hex(), a)
}

func (j *Journal) RecordListing(l models.Listing) {
	j.put(prefixListing+l.Schedule.Hex()+":"+strconv.FormatUint(l.ID, 10), l)
}

func (j *Journal) RecordWhitelist(w models.Whitelist) {
	j.put(prefixWhitelist+w.Address.Hex(), w)
}

func (j *Journal) RecordNonce(owner common.Address, nonce uint64) {
	j.put(prefixNonce+owner.Hex(), nonce)
}

func (j *Journal) RecordSettings(s models.MarketplaceSettings) {
	j.put(keySettings, s)
}

// Load reads the committed state back
func (j *Journal) Load() (*Snapshot, error) {
	snap := newSnapshot()
	raw, err := j.db.Get([]byte(keySettings))
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load %s: %w", keySettings, err)
	default:
		if err := snap.apply(keySettings, raw); err != nil {
			return nil, fmt.Errorf("load %s: %w", keySettings, err)
		}
	}

	for _, prefix := range loadOrder {
		if err := j.loadPrefix(snap, prefix); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

var loadOrder = []string{
	prefixToken, prefixBalance, prefixAllowance,
	prefixSchedule, prefixVSettings, prefixVesting, prefixAlloc,
	prefixListing, prefixWhitelist, prefixNonce,
}

func (j *Journal) loadPrefix(snap *Snapshot, prefix string) error {
	iter := j.db.NewPrefixIterator([]byte(prefix))
	defer iter.Release()

	for iter.Next() {
		key := string(iter.Key())
		if err := snap.apply(key, iter.Value()); err != nil {
			return fmt.Errorf("load %s: %w", key, err)
		}
	}
	return iter.Error()
}

func (s *Snapshot) apply(key string, value []byte) error {
	switch {
	case key == keySettings:
		var m models.MarketplaceSettings
		if err := json.Unmarshal(value, &m); err != nil {
			return err
		}
		s.Settings = &m
	case strings.HasPrefix(key, prefixToken):
		var t models.Token
		if err := json.Unmarshal(value, &t); err != nil {
			return err
		}
		s.Tokens = append(s.Tokens, t)
	case strings.HasPrefix(key, prefixBalance):
		addrs, err := splitAddresses(key[len(prefixBalance):], 2)
		if err != nil {
			return err
		}
		amount := new(uint256.Int)
		if err := json.Unmarshal(value, amount); err != nil {
			return err
		}
		if s.Balances[addrs[0]] == nil {
			s.Balances[addrs[0]] = make(map[common.Address]*uint256.Int)
		}
		s.Balances[addrs[0]][addrs[1]] = amount
	case strings.HasPrefix(key, prefixAllowance):
		addrs, err := splitAddresses(key[len(prefixAllowance):], 3)
		if err != nil {
			return err
		}
		amount := new(uint256.Int)
		if err := json.Unmarshal(value, amount); err != nil {
			return err
		}
		if s.Allowances[addrs[0]] == nil {
			s.Allowances[addrs[0]] = make(map[[2]common.Address]*uint256.Int)
		}
		s.Allowances[addrs[0]][[2]common.Address{addrs[1], addrs[2]}] = amount
	case strings.HasPrefix(key, prefixSchedule):
		var sc models.Schedule
		if err := json.Unmarshal(value, &sc); err != nil {
			return err
		}
		s.Schedules = append(s.Schedules, sc)
	case strings.HasPrefix(key, prefixVSettings):
		addrs, err := splitAddresses(key[len(prefixVSettings):], 1)
		if err != nil {
			return err
		}
		var vs models.VestingSettings
		if err := json.Unmarshal(value, &vs); err != nil {
			return err
		}
		s.VestingSettings[addrs[0]] = vs
	case strings.HasPrefix(key, prefixVesting):
		addrs, err := splitAddresses(key[len(prefixVesting):], 2)
		if err != nil {
			return err
		}
		var rec models.VestingRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		if s.Vestings[addrs[0]] == nil {
			s.Vestings[addrs[0]] = make(map[common.Address]models.VestingRecord)
		}
		s.Vestings[addrs[0]][addrs[1]] = rec
	case strings.HasPrefix(key, prefixAlloc):
		addrs, err := splitAddresses(key[len(prefixAlloc):], 2)
		if err != nil {
			return err
		}
		var a models.Allocation
		if err := json.Unmarshal(value, &a); err != nil {
			return err
		}
		if s.Allocations[addrs[0]] == nil {
			s.Allocations[addrs[0]] = make(map[common.Address]models.Allocation)
		}
		s.Allocations[addrs[0]][addrs[1]] = a
	case strings.HasPrefix(key, prefixListing):
		var l models.Listing
		if err := json.Unmarshal(value, &l); err != nil {
			return err
		}
		s.Listings = append(s.Listings, l)
	case strings.HasPrefix(key, prefixWhitelist):
		var w models.Whitelist
		if err := json.Unmarshal(value, &w); err != nil {
			return err
		}
		s.Whitelists = append(s.Whitelists, w)
	case strings.HasPrefix(key, prefixNonce):
		addrs, err := splitAddresses(key[len(prefixNonce):], 1)
		if err != nil {
			return err
		}
		var n uint64
		if err := json.Unmarshal(value, &n); err != nil {
			return err
		}
		s.Nonces[addrs[0]] = n
	}
	return nil
}

func splitAddresses(s string, n int) ([]common.Address, error) {
	parts := strings.Split(s, ":")
	if len(parts) != n {
		return nil, fmt.Errorf("want %d addresses, got %d", n, len(parts))
	}
	out := make([]common.Address, n)
	for i, p := range parts {
		if !common.IsHexAddress(p) {
			return nil, fmt.Errorf("bad address %q", p)
		}
		out[i] = common.HexToAddress(p)
	}
	return out, nil
}
