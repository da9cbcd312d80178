// Package whitelist holds the bounded allow-lists attached to private listings.
package whitelist

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"vesting-market/models"
)

var (
	ErrWhitelistFull      = errors.New("whitelist: capacity reached")
	ErrAlreadyWhitelisted = errors.New("whitelist: already registered")
)

// Recorder receives whitelist changes for persistence.
type Recorder interface {
	RecordWhitelist(w models.Whitelist)
}

// Set is a capacity-bounded set of buyer addresses. Membership is permanent.
type Set struct {
	address  common.Address
	max      uint64
	members  map[common.Address]struct{}
	order    []common.Address
	recorder Recorder
}

// New returns an empty set at address that admits at most max members.
func New(address common.Address, max uint64, rec Recorder) *Set {
	s := &Set{
		address:  address,
		max:      max,
		members:  make(map[common.Address]struct{}),
		recorder: rec,
	}
	s.record()
	return s
}

// Restore rebuilds a set from its persisted form without recording it.
func Restore(w models.Whitelist, rec Recorder) *Set {
	s := &Set{
		address:  w.Address,
		max:      w.Max,
		members:  make(map[common.Address]struct{}, len(w.Members)),
		recorder: rec,
	}
	for _, m := range w.Members {
		if _, ok := s.members[m]; ok {
			continue
		}
		s.members[m] = struct{}{}
		s.order = append(s.order, m)
	}
	return s
}

func (s *Set) Address() common.Address { return s.address }
func (s *Set) Max() uint64             { return s.max }
func (s *Set) Count() uint64           { return uint64(len(s.order)) }

// Register adds the caller to the set.
func (s *Set) Register(caller common.Address) error {
	if _, ok := s.members[caller]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyWhitelisted, caller.Hex())
	}
	if s.Count() >= s.max {
		return fmt.Errorf("%w: %d of %d", ErrWhitelistFull, s.Count(), s.max)
	}
	s.members[caller] = struct{}{}
	s.order = append(s.order, caller)
	s.record()
	return nil
}

// Contains reports whether addr has registered.
func (s *Set) Contains(addr common.Address) bool {
	_, ok := s.members[addr]
	return ok
}

// Snapshot returns the persisted form of the set, members in registration order.
func (s *Set) Snapshot() models.Whitelist {
	members := make([]common.Address, len(s.order))
	copy(members, s.order)
	return models.Whitelist{Address: s.address, Max: s.max, Members: members}
}

func (s *Set) record() {
	if s.recorder != nil {
		s.recorder.RecordWhitelist(s.Snapshot())
	}
}
