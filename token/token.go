// Package token holds the fungible token primitive the ledger and the
// marketplace move value with.
package token

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"vesting-market/models"
	"vesting-market/units"
)

var (
	ErrInsufficientBalance   = errors.New("token: transfer amount exceeds balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrZeroAddress           = errors.New("token: zero address")
)

// Token is the subset of an ERC-20 style token the core relies on. Each
// transfer either fully applies or fails without changing balances.
type Token interface {
	Address() common.Address
	Symbol() string
	Decimals() uint8
	BalanceOf(holder common.Address) *uint256.Int
	Allowance(owner, spender common.Address) *uint256.Int
	Approve(owner, spender common.Address, amount *uint256.Int) error
	Transfer(from, to common.Address, amount *uint256.Int) error
	TransferFrom(spender, from, to common.Address, amount *uint256.Int) error
}

// Recorder receives balance and allowance changes for persistence.
type Recorder interface {
	RecordBalance(token, holder common.Address, amount *uint256.Int)
	RecordAllowance(token, owner, spender common.Address, amount *uint256.Int)
}

type allowanceKey struct {
	owner, spender common.Address
}

// Memory is an in-process token ledger. It is not safe for concurrent use;
// the service serialises access.
type Memory struct {
	meta       models.Token
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	recorder   Recorder
}

func NewMemory(meta models.Token, rec Recorder) *Memory {
	return &Memory{
		meta:       meta,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
		recorder:   rec,
	}
}

func (m *Memory) Meta() models.Token       { return m.meta }
func (m *Memory) Address() common.Address { return m.meta.Address }
func (m *Memory) Symbol() string          { return m.meta.Symbol }
func (m *Memory) Decimals() uint8         { return m.meta.Decimals }

func (m *Memory) BalanceOf(holder common.Address) *uint256.Int {
	return units.Or(m.balances[holder]).Clone()
}

func (m *Memory) Allowance(owner, spender common.Address) *uint256.Int {
	return units.Or(m.allowances[allowanceKey{owner, spender}]).Clone()
}

// Mint credits new supply to holder.
func (m *Memory) Mint(to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	b, err := units.Add(units.Or(m.balances[to]), amount)
	if err != nil {
		return fmt.Errorf("mint %s: %w", m.meta.Symbol, err)
	}
	m.setBalance(to, b)
	return nil
}

func (m *Memory) Approve(owner, spender common.Address, amount *uint256.Int) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrZeroAddress
	}
	m.setAllowance(owner, spender, amount.Clone())
	return nil
}

func (m *Memory) Transfer(from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	bal := units.Or(m.balances[from])
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), bal.Dec(), amount.Dec())
	}
	if from == to {
		return nil
	}
	m.setBalance(from, units.Sub(bal, amount))
	// cannot overflow: total supply fits in 256 bits
	m.setBalance(to, new(uint256.Int).Add(units.Or(m.balances[to]), amount))
	return nil
}

func (m *Memory) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	allowed := units.Or(m.allowances[allowanceKey{from, spender}])
	if allowed.Lt(amount) {
		return fmt.Errorf("%w: %s allowed %s, needs %s", ErrInsufficientAllowance, spender.Hex(), allowed.Dec(), amount.Dec())
	}
	if err := m.Transfer(from, to, amount); err != nil {
		return err
	}
	m.setAllowance(from, spender, units.Sub(allowed, amount))
	return nil
}

// Restore loads persisted balances without recording them again.
func (m *Memory) Restore(balances map[common.Address]*uint256.Int, allowances map[[2]common.Address]*uint256.Int) {
	for h, b := range balances {
		m.balances[h] = b
	}
	for k, a := range allowances {
		m.allowances[allowanceKey{k[0], k[1]}] = a
	}
}

func (m *Memory) setBalance(holder common.Address, amount *uint256.Int) {
	m.balances[holder] = amount
	if m.recorder != nil {
		m.recorder.RecordBalance(m.meta.Address, holder, amount)
	}
}

func (m *Memory) setAllowance(owner, spender common.Address, amount *uint256.Int) {
	m.allowances[allowanceKey{owner, spender}] = amount
	if m.recorder != nil {
		m.recorder.RecordAllowance(m.meta.Address, owner, spender, amount)
	}
}
