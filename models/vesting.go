package models

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Schedule describes one step-release vesting plan.
type Schedule struct {
	Address        common.Address `json:"address"`          // schedule identity
	Token          common.Address `json:"token"`            // vested asset
	Issuer         common.Address `json:"issuer"`           // may create and transfer vestings
	StartTime      int64          `json:"start_time"`       // unix seconds
	EndTime        int64          `json:"end_time"`         // unix seconds
	NumOfSteps     uint64         `json:"num_of_steps"`     // release steps between start and end
	Sellable       bool           `json:"sellable"`         // may be listed on the marketplace
	MaxSellPercent uint64         `json:"max_sell_percent"` // sell cap in basis points
}

// StepDuration is the length of one step in seconds.
func (s Schedule) StepDuration() int64 {
	return (s.EndTime - s.StartTime) / int64(s.NumOfSteps)
}

// VestingRecord is a holder's position in one schedule.
type VestingRecord struct {
	TotalAmount   *uint256.Int `json:"total_amount"`
	AmountClaimed *uint256.Int `json:"amount_claimed"`
	StepsClaimed  uint64       `json:"steps_claimed"`
	ReleaseRate   *uint256.Int `json:"release_rate"` // entitlement released per step
}

// Allocation tracks what a holder bought and has in escrow for a schedule.
type Allocation struct {
	Purchased *uint256.Int `json:"purchased"`
	Sold      *uint256.Int `json:"sold"`
}

// VestingSettings are the marketplace rules of one schedule.
type VestingSettings struct {
	Sellable       bool   `json:"sellable"`
	MaxSellPercent uint64 `json:"max_sell_percent"` // basis points
}
