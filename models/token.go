package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Token is the metadata of a fungible token known to the service.
type Token struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// MarketplaceSettings is the persisted state of the settings provider.
type MarketplaceSettings struct {
	BuyerFee           uint64           `json:"buyer_fee"`    // bps
	SellerFee          uint64           `json:"seller_fee"`   // bps
	ReferralFee        uint64           `json:"referral_fee"` // bps of the buyer fee
	FeeCollector       common.Address   `json:"fee_collector"`
	MinListingDuration time.Duration    `json:"min_listing_duration"`
	PenaltyFee         *uint256.Int     `json:"penalty_fee"`
	Frozen             bool             `json:"frozen"`
	SupportedTokens    []common.Address `json:"supported_tokens"`
}
