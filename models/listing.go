package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ListingType decides whether a listing may be bought in parts.
type ListingType uint8

const (
	ListingPartial ListingType = iota
	ListingSingleFill
)

func (t ListingType) String() string {
	switch t {
	case ListingPartial:
		return "partial"
	case ListingSingleFill:
		return "single"
	}
	return fmt.Sprintf("ListingType(%d)", uint8(t))
}

// ParseListingType is the inverse of ListingType.String.
func ParseListingType(s string) (ListingType, error) {
	switch strings.ToLower(s) {
	case "partial", "":
		return ListingPartial, nil
	case "single", "single_fill":
		return ListingSingleFill, nil
	}
	return 0, fmt.Errorf("unknown listing type %q", s)
}

func (t ListingType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *ListingType) UnmarshalText(b []byte) (err error) {
	*t, err = ParseListingType(string(b))
	return err
}

// DiscountType selects how the unit price falls as a listing sells.
type DiscountType uint8

const (
	DiscountNone DiscountType = iota
	DiscountLinear
	DiscountFixed
)

func (t DiscountType) String() string {
	switch t {
	case DiscountNone:
		return "none"
	case DiscountLinear:
		return "linear"
	case DiscountFixed:
		return "fixed"
	}
	return fmt.Sprintf("DiscountType(%d)", uint8(t))
}

// ParseDiscountType is the inverse of DiscountType.String.
func ParseDiscountType(s string) (DiscountType, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return DiscountNone, nil
	case "linear":
		return DiscountLinear, nil
	case "fixed":
		return DiscountFixed, nil
	}
	return 0, fmt.Errorf("unknown discount type %q", s)
}

func (t DiscountType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *DiscountType) UnmarshalText(b []byte) (err error) {
	*t, err = ParseDiscountType(string(b))
	return err
}

// ListingStatus is the lifecycle state of a listing.
type ListingStatus uint8

const (
	StatusListed ListingStatus = iota
	StatusDelisted
)

func (s ListingStatus) String() string {
	if s == StatusDelisted {
		return "delisted"
	}
	return "listed"
}

func (s ListingStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ListingStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "listed":
		*s = StatusListed
	case "delisted":
		*s = StatusDelisted
	default:
		return fmt.Errorf("unknown listing status %q", b)
	}
	return nil
}

// Listing is a lot of escrowed entitlement offered for sale.
type Listing struct {
	ID              uint64         `json:"id"`       // sequential per schedule
	Schedule        common.Address `json:"schedule"` // vesting plan the lot belongs to
	Seller          common.Address `json:"seller"`
	TotalAmount     *uint256.Int   `json:"total_amount"`
	RemainingAmount *uint256.Int   `json:"remaining_amount"`
	PricePerUnit    *uint256.Int   `json:"price_per_unit"` // currency base units per whole vesting token
	ListingType     ListingType    `json:"listing_type"`
	DiscountType    DiscountType   `json:"discount_type"`
	DiscountPct     uint64         `json:"discount_pct"` // basis points
	MaxWhitelist    uint64         `json:"max_whitelist"`
	Whitelist       common.Address `json:"whitelist"` // zero for public listings
	MinPurchaseAmt  *uint256.Int   `json:"min_purchase_amt"`
	Currency        common.Address `json:"currency"`
	CreatedAt       time.Time      `json:"created_at"`
	Status          ListingStatus  `json:"status"`
}

func (l *Listing) IsPrivate() bool {
	return l.Whitelist != (common.Address{})
}

// Whitelist is the persisted form of a private listing's allow-list.
type Whitelist struct {
	Address common.Address   `json:"address"`
	Max     uint64           `json:"max"`
	Members []common.Address `json:"members"`
}
