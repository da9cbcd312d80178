package marketplace

import (
	"github.com/holiman/uint256"

	"vesting-market/models"
	"vesting-market/units"
)

// Fees are the basis-point rates applied to a purchase.
type Fees struct {
	BuyerFee    uint64
	SellerFee   uint64
	ReferralFee uint64 // share of the buyer fee
}

// Pricing is the full breakdown of one purchase. Currency amounts are in
// the listing currency's base units.
type Pricing struct {
	EffectiveDiscount uint64       `json:"effective_discount"` // bps
	DiscountedPrice   *uint256.Int `json:"discounted_price"`   // per whole vesting token
	TotalPrice        *uint256.Int `json:"total_price"`
	BuyerFee          *uint256.Int `json:"buyer_fee"`
	SellerFee         *uint256.Int `json:"seller_fee"`
	ReferralRebate    *uint256.Int `json:"referral_rebate"` // computed, not paid
}

// BuyerPays is what the buyer is charged.
func (p Pricing) BuyerPays() *uint256.Int {
	return new(uint256.Int).Add(p.TotalPrice, p.BuyerFee)
}

// SellerGets is what the seller receives.
func (p Pricing) SellerGets() *uint256.Int {
	return units.Sub(p.TotalPrice, p.SellerFee)
}

// CollectorGets is what the fee collector receives.
func (p Pricing) CollectorGets() *uint256.Int {
	return new(uint256.Int).Add(p.BuyerFee, p.SellerFee)
}

// Quote prices amount of l's entitlement. scale is one whole vesting token
// in base units. Quote does not check the amount against the listing.
func Quote(l *models.Listing, amount *uint256.Int, fees Fees, scale *uint256.Int) (Pricing, error) {
	bps := uint256.NewInt(units.BPS)

	var discount uint64
	switch l.DiscountType {
	case models.DiscountLinear:
		d, err := units.MulDiv(amount, uint256.NewInt(l.DiscountPct), l.TotalAmount)
		if err != nil {
			return Pricing{}, err
		}
		discount = l.DiscountPct
		if d.IsUint64() && d.Uint64() < discount {
			discount = d.Uint64()
		}
	case models.DiscountFixed:
		discount = l.DiscountPct
	}
	if discount > units.BPS {
		discount = units.BPS
	}

	price, err := units.MulDiv(l.PricePerUnit, uint256.NewInt(units.BPS-discount), bps)
	if err != nil {
		return Pricing{}, err
	}
	total, err := units.MulDiv(amount, price, scale)
	if err != nil {
		return Pricing{}, err
	}
	buyerFee, err := units.MulDiv(total, uint256.NewInt(fees.BuyerFee), bps)
	if err != nil {
		return Pricing{}, err
	}
	sellerFee, err := units.MulDiv(total, uint256.NewInt(fees.SellerFee), bps)
	if err != nil {
		return Pricing{}, err
	}
	rebate, err := units.MulDiv(buyerFee, uint256.NewInt(fees.ReferralFee), bps)
	if err != nil {
		return Pricing{}, err
	}
	if _, err := units.Add(total, buyerFee); err != nil {
		return Pricing{}, err
	}
	return Pricing{
		EffectiveDiscount: discount,
		DiscountedPrice:   price,
		TotalPrice:        total,
		BuyerFee:          buyerFee,
		SellerFee:         sellerFee,
		ReferralRebate:    rebate,
	}, nil
}
