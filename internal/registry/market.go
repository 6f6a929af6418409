package registry

import (
	"fmt"
	"math/bits"
)

// ListForSale records a listing backed by the escrow transfer attached to the
// call. The attachment must move exactly amount units of the credit asset
// from the caller into the contract account.
func (s *State) ListForSale(call Call, amount, pricePerUnit uint64) (uint64, error) {
	if err := s.requireAsset(); err != nil {
		return 0, err
	}
	if amount == 0 {
		return 0, fmt.Errorf("%w: amount must be > 0", ErrInvalidArgument)
	}
	if pricePerUnit == 0 {
		return 0, fmt.Errorf("%w: price must be > 0", ErrInvalidArgument)
	}
	if len(s.listings) >= s.cfg.ListingCapacity {
		return 0, fmt.Errorf("%w: max listings reached (%d)", ErrCapacityExceeded, s.cfg.ListingCapacity)
	}
	if err := s.checkEscrow(call, amount); err != nil {
		return 0, err
	}

	idx := uint64(len(s.listings))
	s.listings = append(s.listings, Listing{
		Seller:       call.Caller,
		Amount:       amount,
		PricePerUnit: pricePerUnit,
		Active:       true,
	})
	return idx, nil
}

func (s *State) checkEscrow(call Call, amount uint64) error {
	xfer := call.AssetTransfer
	switch {
	case xfer == nil:
		return fmt.Errorf("%w: escrow transfer required", ErrInvalidArgument)
	case xfer.Sender != call.Caller:
		return fmt.Errorf("%w: escrow must come from the seller", ErrInvalidArgument)
	case xfer.Receiver != s.self:
		return fmt.Errorf("%w: escrow must be sent to the contract", ErrInvalidRecipient)
	case xfer.Asset != s.asset:
		return fmt.Errorf("%w: escrow asset %d is not the credit asset", ErrInvalidArgument, xfer.Asset)
	case xfer.Amount != amount:
		return fmt.Errorf("%w: escrow moved %d, listing is for %d", ErrInvalidArgument, xfer.Amount, amount)
	}
	return nil
}

// TotalCost is amount * pricePerUnit, or ErrOverflow when the product does not fit.
func TotalCost(amount, pricePerUnit uint64) (uint64, error) {
	hi, lo := bits.Mul64(amount, pricePerUnit)
	if hi != 0 {
		return 0, fmt.Errorf("%w: %d * %d", ErrOverflow, amount, pricePerUnit)
	}
	return lo, nil
}

// BuyListing settles an active listing in full against the payment attached
// to the call. The escrowed units go to the caller and exactly the total cost
// is forwarded to the seller; any overpayment stays with the contract.
func (s *State) BuyListing(call Call, id uint64) ([]Effect, error) {
	if err := s.requireAsset(); err != nil {
		return nil, err
	}
	l, err := s.activeListing(id)
	if err != nil {
		return nil, err
	}
	cost, err := TotalCost(l.Amount, l.PricePerUnit)
	if err != nil {
		return nil, err
	}
	pay := call.Payment
	if pay == nil || pay.Amount < cost {
		var got uint64
		if pay != nil {
			got = pay.Amount
		}
		return nil, fmt.Errorf("%w: paid %d, need %d", ErrInsufficientPayment, got, cost)
	}
	if pay.Receiver != s.self {
		return nil, fmt.Errorf("%w: pay the contract", ErrInvalidRecipient)
	}

	l.Active = false
	return []Effect{
		{Kind: EffectAssetTransfer, From: s.self, To: call.Caller, Asset: s.asset, Amount: l.Amount},
		{Kind: EffectPayment, From: s.self, To: l.Seller, Amount: cost},
	}, nil
}

// CancelListing returns the escrowed units to the seller.
func (s *State) CancelListing(call Call, id uint64) ([]Effect, error) {
	l, err := s.activeListing(id)
	if err != nil {
		return nil, err
	}
	if call.Caller != l.Seller {
		return nil, fmt.Errorf("%w: only seller can cancel", ErrUnauthorized)
	}
	l.Active = false
	return []Effect{
		{Kind: EffectAssetTransfer, From: s.self, To: l.Seller, Asset: s.asset, Amount: l.Amount},
	}, nil
}

func (s *State) activeListing(id uint64) (*Listing, error) {
	if id >= uint64(len(s.listings)) {
		return nil, fmt.Errorf("%w: invalid listing id %d", ErrNotFound, id)
	}
	l := &s.listings[id]
	if !l.Active {
		return nil, fmt.Errorf("%w: listing %d not active", ErrInvalidState, id)
	}
	return l, nil
}
