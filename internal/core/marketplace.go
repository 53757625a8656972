package core

import (
	"context"
	"fmt"

	"carbonledger/pkg/domain"
)

// CreateListing escrows amount units from the caller's balance into a
// new open listing at the quoted per-unit price. The price is recorded
// on-ledger; payment settlement happens elsewhere.
func (s *Service) CreateListing(ctx context.Context, caller Identity, id BatchID, amount, pricePerUnit uint64) (Listing, error) {
	const op = "create_listing"
	var created Listing
	if err := requireCaller(caller); err != nil {
		return created, annotate(op, err)
	}
	if amount == 0 {
		return created, annotate(op, domain.Errorf(domain.KindInvalidArgument, "amount must be positive"))
	}
	err := s.run(ctx, op, func(tx Transaction) error {
		if _, ok := tx.Snapshot().FindBatch(id); !ok {
			return domain.Errorf(domain.KindNotFound, "batch %d not found", id)
		}
		if err := tx.DebitBalance(id, caller, amount); err != nil {
			return err
		}
		var err error
		created, err = tx.CreateListing(Listing{
			BatchID:      id,
			Seller:       caller,
			Amount:       amount,
			PricePerUnit: pricePerUnit,
			Open:         true,
		})
		if err != nil {
			return err
		}
		tx.AppendAudit(caller, op, fmt.Sprintf("listing=%d batch=%d amount=%d price=%d", created.ID, id, amount, pricePerUnit))
		return nil
	})
	if err != nil {
		return Listing{}, err
	}
	return created, nil
}

// CancelListing returns the remaining escrow to the seller and closes
// the listing. Only the seller may cancel.
func (s *Service) CancelListing(ctx context.Context, caller Identity, id ListingID) error {
	const op = "cancel_listing"
	if err := requireCaller(caller); err != nil {
		return annotate(op, err)
	}
	return s.run(ctx, op, func(tx Transaction) error {
		listing, ok := tx.Snapshot().FindListing(id)
		if !ok {
			return domain.Errorf(domain.KindNotFound, "listing %d not found", id)
		}
		if listing.Seller != caller {
			return s.unauthorized(op, caller, "the seller")
		}
		if !listing.Open {
			return domain.Errorf(domain.KindNotOpen, "listing %d is closed", id)
		}
		refund := listing.Amount
		if _, err := tx.UpdateListing(id, func(l *Listing) error {
			l.Amount = 0
			l.Open = false
			return nil
		}); err != nil {
			return err
		}
		tx.CreditBalance(listing.BatchID, caller, refund)
		tx.AppendAudit(caller, op, fmt.Sprintf("listing=%d batch=%d refunded=%d", id, listing.BatchID, refund))
		return nil
	})
}

// Buy purchases the entire remaining amount of an open listing. The
// buyer receives the escrowed units; the receipt carries the gross
// value, the issuer royalty, and the seller proceeds to be settled off
// ledger. A self-purchase is permitted and computes the royalty the
// same way.
func (s *Service) Buy(ctx context.Context, caller Identity, id ListingID) (PurchaseReceipt, error) {
	const op = "buy"
	if err := requireCaller(caller); err != nil {
		return PurchaseReceipt{}, annotate(op, err)
	}
	var receipt PurchaseReceipt
	err := s.run(ctx, op, func(tx Transaction) error {
		listing, ok := tx.Snapshot().FindListing(id)
		if !ok {
			return domain.Errorf(domain.KindNotFound, "listing %d not found", id)
		}
		if !listing.Open {
			return domain.Errorf(domain.KindNotOpen, "listing %d is closed", id)
		}
		var err error
		receipt, err = s.settlePurchase(tx, op, caller, listing, listing.Amount)
		return err
	})
	if err != nil {
		return PurchaseReceipt{}, err
	}
	return receipt, nil
}

// BuyPartial purchases amount units from an open listing, leaving the
// rest escrowed. The listing closes automatically when drained.
func (s *Service) BuyPartial(ctx context.Context, caller Identity, id ListingID, amount uint64) (PurchaseReceipt, error) {
	const op = "buy_partial"
	if err := requireCaller(caller); err != nil {
		return PurchaseReceipt{}, annotate(op, err)
	}
	if amount == 0 {
		return PurchaseReceipt{}, annotate(op, domain.Errorf(domain.KindInvalidArgument, "amount must be positive"))
	}
	var receipt PurchaseReceipt
	err := s.run(ctx, op, func(tx Transaction) error {
		listing, ok := tx.Snapshot().FindListing(id)
		if !ok {
			return domain.Errorf(domain.KindNotFound, "listing %d not found", id)
		}
		if !listing.Open {
			return domain.Errorf(domain.KindNotOpen, "listing %d is closed", id)
		}
		if amount > listing.Amount {
			return domain.Errorf(domain.KindInvalidArgument, "amount %d exceeds listed %d", amount, listing.Amount)
		}
		var err error
		receipt, err = s.settlePurchase(tx, op, caller, listing, amount)
		return err
	})
	if err != nil {
		return PurchaseReceipt{}, err
	}
	return receipt, nil
}

// settlePurchase moves amount units of escrow to the buyer, shrinks or
// closes the listing, and computes the royalty split. The royalty is
// floored; the division remainder stays with the seller.
func (s *Service) settlePurchase(tx Transaction, op string, buyer Identity, listing Listing, amount uint64) (PurchaseReceipt, error) {
	batch, ok := tx.Snapshot().FindBatch(listing.BatchID)
	if !ok {
		return PurchaseReceipt{}, domain.Errorf(domain.KindNotFound, "batch %d not found", listing.BatchID)
	}
	remaining := listing.Amount - amount
	if _, err := tx.UpdateListing(listing.ID, func(l *Listing) error {
		l.Amount = remaining
		if remaining == 0 {
			l.Open = false
		}
		return nil
	}); err != nil {
		return PurchaseReceipt{}, err
	}
	tx.CreditBalance(listing.BatchID, buyer, amount)

	gross, royalty, proceeds := domain.ComputeSaleValue(amount, listing.PricePerUnit, batch.RoyaltyPpm)
	receipt := PurchaseReceipt{
		ListingID:      listing.ID,
		BatchID:        listing.BatchID,
		Seller:         listing.Seller,
		Buyer:          buyer,
		Amount:         amount,
		PricePerUnit:   listing.PricePerUnit,
		GrossValue:     gross,
		Royalty:        royalty,
		SellerProceeds: proceeds,
		Remaining:      remaining,
		Closed:         remaining == 0,
	}
	tx.AppendAudit(buyer, op, fmt.Sprintf(
		"listing=%d batch=%d seller=%s amount=%d gross=%s royalty=%s proceeds=%s remaining=%d",
		listing.ID, listing.BatchID, listing.Seller, amount, gross, royalty, proceeds, remaining))
	return receipt, nil
}

// ListOpenListings returns every open listing in creation order.
func (s *Service) ListOpenListings(ctx context.Context) ([]Listing, error) {
	var out []Listing
	err := s.view(ctx, "list_open_listings", func(v TransactionView) error {
		for _, l := range v.ListListings() {
			if l.Open {
				out = append(out, l)
			}
		}
		return nil
	})
	return out, err
}
