package orders

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/observability"
	"github.com/shopspring/decimal"
)

type ListingRequest struct {
	Seller   string
	TicketID uuid.UUID
	Price    int64
}

// CreateListing offers a ticket for resale. Only the current holder of a ticket that
// was bought on the primary market, never used, never claimed to an external wallet
// and not yet superseded may list it, below the price cap and early enough before
// the event starts.
func (s *Service) CreateListing(ctx context.Context, req ListingRequest) (domain.ResaleListing, error) {
	seller := normalizeEmail(req.Seller)
	var listing domain.ResaleListing
	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		t, err := tx.GetTicket(ctx, req.TicketID)
		if err != nil {
			return err
		}
		if t.Owner != seller {
			return domain.Forbiddenf("ticket %s belongs to another holder", t.ID)
		}
		switch {
		case t.Superseded():
			return domain.Validationf("ticket %s was already resold", t.ID)
		case t.IsUsed:
			return domain.Validationf("ticket %s was already used", t.ID)
		case !t.EligibleForResale:
			return domain.Validationf("ticket %s is not eligible for resale", t.ID)
		case t.ClaimedBy != "":
			return domain.Validationf("ticket %s was claimed to an external wallet", t.ID)
		case req.Price <= 0:
			return domain.Validationf("listing price must be positive")
		}
		limit := decimal.NewFromInt(t.PurchasePrice).Mul(s.cfg.ResalePriceCapPercent).Div(decimal.NewFromInt(100)).Floor()
		if decimal.NewFromInt(req.Price).GreaterThan(limit) {
			return domain.Validationf("listing price %d exceeds the cap of %s", req.Price, limit)
		}

		ev, err := tx.GetEvent(ctx, t.EventID)
		if err != nil {
			return err
		}
		if ev.Status != domain.EventAccepted {
			return domain.Validationf("event %s is %s", ev.ID, ev.Status)
		}
		now := s.now().UTC()
		if now.Add(s.cfg.ResaleMinLead).After(ev.StartsAt) {
			return domain.Validationf("listings close %s before the event starts", s.cfg.ResaleMinLead)
		}

		listing = domain.ResaleListing{
			ID:        uuid.New(),
			TicketID:  t.ID,
			EventID:   t.EventID,
			Seller:    seller,
			Price:     req.Price,
			Status:    domain.ListingActive,
			CreatedAt: now,
		}
		if err := tx.InsertListing(ctx, listing); err != nil {
			return err
		}
		rec, err := domain.NewOutboxRecord("listing", listing.ID, "listing.created", map[string]interface{}{
			"listing_id": listing.ID,
			"ticket_id":  t.ID,
			"price":      listing.Price,
		})
		if err != nil {
			return err
		}
		return tx.InsertOutbox(ctx, rec)
	})
	if err != nil {
		return domain.ResaleListing{}, err
	}
	observability.FromContext(ctx, s.logger).WithField("listing_id", listing.ID).WithField("ticket_id", listing.TicketID).Info("resale listing created")
	return listing, nil
}

func (s *Service) CancelListing(ctx context.Context, seller string, listingID uuid.UUID) (domain.ResaleListing, error) {
	var l domain.ResaleListing
	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		var err error
		if l, err = tx.GetListing(ctx, listingID); err != nil {
			return err
		}
		if l.Seller != normalizeEmail(seller) {
			return domain.Forbiddenf("listing %s belongs to another seller", listingID)
		}
		if err := tx.UpdateListingStatus(ctx, listingID, domain.ListingActive, domain.ListingCancelled, s.now().UTC()); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return domain.Conflictf("listing %s is %s", listingID, l.Status)
			}
			return err
		}
		l.Status = domain.ListingCancelled
		return nil
	})
	return l, err
}

type PurchaseRequest struct {
	Buyer     string
	BuyerName string
	ListingID uuid.UUID
	Method    string
}

// PurchaseResale opens a RESALE order for an active listing. The listing stays ACTIVE
// until a payment confirms; a second buyer who pays later gets a refund-required failure.
func (s *Service) PurchaseResale(ctx context.Context, req PurchaseRequest) (domain.Order, error) {
	buyer := normalizeEmail(req.Buyer)
	if buyer == "" {
		return domain.Order{}, domain.Validationf("buyer is required")
	}
	var (
		order domain.Order
		item  string
	)
	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		l, err := tx.GetListing(ctx, req.ListingID)
		if err != nil {
			return err
		}
		if l.Status != domain.ListingActive {
			return domain.Conflictf("listing %s is %s", l.ID, l.Status)
		}
		if l.Seller == buyer {
			return domain.Validationf("sellers cannot buy their own listing")
		}
		t, err := tx.GetTicket(ctx, l.TicketID)
		if err != nil {
			return err
		}
		ev, err := tx.GetEvent(ctx, l.EventID)
		if err != nil {
			return err
		}
		fees, err := s.cfg.Fees.Split(l.Price, domain.OrderKindResale)
		if err != nil {
			return err
		}
		order = domain.Order{
			ID:               uuid.New(),
			Kind:             domain.OrderKindResale,
			Buyer:            buyer,
			BuyerName:        req.BuyerName,
			EventID:          l.EventID,
			TicketTypeID:     t.TicketTypeID,
			ListingID:        l.ID,
			Seller:           l.Seller,
			Amount:           l.Price,
			PaymentMethod:    req.Method,
			PaymentStatus:    domain.PaymentPending,
			SettlementStatus: domain.SettlementNone,
			Fees:             fees,
			CreatedAt:        s.now().UTC(),
		}
		item = ev.Name + " - resale"
		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		return domain.Order{}, err
	}
	return s.charge(ctx, order, item)
}
