package orders

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/observability"
)

// ClaimAsset moves a settled ticket's ledger asset out of custody to the holder's own
// wallet. A claimed ticket can no longer be listed for resale.
func (s *Service) ClaimAsset(ctx context.Context, owner string, ticketID uuid.UUID, wallet string) (domain.Ticket, error) {
	if !common.IsHexAddress(wallet) {
		return domain.Ticket{}, domain.Validationf("%q is not a wallet address", wallet)
	}
	wallet = common.HexToAddress(wallet).Hex()
	owner = normalizeEmail(owner)

	var t domain.Ticket
	err := s.store.WithTx(ctx, func(tx domain.Tx) (err error) {
		if t, err = tx.GetTicket(ctx, ticketID); err != nil {
			return err
		}
		switch {
		case t.Owner != owner:
			return domain.Forbiddenf("ticket %s belongs to another holder", ticketID)
		case t.Superseded():
			return domain.Validationf("ticket %s was resold", ticketID)
		case t.AssetToken == "":
			return domain.Validationf("ticket %s has no settled asset yet", ticketID)
		case t.ClaimedBy != "":
			return domain.Conflictf("ticket %s was already claimed", ticketID)
		}
		return nil
	})
	if err != nil {
		return domain.Ticket{}, err
	}

	id, err := s.resolver.Resolve(owner)
	if err != nil {
		return domain.Ticket{}, errors.Wrap(err, "resolve owner identity")
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	receipt, err := s.ledger.ClaimAsset(callCtx, t.AssetToken, id.Address, wallet)
	cancel()
	if err != nil {
		return domain.Ticket{}, domain.External(err, "claim asset %s", t.AssetToken)
	}

	pctx := context.WithoutCancel(ctx)
	err = s.store.WithTx(pctx, func(tx domain.Tx) error {
		if err := tx.SetTicketClaimed(pctx, ticketID, wallet); err != nil {
			return err
		}
		rec, err := domain.NewOutboxRecord("ticket", ticketID, "ticket.claimed", map[string]interface{}{
			"ticket_id":   ticketID,
			"asset_token": t.AssetToken,
			"wallet":      wallet,
			"tx_hash":     receipt.TxHash,
		})
		if err != nil {
			return err
		}
		return tx.InsertOutbox(pctx, rec)
	})
	if err != nil {
		return domain.Ticket{}, errors.Wrap(err, "record asset claim")
	}
	t.ClaimedBy = wallet
	observability.FromContext(ctx, s.logger).WithField("ticket_id", ticketID).WithField("tx_hash", receipt.TxHash).Info("asset claimed")
	return t, nil
}
