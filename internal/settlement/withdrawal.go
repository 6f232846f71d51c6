package settlement

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/observability"
	"github.com/robertarktes/ticket-settlement/internal/payout"
)

// Withdrawal failure steps.
const (
	WithdrawResolve = "resolve_identity"
	WithdrawBalance = "balance"
	WithdrawLedger  = "ledger_withdraw"
	WithdrawBurn    = "burn"
	WithdrawPayout  = "bank_payout"
)

type WithdrawalRequest struct {
	EventID    uuid.UUID
	ReceiverID uuid.UUID
}

// ProcessWithdrawal pays a receiver's escrowed share out to their bank account. The
// PROCESSING row is inserted first so that a concurrent second request for the same
// receiver is rejected with a ConflictError. Every failure after that leaves the
// withdrawal FAILED with the step that failed.
//
// When the receiver's latest withdrawal failed after the balance was read, the next
// request reopens that withdrawal instead of starting a new one. Steps that already
// produced a receipt are skipped and the rest run again under the same keys, so funds
// withdrawn or burned on the ledger still reach the bank.
func (e *Engine) ProcessWithdrawal(ctx context.Context, req WithdrawalRequest) (domain.Withdrawal, error) {
	now := e.now().UTC()
	w := domain.Withdrawal{
		ID:         uuid.New(),
		ReceiverID: req.ReceiverID,
		EventID:    req.EventID,
		Status:     domain.WithdrawalProcessing,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var receiver domain.RevenueReceiver
	err := e.store.WithTx(ctx, func(tx domain.Tx) error {
		var err error
		if receiver, err = tx.GetReceiver(ctx, req.ReceiverID); err != nil {
			return err
		}
		if receiver.EventID != req.EventID {
			return domain.NotFoundf("receiver %s does not belong to event %s", req.ReceiverID, req.EventID)
		}
		event, err := tx.GetEvent(ctx, req.EventID)
		if err != nil {
			return err
		}
		if event.Status != domain.EventCompleted {
			return domain.Validationf("event %s is %s, withdrawals require a completed event", event.ID, event.Status)
		}
		if receiver.ApprovalStatus != domain.ApprovalApproved {
			return domain.Validationf("receiver %s is %s", receiver.Email, receiver.ApprovalStatus)
		}
		if !receiver.HasBankDetails() {
			return domain.Validationf("receiver %s has no bank details", receiver.Email)
		}
		prev, err := tx.ListWithdrawals(ctx, req.EventID)
		if err != nil {
			return err
		}
		if last, ok := resumable(prev, req.ReceiverID); ok {
			if err := tx.ReopenWithdrawal(ctx, last.ID, now); err != nil {
				return err
			}
			w = last
			w.Status = domain.WithdrawalProcessing
			w.FailureStep, w.FailureReason = "", ""
			w.UpdatedAt = now
			return nil
		}
		return tx.InsertWithdrawal(ctx, w)
	})
	if err != nil {
		return domain.Withdrawal{}, err
	}
	resuming := w.Amount > 0

	log := observability.FromContext(ctx, e.logger).WithField("withdrawal_id", w.ID).WithField("receiver", receiver.Email)
	account := payout.BankAccount{Number: receiver.BankAccount, Bank: receiver.BankName, Holder: receiver.AccountHolder}
	key := "withdrawal:" + w.ID.String()

	identity, err := e.resolver.Resolve(receiver.Email)
	if err != nil {
		return e.failWithdrawal(ctx, log, w, WithdrawResolve, err)
	}

	if resuming {
		log.WithField("ledger_tx", w.LedgerTxHash).WithField("burn_tx", w.BurnTxHash).Info("resuming failed withdrawal")
	} else {
		var bal struct {
			amount    int64
			withdrawn bool
		}
		err = e.bounded(ctx, func(ctx context.Context) error {
			b, err := e.ledger.BalanceOf(ctx, req.EventID, identity.Address)
			bal.amount, bal.withdrawn = b.Amount, b.Withdrawn
			return err
		})
		switch {
		case err != nil:
			return e.failWithdrawal(ctx, log, w, WithdrawBalance, err)
		case bal.withdrawn:
			return e.failWithdrawal(ctx, log, w, WithdrawBalance, domain.Conflictf("receiver %s already withdrew on the ledger", receiver.Email))
		case bal.amount <= 0:
			return e.failWithdrawal(ctx, log, w, WithdrawBalance, domain.Validationf("receiver %s has nothing to withdraw", receiver.Email))
		}
		w.Amount = bal.amount
	}

	if w.LedgerTxHash == "" {
		err = e.bounded(ctx, func(ctx context.Context) error {
			r, err := e.ledger.Withdraw(ctx, req.EventID, identity, account.String(), key+":withdraw")
			w.LedgerTxHash = r.TxHash
			return err
		})
		if err != nil {
			return e.failWithdrawal(ctx, log, w, WithdrawLedger, err)
		}
	}

	if w.BurnTxHash == "" {
		err = e.bounded(ctx, func(ctx context.Context) error {
			r, err := e.ledger.Burn(ctx, w.Amount, key+":burn")
			w.BurnTxHash = r.TxHash
			return err
		})
		if err != nil {
			return e.failWithdrawal(ctx, log, w, WithdrawBurn, err)
		}
	}

	err = e.bounded(ctx, func(ctx context.Context) error {
		ref, err := e.payouts.Transfer(ctx, payout.Transfer{Reference: key, Amount: w.Amount, Account: account, Note: "event " + req.EventID.String()})
		w.PayoutRef = ref
		return err
	})
	if err != nil {
		return e.failWithdrawal(ctx, log, w, WithdrawPayout, err)
	}

	w.Status = domain.WithdrawalCompleted
	w.UpdatedAt = e.now().UTC()
	if err := e.finishWithdrawal(ctx, w); err != nil {
		log.WithError(err).Error("withdrawal paid out but completion was not recorded")
		return w, err
	}
	observability.Withdrawals.WithLabelValues(string(w.Status)).Inc()
	log.WithField("amount", w.Amount).WithField("payout_ref", w.PayoutRef).Info("withdrawal completed")
	return w, nil
}

// resumable returns the receiver's latest withdrawal when it failed past the balance
// read. Its amount is fixed and the ledger may already hold its receipts.
func resumable(ws []domain.Withdrawal, receiverID uuid.UUID) (domain.Withdrawal, bool) {
	var last domain.Withdrawal
	found := false
	for _, w := range ws {
		if w.ReceiverID == receiverID && (!found || !w.CreatedAt.Before(last.CreatedAt)) {
			last, found = w, true
		}
	}
	if !found || last.Status != domain.WithdrawalFailed || last.Amount <= 0 {
		return domain.Withdrawal{}, false
	}
	switch last.FailureStep {
	case WithdrawLedger, WithdrawBurn, WithdrawPayout:
		return last, true
	}
	return domain.Withdrawal{}, false
}

func (e *Engine) failWithdrawal(ctx context.Context, log observability.Logger, w domain.Withdrawal, step string, cause error) (domain.Withdrawal, error) {
	w.Status = domain.WithdrawalFailed
	w.FailureStep = step
	w.FailureReason = cause.Error()
	w.UpdatedAt = e.now().UTC()
	observability.Withdrawals.WithLabelValues(string(w.Status)).Inc()
	log.WithField("step", step).WithError(cause).Error("withdrawal failed")

	if err := e.finishWithdrawal(ctx, w); err != nil {
		log.WithError(err).Error("could not record withdrawal failure")
		return w, errors.CombineErrors(cause, err)
	}
	return w, errors.Wrapf(cause, "withdrawal %s failed at %s", w.ID, step)
}

func (e *Engine) finishWithdrawal(ctx context.Context, w domain.Withdrawal) error {
	ctx = context.WithoutCancel(ctx)
	eventType := "withdrawal.completed"
	if w.Status == domain.WithdrawalFailed {
		eventType = "withdrawal.failed"
	}
	return e.store.WithTx(ctx, func(tx domain.Tx) error {
		if err := tx.FinishWithdrawal(ctx, w); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, "withdrawal", w.ID, eventType, map[string]interface{}{
			"withdrawal_id": w.ID,
			"receiver_id":   w.ReceiverID,
			"event_id":      w.EventID,
			"amount":        w.Amount,
			"status":        w.Status,
			"failure_step":  w.FailureStep,
		})
	})
}

func (e *Engine) bounded(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()
	return fn(ctx)
}
