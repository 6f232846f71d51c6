package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/shopspring/decimal"
)

type pgTx struct {
	tx pgx.Tx
}

func nullUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: [16]byte(id), Valid: id != uuid.Nil}
}

func fromNullUUID(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	return uuid.UUID(id.Bytes)
}

// notFound turns pgx.ErrNoRows into domain.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

// affected reports a conditional write that matched nothing as a conflict when the row
// exists and as not-found otherwise.
func (t *pgTx) affected(ctx context.Context, rows int64, table string, id uuid.UUID) error {
	if rows > 0 {
		return nil
	}
	var exists bool
	if err := t.tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrConflict
}

const orderColumns = `id, kind, buyer, buyer_name, event_id, ticket_type_id, listing_id, seller, amount,
	payment_method, payment_status, settlement_status, failure_reason, processor_token, redirect_url,
	ticket_id, asset_token, gross, platform_fee, resale_fee, net_amount, created_at, paid_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var listingID, ticketID pgtype.UUID
	err := row.Scan(&o.ID, &o.Kind, &o.Buyer, &o.BuyerName, &o.EventID, &o.TicketTypeID, &listingID, &o.Seller, &o.Amount,
		&o.PaymentMethod, &o.PaymentStatus, &o.SettlementStatus, &o.FailureReason, &o.ProcessorToken, &o.RedirectURL,
		&ticketID, &o.AssetToken, &o.Fees.Gross, &o.Fees.PlatformFee, &o.Fees.ResaleFee, &o.Fees.NetAmount, &o.CreatedAt, &o.PaidAt)
	if err != nil {
		return domain.Order{}, notFound(err)
	}
	o.ListingID, o.TicketID = fromNullUUID(listingID), fromNullUUID(ticketID)
	return o, nil
}

func collectOrders(rows pgx.Rows, err error) ([]domain.Order, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertOrder(ctx context.Context, o domain.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`, o.ID, o.Kind, o.Buyer, o.BuyerName, o.EventID, o.TicketTypeID, nullUUID(o.ListingID), o.Seller, o.Amount,
		o.PaymentMethod, o.PaymentStatus, o.SettlementStatus, o.FailureReason, o.ProcessorToken, o.RedirectURL,
		nullUUID(o.TicketID), o.AssetToken, o.Fees.Gross, o.Fees.PlatformFee, o.Fees.ResaleFee, o.Fees.NetAmount, o.CreatedAt, o.PaidAt)
	return err
}

func (t *pgTx) GetOrder(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func (t *pgTx) SetOrderProcessorRef(ctx context.Context, id uuid.UUID, token, redirectURL string) error {
	res, err := t.tx.Exec(ctx, `UPDATE orders SET processor_token = $2, redirect_url = $3 WHERE id = $1`, id, token, redirectURL)
	if err != nil {
		return err
	}
	return t.affected(ctx, res.RowsAffected(), "orders", id)
}

func (t *pgTx) MarkOrderPaid(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := t.tx.Exec(ctx, `
		UPDATE orders SET payment_status = 'PAID', paid_at = $2
		WHERE id = $1 AND payment_status = 'PENDING'
	`, id, at)
	if err != nil {
		return err
	}
	return t.affected(ctx, res.RowsAffected(), "orders", id)
}

func (t *pgTx) MarkOrderFailed(ctx context.Context, id uuid.UUID, reason string) error {
	res, err := t.tx.Exec(ctx, `
		UPDATE orders SET payment_status = 'FAILED', failure_reason = $2
		WHERE id = $1 AND payment_status = 'PENDING'
	`, id, reason)
	if err != nil {
		return err
	}
	return t.affected(ctx, res.RowsAffected(), "orders", id)
}

func (t *pgTx) AttachTicket(ctx context.Context, orderID, ticketID uuid.UUID) error {
	res, err := t.tx.Exec(ctx, `UPDATE orders SET ticket_id = $2 WHERE id = $1`, orderID, ticketID)
	if err != nil {
		return err
	}
	return t.affected(ctx, res.RowsAffected(), "orders", orderID)
}

func (t *pgTx) SetOrderSettlement(ctx context.Context, id uuid.UUID, status domain.SettlementStatus, assetToken string) error {
	res, err := t.tx.Exec(ctx, `
		UPDATE orders SET settlement_status = $2, asset_token = CASE WHEN $3::STRING = '' THEN asset_token ELSE $3::STRING END
		WHERE id = $1
	`, id, status, assetToken)
	if err != nil {
		return err
	}
	return t.affected(ctx, res.RowsAffected(), "orders", id)
}

func (t *pgTx) ListOrdersBySettlement(ctx context.Context, status domain.SettlementStatus, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 1000
	}
	return collectOrders(t.tx.Query(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE settlement_status = $1 ORDER BY created_at LIMIT $2
	`, status, limit))
}

func (t *pgTx) ListPaidOrdersByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.Order, error) {
	return collectOrders(t.tx.Query(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE event_id = $1 AND payment_status = 'PAID' ORDER BY created_at
	`, eventID))
}

func (t *pgTx) InsertEvent(ctx context.Context, e domain.Event) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO events (id, creator, name, venue, starts_at, ends_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.Creator, e.Name, e.Venue, e.StartsAt, e.EndsAt, e.Status, e.CreatedAt)
	return err
}

func (t *pgTx) GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	var e domain.Event
	err := t.tx.QueryRow(ctx, `
		SELECT id, creator, name, venue, starts_at, ends_at, status, created_at FROM events WHERE id = $1
	`, id).Scan(&e.ID, &e.Creator, &e.Name, &e.Venue, &e.StartsAt, &e.EndsAt, &e.Status, &e.CreatedAt)
	return e, notFound(err)
}

func (t *pgTx) UpdateEventStatus(ctx context.Context, id uuid.UUID, from, to domain.EventStatus) error {
	res, err := t.tx.Exec(ctx, `UPDATE events SET status = $3 WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return err
	}
	return t.affected(ctx, res.RowsAffected(), "events", id)
}

func (t *pgTx) InsertTicketType(ctx context.Context, tt domain.TicketType) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ticket_types (id, event_id, name, price, stock, sold, sale_start, sale_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, tt.ID, tt.EventID, tt.Name, tt.Price, tt.Stock, tt.Sold, tt.SaleStart, tt.SaleEnd)
	return err
}

func (t *pgTx) GetTicketType(ctx context.Context, id uuid.UUID) (domain.TicketType, error) {
	var tt domain.TicketType
	err := t.tx.QueryRow(ctx, `
		SELECT id, event_id, name, price, stock, sold, sale_start, sale_end FROM ticket_types WHERE id = $1
	`, id).Scan(&tt.ID, &tt.EventID, &tt.Name, &tt.Price, &tt.Stock, &tt.Sold, &tt.SaleStart, &tt.SaleEnd)
	return tt, notFound(err)
}

// IncrementSold is the only place stock is reserved; the predicate keeps sold <= stock
// under concurrent confirmations.
func (t *pgTx) IncrementSold(ctx context.Context, ticketTypeID uuid.UUID) error {
	res, err := t.tx.Exec(ctx, `UPDATE ticket_types SET sold = sold + 1 WHERE id = $1 AND sold < stock`, ticketTypeID)
	if err != nil {
		return err
	}
	if err := t.affected(ctx, res.RowsAffected(), "ticket_types", ticketTypeID); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.ErrSoldOut
		}
		return err
	}
	return nil
}

const ticketColumns = `id, ticket_type_id, event_id, order_id, owner, owner_name, purchase_price, signature,
	pdf_version, is_used, used_at, eligible_for_resale, asset_token, claimed_by, superseded_by, previous_ticket_id, issued_at`

func scanTicket(row pgx.Row) (domain.Ticket, error) {
	var tk domain.Ticket
	var superseded, prev pgtype.UUID
	err := row.Scan(&tk.ID, &tk.TicketTypeID, &tk.EventID, &tk.OrderID, &tk.Owner, &tk.OwnerName, &tk.PurchasePrice, &tk.Signature,
		&tk.PDFVersion, &tk.IsUsed, &tk.UsedAt, &tk.EligibleForResale, &tk.AssetToken, &tk.ClaimedBy, &superseded, &prev, &tk.IssuedAt)
	if err != nil {
		return domain.Ticket{}, notFound(err)
	}
	tk.SupersededBy, tk.PreviousTicketID = fromNullUUID(superseded), fromNullUUID(prev)
	return tk, nil
}

func (t *pgTx) InsertTicket(ctx context.Context, tk domain.Ticket) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, tk.ID, tk.TicketTypeID, tk.EventID, tk.OrderID, tk.Owner, tk.OwnerName, tk.PurchasePrice, tk.Signature,
		tk.PDFVersion, tk.IsUsed, tk.UsedAt, tk.EligibleForResale, tk.AssetToken, tk.ClaimedBy,
		nullUUID(tk.SupersededBy), nullUUID(tk.PreviousTicketID), tk.IssuedAt)
	return err
}

func (t *pgTx) GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	return scanTicket(t.tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
}

func (t *pgTx) ListTicketsByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.Ticket, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE event_id = $1 ORDER BY issued_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Ticket
	for rows.Next() {
		tk, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tk)
	}
	return out, rows.Err()
}

func (t *pgTx) SupersedeTicket(ctx context.Context, id, successor uuid.UUID) error {
	res, err := t.tx.Exec(ctx, `
		UPDATE tickets SET superseded_by = $2, eligible_for_resale = false
		WHERE id = $1 AND superseded_by IS NULL AND NOT is_used
	`, id, successor)
	if err != nil {
		return err
	}
	return t.affected(ctx, res.RowsAffected(), "tickets", id)
}

func (t *pgTx) MarkTicketUsed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := t.tx.Exec(ctx, `UPDATE tickets SET is_used = true, used_at = $2 WHERE id = $1 AND NOT is_used`, id, at)
	if err != nil {
		return false, err
	}
	if err := t.affected(ctx, res.RowsAffected(), "tickets", id); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *pgTx) SetTicketAsset(ctx context.Context, id uuid.UUID, assetToken string) error {
	res, err := t.tx.Exec(ctx, `UPDATE tickets SET asset_token = $2 WHERE id = $1`, id, assetToken)
	if err != nil {
		return err
	}
	return t.affected(ctx, res.RowsAffected(), "tickets", id)
}

func (t *pgTx) SetTicketClaimed(ctx context.Context, id uuid.UUID, wallet string) error {
	res, err := t.tx.Exec(ctx, `
		UPDATE tickets SET claimed_by = $2, eligible_for_resale = false WHERE id = $1 AND claimed_by = ''
	`, id, wallet)
	if err != nil {
		return err
	}
	return t.affected(ctx, res.RowsAffected(), "tickets", id)
}

func (t *pgTx) InsertBlacklist(ctx context.Context, e domain.BlacklistEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO blacklist (ticket_id, event_id, reason, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (ticket_id) DO NOTHING
	`, e.TicketID, e.EventID, e.Reason, e.CreatedAt)
	return err
}

func (t *pgTx) IsBlacklisted(ctx context.Context, ticketID uuid.UUID) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM blacklist WHERE ticket_id = $1)`, ticketID).Scan(&ok)
	return ok, err
}

func (t *pgTx) ListBlacklist(ctx context.Context, eventID uuid.UUID) ([]domain.BlacklistEntry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT ticket_id, event_id, reason, created_at FROM blacklist WHERE event_id = $1 ORDER BY created_at
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BlacklistEntry
	for rows.Next() {
		var e domain.BlacklistEntry
		if err := rows.Scan(&e.TicketID, &e.EventID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) AppendScanLog(ctx context.Context, l domain.ScanLog) (bool, error) {
	if l.Source == domain.ScanOffline {
		res, err := t.tx.Exec(ctx, `
			INSERT INTO scan_logs (id, ticket_id, event_id, result, device, source, scanned_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (ticket_id, device, scanned_at) WHERE source = 'OFFLINE' DO NOTHING
		`, l.ID, l.TicketID, l.EventID, l.Result, l.Device, l.Source, l.ScannedAt)
		if err != nil {
			return false, err
		}
		return res.RowsAffected() == 1, nil
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO scan_logs (id, ticket_id, event_id, result, device, source, scanned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, l.ID, l.TicketID, l.EventID, l.Result, l.Device, l.Source, l.ScannedAt)
	return err == nil, err
}

func (t *pgTx) ListScanLogs(ctx context.Context, ticketID uuid.UUID) ([]domain.ScanLog, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, ticket_id, event_id, result, device, source, scanned_at
		FROM scan_logs WHERE ticket_id = $1 ORDER BY scanned_at
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ScanLog
	for rows.Next() {
		var l domain.ScanLog
		if err := rows.Scan(&l.ID, &l.TicketID, &l.EventID, &l.Result, &l.Device, &l.Source, &l.ScannedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertListing(ctx context.Context, l domain.ResaleListing) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO resale_listings (id, ticket_id, event_id, seller, price, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, l.ID, l.TicketID, l.EventID, l.Seller, l.Price, l.Status, l.CreatedAt)
	if err := classify(err); errors.Is(err, domain.ErrConflict) {
		return domain.Conflictf("ticket %s already has an active listing", l.TicketID)
	}
	return err
}

func (t *pgTx) GetListing(ctx context.Context, id uuid.UUID) (domain.ResaleListing, error) {
	var l domain.ResaleListing
	err := t.tx.QueryRow(ctx, `
		SELECT id, ticket_id, event_id, seller, price, status, created_at, sold_at FROM resale_listings WHERE id = $1
	`, id).Scan(&l.ID, &l.TicketID, &l.EventID, &l.Seller, &l.Price, &l.Status, &l.CreatedAt, &l.SoldAt)
	return l, notFound(err)
}

func (t *pgTx) UpdateListingStatus(ctx context.Context, id uuid.UUID, from, to domain.ListingStatus, at time.Time) error {
	res, err := t.tx.Exec(ctx, `
		UPDATE resale_listings SET status = $3, sold_at = CASE WHEN $3::STRING = 'SOLD' THEN $4::TIMESTAMPTZ ELSE sold_at END
		WHERE id = $1 AND status = $2
	`, id, from, to, at)
	if err != nil {
		return err
	}
	return t.affected(ctx, res.RowsAffected(), "resale_listings", id)
}

const receiverColumns = `id, event_id, email, percentage::STRING, approval_status, bank_account, bank_name,
	account_holder, ledger_address, decided_at`

func scanReceiver(row pgx.Row) (domain.RevenueReceiver, error) {
	var (
		r   domain.RevenueReceiver
		pct string
	)
	err := row.Scan(&r.ID, &r.EventID, &r.Email, &pct, &r.ApprovalStatus, &r.BankAccount, &r.BankName,
		&r.AccountHolder, &r.LedgerAddress, &r.DecidedAt)
	if err != nil {
		return domain.RevenueReceiver{}, notFound(err)
	}
	if r.Percentage, err = decimal.NewFromString(pct); err != nil {
		return domain.RevenueReceiver{}, errors.Wrapf(err, "receiver %s percentage", r.ID)
	}
	return r, nil
}

func (t *pgTx) InsertReceiver(ctx context.Context, r domain.RevenueReceiver) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO revenue_receivers (id, event_id, email, percentage, approval_status, bank_account, bank_name,
			account_holder, ledger_address, decided_at)
		VALUES ($1, $2, $3, $4::DECIMAL, $5, $6, $7, $8, $9, $10)
	`, r.ID, r.EventID, r.Email, r.Percentage.String(), r.ApprovalStatus, r.BankAccount, r.BankName,
		r.AccountHolder, r.LedgerAddress, r.DecidedAt)
	if err := classify(err); errors.Is(err, domain.ErrConflict) {
		return domain.Conflictf("receiver %s already registered for event", r.Email)
	}
	return err
}

func (t *pgTx) GetReceiver(ctx context.Context, id uuid.UUID) (domain.RevenueReceiver, error) {
	return scanReceiver(t.tx.QueryRow(ctx, `SELECT `+receiverColumns+` FROM revenue_receivers WHERE id = $1`, id))
}

func (t *pgTx) ListReceivers(ctx context.Context, eventID uuid.UUID) ([]domain.RevenueReceiver, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+receiverColumns+` FROM revenue_receivers WHERE event_id = $1 ORDER BY email`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.RevenueReceiver
	for rows.Next() {
		r, err := scanReceiver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) DecideReceiver(ctx context.Context, id uuid.UUID, status domain.ApprovalStatus, at time.Time) error {
	res, err := t.tx.Exec(ctx, `
		UPDATE revenue_receivers SET approval_status = $2, decided_at = $3 WHERE id = $1 AND approval_status = 'PENDING'
	`, id, status, at)
	if err != nil {
		return err
	}
	return t.affected(ctx, res.RowsAffected(), "revenue_receivers", id)
}

func (t *pgTx) SetReceiverAddress(ctx context.Context, id uuid.UUID, address string) error {
	res, err := t.tx.Exec(ctx, `UPDATE revenue_receivers SET ledger_address = $2 WHERE id = $1`, id, address)
	if err != nil {
		return err
	}
	return t.affected(ctx, res.RowsAffected(), "revenue_receivers", id)
}

const withdrawalColumns = `id, receiver_id, event_id, amount, status, ledger_tx_hash, burn_tx_hash, payout_ref,
	failure_step, failure_reason, created_at, updated_at`

func (t *pgTx) InsertWithdrawal(ctx context.Context, w domain.Withdrawal) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, w.ID, w.ReceiverID, w.EventID, w.Amount, w.Status, w.LedgerTxHash, w.BurnTxHash, w.PayoutRef,
		w.FailureStep, w.FailureReason, w.CreatedAt, w.UpdatedAt)
	if err := classify(err); errors.Is(err, domain.ErrConflict) {
		return domain.Conflictf("receiver %s already has a live withdrawal", w.ReceiverID)
	}
	return err
}

func (t *pgTx) ReopenWithdrawal(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := t.tx.Exec(ctx, `
		UPDATE withdrawals SET status = 'PROCESSING', failure_step = '', failure_reason = '', updated_at = $2
		WHERE id = $1 AND status = 'FAILED'
	`, id, at)
	if err := classify(err); errors.Is(err, domain.ErrConflict) {
		return domain.Conflictf("withdrawal %s cannot reopen while another is live", id)
	} else if err != nil {
		return err
	}
	return t.affected(ctx, res.RowsAffected(), "withdrawals", id)
}

func (t *pgTx) FinishWithdrawal(ctx context.Context, w domain.Withdrawal) error {
	res, err := t.tx.Exec(ctx, `
		UPDATE withdrawals SET amount = $2, status = $3, ledger_tx_hash = $4, burn_tx_hash = $5, payout_ref = $6,
			failure_step = $7, failure_reason = $8, updated_at = $9
		WHERE id = $1 AND status = 'PROCESSING'
	`, w.ID, w.Amount, w.Status, w.LedgerTxHash, w.BurnTxHash, w.PayoutRef, w.FailureStep, w.FailureReason, w.UpdatedAt)
	if err != nil {
		return err
	}
	return t.affected(ctx, res.RowsAffected(), "withdrawals", w.ID)
}

func (t *pgTx) ListWithdrawals(ctx context.Context, eventID uuid.UUID) ([]domain.Withdrawal, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE event_id = $1 ORDER BY created_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Withdrawal
	for rows.Next() {
		var w domain.Withdrawal
		err := rows.Scan(&w.ID, &w.ReceiverID, &w.EventID, &w.Amount, &w.Status, &w.LedgerTxHash, &w.BurnTxHash, &w.PayoutRef,
			&w.FailureStep, &w.FailureReason, &w.CreatedAt, &w.UpdatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (t *pgTx) GetSteps(ctx context.Context, orderID uuid.UUID) ([]domain.SettlementStep, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT order_id, name, status, idempotency_key, ref, attempts, last_error, updated_at
		FROM settlement_steps WHERE order_id = $1 ORDER BY name
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SettlementStep
	for rows.Next() {
		var s domain.SettlementStep
		if err := rows.Scan(&s.OrderID, &s.Name, &s.Status, &s.IdempotencyKey, &s.Ref, &s.Attempts, &s.LastError, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) UpsertStep(ctx context.Context, s domain.SettlementStep) error {
	_, err := t.tx.Exec(ctx, `
		UPSERT INTO settlement_steps (order_id, name, status, idempotency_key, ref, attempts, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.OrderID, s.Name, s.Status, s.IdempotencyKey, s.Ref, s.Attempts, s.LastError, s.UpdatedAt)
	return err
}
