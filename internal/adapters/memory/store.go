// Package memory is a process-local Store. Each unit of work runs against a private copy
// of the state under one lock and is swapped in only on success, which gives the same
// all-or-nothing and conditional-write behaviour as the CockroachDB store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/domain"
)

type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{st: s.st.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.st = tx.st
	return nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) GetUnpublishedOutbox(_ context.Context, limit int) ([]domain.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboxRecord
	for _, rec := range s.st.outbox {
		if rec.Status != domain.OutboxNew {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(_ context.Context, id uuid.UUID, publishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.st.outbox {
		if s.st.outbox[i].ID == id {
			at := publishedAt
			s.st.outbox[i].Status = domain.OutboxPublished
			s.st.outbox[i].PublishedAt = &at
			return nil
		}
	}
	return domain.ErrNotFound
}

type state struct {
	orders      map[uuid.UUID]domain.Order
	events      map[uuid.UUID]domain.Event
	ticketTypes map[uuid.UUID]domain.TicketType
	tickets     map[uuid.UUID]domain.Ticket
	blacklist   map[uuid.UUID]domain.BlacklistEntry
	scanLogs    []domain.ScanLog
	offlineKeys map[string]struct{}
	listings    map[uuid.UUID]domain.ResaleListing
	receivers   map[uuid.UUID]domain.RevenueReceiver
	withdrawals map[uuid.UUID]domain.Withdrawal
	steps       map[string]domain.SettlementStep
	outbox      []domain.OutboxRecord
}

func newState() *state {
	return &state{
		orders:      map[uuid.UUID]domain.Order{},
		events:      map[uuid.UUID]domain.Event{},
		ticketTypes: map[uuid.UUID]domain.TicketType{},
		tickets:     map[uuid.UUID]domain.Ticket{},
		blacklist:   map[uuid.UUID]domain.BlacklistEntry{},
		offlineKeys: map[string]struct{}{},
		listings:    map[uuid.UUID]domain.ResaleListing{},
		receivers:   map[uuid.UUID]domain.RevenueReceiver{},
		withdrawals: map[uuid.UUID]domain.Withdrawal{},
		steps:       map[string]domain.SettlementStep{},
	}
}

func (s *state) clone() *state {
	c := &state{
		orders:      copyMap(s.orders),
		events:      copyMap(s.events),
		ticketTypes: copyMap(s.ticketTypes),
		tickets:     copyMap(s.tickets),
		blacklist:   copyMap(s.blacklist),
		scanLogs:    append([]domain.ScanLog(nil), s.scanLogs...),
		offlineKeys: copyMap(s.offlineKeys),
		listings:    copyMap(s.listings),
		receivers:   copyMap(s.receivers),
		withdrawals: copyMap(s.withdrawals),
		steps:       copyMap(s.steps),
		outbox:      append([]domain.OutboxRecord(nil), s.outbox...),
	}
	return c
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type memTx struct {
	st *state
}

func (t *memTx) InsertOrder(_ context.Context, o domain.Order) error {
	if _, ok := t.st.orders[o.ID]; ok {
		return domain.Conflictf("order %s already exists", o.ID)
	}
	t.st.orders[o.ID] = o
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id uuid.UUID) (domain.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (t *memTx) SetOrderProcessorRef(_ context.Context, id uuid.UUID, token, redirectURL string) error {
	o, ok := t.st.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	o.ProcessorToken, o.RedirectURL = token, redirectURL
	t.st.orders[id] = o
	return nil
}

func (t *memTx) MarkOrderPaid(_ context.Context, id uuid.UUID, at time.Time) error {
	o, ok := t.st.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	if o.PaymentStatus != domain.PaymentPending {
		return domain.ErrConflict
	}
	o.PaymentStatus = domain.PaymentPaid
	o.PaidAt = &at
	t.st.orders[id] = o
	return nil
}

func (t *memTx) MarkOrderFailed(_ context.Context, id uuid.UUID, reason string) error {
	o, ok := t.st.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	if o.PaymentStatus != domain.PaymentPending {
		return domain.ErrConflict
	}
	o.PaymentStatus = domain.PaymentFailed
	o.FailureReason = reason
	t.st.orders[id] = o
	return nil
}

func (t *memTx) AttachTicket(_ context.Context, orderID, ticketID uuid.UUID) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return domain.ErrNotFound
	}
	o.TicketID = ticketID
	t.st.orders[orderID] = o
	return nil
}

func (t *memTx) SetOrderSettlement(_ context.Context, id uuid.UUID, status domain.SettlementStatus, assetToken string) error {
	o, ok := t.st.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	o.SettlementStatus = status
	if assetToken != "" {
		o.AssetToken = assetToken
	}
	t.st.orders[id] = o
	return nil
}

func (t *memTx) ListOrdersBySettlement(_ context.Context, status domain.SettlementStatus, limit int) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range t.st.orders {
		if o.SettlementStatus == status {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) ListPaidOrdersByEvent(_ context.Context, eventID uuid.UUID) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range t.st.orders {
		if o.EventID == eventID && o.PaymentStatus == domain.PaymentPaid {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) InsertEvent(_ context.Context, e domain.Event) error {
	if _, ok := t.st.events[e.ID]; ok {
		return domain.Conflictf("event %s already exists", e.ID)
	}
	t.st.events[e.ID] = e
	return nil
}

func (t *memTx) GetEvent(_ context.Context, id uuid.UUID) (domain.Event, error) {
	e, ok := t.st.events[id]
	if !ok {
		return domain.Event{}, domain.ErrNotFound
	}
	return e, nil
}

func (t *memTx) UpdateEventStatus(_ context.Context, id uuid.UUID, from, to domain.EventStatus) error {
	e, ok := t.st.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	if e.Status != from {
		return domain.ErrConflict
	}
	e.Status = to
	t.st.events[id] = e
	return nil
}

func (t *memTx) InsertTicketType(_ context.Context, tt domain.TicketType) error {
	if _, ok := t.st.ticketTypes[tt.ID]; ok {
		return domain.Conflictf("ticket type %s already exists", tt.ID)
	}
	t.st.ticketTypes[tt.ID] = tt
	return nil
}

func (t *memTx) GetTicketType(_ context.Context, id uuid.UUID) (domain.TicketType, error) {
	tt, ok := t.st.ticketTypes[id]
	if !ok {
		return domain.TicketType{}, domain.ErrNotFound
	}
	return tt, nil
}

func (t *memTx) IncrementSold(_ context.Context, id uuid.UUID) error {
	tt, ok := t.st.ticketTypes[id]
	if !ok {
		return domain.ErrNotFound
	}
	if tt.Sold >= tt.Stock {
		return domain.ErrSoldOut
	}
	tt.Sold++
	t.st.ticketTypes[id] = tt
	return nil
}

func (t *memTx) InsertTicket(_ context.Context, tk domain.Ticket) error {
	if _, ok := t.st.tickets[tk.ID]; ok {
		return domain.Conflictf("ticket %s already exists", tk.ID)
	}
	t.st.tickets[tk.ID] = tk
	return nil
}

func (t *memTx) GetTicket(_ context.Context, id uuid.UUID) (domain.Ticket, error) {
	tk, ok := t.st.tickets[id]
	if !ok {
		return domain.Ticket{}, domain.ErrNotFound
	}
	return tk, nil
}

func (t *memTx) ListTicketsByEvent(_ context.Context, eventID uuid.UUID) ([]domain.Ticket, error) {
	var out []domain.Ticket
	for _, tk := range t.st.tickets {
		if tk.EventID == eventID {
			out = append(out, tk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

func (t *memTx) SupersedeTicket(_ context.Context, id, successor uuid.UUID) error {
	tk, ok := t.st.tickets[id]
	if !ok {
		return domain.ErrNotFound
	}
	if tk.Superseded() || tk.IsUsed {
		return domain.ErrConflict
	}
	tk.SupersededBy = successor
	tk.EligibleForResale = false
	t.st.tickets[id] = tk
	return nil
}

func (t *memTx) MarkTicketUsed(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tk, ok := t.st.tickets[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if tk.IsUsed {
		return false, nil
	}
	tk.IsUsed = true
	tk.UsedAt = &at
	t.st.tickets[id] = tk
	return true, nil
}

func (t *memTx) SetTicketAsset(_ context.Context, id uuid.UUID, assetToken string) error {
	tk, ok := t.st.tickets[id]
	if !ok {
		return domain.ErrNotFound
	}
	tk.AssetToken = assetToken
	t.st.tickets[id] = tk
	return nil
}

func (t *memTx) SetTicketClaimed(_ context.Context, id uuid.UUID, wallet string) error {
	tk, ok := t.st.tickets[id]
	if !ok {
		return domain.ErrNotFound
	}
	if tk.ClaimedBy != "" {
		return domain.ErrConflict
	}
	tk.ClaimedBy = wallet
	tk.EligibleForResale = false
	t.st.tickets[id] = tk
	return nil
}

func (t *memTx) InsertBlacklist(_ context.Context, e domain.BlacklistEntry) error {
	if _, ok := t.st.blacklist[e.TicketID]; !ok {
		t.st.blacklist[e.TicketID] = e
	}
	return nil
}

func (t *memTx) IsBlacklisted(_ context.Context, ticketID uuid.UUID) (bool, error) {
	_, ok := t.st.blacklist[ticketID]
	return ok, nil
}

func (t *memTx) ListBlacklist(_ context.Context, eventID uuid.UUID) ([]domain.BlacklistEntry, error) {
	var out []domain.BlacklistEntry
	for _, e := range t.st.blacklist {
		if e.EventID == eventID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) AppendScanLog(_ context.Context, l domain.ScanLog) (bool, error) {
	if l.Source == domain.ScanOffline {
		key := l.TicketID.String() + "|" + l.Device + "|" + l.ScannedAt.UTC().Format(time.RFC3339Nano)
		if _, dup := t.st.offlineKeys[key]; dup {
			return false, nil
		}
		t.st.offlineKeys[key] = struct{}{}
	}
	t.st.scanLogs = append(t.st.scanLogs, l)
	return true, nil
}

func (t *memTx) ListScanLogs(_ context.Context, ticketID uuid.UUID) ([]domain.ScanLog, error) {
	var out []domain.ScanLog
	for _, l := range t.st.scanLogs {
		if l.TicketID == ticketID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (t *memTx) InsertListing(_ context.Context, l domain.ResaleListing) error {
	for _, existing := range t.st.listings {
		if existing.TicketID == l.TicketID && existing.Status == domain.ListingActive {
			return domain.Conflictf("ticket %s already has an active listing", l.TicketID)
		}
	}
	t.st.listings[l.ID] = l
	return nil
}

func (t *memTx) GetListing(_ context.Context, id uuid.UUID) (domain.ResaleListing, error) {
	l, ok := t.st.listings[id]
	if !ok {
		return domain.ResaleListing{}, domain.ErrNotFound
	}
	return l, nil
}

func (t *memTx) UpdateListingStatus(_ context.Context, id uuid.UUID, from, to domain.ListingStatus, at time.Time) error {
	l, ok := t.st.listings[id]
	if !ok {
		return domain.ErrNotFound
	}
	if l.Status != from {
		return domain.ErrConflict
	}
	l.Status = to
	if to == domain.ListingSold {
		l.SoldAt = &at
	}
	t.st.listings[id] = l
	return nil
}

func (t *memTx) InsertReceiver(_ context.Context, r domain.RevenueReceiver) error {
	for _, existing := range t.st.receivers {
		if existing.EventID == r.EventID && existing.Email == r.Email {
			return domain.Conflictf("receiver %s already registered for event", r.Email)
		}
	}
	t.st.receivers[r.ID] = r
	return nil
}

func (t *memTx) GetReceiver(_ context.Context, id uuid.UUID) (domain.RevenueReceiver, error) {
	r, ok := t.st.receivers[id]
	if !ok {
		return domain.RevenueReceiver{}, domain.ErrNotFound
	}
	return r, nil
}

func (t *memTx) ListReceivers(_ context.Context, eventID uuid.UUID) ([]domain.RevenueReceiver, error) {
	var out []domain.RevenueReceiver
	for _, r := range t.st.receivers {
		if r.EventID == eventID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (t *memTx) DecideReceiver(_ context.Context, id uuid.UUID, status domain.ApprovalStatus, at time.Time) error {
	r, ok := t.st.receivers[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.ApprovalStatus != domain.ApprovalPending {
		return domain.ErrConflict
	}
	r.ApprovalStatus = status
	r.DecidedAt = &at
	t.st.receivers[id] = r
	return nil
}

func (t *memTx) SetReceiverAddress(_ context.Context, id uuid.UUID, address string) error {
	r, ok := t.st.receivers[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.LedgerAddress = address
	t.st.receivers[id] = r
	return nil
}

func (t *memTx) InsertWithdrawal(_ context.Context, w domain.Withdrawal) error {
	for _, existing := range t.st.withdrawals {
		if existing.ReceiverID == w.ReceiverID && existing.Status != domain.WithdrawalFailed {
			return domain.Conflictf("receiver %s already has a %s withdrawal", w.ReceiverID, existing.Status)
		}
	}
	t.st.withdrawals[w.ID] = w
	return nil
}

func (t *memTx) ReopenWithdrawal(_ context.Context, id uuid.UUID, at time.Time) error {
	w, ok := t.st.withdrawals[id]
	if !ok {
		return domain.ErrNotFound
	}
	if w.Status != domain.WithdrawalFailed {
		return domain.ErrConflict
	}
	for _, existing := range t.st.withdrawals {
		if existing.ReceiverID == w.ReceiverID && existing.Status != domain.WithdrawalFailed {
			return domain.Conflictf("receiver %s already has a %s withdrawal", w.ReceiverID, existing.Status)
		}
	}
	w.Status = domain.WithdrawalProcessing
	w.FailureStep, w.FailureReason = "", ""
	w.UpdatedAt = at
	t.st.withdrawals[id] = w
	return nil
}

func (t *memTx) FinishWithdrawal(_ context.Context, w domain.Withdrawal) error {
	existing, ok := t.st.withdrawals[w.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if existing.Status != domain.WithdrawalProcessing {
		return domain.ErrConflict
	}
	t.st.withdrawals[w.ID] = w
	return nil
}

func (t *memTx) ListWithdrawals(_ context.Context, eventID uuid.UUID) ([]domain.Withdrawal, error) {
	var out []domain.Withdrawal
	for _, w := range t.st.withdrawals {
		if w.EventID == eventID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) GetSteps(_ context.Context, orderID uuid.UUID) ([]domain.SettlementStep, error) {
	var out []domain.SettlementStep
	for _, s := range t.st.steps {
		if s.OrderID == orderID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *memTx) UpsertStep(_ context.Context, s domain.SettlementStep) error {
	t.st.steps[s.OrderID.String()+"/"+s.Name] = s
	return nil
}

func (t *memTx) InsertOutbox(_ context.Context, rec domain.OutboxRecord) error {
	if rec.Status == "" {
		rec.Status = domain.OutboxNew
	}
	t.st.outbox = append(t.st.outbox, rec)
	return nil
}
