package services

import (
	"context"
	"database/sql"
	"runtime"
	"sync"
	"testing"
	"time"

	"auction/internal/lock"
	"auction/internal/models"
	"auction/internal/store"
	"auction/internal/websocket"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// memState is the whole fake database.
type memState struct {
	customers map[string]bool
	accounts  map[string]models.VirtualAccount
	lots      map[string]models.Lot
	payments  []models.PaymentAttempt
	entries   []store.LedgerEntryInput
	audit     []string
	outbox    []models.OutboxMessage
}

func (s memState) clone() memState {
	out := memState{
		customers: make(map[string]bool, len(s.customers)),
		accounts:  make(map[string]models.VirtualAccount, len(s.accounts)),
		lots:      make(map[string]models.Lot, len(s.lots)),
		payments:  append([]models.PaymentAttempt(nil), s.payments...),
		entries:   append([]store.LedgerEntryInput(nil), s.entries...),
		audit:     append([]string(nil), s.audit...),
		outbox:    append([]models.OutboxMessage(nil), s.outbox...),
	}
	for k, v := range s.customers {
		out.customers[k] = v
	}
	for k, v := range s.accounts {
		out.accounts[k] = v
	}
	for k, v := range s.lots {
		out.lots[k] = v
	}
	return out
}

// memTx is one open unit of work: the row locks it holds and the undo steps
// of its writes.
type memTx struct {
	held []string
	undo []func()
}

// memDB behaves like Postgres for the services: rows read ...ForUpdate stay
// locked until the transaction ends, transactions on other rows run in
// parallel, and a failed transaction undoes only its own writes.
type memDB struct {
	mu    sync.Mutex
	state memState
	txs   map[*sqlx.Tx]*memTx

	rowMu sync.Mutex
	rows  map[string]chan struct{}

	failAudit  error
	failOutbox error
}

func newMemDB() *memDB {
	return &memDB{
		state: memState{
			customers: map[string]bool{},
			accounts:  map[string]models.VirtualAccount{},
			lots:      map[string]models.Lot{},
		},
		txs:  map[*sqlx.Tx]*memTx{},
		rows: map[string]chan struct{}{},
	}
}

func (m *memDB) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &sqlx.Tx{}
	work := &memTx{}
	m.mu.Lock()
	m.txs[tx] = work
	m.mu.Unlock()

	err := fn(tx)

	m.mu.Lock()
	if err != nil {
		for i := len(work.undo) - 1; i >= 0; i-- {
			work.undo[i]()
		}
	}
	delete(m.txs, tx)
	held := work.held
	m.mu.Unlock()
	for _, key := range held {
		<-m.row(key)
	}
	return err
}

func (m *memDB) row(key string) chan struct{} {
	m.rowMu.Lock()
	defer m.rowMu.Unlock()
	ch, ok := m.rows[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.rows[key] = ch
	}
	return ch
}

func txOf(q any) *sqlx.Tx {
	tx, _ := q.(*sqlx.Tx)
	return tx
}

// lockRow blocks until q's transaction holds key. Outside a transaction it
// does nothing.
func (m *memDB) lockRow(q any, key string) {
	m.mu.Lock()
	work := m.txs[txOf(q)]
	if work == nil {
		m.mu.Unlock()
		return
	}
	for _, held := range work.held {
		if held == key {
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()

	m.row(key) <- struct{}{}

	m.mu.Lock()
	work.held = append(work.held, key)
	m.mu.Unlock()
}

// onRollback registers undo with q's transaction. m.mu must be held.
func (m *memDB) onRollback(q any, undo func()) {
	if work := m.txs[txOf(q)]; work != nil {
		work.undo = append(work.undo, undo)
	}
}

// holdRow locks key from a transaction of its own until release is called.
func (m *memDB) holdRow(t *testing.T, key string) (release func()) {
	t.Helper()
	locked := make(chan struct{})
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_ = m.WithTx(context.Background(), func(tx *sqlx.Tx) error {
			m.lockRow(tx, key)
			close(locked)
			<-done
			return nil
		})
	}()
	<-locked
	var once sync.Once
	release = func() {
		once.Do(func() {
			close(done)
			<-finished
		})
	}
	t.Cleanup(release)
	return release
}

func (m *memDB) addCustomer(customerID, accountID string, balance string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.customers[customerID] = true
	if accountID != "" {
		m.state.accounts[accountID] = models.VirtualAccount{
			ID:         accountID,
			CustomerID: customerID,
			Balance:    decimal.RequireFromString(balance),
		}
	}
}

func (m *memDB) balance(accountID string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.accounts[accountID].Balance
}

func (m *memDB) lot(lotID string) models.Lot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.lots[lotID]
}

func (m *memDB) snapshot() memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

type memAccounts struct{ db *memDB }

func (a memAccounts) GetByID(_ context.Context, accountID string) (models.VirtualAccount, error) {
	a.db.mu.Lock()
	defer a.db.mu.Unlock()
	account, ok := a.db.state.accounts[accountID]
	if !ok {
		return models.VirtualAccount{}, sql.ErrNoRows
	}
	return account, nil
}

// GetForUpdate yields after the read so an unlocked read-modify-write would
// interleave with its neighbours.
func (a memAccounts) GetForUpdate(ctx context.Context, tx store.Getter, accountID string) (models.VirtualAccount, error) {
	a.db.lockRow(tx, "account:"+accountID)
	account, err := a.GetByID(ctx, accountID)
	runtime.Gosched()
	return account, err
}

func (a memAccounts) GetByCustomerForUpdate(ctx context.Context, tx store.Getter, customerID string) (models.VirtualAccount, error) {
	a.db.mu.Lock()
	var accountID string
	for _, account := range a.db.state.accounts {
		if account.CustomerID == customerID {
			accountID = account.ID
			break
		}
	}
	a.db.mu.Unlock()
	if accountID == "" {
		return models.VirtualAccount{}, sql.ErrNoRows
	}
	return a.GetForUpdate(ctx, tx, accountID)
}

func (a memAccounts) UpdateBalance(_ context.Context, tx store.Execer, accountID string, balance decimal.Decimal) error {
	a.db.mu.Lock()
	defer a.db.mu.Unlock()
	before := a.db.state.accounts[accountID]
	account := before
	account.Balance = balance
	a.db.state.accounts[accountID] = account
	a.db.onRollback(tx, func() { a.db.state.accounts[accountID] = before })
	return nil
}

type memLedger struct{ db *memDB }

func (l memLedger) InsertEntry(_ context.Context, tx store.Execer, entry store.LedgerEntryInput) error {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	l.db.state.entries = append(l.db.state.entries, entry)
	l.db.onRollback(tx, func() {
		for i, existing := range l.db.state.entries {
			if existing.ID == entry.ID {
				l.db.state.entries = append(l.db.state.entries[:i], l.db.state.entries[i+1:]...)
				return
			}
		}
	})
	return nil
}

type memLots struct{ db *memDB }

func (l memLots) Create(_ context.Context, tx store.Execer, lot models.Lot) error {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	l.db.state.lots[lot.ID] = lot
	l.db.onRollback(tx, func() { delete(l.db.state.lots, lot.ID) })
	return nil
}

func (l memLots) GetByID(_ context.Context, lotID string) (models.Lot, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	lot, ok := l.db.state.lots[lotID]
	if !ok {
		return models.Lot{}, sql.ErrNoRows
	}
	return lot, nil
}

func (l memLots) GetForUpdate(ctx context.Context, tx store.Getter, lotID string) (models.Lot, error) {
	l.db.lockRow(tx, "lot:"+lotID)
	return l.GetByID(ctx, lotID)
}

// UpdateState mirrors the SQL: owner untouched, trade result write-once.
func (l memLots) UpdateState(_ context.Context, tx store.Execer, lot models.Lot) (int64, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	current, ok := l.db.state.lots[lot.ID]
	if !ok {
		return 0, nil
	}
	next := lot
	next.OwnerID = current.OwnerID
	if current.TradeWinnerID != nil {
		next.TradeWinnerID = current.TradeWinnerID
	}
	if current.FinalPrice.Valid {
		next.FinalPrice = current.FinalPrice
	}
	l.db.state.lots[lot.ID] = next
	l.db.onRollback(tx, func() { l.db.state.lots[lot.ID] = current })
	return 1, nil
}

type memPayments struct{ db *memDB }

// Create enforces the one-unfinished-attempt-per-lot index.
func (p memPayments) Create(_ context.Context, tx store.Execer, attempt models.PaymentAttempt) error {
	p.db.mu.Lock()
	defer p.db.mu.Unlock()
	for _, existing := range p.db.state.payments {
		if existing.LotID == attempt.LotID && !existing.Finished {
			return &pq.Error{Code: "23505"}
		}
	}
	p.db.state.payments = append(p.db.state.payments, attempt)
	p.db.onRollback(tx, func() {
		for i, existing := range p.db.state.payments {
			if existing.ID == attempt.ID {
				p.db.state.payments = append(p.db.state.payments[:i], p.db.state.payments[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (p memPayments) Update(_ context.Context, tx store.Execer, attempt models.PaymentAttempt) (int64, error) {
	p.db.mu.Lock()
	defer p.db.mu.Unlock()
	for i, existing := range p.db.state.payments {
		if existing.ID == attempt.ID {
			if existing.Finished {
				return 0, nil
			}
			p.db.state.payments[i] = attempt
			p.db.onRollback(tx, func() {
				for j := range p.db.state.payments {
					if p.db.state.payments[j].ID == existing.ID {
						p.db.state.payments[j] = existing
					}
				}
			})
			return 1, nil
		}
	}
	return 0, nil
}

func (p memPayments) GetActiveForUpdate(_ context.Context, tx store.Getter, lotID string) (models.PaymentAttempt, error) {
	active, ok := p.active(lotID)
	if !ok {
		return models.PaymentAttempt{}, sql.ErrNoRows
	}
	p.db.lockRow(tx, "payment:"+active.ID)
	if active, ok = p.active(lotID); !ok {
		return models.PaymentAttempt{}, sql.ErrNoRows
	}
	return active, nil
}

func (p memPayments) active(lotID string) (models.PaymentAttempt, bool) {
	p.db.mu.Lock()
	defer p.db.mu.Unlock()
	for _, existing := range p.db.state.payments {
		if existing.LotID == lotID && !existing.Finished {
			return existing, true
		}
	}
	return models.PaymentAttempt{}, false
}

func (p memPayments) ListByLot(_ context.Context, lotID string) ([]models.PaymentAttempt, error) {
	p.db.mu.Lock()
	defer p.db.mu.Unlock()
	var out []models.PaymentAttempt
	for _, existing := range p.db.state.payments {
		if existing.LotID == lotID {
			out = append(out, existing)
		}
	}
	return out, nil
}

type memCustomers struct{ db *memDB }

func (c memCustomers) Exists(_ context.Context, _ store.Getter, customerID string) (bool, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	return c.db.state.customers[customerID], nil
}

type memAudit struct{ db *memDB }

func (a memAudit) Log(_ context.Context, tx store.Execer, _, action, _, _ string, _ []byte) error {
	a.db.mu.Lock()
	defer a.db.mu.Unlock()
	if a.db.failAudit != nil {
		return a.db.failAudit
	}
	a.db.state.audit = append(a.db.state.audit, action)
	a.db.onRollback(tx, func() {
		for i := len(a.db.state.audit) - 1; i >= 0; i-- {
			if a.db.state.audit[i] == action {
				a.db.state.audit = append(a.db.state.audit[:i], a.db.state.audit[i+1:]...)
				return
			}
		}
	})
	return nil
}

type memOutbox struct{ db *memDB }

func (o memOutbox) Insert(_ context.Context, tx store.Execer, msg models.OutboxMessage) error {
	o.db.mu.Lock()
	defer o.db.mu.Unlock()
	if o.db.failOutbox != nil {
		return o.db.failOutbox
	}
	o.db.state.outbox = append(o.db.state.outbox, msg)
	o.db.onRollback(tx, func() {
		for i, existing := range o.db.state.outbox {
			if existing.ID == msg.ID {
				o.db.state.outbox = append(o.db.state.outbox[:i], o.db.state.outbox[i+1:]...)
				return
			}
		}
	})
	return nil
}

type recordingHub struct {
	mu      sync.Mutex
	updates []websocket.BalanceUpdate
}

func (h *recordingHub) BroadcastBalance(_ string, update websocket.BalanceUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, update)
}

func (h *recordingHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.updates)
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db      *memDB
	hub     *recordingHub
	locker  *lock.Local
	ledger  *Ledger
	service *AuctionService
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	mem := newMemDB()
	hub := &recordingHub{}
	locker := lock.NewLocal(time.Second)
	ledger := NewLedger(mem, memAccounts{mem}, memLedger{mem}, memAudit{mem}, hub, zap.NewNop())
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	service := NewAuctionService(mem, locker, memLots{mem}, memPayments{mem}, memCustomers{mem}, memAudit{mem}, memOutbox{mem}, ledger, zap.NewNop(), opts...)
	return fixture{db: mem, hub: hub, locker: locker, ledger: ledger, service: service}
}

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func strPtr(value string) *string {
	return &value
}
