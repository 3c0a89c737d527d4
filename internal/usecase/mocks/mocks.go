package mocks

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
)

// versioned is an in-memory table of entities guarded by an optimistic
// version. Values are copied in and out so callers never share rows.
type versioned[T any] struct {
	mu       sync.RWMutex
	rows     map[string]*T
	notFound error
	entity   string
	id       func(*T) string
	version  func(*T) *int64
}

func newVersioned[T any](entity string, notFound error, id func(*T) string, version func(*T) *int64) *versioned[T] {
	return &versioned[T]{
		rows:     make(map[string]*T),
		notFound: notFound,
		entity:   entity,
		id:       id,
		version:  version,
	}
}

func (s *versioned[T]) put(v *T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *v
	s.rows[s.id(v)] = &c
}

func (s *versioned[T]) get(id string) (*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.rows[id]
	if !ok {
		return nil, s.notFound
	}
	c := *v
	return &c, nil
}

func (s *versioned[T]) update(v *T, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.rows[s.id(v)]
	if !ok {
		return s.notFound
	}
	if current := *s.version(stored); current != expected {
		return &domain.StaleRecordError{Entity: s.entity, ID: s.id(v), ExpectedVersion: expected, CurrentVersion: current}
	}
	*s.version(v) = expected + 1
	c := *v
	s.rows[s.id(v)] = &c
	return nil
}

func (s *versioned[T]) find(match func(*T) bool) []*T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*T
	for _, v := range s.rows {
		if match(v) {
			c := *v
			out = append(out, &c)
		}
	}
	return out
}

func limited[T any](rows []*T, limit int) []*T {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}

func (s *versioned[T]) currentVersion(id string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.rows[id]
	if !ok {
		return 0, s.notFound
	}
	return *s.version(v), nil
}

// MockLedgerEntryRepository is an in-memory LedgerEntryRepository.
type MockLedgerEntryRepository struct {
	mu      sync.RWMutex
	entries []*domain.LedgerEntry

	InsertFunc func(ctx context.Context, tx usecase.Transaction, entry *domain.LedgerEntry) (bool, error)
}

func NewMockLedgerEntryRepository() *MockLedgerEntryRepository {
	return &MockLedgerEntryRepository{}
}

func (m *MockLedgerEntryRepository) Insert(ctx context.Context, tx usecase.Transaction, entry *domain.LedgerEntry) (bool, error) {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, tx, entry)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.IdempotencyKey == entry.IdempotencyKey {
			return false, nil
		}
	}
	c := *entry
	m.entries = append(m.entries, &c)
	return true, nil
}

func (m *MockLedgerEntryRepository) GetByIdempotencyKey(ctx context.Context, tx usecase.Transaction, key string) (*domain.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.IdempotencyKey == key {
			c := *e
			return &c, nil
		}
	}
	return nil, domain.ErrEntryNotFound
}

func (m *MockLedgerEntryRepository) GetByID(ctx context.Context, id string) (*domain.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.ID == id {
			c := *e
			return &c, nil
		}
	}
	return nil, domain.ErrEntryNotFound
}

func (m *MockLedgerEntryRepository) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.LedgerEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.DebitAccountID == accountID || e.CreditAccountID == accountID {
			out = append(out, e)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockLedgerEntryRepository) ListByReference(ctx context.Context, referenceType, referenceID string) ([]*domain.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.LedgerEntry
	for _, e := range m.entries {
		if e.ReferenceType == referenceType && e.ReferenceID == referenceID {
			out = append(out, e)
		}
	}
	return out, nil
}

// All returns every stored entry in insertion order.
func (m *MockLedgerEntryRepository) All() []*domain.LedgerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.entries)
}

func (m *MockLedgerEntryRepository) balance(accountID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var b int64
	for _, e := range m.entries {
		if e.CreditAccountID == accountID {
			b += e.AmountCents
		}
		if e.DebitAccountID == accountID {
			b -= e.AmountCents
		}
	}
	return b
}

// MockLedgerAccountRepository is an in-memory LedgerAccountRepository whose
// balances are derived from the linked entry repository.
type MockLedgerAccountRepository struct {
	mu       sync.RWMutex
	accounts map[string]*domain.LedgerAccount
	entries  *MockLedgerEntryRepository

	GetByIDsForUpdateFunc func(ctx context.Context, tx usecase.Transaction, ids []string) ([]*domain.LedgerAccount, error)
}

func NewMockLedgerAccountRepository(entries *MockLedgerEntryRepository) *MockLedgerAccountRepository {
	return &MockLedgerAccountRepository{
		accounts: make(map[string]*domain.LedgerAccount),
		entries:  entries,
	}
}

func (m *MockLedgerAccountRepository) GetOrCreate(ctx context.Context, tx usecase.Transaction, account *domain.LedgerAccount) (*domain.LedgerAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Type == account.Type && a.OwnerID == account.OwnerID && a.Currency == account.Currency {
			return a, nil
		}
	}
	c := *account
	m.accounts[c.ID] = &c
	return &c, nil
}

func (m *MockLedgerAccountRepository) GetByID(ctx context.Context, id string) (*domain.LedgerAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.accounts[id]; ok {
		return a, nil
	}
	return nil, domain.ErrAccountNotFound
}

func (m *MockLedgerAccountRepository) GetByIDsForUpdate(ctx context.Context, tx usecase.Transaction, ids []string) ([]*domain.LedgerAccount, error) {
	if m.GetByIDsForUpdateFunc != nil {
		return m.GetByIDsForUpdateFunc(ctx, tx, ids)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.LedgerAccount
	for _, id := range ids {
		if a, ok := m.accounts[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MockLedgerAccountRepository) GetBalance(ctx context.Context, id string) (int64, error) {
	return m.entries.balance(id), nil
}

func (m *MockLedgerAccountRepository) GetBalanceTx(ctx context.Context, tx usecase.Transaction, id string) (int64, error) {
	return m.entries.balance(id), nil
}

func (m *MockLedgerAccountRepository) List(ctx context.Context, limit, offset int) ([]*domain.LedgerAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.LedgerAccount
	for _, a := range m.accounts {
		out = append(out, a)
	}
	return out, nil
}

// Find returns the account for (type, owner, currency) or nil.
func (m *MockLedgerAccountRepository) Find(accountType domain.AccountType, ownerID, currency string) *domain.LedgerAccount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.accounts {
		if a.Type == accountType && a.OwnerID == ownerID && a.Currency == currency {
			return a
		}
	}
	return nil
}

// Balance returns the derived balance of the (type, owner, currency) account, or 0.
func (m *MockLedgerAccountRepository) Balance(accountType domain.AccountType, ownerID, currency string) int64 {
	a := m.Find(accountType, ownerID, currency)
	if a == nil {
		return 0
	}
	return m.entries.balance(a.ID)
}

// MockLedgerRepository computes ledger-wide aggregates over the in-memory stores.
type MockLedgerRepository struct {
	accounts *MockLedgerAccountRepository
	entries  *MockLedgerEntryRepository

	TotalsByCurrencyFunc func(ctx context.Context) ([]domain.CurrencyTotals, error)
}

func NewMockLedgerRepository(accounts *MockLedgerAccountRepository, entries *MockLedgerEntryRepository) *MockLedgerRepository {
	return &MockLedgerRepository{accounts: accounts, entries: entries}
}

func (m *MockLedgerRepository) TotalsByCurrency(ctx context.Context) ([]domain.CurrencyTotals, error) {
	if m.TotalsByCurrencyFunc != nil {
		return m.TotalsByCurrencyFunc(ctx)
	}
	byCurrency := map[string]*domain.CurrencyTotals{}
	for _, e := range m.entries.All() {
		t, ok := byCurrency[e.Currency]
		if !ok {
			t = &domain.CurrencyTotals{Currency: e.Currency}
			byCurrency[e.Currency] = t
		}
		t.TotalDebits += e.AmountCents
		t.TotalCredits += e.AmountCents
		t.EntryCount++
	}
	var out []domain.CurrencyTotals
	for _, t := range byCurrency {
		out = append(out, *t)
	}
	return out, nil
}

func (m *MockLedgerRepository) CountCurrencyMismatches(ctx context.Context) (int64, error) {
	var n int64
	for _, e := range m.entries.All() {
		debit, err1 := m.accounts.GetByID(ctx, e.DebitAccountID)
		credit, err2 := m.accounts.GetByID(ctx, e.CreditAccountID)
		if err1 != nil || err2 != nil || debit.Currency != e.Currency || credit.Currency != e.Currency {
			n++
		}
	}
	return n, nil
}

func (m *MockLedgerRepository) ListNegativeBalances(ctx context.Context) ([]string, error) {
	accounts, _ := m.accounts.List(ctx, 0, 0)
	var out []string
	for _, a := range accounts {
		if !a.AllowNegative && m.entries.balance(a.ID) < 0 {
			out = append(out, a.ID)
		}
	}
	return out, nil
}

// MockPaymentOrderRepository is an in-memory PaymentOrderRepository.
type MockPaymentOrderRepository struct {
	store *versioned[domain.PaymentOrder]

	UpdateFunc func(ctx context.Context, tx usecase.Transaction, order *domain.PaymentOrder, expectedVersion int64) error
}

func NewMockPaymentOrderRepository() *MockPaymentOrderRepository {
	return &MockPaymentOrderRepository{
		store: newVersioned(domain.EntityPaymentOrder, domain.ErrPaymentOrderNotFound,
			func(o *domain.PaymentOrder) string { return o.ID },
			func(o *domain.PaymentOrder) *int64 { return &o.Version }),
	}
}

func (m *MockPaymentOrderRepository) Create(ctx context.Context, tx usecase.Transaction, order *domain.PaymentOrder) error {
	m.store.put(order)
	return nil
}

func (m *MockPaymentOrderRepository) GetByID(ctx context.Context, id string) (*domain.PaymentOrder, error) {
	return m.store.get(id)
}

func (m *MockPaymentOrderRepository) GetByIDForUpdate(ctx context.Context, tx usecase.Transaction, id string) (*domain.PaymentOrder, error) {
	return m.store.get(id)
}

func (m *MockPaymentOrderRepository) GetByProcessorPaymentID(ctx context.Context, processorID string) (*domain.PaymentOrder, error) {
	found := m.store.find(func(o *domain.PaymentOrder) bool { return o.ProcessorPaymentID == processorID })
	if len(found) == 0 {
		return nil, domain.ErrPaymentOrderNotFound
	}
	return found[0], nil
}

func (m *MockPaymentOrderRepository) Update(ctx context.Context, tx usecase.Transaction, order *domain.PaymentOrder, expectedVersion int64) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, tx, order, expectedVersion)
	}
	return m.store.update(order, expectedVersion)
}

func (m *MockPaymentOrderRepository) ListByStates(ctx context.Context, states []domain.PaymentOrderState, createdSince time.Time, limit int) ([]*domain.PaymentOrder, error) {
	out := m.store.find(func(o *domain.PaymentOrder) bool {
		return slices.Contains(states, o.State) && !o.CreatedAt.Before(createdSince)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockPaymentOrderRepository) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*domain.PaymentOrder, error) {
	return limited(m.store.find(func(o *domain.PaymentOrder) bool { return o.HoldExpired(now) }), limit), nil
}

// Put stores order as-is, bypassing version checks.
func (m *MockPaymentOrderRepository) Put(order *domain.PaymentOrder) {
	m.store.put(order)
}

// MockPayoutRepository is an in-memory PayoutRepository.
type MockPayoutRepository struct {
	store *versioned[domain.Payout]

	UpdateFunc func(ctx context.Context, tx usecase.Transaction, payout *domain.Payout, expectedVersion int64) error
}

func NewMockPayoutRepository() *MockPayoutRepository {
	return &MockPayoutRepository{
		store: newVersioned(domain.EntityPayout, domain.ErrPayoutNotFound,
			func(p *domain.Payout) string { return p.ID },
			func(p *domain.Payout) *int64 { return &p.Version }),
	}
}

func (m *MockPayoutRepository) Create(ctx context.Context, tx usecase.Transaction, payout *domain.Payout) error {
	m.store.put(payout)
	return nil
}

func (m *MockPayoutRepository) GetByID(ctx context.Context, id string) (*domain.Payout, error) {
	return m.store.get(id)
}

func (m *MockPayoutRepository) GetByIDForUpdate(ctx context.Context, tx usecase.Transaction, id string) (*domain.Payout, error) {
	return m.store.get(id)
}

func (m *MockPayoutRepository) GetByProcessorTransferID(ctx context.Context, transferID string) (*domain.Payout, error) {
	found := m.store.find(func(p *domain.Payout) bool { return p.ProcessorTransferID == transferID })
	if len(found) == 0 {
		return nil, domain.ErrPayoutNotFound
	}
	return found[0], nil
}

func (m *MockPayoutRepository) ListByPaymentOrder(ctx context.Context, tx usecase.Transaction, paymentOrderID string) ([]*domain.Payout, error) {
	return m.store.find(func(p *domain.Payout) bool { return p.PaymentOrderID == paymentOrderID }), nil
}

func (m *MockPayoutRepository) Update(ctx context.Context, tx usecase.Transaction, payout *domain.Payout, expectedVersion int64) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, tx, payout, expectedVersion)
	}
	return m.store.update(payout, expectedVersion)
}

func (m *MockPayoutRepository) ListByStates(ctx context.Context, states []domain.PayoutState, createdSince time.Time, limit int) ([]*domain.Payout, error) {
	out := m.store.find(func(p *domain.Payout) bool {
		return slices.Contains(states, p.State) && !p.CreatedAt.Before(createdSince)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockPayoutRepository) ListDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*domain.Payout, error) {
	return limited(m.store.find(func(p *domain.Payout) bool {
		if p.State == domain.PayoutPending && p.UpdatedAt.After(staleBefore) {
			return false
		}
		return p.Due(now)
	}), limit), nil
}

func (m *MockPayoutRepository) ListFailed(ctx context.Context, limit int) ([]*domain.Payout, error) {
	return limited(m.store.find(func(p *domain.Payout) bool { return p.State == domain.PayoutFailed }), limit), nil
}

// Put stores payout as-is, bypassing version checks.
func (m *MockPayoutRepository) Put(payout *domain.Payout) {
	m.store.put(payout)
}

// MockRefundRepository is an in-memory RefundRepository.
type MockRefundRepository struct {
	store *versioned[domain.Refund]
}

func NewMockRefundRepository() *MockRefundRepository {
	return &MockRefundRepository{
		store: newVersioned(domain.EntityRefund, domain.ErrRefundNotFound,
			func(r *domain.Refund) string { return r.ID },
			func(r *domain.Refund) *int64 { return &r.Version }),
	}
}

func (m *MockRefundRepository) Create(ctx context.Context, tx usecase.Transaction, refund *domain.Refund) error {
	m.store.put(refund)
	return nil
}

func (m *MockRefundRepository) GetByID(ctx context.Context, id string) (*domain.Refund, error) {
	return m.store.get(id)
}

func (m *MockRefundRepository) GetByIDForUpdate(ctx context.Context, tx usecase.Transaction, id string) (*domain.Refund, error) {
	return m.store.get(id)
}

func (m *MockRefundRepository) GetByProcessorRefundID(ctx context.Context, processorRefundID string) (*domain.Refund, error) {
	found := m.store.find(func(r *domain.Refund) bool { return r.ProcessorRefundID == processorRefundID })
	if len(found) == 0 {
		return nil, domain.ErrRefundNotFound
	}
	return found[0], nil
}

func (m *MockRefundRepository) ListByPaymentOrder(ctx context.Context, tx usecase.Transaction, paymentOrderID string) ([]*domain.Refund, error) {
	return m.store.find(func(r *domain.Refund) bool { return r.PaymentOrderID == paymentOrderID }), nil
}

func (m *MockRefundRepository) Update(ctx context.Context, tx usecase.Transaction, refund *domain.Refund, expectedVersion int64) error {
	return m.store.update(refund, expectedVersion)
}

func (m *MockRefundRepository) ListStaleRequested(ctx context.Context, before time.Time, limit int) ([]*domain.Refund, error) {
	return limited(m.store.find(func(r *domain.Refund) bool {
		return r.State == domain.RefundRequested && !r.UpdatedAt.After(before)
	}), limit), nil
}

// Put stores refund as-is, bypassing version checks.
func (m *MockRefundRepository) Put(refund *domain.Refund) {
	m.store.put(refund)
}

// MockSubscriptionRepository is an in-memory SubscriptionRepository.
type MockSubscriptionRepository struct {
	store *versioned[domain.Subscription]
}

func NewMockSubscriptionRepository() *MockSubscriptionRepository {
	return &MockSubscriptionRepository{
		store: newVersioned(domain.EntitySubscription, domain.ErrSubscriptionNotFound,
			func(s *domain.Subscription) string { return s.ID },
			func(s *domain.Subscription) *int64 { return &s.Version }),
	}
}

func (m *MockSubscriptionRepository) Create(ctx context.Context, tx usecase.Transaction, sub *domain.Subscription) error {
	m.store.put(sub)
	return nil
}

func (m *MockSubscriptionRepository) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	return m.store.get(id)
}

func (m *MockSubscriptionRepository) GetByIDForUpdate(ctx context.Context, tx usecase.Transaction, id string) (*domain.Subscription, error) {
	return m.store.get(id)
}

func (m *MockSubscriptionRepository) GetByProcessorSubscriptionID(ctx context.Context, processorID string) (*domain.Subscription, error) {
	found := m.store.find(func(s *domain.Subscription) bool { return s.ProcessorSubscriptionID == processorID })
	if len(found) == 0 {
		return nil, domain.ErrSubscriptionNotFound
	}
	return found[0], nil
}

func (m *MockSubscriptionRepository) Update(ctx context.Context, tx usecase.Transaction, sub *domain.Subscription, expectedVersion int64) error {
	return m.store.update(sub, expectedVersion)
}

// MockVersionChecker checks versions against the in-memory repositories.
type MockVersionChecker struct {
	Orders  *MockPaymentOrderRepository
	Payouts *MockPayoutRepository

	CheckVersionFunc func(ctx context.Context, tx usecase.Transaction, table, id string, expected int64) error
}

func (m *MockVersionChecker) CheckVersion(ctx context.Context, tx usecase.Transaction, table, id string, expected int64) error {
	if m.CheckVersionFunc != nil {
		return m.CheckVersionFunc(ctx, tx, table, id, expected)
	}

	var current int64
	var err error
	switch {
	case table == usecase.TablePaymentOrders && m.Orders != nil:
		current, err = m.Orders.store.currentVersion(id)
	case table == usecase.TablePayouts && m.Payouts != nil:
		current, err = m.Payouts.store.currentVersion(id)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	if current != expected {
		return &domain.StaleRecordError{Entity: table, ID: id, ExpectedVersion: expected, CurrentVersion: current}
	}
	return nil
}

// MockWebhookEventRepository is an in-memory WebhookEventRepository.
type MockWebhookEventRepository struct {
	mu     sync.RWMutex
	events map[string]*domain.WebhookEvent

	UpdateFunc func(ctx context.Context, event *domain.WebhookEvent) error
}

func NewMockWebhookEventRepository() *MockWebhookEventRepository {
	return &MockWebhookEventRepository{events: make(map[string]*domain.WebhookEvent)}
}

func (m *MockWebhookEventRepository) GetOrCreate(ctx context.Context, event *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ExternalID == event.ExternalID {
			c := *e
			return &c, false, nil
		}
	}
	c := *event
	m.events[c.ID] = &c
	out := c
	return &out, true, nil
}

func (m *MockWebhookEventRepository) GetByID(ctx context.Context, id string) (*domain.WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.events[id]; ok {
		c := *e
		return &c, nil
	}
	return nil, domain.ErrWebhookEventNotFound
}

func (m *MockWebhookEventRepository) Update(ctx context.Context, event *domain.WebhookEvent) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, event)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[event.ID]; !ok {
		return domain.ErrWebhookEventNotFound
	}
	c := *event
	m.events[event.ID] = &c
	return nil
}

func (m *MockWebhookEventRepository) ListRetryable(ctx context.Context, maxRetries, limit int) ([]*domain.WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.WebhookEvent
	for _, e := range m.events {
		if e.Status == domain.WebhookFailed && e.RetryCount < maxRetries && len(out) < limit {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MockWebhookEventRepository) FailStuck(ctx context.Context, olderThan time.Time, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.events {
		if e.Status == domain.WebhookProcessing && e.UpdatedAt.Before(olderThan) {
			e.MarkFailed(time.Now().UTC(), message)
			n++
		}
	}
	return n, nil
}

// Put stores event as-is.
func (m *MockWebhookEventRepository) Put(event *domain.WebhookEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *event
	m.events[event.ID] = &c
}

// MockReconciliationRepository is an in-memory ReconciliationRepository.
type MockReconciliationRepository struct {
	mu            sync.RWMutex
	runs          map[string]*domain.ReconciliationRun
	discrepancies []*domain.ReconciliationDiscrepancy
}

func NewMockReconciliationRepository() *MockReconciliationRepository {
	return &MockReconciliationRepository{runs: make(map[string]*domain.ReconciliationRun)}
}

func (m *MockReconciliationRepository) CreateRun(ctx context.Context, run *domain.ReconciliationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *run
	m.runs[run.ID] = &c
	return nil
}

func (m *MockReconciliationRepository) UpdateRun(ctx context.Context, run *domain.ReconciliationRun) error {
	return m.CreateRun(ctx, run)
}

func (m *MockReconciliationRepository) GetRun(ctx context.Context, id string) (*domain.ReconciliationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.runs[id]; ok {
		c := *r
		return &c, nil
	}
	return nil, domain.ErrRunNotFound
}

func (m *MockReconciliationRepository) CreateDiscrepancy(ctx context.Context, d *domain.ReconciliationDiscrepancy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *d
	m.discrepancies = append(m.discrepancies, &c)
	return nil
}

func (m *MockReconciliationRepository) GetDiscrepancy(ctx context.Context, id string) (*domain.ReconciliationDiscrepancy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.discrepancies {
		if d.ID == id {
			c := *d
			return &c, nil
		}
	}
	return nil, domain.ErrDiscrepancyNotFound
}

func (m *MockReconciliationRepository) UpdateDiscrepancy(ctx context.Context, d *domain.ReconciliationDiscrepancy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.discrepancies {
		if existing.ID == d.ID {
			c := *d
			m.discrepancies[i] = &c
			return nil
		}
	}
	return domain.ErrDiscrepancyNotFound
}

func (m *MockReconciliationRepository) ListDiscrepancies(ctx context.Context, filter domain.DiscrepancyFilter) ([]*domain.ReconciliationDiscrepancy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ReconciliationDiscrepancy
	for _, d := range m.discrepancies {
		if filter.RunID != "" && d.RunID != filter.RunID {
			continue
		}
		if filter.Resolution != "" && d.Resolution != filter.Resolution {
			continue
		}
		if filter.UnreviewedOnly && d.Reviewed {
			continue
		}
		c := *d
		out = append(out, &c)
	}
	return out, nil
}

// MockOutboxRepository records outbox events in memory.
type MockOutboxRepository struct {
	mu     sync.RWMutex
	events []*domain.OutboxEvent

	CreateFunc func(ctx context.Context, tx usecase.Transaction, event *domain.OutboxEvent) error
}

func NewMockOutboxRepository() *MockOutboxRepository {
	return &MockOutboxRepository{}
}

func (m *MockOutboxRepository) Create(ctx context.Context, tx usecase.Transaction, event *domain.OutboxEvent) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, tx, event)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MockOutboxRepository) GetUnpublished(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.OutboxEvent
	for _, e := range m.events {
		if !e.Published && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockOutboxRepository) MarkPublished(ctx context.Context, id string, publishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id {
			e.Published = true
			e.PublishedAt = &publishedAt
		}
	}
	return nil
}

func (m *MockOutboxRepository) GetByAggregate(ctx context.Context, aggregateType, aggregateID string, limit, offset int) ([]*domain.OutboxEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.OutboxEvent
	for _, e := range m.events {
		if e.AggregateType == aggregateType && e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockOutboxRepository) DeletePublished(ctx context.Context, before time.Time) error {
	return nil
}

// EventTypes lists the recorded event types in order.
func (m *MockOutboxRepository) EventTypes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.EventType)
	}
	return out
}

// MockTransactionManager is a mock implementation of TransactionManager.
type MockTransactionManager struct {
	BeginFunc func(ctx context.Context) (usecase.Transaction, error)

	mu      sync.Mutex
	commits int
}

func NewMockTransactionManager() *MockTransactionManager {
	return &MockTransactionManager{}
}

func (m *MockTransactionManager) Begin(ctx context.Context) (usecase.Transaction, error) {
	if m.BeginFunc != nil {
		return m.BeginFunc(ctx)
	}
	return &MockTransaction{
		CommitFunc: func(context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.commits++
			return nil
		},
	}, nil
}

// Commits reports how many transactions were committed.
func (m *MockTransactionManager) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// MockTransaction is a mock implementation of Transaction.
type MockTransaction struct {
	CommitFunc   func(ctx context.Context) error
	RollbackFunc func(ctx context.Context) error
}

func (m *MockTransaction) Commit(ctx context.Context) error {
	if m.CommitFunc != nil {
		return m.CommitFunc(ctx)
	}
	return nil
}

func (m *MockTransaction) Rollback(ctx context.Context) error {
	if m.RollbackFunc != nil {
		return m.RollbackFunc(ctx)
	}
	return nil
}

// MockIDGenerator is a mock implementation of IDGenerator.
type MockIDGenerator struct {
	GenerateFunc func() string
	counter      int
	mu           sync.Mutex
}

func NewMockIDGenerator() *MockIDGenerator {
	return &MockIDGenerator{}
}

func (m *MockIDGenerator) Generate() string {
	if m.GenerateFunc != nil {
		return m.GenerateFunc()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	return fmt.Sprintf("mock-id-%04d", m.counter)
}

// MockLockManager hands out process-local locks.
type MockLockManager struct {
	mu   sync.Mutex
	held map[string]bool

	// Acquired lists every key acquired, in order.
	Acquired []string
}

func NewMockLockManager() *MockLockManager {
	return &MockLockManager{held: make(map[string]bool)}
}

func (m *MockLockManager) NewLock(key string, opts usecase.LockOptions) usecase.DistributedLock {
	return &MockLock{manager: m, key: key, opts: opts}
}

// Hold marks key as taken by someone else.
func (m *MockLockManager) Hold(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[key] = true
}

// MockLock is a lock from MockLockManager. A held key fails immediately.
type MockLock struct {
	manager *MockLockManager
	key     string
	opts    usecase.LockOptions
	owned   bool
}

func (l *MockLock) Key() string { return l.key }

func (l *MockLock) Acquire(ctx context.Context) (bool, error) {
	l.manager.mu.Lock()
	defer l.manager.mu.Unlock()
	if l.manager.held[l.key] {
		if l.opts.Blocking {
			return false, &domain.LockAcquisitionError{Key: l.key, Timeout: l.opts.Timeout}
		}
		return false, nil
	}
	l.manager.held[l.key] = true
	l.manager.Acquired = append(l.manager.Acquired, l.key)
	l.owned = true
	return true, nil
}

func (l *MockLock) Release(ctx context.Context) (bool, error) {
	l.manager.mu.Lock()
	defer l.manager.mu.Unlock()
	if !l.owned {
		return false, nil
	}
	delete(l.manager.held, l.key)
	l.owned = false
	return true, nil
}

func (l *MockLock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	return l.owned, nil
}

// MockIdempotencyStore is a mock implementation of IdempotencyStore.
type MockIdempotencyStore struct {
	mu   sync.RWMutex
	data map[string][]byte

	CheckAndSetFunc func(ctx context.Context, key string, response []byte, ttl time.Duration) (bool, []byte, error)
	UpdateFunc      func(ctx context.Context, key string, response []byte, ttl time.Duration) error
}

func NewMockIdempotencyStore() *MockIdempotencyStore {
	return &MockIdempotencyStore{
		data: make(map[string][]byte),
	}
}

func (m *MockIdempotencyStore) CheckAndSet(ctx context.Context, key string, response []byte, ttl time.Duration) (bool, []byte, error) {
	if m.CheckAndSetFunc != nil {
		return m.CheckAndSetFunc(ctx, key, response, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.data[key]; ok {
		return true, existing, nil
	}
	if response != nil {
		m.data[key] = response
	} else {
		m.data[key] = []byte("processing")
	}
	return false, nil, nil
}

func (m *MockIdempotencyStore) Update(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, key, response, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = response
	return nil
}

func (m *MockIdempotencyStore) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Stored returns the raw value held for key.
func (m *MockIdempotencyStore) Stored(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}
