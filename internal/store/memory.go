package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iurnickita/paycore/internal/model"
)

// keyedMutex - блокировка на уровне одного ключа (платежа, номинала)
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

type lease struct {
	holder  string
	expires time.Time
}

type memStore struct {
	mu sync.RWMutex

	orders        map[string]model.Order
	payments      map[string]model.Payment
	denominations map[string]model.Denomination
	codes         map[string][]*model.RedeemCode // по номиналу, в порядке загрузки
	wallets       map[string]model.Wallet
	entries       map[string][]model.LedgerEntry
	events        []model.WebhookEvent
	leases        map[string]lease

	paymentLocks      keyedMutex
	denominationLocks keyedMutex
	// кошельки меняются под общей блокировкой: перевод атомарен по обоим
	walletMutex sync.Mutex
}

// NewMemStore - хранилище в памяти процесса, для тестов и локального запуска
func NewMemStore() Store {
	return &memStore{
		orders:        make(map[string]model.Order),
		payments:      make(map[string]model.Payment),
		denominations: make(map[string]model.Denomination),
		codes:         make(map[string][]*model.RedeemCode),
		wallets:       make(map[string]model.Wallet),
		entries:       make(map[string][]model.LedgerEntry),
		leases:        make(map[string]lease),
	}
}

func (store *memStore) Close() {}

func cloneOrder(order model.Order) model.Order {
	order.Items = append([]model.LineItem(nil), order.Items...)
	return order
}

// Заказы

func (store *memStore) OrderCreate(_ context.Context, order model.Order) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if existing, ok := store.orders[order.Number]; ok {
		if existing.Data.Buyer != order.Data.Buyer {
			return ErrAlreadyExists
		}
		return ErrDuplicateRequest
	}
	store.orders[order.Number] = cloneOrder(order)
	return nil
}

func (store *memStore) OrderGet(_ context.Context, number string) (model.Order, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	order, ok := store.orders[number]
	if !ok {
		return model.Order{}, ErrNoRows
	}
	return cloneOrder(order), nil
}

func (store *memStore) OrderPut(_ context.Context, order model.Order) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	existing, ok := store.orders[order.Number]
	if !ok {
		return ErrNoRows
	}
	existing.Data.Status = order.Data.Status
	if settled(order) {
		existing.Data.FulfillmentPending = false
	}
	existing.Data.FulfillmentFailed = order.Data.FulfillmentFailed
	existing.Data.FulfillmentError = order.Data.FulfillmentError
	existing.Data.UpdatedAt = order.Data.UpdatedAt
	existing = cloneOrder(existing)
	for _, item := range order.Items {
		for i := range existing.Items {
			if existing.Items[i].Position == item.Position {
				existing.Items[i].Fulfilled = item.Fulfilled
				existing.Items[i].Error = item.Error
			}
		}
	}
	store.orders[order.Number] = existing
	return nil
}

// Платежи

func (store *memStore) PaymentCreate(_ context.Context, payment model.Payment) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.orders[payment.Order]; !ok {
		return ErrNoRows
	}
	if _, ok := store.payments[payment.ID]; ok {
		return ErrAlreadyExists
	}
	for _, p := range store.payments {
		if p.Order == payment.Order && !p.Status.Terminal() {
			return ErrActivePayment
		}
		if payment.ExternalTxnID != "" && p.ExternalTxnID == payment.ExternalTxnID {
			return ErrAlreadyExists
		}
	}
	store.payments[payment.ID] = payment
	return nil
}

func (store *memStore) PaymentGet(_ context.Context, id string) (model.Payment, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	payment, ok := store.payments[id]
	if !ok {
		return model.Payment{}, ErrNoRows
	}
	return payment, nil
}

func (store *memStore) PaymentGetByTxn(_ context.Context, txnID string) (model.Payment, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	if txnID == "" {
		return model.Payment{}, ErrNoRows
	}
	for _, p := range store.payments {
		if p.ExternalTxnID == txnID {
			return p, nil
		}
	}
	return model.Payment{}, ErrNoRows
}

func (store *memStore) PaymentListByOrder(_ context.Context, order string) ([]model.Payment, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	var payments []model.Payment
	for _, p := range store.payments {
		if p.Order == order {
			payments = append(payments, p)
		}
	}
	sort.Slice(payments, func(i, j int) bool {
		return payments[i].CreatedAt.Before(payments[j].CreatedAt)
	})
	return payments, nil
}

func (store *memStore) PaymentListStale(_ context.Context, before time.Time, limit int) ([]model.Payment, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	var payments []model.Payment
	for _, p := range store.payments {
		if !p.Status.Terminal() && p.StatusChangedAt.Before(before) {
			payments = append(payments, p)
		}
	}
	sort.Slice(payments, func(i, j int) bool {
		return payments[i].StatusChangedAt.Before(payments[j].StatusChangedAt)
	})
	if limit > 0 && len(payments) > limit {
		payments = payments[:limit]
	}
	return payments, nil
}

func (store *memStore) PaymentUpdate(_ context.Context, id string, fn PaymentMutator) (model.Payment, error) {
	unlock := store.paymentLocks.Lock(id)
	defer unlock()

	store.mu.RLock()
	current, ok := store.payments[id]
	store.mu.RUnlock()
	if !ok {
		return model.Payment{}, ErrNoRows
	}

	next, write, err := fn(current)
	if err != nil || !write {
		return current, err
	}
	if err = writeAllowed(current); err != nil {
		return current, err
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if next.ExternalTxnID != "" {
		for _, p := range store.payments {
			if p.ID != id && p.ExternalTxnID == next.ExternalTxnID {
				return current, ErrAlreadyExists
			}
		}
	}
	next.ID = id
	store.payments[id] = next
	if next.Status == model.PaymentStatusPaid {
		owed := store.orders[next.Order]
		owed.Data.FulfillmentPending = true
		owed.Data.UpdatedAt = next.StatusChangedAt
		store.orders[next.Order] = owed
	}
	return next, nil
}

func (store *memStore) OrderListPending(_ context.Context, before time.Time, limit int) ([]string, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	var pending []model.Order
	for _, o := range store.orders {
		if o.Data.FulfillmentPending && !o.Data.FulfillmentFailed && o.Data.UpdatedAt.Before(before) {
			pending = append(pending, o)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Data.UpdatedAt.Before(pending[j].Data.UpdatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	numbers := make([]string, 0, len(pending))
	for _, o := range pending {
		numbers = append(numbers, o.Number)
	}
	return numbers, nil
}

// Номиналы и коды

func (store *memStore) DenominationPut(_ context.Context, d model.Denomination) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.denominations[d.ID] = d
	return nil
}

func (store *memStore) DenominationGet(_ context.Context, id string) (model.Denomination, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	d, ok := store.denominations[id]
	if !ok {
		return model.Denomination{}, ErrNoRows
	}
	return d, nil
}

func (store *memStore) CodeAdd(_ context.Context, denomination string, payloads []string) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.denominations[denomination]; !ok {
		return 0, ErrNoRows
	}
	known := make(map[string]bool, len(store.codes[denomination]))
	for _, c := range store.codes[denomination] {
		known[c.Payload] = true
	}
	added := 0
	for _, payload := range payloads {
		if known[payload] {
			continue
		}
		known[payload] = true
		store.codes[denomination] = append(store.codes[denomination], &model.RedeemCode{
			ID:           uuid.NewString(),
			Denomination: denomination,
			Payload:      payload,
			Status:       model.CodeStatusAvailable,
		})
		added++
	}
	return added, nil
}

func (store *memStore) CodeClaim(_ context.Context, denomination string, order string) (model.RedeemCode, error) {
	unlock := store.denominationLocks.Lock(denomination)
	defer unlock()

	store.mu.Lock()
	defer store.mu.Unlock()

	for _, c := range store.codes[denomination] {
		if c.Status != model.CodeStatusAvailable {
			continue
		}
		if c.ClaimedBy != "" {
			return model.RedeemCode{}, ErrInvariant
		}
		c.Status = model.CodeStatusConsumed
		c.ClaimedBy = order
		c.ClaimedAt = time.Now()
		return *c, nil
	}
	return model.RedeemCode{}, ErrStockDepleted
}

func (store *memStore) CodeListByOrder(_ context.Context, order string) ([]model.RedeemCode, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	var codes []model.RedeemCode
	for _, list := range store.codes {
		for _, c := range list {
			if c.ClaimedBy == order {
				codes = append(codes, *c)
			}
		}
	}
	sort.Slice(codes, func(i, j int) bool {
		return codes[i].ClaimedAt.Before(codes[j].ClaimedAt)
	})
	return codes, nil
}

func (store *memStore) StockLevels(_ context.Context) ([]model.StockLevel, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	levels := make([]model.StockLevel, 0, len(store.denominations))
	for _, d := range store.denominations {
		level := model.StockLevel{Denomination: d}
		for _, c := range store.codes[d.ID] {
			if c.Status == model.CodeStatusAvailable {
				level.Available++
			}
		}
		levels = append(levels, level)
	}
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Denomination.ID < levels[j].Denomination.ID
	})
	return levels, nil
}

// Кошельки

func (store *memStore) WalletOpen(_ context.Context, owner string) (model.Wallet, error) {
	store.walletMutex.Lock()
	defer store.walletMutex.Unlock()

	w, ok := store.wallets[owner]
	if !ok {
		w = model.Wallet{Owner: owner, UpdatedAt: time.Now()}
		store.wallets[owner] = w
	}
	return w, nil
}

func (store *memStore) WalletGet(_ context.Context, owner string) (model.Wallet, error) {
	store.walletMutex.Lock()
	defer store.walletMutex.Unlock()

	w, ok := store.wallets[owner]
	if !ok {
		return model.Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

func (store *memStore) WalletApply(_ context.Context, mutations ...model.WalletMutation) ([]model.LedgerEntry, error) {
	store.walletMutex.Lock()
	defer store.walletMutex.Unlock()

	// расчет на копии: при ошибке исходные балансы не тронуты
	wallets := make(map[string]model.Wallet)
	for _, m := range mutations {
		if w, ok := store.wallets[m.Wallet]; ok {
			wallets[m.Wallet] = w
		}
	}
	entries, err := planMutations(wallets, mutations, time.Now(), uuid.NewString)
	if err != nil {
		return nil, err
	}
	for owner, w := range wallets {
		store.wallets[owner] = w
	}
	for _, e := range entries {
		store.entries[e.Wallet] = append(store.entries[e.Wallet], e)
	}
	return entries, nil
}

func (store *memStore) WalletEntries(_ context.Context, owner string) ([]model.LedgerEntry, error) {
	store.walletMutex.Lock()
	defer store.walletMutex.Unlock()

	return append([]model.LedgerEntry(nil), store.entries[owner]...), nil
}

// Аудит уведомлений

func (store *memStore) WebhookEventSave(_ context.Context, event model.WebhookEvent) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.events = append(store.events, event)
	return nil
}

func (store *memStore) WebhookEventListByTxn(_ context.Context, txnID string) ([]model.WebhookEvent, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	var events []model.WebhookEvent
	for _, e := range store.events {
		if e.TransactionID == txnID {
			events = append(events, e)
		}
	}
	return events, nil
}

// Аренда фоновых задач

func (store *memStore) LeaseAcquire(_ context.Context, name string, holder string, ttl time.Duration) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	now := time.Now()
	if l, ok := store.leases[name]; ok && l.expires.After(now) {
		return false, nil
	}
	store.leases[name] = lease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (store *memStore) LeaseRelease(_ context.Context, name string, holder string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if l, ok := store.leases[name]; ok && l.holder == holder {
		delete(store.leases, name)
	}
	return nil
}
