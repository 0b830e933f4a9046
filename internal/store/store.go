package store

import (
	"context"
	"errors"
	"time"

	"github.com/iurnickita/paycore/internal/model"
	"github.com/iurnickita/paycore/internal/store/config"
)

// PaymentMutator вызывается при удерживаемой блокировке платежа.
// write=false оставляет запись без изменений.
// Запись статуса paid в той же транзакции ставит заказу FulfillmentPending.
type PaymentMutator func(current model.Payment) (next model.Payment, write bool, err error)

type Store interface {
	OrderCreate(ctx context.Context, order model.Order) error
	OrderGet(ctx context.Context, number string) (model.Order, error)
	OrderPut(ctx context.Context, order model.Order) error
	// OrderListPending - оплаченные заказы, выдача по которым не завершена и не помечена сбоем
	OrderListPending(ctx context.Context, before time.Time, limit int) ([]string, error)

	PaymentCreate(ctx context.Context, payment model.Payment) error
	PaymentGet(ctx context.Context, id string) (model.Payment, error)
	PaymentGetByTxn(ctx context.Context, txnID string) (model.Payment, error)
	PaymentListByOrder(ctx context.Context, order string) ([]model.Payment, error)
	PaymentUpdate(ctx context.Context, id string, fn PaymentMutator) (model.Payment, error)
	PaymentListStale(ctx context.Context, before time.Time, limit int) ([]model.Payment, error)

	DenominationPut(ctx context.Context, denomination model.Denomination) error
	DenominationGet(ctx context.Context, id string) (model.Denomination, error)
	CodeAdd(ctx context.Context, denomination string, payloads []string) (int, error)
	CodeClaim(ctx context.Context, denomination string, order string) (model.RedeemCode, error)
	CodeListByOrder(ctx context.Context, order string) ([]model.RedeemCode, error)
	StockLevels(ctx context.Context) ([]model.StockLevel, error)

	WalletOpen(ctx context.Context, owner string) (model.Wallet, error)
	WalletGet(ctx context.Context, owner string) (model.Wallet, error)
	WalletApply(ctx context.Context, mutations ...model.WalletMutation) ([]model.LedgerEntry, error)
	WalletEntries(ctx context.Context, owner string) ([]model.LedgerEntry, error)

	WebhookEventSave(ctx context.Context, event model.WebhookEvent) error
	WebhookEventListByTxn(ctx context.Context, txnID string) ([]model.WebhookEvent, error)

	LeaseAcquire(ctx context.Context, name string, holder string, ttl time.Duration) (bool, error)
	LeaseRelease(ctx context.Context, name string, holder string) error

	Close()
}

var (
	ErrNoRows            = errors.New("no rows")
	ErrAlreadyExists     = errors.New("already exists")
	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrAmountIncorrect   = errors.New("amount value is incorrect")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrStockDepleted     = errors.New("stock depleted")
	ErrActivePayment     = errors.New("order already has an active payment")
	ErrWalletNotFound    = errors.New("wallet not found")
	// Попытка записи в платеж в конечном статусе
	ErrInvariant = errors.New("invariant violation")
)

func NewStore(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.DBDsn == "" {
		return NewMemStore(), nil
	}
	return newPgStore(ctx, cfg.DBDsn)
}

// writeAllowed - общая для реализаций проверка: конечный платеж не перезаписывается
func writeAllowed(current model.Payment) error {
	if current.Status.Terminal() {
		return ErrInvariant
	}
	return nil
}

// settled - запись заказа фиксирует итог выдачи. Только такая запись снимает
// FulfillmentPending, остальные изменения заказа его не трогают.
func settled(order model.Order) bool {
	return order.Data.Status == model.OrderStatusFulfilled || order.Data.FulfillmentFailed
}

// planMutations считает итоговые балансы и записи журнала.
// Баланс ни одного кошелька не может уйти в минус - тогда не применяется ничего.
func planMutations(wallets map[string]model.Wallet, mutations []model.WalletMutation, now time.Time, newID func() string) ([]model.LedgerEntry, error) {
	entries := make([]model.LedgerEntry, 0, len(mutations))
	for _, m := range mutations {
		if m.Amount <= 0 {
			return nil, ErrAmountIncorrect
		}
		w, ok := wallets[m.Wallet]
		if !ok {
			return nil, ErrWalletNotFound
		}
		switch m.Direction {
		case model.DirectionCredit:
			w.Balance += m.Amount
		case model.DirectionDebit:
			if w.Balance-m.Amount < 0 {
				return nil, ErrInsufficientFunds
			}
			w.Balance -= m.Amount
		default:
			return nil, ErrAmountIncorrect
		}
		w.Version++
		w.UpdatedAt = now
		wallets[m.Wallet] = w
		entries = append(entries, model.LedgerEntry{
			ID:           newID(),
			Wallet:       m.Wallet,
			Amount:       m.Amount,
			Direction:    m.Direction,
			Counterparty: m.Counterparty,
			Reason:       m.Reason,
			Balance:      w.Balance,
			Timestamp:    now,
		})
	}
	return entries, nil
}
