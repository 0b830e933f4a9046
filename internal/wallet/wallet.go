package wallet

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/iurnickita/paycore/internal/metrics"
	"github.com/iurnickita/paycore/internal/model"
	"github.com/iurnickita/paycore/internal/store"
)

var (
	ErrInsufficientData  = errors.New("insufficient data")
	ErrAmountIncorrect   = errors.New("amount value is incorrect")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrSameWallet        = errors.New("transfer to the same wallet")
	// Баланс не совпадает с суммой записей журнала
	ErrLedgerMismatch = errors.New("ledger does not match balance")
)

// Ledger - кошельки пользователей. Каждое изменение баланса - ровно одна
// неизменяемая запись журнала (для перевода - по одной на каждый кошелек).
type Ledger interface {
	Open(ctx context.Context, owner string) (model.Wallet, error)
	Credit(ctx context.Context, owner string, amount int64, reason string) (model.LedgerEntry, error)
	Debit(ctx context.Context, owner string, amount int64, reason string) (model.LedgerEntry, error)
	Transfer(ctx context.Context, from string, to string, amount int64) error
	Balance(ctx context.Context, owner string) (model.Wallet, error)
	History(ctx context.Context, owner string) ([]model.LedgerEntry, error)
	Audit(ctx context.Context, owner string) error
}

type ledger struct {
	store   store.Store
	metrics *metrics.Metrics
	zaplog  *zap.Logger
}

func NewLedger(store store.Store, m *metrics.Metrics, zaplog *zap.Logger) Ledger {
	return &ledger{store: store, metrics: m, zaplog: zaplog}
}

func (l *ledger) Open(ctx context.Context, owner string) (model.Wallet, error) {
	if owner == "" {
		return model.Wallet{}, ErrInsufficientData
	}
	return l.store.WalletOpen(ctx, owner)
}

// Credit открывает кошелек при первом зачислении
func (l *ledger) Credit(ctx context.Context, owner string, amount int64, reason string) (model.LedgerEntry, error) {
	if owner == "" {
		return model.LedgerEntry{}, ErrInsufficientData
	}
	if amount <= 0 {
		return model.LedgerEntry{}, ErrAmountIncorrect
	}
	if _, err := l.store.WalletOpen(ctx, owner); err != nil {
		return model.LedgerEntry{}, err
	}

	entries, err := l.apply(ctx, "credit", model.WalletMutation{
		Wallet:    owner,
		Amount:    amount,
		Direction: model.DirectionCredit,
		Reason:    reason,
	})
	if err != nil {
		return model.LedgerEntry{}, err
	}
	return entries[0], nil
}

func (l *ledger) Debit(ctx context.Context, owner string, amount int64, reason string) (model.LedgerEntry, error) {
	if owner == "" {
		return model.LedgerEntry{}, ErrInsufficientData
	}
	if amount <= 0 {
		return model.LedgerEntry{}, ErrAmountIncorrect
	}

	entries, err := l.apply(ctx, "debit", model.WalletMutation{
		Wallet:    owner,
		Amount:    amount,
		Direction: model.DirectionDebit,
		Reason:    reason,
	})
	if err != nil {
		return model.LedgerEntry{}, err
	}
	return entries[0], nil
}

// Transfer - списание и зачисление одной операцией хранилища:
// применяются обе части или ни одна.
func (l *ledger) Transfer(ctx context.Context, from string, to string, amount int64) error {
	if from == "" || to == "" {
		return ErrInsufficientData
	}
	if from == to {
		return ErrSameWallet
	}
	if amount <= 0 {
		return ErrAmountIncorrect
	}

	reason := fmt.Sprintf("transfer %s -> %s", from, to)
	_, err := l.apply(ctx, "transfer",
		model.WalletMutation{Wallet: from, Amount: amount, Direction: model.DirectionDebit, Counterparty: to, Reason: reason},
		model.WalletMutation{Wallet: to, Amount: amount, Direction: model.DirectionCredit, Counterparty: from, Reason: reason},
	)
	return err
}

func (l *ledger) apply(ctx context.Context, operation string, mutations ...model.WalletMutation) ([]model.LedgerEntry, error) {
	entries, err := l.store.WalletApply(ctx, mutations...)
	l.metrics.WalletOps.WithLabelValues(operation, metrics.Result(err)).Inc()
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientFunds):
			return nil, ErrInsufficientFunds
		case errors.Is(err, store.ErrWalletNotFound):
			return nil, ErrWalletNotFound
		case errors.Is(err, store.ErrAmountIncorrect):
			return nil, ErrAmountIncorrect
		}
		l.zaplog.Error("wallet operation failed",
			zap.String("operation", operation),
			zap.String("wallet", mutations[0].Wallet),
			zap.Error(err))
		return nil, err
	}
	return entries, nil
}

func (l *ledger) Balance(ctx context.Context, owner string) (model.Wallet, error) {
	w, err := l.store.WalletGet(ctx, owner)
	if errors.Is(err, store.ErrWalletNotFound) {
		return model.Wallet{}, ErrWalletNotFound
	}
	return w, err
}

func (l *ledger) History(ctx context.Context, owner string) ([]model.LedgerEntry, error) {
	return l.store.WalletEntries(ctx, owner)
}

// Audit пересчитывает баланс как сумму записей журнала.
func (l *ledger) Audit(ctx context.Context, owner string) error {
	w, err := l.Balance(ctx, owner)
	if err != nil {
		return err
	}
	entries, err := l.History(ctx, owner)
	if err != nil {
		return err
	}

	var sum int64
	for _, e := range entries {
		switch e.Direction {
		case model.DirectionCredit:
			sum += e.Amount
		case model.DirectionDebit:
			sum -= e.Amount
		}
		if sum != e.Balance {
			return fmt.Errorf("%w: entry %s running sum %d, recorded %d", ErrLedgerMismatch, e.ID, sum, e.Balance)
		}
	}
	if sum != w.Balance {
		return fmt.Errorf("%w: entries sum %d, balance %d", ErrLedgerMismatch, sum, w.Balance)
	}
	return nil
}
