package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/paycore/internal/alert"
	"github.com/iurnickita/paycore/internal/inventory"
	"github.com/iurnickita/paycore/internal/metrics"
	"github.com/iurnickita/paycore/internal/model"
	"github.com/iurnickita/paycore/internal/store"
	"github.com/iurnickita/paycore/internal/wallet"
)

type testEnv struct {
	store     store.Store
	machine   Machine
	opener    Opener
	inventory inventory.Ledger
	wallet    wallet.Ledger
	alerts    *alert.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, store.NewMemStore())
}

func newTestEnvWith(t *testing.T, s store.Store) *testEnv {
	t.Helper()
	m := metrics.New()
	alerts := &alert.Recorder{}
	zaplog := zap.NewNop()
	inv := inventory.NewLedger(s, m, alerts, zaplog)
	wal := wallet.NewLedger(s, m, zaplog)
	return &testEnv{
		store:     s,
		machine:   NewMachine(s, inv, wal, alerts, m, zaplog),
		opener:    NewOpener(s, zaplog),
		inventory: inv,
		wallet:    wal,
		alerts:    alerts,
	}
}

// codeOrder - заказ на коды номинала; codes - сколько кодов загрузить на склад
func (env *testEnv) codeOrder(t *testing.T, number string, quantity int, codes ...string) model.Payment {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.inventory.PutDenomination(ctx, model.Denomination{ID: "uc-60", Product: "pubg", Label: "60 UC", LowStockThreshold: 1}))
	if len(codes) > 0 {
		_, err := env.inventory.AddCodes(ctx, "uc-60", codes)
		require.NoError(t, err)
	}
	_, err := env.opener.OpenOrder(ctx, model.Order{
		Number: number,
		Data:   model.OrderData{Buyer: "100001", Total: 990},
		Items:  []model.LineItem{{Kind: model.LineItemRedeemCode, DenominationID: "uc-60", Quantity: quantity}},
	})
	require.NoError(t, err)
	payment, err := env.opener.OpenPayment(ctx, number, "card")
	require.NoError(t, err)
	return payment
}

func (env *testEnv) report(t *testing.T, paymentID string, status model.PaymentStatus) Result {
	t.Helper()
	result, err := env.machine.ApplyTransition(context.Background(), Transition{
		PaymentID:     paymentID,
		Reported:      status,
		ExternalTxnID: "txn-1",
		RawPayload:    []byte(`{"status":"` + string(status) + `"}`),
		Source:        SourceWebhook,
	})
	require.NoError(t, err)
	return result
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		code string
		want model.PaymentStatus
	}{
		{"PENDING", model.PaymentStatusPending},
		{" processing ", model.PaymentStatusProcessing},
		{"Success", model.PaymentStatusPaid},
		{"declined", model.PaymentStatusFailed},
		{"expired", model.PaymentStatusFailed},
	}
	for _, test := range tests {
		got, err := MapStatus(test.code)
		require.NoError(t, err, test.code)
		assert.Equal(t, test.want, got, test.code)
	}

	_, err := MapStatus("refund_requested")
	require.ErrorIs(t, err, ErrUnknownStatus)
}

func TestApplyTransitionDuplicatesAndOutOfOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payment := env.codeOrder(t, "12345678903", 1, "CODE-1", "CODE-2")

	result := env.report(t, payment.ID, model.PaymentStatusProcessing)
	require.True(t, result.Changed)
	require.Equal(t, model.PaymentStatusProcessing, result.Payment.Status)
	require.Equal(t, "txn-1", result.Payment.ExternalTxnID)

	// pending после processing - устаревший отчет
	result = env.report(t, payment.ID, model.PaymentStatusPending)
	require.False(t, result.Changed)
	require.Equal(t, model.PaymentStatusProcessing, result.Payment.Status)

	result = env.report(t, payment.ID, model.PaymentStatusPaid)
	require.True(t, result.Changed)
	require.True(t, result.Fulfilled)
	require.NoError(t, result.FulfillmentErr)

	// повтор paid и опоздавший failed ничего не меняют
	for _, status := range []model.PaymentStatus{model.PaymentStatusPaid, model.PaymentStatusFailed, model.PaymentStatusProcessing} {
		result = env.report(t, payment.ID, status)
		require.False(t, result.Changed)
		require.False(t, result.Fulfilled)
		require.Equal(t, model.PaymentStatusPaid, result.Payment.Status)
	}

	codes, err := env.inventory.Codes(ctx, "12345678903")
	require.NoError(t, err)
	require.Len(t, codes, 1)

	order, err := env.opener.GetOrder(ctx, "12345678903")
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusFulfilled, order.Data.Status)
	require.False(t, order.Data.FulfillmentFailed)
}

func TestApplyTransitionValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payment := env.codeOrder(t, "12345678903", 1, "CODE-1")

	_, err := env.machine.ApplyTransition(ctx, Transition{PaymentID: payment.ID, Reported: "refunded", Source: SourceWebhook})
	require.ErrorIs(t, err, ErrUnknownStatus)
	_, err = env.machine.ApplyTransition(ctx, Transition{PaymentID: payment.ID, Reported: model.PaymentStatusPaid, Source: "ui"})
	require.ErrorIs(t, err, ErrUnknownSource)
	_, err = env.machine.ApplyTransition(ctx, Transition{PaymentID: "missing", Reported: model.PaymentStatusPaid, Source: SourceResync})
	require.ErrorIs(t, err, ErrPaymentNotFound)

	env.report(t, payment.ID, model.PaymentStatusProcessing)
	_, err = env.machine.ApplyTransition(ctx, Transition{
		PaymentID:     payment.ID,
		Reported:      model.PaymentStatusPaid,
		ExternalTxnID: "txn-other",
		Source:        SourceWebhook,
	})
	require.ErrorIs(t, err, ErrTxnMismatch)

	stored, err := env.opener.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	require.Equal(t, model.PaymentStatusProcessing, stored.Status)
}

func TestConcurrentPaidFulfillsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payment := env.codeOrder(t, "12345678903", 1, "ONLY-CODE")

	const deliveries = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		fulfilled int
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := env.machine.ApplyTransition(ctx, Transition{
				PaymentID:     payment.ID,
				Reported:      model.PaymentStatusPaid,
				ExternalTxnID: "txn-1",
				Source:        SourceWebhook,
			})
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if result.Fulfilled {
				fulfilled++
				assert.NoError(t, result.FulfillmentErr)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, fulfilled)

	stored, err := env.opener.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	require.Equal(t, model.PaymentStatusPaid, stored.Status)

	codes, err := env.inventory.Codes(ctx, "12345678903")
	require.NoError(t, err)
	require.Len(t, codes, 1)
	require.Equal(t, "ONLY-CODE", codes[0].Payload)

	order, err := env.opener.GetOrder(ctx, "12345678903")
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusFulfilled, order.Data.Status)
	require.Empty(t, env.alerts.Events())
}

func TestPaidWithDepletedStockFlagsOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payment := env.codeOrder(t, "12345678903", 1)

	result := env.report(t, payment.ID, model.PaymentStatusPaid)
	require.True(t, result.Changed)
	require.True(t, result.Fulfilled)
	require.Error(t, result.FulfillmentErr)

	// оплата остается, заказ получает долг по выдаче
	stored, err := env.opener.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	require.Equal(t, model.PaymentStatusPaid, stored.Status)

	order, err := env.opener.GetOrder(ctx, "12345678903")
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusAwaitingPayment, order.Data.Status)
	require.True(t, order.Data.FulfillmentFailed)
	require.Contains(t, order.Data.FulfillmentError, "uc-60")
	require.False(t, order.Items[0].Fulfilled)
	require.NotEmpty(t, order.Items[0].Error)

	codes, err := env.inventory.Codes(ctx, "12345678903")
	require.NoError(t, err)
	require.Empty(t, codes)

	var types []alert.EventType
	for _, e := range env.alerts.Events() {
		types = append(types, e.Type)
	}
	require.ElementsMatch(t, []alert.EventType{alert.EventStockDepleted, alert.EventFulfillmentFailed}, types)

	// после поставки кодов долг закрывается повторной выдачей
	_, err = env.inventory.AddCodes(ctx, "uc-60", []string{"LATE-CODE"})
	require.NoError(t, err)
	require.NoError(t, env.machine.Refulfill(ctx, "12345678903"))

	order, err = env.opener.GetOrder(ctx, "12345678903")
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusFulfilled, order.Data.Status)
	require.False(t, order.Data.FulfillmentFailed)

	// заказ без долга повторно не выдается
	require.NoError(t, env.machine.Refulfill(ctx, "12345678903"))
	codes, err = env.inventory.Codes(ctx, "12345678903")
	require.NoError(t, err)
	require.Len(t, codes, 1)
}

func TestPartialQuantityIsResumed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payment := env.codeOrder(t, "12345678903", 3, "C1", "C2")

	result := env.report(t, payment.ID, model.PaymentStatusPaid)
	require.Error(t, result.FulfillmentErr)

	_, err := env.inventory.AddCodes(ctx, "uc-60", []string{"C3", "C4"})
	require.NoError(t, err)
	require.NoError(t, env.machine.Refulfill(ctx, "12345678903"))

	// выдано ровно три кода, лишний остался на складе
	codes, err := env.inventory.Codes(ctx, "12345678903")
	require.NoError(t, err)
	require.Len(t, codes, 3)
}

func TestFailedPaymentHasNoSideEffects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payment := env.codeOrder(t, "12345678903", 1, "CODE-1")

	env.report(t, payment.ID, model.PaymentStatusProcessing)
	result, err := env.machine.ApplyTransition(ctx, Transition{
		PaymentID: payment.ID,
		Reported:  model.PaymentStatusFailed,
		Source:    SourceResync,
	})
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.False(t, result.Fulfilled)
	require.Equal(t, model.PaymentStatusFailed, result.Payment.Status)

	codes, err := env.inventory.Codes(ctx, "12345678903")
	require.NoError(t, err)
	require.Empty(t, codes)

	// после неуспешной попытки заказ ждет новой оплаты
	order, err := env.opener.GetOrder(ctx, "12345678903")
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusAwaitingPayment, order.Data.Status)
	_, err = env.opener.OpenPayment(ctx, "12345678903", "card")
	require.NoError(t, err)
}

func TestWalletCreditFulfillment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.opener.OpenOrder(ctx, model.Order{
		Number: "79927398713",
		Data:   model.OrderData{Buyer: "200002", Total: 500},
		Items:  []model.LineItem{{Kind: model.LineItemWalletCredit, Amount: 500}},
	})
	require.NoError(t, err)
	payment, err := env.opener.OpenPayment(ctx, "79927398713", "sbp")
	require.NoError(t, err)

	env.report(t, payment.ID, model.PaymentStatusPaid)
	env.report(t, payment.ID, model.PaymentStatusPaid)

	w, err := env.wallet.Balance(ctx, "200002")
	require.NoError(t, err)
	require.Equal(t, int64(500), w.Balance)

	history, err := env.wallet.History(ctx, "200002")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "order:79927398713:1", history[0].Reason)
}

func TestOpenOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.inventory.PutDenomination(ctx, model.Denomination{ID: "uc-60", Label: "60 UC"}))

	order := model.Order{
		Number: "12345678903",
		Data:   model.OrderData{Buyer: "100001", Total: 990},
		Items:  []model.LineItem{{Kind: model.LineItemRedeemCode, DenominationID: "uc-60", Quantity: 1}},
	}

	bad := order
	bad.Number = "12345678900"
	_, err := env.opener.OpenOrder(ctx, bad)
	require.ErrorIs(t, err, ErrUnprocessableEntity)

	bad = order
	bad.Items = []model.LineItem{{Kind: model.LineItemRedeemCode, DenominationID: "missing", Quantity: 1}}
	_, err = env.opener.OpenOrder(ctx, bad)
	require.ErrorIs(t, err, ErrUnprocessableEntity)

	bad = order
	bad.Items = nil
	_, err = env.opener.OpenOrder(ctx, bad)
	require.ErrorIs(t, err, ErrInsufficientData)

	created, err := env.opener.OpenOrder(ctx, order)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusDraft, created.Data.Status)
	require.Equal(t, 1, created.Items[0].Position)

	_, err = env.opener.OpenOrder(ctx, order)
	require.ErrorIs(t, err, ErrDuplicateRequest)

	other := order
	other.Data.Buyer = "100002"
	_, err = env.opener.OpenOrder(ctx, other)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestOpenPaymentAndCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payment := env.codeOrder(t, "12345678903", 1, "CODE-1")
	require.Equal(t, int64(990), payment.Amount)

	_, err := env.opener.OpenPayment(ctx, "12345678903", "card")
	require.ErrorIs(t, err, ErrActivePayment)
	require.ErrorIs(t, env.opener.CancelOrder(ctx, "12345678903"), ErrActivePayment)

	attached, err := env.opener.AttachTransaction(ctx, payment.ID, "txn-1")
	require.NoError(t, err)
	require.Equal(t, "txn-1", attached.ExternalTxnID)
	_, err = env.opener.AttachTransaction(ctx, payment.ID, "txn-1")
	require.NoError(t, err)
	_, err = env.opener.AttachTransaction(ctx, payment.ID, "txn-2")
	require.ErrorIs(t, err, ErrAlreadyExists)

	env.report(t, payment.ID, model.PaymentStatusFailed)
	require.NoError(t, env.opener.CancelOrder(ctx, "12345678903"))
	require.NoError(t, env.opener.CancelOrder(ctx, "12345678903"))

	_, err = env.opener.OpenPayment(ctx, "12345678903", "card")
	require.ErrorIs(t, err, ErrOrderClosed)
	_, err = env.opener.OpenPayment(ctx, "4561261212345467", "card")
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPaidOrderIsClosed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payment := env.codeOrder(t, "12345678903", 1, "CODE-1")
	env.report(t, payment.ID, model.PaymentStatusPaid)

	_, err := env.opener.OpenPayment(ctx, "12345678903", "card")
	require.ErrorIs(t, err, ErrOrderClosed)
	require.ErrorIs(t, env.opener.CancelOrder(ctx, "12345678903"), ErrOrderClosed)
	_, err = env.opener.AttachTransaction(ctx, payment.ID, "txn-1")
	require.NoError(t, err)
}

// detachedStore ведет себя как пул соединений: вызов с завершенным контекстом не выполняется.
// cancel срабатывает сразу после фиксации статуса платежа.
type detachedStore struct {
	store.Store
	cancel context.CancelFunc
}

func (s *detachedStore) PaymentUpdate(ctx context.Context, id string, fn store.PaymentMutator) (model.Payment, error) {
	p, err := s.Store.PaymentUpdate(ctx, id, fn)
	s.cancel()
	return p, err
}

func (s *detachedStore) OrderGet(ctx context.Context, number string) (model.Order, error) {
	if err := ctx.Err(); err != nil {
		return model.Order{}, err
	}
	return s.Store.OrderGet(ctx, number)
}

func (s *detachedStore) OrderPut(ctx context.Context, order model.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.OrderPut(ctx, order)
}

func (s *detachedStore) LeaseAcquire(ctx context.Context, name string, holder string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Store.LeaseAcquire(ctx, name, holder, ttl)
}

func (s *detachedStore) CodeClaim(ctx context.Context, denomination string, order string) (model.RedeemCode, error) {
	if err := ctx.Err(); err != nil {
		return model.RedeemCode{}, err
	}
	return s.Store.CodeClaim(ctx, denomination, order)
}

func TestFulfillmentOutlivesCallerContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestEnvWith(t, &detachedStore{Store: store.NewMemStore(), cancel: cancel})
	payment := env.codeOrder(t, "12345678903", 1, "CODE-1")

	// запрос вебхука обрывается сразу после фиксации оплаты
	result, err := env.machine.ApplyTransition(ctx, Transition{
		PaymentID:     payment.ID,
		Reported:      model.PaymentStatusPaid,
		ExternalTxnID: "txn-1",
		Source:        SourceWebhook,
	})
	require.NoError(t, err)
	require.True(t, result.Fulfilled)
	require.NoError(t, result.FulfillmentErr)
	require.Error(t, ctx.Err())

	bg := context.Background()
	order, err := env.opener.GetOrder(bg, "12345678903")
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusFulfilled, order.Data.Status)
	require.False(t, order.Data.FulfillmentPending)
	codes, err := env.inventory.Codes(bg, "12345678903")
	require.NoError(t, err)
	require.Len(t, codes, 1)
}

func TestInterruptedFulfillmentIsOwed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payment := env.codeOrder(t, "12345678903", 1, "CODE-1")

	// оплата зафиксирована, а процесс упал до выдачи
	_, err := env.store.PaymentUpdate(ctx, payment.ID, func(current model.Payment) (model.Payment, bool, error) {
		current.Status = model.PaymentStatusPaid
		current.StatusChangedAt = time.Now().UTC()
		return current, true, nil
	})
	require.NoError(t, err)

	order, err := env.opener.GetOrder(ctx, "12345678903")
	require.NoError(t, err)
	require.True(t, order.Data.FulfillmentPending)
	require.False(t, order.Data.FulfillmentFailed)

	pending, err := env.store.OrderListPending(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"12345678903"}, pending)

	require.NoError(t, env.machine.Refulfill(ctx, "12345678903"))

	order, err = env.opener.GetOrder(ctx, "12345678903")
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusFulfilled, order.Data.Status)
	require.False(t, order.Data.FulfillmentPending)
	codes, err := env.inventory.Codes(ctx, "12345678903")
	require.NoError(t, err)
	require.Len(t, codes, 1)

	pending, err = env.store.OrderListPending(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

// slowCodesStore растягивает чтение уже выданных кодов, как сетевой запрос
type slowCodesStore struct {
	store.Store
}

func (s *slowCodesStore) CodeListByOrder(ctx context.Context, order string) ([]model.RedeemCode, error) {
	time.Sleep(20 * time.Millisecond)
	return s.Store.CodeListByOrder(ctx, order)
}

func TestConcurrentRefulfillClaimsShortfallOnce(t *testing.T) {
	env := newTestEnvWith(t, &slowCodesStore{Store: store.NewMemStore()})
	ctx := context.Background()
	payment := env.codeOrder(t, "12345678903", 1)

	result := env.report(t, payment.ID, model.PaymentStatusPaid)
	require.Error(t, result.FulfillmentErr)

	_, err := env.inventory.AddCodes(ctx, "uc-60", []string{"R1", "R2", "R3", "R4"})
	require.NoError(t, err)

	const callers = 4
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := env.machine.Refulfill(ctx, "12345678903")
			if err != nil {
				assert.ErrorIs(t, err, ErrFulfillmentBusy)
			}
		}()
	}
	wg.Wait()

	codes, err := env.inventory.Codes(ctx, "12345678903")
	require.NoError(t, err)
	require.Len(t, codes, 1)

	order, err := env.opener.GetOrder(ctx, "12345678903")
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusFulfilled, order.Data.Status)

	// аренда выдачи освобождена, заказ без долга повторно не выдается
	require.NoError(t, env.machine.Refulfill(ctx, "12345678903"))
}
