package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/paycore/internal/alert"
	"github.com/iurnickita/paycore/internal/gateway"
	"github.com/iurnickita/paycore/internal/inventory"
	"github.com/iurnickita/paycore/internal/metrics"
	"github.com/iurnickita/paycore/internal/model"
	"github.com/iurnickita/paycore/internal/payment"
	"github.com/iurnickita/paycore/internal/store"
	"github.com/iurnickita/paycore/internal/wallet"
	"github.com/iurnickita/paycore/internal/webhook/config"
)

const (
	secret = "whsec_test"
	number = "12345678903"
)

// stubGateway отвечает заранее заданным статусом
type stubGateway struct {
	status string
	err    error
}

func (g stubGateway) GetTransaction(_ context.Context, ref string) (gateway.Answer, error) {
	return gateway.Answer{TransactionID: ref, Status: g.status}, g.err
}

type testEnv struct {
	store     store.Store
	opener    payment.Opener
	inventory inventory.Ledger
	ingestor  Ingestor
	payment   model.Payment
}

func newTestEnv(t *testing.T, cfg config.Config, gw gateway.Client, codes ...string) *testEnv {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemStore()
	m := metrics.New()
	zaplog := zap.NewNop()
	inv := inventory.NewLedger(s, m, &alert.Recorder{}, zaplog)
	machine := payment.NewMachine(s, inv, wallet.NewLedger(s, m, zaplog), &alert.Recorder{}, m, zaplog)
	opener := payment.NewOpener(s, zaplog)

	require.NoError(t, inv.PutDenomination(ctx, model.Denomination{ID: "uc-60", Label: "60 UC"}))
	if len(codes) > 0 {
		_, err := inv.AddCodes(ctx, "uc-60", codes)
		require.NoError(t, err)
	}
	_, err := opener.OpenOrder(ctx, model.Order{
		Number: number,
		Data:   model.OrderData{Buyer: "100001", Total: 990},
		Items:  []model.LineItem{{Kind: model.LineItemRedeemCode, DenominationID: "uc-60", Quantity: 1}},
	})
	require.NoError(t, err)
	p, err := opener.OpenPayment(ctx, number, "card")
	require.NoError(t, err)

	ingestor, err := NewIngestor(cfg, s, machine, gw, m, zaplog)
	require.NoError(t, err)
	return &testEnv{store: s, opener: opener, inventory: inv, ingestor: ingestor, payment: p}
}

func testConfig() config.Config {
	return config.Config{
		Secret:          secret,
		SignatureScheme: config.SchemeHMACSHA256,
		SignatureHeader: "X-Signature",
		AmountTolerance: 1,
		Timeout:         time.Second,
	}
}

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func jsonDelivery(txn string, status string, amount string) Delivery {
	body := fmt.Sprintf(`{"transaction_id":%q,"order_id":%q,"status":%q,"amount":%s}`, txn, number, status, amount)
	return Delivery{Body: []byte(body), ContentType: "application/json", Signature: sign(body)}
}

func (env *testEnv) status(t *testing.T) model.PaymentStatus {
	t.Helper()
	p, err := env.store.PaymentGet(context.Background(), env.payment.ID)
	require.NoError(t, err)
	return p.Status
}

func TestIngestAcceptedAndAudited(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil, "CODE-1")
	ctx := context.Background()

	// транзакция еще не записана - платеж находится по номеру заказа
	outcome, err := env.ingestor.Ingest(ctx, jsonDelivery("txn-1", "PROCESSING", `"9.90"`))
	require.NoError(t, err)
	require.Equal(t, model.WebhookAccepted, outcome)

	p, err := env.store.PaymentGet(ctx, env.payment.ID)
	require.NoError(t, err)
	require.Equal(t, model.PaymentStatusProcessing, p.Status)
	require.Equal(t, "txn-1", p.ExternalTxnID)
	require.NotEmpty(t, p.RawPayload)

	outcome, err = env.ingestor.Ingest(ctx, jsonDelivery("txn-1", "SUCCESS", "9.90"))
	require.NoError(t, err)
	require.Equal(t, model.WebhookAccepted, outcome)
	require.Equal(t, model.PaymentStatusPaid, env.status(t))

	events, err := env.store.WebhookEventListByTxn(ctx, "txn-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.True(t, e.SignatureValid)
		assert.Equal(t, model.WebhookAccepted, e.Outcome)
		assert.Equal(t, env.payment.ID, e.Payment)
	}
}

func TestIngestFormEncoded(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil, "CODE-1")

	body := "transaction_id=txn-9&order_id=" + number + "&status=paid&amount=9.91"
	outcome, err := env.ingestor.Ingest(context.Background(), Delivery{
		Body:        []byte(body),
		ContentType: "application/x-www-form-urlencoded; charset=utf-8",
		Signature:   "sha256=" + sign(body),
	})
	require.NoError(t, err)
	require.Equal(t, model.WebhookAccepted, outcome)
	require.Equal(t, model.PaymentStatusPaid, env.status(t))
}

func TestIngestRejections(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil, "CODE-1")
	ctx := context.Background()

	forged := jsonDelivery("txn-1", "paid", "9.90")
	forged.Signature = sign("something else")

	garbage := `{"transaction_id":`
	noStatus := `{"transaction_id":"txn-1","amount":"9.90"}`
	badOrder := `{"order_id":"12345678900","status":"paid","amount":"9.90"}`

	tests := []struct {
		name     string
		delivery Delivery
		outcome  model.WebhookOutcome
		err      error
	}{
		{"forged", forged, model.WebhookBadSignature, ErrBadSignature},
		{"garbage", Delivery{Body: []byte(garbage), ContentType: "application/json", Signature: sign(garbage)}, model.WebhookUnparsable, ErrUnparsable},
		{"no status", Delivery{Body: []byte(noStatus), ContentType: "application/json", Signature: sign(noStatus)}, model.WebhookUnparsable, ErrUnparsable},
		{"unknown status", jsonDelivery("txn-1", "chargeback", "9.90"), model.WebhookUnknownStatus, ErrUnknownStatus},
		{"amount mismatch", jsonDelivery("txn-1", "paid", "9.92"), model.WebhookAmountMismatch, ErrAmountMismatch},
		{"unknown payment", Delivery{Body: []byte(badOrder), ContentType: "application/json", Signature: sign(badOrder)}, model.WebhookUnknownPayment, ErrUnknownPayment},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			outcome, err := env.ingestor.Ingest(ctx, test.delivery)
			require.ErrorIs(t, err, test.err)
			require.Equal(t, test.outcome, outcome)
			// отклонение не меняет состояние
			require.Equal(t, model.PaymentStatusPending, env.status(t))
		})
	}

	events, err := env.store.WebhookEventListByTxn(ctx, "txn-1")
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for _, e := range events {
		assert.NotEqual(t, model.WebhookAccepted, e.Outcome)
	}
}

func TestIngestDuplicatesAndOutOfOrder(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil, "CODE-1", "CODE-2")
	ctx := context.Background()

	deliveries := []Delivery{
		jsonDelivery("txn-1", "paid", "9.90"),
		jsonDelivery("txn-1", "paid", "9.90"),
		jsonDelivery("txn-1", "failed", "9.90"),
		jsonDelivery("txn-1", "processing", "9.90"),
	}
	for _, d := range deliveries {
		outcome, err := env.ingestor.Ingest(ctx, d)
		require.NoError(t, err)
		require.Equal(t, model.WebhookAccepted, outcome)
	}

	require.Equal(t, model.PaymentStatusPaid, env.status(t))
	codes, err := env.inventory.Codes(ctx, number)
	require.NoError(t, err)
	require.Len(t, codes, 1)
}

func TestIngestFulfillmentFailureStillAccepted(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	outcome, err := env.ingestor.Ingest(context.Background(), jsonDelivery("txn-1", "paid", "9.90"))
	require.NoError(t, err)
	require.Equal(t, model.WebhookAccepted, outcome)
	require.Equal(t, model.PaymentStatusPaid, env.status(t))

	order, err := env.opener.GetOrder(context.Background(), number)
	require.NoError(t, err)
	require.True(t, order.Data.FulfillmentFailed)
}

func TestIngestCorroborated(t *testing.T) {
	cfg := testConfig()
	cfg.Corroborate = true

	// шлюз не подтверждает оплату - платеж не становится paid
	env := newTestEnv(t, cfg, stubGateway{status: "processing"}, "CODE-1")
	outcome, err := env.ingestor.Ingest(context.Background(), jsonDelivery("txn-1", "paid", "9.90"))
	require.NoError(t, err)
	require.Equal(t, model.WebhookAccepted, outcome)
	require.Equal(t, model.PaymentStatusProcessing, env.status(t))

	env = newTestEnv(t, cfg, stubGateway{err: gateway.ErrUnavailable}, "CODE-1")
	outcome, err = env.ingestor.Ingest(context.Background(), jsonDelivery("txn-1", "paid", "9.90"))
	require.ErrorIs(t, err, ErrNotCorroborated)
	require.Equal(t, model.WebhookProcessingFailed, outcome)
	require.Equal(t, model.PaymentStatusPending, env.status(t))

	_, err = NewIngestor(cfg, store.NewMemStore(), nil, nil, metrics.New(), zap.NewNop())
	require.Error(t, err)
}

func TestVerifiers(t *testing.T) {
	body := []byte(`{"status":"paid"}`)
	sum := sha256.Sum256(body)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"body_sha256": hex.EncodeToString(sum[:]),
		"exp":         time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"body_sha256": hex.EncodeToString(sum[:]),
		"exp":         time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	jwtVerifier, err := NewVerifier(config.SchemeJWT, secret)
	require.NoError(t, err)
	require.NoError(t, jwtVerifier.Verify(body, "Bearer "+token))
	require.ErrorIs(t, jwtVerifier.Verify([]byte(`{"status":"failed"}`), token), ErrBadSignature)
	require.ErrorIs(t, jwtVerifier.Verify(body, expired), ErrBadSignature)

	shared, err := NewVerifier(config.SchemeSharedSecret, secret)
	require.NoError(t, err)
	require.NoError(t, shared.Verify(body, secret))
	require.ErrorIs(t, shared.Verify(body, "nope"), ErrBadSignature)

	_, err = NewVerifier("md5", secret)
	require.Error(t, err)
	_, err = NewVerifier(config.SchemeHMACSHA256, "")
	require.True(t, err != nil && !errors.Is(err, ErrBadSignature))
}
