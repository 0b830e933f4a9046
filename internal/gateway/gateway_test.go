package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/paycore/internal/gateway/config"
)

func TestGetTransaction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/transactions/txn-1":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"transaction_id":"txn-1","reference":"p-1","status":"SUCCESS","amount":"9.90","currency":"RUB"}`))
		case "/api/transactions/txn-busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/api/transactions/txn-bad":
			w.WriteHeader(http.StatusBadRequest)
		case "/api/transactions/txn-slow":
			time.Sleep(200 * time.Millisecond)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(config.Config{Address: server.URL + "/", Timeout: 50 * time.Millisecond})
	ctx := context.Background()

	answer, err := client.GetTransaction(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", answer.Status)
	assert.Equal(t, "p-1", answer.Reference)
	minor, err := MinorUnits(answer.Amount)
	require.NoError(t, err)
	assert.Equal(t, int64(990), minor)

	_, err = client.GetTransaction(ctx, "txn-missing")
	require.ErrorIs(t, err, ErrTransactionNotFound)

	_, err = client.GetTransaction(ctx, "txn-busy")
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = client.GetTransaction(ctx, "txn-slow")
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = client.GetTransaction(ctx, "txn-bad")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnavailable)
}

func TestMinorUnits(t *testing.T) {
	minor, err := MinorUnits(decimal.RequireFromString("1050"))
	require.NoError(t, err)
	require.Equal(t, int64(105000), minor)

	_, err = MinorUnits(decimal.RequireFromString("10.505"))
	require.ErrorIs(t, err, ErrAmountPrecision)
}
