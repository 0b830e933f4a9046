package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/paycore/internal/model"
)

func TestParseItems(t *testing.T) {
	items, err := parseItems([]string{"uc-60:2", "uc-325"}, []int64{500})
	require.NoError(t, err)
	require.Equal(t, []model.LineItem{
		{Kind: model.LineItemRedeemCode, DenominationID: "uc-60", Quantity: 2},
		{Kind: model.LineItemRedeemCode, DenominationID: "uc-325", Quantity: 1},
		{Kind: model.LineItemWalletCredit, Amount: 500},
	}, items)

	_, err = parseItems([]string{"uc-60:two"}, nil)
	require.Error(t, err)
	_, err = parseItems([]string{":1"}, nil)
	require.Error(t, err)
	_, err = parseItems(nil, nil)
	require.Error(t, err)
}

func TestOrderSummary(t *testing.T) {
	order := model.Order{Number: "12345678903", Data: model.OrderData{Status: model.OrderStatusAwaitingPayment}}
	assert.Equal(t, "order 12345678903 awaiting_payment", orderSummary(order))

	order.Data.FulfillmentPending = true
	assert.Equal(t, "order 12345678903 awaiting_payment, fulfillment pending", orderSummary(order))

	order.Data.FulfillmentPending = false
	order.Data.FulfillmentFailed = true
	order.Data.FulfillmentError = "item 1: stock depleted"
	assert.Equal(t, "order 12345678903 awaiting_payment, fulfillment failed: item 1: stock depleted", orderSummary(order))

	order.Data = model.OrderData{Status: model.OrderStatusFulfilled}
	assert.Equal(t, "order 12345678903 fulfilled", orderSummary(order))
}

func TestOrderAndPaymentCommands(t *testing.T) {
	for _, path := range [][]string{
		{"order", "open"},
		{"order", "cancel"},
		{"order", "refulfill"},
		{"payment", "open"},
		{"payment", "attach"},
	} {
		cmd := orderCmd()
		if path[0] == "payment" {
			cmd = paymentCmd()
		}
		found, _, err := cmd.Find(path[1:])
		require.NoError(t, err, path)
		require.Equal(t, path[1], found.Name(), path)
	}
}
