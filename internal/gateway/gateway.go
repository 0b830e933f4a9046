package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/iurnickita/paycore/internal/gateway/config"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	// Временная ошибка: таймаут, 429, 5xx. Статус платежа по ней не меняется
	ErrUnavailable     = errors.New("gateway unavailable")
	ErrAmountPrecision = errors.New("amount has fractional minor units")
)

// JSON ответ шлюза
type Answer struct {
	TransactionID string          `json:"transaction_id"`
	Reference     string          `json:"reference"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

type Client interface {
	// GetTransaction запрашивает статус по номеру транзакции шлюза
	// или по нашему номеру платежа, если шлюз еще не присвоил свой
	GetTransaction(ctx context.Context, ref string) (Answer, error)
}

type client struct {
	resty *resty.Client
}

func NewClient(cfg config.Config) Client {
	return &client{
		resty: resty.New().
			SetBaseURL(strings.TrimRight(cfg.Address, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json"),
	}
}

func (c *client) GetTransaction(ctx context.Context, ref string) (Answer, error) {
	if ref == "" {
		return Answer{}, ErrTransactionNotFound
	}

	resp, err := c.resty.R().
		SetContext(ctx).
		SetPathParam("ref", ref).
		Get("/api/transactions/{ref}")
	if err != nil {
		return Answer{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusOK:
		var answer Answer
		if err = json.Unmarshal(resp.Body(), &answer); err != nil {
			return Answer{}, fmt.Errorf("gateway answer: %w", err)
		}
		return answer, nil
	case code == http.StatusNotFound:
		return Answer{}, ErrTransactionNotFound
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return Answer{}, fmt.Errorf("%w: status %d", ErrUnavailable, code)
	default:
		return Answer{}, fmt.Errorf("gateway request status: %d", code)
	}
}

// MinorUnits переводит сумму в валюте (10.50) в минимальные единицы (1050)
func MinorUnits(amount decimal.Decimal) (int64, error) {
	minor := amount.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, ErrAmountPrecision
	}
	return minor.IntPart(), nil
}
