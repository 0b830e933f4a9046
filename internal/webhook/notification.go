package webhook

import (
	"encoding/json"
	"errors"
	"mime"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var ErrUnparsable = errors.New("unparsable notification")

// Notification - уведомление шлюза после нормализации
type Notification struct {
	TransactionID string          `json:"transaction_id" validate:"required_without=OrderRef"`
	OrderRef      string          `json:"order_id" validate:"omitempty,numeric"`
	Status        string          `json:"status" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"gt=0"`
}

func newValidator() *validator.Validate {
	validate := validator.New()
	// decimal.Decimal проверяется как число
	validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if val, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := val.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return validate
}

// parseNotification разбирает JSON или application/x-www-form-urlencoded
func parseNotification(body []byte, contentType string) (Notification, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/x-www-form-urlencoded" {
		return parseForm(body)
	}
	// без заголовка пробуем JSON, затем форму
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		if mediaType == "" && !strings.HasPrefix(strings.TrimSpace(string(body)), "{") {
			return parseForm(body)
		}
		return Notification{}, ErrUnparsable
	}
	return n, nil
}

func parseForm(body []byte) (Notification, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return Notification{}, ErrUnparsable
	}
	n := Notification{
		TransactionID: values.Get("transaction_id"),
		OrderRef:      values.Get("order_id"),
		Status:        values.Get("status"),
	}
	if amount := values.Get("amount"); amount != "" {
		if n.Amount, err = decimal.NewFromString(amount); err != nil {
			return Notification{}, ErrUnparsable
		}
	}
	return n, nil
}
