package payment

import (
	"errors"
	"strings"

	"github.com/iurnickita/paycore/internal/model"
)

var ErrUnknownStatus = errors.New("unknown gateway status")

// Коды шлюза, приведенные к нижнему регистру
var statusTable = map[string]model.PaymentStatus{
	"pending":    model.PaymentStatusPending,
	"new":        model.PaymentStatusPending,
	"created":    model.PaymentStatusPending,
	"registered": model.PaymentStatusPending,

	"processing":  model.PaymentStatusProcessing,
	"in_progress": model.PaymentStatusProcessing,
	"accepted":    model.PaymentStatusProcessing,
	"authorized":  model.PaymentStatusProcessing,
	"settling":    model.PaymentStatusProcessing,

	"paid":      model.PaymentStatusPaid,
	"success":   model.PaymentStatusPaid,
	"succeeded": model.PaymentStatusPaid,
	"completed": model.PaymentStatusPaid,
	"settled":   model.PaymentStatusPaid,
	"captured":  model.PaymentStatusPaid,

	"failed":    model.PaymentStatusFailed,
	"failure":   model.PaymentStatusFailed,
	"declined":  model.PaymentStatusFailed,
	"rejected":  model.PaymentStatusFailed,
	"cancelled": model.PaymentStatusFailed,
	"canceled":  model.PaymentStatusFailed,
	"expired":   model.PaymentStatusFailed,
}

// MapStatus переводит код шлюза в один из четырех статусов платежа
func MapStatus(code string) (model.PaymentStatus, error) {
	status, ok := statusTable[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		return "", ErrUnknownStatus
	}
	return status, nil
}
