package model

import "time"

// Заказы

type OrderStatus string

const (
	OrderStatusDraft           OrderStatus = "draft"
	OrderStatusAwaitingPayment OrderStatus = "awaiting_payment"
	OrderStatusFulfilled       OrderStatus = "fulfilled"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

type Order struct {
	Number string
	Data   OrderData
	Items  []LineItem
}
type OrderData struct {
	Buyer     string
	Total     int64 // в минимальных единицах валюты
	Status    OrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
	// Платеж прошел, выдача еще не завершена. Ставится вместе со статусом paid
	FulfillmentPending bool
	// Долг по выдаче: платеж прошел, а выдать товар не удалось
	FulfillmentFailed bool
	FulfillmentError  string
}

type LineItemKind string

const (
	LineItemRedeemCode   LineItemKind = "redeem_code"
	LineItemWalletCredit LineItemKind = "wallet_credit"
)

type LineItem struct {
	Position       int
	Kind           LineItemKind
	DenominationID string // для redeem_code
	Quantity       int    // для redeem_code
	Amount         int64  // для wallet_credit
	// Результат выдачи
	Fulfilled bool
	Error     string
}

// Платежи

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusPaid       PaymentStatus = "paid"
	PaymentStatusFailed     PaymentStatus = "failed"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusPaid || s == PaymentStatusFailed
}

// Rank упорядочивает статусы: отчет с меньшим рангом статус не меняет.
func (s PaymentStatus) Rank() int {
	switch s {
	case PaymentStatusPending:
		return 0
	case PaymentStatusProcessing:
		return 1
	case PaymentStatusPaid, PaymentStatusFailed:
		return 2
	}
	return -1
}

type Payment struct {
	ID              string
	Order           string
	Amount          int64
	Method          string
	Status          PaymentStatus
	ExternalTxnID   string // пусто, пока шлюз не присвоил
	RawPayload      []byte
	StatusChangedAt time.Time
	CreatedAt       time.Time
}

// Коды и номиналы

type CodeStatus string

const (
	CodeStatusAvailable CodeStatus = "available"
	CodeStatusReserved  CodeStatus = "reserved"
	CodeStatusConsumed  CodeStatus = "consumed"
)

type Denomination struct {
	ID                string
	Product           string
	Label             string
	LowStockThreshold int
}

type RedeemCode struct {
	ID           string
	Denomination string
	Payload      string
	Status       CodeStatus
	ClaimedBy    string
	ClaimedAt    time.Time
}

// StockLevel - вычисляемый остаток, нигде не хранится
type StockLevel struct {
	Denomination Denomination
	Available    int
}

func (l StockLevel) Low() bool {
	return l.Available < l.Denomination.LowStockThreshold
}

// Кошельки и журнал

type Wallet struct {
	Owner     string
	Balance   int64
	Version   int64
	UpdatedAt time.Time
}

type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

type LedgerEntry struct {
	ID           string
	Wallet       string
	Amount       int64
	Direction    Direction
	Counterparty string
	Reason       string
	Balance      int64 // баланс после операции
	Timestamp    time.Time
}

// WalletMutation - одно изменение в составе атомарной операции над кошельками
type WalletMutation struct {
	Wallet       string
	Amount       int64
	Direction    Direction
	Counterparty string
	Reason       string
}

// Входящие уведомления шлюза

type WebhookOutcome string

const (
	WebhookAccepted         WebhookOutcome = "accepted"
	WebhookBadSignature     WebhookOutcome = "bad_signature"
	WebhookUnparsable       WebhookOutcome = "unparsable"
	WebhookAmountMismatch   WebhookOutcome = "amount_mismatch"
	WebhookUnknownPayment   WebhookOutcome = "unknown_payment"
	WebhookUnknownStatus    WebhookOutcome = "unknown_status"
	WebhookProcessingFailed WebhookOutcome = "processing_failed"
)

type WebhookEvent struct {
	ID             string
	TransactionID  string
	Payment        string
	SignatureValid bool
	Outcome        WebhookOutcome
	Error          string
	Payload        []byte
	ReceivedAt     time.Time
}
