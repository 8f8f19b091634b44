// Package model содержит доменные сущности сервиса leadtokens.
package model

import "time"

// User представляет пользователя дашборда с балансом токенов.
type User struct {
	ID        int64
	Name      string
	Email     string
	Balance   int64
	CreatedAt time.Time
}

// Product описывает пакет токенов из каталога. Для движка расчётов
// это неизменяемый снимок цены на момент оплаты.
type Product struct {
	ID         int64
	ExternalID string
	Name       string
	PriceCents int64
	Tokens     int64
	Popular    bool
}

// Transaction фиксирует факт зачисления токенов по подтверждённому платежу.
// Записи только добавляются; billing_id уникален и служит ключом идемпотентности.
type Transaction struct {
	ID         int64
	UserID     int64
	ProductID  int64
	BillingID  string
	ValueCents int64
	Tokens     int64
	Method     string
	CreatedAt  time.Time
}

// Checkout хранит выданный процессингом идентификатор платежа для
// серверной сверки, когда webhook не дошёл или браузер потерял id.
type Checkout struct {
	BillingID string
	UserID    int64
	ProductID int64
	Settled   bool
	CreatedAt time.Time
}

// PaymentStatus описывает внутренний статус платежа.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// PaymentEvent — транзиентное событие подтверждённого платежа,
// собранное из webhook или из списка платежей процессинга.
type PaymentEvent struct {
	BillingID         string
	CustomerEmail     string
	ProductExternalID string
	AmountCents       int64
	Method            string
}

// SettlementResult содержит итог обработки платежа движком расчётов.
// Recorded=false означает, что платёж уже был зачислен ранее.
type SettlementResult struct {
	Recorded   bool
	UserID     int64
	Tokens     int64
	NewBalance int64
}
