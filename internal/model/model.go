// Package model содержит доменные сущности платёжного движка.
package model

import "time"

// OrderStatus описывает статус жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusReadyForPickup OrderStatus = "ready_for_pickup"
	OrderStatusShipped        OrderStatus = "shipped"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusPaymentFailed  OrderStatus = "payment_failed"
)

// fulfillmentTransitions задаёт допустимые переходы после оплаты.
// Переходы до оплаты (pending → paid/cancelled/payment_failed) выполняются
// только через условные операции репозитория и здесь не перечислены.
var fulfillmentTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusProcessing:     {OrderStatusPaid},
	OrderStatusReadyForPickup: {OrderStatusProcessing},
	OrderStatusShipped:        {OrderStatusProcessing, OrderStatusReadyForPickup},
	OrderStatusDelivered:      {OrderStatusReadyForPickup, OrderStatusShipped},
}

// FulfillmentSources возвращает статусы, из которых разрешён переход в target.
// Пустой срез означает, что переход в target через выполнение заказа невозможен.
func FulfillmentSources(target OrderStatus) []OrderStatus {
	return fulfillmentTransitions[target]
}

// CanTransition сообщает, допустим ли переход выполнения заказа from → to.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range fulfillmentTransitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// LineItem описывает одну позицию заказа. Скидка представляется отдельной
// позицией с отрицательной ценой, а не уменьшением цен остальных позиций.
type LineItem struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Variant   string `json:"variant,omitempty"`
}

// Order описывает заказ и состояние его оплаты. Денежные суммы хранятся
// в копейках (int64).
type Order struct {
	ID               string
	Status           OrderStatus
	Subtotal         int64
	Tax              int64
	ShippingCost     int64
	Total            int64
	Items            []LineItem
	PaymentSessionID string
	PaymentIntentID  string
	PaidAt           *time.Time
	EmailsSent       bool
	EmailsSentAt     *time.Time
	WebhookEventID   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CheckoutSession описывает отслеживаемую незавершённую платёжную сессию.
// Запись создаётся при инициализации оплаты и служит базой для напоминаний
// о брошенной корзине; никогда не удаляется.
type CheckoutSession struct {
	SessionID     string
	OrderID       string
	CustomerEmail string
	Items         []LineItem
	Subtotal      int64
	Tax           int64
	ShippingCost  int64
	Total         int64
	EmailsSent    int
	EmailSentAt   []time.Time
	Completed     bool
	Expired       bool
	CreatedAt     time.Time
}

// MaxReminderEmails ограничивает количество напоминаний по одной сессии.
const MaxReminderEmails = 3

// Окна ступенчатых напоминаний, отсчитываемые от создания сессии. Каждое окно
// привязано к счётчику отправленных писем: сессия со счётчиком 0 получает
// письмо в [1ч, 24ч), со счётчиком 1 — в [24ч, 48ч), со счётчиком 2 — от 48ч.
// Сессия, проспавшая своё окно, больше не является кандидатом на напоминание.
const (
	FirstReminderAfter  = 1 * time.Hour
	SecondReminderAfter = 24 * time.Hour
	ThirdReminderAfter  = 48 * time.Hour
)

// TransitionResult описывает исход условного перехода состояния заказа.
type TransitionResult int

const (
	// TransitionApplied — переход выполнен этим вызовом.
	TransitionApplied TransitionResult = iota
	// TransitionAlreadySatisfied — состояние уже достигнуто ранее, ничего не изменено.
	TransitionAlreadySatisfied
	// TransitionRejected — предусловие перехода не выполнено.
	TransitionRejected
)

// String возвращает текстовое представление результата для логов.
func (r TransitionResult) String() string {
	switch r {
	case TransitionApplied:
		return "applied"
	case TransitionAlreadySatisfied:
		return "already_satisfied"
	case TransitionRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ScanReport содержит счётчики одного прохода сканера брошенных корзин.
type ScanReport struct {
	SessionsProcessed int `json:"sessions_processed"`
	EmailsSent        int `json:"emails_sent"`
	Errors            int `json:"errors"`
}
