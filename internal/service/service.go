// Package service реализует бизнес-логику платёжного движка.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/checkout-system/internal/gateway"
	"github.com/mmeshcher/checkout-system/internal/mailer"
	"github.com/mmeshcher/checkout-system/internal/model"
	"github.com/mmeshcher/checkout-system/internal/validation"
)

// ErrValidation возвращается при некорректных входных данных создания сессии.
// Проверка выполняется до любых внешних вызовов: отказ не оставляет следов.
var ErrValidation = errors.New("validation failed")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateOrder(ctx context.Context, order *model.Order) error
	GetOrderByID(ctx context.Context, orderID string) (*model.Order, error)
	SetOrderSession(ctx context.Context, orderID, sessionID string) error

	MarkOrderPaid(ctx context.Context, orderID, sessionID, paymentIntentID, eventID string) (model.TransitionResult, error)
	MarkOrderCancelled(ctx context.Context, orderID, eventID, reason string) (model.TransitionResult, error)
	MarkOrderPaymentFailed(ctx context.Context, orderID, eventID, reason string) (model.TransitionResult, error)
	AdvanceOrderStatus(ctx context.Context, orderID string, next model.OrderStatus) (model.TransitionResult, error)

	ClaimConfirmationEmail(ctx context.Context, orderID string) (bool, error)
	ReleaseConfirmationEmail(ctx context.Context, orderID string) error

	CreateCheckoutSession(ctx context.Context, s *model.CheckoutSession) error
	GetCheckoutSessionByID(ctx context.Context, sessionID string) (*model.CheckoutSession, error)
	GetLatestSessionByOrderID(ctx context.Context, orderID string) (*model.CheckoutSession, error)
	GetSessionsForReminder(ctx context.Context, now time.Time, limit int) ([]model.CheckoutSession, error)
	MarkSessionCompleted(ctx context.Context, sessionID string) error
	MarkSessionExpired(ctx context.Context, sessionID string) error
	IncrementSessionEmails(ctx context.Context, sessionID string, current int) (bool, error)

	WasEventProcessed(ctx context.Context, eventID string) (bool, error)
	RecordProcessedEvent(ctx context.Context, eventID, eventType, orderID string) error
	PruneProcessedEvents(ctx context.Context, cutoff time.Time) (int64, error)

	IncrementRateLimit(ctx context.Context, bucket string, windowStart time.Time) (int, error)
	PruneRateLimits(ctx context.Context, cutoff time.Time) (int64, error)
}

// GatewayClient описывает контракт платёжного шлюза, используемый сервисом.
type GatewayClient interface {
	CreateSession(ctx context.Context, req gateway.CreateSessionRequest) (*gateway.CreatedSession, error)
	RetrieveSession(ctx context.Context, sessionID string) (*gateway.Session, error)
}

// MailClient описывает контракт сервиса доставки писем.
type MailClient interface {
	Send(ctx context.Context, msg mailer.Message) error
}

// Options содержит параметры поведения сервиса.
type Options struct {
	WebhookSecret  string
	SuccessURL     string
	CancelURL      string
	EventRetention time.Duration
}

// Service содержит бизнес-логику платёжного движка.
type Service struct {
	repo    Repository
	gateway GatewayClient
	mailer  MailClient
	logger  *zap.Logger
	opts    Options
}

// NewService создаёт новый сервис с указанными зависимостями.
func NewService(repo Repository, gw GatewayClient, mail MailClient, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.EventRetention <= 0 {
		opts.EventRetention = 30 * 24 * time.Hour
	}

	return &Service{
		repo:    repo,
		gateway: gw,
		mailer:  mail,
		logger:  logger,
		opts:    opts,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CheckoutRequest описывает запрос создания платёжной сессии. Суммы — в копейках.
type CheckoutRequest struct {
	OrderID       string
	CustomerEmail string
	Items         []model.LineItem
	Subtotal      int64
	Tax           int64
	ShippingCost  int64
	Total         int64
}

// CheckoutResult содержит данные созданной платёжной сессии.
type CheckoutResult struct {
	SessionID   string
	RedirectURL string
}

func validateCheckout(req CheckoutRequest) error {
	if req.OrderID == "" {
		return fmt.Errorf("%w: empty order id", ErrValidation)
	}
	if !validation.IsValidEmail(req.CustomerEmail) {
		return fmt.Errorf("%w: invalid customer email", ErrValidation)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: at least one line item required", ErrValidation)
	}
	if req.Subtotal < 0 || req.Tax < 0 || req.ShippingCost < 0 || req.Total < 0 {
		return fmt.Errorf("%w: amounts must be non-negative", ErrValidation)
	}

	var itemsTotal, positiveTotal int64
	for i, item := range req.Items {
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d has non-positive quantity", ErrValidation, i)
		}
		line := item.Quantity * item.UnitPrice
		itemsTotal += line
		if line > 0 {
			positiveTotal += line
		}
	}

	// Скидка входит в позиции отрицательной строкой: subtotal равен сумме
	// положительных позиций, итог сходится по фактической сумме всех позиций.
	if req.Subtotal != positiveTotal {
		return fmt.Errorf("%w: subtotal does not match line items", ErrValidation)
	}
	if !validation.ReconcileTotal(itemsTotal, req.Tax, req.ShippingCost, req.Total) {
		return fmt.Errorf("%w: amounts do not reconcile", ErrValidation)
	}

	return nil
}

// CreateCheckoutSession создаёт заказ в статусе pending, открывает платёжную
// сессию у шлюза и сохраняет отслеживаемую запись для напоминаний.
// Сбой сохранения отслеживаемой записи логируется и проглатывается: напоминания
// о брошенной корзине — best-effort, оплата — нет.
func (s *Service) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if err := validateCheckout(req); err != nil {
		return nil, err
	}

	order := &model.Order{
		ID:           req.OrderID,
		Status:       model.OrderStatusPending,
		Subtotal:     req.Subtotal,
		Tax:          req.Tax,
		ShippingCost: req.ShippingCost,
		Total:        req.Total,
		Items:        req.Items,
	}
	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	sessionItems := make([]gateway.SessionItem, 0, len(req.Items))
	for _, item := range req.Items {
		sessionItems = append(sessionItems, gateway.SessionItem{
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	created, err := s.gateway.CreateSession(ctx, gateway.CreateSessionRequest{
		Items:         sessionItems,
		Tax:           req.Tax,
		ShippingCost:  req.ShippingCost,
		Total:         req.Total,
		Currency:      "rub",
		CustomerEmail: req.CustomerEmail,
		SuccessURL:    s.opts.SuccessURL,
		CancelURL:     s.opts.CancelURL,
		Metadata:      map[string]string{"order_id": req.OrderID},
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway session: %w", err)
	}

	if err := s.repo.SetOrderSession(ctx, req.OrderID, created.SessionID); err != nil {
		return nil, err
	}

	tracking := &model.CheckoutSession{
		SessionID:     created.SessionID,
		OrderID:       req.OrderID,
		CustomerEmail: req.CustomerEmail,
		Items:         req.Items,
		Subtotal:      req.Subtotal,
		Tax:           req.Tax,
		ShippingCost:  req.ShippingCost,
		Total:         req.Total,
	}
	if err := s.repo.CreateCheckoutSession(ctx, tracking); err != nil {
		s.logger.Warn("failed to save checkout tracking entry",
			zap.String("orderID", req.OrderID),
			zap.String("sessionID", created.SessionID),
			zap.Error(err))
	}

	return &CheckoutResult{
		SessionID:   created.SessionID,
		RedirectURL: created.RedirectURL,
	}, nil
}

// GetOrder возвращает заказ по идентификатору.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return s.repo.GetOrderByID(ctx, orderID)
}

// AdvanceOrderStatus выполняет переход выполнения заказа.
func (s *Service) AdvanceOrderStatus(ctx context.Context, orderID string, next model.OrderStatus) (model.TransitionResult, error) {
	res, err := s.repo.AdvanceOrderStatus(ctx, orderID, next)
	if err != nil {
		return res, err
	}

	if res == model.TransitionRejected {
		s.logger.Info("fulfillment transition rejected",
			zap.String("orderID", orderID),
			zap.String("next", string(next)))
	}

	return res, nil
}

// confirmationAttemptsPerMinute ограничивает частоту резервной проверки оплаты
// по одному заказу: каждый вызов стоит обращения к шлюзу.
const confirmationAttemptsPerMinute = 5

// AllowConfirmationAttempt учитывает попытку резервной отправки подтверждения
// в долговременном счётчике и сообщает, не превышен ли лимит. При недоступном
// хранилище лимит открыт: ограничение частоты не должно блокировать оплату.
func (s *Service) AllowConfirmationAttempt(ctx context.Context, orderID string) bool {
	window := time.Now().Truncate(time.Minute)
	count, err := s.repo.IncrementRateLimit(ctx, "confirm:"+orderID, window)
	if err != nil {
		s.logger.Warn("rate limit check failed", zap.String("orderID", orderID), zap.Error(err))
		return true
	}
	return count <= confirmationAttemptsPerMinute
}

func formatAmount(cents int64) string {
	return strconv.FormatFloat(float64(cents)/100, 'f', 2, 64)
}
