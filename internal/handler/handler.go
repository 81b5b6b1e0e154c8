// Package handler содержит HTTP-обработчики API платёжного движка.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/checkout-system/internal/gateway"
	"github.com/mmeshcher/checkout-system/internal/middleware"
	"github.com/mmeshcher/checkout-system/internal/model"
	"github.com/mmeshcher/checkout-system/internal/repository"
	"github.com/mmeshcher/checkout-system/internal/service"
)

// SignatureHeader — заголовок, в котором шлюз передаёт подпись уведомления.
const SignatureHeader = "Gateway-Signature"

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateCheckoutSession(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error)
	ProcessEvent(ctx context.Context, payload []byte, sigHeader string) error
	SendConfirmation(ctx context.Context, orderID string) (service.ConfirmationResult, error)
	AllowConfirmationAttempt(ctx context.Context, orderID string) bool
	RunAbandonedScan(ctx context.Context) (*model.ScanReport, error)
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	AdvanceOrderStatus(ctx context.Context, orderID string, next model.OrderStatus) (model.TransitionResult, error)
}

// Handler реализует HTTP-обработчики API платёжного движка.
type Handler struct {
	service       Service
	logger        *zap.Logger
	schedulerAuth *middleware.SchedulerAuth
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, schedulerAuth *middleware.SchedulerAuth) *Handler {
	return &Handler{
		service:       s,
		logger:        logger,
		schedulerAuth: schedulerAuth,
	}
}

func toCents(v float64) int64 {
	return int64(math.Round(v * 100))
}

type lineItemRequest struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Quantity  int64   `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	Variant   string  `json:"variant,omitempty"`
}

type checkoutRequest struct {
	OrderID       string            `json:"order_id"`
	CustomerEmail string            `json:"customer_email"`
	Items         []lineItemRequest `json:"items"`
	Subtotal      float64           `json:"subtotal"`
	Tax           float64           `json:"tax"`
	ShippingCost  float64           `json:"shipping_cost"`
	Total         float64           `json:"total"`
}

type checkoutResponse struct {
	SessionID   string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
}

// CreateCheckoutSession открывает платёжную сессию для заказа.
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	items := make([]model.LineItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, model.LineItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: toCents(item.UnitPrice),
			Variant:   item.Variant,
		})
	}

	result, err := h.service.CreateCheckoutSession(r.Context(), service.CheckoutRequest{
		OrderID:       req.OrderID,
		CustomerEmail: strings.TrimSpace(req.CustomerEmail),
		Items:         items,
		Subtotal:      toCents(req.Subtotal),
		Tax:           toCents(req.Tax),
		ShippingCost:  toCents(req.ShippingCost),
		Total:         toCents(req.Total),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrOrderExists):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("create checkout session error", zap.Error(err), zap.String("order", req.OrderID))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		}
		return
	}

	writeJSON(w, http.StatusOK, checkoutResponse{
		SessionID:   result.SessionID,
		RedirectURL: result.RedirectURL,
	})
}

// PaymentEvents принимает подписанные уведомления платёжного шлюза.
// Для проверенного и обработанного (или дедуплицированного) уведомления
// всегда возвращается 2xx, чтобы шлюз не повторял доставку впустую.
func (h *Handler) PaymentEvents(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err = h.service.ProcessEvent(r.Context(), payload, r.Header.Get(SignatureHeader))
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidSignature) || errors.Is(err, gateway.ErrBadPayload) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("process payment event error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type confirmationResponse struct {
	Status string `json:"status"`
}

// SendConfirmation — резервный триггер отправки подтверждения оплаты.
func (h *Handler) SendConfirmation(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !h.service.AllowConfirmationAttempt(r.Context(), orderID) {
		w.Header().Set("Retry-After", "60")
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	result, err := h.service.SendConfirmation(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("send confirmation error", zap.Error(err), zap.String("order", orderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	switch result {
	case service.ConfirmationSent:
		writeJSON(w, http.StatusOK, confirmationResponse{Status: "sent"})
	case service.ConfirmationAlreadySent:
		writeJSON(w, http.StatusOK, confirmationResponse{Status: "already_sent"})
	case service.ConfirmationPending:
		writeJSON(w, http.StatusAccepted, confirmationResponse{Status: "pending"})
	}
}

// AbandonedCartScan выполняет один проход сканера брошенных корзин.
// Вызывается внешним планировщиком.
func (h *Handler) AbandonedCartScan(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.RunAbandonedScan(r.Context())
	if err != nil {
		h.logger.Error("abandoned cart scan error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

type lineItemResponse struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Quantity  int64   `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	Variant   string  `json:"variant,omitempty"`
}

type orderResponse struct {
	ID           string             `json:"id"`
	Status       string             `json:"status"`
	Subtotal     float64            `json:"subtotal"`
	Tax          float64            `json:"tax"`
	ShippingCost float64            `json:"shipping_cost"`
	Total        float64            `json:"total"`
	Items        []lineItemResponse `json:"items"`
	PaidAt       *string            `json:"paid_at,omitempty"`
	CreatedAt    string             `json:"created_at"`
	UpdatedAt    string             `json:"updated_at"`
}

// GetOrder возвращает текущее состояние заказа для опроса клиентом.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	order, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err), zap.String("order", orderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	items := make([]lineItemResponse, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, lineItemResponse{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: float64(item.UnitPrice) / 100,
			Variant:   item.Variant,
		})
	}

	resp := orderResponse{
		ID:           order.ID,
		Status:       string(order.Status),
		Subtotal:     float64(order.Subtotal) / 100,
		Tax:          float64(order.Tax) / 100,
		ShippingCost: float64(order.ShippingCost) / 100,
		Total:        float64(order.Total) / 100,
		Items:        items,
		CreatedAt:    order.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    order.UpdatedAt.Format(time.RFC3339),
	}
	if order.PaidAt != nil {
		paidAt := order.PaidAt.Format(time.RFC3339)
		resp.PaidAt = &paidAt
	}

	writeJSON(w, http.StatusOK, resp)
}

type advanceStatusRequest struct {
	Status string `json:"status"`
}

type advanceStatusResponse struct {
	Result string `json:"result"`
}

// AdvanceStatus выполняет переход выполнения заказа (используется админкой).
func (h *Handler) AdvanceStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req advanceStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	next := model.OrderStatus(req.Status)
	if len(model.FulfillmentSources(next)) == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.service.AdvanceOrderStatus(r.Context(), orderID, next)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("advance order status error", zap.Error(err), zap.String("order", orderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if result == model.TransitionRejected {
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusOK, advanceStatusResponse{Result: result.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
