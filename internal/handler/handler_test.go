package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/checkout-system/internal/gateway"
	"github.com/mmeshcher/checkout-system/internal/middleware"
	"github.com/mmeshcher/checkout-system/internal/model"
	"github.com/mmeshcher/checkout-system/internal/repository"
	"github.com/mmeshcher/checkout-system/internal/service"
)

// stubService подменяет бизнес-логику в тестах обработчиков.
type stubService struct {
	checkoutResult *service.CheckoutResult
	checkoutErr    error

	processEventErr error
	eventPayload    []byte
	eventSig        string

	confirmationResult service.ConfirmationResult
	confirmationErr    error
	rateLimited        bool

	scanReport *model.ScanReport
	scanErr    error
	scanCalls  int

	order    *model.Order
	orderErr error

	advanceResult model.TransitionResult
	advanceErr    error
	advanceNext   model.OrderStatus
}

func (s *stubService) CreateCheckoutSession(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error) {
	if s.checkoutErr != nil {
		return nil, s.checkoutErr
	}
	return s.checkoutResult, nil
}

func (s *stubService) ProcessEvent(ctx context.Context, payload []byte, sigHeader string) error {
	s.eventPayload = payload
	s.eventSig = sigHeader
	return s.processEventErr
}

func (s *stubService) SendConfirmation(ctx context.Context, orderID string) (service.ConfirmationResult, error) {
	return s.confirmationResult, s.confirmationErr
}

func (s *stubService) AllowConfirmationAttempt(ctx context.Context, orderID string) bool {
	return !s.rateLimited
}

func (s *stubService) RunAbandonedScan(ctx context.Context) (*model.ScanReport, error) {
	s.scanCalls++
	if s.scanErr != nil {
		return nil, s.scanErr
	}
	if s.scanReport != nil {
		return s.scanReport, nil
	}
	return &model.ScanReport{}, nil
}

func (s *stubService) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	if s.orderErr != nil {
		return nil, s.orderErr
	}
	return s.order, nil
}

func (s *stubService) AdvanceOrderStatus(ctx context.Context, orderID string, next model.OrderStatus) (model.TransitionResult, error) {
	s.advanceNext = next
	return s.advanceResult, s.advanceErr
}

func newTestServer(t *testing.T, svc *stubService, schedulerToken string) *httptest.Server {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	h := NewHandler(svc, logger, middleware.NewSchedulerAuth(schedulerToken))
	srv := httptest.NewServer(h.SetupRouter())
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url, body string, headers map[string]string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

const checkoutBody = `{
	"order_id": "order-1",
	"customer_email": "customer@example.com",
	"items": [{"product_id": "p1", "name": "mug", "quantity": 2, "unit_price": 20.00}],
	"subtotal": 40.00,
	"tax": 3.40,
	"total": 43.40
}`

func TestCreateCheckoutSession(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		svc        *stubService
		wantStatus int
	}{
		{
			name: "success",
			body: checkoutBody,
			svc: &stubService{checkoutResult: &service.CheckoutResult{
				SessionID:   "cs_1",
				RedirectURL: "https://gateway.example/pay/cs_1",
			}},
			wantStatus: http.StatusOK,
		},
		{
			name:       "malformed json",
			body:       `{"order_id":`,
			svc:        &stubService{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "validation failure",
			body:       checkoutBody,
			svc:        &stubService{checkoutErr: service.ErrValidation},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "duplicate order",
			body:       checkoutBody,
			svc:        &stubService{checkoutErr: repository.ErrOrderExists},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "gateway failure",
			body:       checkoutBody,
			svc:        &stubService{checkoutErr: context.DeadlineExceeded},
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.svc, "")

			resp := doRequest(t, http.MethodPost, srv.URL+"/api/checkout-sessions", tt.body,
				map[string]string{"Content-Type": "application/json"})
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}

			if tt.wantStatus == http.StatusOK {
				var got struct {
					SessionID   string `json:"session_id"`
					RedirectURL string `json:"redirect_url"`
				}
				if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
					t.Fatalf("decode response: %v", err)
				}
				if got.SessionID != "cs_1" || got.RedirectURL == "" {
					t.Fatalf("response = %+v", got)
				}
			}
		})
	}
}

func TestPaymentEvents(t *testing.T) {
	tests := []struct {
		name       string
		svc        *stubService
		wantStatus int
	}{
		{name: "accepted", svc: &stubService{}, wantStatus: http.StatusOK},
		{name: "bad signature", svc: &stubService{processEventErr: gateway.ErrInvalidSignature}, wantStatus: http.StatusBadRequest},
		{name: "bad payload", svc: &stubService{processEventErr: gateway.ErrBadPayload}, wantStatus: http.StatusBadRequest},
		{name: "store failure", svc: &stubService{processEventErr: context.DeadlineExceeded}, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.svc, "")

			resp := doRequest(t, http.MethodPost, srv.URL+"/api/payment-events", `{"id":"evt_1"}`,
				map[string]string{SignatureHeader: "t=1,v1=aa"})
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

// Тело и заголовок подписи передаются в сервис без искажений: подпись
// считается от сырых байтов.
func TestPaymentEventsPassesRawBody(t *testing.T) {
	svc := &stubService{}
	srv := newTestServer(t, svc, "")

	body := `{"id":"evt_1","type":"checkout.session.completed"}`
	resp := doRequest(t, http.MethodPost, srv.URL+"/api/payment-events", body,
		map[string]string{SignatureHeader: "t=42,v1=deadbeef"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if string(svc.eventPayload) != body {
		t.Fatalf("payload altered in transit: %q", svc.eventPayload)
	}
	if svc.eventSig != "t=42,v1=deadbeef" {
		t.Fatalf("signature header = %q", svc.eventSig)
	}
}

func TestSendConfirmation(t *testing.T) {
	tests := []struct {
		name       string
		svc        *stubService
		wantStatus int
		wantBody   string
	}{
		{
			name:       "sent",
			svc:        &stubService{confirmationResult: service.ConfirmationSent},
			wantStatus: http.StatusOK,
			wantBody:   `"sent"`,
		},
		{
			name:       "already sent",
			svc:        &stubService{confirmationResult: service.ConfirmationAlreadySent},
			wantStatus: http.StatusOK,
			wantBody:   `"already_sent"`,
		},
		{
			name:       "pending",
			svc:        &stubService{confirmationResult: service.ConfirmationPending},
			wantStatus: http.StatusAccepted,
			wantBody:   `"pending"`,
		},
		{
			name:       "unknown order",
			svc:        &stubService{confirmationErr: repository.ErrOrderNotFound},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "rate limited",
			svc:        &stubService{rateLimited: true},
			wantStatus: http.StatusTooManyRequests,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.svc, "")

			resp := doRequest(t, http.MethodPost, srv.URL+"/api/orders/order-1/send-confirmation", "", nil)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}

			if tt.wantStatus == http.StatusTooManyRequests {
				if resp.Header.Get("Retry-After") != "60" {
					t.Fatalf("Retry-After = %q, want 60", resp.Header.Get("Retry-After"))
				}
			}

			if tt.wantBody != "" {
				var buf bytes.Buffer
				if _, err := buf.ReadFrom(resp.Body); err != nil {
					t.Fatalf("read body: %v", err)
				}
				if !strings.Contains(buf.String(), tt.wantBody) {
					t.Fatalf("body = %q, want substring %q", buf.String(), tt.wantBody)
				}
			}
		})
	}
}

func TestAbandonedCartScan(t *testing.T) {
	svc := &stubService{scanReport: &model.ScanReport{SessionsProcessed: 2, EmailsSent: 1}}
	srv := newTestServer(t, svc, "")

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/abandoned-cart-scan", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var report model.ScanReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.SessionsProcessed != 2 || report.EmailsSent != 1 {
		t.Fatalf("report = %+v", report)
	}
}

func TestAbandonedCartScanAuth(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		wantStatus int
		wantCalls  int
	}{
		{name: "valid token", token: "scan-secret", wantStatus: http.StatusOK, wantCalls: 1},
		{name: "wrong token", token: "guess", wantStatus: http.StatusUnauthorized, wantCalls: 0},
		{name: "missing token", token: "", wantStatus: http.StatusUnauthorized, wantCalls: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{}
			srv := newTestServer(t, svc, "scan-secret")

			headers := map[string]string{}
			if tt.token != "" {
				headers[middleware.SchedulerTokenHeader] = tt.token
			}

			resp := doRequest(t, http.MethodPost, srv.URL+"/api/abandoned-cart-scan", "", headers)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if svc.scanCalls != tt.wantCalls {
				t.Fatalf("scan called %d times, want %d", svc.scanCalls, tt.wantCalls)
			}
		})
	}
}

func TestGetOrder(t *testing.T) {
	paidAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	order := &model.Order{
		ID:           "order-1",
		Status:       model.OrderStatusPaid,
		Subtotal:     4000,
		Tax:          340,
		ShippingCost: 0,
		Total:        4340,
		Items: []model.LineItem{
			{ProductID: "p1", Name: "mug", Quantity: 2, UnitPrice: 2000},
		},
		PaidAt:    &paidAt,
		CreatedAt: paidAt.Add(-time.Hour),
		UpdatedAt: paidAt,
	}

	srv := newTestServer(t, &stubService{order: order}, "")

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/orders/order-1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var got struct {
		ID     string  `json:"id"`
		Status string  `json:"status"`
		Total  float64 `json:"total"`
		PaidAt *string `json:"paid_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != "order-1" || got.Status != "paid" {
		t.Fatalf("response = %+v", got)
	}
	if got.Total != 43.40 {
		t.Fatalf("total = %v, want 43.40", got.Total)
	}
	if got.PaidAt == nil || *got.PaidAt != "2025-03-01T12:00:00Z" {
		t.Fatalf("paid_at = %v", got.PaidAt)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	srv := newTestServer(t, &stubService{orderErr: repository.ErrOrderNotFound}, "")

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/orders/order-ghost", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAdvanceStatus(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		svc        *stubService
		wantStatus int
	}{
		{
			name:       "applied",
			body:       `{"status": "processing"}`,
			svc:        &stubService{advanceResult: model.TransitionApplied},
			wantStatus: http.StatusOK,
		},
		{
			name:       "already satisfied",
			body:       `{"status": "shipped"}`,
			svc:        &stubService{advanceResult: model.TransitionAlreadySatisfied},
			wantStatus: http.StatusOK,
		},
		{
			name:       "rejected",
			body:       `{"status": "delivered"}`,
			svc:        &stubService{advanceResult: model.TransitionRejected},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "not a fulfillment status",
			body:       `{"status": "paid"}`,
			svc:        &stubService{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown status",
			body:       `{"status": "lost"}`,
			svc:        &stubService{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed json",
			body:       `{"status":`,
			svc:        &stubService{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown order",
			body:       `{"status": "processing"}`,
			svc:        &stubService{advanceErr: repository.ErrOrderNotFound},
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.svc, "")

			resp := doRequest(t, http.MethodPost, srv.URL+"/api/orders/order-1/status", tt.body,
				map[string]string{"Content-Type": "application/json"})
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}
