// Package gateway предоставляет клиент для внешнего платёжного шлюза.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// ErrSessionNotFound возвращается, если шлюз не знает указанную сессию.
var ErrSessionNotFound = errors.New("checkout session not found")

// Статусы платёжной сессии, которые возвращает шлюз.
const (
	SessionStatusOpen     = "open"
	SessionStatusComplete = "complete"
	SessionStatusExpired  = "expired"
)

// PaymentStatusPaid — единственный статус оплаты, который считается успешным.
// Статус "unpaid" сопровождает отложенные методы оплаты и успехом не является.
const (
	PaymentStatusPaid   = "paid"
	PaymentStatusUnpaid = "unpaid"
)

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент для обращения к платёжному шлюзу по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// SessionItem описывает одну позицию в запросе создания сессии.
type SessionItem struct {
	Name      string `json:"name"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// CreateSessionRequest описывает запрос создания платёжной сессии.
type CreateSessionRequest struct {
	Items         []SessionItem     `json:"items"`
	Tax           int64             `json:"tax"`
	ShippingCost  int64             `json:"shipping_cost"`
	Total         int64             `json:"total"`
	Currency      string            `json:"currency"`
	CustomerEmail string            `json:"customer_email"`
	SuccessURL    string            `json:"success_url"`
	CancelURL     string            `json:"cancel_url"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// CreatedSession описывает созданную шлюзом платёжную сессию.
type CreatedSession struct {
	SessionID   string `json:"id"`
	RedirectURL string `json:"url"`
}

// Session описывает текущее состояние платёжной сессии по данным шлюза.
type Session struct {
	SessionID       string `json:"id"`
	Status          string `json:"status"`
	PaymentStatus   string `json:"payment_status"`
	PaymentIntentID string `json:"payment_intent"`
}

func (c *Client) endpoint(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

// CreateSession создаёт платёжную сессию. Запрос изменяет состояние на стороне
// шлюза и поэтому не повторяется клиентом; на случай сетевого повтора на
// другом уровне передаётся ключ идемпотентности.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreatedSession, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("gateway client not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/checkout/sessions"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var created CreatedSession
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if created.SessionID == "" {
		return nil, fmt.Errorf("gateway returned empty session id")
	}

	return &created, nil
}

// RetrieveSession запрашивает текущий статус платёжной сессии. Запрос только
// читает состояние, поэтому кратковременные сбои сети повторяются с бэкоффом.
func (c *Client) RetrieveSession(ctx context.Context, sessionID string) (*Session, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("gateway client not configured")
	}
	if sessionID == "" {
		return nil, fmt.Errorf("empty session id")
	}

	var session *Session

	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := c.retrieveSessionOnce(ctx, sessionID)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				return err
			}
			return retry.RetryableError(err)
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	return session, nil
}

func (c *Client) retrieveSessionOnce(ctx context.Context, sessionID string) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/v1/checkout/sessions/"+sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &session, nil
}
