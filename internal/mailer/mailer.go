// Package mailer предоставляет клиент сервиса доставки писем.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrSendRejected возвращается, если сервис доставки отказал в отправке письма.
var ErrSendRejected = errors.New("mail delivery rejected")

// Message описывает письмо для отправки. IdempotencyKey задаётся вызывающей
// стороной: для подтверждений оплаты он детерминирован по заказу, чтобы
// транспортные повторы не приводили ко второму письму.
type Message struct {
	To             string `json:"to"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Client инкапсулирует HTTP-взаимодействие с сервисом доставки писем.
// Канал доставки повторяет запросы при сетевых сбоях, поэтому сам по себе
// он «как минимум один раз»; дедупликация — на стороне сервиса по ключу.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент сервиса доставки писем по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// Send отправляет письмо через сервис доставки.
func (c *Client) Send(ctx context.Context, msg Message) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("mailer client not configured")
	}
	if msg.To == "" {
		return fmt.Errorf("empty recipient")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v1/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrSendRejected, resp.StatusCode)
	}

	return nil
}
