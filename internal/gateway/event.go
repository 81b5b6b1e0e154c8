package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Типы уведомлений шлюза. Единственный авторитетный источник переходов
// состояния заказа — события завершения и истечения сессии; остальные типы
// подтверждаются без изменения состояния.
const (
	EventSessionCompleted     = "checkout.session.completed"
	EventSessionExpired       = "checkout.session.expired"
	EventAsyncPaymentFailed   = "checkout.session.async_payment_failed"
	EventPaymentIntentCreated = "payment_intent.created"
	EventPaymentCaptured      = "payment_intent.succeeded"
)

// ErrInvalidSignature возвращается, если подпись уведомления не прошла проверку.
var (
	ErrInvalidSignature = errors.New("invalid event signature")
	// ErrBadPayload возвращается при синтаксически некорректном уведомлении.
	ErrBadPayload = errors.New("malformed event payload")
)

// signatureTolerance ограничивает возраст подписи для защиты от повторного
// воспроизведения перехваченных уведомлений.
const signatureTolerance = 5 * time.Minute

// Event описывает разобранное и проверенное уведомление шлюза.
type Event struct {
	ID   string       `json:"id"`
	Type string       `json:"type"`
	Data EventSession `json:"data"`
}

// EventSession содержит сведения о платёжной сессии внутри уведомления.
type EventSession struct {
	SessionID       string            `json:"id"`
	PaymentStatus   string            `json:"payment_status"`
	PaymentIntentID string            `json:"payment_intent"`
	Metadata        map[string]string `json:"metadata"`
}

// OrderID возвращает идентификатор заказа, вложенный в метаданные сессии.
func (e *Event) OrderID() string {
	return e.Data.Metadata["order_id"]
}

// ParseEvent проверяет подпись уведомления и разбирает его содержимое.
// Формат заголовка подписи: "t=<unix>,v1=<hex(hmac-sha256(t + "." + payload))>".
// Проверка закрыта по умолчанию: любое отклонение — ErrInvalidSignature.
func ParseEvent(payload []byte, sigHeader, secret string) (*Event, error) {
	return parseEventAt(payload, sigHeader, secret, time.Now())
}

func parseEventAt(payload []byte, sigHeader, secret string, now time.Time) (*Event, error) {
	if secret == "" {
		return nil, ErrInvalidSignature
	}

	ts, sig, err := splitSignatureHeader(sigHeader)
	if err != nil {
		return nil, err
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := ComputeSignature(payload, ts, secret)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return nil, ErrInvalidSignature
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: missing event id or type", ErrBadPayload)
	}

	return &event, nil
}

func splitSignatureHeader(header string) (int64, string, error) {
	var tsPart, sigPart string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			tsPart = v
		case "v1":
			sigPart = v
		}
	}

	if tsPart == "" || sigPart == "" {
		return 0, "", fmt.Errorf("%w: missing signature parts", ErrInvalidSignature)
	}

	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}

	return ts, sigPart, nil
}

// ComputeSignature вычисляет подпись содержимого для указанной метки времени.
// Используется тестами и инструментами, имитирующими шлюз.
func ComputeSignature(payload []byte, ts int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
