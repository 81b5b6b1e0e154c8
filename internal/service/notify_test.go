package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mmeshcher/checkout-system/internal/gateway"
	"github.com/mmeshcher/checkout-system/internal/model"
	"github.com/mmeshcher/checkout-system/internal/repository"
)

func TestSendConfirmation_PaidOrder(t *testing.T) {
	repo := newMemRepo()
	mail := &stubMailer{}
	svc := newTestService(repo, &stubGateway{}, mail)
	seedPendingOrder(t, repo, "order-1", "cs_1")

	ctx := context.Background()
	if _, err := repo.MarkOrderPaid(ctx, "order-1", "cs_1", "pi_1", "evt_1"); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	res, err := svc.SendConfirmation(ctx, "order-1")
	if err != nil {
		t.Fatalf("SendConfirmation error: %v", err)
	}
	if res != ConfirmationSent {
		t.Fatalf("result = %v, want ConfirmationSent", res)
	}
	if mail.sentCount() != 1 {
		t.Fatalf("sent %d emails, want 1", mail.sentCount())
	}
	if mail.sent[0].To != "customer@example.com" {
		t.Fatalf("recipient = %q", mail.sent[0].To)
	}

	res, err = svc.SendConfirmation(ctx, "order-1")
	if err != nil {
		t.Fatalf("repeat SendConfirmation error: %v", err)
	}
	if res != ConfirmationAlreadySent {
		t.Fatalf("repeat result = %v, want ConfirmationAlreadySent", res)
	}
	if mail.sentCount() != 1 {
		t.Fatalf("repeat call sent another email")
	}
}

// Конкурентные запросы на подтверждение дают ровно одно письмо: захват флага
// атомарен, проигравший получает ConfirmationAlreadySent.
func TestSendConfirmation_ConcurrentSingleEmail(t *testing.T) {
	repo := newMemRepo()
	mail := &stubMailer{}
	svc := newTestService(repo, &stubGateway{}, mail)
	seedPendingOrder(t, repo, "order-1", "cs_1")

	ctx := context.Background()
	if _, err := repo.MarkOrderPaid(ctx, "order-1", "cs_1", "pi_1", "evt_1"); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	const callers = 8
	results := make([]ConfirmationResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.SendConfirmation(ctx, "order-1")
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	if mail.sentCount() != 1 {
		t.Fatalf("sent %d emails under concurrency, want 1", mail.sentCount())
	}

	var sent int
	for _, res := range results {
		if res == ConfirmationSent {
			sent++
		}
	}
	if sent != 1 {
		t.Fatalf("%d callers reported ConfirmationSent, want 1", sent)
	}
}

func TestSendConfirmation_FallbackVerifiesWithGateway(t *testing.T) {
	repo := newMemRepo()
	gw := &stubGateway{sessions: map[string]*gateway.Session{
		"cs_1": {
			SessionID:       "cs_1",
			Status:          gateway.SessionStatusComplete,
			PaymentStatus:   gateway.PaymentStatusPaid,
			PaymentIntentID: "pi_1",
		},
	}}
	mail := &stubMailer{}
	svc := newTestService(repo, gw, mail)
	seedPendingOrder(t, repo, "order-1", "cs_1")

	// Уведомление шлюза потерялось: заказ локально pending, но шлюз
	// подтверждает оплату.
	res, err := svc.SendConfirmation(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("SendConfirmation error: %v", err)
	}
	if res != ConfirmationSent {
		t.Fatalf("result = %v, want ConfirmationSent", res)
	}

	order, _ := repo.GetOrderByID(context.Background(), "order-1")
	if order.Status != model.OrderStatusPaid {
		t.Fatalf("order status = %q, want paid after fallback verification", order.Status)
	}
	if mail.sentCount() != 1 {
		t.Fatalf("sent %d emails, want 1", mail.sentCount())
	}
}

func TestSendConfirmation_GatewaySaysUnpaid(t *testing.T) {
	repo := newMemRepo()
	gw := &stubGateway{sessions: map[string]*gateway.Session{
		"cs_1": {
			SessionID:     "cs_1",
			Status:        gateway.SessionStatusOpen,
			PaymentStatus: gateway.PaymentStatusUnpaid,
		},
	}}
	mail := &stubMailer{}
	svc := newTestService(repo, gw, mail)
	seedPendingOrder(t, repo, "order-1", "cs_1")

	res, err := svc.SendConfirmation(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("SendConfirmation error: %v", err)
	}
	if res != ConfirmationPending {
		t.Fatalf("result = %v, want ConfirmationPending", res)
	}
	if mail.sentCount() != 0 {
		t.Fatalf("email sent for unpaid order")
	}

	order, _ := repo.GetOrderByID(context.Background(), "order-1")
	if order.Status != model.OrderStatusPending {
		t.Fatalf("order status = %q, want pending", order.Status)
	}
}

func TestSendConfirmation_UnknownOrder(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &stubGateway{}, &stubMailer{})

	_, err := svc.SendConfirmation(context.Background(), "order-ghost")
	if !errors.Is(err, repository.ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestSendConfirmation_SendFailureReleasesClaim(t *testing.T) {
	repo := newMemRepo()
	mail := &stubMailer{failures: 1}
	svc := newTestService(repo, &stubGateway{}, mail)
	seedPendingOrder(t, repo, "order-1", "cs_1")

	ctx := context.Background()
	if _, err := repo.MarkOrderPaid(ctx, "order-1", "cs_1", "pi_1", "evt_1"); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	if _, err := svc.SendConfirmation(ctx, "order-1"); err == nil {
		t.Fatalf("expected error on mailer failure")
	}

	order, _ := repo.GetOrderByID(ctx, "order-1")
	if order.EmailsSent {
		t.Fatalf("claim not released after send failure")
	}

	// Повторная попытка после восстановления почты проходит.
	res, err := svc.SendConfirmation(ctx, "order-1")
	if err != nil {
		t.Fatalf("retry error: %v", err)
	}
	if res != ConfirmationSent {
		t.Fatalf("retry result = %v, want ConfirmationSent", res)
	}
	if mail.sentCount() != 1 {
		t.Fatalf("sent %d emails, want 1", mail.sentCount())
	}
}
