package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/checkout-system/internal/gateway"
	"github.com/mmeshcher/checkout-system/internal/mailer"
	"github.com/mmeshcher/checkout-system/internal/model"
	"github.com/mmeshcher/checkout-system/internal/repository"
)

// ConfirmationResult описывает исход попытки отправить подтверждение оплаты.
type ConfirmationResult int

const (
	// ConfirmationSent — письмо отправлено этим вызовом.
	ConfirmationSent ConfirmationResult = iota
	// ConfirmationAlreadySent — отправку уже захватил другой вызов.
	ConfirmationAlreadySent
	// ConfirmationPending — оплата ещё не подтверждена ни одним авторитетным
	// источником; вызывающей стороне следует повторить позже.
	ConfirmationPending
)

// dispatchConfirmation отправляет подтверждение после перехода в paid,
// инициированного уведомлением шлюза. Любой сбой здесь логируется и
// не влияет на результат обработки уведомления.
func (s *Service) dispatchConfirmation(ctx context.Context, orderID, sessionID string) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		s.logger.Error("confirmation dispatch: load order", zap.String("orderID", orderID), zap.Error(err))
		return
	}

	email := s.lookupCustomerEmail(ctx, orderID, sessionID)
	if email == "" {
		s.logger.Warn("confirmation dispatch: no customer email on record",
			zap.String("orderID", orderID),
			zap.String("sessionID", sessionID))
		return
	}

	if _, err := s.claimAndSendConfirmation(ctx, order, email); err != nil {
		s.logger.Error("confirmation dispatch failed",
			zap.String("orderID", orderID),
			zap.Error(err))
	}
}

// SendConfirmation — резервный путь отправки подтверждения, инициируемый
// клиентом. Если локальный статус ещё не paid, оплата перепроверяется напрямую
// у шлюза: это явный вторичный источник авторитета, письмо никогда не уходит
// по неподтверждённой оплате.
func (s *Service) SendConfirmation(ctx context.Context, orderID string) (ConfirmationResult, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return ConfirmationPending, err
	}

	if !isPaidOrLater(order.Status) {
		verified, err := s.verifyPaymentWithGateway(ctx, order)
		if err != nil {
			return ConfirmationPending, err
		}
		if !verified {
			return ConfirmationPending, nil
		}

		order, err = s.repo.GetOrderByID(ctx, orderID)
		if err != nil {
			return ConfirmationPending, err
		}
	}

	email := s.lookupCustomerEmail(ctx, orderID, order.PaymentSessionID)
	if email == "" {
		return ConfirmationPending, fmt.Errorf("no customer email tracked for order %s", orderID)
	}

	return s.claimAndSendConfirmation(ctx, order, email)
}

// verifyPaymentWithGateway запрашивает статус сессии у шлюза и применяет
// переход в paid, если шлюз подтверждает оплату.
func (s *Service) verifyPaymentWithGateway(ctx context.Context, order *model.Order) (bool, error) {
	if order.PaymentSessionID == "" {
		return false, nil
	}

	session, err := s.gateway.RetrieveSession(ctx, order.PaymentSessionID)
	if err != nil {
		if errors.Is(err, gateway.ErrSessionNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("verify payment with gateway: %w", err)
	}

	if session.Status != gateway.SessionStatusComplete || session.PaymentStatus != gateway.PaymentStatusPaid {
		return false, nil
	}

	res, err := s.repo.MarkOrderPaid(ctx, order.ID, order.PaymentSessionID, session.PaymentIntentID, "")
	if err != nil {
		return false, err
	}

	if res == model.TransitionApplied {
		s.logger.Info("order marked paid via fallback verification", zap.String("orderID", order.ID))
		if err := s.repo.MarkSessionCompleted(ctx, order.PaymentSessionID); err != nil {
			s.logger.Warn("failed to close tracking entry",
				zap.String("sessionID", order.PaymentSessionID),
				zap.Error(err))
		}
	}

	return res != model.TransitionRejected, nil
}

// claimAndSendConfirmation выполняет протокол «не более одного письма»:
// атомарный захват флага, отправка, компенсирующий сброс при сбое отправки.
func (s *Service) claimAndSendConfirmation(ctx context.Context, order *model.Order, email string) (ConfirmationResult, error) {
	claimed, err := s.repo.ClaimConfirmationEmail(ctx, order.ID)
	if err != nil {
		return ConfirmationPending, err
	}
	if !claimed {
		return ConfirmationAlreadySent, nil
	}

	msg := mailer.Message{
		To:             email,
		Subject:        "Ваш заказ оплачен",
		Body:           fmt.Sprintf("Заказ %s на сумму %s принят в работу. Спасибо за покупку!", order.ID, formatAmount(order.Total)),
		IdempotencyKey: "order-confirmation-" + order.ID,
	}

	if err := s.mailer.Send(ctx, msg); err != nil {
		// Компенсация best-effort: если сброс не удался, флаг останется
		// выставленным до ручного вмешательства, но двойного письма не будет.
		if releaseErr := s.repo.ReleaseConfirmationEmail(ctx, order.ID); releaseErr != nil {
			s.logger.Error("failed to release confirmation claim",
				zap.String("orderID", order.ID),
				zap.Error(releaseErr))
		}
		return ConfirmationPending, fmt.Errorf("send confirmation: %w", err)
	}

	return ConfirmationSent, nil
}

// lookupCustomerEmail находит адрес получателя по отслеживаемой сессии.
func (s *Service) lookupCustomerEmail(ctx context.Context, orderID, sessionID string) string {
	if sessionID != "" {
		if tracked, err := s.repo.GetCheckoutSessionByID(ctx, sessionID); err == nil {
			return tracked.CustomerEmail
		} else if !errors.Is(err, repository.ErrSessionNotFound) {
			s.logger.Warn("lookup tracking entry failed", zap.String("sessionID", sessionID), zap.Error(err))
		}
	}

	if tracked, err := s.repo.GetLatestSessionByOrderID(ctx, orderID); err == nil {
		return tracked.CustomerEmail
	}
	return ""
}

func isPaidOrLater(status model.OrderStatus) bool {
	switch status {
	case model.OrderStatusPaid, model.OrderStatusProcessing,
		model.OrderStatusReadyForPickup, model.OrderStatusShipped, model.OrderStatusDelivered:
		return true
	}
	return false
}
