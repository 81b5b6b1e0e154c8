package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/checkout-system/internal/gateway"
	"github.com/mmeshcher/checkout-system/internal/model"
	"github.com/mmeshcher/checkout-system/internal/repository"
)

// ProcessEvent проверяет подпись уведомления шлюза и применяет не более одного
// перехода состояния на идентификатор события. Ошибка возвращается только при
// сбое зависимостей: в этом случае событие не фиксируется как обработанное и
// политика повторной доставки шлюза попробует ещё раз.
func (s *Service) ProcessEvent(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := gateway.ParseEvent(payload, sigHeader, s.opts.WebhookSecret)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidSignature) {
			// Событие безопасности: уведомление с неверной подписью.
			s.logger.Warn("rejected unverified gateway event", zap.Error(err))
		}
		return err
	}

	processed, err := s.repo.WasEventProcessed(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("check event dedup: %w", err)
	}
	if processed {
		s.logger.Info("duplicate gateway event acknowledged", zap.String("eventID", event.ID))
		return nil
	}

	orderID := s.resolveOrderID(ctx, event)

	switch event.Type {
	case gateway.EventSessionCompleted:
		if err := s.handleSessionCompleted(ctx, event, orderID); err != nil {
			return err
		}

	case gateway.EventSessionExpired:
		if err := s.handleSessionExpired(ctx, event, orderID); err != nil {
			return err
		}

	case gateway.EventAsyncPaymentFailed:
		if err := s.handleAsyncPaymentFailed(ctx, event, orderID); err != nil {
			return err
		}

	case gateway.EventPaymentIntentCreated, gateway.EventPaymentCaptured:
		// Промежуточные сигналы жизненного цикла платежа. Авторитетное событие —
		// завершение сессии. Состояние заказа здесь не меняется, чтобы на одном
		// заказе не было двух независимых писателей.
		s.logger.Info("informational gateway event acknowledged",
			zap.String("eventID", event.ID),
			zap.String("type", event.Type))

	default:
		s.logger.Info("unrecognized gateway event acknowledged",
			zap.String("eventID", event.ID),
			zap.String("type", event.Type))
	}

	if err := s.repo.RecordProcessedEvent(ctx, event.ID, event.Type, orderID); err != nil {
		return fmt.Errorf("record processed event: %w", err)
	}

	return nil
}

// resolveOrderID извлекает идентификатор заказа из метаданных события, а при их
// отсутствии — из отслеживаемой записи сессии.
func (s *Service) resolveOrderID(ctx context.Context, event *gateway.Event) string {
	if id := event.OrderID(); id != "" {
		return id
	}

	tracked, err := s.repo.GetCheckoutSessionByID(ctx, event.Data.SessionID)
	if err != nil {
		return ""
	}
	return tracked.OrderID
}

func (s *Service) handleSessionCompleted(ctx context.Context, event *gateway.Event, orderID string) error {
	if orderID == "" {
		s.logger.Warn("completed event without resolvable order",
			zap.String("eventID", event.ID),
			zap.String("sessionID", event.Data.SessionID))
		return nil
	}

	if event.Data.PaymentStatus != gateway.PaymentStatusPaid {
		// Сессия завершена, но оплата ещё не подтверждена (отложенный метод).
		// Авторитетным станет следующее событие.
		s.logger.Info("completed session without confirmed payment",
			zap.String("eventID", event.ID),
			zap.String("orderID", orderID),
			zap.String("paymentStatus", event.Data.PaymentStatus))
		return nil
	}

	res, err := s.repo.MarkOrderPaid(ctx, orderID, event.Data.SessionID, event.Data.PaymentIntentID, event.ID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			s.logger.Warn("completed event for unknown order",
				zap.String("eventID", event.ID),
				zap.String("orderID", orderID))
			return nil
		}
		return err
	}

	switch res {
	case model.TransitionApplied:
		if err := s.repo.MarkSessionCompleted(ctx, event.Data.SessionID); err != nil {
			s.logger.Warn("failed to close tracking entry",
				zap.String("sessionID", event.Data.SessionID),
				zap.Error(err))
		}
		// Подтверждение изолировано от исхода оплаты: его сбой не должен
		// откатывать переход и не должен заставлять шлюз повторять доставку.
		s.dispatchConfirmation(ctx, orderID, event.Data.SessionID)

	case model.TransitionAlreadySatisfied:
		s.logger.Info("paid transition already satisfied",
			zap.String("eventID", event.ID),
			zap.String("orderID", orderID))

	case model.TransitionRejected:
		s.logger.Warn("paid transition precondition failed",
			zap.String("eventID", event.ID),
			zap.String("orderID", orderID))
	}

	return nil
}

func (s *Service) handleSessionExpired(ctx context.Context, event *gateway.Event, orderID string) error {
	if err := s.repo.MarkSessionExpired(ctx, event.Data.SessionID); err != nil {
		s.logger.Warn("failed to expire tracking entry",
			zap.String("sessionID", event.Data.SessionID),
			zap.Error(err))
	}

	if orderID == "" {
		return nil
	}

	res, err := s.repo.MarkOrderCancelled(ctx, orderID, event.ID, "checkout session expired")
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil
		}
		return err
	}

	switch res {
	case model.TransitionAlreadySatisfied:
		s.logger.Info("cancel transition already satisfied",
			zap.String("eventID", event.ID),
			zap.String("orderID", orderID))
	case model.TransitionRejected:
		// Обычный случай: истечение пришло после оплаты. Заказ не трогаем.
		s.logger.Warn("cancel transition precondition failed",
			zap.String("eventID", event.ID),
			zap.String("orderID", orderID))
	}

	return nil
}

func (s *Service) handleAsyncPaymentFailed(ctx context.Context, event *gateway.Event, orderID string) error {
	if err := s.repo.MarkSessionExpired(ctx, event.Data.SessionID); err != nil {
		s.logger.Warn("failed to expire tracking entry",
			zap.String("sessionID", event.Data.SessionID),
			zap.Error(err))
	}

	if orderID == "" {
		return nil
	}

	res, err := s.repo.MarkOrderPaymentFailed(ctx, orderID, event.ID, "asynchronous payment failed")
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil
		}
		return err
	}

	if res == model.TransitionRejected {
		s.logger.Warn("payment_failed transition precondition failed",
			zap.String("eventID", event.ID),
			zap.String("orderID", orderID))
	}

	return nil
}
