package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/checkout-system/internal/gateway"
	"github.com/mmeshcher/checkout-system/internal/mailer"
	"github.com/mmeshcher/checkout-system/internal/model"
)

// scanBatchSize ограничивает число сессий за один проход сканера.
const scanBatchSize = 100

// reminderDue возвращает номер напоминания (1..3), положенного сессии с данным
// счётчиком отправленных писем и возрастом, или 0, если сессия вне всех окон.
// Каждое окно привязано к счётчику: сессия, проспавшая своё окно, не получает
// два письма подряд в одном проходе. Предикат дублирует выборку кандидатов
// в репозитории: между выборкой и обработкой сессия могла постареть.
func reminderDue(emailsSent int, elapsed time.Duration) int {
	switch emailsSent {
	case 0:
		if elapsed >= model.FirstReminderAfter && elapsed < model.SecondReminderAfter {
			return 1
		}
	case 1:
		if elapsed >= model.SecondReminderAfter && elapsed < model.ThirdReminderAfter {
			return 2
		}
	case 2:
		if elapsed >= model.ThirdReminderAfter {
			return 3
		}
	}
	return 0
}

func reminderSubject(n int) string {
	switch n {
	case 1:
		return "Вы не завершили оформление заказа"
	case 2:
		return "Ваша корзина всё ещё ждёт вас"
	default:
		return "Последнее напоминание о вашей корзине"
	}
}

// RunAbandonedScan выполняет один проход по незавершённым платёжным сессиям и
// отправляет положенные ступенчатые напоминания. Вызывается внешним
// планировщиком; сам сервис таймеров не держит. Напоминания — «как минимум один
// раз»: при сбое отправки счётчик не меняется и письмо уйдёт в следующий проход.
func (s *Service) RunAbandonedScan(ctx context.Context) (*model.ScanReport, error) {
	now := time.Now()
	report := &model.ScanReport{}

	sessions, err := s.repo.GetSessionsForReminder(ctx, now, scanBatchSize)
	if err != nil {
		return nil, fmt.Errorf("load reminder candidates: %w", err)
	}

	for _, session := range sessions {
		report.SessionsProcessed++

		if err := s.processReminder(ctx, session, now, report); err != nil {
			report.Errors++
			s.logger.Error("abandoned cart reminder failed",
				zap.String("sessionID", session.SessionID),
				zap.Error(err))
		}
	}

	s.pruneRetention(ctx, now)

	return report, nil
}

func (s *Service) processReminder(ctx context.Context, session model.CheckoutSession, now time.Time, report *model.ScanReport) error {
	n := reminderDue(session.EmailsSent, now.Sub(session.CreatedAt))
	if n == 0 {
		// Вне всех окон в этом проходе. Не ошибка.
		return nil
	}

	// Перед отправкой сверяемся с живым статусом сессии: напоминание по уже
	// завершённой или истёкшей оплате хуже, чем пропущенное.
	live, err := s.gateway.RetrieveSession(ctx, session.SessionID)
	if err != nil {
		if errors.Is(err, gateway.ErrSessionNotFound) {
			// Шлюз не знает сессию — считаем её истёкшей.
			return s.repo.MarkSessionExpired(ctx, session.SessionID)
		}
		return fmt.Errorf("re-check session with gateway: %w", err)
	}

	switch live.Status {
	case gateway.SessionStatusComplete:
		return s.repo.MarkSessionCompleted(ctx, session.SessionID)
	case gateway.SessionStatusExpired:
		return s.repo.MarkSessionExpired(ctx, session.SessionID)
	}

	msg := mailer.Message{
		To:      session.CustomerEmail,
		Subject: reminderSubject(n),
		Body: fmt.Sprintf("В вашей корзине остались товары на сумму %s. Завершите оформление заказа %s.",
			formatAmount(session.Total), session.OrderID),
		IdempotencyKey: fmt.Sprintf("cart-reminder-%s-%d", session.SessionID, n),
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("send reminder %d: %w", n, err)
	}

	ok, err := s.repo.IncrementSessionEmails(ctx, session.SessionID, session.EmailsSent)
	if err != nil {
		return fmt.Errorf("increment reminder counter: %w", err)
	}
	if ok {
		report.EmailsSent++
	}

	return nil
}

// pruneRetention подчищает устаревшие записи дедупликации и счётчиков частоты.
// Выполняется на хвосте прохода сканера, чтобы не заводить отдельный таймер.
func (s *Service) pruneRetention(ctx context.Context, now time.Time) {
	if n, err := s.repo.PruneProcessedEvents(ctx, now.Add(-s.opts.EventRetention)); err != nil {
		s.logger.Warn("prune processed events failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("pruned processed events", zap.Int64("count", n))
	}

	if _, err := s.repo.PruneRateLimits(ctx, now.Add(-24*time.Hour)); err != nil {
		s.logger.Warn("prune rate limits failed", zap.Error(err))
	}
}
