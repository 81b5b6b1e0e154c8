// Package repository содержит реализацию доступа к данным в PostgreSQL.
//
// Все переходы состояния заказа и счётчики напоминаний выполняются одиночными
// условными UPDATE: предикат перехода закодирован в самом запросе, поэтому
// раздельное чтение-затем-запись (и связанное с ним окно гонки) исключено.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/checkout-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOrderExists возвращается при попытке создать заказ с уже существующим идентификатором.
var (
	ErrOrderExists = errors.New("order already exists")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotPending возвращается при попытке привязать платёжную сессию к заказу вне статуса pending.
	ErrOrderNotPending = errors.New("order is not pending")
	// ErrSessionExists возвращается при попытке повторно сохранить отслеживаемую сессию.
	ErrSessionExists = errors.New("checkout session already tracked")
	// ErrSessionNotFound возвращается, если отслеживаемая сессия не найдена.
	ErrSessionNotFound = errors.New("checkout session not found")
)

// Статусы, из которых разрешён переход в paid. Заказ, отменённый поздним
// уведомлением об истечении сессии, всё ещё может стать оплаченным, если
// авторитетное уведомление о завершении приходит после: итоговое состояние
// не зависит от порядка доставки.
var prePaidStatuses = []string{
	string(model.OrderStatusPending),
	string(model.OrderStatusCancelled),
	string(model.OrderStatusPaymentFailed),
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет условный UPDATE при ошибках сериализации и сетевых
// сбоях. Повтор безопасен: неуспешная попытка ничего не зафиксировала,
// а предикат в самом запросе не даёт применить переход дважды.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateOrder создаёт заказ в статусе pending.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *model.Order) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO orders (id, status, subtotal, tax, shipping_cost, total, items)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		order.ID, string(model.OrderStatusPending),
		order.Subtotal, order.Tax, order.ShippingCost, order.Total, order.Items,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrOrderExists, order.ID)
		}
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// GetOrderByID возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrderByID(ctx context.Context, orderID string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, status, subtotal, tax, shipping_cost, total, items,
		        COALESCE(payment_session_id, ''), COALESCE(payment_intent_id, ''),
		        paid_at, emails_sent, emails_sent_at, COALESCE(webhook_event_id, ''),
		        created_at, updated_at
		 FROM orders WHERE id = $1`,
		orderID,
	)

	var o model.Order
	var status string
	err := row.Scan(&o.ID, &status, &o.Subtotal, &o.Tax, &o.ShippingCost, &o.Total, &o.Items,
		&o.PaymentSessionID, &o.PaymentIntentID,
		&o.PaidAt, &o.EmailsSent, &o.EmailsSentAt, &o.WebhookEventID,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	o.Status = model.OrderStatus(status)

	return &o, nil
}

// SetOrderSession привязывает платёжную сессию к заказу. Разрешено только для
// заказа в статусе pending: идентификатор оплаченной сессии не перезаписывается.
func (r *PostgresRepository) SetOrderSession(ctx context.Context, orderID, sessionID string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET payment_session_id = $2, updated_at = now()
		 WHERE id = $1 AND status = $3`,
		orderID, sessionID, string(model.OrderStatusPending),
	)
	if err != nil {
		return fmt.Errorf("set order session: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		if _, err := r.GetOrderByID(ctx, orderID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrOrderNotPending, orderID)
	}

	return nil
}

// MarkOrderPaid переводит заказ в статус paid одиночным условным UPDATE.
// Переход применяется, только если заказ ещё не был оплачен; повторное
// уведомление по той же сессии распознаётся как уже выполненный переход.
func (r *PostgresRepository) MarkOrderPaid(ctx context.Context, orderID, sessionID, paymentIntentID, eventID string) (model.TransitionResult, error) {
	var cmdTag pgconn.CommandTag

	err := r.withRetry(ctx, func() error {
		var execErr error
		cmdTag, execErr = r.pool.Exec(ctx,
			`UPDATE orders
			 SET status = $2, payment_session_id = $3, payment_intent_id = $4,
			     paid_at = now(), webhook_event_id = $5, updated_at = now()
			 WHERE id = $1 AND status = ANY($6)`,
			orderID, string(model.OrderStatusPaid), sessionID, paymentIntentID, eventID,
			prePaidStatuses,
		)
		return execErr
	})
	if err != nil {
		return model.TransitionRejected, fmt.Errorf("mark order paid: %w", err)
	}

	if cmdTag.RowsAffected() == 1 {
		return model.TransitionApplied, nil
	}

	return r.classifyPaidNoop(ctx, orderID, sessionID)
}

// classifyPaidNoop различает дубликат уведомления и нарушенное предусловие
// после того, как условный UPDATE не затронул ни одной строки.
func (r *PostgresRepository) classifyPaidNoop(ctx context.Context, orderID, sessionID string) (model.TransitionResult, error) {
	o, err := r.GetOrderByID(ctx, orderID)
	if err != nil {
		return model.TransitionRejected, err
	}

	switch o.Status {
	case model.OrderStatusPaid, model.OrderStatusProcessing,
		model.OrderStatusReadyForPickup, model.OrderStatusShipped, model.OrderStatusDelivered:
		if o.PaymentSessionID == sessionID {
			return model.TransitionAlreadySatisfied, nil
		}
	}

	return model.TransitionRejected, nil
}

// MarkOrderCancelled отменяет заказ, если он всё ещё находится в статусе pending.
// Запоздавшее уведомление об истечении сессии никогда не отменяет оплаченный заказ.
func (r *PostgresRepository) MarkOrderCancelled(ctx context.Context, orderID, eventID, reason string) (model.TransitionResult, error) {
	return r.markTerminalFromPending(ctx, orderID, model.OrderStatusCancelled, eventID, reason)
}

// MarkOrderPaymentFailed помечает заказ как неоплаченный, если он всё ещё pending.
func (r *PostgresRepository) MarkOrderPaymentFailed(ctx context.Context, orderID, eventID, reason string) (model.TransitionResult, error) {
	return r.markTerminalFromPending(ctx, orderID, model.OrderStatusPaymentFailed, eventID, reason)
}

func (r *PostgresRepository) markTerminalFromPending(ctx context.Context, orderID string, target model.OrderStatus, eventID, reason string) (model.TransitionResult, error) {
	var cmdTag pgconn.CommandTag

	err := r.withRetry(ctx, func() error {
		var execErr error
		cmdTag, execErr = r.pool.Exec(ctx,
			`UPDATE orders
			 SET status = $2, cancel_reason = $3, webhook_event_id = $4, updated_at = now()
			 WHERE id = $1 AND status = $5`,
			orderID, string(target), reason, eventID, string(model.OrderStatusPending),
		)
		return execErr
	})
	if err != nil {
		return model.TransitionRejected, fmt.Errorf("mark order %s: %w", target, err)
	}

	if cmdTag.RowsAffected() == 1 {
		return model.TransitionApplied, nil
	}

	o, err := r.GetOrderByID(ctx, orderID)
	if err != nil {
		return model.TransitionRejected, err
	}
	if o.Status == target {
		return model.TransitionAlreadySatisfied, nil
	}
	return model.TransitionRejected, nil
}

// AdvanceOrderStatus выполняет переход выполнения заказа (processing,
// ready_for_pickup, shipped, delivered) с предикатом допустимых исходных
// статусов внутри запроса.
func (r *PostgresRepository) AdvanceOrderStatus(ctx context.Context, orderID string, next model.OrderStatus) (model.TransitionResult, error) {
	sources := model.FulfillmentSources(next)
	if len(sources) == 0 {
		return model.TransitionRejected, nil
	}

	from := make([]string, 0, len(sources))
	for _, s := range sources {
		from = append(from, string(s))
	}

	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = now()
		 WHERE id = $1 AND status = ANY($3)`,
		orderID, string(next), from,
	)
	if err != nil {
		return model.TransitionRejected, fmt.Errorf("advance order status: %w", err)
	}

	if cmdTag.RowsAffected() == 1 {
		return model.TransitionApplied, nil
	}

	o, err := r.GetOrderByID(ctx, orderID)
	if err != nil {
		return model.TransitionRejected, err
	}
	if o.Status == next {
		return model.TransitionAlreadySatisfied, nil
	}
	return model.TransitionRejected, nil
}

// ClaimConfirmationEmail атомарно захватывает право на отправку
// письма-подтверждения. Возвращает false, если флаг уже выставлен другим вызовом.
func (r *PostgresRepository) ClaimConfirmationEmail(ctx context.Context, orderID string) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET emails_sent = TRUE, emails_sent_at = now(), updated_at = now()
		 WHERE id = $1 AND emails_sent = FALSE`,
		orderID,
	)
	if err != nil {
		return false, fmt.Errorf("claim confirmation email: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// ReleaseConfirmationEmail снимает флаг отправки после неудачной попытки,
// чтобы следующий вызов мог захватить отправку заново.
func (r *PostgresRepository) ReleaseConfirmationEmail(ctx context.Context, orderID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET emails_sent = FALSE, emails_sent_at = NULL, updated_at = now()
		 WHERE id = $1 AND emails_sent = TRUE`,
		orderID,
	)
	if err != nil {
		return fmt.Errorf("release confirmation email: %w", err)
	}
	return nil
}

// CreateCheckoutSession сохраняет отслеживаемую запись платёжной сессии.
func (r *PostgresRepository) CreateCheckoutSession(ctx context.Context, s *model.CheckoutSession) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO incomplete_checkout_sessions
		     (session_id, order_id, customer_email, items, subtotal, tax, shipping_cost, total)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.SessionID, s.OrderID, s.CustomerEmail, s.Items,
		s.Subtotal, s.Tax, s.ShippingCost, s.Total,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrSessionExists, s.SessionID)
		}
		return fmt.Errorf("create checkout session: %w", err)
	}
	return nil
}

const checkoutSessionColumns = `session_id, order_id, customer_email, items,
		        subtotal, tax, shipping_cost, total,
		        emails_sent, email_sent_at, completed, expired, created_at`

func scanCheckoutSession(row pgx.Row) (*model.CheckoutSession, error) {
	var s model.CheckoutSession
	err := row.Scan(&s.SessionID, &s.OrderID, &s.CustomerEmail, &s.Items,
		&s.Subtotal, &s.Tax, &s.ShippingCost, &s.Total,
		&s.EmailsSent, &s.EmailSentAt, &s.Completed, &s.Expired, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetCheckoutSessionByID возвращает отслеживаемую сессию по идентификатору шлюза.
func (r *PostgresRepository) GetCheckoutSessionByID(ctx context.Context, sessionID string) (*model.CheckoutSession, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+checkoutSessionColumns+`
		 FROM incomplete_checkout_sessions WHERE session_id = $1`,
		sessionID,
	)

	s, err := scanCheckoutSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get checkout session: %w", err)
	}
	return s, nil
}

// GetLatestSessionByOrderID возвращает последнюю по времени создания сессию заказа.
func (r *PostgresRepository) GetLatestSessionByOrderID(ctx context.Context, orderID string) (*model.CheckoutSession, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+checkoutSessionColumns+`
		 FROM incomplete_checkout_sessions
		 WHERE order_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`,
		orderID,
	)

	s, err := scanCheckoutSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get latest session by order: %w", err)
	}
	return s, nil
}

// GetSessionsForReminder возвращает сессии — кандидаты на напоминание:
// не завершённые, не истёкшие и находящиеся в окне, соответствующем их
// счётчику писем. Сессия, чьё окно уже закрылось (счётчик 0 и возраст от 24ч,
// счётчик 1 и возраст от 48ч), кандидатом не является: иначе такие строки
// накапливаются в голове выборки и вытесняют из батча сессии, которым письмо
// действительно положено.
func (r *PostgresRepository) GetSessionsForReminder(ctx context.Context, now time.Time, limit int) ([]model.CheckoutSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+checkoutSessionColumns+`
		 FROM incomplete_checkout_sessions
		 WHERE NOT completed AND NOT expired
		   AND ((emails_sent = 0 AND created_at <= $1 AND created_at > $2)
		     OR (emails_sent = 1 AND created_at <= $2 AND created_at > $3)
		     OR (emails_sent = 2 AND created_at <= $3))
		 ORDER BY created_at
		 LIMIT $4`,
		now.Add(-model.FirstReminderAfter),
		now.Add(-model.SecondReminderAfter),
		now.Add(-model.ThirdReminderAfter),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select sessions for reminder: %w", err)
	}
	defer rows.Close()

	var res []model.CheckoutSession
	for rows.Next() {
		s, err := scanCheckoutSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		res = append(res, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkSessionCompleted помечает сессию завершённой. Повторный вызов — no-op.
func (r *PostgresRepository) MarkSessionCompleted(ctx context.Context, sessionID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE incomplete_checkout_sessions SET completed = TRUE
		 WHERE session_id = $1 AND NOT completed AND NOT expired`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("mark session completed: %w", err)
	}
	return nil
}

// MarkSessionExpired помечает сессию истёкшей. Повторный вызов — no-op.
func (r *PostgresRepository) MarkSessionExpired(ctx context.Context, sessionID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE incomplete_checkout_sessions SET expired = TRUE
		 WHERE session_id = $1 AND NOT completed AND NOT expired`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("mark session expired: %w", err)
	}
	return nil
}

// IncrementSessionEmails увеличивает счётчик напоминаний, только если он всё
// ещё равен ожидаемому значению и сессия осталась активной. Возвращает false,
// если счётчик изменил параллельный проход сканера или сессия закрылась.
func (r *PostgresRepository) IncrementSessionEmails(ctx context.Context, sessionID string, current int) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE incomplete_checkout_sessions
		 SET emails_sent = emails_sent + 1, email_sent_at = array_append(email_sent_at, now())
		 WHERE session_id = $1 AND emails_sent = $2
		   AND NOT completed AND NOT expired AND emails_sent < $3`,
		sessionID, current, model.MaxReminderEmails,
	)
	if err != nil {
		return false, fmt.Errorf("increment session emails: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// WasEventProcessed проверяет, обработано ли уведомление с данным идентификатором.
func (r *PostgresRepository) WasEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var processed bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)`,
		eventID,
	).Scan(&processed)
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return processed, nil
}

// RecordProcessedEvent фиксирует идентификатор обработанного уведомления.
// Повторная запись того же идентификатора — no-op.
func (r *PostgresRepository) RecordProcessedEvent(ctx context.Context, eventID, eventType, orderID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO processed_events (event_id, event_type, order_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, orderID,
	)
	if err != nil {
		return fmt.Errorf("record processed event: %w", err)
	}
	return nil
}

// PruneProcessedEvents удаляет записи об обработанных уведомлениях старше cutoff.
func (r *PostgresRepository) PruneProcessedEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM processed_events WHERE processed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune processed events: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

// IncrementRateLimit атомарно увеличивает счётчик запросов бакета в указанном
// окне и возвращает новое значение.
func (r *PostgresRepository) IncrementRateLimit(ctx context.Context, bucket string, windowStart time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`INSERT INTO rate_limits (bucket, window_start, count)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (bucket, window_start) DO UPDATE SET count = rate_limits.count + 1
		 RETURNING count`,
		bucket, windowStart,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment rate limit: %w", err)
	}
	return count, nil
}

// PruneRateLimits удаляет окна счётчиков, начавшиеся раньше cutoff.
func (r *PostgresRepository) PruneRateLimits(ctx context.Context, cutoff time.Time) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM rate_limits WHERE window_start < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune rate limits: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}
