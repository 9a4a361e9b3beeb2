package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// WebhookRepository хранит идентификаторы обработанных событий провайдера
// и арендную строку для взаимного исключения фоновой сверки.
type WebhookRepository struct {
	db *sqlx.DB
}

func NewWebhookRepository(db *sqlx.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// MarkProcessed регистрирует событие провайдера. Возвращает false, если
// событие с таким id уже обрабатывалось — повтор доставки.
func (r *WebhookRepository) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, type)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("webhook repository: mark processed %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// TryAcquireLease пытается захватить аренду сверки на срок ttl. Возвращает
// false, если аренда ещё у другого экземпляра.
func (r *WebhookRepository) TryAcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO sweep_leases (name, holder, expires_at)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 second')
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE sweep_leases.expires_at < NOW() OR sweep_leases.holder = EXCLUDED.holder
	`, name, holder, int(ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("webhook repository: acquire lease %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ReleaseLease освобождает аренду, если она принадлежит держателю.
func (r *WebhookRepository) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM sweep_leases WHERE name = $1 AND holder = $2
	`, name, holder)
	return err
}
