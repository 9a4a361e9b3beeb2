package ws

import (
	"context"

	"github.com/google/uuid"

	"github.com/mkazarin/homefix-backend/internal/models"
)

// NotificationServiceAdapter адаптирует NotificationService к интерфейсу
// NotificationSaver хаба.
type NotificationServiceAdapter struct {
	service interface {
		CreateNotification(ctx context.Context, userID uuid.UUID, event string, data interface{}) (*models.Notification, error)
	}
}

// NewNotificationServiceAdapter создаёт новый адаптер.
func NewNotificationServiceAdapter(service interface {
	CreateNotification(ctx context.Context, userID uuid.UUID, event string, data interface{}) (*models.Notification, error)
}) *NotificationServiceAdapter {
	return &NotificationServiceAdapter{service: service}
}

// CreateNotification реализует интерфейс NotificationSaver.
func (a *NotificationServiceAdapter) CreateNotification(ctx context.Context, userID uuid.UUID, event string, data interface{}) error {
	_, err := a.service.CreateNotification(ctx, userID, event, data)
	return err
}
