// Package ws доставляет события по заявкам подключённым пользователям.
package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/mkazarin/homefix-backend/internal/goroutine"
	"github.com/mkazarin/homefix-backend/internal/logger"
)

// NotificationSaver сохраняет уведомление в БД перед отправкой по WebSocket.
type NotificationSaver interface {
	CreateNotification(ctx context.Context, userID uuid.UUID, event string, data interface{}) error
}

// Hub управляет всеми WebSocket клиентами.
type Hub struct {
	mu         sync.RWMutex
	clients    map[uuid.UUID]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan message
	saver      NotificationSaver
	ctx        context.Context
}

type message struct {
	userID  uuid.UUID
	payload []byte
}

// NewHub создаёт новый хаб.
func NewHub(ctx context.Context) *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan message, 32),
		ctx:        ctx,
	}
}

// SetNotificationSaver устанавливает сервис для сохранения уведомлений.
func (h *Hub) SetNotificationSaver(saver NotificationSaver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saver = saver
}

// Run запускает главный цикл хаба.
func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case msg := <-h.broadcast:
			h.send(msg.userID, msg.payload)
		}
	}
}

// Register добавляет клиента.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister удаляет клиента.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Notify сохраняет уведомление и отправляет его подключённым сессиям
// пользователя. Реализует service.Notifier; вызывающую сторону не блокирует.
func (h *Hub) Notify(userID uuid.UUID, event string, data interface{}) {
	payload := map[string]interface{}{
		"type": event,
		"data": data,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.WithComponent("ws").WithField("error", err.Error()).Error("не удалось сериализовать сообщение")
		return
	}

	h.mu.RLock()
	saver := h.saver
	ctx := h.ctx
	h.mu.RUnlock()

	if saver != nil {
		// Сохраняем асинхронно, чтобы не блокировать отправку.
		goroutine.SafeGo(func() {
			if err := saver.CreateNotification(ctx, userID, event, data); err != nil {
				logger.WithComponent("ws").WithFields(map[string]interface{}{
					"user_id": userID,
					"error":   err.Error(),
				}).Warn("не удалось сохранить уведомление")
			}
		})
	}

	select {
	case h.broadcast <- message{userID: userID, payload: raw}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.userID]; !ok {
		h.clients[client.userID] = make(map[*Client]struct{})
	}
	h.clients[client.userID][client] = struct{}{}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.clients[client.userID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, client.userID)
		}
	}
}

func (h *Hub) send(userID uuid.UUID, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[userID] {
		select {
		case client.send <- payload:
		default:
			// Медленный клиент: закрываем асинхронно, чтобы не держать цикл.
			goroutine.SafeGo(client.Close)
		}
	}
}
