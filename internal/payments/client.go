package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client реализует Gateway поверх HTTP API провайдера.
// Клиент не хранит состояние запросов: только конфигурация (адрес, ключ,
// таймаут), поэтому один экземпляр безопасно используется из всех хэндлеров.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient создаёт экземпляр клиента с ограниченным таймаутом.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type holdRequest struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

type providerErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreateHold создаёт удержание средств у провайдера.
func (c *Client) CreateHold(ctx context.Context, amount float64, currency, idempotencyKey string) (*HoldResult, error) {
	var result HoldResult
	err := c.do(ctx, http.MethodPost, "/v1/holds", idempotencyKey, holdRequest{Amount: amount, Currency: currency}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Release переводит удержанные средства подрядчику.
func (c *Client) Release(ctx context.Context, providerIntentID, idempotencyKey string) (*ReleaseResult, error) {
	var result ReleaseResult
	path := fmt.Sprintf("/v1/holds/%s/release", providerIntentID)
	if err := c.do(ctx, http.MethodPost, path, idempotencyKey, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Refund возвращает удержанные средства домовладельцу.
func (c *Client) Refund(ctx context.Context, providerIntentID, idempotencyKey string) (*RefundResult, error) {
	var result RefundResult
	path := fmt.Sprintf("/v1/holds/%s/refund", providerIntentID)
	if err := c.do(ctx, http.MethodPost, path, idempotencyKey, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetStatus запрашивает актуальное состояние удержания (используется сверкой).
func (c *Client) GetStatus(ctx context.Context, providerIntentID string) (*IntentStatus, error) {
	var result IntentStatus
	path := fmt.Sprintf("/v1/holds/%s", providerIntentID)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// do выполняет запрос к провайдеру и классифицирует ошибки.
func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("payment provider: не удалось сериализовать запрос: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("payment provider: не удалось создать запрос: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Таймаут или обрыв сети: итог вызова неизвестен, повтор безопасен
		// благодаря ключу идемпотентности.
		return &Error{Code: "network_error", Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Code: "read_error", Message: err.Error(), Retryable: true}
	}

	if resp.StatusCode >= 400 {
		var errBody providerErrorBody
		_ = json.Unmarshal(raw, &errBody)
		if errBody.Message == "" {
			errBody.Message = string(raw)
		}
		return &Error{
			StatusCode: resp.StatusCode,
			Code:       errBody.Code,
			Message:    errBody.Message,
			Retryable:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("payment provider: не удалось разобрать ответ: %w", err)
		}
	}

	return nil
}
