package payments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_CreateHold_Success(t *testing.T) {
	var gotIdempotencyKey, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/holds", r.URL.Path)
		gotIdempotencyKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"provider_intent_id":"pi_1","status":"pending"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "sk_test", 5*time.Second)
	result, err := client.CreateHold(context.Background(), 5000, "RUB", "hold:abc")

	require.NoError(t, err)
	assert.Equal(t, "pi_1", result.ProviderIntentID)
	assert.Equal(t, StatusPending, result.Status)
	assert.Equal(t, "hold:abc", gotIdempotencyKey)
	assert.Equal(t, "Bearer sk_test", gotAuth)
}

func TestClient_Release_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/holds/pi_1/release", r.URL.Path)
		require.Equal(t, "release:job", r.Header.Get("Idempotency-Key"))
		w.Write([]byte(`{"provider_transfer_id":"tr_1","status":"succeeded"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", time.Second)
	result, err := client.Release(context.Background(), "pi_1", "release:job")

	require.NoError(t, err)
	assert.Equal(t, "tr_1", result.ProviderTransferID)
	assert.Equal(t, StatusSucceeded, result.Status)
}

func TestClient_ServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"code":"unavailable","message":"maintenance"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", time.Second)
	_, err := client.Refund(context.Background(), "pi_1", "refund:job")

	require.Error(t, err)
	var provErr *Error
	require.True(t, errors.As(err, &provErr))
	assert.True(t, provErr.Retryable)
	assert.Equal(t, http.StatusServiceUnavailable, provErr.StatusCode)
	assert.Equal(t, "unavailable", provErr.Code)
	assert.True(t, IsRetryable(err))
}

func TestClient_TooManyRequestsIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":"rate_limited","message":"slow down"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", time.Second)
	_, err := client.Release(context.Background(), "pi_1", "k")

	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestClient_ClientErrorIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"code":"account_blocked","message":"счёт получателя заблокирован"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", time.Second)
	_, err := client.Release(context.Background(), "pi_1", "k")

	require.Error(t, err)
	var provErr *Error
	require.True(t, errors.As(err, &provErr))
	assert.False(t, provErr.Retryable)
	assert.False(t, IsRetryable(err))
	assert.Contains(t, provErr.Message, "заблокирован")
}

func TestClient_NetworkErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // соединение заведомо оборвано

	client := NewClient(server.URL, "", time.Second)
	_, err := client.GetStatus(context.Background(), "pi_1")

	require.Error(t, err)
	var provErr *Error
	require.True(t, errors.As(err, &provErr))
	assert.True(t, provErr.Retryable)
	assert.Equal(t, "network_error", provErr.Code)
}

func TestClient_GetStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/holds/pi_1", r.URL.Path)
		// Статусные запросы не мутируют состояние, ключ не передаётся.
		require.Empty(t, r.Header.Get("Idempotency-Key"))
		w.Write([]byte(`{"provider_intent_id":"pi_1","status":"succeeded","transfer_id":"tr_9"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", time.Second)
	status, err := client.GetStatus(context.Background(), "pi_1")

	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, status.Status)
	assert.Equal(t, "tr_9", status.TransferID)
}

func TestClient_MalformedErrorBodyFallsBackToRaw(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream timeout"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", time.Second)
	_, err := client.Release(context.Background(), "pi_1", "k")

	require.Error(t, err)
	var provErr *Error
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, "upstream timeout", provErr.Message)
	assert.True(t, provErr.Retryable)
}

func TestIsRetryable_UnclassifiedErrors(t *testing.T) {
	// Обрыв без классификации: итог неизвестен, повтор с тем же ключом безопасен.
	assert.True(t, IsRetryable(errors.New("connection reset")))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(nil))
}
