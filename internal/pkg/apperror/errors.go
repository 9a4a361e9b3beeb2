package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrCodeBadRequest        ErrorCode = "BAD_REQUEST"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
	ErrCodeValidation        ErrorCode = "VALIDATION_ERROR"
	ErrCodeDatabaseError     ErrorCode = "DATABASE_ERROR"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeAlreadyProcessed  ErrorCode = "ALREADY_PROCESSED"
	ErrCodeProviderRetryable ErrorCode = "PROVIDER_RETRYABLE"
	ErrCodeProviderFatal     ErrorCode = "PROVIDER_FATAL"
	ErrCodeInvalidSignature  ErrorCode = "INVALID_SIGNATURE"
)

type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Cause:      err,
	}
}

func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized, ErrCodeInvalidSignature:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeBadRequest, ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeConflict, ErrCodeInvalidTransition:
		return http.StatusConflict
	// ALREADY_PROCESSED функционально успех: вызывающая сторона получает
	// текущее состояние, а не ошибку. Код нужен только для наблюдаемости.
	case ErrCodeAlreadyProcessed:
		return http.StatusOK
	case ErrCodeProviderRetryable, ErrCodeProviderFatal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

func IsNotFound(err error) bool {
	return Is(err, ErrCodeNotFound)
}

func IsForbidden(err error) bool {
	return Is(err, ErrCodeForbidden)
}

func IsValidation(err error) bool {
	return Is(err, ErrCodeValidation)
}

var (
	ErrJobNotFound     = New(ErrCodeNotFound, "заявка не найдена")
	ErrBidNotFound     = New(ErrCodeNotFound, "отклик не найден")
	ErrEscrowNotFound  = New(ErrCodeNotFound, "escrow-транзакция не найдена")
	ErrDisputeNotFound = New(ErrCodeNotFound, "спор не найден")
	ErrUserNotFound    = New(ErrCodeNotFound, "пользователь не найден")
	ErrUnauthorized    = New(ErrCodeUnauthorized, "требуется авторизация")
	ErrForbidden       = New(ErrCodeForbidden, "недостаточно прав")
)
