package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mkazarin/homefix-backend/internal/http/middleware"
	"github.com/mkazarin/homefix-backend/internal/models"
	"github.com/mkazarin/homefix-backend/internal/pkg/apperror"
)

var errUserNotFound = errors.New("пользователь не найден в контексте")

// currentUserID извлекает userID из контекста.
func currentUserID(c *gin.Context) (uuid.UUID, error) {
	raw, exists := c.Get(middleware.ContextUserIDKey)
	if !exists {
		return uuid.Nil, errUserNotFound
	}

	userID, ok := raw.(uuid.UUID)
	if !ok {
		return uuid.Nil, errUserNotFound
	}

	return userID, nil
}

// currentUser собирает пользователя из контекста запроса. Сервисам
// достаточно идентификатора и роли из токена.
func currentUser(c *gin.Context) (*models.User, error) {
	userID, err := currentUserID(c)
	if err != nil {
		return nil, err
	}

	role, _ := c.Get(middleware.ContextRoleKey)
	roleStr, _ := role.(string)

	return &models.User{ID: userID, Role: roleStr}, nil
}

// parseUUIDParam извлекает UUID из параметра пути.
func parseUUIDParam(c *gin.Context, paramName string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(c.Param(paramName))
	if err != nil {
		return uuid.Nil, errors.New("неверный формат UUID")
	}
	return parsed, nil
}

// respondError переводит ошибку в HTTP ответ. AppError несёт статус и код,
// остальные ошибки сервисов считаются ошибками запроса.
func respondError(c *gin.Context, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// getPagination извлекает limit и offset из query параметров.
func getPagination(c *gin.Context) (limit, offset int) {
	limit = parseIntQuery(c, "limit", 20)
	offset = parseIntQuery(c, "offset", 0)
	if limit > 100 || limit < 1 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return
}

func parseIntQuery(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}
