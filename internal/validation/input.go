package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Константы валидации
const (
	MinUsernameLength       = 3
	MaxUsernameLength       = 30
	MinJobTitleLength       = 3
	MaxJobTitleLength       = 200
	MinJobDescriptionLength = 10
	MaxJobDescriptionLength = 5000
	MinBidMessageLength     = 0
	MaxBidMessageLength     = 2000
	MinDisputeReasonLength  = 10
	MaxDisputeReasonLength  = 2000
	MinBudget               = 0.0
	MaxBudget               = 100000000.0 // 100 миллионов
)

// SupportedCurrencies — валюты, принимаемые платёжным провайдером.
var SupportedCurrencies = map[string]struct{}{
	"RUB": {},
	"USD": {},
	"EUR": {},
}

// ValidateLength проверяет длину строки.
func ValidateLength(fieldName, value string, min, max int) error {
	length := utf8.RuneCountInString(value)
	if min > 0 && length < min {
		return fmt.Errorf("%s должен быть не менее %d символов", fieldName, min)
	}
	if max > 0 && length > max {
		return fmt.Errorf("%s должен быть не более %d символов", fieldName, max)
	}
	return nil
}

// ValidateEmail проверяет формат email.
func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email обязателен")
	}

	email = strings.TrimSpace(email)
	email = strings.ToLower(email)

	if !strings.Contains(email, "@") {
		return fmt.Errorf("email должен содержать символ @")
	}

	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return fmt.Errorf("некорректный формат email")
	}

	localPart := parts[0]
	domainPart := parts[1]

	if len(localPart) == 0 || len(localPart) > 64 {
		return fmt.Errorf("локальная часть email должна быть от 1 до 64 символов")
	}

	if len(domainPart) == 0 || len(domainPart) > 255 {
		return fmt.Errorf("доменная часть email должна быть от 1 до 255 символов")
	}

	if !strings.Contains(domainPart, ".") {
		return fmt.Errorf("доменная часть email должна содержать точку")
	}

	emailRegex := regexp.MustCompile(`^[a-z0-9._+-]+$`)
	if !emailRegex.MatchString(localPart) {
		return fmt.Errorf("локальная часть email содержит недопустимые символы")
	}

	domainRegex := regexp.MustCompile(`^[a-z0-9.-]+\.[a-z]{2,}$`)
	if !domainRegex.MatchString(domainPart) {
		return fmt.Errorf("доменная часть email имеет некорректный формат")
	}

	return nil
}

// ValidateNonEmpty проверяет, что строка не пустая.
func ValidateNonEmpty(fieldName, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s не может быть пустым", fieldName)
	}
	return nil
}

// ValidateUsername проверяет имя пользователя.
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("имя пользователя обязательно")
	}

	username = strings.TrimSpace(username)

	if err := ValidateLength("имя пользователя", username, MinUsernameLength, MaxUsernameLength); err != nil {
		return err
	}

	usernameRegex := regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("имя пользователя может содержать только буквы, цифры и подчеркивание")
	}

	if len(username) > 0 && unicode.IsDigit(rune(username[0])) {
		return fmt.Errorf("имя пользователя не может начинаться с цифры")
	}

	return nil
}

// ValidateJobTitle проверяет заголовок заявки.
func ValidateJobTitle(title string) error {
	if title == "" {
		return fmt.Errorf("заголовок заявки обязателен")
	}

	title = strings.TrimSpace(title)

	return ValidateLength("заголовок заявки", title, MinJobTitleLength, MaxJobTitleLength)
}

// ValidateJobDescription проверяет описание заявки.
func ValidateJobDescription(description string) error {
	if description == "" {
		return fmt.Errorf("описание заявки обязательно")
	}

	description = strings.TrimSpace(description)

	return ValidateLength("описание заявки", description, MinJobDescriptionLength, MaxJobDescriptionLength)
}

// ValidateBidMessage проверяет сопроводительное сообщение отклика.
func ValidateBidMessage(message string) error {
	return ValidateLength("сообщение отклика", strings.TrimSpace(message), MinBidMessageLength, MaxBidMessageLength)
}

// ValidateDisputeReason проверяет причину спора.
func ValidateDisputeReason(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("причина спора обязательна")
	}
	return ValidateLength("причина спора", strings.TrimSpace(reason), MinDisputeReasonLength, MaxDisputeReasonLength)
}

// ValidateAmount проверяет денежную сумму (бюджет заявки или сумму отклика).
func ValidateAmount(fieldName string, amount float64) error {
	if amount <= MinBudget {
		return fmt.Errorf("%s должен быть положительным", fieldName)
	}
	if amount > MaxBudget {
		return fmt.Errorf("%s не может превышать %.0f", fieldName, MaxBudget)
	}
	return nil
}

// ValidateCurrency проверяет код валюты.
func ValidateCurrency(currency string) error {
	if _, ok := SupportedCurrencies[strings.ToUpper(currency)]; !ok {
		return fmt.Errorf("валюта %q не поддерживается", currency)
	}
	return nil
}
