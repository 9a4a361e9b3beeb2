package goroutine

import (
	"context"
	"runtime/debug"

	"github.com/mkazarin/homefix-backend/internal/logger"
)

// SafeGo запускает горутину с обработкой panic.
// Упавшая фоновая горутина (отправка уведомления, цикл сверки) не должна
// ронять процесс целиком.
func SafeGo(fn func()) {
	go func() {
		defer recoverPanic()
		fn()
	}()
}

// SafeGoWithContext запускает горутину с контекстом и обработкой panic.
func SafeGoWithContext(ctx context.Context, fn func(context.Context)) {
	go func() {
		defer recoverPanic()
		fn(ctx)
	}()
}

func recoverPanic() {
	if r := recover(); r != nil {
		logger.WithComponent("goroutine").Errorf("panic in goroutine: %v\nstack:\n%s", r, debug.Stack())
	}
}
