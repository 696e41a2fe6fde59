// retry.go — повтор операций, отклонённых из-за ограничения частоты.
// Повторяются только ошибки idp.ErrThrottled; остальные возвращаются сразу.
package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bigkaa/usersync/internal/idp"
)

// RetryPolicy — ограниченный экспоненциальный повтор.
type RetryPolicy struct {
	// MaxAttempts — максимальное число вызовов (включая первый)
	MaxAttempts int
	// InitialInterval — задержка перед первым повтором
	InitialInterval time.Duration
	// MaxInterval — верхняя граница задержки
	MaxInterval time.Duration
}

// DefaultRetryPolicy — 3 попытки, задержки от 500ms до 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	// Число попыток ограничивает MaxAttempts, а не время
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// do вызывает call, повторяя при idp.ErrThrottled не более MaxAttempts раз.
// Ожидание между попытками прерывается отменой ctx; тогда возвращается
// последняя ошибка. Возвращает число выполненных вызовов.
func (p RetryPolicy) do(ctx context.Context, call func() error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	b := p.newBackOff()
	var err error
	for attempt := 1; ; attempt++ {
		err = call()
		if err == nil || !idp.IsRetryable(err) || attempt >= maxAttempts {
			return attempt, err
		}

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, err
		case <-timer.C:
		}
	}
}
