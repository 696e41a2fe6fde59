// errors.go — ошибки уровня запуска согласования.
package service

import "errors"

var (
	// ErrObservedStateUnavailable — не удалось получить список пользователей realm.
	ErrObservedStateUnavailable = errors.New("наблюдаемое состояние недоступно")
	// ErrRunAborted — запуск прерван (отмена или потеря аутентификации).
	ErrRunAborted = errors.New("запуск прерван")
)
