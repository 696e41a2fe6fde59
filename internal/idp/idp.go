// Пакет idp — контракт Identity Provider, потребляемый ядром согласования,
// и таксономия ошибок уровня операций.
package idp

import (
	"context"
	"errors"

	"github.com/bigkaa/usersync/internal/domain/model"
)

// Ошибки операций Identity Provider. Реализации оборачивают их через %w.
var (
	// ErrThrottled — IdP ограничил частоту запросов, операцию можно повторить.
	ErrThrottled = errors.New("запрос отклонён из-за ограничения частоты")
	// ErrAlreadyInState — объект уже в целевом состоянии (создание существующего,
	// удаление отсутствующего).
	ErrAlreadyInState = errors.New("объект уже в целевом состоянии")
	// ErrRejected — IdP отклонил операцию (валидация, неизвестная роль), повтор бесполезен.
	ErrRejected = errors.New("операция отклонена Identity Provider")
	// ErrAuthRejected — аутентификация отклонена; дальнейшие вызовы бессмысленны.
	ErrAuthRejected = errors.New("аутентификация в Identity Provider отклонена")
	// ErrUnavailable — IdP недоступен (сеть, 5xx).
	ErrUnavailable = errors.New("Identity Provider недоступен")
	// ErrUserNotFound — пользователь с указанным username не найден.
	ErrUserNotFound = errors.New("пользователь не найден")
)

// Page — окно постраничного чтения списка пользователей.
type Page struct {
	First int
	Max   int
}

// UserPage — страница пользователей. Next == nil означает конец списка.
type UserPage struct {
	Users []model.UserRecord
	Next  *Page
}

// Provider — операции над пользователями и маппингами ролей realm.
// Пользователи адресуются по username; сопоставление с внутренними ID —
// забота реализации.
type Provider interface {
	ListUsers(ctx context.Context, realm string, page Page) (UserPage, error)
	GetUserRoles(ctx context.Context, realm, username string) (model.RoleSet, error)
	CreateUser(ctx context.Context, realm string, user model.UserRecord) (string, error)
	UpdateUser(ctx context.Context, realm, username string, changes model.AttributeChanges) error
	SetEnabled(ctx context.Context, realm, username string, enabled bool) error
	DeleteUser(ctx context.Context, realm, username string) error
	GrantRole(ctx context.Context, realm, username, role string) error
	RevokeRole(ctx context.Context, realm, username, role string) error
}

// IsRetryable сообщает, можно ли повторить операцию после ошибки.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottled)
}
