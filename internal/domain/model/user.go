// Пакет model — доменные модели usersync.
package model

import (
	"fmt"
	"slices"
	"sort"
)

// RoleSet — множество имён ролей (уникальные, без порядка).
type RoleSet map[string]struct{}

// NewRoleSet создаёт множество из списка имён.
func NewRoleSet(roles ...string) RoleSet {
	set := make(RoleSet, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return set
}

// Has проверяет наличие роли.
func (s RoleSet) Has(role string) bool {
	_, ok := s[role]
	return ok
}

// Add добавляет роль.
func (s RoleSet) Add(role string) {
	s[role] = struct{}{}
}

// Sorted возвращает роли в лексикографическом порядке.
func (s RoleSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Minus возвращает роли из s, отсутствующие в other (в отсортированном виде).
func (s RoleSet) Minus(other RoleSet) []string {
	var out []string
	for r := range s {
		if !other.Has(r) {
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out
}

// Clone возвращает копию множества.
func (s RoleSet) Clone() RoleSet {
	out := make(RoleSet, len(s))
	for r := range s {
		out[r] = struct{}{}
	}
	return out
}

// UserRecord — пользователь в желаемом или наблюдаемом состоянии.
// Обе стороны используют одну форму, чтобы их можно было сравнивать структурно.
type UserRecord struct {
	// Username — ключ идентичности (регистрозависимый)
	Username string
	// Email — nil означает, что атрибут не управляется
	Email *string
	// FirstName — имя
	FirstName *string
	// LastName — фамилия
	LastName *string
	// Enabled — активна ли учётная запись
	Enabled bool
	// Roles — realm-роли пользователя
	Roles RoleSet
}

// Clone возвращает глубокую копию записи.
func (u UserRecord) Clone() UserRecord {
	out := u
	out.Email = cloneString(u.Email)
	out.FirstName = cloneString(u.FirstName)
	out.LastName = cloneString(u.LastName)
	if u.Roles != nil {
		out.Roles = u.Roles.Clone()
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr возвращает указатель на копию s.
func StringPtr(s string) *string {
	return &s
}

// PartialObservation — не удалось получить роли одного пользователя.
// Такой пользователь исключается из сравнения ролей, но его существование
// и флаг enabled сравниваются.
type PartialObservation struct {
	Username string
	Err      error
}

func (p PartialObservation) Error() string {
	return fmt.Sprintf("неполное наблюдение пользователя %s: %v", p.Username, p.Err)
}

func (p PartialObservation) Unwrap() error {
	return p.Err
}

// UserSnapshot — отображение username → UserRecord с сохранением порядка вставки.
// Создаётся заново на каждый запуск и нигде не сохраняется.
type UserSnapshot struct {
	order   []string
	users   map[string]UserRecord
	partial map[string]error
}

// NewUserSnapshot создаёт пустой снимок.
func NewUserSnapshot() *UserSnapshot {
	return &UserSnapshot{
		users:   make(map[string]UserRecord),
		partial: make(map[string]error),
	}
}

// ErrDuplicateUsername — username уже присутствует в снимке.
type ErrDuplicateUsername struct {
	Username string
}

func (e *ErrDuplicateUsername) Error() string {
	return fmt.Sprintf("дублирующийся username %q", e.Username)
}

// Add добавляет запись. Повторный username — ошибка, а не перезапись.
func (s *UserSnapshot) Add(u UserRecord) error {
	if _, exists := s.users[u.Username]; exists {
		return &ErrDuplicateUsername{Username: u.Username}
	}
	if u.Roles == nil {
		u.Roles = RoleSet{}
	}
	s.order = append(s.order, u.Username)
	s.users[u.Username] = u
	return nil
}

// Put добавляет или заменяет запись, сохраняя исходную позицию.
func (s *UserSnapshot) Put(u UserRecord) {
	if u.Roles == nil {
		u.Roles = RoleSet{}
	}
	if _, exists := s.users[u.Username]; !exists {
		s.order = append(s.order, u.Username)
	}
	s.users[u.Username] = u
}

// Remove удаляет запись из снимка.
func (s *UserSnapshot) Remove(username string) {
	if _, exists := s.users[username]; !exists {
		return
	}
	delete(s.users, username)
	delete(s.partial, username)
	s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == username })
}

// Get возвращает запись по username.
func (s *UserSnapshot) Get(username string) (UserRecord, bool) {
	u, ok := s.users[username]
	return u, ok
}

// Has проверяет наличие username.
func (s *UserSnapshot) Has(username string) bool {
	_, ok := s.users[username]
	return ok
}

// Usernames возвращает usernames в порядке вставки.
func (s *UserSnapshot) Usernames() []string {
	return slices.Clone(s.order)
}

// Len — количество пользователей.
func (s *UserSnapshot) Len() int {
	return len(s.order)
}

// SetRoles заменяет роли существующего пользователя.
func (s *UserSnapshot) SetRoles(username string, roles RoleSet) {
	u, ok := s.users[username]
	if !ok {
		return
	}
	u.Roles = roles
	s.users[username] = u
}

// MarkPartial отмечает, что роли пользователя не удалось получить.
func (s *UserSnapshot) MarkPartial(username string, err error) {
	s.partial[username] = err
}

// IsPartial сообщает, исключён ли пользователь из сравнения ролей.
func (s *UserSnapshot) IsPartial(username string) bool {
	_, ok := s.partial[username]
	return ok
}

// PartialObservations возвращает неполные наблюдения в порядке снимка.
func (s *UserSnapshot) PartialObservations() []PartialObservation {
	var out []PartialObservation
	for _, name := range s.order {
		if err, ok := s.partial[name]; ok {
			out = append(out, PartialObservation{Username: name, Err: err})
		}
	}
	return out
}
