package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/bigkaa/usersync/internal/domain/model"
	"github.com/bigkaa/usersync/internal/idp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeIDP — in-memory idp.Provider для тестов.
// Ошибки внедряются через failures: ключ "метод:username[:role]" → очередь ошибок.
type fakeIDP struct {
	mu       sync.Mutex
	users    map[string]model.UserRecord
	order    []string
	catalog  model.RoleSet // nil — любая роль существует
	failures map[string][]error
	calls    []string
	onCall   func(call string)
}

func newFakeIDP(users ...model.UserRecord) *fakeIDP {
	f := &fakeIDP{
		users:    make(map[string]model.UserRecord),
		failures: make(map[string][]error),
	}
	for _, u := range users {
		f.put(u)
	}
	return f
}

func (f *fakeIDP) put(u model.UserRecord) {
	if u.Roles == nil {
		u.Roles = model.RoleSet{}
	}
	if _, ok := f.users[u.Username]; !ok {
		f.order = append(f.order, u.Username)
	}
	f.users[u.Username] = u.Clone()
}

// fail ставит в очередь ошибки для вызова key.
func (f *fakeIDP) fail(key string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[key] = append(f.failures[key], errs...)
}

// record фиксирует вызов и возвращает внедрённую ошибку, если есть.
func (f *fakeIDP) record(key string) error {
	f.calls = append(f.calls, key)
	if f.onCall != nil {
		f.onCall(key)
	}
	if q := f.failures[key]; len(q) > 0 {
		f.failures[key] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeIDP) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeIDP) countCalls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == key {
			n++
		}
	}
	return n
}

func (f *fakeIDP) ListUsers(_ context.Context, _ string, page idp.Page) (idp.UserPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(fmt.Sprintf("list:%d", page.First)); err != nil {
		return idp.UserPage{}, err
	}

	var out []model.UserRecord
	for i := page.First; i < len(f.order) && i < page.First+page.Max; i++ {
		u := f.users[f.order[i]].Clone()
		u.Roles = model.RoleSet{}
		out = append(out, u)
	}
	res := idp.UserPage{Users: out}
	if len(out) == page.Max {
		res.Next = &idp.Page{First: page.First + page.Max, Max: page.Max}
	}
	return res, nil
}

func (f *fakeIDP) GetUserRoles(_ context.Context, _, username string) (model.RoleSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("roles:" + username); err != nil {
		return nil, err
	}
	u, ok := f.users[username]
	if !ok {
		return nil, idp.ErrUserNotFound
	}
	return u.Roles.Clone(), nil
}

func (f *fakeIDP) CreateUser(_ context.Context, _ string, user model.UserRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("create:" + user.Username); err != nil {
		return "", err
	}
	if _, ok := f.users[user.Username]; ok {
		return "", idp.ErrAlreadyInState
	}
	u := user.Clone()
	u.Roles = model.RoleSet{}
	f.put(u)
	return "id-" + user.Username, nil
}

func (f *fakeIDP) UpdateUser(_ context.Context, _, username string, changes model.AttributeChanges) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("update:" + username); err != nil {
		return err
	}
	u, ok := f.users[username]
	if !ok {
		return idp.ErrUserNotFound
	}
	if changes.Email != nil {
		u.Email = model.StringPtr(*changes.Email)
	}
	if changes.FirstName != nil {
		u.FirstName = model.StringPtr(*changes.FirstName)
	}
	if changes.LastName != nil {
		u.LastName = model.StringPtr(*changes.LastName)
	}
	f.users[username] = u
	return nil
}

func (f *fakeIDP) SetEnabled(_ context.Context, _, username string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(fmt.Sprintf("enabled:%s:%t", username, enabled)); err != nil {
		return err
	}
	u, ok := f.users[username]
	if !ok {
		return idp.ErrUserNotFound
	}
	u.Enabled = enabled
	f.users[username] = u
	return nil
}

func (f *fakeIDP) DeleteUser(_ context.Context, _, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("delete:" + username); err != nil {
		return err
	}
	if _, ok := f.users[username]; !ok {
		return idp.ErrAlreadyInState
	}
	delete(f.users, username)
	for i, n := range f.order {
		if n == username {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeIDP) GrantRole(_ context.Context, _, username, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("grant:" + username + ":" + role); err != nil {
		return err
	}
	if f.catalog != nil && !f.catalog.Has(role) {
		return fmt.Errorf("роль %s: %w", role, idp.ErrRejected)
	}
	u, ok := f.users[username]
	if !ok {
		return idp.ErrUserNotFound
	}
	u.Roles.Add(role)
	return nil
}

func (f *fakeIDP) RevokeRole(_ context.Context, _, username, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("revoke:" + username + ":" + role); err != nil {
		return err
	}
	if f.catalog != nil && !f.catalog.Has(role) {
		return fmt.Errorf("роль %s: %w", role, idp.ErrRejected)
	}
	u, ok := f.users[username]
	if !ok {
		return idp.ErrUserNotFound
	}
	delete(u.Roles, role)
	return nil
}

// usernames возвращает отсортированный список пользователей.
func (f *fakeIDP) usernames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.users))
	for n := range f.users {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

var _ idp.Provider = (*fakeIDP)(nil)
