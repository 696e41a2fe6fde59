// directory.go — реализация idp.Provider поверх Admin REST API.
// Ядро адресует пользователей по username; Directory сопоставляет их
// с Keycloak ID и кэширует ID пользователей и представления ролей в LRU.
package keycloak

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bigkaa/usersync/internal/domain/model"
	"github.com/bigkaa/usersync/internal/idp"
)

// defaultCacheSize — размер LRU-кэшей ID пользователей и ролей.
const defaultCacheSize = 4096

// Directory — idp.Provider для Keycloak.
type Directory struct {
	client             *Client
	userIDs            *lru.Cache[string, string]
	roles              *lru.Cache[string, RoleRepresentation]
	createMissingRoles bool
	logger             *slog.Logger
}

var _ idp.Provider = (*Directory)(nil)

// NewDirectory создаёт Directory.
// createMissingRoles — создавать отсутствующие роли realm при назначении.
func NewDirectory(client *Client, createMissingRoles bool, logger *slog.Logger) (*Directory, error) {
	userIDs, err := lru.New[string, string](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("создание кэша ID пользователей: %w", err)
	}
	roles, err := lru.New[string, RoleRepresentation](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("создание кэша ролей: %w", err)
	}

	return &Directory{
		client:             client,
		userIDs:            userIDs,
		roles:              roles,
		createMissingRoles: createMissingRoles,
		logger:             logger.With(slog.String("component", "keycloak_directory")),
	}, nil
}

func cacheKey(realm, name string) string {
	return realm + "\x00" + name
}

// CheckRealm проверяет, что realm существует и включён.
func (d *Directory) CheckRealm(ctx context.Context, realm string) error {
	info, err := d.client.RealmInfo(ctx, realm)
	if err != nil {
		return fmt.Errorf("realm %s: %w", realm, err)
	}
	if !info.Enabled {
		return fmt.Errorf("realm %s отключён: %w", realm, idp.ErrRejected)
	}
	return nil
}

// ListUsers возвращает страницу пользователей. Короткая страница — конец списка.
func (d *Directory) ListUsers(ctx context.Context, realm string, page idp.Page) (idp.UserPage, error) {
	kcUsers, err := d.client.ListUsers(ctx, realm, page.First, page.Max)
	if err != nil {
		return idp.UserPage{}, err
	}

	users := make([]model.UserRecord, 0, len(kcUsers))
	for _, u := range kcUsers {
		d.userIDs.Add(cacheKey(realm, u.Username), u.ID)
		users = append(users, model.UserRecord{
			Username:  u.Username,
			Email:     nilIfEmpty(u.Email),
			FirstName: nilIfEmpty(u.FirstName),
			LastName:  nilIfEmpty(u.LastName),
			Enabled:   u.Enabled,
			Roles:     model.RoleSet{},
		})
	}

	result := idp.UserPage{Users: users}
	if page.Max > 0 && len(kcUsers) >= page.Max {
		result.Next = &idp.Page{First: page.First + len(kcUsers), Max: page.Max}
	}
	return result, nil
}

// GetUserRoles возвращает имена realm-ролей, назначенных пользователю напрямую.
func (d *Directory) GetUserRoles(ctx context.Context, realm, username string) (model.RoleSet, error) {
	id, err := d.resolveUserID(ctx, realm, username)
	if err != nil {
		return nil, err
	}

	reps, err := d.client.GetUserRealmRoles(ctx, realm, id)
	if err != nil {
		return nil, err
	}

	roles := make(model.RoleSet, len(reps))
	for _, r := range reps {
		d.roles.Add(cacheKey(realm, r.Name), r)
		roles.Add(r.Name)
	}
	return roles, nil
}

// CreateUser создаёт пользователя. Существующий username — idp.ErrAlreadyInState.
func (d *Directory) CreateUser(ctx context.Context, realm string, user model.UserRecord) (string, error) {
	id, err := d.client.CreateUser(ctx, realm, userCreateRequest{
		Username:  user.Username,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Enabled:   user.Enabled,
	})
	if err != nil {
		// 409 приходит и при конфликте email — это отказ, а не гонка создания
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict &&
			strings.Contains(strings.ToLower(apiErr.Body), "username") {
			return "", fmt.Errorf("%w: %w", idp.ErrAlreadyInState, err)
		}
		return "", err
	}

	d.userIDs.Add(cacheKey(realm, user.Username), id)
	d.logger.Debug("Пользователь создан",
		slog.String("username", user.Username),
		slog.String("id", id),
	)
	return id, nil
}

// UpdateUser обновляет изменённые атрибуты.
func (d *Directory) UpdateUser(ctx context.Context, realm, username string, changes model.AttributeChanges) error {
	id, err := d.resolveUserID(ctx, realm, username)
	if err != nil {
		return err
	}

	return d.client.UpdateUser(ctx, realm, id, userUpdateRequest{
		Email:     changes.Email,
		FirstName: changes.FirstName,
		LastName:  changes.LastName,
	})
}

// SetEnabled включает или отключает пользователя.
func (d *Directory) SetEnabled(ctx context.Context, realm, username string, enabled bool) error {
	id, err := d.resolveUserID(ctx, realm, username)
	if err != nil {
		return err
	}

	return d.client.UpdateUser(ctx, realm, id, userUpdateRequest{Enabled: &enabled})
}

// DeleteUser удаляет пользователя. Отсутствующий пользователь — idp.ErrAlreadyInState.
func (d *Directory) DeleteUser(ctx context.Context, realm, username string) error {
	id, err := d.resolveUserID(ctx, realm, username)
	if errors.Is(err, idp.ErrUserNotFound) {
		return fmt.Errorf("%w: %w", idp.ErrAlreadyInState, err)
	}
	if err != nil {
		return err
	}

	err = d.client.DeleteUser(ctx, realm, id)
	if IsStatus(err, http.StatusNotFound) {
		d.userIDs.Remove(cacheKey(realm, username))
		return fmt.Errorf("%w: %w", idp.ErrAlreadyInState, err)
	}
	if err != nil {
		return err
	}

	d.userIDs.Remove(cacheKey(realm, username))
	return nil
}

// GrantRole назначает роль realm.
func (d *Directory) GrantRole(ctx context.Context, realm, username, role string) error {
	id, err := d.resolveUserID(ctx, realm, username)
	if err != nil {
		return err
	}

	rep, err := d.resolveRole(ctx, realm, role, d.createMissingRoles)
	if err != nil {
		return err
	}

	return d.client.AddUserRealmRoles(ctx, realm, id, []RoleRepresentation{rep})
}

// RevokeRole отзывает роль realm. Роль, отсутствующая в каталоге realm,
// даёт отказ операции — политика восстановления не угадывается.
func (d *Directory) RevokeRole(ctx context.Context, realm, username, role string) error {
	id, err := d.resolveUserID(ctx, realm, username)
	if err != nil {
		return err
	}

	rep, err := d.resolveRole(ctx, realm, role, false)
	if err != nil {
		return err
	}

	return d.client.DeleteUserRealmRoles(ctx, realm, id, []RoleRepresentation{rep})
}

// resolveUserID возвращает Keycloak ID по username (кэш → поиск).
func (d *Directory) resolveUserID(ctx context.Context, realm, username string) (string, error) {
	if id, ok := d.userIDs.Get(cacheKey(realm, username)); ok {
		return id, nil
	}

	u, err := d.client.FindUserByUsername(ctx, realm, username)
	if err != nil {
		return "", err
	}
	if u == nil {
		return "", fmt.Errorf("%s: %w", username, idp.ErrUserNotFound)
	}

	d.userIDs.Add(cacheKey(realm, username), u.ID)
	return u.ID, nil
}

// resolveRole возвращает представление роли (кэш → GET /roles/{name}).
// create — создать роль, если её нет в каталоге.
func (d *Directory) resolveRole(ctx context.Context, realm, name string, create bool) (RoleRepresentation, error) {
	if rep, ok := d.roles.Get(cacheKey(realm, name)); ok {
		return rep, nil
	}

	rep, err := d.client.GetRealmRole(ctx, realm, name)
	if IsStatus(err, http.StatusNotFound) && create {
		d.logger.Info("Создание отсутствующей роли realm",
			slog.String("realm", realm),
			slog.String("role", name),
		)
		if createErr := d.client.CreateRealmRole(ctx, realm, name); createErr != nil && !IsStatus(createErr, http.StatusConflict) {
			return RoleRepresentation{}, fmt.Errorf("создание роли %s: %w", name, createErr)
		}
		rep, err = d.client.GetRealmRole(ctx, realm, name)
	}
	if err != nil {
		return RoleRepresentation{}, fmt.Errorf("роль %s: %w", name, err)
	}

	d.roles.Add(cacheKey(realm, name), *rep)
	return *rep, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
