// client.go — HTTP-клиент к Keycloak Admin REST API.
// Токен получается через Resource Owner Password Credentials grant
// (golang.org/x/oauth2) и обновляется через refresh token; если refresh
// невозможен — grant выполняется повторно.
// Частота запросов ограничивается на стороне клиента (golang.org/x/time/rate).
// Операции: ListUsers, FindUserByUsername, CreateUser, UpdateUser, DeleteUser,
// GetUserRealmRoles, AddUserRealmRoles, DeleteUserRealmRoles, GetRealmRole,
// CreateRealmRole, RealmInfo.
package keycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/bigkaa/usersync/internal/idp"
)

// Client — HTTP-клиент к Keycloak Admin REST API.
type Client struct {
	baseURL   string // Базовый URL Keycloak (без trailing slash)
	authRealm string // Realm, в котором аутентифицируется администратор
	username  string
	password  string

	oauth      *oauth2.Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	// Источник токенов; nil — токен ещё не получен или сброшен
	mu          sync.Mutex
	tokenSource oauth2.TokenSource
}

// Option — дополнительная настройка клиента.
type Option func(*Client)

// WithRateLimit ограничивает частоту запросов к Admin API.
// rps <= 0 — без ограничения.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New создаёт клиент к Keycloak Admin REST API.
// baseURL — базовый URL Keycloak (например, https://keycloak.example.org).
// authRealm — realm администратора (обычно master).
// clientID — публичный клиент для password grant (обычно admin-cli).
// httpClient — HTTP-клиент (может содержать TLS конфигурацию).
func New(baseURL, authRealm, clientID, username, password string, httpClient *http.Client, logger *slog.Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authRealm:  authRealm,
		username:   username,
		password:   password,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Inf, 0),
		logger:     logger.With(slog.String("component", "keycloak_client")),
	}
	c.oauth = &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.tokenEndpoint(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// --- Аутентификация ---

// tokenEndpoint возвращает URL endpoint'а получения токена.
func (c *Client) tokenEndpoint() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", c.baseURL, c.authRealm)
}

// adminBaseURL возвращает базовый URL Admin REST API для realm.
func (c *Client) adminBaseURL(realm string) string {
	return fmt.Sprintf("%s/admin/realms/%s", c.baseURL, url.PathEscape(realm))
}

// oauthContext передаёт наш HTTP-клиент библиотеке oauth2.
func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// getToken возвращает актуальный access token.
// Истёкший токен обновляется через refresh token; при неудаче — новый password grant.
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tokenSource != nil {
		tok, err := c.tokenSource.Token()
		if err == nil {
			return tok.AccessToken, nil
		}
		c.logger.Debug("Обновление токена Keycloak не удалось, повторный password grant",
			slog.String("error", err.Error()),
		)
		c.tokenSource = nil
	}

	tok, err := c.oauth.PasswordCredentialsToken(c.oauthContext(ctx), c.username, c.password)
	if err != nil {
		return "", classifyTokenError(err)
	}

	// Refresh выполняется вне контекста конкретного запроса
	c.tokenSource = c.oauth.TokenSource(c.oauthContext(context.WithoutCancel(ctx)), tok)

	c.logger.Debug("Keycloak токен получен",
		slog.Time("expires_at", tok.Expiry),
	)

	return tok.AccessToken, nil
}

// resetToken сбрасывает закэшированный токен (после 401 от Admin API).
func (c *Client) resetToken() {
	c.mu.Lock()
	c.tokenSource = nil
	c.mu.Unlock()
}

// classifyTokenError отличает отказ в аутентификации от недоступности Keycloak.
func classifyTokenError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		status := retrieveErr.Response.StatusCode
		switch {
		case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
			return fmt.Errorf("запрос токена Keycloak: %w: %w", idp.ErrThrottled, err)
		case status >= 400 && status < 500:
			return fmt.Errorf("запрос токена Keycloak: %w: %w", idp.ErrAuthRejected, err)
		}
	}
	return fmt.Errorf("запрос токена Keycloak: %w: %w", idp.ErrUnavailable, err)
}

// --- HTTP helpers ---

// APIError — неуспешный ответ Admin REST API.
// Unwrap сопоставляет HTTP-статус с ошибками пакета idp.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: Keycloak API вернул статус %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusServiceUnavailable:
		return idp.ErrThrottled
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return idp.ErrAuthRejected
	case e.StatusCode >= 500:
		return idp.ErrUnavailable
	default:
		return idp.ErrRejected
	}
}

// IsStatus проверяет, что err — APIError с указанным статусом.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// newAPIError читает тело ответа и формирует APIError.
func newAPIError(op string, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// doAuthorized выполняет HTTP-запрос к Admin REST API с авторизацией.
// При 401 токен сбрасывается и запрос повторяется один раз.
func (c *Client) doAuthorized(ctx context.Context, method, realm, path string, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("сериализация тела запроса: %w", err)
		}
		payload = data
	}

	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("ожидание лимита запросов: %w", err)
		}

		token, err := c.getToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("получение токена: %w", err)
		}

		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}

		reqURL := c.adminBaseURL(realm) + path
		req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("создание запроса: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%s %s: %w: %w", method, path, idp.ErrUnavailable, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 1 {
			resp.Body.Close()
			c.logger.Debug("Keycloak вернул 401, повторная аутентификация",
				slog.String("path", path),
			)
			c.resetToken()
			continue
		}

		return resp, nil
	}
}

// decodeResponse декодирует JSON ответ в target.
func decodeResponse(op string, resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(op, resp)
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("%s: декодирование ответа Keycloak: %w", op, err)
		}
	}

	return nil
}

// checkResponse проверяет статус ответа (для запросов без тела ответа).
func checkResponse(op string, resp *http.Response, expectedStatus int) error {
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		return newAPIError(op, resp)
	}

	return nil
}

// --- Users API ---

// ListUsers возвращает страницу пользователей realm в полном представлении.
func (c *Client) ListUsers(ctx context.Context, realm string, first, max int) ([]KeycloakUser, error) {
	path := fmt.Sprintf("/users?first=%d&max=%d&briefRepresentation=false", first, max)

	resp, err := c.doAuthorized(ctx, http.MethodGet, realm, path, nil)
	if err != nil {
		return nil, err
	}

	var users []KeycloakUser
	if err := decodeResponse("ListUsers", resp, &users); err != nil {
		return nil, err
	}

	return users, nil
}

// FindUserByUsername ищет пользователя по точному username.
// Возвращает nil, nil, если пользователь не найден.
func (c *Client) FindUserByUsername(ctx context.Context, realm, username string) (*KeycloakUser, error) {
	path := "/users?exact=true&briefRepresentation=true&username=" + url.QueryEscape(username)

	resp, err := c.doAuthorized(ctx, http.MethodGet, realm, path, nil)
	if err != nil {
		return nil, err
	}

	var users []KeycloakUser
	if err := decodeResponse("FindUserByUsername", resp, &users); err != nil {
		return nil, err
	}

	for i := range users {
		if users[i].Username == username {
			return &users[i], nil
		}
	}

	return nil, nil
}

// CreateUser создаёт пользователя и возвращает его Keycloak ID.
func (c *Client) CreateUser(ctx context.Context, realm string, req userCreateRequest) (string, error) {
	resp, err := c.doAuthorized(ctx, http.MethodPost, realm, "/users", req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", newAPIError("CreateUser", resp)
	}

	// Keycloak возвращает Location header с ID созданного ресурса
	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("CreateUser: отсутствует Location header в ответе")
	}

	// Извлекаем ID из Location: .../users/{id}
	parts := strings.Split(strings.TrimRight(location, "/"), "/")
	id := parts[len(parts)-1]
	if id == "" {
		return "", fmt.Errorf("CreateUser: не удалось извлечь ID из Location: %s", location)
	}

	return id, nil
}

// UpdateUser частично обновляет пользователя.
func (c *Client) UpdateUser(ctx context.Context, realm, id string, req userUpdateRequest) error {
	resp, err := c.doAuthorized(ctx, http.MethodPut, realm, "/users/"+url.PathEscape(id), req)
	if err != nil {
		return err
	}

	return checkResponse("UpdateUser", resp, http.StatusNoContent)
}

// DeleteUser удаляет пользователя.
func (c *Client) DeleteUser(ctx context.Context, realm, id string) error {
	resp, err := c.doAuthorized(ctx, http.MethodDelete, realm, "/users/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}

	return checkResponse("DeleteUser", resp, http.StatusNoContent)
}

// --- Role mappings API ---

// GetUserRealmRoles возвращает роли realm, назначенные пользователю напрямую.
func (c *Client) GetUserRealmRoles(ctx context.Context, realm, id string) ([]RoleRepresentation, error) {
	resp, err := c.doAuthorized(ctx, http.MethodGet, realm, "/users/"+url.PathEscape(id)+"/role-mappings/realm", nil)
	if err != nil {
		return nil, err
	}

	var roles []RoleRepresentation
	if err := decodeResponse("GetUserRealmRoles", resp, &roles); err != nil {
		return nil, err
	}

	return roles, nil
}

// AddUserRealmRoles назначает пользователю роли realm.
func (c *Client) AddUserRealmRoles(ctx context.Context, realm, id string, roles []RoleRepresentation) error {
	resp, err := c.doAuthorized(ctx, http.MethodPost, realm, "/users/"+url.PathEscape(id)+"/role-mappings/realm", roles)
	if err != nil {
		return err
	}

	return checkResponse("AddUserRealmRoles", resp, http.StatusNoContent)
}

// DeleteUserRealmRoles отзывает у пользователя роли realm.
func (c *Client) DeleteUserRealmRoles(ctx context.Context, realm, id string, roles []RoleRepresentation) error {
	resp, err := c.doAuthorized(ctx, http.MethodDelete, realm, "/users/"+url.PathEscape(id)+"/role-mappings/realm", roles)
	if err != nil {
		return err
	}

	return checkResponse("DeleteUserRealmRoles", resp, http.StatusNoContent)
}

// --- Roles API ---

// GetRealmRole возвращает роль realm по имени.
func (c *Client) GetRealmRole(ctx context.Context, realm, name string) (*RoleRepresentation, error) {
	resp, err := c.doAuthorized(ctx, http.MethodGet, realm, "/roles/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, err
	}

	var role RoleRepresentation
	if err := decodeResponse("GetRealmRole", resp, &role); err != nil {
		return nil, err
	}

	return &role, nil
}

// CreateRealmRole создаёт роль realm.
func (c *Client) CreateRealmRole(ctx context.Context, realm, name string) error {
	resp, err := c.doAuthorized(ctx, http.MethodPost, realm, "/roles", roleCreateRequest{
		Name:        name,
		Description: "created by usersync",
	})
	if err != nil {
		return err
	}

	return checkResponse("CreateRealmRole", resp, http.StatusCreated)
}

// --- Realm API ---

// RealmInfo возвращает информацию о realm.
func (c *Client) RealmInfo(ctx context.Context, realm string) (*RealmRepresentation, error) {
	resp, err := c.doAuthorized(ctx, http.MethodGet, realm, "", nil)
	if err != nil {
		return nil, err
	}

	var info RealmRepresentation
	if err := decodeResponse("RealmInfo", resp, &info); err != nil {
		return nil, err
	}

	return &info, nil
}
