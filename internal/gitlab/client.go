// Пакет gitlab — HTTP-клиент к GitLab REST API v4 для управления
// членством в одной группе.
// Аутентификация — personal/group access token в заголовке PRIVATE-TOKEN.
// Частота запросов ограничивается на стороне клиента (golang.org/x/time/rate).
// Операции: FindUser, ListMembers, AddMember, EditMember, RemoveMember.
package gitlab

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
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bigkaa/usersync/internal/domain/model"
	"github.com/bigkaa/usersync/internal/idp"
)

// membersPerPage — максимальный размер страницы GitLab API.
const membersPerPage = 100

// Client — клиент GitLab API, привязанный к одной группе.
type Client struct {
	baseURL    string
	token      string
	groupID    int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Option — дополнительная настройка клиента.
type Option func(*Client)

// WithRateLimit ограничивает частоту запросов. rps <= 0 — без ограничения.
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

// New создаёт клиент. baseURL — адрес GitLab (например, https://gitlab.example.org).
func New(baseURL, token string, groupID int, httpClient *http.Client, logger *slog.Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		groupID:    groupID,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Inf, 0),
		logger:     logger.With(slog.String("component", "gitlab_client")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GroupID возвращает ID управляемой группы.
func (c *Client) GroupID() int {
	return c.groupID
}

// --- HTTP helpers ---

// APIError — неуспешный ответ GitLab API.
// Unwrap сопоставляет HTTP-статус с ошибками пакета idp.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: GitLab API вернул статус %d: %s", e.Op, e.StatusCode, e.Body)
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

func newAPIError(op string, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// do выполняет запрос к /api/v4 с токеном.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("сериализация тела запроса: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("ожидание лимита запросов: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v4"+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s %s: %w: %w", method, path, idp.ErrUnavailable, err)
	}
	return resp, nil
}

func decodeResponse(op string, resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("%s: декодирование ответа GitLab: %w", op, err)
	}
	return nil
}

func checkResponse(op string, resp *http.Response, expected ...int) error {
	defer resp.Body.Close()

	for _, status := range expected {
		if resp.StatusCode == status {
			return nil
		}
	}
	return newAPIError(op, resp)
}

func (c *Client) membersPath() string {
	return "/groups/" + strconv.Itoa(c.groupID) + "/members"
}

// --- API ---

type userDTO struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
}

type memberDTO struct {
	ID          int    `json:"id"`
	Username    string `json:"username"`
	AccessLevel int    `json:"access_level"`
}

type memberRequest struct {
	UserID      int `json:"user_id,omitempty"`
	AccessLevel int `json:"access_level"`
}

// FindUser возвращает ID пользователя по точному username.
// Если пользователь не найден — ошибка idp.ErrUserNotFound.
func (c *Client) FindUser(ctx context.Context, username string) (int, error) {
	resp, err := c.do(ctx, http.MethodGet, "/users?username="+url.QueryEscape(username), nil)
	if err != nil {
		return 0, err
	}

	var users []userDTO
	if err := decodeResponse("FindUser", resp, &users); err != nil {
		return 0, err
	}
	for _, u := range users {
		if u.Username == username {
			return u.ID, nil
		}
	}
	return 0, fmt.Errorf("GitLab %s: %w", username, idp.ErrUserNotFound)
}

// ListMembers возвращает прямых участников группы (все страницы).
func (c *Client) ListMembers(ctx context.Context) ([]model.GroupMember, error) {
	var members []model.GroupMember
	for page := 1; page > 0; {
		path := fmt.Sprintf("%s?per_page=%d&page=%d", c.membersPath(), membersPerPage, page)
		resp, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		// X-Next-Page пуст на последней странице
		next := resp.Header.Get("X-Next-Page")

		var dtos []memberDTO
		if err := decodeResponse("ListMembers", resp, &dtos); err != nil {
			return nil, err
		}
		for _, m := range dtos {
			members = append(members, model.GroupMember{
				UserID:   m.ID,
				Username: m.Username,
				Level:    model.AccessLevel(m.AccessLevel),
			})
		}

		page = 0
		if next != "" {
			if page, err = strconv.Atoi(next); err != nil {
				return nil, fmt.Errorf("ListMembers: некорректный X-Next-Page %q", next)
			}
		}
	}

	c.logger.Debug("Участники группы получены",
		slog.Int("group_id", c.groupID),
		slog.Int("count", len(members)),
	)
	return members, nil
}

// AddMember добавляет пользователя в группу. 409 — уже участник.
func (c *Client) AddMember(ctx context.Context, userID int, level model.AccessLevel) error {
	resp, err := c.do(ctx, http.MethodPost, c.membersPath(), memberRequest{UserID: userID, AccessLevel: int(level)})
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusConflict {
		resp.Body.Close()
		return fmt.Errorf("пользователь %d уже участник группы: %w", userID, idp.ErrAlreadyInState)
	}
	return checkResponse("AddMember", resp, http.StatusCreated)
}

// EditMember меняет уровень доступа участника.
func (c *Client) EditMember(ctx context.Context, userID int, level model.AccessLevel) error {
	resp, err := c.do(ctx, http.MethodPut, c.membersPath()+"/"+strconv.Itoa(userID), memberRequest{AccessLevel: int(level)})
	if err != nil {
		return err
	}
	return checkResponse("EditMember", resp, http.StatusOK)
}

// RemoveMember удаляет участника из группы. 404 — уже не участник.
func (c *Client) RemoveMember(ctx context.Context, userID int) error {
	resp, err := c.do(ctx, http.MethodDelete, c.membersPath()+"/"+strconv.Itoa(userID), nil)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return fmt.Errorf("пользователь %d не участник группы: %w", userID, idp.ErrAlreadyInState)
	}
	return checkResponse("RemoveMember", resp, http.StatusNoContent, http.StatusOK)
}
