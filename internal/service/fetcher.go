// fetcher.go — получение наблюдаемого состояния realm.
//
// Список пользователей читается постранично до короткой страницы; затем роли
// каждого пользователя запрашиваются пулом из workers горутин. Ошибка
// получения ролей одного пользователя не прерывает запуск: пользователь
// помечается как неполное наблюдение и исключается из сравнения ролей.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/usersync/internal/domain/model"
	"github.com/bigkaa/usersync/internal/idp"
)

// FetcherConfig — параметры Fetcher.
type FetcherConfig struct {
	// PageSize — размер страницы списка пользователей
	PageSize int
	// Workers — число параллельных запросов ролей
	Workers int
	// Retry — политика повтора при ограничении частоты
	Retry RetryPolicy
	// ProtectedUsers — пользователи, исключаемые из наблюдаемого состояния
	ProtectedUsers []string
	// UnmanagedRoles — роли, которые не сравниваются и не отзываются
	UnmanagedRoles []string
}

// Fetcher получает наблюдаемое состояние из Identity Provider.
type Fetcher struct {
	provider       idp.Provider
	pageSize       int
	workers        int
	retry          RetryPolicy
	protected      map[string]bool
	unmanagedRoles model.RoleSet
	logger         *slog.Logger
}

// NewFetcher создаёт Fetcher.
func NewFetcher(provider idp.Provider, cfg FetcherConfig, logger *slog.Logger) *Fetcher {
	if cfg.PageSize < 1 {
		cfg.PageSize = 100
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	protected := make(map[string]bool, len(cfg.ProtectedUsers))
	for _, u := range cfg.ProtectedUsers {
		protected[u] = true
	}

	return &Fetcher{
		provider:       provider,
		pageSize:       cfg.PageSize,
		workers:        cfg.Workers,
		retry:          cfg.Retry,
		protected:      protected,
		unmanagedRoles: model.NewRoleSet(cfg.UnmanagedRoles...),
		logger:         logger.With(slog.String("component", "fetcher")),
	}
}

// FetchObserved возвращает снимок пользователей realm с их ролями.
func (f *Fetcher) FetchObserved(ctx context.Context, realm string) (*model.UserSnapshot, error) {
	snapshot := model.NewUserSnapshot()

	page := &idp.Page{First: 0, Max: f.pageSize}
	pages := 0
	for page != nil {
		var result idp.UserPage
		current := *page
		_, err := f.retry.do(ctx, func() error {
			var callErr error
			result, callErr = f.provider.ListUsers(ctx, realm, current)
			return callErr
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", ErrRunAborted, context.Cause(ctx))
			}
			return nil, fmt.Errorf("%w: список пользователей realm %s: %w", ErrObservedStateUnavailable, realm, err)
		}
		pages++

		for _, u := range result.Users {
			if f.protected[u.Username] {
				continue
			}
			// При сдвиге страниц пользователь может встретиться дважды
			snapshot.Put(u)
		}
		page = result.Next
	}

	if err := f.fetchRoles(ctx, realm, snapshot); err != nil {
		return nil, err
	}

	partial := snapshot.PartialObservations()
	for _, p := range partial {
		f.logger.Warn("Роли пользователя не получены, сравнение ролей пропущено",
			slog.String("username", p.Username),
			slog.String("error", p.Err.Error()),
		)
	}

	f.logger.Info("Наблюдаемое состояние получено",
		slog.String("realm", realm),
		slog.Int("users", snapshot.Len()),
		slog.Int("pages", pages),
		slog.Int("partial", len(partial)),
	)

	return snapshot, nil
}

// fetchRoles запрашивает роли всех пользователей снимка пулом горутин.
// Отказ аутентификации фатален: остальные запросы заведомо не пройдут.
func (f *Fetcher) fetchRoles(ctx context.Context, realm string, snapshot *model.UserSnapshot) error {
	usernames := snapshot.Usernames()
	roles := make([]model.RoleSet, len(usernames))
	errs := make([]error, len(usernames))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)

	for i, username := range usernames {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			_, err := f.retry.do(gctx, func() error {
				var callErr error
				roles[i], callErr = f.provider.GetUserRoles(gctx, realm, username)
				return callErr
			})
			if errors.Is(err, idp.ErrAuthRejected) {
				return err
			}
			errs[i] = err
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrRunAborted, context.Cause(ctx))
		}
		return fmt.Errorf("%w: роли пользователей realm %s: %w", ErrObservedStateUnavailable, realm, err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrRunAborted, context.Cause(ctx))
	}

	for i, username := range usernames {
		if errs[i] != nil {
			snapshot.MarkPartial(username, errs[i])
			continue
		}
		set := roles[i]
		if set == nil {
			set = model.RoleSet{}
		}
		for r := range f.unmanagedRoles {
			delete(set, r)
		}
		snapshot.SetRoles(username, set)
	}

	return nil
}
