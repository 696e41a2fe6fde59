package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bigkaa/usersync/internal/config"
	"github.com/bigkaa/usersync/internal/database"
	"github.com/bigkaa/usersync/internal/desired"
	"github.com/bigkaa/usersync/internal/domain/model"
	"github.com/bigkaa/usersync/internal/gitlab"
	"github.com/bigkaa/usersync/internal/keycloak"
	"github.com/bigkaa/usersync/internal/metrics"
	"github.com/bigkaa/usersync/internal/repository"
	"github.com/bigkaa/usersync/internal/service"
	"github.com/bigkaa/usersync/internal/tablestore"
)

// app — собранные компоненты одного запуска.
type app struct {
	sync    *service.SyncService
	closers []func()
}

// Close освобождает ресурсы в обратном порядке.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp собирает компоненты по конфигурации.
// withSinks — подключать архив отчётов и Pushgateway (не нужны для plan и dry-run).
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, withSinks bool) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// 1. HTTP-клиент (с кастомным CA, если задан)
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.CACertPath != "" {
		httpClient, err = buildHTTPClientWithCA(cfg.CACertPath, cfg.HTTPTimeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", cfg.CACertPath, err)
		}
		logger.Info("CA-сертификат загружен", slog.String("path", cfg.CACertPath))
	}

	// 2. Keycloak Admin API
	kcClient := keycloak.New(
		cfg.KeycloakURL,
		cfg.AuthRealm,
		cfg.AuthClientID,
		cfg.AuthUsername,
		cfg.AuthPassword,
		httpClient,
		logger,
		keycloak.WithRateLimit(cfg.RequestsPerSecond, cfg.Workers),
	)
	directory, err := keycloak.NewDirectory(kcClient, cfg.CreateMissingRoles, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Keycloak клиент создан",
		slog.String("url", cfg.KeycloakURL),
		slog.String("realm", cfg.Realm),
	)

	// 3. Источник желаемого состояния
	provider, closeProvider, err := buildProvider(ctx, cfg.UsersProvider, httpClient, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeProvider)

	// 4. Сервисы
	retry := service.RetryPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
	}
	fetcher := service.NewFetcher(directory, service.FetcherConfig{
		PageSize:       cfg.PageSize,
		Workers:        cfg.Workers,
		Retry:          retry,
		ProtectedUsers: cfg.ProtectedUsers,
		UnmanagedRoles: cfg.UnmanagedRoles,
	}, logger)
	reconciler := service.NewReconciler(directory, service.ReconcilerConfig{
		Realm:   cfg.Realm,
		Workers: cfg.Workers,
		Retry:   retry,
	}, logger)

	// Realm проверяется только после загрузки источника
	opts := []service.SyncOption{
		service.WithPreflight(func(ctx context.Context) error {
			return directory.CheckRealm(ctx, cfg.Realm)
		}),
	}

	// 5. Группа GitLab (опционально)
	if gl := cfg.GitLab; gl != nil {
		glClient := gitlab.New(gl.URL, gl.Token, gl.GroupID, httpClient, logger,
			gitlab.WithRateLimit(cfg.RequestsPerSecond, cfg.Workers),
		)
		opts = append(opts, service.WithMembership(service.NewMembershipSync(glClient, service.MembershipConfig{
			OwnerRole:      gl.OwnerRole,
			MaintainerRole: gl.MaintainerRole,
			ProtectedUsers: cfg.ProtectedUsers,
			Retry:          retry,
		}, logger)))
		logger.Info("Согласование группы GitLab включено",
			slog.String("url", gl.URL),
			slog.Int("group_id", gl.GroupID),
		)
	}

	if withSinks {
		sinkOpts, err := a.buildSinks(ctx, cfg, httpClient, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sinkOpts...)
	}

	a.sync = service.NewSyncService(provider, fetcher, reconciler, service.SyncConfig{
		Realm:          cfg.Realm,
		RunConfig:      model.RunConfig{DeleteUsers: cfg.DeleteUsers},
		ProtectedUsers: cfg.ProtectedUsers,
		UnmanagedRoles: cfg.UnmanagedRoles,
	}, logger, opts...)

	return a, nil
}

// buildSinks подключает архив отчётов (PostgreSQL) и Pushgateway.
func (a *app) buildSinks(ctx context.Context, cfg *config.Config, httpClient *http.Client, logger *slog.Logger) ([]service.SyncOption, error) {
	var opts []service.SyncOption

	if cfg.ReportDSN != "" {
		logger.Info("Применение миграций архива отчётов...")
		if err := database.Migrate(cfg.ReportDSN, logger); err != nil {
			return nil, fmt.Errorf("миграции архива отчётов: %w", err)
		}
		pool, err := database.Connect(ctx, cfg.ReportDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("архив отчётов: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		opts = append(opts, service.WithArchive(
			repository.NewRunReportRepository(repository.NewTxRunner(pool)),
		))
	}

	if cfg.PushgatewayURL != "" {
		opts = append(opts, service.WithMetricsPusher(
			metrics.NewPusher(cfg.PushgatewayURL, service.MetricsGatherer(), httpClient, logger),
		))
	}

	return opts, nil
}

// buildProvider создаёт источник желаемого состояния и функцию освобождения его ресурсов.
func buildProvider(ctx context.Context, pc config.ProviderConfig, httpClient *http.Client, logger *slog.Logger) (desired.Provider, func(), error) {
	noop := func() {}

	tableOpts := []desired.TableOption{
		desired.WithColumns(desired.Columns{
			Username:  pc.Columns.Username,
			Email:     pc.Columns.Email,
			FirstName: pc.Columns.FirstName,
			LastName:  pc.Columns.LastName,
			Enabled:   pc.Columns.Enabled,
			Roles:     pc.Columns.Roles,
		}),
		desired.WithEmailDomain(pc.EmailDomain),
	}

	switch pc.Type {
	case config.ProviderFile:
		if desired.IsS3URI(pc.Path) {
			doc, err := desired.OpenS3Document(ctx, pc.Path, desired.S3Options{
				Profile:  pc.S3Profile,
				Region:   pc.S3Region,
				Endpoint: pc.S3Endpoint,
			})
			if err != nil {
				return nil, nil, err
			}
			return desired.NewFileProvider(doc, logger), noop, nil
		}
		return desired.NewFileProvider(desired.LocalDocument{Path: pc.Path}, logger), noop, nil

	case config.ProviderNextcloud:
		reader := tablestore.NewNextcloud(pc.URL, pc.Username, pc.Password, pc.TableID, httpClient, logger)
		return desired.NewTableProvider(reader, logger, tableOpts...), noop, nil

	case config.ProviderPostgres:
		pool, err := database.Connect(ctx, pc.DSN, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("источник postgres: %w: %w", desired.ErrSourceUnavailable, err)
		}
		reader := tablestore.NewPostgres(pool, pc.Table)
		return desired.NewTableProvider(reader, logger, tableOpts...), pool.Close, nil

	case config.ProviderSQLite:
		db, err := tablestore.OpenSQLite(pc.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("источник sqlite: %w: %w", desired.ErrSourceUnavailable, err)
		}
		reader := tablestore.NewSQLite(db, pc.Table)
		closeDB := func() {
			if err := db.Close(); err != nil {
				logger.Warn("Ошибка закрытия SQLite", slog.String("error", err.Error()))
			}
		}
		return desired.NewTableProvider(reader, logger, tableOpts...), closeDB, nil

	default:
		return nil, nil, fmt.Errorf("неизвестный тип источника %q: %w", pc.Type, config.ErrInvalidConfig)
	}
}

// buildHTTPClientWithCA создаёт HTTP-клиент с кастомным CA-сертификатом.
func buildHTTPClientWithCA(caCertPath string, timeout time.Duration) (*http.Client, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("в %s нет PEM-сертификатов", caCertPath)
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				RootCAs:    caCertPool,
				MinVersion: tls.VersionTLS12,
			},
		},
	}, nil
}
