// usersync — согласование пользователей и ролей realm Keycloak
// с желаемым состоянием из файла или таблицы.
//
// Коды завершения: 0 — запуск завершён (даже с неуспешными операциями),
// 1 — фатальная ошибка до применения плана, 2 — запуск прерван.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bigkaa/usersync/internal/config"
	"github.com/bigkaa/usersync/internal/report"
	"github.com/bigkaa/usersync/internal/service"
)

// Коды завершения процесса.
const (
	exitOK      = 0
	exitFatal   = 1
	exitAborted = 2
)

// exitError — ошибка с явным кодом завершения.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// options — флаги командной строки.
type options struct {
	configPath string
	usersFile  string
	output     string
	dryRun     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	code := exitCode(err)
	if err != nil && code == exitFatal {
		fmt.Fprintln(os.Stderr, "usersync:", err)
	}
	os.Exit(code)
}

// exitCode сопоставляет ошибку запуска коду завершения.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, service.ErrRunAborted) || errors.Is(err, context.Canceled) {
		return exitAborted
	}
	return exitFatal
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "usersync",
		Short:         "Согласование пользователей и ролей realm Keycloak",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), cmd, opts)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "конфигурационный файл (YAML, JSON или TOML)")
	flags.StringVarP(&opts.usersFile, "users", "u", "", "файл желаемого состояния (путь или s3://bucket/key), заменяет users_provider")
	flags.StringVarP(&opts.output, "output", "o", report.FormatText, "формат вывода: text, json")

	root.Flags().BoolVar(&opts.dryRun, "dry-run", false, "вычислить план и отчёт без изменений в Keycloak")

	root.AddCommand(newPlanCmd(opts))
	root.AddCommand(newVersionCmd())

	return root
}

func newPlanCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Вывести план согласования без применения",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlan(cmd.Context(), cmd, opts)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Версия usersync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "usersync", config.Version)
			return err
		},
	}
}

// errNoConfig — не задан конфигурационный файл.
var errNoConfig = errors.New("не задан конфигурационный файл (-c)")

func loadConfig(opts *options) (*config.Config, *slog.Logger, error) {
	if opts.configPath == "" {
		return nil, nil, errNoConfig
	}
	if err := report.ValidateFormat(opts.output); err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(opts.configPath, opts.usersFile)
	if err != nil {
		return nil, nil, fmt.Errorf("загрузка конфигурации: %w", err)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("usersync запускается",
		slog.String("version", config.Version),
		slog.String("realm", cfg.Realm),
		slog.String("users_provider", cfg.UsersProvider.Type),
	)
	return cfg, logger, nil
}

// runSync выполняет один запуск согласования и выводит отчёт.
func runSync(ctx context.Context, cmd *cobra.Command, opts *options) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger, !opts.dryRun)
	if err != nil {
		logger.Error("Ошибка инициализации", slog.String("error", err.Error()))
		return err
	}
	defer a.Close()

	runReport, err := a.sync.Run(ctx, opts.dryRun)
	if err != nil {
		logger.Error("Запуск не выполнен", slog.String("error", err.Error()))
		return err
	}

	if err := report.WriteRun(cmd.OutOrStdout(), opts.output, runReport); err != nil {
		return err
	}

	if runReport.Aborted {
		return &exitError{
			code: exitAborted,
			err:  fmt.Errorf("%w: %s", service.ErrRunAborted, runReport.AbortReason),
		}
	}
	return nil
}

// runPlan вычисляет план и выводит его без применения.
func runPlan(ctx context.Context, cmd *cobra.Command, opts *options) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		logger.Error("Ошибка инициализации", slog.String("error", err.Error()))
		return err
	}
	defer a.Close()

	result, err := a.sync.Plan(ctx)
	if err != nil {
		logger.Error("План не вычислен", slog.String("error", err.Error()))
		return err
	}

	for _, p := range result.Observed.PartialObservations() {
		logger.Warn("Роли пользователя не получены, сравнение ролей пропущено",
			slog.String("username", p.Username),
			slog.String("error", errString(p.Err)),
		)
	}

	return report.WritePlan(cmd.OutOrStdout(), opts.output, result.Plan)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
