// sync.go — оркестрация одного запуска согласования.
//
// Порядок: желаемое состояние → проверка realm → наблюдаемое состояние →
// план → применение → членство в группе GitLab → архив отчёта → метрики.
// Ошибки источника, проверки и наблюдаемого состояния фатальны и возникают
// до первой изменяющей операции.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/usersync/internal/desired"
	"github.com/bigkaa/usersync/internal/domain/model"
)

// ReportArchive сохраняет отчёт о запуске.
type ReportArchive interface {
	Save(ctx context.Context, report *model.RunReport) error
}

// MetricsPusher отправляет метрики запуска.
type MetricsPusher interface {
	Push(ctx context.Context, realm string) error
}

// SyncConfig — параметры SyncService.
type SyncConfig struct {
	Realm     string
	RunConfig model.RunConfig
	// ProtectedUsers — пользователи, которыми usersync никогда не управляет
	ProtectedUsers []string
	// UnmanagedRoles — роли, которые не назначаются и не отзываются
	UnmanagedRoles []string
}

// PlanResult — результат вычисления плана без применения.
type PlanResult struct {
	Desired  *model.UserSnapshot
	Observed *model.UserSnapshot
	Plan     model.Plan
}

// SyncService выполняет запуск согласования.
type SyncService struct {
	provider   desired.Provider
	fetcher    *Fetcher
	reconciler *Reconciler
	archive    ReportArchive
	pusher     MetricsPusher
	preflight  func(ctx context.Context) error
	membership *MembershipSync
	cfg        SyncConfig
	logger     *slog.Logger
}

// SyncOption — дополнительная настройка SyncService.
type SyncOption func(*SyncService)

// WithArchive включает сохранение отчётов.
func WithArchive(a ReportArchive) SyncOption {
	return func(s *SyncService) { s.archive = a }
}

// WithMetricsPusher включает отправку метрик.
func WithMetricsPusher(p MetricsPusher) SyncOption {
	return func(s *SyncService) { s.pusher = p }
}

// WithPreflight задаёт проверку Identity Provider (например, доступности realm).
// Вызывается после успешной загрузки желаемого состояния, перед наблюдением.
func WithPreflight(check func(ctx context.Context) error) SyncOption {
	return func(s *SyncService) { s.preflight = check }
}

// WithMembership включает согласование членства в группе GitLab
// после применения плана.
func WithMembership(m *MembershipSync) SyncOption {
	return func(s *SyncService) { s.membership = m }
}

// NewSyncService создаёт SyncService.
func NewSyncService(
	provider desired.Provider,
	fetcher *Fetcher,
	reconciler *Reconciler,
	cfg SyncConfig,
	logger *slog.Logger,
	opts ...SyncOption,
) *SyncService {
	s := &SyncService{
		provider:   provider,
		fetcher:    fetcher,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "sync")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Plan получает оба снимка и вычисляет план.
func (s *SyncService) Plan(ctx context.Context) (*PlanResult, error) {
	want, err := s.provider.FetchDesired(ctx)
	if err != nil {
		return nil, fmt.Errorf("желаемое состояние: %w", err)
	}
	s.excludeUnmanaged(want)

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrRunAborted, context.Cause(ctx))
	}

	if s.preflight != nil {
		if err := s.preflight(ctx); err != nil {
			return nil, fmt.Errorf("проверка Identity Provider: %w", err)
		}
	}

	have, err := s.fetcher.FetchObserved(ctx, s.cfg.Realm)
	if err != nil {
		return nil, fmt.Errorf("наблюдаемое состояние: %w", err)
	}

	plan := ComputeDiff(want, have, s.cfg.RunConfig)

	counts := plan.CountByKind()
	for _, kind := range []model.OpKind{
		model.OpCreate, model.OpUpdateAttributes, model.OpEnableOrDisable,
		model.OpGrantRole, model.OpRevokeRole, model.OpRemove,
	} {
		planOperations.WithLabelValues(kind.String()).Set(float64(counts[kind]))
	}

	s.logger.Info("План вычислен",
		slog.String("realm", s.cfg.Realm),
		slog.Int("desired", want.Len()),
		slog.Int("observed", have.Len()),
		slog.Int("operations", len(plan)),
		slog.Int("create", counts[model.OpCreate]),
		slog.Int("remove", counts[model.OpRemove]),
	)

	return &PlanResult{Desired: want, Observed: have, Plan: plan}, nil
}

// Run выполняет запуск. dryRun — план вычисляется, но не применяется.
// Ошибка возвращается только для фатальных условий до применения плана;
// прерванное применение отражается в отчёте (RunReport.Aborted).
func (s *SyncService) Run(ctx context.Context, dryRun bool) (*model.RunReport, error) {
	runID := uuid.NewString()
	started := time.Now().UTC()

	s.logger.Info("Запуск согласования",
		slog.String("run_id", runID),
		slog.String("realm", s.cfg.Realm),
		slog.Bool("dry_run", dryRun),
		slog.Bool("delete_users", s.cfg.RunConfig.DeleteUsers),
	)

	planned, err := s.Plan(ctx)
	if err != nil {
		return nil, err
	}

	var report *model.RunReport
	if dryRun {
		report = &model.RunReport{
			Realm:       s.cfg.Realm,
			DryRun:      true,
			CompletedAt: time.Now().UTC(),
			Results:     make([]model.OperationResult, len(planned.Plan)),
		}
		for i, op := range planned.Plan {
			report.Results[i] = model.OperationResult{
				Operation: op,
				Outcome:   model.OutcomeSkipped,
				Reason:    model.SkipDryRun,
			}
		}
	} else {
		report = s.reconciler.Apply(ctx, planned.Plan)
	}

	report.RunID = runID
	report.StartedAt = started
	report.DesiredCount = planned.Desired.Len()
	report.ObservedCount = planned.Observed.Len()
	report.Partial = planned.Observed.PartialObservations()

	// Членство согласуется только после полного применения плана
	if s.membership != nil && !report.Aborted && ctx.Err() == nil {
		results, err := s.membership.Sync(ctx, planned.Desired, dryRun)
		if err != nil {
			s.logger.Error("Членство в группе GitLab не согласовано",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
			report.MembershipErr = err
		}
		report.Memberships = results
		report.CompletedAt = time.Now().UTC()
	}

	runDuration.Observe(report.Duration().Seconds())
	lastRunTimestamp.Set(float64(report.CompletedAt.Unix()))

	// Архив и метрики не должны зависеть от отмены запуска
	finishCtx := context.WithoutCancel(ctx)

	if s.archive != nil && !dryRun {
		if err := s.archive.Save(finishCtx, report); err != nil {
			s.logger.Warn("Не удалось сохранить отчёт о запуске",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.pusher != nil && !dryRun {
		if err := s.pusher.Push(finishCtx, s.cfg.Realm); err != nil {
			s.logger.Warn("Не удалось отправить метрики",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
		}
	}

	counts := report.Counts()
	s.logger.Info("Согласование завершено",
		slog.String("run_id", runID),
		slog.Int("applied", counts.Applied),
		slog.Int("skipped", counts.Skipped),
		slog.Int("failed", counts.Failed),
		slog.Bool("aborted", report.Aborted),
	)

	return report, nil
}

// excludeUnmanaged убирает из желаемого состояния защищённых пользователей
// и неуправляемые роли: они исключены и из наблюдаемого состояния.
func (s *SyncService) excludeUnmanaged(want *model.UserSnapshot) {
	for _, username := range s.cfg.ProtectedUsers {
		if want.Has(username) {
			s.logger.Warn("Защищённый пользователь в желаемом состоянии игнорируется",
				slog.String("username", username),
			)
			want.Remove(username)
		}
	}

	for _, username := range want.Usernames() {
		u, _ := want.Get(username)
		for _, role := range s.cfg.UnmanagedRoles {
			if u.Roles.Has(role) {
				s.logger.Warn("Неуправляемая роль в желаемом состоянии игнорируется",
					slog.String("username", username),
					slog.String("role", role),
				)
				delete(u.Roles, role)
			}
		}
	}
}
