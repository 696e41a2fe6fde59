// reconciler.go — применение плана к Identity Provider.
//
// Операции разных пользователей независимы и выполняются пулом из workers
// горутин; операции одного пользователя выполняются последовательно одной
// горутиной в порядке плана. Каждая операция пишет результат только в свой
// слот отчёта.
//
// Классификация итога:
//   - успех → Applied
//   - idp.ErrAlreadyInState → Skipped(already-in-state)
//   - idp.ErrThrottled → повтор с экспоненциальной задержкой, затем Failed
//   - любая другая ошибка → Failed без повтора, обработка продолжается
//   - idp.ErrAuthRejected → запуск прерывается, оставшиеся операции Skipped(run-aborted)
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/usersync/internal/domain/model"
	"github.com/bigkaa/usersync/internal/idp"
)

// ReconcilerConfig — параметры Reconciler.
type ReconcilerConfig struct {
	Realm   string
	Workers int
	Retry   RetryPolicy
}

// Reconciler применяет план согласования.
type Reconciler struct {
	provider idp.Provider
	realm    string
	workers  int
	retry    RetryPolicy
	logger   *slog.Logger
}

// NewReconciler создаёт Reconciler.
func NewReconciler(provider idp.Provider, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Reconciler{
		provider: provider,
		realm:    cfg.Realm,
		workers:  cfg.Workers,
		retry:    cfg.Retry,
		logger:   logger.With(slog.String("component", "reconciler")),
	}
}

// runState — состояние прерывания, общее для всех групп.
type runState struct {
	aborted atomic.Bool
	once    sync.Once
	reason  string
}

func (s *runState) abort(reason string) {
	s.once.Do(func() {
		s.reason = reason
		s.aborted.Store(true)
	})
}

// Apply выполняет план и возвращает отчёт. Отчёт возвращается всегда,
// в том числе при отмене ctx: начатые вызовы завершаются, новые не начинаются.
func (r *Reconciler) Apply(ctx context.Context, plan model.Plan) *model.RunReport {
	report := &model.RunReport{
		Realm:     r.realm,
		StartedAt: time.Now().UTC(),
		Results:   make([]model.OperationResult, len(plan)),
	}
	for i, op := range plan {
		report.Results[i].Operation = op
	}

	state := &runState{}

	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, group := range plan.Groups() {
		g.Go(func() error {
			r.applyGroup(ctx, group, report.Results, state)
			return nil
		})
	}
	_ = g.Wait()

	report.CompletedAt = time.Now().UTC()

	switch {
	case state.aborted.Load():
		report.Aborted = true
		report.AbortReason = state.reason
	case ctx.Err() != nil && hasSkip(report.Results, model.SkipRunAborted):
		report.Aborted = true
		report.AbortReason = fmt.Sprintf("отмена: %v", context.Cause(ctx))
	}

	counts := report.Counts()
	r.logger.Info("План применён",
		slog.String("realm", r.realm),
		slog.Int("applied", counts.Applied),
		slog.Int("skipped", counts.Skipped),
		slog.Int("failed", counts.Failed),
		slog.Bool("aborted", report.Aborted),
		slog.Duration("duration", report.Duration()),
	)

	return report
}

// applyGroup последовательно выполняет операции одного пользователя.
func (r *Reconciler) applyGroup(ctx context.Context, group model.Group, results []model.OperationResult, state *runState) {
	createFailed := false

	for _, idx := range group.Indexes {
		res := &results[idx]

		if state.aborted.Load() || ctx.Err() != nil {
			r.skip(res, model.SkipRunAborted)
			continue
		}
		if createFailed {
			r.skip(res, model.SkipCreateFailed)
			continue
		}

		r.execute(ctx, res)

		if res.Outcome == model.OutcomeFailed {
			if res.Operation.Kind == model.OpCreate {
				createFailed = true
			}
			if errors.Is(res.Err, idp.ErrAuthRejected) {
				state.abort(fmt.Sprintf("аутентификация отклонена: %v", res.Err))
				r.logger.Error("Аутентификация в Identity Provider отклонена, запуск прерван",
					slog.String("username", group.Username),
					slog.String("error", res.Err.Error()),
				)
			}
		}
	}
}

// execute выполняет одну операцию с повтором и классифицирует итог.
// Вызов Identity Provider не прерывается отменой ctx.
func (r *Reconciler) execute(ctx context.Context, res *model.OperationResult) {
	op := res.Operation
	callCtx := context.WithoutCancel(ctx)

	attempts, err := r.retry.do(ctx, func() error {
		return r.call(callCtx, op)
	})
	res.Attempts = attempts

	switch {
	case err == nil:
		res.Outcome = model.OutcomeApplied
		r.logger.Debug("Операция применена",
			slog.String("op", op.Kind.String()),
			slog.String("username", op.Username),
			slog.String("detail", op.Detail()),
		)
	case errors.Is(err, idp.ErrAlreadyInState):
		res.Outcome = model.OutcomeSkipped
		res.Reason = model.SkipAlreadyInState
		r.logger.Info("Операция пропущена: объект уже в целевом состоянии",
			slog.String("op", op.Kind.String()),
			slog.String("username", op.Username),
		)
	default:
		res.Outcome = model.OutcomeFailed
		res.Err = err
		r.logger.Warn("Операция не выполнена",
			slog.String("op", op.Kind.String()),
			slog.String("username", op.Username),
			slog.String("detail", op.Detail()),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
	}

	operationsTotal.WithLabelValues(op.Kind.String(), res.Outcome.String()).Inc()
}

func (r *Reconciler) skip(res *model.OperationResult, reason string) {
	res.Outcome = model.OutcomeSkipped
	res.Reason = reason
	operationsTotal.WithLabelValues(res.Operation.Kind.String(), res.Outcome.String()).Inc()
}

// call вызывает Identity Provider для операции.
func (r *Reconciler) call(ctx context.Context, op model.Operation) error {
	switch op.Kind {
	case model.OpCreate:
		_, err := r.provider.CreateUser(ctx, r.realm, *op.Record)
		return err
	case model.OpUpdateAttributes:
		return r.provider.UpdateUser(ctx, r.realm, op.Username, op.Changes)
	case model.OpEnableOrDisable:
		return r.provider.SetEnabled(ctx, r.realm, op.Username, op.Enabled)
	case model.OpGrantRole:
		return r.provider.GrantRole(ctx, r.realm, op.Username, op.Role)
	case model.OpRevokeRole:
		return r.provider.RevokeRole(ctx, r.realm, op.Username, op.Role)
	case model.OpRemove:
		if op.RemoveKind == model.RemoveDelete {
			return r.provider.DeleteUser(ctx, r.realm, op.Username)
		}
		return r.provider.SetEnabled(ctx, r.realm, op.Username, false)
	default:
		return fmt.Errorf("неизвестный вид операции %d: %w", op.Kind, idp.ErrRejected)
	}
}

func hasSkip(results []model.OperationResult, reason string) bool {
	for _, res := range results {
		if res.Outcome == model.OutcomeSkipped && res.Reason == reason {
			return true
		}
	}
	return false
}
