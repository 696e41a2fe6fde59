// membership.go — согласование членства в группе GitLab с желаемым состоянием.
//
// Участники группы — желаемые пользователи с ролью owner_role (уровень Owner)
// или maintainer_role (уровень Maintainer); owner_role приоритетнее.
// Остальные прямые участники удаляются, кроме защищённых пользователей.
// Пользователь, не найденный в GitLab, пропускается (unknown-user).
// Ошибка одного изменения не останавливает остальные; отказ в аутентификации
// прерывает оставшиеся изменения.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/bigkaa/usersync/internal/domain/model"
	"github.com/bigkaa/usersync/internal/idp"
)

// GroupDirectory — операции над участниками одной группы GitLab.
type GroupDirectory interface {
	FindUser(ctx context.Context, username string) (int, error)
	ListMembers(ctx context.Context) ([]model.GroupMember, error)
	AddMember(ctx context.Context, userID int, level model.AccessLevel) error
	EditMember(ctx context.Context, userID int, level model.AccessLevel) error
	RemoveMember(ctx context.Context, userID int) error
}

// MembershipConfig — параметры MembershipSync.
type MembershipConfig struct {
	OwnerRole      string
	MaintainerRole string
	ProtectedUsers []string
	Retry          RetryPolicy
}

// levelFor возвращает уровень доступа по ролям пользователя.
func (c MembershipConfig) levelFor(u model.UserRecord) (model.AccessLevel, bool) {
	switch {
	case c.OwnerRole != "" && u.Roles.Has(c.OwnerRole):
		return model.AccessOwner, true
	case c.MaintainerRole != "" && u.Roles.Has(c.MaintainerRole):
		return model.AccessMaintainer, true
	default:
		return 0, false
	}
}

// ComputeMembershipDiff вычисляет изменения членства.
// Порядок: add и update в порядке желаемого состояния, затем remove
// в порядке списка участников.
func ComputeMembershipDiff(want *model.UserSnapshot, members []model.GroupMember, cfg MembershipConfig) []model.MembershipOp {
	current := make(map[string]model.GroupMember, len(members))
	for _, m := range members {
		current[m.Username] = m
	}

	var ops []model.MembershipOp
	wanted := make(map[string]struct{})
	for _, username := range want.Usernames() {
		u, _ := want.Get(username)
		level, ok := cfg.levelFor(u)
		if !ok {
			continue
		}
		wanted[username] = struct{}{}

		m, exists := current[username]
		switch {
		case !exists:
			ops = append(ops, model.MembershipOp{Kind: model.MemberAdd, Username: username, Level: level})
		case m.Level != level:
			ops = append(ops, model.MembershipOp{Kind: model.MemberUpdate, Username: username, UserID: m.UserID, Level: level})
		}
	}

	for _, m := range members {
		if _, ok := wanted[m.Username]; ok || slices.Contains(cfg.ProtectedUsers, m.Username) {
			continue
		}
		ops = append(ops, model.MembershipOp{Kind: model.MemberRemove, Username: m.Username, UserID: m.UserID})
	}
	return ops
}

// MembershipSync применяет изменения членства в группе.
type MembershipSync struct {
	dir    GroupDirectory
	cfg    MembershipConfig
	logger *slog.Logger
}

// NewMembershipSync создаёт MembershipSync.
func NewMembershipSync(dir GroupDirectory, cfg MembershipConfig, logger *slog.Logger) *MembershipSync {
	return &MembershipSync{
		dir:    dir,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "gitlab_membership")),
	}
}

// Sync получает участников группы, вычисляет и применяет изменения.
// dryRun — изменения вычисляются, но отмечаются Skipped(dry-run).
// Ошибка возвращается, только если не удалось получить список участников.
func (m *MembershipSync) Sync(ctx context.Context, want *model.UserSnapshot, dryRun bool) ([]model.MembershipResult, error) {
	var members []model.GroupMember
	_, err := m.cfg.Retry.do(ctx, func() error {
		var err error
		members, err = m.dir.ListMembers(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("участники группы GitLab: %w", err)
	}

	ops := ComputeMembershipDiff(want, members, m.cfg)
	results := make([]model.MembershipResult, len(ops))

	aborted := false
	for i, op := range ops {
		res := &results[i]
		res.Op = op

		switch {
		case dryRun:
			m.skip(res, model.SkipDryRun)
		case aborted || ctx.Err() != nil:
			m.skip(res, model.SkipRunAborted)
		default:
			m.execute(ctx, res)
			if res.Outcome == model.OutcomeFailed && errors.Is(res.Err, idp.ErrAuthRejected) {
				aborted = true
				m.logger.Error("Аутентификация в GitLab отклонена, изменения членства прерваны",
					slog.String("error", res.Err.Error()),
				)
			}
		}
	}

	m.logger.Info("Членство в группе согласовано",
		slog.Int("members", len(members)),
		slog.Int("operations", len(ops)),
		slog.Bool("dry_run", dryRun),
	)
	return results, nil
}

// execute выполняет одно изменение с повтором и классифицирует итог.
func (m *MembershipSync) execute(ctx context.Context, res *model.MembershipResult) {
	callCtx := context.WithoutCancel(ctx)

	attempts, err := m.cfg.Retry.do(ctx, func() error {
		return m.call(callCtx, &res.Op)
	})
	res.Attempts = attempts

	switch {
	case err == nil:
		res.Outcome = model.OutcomeApplied
		m.logger.Debug("Изменение членства применено",
			slog.String("op", res.Op.Kind.String()),
			slog.String("username", res.Op.Username),
			slog.String("level", res.Op.Detail()),
		)
	case errors.Is(err, idp.ErrAlreadyInState):
		res.Outcome = model.OutcomeSkipped
		res.Reason = model.SkipAlreadyInState
	case errors.Is(err, idp.ErrUserNotFound):
		res.Outcome = model.OutcomeSkipped
		res.Reason = model.SkipUnknownUser
		m.logger.Info("Пользователь не найден в GitLab",
			slog.String("username", res.Op.Username),
		)
	default:
		res.Outcome = model.OutcomeFailed
		res.Err = err
		m.logger.Warn("Изменение членства не выполнено",
			slog.String("op", res.Op.Kind.String()),
			slog.String("username", res.Op.Username),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
	}

	operationsTotal.WithLabelValues(res.Op.Kind.String(), res.Outcome.String()).Inc()
}

func (m *MembershipSync) skip(res *model.MembershipResult, reason string) {
	res.Outcome = model.OutcomeSkipped
	res.Reason = reason
	operationsTotal.WithLabelValues(res.Op.Kind.String(), res.Outcome.String()).Inc()
}

// call вызывает GitLab API. Для MemberAdd сначала определяется ID пользователя.
func (m *MembershipSync) call(ctx context.Context, op *model.MembershipOp) error {
	switch op.Kind {
	case model.MemberAdd:
		if op.UserID == 0 {
			id, err := m.dir.FindUser(ctx, op.Username)
			if err != nil {
				return err
			}
			op.UserID = id
		}
		return m.dir.AddMember(ctx, op.UserID, op.Level)
	case model.MemberUpdate:
		return m.dir.EditMember(ctx, op.UserID, op.Level)
	case model.MemberRemove:
		return m.dir.RemoveMember(ctx, op.UserID)
	default:
		return fmt.Errorf("неизвестный вид изменения членства %d: %w", op.Kind, idp.ErrRejected)
	}
}
